// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package health

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
)

// RateLimitConfig bounds probe traffic per client address.
type RateLimitConfig struct {
	RequestLimit int
	WindowSize   time.Duration
}

// DefaultRateLimit allows a scraper and an orchestrator to poll comfortably.
var DefaultRateLimit = RateLimitConfig{RequestLimit: 120, WindowSize: time.Minute}

// NewRouter mounts /healthz, /readyz and, when metrics is non-nil, /metrics.
func NewRouter(m *Manager, metrics http.Handler, limit RateLimitConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if limit.RequestLimit > 0 {
		r.Use(httprate.Limit(
			limit.RequestLimit,
			limit.WindowSize,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(limit.WindowSize.Seconds())))
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate_limit_exceeded"}`))
			}),
		))
	}

	r.Get("/healthz", m.ServeHealth)
	r.Get("/readyz", m.ServeReady)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	return r
}
