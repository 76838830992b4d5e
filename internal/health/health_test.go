// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/pkgd/internal/config"
	"github.com/ManuGH/pkgd/internal/history"
)

type mockChecker struct {
	name   string
	status Status
}

func (m *mockChecker) Name() string { return m.name }

func (m *mockChecker) Check(_ context.Context) CheckResult {
	return CheckResult{Status: m.status}
}

func TestHealthIgnoresChecksUnlessVerbose(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(&mockChecker{name: "ok", status: StatusHealthy})
	m.RegisterChecker(&mockChecker{name: "bus", status: StatusUnhealthy})

	resp := m.Health(context.Background(), false)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Equal(t, "v1.0.0", resp.Version)
	assert.Nil(t, resp.Checks)

	resp = m.Health(context.Background(), true)
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Len(t, resp.Checks, 2)
}

func TestReadyAggregates(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		ready    bool
		want     Status
	}{
		{"none", nil, true, StatusHealthy},
		{"healthy", []Status{StatusHealthy, StatusHealthy}, true, StatusHealthy},
		{"degraded", []Status{StatusDegraded, StatusHealthy}, true, StatusDegraded},
		{"unhealthy wins", []Status{StatusUnhealthy, StatusDegraded}, false, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager("")
			for i, s := range tt.statuses {
				m.RegisterChecker(&mockChecker{name: string(rune('a' + i)), status: s})
			}
			resp := m.Ready(context.Background())
			assert.Equal(t, tt.ready, resp.Ready)
			assert.Equal(t, tt.want, resp.Status)
		})
	}
}

func TestRouterServesProbes(t *testing.T) {
	var up atomic.Bool
	up.Store(true)
	m := NewManager("v2")
	m.RegisterChecker(NewFuncChecker("bus", up.Load, "bus connection lost"))

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("pkgd_sessions_open 0\n"))
	})
	srv := httptest.NewServer(NewRouter(m, metrics, DefaultRateLimit))
	defer srv.Close()

	get := func(path string) *http.Response {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	resp := get("/readyz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	up.Store(false)
	resp = get("/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var body ReadinessResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.False(t, body.Ready)
	assert.Equal(t, "bus connection lost", body.Checks["bus"].Message)

	resp = get("/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	resp = get("/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRouterRateLimits(t *testing.T) {
	h := NewRouter(NewManager(""), nil, RateLimitConfig{RequestLimit: 2, WindowSize: time.Minute})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "192.0.2.1:1234"
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = "192.0.2.2:1234"
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDirChecker(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, StatusHealthy, NewDirChecker("cache_dir", dir).Check(context.Background()).Status)

	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	res := NewDirChecker("cache_dir", file).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Equal(t, "not a directory", res.Error)

	res = NewDirChecker("cache_dir", filepath.Join(dir, "missing")).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
}

func TestHistoryChecker(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.sqlite")
	store, err := history.Open(ctx, path)
	require.NoError(t, err)
	defer store.Close()

	res := NewHistoryChecker(path).Check(ctx)
	assert.Equal(t, StatusHealthy, res.Status, res.Error)

	res = NewHistoryChecker(filepath.Join(t.TempDir(), "absent.sqlite")).Check(ctx)
	assert.Equal(t, StatusUnhealthy, res.Status)
}

func TestPerformStartupChecksCreatesDirectories(t *testing.T) {
	root := t.TempDir()
	cfg := config.Defaults()
	cfg.DataDir = filepath.Join(root, "data")
	cfg.CacheDir = filepath.Join(root, "cache")
	cfg.HistoryDB = filepath.Join(root, "state", "history.sqlite")
	cfg.ReposDirs = []string{filepath.Join(root, "repos")}
	cfg.Installer.RPMPath = os.Args[0]

	require.NoError(t, PerformStartupChecks(context.Background(), cfg))
	for _, dir := range []string{cfg.DataDir, cfg.CacheDir, filepath.Dir(cfg.HistoryDB)} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}

	cfg.Installer.RPMPath = filepath.Join(root, "no-rpm")
	assert.ErrorContains(t, PerformStartupChecks(context.Background(), cfg), "rpm binary not found")

	cfg.Installer.RPMPath = os.Args[0]
	cfg.Metrics.Listen = "not-an-address"
	assert.ErrorContains(t, PerformStartupChecks(context.Background(), cfg), "invalid metrics listen address")
}
