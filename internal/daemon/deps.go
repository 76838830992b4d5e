// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/pkgd/internal/config"
)

// BusService is the message bus front end.
type BusService interface {
	// Serve blocks until ctx ends or the bus connection is lost.
	Serve(ctx context.Context) error
	Connected() bool
}

// SessionDirectory is the part of the session registry the lifecycle drives.
type SessionDirectory interface {
	Deactivate()
	Shutdown()
}

// WorkerPool runs request workers and reclaims finished ones.
type WorkerPool interface {
	Run(ctx context.Context, interval time.Duration)
	Drain(ctx context.Context) error
}

// Deps contains dependencies required by the daemon Manager.
type Deps struct {
	Logger zerolog.Logger
	Config config.AppConfig

	Bus       BusService
	Directory SessionDirectory
	Pool      WorkerPool

	// OpsHandler serves probes and metrics on Config.Metrics.Listen.
	// Nil disables the listener.
	OpsHandler http.Handler

	// Notifier reports lifecycle state to the service manager. Nil is a no-op.
	Notifier Notifier
}

// Validate checks if the dependencies are valid.
func (d *Deps) Validate() error {
	if d.Logger.GetLevel() == zerolog.Disabled {
		return ErrMissingLogger
	}
	if d.Bus == nil {
		return ErrMissingBus
	}
	if d.Directory == nil {
		return ErrMissingDirectory
	}
	if d.Pool == nil {
		return ErrMissingPool
	}
	return nil
}
