// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package daemon owns the process lifecycle: bus service, worker collector,
// ops listener, reloads and the ordered shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/pkgd/internal/log"
)

const defaultShutdownTimeout = 30 * time.Second

// ShutdownHook is a function that performs cleanup during graceful shutdown.
// Hooks are executed in reverse registration order (LIFO).
type ShutdownHook func(ctx context.Context) error

// Manager manages the daemon lifecycle: starting services, handling shutdown.
type Manager interface {
	// Start starts all configured services and blocks until shutdown
	Start(ctx context.Context) error

	// Shutdown gracefully shuts down all services
	Shutdown(ctx context.Context) error

	// RegisterShutdownHook registers a function to be called during shutdown
	RegisterShutdownHook(name string, hook ShutdownHook)
}

type manager struct {
	deps Deps

	opsServer *http.Server
	opsAddr   net.Addr

	cancelRun context.CancelFunc
	running   sync.WaitGroup

	shutdownHooks []namedHook

	started  bool
	stopping bool
	mu       sync.Mutex

	logger zerolog.Logger
}

type namedHook struct {
	name string
	hook ShutdownHook
}

// NewManager creates a new daemon manager with the given dependencies.
func NewManager(deps Deps) (Manager, error) {
	if err := deps.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dependencies: %w", err)
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	return &manager{
		deps:          deps,
		logger:        deps.Logger.With().Str(log.FieldComponent, "manager").Logger(),
		shutdownHooks: make([]namedHook, 0),
	}, nil
}

// Start starts the bus service, the worker collector and the ops listener,
// then blocks until ctx is cancelled or a service fails.
func (m *manager) Start(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("start context is nil")
	}

	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	// Services outlive ctx so in-flight calls still get replies while draining.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancelRun = cancel
	m.mu.Unlock()

	cfg := m.deps.Config
	m.logger.Info().
		Str("bus", cfg.Bus).
		Str("bus_name", cfg.BusName).
		Int("max_sessions", cfg.MaxSessions).
		Dur("shutdown_timeout", cfg.ShutdownTimeout).
		Msg("starting daemon manager")

	errChan := make(chan error, 2)

	if m.deps.OpsHandler != nil && cfg.Metrics.Listen != "" {
		if err := m.startOpsServer(cfg.Metrics.Listen, errChan); err != nil {
			cancel()
			return fmt.Errorf("failed to start ops server: %w", err)
		}
	}

	interval := cfg.CollectorInterval
	if interval <= 0 {
		interval = time.Second
	}
	m.running.Add(2)
	go func() {
		defer m.running.Done()
		m.deps.Pool.Run(runCtx, interval)
	}()
	go func() {
		defer m.running.Done()
		if err := m.deps.Bus.Serve(runCtx); err != nil {
			errChan <- fmt.Errorf("bus service: %w", err)
		}
	}()

	// Detached-but-bounded so shutdown completes even when the parent is cancelled.
	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), m.shutdownTimeout())
	defer stop()

	select {
	case err := <-errChan:
		m.logger.Error().Err(err).Msg("service error, initiating shutdown")
		if shutdownErr := m.Shutdown(shutdownCtx); shutdownErr != nil {
			return fmt.Errorf("service error and shutdown failure: %w", errors.Join(err, shutdownErr))
		}
		return err
	case <-ctx.Done():
		m.logger.Info().Msg("shutdown signal received")
		return m.Shutdown(shutdownCtx)
	case <-runCtx.Done():
		return nil
	}
}

func (m *manager) shutdownTimeout() time.Duration {
	if m.deps.Config.ShutdownTimeout > 0 {
		return m.deps.Config.ShutdownTimeout
	}
	return defaultShutdownTimeout
}

func (m *manager) startOpsServer(addr string, errChan chan<- error) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	m.opsAddr = ln.Addr()
	m.opsServer = &http.Server{
		Handler:           m.deps.OpsHandler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	go func() {
		m.logger.Info().Str("addr", m.opsAddr.String()).Msg("ops server listening")
		if err := m.opsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error().
				Err(err).
				Str(log.FieldEvent, "ops.server.failed").
				Msg("ops server failed")
			errChan <- fmt.Errorf("ops server: %w", err)
		}
	}()
	return nil
}

// Shutdown runs the ordered shutdown: refuse new sessions, drain in-flight
// requests, close sessions, stop services, then run hooks in LIFO order.
func (m *manager) Shutdown(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("shutdown context is nil")
	}

	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil
	}
	if !m.started {
		m.mu.Unlock()
		return ErrManagerNotStarted
	}
	m.stopping = true
	hooks := append([]namedHook(nil), m.shutdownHooks...)
	m.mu.Unlock()

	m.logger.Info().Msg("shutting down daemon manager")
	m.deps.Notifier.Stopping()

	var errs []error

	// Drain waits for running transactions without a deadline; the timeout
	// bounds only the remaining calls.
	drainCtx, cancelDrain := context.WithTimeout(context.WithoutCancel(ctx), m.shutdownTimeout())
	m.deps.Directory.Deactivate()
	if err := m.deps.Pool.Drain(drainCtx); err != nil {
		errs = append(errs, fmt.Errorf("drain workers: %w", err))
	}
	cancelDrain()
	m.deps.Directory.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.shutdownTimeout())
	defer cancel()

	m.cancelRun()
	m.running.Wait()

	if m.opsServer != nil {
		m.logger.Debug().Msg("shutting down ops server")
		if err := m.opsServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("ops server shutdown: %w", err))
		}
	}

	m.logger.Debug().Int("hooks", len(hooks)).Msg("executing shutdown hooks")
	for i := len(hooks) - 1; i >= 0; i-- {
		hook := hooks[i]
		hookStart := time.Now()
		if err := hook.hook(shutdownCtx); err != nil {
			m.logger.Error().
				Err(err).
				Str("hook", hook.name).
				Dur("duration", time.Since(hookStart)).
				Msg("shutdown hook failed")
			errs = append(errs, fmt.Errorf("hook %s: %w", hook.name, err))
			continue
		}
		m.logger.Debug().
			Str("hook", hook.name).
			Dur("duration", time.Since(hookStart)).
			Msg("shutdown hook completed")
	}

	if len(errs) > 0 {
		m.logger.Error().
			Int("error_count", len(errs)).
			Msg("shutdown completed with errors")
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	m.logger.Info().Msg("daemon manager stopped cleanly")
	return nil
}

// RegisterShutdownHook registers a cleanup function to be called during shutdown.
// Hooks are executed in reverse registration order (LIFO).
func (m *manager) RegisterShutdownHook(name string, hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.shutdownHooks = append(m.shutdownHooks, namedHook{
		name: name,
		hook: hook,
	})
	m.logger.Debug().Str("hook", name).Msg("registered shutdown hook")
}
