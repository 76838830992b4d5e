// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ManuGH/pkgd/internal/audit"
	"github.com/ManuGH/pkgd/internal/authz"
	"github.com/ManuGH/pkgd/internal/config"
	"github.com/ManuGH/pkgd/internal/daemon"
	"github.com/ManuGH/pkgd/internal/download"
	"github.com/ManuGH/pkgd/internal/health"
	"github.com/ManuGH/pkgd/internal/history"
	"github.com/ManuGH/pkgd/internal/installer"
	xglog "github.com/ManuGH/pkgd/internal/log"
	"github.com/ManuGH/pkgd/internal/progress"
	"github.com/ManuGH/pkgd/internal/repo"
	"github.com/ManuGH/pkgd/internal/repoconf"
	"github.com/ManuGH/pkgd/internal/rpc"
	"github.com/ManuGH/pkgd/internal/session"
	"github.com/ManuGH/pkgd/internal/solver"
	"github.com/ManuGH/pkgd/internal/telemetry"
	"github.com/ManuGH/pkgd/internal/version"
	"github.com/ManuGH/pkgd/internal/workerpool"
)

// runtime holds what wire built so it can be released in order.
type runtime struct {
	deps    daemon.Deps
	conn    *dbus.Conn
	history *history.Store
	tracing *telemetry.Provider
}

func connectBus(kind string) (*dbus.Conn, error) {
	switch kind {
	case "session":
		return dbus.ConnectSessionBus()
	default:
		return dbus.ConnectSystemBus()
	}
}

// wire builds every long-lived component from the loaded configuration.
func wire(ctx context.Context, holder *config.ConfigHolder) (rt *runtime, err error) {
	cfg := holder.Get()
	logger := xglog.WithComponent("daemon")
	rt = &runtime{}
	defer func() {
		if err != nil {
			rt.closeAll(logger)
		}
	}()

	rt.tracing, err = telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "pkgd",
		ServiceVersion: version.Version,
		Environment:    cfg.Telemetry.Environment,
		ExporterType:   cfg.Telemetry.ExporterType,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		return rt, fmt.Errorf("telemetry: %w", err)
	}

	rt.conn, err = connectBus(cfg.Bus)
	if err != nil {
		return rt, fmt.Errorf("connect %s bus: %w", cfg.Bus, err)
	}

	rt.history, err = history.Open(ctx, cfg.HistoryDB)
	if err != nil {
		return rt, fmt.Errorf("open history: %w", err)
	}

	resolver, err := solver.NewExec(cfg.Resolver.Command, cfg.Resolver.Timeout)
	if err != nil {
		return rt, fmt.Errorf("resolver: %w", err)
	}

	auditLog := audit.NewLogger()
	var authorizer authz.Authorizer = authz.AllowAll()
	if cfg.Polkit.Enabled {
		authorizer = authz.NewPolkit(rt.conn, cfg.Polkit.Timeout, auditLog)
	}

	dl := download.New(download.Options{
		Parallel:  cfg.Download.Parallel,
		Retries:   cfg.Download.Retries,
		Timeout:   cfg.Download.Timeout,
		RateLimit: cfg.Download.RateLimitPerSecond,
	}, nil)
	repos := repoconf.New(cfg.ReposDirs, cfg.SkipIfUnavailable)
	rpm := installer.NewRPM(installer.Options{
		RPMPath: cfg.Installer.RPMPath,
		Root:    cfg.Installer.Root,
		Test:    cfg.Installer.Test,
	})
	pool := workerpool.New()
	notifier := daemon.NewSystemdNotifier(xglog.WithComponent("sdnotify"))

	var server *rpc.Server
	build := session.Deps{
		RepoConf:          repos,
		Metadata:          repo.NewMetadataFetcher(dl, cfg.CacheDir),
		System:            rpm,
		Downloader:        dl,
		Resolver:          resolver,
		Installer:         rpm,
		History:           rt.history,
		CacheDir:          cfg.CacheDir,
		InstallRoot:       cfg.Installer.Root,
		Parallel:          cfg.Download.Parallel,
		KeepPolicy:        cfg.KeepPolicy,
		KeepCache:         func() bool { return holder.Get().KeepCache },
		SkipIfUnavailable: func() bool { return holder.Get().SkipIfUnavailable },
		Sink:              func(id, owner string) progress.Sink { return server.SinkFor(id, owner) },
	}
	dir := session.NewDirectory(build.Build, authorizer, auditLog, cfg.MaxSessions)

	server = rpc.New(rt.conn, rpc.Options{
		BusName:          cfg.BusName,
		Directory:        dir,
		Pool:             pool,
		RepoConf:         repos,
		History:          rt.history,
		Authorizer:       authorizer,
		Audit:            auditLog,
		ProgressInterval: func() time.Duration { return holder.Get().ProgressInterval },
		OnReady:          notifier.Ready,
	})

	probes := health.NewManager(version.Version)
	probes.RegisterChecker(health.NewHistoryChecker(cfg.HistoryDB))
	probes.RegisterChecker(health.NewDirChecker("cache_dir", cfg.CacheDir))
	probes.RegisterChecker(health.NewFuncChecker("bus", server.Connected, "bus connection lost"))

	rt.deps = daemon.Deps{
		Logger:     logger,
		Config:     cfg,
		Bus:        server,
		Directory:  dir,
		Pool:       pool,
		OpsHandler: health.NewRouter(probes, promhttp.Handler(), health.DefaultRateLimit),
		Notifier:   notifier,
	}
	return rt, nil
}

// registerHooks runs after the sessions are gone: history first, then the
// bus connection, then the tracer flush.
func (rt *runtime) registerHooks(mgr daemon.Manager) {
	if rt.tracing != nil {
		mgr.RegisterShutdownHook("telemetry.shutdown", rt.tracing.Shutdown)
	}
	if rt.conn != nil {
		mgr.RegisterShutdownHook("bus.close", func(context.Context) error { return rt.conn.Close() })
	}
	if rt.history != nil {
		mgr.RegisterShutdownHook("history.close", func(context.Context) error { return rt.history.Close() })
	}
}

// closeAll releases a partially built runtime.
func (rt *runtime) closeAll(logger zerolog.Logger) {
	if rt.history != nil {
		if err := rt.history.Close(); err != nil {
			logger.Warn().Err(err).Msg("close history")
		}
	}
	if rt.conn != nil {
		_ = rt.conn.Close()
	}
	if rt.tracing != nil {
		_ = rt.tracing.Shutdown(context.Background())
	}
}
