// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Command pkgd is the package management daemon. It exposes sessions,
// goals, repositories and history on the message bus.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ManuGH/pkgd/internal/config"
	"github.com/ManuGH/pkgd/internal/daemon"
	"github.com/ManuGH/pkgd/internal/health"
	xglog "github.com/ManuGH/pkgd/internal/log"
	"github.com/ManuGH/pkgd/internal/version"
)

const defaultConfigPath = "/etc/pkgd/pkgd.yaml"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "config":
			os.Exit(runConfigCLI(os.Args[2:]))
		case "healthcheck":
			os.Exit(runHealthcheckCLI(os.Args[2:]))
		}
	}
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("pkgd", flag.ContinueOnError)
	showVersion := fs.Bool("version", false, "print version and exit")
	configPath := fs.String("config", "", "path to config file (YAML)")
	noPolkit := fs.Bool("no-polkit", false, "allow every request without asking polkit (development only)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *showVersion {
		fmt.Println(version.String())
		return 0
	}

	// Safe defaults until the config is loaded.
	xglog.Configure(xglog.Config{
		Level:   "info",
		Service: "pkgd",
		Version: version.Version,
	})
	logger := xglog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	effectiveConfigPath := resolveConfigPath(*configPath)
	loader := config.NewLoader(effectiveConfigPath, version.Version)
	cfg, err := loader.Load()
	if err != nil {
		logger.Error().
			Err(err).
			Str(xglog.FieldEvent, "config.load_failed").
			Str("config_path", effectiveConfigPath).
			Msg("failed to load configuration")
		return 1
	}
	if *noPolkit {
		cfg.Polkit.Enabled = false
	}

	xglog.Configure(xglog.Config{Level: cfg.LogLevel})

	source := "env+defaults"
	if effectiveConfigPath != "" {
		source = "file"
	}
	logger.Info().
		Str(xglog.FieldEvent, "config.loaded").
		Str("source", source).
		Str(xglog.FieldPath, effectiveConfigPath).
		Msg("configuration loaded")

	if err := health.PerformStartupChecks(ctx, cfg); err != nil {
		logger.Error().
			Err(err).
			Str(xglog.FieldEvent, "startup.check_failed").
			Msg("startup checks failed, verify configuration and permissions")
		return 1
	}

	logger.Info().
		Str(xglog.FieldEvent, "startup").
		Str("version", version.Version).
		Str("commit", version.Commit).
		Str("build_date", version.Date).
		Str("bus", cfg.Bus).
		Str("bus_name", cfg.BusName).
		Msg("starting pkgd")
	if !cfg.Polkit.Enabled {
		logger.Warn().
			Str("security", "weak").
			Msg("polkit disabled: every caller is authorized")
	}

	holder := config.NewConfigHolder(cfg, loader)
	rt, err := wire(ctx, holder)
	if err != nil {
		logger.Error().
			Err(err).
			Str(xglog.FieldEvent, "startup.wiring_failed").
			Msg("failed to initialise daemon")
		return 1
	}

	mgr, err := daemon.NewManager(rt.deps)
	if err != nil {
		rt.closeAll(logger)
		logger.Error().
			Err(err).
			Str(xglog.FieldEvent, "manager.creation.failed").
			Msg("failed to create daemon manager")
		return 1
	}
	rt.registerHooks(mgr)

	app := daemon.NewApp(logger, mgr, holder)
	if err := app.Run(ctx); err != nil {
		logger.Error().
			Err(err).
			Str(xglog.FieldEvent, "manager.failed").
			Msg("daemon stopped with error")
		return 1
	}

	logger.Info().Msg("pkgd exiting")
	return 0
}

// resolveConfigPath prefers an explicit path, then the default location
// when it exists, else env-only configuration.
func resolveConfigPath(explicit string) string {
	if p := strings.TrimSpace(explicit); p != "" {
		return p
	}
	if p := strings.TrimSpace(config.ParseString(config.EnvPrefix+"CONFIG", "")); p != "" {
		return p
	}
	if _, err := os.Stat(defaultConfigPath); err == nil {
		return defaultConfigPath
	}
	return ""
}
