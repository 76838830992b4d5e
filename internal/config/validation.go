// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"strings"
	"time"

	"github.com/ManuGH/pkgd/internal/validate"
)

// Validate checks cross-field constraints of a loaded configuration.
func Validate(cfg AppConfig) error {
	v := validate.New()

	v.OneOf("log_level", cfg.LogLevel, []string{"trace", "debug", "info", "warn", "error"})
	v.OneOf("bus", cfg.Bus, []string{"system", "session"})
	v.NotEmpty("bus_name", cfg.BusName)

	v.Directory("data_dir", cfg.DataDir, false)
	v.Directory("cache_dir", cfg.CacheDir, false)
	if len(cfg.ReposDirs) == 0 {
		v.AddError("repos_dirs", "at least one repository directory is required", cfg.ReposDirs)
	}
	v.AbsPath("history_db", cfg.HistoryDB)

	v.Range("max_sessions", cfg.MaxSessions, 1, 64)
	v.OneOf("keep_policy", cfg.KeepPolicy, []string{KeepAlways, KeepNever, KeepDefault})

	v.DurationRange("progress_interval", cfg.ProgressInterval, 10*time.Millisecond, 10*time.Second)
	v.DurationRange("collector_interval", cfg.CollectorInterval, 10*time.Millisecond, time.Minute)
	v.DurationRange("shutdown_timeout", cfg.ShutdownTimeout, time.Second, 10*time.Minute)
	v.DurationRange("polkit.timeout", cfg.Polkit.Timeout, time.Second, 10*time.Minute)

	v.Range("download.parallel", cfg.Download.Parallel, 1, 32)
	v.Range("download.retries", cfg.Download.Retries, 0, 10)
	v.NonNegative("download.rate_limit_per_second", cfg.Download.RateLimitPerSecond)

	if len(cfg.Resolver.Command) == 0 {
		v.AddError("resolver.command", "resolver command is required", cfg.Resolver.Command)
	}
	v.NotEmpty("installer.rpm_path", cfg.Installer.RPMPath)

	if cfg.Metrics.Listen != "" {
		v.HostPort("metrics.listen", cfg.Metrics.Listen)
	}

	if cfg.Telemetry.Enabled {
		v.OneOf("telemetry.exporter", cfg.Telemetry.ExporterType, []string{"grpc", "http"})
		// Either a bare host:port or a full collector URL.
		if strings.Contains(cfg.Telemetry.Endpoint, "://") {
			v.URL("telemetry.endpoint", cfg.Telemetry.Endpoint, []string{"http", "https"})
		} else {
			v.HostPort("telemetry.endpoint", cfg.Telemetry.Endpoint)
		}
	}

	return v.Err()
}
