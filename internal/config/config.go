// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config loads and validates the daemon configuration.
package config

import "time"

// AppConfig is the fully resolved daemon configuration.
type AppConfig struct {
	Version string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	// Bus selects the message bus: "system" or "session".
	Bus     string `yaml:"bus"`
	BusName string `yaml:"bus_name"`

	DataDir   string   `yaml:"data_dir"`
	CacheDir  string   `yaml:"cache_dir"`
	ReposDirs []string `yaml:"repos_dirs"`
	HistoryDB string   `yaml:"history_db"`

	// MaxSessions caps simultaneously open sessions across all callers.
	MaxSessions int `yaml:"max_sessions"`

	// KeepCache is the global cache retention setting consulted by the
	// "default" keep policy.
	KeepCache  bool   `yaml:"keepcache"`
	KeepPolicy string `yaml:"keep_policy"`

	SkipIfUnavailable bool `yaml:"skip_if_unavailable"`

	ProgressInterval  time.Duration `yaml:"progress_interval"`
	CollectorInterval time.Duration `yaml:"collector_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`

	Polkit    PolkitConfig    `yaml:"polkit"`
	Download  DownloadConfig  `yaml:"download"`
	Resolver  ResolverConfig  `yaml:"resolver"`
	Installer InstallerConfig `yaml:"installer"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// PolkitConfig controls the authorization gate.
type PolkitConfig struct {
	// Enabled=false allows every request. Development use only.
	Enabled bool          `yaml:"enabled"`
	Timeout time.Duration `yaml:"timeout"`
}

// DownloadConfig controls package and metadata transfers.
type DownloadConfig struct {
	Parallel           int           `yaml:"parallel"`
	Retries            int           `yaml:"retries"`
	Timeout            time.Duration `yaml:"timeout"`
	RateLimitPerSecond int           `yaml:"rate_limit_per_second"` // bytes/s, 0 disables
}

// ResolverConfig points at the external dependency resolver helper.
type ResolverConfig struct {
	Command []string      `yaml:"command"`
	Timeout time.Duration `yaml:"timeout"`
}

// InstallerConfig configures the rpm CLI installer.
type InstallerConfig struct {
	RPMPath string `yaml:"rpm_path"`
	Root    string `yaml:"root"`
	Test    bool   `yaml:"test"` // pass --test, nothing is changed on disk
}

// MetricsConfig controls the ops HTTP listener.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// TelemetryConfig mirrors telemetry.Config for file-based configuration.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ExporterType string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Environment  string  `yaml:"environment"`
}

// Keep policies accepted by KeepPolicy.
const (
	KeepAlways  = "always"
	KeepNever   = "never"
	KeepDefault = "default"
)

// Defaults returns the built-in configuration.
func Defaults() AppConfig {
	return AppConfig{
		LogLevel:          "info",
		Bus:               "system",
		BusName:           "org.rpm.dnf.v0",
		DataDir:           "/var/lib/pkgd",
		CacheDir:          "/var/cache/pkgd",
		ReposDirs:         []string{"/etc/yum.repos.d"},
		HistoryDB:         "/var/lib/pkgd/history.sqlite",
		MaxSessions:       3,
		KeepPolicy:        KeepDefault,
		ProgressInterval:  400 * time.Millisecond,
		CollectorInterval: time.Second,
		ShutdownTimeout:   30 * time.Second,
		Polkit: PolkitConfig{
			Enabled: true,
			Timeout: 2 * time.Minute,
		},
		Download: DownloadConfig{
			Parallel: 3,
			Retries:  4,
			Timeout:  5 * time.Minute,
		},
		Resolver: ResolverConfig{
			Command: []string{"/usr/libexec/pkgd-resolver"},
			Timeout: 5 * time.Minute,
		},
		Installer: InstallerConfig{
			RPMPath: "/usr/bin/rpm",
			Root:    "/",
		},
		Telemetry: TelemetryConfig{
			ExporterType: "grpc",
			Endpoint:     "localhost:4317",
			SamplingRate: 1.0,
			Environment:  "production",
		},
	}
}
