// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PKGD_"

// Loader handles configuration loading with precedence
type Loader struct {
	configPath string
	version    string
}

// NewLoader creates a new configuration loader
func NewLoader(configPath, version string) *Loader {
	return &Loader{configPath: configPath, version: version}
}

// Path returns the config file path, empty for env-only configuration.
func (l *Loader) Path() string {
	return l.configPath
}

// Load loads configuration with precedence: ENV > File > Defaults
// It enforces Strict Validated Order: Parse File (Strict) -> Apply Env -> Validate
func (l *Loader) Load() (AppConfig, error) {
	cfg := Defaults()

	if l.configPath != "" {
		if err := l.loadFile(l.configPath, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	mergeEnv(&cfg)

	if abs, err := filepath.Abs(cfg.DataDir); err == nil {
		cfg.DataDir = abs
	}
	if abs, err := filepath.Abs(cfg.CacheDir); err == nil {
		cfg.CacheDir = abs
	}

	cfg.Version = l.version

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFile decodes a YAML file onto cfg with STRICT parsing.
// Unknown fields are rejected so typos fail the start instead of being ignored.
func (l *Loader) loadFile(path string, cfg *AppConfig) error {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}

	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return nil
}

// mergeEnv applies PKGD_* overrides on top of file values.
func mergeEnv(cfg *AppConfig) {
	cfg.LogLevel = ParseString(EnvPrefix+"LOG_LEVEL", cfg.LogLevel)
	cfg.Bus = ParseString(EnvPrefix+"BUS", cfg.Bus)
	cfg.BusName = ParseString(EnvPrefix+"BUS_NAME", cfg.BusName)
	cfg.DataDir = ParseString(EnvPrefix+"DATA_DIR", cfg.DataDir)
	cfg.CacheDir = ParseString(EnvPrefix+"CACHE_DIR", cfg.CacheDir)
	cfg.ReposDirs = ParseStringList(EnvPrefix+"REPOS_DIRS", cfg.ReposDirs)
	cfg.HistoryDB = ParseString(EnvPrefix+"HISTORY_DB", cfg.HistoryDB)
	cfg.MaxSessions = ParseInt(EnvPrefix+"MAX_SESSIONS", cfg.MaxSessions)
	cfg.KeepCache = ParseBool(EnvPrefix+"KEEPCACHE", cfg.KeepCache)
	cfg.KeepPolicy = ParseString(EnvPrefix+"KEEP_POLICY", cfg.KeepPolicy)
	cfg.SkipIfUnavailable = ParseBool(EnvPrefix+"SKIP_IF_UNAVAILABLE", cfg.SkipIfUnavailable)
	cfg.ProgressInterval = ParseDuration(EnvPrefix+"PROGRESS_INTERVAL", cfg.ProgressInterval)
	cfg.CollectorInterval = ParseDuration(EnvPrefix+"COLLECTOR_INTERVAL", cfg.CollectorInterval)
	cfg.ShutdownTimeout = ParseDuration(EnvPrefix+"SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)

	cfg.Polkit.Enabled = ParseBool(EnvPrefix+"POLKIT_ENABLED", cfg.Polkit.Enabled)
	cfg.Polkit.Timeout = ParseDuration(EnvPrefix+"POLKIT_TIMEOUT", cfg.Polkit.Timeout)

	cfg.Download.Parallel = ParseInt(EnvPrefix+"DOWNLOAD_PARALLEL", cfg.Download.Parallel)
	cfg.Download.Retries = ParseInt(EnvPrefix+"DOWNLOAD_RETRIES", cfg.Download.Retries)
	cfg.Download.Timeout = ParseDuration(EnvPrefix+"DOWNLOAD_TIMEOUT", cfg.Download.Timeout)
	cfg.Download.RateLimitPerSecond = ParseInt(EnvPrefix+"DOWNLOAD_RATE_LIMIT", cfg.Download.RateLimitPerSecond)

	if cmd := ParseString(EnvPrefix+"RESOLVER_COMMAND", ""); cmd != "" {
		cfg.Resolver.Command = strings.Fields(cmd)
	}
	cfg.Resolver.Timeout = ParseDuration(EnvPrefix+"RESOLVER_TIMEOUT", cfg.Resolver.Timeout)

	cfg.Installer.RPMPath = ParseString(EnvPrefix+"RPM_PATH", cfg.Installer.RPMPath)
	cfg.Installer.Root = ParseString(EnvPrefix+"INSTALL_ROOT", cfg.Installer.Root)
	cfg.Installer.Test = ParseBool(EnvPrefix+"INSTALL_TEST", cfg.Installer.Test)

	cfg.Metrics.Listen = ParseString(EnvPrefix+"METRICS_LISTEN", cfg.Metrics.Listen)

	cfg.Telemetry.Enabled = ParseBool(EnvPrefix+"TELEMETRY_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.ExporterType = ParseString(EnvPrefix+"TELEMETRY_EXPORTER", cfg.Telemetry.ExporterType)
	cfg.Telemetry.Endpoint = ParseString(EnvPrefix+"TELEMETRY_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.SamplingRate = ParseFloat(EnvPrefix+"TELEMETRY_SAMPLING_RATE", cfg.Telemetry.SamplingRate)
	cfg.Telemetry.Environment = ParseString(EnvPrefix+"TELEMETRY_ENVIRONMENT", cfg.Telemetry.Environment)
}
