// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pkgd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func baseYAML(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return fmt.Sprintf(`
data_dir: %s
cache_dir: %s
history_db: %s
repos_dirs: [%s]
`, filepath.Join(dir, "data"), filepath.Join(dir, "cache"), filepath.Join(dir, "data", "history.sqlite"), filepath.Join(dir, "repos"))
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, baseYAML(t)+`
max_sessions: 5
keep_policy: always
progress_interval: 250ms
download:
  parallel: 2
`)

	cfg, err := NewLoader(path, "v-test").Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.MaxSessions)
	assert.Equal(t, KeepAlways, cfg.KeepPolicy)
	assert.Equal(t, 250*time.Millisecond, cfg.ProgressInterval)
	assert.Equal(t, 2, cfg.Download.Parallel)
	assert.Equal(t, "v-test", cfg.Version)

	// untouched fields keep their defaults
	assert.Equal(t, "org.rpm.dnf.v0", cfg.BusName)
	assert.Equal(t, 2*time.Minute, cfg.Polkit.Timeout)
	assert.Equal(t, 4, cfg.Download.Retries)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, baseYAML(t)+"max_session: 4\n")

	_, err := NewLoader(path, "").Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strict config parse error")
}

func TestLoadRejectsMultipleDocuments(t *testing.T) {
	path := writeConfig(t, baseYAML(t)+"---\nmax_sessions: 2\n")

	_, err := NewLoader(path, "").Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multiple documents")
}

func TestLoadRejectsNonYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pkgd.toml")
	require.NoError(t, os.WriteFile(path, []byte("x=1"), 0o600))

	_, err := NewLoader(path, "").Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported config format")
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, baseYAML(t)+"max_sessions: 5\n")
	t.Setenv("PKGD_MAX_SESSIONS", "7")
	t.Setenv("PKGD_KEEPCACHE", "yes")
	t.Setenv("PKGD_RESOLVER_COMMAND", "/opt/solver --json")
	t.Setenv("PKGD_REPOS_DIRS", "/etc/yum.repos.d, /etc/distro.repos.d ,")

	cfg, err := NewLoader(path, "").Load()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.MaxSessions)
	assert.True(t, cfg.KeepCache)
	assert.Equal(t, []string{"/opt/solver", "--json"}, cfg.Resolver.Command)
	assert.Equal(t, []string{"/etc/yum.repos.d", "/etc/distro.repos.d"}, cfg.ReposDirs)
}

func TestInvalidEnvFallsBackToFileValue(t *testing.T) {
	path := writeConfig(t, baseYAML(t)+"max_sessions: 5\n")
	t.Setenv("PKGD_MAX_SESSIONS", "many")

	cfg, err := NewLoader(path, "").Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxSessions)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Defaults()
	cfg.DataDir = t.TempDir()
	cfg.CacheDir = t.TempDir()
	cfg.HistoryDB = "relative.sqlite"
	cfg.MaxSessions = 0
	cfg.KeepPolicy = "sometimes"
	cfg.Bus = "tcp"

	err := Validate(cfg)
	require.Error(t, err)
	for _, field := range []string{"history_db", "max_sessions", "keep_policy", "bus"} {
		assert.Contains(t, err.Error(), field)
	}
}

func TestValidateAddresses(t *testing.T) {
	base := Defaults()
	base.DataDir = t.TempDir()
	base.CacheDir = t.TempDir()
	base.Telemetry.Enabled = true

	tests := []struct {
		name     string
		endpoint string
		listen   string
		bad      string
	}{
		{name: "defaults", endpoint: "localhost:4317"},
		{name: "collector url", endpoint: "https://otel.example.org:4318/v1/traces", listen: "127.0.0.1:9100"},
		{name: "endpoint without port", endpoint: "localhost", bad: "telemetry.endpoint"},
		{name: "endpoint with bad scheme", endpoint: "ftp://otel.example.org", bad: "telemetry.endpoint"},
		{name: "url without host", endpoint: "http:///v1/traces", bad: "telemetry.endpoint"},
		{name: "bad listen address", endpoint: "localhost:4317", listen: "9100", bad: "metrics.listen"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			cfg.Telemetry.Endpoint = tt.endpoint
			cfg.Metrics.Listen = tt.listen
			err := Validate(cfg)
			if tt.bad == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.bad)
		})
	}
}

func TestConfigHolderReloadKeepsOldOnFailure(t *testing.T) {
	path := writeConfig(t, baseYAML(t)+"max_sessions: 5\n")
	loader := NewLoader(path, "")
	initial, err := loader.Load()
	require.NoError(t, err)

	holder := NewConfigHolder(initial, loader)
	require.NoError(t, os.WriteFile(path, []byte("max_sessions: [\n"), 0o600))

	require.Error(t, holder.Reload(context.Background()))
	assert.Equal(t, 5, holder.Get().MaxSessions)
}

func TestConfigHolderReloadNotifiesListeners(t *testing.T) {
	body := baseYAML(t)
	path := writeConfig(t, body+"max_sessions: 5\n")
	loader := NewLoader(path, "")
	initial, err := loader.Load()
	require.NoError(t, err)

	holder := NewConfigHolder(initial, loader)
	ch := make(chan AppConfig, 1)
	holder.RegisterListener(ch)

	require.NoError(t, os.WriteFile(path, []byte(body+"max_sessions: 9\n"), 0o600))
	require.NoError(t, holder.Reload(context.Background()))

	select {
	case got := <-ch:
		assert.Equal(t, 9, got.MaxSessions)
	case <-time.After(time.Second):
		t.Fatal("listener was not notified")
	}
	assert.Equal(t, 9, holder.Get().MaxSessions)
}
