// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package validate

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatorAccumulates(t *testing.T) {
	v := New()
	v.Range("max_sessions", 0, 1, 64)
	v.OneOf("bus", "tcp", []string{"system", "session"})
	v.NotEmpty("bus_name", "  ")

	err := v.Err()
	require.Error(t, err)

	var verr ValidationError
	require.True(t, errors.As(err, &verr))
	require.Len(t, verr.Errors(), 3)
	assert.Equal(t, "max_sessions", verr.Errors()[0].Field)
	assert.Contains(t, err.Error(), "bus_name")
}

func TestValidatorValidIsNil(t *testing.T) {
	v := New()
	v.Range("max_sessions", 3, 1, 64)
	v.HostPort("metrics.listen", ":9100")
	v.NonNegative("retries", 0)
	v.DurationRange("progress_interval", 400*time.Millisecond, 10*time.Millisecond, 10*time.Second)
	assert.NoError(t, v.Err())
}

func TestURL(t *testing.T) {
	tests := []struct {
		name  string
		value string
		ok    bool
	}{
		{"http", "http://mirror.example.org/fedora", true},
		{"file", "file:///srv/repo", true},
		{"empty", "", false},
		{"no host", "http:///x", false},
		{"bad scheme", "ftp://mirror.example.org", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := New()
			v.URL("baseurl", tt.value, []string{"http", "https", "file"})
			assert.Equal(t, tt.ok, v.Err() == nil, v.Err())
		})
	}
}

func TestHostPort(t *testing.T) {
	tests := []struct {
		name  string
		value string
		ok    bool
	}{
		{"host and port", "localhost:4317", true},
		{"any host", ":9100", true},
		{"ipv6", "[::1]:4317", true},
		{"no port", "localhost", false},
		{"bad port", "localhost:otlp", false},
		{"port out of range", "localhost:70000", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := New()
			v.HostPort("telemetry.endpoint", tt.value)
			assert.Equal(t, tt.ok, v.Err() == nil, v.Err())
		})
	}
}

func TestDirectoryCreatesMissing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache", "pkgd")

	v := New()
	v.Directory("cache_dir", dir, false)
	require.NoError(t, v.Err())

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestDirectoryRejectsFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	v := New()
	v.Directory("cache_dir", file, true)
	assert.Error(t, v.Err())
}

func TestAbsPath(t *testing.T) {
	v := New()
	v.AbsPath("history_db", "relative/history.sqlite")
	v.AbsPath("history_db", "/var/lib/../etc/passwd")
	v.AbsPath("history_db", "/var/lib/pkgd/history.sqlite")

	var verr ValidationError
	require.ErrorAs(t, v.Err(), &verr)
	assert.Len(t, verr.Errors(), 2)
}
