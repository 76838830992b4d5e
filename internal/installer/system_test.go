// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

//go:build unix

package installer

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSystemQueriesDatabase(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	rpm := fakeRPM(t, argsFile, "echo bash\necho glibc\n")

	inst := NewRPM(Options{RPMPath: rpm, Root: "/sysroot"})
	require.NoError(t, inst.LoadSystem(context.Background()))
	// The query format carries a newline, so one invocation spans two lines.
	assert.Equal(t, []string{"-qa --qf %{NAME}", " --root /sysroot"}, invocations(t, argsFile))
}

func TestLoadSystemReportsDatabaseErrors(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	rpm := fakeRPM(t, argsFile, "echo 'error: cannot open Packages database' >&2\nexit 1\n")

	err := NewRPM(Options{RPMPath: rpm}).LoadSystem(context.Background())
	require.ErrorIs(t, err, ErrRPMDB)
	assert.Contains(t, err.Error(), "cannot open Packages database")
}
