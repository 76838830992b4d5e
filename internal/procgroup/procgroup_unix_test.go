// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

//go:build unix

package procgroup

import (
	"bytes"
	"context"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCompletes(t *testing.T) {
	var out bytes.Buffer
	cmd := exec.Command("sh", "-c", "echo hello")
	cmd.Stdout = &out

	require.NoError(t, Run(context.Background(), cmd, time.Second))
	assert.Equal(t, "hello\n", out.String())
	assert.True(t, cmd.SysProcAttr.Setpgid)
}

func TestRunReportsExitStatus(t *testing.T) {
	err := Run(context.Background(), exec.Command("sh", "-c", "exit 3"), time.Second)
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.ExitCode())
}

func TestRunCancelTerminates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.Command("sh", "-c", "sleep 30 & sleep 30")

	done := make(chan error, 1)
	go func() { done <- Run(ctx, cmd, 200*time.Millisecond) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	require.NotNil(t, cmd.ProcessState)
	assert.True(t, cmd.ProcessState.Exited() || !cmd.ProcessState.Success())
}

func TestKillNilCommand(t *testing.T) {
	assert.NoError(t, Kill(nil, syscall.SIGTERM))
	assert.NoError(t, Terminate(&exec.Cmd{}, nil, time.Millisecond))
}
