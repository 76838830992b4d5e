// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package procgroup runs helper processes in their own process group so
// that cancellation reaches every descendant.
package procgroup

import (
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"

	"github.com/ManuGH/pkgd/internal/metrics"
)

// DefaultGrace is the time between SIGTERM and SIGKILL.
const DefaultGrace = 5 * time.Second

// Run starts cmd in a new process group and waits for it. When ctx is
// cancelled first, the group is terminated and ctx.Err() is returned.
// cmd.Stdout and cmd.Stderr must be writers, not pipes.
func Run(ctx context.Context, cmd *exec.Cmd, grace time.Duration) error {
	if grace <= 0 {
		grace = DefaultGrace
	}
	Set(cmd)
	if err := cmd.Start(); err != nil {
		return err
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	select {
	case err := <-waitCh:
		return err
	case <-ctx.Done():
		_ = Terminate(cmd, waitCh, grace)
		return ctx.Err()
	}
}

// Terminate sends SIGTERM to the group, waits up to grace on waitCh and then
// sends SIGKILL. It always drains waitCh and returns its error.
func Terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	signal(cmd, syscall.SIGTERM)

	select {
	case err := <-waitCh:
		return err
	case <-time.After(grace):
		signal(cmd, syscall.SIGKILL)
		return <-waitCh
	}
}

func signal(cmd *exec.Cmd, sig syscall.Signal) {
	err := Kill(cmd, sig)
	switch {
	case err == nil:
		metrics.IncChildSignal(sig.String(), "sent")
	case errors.Is(err, syscall.ESRCH):
		metrics.IncChildSignal(sig.String(), "esrch")
	default:
		metrics.IncChildSignal(sig.String(), "error")
	}
}
