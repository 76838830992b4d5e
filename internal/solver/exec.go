// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package solver adapts an external dependency resolver helper to goal.Resolver.
//
// The helper reads one JSON request on stdin and writes one JSON response on
// stdout:
//
//	-> {"version":1,"request":{"operations":[...],"allow_erasing":false,"repos":[...]}}
//	<- {"version":1,"items":[...],"problems":[...],"warnings":[...]}
//
// A response with a non-empty "error" means no solution was computed.
package solver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/pkgd/internal/goal"
	xglog "github.com/ManuGH/pkgd/internal/log"
	"github.com/ManuGH/pkgd/internal/procgroup"
	"github.com/ManuGH/pkgd/internal/telemetry"
)

// ProtocolVersion is the request/response schema version.
const ProtocolVersion = 1

const stderrTail = 4096

var (
	ErrResolverFailed  = errors.New("resolver failed")
	ErrBadResponse     = errors.New("malformed resolver response")
	ErrVersionMismatch = errors.New("resolver protocol version mismatch")
)

type request struct {
	Version int          `json:"version"`
	Request goal.Request `json:"request"`
}

type response struct {
	Version  int            `json:"version"`
	Items    []goal.Item    `json:"items"`
	Problems []goal.Problem `json:"problems"`
	Warnings []string       `json:"warnings"`
	Error    string         `json:"error"`
}

// Exec runs the helper once per resolve.
type Exec struct {
	command []string
	timeout time.Duration
	grace   time.Duration
	logger  zerolog.Logger
}

// NewExec creates a resolver for command. A zero timeout means only the
// caller's context bounds the helper.
func NewExec(command []string, timeout time.Duration) (*Exec, error) {
	if len(command) == 0 || command[0] == "" {
		return nil, errors.New("solver: empty command")
	}
	return &Exec{
		command: append([]string(nil), command...),
		timeout: timeout,
		grace:   procgroup.DefaultGrace,
		logger:  xglog.WithComponent("solver"),
	}, nil
}

// Resolve implements goal.Resolver.
func (e *Exec) Resolve(ctx context.Context, req goal.Request) (plan goal.Plan, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "solver.resolve")
	defer func() { telemetry.End(span, err) }()

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	payload, err := json.Marshal(request{Version: ProtocolVersion, Request: req})
	if err != nil {
		return goal.Plan{}, fmt.Errorf("encode resolver request: %w", err)
	}

	// #nosec G204 -- the helper path comes from operator configuration
	cmd := exec.Command(e.command[0], e.command[1:]...)
	var stdout bytes.Buffer
	stderr := &tailBuffer{limit: stderrTail}
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	started := time.Now()
	runErr := procgroup.Run(ctx, cmd, e.grace)
	logger := xglog.WithContext(ctx, e.logger)
	if runErr != nil {
		logger.Error().
			Err(runErr).
			Str(xglog.FieldEvent, "solver.failed").
			Str("stderr", stderr.String()).
			Dur("elapsed", time.Since(started)).
			Msg("resolver helper failed")
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return goal.Plan{}, fmt.Errorf("%w: %w: %s", ErrResolverFailed, runErr, msg)
		}
		return goal.Plan{}, fmt.Errorf("%w: %w", ErrResolverFailed, runErr)
	}

	plan, err = decode(stdout.Bytes())
	if err != nil {
		return goal.Plan{}, err
	}
	logger.Debug().
		Str(xglog.FieldEvent, "solver.done").
		Int("items", len(plan.Items)).
		Int("problems", len(plan.Problems)).
		Dur("elapsed", time.Since(started)).
		Msg("resolver helper finished")
	return plan, nil
}

func decode(out []byte) (goal.Plan, error) {
	var resp response
	dec := json.NewDecoder(bytes.NewReader(out))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&resp); err != nil {
		return goal.Plan{}, fmt.Errorf("%w: %w", ErrBadResponse, err)
	}
	if resp.Version != ProtocolVersion {
		return goal.Plan{}, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, resp.Version, ProtocolVersion)
	}
	if resp.Error != "" {
		return goal.Plan{}, fmt.Errorf("%w: %s", ErrResolverFailed, resp.Error)
	}
	for i, it := range resp.Items {
		if !it.Action.Valid() {
			return goal.Plan{}, fmt.Errorf("%w: item %d has action %d", ErrBadResponse, i, uint32(it.Action))
		}
		if it.Package.Name == "" {
			return goal.Plan{}, fmt.Errorf("%w: item %d has no package name", ErrBadResponse, i)
		}
	}
	return goal.Plan{Items: resp.Items, Problems: resp.Problems, Warnings: resp.Warnings}, nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
