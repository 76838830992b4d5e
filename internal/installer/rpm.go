// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package installer applies transaction plans with the rpm command line tool.
package installer

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/pkgd/internal/goal"
	xglog "github.com/ManuGH/pkgd/internal/log"
	"github.com/ManuGH/pkgd/internal/procgroup"
	"github.com/ManuGH/pkgd/internal/progress"
	"github.com/ManuGH/pkgd/internal/rpmpkg"
	"github.com/ManuGH/pkgd/internal/telemetry"
)

var (
	ErrNoArtifact = errors.New("inbound item has no local artifact")
	ErrRPMFailed  = errors.New("rpm failed")
)

// Options configure the rpm invocation.
type Options struct {
	RPMPath string
	// Root is passed as --root unless empty or "/".
	Root string
	// Test passes --test; nothing changes on disk.
	Test bool
}

// RPM is a goal.Installer backed by the rpm binary.
type RPM struct {
	opts   Options
	grace  time.Duration
	logger zerolog.Logger
}

// NewRPM creates an installer.
func NewRPM(opts Options) *RPM {
	if opts.RPMPath == "" {
		opts.RPMPath = "rpm"
	}
	return &RPM{
		opts:   opts,
		grace:  procgroup.DefaultGrace,
		logger: xglog.WithComponent("installer"),
	}
}

type phase struct {
	name  string
	args  []string
	items []goal.Item
}

// Install implements goal.Installer. Erasures run before inbound items; the
// order of items inside a phase is kept.
func (r *RPM) Install(ctx context.Context, items []goal.Item, sink progress.Sink) (err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "installer.install")
	defer func() { telemetry.End(span, err) }()

	phases, err := r.plan(items)
	if err != nil {
		return err
	}

	total := uint64(len(items))
	sink.TransactionStart(total)
	tr := &tracker{sink: sink, total: total}

	for _, ph := range phases {
		if err := r.run(ctx, ph, tr); err != nil {
			sink.TransactionStop(total)
			return err
		}
	}
	// Items that rpm handles implicitly, such as obsoleted packages.
	for _, it := range items {
		if !tr.seen(it) {
			tr.start(it)
			tr.finish(it)
		}
	}
	sink.TransactionStop(total)
	return nil
}

func (r *RPM) plan(items []goal.Item) ([]phase, error) {
	erase := phase{name: "erase", args: []string{"-e", "-v"}}
	upgrade := phase{name: "upgrade", args: []string{"-U", "-v", "--percent"}}
	reinstall := phase{name: "reinstall", args: []string{"--reinstall", "-v", "--percent"}}

	for _, it := range items {
		switch it.Action {
		case rpmpkg.ActionRemove:
			erase.items = append(erase.items, it)
		case rpmpkg.ActionInstall, rpmpkg.ActionUpgrade, rpmpkg.ActionDowngrade, rpmpkg.ActionObsolete:
			if it.Location == "" {
				return nil, fmt.Errorf("%s: %w", it.Package.NEVRA(), ErrNoArtifact)
			}
			if it.Action == rpmpkg.ActionDowngrade && !slices.Contains(upgrade.args, "--oldpackage") {
				upgrade.args = append(upgrade.args, "--oldpackage")
			}
			upgrade.items = append(upgrade.items, it)
		case rpmpkg.ActionReinstall:
			if it.Location == "" {
				return nil, fmt.Errorf("%s: %w", it.Package.NEVRA(), ErrNoArtifact)
			}
			reinstall.items = append(reinstall.items, it)
		}
	}

	var out []phase
	for _, ph := range []phase{erase, upgrade, reinstall} {
		if len(ph.items) > 0 {
			out = append(out, ph)
		}
	}
	return out, nil
}

func (r *RPM) args(ph phase) []string {
	args := append([]string(nil), ph.args...)
	if r.opts.Root != "" && r.opts.Root != "/" {
		args = append(args, "--root", r.opts.Root)
	}
	if r.opts.Test {
		args = append(args, "--test")
	}
	args = append(args, "--")
	for _, it := range ph.items {
		if it.Action == rpmpkg.ActionRemove {
			args = append(args, it.Package.NEVRA())
		} else {
			args = append(args, it.Location)
		}
	}
	return args
}

func (r *RPM) run(ctx context.Context, ph phase, tr *tracker) error {
	logger := xglog.WithContext(ctx, r.logger).With().Str("phase", ph.name).Logger()
	tr.begin(ph.items)

	// Erasures print no percentages, so their items are reported up front.
	if ph.name == "erase" {
		for _, it := range ph.items {
			tr.start(it)
		}
	}

	stdout := newLineWriter(func(line string) { tr.stdout(line, logger) })
	stderr := newLineWriter(func(line string) { tr.stderr(line, logger) })

	// #nosec G204 -- rpm path comes from operator configuration, arguments are package files
	cmd := exec.Command(r.opts.RPMPath, r.args(ph)...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	logger.Info().Str(xglog.FieldEvent, "installer.phase_start").Int("items", len(ph.items)).Msg("running rpm")
	err := procgroup.Run(ctx, cmd, r.grace)
	stdout.Flush()
	stderr.Flush()

	if err != nil {
		logger.Error().Err(err).Str(xglog.FieldEvent, "installer.phase_failed").Str("stderr", tr.lastError()).Msg("rpm failed")
		if msg := tr.lastError(); msg != "" {
			return fmt.Errorf("%w (%s): %w: %s", ErrRPMFailed, ph.name, err, msg)
		}
		return fmt.Errorf("%w (%s): %w", ErrRPMFailed, ph.name, err)
	}
	for _, it := range ph.items {
		if !tr.seen(it) {
			tr.start(it)
		}
		tr.finish(it)
	}
	return nil
}

// tracker maps rpm output to progress notifications.
type tracker struct {
	sink  progress.Sink
	total uint64
	done  uint64

	phase    []goal.Item
	current  *goal.Item
	started  map[string]bool
	finished map[string]bool
	errLine  string
}

func (t *tracker) begin(items []goal.Item) {
	t.phase = items
	t.current = nil
	if t.started == nil {
		t.started = make(map[string]bool)
		t.finished = make(map[string]bool)
	}
}

func itemSize(it goal.Item) uint64 {
	if it.Size > 0 {
		return uint64(it.Size)
	}
	return 100
}

func (t *tracker) seen(it goal.Item) bool {
	return t.started[it.Package.NEVRA()]
}

func (t *tracker) start(it goal.Item) {
	nevra := it.Package.NEVRA()
	if t.started[nevra] {
		return
	}
	t.started[nevra] = true
	t.sink.ActionStart(nevra, uint32(it.Action), itemSize(it))
}

func (t *tracker) finish(it goal.Item) {
	nevra := it.Package.NEVRA()
	if t.finished[nevra] {
		return
	}
	t.finished[nevra] = true
	size := itemSize(it)
	t.sink.ActionProgress(nevra, size, size)
	t.sink.ActionStop(nevra, size)
	t.done++
	t.sink.TransactionProgress(t.done, t.total)
}

// match finds the phase item a label line refers to. rpm labels packages by
// NEVR or NEVRA depending on version.
func (t *tracker) match(line string) *goal.Item {
	line = strings.TrimSpace(line)
	for i := range t.phase {
		p := t.phase[i].Package
		nevr := strings.TrimSuffix(p.NEVRA(), "."+p.Arch)
		if line == p.NEVRA() || line == nevr || strings.HasPrefix(line, p.NEVRA()+" ") || strings.HasPrefix(line, nevr+" ") {
			return &t.phase[i]
		}
	}
	return nil
}

func (t *tracker) stdout(line string, logger zerolog.Logger) {
	if pct, ok := percent(line); ok {
		if t.current == nil {
			return
		}
		size := itemSize(*t.current)
		amount := uint64(pct / 100 * float64(size))
		t.sink.ActionProgress(t.current.Package.NEVRA(), amount, size)
		return
	}
	if it := t.match(line); it != nil {
		if t.current != nil && t.current.Package.NEVRA() != it.Package.NEVRA() {
			t.finish(*t.current)
		}
		t.current = it
		t.start(*it)
		return
	}
	logger.Debug().Str("line", line).Msg("rpm output")
}

func (t *tracker) stderr(line string, logger zerolog.Logger) {
	if nevra, typ, code, ok := scriptError(line); ok {
		t.sink.ScriptError(nevra, typ, code)
	}
	if strings.HasPrefix(line, "error:") {
		t.errLine = line
	}
	logger.Warn().Str("line", line).Msg("rpm stderr")
}

func (t *tracker) lastError() string {
	return t.errLine
}
