// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package goal

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/pkgd/internal/download"
	"github.com/ManuGH/pkgd/internal/fsm"
	"github.com/ManuGH/pkgd/internal/history"
	xglog "github.com/ManuGH/pkgd/internal/log"
	"github.com/ManuGH/pkgd/internal/metrics"
	"github.com/ManuGH/pkgd/internal/progress"
	"github.com/ManuGH/pkgd/internal/rpmpkg"
	"github.com/ManuGH/pkgd/internal/telemetry"
)

// State is the pipeline lifecycle state.
type State string

const (
	StateEmpty        State = "EMPTY"
	StateAccumulating State = "ACCUMULATING"
	StateResolved     State = "RESOLVED"
	StateExecuting    State = "EXECUTING"
	StateDone         State = "DONE"
	StateFailed       State = "FAILED"
)

type event string

const (
	evAdd       event = "add"
	evResolved  event = "resolved"
	evRejected  event = "rejected"
	evExecute   event = "execute"
	evSucceeded event = "succeeded"
	evFailed    event = "failed"
	evReset     event = "reset"
)

// Keep policies for downloaded packages.
const (
	KeepAlways  = "always"
	KeepNever   = "never"
	KeepDefault = "default"
)

// Description is stored with every history record.
const Description = "pkgd"

// Options wire a pipeline to its collaborators.
type Options struct {
	Resolver  Resolver
	Installer Installer
	Loader    RepoLoader
	History   History
	Fetcher   Fetcher
	Sink      progress.Sink

	// CacheDir receives downloaded packages under <repoid>/packages.
	CacheDir   string
	ReleaseVer string
	LoadSystem bool
	Config     map[string]string
	KeepPolicy string
	// KeepCache is consulted by the default policy at execute time.
	KeepCache func() bool
	SessionID string
	Now       func() time.Time
}

// Pipeline is the per-session goal. Its methods are safe for concurrent use;
// state-changing calls are serialized.
type Pipeline struct {
	opts    Options
	machine *fsm.Machine[State, event]
	logger  zerolog.Logger

	// mu serializes AddOperation, Resolve, Reset and the start of Execute.
	mu       sync.Mutex
	ops      []Operation
	plan     *Plan
	resolved bool
}

// New creates a pipeline in EMPTY.
func New(opts Options) (*Pipeline, error) {
	if opts.Resolver == nil || opts.Installer == nil || opts.Loader == nil || opts.History == nil || opts.Fetcher == nil {
		return nil, errors.New("goal: resolver, installer, loader, history and fetcher are required")
	}
	if opts.Sink == nil {
		opts.Sink = progress.Discard{}
	}
	if opts.KeepPolicy == "" {
		opts.KeepPolicy = KeepDefault
	}
	if opts.KeepCache == nil {
		opts.KeepCache = func() bool { return false }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	m, err := fsm.New(StateEmpty, transitions())
	if err != nil {
		return nil, err
	}
	p := &Pipeline{
		opts:    opts,
		machine: m,
		logger:  xglog.WithComponent("goal").With().Str(xglog.FieldSessionID, opts.SessionID).Logger(),
	}
	m.OnTransition(func(from, to State, ev event) {
		p.logger.Debug().
			Str(xglog.FieldEvent, "goal.transition").
			Str(xglog.FieldOldState, string(from)).
			Str(xglog.FieldNewState, string(to)).
			Str("trigger", string(ev)).
			Msg("goal state changed")
	})
	return p, nil
}

func transitions() []fsm.Transition[State, event] {
	var ts []fsm.Transition[State, event]
	edge := func(from State, ev event, to State) {
		ts = append(ts, fsm.Transition[State, event]{From: from, Event: ev, To: to})
	}
	for _, s := range []State{StateEmpty, StateAccumulating, StateDone, StateFailed} {
		edge(s, evAdd, StateAccumulating)
	}
	for _, s := range []State{StateAccumulating, StateResolved} {
		edge(s, evResolved, StateResolved)
		edge(s, evRejected, StateAccumulating)
	}
	edge(StateResolved, evExecute, StateExecuting)
	edge(StateExecuting, evSucceeded, StateDone)
	edge(StateExecuting, evFailed, StateFailed)
	for _, s := range []State{StateEmpty, StateAccumulating, StateResolved, StateDone, StateFailed} {
		edge(s, evReset, StateEmpty)
	}
	return ts
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	return p.machine.State()
}

// Operations returns a copy of the queued operations.
func (p *Pipeline) Operations() []Operation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.ops)
}

// AddOperation queues op. A finished goal is discarded first.
func (p *Pipeline) AddOperation(ctx context.Context, op Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.machine.State() {
	case StateResolved, StateExecuting:
		return ErrGoalResolved
	case StateDone, StateFailed:
		p.clearLocked()
	}
	if _, err := p.machine.Fire(ctx, evAdd); err != nil {
		return err
	}
	p.ops = append(p.ops, op)
	return nil
}

// Resolve computes a plan for the queued operations. Repositories are loaded
// first if needed.
func (p *Pipeline) Resolve(ctx context.Context, opts ResolveOptions) (res Resolution, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.machine.State() {
	case StateAccumulating, StateResolved:
	case StateExecuting:
		return Resolution{}, ErrExecuting
	default:
		return Resolution{}, fmt.Errorf("%w: state=%s", fsm.ErrInvalidTransition, p.machine.State())
	}

	ctx, span := telemetry.Tracer().Start(ctx, "goal.resolve")
	defer func() { telemetry.End(span, err) }()

	if err := p.opts.Loader.EnsureLoaded(ctx); err != nil {
		metrics.IncResolve("failure")
		return Resolution{}, fmt.Errorf("load repositories: %w", err)
	}

	plan, err := p.opts.Resolver.Resolve(ctx, Request{
		Operations:   slices.Clone(p.ops),
		AllowErasing: opts.AllowErasing,
		ReleaseVer:   p.opts.ReleaseVer,
		Repos:        p.opts.Loader.Repos(),
		LoadSystem:   p.opts.LoadSystem,
		Config:       p.opts.Config,
	})
	if err != nil {
		metrics.IncResolve("failure")
		if _, ferr := p.machine.Fire(ctx, evRejected); ferr != nil {
			return Resolution{}, errors.Join(err, ferr)
		}
		p.plan = nil
		return Resolution{}, err
	}

	p.resolved = true
	if len(plan.Problems) > 0 {
		if _, err := p.machine.Fire(ctx, evRejected); err != nil {
			return Resolution{}, err
		}
		p.plan = &Plan{Problems: plan.Problems, Warnings: plan.Warnings}
		res = Resolution{Result: ResultError}
	} else {
		if _, err := p.machine.Fire(ctx, evResolved); err != nil {
			return Resolution{}, err
		}
		p.plan = &plan
		res = Resolution{Result: ResultNoProblem, Items: slices.Clone(plan.Items)}
		if len(plan.Warnings) > 0 {
			res.Result = ResultWarning
		}
	}

	metrics.IncResolve(res.Result.String())
	span.SetAttributes(telemetry.TransactionAttributes(0, len(res.Items), res.Result.String())...)
	p.logger.Info().
		Str(xglog.FieldEvent, "goal.resolved").
		Str("result", res.Result.String()).
		Int("items", len(res.Items)).
		Int("problems", len(plan.Problems)).
		Msg("goal resolved")
	return res, nil
}

// Problems returns the problems of the last resolve.
func (p *Pipeline) Problems() ([]Problem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.resolved || p.plan == nil {
		return nil, ErrNotResolved
	}
	return slices.Clone(p.plan.Problems), nil
}

// ProblemsString renders the last resolve's problems followed by its warnings.
func (p *Pipeline) ProblemsString() ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.resolved || p.plan == nil {
		return nil, ErrNotResolved
	}
	out := make([]string, 0, len(p.plan.Problems)+len(p.plan.Warnings))
	for _, pr := range p.plan.Problems {
		out = append(out, pr.String())
	}
	return append(out, p.plan.Warnings...), nil
}

// Reset drops the queued operations and the plan.
func (p *Pipeline) Reset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.machine.State() == StateExecuting {
		return ErrExecuting
	}
	if _, err := p.machine.Fire(ctx, evReset); err != nil {
		return err
	}
	p.clearLocked()
	return nil
}

func (p *Pipeline) clearLocked() {
	p.ops = nil
	p.plan = nil
	p.resolved = false
}

// Execute downloads and applies the resolved plan and records it in history.
// No history record is written when the download fails. The installer is not
// cancelled by ctx once it has started.
func (p *Pipeline) Execute(ctx context.Context, opts ExecuteOptions) (rec history.Record, err error) {
	p.mu.Lock()
	if p.machine.State() != StateResolved || p.plan == nil {
		p.mu.Unlock()
		return history.Record{}, ErrNotResolved
	}
	if _, err := p.machine.Fire(ctx, evExecute); err != nil {
		p.mu.Unlock()
		return history.Record{}, err
	}
	items := slices.Clone(p.plan.Items)
	p.mu.Unlock()

	started := p.opts.Now()
	ctx, span := telemetry.Tracer().Start(ctx, "goal.execute")
	result := "error"
	defer func() {
		metrics.ObserveTransaction(result, time.Since(started))
		span.SetAttributes(telemetry.TransactionAttributes(rec.ID, len(items), result)...)
		telemetry.End(span, err)
	}()

	fetched, err := p.download(ctx, items)
	if err != nil {
		result = "download_failed"
		p.finishState(ctx, false)
		p.logger.Error().Err(err).Str(xglog.FieldEvent, "txn.download_failed").Msg("package download failed")
		return history.Record{}, fmt.Errorf("download packages: %w", err)
	}

	ordered := orderForInstall(items)
	rec = history.Record{
		Begin:       started,
		ReleaseVer:  p.opts.ReleaseVer,
		UserID:      opts.UserID,
		Comment:     opts.Comment,
		Description: Description,
		State:       history.StateStarted,
		Items:       historyItems(ordered),
	}

	detached := context.WithoutCancel(ctx)
	rec.ID, err = p.opts.History.Begin(detached, rec)
	if err != nil {
		p.finishState(ctx, false)
		p.applyKeepPolicy(fetched)
		return history.Record{}, fmt.Errorf("record transaction: %w", err)
	}
	logger := p.logger.With().Int64(xglog.FieldTxnID, rec.ID).Logger()
	logger.Info().Str(xglog.FieldEvent, "txn.started").Int("items", len(ordered)).Msg("transaction started")

	installErr := p.opts.Installer.Install(detached, ordered, p.opts.Sink)

	rec.End = p.opts.Now()
	rec.State = history.StateOK
	status := progress.FinishedOK
	if installErr != nil {
		rec.State = history.StateError
		status = progress.FinishedError
	}
	p.opts.Sink.Finished(status)

	finishErr := p.opts.History.Finish(detached, rec.ID, rec.State, rec.End)
	if finishErr != nil {
		logger.Error().Err(finishErr).Str(xglog.FieldEvent, "txn.finish_failed").Msg("failed to finalize history record")
		finishErr = fmt.Errorf("finalize history record %d: %w", rec.ID, finishErr)
	}

	p.applyKeepPolicy(fetched)
	p.finishState(ctx, installErr == nil)

	if installErr != nil {
		logger.Error().Err(installErr).Str(xglog.FieldEvent, "txn.finished").Str("state", string(rec.State)).Msg("transaction failed")
		return rec, errors.Join(fmt.Errorf("%w: %w", ErrTransactionFailed, installErr), finishErr)
	}
	result = "ok"
	logger.Info().Str(xglog.FieldEvent, "txn.finished").Str("state", string(rec.State)).Msg("transaction finished")
	return rec, finishErr
}

func (p *Pipeline) finishState(ctx context.Context, ok bool) {
	ev := evFailed
	if ok {
		ev = evSucceeded
	}
	if _, err := p.machine.Fire(context.WithoutCancel(ctx), ev); err != nil {
		p.logger.Error().Err(err).Msg("goal state update failed")
	}
}

// download fetches every inbound item that has no local artifact yet and
// records the local paths on items. A package to download must carry a
// checksum; nothing unverified reaches the installer.
func (p *Pipeline) download(ctx context.Context, items []Item) ([]download.Result, error) {
	var (
		reqs  []download.Request
		index []int
	)
	for i, it := range items {
		if !it.Action.Inbound() || it.Location != "" {
			continue
		}
		if len(it.URLs) == 0 {
			return nil, fmt.Errorf("%s: no download location", it.Package.NEVRA())
		}
		if it.SHA256 == "" {
			return nil, fmt.Errorf("%s: %w", it.Package.NEVRA(), ErrNoChecksum)
		}
		reqs = append(reqs, download.Request{
			ID:          PackageProgressID(it.Package),
			Description: it.Package.NEVRA(),
			URLs:        it.URLs,
			Dest:        filepath.Join(p.opts.CacheDir, it.Package.RepoID, "packages", artifactName(it)),
			SHA256:      it.SHA256,
			Size:        it.Size,
		})
		index = append(index, i)
	}
	if len(reqs) == 0 {
		return nil, nil
	}

	results, err := p.opts.Fetcher.FetchAll(ctx, reqs, p.opts.Sink)
	if err != nil {
		// Partial transfers are not kept for a plan that can no longer run.
		p.applyKeepPolicy(results)
		return nil, err
	}
	for n, i := range index {
		items[i].Location = results[n].Path
	}
	return results, nil
}

func (p *Pipeline) applyKeepPolicy(fetched []download.Result) {
	if len(fetched) == 0 || p.keep() {
		return
	}
	if err := download.RemoveFetched(fetched); err != nil {
		p.logger.Warn().Err(err).Str(xglog.FieldEvent, "txn.cache_cleanup_failed").Msg("failed to remove downloaded packages")
	}
}

func (p *Pipeline) keep() bool {
	switch p.opts.KeepPolicy {
	case KeepAlways:
		return true
	case KeepNever:
		return false
	default:
		return p.opts.KeepCache()
	}
}

// PackageProgressID is the download id used for a package artifact.
func PackageProgressID(pkg rpmpkg.Package) string {
	return "package:" + pkg.NEVRA()
}

func artifactName(it Item) string {
	for _, u := range it.URLs {
		if name := path.Base(u); name != "" && name != "." && name != "/" {
			return name
		}
	}
	return it.Package.NEVRA() + ".rpm"
}

// orderForInstall puts erasures first. Order within each class is kept.
func orderForInstall(items []Item) []Item {
	out := slices.Clone(items)
	slices.SortStableFunc(out, func(a, b Item) int {
		switch {
		case a.Action.Erasure() == b.Action.Erasure():
			return 0
		case a.Action.Erasure():
			return -1
		default:
			return 1
		}
	})
	return out
}

func historyItems(items []Item) []history.Item {
	out := make([]history.Item, 0, len(items))
	for _, it := range items {
		out = append(out, history.Item{Action: it.Action, Package: it.Package})
	}
	return out
}
