// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package repo

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	xglog "github.com/ManuGH/pkgd/internal/log"
	"github.com/ManuGH/pkgd/internal/metrics"
	"github.com/ManuGH/pkgd/internal/progress"
	"github.com/ManuGH/pkgd/internal/telemetry"
)

// Status is the load state of a session's repositories.
type Status int

const (
	StatusNotReady Status = iota
	StatusPending
	StatusReady
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusNotReady:
		return "NOT_READY"
	case StatusPending:
		return "PENDING"
	case StatusReady:
		return "READY"
	case StatusError:
		return "ERROR"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

var (
	ErrNoRepositories = errors.New("no repositories could be loaded")
	ErrLoadPanic      = errors.New("repository load panicked")
)

// Options select what a load covers.
type Options struct {
	LoadAvailable bool
	LoadSystem    bool
	Parallel      int
	// Vars are substituted into base URLs.
	Vars map[string]string
}

// Loader loads repositories once and shares the outcome with every caller.
type Loader struct {
	source  Source
	fetcher Fetcher
	system  SystemLoader
	sink    progress.Sink
	opts    Options
	logger  zerolog.Logger

	mu     sync.Mutex
	status Status
	err    error
	done   chan struct{}
	repos  []Metadata
}

// NewLoader creates a loader. system may be nil.
func NewLoader(source Source, fetcher Fetcher, system SystemLoader, sink progress.Sink, opts Options) *Loader {
	if sink == nil {
		sink = progress.Discard{}
	}
	if opts.Parallel <= 0 {
		opts.Parallel = 3
	}
	return &Loader{
		source:  source,
		fetcher: fetcher,
		system:  system,
		sink:    sink,
		opts:    opts,
		logger:  xglog.WithComponent("repo"),
	}
}

// Status returns the current load state.
func (l *Loader) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Repos returns the loaded repositories ordered by id. It is empty until READY.
func (l *Loader) Repos() []Metadata {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Metadata(nil), l.repos...)
}

// EnsureLoaded loads the repositories if nobody has yet, or waits for the
// load in progress. READY and ERROR are terminal. The load itself is not
// cancelled by ctx; ctx only bounds how long this caller waits.
func (l *Loader) EnsureLoaded(ctx context.Context) error {
	l.mu.Lock()
	switch l.status {
	case StatusReady:
		l.mu.Unlock()
		return nil
	case StatusError:
		err := l.err
		l.mu.Unlock()
		return err
	case StatusPending:
		done := l.done
		l.mu.Unlock()
		select {
		case <-done:
			return l.outcome()
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	l.status = StatusPending
	l.done = make(chan struct{})
	done := l.done
	l.mu.Unlock()

	repos, err := l.guard("load", func() ([]Metadata, error) {
		return l.load(context.WithoutCancel(ctx))
	})

	l.mu.Lock()
	if err != nil {
		l.status = StatusError
		l.err = err
	} else {
		l.status = StatusReady
		l.repos = repos
	}
	close(done)
	l.mu.Unlock()

	return err
}

// guard turns a panic in fn into an error so that a failed load still
// settles the status and releases every waiter.
func (l *Loader) guard(what string, fn func() ([]Metadata, error)) (repos []Metadata, err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().
				Str(xglog.FieldEvent, "repo.panic").
				Str("work", what).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("recovered panic in repository load")
			repos, err = nil, fmt.Errorf("%w: %s: %v", ErrLoadPanic, what, r)
		}
	}()
	return fn()
}

func (l *Loader) outcome() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *Loader) load(ctx context.Context) (repos []Metadata, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "repo.load")
	defer func() {
		telemetry.End(span, err)
		if err != nil {
			metrics.IncRepoLoad("error")
			l.logger.Error().Err(err).Str(xglog.FieldEvent, "repo.load_failed").Msg("repository load failed")
			return
		}
		metrics.IncRepoLoad("ok")
		l.logger.Info().Int("repos", len(repos)).Str(xglog.FieldEvent, "repo.loaded").Msg("repositories loaded")
	}()

	if l.opts.LoadAvailable {
		repos, err = l.loadAvailable(ctx)
		if err != nil {
			return nil, err
		}
		span.SetAttributes(telemetry.RepoAttributes(ids(repos)...)...)
	}

	if l.opts.LoadSystem && l.system != nil {
		if err := l.system.LoadSystem(ctx); err != nil {
			return nil, fmt.Errorf("load system repository: %w", err)
		}
	}
	return repos, nil
}

func (l *Loader) loadAvailable(ctx context.Context) ([]Metadata, error) {
	all, err := l.source.Repos()
	if err != nil {
		return nil, fmt.Errorf("read repository configuration: %w", err)
	}
	var enabled []Config
	for _, c := range all {
		if c.Enabled {
			enabled = append(enabled, c)
		}
	}
	if len(enabled) == 0 {
		return nil, nil
	}

	var (
		mu      sync.Mutex
		loaded  []Metadata
		skipped int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.opts.Parallel)
	for _, cfg := range enabled {
		cfg.BaseURLs = expandAll(cfg.BaseURLs, l.opts.Vars)
		g.Go(func() error {
			got, err := l.guard("fetch "+cfg.ID, func() ([]Metadata, error) {
				md, err := l.fetcher.Fetch(gctx, cfg, l.sink)
				return []Metadata{md}, err
			})
			if err != nil {
				if cfg.SkipIfUnavailable {
					l.logger.Warn().
						Err(err).
						Str(xglog.FieldRepoID, cfg.ID).
						Str(xglog.FieldEvent, "repo.skipped").
						Msg("repository unavailable, skipping")
					mu.Lock()
					skipped++
					mu.Unlock()
					return nil
				}
				return fmt.Errorf("repository %q: %w", cfg.ID, err)
			}
			mu.Lock()
			loaded = append(loaded, got...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(loaded) == 0 && skipped > 0 {
		return nil, ErrNoRepositories
	}
	sort.Slice(loaded, func(i, j int) bool { return loaded[i].RepoID < loaded[j].RepoID })
	return loaded, nil
}

func expandAll(urls []string, vars map[string]string) []string {
	out := make([]string, len(urls))
	for i, u := range urls {
		out[i] = Expand(u, vars)
	}
	return out
}

func ids(repos []Metadata) []string {
	out := make([]string, len(repos))
	for i, r := range repos {
		out[i] = r.RepoID
	}
	return out
}
