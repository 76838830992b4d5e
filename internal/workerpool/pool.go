// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package workerpool runs one goroutine per unit of work and tracks it until it is reclaimed.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ManuGH/pkgd/internal/log"
	"github.com/ManuGH/pkgd/internal/metrics"
	"github.com/rs/zerolog"
)

var (
	// ErrDraining is returned by Submit once Drain has been called.
	ErrDraining = errors.New("worker pool is draining")

	// ErrPanic is returned by Do when the work panicked.
	ErrPanic = errors.New("worker panicked")
)

type worker struct {
	id        uint64
	name      string
	protected bool
	started   time.Time
	done      atomic.Bool
}

// Pool starts a dedicated goroutine per submission. There is no queue bound:
// workers retire on their own and the collector reclaims their bookkeeping.
//
// Protected workers are waited for by Drain without a deadline. They carry
// work that must not be abandoned halfway, such as a running transaction.
type Pool struct {
	mu          sync.Mutex
	draining    bool
	live        map[uint64]*worker
	nextID      uint64
	wg          sync.WaitGroup
	protected   sync.WaitGroup
	outstanding atomic.Int64
	protectedN  atomic.Int64

	logger zerolog.Logger
}

// New creates an empty pool.
func New() *Pool {
	return &Pool{
		live:   make(map[uint64]*worker),
		logger: log.WithComponent("workerpool"),
	}
}

// Submit starts fn on a new worker immediately.
func (p *Pool) Submit(name string, fn func()) error {
	return p.submit(name, false, fn)
}

// SubmitProtected is Submit for work that Drain must always wait for.
func (p *Pool) SubmitProtected(name string, fn func()) error {
	return p.submit(name, true, fn)
}

func (p *Pool) submit(name string, protected bool, fn func()) error {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return ErrDraining
	}
	p.nextID++
	w := &worker{id: p.nextID, name: name, protected: protected, started: time.Now()}
	p.live[w.id] = w
	p.outstanding.Add(1)
	if protected {
		p.protected.Add(1)
		p.protectedN.Add(1)
	}
	p.wg.Add(1)
	p.mu.Unlock()

	metrics.WorkerStarted()
	go p.run(w, fn)
	return nil
}

func (p *Pool) run(w *worker, fn func()) {
	if w.protected {
		defer p.protected.Done()
		defer p.protectedN.Add(-1)
	}
	defer p.outstanding.Add(-1)
	defer p.wg.Done()
	defer metrics.WorkerFinished()
	defer w.done.Store(true)
	defer func() {
		if r := recover(); r != nil {
			metrics.IncWorkerPanic()
			p.logger.Error().
				Str("event", "worker.panic").
				Str("work", w.name).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("recovered panic in worker")
		}
	}()
	fn()
}

// Do submits fn and waits for its result. A panic in fn is converted into an
// error wrapping ErrPanic. If ctx ends first Do returns ctx.Err(); the worker
// keeps running until fn returns.
func (p *Pool) Do(ctx context.Context, name string, fn func() error) error {
	return p.do(ctx, name, false, fn)
}

// DoProtected is Do on a protected worker.
func (p *Pool) DoProtected(ctx context.Context, name string, fn func() error) error {
	return p.do(ctx, name, true, fn)
}

func (p *Pool) do(ctx context.Context, name string, protected bool, fn func() error) error {
	result := make(chan error, 1)
	err := p.submit(name, protected, func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("%w: %v", ErrPanic, r)
				panic(r)
			}
		}()
		result <- fn()
	})
	if err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Inflight returns the number of workers not yet finished.
func (p *Pool) Inflight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, w := range p.live {
		if !w.done.Load() {
			n++
		}
	}
	return n
}

// Tracked returns the number of workers still held in bookkeeping, finished or not.
func (p *Pool) Tracked() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// CollectOnce reclaims every finished worker and returns how many were removed.
func (p *Pool) CollectOnce() int {
	p.mu.Lock()
	n := 0
	for id, w := range p.live {
		if w.done.Load() {
			delete(p.live, id)
			n++
		}
	}
	p.mu.Unlock()

	metrics.AddWorkersReclaimed(n)
	return n
}

// Run reclaims finished workers on every tick until ctx ends.
func (p *Pool) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.logger.Debug().Dur("interval", interval).Msg("worker collector started")
	for {
		select {
		case <-ctx.Done():
			p.CollectOnce()
			return
		case <-ticker.C:
			if n := p.CollectOnce(); n > 0 {
				p.logger.Trace().Int("reclaimed", n).Msg("reclaimed finished workers")
			}
		}
	}
}

// Drain stops accepting work and blocks until every outstanding worker has
// finished and been reclaimed. Protected workers are waited for regardless of
// ctx; ctx bounds only the wait for the others. It is safe to call more than once.
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	first := !p.draining
	p.draining = true
	p.mu.Unlock()

	if first {
		p.logger.Info().Str("event", "workerpool.drain").Int("inflight", p.Inflight()).Msg("draining workers")
	}

	if n := p.protectedN.Load(); n > 0 {
		p.logger.Info().
			Str("event", "workerpool.drain_protected").
			Int64("protected", n).
			Msg("waiting for protected workers")
	}
	p.protected.Wait()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	if p.outstanding.Load() == 0 {
		<-done
		p.CollectOnce()
		return nil
	}

	select {
	case <-done:
		p.CollectOnce()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker drain timeout: %w", ctx.Err())
	}
}
