// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package progress

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultInterval is the minimum spacing between two progress emissions for one item.
const DefaultInterval = 400 * time.Millisecond

type itemState struct {
	limiter *rate.Sometimes
	done    uint64
	total   uint64
	final   bool
}

// Throttled wraps a Sink and rate limits the *Progress notifications per item.
// The first progress of an item and the final (total, total) are always
// forwarded and the reported done value never decreases.
type Throttled struct {
	next     Sink
	interval time.Duration

	mu        sync.Mutex
	downloads map[string]*itemState
	actions   map[string]*itemState
	txn       *itemState
}

// NewThrottled wraps next. A non-positive interval uses DefaultInterval.
func NewThrottled(next Sink, interval time.Duration) *Throttled {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Throttled{
		next:      next,
		interval:  interval,
		downloads: make(map[string]*itemState),
		actions:   make(map[string]*itemState),
	}
}

func (t *Throttled) newState() *itemState {
	return &itemState{limiter: &rate.Sometimes{Interval: t.interval}}
}

// advance records (done, total) for st and reports whether it must be emitted
// and with which clamped values. Callers hold t.mu.
func advance(st *itemState, done, total uint64) (emit bool, outDone, outTotal uint64) {
	if st.final {
		return false, st.done, st.total
	}
	if total > 0 {
		st.total = total
	}
	if done > st.done {
		st.done = done
	}
	if st.total > 0 && st.done > st.total {
		st.done = st.total
	}
	if st.total > 0 && st.done == st.total {
		st.final = true
		return true, st.done, st.total
	}
	st.limiter.Do(func() { emit = true })
	return emit, st.done, st.total
}

func (t *Throttled) DownloadAddNew(id, description string, total int64) {
	t.mu.Lock()
	st := t.newState()
	if total > 0 {
		st.total = uint64(total)
	}
	t.downloads[id] = st
	t.mu.Unlock()
	t.next.DownloadAddNew(id, description, total)
}

func (t *Throttled) DownloadProgress(id string, done, total int64) {
	if done < 0 {
		done = 0
	}
	if total < 0 {
		total = 0
	}
	t.mu.Lock()
	st, ok := t.downloads[id]
	if !ok {
		st = t.newState()
		t.downloads[id] = st
	}
	emit, d, tot := advance(st, uint64(done), uint64(total))
	t.mu.Unlock()
	if emit {
		t.next.DownloadProgress(id, int64(d), int64(tot))
	}
}

// DownloadEnd forwards the end notification. On success the final
// (total, total) progress is emitted first if it was not sent yet.
func (t *Throttled) DownloadEnd(id string, status TransferStatus, msg string) {
	t.mu.Lock()
	st := t.downloads[id]
	delete(t.downloads, id)
	t.mu.Unlock()

	if status == TransferSuccessful && st != nil && st.total > 0 && !st.final {
		t.next.DownloadProgress(id, int64(st.total), int64(st.total))
	}
	t.next.DownloadEnd(id, status, msg)
}

func (t *Throttled) DownloadMirrorFailure(id, msg, url string) {
	t.next.DownloadMirrorFailure(id, msg, url)
}

func (t *Throttled) ActionStart(nevra string, action uint32, total uint64) {
	t.mu.Lock()
	st := t.newState()
	st.total = total
	t.actions[nevra] = st
	t.mu.Unlock()
	t.next.ActionStart(nevra, action, total)
}

func (t *Throttled) ActionProgress(nevra string, amount, total uint64) {
	t.mu.Lock()
	st, ok := t.actions[nevra]
	if !ok {
		st = t.newState()
		t.actions[nevra] = st
	}
	emit, d, tot := advance(st, amount, total)
	t.mu.Unlock()
	if emit {
		t.next.ActionProgress(nevra, d, tot)
	}
}

func (t *Throttled) ActionStop(nevra string, total uint64) {
	t.mu.Lock()
	delete(t.actions, nevra)
	t.mu.Unlock()
	t.next.ActionStop(nevra, total)
}

func (t *Throttled) ScriptError(nevra string, scriptType uint32, code uint64) {
	t.next.ScriptError(nevra, scriptType, code)
}

func (t *Throttled) TransactionStart(total uint64) {
	t.mu.Lock()
	t.txn = t.newState()
	t.txn.total = total
	t.mu.Unlock()
	t.next.TransactionStart(total)
}

func (t *Throttled) TransactionProgress(amount, total uint64) {
	t.mu.Lock()
	if t.txn == nil {
		t.txn = t.newState()
	}
	emit, d, tot := advance(t.txn, amount, total)
	t.mu.Unlock()
	if emit {
		t.next.TransactionProgress(d, tot)
	}
}

func (t *Throttled) TransactionStop(total uint64) {
	t.mu.Lock()
	t.txn = nil
	t.mu.Unlock()
	t.next.TransactionStop(total)
}

func (t *Throttled) Finished(status uint32) {
	t.next.Finished(status)
}

var _ Sink = (*Throttled)(nil)
