// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package progress

import (
	"fmt"
	"sync"
)

// Event is one recorded notification.
type Event struct {
	Kind  string
	ID    string
	Done  uint64
	Total uint64
	Code  uint64
	Msg   string
}

// Recorder is a Sink that keeps every notification in order.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) add(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded notifications.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds returns the notification kinds for id, in order. An empty id matches all.
func (r *Recorder) Kinds(id string) []string {
	var out []string
	for _, e := range r.Events() {
		if id == "" || e.ID == id {
			out = append(out, e.Kind)
		}
	}
	return out
}

func (r *Recorder) DownloadAddNew(id, description string, total int64) {
	r.add(Event{Kind: "download_add_new", ID: id, Total: uint64(max(total, 0)), Msg: description})
}

func (r *Recorder) DownloadProgress(id string, done, total int64) {
	r.add(Event{Kind: "download_progress", ID: id, Done: uint64(max(done, 0)), Total: uint64(max(total, 0))})
}

func (r *Recorder) DownloadEnd(id string, status TransferStatus, msg string) {
	r.add(Event{Kind: "download_end", ID: id, Code: uint64(status), Msg: msg})
}

func (r *Recorder) DownloadMirrorFailure(id, msg, url string) {
	r.add(Event{Kind: "download_mirror_failure", ID: id, Msg: fmt.Sprintf("%s: %s", url, msg)})
}

func (r *Recorder) ActionStart(nevra string, action uint32, total uint64) {
	r.add(Event{Kind: "transaction_action_start", ID: nevra, Code: uint64(action), Total: total})
}

func (r *Recorder) ActionProgress(nevra string, amount, total uint64) {
	r.add(Event{Kind: "transaction_action_progress", ID: nevra, Done: amount, Total: total})
}

func (r *Recorder) ActionStop(nevra string, total uint64) {
	r.add(Event{Kind: "transaction_action_stop", ID: nevra, Total: total})
}

func (r *Recorder) ScriptError(nevra string, scriptType uint32, code uint64) {
	r.add(Event{Kind: "transaction_script_error", ID: nevra, Done: uint64(scriptType), Code: code})
}

func (r *Recorder) TransactionStart(total uint64) {
	r.add(Event{Kind: "transaction_transaction_start", Total: total})
}

func (r *Recorder) TransactionProgress(amount, total uint64) {
	r.add(Event{Kind: "transaction_transaction_progress", Done: amount, Total: total})
}

func (r *Recorder) TransactionStop(total uint64) {
	r.add(Event{Kind: "transaction_transaction_stop", Total: total})
}

func (r *Recorder) Finished(status uint32) {
	r.add(Event{Kind: "transaction_finished", Code: uint64(status)})
}

var _ Sink = (*Recorder)(nil)
