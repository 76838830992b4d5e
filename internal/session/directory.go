// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ManuGH/pkgd/internal/audit"
	"github.com/ManuGH/pkgd/internal/authz"
	xglog "github.com/ManuGH/pkgd/internal/log"
	"github.com/ManuGH/pkgd/internal/metrics"
)

// DefaultMaxSessions is the global session cap.
const DefaultMaxSessions = 3

// Factory builds a session. It runs outside the directory lock.
type Factory func(ctx context.Context, id, owner string, opts Options) (*Session, error)

// Directory is the registry of open sessions.
type Directory struct {
	factory    Factory
	authorizer authz.Authorizer
	audit      *audit.Logger
	max        int
	logger     zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	// pending counts opens that passed the cap check but are not registered yet.
	pending  int
	inactive bool
	onRemove []func(*Session)
}

// NewDirectory creates an empty, active directory.
func NewDirectory(factory Factory, authorizer authz.Authorizer, auditLog *audit.Logger, maxSessions int) *Directory {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	return &Directory{
		factory:    factory,
		authorizer: authorizer,
		audit:      auditLog,
		max:        maxSessions,
		logger:     xglog.WithComponent("session"),
		sessions:   make(map[string]*Session),
	}
}

// OnRemove registers fn to run after a session left the directory.
func (d *Directory) OnRemove(fn func(*Session)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onRemove = append(d.onRemove, fn)
}

// Open creates and registers a session owned by caller.
func (d *Directory) Open(ctx context.Context, caller string, opts Options) (id string, err error) {
	logger := xglog.WithContext(ctx, d.logger).With().Str(xglog.FieldCaller, caller).Logger()
	defer func() {
		result := "success"
		if err != nil {
			result = "failure"
		}
		metrics.IncSessionOpen(result)
	}()

	d.mu.Lock()
	switch {
	case d.inactive:
		d.mu.Unlock()
		return "", ErrShuttingDown
	case len(d.sessions)+d.pending >= d.max:
		d.mu.Unlock()
		logger.Warn().Str(xglog.FieldEvent, "session.limit").Int("max", d.max).Msg("session limit reached")
		return "", ErrTooManySessions
	}
	d.pending++
	d.mu.Unlock()

	release := func() {
		d.mu.Lock()
		d.pending--
		d.mu.Unlock()
	}

	if restricted := opts.RestrictedOverrides(); len(restricted) > 0 {
		if d.authorizer == nil || !d.authorizer.IsAuthorized(ctx, authz.ActionConfigOverride, caller) {
			release()
			logger.Warn().
				Str(xglog.FieldEvent, "session.override_denied").
				Str("keys", strings.Join(restricted, ",")).
				Msg("config override not authorized")
			d.audit.Session(ctx, audit.EventSessionOpen, caller, "", audit.ResultDenied)
			return "", fmt.Errorf("%w: config override of %s", ErrNotAuthorized, strings.Join(restricted, ", "))
		}
	}

	id = NewID()
	s, err := d.factory(ctx, id, caller, opts)
	if err != nil {
		release()
		logger.Error().Err(err).Str(xglog.FieldEvent, "session.open_failed").Msg("failed to create session")
		d.audit.Session(ctx, audit.EventSessionOpen, caller, id, audit.ResultFailure)
		return "", err
	}

	d.mu.Lock()
	d.pending--
	if d.inactive {
		d.mu.Unlock()
		s.Close()
		return "", ErrShuttingDown
	}
	d.sessions[id] = s
	n := len(d.sessions)
	d.mu.Unlock()

	metrics.SetSessionsOpen(n)
	d.audit.Session(ctx, audit.EventSessionOpen, caller, id, audit.ResultSuccess)
	logger.Info().
		Str(xglog.FieldEvent, "session.opened").
		Str(xglog.FieldSessionID, id).
		Int("open", n).
		Msg("session opened")
	return id, nil
}

// Get returns the session with the given id when caller owns it.
func (d *Directory) Get(caller, id string) (*Session, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.sessions[id]
	if !ok || s.Owner != caller {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Close removes session id when caller owns it. Unknown and foreign ids
// return false.
func (d *Directory) Close(caller, id string) bool {
	d.mu.Lock()
	s, ok := d.sessions[id]
	if !ok || s.Owner != caller {
		d.mu.Unlock()
		return false
	}
	delete(d.sessions, id)
	hooks := d.hooksLocked()
	n := len(d.sessions)
	d.mu.Unlock()

	d.dispose(s, hooks, "closed")
	metrics.SetSessionsOpen(n)
	return true
}

// CallerDisconnected removes every session owned by caller and returns how
// many were removed.
func (d *Directory) CallerDisconnected(caller string) int {
	d.mu.Lock()
	var gone []*Session
	for id, s := range d.sessions {
		if s.Owner == caller {
			gone = append(gone, s)
			delete(d.sessions, id)
		}
	}
	hooks := d.hooksLocked()
	n := len(d.sessions)
	d.mu.Unlock()

	for _, s := range gone {
		d.dispose(s, hooks, "caller_disconnected")
	}
	if len(gone) > 0 {
		metrics.SetSessionsOpen(n)
	}
	return len(gone)
}

// Deactivate stops accepting sessions. Open sessions keep serving calls.
func (d *Directory) Deactivate() {
	d.mu.Lock()
	d.inactive = true
	d.mu.Unlock()
}

// Shutdown stops accepting sessions and closes every open one.
func (d *Directory) Shutdown() {
	d.mu.Lock()
	d.inactive = true
	gone := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		gone = append(gone, s)
	}
	clear(d.sessions)
	hooks := d.hooksLocked()
	d.mu.Unlock()

	for _, s := range gone {
		d.dispose(s, hooks, "shutdown")
	}
	metrics.SetSessionsOpen(0)
}

// Active reports whether new sessions are accepted.
func (d *Directory) Active() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return !d.inactive
}

// Len returns the number of open sessions.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sessions)
}

// IDs returns the open session ids, sorted.
func (d *Directory) IDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.sessions))
	for id := range d.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (d *Directory) hooksLocked() []func(*Session) {
	return append([]func(*Session)(nil), d.onRemove...)
}

func (d *Directory) dispose(s *Session, hooks []func(*Session), reason string) {
	if !s.Close() {
		return
	}
	for _, fn := range hooks {
		fn(s)
	}
	d.audit.Session(context.Background(), audit.EventSessionClose, s.Owner, s.ID, audit.ResultSuccess)
	d.logger.Info().
		Str(xglog.FieldEvent, "session.closed").
		Str(xglog.FieldSessionID, s.ID).
		Str(xglog.FieldCaller, s.Owner).
		Str("reason", reason).
		Msg("session closed")
}
