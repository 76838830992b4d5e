// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package audit writes structured records of privileged decisions and
// system-changing operations (who did what to which resource, and the result).
package audit

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/pkgd/internal/log"
)

// EventType represents the type of audit event.
type EventType string

const (
	EventAuthzAllow EventType = "authz.allow"
	EventAuthzDeny  EventType = "authz.deny"
	EventAuthzError EventType = "authz.error"

	EventSessionOpen  EventType = "session.open"
	EventSessionClose EventType = "session.close"

	EventRepoConfWrite EventType = "repoconf.write"

	EventTransactionExecute EventType = "transaction.execute"

	EventConfigReload      EventType = "config.reload"
	EventConfigReloadError EventType = "config.reload.error"
)

// Results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultDenied  = "denied"
)

// Event represents a structured audit event. Actor is the caller's unique
// bus name or "system".
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      EventType         `json:"type"`
	Actor     string            `json:"actor"`
	Action    string            `json:"action"`
	Resource  string            `json:"resource"`
	Result    string            `json:"result"`
	SessionID string            `json:"session_id,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// Logger provides audit logging functionality.
type Logger struct {
	logger zerolog.Logger
	now    func() time.Time
}

// NewLogger creates an audit logger derived from the global logger.
func NewLogger() *Logger {
	return NewLoggerWith(log.WithComponent("audit"))
}

// NewLoggerWith creates an audit logger writing through base.
func NewLoggerWith(base zerolog.Logger) *Logger {
	return &Logger{
		logger: base.With().Str("log_type", "audit").Logger(),
		now:    time.Now,
	}
}

// Log writes an audit event.
func (l *Logger) Log(event Event) {
	if l == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now()
	}

	e := l.logger.Info().
		Time("timestamp", event.Timestamp).
		Str("event_type", string(event.Type)).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("resource", event.Resource).
		Str("result", event.Result)
	if event.SessionID != "" {
		e.Str(log.FieldSessionID, event.SessionID)
	}
	if event.RequestID != "" {
		e.Str(log.FieldRequestID, event.RequestID)
	}
	for key, value := range event.Details {
		e.Str(key, value)
	}
	e.Msg("audit event")
}

// LogFromContext fills request and session ids from ctx before logging.
func (l *Logger) LogFromContext(ctx context.Context, event Event) {
	if event.RequestID == "" {
		event.RequestID = log.RequestIDFromContext(ctx)
	}
	if event.SessionID == "" {
		event.SessionID = log.SessionIDFromContext(ctx)
	}
	if event.Actor == "" {
		event.Actor = log.CallerFromContext(ctx)
	}
	l.Log(event)
}

// AuthzDecision records a polkit decision. A non-nil err means the check
// itself failed and access was refused.
func (l *Logger) AuthzDecision(ctx context.Context, action, caller string, allowed bool, err error) {
	ev := Event{Type: EventAuthzAllow, Actor: caller, Action: action, Resource: action, Result: ResultSuccess}
	switch {
	case err != nil:
		ev.Type = EventAuthzError
		ev.Result = ResultFailure
		ev.Details = map[string]string{"error": err.Error()}
	case !allowed:
		ev.Type = EventAuthzDeny
		ev.Result = ResultDenied
	}
	l.LogFromContext(ctx, ev)
}

// RepoConfWrite records an enable/disable request and the ids it changed.
func (l *Logger) RepoConfWrite(ctx context.Context, caller, op string, requested, changed []string, err error) {
	ev := Event{
		Type:     EventRepoConfWrite,
		Actor:    caller,
		Action:   op,
		Resource: strings.Join(requested, ","),
		Result:   ResultSuccess,
		Details:  map[string]string{"changed": strings.Join(changed, ",")},
	}
	if err != nil {
		ev.Result = ResultFailure
		ev.Details["error"] = err.Error()
	}
	l.LogFromContext(ctx, ev)
}

// Transaction records the outcome of an executed transaction.
func (l *Logger) Transaction(ctx context.Context, caller string, txnID int64, items int, err error) {
	ev := Event{
		Type:     EventTransactionExecute,
		Actor:    caller,
		Action:   "do_transaction",
		Resource: "history",
		Result:   ResultSuccess,
		Details:  map[string]string{"items": strconv.Itoa(items)},
	}
	if txnID > 0 {
		ev.Details["transaction_id"] = strconv.FormatInt(txnID, 10)
	}
	if err != nil {
		ev.Result = ResultFailure
		ev.Details["error"] = err.Error()
	}
	l.LogFromContext(ctx, ev)
}

// Session records a session being opened or closed.
func (l *Logger) Session(ctx context.Context, typ EventType, caller, sessionID, result string) {
	l.LogFromContext(ctx, Event{
		Type:      typ,
		Actor:     caller,
		Action:    string(typ),
		Resource:  sessionID,
		SessionID: sessionID,
		Result:    result,
	})
}

// ConfigReload records a configuration reload attempt.
func (l *Logger) ConfigReload(path string, err error) {
	ev := Event{Type: EventConfigReload, Actor: "system", Action: "reload", Resource: path, Result: ResultSuccess}
	if err != nil {
		ev.Type = EventConfigReloadError
		ev.Result = ResultFailure
		ev.Details = map[string]string{"error": err.Error()}
	}
	l.Log(ev)
}
