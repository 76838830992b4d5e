// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package rpc exposes sessions on the D-Bus system bus.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ManuGH/pkgd/internal/audit"
	"github.com/ManuGH/pkgd/internal/authz"
	"github.com/ManuGH/pkgd/internal/history"
	xglog "github.com/ManuGH/pkgd/internal/log"
	"github.com/ManuGH/pkgd/internal/metrics"
	"github.com/ManuGH/pkgd/internal/progress"
	"github.com/ManuGH/pkgd/internal/repoconf"
	"github.com/ManuGH/pkgd/internal/session"
	"github.com/ManuGH/pkgd/internal/telemetry"
	"github.com/ManuGH/pkgd/internal/workerpool"
)

const (
	DefaultBusName = "org.rpm.dnf.v0"
	RootPath       = dbus.ObjectPath(session.ObjectPathPrefix)

	IfaceSessionManager = "org.rpm.dnf.v0.SessionManager"
	IfaceGoal           = "org.rpm.dnf.v0.Goal"
	IfaceBase           = "org.rpm.dnf.v0.Base"
	IfaceRpm            = "org.rpm.dnf.v0.rpm.Rpm"
	IfaceRepo           = "org.rpm.dnf.v0.rpm.Repo"
	IfaceRepoConf       = "org.rpm.dnf.v0.rpm.RepoConf"
	IfaceHistory        = "org.rpm.dnf.v0.History"
	ifaceIntrospectable = "org.freedesktop.DBus.Introspectable"

	busDaemonName  = "org.freedesktop.DBus"
	busDaemonPath  = dbus.ObjectPath("/org/freedesktop/DBus")
	nameOwnerEvent = busDaemonName + ".NameOwnerChanged"
)

// Conn is the part of *dbus.Conn the server uses.
type Conn interface {
	messageSender
	Export(v interface{}, path dbus.ObjectPath, iface string) error
	ExportMethodTable(methods map[string]interface{}, path dbus.ObjectPath, iface string) error
	RequestName(name string, flags dbus.RequestNameFlags) (dbus.RequestNameReply, error)
	AddMatchSignal(options ...dbus.MatchOption) error
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
	Connected() bool
}

// UserLookup resolves the unix uid behind a bus name.
type UserLookup interface {
	UnixUser(ctx context.Context, caller string) (uint32, error)
}

// HistoryReader is the read side of the history store.
type HistoryReader interface {
	List(ctx context.Context, q history.Query) ([]history.Record, error)
	RecentChanges(ctx context.Context, since time.Time) (history.Changes, error)
}

// Options configure a Server.
type Options struct {
	BusName    string
	Directory  *session.Directory
	Pool       *workerpool.Pool
	RepoConf   *repoconf.Store
	History    HistoryReader
	Authorizer authz.Authorizer
	Audit      *audit.Logger
	// ProgressInterval returns the throttle interval for new sessions.
	ProgressInterval func() time.Duration
	// OnReady runs once the bus name is owned.
	OnReady func()
}

// Server owns the bus objects of the daemon.
type Server struct {
	conn   Conn
	users  UserLookup
	opts   Options
	logger zerolog.Logger

	ctx context.Context
}

// New creates a server on conn.
func New(conn *dbus.Conn, opts Options) *Server {
	return newServer(conn, busUsers{obj: conn.BusObject()}, opts)
}

func newServer(conn Conn, users UserLookup, opts Options) *Server {
	if opts.BusName == "" {
		opts.BusName = DefaultBusName
	}
	if opts.ProgressInterval == nil {
		opts.ProgressInterval = func() time.Duration { return progress.DefaultInterval }
	}
	s := &Server{
		conn:   conn,
		users:  users,
		opts:   opts,
		logger: xglog.WithComponent("rpc"),
		ctx:    context.Background(),
	}
	opts.Directory.OnRemove(s.unexportSession)
	return s
}

// SinkFor builds the progress sink of a new session. It is the session
// factory's sink hook.
func (s *Server) SinkFor(id, owner string) progress.Sink {
	return progress.NewThrottled(newSignalSink(s.conn, dbus.ObjectPath(id), owner), s.opts.ProgressInterval())
}

// Connected reports whether the bus connection is alive.
func (s *Server) Connected() bool {
	return s.conn.Connected()
}

// Serve exports the root object, acquires the bus name and dispatches
// NameOwnerChanged until ctx ends or the connection closes.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.export(ctx); err != nil {
		return err
	}

	signals := make(chan *dbus.Signal, 64)
	s.conn.Signal(signals)
	defer s.conn.RemoveSignal(signals)
	if err := s.conn.AddMatchSignal(
		dbus.WithMatchSender(busDaemonName),
		dbus.WithMatchObjectPath(busDaemonPath),
		dbus.WithMatchInterface(busDaemonName),
		dbus.WithMatchMember("NameOwnerChanged"),
	); err != nil {
		return fmt.Errorf("watch NameOwnerChanged: %w", err)
	}

	reply, err := s.conn.RequestName(s.opts.BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request bus name %s: %w", s.opts.BusName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("%w: %s", ErrNameTaken, s.opts.BusName)
	}
	s.logger.Info().
		Str(xglog.FieldEvent, "rpc.ready").
		Str("bus_name", s.opts.BusName).
		Msg("bus name acquired")
	if s.opts.OnReady != nil {
		s.opts.OnReady()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrBusClosed
			}
			s.handleSignal(sig)
		}
	}
}

func (s *Server) export(ctx context.Context) error {
	s.ctx = ctx
	if err := s.conn.ExportMethodTable(s.sessionManagerMethods(), RootPath, IfaceSessionManager); err != nil {
		return fmt.Errorf("export %s: %w", IfaceSessionManager, err)
	}
	introspectRoot := map[string]interface{}{
		"Introspect": func() (string, *dbus.Error) {
			data, err := rootXML(RootPath, s.opts.Directory.IDs())
			if err != nil {
				return "", dbus.MakeFailedError(err)
			}
			return data, nil
		},
	}
	if err := s.conn.ExportMethodTable(introspectRoot, RootPath, ifaceIntrospectable); err != nil {
		return fmt.Errorf("export introspection: %w", err)
	}
	return nil
}

// handleSignal drops the sessions of callers that left the bus.
func (s *Server) handleSignal(sig *dbus.Signal) {
	if sig == nil || sig.Name != nameOwnerEvent || len(sig.Body) != 3 {
		return
	}
	name, _ := sig.Body[0].(string)
	oldOwner, _ := sig.Body[1].(string)
	newOwner, _ := sig.Body[2].(string)
	if newOwner != "" || name == "" || name != oldOwner {
		return
	}
	if n := s.opts.Directory.CallerDisconnected(name); n > 0 {
		s.logger.Info().
			Str(xglog.FieldEvent, "rpc.caller_gone").
			Str(xglog.FieldCaller, name).
			Int("sessions", n).
			Msg("caller left the bus")
	}
}

func (s *Server) sessionManagerMethods() map[string]interface{} {
	return map[string]interface{}{
		"open_session": func(sender dbus.Sender, opts map[string]dbus.Variant) (dbus.ObjectPath, *dbus.Error) {
			var id string
			derr := s.call(IfaceSessionManager, "open_session", sender, "", func(ctx context.Context) error {
				parsed, err := session.ParseOptions(options(opts).plain())
				if err != nil {
					return err
				}
				id, err = s.opts.Directory.Open(ctx, string(sender), parsed)
				if err != nil {
					return err
				}
				if err := s.exportSession(dbus.ObjectPath(id)); err != nil {
					s.opts.Directory.Close(string(sender), id)
					return err
				}
				// The caller may have left while the objects were exported; its
				// cleanup ran before they existed.
				if _, err := s.opts.Directory.Get(string(sender), id); err != nil {
					s.unexport(dbus.ObjectPath(id))
					return fmt.Errorf("session closed while opening: %w", err)
				}
				return nil
			})
			if derr != nil {
				return "", derr
			}
			return dbus.ObjectPath(id), nil
		},
		"close_session": func(sender dbus.Sender, path dbus.ObjectPath) (bool, *dbus.Error) {
			var closed bool
			derr := s.call(IfaceSessionManager, "close_session", sender, "", func(context.Context) error {
				closed = s.opts.Directory.Close(string(sender), string(path))
				return nil
			})
			return closed, derr
		},
	}
}

func (s *Server) exportSession(path dbus.ObjectPath) error {
	tables := []struct {
		iface   string
		methods map[string]interface{}
	}{
		{IfaceGoal, s.goalMethods(path)},
		{IfaceRpm, s.rpmMethods(path)},
		{IfaceRepo, s.repoMethods(path)},
		{IfaceRepoConf, s.repoConfMethods(path)},
		{IfaceHistory, s.historyMethods(path)},
	}
	for _, t := range tables {
		if err := s.conn.ExportMethodTable(t.methods, path, t.iface); err != nil {
			s.unexport(path)
			return fmt.Errorf("export %s on %s: %w", t.iface, path, err)
		}
	}
	if err := s.conn.Export(introspect.NewIntrospectable(sessionNode()), path, ifaceIntrospectable); err != nil {
		s.unexport(path)
		return fmt.Errorf("export introspection on %s: %w", path, err)
	}
	return nil
}

func (s *Server) unexportSession(sess *session.Session) {
	s.unexport(dbus.ObjectPath(sess.ID))
}

func (s *Server) unexport(path dbus.ObjectPath) {
	for _, iface := range []string{IfaceGoal, IfaceRpm, IfaceRepo, IfaceRepoConf, IfaceHistory} {
		_ = s.conn.ExportMethodTable(nil, path, iface)
	}
	_ = s.conn.Export(nil, path, ifaceIntrospectable)
}

// call runs fn as a tracked worker and converts its error for the wire.
// A non-empty path requires sender to own that session.
func (s *Server) call(iface, method string, sender dbus.Sender, path dbus.ObjectPath, fn func(ctx context.Context) error) *dbus.Error {
	return s.dispatch(false, iface, method, sender, path, fn)
}

func (s *Server) dispatch(protected bool, iface, method string, sender dbus.Sender, path dbus.ObjectPath, fn func(ctx context.Context) error) *dbus.Error {
	caller := string(sender)
	ctx := xglog.ContextWithRequestID(s.ctx, uuid.NewString())
	ctx = xglog.ContextWithCaller(ctx, caller)
	if path != "" {
		ctx = xglog.ContextWithSessionID(ctx, string(path))
	}
	ctx, span := telemetry.Tracer().Start(ctx, "rpc."+method)
	span.SetAttributes(telemetry.CallAttributes(iface, method, string(path), caller)...)

	do := s.opts.Pool.Do
	if protected {
		do = s.opts.Pool.DoProtected
	}
	err := do(ctx, iface+"."+method, func() error { return fn(ctx) })
	telemetry.End(span, err)

	logger := xglog.WithContext(ctx, s.logger).With().Str(xglog.FieldMethod, iface+"."+method).Logger()
	switch {
	case err == nil:
		metrics.IncRPCCall(iface, method, "ok")
		logger.Debug().Str(xglog.FieldEvent, "rpc.call").Msg("call handled")
		return nil
	case errors.Is(err, workerpool.ErrPanic):
		metrics.IncRPCCall(iface, method, "panic")
		logger.Error().Err(err).Str(xglog.FieldEvent, "rpc.panic").Msg("handler panicked")
	default:
		metrics.IncRPCCall(iface, method, "error")
		logger.Warn().Err(err).Str(xglog.FieldEvent, "rpc.failed").Str("error_name", errorName(err)).Msg("call failed")
	}
	return toDBusError(err)
}

// withSession runs fn against the session at path when sender owns it.
func (s *Server) withSession(iface, method string, sender dbus.Sender, path dbus.ObjectPath, fn func(ctx context.Context, sess *session.Session) error) *dbus.Error {
	return s.sessionCall(false, iface, method, sender, path, fn)
}

// withTransaction is withSession on a protected worker: shutdown waits for it
// to finish however long it runs.
func (s *Server) withTransaction(iface, method string, sender dbus.Sender, path dbus.ObjectPath, fn func(ctx context.Context, sess *session.Session) error) *dbus.Error {
	return s.sessionCall(true, iface, method, sender, path, fn)
}

func (s *Server) sessionCall(protected bool, iface, method string, sender dbus.Sender, path dbus.ObjectPath, fn func(ctx context.Context, sess *session.Session) error) *dbus.Error {
	return s.dispatch(protected, iface, method, sender, path, func(ctx context.Context) error {
		sess, err := s.opts.Directory.Get(string(sender), string(path))
		if err != nil {
			return err
		}
		return fn(ctx, sess)
	})
}

// authorize checks action for caller and returns ErrNotAuthorized on denial.
func (s *Server) authorize(ctx context.Context, action, caller string) error {
	if s.opts.Authorizer == nil || !s.opts.Authorizer.IsAuthorized(ctx, action, caller) {
		return fmt.Errorf("%w: %s", session.ErrNotAuthorized, action)
	}
	return nil
}

// objectCaller is the part of dbus.BusObject used to query the bus daemon.
type objectCaller interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

type busUsers struct {
	obj objectCaller
}

func (b busUsers) UnixUser(ctx context.Context, caller string) (uint32, error) {
	var uid uint32
	call := b.obj.CallWithContext(ctx, busDaemonName+".GetConnectionUnixUser", 0, caller)
	if call.Err != nil {
		return 0, fmt.Errorf("%w: %w", ErrNoUserLookup, call.Err)
	}
	if err := call.Store(&uid); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrNoUserLookup, err)
	}
	return uid, nil
}
