// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package rpc

import (
	"errors"

	"github.com/godbus/dbus/v5"

	"github.com/ManuGH/pkgd/internal/goal"
	"github.com/ManuGH/pkgd/internal/repoconf"
	"github.com/ManuGH/pkgd/internal/session"
)

// D-Bus error names returned to clients.
const (
	ErrorGeneric       = "org.rpm.dnf.v0.Error"
	ErrorNotAuthorized = "org.rpm.dnf.v0.Error.NotAuthorized"
	ErrorInvalidArgs   = "org.rpm.dnf.v0.Error.InvalidArgs"
	ErrorRepoConf      = "org.rpm.dnf.v0.rpm.RepoConf.Error"
	ErrorTransaction   = "org.rpm.dnf.v0.Goal.Error.Transaction"
	ErrorResolve       = "org.rpm.dnf.v0.Goal.Error.Resolve"
)

var (
	ErrNameTaken    = errors.New("bus name already owned")
	ErrBusClosed    = errors.New("bus connection closed")
	ErrNoUserLookup = errors.New("cannot determine caller uid")
)

// Error attaches a D-Bus error name to err.
type Error struct {
	Name string
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

func named(name string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Name: name, Err: err}
}

// errorName picks the D-Bus error name for err. Authorization and argument
// errors win over any name attached by a handler.
func errorName(err error) string {
	var ne *Error
	switch {
	case errors.Is(err, session.ErrNotAuthorized):
		return ErrorNotAuthorized
	case errors.Is(err, session.ErrInvalidArgs), errors.Is(err, goal.ErrInvalidOperation):
		return ErrorInvalidArgs
	case errors.As(err, &ne):
		return ne.Name
	case errors.Is(err, repoconf.ErrNotFound), errors.Is(err, repoconf.ErrMultiple):
		return ErrorRepoConf
	case errors.Is(err, goal.ErrNotResolved), errors.Is(err, goal.ErrTransactionFailed):
		return ErrorTransaction
	default:
		return ErrorGeneric
	}
}

func toDBusError(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	return dbus.NewError(errorName(err), []interface{}{err.Error()})
}
