// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"github.com/ManuGH/pkgd/internal/audit"
	xglog "github.com/ManuGH/pkgd/internal/log"
	"github.com/ManuGH/pkgd/internal/metrics"
)

const (
	polkitBusName    = "org.freedesktop.PolicyKit1"
	polkitObjectPath = dbus.ObjectPath("/org/freedesktop/PolicyKit1/Authority")
	polkitMethod     = "org.freedesktop.PolicyKit1.Authority.CheckAuthorization"

	// checkAllowUserInteraction lets polkit prompt the user for credentials.
	checkAllowUserInteraction uint32 = 1

	DefaultTimeout = 2 * time.Minute
)

// objectCaller is the part of dbus.BusObject used for the polkit call.
type objectCaller interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// subject marshals as (sa{sv}).
type subject struct {
	Kind    string
	Details map[string]dbus.Variant
}

type authResult struct {
	IsAuthorized bool
	IsChallenge  bool
	Details      map[string]string
}

// Polkit asks the polkit authority on the system bus.
type Polkit struct {
	obj     objectCaller
	timeout time.Duration
	audit   *audit.Logger
	logger  zerolog.Logger
}

// NewPolkit creates a polkit client on conn. A non-positive timeout uses DefaultTimeout.
func NewPolkit(conn *dbus.Conn, timeout time.Duration, auditLog *audit.Logger) *Polkit {
	return newPolkit(conn.Object(polkitBusName, polkitObjectPath), timeout, auditLog)
}

func newPolkit(obj objectCaller, timeout time.Duration, auditLog *audit.Logger) *Polkit {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Polkit{
		obj:     obj,
		timeout: timeout,
		audit:   auditLog,
		logger:  xglog.WithComponent("authz"),
	}
}

// IsAuthorized implements Authorizer. Transport errors, timeouts and
// malformed replies all deny.
func (p *Polkit) IsAuthorized(ctx context.Context, action, caller string) bool {
	allowed, err := p.check(ctx, action, caller)

	result := "allowed"
	switch {
	case err != nil:
		result = "error"
		p.logger.Warn().
			Err(err).
			Str(xglog.FieldEvent, "authz.check_failed").
			Str(xglog.FieldAction, action).
			Str(xglog.FieldCaller, caller).
			Msg("polkit check failed, denying")
	case !allowed:
		result = "denied"
		p.logger.Info().
			Str(xglog.FieldEvent, "authz.denied").
			Str(xglog.FieldAction, action).
			Str(xglog.FieldCaller, caller).
			Msg("authorization denied")
	}
	metrics.IncAuthzDecision(action, result)
	p.audit.AuthzDecision(ctx, action, caller, allowed && err == nil, err)
	return allowed && err == nil
}

func (p *Polkit) check(ctx context.Context, action, caller string) (bool, error) {
	if caller == "" {
		return false, errors.New("empty caller")
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	subj := subject{
		Kind:    "system-bus-name",
		Details: map[string]dbus.Variant{"name": dbus.MakeVariant(caller)},
	}
	call := p.obj.CallWithContext(ctx, polkitMethod, 0,
		subj, action, map[string]string{}, checkAllowUserInteraction, "")
	if call.Err != nil {
		return false, fmt.Errorf("CheckAuthorization: %w", call.Err)
	}

	var res authResult
	if err := call.Store(&res); err != nil {
		return false, fmt.Errorf("decode CheckAuthorization reply: %w", err)
	}
	return res.IsAuthorized, nil
}
