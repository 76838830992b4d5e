// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	sddaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
)

// Notifier reports readiness and shutdown to the service manager.
type Notifier interface {
	Ready()
	Stopping()
}

type nopNotifier struct{}

func (nopNotifier) Ready()    {}
func (nopNotifier) Stopping() {}

// SystemdNotifier speaks the sd_notify protocol. Outside a systemd unit
// (NOTIFY_SOCKET unset) every call is a no-op.
type SystemdNotifier struct {
	logger zerolog.Logger
	notify func(unsetEnv bool, state string) (bool, error)
}

// NewSystemdNotifier returns a notifier bound to NOTIFY_SOCKET.
func NewSystemdNotifier(logger zerolog.Logger) *SystemdNotifier {
	return &SystemdNotifier{logger: logger, notify: sddaemon.SdNotify}
}

// Ready sends READY=1.
func (n *SystemdNotifier) Ready() { n.send(sddaemon.SdNotifyReady) }

// Stopping sends STOPPING=1.
func (n *SystemdNotifier) Stopping() { n.send(sddaemon.SdNotifyStopping) }

func (n *SystemdNotifier) send(state string) {
	sent, err := n.notify(false, state)
	switch {
	case err != nil:
		n.logger.Warn().Err(err).Str("state", state).Msg("sd_notify failed")
	case sent:
		n.logger.Debug().Str("state", state).Msg("sd_notify sent")
	}
}
