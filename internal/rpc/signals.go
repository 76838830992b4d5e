// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package rpc

import (
	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	xglog "github.com/ManuGH/pkgd/internal/log"
	"github.com/ManuGH/pkgd/internal/progress"
)

// messageSender is the part of dbus.Conn used to emit signals.
type messageSender interface {
	Send(msg *dbus.Message, ch chan *dbus.Call) *dbus.Call
}

// signalSink turns progress notifications into signals addressed to the
// session owner only. The first argument is always the session path.
type signalSink struct {
	conn   messageSender
	path   dbus.ObjectPath
	dest   string
	logger zerolog.Logger
}

func newSignalSink(conn messageSender, path dbus.ObjectPath, dest string) *signalSink {
	return &signalSink{
		conn: conn,
		path: path,
		dest: dest,
		logger: xglog.WithComponent("rpc").With().
			Str(xglog.FieldSessionID, string(path)).
			Str(xglog.FieldCaller, dest).
			Logger(),
	}
}

func (s *signalSink) emit(iface, member string, args ...interface{}) {
	body := append([]interface{}{s.path}, args...)
	msg := &dbus.Message{
		Type: dbus.TypeSignal,
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldPath:        dbus.MakeVariant(s.path),
			dbus.FieldInterface:   dbus.MakeVariant(iface),
			dbus.FieldMember:      dbus.MakeVariant(member),
			dbus.FieldDestination: dbus.MakeVariant(s.dest),
			dbus.FieldSignature:   dbus.MakeVariant(dbus.SignatureOf(body...)),
		},
		Body: body,
	}
	if call := s.conn.Send(msg, nil); call != nil && call.Err != nil {
		s.logger.Debug().Err(call.Err).Str("signal", member).Msg("signal not delivered")
	}
}

func (s *signalSink) DownloadAddNew(id, description string, total int64) {
	s.emit(IfaceBase, "download_add_new", id, description, total)
}

func (s *signalSink) DownloadProgress(id string, done, total int64) {
	s.emit(IfaceBase, "download_progress", id, done, total)
}

func (s *signalSink) DownloadEnd(id string, status progress.TransferStatus, msg string) {
	s.emit(IfaceBase, "download_end", id, uint32(status), msg)
}

func (s *signalSink) DownloadMirrorFailure(id, msg, url string) {
	s.emit(IfaceBase, "download_mirror_failure", id, msg, url)
}

func (s *signalSink) ActionStart(nevra string, action uint32, total uint64) {
	s.emit(IfaceRpm, "transaction_action_start", nevra, action, total)
}

func (s *signalSink) ActionProgress(nevra string, amount, total uint64) {
	s.emit(IfaceRpm, "transaction_action_progress", nevra, amount, total)
}

func (s *signalSink) ActionStop(nevra string, total uint64) {
	s.emit(IfaceRpm, "transaction_action_stop", nevra, total)
}

func (s *signalSink) ScriptError(nevra string, scriptType uint32, code uint64) {
	s.emit(IfaceRpm, "transaction_script_error", nevra, scriptType, code)
}

func (s *signalSink) TransactionStart(total uint64) {
	s.emit(IfaceRpm, "transaction_transaction_start", total)
}

func (s *signalSink) TransactionProgress(amount, total uint64) {
	s.emit(IfaceRpm, "transaction_transaction_progress", amount, total)
}

func (s *signalSink) TransactionStop(total uint64) {
	s.emit(IfaceRpm, "transaction_transaction_stop", total)
}

func (s *signalSink) Finished(status uint32) {
	s.emit(IfaceRpm, "transaction_finished", status)
}

var _ progress.Sink = (*signalSink)(nil)
