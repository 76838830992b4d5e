// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package progress defines the notifications emitted while metadata and
// packages are downloaded and while a transaction is applied.
package progress

// TransferStatus is reported by DownloadEnd.
type TransferStatus uint32

const (
	TransferSuccessful TransferStatus = iota
	TransferAlreadyExists
	TransferError
)

// Transaction finish status reported by Finished.
const (
	FinishedOK    uint32 = 0
	FinishedError uint32 = 1
)

// Sink receives progress notifications for one session.
// Implementations must be safe for concurrent use.
type Sink interface {
	DownloadAddNew(id, description string, total int64)
	DownloadProgress(id string, done, total int64)
	DownloadEnd(id string, status TransferStatus, msg string)
	DownloadMirrorFailure(id, msg, url string)

	ActionStart(nevra string, action uint32, total uint64)
	ActionProgress(nevra string, amount, total uint64)
	ActionStop(nevra string, total uint64)
	ScriptError(nevra string, scriptType uint32, code uint64)

	TransactionStart(total uint64)
	TransactionProgress(amount, total uint64)
	TransactionStop(total uint64)
	Finished(status uint32)
}

// Discard is a Sink that drops everything.
type Discard struct{}

func (Discard) DownloadAddNew(string, string, int64) {}
func (Discard) DownloadProgress(string, int64, int64) {}
func (Discard) DownloadEnd(string, TransferStatus, string) {}
func (Discard) DownloadMirrorFailure(string, string, string) {}
func (Discard) ActionStart(string, uint32, uint64) {}
func (Discard) ActionProgress(string, uint64, uint64) {}
func (Discard) ActionStop(string, uint64) {}
func (Discard) ScriptError(string, uint32, uint64) {}
func (Discard) TransactionStart(uint64) {}
func (Discard) TransactionProgress(uint64, uint64) {}
func (Discard) TransactionStop(uint64) {}
func (Discard) Finished(uint32) {}

var _ Sink = Discard{}
