// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package history

import (
	"time"

	"github.com/ManuGH/pkgd/internal/rpmpkg"
)

// State is the lifecycle state of a transaction record.
type State string

const (
	StateStarted State = "STARTED"
	StateOK      State = "OK"
	StateError   State = "ERROR"
)

// Item is one package action of a recorded transaction.
type Item struct {
	Action  rpmpkg.Action
	Package rpmpkg.Package
}

// Record is one executed transaction.
type Record struct {
	ID          int64
	Begin       time.Time
	End         time.Time
	ReleaseVer  string
	UserID      uint32
	Comment     string
	Description string
	State       State
	Items       []Item
}

// Query selects records for List. Zero fields do not filter.
type Query struct {
	IDs   []int64
	Since time.Time
	Until time.Time
	// PackageGlobs match item names case-insensitively. A record matches
	// when any of its items matches any glob.
	PackageGlobs []string
}
