// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID = "session_id"
	FieldCaller    = "caller"
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldTxnID     = "txn_id"
	FieldRepoID    = "repo_id"
	FieldAction    = "action"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Path / URL fields
	FieldPath = "path"
	FieldURL  = "url"
)
