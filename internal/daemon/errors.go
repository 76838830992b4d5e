// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import "errors"

var (
	// ErrMissingLogger is returned when logger is not provided
	ErrMissingLogger = errors.New("logger is required")

	// ErrMissingBus is returned when no bus service is provided
	ErrMissingBus = errors.New("bus service is required")

	// ErrMissingDirectory is returned when no session directory is provided
	ErrMissingDirectory = errors.New("session directory is required")

	// ErrMissingPool is returned when no worker pool is provided
	ErrMissingPool = errors.New("worker pool is required")

	// ErrMissingManager is returned when a daemon app is created without a manager.
	ErrMissingManager = errors.New("manager is required")

	// ErrManagerNotStarted is returned when trying to shutdown a manager that hasn't started
	ErrManagerNotStarted = errors.New("manager not started")

	// ErrAlreadyStarted is returned by a second Start call.
	ErrAlreadyStarted = errors.New("manager already started")
)
