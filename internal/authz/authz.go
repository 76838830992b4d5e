// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package authz decides whether a bus caller may perform a privileged action.
package authz

import (
	"context"
	"sync"
)

// Polkit action ids.
const (
	ActionExecuteTransaction = "org.rpm.dnf.v0.rpm.execute_transaction"
	ActionRepoConfWrite      = "org.rpm.dnf.v0.rpm.Repo.conf_write"
	ActionConfigOverride     = "org.rpm.dnf.v0.base.Config.override"
)

// Authorizer answers authorization questions for a caller's unique bus name.
// Implementations never return an error: failure to decide is a refusal.
type Authorizer interface {
	IsAuthorized(ctx context.Context, action, caller string) bool
}

// Static allows the actions in Allow (or everything with AllowAll) and
// records every question asked.
type Static struct {
	AllowAll bool
	Allow    map[string]bool

	mu    sync.Mutex
	asked []string
}

// AllowAll returns a Static authorizer that grants everything.
func AllowAll() *Static {
	return &Static{AllowAll: true}
}

// DenyAll returns a Static authorizer that refuses everything.
func DenyAll() *Static {
	return &Static{}
}

// IsAuthorized implements Authorizer.
func (s *Static) IsAuthorized(_ context.Context, action, _ string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.asked = append(s.asked, action)
	return s.AllowAll || s.Allow[action]
}

// Asked returns the actions checked so far.
func (s *Static) Asked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.asked...)
}
