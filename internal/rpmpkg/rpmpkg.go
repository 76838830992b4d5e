// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package rpmpkg holds the package identity and transaction action types
// shared by the goal pipeline and the history store.
package rpmpkg

import (
	"fmt"
	"strings"
)

// Action is the wire code of a transaction item action.
type Action uint32

const (
	ActionInstall      Action = 1
	ActionUpgrade      Action = 2
	ActionDowngrade    Action = 3
	ActionReinstall    Action = 4
	ActionRemove       Action = 5
	ActionObsolete     Action = 6
	ActionObsoleted    Action = 7
	ActionReasonChange Action = 8
)

var actionNames = map[Action]string{
	ActionInstall:      "INSTALL",
	ActionUpgrade:      "UPGRADE",
	ActionDowngrade:    "DOWNGRADE",
	ActionReinstall:    "REINSTALL",
	ActionRemove:       "REMOVE",
	ActionObsolete:     "OBSOLETE",
	ActionObsoleted:    "OBSOLETED",
	ActionReasonChange: "REASON_CHANGE",
}

func (a Action) String() string {
	if s, ok := actionNames[a]; ok {
		return s
	}
	return fmt.Sprintf("Action(%d)", uint32(a))
}

// Valid reports whether a is a known action code.
func (a Action) Valid() bool {
	_, ok := actionNames[a]
	return ok
}

// Inbound reports whether the action brings a package artifact onto the
// system and therefore needs a download.
func (a Action) Inbound() bool {
	switch a {
	case ActionInstall, ActionUpgrade, ActionDowngrade, ActionReinstall, ActionObsolete:
		return true
	}
	return false
}

// Erasure reports whether the action takes a package off the system.
func (a Action) Erasure() bool {
	return a == ActionRemove || a == ActionObsoleted
}

// ParseAction is the inverse of Action.String.
func ParseAction(s string) (Action, error) {
	for a, name := range actionNames {
		if strings.EqualFold(name, s) {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown action %q", s)
}

// Package identifies one rpm.
type Package struct {
	Name    string `json:"name"`
	Epoch   string `json:"epoch"`
	Version string `json:"version"`
	Release string `json:"release"`
	Arch    string `json:"arch"`
	RepoID  string `json:"repo_id"`
}

// EVR returns [epoch:]version-release, omitting a zero or empty epoch.
func (p Package) EVR() string {
	if p.Epoch == "" || p.Epoch == "0" {
		return p.Version + "-" + p.Release
	}
	return p.Epoch + ":" + p.Version + "-" + p.Release
}

// NEVRA returns name-[epoch:]version-release.arch.
func (p Package) NEVRA() string {
	return p.Name + "-" + p.EVR() + "." + p.Arch
}

// NA returns name.arch.
func (p Package) NA() string {
	return p.Name + "." + p.Arch
}

func (p Package) String() string {
	return p.NEVRA()
}
