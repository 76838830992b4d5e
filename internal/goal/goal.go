// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package goal accumulates package requests for a session, resolves them into
// a transaction plan and executes that plan.
package goal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ManuGH/pkgd/internal/download"
	"github.com/ManuGH/pkgd/internal/history"
	"github.com/ManuGH/pkgd/internal/progress"
	"github.com/ManuGH/pkgd/internal/repo"
	"github.com/ManuGH/pkgd/internal/rpmpkg"
)

var (
	ErrGoalResolved      = errors.New("goal is already resolved")
	ErrNotResolved       = errors.New("Transaction has to be resolved first.")
	ErrExecuting         = errors.New("transaction is being executed")
	ErrInvalidOperation  = errors.New("invalid operation")
	ErrTransactionFailed = errors.New("rpm transaction failed")
	ErrNoChecksum        = errors.New("no checksum for package download")
)

// Kind is the requested operation.
type Kind string

const (
	KindInstall    Kind = "install"
	KindRemove     Kind = "remove"
	KindUpgrade    Kind = "upgrade"
	KindDowngrade  Kind = "downgrade"
	KindReinstall  Kind = "reinstall"
	KindDistroSync Kind = "distro_sync"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindInstall, KindRemove, KindUpgrade, KindDowngrade, KindReinstall, KindDistroSync:
		return true
	}
	return false
}

// Settings narrow how a single operation is resolved.
type Settings struct {
	RepoIDs    []string `json:"repo_ids,omitempty"`
	Advisories []string `json:"advisories,omitempty"`
	// Strict is nil when the resolver default applies.
	Strict *bool `json:"strict,omitempty"`
}

// Operation is one queued request.
type Operation struct {
	Kind Kind   `json:"kind"`
	Spec string `json:"spec"`
	// Settings apply to this operation only.
	Settings Settings `json:"settings"`
}

// Validate checks that the operation can be handed to a resolver.
func (o Operation) Validate() error {
	if !o.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, o.Kind)
	}
	if strings.TrimSpace(o.Spec) == "" && o.Kind != KindUpgrade && o.Kind != KindDistroSync {
		return fmt.Errorf("%w: %s requires a package spec", ErrInvalidOperation, o.Kind)
	}
	return nil
}

// Item is one step of a resolved plan.
type Item struct {
	Action  rpmpkg.Action  `json:"action"`
	Package rpmpkg.Package `json:"package"`
	Reason  string         `json:"reason,omitempty"`

	// URLs locate the artifact of an inbound item, mirrors in order.
	URLs   []string `json:"urls,omitempty"`
	SHA256 string   `json:"sha256,omitempty"`
	Size   int64    `json:"download_size,omitempty"`
	// Location is the local artifact path. It is filled in by the download
	// step, or set by the resolver for local files.
	Location string `json:"location,omitempty"`
}

// Problem is a resolver complaint that prevents a plan.
type Problem struct {
	Spec    string `json:"spec,omitempty"`
	Message string `json:"message"`
}

func (p Problem) String() string {
	if p.Spec == "" {
		return p.Message
	}
	return p.Spec + ": " + p.Message
}

// Plan is what a Resolver computes.
type Plan struct {
	Items    []Item    `json:"items"`
	Problems []Problem `json:"problems,omitempty"`
	Warnings []string  `json:"warnings,omitempty"`
}

// Result summarises a resolve on the wire.
type Result uint32

const (
	ResultNoProblem Result = 0
	ResultWarning   Result = 1
	ResultError     Result = 2
)

func (r Result) String() string {
	switch r {
	case ResultNoProblem:
		return "no_problem"
	case ResultWarning:
		return "warning"
	case ResultError:
		return "error"
	}
	return fmt.Sprintf("Result(%d)", uint32(r))
}

// Resolution is returned by Pipeline.Resolve. Items is empty for ResultError.
type Resolution struct {
	Result Result
	Items  []Item
}

// ResolveOptions are the per-call resolve flags.
type ResolveOptions struct {
	AllowErasing bool
}

// ExecuteOptions are the per-call execute flags.
type ExecuteOptions struct {
	Comment string
	UserID  uint32
}

// Request is the resolver input.
type Request struct {
	Operations   []Operation     `json:"operations"`
	AllowErasing bool            `json:"allow_erasing"`
	ReleaseVer   string          `json:"releasever,omitempty"`
	Repos        []repo.Metadata `json:"repos"`
	LoadSystem   bool            `json:"load_system_repo"`
	// Config carries the session's configuration overrides.
	Config map[string]string `json:"config,omitempty"`
}

// Resolver computes a plan. An error means no solution was computed at all;
// unsatisfiable requests are reported as Plan.Problems.
type Resolver interface {
	Resolve(ctx context.Context, req Request) (Plan, error)
}

// Installer applies ordered items. It must report per-item progress to sink.
type Installer interface {
	Install(ctx context.Context, items []Item, sink progress.Sink) error
}

// RepoLoader makes repository metadata available before a resolve.
type RepoLoader interface {
	EnsureLoaded(ctx context.Context) error
	Repos() []repo.Metadata
}

// History records executed transactions.
type History interface {
	Begin(ctx context.Context, rec history.Record) (int64, error)
	Finish(ctx context.Context, id int64, state history.State, end time.Time) error
}

// Fetcher downloads artifacts.
type Fetcher interface {
	FetchAll(ctx context.Context, reqs []download.Request, sink progress.Sink) ([]download.Result, error)
}
