// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package session owns the per-client sessions of the daemon.
package session

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ManuGH/pkgd/internal/goal"
	"github.com/ManuGH/pkgd/internal/progress"
	"github.com/ManuGH/pkgd/internal/repo"
	"github.com/ManuGH/pkgd/internal/repoconf"
)

// ObjectPathPrefix is the parent of every session object path.
const ObjectPathPrefix = "/org/rpm/dnf/v0"

var (
	ErrShuttingDown    = errors.New("Cannot open new session.")
	ErrTooManySessions = errors.New("Maximum number of sessions reached.")
	ErrSessionNotFound = errors.New("Session not found")
	ErrNotAuthorized   = errors.New("Not authorized")
	ErrInvalidArgs     = errors.New("invalid arguments")
)

// NewID returns a fresh session object path.
func NewID() string {
	return ObjectPathPrefix + "/" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Session is one client's workspace: its goal, its repositories and its
// progress channel.
type Session struct {
	ID      string
	Owner   string
	Options Options
	Created time.Time

	Goal  *goal.Pipeline
	Repos *repo.Loader
	Sink  progress.Sink

	closed atomic.Bool
}

// Close marks the session closed. It reports whether this call closed it.
func (s *Session) Close() bool {
	return s.closed.CompareAndSwap(false, true)
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// Deps are the shared collaborators every session is built from.
type Deps struct {
	RepoConf   *repoconf.Store
	Metadata   repo.Fetcher
	System     repo.SystemLoader
	Downloader goal.Fetcher
	Resolver   goal.Resolver
	Installer  goal.Installer
	History    goal.History

	CacheDir    string
	InstallRoot string
	Parallel    int
	KeepPolicy  string
	// KeepCache returns the global keepcache setting at call time.
	KeepCache func() bool
	// SkipIfUnavailable returns the global default at call time.
	SkipIfUnavailable func() bool
	// Sink builds the progress sink of a session. Nil discards progress.
	Sink func(id, owner string) progress.Sink
}

// Build creates a session. It is the Factory used by the daemon.
func (d Deps) Build(_ context.Context, id, owner string, opts Options) (*Session, error) {
	if d.RepoConf == nil || d.Metadata == nil {
		return nil, errors.New("session: repository configuration and metadata fetcher are required")
	}

	releasever := opts.ReleaseVer
	if releasever == "" {
		releasever = DetectReleaseVer(d.InstallRoot)
	}

	sink := progress.Sink(progress.Discard{})
	if d.Sink != nil {
		sink = d.Sink(id, owner)
	}

	var source repo.Source = d.RepoConf
	if skip, ok := opts.BoolOverride("skip_if_unavailable"); ok {
		source = d.RepoConf.WithSkipDefault(skip)
	} else if d.SkipIfUnavailable != nil {
		source = d.RepoConf.WithSkipDefault(d.SkipIfUnavailable())
	}

	var system repo.SystemLoader
	if opts.LoadSystemRepo {
		system = d.System
	}
	loader := repo.NewLoader(source, d.Metadata, system, sink, repo.Options{
		LoadAvailable: opts.LoadAvailableRepos,
		LoadSystem:    opts.LoadSystemRepo,
		Parallel:      d.Parallel,
		Vars:          Vars(releasever),
	})

	keepCache := d.KeepCache
	if v, ok := opts.BoolOverride("keepcache"); ok {
		keepCache = func() bool { return v }
	}

	pipeline, err := goal.New(goal.Options{
		Resolver:   d.Resolver,
		Installer:  d.Installer,
		Loader:     loader,
		History:    d.History,
		Fetcher:    d.Downloader,
		Sink:       sink,
		CacheDir:   d.CacheDir,
		ReleaseVer: releasever,
		LoadSystem: opts.LoadSystemRepo,
		Config:     opts.resolverConfig(),
		KeepPolicy: d.KeepPolicy,
		KeepCache:  keepCache,
		SessionID:  id,
	})
	if err != nil {
		return nil, fmt.Errorf("create goal: %w", err)
	}

	opts.ReleaseVer = releasever
	return &Session{
		ID:      id,
		Owner:   owner,
		Options: opts,
		Created: time.Now(),
		Goal:    pipeline,
		Repos:   loader,
		Sink:    sink,
	}, nil
}

// Vars returns the repository URL substitutions for releasever.
func Vars(releasever string) map[string]string {
	arch := Arch()
	return map[string]string{
		"releasever": releasever,
		"arch":       arch,
		"basearch":   BaseArch(arch),
	}
}

// Arch maps the running architecture to its rpm name.
func Arch() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	case "386":
		return "i686"
	case "arm":
		return "armv7hl"
	case "loong64":
		return "loongarch64"
	default:
		return runtime.GOARCH
	}
}

// BaseArch maps an rpm architecture to its base architecture.
func BaseArch(arch string) string {
	switch arch {
	case "i386", "i486", "i586", "i686", "athlon":
		return "i386"
	case "armv7hl", "armv7l", "armv6hl":
		return "armhfp"
	default:
		return arch
	}
}
