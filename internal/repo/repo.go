// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package repo loads repository metadata for a session, at most once.
package repo

import (
	"context"
	"strings"

	"github.com/ManuGH/pkgd/internal/progress"
)

// Config is one repository definition from a .repo file.
type Config struct {
	ID                string
	Name              string
	BaseURLs          []string
	Enabled           bool
	SkipIfUnavailable bool
	Priority          int
	GPGCheck          bool
	// File is the .repo file that defines the repository.
	File string
}

// Metadata describes a repository whose metadata is available locally.
type Metadata struct {
	RepoID   string   `json:"repo_id"`
	Path     string   `json:"path"`
	Revision string   `json:"revision,omitempty"`
	BaseURLs []string `json:"base_urls,omitempty"`
}

// Source lists repository definitions.
type Source interface {
	Repos() ([]Config, error)
}

// Fetcher materializes one repository's metadata in the local cache.
type Fetcher interface {
	Fetch(ctx context.Context, cfg Config, sink progress.Sink) (Metadata, error)
}

// SystemLoader loads the installed-package database.
type SystemLoader interface {
	LoadSystem(ctx context.Context) error
}

// ProgressID is the download id used for a repository's metadata.
func ProgressID(repoID string) string {
	return "repo:" + repoID
}

// Expand substitutes $releasever, $basearch and $arch (plain or braced) in s.
func Expand(s string, vars map[string]string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	pairs := make([]string, 0, len(vars)*4)
	for k, v := range vars {
		pairs = append(pairs, "${"+k+"}", v, "$"+k, v)
	}
	return strings.NewReplacer(pairs...).Replace(s)
}
