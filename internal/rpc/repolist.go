// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package rpc

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"github.com/godbus/dbus/v5"

	"github.com/ManuGH/pkgd/internal/repo"
	"github.com/ManuGH/pkgd/internal/session"
)

// repoAttrs are the attributes Repo.list can return besides "id".
var repoAttrs = map[string]func(repo.Config) interface{}{
	"name":                func(c repo.Config) interface{} { return c.Name },
	"enabled":             func(c repo.Config) interface{} { return c.Enabled },
	"priority":            func(c repo.Config) interface{} { return int32(c.Priority) },
	"baseurl":             func(c repo.Config) interface{} { return append([]string{}, c.BaseURLs...) },
	"skip_if_unavailable": func(c repo.Config) interface{} { return c.SkipIfUnavailable },
	"gpgcheck":            func(c repo.Config) interface{} { return c.GPGCheck },
	"repofile":            func(c repo.Config) interface{} { return c.File },
}

type repoQuery struct {
	enabled  *bool
	patterns []glob.Glob
	attrs    []string
}

func parseRepoQuery(opts options) (repoQuery, error) {
	var q repoQuery

	which, err := opts.str("enable_disable", "enabled")
	if err != nil {
		return q, err
	}
	switch which {
	case "enabled":
		q.enabled = ptr(true)
	case "disabled":
		q.enabled = ptr(false)
	case "all":
	default:
		return q, fmt.Errorf("%w: enable_disable must be one of enabled, disabled, all; got %q", session.ErrInvalidArgs, which)
	}

	patterns, err := opts.strings("patterns")
	if err != nil {
		return q, err
	}
	for _, p := range patterns {
		g, err := glob.Compile(strings.ToLower(p))
		if err != nil {
			return q, fmt.Errorf("%w: invalid pattern %q: %w", session.ErrInvalidArgs, p, err)
		}
		q.patterns = append(q.patterns, g)
	}

	if q.attrs, err = opts.strings("repo_attrs"); err != nil {
		return q, err
	}
	for _, a := range q.attrs {
		if _, ok := repoAttrs[a]; !ok {
			return q, fmt.Errorf("%w: Repo attribute '%s' not supported", session.ErrInvalidArgs, a)
		}
	}
	return q, nil
}

func (q repoQuery) matches(c repo.Config) bool {
	if q.enabled != nil && c.Enabled != *q.enabled {
		return false
	}
	if len(q.patterns) == 0 {
		return true
	}
	id, name := strings.ToLower(c.ID), strings.ToLower(c.Name)
	for _, g := range q.patterns {
		if g.Match(id) || g.Match(name) {
			return true
		}
	}
	return false
}

// run returns the matching repositories sorted by id.
func (q repoQuery) run(repos []repo.Config) []map[string]dbus.Variant {
	sort.Slice(repos, func(i, j int) bool { return repos[i].ID < repos[j].ID })
	out := []map[string]dbus.Variant{}
	for _, c := range repos {
		if !q.matches(c) {
			continue
		}
		m := map[string]dbus.Variant{"id": dbus.MakeVariant(c.ID)}
		for _, a := range q.attrs {
			m[a] = dbus.MakeVariant(repoAttrs[a](c))
		}
		out = append(out, m)
	}
	return out
}

func ptr[T any](v T) *T { return &v }
