// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package repoconf reads and edits the *.repo files that define repositories.
package repoconf

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
	"gopkg.in/ini.v1"

	xglog "github.com/ManuGH/pkgd/internal/log"
	"github.com/ManuGH/pkgd/internal/repo"
)

var (
	ErrNotFound = errors.New("Repository not found")
	ErrMultiple = errors.New("Multiple repositories found")
)

const defaultPriority = 99

var loadOptions = ini.LoadOptions{
	IgnoreInlineComment:        true,
	AllowPythonMultilineValues: true,
	KeyValueDelimiters:         "=",
}

// Store reads repository definitions from a list of directories. Later
// directories do not override earlier ones; duplicate ids are reported by Get.
type Store struct {
	dirs              []string
	skipIfUnavailable bool
	logger            zerolog.Logger

	// mu serializes read-modify-write cycles on the files.
	mu sync.Mutex
}

// New creates a Store. skipIfUnavailable is the default for repositories
// that do not set skip_if_unavailable.
func New(dirs []string, skipIfUnavailable bool) *Store {
	return &Store{
		dirs:              dirs,
		skipIfUnavailable: skipIfUnavailable,
		logger:            xglog.WithComponent("repoconf"),
	}
}

type section struct {
	file string
	sec  *ini.Section
}

type snapshot struct {
	sections map[string][]section
	order    []string
}

// load parses every *.repo file. A file that does not parse is logged and
// skipped so it cannot hide the repositories of the other files.
func (s *Store) load() (*snapshot, error) {
	snap := &snapshot{sections: map[string][]section{}}
	for _, dir := range s.dirs {
		paths, err := filepath.Glob(filepath.Join(dir, "*.repo"))
		if err != nil {
			return nil, err
		}
		sort.Strings(paths)
		for _, p := range paths {
			f, err := ini.LoadSources(loadOptions, p)
			if err != nil {
				s.logger.Warn().
					Err(err).
					Str(xglog.FieldEvent, "repoconf.parse_failed").
					Str(xglog.FieldPath, p).
					Msg("skipping unreadable repository file")
				continue
			}
			for _, sec := range f.Sections() {
				if sec.Name() == ini.DefaultSection {
					continue
				}
				id := sec.Name()
				if _, seen := snap.sections[id]; !seen {
					snap.order = append(snap.order, id)
				}
				snap.sections[id] = append(snap.sections[id], section{file: p, sec: sec})
			}
		}
	}
	return snap, nil
}

func sectionMap(id string, sec *ini.Section) map[string]string {
	out := map[string]string{"repoid": id}
	for _, k := range sec.Keys() {
		out[k.Name()] = k.Value()
	}
	return out
}

// List returns every definition of the requested ids, or of all
// repositories when ids is empty. Each map holds "repoid" and the raw keys.
func (s *Store) List(ids []string) ([]map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.load()
	if err != nil {
		return nil, err
	}
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}

	var out []map[string]string
	for _, id := range snap.order {
		if len(want) > 0 && !want[id] {
			continue
		}
		for _, sc := range snap.sections[id] {
			out = append(out, sectionMap(id, sc.sec))
		}
	}
	return out, nil
}

// Get returns the single definition of id.
func (s *Store) Get(id string) (map[string]string, error) {
	list, err := s.List([]string{id})
	if err != nil {
		return nil, err
	}
	switch len(list) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return list[0], nil
	default:
		return nil, ErrMultiple
	}
}

// Enable sets enabled=1 on the given repositories.
func (s *Store) Enable(ids []string) ([]string, error) {
	return s.setEnabled(ids, true)
}

// Disable sets enabled=0 on the given repositories.
func (s *Store) Disable(ids []string) ([]string, error) {
	return s.setEnabled(ids, false)
}

// setEnabled writes only where the effective value differs and rewrites only
// the files it touched. Unknown ids are ignored. It returns the changed ids.
func (s *Store) setEnabled(ids []string, enable bool) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.load()
	if err != nil {
		return nil, err
	}

	flag := "0"
	if enable {
		flag = "1"
	}
	var (
		changed []string
		dirty   = map[string][]string{}
	)
	for _, id := range ids {
		secs := snap.sections[id]
		if len(secs) == 0 {
			continue
		}
		sc := secs[0]
		if parseBool(value(sc.sec, "enabled"), true) == enable {
			continue
		}
		dirty[sc.file] = append(dirty[sc.file], id)
		changed = append(changed, id)
	}

	files := make([]string, 0, len(dirty))
	for f := range dirty {
		files = append(files, f)
	}
	sort.Strings(files)
	for _, path := range files {
		if err := patchFile(path, dirty[path], "enabled", flag); err != nil {
			return nil, fmt.Errorf("unable to write configuration file: %w", err)
		}
		s.logger.Info().
			Str(xglog.FieldEvent, "repoconf.written").
			Str(xglog.FieldPath, path).
			Bool("enabled", enable).
			Msg("repository configuration updated")
	}
	return changed, nil
}

// patchFile sets key=val in each of the sections of path and replaces the
// file atomically. Every other byte of the file is kept as written.
func patchFile(path string, sections []string, key, val string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	for _, sec := range sections {
		data = setKey(data, sec, key, val)
	}

	pending, err := renameio.NewPendingFile(path, renameio.WithExistingPermissions())
	if err != nil {
		return fmt.Errorf("create pending file: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	if _, err := pending.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return pending.CloseAtomicallyReplace()
}

// setKey rewrites the value of key in the first [section] of data, keeping
// the spacing around the delimiter. A missing key is appended after the last
// non-blank line of the section.
func setKey(data []byte, section, key, val string) []byte {
	lines := bytes.SplitAfter(data, []byte("\n"))
	in := false
	last := -1
	for i, raw := range lines {
		line := strings.TrimRight(string(raw), "\r\n")
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
			if in {
				break
			}
			in = strings.TrimSpace(trimmed[1:len(trimmed)-1]) == section
			if in {
				last = i
			}
			continue
		}
		if !in || trimmed == "" {
			continue
		}
		last = i
		if trimmed[0] == '#' || trimmed[0] == ';' || line[0] == ' ' || line[0] == '\t' {
			continue
		}
		name, rest, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(name) != key {
			continue
		}
		spacing := rest[:len(rest)-len(strings.TrimLeft(rest, " \t"))]
		lines[i] = []byte(name + "=" + spacing + val + string(raw[len(line):]))
		return bytes.Join(lines, nil)
	}
	if last < 0 {
		return data
	}

	eol := "\n"
	if bytes.HasSuffix(lines[last], []byte("\r\n")) {
		eol = "\r\n"
	}
	if !bytes.HasSuffix(lines[last], []byte("\n")) {
		lines[last] = append(append([]byte(nil), lines[last]...), eol...)
	}
	out := make([][]byte, 0, len(lines)+1)
	out = append(out, lines[:last+1]...)
	out = append(out, []byte(key+"="+val+eol))
	out = append(out, lines[last+1:]...)
	return bytes.Join(out, nil)
}

// Repos implements repo.Source. The first definition of a duplicated id wins.
func (s *Store) Repos() ([]repo.Config, error) {
	return s.repos(s.skipIfUnavailable)
}

// WithSkipDefault returns a source whose repositories default to skip
// instead of the store-wide skip_if_unavailable setting.
func (s *Store) WithSkipDefault(skip bool) repo.Source {
	return skipView{store: s, skip: skip}
}

type skipView struct {
	store *Store
	skip  bool
}

func (v skipView) Repos() ([]repo.Config, error) { return v.store.repos(v.skip) }

func (s *Store) repos(skipDefault bool) ([]repo.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]repo.Config, 0, len(snap.order))
	for _, id := range snap.order {
		secs := snap.sections[id]
		if len(secs) > 1 {
			s.logger.Warn().
				Str(xglog.FieldRepoID, id).
				Str(xglog.FieldPath, secs[1].file).
				Msg("duplicate repository id ignored")
		}
		out = append(out, toConfig(id, secs[0], skipDefault))
	}
	return out, nil
}

func toConfig(id string, sc section, skipDefault bool) repo.Config {
	sec := sc.sec
	cfg := repo.Config{
		ID:                id,
		Name:              value(sec, "name"),
		BaseURLs:          splitList(value(sec, "baseurl")),
		Enabled:           parseBool(value(sec, "enabled"), true),
		SkipIfUnavailable: parseBool(value(sec, "skip_if_unavailable"), skipDefault),
		GPGCheck:          parseBool(value(sec, "gpgcheck"), false),
		Priority:          defaultPriority,
		File:              sc.file,
	}
	if p, err := strconv.Atoi(strings.TrimSpace(value(sec, "priority"))); err == nil {
		cfg.Priority = p
	}
	return cfg
}

// value reads a key without creating it.
func value(sec *ini.Section, name string) string {
	if !sec.HasKey(name) {
		return ""
	}
	return sec.Key(name).String()
}

func splitList(v string) []string {
	return strings.FieldsFunc(v, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
}

func parseBool(v string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "yes", "true", "on":
		return true
	case "0", "no", "false", "off":
		return false
	default:
		return def
	}
}

var _ repo.Source = (*Store)(nil)
