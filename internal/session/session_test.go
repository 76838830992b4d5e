// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/pkgd/internal/download"
	"github.com/ManuGH/pkgd/internal/goal"
	"github.com/ManuGH/pkgd/internal/history"
	"github.com/ManuGH/pkgd/internal/progress"
	"github.com/ManuGH/pkgd/internal/repo"
	"github.com/ManuGH/pkgd/internal/repoconf"
)

type recordingFetcher struct {
	mu   sync.Mutex
	seen []repo.Config
	err  error
}

func (f *recordingFetcher) Fetch(_ context.Context, cfg repo.Config, _ progress.Sink) (repo.Metadata, error) {
	f.mu.Lock()
	f.seen = append(f.seen, cfg)
	f.mu.Unlock()
	if f.err != nil {
		return repo.Metadata{}, f.err
	}
	return repo.Metadata{RepoID: cfg.ID, Path: "/cache/" + cfg.ID, BaseURLs: cfg.BaseURLs}, nil
}

type nopResolver struct{}

func (nopResolver) Resolve(context.Context, goal.Request) (goal.Plan, error) { return goal.Plan{}, nil }

type nopInstaller struct{}

func (nopInstaller) Install(context.Context, []goal.Item, progress.Sink) error { return nil }

type nopHistory struct{}

func (nopHistory) Begin(context.Context, history.Record) (int64, error) { return 1, nil }
func (nopHistory) Finish(context.Context, int64, history.State, time.Time) error {
	return nil
}

type nopDownloads struct{}

func (nopDownloads) FetchAll(context.Context, []download.Request, progress.Sink) ([]download.Result, error) {
	return nil, nil
}

func testDeps(t *testing.T, fetcher repo.Fetcher) Deps {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fedora.repo"), []byte(`[fedora]
name=Fedora $releasever
baseurl=https://dl.example.org/fedora/$releasever/$basearch/os/
`), 0o644))
	return Deps{
		RepoConf:   repoconf.New([]string{dir}, false),
		Metadata:   fetcher,
		Downloader: nopDownloads{},
		Resolver:   nopResolver{},
		Installer:  nopInstaller{},
		History:    nopHistory{},
		CacheDir:   t.TempDir(),
		Parallel:   2,
	}
}

func TestBuildRequiresRepositorySources(t *testing.T) {
	_, err := Deps{}.Build(context.Background(), NewID(), ":1.1", DefaultOptions())
	assert.Error(t, err)
}

func TestBuildExpandsReleaseVer(t *testing.T) {
	fetcher := &recordingFetcher{}
	deps := testDeps(t, fetcher)

	opts := DefaultOptions()
	opts.ReleaseVer = "41"
	opts.LoadSystemRepo = false
	s, err := deps.Build(context.Background(), NewID(), ":1.1", opts)
	require.NoError(t, err)
	assert.Equal(t, "41", s.Options.ReleaseVer)
	assert.Equal(t, goal.StateEmpty, s.Goal.State())

	require.NoError(t, s.Repos.EnsureLoaded(context.Background()))
	require.Len(t, fetcher.seen, 1)
	assert.Equal(t, []string{"https://dl.example.org/fedora/41/" + BaseArch(Arch()) + "/os/"}, fetcher.seen[0].BaseURLs)
	assert.False(t, fetcher.seen[0].SkipIfUnavailable)
	assert.Equal(t, []string{"fedora"}, []string{s.Repos.Repos()[0].RepoID})
}

func TestBuildSkipOverride(t *testing.T) {
	fetcher := &recordingFetcher{err: errors.New("mirror down")}
	deps := testDeps(t, fetcher)

	opts := DefaultOptions()
	opts.ReleaseVer = "41"
	opts.Config = map[string]string{"skip_if_unavailable": "1"}
	s, err := deps.Build(context.Background(), NewID(), ":1.1", opts)
	require.NoError(t, err)

	err = s.Repos.EnsureLoaded(context.Background())
	assert.ErrorIs(t, err, repo.ErrNoRepositories)
	require.Len(t, fetcher.seen, 1)
	assert.True(t, fetcher.seen[0].SkipIfUnavailable)
}

func TestBuildUsesSinkFactory(t *testing.T) {
	deps := testDeps(t, &recordingFetcher{})
	rec := &progress.Recorder{}
	var gotID, gotOwner string
	deps.Sink = func(id, owner string) progress.Sink {
		gotID, gotOwner = id, owner
		return rec
	}

	id := NewID()
	s, err := deps.Build(context.Background(), id, ":1.7", DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, id, gotID)
	assert.Equal(t, ":1.7", gotOwner)
	assert.Same(t, rec, s.Sink)
}

func TestSessionCloseOnce(t *testing.T) {
	s := &Session{ID: NewID()}
	assert.False(t, s.Closed())
	assert.True(t, s.Close())
	assert.False(t, s.Close())
	assert.True(t, s.Closed())
}

func TestBaseArch(t *testing.T) {
	assert.Equal(t, "i386", BaseArch("i686"))
	assert.Equal(t, "armhfp", BaseArch("armv7hl"))
	assert.Equal(t, "x86_64", BaseArch("x86_64"))
}
