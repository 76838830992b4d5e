// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/pkgd/internal/progress"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func newTestDownloader(opts Options) *Downloader {
	opts.InitialBackoff = time.Millisecond
	return New(opts, &http.Client{Transport: &http.Transport{DisableKeepAlives: true}})
}

func TestFetchVerifiesAndReportsProgress(t *testing.T) {
	payload := []byte(strings.Repeat("rpm", 50_000))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "foo.rpm", time.Time{}, strings.NewReader(string(payload)))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "foo.rpm")
	rec := &progress.Recorder{}
	d := newTestDownloader(Options{Retries: 1})

	res, err := d.Fetch(context.Background(), Request{
		ID:     "package:foo-1.0-1.x86_64",
		URLs:   []string{srv.URL + "/foo.rpm"},
		Dest:   dest,
		SHA256: digest(payload),
		Size:   int64(len(payload)),
	}, rec)
	require.NoError(t, err)
	assert.False(t, res.Reused)
	assert.Equal(t, int64(len(payload)), res.Bytes)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.NoFileExists(t, dest+partSuffix)

	kinds := rec.Kinds("package:foo-1.0-1.x86_64")
	require.NotEmpty(t, kinds)
	assert.Equal(t, "download_add_new", kinds[0])
	assert.Equal(t, "download_end", kinds[len(kinds)-1])
	assert.Contains(t, kinds, "download_progress")

	// second fetch reuses the verified file
	res, err = d.Fetch(context.Background(), Request{
		ID: "package:foo-1.0-1.x86_64", URLs: []string{srv.URL + "/foo.rpm"}, Dest: dest, SHA256: digest(payload),
	}, nil)
	require.NoError(t, err)
	assert.True(t, res.Reused)
}

func TestFetchResumesPartialFile(t *testing.T) {
	payload := []byte(strings.Repeat("0123456789", 10_000))
	var sawRange atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawRange.Store(r.Header.Get("Range"))
		http.ServeContent(w, r, "bar.rpm", time.Time{}, strings.NewReader(string(payload)))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "bar.rpm")
	require.NoError(t, os.WriteFile(dest+partSuffix, payload[:4096], 0o644))

	res, err := newTestDownloader(Options{}).Fetch(context.Background(), Request{
		ID: "package:bar", URLs: []string{srv.URL}, Dest: dest, SHA256: digest(payload),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "bytes=4096-", sawRange.Load())
	assert.Equal(t, int64(len(payload)), res.Bytes)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFetchFallsBackToNextMirror(t *testing.T) {
	payload := []byte("metadata")
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer good.Close()

	rec := &progress.Recorder{}
	dest := filepath.Join(t.TempDir(), "repomd.xml")
	_, err := newTestDownloader(Options{}).Fetch(context.Background(), Request{
		ID: "repo:fedora", URLs: []string{bad.URL, good.URL}, Dest: dest,
	}, rec)
	require.NoError(t, err)
	assert.Equal(t, []string{"download_add_new", "download_mirror_failure", "download_progress", "download_end"}, rec.Kinds("repo:fedora"))
}

func TestFetchRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	_, err := newTestDownloader(Options{Retries: 4}).Fetch(context.Background(), Request{
		ID: "repo:x", URLs: []string{srv.URL}, Dest: filepath.Join(t.TempDir(), "f"),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchChecksumMismatchIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte("tampered"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "foo.rpm")
	rec := &progress.Recorder{}
	_, err := newTestDownloader(Options{Retries: 4}).Fetch(context.Background(), Request{
		ID: "package:foo", URLs: []string{srv.URL}, Dest: dest, SHA256: digest([]byte("original")),
	}, rec)
	require.ErrorIs(t, err, ErrChecksumMismatch)
	assert.Equal(t, int32(1), calls.Load())
	assert.NoFileExists(t, dest)
	assert.NoFileExists(t, dest+partSuffix)

	events := rec.Events()
	last := events[len(events)-1]
	assert.Equal(t, "download_end", last.Kind)
	assert.Equal(t, uint64(progress.TransferError), last.Code)
}

func TestFetchAllFailsFast(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "broken") {
			http.Error(w, "nope", http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(r.URL.Path))
	}))
	defer srv.Close()

	dir := t.TempDir()
	var reqs []Request
	for i := 0; i < 4; i++ {
		name := fmt.Sprintf("p%d", i)
		if i == 2 {
			name = "broken"
		}
		reqs = append(reqs, Request{ID: "package:" + name, URLs: []string{srv.URL + "/" + name}, Dest: filepath.Join(dir, name)})
	}

	_, err := newTestDownloader(Options{Parallel: 2}).FetchAll(context.Background(), reqs, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "package:broken")
}

func TestFetchCoalescesSameDestination(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		<-release
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	d := newTestDownloader(Options{})
	dest := filepath.Join(t.TempDir(), "same")
	req := Request{ID: "package:same", URLs: []string{srv.URL}, Dest: dest}

	var wg sync.WaitGroup
	results := make([]Result, 3)
	recs := make([]*progress.Recorder, 3)
	for i := range results {
		recs[i] = &progress.Recorder{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := d.Fetch(context.Background(), req, recs[i])
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	waitForCallers(t, d, dest, 3)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	fresh := 0
	for _, res := range results {
		if !res.Reused {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh, "exactly one caller owns the downloaded file")

	for i, rec := range recs {
		kinds := rec.Kinds("package:same")
		require.NotEmpty(t, kinds, "caller %d", i)
		assert.Equal(t, "download_add_new", kinds[0], "caller %d", i)
		assert.Equal(t, "download_end", kinds[len(kinds)-1], "caller %d", i)
	}
}

func TestFetchCancelledCallerDoesNotFailOthers(t *testing.T) {
	payload := []byte("shared payload")
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	d := newTestDownloader(Options{})
	dest := filepath.Join(t.TempDir(), "shared.rpm")
	req := Request{ID: "package:shared", URLs: []string{srv.URL}, Dest: dest, SHA256: digest(payload)}

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := d.Fetch(ctxA, req, nil)
		errA <- err
	}()
	waitForCallers(t, d, dest, 1)

	type outcome struct {
		res Result
		err error
	}
	doneB := make(chan outcome, 1)
	recB := &progress.Recorder{}
	go func() {
		res, err := d.Fetch(context.Background(), req, recB)
		doneB <- outcome{res, err}
	}()
	waitForCallers(t, d, dest, 2)

	cancelA()
	require.ErrorIs(t, <-errA, context.Canceled)

	close(release)
	b := <-doneB
	require.NoError(t, b.err)
	assert.False(t, b.res.Reused, "the remaining caller takes over the transfer")
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	events := recB.Events()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, "download_end", last.Kind)
	assert.Equal(t, uint64(progress.TransferSuccessful), last.Code)
}

func TestFetchAbandonedTransferIsCancelled(t *testing.T) {
	started := make(chan struct{})
	stopped := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
		close(stopped)
	}))
	defer srv.Close()

	d := newTestDownloader(Options{})
	dest := filepath.Join(t.TempDir(), "gone.rpm")
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := d.Fetch(ctx, Request{ID: "package:gone", URLs: []string{srv.URL}, Dest: dest}, nil)
		errc <- err
	}()
	<-started
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)

	// the shared transfer stops once nobody waits for it
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("transfer still running after its only caller left")
	}
	d.mu.Lock()
	assert.Empty(t, d.inflight)
	d.mu.Unlock()
	assert.NoFileExists(t, dest)
}

func waitForCallers(t *testing.T, d *Downloader, dest string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		tr := d.inflight[dest]
		return tr != nil && tr.refs == n
	}, time.Second, time.Millisecond)
}

func TestFetchLocalFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), "repomd.xml")
	require.NoError(t, os.WriteFile(src, []byte("<repomd/>"), 0o644))
	dest := filepath.Join(t.TempDir(), "cache", "repomd.xml")

	_, err := newTestDownloader(Options{}).Fetch(context.Background(), Request{
		ID: "repo:local", URLs: []string{"file://" + src}, Dest: dest,
	}, nil)
	require.NoError(t, err)
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "<repomd/>", string(got))
}

func TestFetchHonoursRateLimit(t *testing.T) {
	payload := make([]byte, 4*chunkSize)
	src := filepath.Join(t.TempDir(), "big.rpm")
	require.NoError(t, os.WriteFile(src, payload, 0o644))
	dest := filepath.Join(t.TempDir(), "big.rpm")

	// Burst covers two chunks; the remaining two wait about one second.
	d := newTestDownloader(Options{RateLimit: 2 * chunkSize})
	start := time.Now()
	_, err := d.Fetch(context.Background(), Request{
		ID: "package:big", URLs: []string{"file://" + src}, Dest: dest, SHA256: digest(payload),
	}, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 700*time.Millisecond)
}

func TestRemoveFetchedKeepsReused(t *testing.T) {
	dir := t.TempDir()
	fetched := filepath.Join(dir, "fetched.rpm")
	reused := filepath.Join(dir, "reused.rpm")
	require.NoError(t, os.WriteFile(fetched, []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(reused, []byte("b"), 0o644))

	require.NoError(t, RemoveFetched([]Result{
		{Path: fetched},
		{Path: reused, Reused: true},
		{Path: filepath.Join(dir, "missing.rpm")},
	}))
	assert.NoFileExists(t, fetched)
	assert.FileExists(t, reused)
}
