// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package download fetches repository metadata and package artifacts with
// mirror fallback, resumable transfers, checksum verification and retries.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	xglog "github.com/ManuGH/pkgd/internal/log"
	"github.com/ManuGH/pkgd/internal/metrics"
	"github.com/ManuGH/pkgd/internal/progress"
	"github.com/ManuGH/pkgd/internal/telemetry"
)

var (
	ErrNoMirrors        = errors.New("no mirrors configured")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrAllMirrorsFailed = errors.New("all mirrors failed")

	errRangeNotSatisfiable = errors.New("range not satisfiable")
)

const (
	partSuffix = ".part"
	chunkSize  = 32 * 1024
)

// Request describes one file to fetch.
type Request struct {
	// ID is the progress id, e.g. "repo:fedora" or "package:foo-1.0-1.x86_64".
	ID          string
	Description string
	// URLs are tried in order; each is a complete file URL.
	URLs []string
	Dest string
	// SHA256 is the expected lowercase hex digest. Empty skips verification.
	SHA256 string
	Size   int64
}

// Result reports where a request landed.
type Result struct {
	Path  string
	Bytes int64
	// Reused is true when Dest already held a verified copy.
	Reused bool
}

// Options tune the downloader.
type Options struct {
	Parallel int
	Retries  int
	// Timeout bounds a single HTTP attempt. Zero means no per-attempt timeout.
	Timeout time.Duration
	// RateLimit caps throughput in bytes per second across all transfers. Zero disables it.
	RateLimit int
	// InitialBackoff overrides the first retry interval.
	InitialBackoff time.Duration
}

// Downloader is safe for concurrent use and is shared by all sessions.
type Downloader struct {
	client  *http.Client
	opts    Options
	limiter *rate.Limiter
	group   singleflight.Group
	logger  zerolog.Logger

	mu       sync.Mutex
	inflight map[string]*transfer
}

// New creates a Downloader. A nil client uses http.DefaultClient.
func New(opts Options, client *http.Client) *Downloader {
	if client == nil {
		client = http.DefaultClient
	}
	if opts.Parallel <= 0 {
		opts.Parallel = 3
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	d := &Downloader{
		client:   client,
		opts:     opts,
		logger:   xglog.WithComponent("download"),
		inflight: map[string]*transfer{},
	}
	if opts.RateLimit > 0 {
		burst := max(opts.RateLimit, chunkSize)
		d.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return d
}

// FetchAll downloads reqs with bounded parallelism. The first failure cancels
// the remaining transfers. Results are index aligned with reqs; on error the
// results of completed transfers are still returned.
func (d *Downloader) FetchAll(ctx context.Context, reqs []Request, sink progress.Sink) ([]Result, error) {
	results := make([]Result, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Parallel)
	for i, req := range reqs {
		g.Go(func() error {
			res, err := d.Fetch(gctx, req, sink)
			if err != nil {
				return fmt.Errorf("%s: %w", req.ID, err)
			}
			results[i] = res
			return nil
		})
	}
	err := g.Wait()
	return results, err
}

// Fetch downloads one request. Concurrent calls for the same Dest share a
// single transfer that runs until every caller waiting on it has gone; a
// caller that cancels stops waiting without failing the others. Every waiting
// sink sees the progress of the shared transfer. Exactly one caller, the one
// that started the transfer or the next in line if it left, gets a result
// that is not marked Reused.
func (d *Downloader) Fetch(ctx context.Context, req Request, sink progress.Sink) (Result, error) {
	if sink == nil {
		sink = progress.Discard{}
	}
	for {
		res, err := d.fetchShared(ctx, req, sink)
		// The transfer we joined was abandoned by its callers before we got
		// to it; start a new one.
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			continue
		}
		return res, err
	}
}

func (d *Downloader) fetchShared(ctx context.Context, req Request, sink progress.Sink) (Result, error) {
	t, token := d.join(ctx, req.Dest, sink)
	defer d.leave(req.Dest, t, token)

	ch := d.group.DoChan(req.Dest, func() (interface{}, error) {
		d.claim(t, token)
		defer d.finish(t)
		return d.fetch(t.ctx, req, t.fan)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return Result{}, r.Err
		}
		res := r.Val.(Result)
		if !d.owns(t, token) {
			res.Reused = true
		}
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// transfer is the state shared by the callers of one destination. owner is
// the caller the downloaded file is attributed to.
type transfer struct {
	ctx    context.Context
	cancel context.CancelFunc
	fan    *fanout
	refs   int
	owner  int
	done   bool
}

func (d *Downloader) join(ctx context.Context, key string, sink progress.Sink) (*transfer, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.inflight[key]
	if t == nil {
		tctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		t = &transfer{ctx: tctx, cancel: cancel, fan: &fanout{}}
		d.inflight[key] = t
	}
	t.refs++
	return t, t.fan.add(sink)
}

func (d *Downloader) claim(t *transfer, token int) {
	d.mu.Lock()
	t.owner = token
	d.mu.Unlock()
}

func (d *Downloader) finish(t *transfer) {
	d.mu.Lock()
	t.done = true
	d.mu.Unlock()
}

func (d *Downloader) owns(t *transfer, token int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return t.owner == token
}

// leave drops a caller. An owner that leaves before the transfer is done hands
// the file to another waiting caller. The last one out cancels the transfer.
func (d *Downloader) leave(key string, t *transfer, token int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t.fan.remove(token)
	t.refs--
	if t.owner == token && !t.done {
		t.owner = t.fan.first()
	}
	if t.refs == 0 {
		t.cancel()
		if d.inflight[key] == t {
			delete(d.inflight, key)
		}
	}
}

// fanout forwards the download notifications of a shared transfer to every
// subscribed sink. A sink that subscribes late is told about the transfer
// before its next update.
type fanout struct {
	progress.Discard

	mu      sync.Mutex
	next    int
	sinks   map[int]progress.Sink
	started bool
	id      string
	desc    string
	total   int64
}

func (f *fanout) add(sink progress.Sink) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sinks == nil {
		f.sinks = map[int]progress.Sink{}
	}
	f.next++
	f.sinks[f.next] = sink
	if f.started {
		sink.DownloadAddNew(f.id, f.desc, f.total)
	}
	return f.next
}

func (f *fanout) remove(token int) {
	f.mu.Lock()
	delete(f.sinks, token)
	f.mu.Unlock()
}

// first returns the oldest subscription, or 0 when there is none.
func (f *fanout) first() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	lowest := 0
	for token := range f.sinks {
		if lowest == 0 || token < lowest {
			lowest = token
		}
	}
	return lowest
}

func (f *fanout) each(fn func(progress.Sink)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sinks {
		fn(s)
	}
}

func (f *fanout) DownloadAddNew(id, description string, total int64) {
	f.mu.Lock()
	f.started, f.id, f.desc, f.total = true, id, description, total
	f.mu.Unlock()
	f.each(func(s progress.Sink) { s.DownloadAddNew(id, description, total) })
}

func (f *fanout) DownloadProgress(id string, done, total int64) {
	f.each(func(s progress.Sink) { s.DownloadProgress(id, done, total) })
}

func (f *fanout) DownloadEnd(id string, status progress.TransferStatus, msg string) {
	f.mu.Lock()
	f.started = false
	f.mu.Unlock()
	f.each(func(s progress.Sink) { s.DownloadEnd(id, status, msg) })
}

func (f *fanout) DownloadMirrorFailure(id, msg, url string) {
	f.each(func(s progress.Sink) { s.DownloadMirrorFailure(id, msg, url) })
}

func (d *Downloader) fetch(ctx context.Context, req Request, sink progress.Sink) (res Result, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "download.fetch")
	span.SetAttributes(telemetry.DownloadAttributes(req.ID, req.Size)...)
	defer func() { telemetry.End(span, err) }()

	logger := d.logger.With().Str("download_id", req.ID).Str(xglog.FieldPath, req.Dest).Logger()

	if len(req.URLs) == 0 {
		return Result{}, ErrNoMirrors
	}
	if req.SHA256 != "" {
		if ok, _ := verifyFile(req.Dest, req.SHA256); ok {
			sink.DownloadAddNew(req.ID, req.Description, req.Size)
			sink.DownloadEnd(req.ID, progress.TransferAlreadyExists, "")
			metrics.IncDownload("reused")
			return Result{Path: req.Dest, Reused: true}, nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(req.Dest), 0o755); err != nil {
		return Result{}, fmt.Errorf("create destination dir: %w", err)
	}

	sink.DownloadAddNew(req.ID, req.Description, req.Size)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.InitialBackoff

	n, err := backoff.Retry(ctx, func() (int64, error) {
		return d.tryMirrors(ctx, req, sink, logger)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(d.opts.Retries)+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn().Err(err).Dur("retry_in", next).Str(xglog.FieldEvent, "download.retry").Msg("download attempt failed")
		}),
	)
	if err != nil {
		metrics.IncDownload("error")
		sink.DownloadEnd(req.ID, progress.TransferError, err.Error())
		return Result{}, err
	}

	metrics.IncDownload("ok")
	sink.DownloadEnd(req.ID, progress.TransferSuccessful, "")
	logger.Debug().Int64("bytes", n).Str(xglog.FieldEvent, "download.done").Msg("download finished")
	return Result{Path: req.Dest, Bytes: n}, nil
}

// tryMirrors makes one pass over the mirror list. A checksum mismatch is
// permanent; anything else is retried by the caller.
func (d *Downloader) tryMirrors(ctx context.Context, req Request, sink progress.Sink, logger zerolog.Logger) (int64, error) {
	var errs []error
	for _, u := range req.URLs {
		n, err := d.fetchOne(ctx, req, u, sink)
		if err == nil {
			return n, nil
		}
		if ctx.Err() != nil {
			return 0, backoff.Permanent(ctx.Err())
		}
		if errors.Is(err, ErrChecksumMismatch) {
			sink.DownloadMirrorFailure(req.ID, err.Error(), u)
			return 0, backoff.Permanent(err)
		}
		logger.Debug().Err(err).Str(xglog.FieldURL, u).Msg("mirror failed")
		sink.DownloadMirrorFailure(req.ID, err.Error(), u)
		errs = append(errs, err)
	}
	return 0, fmt.Errorf("%w: %w", ErrAllMirrorsFailed, errors.Join(errs...))
}

func (d *Downloader) fetchOne(ctx context.Context, req Request, rawURL string, sink progress.Sink) (int64, error) {
	part := req.Dest + partSuffix

	var have int64
	if fi, err := os.Stat(part); err == nil {
		have = fi.Size()
	}

	body, total, appendMode, err := d.open(ctx, rawURL, have)
	if errors.Is(err, errRangeNotSatisfiable) {
		// stale partial file, start over on the next attempt
		_ = os.Remove(part)
	}
	if err != nil {
		return 0, err
	}
	defer body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
		have = 0
	}
	f, err := os.OpenFile(part, flags, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open partial file: %w", err)
	}

	if total <= 0 {
		total = req.Size
	}
	written, copyErr := d.copy(ctx, f, body, req.ID, have, total, sink)
	closeErr := f.Close()
	if copyErr != nil {
		return 0, copyErr
	}
	if closeErr != nil {
		return 0, fmt.Errorf("close partial file: %w", closeErr)
	}
	metrics.AddDownloadBytes(written)

	if req.SHA256 != "" {
		ok, err := verifyFile(part, req.SHA256)
		if err != nil {
			return 0, err
		}
		if !ok {
			_ = os.Remove(part)
			return 0, fmt.Errorf("%w for %s", ErrChecksumMismatch, filepath.Base(req.Dest))
		}
	}
	if err := os.Rename(part, req.Dest); err != nil {
		return 0, fmt.Errorf("finalize download: %w", err)
	}
	return have + written, nil
}

// open returns a reader positioned at offset when the source supports it.
// appendMode reports whether the reader continues the partial file.
func (d *Downloader) open(ctx context.Context, rawURL string, offset int64) (body io.ReadCloser, total int64, appendMode bool, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, 0, false, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "file" {
		return openLocal(u.Path, offset)
	}

	if d.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		defer func() {
			if err != nil {
				cancel()
				return
			}
			body = &cancelReadCloser{ReadCloser: body, cancel: cancel}
		}()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, false, err
	}
	if offset > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, 0, false, err
	}

	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		full := int64(-1)
		if resp.ContentLength >= 0 {
			full = offset + resp.ContentLength
		}
		return resp.Body, full, true, nil
	case resp.StatusCode == http.StatusOK:
		return resp.Body, resp.ContentLength, false, nil
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()
		return nil, 0, false, fmt.Errorf("%w at offset %d", errRangeNotSatisfiable, offset)
	default:
		resp.Body.Close()
		return nil, 0, false, fmt.Errorf("unexpected status %s", resp.Status)
	}
}

func openLocal(path string, offset int64) (io.ReadCloser, int64, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, false, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, false, err
	}
	if offset > 0 && offset < fi.Size() {
		if _, err := f.Seek(offset, io.SeekStart); err == nil {
			return f, fi.Size(), true, nil
		}
	}
	return f, fi.Size(), false, nil
}

func (d *Downloader) copy(ctx context.Context, dst io.Writer, src io.Reader, id string, done, total int64, sink progress.Sink) (int64, error) {
	buf := make([]byte, chunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			if d.limiter != nil {
				if err := d.limiter.WaitN(ctx, nr); err != nil {
					return written, err
				}
			}
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, fmt.Errorf("write partial file: %w", werr)
			}
			sink.DownloadProgress(id, done+written, total)
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// verifyFile reports whether the file at path has the given SHA-256 digest.
func verifyFile(path, want string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false, err
	}
	return strings.EqualFold(hex.EncodeToString(h.Sum(nil)), want), nil
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
