// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package repo

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ManuGH/pkgd/internal/download"
	"github.com/ManuGH/pkgd/internal/progress"
)

var ErrNoBaseURL = errors.New("repository has no baseurl")

// MetadataFetcher downloads repodata/repomd.xml of each repository into
// <cacheDir>/<repoid>/repodata/.
type MetadataFetcher struct {
	dl       *download.Downloader
	cacheDir string
}

// NewMetadataFetcher creates a fetcher backed by dl.
func NewMetadataFetcher(dl *download.Downloader, cacheDir string) *MetadataFetcher {
	return &MetadataFetcher{dl: dl, cacheDir: cacheDir}
}

// Fetch implements Fetcher.
func (f *MetadataFetcher) Fetch(ctx context.Context, cfg Config, sink progress.Sink) (Metadata, error) {
	if len(cfg.BaseURLs) == 0 {
		return Metadata{}, fmt.Errorf("%s: %w", cfg.ID, ErrNoBaseURL)
	}
	urls := make([]string, 0, len(cfg.BaseURLs))
	for _, b := range cfg.BaseURLs {
		urls = append(urls, strings.TrimSuffix(b, "/")+"/repodata/repomd.xml")
	}

	desc := cfg.Name
	if desc == "" {
		desc = cfg.ID
	}
	dest := filepath.Join(f.cacheDir, cfg.ID, "repodata", "repomd.xml")
	res, err := f.dl.Fetch(ctx, download.Request{
		ID:          ProgressID(cfg.ID),
		Description: desc,
		URLs:        urls,
		Dest:        dest,
	}, sink)
	if err != nil {
		return Metadata{}, err
	}

	rev, err := readRevision(res.Path)
	if err != nil {
		return Metadata{}, fmt.Errorf("%s: %w", cfg.ID, err)
	}
	return Metadata{
		RepoID:   cfg.ID,
		Path:     filepath.Dir(filepath.Dir(dest)),
		Revision: rev,
		BaseURLs: cfg.BaseURLs,
	}, nil
}

type repomd struct {
	XMLName  xml.Name `xml:"repomd"`
	Revision string   `xml:"revision"`
}

func readRevision(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var md repomd
	if err := xml.Unmarshal(data, &md); err != nil {
		return "", fmt.Errorf("parse repomd.xml: %w", err)
	}
	return strings.TrimSpace(md.Revision), nil
}
