// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

//go:build unix

package solver

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/pkgd/internal/goal"
	"github.com/ManuGH/pkgd/internal/repo"
	"github.com/ManuGH/pkgd/internal/rpmpkg"
)

func helper(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "resolver.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestResolveDecodesPlan(t *testing.T) {
	dir := t.TempDir()
	reqFile := filepath.Join(dir, "request.json")
	script := helper(t, `cat > `+reqFile+`
cat <<'EOF'
{"version":1,
 "items":[{"action":1,"package":{"name":"foo","epoch":"0","version":"1.0","release":"1","arch":"x86_64","repo_id":"fedora"},
           "urls":["https://mirror/foo-1.0-1.x86_64.rpm"],"sha256":"abc","download_size":11}],
 "warnings":["metadata is stale"]}
EOF
`)
	e, err := NewExec([]string{script}, time.Minute)
	require.NoError(t, err)

	req := goal.Request{
		Operations: []goal.Operation{{Kind: goal.KindInstall, Spec: "foo"}},
		ReleaseVer: "41",
		Repos:      []repo.Metadata{{RepoID: "fedora", Path: "/var/cache/pkgd/fedora"}},
	}
	plan, err := e.Resolve(context.Background(), req)
	require.NoError(t, err)

	want := goal.Plan{
		Items: []goal.Item{{
			Action:  rpmpkg.ActionInstall,
			Package: rpmpkg.Package{Name: "foo", Epoch: "0", Version: "1.0", Release: "1", Arch: "x86_64", RepoID: "fedora"},
			URLs:    []string{"https://mirror/foo-1.0-1.x86_64.rpm"},
			SHA256:  "abc",
			Size:    11,
		}},
		Warnings: []string{"metadata is stale"},
	}
	if diff := cmp.Diff(want, plan); diff != "" {
		t.Fatalf("plan mismatch (-want +got):\n%s", diff)
	}

	raw, err := os.ReadFile(reqFile)
	require.NoError(t, err)
	var sent request
	require.NoError(t, json.Unmarshal(raw, &sent))
	assert.Equal(t, ProtocolVersion, sent.Version)
	if diff := cmp.Diff(req, sent.Request); diff != "" {
		t.Fatalf("request mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveReportsProblems(t *testing.T) {
	script := helper(t, `cat >/dev/null
echo '{"version":1,"items":[],"problems":[{"spec":"nosuch","message":"No match for argument"}]}'
`)
	e, err := NewExec([]string{script}, 0)
	require.NoError(t, err)

	plan, err := e.Resolve(context.Background(), goal.Request{})
	require.NoError(t, err)
	assert.Equal(t, []goal.Problem{{Spec: "nosuch", Message: "No match for argument"}}, plan.Problems)
}

func TestResolveHelperExitFailure(t *testing.T) {
	script := helper(t, `cat >/dev/null
echo "cannot open rpmdb" >&2
exit 3
`)
	e, err := NewExec([]string{script}, 0)
	require.NoError(t, err)

	_, err = e.Resolve(context.Background(), goal.Request{})
	require.ErrorIs(t, err, ErrResolverFailed)
	assert.Contains(t, err.Error(), "cannot open rpmdb")
}

func TestResolveHelperReportedError(t *testing.T) {
	script := helper(t, `cat >/dev/null
echo '{"version":1,"error":"sack is empty"}'
`)
	e, err := NewExec([]string{script}, 0)
	require.NoError(t, err)

	_, err = e.Resolve(context.Background(), goal.Request{})
	require.ErrorIs(t, err, ErrResolverFailed)
	assert.Contains(t, err.Error(), "sack is empty")
}

func TestResolveRejectsBadResponses(t *testing.T) {
	cases := map[string]struct {
		out  string
		want error
	}{
		"not json":        {`echo 'solved!'`, ErrBadResponse},
		"unknown field":   {`echo '{"version":1,"itemz":[]}'`, ErrBadResponse},
		"version":         {`echo '{"version":2}'`, ErrVersionMismatch},
		"invalid action":  {`echo '{"version":1,"items":[{"action":42,"package":{"name":"foo"}}]}'`, ErrBadResponse},
		"missing package": {`echo '{"version":1,"items":[{"action":1,"package":{}}]}'`, ErrBadResponse},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			e, err := NewExec([]string{helper(t, "cat >/dev/null\n"+tc.out+"\n")}, 0)
			require.NoError(t, err)
			_, err = e.Resolve(context.Background(), goal.Request{})
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestResolveTimeoutKillsHelper(t *testing.T) {
	e, err := NewExec([]string{helper(t, "exec sleep 30\n")}, 100*time.Millisecond)
	require.NoError(t, err)
	e.grace = 100 * time.Millisecond

	start := time.Now()
	_, err = e.Resolve(context.Background(), goal.Request{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestNewExecRequiresCommand(t *testing.T) {
	_, err := NewExec(nil, 0)
	assert.Error(t, err)
}

func TestTailBufferKeepsEnd(t *testing.T) {
	b := &tailBuffer{limit: 4}
	_, _ = b.Write([]byte("abc"))
	_, _ = b.Write([]byte("defg"))
	assert.Equal(t, "defg", b.String())
}
