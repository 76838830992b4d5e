// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package rpc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/pkgd/internal/authz"
	"github.com/ManuGH/pkgd/internal/download"
	"github.com/ManuGH/pkgd/internal/goal"
	"github.com/ManuGH/pkgd/internal/history"
	"github.com/ManuGH/pkgd/internal/progress"
	"github.com/ManuGH/pkgd/internal/repo"
	"github.com/ManuGH/pkgd/internal/repoconf"
	"github.com/ManuGH/pkgd/internal/rpmpkg"
	"github.com/ManuGH/pkgd/internal/session"
	"github.com/ManuGH/pkgd/internal/workerpool"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeConn struct {
	mu        sync.Mutex
	tables    map[dbus.ObjectPath]map[string]map[string]interface{}
	objects   map[dbus.ObjectPath]map[string]interface{}
	sent      []*dbus.Message
	reply     dbus.RequestNameReply
	requested []string
	signals   chan<- *dbus.Signal
	matched   bool
	// onExport runs once, after the next method table is exported.
	onExport func(dbus.ObjectPath)
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		tables:  map[dbus.ObjectPath]map[string]map[string]interface{}{},
		objects: map[dbus.ObjectPath]map[string]interface{}{},
		reply:   dbus.RequestNameReplyPrimaryOwner,
	}
}

func (c *fakeConn) Send(msg *dbus.Message, _ chan *dbus.Call) *dbus.Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return &dbus.Call{}
}

func (c *fakeConn) Export(v interface{}, path dbus.ObjectPath, iface string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v == nil {
		delete(c.objects[path], iface)
		return nil
	}
	if c.objects[path] == nil {
		c.objects[path] = map[string]interface{}{}
	}
	c.objects[path][iface] = v
	return nil
}

func (c *fakeConn) ExportMethodTable(methods map[string]interface{}, path dbus.ObjectPath, iface string) error {
	c.mu.Lock()
	if methods == nil {
		delete(c.tables[path], iface)
		if len(c.tables[path]) == 0 {
			delete(c.tables, path)
		}
		c.mu.Unlock()
		return nil
	}
	if c.tables[path] == nil {
		c.tables[path] = map[string]map[string]interface{}{}
	}
	c.tables[path][iface] = methods
	hook := c.onExport
	c.onExport = nil
	c.mu.Unlock()

	if hook != nil {
		hook(path)
	}
	return nil
}

func (c *fakeConn) RequestName(name string, _ dbus.RequestNameFlags) (dbus.RequestNameReply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requested = append(c.requested, name)
	return c.reply, nil
}

func (c *fakeConn) AddMatchSignal(...dbus.MatchOption) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.matched = true
	return nil
}

func (c *fakeConn) Signal(ch chan<- *dbus.Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signals = ch
}

func (c *fakeConn) RemoveSignal(chan<- *dbus.Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signals = nil
}

func (c *fakeConn) Connected() bool { return true }

func (c *fakeConn) method(t *testing.T, path dbus.ObjectPath, iface, name string) interface{} {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.tables[path][iface][name]
	require.True(t, ok, "%s.%s not exported on %s", iface, name, path)
	return m
}

func (c *fakeConn) messages() []*dbus.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*dbus.Message(nil), c.sent...)
}

type staticUsers uint32

func (u staticUsers) UnixUser(context.Context, string) (uint32, error) { return uint32(u), nil }

type metadataFetcher struct{}

func (metadataFetcher) Fetch(_ context.Context, cfg repo.Config, _ progress.Sink) (repo.Metadata, error) {
	return repo.Metadata{RepoID: cfg.ID, Path: "/cache/" + cfg.ID}, nil
}

type planResolver struct{ plan goal.Plan }

func (r *planResolver) Resolve(context.Context, goal.Request) (goal.Plan, error) { return r.plan, nil }

type sinkInstaller struct{}

func (sinkInstaller) Install(_ context.Context, items []goal.Item, sink progress.Sink) error {
	sink.TransactionStart(uint64(len(items)))
	for _, it := range items {
		sink.ActionStart(it.Package.NEVRA(), uint32(it.Action), 10)
		sink.ActionStop(it.Package.NEVRA(), 10)
	}
	sink.TransactionStop(uint64(len(items)))
	return nil
}

type noDownloads struct{}

func (noDownloads) FetchAll(context.Context, []download.Request, progress.Sink) ([]download.Result, error) {
	return nil, nil
}

var fooPkg = rpmpkg.Package{Name: "foo", Epoch: "0", Version: "1.0", Release: "1", Arch: "x86_64", RepoID: "fedora"}

type fixture struct {
	conn     *fakeConn
	resolver *planResolver
	server   *Server
	dir      *session.Directory
	pool     *workerpool.Pool
	authz    *authz.Static
	history  *history.Store
	repoDir  string
}

func newFixture(t *testing.T, authorizer *authz.Static) *fixture {
	t.Helper()
	ctx := context.Background()

	repoDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "fedora.repo"), []byte("[fedora]\nname=Fedora\nbaseurl=https://dl.example.org/fedora/\nenabled=1\n"), 0o644))
	conf := repoconf.New([]string{repoDir}, false)

	hist, err := history.Open(ctx, filepath.Join(t.TempDir(), "history.sqlite"))
	require.NoError(t, err)

	f := &fixture{conn: newFakeConn(), pool: workerpool.New(), authz: authorizer, history: hist, repoDir: repoDir}
	f.resolver = &planResolver{plan: goal.Plan{Items: []goal.Item{
		{Action: rpmpkg.ActionInstall, Package: fooPkg, Location: "/cache/foo.rpm"},
	}}}
	deps := session.Deps{
		RepoConf:   conf,
		Metadata:   metadataFetcher{},
		Downloader: noDownloads{},
		Resolver:   f.resolver,
		Installer:  sinkInstaller{},
		History:    hist,
		CacheDir:   t.TempDir(),
		Sink:       func(id, owner string) progress.Sink { return f.server.SinkFor(id, owner) },
	}
	f.dir = session.NewDirectory(func(ctx context.Context, id, owner string, opts session.Options) (*session.Session, error) {
		opts.LoadSystemRepo = false
		if opts.ReleaseVer == "" {
			opts.ReleaseVer = "41"
		}
		return deps.Build(ctx, id, owner, opts)
	}, authorizer, nil, 3)
	f.server = newServer(f.conn, staticUsers(1000), Options{
		Directory:  f.dir,
		Pool:       f.pool,
		RepoConf:   conf,
		History:    hist,
		Authorizer: authorizer,
	})
	require.NoError(t, f.server.export(ctx))

	t.Cleanup(func() {
		f.dir.Shutdown()
		assert.NoError(t, f.pool.Drain(context.Background()))
		assert.NoError(t, hist.Close())
	})
	return f
}

func (f *fixture) open(t *testing.T, sender string) dbus.ObjectPath {
	t.Helper()
	open := f.conn.method(t, RootPath, IfaceSessionManager, "open_session").(func(dbus.Sender, map[string]dbus.Variant) (dbus.ObjectPath, *dbus.Error))
	path, derr := open(dbus.Sender(sender), map[string]dbus.Variant{})
	require.Nil(t, derr)
	return path
}

func (f *fixture) install(t *testing.T, path dbus.ObjectPath, sender string, specs ...string) *dbus.Error {
	t.Helper()
	fn := f.conn.method(t, path, IfaceRpm, "install").(func(dbus.Sender, []string, map[string]dbus.Variant) *dbus.Error)
	return fn(dbus.Sender(sender), specs, map[string]dbus.Variant{})
}

func (f *fixture) resolve(t *testing.T, path dbus.ObjectPath, sender string) ([]TransactionItem, uint32, *dbus.Error) {
	t.Helper()
	fn := f.conn.method(t, path, IfaceGoal, "resolve").(func(dbus.Sender, map[string]dbus.Variant) ([]TransactionItem, uint32, *dbus.Error))
	return fn(dbus.Sender(sender), map[string]dbus.Variant{"allow_erasing": dbus.MakeVariant(true)})
}

func (f *fixture) doTransaction(t *testing.T, path dbus.ObjectPath, sender string) *dbus.Error {
	t.Helper()
	fn := f.conn.method(t, path, IfaceGoal, "do_transaction").(func(dbus.Sender, map[string]dbus.Variant) *dbus.Error)
	return fn(dbus.Sender(sender), map[string]dbus.Variant{"comment": dbus.MakeVariant("via test")})
}

func TestOpenSessionExportsObjects(t *testing.T) {
	f := newFixture(t, authz.AllowAll())
	path := f.open(t, ":1.42")
	assert.Regexp(t, `^/org/rpm/dnf/v0/[0-9a-f]{32}$`, string(path))

	for _, iface := range []string{IfaceGoal, IfaceRpm, IfaceRepo, IfaceRepoConf, IfaceHistory} {
		assert.Contains(t, f.conn.tables[path], iface)
	}
	_, ok := f.conn.objects[path][ifaceIntrospectable].(introspect.Introspectable)
	assert.True(t, ok)

	introspectRoot := f.conn.method(t, RootPath, ifaceIntrospectable, "Introspect").(func() (string, *dbus.Error))
	data, derr := introspectRoot()
	require.Nil(t, derr)
	assert.Contains(t, data, IfaceSessionManager)
	assert.Contains(t, data, `<node name="`+filepath.Base(string(path))+`"`)
}

func TestOpenSessionRejectsBadOptions(t *testing.T) {
	f := newFixture(t, authz.AllowAll())
	open := f.conn.method(t, RootPath, IfaceSessionManager, "open_session").(func(dbus.Sender, map[string]dbus.Variant) (dbus.ObjectPath, *dbus.Error))
	_, derr := open(":1.1", map[string]dbus.Variant{"load_system_repo": dbus.MakeVariant("no")})
	require.NotNil(t, derr)
	assert.Equal(t, ErrorInvalidArgs, derr.Name)
}

func TestSessionCallsRequireOwner(t *testing.T) {
	f := newFixture(t, authz.AllowAll())
	path := f.open(t, ":1.1")

	reset := f.conn.method(t, path, IfaceGoal, "reset").(func(dbus.Sender) *dbus.Error)
	derr := reset(":1.2")
	require.NotNil(t, derr)
	assert.Equal(t, ErrorGeneric, derr.Name)
	assert.Equal(t, []interface{}{"Session not found"}, derr.Body)

	assert.Nil(t, reset(":1.1"))
}

func TestResolveAndExecute(t *testing.T) {
	f := newFixture(t, authz.AllowAll())
	path := f.open(t, ":1.7")

	require.Nil(t, f.install(t, path, ":1.7", "foo"))
	items, result, derr := f.resolve(t, path, ":1.7")
	require.Nil(t, derr)
	assert.Equal(t, uint32(goal.ResultNoProblem), result)
	assert.Equal(t, []TransactionItem{{
		Action: uint32(rpmpkg.ActionInstall), Name: "foo", Epoch: "0", Version: "1.0", Release: "1", Arch: "x86_64", RepoID: "fedora",
	}}, items)

	require.Nil(t, f.doTransaction(t, path, ":1.7"))

	recs, err := f.history.List(context.Background(), history.Query{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, history.StateOK, recs[0].State)
	assert.Equal(t, uint32(1000), recs[0].UserID)
	assert.Equal(t, "via test", recs[0].Comment)

	var members []string
	for _, msg := range f.conn.messages() {
		assert.Equal(t, dbus.TypeSignal, msg.Type)
		assert.Equal(t, ":1.7", msg.Headers[dbus.FieldDestination].Value())
		require.NotEmpty(t, msg.Body)
		assert.Equal(t, path, msg.Body[0])
		members = append(members, msg.Headers[dbus.FieldMember].Value().(string))
	}
	assert.Equal(t, []string{
		"transaction_transaction_start",
		"transaction_action_start",
		"transaction_action_stop",
		"transaction_transaction_stop",
		"transaction_finished",
	}, members)

	// the same plan never runs twice
	derr = f.doTransaction(t, path, ":1.7")
	require.NotNil(t, derr)
	assert.Equal(t, ErrorTransaction, derr.Name)
}

func TestDoTransactionRequiresResolve(t *testing.T) {
	f := newFixture(t, authz.AllowAll())
	path := f.open(t, ":1.7")

	derr := f.doTransaction(t, path, ":1.7")
	require.NotNil(t, derr)
	assert.Equal(t, ErrorTransaction, derr.Name)
	assert.Equal(t, []interface{}{"Transaction has to be resolved first."}, derr.Body)
}

func TestDoTransactionDenied(t *testing.T) {
	f := newFixture(t, authz.DenyAll())
	path := f.open(t, ":1.7")
	require.Nil(t, f.install(t, path, ":1.7", "foo"))
	_, _, derr := f.resolve(t, path, ":1.7")
	require.Nil(t, derr)

	derr = f.doTransaction(t, path, ":1.7")
	require.NotNil(t, derr)
	assert.Equal(t, ErrorNotAuthorized, derr.Name)
	assert.Equal(t, []string{authz.ActionExecuteTransaction}, f.authz.Asked())

	recs, err := f.history.List(context.Background(), history.Query{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRpmRejectsInvalidArguments(t *testing.T) {
	f := newFixture(t, authz.AllowAll())
	path := f.open(t, ":1.1")

	derr := f.install(t, path, ":1.1")
	require.NotNil(t, derr)
	assert.Equal(t, ErrorInvalidArgs, derr.Name)

	upgrade := f.conn.method(t, path, IfaceRpm, "upgrade").(func(dbus.Sender, []string, map[string]dbus.Variant) *dbus.Error)
	derr = upgrade(":1.1", nil, map[string]dbus.Variant{"strict": dbus.MakeVariant("yes")})
	require.NotNil(t, derr)
	assert.Equal(t, ErrorInvalidArgs, derr.Name)

	assert.Nil(t, upgrade(":1.1", nil, map[string]dbus.Variant{"strict": dbus.MakeVariant(true)}))
}

func TestProblemsStringBeforeResolve(t *testing.T) {
	f := newFixture(t, authz.AllowAll())
	path := f.open(t, ":1.1")

	problems := f.conn.method(t, path, IfaceGoal, "get_transaction_problems_string").(func(dbus.Sender) ([]string, *dbus.Error))
	out, derr := problems(":1.1")
	require.NotNil(t, derr)
	assert.Equal(t, ErrorTransaction, derr.Name)
	assert.Equal(t, []string{}, out)
}

func TestTransactionProblems(t *testing.T) {
	f := newFixture(t, authz.AllowAll())
	path := f.open(t, ":1.1")
	problems := f.conn.method(t, path, IfaceGoal, "get_transaction_problems").(func(dbus.Sender) ([]map[string]dbus.Variant, *dbus.Error))

	out, derr := problems(":1.1")
	require.NotNil(t, derr)
	assert.Equal(t, ErrorTransaction, derr.Name)
	assert.Empty(t, out)

	f.resolver.plan = goal.Plan{Problems: []goal.Problem{
		{Spec: "bar", Message: "No match for argument: bar"},
		{Message: "conflicting requests"},
	}}
	require.Nil(t, f.install(t, path, ":1.1", "bar"))
	_, result, derr := f.resolve(t, path, ":1.1")
	require.Nil(t, derr)
	assert.Equal(t, uint32(goal.ResultError), result)

	out, derr = problems(":1.1")
	require.Nil(t, derr)
	require.Len(t, out, 2)
	assert.Equal(t, "bar", out[0]["spec"].Value())
	assert.Equal(t, "No match for argument: bar", out[0]["message"].Value())
	assert.NotContains(t, out[1], "spec")
	assert.Equal(t, "conflicting requests", out[1]["message"].Value())
}

func TestRepoList(t *testing.T) {
	f := newFixture(t, authz.AllowAll())
	require.NoError(t, os.WriteFile(filepath.Join(f.repoDir, "extra.repo"), []byte(
		"[updates-testing]\nname=Fedora Updates Testing\nbaseurl=https://dl.example.org/testing/\nenabled=0\npriority=5\n"+
			"[copr-tools]\nname=Copr Tools\nbaseurl=https://copr.example.org/tools/\n"), 0o644))
	path := f.open(t, ":1.1")
	list := f.conn.method(t, path, IfaceRepo, "list").(func(dbus.Sender, map[string]dbus.Variant) ([]map[string]dbus.Variant, *dbus.Error))

	ids := func(repos []map[string]dbus.Variant) []string {
		var out []string
		for _, r := range repos {
			out = append(out, r["id"].Value().(string))
		}
		return out
	}

	repos, derr := list(":1.1", map[string]dbus.Variant{})
	require.Nil(t, derr)
	assert.Equal(t, []string{"copr-tools", "fedora"}, ids(repos))
	assert.Len(t, repos[0], 1, "only the id without repo_attrs")

	repos, derr = list(":1.1", map[string]dbus.Variant{"enable_disable": dbus.MakeVariant("disabled")})
	require.Nil(t, derr)
	assert.Equal(t, []string{"updates-testing"}, ids(repos))

	repos, derr = list(":1.1", map[string]dbus.Variant{
		"enable_disable": dbus.MakeVariant("all"),
		"patterns":       dbus.MakeVariant([]string{"FEDORA*"}),
		"repo_attrs":     dbus.MakeVariant([]string{"name", "enabled", "priority"}),
	})
	require.Nil(t, derr)
	require.Equal(t, []string{"fedora", "updates-testing"}, ids(repos))
	assert.Equal(t, "Fedora", repos[0]["name"].Value())
	assert.Equal(t, true, repos[0]["enabled"].Value())
	assert.Equal(t, "Fedora Updates Testing", repos[1]["name"].Value())
	assert.Equal(t, false, repos[1]["enabled"].Value())
	assert.Equal(t, int32(5), repos[1]["priority"].Value())

	_, derr = list(":1.1", map[string]dbus.Variant{"repo_attrs": dbus.MakeVariant([]string{"name", "mirrorlist"})})
	require.NotNil(t, derr)
	assert.Equal(t, ErrorInvalidArgs, derr.Name)
	assert.Equal(t, []interface{}{"invalid arguments: Repo attribute 'mirrorlist' not supported"}, derr.Body)

	_, derr = list(":1.1", map[string]dbus.Variant{"enable_disable": dbus.MakeVariant("some")})
	require.NotNil(t, derr)
	assert.Equal(t, ErrorInvalidArgs, derr.Name)
}

func TestReadAllRepos(t *testing.T) {
	f := newFixture(t, authz.AllowAll())
	path := f.open(t, ":1.1")

	read := f.conn.method(t, path, IfaceRepo, "read_all_repos").(func(dbus.Sender) (bool, *dbus.Error))
	ok, derr := read(":1.1")
	require.Nil(t, derr)
	assert.True(t, ok)
}

func TestRepoConfMethods(t *testing.T) {
	f := newFixture(t, &authz.Static{Allow: map[string]bool{authz.ActionRepoConfWrite: true}})
	path := f.open(t, ":1.1")

	get := f.conn.method(t, path, IfaceRepoConf, "get").(func(dbus.Sender, string) (map[string]dbus.Variant, *dbus.Error))
	repoMap, derr := get(":1.1", "fedora")
	require.Nil(t, derr)
	assert.Equal(t, "fedora", repoMap["repoid"].Value())

	_, derr = get(":1.1", "missing")
	require.NotNil(t, derr)
	assert.Equal(t, ErrorRepoConf, derr.Name)
	assert.Equal(t, []interface{}{"Repository not found"}, derr.Body)

	disable := f.conn.method(t, path, IfaceRepoConf, "disable").(func(dbus.Sender, []string) ([]string, *dbus.Error))
	changed, derr := disable(":1.1", []string{"fedora"})
	require.Nil(t, derr)
	assert.Equal(t, []string{"fedora"}, changed)

	changed, derr = disable(":1.1", []string{"fedora"})
	require.Nil(t, derr)
	assert.Empty(t, changed)

	list := f.conn.method(t, path, IfaceRepoConf, "list").(func(dbus.Sender, map[string]dbus.Variant) ([]map[string]dbus.Variant, *dbus.Error))
	repos, derr := list(":1.1", map[string]dbus.Variant{"ids": dbus.MakeVariant([]string{"fedora"})})
	require.Nil(t, derr)
	require.Len(t, repos, 1)
	assert.Equal(t, "0", repos[0]["enabled"].Value())
}

func TestRepoConfWriteDenied(t *testing.T) {
	f := newFixture(t, authz.DenyAll())
	path := f.open(t, ":1.1")

	enable := f.conn.method(t, path, IfaceRepoConf, "enable").(func(dbus.Sender, []string) ([]string, *dbus.Error))
	changed, derr := enable(":1.1", []string{"fedora"})
	require.NotNil(t, derr)
	assert.Equal(t, ErrorNotAuthorized, derr.Name)
	assert.Empty(t, changed)
}

func TestHistoryMethods(t *testing.T) {
	f := newFixture(t, authz.AllowAll())
	path := f.open(t, ":1.7")
	require.Nil(t, f.install(t, path, ":1.7", "foo"))
	_, _, derr := f.resolve(t, path, ":1.7")
	require.Nil(t, derr)
	require.Nil(t, f.doTransaction(t, path, ":1.7"))

	list := f.conn.method(t, path, IfaceHistory, "list").(func(dbus.Sender, map[string]dbus.Variant) ([]map[string]dbus.Variant, *dbus.Error))
	recs, derr := list(":1.7", map[string]dbus.Variant{"contains_pkgs": dbus.MakeVariant([]string{"fo*"})})
	require.Nil(t, derr)
	require.Len(t, recs, 1)
	assert.Equal(t, "OK", recs[0]["state"].Value())
	assert.Equal(t, "pkgd", recs[0]["description"].Value())

	recs, derr = list(":1.7", map[string]dbus.Variant{"contains_pkgs": dbus.MakeVariant([]string{"bar"})})
	require.Nil(t, derr)
	assert.Empty(t, recs)

	_, derr = list(":1.7", map[string]dbus.Variant{"ids": dbus.MakeVariant([]string{"1"})})
	require.NotNil(t, derr)
	assert.Equal(t, ErrorInvalidArgs, derr.Name)

	recent := f.conn.method(t, path, IfaceHistory, "recent_changes").(func(dbus.Sender, map[string]dbus.Variant) (map[string][]map[string]dbus.Variant, *dbus.Error))
	changes, derr := recent(":1.7", map[string]dbus.Variant{})
	require.Nil(t, derr)
	require.Len(t, changes["installed"], 1)
	assert.Equal(t, "foo", changes["installed"][0]["name"].Value())
	assert.Equal(t, "1.0-1", changes["installed"][0]["evr"].Value())
	assert.NotContains(t, changes, "removed")
}

func TestCloseSessionUnexports(t *testing.T) {
	f := newFixture(t, authz.AllowAll())
	path := f.open(t, ":1.1")
	closeSession := f.conn.method(t, RootPath, IfaceSessionManager, "close_session").(func(dbus.Sender, dbus.ObjectPath) (bool, *dbus.Error))

	ok, derr := closeSession(":1.2", path)
	require.Nil(t, derr)
	assert.False(t, ok)

	ok, derr = closeSession(":1.1", path)
	require.Nil(t, derr)
	assert.True(t, ok)
	assert.NotContains(t, f.conn.tables, path)
	assert.Empty(t, f.conn.objects[path])
}

func TestDisconnectDuringOpenLeavesNoObjects(t *testing.T) {
	f := newFixture(t, authz.AllowAll())
	f.conn.onExport = func(dbus.ObjectPath) {
		f.dir.CallerDisconnected(":1.9")
	}

	open := f.conn.method(t, RootPath, IfaceSessionManager, "open_session").(func(dbus.Sender, map[string]dbus.Variant) (dbus.ObjectPath, *dbus.Error))
	path, derr := open(":1.9", map[string]dbus.Variant{})
	require.NotNil(t, derr)
	assert.Equal(t, ErrorGeneric, derr.Name)
	assert.Empty(t, path)

	assert.Zero(t, f.dir.Len())
	f.conn.mu.Lock()
	defer f.conn.mu.Unlock()
	assert.Len(t, f.conn.tables, 1, "only the root object stays exported")
	assert.Contains(t, f.conn.tables, RootPath)
	for p, ifaces := range f.conn.objects {
		if p != RootPath {
			assert.Empty(t, ifaces, p)
		}
	}
}

func TestCallerDisconnectClosesSessions(t *testing.T) {
	f := newFixture(t, authz.AllowAll())
	f.open(t, ":1.1")
	f.open(t, ":1.1")
	kept := f.open(t, ":1.2")

	// name acquired by someone else is not a disconnect
	f.server.handleSignal(&dbus.Signal{Name: nameOwnerEvent, Body: []interface{}{"org.example.Foo", "", ":1.1"}})
	assert.Equal(t, 3, f.dir.Len())

	f.server.handleSignal(&dbus.Signal{Name: nameOwnerEvent, Body: []interface{}{":1.1", ":1.1", ""}})
	assert.Equal(t, []string{string(kept)}, f.dir.IDs())
}

func TestServeAcquiresName(t *testing.T) {
	f := newFixture(t, authz.AllowAll())
	ready := make(chan struct{})
	f.server.opts.OnReady = func() { close(ready) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.server.Serve(ctx) }()

	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("server never became ready")
	}
	f.conn.mu.Lock()
	assert.Equal(t, []string{DefaultBusName}, f.conn.requested)
	assert.True(t, f.conn.matched)
	f.conn.mu.Unlock()

	cancel()
	assert.NoError(t, <-done)
}

func TestServeFailsWhenNameTaken(t *testing.T) {
	f := newFixture(t, authz.AllowAll())
	f.conn.reply = dbus.RequestNameReplyExists
	err := f.server.Serve(context.Background())
	assert.True(t, errors.Is(err, ErrNameTaken))
}
