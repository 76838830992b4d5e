// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package rpc

import (
	"context"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/ManuGH/pkgd/internal/authz"
	"github.com/ManuGH/pkgd/internal/goal"
	"github.com/ManuGH/pkgd/internal/history"
	xglog "github.com/ManuGH/pkgd/internal/log"
	"github.com/ManuGH/pkgd/internal/session"
)

// TransactionItem marshals as (ussssss).
type TransactionItem struct {
	Action  uint32
	Name    string
	Epoch   string
	Version string
	Release string
	Arch    string
	RepoID  string
}

func transactionItems(items []goal.Item) []TransactionItem {
	out := make([]TransactionItem, 0, len(items))
	for _, it := range items {
		out = append(out, TransactionItem{
			Action:  uint32(it.Action),
			Name:    it.Package.Name,
			Epoch:   it.Package.Epoch,
			Version: it.Package.Version,
			Release: it.Package.Release,
			Arch:    it.Package.Arch,
			RepoID:  it.Package.RepoID,
		})
	}
	return out
}

func (s *Server) goalMethods(path dbus.ObjectPath) map[string]interface{} {
	return map[string]interface{}{
		"resolve": func(sender dbus.Sender, opts map[string]dbus.Variant) ([]TransactionItem, uint32, *dbus.Error) {
			var res goal.Resolution
			derr := s.withSession(IfaceGoal, "resolve", sender, path, func(ctx context.Context, sess *session.Session) error {
				allowErasing, err := options(opts).boolean("allow_erasing", false)
				if err != nil {
					return err
				}
				res, err = sess.Goal.Resolve(ctx, goal.ResolveOptions{AllowErasing: allowErasing})
				return named(ErrorResolve, err)
			})
			if derr != nil {
				return nil, uint32(goal.ResultError), derr
			}
			return transactionItems(res.Items), uint32(res.Result), nil
		},
		"do_transaction": func(sender dbus.Sender, opts map[string]dbus.Variant) *dbus.Error {
			return s.withTransaction(IfaceGoal, "do_transaction", sender, path, func(ctx context.Context, sess *session.Session) error {
				comment, err := options(opts).str("comment", "")
				if err != nil {
					return err
				}
				if err := s.authorize(ctx, authz.ActionExecuteTransaction, sess.Owner); err != nil {
					s.opts.Audit.Transaction(ctx, sess.Owner, 0, 0, err)
					return err
				}
				uid, err := s.users.UnixUser(ctx, sess.Owner)
				if err != nil {
					return err
				}
				rec, err := sess.Goal.Execute(ctx, goal.ExecuteOptions{Comment: comment, UserID: uid})
				s.opts.Audit.Transaction(ctx, sess.Owner, rec.ID, len(rec.Items), err)
				return named(ErrorTransaction, err)
			})
		},
		"get_transaction_problems_string": func(sender dbus.Sender) ([]string, *dbus.Error) {
			var problems []string
			derr := s.withSession(IfaceGoal, "get_transaction_problems_string", sender, path, func(_ context.Context, sess *session.Session) error {
				var err error
				problems, err = sess.Goal.ProblemsString()
				return err
			})
			if problems == nil {
				problems = []string{}
			}
			return problems, derr
		},
		"get_transaction_problems": func(sender dbus.Sender) ([]map[string]dbus.Variant, *dbus.Error) {
			out := []map[string]dbus.Variant{}
			derr := s.withSession(IfaceGoal, "get_transaction_problems", sender, path, func(_ context.Context, sess *session.Session) error {
				problems, err := sess.Goal.Problems()
				if err != nil {
					return err
				}
				for _, pr := range problems {
					m := map[string]dbus.Variant{"message": dbus.MakeVariant(pr.Message)}
					if pr.Spec != "" {
						m["spec"] = dbus.MakeVariant(pr.Spec)
					}
					out = append(out, m)
				}
				return nil
			})
			return out, derr
		},
		"reset": func(sender dbus.Sender) *dbus.Error {
			return s.withSession(IfaceGoal, "reset", sender, path, func(ctx context.Context, sess *session.Session) error {
				return sess.Goal.Reset(ctx)
			})
		},
	}
}

func (s *Server) rpmMethods(path dbus.ObjectPath) map[string]interface{} {
	methods := make(map[string]interface{})
	for _, kind := range []goal.Kind{
		goal.KindInstall,
		goal.KindRemove,
		goal.KindUpgrade,
		goal.KindDowngrade,
		goal.KindReinstall,
		goal.KindDistroSync,
	} {
		name := string(kind)
		methods[name] = func(sender dbus.Sender, specs []string, opts map[string]dbus.Variant) *dbus.Error {
			return s.withSession(IfaceRpm, name, sender, path, func(ctx context.Context, sess *session.Session) error {
				ops, err := operations(kind, specs, options(opts))
				if err != nil {
					return err
				}
				for _, op := range ops {
					if err := sess.Goal.AddOperation(ctx, op); err != nil {
						return err
					}
				}
				return nil
			})
		}
	}
	return methods
}

// operations builds one operation per spec. Without specs, upgrade and
// distro_sync apply to everything and the other kinds fail validation.
func operations(kind goal.Kind, specs []string, opts options) ([]goal.Operation, error) {
	var (
		settings goal.Settings
		err      error
	)
	if settings.RepoIDs, err = opts.strings("repo_ids"); err != nil {
		return nil, err
	}
	if settings.Advisories, err = opts.strings("advisories"); err != nil {
		return nil, err
	}
	if opts.has("strict") {
		strict, err := opts.boolean("strict", false)
		if err != nil {
			return nil, err
		}
		settings.Strict = &strict
	}

	if len(specs) == 0 {
		specs = []string{""}
	}
	ops := make([]goal.Operation, 0, len(specs))
	for _, spec := range specs {
		op := goal.Operation{Kind: kind, Spec: spec, Settings: settings}
		if err := op.Validate(); err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func (s *Server) repoMethods(path dbus.ObjectPath) map[string]interface{} {
	return map[string]interface{}{
		"read_all_repos": func(sender dbus.Sender) (bool, *dbus.Error) {
			var ok bool
			derr := s.withSession(IfaceRepo, "read_all_repos", sender, path, func(ctx context.Context, sess *session.Session) error {
				if err := sess.Repos.EnsureLoaded(ctx); err != nil {
					xglog.WithContext(ctx, s.logger).Warn().
						Err(err).
						Str(xglog.FieldEvent, "repo.read_failed").
						Msg("repositories not loaded")
					return nil
				}
				ok = true
				return nil
			})
			return ok, derr
		},
		"list": func(sender dbus.Sender, opts map[string]dbus.Variant) ([]map[string]dbus.Variant, *dbus.Error) {
			out := []map[string]dbus.Variant{}
			derr := s.withSession(IfaceRepo, "list", sender, path, func(context.Context, *session.Session) error {
				q, err := parseRepoQuery(options(opts))
				if err != nil {
					return err
				}
				repos, err := s.opts.RepoConf.Repos()
				if err != nil {
					return named(ErrorRepoConf, err)
				}
				out = q.run(repos)
				return nil
			})
			return out, derr
		},
	}
}

func (s *Server) repoConfMethods(path dbus.ObjectPath) map[string]interface{} {
	write := func(method string, apply func([]string) ([]string, error)) interface{} {
		return func(sender dbus.Sender, ids []string) ([]string, *dbus.Error) {
			changed := []string{}
			derr := s.withSession(IfaceRepoConf, method, sender, path, func(ctx context.Context, sess *session.Session) error {
				if err := s.authorize(ctx, authz.ActionRepoConfWrite, sess.Owner); err != nil {
					s.opts.Audit.RepoConfWrite(ctx, sess.Owner, method, ids, nil, err)
					return err
				}
				got, err := apply(ids)
				s.opts.Audit.RepoConfWrite(ctx, sess.Owner, method, ids, got, err)
				if err != nil {
					return named(ErrorRepoConf, err)
				}
				if got != nil {
					changed = got
				}
				return nil
			})
			return changed, derr
		}
	}

	return map[string]interface{}{
		"list": func(sender dbus.Sender, opts map[string]dbus.Variant) ([]map[string]dbus.Variant, *dbus.Error) {
			out := []map[string]dbus.Variant{}
			derr := s.withSession(IfaceRepoConf, "list", sender, path, func(context.Context, *session.Session) error {
				ids, err := options(opts).strings("ids")
				if err != nil {
					return err
				}
				repos, err := s.opts.RepoConf.List(ids)
				if err != nil {
					return named(ErrorRepoConf, err)
				}
				for _, r := range repos {
					out = append(out, stringMap(r))
				}
				return nil
			})
			return out, derr
		},
		"get": func(sender dbus.Sender, id string) (map[string]dbus.Variant, *dbus.Error) {
			out := map[string]dbus.Variant{}
			derr := s.withSession(IfaceRepoConf, "get", sender, path, func(context.Context, *session.Session) error {
				r, err := s.opts.RepoConf.Get(id)
				if err != nil {
					return named(ErrorRepoConf, err)
				}
				out = stringMap(r)
				return nil
			})
			return out, derr
		},
		"enable":  write("enable", s.opts.RepoConf.Enable),
		"disable": write("disable", s.opts.RepoConf.Disable),
	}
}

func (s *Server) historyMethods(path dbus.ObjectPath) map[string]interface{} {
	return map[string]interface{}{
		"list": func(sender dbus.Sender, opts map[string]dbus.Variant) ([]map[string]dbus.Variant, *dbus.Error) {
			out := []map[string]dbus.Variant{}
			derr := s.withSession(IfaceHistory, "list", sender, path, func(ctx context.Context, _ *session.Session) error {
				q, err := historyQuery(options(opts))
				if err != nil {
					return err
				}
				recs, err := s.opts.History.List(ctx, q)
				if err != nil {
					return err
				}
				for _, rec := range recs {
					out = append(out, recordMap(rec))
				}
				return nil
			})
			return out, derr
		},
		"recent_changes": func(sender dbus.Sender, opts map[string]dbus.Variant) (map[string][]map[string]dbus.Variant, *dbus.Error) {
			out := map[string][]map[string]dbus.Variant{}
			derr := s.withSession(IfaceHistory, "recent_changes", sender, path, func(ctx context.Context, _ *session.Session) error {
				since, kinds, err := changesQuery(options(opts))
				if err != nil {
					return err
				}
				changes, err := s.opts.History.RecentChanges(ctx, since)
				if err != nil {
					return err
				}
				out = changeSet(changes, kinds)
				return nil
			})
			return out, derr
		},
	}
}

func historyQuery(opts options) (history.Query, error) {
	var q history.Query
	ids, err := opts.uint64s("ids")
	if err != nil {
		return q, err
	}
	for _, id := range ids {
		q.IDs = append(q.IDs, int64(id))
	}
	if v, ok, err := opts.integer("since"); err != nil {
		return q, err
	} else if ok {
		q.Since = time.Unix(v, 0)
	}
	if v, ok, err := opts.integer("until"); err != nil {
		return q, err
	} else if ok {
		q.Until = time.Unix(v, 0)
	}
	if q.PackageGlobs, err = opts.strings("contains_pkgs"); err != nil {
		return q, err
	}
	return q, nil
}

func recordMap(rec history.Record) map[string]dbus.Variant {
	pkgs := make([]map[string]dbus.Variant, 0, len(rec.Items))
	for _, it := range rec.Items {
		pkgs = append(pkgs, map[string]dbus.Variant{
			"action":  dbus.MakeVariant(it.Action.String()),
			"name":    dbus.MakeVariant(it.Package.Name),
			"epoch":   dbus.MakeVariant(it.Package.Epoch),
			"version": dbus.MakeVariant(it.Package.Version),
			"release": dbus.MakeVariant(it.Package.Release),
			"arch":    dbus.MakeVariant(it.Package.Arch),
			"repo_id": dbus.MakeVariant(it.Package.RepoID),
		})
	}
	m := map[string]dbus.Variant{
		"id":          dbus.MakeVariant(uint64(rec.ID)),
		"dt_begin":    dbus.MakeVariant(rec.Begin.Unix()),
		"releasever":  dbus.MakeVariant(rec.ReleaseVer),
		"user_id":     dbus.MakeVariant(rec.UserID),
		"comment":     dbus.MakeVariant(rec.Comment),
		"description": dbus.MakeVariant(rec.Description),
		"state":       dbus.MakeVariant(string(rec.State)),
		"packages":    dbus.MakeVariant(pkgs),
	}
	if !rec.End.IsZero() {
		m["dt_end"] = dbus.MakeVariant(rec.End.Unix())
	}
	return m
}

// changeKinds selects which classes recent_changes reports.
type changeKinds struct {
	installed, removed, upgraded, downgraded bool
}

// changesQuery reads the recent_changes options. Without "since" only the
// latest transaction is considered.
func changesQuery(opts options) (time.Time, changeKinds, error) {
	var (
		since time.Time
		kinds changeKinds
		err   error
	)
	if v, ok, err := opts.integer("since"); err != nil {
		return since, kinds, err
	} else if ok {
		since = time.Unix(v, 0)
	}
	if kinds.installed, err = opts.boolean("installed_packages", true); err != nil {
		return since, kinds, err
	}
	if kinds.removed, err = opts.boolean("removed_packages", true); err != nil {
		return since, kinds, err
	}
	if kinds.upgraded, err = opts.boolean("upgraded_packages", true); err != nil {
		return since, kinds, err
	}
	if kinds.downgraded, err = opts.boolean("downgraded_packages", true); err != nil {
		return since, kinds, err
	}
	return since, kinds, nil
}

func changeSet(c history.Changes, kinds changeKinds) map[string][]map[string]dbus.Variant {
	out := map[string][]map[string]dbus.Variant{}
	add := func(key string, enabled bool, list []history.Change, replaced bool) {
		if !enabled || len(list) == 0 {
			return
		}
		for _, ch := range list {
			m := map[string]dbus.Variant{
				"name": dbus.MakeVariant(ch.Name),
				"arch": dbus.MakeVariant(ch.Arch),
				"evr":  dbus.MakeVariant(ch.EVR),
			}
			if replaced {
				m["original_evr"] = dbus.MakeVariant(ch.OriginalEVR)
			}
			out[key] = append(out[key], m)
		}
	}
	add("installed", kinds.installed, c.Installed, false)
	add("removed", kinds.removed, c.Removed, false)
	add("upgraded", kinds.upgraded, c.Upgraded, true)
	add("downgraded", kinds.downgraded, c.Downgraded, true)
	return out
}
