// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package history is the durable transaction history backed by SQLite.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog"

	xglog "github.com/ManuGH/pkgd/internal/log"
	"github.com/ManuGH/pkgd/internal/persistence/sqlite"
	"github.com/ManuGH/pkgd/internal/rpmpkg"
)

var (
	ErrNotFound         = errors.New("transaction not found")
	ErrAlreadyFinalized = errors.New("transaction already finalized")
	ErrInvalidState     = errors.New("invalid final transaction state")
)

var migrations = []string{
	`
	CREATE TABLE trans (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		dt_begin    INTEGER NOT NULL,
		dt_end      INTEGER,
		releasever  TEXT NOT NULL DEFAULT '',
		user_id     INTEGER NOT NULL DEFAULT 0,
		comment     TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		state       TEXT NOT NULL
	);
	CREATE TABLE trans_item (
		trans_id INTEGER NOT NULL REFERENCES trans(id) ON DELETE CASCADE,
		seq      INTEGER NOT NULL,
		action   INTEGER NOT NULL,
		name     TEXT NOT NULL,
		epoch    TEXT NOT NULL DEFAULT '0',
		version  TEXT NOT NULL,
		release  TEXT NOT NULL,
		arch     TEXT NOT NULL,
		repoid   TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (trans_id, seq)
	);
	CREATE INDEX idx_trans_item_name ON trans_item(name);
	CREATE INDEX idx_trans_dt_begin ON trans(dt_begin);
	`,
}

// Store persists transaction records.
type Store struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger
	now    func() time.Time
}

// Open opens (or creates) the history database at path and migrates it.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sqlite.Open(ctx, path, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}
	if err := sqlite.Migrate(ctx, db, migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: migration failed: %w", err)
	}
	return &Store{
		db:     db,
		path:   path,
		logger: xglog.WithComponent("history"),
		now:    time.Now,
	}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Begin inserts a STARTED record and its items in one transaction and
// returns the new id. rec.State and rec.End are ignored.
func (s *Store) Begin(ctx context.Context, rec Record) (int64, error) {
	if rec.Begin.IsZero() {
		rec.Begin = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("history: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO trans (dt_begin, releasever, user_id, comment, description, state) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Begin.Unix(), rec.ReleaseVer, rec.UserID, rec.Comment, rec.Description, string(StateStarted))
	if err != nil {
		return 0, fmt.Errorf("history: insert transaction: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("history: transaction id: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO trans_item (trans_id, seq, action, name, epoch, version, release, arch, repoid) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("history: prepare items: %w", err)
	}
	defer stmt.Close()

	for i, it := range rec.Items {
		p := it.Package
		epoch := p.Epoch
		if epoch == "" {
			epoch = "0"
		}
		if _, err := stmt.ExecContext(ctx, id, i, uint32(it.Action), p.Name, epoch, p.Version, p.Release, p.Arch, p.RepoID); err != nil {
			return 0, fmt.Errorf("history: insert item %s: %w", p.NEVRA(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("history: commit: %w", err)
	}

	s.logger.Info().
		Str(xglog.FieldEvent, "history.begin").
		Int64(xglog.FieldTxnID, id).
		Int("items", len(rec.Items)).
		Msg("transaction recorded")
	return id, nil
}

// Finish sets the final state of a STARTED record. The state transition
// happens at most once; a second call returns ErrAlreadyFinalized.
func (s *Store) Finish(ctx context.Context, id int64, state State, end time.Time) error {
	if state != StateOK && state != StateError {
		return fmt.Errorf("%w: %s", ErrInvalidState, state)
	}
	if end.IsZero() {
		end = s.now()
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE trans SET state = ?, dt_end = ? WHERE id = ? AND state = ?`,
		string(state), end.Unix(), id, string(StateStarted))
	if err != nil {
		return fmt.Errorf("history: finish %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("history: finish %d: %w", id, err)
	}
	if n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM trans WHERE id = ?`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		return fmt.Errorf("%w: %d", ErrAlreadyFinalized, id)
	}

	s.logger.Info().
		Str(xglog.FieldEvent, "history.finish").
		Int64(xglog.FieldTxnID, id).
		Str("state", string(state)).
		Msg("transaction finalized")
	return nil
}

// Get returns one record with its items.
func (s *Store) Get(ctx context.Context, id int64) (Record, error) {
	recs, err := s.query(ctx, `WHERE id = ?`, []any{id})
	if err != nil {
		return Record{}, err
	}
	if len(recs) == 0 {
		return Record{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return recs[0], nil
}

// List returns the records matching q ordered by id.
func (s *Store) List(ctx context.Context, q Query) ([]Record, error) {
	matchers, err := compileGlobs(q.PackageGlobs)
	if err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if len(q.IDs) > 0 {
		where = append(where, "id IN ("+strings.TrimSuffix(strings.Repeat("?,", len(q.IDs)), ",")+")")
		for _, id := range q.IDs {
			args = append(args, id)
		}
	}
	if !q.Since.IsZero() {
		where = append(where, "dt_begin >= ?")
		args = append(args, q.Since.Unix())
	}
	if !q.Until.IsZero() {
		where = append(where, "dt_begin <= ?")
		args = append(args, q.Until.Unix())
	}
	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}

	recs, err := s.query(ctx, clause, args)
	if err != nil {
		return nil, err
	}
	if len(matchers) == 0 {
		return recs, nil
	}

	out := recs[:0]
	for _, r := range recs {
		if anyItemMatches(r.Items, matchers) {
			out = append(out, r)
		}
	}
	return out, nil
}

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(strings.ToLower(p))
		if err != nil {
			return nil, fmt.Errorf("history: invalid package pattern %q: %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

func anyItemMatches(items []Item, matchers []glob.Glob) bool {
	for _, it := range items {
		name := strings.ToLower(it.Package.Name)
		for _, g := range matchers {
			if g.Match(name) {
				return true
			}
		}
	}
	return false
}

func (s *Store) query(ctx context.Context, clause string, args []any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, dt_begin, dt_end, releasever, user_id, comment, description, state FROM trans `+clause+` ORDER BY id`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer rows.Close()

	var (
		recs  []Record
		index = map[int64]int{}
	)
	for rows.Next() {
		var (
			r      Record
			begin  int64
			end    sql.NullInt64
			state  string
			userID int64
		)
		if err := rows.Scan(&r.ID, &begin, &end, &r.ReleaseVer, &userID, &r.Comment, &r.Description, &state); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		r.Begin = time.Unix(begin, 0)
		if end.Valid {
			r.End = time.Unix(end.Int64, 0)
		}
		r.UserID = uint32(userID)
		r.State = State(state)
		index[r.ID] = len(recs)
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: rows: %w", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}

	if err := s.loadItems(ctx, recs, index); err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *Store) loadItems(ctx context.Context, recs []Record, index map[int64]int) error {
	ids := make([]any, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT trans_id, action, name, epoch, version, release, arch, repoid FROM trans_item
		 WHERE trans_id IN (`+strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")+`)
		 ORDER BY trans_id, seq`,
		ids...)
	if err != nil {
		return fmt.Errorf("history: query items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			transID int64
			action  uint32
			p       rpmpkg.Package
		)
		if err := rows.Scan(&transID, &action, &p.Name, &p.Epoch, &p.Version, &p.Release, &p.Arch, &p.RepoID); err != nil {
			return fmt.Errorf("history: scan item: %w", err)
		}
		i := index[transID]
		recs[i].Items = append(recs[i].Items, Item{Action: rpmpkg.Action(action), Package: p})
	}
	return rows.Err()
}
