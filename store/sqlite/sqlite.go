// Copyright 2015 Google Inc. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite implements a durable store.Backend over a relational
// schema, a direct Go port of the framework in
// ral_network/sqlite_ral_framework.py: one "abstractions" table and one
// "triples" table, queried through database/sql with
// github.com/mattn/go-sqlite3 as the driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gratach/ral/abstraction"
	"github.com/gratach/ral/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS abstractions (
	id INTEGER PRIMARY KEY,
	data TEXT,
	format TEXT,
	connections TEXT,
	tripleIds TEXT,
	remember INTEGER
);
CREATE TABLE IF NOT EXISTS triples (
	id INTEGER PRIMARY KEY,
	subject INTEGER,
	predicate INTEGER,
	object INTEGER,
	owner INTEGER
);
CREATE INDEX IF NOT EXISTS triples_subject ON triples(subject);
CREATE INDEX IF NOT EXISTS triples_predicate ON triples(predicate);
CREATE INDEX IF NOT EXISTS triples_object ON triples(object);
CREATE INDEX IF NOT EXISTS triples_owner ON triples(owner);
`

// Option configures a Backend at Open time.
type Option func(*config)

type config struct {
	busyTimeoutMS int
}

// WithBusyTimeout sets sqlite's busy_timeout pragma, in milliseconds.
func WithBusyTimeout(ms int) Option {
	return func(c *config) { c.busyTimeoutMS = ms }
}

// Backend is a sqlite-backed store.Backend. Construct with Open.
type Backend struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// Open opens (creating if necessary) the sqlite database at path and
// ensures the abstractions/triples schema exists.
func Open(path string, opts ...Option) (*Backend, error) {
	cfg := config{busyTimeoutMS: 5000}
	for _, opt := range opts {
		opt(&cfg)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("ral/store/sqlite: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.busyTimeoutMS)); err != nil {
		db.Close()
		return nil, fmt.Errorf("ral/store/sqlite: set busy_timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ral/store/sqlite: create schema: %w", err)
	}
	return &Backend{db: db, path: path}, nil
}

// Close releases the underlying database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

// Name identifies this backend implementation.
func (b *Backend) Name(ctx context.Context) string { return "sqlite:" + b.path }

// InternData returns the canonical id for (data, format).
func (b *Backend) InternData(ctx context.Context, data, format string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var id int64
	row := b.db.QueryRowContext(ctx, "SELECT id FROM abstractions WHERE data = ? AND format = ?", data, format)
	switch err := row.Scan(&id); err {
	case nil:
		return strconv.FormatInt(id, 10), nil
	case sql.ErrNoRows:
	default:
		return "", err
	}

	res, err := b.db.ExecContext(ctx, "INSERT INTO abstractions (data, format, connections, tripleIds, remember) VALUES (?, ?, NULL, NULL, 0)", data, format)
	if err != nil {
		return "", err
	}
	id, err = res.LastInsertId()
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}

// InternConstructed returns the canonical id for the given triple set.
// The abstraction row and every one of its triple rows are inserted
// under a single transaction, so a failure partway through (a
// cancelled ctx, a disk error on the Nth triple) leaves no dangling,
// non-canonical abstraction behind.
func (b *Backend) InternConstructed(ctx context.Context, triples []abstraction.Triple) (string, error) {
	deduped := abstraction.Dedup(triples)
	key := abstraction.CanonicalKey(deduped)

	b.mu.Lock()
	defer b.mu.Unlock()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var id int64
	row := tx.QueryRowContext(ctx, "SELECT id FROM abstractions WHERE connections = ?", key)
	switch err := row.Scan(&id); err {
	case nil:
		return strconv.FormatInt(id, 10), tx.Commit()
	case sql.ErrNoRows:
	default:
		return "", err
	}

	res, err := tx.ExecContext(ctx, "INSERT INTO abstractions (data, format, connections, tripleIds, remember) VALUES (NULL, NULL, ?, NULL, 0)", key)
	if err != nil {
		return "", err
	}
	id, err = res.LastInsertId()
	if err != nil {
		return "", err
	}
	idStr := strconv.FormatInt(id, 10)

	tripleIDs := make([]string, 0, len(deduped))
	for _, t := range deduped {
		tres, err := tx.ExecContext(ctx, "INSERT INTO triples (subject, predicate, object, owner) VALUES (?, ?, ?, ?)",
			t.Sub.Resolve(idStr), t.Pred.Resolve(idStr), t.Obj.Resolve(idStr), idStr)
		if err != nil {
			return "", err
		}
		tid, err := tres.LastInsertId()
		if err != nil {
			return "", err
		}
		tripleIDs = append(tripleIDs, strconv.FormatInt(tid, 10))
	}
	if _, err := tx.ExecContext(ctx, "UPDATE abstractions SET tripleIds = ? WHERE id = ?", strings.Join(tripleIDs, ","), idStr); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return idStr, nil
}

// Kind reports whether id is a data or constructed abstraction.
func (b *Backend) Kind(ctx context.Context, id string) (abstraction.Kind, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var data sql.NullString
	row := b.db.QueryRowContext(ctx, "SELECT data FROM abstractions WHERE id = ?", id)
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, err
	}
	if data.Valid {
		return abstraction.Data, true, nil
	}
	return abstraction.Constructed, true, nil
}

// Payload returns the (data, format) pair of a data abstraction.
func (b *Backend) Payload(ctx context.Context, id string) (string, string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var data, format sql.NullString
	row := b.db.QueryRowContext(ctx, "SELECT data, format FROM abstractions WHERE id = ?", id)
	if err := row.Scan(&data, &format); err != nil {
		if err == sql.ErrNoRows {
			return "", "", false, nil
		}
		return "", "", false, err
	}
	if !data.Valid {
		return "", "", false, nil
	}
	return data.String, format.String, true, nil
}

// TripleSet returns the triple set of a constructed abstraction, with
// SELF rematerialised relative to id.
func (b *Backend) TripleSet(ctx context.Context, id string) ([]abstraction.Triple, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kind, ok, err := b.kindLocked(ctx, id)
	if err != nil || !ok || kind != abstraction.Constructed {
		return nil, false, err
	}
	rows, err := b.db.QueryContext(ctx, "SELECT subject, predicate, object FROM triples WHERE owner = ?", id)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()
	var out []abstraction.Triple
	for rows.Next() {
		var sub, pred, obj string
		if err := rows.Scan(&sub, &pred, &obj); err != nil {
			return nil, false, err
		}
		out = append(out, abstraction.Triple{
			Sub:  abstraction.FromResolved(sub, id),
			Pred: abstraction.FromResolved(pred, id),
			Obj:  abstraction.FromResolved(obj, id),
		})
	}
	return out, true, rows.Err()
}

func (b *Backend) kindLocked(ctx context.Context, id string) (abstraction.Kind, bool, error) {
	var data sql.NullString
	row := b.db.QueryRowContext(ctx, "SELECT data FROM abstractions WHERE id = ?", id)
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, err
	}
	if data.Valid {
		return abstraction.Data, true, nil
	}
	return abstraction.Constructed, true, nil
}

// Remembered reports the persistent pin flag of id.
func (b *Backend) Remembered(ctx context.Context, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var remember int
	row := b.db.QueryRowContext(ctx, "SELECT remember FROM abstractions WHERE id = ?", id)
	if err := row.Scan(&remember); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return remember != 0, nil
}

// SetRemembered sets the persistent pin flag of id.
func (b *Backend) SetRemembered(ctx context.Context, id string, remembered bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	v := 0
	if remembered {
		v = 1
	}
	_, err := b.db.ExecContext(ctx, "UPDATE abstractions SET remember = ? WHERE id = ?", v, id)
	return err
}

// Exists reports whether id currently names a stored abstraction.
func (b *Backend) Exists(ctx context.Context, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var dummy int
	row := b.db.QueryRowContext(ctx, "SELECT 1 FROM abstractions WHERE id = ?", id)
	if err := row.Scan(&dummy); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// AllIDs returns every currently stored abstraction id.
func (b *Backend) AllIDs(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rows, err := b.db.QueryContext(ctx, "SELECT id FROM abstractions")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, strconv.FormatInt(id, 10))
	}
	return out, rows.Err()
}

// Clear drops every stored abstraction.
func (b *Backend) Clear(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM triples"); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM abstractions"); err != nil {
		return err
	}
	return tx.Commit()
}

// SafeDeleteProbe removes id if it is unremembered, not externally
// live, and referenced (if at all) only by its own triples, a direct
// port of checkForSafeAbstractionDeletion.
func (b *Backend) SafeDeleteProbe(ctx context.Context, id string, externallyLive func(string) bool) (bool, []string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return false, nil, err
	}
	defer tx.Rollback()

	var remember sql.NullInt64
	row := tx.QueryRowContext(ctx, "SELECT remember FROM abstractions WHERE id = ?", id)
	if err := row.Scan(&remember); err != nil {
		if err == sql.ErrNoRows {
			return false, nil, tx.Commit()
		}
		return false, nil, err
	}
	if remember.Valid && remember.Int64 != 0 {
		return false, nil, tx.Commit()
	}
	if externallyLive(id) {
		return false, nil, tx.Commit()
	}

	rows, err := tx.QueryContext(ctx, "SELECT id, subject, predicate, object, owner FROM triples WHERE subject = ? OR predicate = ? OR object = ? OR owner = ?", id, id, id, id)
	if err != nil {
		return false, nil, err
	}
	type row5 struct {
		tid, sub, pred, obj, owner string
	}
	var linked []row5
	for rows.Next() {
		var r row5
		if err := rows.Scan(&r.tid, &r.sub, &r.pred, &r.obj, &r.owner); err != nil {
			rows.Close()
			return false, nil, err
		}
		linked = append(linked, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, nil, err
	}

	for _, r := range linked {
		if r.owner != id {
			return false, nil, tx.Commit()
		}
	}

	released := make(map[string]bool)
	for _, r := range linked {
		for _, ref := range []string{r.sub, r.pred, r.obj} {
			if ref != id {
				released[ref] = true
			}
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM triples WHERE id = ?", r.tid); err != nil {
			return false, nil, err
		}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM abstractions WHERE id = ?", id); err != nil {
		return false, nil, err
	}

	if err := tx.Commit(); err != nil {
		return false, nil, err
	}
	out := make([]string, 0, len(released))
	for rid := range released {
		out = append(out, rid)
	}
	return true, out, nil
}

// ForceDelete clears id's remembered flag and reports every
// abstraction whose triples mention id, a direct port of
// forceAbstractionDeletion.
func (b *Backend) ForceDelete(ctx context.Context, id string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "UPDATE abstractions SET remember = 0 WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, tx.Commit()
	}

	rows, err := tx.QueryContext(ctx, "SELECT DISTINCT owner FROM triples WHERE (subject = ? OR predicate = ? OR object = ?) AND owner != ?", id, id, id, id)
	if err != nil {
		return nil, err
	}
	var owners []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			rows.Close()
			return nil, err
		}
		owners = append(owners, owner)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return owners, nil
}

// LinkedTriples returns every triple in which id occurs as subject,
// predicate, object, or owner.
func (b *Backend) LinkedTriples(ctx context.Context, id string) ([]store.ResolvedTriple, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rows, err := b.db.QueryContext(ctx, "SELECT subject, predicate, object, owner FROM triples WHERE subject = ? OR predicate = ? OR object = ? OR owner = ?", id, id, id, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.ResolvedTriple
	for rows.Next() {
		var t store.ResolvedTriple
		if err := rows.Scan(&t.Sub, &t.Pred, &t.Obj, &t.Owner); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AllTriples returns the entire triple table.
func (b *Backend) AllTriples(ctx context.Context) ([]store.ResolvedTriple, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rows, err := b.db.QueryContext(ctx, "SELECT subject, predicate, object, owner FROM triples")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.ResolvedTriple
	for rows.Next() {
		var t store.ResolvedTriple
		if err := rows.Scan(&t.Sub, &t.Pred, &t.Obj, &t.Owner); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AllData returns every stored data abstraction.
func (b *Backend) AllData(ctx context.Context) ([]store.DataRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rows, err := b.db.QueryContext(ctx, "SELECT id, data, format FROM abstractions WHERE data IS NOT NULL")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.DataRecord
	for rows.Next() {
		var r store.DataRecord
		if err := rows.Scan(&r.ID, &r.Data, &r.Format); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// OwnerTripleCount returns the number of triples owned by owner.
func (b *Backend) OwnerTripleCount(ctx context.Context, owner string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int
	row := b.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM triples WHERE owner = ?", owner)
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

var _ store.Backend = (*Backend)(nil)
