// Package sqlitestore implements internal/durable.Store over SQLite
// (database/sql + modernc.org/sqlite): a single connection, WAL journal
// mode, a busy timeout, and one generic key-value table so the same
// file layout can back any of the Episodic/Semantic/Skill stores.
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"sort"

	_ "modernc.org/sqlite"

	"github.com/CLIAIRMONITOR/memcore/internal/durable"
	"github.com/CLIAIRMONITOR/memcore/internal/memerr"
)

//go:embed schema.sql
var schema string

// Store is a durable.Store backed by a single SQLite file.
type Store struct {
	db *sql.DB
}

// Open creates/opens the SQLite file at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindInternal, "sqlitestore: open", err)
	}
	db.SetMaxOpenConns(1) // SQLite behaves best under a single writer connection

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, memerr.Wrap(memerr.KindInternal, "sqlitestore: enable WAL", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, memerr.Wrap(memerr.KindInternal, "sqlitestore: set busy_timeout", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, memerr.Wrap(memerr.KindInternal, "sqlitestore: apply schema", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, memerr.New(memerr.KindNotFound, "sqlitestore: key not found")
	}
	if err != nil {
		return nil, memerr.Wrap(memerr.KindInternal, "sqlitestore: get", err)
	}
	return v, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return memerr.Wrap(memerr.KindInternal, "sqlitestore: put", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return memerr.Wrap(memerr.KindInternal, "sqlitestore: delete", err)
	}
	return nil
}

func (s *Store) Scan(ctx context.Context, prefix string, limit int) ([]durable.KV, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value FROM kv WHERE key >= ? AND key < ? ORDER BY key ASC LIMIT ?
	`, prefix, prefixUpperBound(prefix), scanLimit(limit))
	if err != nil {
		return nil, memerr.Wrap(memerr.KindInternal, "sqlitestore: scan", err)
	}
	defer rows.Close()

	var out []durable.KV
	for rows.Next() {
		var kv durable.KV
		if err := rows.Scan(&kv.Key, &kv.Value); err != nil {
			return nil, memerr.Wrap(memerr.KindInternal, "sqlitestore: scan row", err)
		}
		out = append(out, kv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, rows.Err()
}

// Transaction runs fn against a committed-or-rolled-back sql.Tx wrapped
// as durable.Tx.
func (s *Store) Transaction(ctx context.Context, fn func(durable.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return memerr.Wrap(memerr.KindInternal, "sqlitestore: begin tx", err)
	}

	tx := &txn{ctx: ctx, tx: sqlTx}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return memerr.Wrap(memerr.KindInternal, "sqlitestore: commit", err)
	}
	return nil
}

type txn struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *txn) Get(key string) ([]byte, error) {
	var v []byte
	err := t.tx.QueryRowContext(t.ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, memerr.New(memerr.KindNotFound, "sqlitestore: key not found")
	}
	if err != nil {
		return nil, memerr.Wrap(memerr.KindInternal, "sqlitestore: tx get", err)
	}
	return v, nil
}

func (t *txn) Put(key string, value []byte) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return memerr.Wrap(memerr.KindInternal, "sqlitestore: tx put", err)
	}
	return nil
}

func (t *txn) Delete(key string) error {
	_, err := t.tx.ExecContext(t.ctx, `DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return memerr.Wrap(memerr.KindInternal, "sqlitestore: tx delete", err)
	}
	return nil
}

func (t *txn) Scan(prefix string, limit int) ([]durable.KV, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT key, value FROM kv WHERE key >= ? AND key < ? ORDER BY key ASC LIMIT ?
	`, prefix, prefixUpperBound(prefix), scanLimit(limit))
	if err != nil {
		return nil, memerr.Wrap(memerr.KindInternal, "sqlitestore: tx scan", err)
	}
	defer rows.Close()

	var out []durable.KV
	for rows.Next() {
		var kv durable.KV
		if err := rows.Scan(&kv.Key, &kv.Value); err != nil {
			return nil, memerr.Wrap(memerr.KindInternal, "sqlitestore: tx scan row", err)
		}
		out = append(out, kv)
	}
	return out, rows.Err()
}

// scanLimit translates the store convention that limit<=0 means
// unbounded into SQLite's LIMIT -1 (no limit); a literal LIMIT 0 would
// return zero rows.
func scanLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

// prefixUpperBound returns the smallest string that is lexicographically
// greater than every string sharing prefix, giving a half-open [prefix,
// upper) range usable with a plain B-tree index scan.
func prefixUpperBound(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xFF {
			b[i]++
			return string(b[:i+1])
		}
	}
	return string(append(b, 0xFF))
}
