// Package storage keeps resumable session tokens in a local SQLite
// database so a later run in the same workspace can continue a session.
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed schema.sql
var schemaSQL string

// ErrStoreClosed is returned by every operation on a nil or closed store.
var ErrStoreClosed = errors.New("storage: closed")

// Store is the session token database.
type Store struct {
	db *sql.DB

	mu        sync.RWMutex
	observers []Observer
}

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
}

// New opens (creating if needed) the database at path. path may be a plain
// file path, a file: URI or ":memory:".
func New(path string) (*Store, error) {
	if file, ok := diskPath(path); ok {
		if err := prepareFile(file); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}
	// A handful of conductor processes can share one file.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	if err := migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the database. Closing a nil store is a no-op.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AddObserver subscribes to session changes.
func (s *Store) AddObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// notify delivers asynchronously so a slow observer never holds a write.
func (s *Store) notify(ev Event) {
	s.mu.RLock()
	targets := make([]Observer, len(s.observers))
	copy(targets, s.observers)
	s.mu.RUnlock()

	for _, o := range targets {
		go o.HandleStorageEvent(ev)
	}
}

// SchemaVersion reports the highest applied migration.
func (s *Store) SchemaVersion() (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrStoreClosed
	}
	return schemaVersion(context.Background(), s.db)
}

// diskPath extracts the file behind a DSN. In-memory and non-file DSNs
// report false.
func diskPath(dsn string) (string, bool) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "", dsn == ":memory:":
		return "", false
	case strings.HasPrefix(dsn, "file:"):
		u, err := url.Parse(dsn)
		if err != nil {
			return "", false
		}
		p := u.Path
		if p == "" {
			p = u.Opaque
		}
		if p == "" || p == ":memory:" {
			return "", false
		}
		return p, true
	case strings.Contains(dsn, "://"):
		return "", false
	}
	return dsn, true
}

// prepareFile creates the database directory and file owner-only. Resume
// tokens grant access to a conversation, so nobody else should read them.
func prepareFile(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create database directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	switch {
	case err == nil:
		return f.Close()
	case os.IsExist(err):
		return nil
	default:
		return fmt.Errorf("create database file: %w", err)
	}
}

type migration struct {
	version int
	name    string
	up      func(ctx context.Context, tx *sql.Tx) error
}

// Version 1 is schema.sql itself. Later entries patch databases created by
// older builds.
var migrations = []migration{
	{1, "initial_schema", func(context.Context, *sql.Tx) error { return nil }},
	{2, "session_outcome", addOutcomeColumns},
}

func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	current, err := schemaVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return fmt.Errorf("migration %d %s: %w", m.version, m.name, err)
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := m.up(ctx, tx); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, m.version, m.name); err != nil {
		return err
	}
	return tx.Commit()
}

func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v)
	return v, err
}

func addOutcomeColumns(ctx context.Context, tx *sql.Tx) error {
	have, err := columns(ctx, tx, "session_tokens")
	if err != nil {
		return err
	}
	adds := []struct{ name, ddl string }{
		{"state", `ALTER TABLE session_tokens ADD COLUMN state TEXT NOT NULL DEFAULT 'starting'`},
		{"iterations", `ALTER TABLE session_tokens ADD COLUMN iterations INTEGER NOT NULL DEFAULT 0`},
	}
	for _, a := range adds {
		if have[a.name] {
			continue
		}
		if _, err := tx.ExecContext(ctx, a.ddl); err != nil {
			return fmt.Errorf("add column %s: %w", a.name, err)
		}
	}
	return nil
}

// columns lists a table's column names, lowercased.
func columns(ctx context.Context, tx *sql.Tx, table string) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[strings.ToLower(name)] = true
	}
	return out, rows.Err()
}

// retryable reports lock contention that clears on its own.
func retryable(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}
