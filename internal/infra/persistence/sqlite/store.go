// Package sqlite provides the SQLite record store. Row triggers append every
// write to a change log that backs the change feed.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"register/internal/infra/persistence/sqlrecord"
	"register/pkg/domain"
)

//go:embed schema.sql
var schemaSQL string

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.RecordStore = (*Store)(nil)

// Schema version tracking:
// 1 - records table, change log and triggers
// 2 - change log entries carry the record image
const currentSchemaVersion = 2

// dropChangeLog removes a change log older than version 2 so the schema can
// recreate it with image columns. Pending entries are discarded.
var dropChangeLog = []string{
	"DROP TRIGGER IF EXISTS records_after_insert",
	"DROP TRIGGER IF EXISTS records_after_update",
	"DROP TRIGGER IF EXISTS records_after_delete",
	"DROP TABLE IF EXISTS record_changes",
}

const (
	defaultPath         = "register.db"
	defaultRetention    = 10000
	defaultPollInterval = 100 * time.Millisecond
)

// Store persists records in a single SQLite file.
type Store struct {
	*sqlrecord.Store
	db           *sql.DB
	path         string
	retention    int64
	pollInterval time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithRetention bounds the change log to the newest n entries.
func WithRetention(n int64) Option {
	return func(s *Store) {
		if n > 0 {
			s.retention = n
		}
	}
}

// WithPollInterval sets how often an idle feed checks the change log.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// Dialect is the SQLite flavour of the shared relational mapping.
var Dialect = sqlrecord.Dialect{
	Name:          "sqlite",
	Placeholder:   sqlrecord.Question,
	Unavailable:   unavailable,
	BufferQueries: true,
}

// Open creates or opens the database at path, applies pragmas and the schema.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite has a single writer; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &Store{db: db, path: path, retention: defaultRetention, pollInterval: defaultPollInterval}
	for _, opt := range opts {
		opt(s)
	}
	s.Store = sqlrecord.New(db, Dialect, sqlrecord.WithAfterWrite(s.prune))
	return s, nil
}

// Migrate applies pragmas and the schema. It is idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if version > 0 && version < 2 {
		for _, stmt := range dropChangeLog {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("execute %q: %w", stmt, err)
			}
		}
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// Path returns the database file.
func (s *Store) Path() string { return s.path }

// prune trims the change log after a write.
func (s *Store) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM record_changes WHERE seq <= (SELECT MAX(seq) FROM record_changes) - ?`, s.retention)
	return err
}

// Close closes the database. Open feeds fail on their next poll.
func (s *Store) Close(context.Context) error {
	return s.db.Close()
}

func unavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_IOERR:
			return true
		}
	}
	return false
}
