// Package postgres provides the Postgres record store. Row triggers append
// every write to a change log and publish its position on a notification
// channel that backs the change feed.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"register/internal/infra/persistence/sqlrecord"
	"register/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.RecordStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	// Default DSN keeps parity with the configuration defaults while allowing overrides via env.
	defaultDSN         = "postgres://localhost/register?sslmode=disable"
	defaultIdleTimeout = 5 * time.Second
	// Channel carries the record_changes seq of every row change.
	Channel = "register_changes"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Dialect is the Postgres flavour of the shared relational mapping.
var Dialect = sqlrecord.Dialect{
	Name:        "postgres",
	Placeholder: sqlrecord.Dollar,
	Unavailable: unavailable,
}

// Store persists records in the records table.
type Store struct {
	*sqlrecord.Store
	db          *sql.DB
	idleTimeout time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithIdleTimeout bounds each wait for a notification.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.idleTimeout = d
		}
	}
}

// Open connects using dsn (falls back to defaultDSN) and applies the schema.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, domain.NewUnavailableError("ping postgres", err)
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &Store{db: db, idleTimeout: defaultIdleTimeout}
	for _, opt := range opts {
		opt(s)
	}
	s.Store = sqlrecord.New(db, Dialect)
	return s, nil
}

// OverrideSQLOpen swaps the sql.Open implementation, returning a restore func.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}

// Close closes the pool. Open feeds hold their own connection until closed.
func (s *Store) Close(context.Context) error {
	return s.db.Close()
}

func unavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	if pgconn.Timeout(err) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
