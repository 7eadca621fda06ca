package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"

	"register/internal/infra/persistence/sqlrecord"
	"register/pkg/domain"
)

// decodeNotification parses the change log seq published by
// register_notify_change.
func decodeNotification(payload string) (int64, error) {
	seq, err := strconv.ParseInt(payload, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode notification %q: %w", payload, err)
	}
	return seq, nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// readChange loads the change log entry at seq. An entry already trimmed by
// retention invalidates the feed.
func (s *Store) readChange(ctx context.Context, q rowQuerier, seq int64) (domain.LifecycleEvent, bool, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+sqlrecord.ChangeSelectList+` FROM record_changes WHERE seq = $1`, seq)
	c, err := sqlrecord.ScanChange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.LifecycleEvent{}, false, fmt.Errorf("change %d trimmed from log: %w", seq, domain.ErrFeedInvalidated)
	}
	if err != nil {
		if ctx.Err() != nil {
			return domain.LifecycleEvent{}, false, ctx.Err()
		}
		return domain.LifecycleEvent{}, false, s.Wrap("watch", err)
	}
	return c.Event()
}

// Watch reserves one pooled connection and LISTENs on Channel. The connection
// is released when the cursor is closed.
func (s *Store) Watch(ctx context.Context) (domain.Cursor[domain.LifecycleEvent], error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, s.Wrap("watch", err)
	}
	if _, err := conn.ExecContext(ctx, "LISTEN "+Channel); err != nil {
		_ = conn.Close()
		return nil, s.Wrap("listen", err)
	}
	return &feed{store: s, conn: conn}, nil
}

type feed struct {
	store  *Store
	conn   *sql.Conn
	closed bool
}

func (f *feed) Next(ctx context.Context) (domain.LifecycleEvent, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.LifecycleEvent{}, err
		}
		if f.closed {
			return domain.LifecycleEvent{}, fmt.Errorf("postgres feed closed: %w", context.Canceled)
		}
		waitCtx, cancel := context.WithTimeout(ctx, f.store.idleTimeout)
		n, err := f.wait(waitCtx)
		idle := waitCtx.Err() != nil
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return domain.LifecycleEvent{}, ctx.Err()
			}
			if idle || pgconn.Timeout(err) {
				continue
			}
			return domain.LifecycleEvent{}, f.store.Wrap("watch", err)
		}
		ev, ok, err := f.resolve(ctx, n.Payload)
		if err != nil {
			return domain.LifecycleEvent{}, err
		}
		if ok {
			return ev, nil
		}
	}
}

func (f *feed) wait(ctx context.Context) (*pgconn.Notification, error) {
	var n *pgconn.Notification
	err := f.conn.Raw(func(driverConn any) error {
		c, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("unexpected driver connection %T", driverConn)
		}
		var err error
		n, err = c.Conn().WaitForNotification(ctx)
		return err
	})
	return n, err
}

// resolve maps a notification to the event recorded at that position; ok is
// false for kinds the feed does not report.
func (f *feed) resolve(ctx context.Context, payload string) (domain.LifecycleEvent, bool, error) {
	seq, err := decodeNotification(payload)
	if err != nil {
		return domain.LifecycleEvent{}, false, f.store.Wrap("watch", err)
	}
	return f.store.readChange(ctx, f.conn, seq)
}

func (f *feed) Close(ctx context.Context) error {
	if f.closed {
		return nil
	}
	f.closed = true
	_, unlistenErr := f.conn.ExecContext(ctx, "UNLISTEN *")
	if err := f.conn.Close(); err != nil {
		return f.store.Wrap("close feed", err)
	}
	if unlistenErr != nil {
		return f.store.Wrap("unlisten", unlistenErr)
	}
	return nil
}
