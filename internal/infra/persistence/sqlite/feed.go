package sqlite

import (
	"context"
	"fmt"
	"time"

	"register/internal/infra/persistence/sqlrecord"
	"register/pkg/domain"
)

const pollBatch = 256

// Watch starts a feed positioned after the newest change log entry.
func (s *Store) Watch(ctx context.Context) (domain.Cursor[domain.LifecycleEvent], error) {
	var last int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM record_changes`).Scan(&last)
	if err != nil {
		return nil, s.Wrap("watch", err)
	}
	return &feed{store: s, last: last}, nil
}

type feed struct {
	store   *Store
	last    int64
	pending []sqlrecord.Change
	closed  bool
}

func (f *feed) Next(ctx context.Context) (domain.LifecycleEvent, error) {
	for {
		if f.closed {
			return domain.LifecycleEvent{}, fmt.Errorf("sqlite feed closed: %w", context.Canceled)
		}
		if len(f.pending) > 0 {
			c := f.pending[0]
			f.pending = f.pending[1:]
			ev, ok, err := c.Event()
			if err != nil {
				return domain.LifecycleEvent{}, err
			}
			if ok {
				return ev, nil
			}
			continue
		}
		if err := f.poll(ctx); err != nil {
			return domain.LifecycleEvent{}, err
		}
		if len(f.pending) > 0 {
			continue
		}
		timer := time.NewTimer(f.store.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return domain.LifecycleEvent{}, ctx.Err()
		case <-timer.C:
		}
	}
}

// poll loads the entries after f.last. A first entry that does not directly
// follow f.last means the log was pruned past this feed.
func (f *feed) poll(ctx context.Context) error {
	rows, err := f.store.db.QueryContext(ctx,
		`SELECT `+sqlrecord.ChangeSelectList+` FROM record_changes WHERE seq > ? ORDER BY seq LIMIT ?`, f.last, pollBatch)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return f.store.Wrap("watch", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		c, err := sqlrecord.ScanChange(rows)
		if err != nil {
			return f.store.Wrap("watch", err)
		}
		if c.Seq != f.last+1 {
			return fmt.Errorf("change log pruned past %d: %w", f.last, domain.ErrFeedInvalidated)
		}
		f.last = c.Seq
		f.pending = append(f.pending, c)
	}
	if err := rows.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return f.store.Wrap("watch", err)
	}
	return nil
}

func (f *feed) Close(context.Context) error {
	f.closed = true
	f.pending = nil
	return nil
}
