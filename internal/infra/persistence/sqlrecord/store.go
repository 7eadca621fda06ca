package sqlrecord

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"

	"register/pkg/domain"
)

// Dialect captures what differs between the relational engines.
type Dialect struct {
	Name string
	// Placeholder renders the n-th bind parameter, starting at 1.
	Placeholder func(n int) string
	// Unavailable reports errors caused by connectivity or timeouts.
	Unavailable func(error) bool
	// BufferQueries drains query results before returning the cursor so the
	// connection is released immediately.
	BufferQueries bool
}

// Dollar numbers parameters the Postgres way.
func Dollar(n int) string { return fmt.Sprintf("$%d", n) }

// Question renders anonymous SQLite parameters.
func Question(int) string { return "?" }

// Store implements the relational part of domain.RecordStore. Engines embed
// it and add their change feed.
type Store struct {
	db         *sql.DB
	dialect    Dialect
	codec      domain.UUIDCodec
	afterWrite func(context.Context) error
}

// Option configures a Store.
type Option func(*Store)

// WithAfterWrite registers a hook run after every committed write. Its error
// is returned to the caller wrapped as a storage failure.
func WithAfterWrite(fn func(context.Context) error) Option {
	return func(s *Store) { s.afterWrite = fn }
}

// New wraps db. The records table must already exist.
func New(db *sql.DB, dialect Dialect, opts ...Option) *Store {
	s := &Store{db: db, dialect: dialect}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB exposes the underlying handle for engine specific statements.
func (s *Store) DB() *sql.DB { return s.db }

// Wrap classifies err as a storage failure of op.
func (s *Store) Wrap(op string, err error) error {
	if s.dialect.Unavailable != nil && s.dialect.Unavailable(err) {
		return domain.NewUnavailableError(s.dialect.Name+" "+op, err)
	}
	return domain.NewStorageError(s.dialect.Name+" "+op, err)
}

func (s *Store) args(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = s.dialect.Placeholder(i + 1)
	}
	return out
}

func (s *Store) written(ctx context.Context, op string) error {
	if s.afterWrite == nil {
		return nil
	}
	if err := s.afterWrite(ctx); err != nil {
		return s.Wrap(op, err)
	}
	return nil
}

// CreateDraft inserts a Draft row under a fresh UUIDv7.
func (s *Store) CreateDraft(ctx context.Context, summary string) (string, error) {
	rec := domain.NewDraft(summary)
	rec.ID = s.codec.Encode(s.codec.New())
	p := s.args(4)
	query := fmt.Sprintf(`INSERT INTO %s (id, api_version, summary, state) VALUES (%s)`, Table, strings.Join(p, ", "))
	if _, err := s.db.ExecContext(ctx, query, rec.ID, int64(rec.APIVersion), rec.Summary, int64(rec.State)); err != nil {
		return "", s.Wrap("create draft", err)
	}
	if err := s.written(ctx, "create draft"); err != nil {
		return "", err
	}
	return rec.ID, nil
}

// UpdateDraftSummary replaces the summary of a row still in Draft.
func (s *Store) UpdateDraftSummary(ctx context.Context, id, summary string) error {
	return s.update(ctx, "update draft", id, domain.StateDraft, []string{"summary"}, []any{summary})
}

// DeleteDraft removes a row still in Draft.
func (s *Store) DeleteDraft(ctx context.Context, id string) error {
	if _, err := s.codec.Decode(id); err != nil {
		return err
	}
	p := s.args(2)
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = %s AND state = %s`, Table, p[0], p[1])
	res, err := s.db.ExecContext(ctx, query, id, int64(domain.StateDraft))
	return s.conditional(ctx, "delete draft", id, res, err)
}

// Apply runs m as a single conditional UPDATE.
func (s *Store) Apply(ctx context.Context, id string, m domain.Mutation) error {
	cols, vals := Assignments(m)
	return s.update(ctx, m.Op.String(), id, m.Requires, cols, vals)
}

func (s *Store) update(ctx context.Context, op, id string, required domain.RecordState, cols []string, vals []any) error {
	if _, err := s.codec.Decode(id); err != nil {
		return err
	}
	p := s.args(len(cols) + 2)
	set := make([]string, len(cols))
	for i, col := range cols {
		set[i] = col + " = " + p[i]
	}
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE id = %s AND state = %s`,
		Table, strings.Join(set, ", "), p[len(cols)], p[len(cols)+1])
	args := append(append([]any{}, vals...), id, int64(required))
	res, err := s.db.ExecContext(ctx, query, args...)
	return s.conditional(ctx, op, id, res, err)
}

func (s *Store) conditional(ctx context.Context, op, id string, res sql.Result, err error) error {
	if err != nil {
		return s.Wrap(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.Wrap(op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", op, id, domain.ErrPreconditionFailed)
	}
	return s.written(ctx, op)
}

// FetchByID returns the row or domain.ErrNotFound.
func (s *Store) FetchByID(ctx context.Context, id string) (domain.Record, error) {
	if _, err := s.codec.Decode(id); err != nil {
		return domain.Record{}, err
	}
	rec, found, err := s.Lookup(ctx, id)
	if err != nil {
		return domain.Record{}, err
	}
	if !found {
		return domain.Record{}, fmt.Errorf("fetch %s: %w", id, domain.ErrNotFound)
	}
	return rec, nil
}

// Lookup reads the current row for an id already known to be well formed.
func (s *Store) Lookup(ctx context.Context, id string) (domain.Record, bool, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = %s`, SelectList, Table, s.dialect.Placeholder(1))
	rec, err := Scan(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Record{}, false, nil
	}
	if err != nil {
		return domain.Record{}, false, s.Wrap("fetch", err)
	}
	return rec, true, nil
}

// Query selects matching rows in ascending id order.
func (s *Store) Query(ctx context.Context, f domain.Filter) (domain.Cursor[domain.Record], error) {
	if len(f.States) == 0 {
		return &bufferedCursor{}, nil
	}
	n := len(f.States)
	if f.Created != nil {
		n += 2
	}
	p := s.args(n)
	args := make([]any, 0, n)
	for _, state := range f.States {
		args = append(args, int64(state))
	}
	where := fmt.Sprintf("state IN (%s)", strings.Join(p[:len(f.States)], ", "))
	if f.Created != nil {
		where += fmt.Sprintf(" AND created BETWEEN %s AND %s", p[len(f.States)], p[len(f.States)+1])
		args = append(args, Millis(f.Created.From), Millis(f.Created.To))
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY id`, SelectList, Table, where)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.Wrap("query", err)
	}
	cur := &rowsCursor{rows: rows, store: s}
	if !s.dialect.BufferQueries {
		return cur, nil
	}
	defer func() { _ = rows.Close() }()
	var records []domain.Record
	for {
		rec, err := cur.Next(ctx)
		if errors.Is(err, io.EOF) {
			return &bufferedCursor{records: records}, nil
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
}

type rowsCursor struct {
	rows  *sql.Rows
	store *Store
}

func (c *rowsCursor) Next(ctx context.Context) (domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return domain.Record{}, err
	}
	if !c.rows.Next() {
		if err := c.rows.Err(); err != nil {
			return domain.Record{}, c.store.Wrap("query", err)
		}
		return domain.Record{}, io.EOF
	}
	rec, err := Scan(c.rows)
	if err != nil {
		return domain.Record{}, c.store.Wrap("query", err)
	}
	return rec, nil
}

func (c *rowsCursor) Close(context.Context) error {
	return c.rows.Close()
}

type bufferedCursor struct {
	records []domain.Record
	pos     int
}

func (c *bufferedCursor) Next(ctx context.Context) (domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return domain.Record{}, err
	}
	if c.pos >= len(c.records) {
		return domain.Record{}, io.EOF
	}
	rec := c.records[c.pos]
	c.pos++
	return rec, nil
}

func (c *bufferedCursor) Close(context.Context) error {
	c.records = nil
	return nil
}
