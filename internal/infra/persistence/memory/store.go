// Package memory provides an in-memory implementation of the record store used
// for tests and ephemeral environments.
package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/google/uuid"

	"register/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.RecordStore = (*Store)(nil)

// DefaultQueueSize bounds the number of undelivered events per subscriber.
const DefaultQueueSize = 256

var errClosed = errors.New("memory store closed")

// Store keeps records in a map guarded by a single mutex. Conditional writes
// check the required state and write under the same lock.
type Store struct {
	mu        sync.RWMutex
	records   map[uuid.UUID]domain.Record
	subs      map[*subscription]struct{}
	codec     domain.UUIDCodec
	queueSize int
	closed    bool
}

// Option configures a Store.
type Option func(*Store)

// WithQueueSize overrides the per-subscriber event queue capacity.
func WithQueueSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// NewStore constructs an empty in-memory store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		records:   make(map[uuid.UUID]domain.Record),
		subs:      make(map[*subscription]struct{}),
		queueSize: DefaultQueueSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot captures a point-in-time clone of the store contents.
type Snapshot struct {
	Records []domain.Record `json:"records"`
}

// ExportState returns a deep copy of every record in id order.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Snapshot{Records: make([]domain.Record, 0, len(s.records))}
	for _, rec := range s.records {
		out.Records = append(out.Records, rec.Clone())
	}
	sortByID(out.Records)
	return out
}

// ImportState replaces the store contents with snapshot. Records with
// malformed ids or unpersistable states are skipped. Subscribers are not
// notified.
func (s *Store) ImportState(snapshot Snapshot) {
	records := make(map[uuid.UUID]domain.Record, len(snapshot.Records))
	for _, rec := range snapshot.Records {
		key, err := s.codec.Decode(rec.ID)
		if err != nil || !rec.State.Valid() {
			continue
		}
		records[key] = rec.Clone()
	}
	s.mu.Lock()
	s.records = records
	s.mu.Unlock()
}

// CreateDraft inserts a Draft record under a fresh UUIDv7.
func (s *Store) CreateDraft(_ context.Context, summary string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", domain.NewUnavailableError("create draft", errClosed)
	}
	key := s.codec.New()
	rec := domain.NewDraft(summary)
	rec.ID = s.codec.Encode(key)
	s.records[key] = rec
	s.publishLocked(domain.Added(rec.Clone()))
	return rec.ID, nil
}

// UpdateDraftSummary replaces the summary of a record still in Draft.
func (s *Store) UpdateDraftSummary(_ context.Context, id, summary string) error {
	key, err := s.codec.Decode(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.requireLocked(key, domain.StateDraft, "update draft")
	if err != nil {
		return err
	}
	rec.Summary = summary
	s.records[key] = rec
	s.publishLocked(domain.Modified(rec.Clone()))
	return nil
}

// DeleteDraft removes a record still in Draft.
func (s *Store) DeleteDraft(_ context.Context, id string) error {
	key, err := s.codec.Decode(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.requireLocked(key, domain.StateDraft, "delete draft"); err != nil {
		return err
	}
	delete(s.records, key)
	s.publishLocked(domain.Deleted(id))
	return nil
}

// Apply performs m on the record identified by id.
func (s *Store) Apply(_ context.Context, id string, m domain.Mutation) error {
	key, err := s.codec.Decode(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.requireLocked(key, m.Requires, m.Op.String())
	if err != nil {
		return err
	}
	rec = rec.Clone()
	if err := m.Apply(&rec); err != nil {
		return err
	}
	s.records[key] = rec
	s.publishLocked(domain.Modified(rec.Clone()))
	return nil
}

func (s *Store) requireLocked(key uuid.UUID, state domain.RecordState, op string) (domain.Record, error) {
	if s.closed {
		return domain.Record{}, domain.NewUnavailableError(op, errClosed)
	}
	rec, ok := s.records[key]
	if !ok || rec.State != state {
		return domain.Record{}, fmt.Errorf("%s %s: %w", op, key, domain.ErrPreconditionFailed)
	}
	return rec, nil
}

// FetchByID returns a copy of the record or domain.ErrNotFound.
func (s *Store) FetchByID(_ context.Context, id string) (domain.Record, error) {
	key, err := s.codec.Decode(id)
	if err != nil {
		return domain.Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return domain.Record{}, domain.NewUnavailableError("fetch", errClosed)
	}
	rec, ok := s.records[key]
	if !ok {
		return domain.Record{}, fmt.Errorf("fetch %s: %w", id, domain.ErrNotFound)
	}
	return rec.Clone(), nil
}

// Query snapshots the matching records at call time.
func (s *Store) Query(_ context.Context, f domain.Filter) (domain.Cursor[domain.Record], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, domain.NewUnavailableError("query", errClosed)
	}
	var matched []domain.Record
	for _, rec := range s.records {
		if f.Matches(rec) {
			matched = append(matched, rec.Clone())
		}
	}
	sortByID(matched)
	return &sliceCursor{records: matched}, nil
}

// Close invalidates every open feed. Later calls fail as unavailable.
func (s *Store) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for sub := range s.subs {
		s.dropLocked(sub, true)
	}
	return nil
}

// Canonical UUID strings sort like their bytes, and UUIDv7 bytes sort by
// creation time.
func sortByID(records []domain.Record) {
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
}

type sliceCursor struct {
	records []domain.Record
	pos     int
	closed  bool
}

func (c *sliceCursor) Next(ctx context.Context) (domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return domain.Record{}, err
	}
	if c.closed || c.pos >= len(c.records) {
		return domain.Record{}, io.EOF
	}
	rec := c.records[c.pos]
	c.pos++
	return rec, nil
}

func (c *sliceCursor) Close(context.Context) error {
	c.closed = true
	c.records = nil
	return nil
}
