package domain

import (
	"context"
	"time"
)

// Cursor is a lazily evaluated, single-pass sequence. Next returns io.EOF once
// the sequence is exhausted. Close releases the underlying engine resource and
// must be called on every exit path.
type Cursor[T any] interface {
	Next(ctx context.Context) (T, error)
	Close(ctx context.Context) error
}

// TimeRange is an inclusive creation-time window.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t lies within [From, To].
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && !t.After(r.To)
}

// Filter selects records for Query. An empty States set matches nothing.
type Filter struct {
	States  []RecordState
	Created *TimeRange
}

// Matches applies the filter to r in memory.
func (f Filter) Matches(r Record) bool {
	found := false
	for _, s := range f.States {
		if r.State == s {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	if f.Created != nil {
		if r.CreatedAt == nil || !f.Created.Contains(*r.CreatedAt) {
			return false
		}
	}
	return true
}

// RecordStore is the sole authority on record state. Every conditional write
// matches id and required state in one atomic engine operation.
type RecordStore interface {
	// CreateDraft inserts a Draft record and returns its assigned id.
	CreateDraft(ctx context.Context, summary string) (string, error)
	// UpdateDraftSummary replaces the summary of a record still in Draft.
	UpdateDraftSummary(ctx context.Context, id, summary string) error
	// DeleteDraft removes a record still in Draft.
	DeleteDraft(ctx context.Context, id string) error
	// Apply performs a planned lifecycle transition.
	Apply(ctx context.Context, id string, m Mutation) error
	// FetchByID returns the record or ErrNotFound.
	FetchByID(ctx context.Context, id string) (Record, error)
	// Query streams records matching f in ascending id order.
	Query(ctx context.Context, f Filter) (Cursor[Record], error)
	// Watch subscribes to changes from now on.
	Watch(ctx context.Context) (Cursor[LifecycleEvent], error)
	// Close releases the engine client.
	Close(ctx context.Context) error
}
