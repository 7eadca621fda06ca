// Package storetest is the behavioural contract every domain.RecordStore
// implementation must satisfy. Backend packages call Run from their tests.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"register/pkg/domain"
)

// Harness describes the backend under test.
type Harness struct {
	// New returns an empty store. The suite closes it.
	New func(t *testing.T) domain.RecordStore
	// AbsentID is well formed for the backend but never assigned.
	AbsentID string
	// EventTimeout bounds the wait for one change event.
	EventTimeout time.Duration
}

const malformedID = "not-an-id"

// Run executes the full suite against h.
func Run(t *testing.T, h Harness) {
	t.Helper()
	if h.EventTimeout <= 0 {
		h.EventTimeout = 10 * time.Second
	}
	open := func(t *testing.T) domain.RecordStore {
		t.Helper()
		store := h.New(t)
		t.Cleanup(func() { _ = store.Close(context.Background()) })
		return store
	}

	t.Run("DraftRoundTrip", func(t *testing.T) { testDraftRoundTrip(t, open(t)) })
	t.Run("InvalidIdentifier", func(t *testing.T) { testInvalidIdentifier(t, open(t)) })
	t.Run("AbsentRecord", func(t *testing.T) { testAbsentRecord(t, open(t), h.AbsentID) })
	t.Run("Lifecycle", func(t *testing.T) { testLifecycle(t, open(t)) })
	t.Run("DraftOnlyEdits", func(t *testing.T) { testDraftOnlyEdits(t, open(t)) })
	t.Run("ConcurrentTransition", func(t *testing.T) { testConcurrentTransition(t, open(t)) })
	t.Run("Query", func(t *testing.T) { testQuery(t, open(t)) })
	t.Run("Watch", func(t *testing.T) { testWatch(t, open(t), h.EventTimeout) })
	t.Run("WatchBacklog", func(t *testing.T) { testWatchBacklog(t, open(t), h.EventTimeout) })
	t.Run("WatchCancel", func(t *testing.T) { testWatchCancel(t, open(t)) })
}

var base = time.Date(2024, 3, 1, 9, 30, 0, 123_000_000, time.UTC)

func inputFor(tr domain.Transition, at time.Time) domain.Input {
	switch tr.Field.Payload() {
	case domain.PayloadTime:
		return domain.Input{At: at}
	case domain.PayloadSigner:
		return domain.Input{Signer: &domain.Signer{Name: "signer " + tr.Op.String(), Signature: "sig-" + tr.Op.String()}}
	default:
		return domain.Input{}
	}
}

func mustPlan(t *testing.T, op domain.Operation, at time.Time) domain.Mutation {
	t.Helper()
	tr, ok := domain.LookupTransition(op)
	require.True(t, ok)
	m, err := domain.Plan(op, inputFor(tr, at))
	require.NoError(t, err)
	return m
}

// advance walks id from Draft through every transition up to and including op.
func advance(t *testing.T, ctx context.Context, store domain.RecordStore, id string, through domain.Operation, at time.Time) {
	t.Helper()
	for _, tr := range domain.Transitions() {
		require.NoError(t, store.Apply(ctx, id, mustPlan(t, tr.Op, at)), "apply %s", tr.Op)
		if tr.Op == through {
			return
		}
	}
}

// assertSameRecord compares through the JSON form so that equal instants in
// different time representations compare equal.
func assertSameRecord(t *testing.T, want, got domain.Record) {
	t.Helper()
	w, err := json.Marshal(want)
	require.NoError(t, err)
	g, err := json.Marshal(got)
	require.NoError(t, err)
	assert.JSONEq(t, string(w), string(g))
}

func drain(t *testing.T, ctx context.Context, cur domain.Cursor[domain.Record]) []domain.Record {
	t.Helper()
	defer func() { require.NoError(t, cur.Close(ctx)) }()
	var out []domain.Record
	for {
		rec, err := cur.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, rec)
	}
}

func testDraftRoundTrip(t *testing.T, store domain.RecordStore) {
	ctx := context.Background()
	id, err := store.CreateDraft(ctx, "laptop #42")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := store.FetchByID(ctx, id)
	require.NoError(t, err)
	want := domain.NewDraft("laptop #42")
	want.ID = id
	assertSameRecord(t, want, got)
	assert.Nil(t, got.CreatedAt)
	assert.Nil(t, got.Traces)

	other, err := store.CreateDraft(ctx, "laptop #43")
	require.NoError(t, err)
	assert.NotEqual(t, id, other)
}

func testInvalidIdentifier(t *testing.T, store domain.RecordStore) {
	ctx := context.Background()
	_, err := store.FetchByID(ctx, malformedID)
	assert.ErrorIs(t, err, domain.ErrInvalidIdentifier)
	assert.ErrorIs(t, store.UpdateDraftSummary(ctx, malformedID, "x"), domain.ErrInvalidIdentifier)
	assert.ErrorIs(t, store.DeleteDraft(ctx, malformedID), domain.ErrInvalidIdentifier)
	assert.ErrorIs(t, store.Apply(ctx, malformedID, mustPlan(t, domain.OpSubmitDraft, base)), domain.ErrInvalidIdentifier)
	_, err = store.FetchByID(ctx, "")
	assert.ErrorIs(t, err, domain.ErrInvalidIdentifier)
}

func testAbsentRecord(t *testing.T, store domain.RecordStore, absent string) {
	ctx := context.Background()
	_, err := store.FetchByID(ctx, absent)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, store.UpdateDraftSummary(ctx, absent, "x"), domain.ErrPreconditionFailed)
	assert.ErrorIs(t, store.DeleteDraft(ctx, absent), domain.ErrPreconditionFailed)
	assert.ErrorIs(t, store.Apply(ctx, absent, mustPlan(t, domain.OpSubmitDraft, base)), domain.ErrPreconditionFailed)
}

func testLifecycle(t *testing.T, store domain.RecordStore) {
	ctx := context.Background()
	id, err := store.CreateDraft(ctx, "pallet")
	require.NoError(t, err)
	want, err := store.FetchByID(ctx, id)
	require.NoError(t, err)

	for i, tr := range domain.Transitions() {
		at := base.Add(time.Duration(i) * time.Minute)
		// Every other operation must be rejected without touching the record.
		for _, other := range domain.Transitions() {
			if other.Op == tr.Op {
				continue
			}
			err := store.Apply(ctx, id, mustPlan(t, other.Op, at))
			require.ErrorIs(t, err, domain.ErrPreconditionFailed, "%s in state %s", other.Op, want.State)
		}
		got, err := store.FetchByID(ctx, id)
		require.NoError(t, err)
		assertSameRecord(t, want, got)

		m := mustPlan(t, tr.Op, at)
		require.NoError(t, store.Apply(ctx, id, m), "apply %s", tr.Op)
		require.NoError(t, m.Apply(&want))
		got, err = store.FetchByID(ctx, id)
		require.NoError(t, err)
		assertSameRecord(t, want, got)
	}
	assert.Equal(t, domain.StateCompleted, want.State)
	for _, tr := range domain.Transitions() {
		assert.ErrorIs(t, store.Apply(ctx, id, mustPlan(t, tr.Op, base)), domain.ErrPreconditionFailed)
	}
}

func testDraftOnlyEdits(t *testing.T, store domain.RecordStore) {
	ctx := context.Background()
	id, err := store.CreateDraft(ctx, "first")
	require.NoError(t, err)
	require.NoError(t, store.UpdateDraftSummary(ctx, id, "second"))
	got, err := store.FetchByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "second", got.Summary)

	require.NoError(t, store.Apply(ctx, id, mustPlan(t, domain.OpSubmitDraft, base)))
	assert.ErrorIs(t, store.UpdateDraftSummary(ctx, id, "third"), domain.ErrPreconditionFailed)
	assert.ErrorIs(t, store.DeleteDraft(ctx, id), domain.ErrPreconditionFailed)
	got, err = store.FetchByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "second", got.Summary)
	assert.Equal(t, domain.StateCreated, got.State)

	doomed, err := store.CreateDraft(ctx, "doomed")
	require.NoError(t, err)
	require.NoError(t, store.DeleteDraft(ctx, doomed))
	_, err = store.FetchByID(ctx, doomed)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, store.DeleteDraft(ctx, doomed), domain.ErrPreconditionFailed)
}

func testConcurrentTransition(t *testing.T, store domain.RecordStore) {
	ctx := context.Background()
	id, err := store.CreateDraft(ctx, "contended")
	require.NoError(t, err)
	advance(t, ctx, store, id, domain.OpCollectClientInside, base)

	const writers = 8
	m := mustPlan(t, domain.OpCollectClientSignature, base)
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  []error
	)
	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := store.Apply(ctx, id, m)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			failures = append(failures, err)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, successes)
	require.Len(t, failures, writers-1)
	for _, err := range failures {
		assert.ErrorIs(t, err, domain.ErrPreconditionFailed)
	}
	got, err := store.FetchByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCollectClientSignature, got.State)
}

func testQuery(t *testing.T, store domain.RecordStore) {
	ctx := context.Background()
	draft, err := store.CreateDraft(ctx, "draft")
	require.NoError(t, err)
	early, err := store.CreateDraft(ctx, "early")
	require.NoError(t, err)
	middle, err := store.CreateDraft(ctx, "middle")
	require.NoError(t, err)
	late, err := store.CreateDraft(ctx, "late")
	require.NoError(t, err)
	done, err := store.CreateDraft(ctx, "done")
	require.NoError(t, err)

	advance(t, ctx, store, early, domain.OpSubmitDraft, base)
	advance(t, ctx, store, middle, domain.OpSubmitDraft, base.Add(time.Hour))
	advance(t, ctx, store, late, domain.OpSubmitDraft, base.Add(2*time.Hour))
	advance(t, ctx, store, done, domain.OpComplete, base.Add(time.Hour))

	ids := func(records []domain.Record) []string {
		out := make([]string, 0, len(records))
		for _, r := range records {
			out = append(out, r.ID)
		}
		return out
	}
	query := func(f domain.Filter) []string {
		cur, err := store.Query(ctx, f)
		require.NoError(t, err)
		return ids(drain(t, ctx, cur))
	}

	assert.Equal(t, []string{early, middle, late}, query(domain.Filter{States: []domain.RecordState{domain.StateCreated}}))
	assert.Equal(t, []string{draft, early, middle, late, done}, query(domain.Filter{States: domain.States()}))
	assert.Equal(t, []string{draft, done}, query(domain.Filter{States: []domain.RecordState{domain.StateCompleted, domain.StateDraft}}))
	assert.Empty(t, query(domain.Filter{}))

	// Both bounds are inclusive.
	window := &domain.TimeRange{From: base, To: base.Add(time.Hour)}
	assert.Equal(t, []string{early, middle, done}, query(domain.Filter{States: domain.States(), Created: window}))
	assert.Equal(t, []string{early, middle}, query(domain.Filter{States: []domain.RecordState{domain.StateCreated}, Created: window}))
	exact := &domain.TimeRange{From: base.Add(2 * time.Hour), To: base.Add(2 * time.Hour)}
	assert.Equal(t, []string{late}, query(domain.Filter{States: domain.States(), Created: exact}))
	empty := &domain.TimeRange{From: base.Add(3 * time.Hour), To: base.Add(4 * time.Hour)}
	assert.Empty(t, query(domain.Filter{States: domain.States(), Created: empty}))
}

func nextEvent(t *testing.T, feed domain.Cursor[domain.LifecycleEvent], timeout time.Duration) domain.LifecycleEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ev, err := feed.Next(ctx)
	require.NoError(t, err)
	return ev
}

func testWatch(t *testing.T, store domain.RecordStore, timeout time.Duration) {
	ctx := context.Background()
	feed, err := store.Watch(ctx)
	require.NoError(t, err)
	defer func() { assert.NoError(t, feed.Close(ctx)) }()

	id, err := store.CreateDraft(ctx, "watched")
	require.NoError(t, err)
	added := nextEvent(t, feed, timeout)
	assert.Equal(t, domain.EventAdded, added.Kind)
	assert.Equal(t, id, added.Record.ID)
	assert.Equal(t, domain.StateDraft, added.Record.State)
	assert.Equal(t, "watched", added.Record.Summary)

	require.NoError(t, store.UpdateDraftSummary(ctx, id, "watched twice"))
	modified := nextEvent(t, feed, timeout)
	assert.Equal(t, domain.EventModified, modified.Kind)
	assert.Equal(t, id, modified.Record.ID)
	assert.Equal(t, "watched twice", modified.Record.Summary)

	require.NoError(t, store.DeleteDraft(ctx, id))
	deleted := nextEvent(t, feed, timeout)
	assert.Equal(t, domain.EventDeleted, deleted.Kind)
	assertSameRecord(t, domain.Record{ID: id}, deleted.Record)

	// A transition is reported as modified with its post-image.
	other, err := store.CreateDraft(ctx, "submitted")
	require.NoError(t, err)
	assert.Equal(t, domain.EventAdded, nextEvent(t, feed, timeout).Kind)
	require.NoError(t, store.Apply(ctx, other, mustPlan(t, domain.OpSubmitDraft, base)))
	submitted := nextEvent(t, feed, timeout)
	assert.Equal(t, domain.EventModified, submitted.Kind)
	assert.Equal(t, other, submitted.Record.ID)
	assert.Equal(t, domain.StateCreated, submitted.Record.State)
	require.NotNil(t, submitted.Record.CreatedAt)
	assert.True(t, submitted.Record.CreatedAt.Equal(base))
}

// testWatchBacklog reads only after every write has committed. Each event
// must still carry the record as of its own write.
func testWatchBacklog(t *testing.T, store domain.RecordStore, timeout time.Duration) {
	ctx := context.Background()
	feed, err := store.Watch(ctx)
	require.NoError(t, err)
	defer func() { assert.NoError(t, feed.Close(ctx)) }()

	id, err := store.CreateDraft(ctx, "x")
	require.NoError(t, err)
	require.NoError(t, store.UpdateDraftSummary(ctx, id, "y"))
	require.NoError(t, store.DeleteDraft(ctx, id))

	added := nextEvent(t, feed, timeout)
	assert.Equal(t, domain.EventAdded, added.Kind)
	assert.Equal(t, id, added.Record.ID)
	assert.Equal(t, "x", added.Record.Summary)
	assert.Equal(t, domain.StateDraft, added.Record.State)

	modified := nextEvent(t, feed, timeout)
	assert.Equal(t, domain.EventModified, modified.Kind)
	assert.Equal(t, id, modified.Record.ID)
	assert.Equal(t, "y", modified.Record.Summary)
	assert.Equal(t, domain.StateDraft, modified.Record.State)

	assert.Equal(t, domain.Deleted(id), nextEvent(t, feed, timeout))
}

func testWatchCancel(t *testing.T, store domain.RecordStore) {
	feed, err := store.Watch(context.Background())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := feed.Next(ctx)
		errs <- err
	}()
	cancel()
	select {
	case err := <-errs:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(15 * time.Second):
		t.Fatal("feed did not observe cancellation")
	}
	assert.NoError(t, feed.Close(context.Background()))
}
