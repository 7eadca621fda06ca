package core

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"register/internal/blob"
	"register/internal/infra/persistence/memory"
	"register/internal/stream"
	"register/pkg/domain"
)

type metricsCall struct {
	op   string
	code Code
}

type captureMetrics struct {
	mu       sync.Mutex
	calls    []metricsCall
	open     map[string]int
	archives int
}

func newCaptureMetrics() *captureMetrics { return &captureMetrics{open: map[string]int{}} }

func (c *captureMetrics) Observe(_ context.Context, op string, code Code, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, metricsCall{op: op, code: code})
}

func (c *captureMetrics) StreamOpened(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open[name]++
}

func (c *captureMetrics) StreamClosed(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open[name]--
}

func (c *captureMetrics) ArchiveFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.archives++
}

func (c *captureMetrics) has(op string, code Code) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, call := range c.calls {
		if call.op == op && call.code == code {
			return true
		}
	}
	return false
}

func (c *captureMetrics) openStreams(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open[name]
}

// countingStore records how many writes reach the engine.
type countingStore struct {
	domain.RecordStore
	mu      sync.Mutex
	applies int
}

func (s *countingStore) Apply(ctx context.Context, id string, m domain.Mutation) error {
	s.mu.Lock()
	s.applies++
	s.mu.Unlock()
	return s.RecordStore.Apply(ctx, id, m)
}

var submitted = time.Date(2024, 5, 6, 7, 8, 9, 123_456_789, time.UTC)

func newTestService(t *testing.T, opts ...Option) (*Service, *captureMetrics) {
	t.Helper()
	metrics := newCaptureMetrics()
	opts = append([]Option{WithMetrics(metrics), WithClock(func() time.Time { return submitted })}, opts...)
	svc := NewService(memory.NewStore(), opts...)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc, metrics
}

func TestNewDraftThenSearchByID(t *testing.T) {
	ctx := context.Background()
	svc, metrics := newTestService(t)
	id, err := svc.NewDraft(ctx, "x")
	if err != nil {
		t.Fatalf("new draft: %v", err)
	}
	rec, err := svc.SearchByID(ctx, id)
	if err != nil {
		t.Fatalf("search by id: %v", err)
	}
	if rec.ID != id || rec.Summary != "x" || rec.State != domain.StateDraft || rec.Traces != nil || rec.CreatedAt != nil {
		t.Fatalf("unexpected record %+v", rec)
	}
	if !metrics.has("NewDraft", CodeOK) || !metrics.has("SearchById", CodeOK) {
		t.Fatalf("operations not recorded: %+v", metrics.calls)
	}
}

func TestSearchByIDReportsNotFound(t *testing.T) {
	svc, metrics := newTestService(t)
	_, err := svc.SearchByID(context.Background(), "0190f5a4-7c3e-7b2a-9d41-3f6e2c1b0a99")
	if CodeOf(err) != CodeNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
	if !metrics.has("SearchById", CodeNotFound) {
		t.Fatalf("outcome not recorded: %+v", metrics.calls)
	}
	if _, err := svc.SearchByID(context.Background(), "nope"); CodeOf(err) != CodeInvalidArgument {
		t.Fatalf("expected invalid_argument, got %v", err)
	}
}

func TestFullLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, metrics := newTestService(t)
	id, err := svc.NewDraft(ctx, "pallet 7")
	if err != nil {
		t.Fatalf("new draft: %v", err)
	}
	if err := svc.UpdateDraft(ctx, id, "pallet 8"); err != nil {
		t.Fatalf("update draft: %v", err)
	}
	at := time.Date(2024, 5, 7, 0, 0, 0, 0, time.UTC)
	client := &domain.Signer{Name: "client", Signature: "Y2xpZW50"}
	pqrs := &domain.Signer{Name: "pqrs", Signature: "cHFycw=="}
	steps := []func() error{
		func() error { return svc.SubmitDraft(ctx, id) },
		func() error { return svc.CollectClientInside(ctx, id, at) },
		func() error { return svc.CollectClientSignature(ctx, id, client) },
		func() error { return svc.CollectClientOutside(ctx, id, at.Add(time.Hour)) },
		func() error { return svc.CollectPqrsSignature(ctx, id, pqrs) },
		func() error { return svc.ReturnClientInside(ctx, id, at.Add(2*time.Hour)) },
		func() error { return svc.ReturnClientSignature(ctx, id, client) },
		func() error { return svc.ReturnClientOutside(ctx, id, at.Add(3*time.Hour)) },
		func() error { return svc.ReturnPqrsSignature(ctx, id, pqrs) },
		func() error { return svc.Complete(ctx, id) },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	if err := svc.UpdateDraft(ctx, id, "late"); CodeOf(err) != CodeAborted {
		t.Fatalf("expected aborted after submit, got %v", err)
	}
	if err := svc.DeleteDraft(ctx, id); CodeOf(err) != CodeAborted {
		t.Fatalf("expected aborted delete, got %v", err)
	}
	if err := svc.Complete(ctx, id); CodeOf(err) != CodeAborted {
		t.Fatalf("expected aborted repeat, got %v", err)
	}

	rec, err := svc.SearchByID(ctx, id)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if rec.State != domain.StateCompleted || rec.Summary != "pallet 8" {
		t.Fatalf("unexpected final record %+v", rec)
	}
	if rec.CreatedAt == nil || !rec.CreatedAt.Equal(domain.NormalizeTime(submitted)) {
		t.Fatalf("created = %v, want %v", rec.CreatedAt, domain.NormalizeTime(submitted))
	}
	if rec.Traces.Returned.PqrsSigner.Name != "pqrs" || !rec.Traces.Collected.OutsideTime.Equal(at.Add(time.Hour)) {
		t.Fatalf("unexpected traces %+v", rec.Traces)
	}
	for _, op := range []string{"SubmitDraft", "CollectPqrsSignature", "Complete"} {
		if !metrics.has(op, CodeOK) {
			t.Fatalf("%s not recorded", op)
		}
	}
	if !metrics.has("Complete", CodeAborted) {
		t.Fatalf("rejected Complete not recorded")
	}
}

func TestMissingPayloadNeverReachesStore(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{RecordStore: memory.NewStore()}
	svc := NewService(store)
	id, err := svc.NewDraft(ctx, "x")
	if err != nil {
		t.Fatalf("new draft: %v", err)
	}
	if err := svc.SubmitDraft(ctx, id); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := svc.CollectClientInside(ctx, id, time.Time{}); !errors.Is(err, domain.ErrMissingRequiredField) {
		t.Fatalf("expected missing field, got %v", err)
	}
	if err := svc.CollectClientSignature(ctx, id, nil); CodeOf(err) != CodeInvalidArgument {
		t.Fatalf("expected invalid_argument, got %v", err)
	}
	if store.applies != 1 {
		t.Fatalf("applies = %d, want only the submit", store.applies)
	}
}

func TestConcurrentSubmitHasOneWinner(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	id, err := svc.NewDraft(ctx, "race")
	if err != nil {
		t.Fatalf("new draft: %v", err)
	}
	const writers = 16
	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- svc.SubmitDraft(ctx, id)
		}()
	}
	wg.Wait()
	close(errs)
	wins := 0
	for err := range errs {
		switch CodeOf(err) {
		case CodeOK:
			wins++
		case CodeAborted:
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("wins = %d", wins)
	}
}

func TestSearchStreamsAndReleasesCursor(t *testing.T) {
	ctx := context.Background()
	svc, metrics := newTestService(t)
	var completed []string
	for i := 0; i < 3; i++ {
		id, err := svc.NewDraft(ctx, "r")
		if err != nil {
			t.Fatalf("new draft: %v", err)
		}
		if i > 0 {
			if err := svc.SubmitDraft(ctx, id); err != nil {
				t.Fatalf("submit: %v", err)
			}
			completed = append(completed, id)
		}
	}
	ch, err := svc.Search(ctx, domain.Filter{States: []domain.RecordState{domain.StateCreated}})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	got, err := stream.Drain(ch)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(got) != len(completed) {
		t.Fatalf("got %d records, want %d", len(got), len(completed))
	}
	for i, rec := range got {
		if rec.ID != completed[i] {
			t.Fatalf("record %d = %s, want %s", i, rec.ID, completed[i])
		}
	}
	if n := metrics.openStreams(StreamSearch); n != 0 {
		t.Fatalf("open search streams = %d after exhaustion", n)
	}

	window := &domain.TimeRange{From: submitted.Add(time.Second), To: submitted.Add(time.Hour)}
	ch, err = svc.Search(ctx, domain.Filter{States: []domain.RecordState{domain.StateCreated}, Created: window})
	if err != nil {
		t.Fatalf("search window: %v", err)
	}
	if got, _ := stream.Drain(ch); len(got) != 0 {
		t.Fatalf("range should exclude every record, got %d", len(got))
	}
}

func TestSearchRejectsInvertedRange(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Search(context.Background(), domain.Filter{
		States:  []domain.RecordState{domain.StateCreated},
		Created: &domain.TimeRange{From: submitted, To: submitted.Add(-time.Second)},
	})
	if CodeOf(err) != CodeInvalidArgument {
		t.Fatalf("expected invalid_argument, got %v", err)
	}
}

func TestWatchRelaysEventsUntilCancelled(t *testing.T) {
	svc, metrics := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := svc.Watch(ctx)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if n := metrics.openStreams(StreamWatch); n != 1 {
		t.Fatalf("open watch streams = %d", n)
	}
	id, err := svc.NewDraft(context.Background(), "watched")
	if err != nil {
		t.Fatalf("new draft: %v", err)
	}
	if err := svc.DeleteDraft(context.Background(), id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	want := []domain.LifecycleEvent{domain.Added(domain.NewDraft("watched")), domain.Deleted(id)}
	want[0].Record.ID = id
	for i, w := range want {
		select {
		case item := <-ch:
			if item.Err != nil {
				t.Fatalf("event %d: %v", i, item.Err)
			}
			if item.Value.Kind != w.Kind || item.Value.Record.ID != w.Record.ID || item.Value.Record.Summary != w.Record.Summary {
				t.Fatalf("event %d = %+v, want %+v", i, item.Value, w)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}

	cancel()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				if n := metrics.openStreams(StreamWatch); n != 0 {
					t.Fatalf("open watch streams = %d after cancel", n)
				}
				return
			}
		case <-deadline:
			t.Fatalf("watch stream not closed after cancel")
		}
	}
}

func TestSignaturesAreArchived(t *testing.T) {
	ctx := context.Background()
	store, err := blob.Open(ctx, blob.Config{Driver: blob.DriverMemory})
	if err != nil {
		t.Fatalf("open blob: %v", err)
	}
	svc, _ := newTestService(t, WithArchive(NewSignatureArchive(store)))
	if !svc.ArchiveEnabled() {
		t.Fatalf("archive should be enabled")
	}
	id, _ := svc.NewDraft(ctx, "signed")
	if err := svc.SubmitDraft(ctx, id); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := svc.CollectClientInside(ctx, id, submitted); err != nil {
		t.Fatalf("inside: %v", err)
	}
	if err := svc.CollectClientSignature(ctx, id, &domain.Signer{Name: "ana", Signature: "c2lnbmVk"}); err != nil {
		t.Fatalf("signature: %v", err)
	}

	infos, err := svc.Signatures(ctx, id)
	if err != nil {
		t.Fatalf("signatures: %v", err)
	}
	if len(infos) != 1 || infos[0].Key != "signatures/"+id+"/collected-client.sig" {
		t.Fatalf("unexpected archive listing %+v", infos)
	}
	info, rc, err := store.Get(ctx, infos[0].Key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if string(body) != "c2lnbmVk" || info.Metadata["signer"] != "ana" || info.Metadata["state"] != "CollectClientSignature" {
		t.Fatalf("unexpected archived blob %q %+v", body, info)
	}

	if _, err := svc.Signatures(ctx, "0190f5a4-7c3e-7b2a-9d41-3f6e2c1b0a99"); CodeOf(err) != CodeNotFound {
		t.Fatalf("expected not_found for absent record, got %v", err)
	}
}

func TestSignatureReadsArchivedBlob(t *testing.T) {
	ctx := context.Background()
	store, err := blob.Open(ctx, blob.Config{Driver: blob.DriverMemory})
	if err != nil {
		t.Fatalf("open blob: %v", err)
	}
	svc, _ := newTestService(t, WithArchive(NewSignatureArchive(store)))
	id, _ := svc.NewDraft(ctx, "signed")
	_ = svc.SubmitDraft(ctx, id)
	_ = svc.CollectClientInside(ctx, id, submitted)
	if err := svc.CollectClientSignature(ctx, id, &domain.Signer{Name: "ana", Signature: "c2lnbmVk"}); err != nil {
		t.Fatalf("signature: %v", err)
	}

	info, rc, err := svc.Signature(ctx, id, "collected-client.sig")
	if err != nil {
		t.Fatalf("get signature: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != "c2lnbmVk" || info.Metadata["signer"] != "ana" {
		t.Fatalf("unexpected signature %q %+v", body, info)
	}

	cases := map[string]Code{
		"returned-client.sig": CodeNotFound,
		"../other.sig":        CodeInvalidArgument,
		"collected-inside":    CodeInvalidArgument,
	}
	for name, want := range cases {
		if _, _, err := svc.Signature(ctx, id, name); CodeOf(err) != want {
			t.Fatalf("%s: got %v (%s), want %s", name, err, CodeOf(err), want)
		}
	}
	if _, _, err := svc.Signature(ctx, "0190f5a4-7c3e-7b2a-9d41-3f6e2c1b0a99", "collected-client.sig"); CodeOf(err) != CodeNotFound {
		t.Fatalf("expected not_found for absent record, got %v", err)
	}
}

func TestSignatureNamesFollowSignerSteps(t *testing.T) {
	want := []string{"collected-client.sig", "collected-pqrs.sig", "returned-client.sig", "returned-pqrs.sig"}
	got := SignatureNames()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("names = %v, want %v", got, want)
	}
}

type failingBlobs struct{ blob.Store }

func (failingBlobs) Put(context.Context, string, io.Reader, blob.PutOptions) (blob.Info, error) {
	return blob.Info{}, errors.New("bucket offline")
}

func TestArchiveFailureDoesNotFailTransition(t *testing.T) {
	ctx := context.Background()
	svc, metrics := newTestService(t, WithArchive(NewSignatureArchive(failingBlobs{})))
	id, _ := svc.NewDraft(ctx, "x")
	_ = svc.SubmitDraft(ctx, id)
	_ = svc.CollectClientInside(ctx, id, submitted)
	if err := svc.CollectClientSignature(ctx, id, &domain.Signer{Name: "ana", Signature: "eA=="}); err != nil {
		t.Fatalf("transition should succeed, got %v", err)
	}
	rec, _ := svc.SearchByID(ctx, id)
	if rec.State != domain.StateCollectClientSignature {
		t.Fatalf("state = %s", rec.State)
	}
	if metrics.archives != 1 {
		t.Fatalf("archive failures = %d", metrics.archives)
	}
}

func TestSignaturesWithoutArchiveIsEmpty(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	if svc.ArchiveEnabled() {
		t.Fatalf("archive should be disabled")
	}
	id, _ := svc.NewDraft(ctx, "x")
	infos, err := svc.Signatures(ctx, id)
	if err != nil || len(infos) != 0 {
		t.Fatalf("signatures = %v, %v", infos, err)
	}
	if _, _, err := svc.Signature(ctx, id, "collected-client.sig"); CodeOf(err) != CodeNotFound {
		t.Fatalf("expected not_found without archive, got %v", err)
	}
}
