package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"

	"register/internal/infra/persistence/postgres/testutil"
	"register/internal/infra/persistence/sqlrecord"
	"register/internal/infra/persistence/storetest"
	"register/pkg/domain"
)

const sampleID = "0190f5a4-7c3e-7b2a-9d41-3f6e2c1b0a99"

func openStub(t *testing.T) (*Store, *testutil.StubConn) {
	t.Helper()
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()
	store, err := Open(context.Background(), "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	return store, conn
}

func TestOpenAppliesSchema(t *testing.T) {
	_, conn := openStub(t)
	var sawTable, sawChanges, sawNotify, sawTruncateTrigger bool
	for _, stmt := range conn.Statements() {
		switch {
		case strings.Contains(stmt.Query, "CREATE TABLE IF NOT EXISTS records "):
			sawTable = true
		case strings.Contains(stmt.Query, "CREATE TABLE IF NOT EXISTS record_changes"):
			sawChanges = true
		case strings.Contains(stmt.Query, "pg_notify('"+Channel+"', change_seq::text)"):
			sawNotify = true
			if !strings.Contains(stmt.Query, "VALUES (TG_OP, NEW.id, NEW.api_version") {
				t.Fatalf("notify function does not log the row image:\n%s", stmt.Query)
			}
		case strings.Contains(stmt.Query, "AFTER TRUNCATE ON records"):
			sawTruncateTrigger = true
		}
	}
	if !sawTable || !sawChanges || !sawNotify || !sawTruncateTrigger {
		t.Fatalf("expected tables, notify function and truncate trigger, got %+v", conn.Statements())
	}
}

func TestOpenReportsUnreachableServerAsUnavailable(t *testing.T) {
	db, conn := testutil.NewStubDB()
	conn.PingErr = &net.OpError{Op: "dial", Err: errors.New("connection refused")}
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()
	if _, err := Open(context.Background(), "postgres://nowhere"); !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestApplyIssuesOneConditionalUpdate(t *testing.T) {
	store, conn := openStub(t)
	m, err := domain.Plan(domain.OpCollectClientSignature, domain.Input{Signer: &domain.Signer{Name: "dana", Signature: "c2ln"}})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if err := store.Apply(context.Background(), sampleID, m); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	last := conn.Last()
	want := "UPDATE records SET collected_client_name = $1, collected_client_signature = $2, state = $3 WHERE id = $4 AND state = $5"
	if last.Query != want {
		t.Fatalf("unexpected statement:\n got %s\nwant %s", last.Query, want)
	}
	args := []any{"dana", "c2ln", int64(domain.StateCollectClientSignature), sampleID, int64(domain.StateCollectClientInside)}
	if len(last.Args) != len(args) {
		t.Fatalf("unexpected args %v", last.Args)
	}
	for i := range args {
		if last.Args[i] != args[i] {
			t.Fatalf("arg %d: got %v want %v", i, last.Args[i], args[i])
		}
	}
}

func TestNoMatchedRowIsPreconditionFailed(t *testing.T) {
	store, conn := openStub(t)
	conn.Affected = 0
	ctx := context.Background()
	if err := store.DeleteDraft(ctx, sampleID); !errors.Is(err, domain.ErrPreconditionFailed) {
		t.Fatalf("delete: expected precondition failure, got %v", err)
	}
	if err := store.UpdateDraftSummary(ctx, sampleID, "x"); !errors.Is(err, domain.ErrPreconditionFailed) {
		t.Fatalf("update: expected precondition failure, got %v", err)
	}
	if last := conn.Last(); !strings.HasSuffix(last.Query, "WHERE id = $2 AND state = $3") {
		t.Fatalf("expected state guard in %s", last.Query)
	}
}

func TestMalformedIDNeverReachesTheServer(t *testing.T) {
	store, conn := openStub(t)
	before := len(conn.Statements())
	if err := store.DeleteDraft(context.Background(), "not-a-uuid"); !errors.Is(err, domain.ErrInvalidIdentifier) {
		t.Fatalf("expected invalid identifier, got %v", err)
	}
	if after := len(conn.Statements()); after != before {
		t.Fatalf("expected no statements, got %d new", after-before)
	}
}

func TestExecFailuresAreStorageErrors(t *testing.T) {
	store, conn := openStub(t)
	conn.ExecErr = map[string]error{
		"INSERT": errors.New("syntax error"),
		"UPDATE": driver.ErrBadConn,
	}
	ctx := context.Background()
	_, err := store.CreateDraft(ctx, "x")
	if !errors.Is(err, domain.ErrStorage) || errors.Is(err, domain.ErrStorageUnavailable) {
		t.Fatalf("expected plain storage error, got %v", err)
	}
	err = store.UpdateDraftSummary(ctx, sampleID, "x")
	if !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Fatalf("expected unavailable storage error, got %v", err)
	}
}

func TestQuerySelectsByStateAndRangeInIDOrder(t *testing.T) {
	store, conn := openStub(t)
	conn.Rows = func(string, []any) ([]string, [][]driver.Value, error) {
		return []string{"id"}, nil, nil
	}
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cur, err := store.Query(context.Background(), domain.Filter{
		States:  []domain.RecordState{domain.StateCompleted, domain.StateDraft},
		Created: &domain.TimeRange{From: from, To: from.Add(time.Hour)},
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	_ = cur.Close(context.Background())
	last := conn.Last()
	if !strings.Contains(last.Query, "WHERE state IN ($1, $2) AND created BETWEEN $3 AND $4 ORDER BY id") {
		t.Fatalf("unexpected query %s", last.Query)
	}
	if last.Args[2] != from.UnixMilli() || last.Args[3] != from.Add(time.Hour).UnixMilli() {
		t.Fatalf("unexpected range args %v", last.Args)
	}
}

func TestDecodeNotification(t *testing.T) {
	seq, err := decodeNotification("42")
	if err != nil || seq != 42 {
		t.Fatalf("unexpected decode %d err=%v", seq, err)
	}
	if _, err := decodeNotification(`{"op":"UPDATE"}`); err == nil {
		t.Fatalf("expected decode failure")
	}
}

func TestReadChangeReturnsLoggedImage(t *testing.T) {
	store, conn := openStub(t)
	conn.Rows = func(query string, args []any) ([]string, [][]driver.Value, error) {
		if !strings.Contains(query, "FROM record_changes WHERE seq = $1") {
			return nil, nil, errors.New("unexpected query " + query)
		}
		row := make([]driver.Value, len(sqlrecord.ChangeColumns))
		row[0], row[1], row[2] = int64(7), "UPDATE", sampleID
		row[3], row[5], row[6] = int64(1), "y", int64(domain.StateDraft)
		return sqlrecord.ChangeColumns, [][]driver.Value{row}, nil
	}
	ev, ok, err := store.readChange(context.Background(), store.DB(), 7)
	if err != nil || !ok {
		t.Fatalf("readChange: ok=%v err=%v", ok, err)
	}
	want := domain.Modified(domain.Record{ID: sampleID, APIVersion: 1, Summary: "y", State: domain.StateDraft})
	if !reflect.DeepEqual(ev, want) {
		t.Fatalf("unexpected event %+v", ev)
	}
	if got := conn.Last().Args; len(got) != 1 || got[0] != int64(7) {
		t.Fatalf("unexpected args %v", got)
	}
}

func TestReadChangeTrimmedOrTruncatedInvalidates(t *testing.T) {
	store, conn := openStub(t)
	if _, _, err := store.readChange(context.Background(), store.DB(), 3); !errors.Is(err, domain.ErrFeedInvalidated) {
		t.Fatalf("expected trimmed entry to invalidate, got %v", err)
	}
	conn.Rows = func(string, []any) ([]string, [][]driver.Value, error) {
		row := make([]driver.Value, len(sqlrecord.ChangeColumns))
		row[0], row[1] = int64(4), "TRUNCATE"
		return sqlrecord.ChangeColumns, [][]driver.Value{row}, nil
	}
	if _, _, err := store.readChange(context.Background(), store.DB(), 4); !errors.Is(err, domain.ErrFeedInvalidated) {
		t.Fatalf("expected truncate to invalidate, got %v", err)
	}
}

func TestUnavailableClassification(t *testing.T) {
	cases := map[string]struct {
		err  error
		want bool
	}{
		"deadline":  {context.DeadlineExceeded, true},
		"bad conn":  {driver.ErrBadConn, true},
		"net":       {&net.OpError{Op: "read", Err: errors.New("reset")}, true},
		"syntax":    {errors.New("syntax error"), false},
		"conn done": {sql.ErrConnDone, true},
	}
	for name, tc := range cases {
		if got := unavailable(tc.err); got != tc.want {
			t.Fatalf("%s: got %v want %v", name, got, tc.want)
		}
	}
}

// TestStoreConformance runs against a live server when REGISTER_TEST_POSTGRES_DSN is set.
func TestStoreConformance(t *testing.T) {
	dsn := os.Getenv("REGISTER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("REGISTER_TEST_POSTGRES_DSN not set")
	}
	storetest.Run(t, storetest.Harness{
		New: func(t *testing.T) domain.RecordStore {
			ctx := context.Background()
			store, err := Open(ctx, dsn, WithIdleTimeout(time.Second))
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			if _, err := store.DB().ExecContext(ctx, "TRUNCATE records"); err != nil {
				t.Fatalf("truncate: %v", err)
			}
			return store
		},
		AbsentID: sampleID,
	})
}
