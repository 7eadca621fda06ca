package testutil

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
)

func TestStubDBRecordsStatementsAndScriptsResults(t *testing.T) {
	ctx := context.Background()
	db, conn := NewStubDB()
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	res, err := db.ExecContext(ctx, "UPDATE records SET state = $1 WHERE id = $2", int64(2), "abc")
	if err != nil {
		t.Fatalf("ExecContext: %v", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		t.Fatalf("expected default affected count 1, got %d", n)
	}
	last := conn.Last()
	if last.Query != "UPDATE records SET state = $1 WHERE id = $2" || len(last.Args) != 2 || last.Args[1] != "abc" {
		t.Fatalf("unexpected recorded statement: %+v", last)
	}

	boom := errors.New("boom")
	conn.ExecErr = map[string]error{"DELETE": boom}
	if _, err := db.ExecContext(ctx, "DELETE FROM records WHERE id = $1", "abc"); !errors.Is(err, boom) {
		t.Fatalf("expected scripted error, got %v", err)
	}

	conn.Rows = func(string, []any) ([]string, [][]driver.Value, error) {
		return []string{"n"}, [][]driver.Value{{int64(7)}}, nil
	}
	var n int64
	if err := db.QueryRowContext(ctx, "SELECT n FROM t").Scan(&n); err != nil || n != 7 {
		t.Fatalf("expected scripted row, got %d err=%v", n, err)
	}
	if got := len(conn.Statements()); got != 3 {
		t.Fatalf("expected 3 recorded statements, got %d", got)
	}
}
