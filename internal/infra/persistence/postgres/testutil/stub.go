// Package testutil provides a recording stub database for postgres store tests.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
)

// Stmt is one statement received by the stub.
type Stmt struct {
	Query string
	Args  []any
}

// StubConn records statements and answers them from scripted results.
type StubConn struct {
	mu    sync.Mutex
	Execs []Stmt
	// Affected is the row count reported by every ExecContext.
	Affected int64
	// ExecErr fails every ExecContext whose query contains the map key.
	ExecErr map[string]error
	// PingErr fails Ping.
	PingErr error
	// Rows answers QueryContext; nil yields an empty result.
	Rows func(query string, args []any) ([]string, [][]driver.Value, error)
}

var stubSeq atomic.Int64

// NewStubDB registers a sql.DB backed by a fresh stub connection.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := &StubConn{Affected: 1}
	name := fmt.Sprintf("stubpg%d", stubSeq.Add(1))
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	return db, conn
}

// Statements returns a copy of the recorded statements.
func (c *StubConn) Statements() []Stmt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Stmt(nil), c.Execs...)
}

// Last returns the most recent statement.
func (c *StubConn) Last() Stmt {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Execs) == 0 {
		return Stmt{}
	}
	return c.Execs[len(c.Execs)-1]
}

type stubDriver struct {
	conn *StubConn
}

func (d *stubDriver) Open(string) (driver.Conn, error) {
	return d.conn, nil
}

// Prepare implements driver.Conn.
func (c *StubConn) Prepare(string) (driver.Stmt, error) { return nil, fmt.Errorf("not implemented") }

// Close implements driver.Conn.
func (c *StubConn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *StubConn) Begin() (driver.Tx, error) { return nil, fmt.Errorf("not implemented") }

// Ping implements driver.Pinger.
func (c *StubConn) Ping(context.Context) error { return c.PingErr }

func values(args []driver.NamedValue) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = a.Value
	}
	return out
}

// ExecContext implements driver.ExecerContext.
func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Execs = append(c.Execs, Stmt{Query: query, Args: values(args)})
	for fragment, err := range c.ExecErr {
		if strings.Contains(query, fragment) {
			return nil, err
		}
	}
	return driver.RowsAffected(c.Affected), nil
}

// QueryContext implements driver.QueryerContext.
func (c *StubConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	c.Execs = append(c.Execs, Stmt{Query: query, Args: values(args)})
	rowsFn := c.Rows
	c.mu.Unlock()
	if rowsFn == nil {
		return &stubRows{}, nil
	}
	cols, rows, err := rowsFn(query, values(args))
	if err != nil {
		return nil, err
	}
	return &stubRows{cols: cols, rows: rows}, nil
}

type stubRows struct {
	cols []string
	rows [][]driver.Value
	idx  int
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}
