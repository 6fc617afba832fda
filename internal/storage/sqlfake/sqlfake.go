// Package sqlfake is a recording database/sql driver for exercising SQL
// repositories without a server. Every statement and its arguments are
// recorded; statements can be made to fail by substring and queries return
// canned rows.
package sqlfake

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"strings"
	"sync"
)

// Call is one executed statement.
type Call struct {
	Query string
	Args  []any
}

// DB records statements issued through the *sql.DB returned by SQL.
type DB struct {
	mu        sync.Mutex
	calls     []Call
	failOn    string
	failErr   error
	columns   []string
	rows      [][]driver.Value
	commits   int
	rollbacks int
}

// New returns an empty recorder.
func New() *DB { return &DB{} }

// SQL opens a *sql.DB backed by the recorder.
func (d *DB) SQL() *sql.DB { return sql.OpenDB(connector{d}) }

// FailOn makes any statement containing substr return err.
func (d *DB) FailOn(substr string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failOn, d.failErr = substr, err
}

// SetRows sets the result returned by every query.
func (d *DB) SetRows(columns []string, rows ...[]any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.columns = columns
	d.rows = d.rows[:0]
	for _, r := range rows {
		vals := make([]driver.Value, len(r))
		for i, v := range r {
			vals[i] = v
		}
		d.rows = append(d.rows, vals)
	}
}

// Calls returns a copy of the recorded statements.
func (d *DB) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}

// Queries returns just the recorded statement texts.
func (d *DB) Queries() []string {
	calls := d.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Query
	}
	return out
}

// Commits and Rollbacks count finished transactions.
func (d *DB) Commits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.commits
}

func (d *DB) Rollbacks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rollbacks
}

func (d *DB) record(query string, args []any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, Call{Query: query, Args: args})
	if d.failOn != "" && strings.Contains(query, d.failOn) {
		if d.failErr != nil {
			return d.failErr
		}
		return errors.New("sqlfake: forced failure")
	}
	return nil
}

type connector struct{ d *DB }

func (c connector) Connect(context.Context) (driver.Conn, error) { return &conn{d: c.d}, nil }
func (c connector) Driver() driver.Driver                        { return drv{c.d} }

type drv struct{ d *DB }

func (d drv) Open(string) (driver.Conn, error) { return &conn{d: d.d}, nil }

type conn struct{ d *DB }

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return &stmt{d: c.d, query: query}, nil
}

func (c *conn) Close() error { return nil }

func (c *conn) Begin() (driver.Tx, error) { return tx{c.d}, nil }

func (c *conn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) { return tx{c.d}, nil }

func (c *conn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	vals := named(args)
	if err := c.d.record(query, vals); err != nil {
		return nil, err
	}
	return driver.RowsAffected(0), nil
}

func (c *conn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	if err := c.d.record(query, named(args)); err != nil {
		return nil, err
	}
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	return &rows{columns: c.d.columns, data: append([][]driver.Value(nil), c.d.rows...)}, nil
}

func named(args []driver.NamedValue) []any {
	if len(args) == 0 {
		return nil
	}
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = a.Value
	}
	return out
}

type tx struct{ d *DB }

func (t tx) Commit() error {
	t.d.mu.Lock()
	defer t.d.mu.Unlock()
	t.d.commits++
	return nil
}

func (t tx) Rollback() error {
	t.d.mu.Lock()
	defer t.d.mu.Unlock()
	t.d.rollbacks++
	return nil
}

// stmt counts argument-bearing executions; an execution without arguments
// reports that count as rows affected, the way bulk-copy statements flush.
type stmt struct {
	d     *DB
	query string
	n     int64
}

func (s *stmt) Close() error  { return nil }
func (s *stmt) NumInput() int { return -1 }

func (s *stmt) Exec(args []driver.Value) (driver.Result, error) {
	vals := make([]any, len(args))
	for i, a := range args {
		vals[i] = a
	}
	if len(vals) == 0 {
		vals = nil
	}
	if err := s.d.record(s.query, vals); err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return driver.RowsAffected(s.n), nil
	}
	s.n++
	return driver.RowsAffected(1), nil
}

func (s *stmt) Query([]driver.Value) (driver.Rows, error) {
	return nil, errors.New("sqlfake: prepared queries are not supported")
}

type rows struct {
	columns []string
	data    [][]driver.Value
}

func (r *rows) Columns() []string { return r.columns }
func (r *rows) Close() error      { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if len(r.data) == 0 {
		return io.EOF
	}
	copy(dest, r.data[0])
	r.data = r.data[1:]
	return nil
}
