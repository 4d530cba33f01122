package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rowStub implements pgx.Row.
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// rowsStub implements pgx.Rows over fixed value rows.
type rowsStub struct {
	data [][]any
	idx  int
	err  error
}

func (r *rowsStub) Close()                                       {}
func (r *rowsStub) Err() error                                   { return r.err }
func (r *rowsStub) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *rowsStub) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rowsStub) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}
func (r *rowsStub) Scan(dest ...any) error        { return assign(dest, r.data[r.idx-1]) }
func (r *rowsStub) Values() ([]any, error)        { return r.data[r.idx-1], nil }
func (r *rowsStub) RawValues() [][]byte           { return nil }
func (r *rowsStub) Conn() *pgx.Conn               { return nil }

// assign copies stub values into scan destinations via reflection.
func assign(dest []any, vals []any) error {
	if len(dest) != len(vals) {
		return fmt.Errorf("scan arity mismatch: %d dest, %d vals", len(dest), len(vals))
	}
	for i := range dest {
		dv := reflect.ValueOf(dest[i]).Elem()
		if vals[i] == nil {
			dv.Set(reflect.Zero(dv.Type()))
			continue
		}
		v := reflect.ValueOf(vals[i])
		if !v.Type().ConvertibleTo(dv.Type()) {
			return fmt.Errorf("cannot assign %T into %s", vals[i], dv.Type())
		}
		dv.Set(v.Convert(dv.Type()))
	}
	return nil
}

type execCall struct {
	sql  string
	args []any
}

// poolStub implements postgres.PgxPool for tests. Exec pops tags and QueryRow
// pops rows from queues so multi-statement operations can be scripted.
type poolStub struct {
	execTags  []pgconn.CommandTag
	execErr   error
	execCalls []execCall
	row       rowStub
	rowQueue  []rowStub
	rowCalls  []execCall
	rows      *rowsStub
	queryErr  error
	querySQL  []string
}

func tag(s string) pgconn.CommandTag { return pgconn.NewCommandTag(s) }

func (p *poolStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.execCalls = append(p.execCalls, execCall{sql: sql, args: args})
	if p.execErr != nil {
		return pgconn.CommandTag{}, p.execErr
	}
	if len(p.execTags) == 0 {
		return tag("UPDATE 1"), nil
	}
	t := p.execTags[0]
	p.execTags = p.execTags[1:]
	return t, nil
}

func (p *poolStub) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	p.rowCalls = append(p.rowCalls, execCall{sql: sql, args: args})
	if len(p.rowQueue) > 0 {
		r := p.rowQueue[0]
		p.rowQueue = p.rowQueue[1:]
		return r
	}
	if p.row.scan == nil {
		return rowStub{scan: func(_ ...any) error { return errors.New("no row configured") }}
	}
	return p.row
}

func (p *poolStub) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	p.querySQL = append(p.querySQL, sql)
	if p.queryErr != nil {
		return nil, p.queryErr
	}
	if p.rows == nil {
		return &rowsStub{}, nil
	}
	return p.rows, nil
}

func (p *poolStub) BeginTx(_ context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	return nil, errors.New("tx not supported in stub")
}

func pgxErrNoRows() error { return pgx.ErrNoRows }
