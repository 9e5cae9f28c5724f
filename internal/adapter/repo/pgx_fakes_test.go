package repo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Poz83/Myjoe-CBS-sub001/internal/domain"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/infra"
)

type simpleRow struct {
	scan func(dest ...any) error
}

func (r simpleRow) Scan(dest ...any) error {
	if r.scan == nil {
		return pgx.ErrNoRows
	}
	return r.scan(dest...)
}

func int64Row(v int64) simpleRow {
	return simpleRow{scan: func(dest ...any) error {
		*dest[0].(*int64) = v
		return nil
	}}
}

func stringRow(v string) simpleRow {
	return simpleRow{scan: func(dest ...any) error {
		*dest[0].(*string) = v
		return nil
	}}
}

func boolRow(v bool) simpleRow {
	return simpleRow{scan: func(dest ...any) error {
		*dest[0].(*bool) = v
		return nil
	}}
}

func jobRow(j domain.Job) simpleRow {
	return simpleRow{scan: func(dest ...any) error {
		*dest[0].(*string) = j.ID
		*dest[1].(*string) = j.OwnerID
		*dest[2].(*string) = j.ProjectID
		*dest[3].(*string) = string(j.Type)
		*dest[4].(*string) = string(j.Status)
		*dest[5].(*int) = j.TotalItems
		*dest[6].(*int) = j.CompletedItems
		*dest[7].(*int) = j.FailedItems
		*dest[8].(*int64) = j.CreditsReserved
		*dest[9].(*int64) = j.CreditsSpent
		*dest[10].(*int64) = j.CreditsRefunded
		*dest[11].(*bool) = j.RefundIssued
		*dest[12].(*string) = "{}"
		*dest[13].(*time.Time) = j.CreatedAt
		*dest[14].(**time.Time) = j.StartedAt
		*dest[15].(**time.Time) = j.CompletedAt
		return nil
	}}
}

type call struct {
	query string
	args  []any
}

// scriptedDB answers each statement from a per-query script. Statements
// without a script fail the call.
type scriptedDB struct {
	mu    sync.Mutex
	exec  map[string]string
	rows  map[string][]simpleRow
	calls []call
	txs   int
}

func newScriptedDB() *scriptedDB {
	return &scriptedDB{exec: map[string]string{}, rows: map[string][]simpleRow{}}
}

// onExec sets the command tag returned for query, e.g. "INSERT 0 1".
func (d *scriptedDB) onExec(query, tag string) { d.exec[query] = tag }

// onRow queues rows for query; the last one repeats.
func (d *scriptedDB) onRow(query string, rows ...simpleRow) { d.rows[query] = rows }

func (d *scriptedDB) record(query string, args []any) {
	d.calls = append(d.calls, call{query: query, args: args})
}

func (d *scriptedDB) Exec(_ context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(query, args)
	tag, ok := d.exec[query]
	if !ok {
		return pgconn.CommandTag{}, fmt.Errorf("unexpected exec: %.60s", query)
	}
	return pgconn.NewCommandTag(tag), nil
}

func (d *scriptedDB) QueryRow(_ context.Context, query string, args ...any) pgx.Row {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(query, args)
	queue, ok := d.rows[query]
	if !ok || len(queue) == 0 {
		return simpleRow{scan: func(...any) error { return fmt.Errorf("unexpected query: %.60s", query) }}
	}
	row := queue[0]
	if len(queue) > 1 {
		d.rows[query] = queue[1:]
	}
	return row
}

func (d *scriptedDB) Query(_ context.Context, query string, args ...any) (pgx.Rows, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(query, args)
	return nil, fmt.Errorf("unexpected query: %.60s", query)
}

func (d *scriptedDB) InTx(_ context.Context, fn func(q infra.SQLExecutor) error) error {
	d.mu.Lock()
	d.txs++
	d.mu.Unlock()
	return fn(d)
}

func (d *scriptedDB) ran(query string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c.query == query {
			n++
		}
	}
	return n
}

func (d *scriptedDB) argsOf(query string) []any {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.calls {
		if c.query == query {
			return c.args
		}
	}
	return nil
}
