// Package dbtest provides a transaction double for code written against
// db.DB. Statements are not executed: the in-memory stores stage their writes
// through the db.TxCallbacks hooks instead.
package dbtest

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/md-rashed-zaman/msgcore/libs/db"
)

// ErrNoSQL is returned by every statement method.
var ErrNoSQL = errors.New("dbtest: SQL statements are not supported")

// DB hands out Tx values and lets tests inject begin and commit failures.
type DB struct {
	mu         sync.Mutex
	txs        []*Tx
	beginErrs  []error
	commitErrs []error
}

var _ db.DB = (*DB)(nil)

func NewDB() *DB { return &DB{} }

// FailBegin queues errors returned by the next BeginTx calls, in order.
func (d *DB) FailBegin(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.beginErrs = append(d.beginErrs, errs...)
}

// FailCommit queues errors returned by the next Commit calls, in order.
// A nil entry lets that commit succeed.
func (d *DB) FailCommit(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commitErrs = append(d.commitErrs, errs...)
}

func (d *DB) BeginTx(_ context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.beginErrs) > 0 {
		err := d.beginErrs[0]
		d.beginErrs = d.beginErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	tx := &Tx{db: d, Options: opts}
	d.txs = append(d.txs, tx)
	return tx, nil
}

// Transactions returns every transaction begun so far.
func (d *DB) Transactions() []*Tx {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Tx(nil), d.txs...)
}

func (d *DB) nextCommitErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.commitErrs) == 0 {
		return nil
	}
	err := d.commitErrs[0]
	d.commitErrs = d.commitErrs[1:]
	return err
}

func (d *DB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, ErrNoSQL
}

func (d *DB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, ErrNoSQL
}

func (d *DB) QueryRow(context.Context, string, ...any) pgx.Row {
	return errRow{}
}

// Tx implements the parts of pgx.Tx the libraries use. Unused pgx.Tx methods
// panic through the nil embedded interface.
//
// Hooks run in reverse registration order, like deferred calls.
type Tx struct {
	pgx.Tx

	Options pgx.TxOptions

	db         *DB
	mu         sync.Mutex
	committed  bool
	rolledBack bool
	onCommit   []func()
	onRollback []func()
}

var (
	_ pgx.Tx          = (*Tx)(nil)
	_ db.TxCallbacks = (*Tx)(nil)
)

func (t *Tx) OnCommit(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCommit = append(t.onCommit, fn)
}

func (t *Tx) OnRollback(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRollback = append(t.onRollback, fn)
}

func (t *Tx) Commit(context.Context) error {
	t.mu.Lock()
	if t.committed || t.rolledBack {
		t.mu.Unlock()
		return pgx.ErrTxClosed
	}
	if err := t.db.nextCommitErr(); err != nil {
		t.rolledBack = true
		hooks := t.onRollback
		t.mu.Unlock()
		runReversed(hooks)
		return err
	}
	t.committed = true
	hooks := t.onCommit
	t.mu.Unlock()
	runReversed(hooks)
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	t.mu.Lock()
	if t.committed || t.rolledBack {
		t.mu.Unlock()
		return pgx.ErrTxClosed
	}
	t.rolledBack = true
	hooks := t.onRollback
	t.mu.Unlock()
	runReversed(hooks)
	return nil
}

func (t *Tx) Committed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed
}

func (t *Tx) RolledBack() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rolledBack
}

func (t *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, ErrNoSQL
}

func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, ErrNoSQL
}

func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row {
	return errRow{}
}

func runReversed(hooks []func()) {
	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
}

type errRow struct{}

func (errRow) Scan(...any) error { return ErrNoSQL }
