package objdb

import (
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"
)

type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
	modeUpgrade
)

func (m Mode) String() string {
	switch m {
	case ReadOnly:
		return "readonly"
	case ReadWrite:
		return "readwrite"
	case modeUpgrade:
		return "versionchange"
	default:
		return fmt.Sprintf("invalid mode %d", int(m))
	}
}

type TxState int

const (
	TxActive TxState = iota
	TxCommitting
	TxCommitted
	TxAborted
)

func (s TxState) String() string {
	switch s {
	case TxActive:
		return "active"
	case TxCommitting:
		return "committing"
	case TxCommitted:
		return "committed"
	case TxAborted:
		return "aborted"
	default:
		return fmt.Sprintf("invalid state %d", int(s))
	}
}

// Tx is a transaction over a fixed set of object stores.
//
// Operations are queued and executed in issue order by a goroutine owned
// by the transaction; each returns a Request that settles when the
// operation has run. The first failing operation aborts the transaction:
// all of its mutations are rolled back and operations still in the queue
// fail with ErrTransactionInactive.
//
// A transaction must be finished with Commit or Abort, or started through
// DB.View/DB.Update which do that automatically.
type Tx struct {
	id        string
	env       *Env
	core      *dbCore
	db        *DB
	mode      Mode
	scope     []string
	schema    *dbState
	stx       storageTx
	startTime time.Time
	stack     string

	mu        deadlock.Mutex
	cond      *sync.Cond
	queue     []*txOp
	state     TxState
	finishing bool
	abortErr  error
	err       error
	done      chan struct{}

	changeHandler func(chg *Change)
	beforeCommit  func() error
	afterCommit   func()
	written       bool
}

type txOp struct {
	name string
	run  func() error
	fail func(err error)
}

func (env *Env) newTx(core *dbCore, db *DB, mode Mode, scope []string) *Tx {
	tx := &Tx{
		id:    uuid.NewString(),
		env:   env,
		core:  core,
		db:    db,
		mode:  mode,
		scope: scope,
		done:  make(chan struct{}),
	}
	tx.cond = sync.NewCond(&tx.mu)
	return tx
}

func (tx *Tx) start(stx storageTx) {
	tx.stx = stx
	tx.startTime = time.Now()
	if trackTxns {
		tx.stack = string(debug.Stack())
	}
	tx.env.addTx(tx)
	if tx.mode == ReadOnly {
		tx.env.ReaderCount.Add(1)
	} else {
		tx.env.WriterCount.Add(1)
	}
	tx.trace("BEGIN", "mode", tx.mode, "scope", tx.scope)
	go tx.run()
}

func (tx *Tx) ID() string {
	return tx.id
}

func (tx *Tx) Mode() Mode {
	return tx.mode
}

// Scope returns the names of the object stores the transaction may access.
// The upgrade transaction spans every store.
func (tx *Tx) Scope() []string {
	if tx.mode == modeUpgrade {
		names, _ := schemaRead(tx, func(ds *dbState) []string { return ds.storeNames() })
		return names
	}
	return slices.Clone(tx.scope)
}

func (tx *Tx) DB() *DB {
	return tx.db
}

func (tx *Tx) State() TxState {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state == TxActive && tx.finishing {
		return TxCommitting
	}
	return tx.state
}

// Done is closed once the transaction has committed or aborted.
func (tx *Tx) Done() <-chan struct{} {
	return tx.done
}

// Err returns the reason the transaction aborted, or nil if it is still
// running or has committed.
func (tx *Tx) Err() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.err
}

// OnChange registers a function called on the transaction's goroutine
// after every put, delete and clear. It must not issue operations on the
// same transaction and wait for them.
func (tx *Tx) OnChange(f func(chg *Change)) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.changeHandler = f
}

// Commit stops accepting operations, waits for the queued ones to run and
// commits. It returns the error that aborted the transaction, if any.
func (tx *Tx) Commit() error {
	tx.mu.Lock()
	if tx.state == TxActive {
		tx.finishing = true
		tx.cond.Broadcast()
	}
	tx.mu.Unlock()
	<-tx.done
	return tx.Err()
}

// Abort rolls the transaction back after the currently running operation
// finishes. Aborting a finished transaction does nothing.
func (tx *Tx) Abort() {
	tx.mu.Lock()
	if tx.state == TxActive && !tx.finishing && tx.abortErr == nil {
		tx.abortErr = ErrAborted
		tx.cond.Broadcast()
	}
	tx.mu.Unlock()
	<-tx.done
}

func (tx *Tx) enqueue(op *txOp) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != TxActive || tx.finishing || tx.abortErr != nil {
		return fmt.Errorf("%s: %w", op.name, ErrTransactionInactive)
	}
	tx.queue = append(tx.queue, op)
	tx.cond.Signal()
	return nil
}

func (tx *Tx) next() *txOp {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	for len(tx.queue) == 0 && !tx.finishing && tx.abortErr == nil {
		tx.cond.Wait()
	}
	if tx.abortErr != nil || len(tx.queue) == 0 {
		return nil
	}
	op := tx.queue[0]
	tx.queue[0] = nil
	tx.queue = tx.queue[1:]
	return op
}

func (tx *Tx) run() {
	for {
		op := tx.next()
		if op == nil {
			break
		}
		if err := op.run(); err != nil {
			tx.finish(err)
			return
		}
	}

	tx.mu.Lock()
	cause := tx.abortErr
	tx.mu.Unlock()
	tx.finish(cause)
}

func (tx *Tx) finish(cause error) {
	if cause == nil {
		tx.mu.Lock()
		tx.finishing = true
		tx.mu.Unlock()

		cause = tx.commitStorage()
		if cause == nil {
			tx.mu.Lock()
			tx.state = TxCommitted
			tx.mu.Unlock()
			if tx.afterCommit != nil {
				tx.afterCommit()
			}
			tx.trace("COMMIT", "elapsed", time.Since(tx.startTime))
			tx.settle()
			return
		}
	}

	tx.mu.Lock()
	pending := tx.queue
	tx.queue = nil
	tx.state = TxAborted
	tx.err = cause
	tx.mu.Unlock()

	if err := tx.stx.Rollback(); err != nil {
		tx.env.logger.Error("db: rollback failed", "tx", tx.id, "err", err)
	}
	for _, op := range pending {
		op.fail(fmt.Errorf("%s: %w", op.name, ErrTransactionInactive))
	}
	if !errors.Is(cause, ErrAborted) {
		tx.trace("ABORT", "err", cause)
	} else {
		tx.trace("ABORT")
	}
	tx.settle()
}

func (tx *Tx) commitStorage() error {
	if tx.mode == ReadOnly {
		return tx.stx.Rollback()
	}
	if tx.beforeCommit != nil {
		if err := safelyCall(func(*Tx) error { return tx.beforeCommit() }, tx); err != nil {
			return err
		}
	}
	return tx.stx.Commit()
}

func (tx *Tx) settle() {
	if tx.mode == ReadOnly {
		tx.env.ReaderCount.Add(-1)
	} else {
		tx.env.WriterCount.Add(-1)
	}
	tx.env.removeTx(tx)
	tx.core.locks.release(tx)
	close(tx.done)
}

// submit queues f on the transaction. A panic in f fails the request and
// aborts the transaction like any other error.
func submit[T any](tx *Tx, name string, f func() (T, error)) *Request[T] {
	req := newRequest[T]()
	op := &txOp{
		name: name,
		run: func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					err = panicked{p, string(debug.Stack())}
					var zero T
					req.settle(zero, err)
				}
			}()
			v, err := f()
			req.settle(v, err)
			return err
		},
		fail: func(err error) {
			var zero T
			req.settle(zero, err)
		},
	}
	if err := tx.enqueue(op); err != nil {
		var zero T
		req.settle(zero, err)
	}
	return req
}

// schemaRead evaluates f against the transaction's schema. The upgrade
// transaction changes its schema on its own goroutine, so there f runs
// as a queued operation.
func schemaRead[T any](tx *Tx, f func(ds *dbState) T) (T, error) {
	if tx.mode != modeUpgrade {
		return f(tx.schema), nil
	}
	return submit(tx, "schema", func() (T, error) {
		return f(tx.schema), nil
	}).Result()
}

func (tx *Tx) checkWritable(op, store string) error {
	if tx.mode == ReadOnly {
		return storeErrf(store, "", nil, ErrReadOnly, "%s", op)
	}
	return nil
}

// ObjectStore returns a handle to a store in the transaction's scope.
func (tx *Tx) ObjectStore(name string) (*ObjectStore, error) {
	if tx.mode == modeUpgrade {
		found, err := schemaRead(tx, func(ds *dbState) bool { return ds.store(name) != nil })
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, storeErrf(name, "", nil, ErrNotFound, "no such object store")
		}
	} else if !slices.Contains(tx.scope, name) {
		return nil, storeErrf(name, "", nil, ErrNotFound, "not in transaction scope")
	}
	return &ObjectStore{tx: tx, name: name}, nil
}

func (tx *Tx) storeState(name string) (*storeState, error) {
	ss := tx.schema.store(name)
	if ss == nil {
		return nil, storeErrf(name, "", nil, ErrInvalidState, "object store has been deleted")
	}
	return ss, nil
}

func (tx *Tx) bucket(name, sub string) (storageBucket, error) {
	b := tx.stx.Bucket(name, sub)
	if b == nil {
		return nil, fmt.Errorf("%w: missing bucket %q/%q", ErrInvalidState, name, sub)
	}
	return b, nil
}

func (tx *Tx) trace(op string, args ...any) {
	if !tx.env.verbose {
		return
	}
	tx.env.logger.Debug("db: "+op, append([]any{"tx", tx.id[:8]}, args...)...)
}
