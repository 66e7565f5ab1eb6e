package objdb

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sasha-s/go-deadlock"
)

const trackTxns = true

// Env is a storage file (or memory area) holding any number of named
// databases.
type Env struct {
	st      storage
	logger  *slog.Logger
	verbose bool

	mu     deadlock.Mutex
	cores  map[string]*dbCore
	closed atomic.Bool

	ReaderCount atomic.Int64
	WriterCount atomic.Int64

	txns     []*Tx
	txnsLock deadlock.Mutex
}

type Options struct {
	// Logger receives lifecycle events, and per-operation traces when
	// Verbose is set. Defaults to slog.Default().
	Logger  *slog.Logger
	Verbose bool

	// IsTesting trades durability for speed.
	IsTesting bool
	NoSync    bool

	MmapSize    int
	LockTimeout time.Duration
}

// dbCore is the state shared by every handle of one database: the
// published schema and the lock table.
type dbCore struct {
	name  string
	locks *lockTable

	mu     deadlock.Mutex
	state  *dbState
	loaded bool
}

// OpenEnv opens (creating if needed) a bbolt file at path. Failing to
// open it returns an error wrapping ErrNotSupported.
func OpenEnv(path string, opt Options) (*Env, error) {
	st, err := openBoltStorage(path, opt)
	if err != nil {
		return nil, fmt.Errorf("objdb: %w: %s: %w", ErrNotSupported, path, err)
	}
	return newEnv(st, opt), nil
}

// OpenMemEnv returns an Env that keeps everything in memory.
func OpenMemEnv(opt Options) *Env {
	return newEnv(newMemStorage(), opt)
}

func newEnv(st storage, opt Options) *Env {
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Env{
		st:      st,
		logger:  logger,
		verbose: opt.Verbose,
		cores:   make(map[string]*dbCore),
	}
}

func (env *Env) Close() error {
	if env.closed.Swap(true) {
		return nil
	}
	err := env.st.Close()
	if err != nil {
		return fmt.Errorf("objdb: closing: %w", err)
	}
	return nil
}

func (env *Env) core(name string) *dbCore {
	env.mu.Lock()
	defer env.mu.Unlock()
	core := env.cores[name]
	if core == nil {
		core = &dbCore{name: name, locks: newLockTable()}
		env.cores[name] = core
	}
	return core
}

// loadState returns the published schema of a database, or nil if the
// database does not exist.
func (env *Env) loadState(core *dbCore) (*dbState, error) {
	core.mu.Lock()
	if core.loaded {
		ds := core.state
		core.mu.Unlock()
		return ds, nil
	}
	core.mu.Unlock()

	stx, err := env.st.BeginTx(false)
	if err != nil {
		return nil, err
	}
	defer stx.Rollback()
	ds, err := loadDBState(stx, core.name)
	if err != nil {
		return nil, err
	}

	core.mu.Lock()
	defer core.mu.Unlock()
	if !core.loaded {
		core.state, core.loaded = ds, true
	}
	return core.state, nil
}

func (core *dbCore) publish(ds *dbState) {
	core.mu.Lock()
	defer core.mu.Unlock()
	core.state, core.loaded = ds, true
}

func (core *dbCore) snapshot() *dbState {
	core.mu.Lock()
	defer core.mu.Unlock()
	return core.state
}

// beginStorage starts a storage transaction. Only one writable storage
// transaction exists at a time, so waiting for it honors ctx; a writer
// obtained after ctx is done is rolled back.
func (env *Env) beginStorage(ctx context.Context, writable bool) (storageTx, error) {
	if !writable {
		return env.st.BeginTx(false)
	}
	type started struct {
		stx storageTx
		err error
	}
	ch := make(chan started, 1)
	go func() {
		stx, err := env.st.BeginTx(true)
		ch <- started{stx, err}
	}()
	select {
	case r := <-ch:
		return r.stx, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				_ = r.stx.Rollback()
			}
		}()
		return nil, ctx.Err()
	}
}

func (env *Env) checkOpen() error {
	if env.closed.Load() {
		return fmt.Errorf("objdb: env: %w", ErrClosed)
	}
	return nil
}

// Open opens the named database at the given version. A database that
// does not exist yet is created at version 0. When the stored version is
// lower than requested, upgrade runs inside a single upgrade transaction
// spanning every store, and the new version is stored only if it succeeds.
// A stored version higher than requested fails with ErrVersionMismatch.
//
// Open waits until every transaction of the database has finished before
// upgrading; calling it while holding a transaction of the same database
// on the calling goroutine deadlocks.
func (env *Env) Open(ctx context.Context, name string, version uint64, upgrade UpgradeFunc) (*DB, error) {
	if err := env.checkOpen(); err != nil {
		return nil, err
	}
	if err := validateName("database", name); err != nil {
		return nil, err
	}
	core := env.core(name)
	ds, err := env.loadState(core)
	if err != nil {
		return nil, err
	}
	if cur := ds.version(); cur > version {
		return nil, fmt.Errorf("%s: stored version %d, requested %d: %w", name, cur, version, ErrVersionMismatch)
	} else if ds != nil && cur == version {
		return env.newDB(core), nil
	}
	return env.upgrade(ctx, core, version, upgrade)
}

// OpenCurrent opens an existing database at whatever version it has.
func (env *Env) OpenCurrent(ctx context.Context, name string) (*DB, error) {
	if err := env.checkOpen(); err != nil {
		return nil, err
	}
	if err := validateName("database", name); err != nil {
		return nil, err
	}
	core := env.core(name)
	ds, err := env.loadState(core)
	if err != nil {
		return nil, err
	}
	if ds == nil {
		return nil, fmt.Errorf("database %s: %w", name, ErrNotFound)
	}
	return env.newDB(core), nil
}

func (env *Env) newDB(core *dbCore) *DB {
	return &DB{env: env, core: core}
}

// DatabaseNames lists the databases stored in the env, sorted.
func (env *Env) DatabaseNames(ctx context.Context) ([]string, error) {
	if err := env.checkOpen(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stx, err := env.st.BeginTx(false)
	if err != nil {
		return nil, err
	}
	defer stx.Rollback()
	names := listDatabases(stx)
	slices.Sort(names)
	return names, nil
}

// DeleteDatabase removes a database with all of its stores. It waits for
// every transaction of the database to finish first.
func (env *Env) DeleteDatabase(ctx context.Context, name string) error {
	if err := env.checkOpen(); err != nil {
		return err
	}
	if err := validateName("database", name); err != nil {
		return err
	}
	core := env.core(name)
	tx := env.newTx(core, nil, modeUpgrade, nil)
	if err := core.locks.acquire(ctx, tx); err != nil {
		return err
	}
	ds, err := env.loadState(core)
	if err != nil {
		core.locks.release(tx)
		return err
	}
	if ds == nil {
		core.locks.release(tx)
		return fmt.Errorf("database %s: %w", name, ErrNotFound)
	}
	stx, err := env.beginStorage(ctx, true)
	if err != nil {
		core.locks.release(tx)
		return err
	}
	tx.schema = ds.clone()
	tx.afterCommit = func() {
		core.publish(nil)
	}
	tx.start(stx)

	err = submit(tx, "deleteDatabase", func() (struct{}, error) {
		for _, ss := range tx.schema.Stores {
			if err := stx.DeleteBucket(ss.bucketName, ""); err != nil && err != errBucketNotFound {
				return struct{}{}, err
			}
		}
		meta, err := tx.bucket(metaBucket, "")
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, meta.Delete([]byte(name))
	}).Err()
	if err != nil {
		tx.Abort()
		return fmt.Errorf("deleting database %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("deleting database %s: %w", name, err)
	}
	env.logger.Info("database deleted", "db", name)
	return nil
}

func (env *Env) addTx(tx *Tx) {
	env.txnsLock.Lock()
	defer env.txnsLock.Unlock()
	env.txns = append(env.txns, tx)
}

func (env *Env) removeTx(tx *Tx) {
	env.txnsLock.Lock()
	defer env.txnsLock.Unlock()

	found := slices.Index(env.txns, tx)
	if found < 0 {
		panic("tx not found in list")
	}

	n := len(env.txns)
	env.txns[found] = env.txns[n-1]
	env.txns[n-1] = nil // ensure it gets collected
	env.txns = env.txns[:n-1]
}

func (env *Env) OpenTxnCount() int {
	env.txnsLock.Lock()
	defer env.txnsLock.Unlock()
	return len(env.txns)
}

func (env *Env) DescribeOpenTxns() string {
	if !trackTxns {
		return "OPEN TX TRACKING DISABLED"
	}

	env.txnsLock.Lock()
	txns := slices.Clone(env.txns)
	env.txnsLock.Unlock()

	if len(txns) == 0 {
		return "NO OPEN TRANSACTIONS"
	}

	slices.SortFunc(txns, func(a, b *Tx) int {
		return a.startTime.Compare(b.startTime)
	})

	now := time.Now()

	var buf strings.Builder
	fmt.Fprintf(&buf, "%d OPEN TRANSACTIONS:\n", len(txns))
	for _, tx := range txns {
		ms := now.Sub(tx.startTime).Milliseconds()
		fmt.Fprintf(&buf, "\n---\n%s %s %s %v, open for %d ms", tx.id, tx.core.name, tx.mode, tx.scope, ms)
		if ms < 100 {
			buf.WriteString("\n")
		} else {
			fmt.Fprintf(&buf, ":\n%s", tx.stack)
		}
	}

	return buf.String()
}

// DB is a handle to one database of an Env.
type DB struct {
	env    *Env
	core   *dbCore
	closed atomic.Bool
}

func (db *DB) Env() *Env {
	return db.env
}

func (db *DB) Name() string {
	return db.core.name
}

// Version returns the current stored version of the database.
func (db *DB) Version() uint64 {
	return db.core.snapshot().version()
}

func (db *DB) ObjectStoreNames() []string {
	return db.core.snapshot().storeNames()
}

// Close makes the handle refuse new transactions. Running transactions
// are not affected.
func (db *DB) Close() {
	db.closed.Store(true)
}

// Begin starts a transaction over the given stores, waiting (subject to
// ctx) until the lock table admits it. Read-write transactions whose
// scopes overlap are admitted in the order Begin was called; read-only
// transactions never wait for writers.
//
// Both backends allow a single writer at a time, so read-write
// transactions over disjoint stores are admitted together but still run
// one after another; Begin waits for the writer subject to ctx too.
//
// The transaction holds its locks and its goroutine until Commit or Abort
// is called. A transaction that is never finished blocks every later
// writer; use View or Update to have that done automatically.
func (db *DB) Begin(ctx context.Context, mode Mode, stores ...string) (*Tx, error) {
	if db.closed.Load() {
		return nil, fmt.Errorf("database %s: %w", db.Name(), ErrClosed)
	}
	if err := db.env.checkOpen(); err != nil {
		return nil, err
	}
	if mode != ReadOnly && mode != ReadWrite {
		return nil, fmt.Errorf("%w: cannot begin a %s transaction", ErrInvalidState, mode)
	}
	if len(stores) == 0 {
		return nil, fmt.Errorf("%w: transaction scope is empty", ErrInvalidState)
	}
	scope := slices.Clone(stores)
	slices.Sort(scope)
	scope = slices.Compact(scope)

	tx := db.env.newTx(db.core, db, mode, scope)
	if err := db.core.locks.acquire(ctx, tx); err != nil {
		return nil, err
	}
	tx.schema = db.core.snapshot()
	for _, name := range scope {
		if tx.schema.store(name) == nil {
			db.core.locks.release(tx)
			return nil, storeErrf(name, "", nil, ErrNotFound, "no such object store")
		}
	}
	stx, err := db.env.beginStorage(ctx, mode == ReadWrite)
	if err != nil {
		db.core.locks.release(tx)
		return nil, err
	}
	tx.start(stx)
	return tx, nil
}

// Tx runs f in a transaction, committing when f returns nil and aborting
// when it returns an error or panics.
func (db *DB) Tx(ctx context.Context, mode Mode, stores []string, f func(tx *Tx) error) error {
	tx, err := db.Begin(ctx, mode, stores...)
	if err != nil {
		return err
	}
	if err := safelyCall(f, tx); err != nil {
		tx.Abort()
		return err
	}
	return tx.Commit()
}

func (db *DB) View(ctx context.Context, stores []string, f func(tx *Tx) error) error {
	return db.Tx(ctx, ReadOnly, stores, f)
}

func (db *DB) Update(ctx context.Context, stores []string, f func(tx *Tx) error) error {
	return db.Tx(ctx, ReadWrite, stores, f)
}
