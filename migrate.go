package objdb

import (
	"context"
	"fmt"
	"slices"
	"time"
)

// UpgradeFunc changes the schema of a database from u.OldVersion() to
// u.NewVersion(). Returning an error (or panicking) aborts the upgrade.
type UpgradeFunc func(u *Upgrade) error

// Step is one migration: Apply brings a database at version From to
// version From+1 (or further, if steps are sparse).
type Step struct {
	From  uint64
	Apply func(u *Upgrade) error
}

// Steps builds an UpgradeFunc that runs every step with
// OldVersion <= From < NewVersion, once each, in ascending From order.
func Steps(steps ...Step) UpgradeFunc {
	sorted := slices.Clone(steps)
	slices.SortStableFunc(sorted, func(a, b Step) int {
		switch {
		case a.From < b.From:
			return -1
		case a.From > b.From:
			return 1
		default:
			return 0
		}
	})
	return func(u *Upgrade) error {
		for _, s := range sorted {
			if s.From < u.oldVersion || s.From >= u.newVersion {
				continue
			}
			if err := s.Apply(u); err != nil {
				return fmt.Errorf("step from version %d: %w", s.From, err)
			}
		}
		return nil
	}
}

// Upgrade is passed to an UpgradeFunc. It is valid only while the
// function runs.
type Upgrade struct {
	tx         *Tx
	oldVersion uint64
	newVersion uint64
}

type StoreOptions struct {
	KeyPath       KeyPath
	AutoIncrement bool
}

type IndexOptions struct {
	Unique bool
}

func (u *Upgrade) OldVersion() uint64 {
	return u.oldVersion
}

func (u *Upgrade) NewVersion() uint64 {
	return u.newVersion
}

// Transaction returns the upgrade transaction. It spans every store and
// can read and write records as well as change the schema.
func (u *Upgrade) Transaction() *Tx {
	return u.tx
}

// ObjectStoreNames lists the stores as the upgrade has changed them so far.
// Once the upgrade transaction has aborted it returns nil; ObjectStore
// reports the reason as ErrTransactionInactive.
func (u *Upgrade) ObjectStoreNames() []string {
	names, _ := schemaRead(u.tx, func(ds *dbState) []string { return ds.storeNames() })
	return names
}

// HasObjectStore reports false once the upgrade transaction has aborted,
// like ObjectStoreNames.
func (u *Upgrade) HasObjectStore(name string) bool {
	found, _ := schemaRead(u.tx, func(ds *dbState) bool { return ds.store(name) != nil })
	return found
}

func (u *Upgrade) ObjectStore(name string) (*ObjectStore, error) {
	return u.tx.ObjectStore(name)
}

// CreateObjectStore adds a store. It fails with ErrAlreadyExists if the
// store exists, and ErrInvalidState if a key generator is combined with a
// key path it cannot write generated keys to.
func (u *Upgrade) CreateObjectStore(name string, opt StoreOptions) (*ObjectStore, error) {
	tx := u.tx
	err := submit(tx, "createObjectStore", func() (struct{}, error) {
		return struct{}{}, tx.createStore(name, opt)
	}).Err()
	if err != nil {
		return nil, err
	}
	return &ObjectStore{tx: tx, name: name}, nil
}

func (u *Upgrade) DeleteObjectStore(name string) error {
	tx := u.tx
	return submit(tx, "deleteObjectStore", func() (struct{}, error) {
		return struct{}{}, tx.deleteStore(name)
	}).Err()
}

func (tx *Tx) createStore(name string, opt StoreOptions) error {
	if err := validateName("object store", name); err != nil {
		return err
	}
	if tx.schema.store(name) != nil {
		return storeErrf(name, "", nil, ErrAlreadyExists, "object store already exists")
	}
	if err := opt.KeyPath.validate(); err != nil {
		return storeErrf(name, "", nil, err, "")
	}
	if opt.AutoIncrement && len(opt.KeyPath) > 0 && !opt.KeyPath.canInject() {
		return storeErrf(name, "", nil, ErrInvalidState, "key generator cannot be used with key path %v", opt.KeyPath)
	}

	ss := &storeState{
		KeyPath:       opt.KeyPath,
		AutoIncrement: opt.AutoIncrement,
	}
	ss.prepare(tx.schema.name, name)
	if _, err := tx.stx.CreateBucket(ss.bucketName, dataBucket); err != nil {
		return err
	}
	tx.schema.Stores[name] = ss
	tx.env.logger.Info("object store created", "db", tx.schema.name, "store", name, "keyPath", opt.KeyPath, "autoIncrement", opt.AutoIncrement)
	return nil
}

func (tx *Tx) deleteStore(name string) error {
	ss := tx.schema.store(name)
	if ss == nil {
		return storeErrf(name, "", nil, ErrNotFound, "no such object store")
	}
	if err := tx.stx.DeleteBucket(ss.bucketName, ""); err != nil && err != errBucketNotFound {
		return err
	}
	delete(tx.schema.Stores, name)
	tx.env.logger.Info("object store deleted", "db", tx.schema.name, "store", name)
	return nil
}

func (tx *Tx) checkUpgrade(op, store string) error {
	if tx.mode != modeUpgrade {
		return storeErrf(store, "", nil, ErrInvalidState, "%s is only allowed during an upgrade", op)
	}
	return nil
}

func (env *Env) upgrade(ctx context.Context, core *dbCore, version uint64, upgrade UpgradeFunc) (*DB, error) {
	tx := env.newTx(core, nil, modeUpgrade, nil)
	if err := core.locks.acquire(ctx, tx); err != nil {
		return nil, err
	}

	// another Open may have upgraded the database while we waited
	ds, err := env.loadState(core)
	if err != nil {
		core.locks.release(tx)
		return nil, err
	}
	if cur := ds.version(); cur > version {
		core.locks.release(tx)
		return nil, fmt.Errorf("%s: stored version %d, requested %d: %w", core.name, cur, version, ErrVersionMismatch)
	} else if ds != nil && cur == version {
		core.locks.release(tx)
		return env.newDB(core), nil
	}

	stx, err := env.beginStorage(ctx, true)
	if err != nil {
		core.locks.release(tx)
		return nil, err
	}

	db := env.newDB(core)
	tx.db = db
	oldVersion := ds.version()
	if ds != nil {
		tx.schema = ds.clone()
	} else {
		tx.schema = newDBState(core.name)
	}
	tx.schema.Version = version
	tx.beforeCommit = func() error {
		tx.schema.LastSeen = time.Now().UTC()
		return saveDBState(tx.stx, tx.schema)
	}
	tx.afterCommit = func() {
		core.publish(tx.schema)
	}
	tx.start(stx)

	start := time.Now()
	u := &Upgrade{tx: tx, oldVersion: oldVersion, newVersion: version}
	if upgrade != nil && oldVersion < version {
		if err := safelyCall(upgrade, u); err != nil {
			tx.Abort()
			return nil, fmt.Errorf("%s: upgrading from %d to %d: %w: %w", core.name, oldVersion, version, ErrMigrationFailed, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%s: upgrading from %d to %d: %w: %w", core.name, oldVersion, version, ErrMigrationFailed, err)
	}

	if ds == nil {
		env.logger.Info("database created", "db", core.name, "version", version)
	} else {
		env.logger.Info("database upgraded", "db", core.name, "from", oldVersion, "to", version, "ms", time.Since(start).Milliseconds())
	}
	return db, nil
}
