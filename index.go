package objdb

import (
	"fmt"
	"time"
)

// Index is a handle to a secondary index within one transaction.
type Index struct {
	store *ObjectStore
	name  string
}

// CreateIndex adds an index and fills it from the existing records.
// It is only allowed during an upgrade. A unique index fails with
// ErrConstraint if two records already share a key.
func (st *ObjectStore) CreateIndex(name string, kp KeyPath, opt IndexOptions) (*Index, error) {
	tx := st.tx
	if err := tx.checkUpgrade("createIndex", st.name); err != nil {
		return nil, err
	}
	if err := validateName("index", name); err != nil {
		return nil, err
	}
	if len(kp) == 0 {
		return nil, storeErrf(st.name, name, nil, ErrInvalidKey, "index needs a key path")
	}
	if err := kp.validate(); err != nil {
		return nil, storeErrf(st.name, name, nil, err, "")
	}
	err := submit(tx, "createIndex", func() (struct{}, error) {
		ss, err := tx.storeState(st.name)
		if err != nil {
			return struct{}{}, err
		}
		if ss.Indices[name] != nil {
			return struct{}{}, storeErrf(st.name, name, nil, ErrAlreadyExists, "index already exists")
		}
		is := ss.addIndex(name, kp, opt.Unique)
		if _, err := tx.stx.CreateBucket(ss.bucketName, is.bucketName()); err != nil {
			return struct{}{}, err
		}
		start := time.Now()
		n, err := tx.buildIndex(ss, is)
		if err != nil {
			return struct{}{}, err
		}
		tx.env.logger.Info("index created", "db", tx.schema.name, "store", st.name, "index", name, "keyPath", kp, "unique", opt.Unique, "records", n, "ms", time.Since(start).Milliseconds())
		return struct{}{}, nil
	}).Err()
	if err != nil {
		return nil, err
	}
	return &Index{store: st, name: name}, nil
}

// DeleteIndex removes an index. It is only allowed during an upgrade.
func (st *ObjectStore) DeleteIndex(name string) error {
	tx := st.tx
	if err := tx.checkUpgrade("deleteIndex", st.name); err != nil {
		return err
	}
	return submit(tx, "deleteIndex", func() (struct{}, error) {
		ss, err := tx.storeState(st.name)
		if err != nil {
			return struct{}{}, err
		}
		is := ss.Indices[name]
		if is == nil {
			return struct{}{}, storeErrf(st.name, name, nil, ErrNotFound, "no such index")
		}
		if err := tx.stx.DeleteBucket(ss.bucketName, is.bucketName()); err != nil && err != errBucketNotFound {
			return struct{}{}, err
		}
		ss.removeIndex(is)
		tx.env.logger.Info("index deleted", "db", tx.schema.name, "store", st.name, "index", name)
		return struct{}{}, nil
	}).Err()
}

// Index returns a handle to an existing index of the store.
func (st *ObjectStore) Index(name string) (*Index, error) {
	found, err := schemaRead(st.tx, func(ds *dbState) bool {
		ss := ds.store(st.name)
		return ss != nil && ss.Indices[name] != nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, storeErrf(st.name, name, nil, ErrNotFound, "no such index")
	}
	return &Index{store: st, name: name}, nil
}

func (ix *Index) Name() string {
	return ix.name
}

func (ix *Index) ObjectStore() *ObjectStore {
	return ix.store
}

func (ix *Index) KeyPath() KeyPath {
	kp, _ := schemaRead(ix.store.tx, func(ds *dbState) KeyPath {
		if is := ix.stateIn(ds); is != nil {
			return is.KeyPath
		}
		return nil
	})
	return kp
}

func (ix *Index) Unique() bool {
	u, _ := schemaRead(ix.store.tx, func(ds *dbState) bool {
		is := ix.stateIn(ds)
		return is != nil && is.Unique
	})
	return u
}

func (ix *Index) stateIn(ds *dbState) *indexState {
	ss := ds.store(ix.store.name)
	if ss == nil {
		return nil
	}
	return ss.Indices[ix.name]
}

// state looks the index up on the transaction goroutine.
func (ix *Index) state() (*storeState, *indexState, error) {
	ss, err := ix.store.tx.storeState(ix.store.name)
	if err != nil {
		return nil, nil, err
	}
	is := ss.Indices[ix.name]
	if is == nil {
		return nil, nil, storeErrf(ss.name, ix.name, nil, ErrInvalidState, "index has been deleted")
	}
	return ss, is, nil
}

func (ix *Index) errf(key any, err error, format string, args ...any) error {
	return storeErrf(ix.store.name, ix.name, key, err, format, args...)
}

// Get returns the first record (by primary key) whose index key is key,
// or nil.
func (ix *Index) Get(key any) *Request[any] {
	return indexFirst(ix, "index.get", key, func(ss *storeState, pkRaw []byte) (any, error) {
		return ix.store.tx.lookupRecord(ss, pkRaw)
	})
}

// GetKey is Get returning the primary key instead of the record.
func (ix *Index) GetKey(key any) *Request[any] {
	return indexFirst(ix, "index.getKey", key, func(ss *storeState, pkRaw []byte) (any, error) {
		return decodeFullKey(pkRaw)
	})
}

func indexFirst(ix *Index, op string, key any, f func(ss *storeState, pkRaw []byte) (any, error)) *Request[any] {
	keyRaw, err := encodeKey(nil, key)
	if err != nil {
		return failedRequest[any](ix.errf(key, err, "%s", op))
	}
	tx := ix.store.tx
	return submit(tx, op, func() (any, error) {
		ss, is, err := ix.state()
		if err != nil {
			return nil, err
		}
		s := newIndexScan(ss, is, rawBounds{Lower: keyRaw, Upper: keyRaw}, Next)
		k, v, err := s.step(tx.stx)
		if err != nil {
			return nil, ix.errf(key, err, "%s", op)
		}
		if k == nil {
			tx.trace("GET.NOTFOUND", "store", ss.name, "index", is.name, "key", key)
			return nil, nil
		}
		_, pkRaw, err := indexFieldKey(is, k, v)
		if err != nil {
			return nil, ix.errf(key, err, "%s", op)
		}
		return f(ss, pkRaw)
	})
}

// GetAll returns the records whose index key is in rng, in index order.
func (ix *Index) GetAll(rng *KeyRange, limit int) *Request[[]any] {
	return indexCollect(ix, "index.getAll", rng, limit, func(ss *storeState, pkRaw []byte) (any, error) {
		return ix.store.tx.lookupRecord(ss, pkRaw)
	})
}

// GetAllKeys returns the primary keys of the records whose index key is
// in rng, in index order.
func (ix *Index) GetAllKeys(rng *KeyRange, limit int) *Request[[]any] {
	return indexCollect(ix, "index.getAllKeys", rng, limit, func(ss *storeState, pkRaw []byte) (any, error) {
		return decodeFullKey(pkRaw)
	})
}

func indexCollect(ix *Index, op string, rng *KeyRange, limit int, f func(ss *storeState, pkRaw []byte) (any, error)) *Request[[]any] {
	bounds, err := rng.encode()
	if err != nil {
		return failedRequest[[]any](ix.errf(nil, err, "%s", op))
	}
	tx := ix.store.tx
	return submit(tx, op, func() ([]any, error) {
		ss, is, err := ix.state()
		if err != nil {
			return nil, err
		}
		result := []any{}
		s := newIndexScan(ss, is, bounds, Next)
		for limit <= 0 || len(result) < limit {
			k, v, err := s.step(tx.stx)
			if err != nil {
				return nil, ix.errf(nil, err, "%s", op)
			}
			if k == nil {
				break
			}
			_, pkRaw, err := indexFieldKey(is, k, v)
			if err != nil {
				return nil, ix.errf(nil, err, "%s", op)
			}
			item, err := f(ss, pkRaw)
			if err != nil {
				return nil, err
			}
			result = append(result, item)
		}
		return result, nil
	})
}

// Count returns the number of index entries in rng.
func (ix *Index) Count(rng *KeyRange) *Request[int] {
	bounds, err := rng.encode()
	if err != nil {
		return failedRequest[int](ix.errf(nil, err, "index.count"))
	}
	tx := ix.store.tx
	return submit(tx, "index.count", func() (int, error) {
		ss, is, err := ix.state()
		if err != nil {
			return 0, err
		}
		return countRange(tx, newIndexScan(ss, is, bounds, Next))
	})
}

// OpenCursor opens a cursor over the index entries in rng. Key is the
// index key, PrimaryKey the record's key, Value the record.
func (ix *Index) OpenCursor(rng *KeyRange, dir Direction) *Request[*Cursor] {
	return ix.openCursor("index.openCursor", rng, dir, false)
}

func (ix *Index) OpenKeyCursor(rng *KeyRange, dir Direction) *Request[*Cursor] {
	return ix.openCursor("index.openKeyCursor", rng, dir, true)
}

func (ix *Index) openCursor(op string, rng *KeyRange, dir Direction, keyOnly bool) *Request[*Cursor] {
	if !dir.valid() {
		return failedRequest[*Cursor](fmt.Errorf("%s: %w: %v", op, ErrInvalidState, dir))
	}
	bounds, err := rng.encode()
	if err != nil {
		return failedRequest[*Cursor](ix.errf(nil, err, "%s", op))
	}
	tx := ix.store.tx
	return submit(tx, op, func() (*Cursor, error) {
		ss, is, err := ix.state()
		if err != nil {
			return nil, err
		}
		c := &Cursor{
			tx:      tx,
			store:   ss.name,
			index:   is.name,
			keyOnly: keyOnly,
			dir:     dir,
			scan:    newIndexScan(ss, is, bounds, dir),
		}
		found, err := c.move(1)
		if err != nil || !found {
			return nil, err
		}
		return c, nil
	})
}
