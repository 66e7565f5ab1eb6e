package objdb

import (
	"encoding/binary"
	"math"
	"time"
)

// ObjectStore is a handle to a store within one transaction. All
// operations are queued on the transaction.
//
// Invalid arguments (keys, ranges) and calls not allowed in the
// transaction's mode fail the returned request without affecting the
// transaction. Failures while executing, such as ErrConstraint, abort it.
type ObjectStore struct {
	tx   *Tx
	name string
}

func (st *ObjectStore) Name() string {
	return st.name
}

func (st *ObjectStore) Transaction() *Tx {
	return st.tx
}

func (st *ObjectStore) KeyPath() KeyPath {
	kp, _ := schemaRead(st.tx, func(ds *dbState) KeyPath {
		if ss := ds.store(st.name); ss != nil {
			return ss.KeyPath
		}
		return nil
	})
	return kp
}

func (st *ObjectStore) AutoIncrement() bool {
	ai, _ := schemaRead(st.tx, func(ds *dbState) bool {
		ss := ds.store(st.name)
		return ss != nil && ss.AutoIncrement
	})
	return ai
}

func (st *ObjectStore) IndexNames() []string {
	names, _ := schemaRead(st.tx, func(ds *dbState) []string {
		if ss := ds.store(st.name); ss != nil {
			return ss.indexNames()
		}
		return nil
	})
	return names
}

// Add inserts a record, failing with ErrConstraint if its key exists.
// The key comes from the store's key path or key generator, and the
// resolved key is the request's result.
func (st *ObjectStore) Add(value any) *Request[any] {
	return st.put("add", nil, value, true)
}

// AddWithKey is Add for stores without a key path.
func (st *ObjectStore) AddWithKey(key, value any) *Request[any] {
	if key == nil {
		return failedRequest[any](storeErrf(st.name, "", nil, ErrInvalidKey, "add: nil key"))
	}
	return st.put("add", key, value, true)
}

// Put inserts or replaces a record.
func (st *ObjectStore) Put(value any) *Request[any] {
	return st.put("put", nil, value, false)
}

// PutWithKey is Put for stores without a key path.
func (st *ObjectStore) PutWithKey(key, value any) *Request[any] {
	if key == nil {
		return failedRequest[any](storeErrf(st.name, "", nil, ErrInvalidKey, "put: nil key"))
	}
	return st.put("put", key, value, false)
}

func (st *ObjectStore) put(op string, key, value any, noOverwrite bool) *Request[any] {
	tx := st.tx
	if err := tx.checkWritable(op, st.name); err != nil {
		return failedRequest[any](err)
	}
	var keyRaw []byte
	if key != nil {
		var err error
		keyRaw, err = encodeKey(nil, key)
		if err != nil {
			return failedRequest[any](storeErrf(st.name, "", key, err, "%s", op))
		}
	}
	rec, data, err := cloneValue(value)
	if err != nil {
		return failedRequest[any](storeErrf(st.name, "", key, err, "%s: cannot clone value", op))
	}

	return submit(tx, op, func() (any, error) {
		ss, err := tx.storeState(st.name)
		if err != nil {
			return nil, err
		}
		keyRaw, rec, data, err := tx.resolveKey(ss, keyRaw, rec, data)
		if err != nil {
			return nil, err
		}
		if err := tx.writeRecord(ss, keyRaw, rec, data, noOverwrite); err != nil {
			return nil, err
		}
		return decodeFullKey(keyRaw)
	})
}

// resolveKey picks the primary key of a record being written: explicit,
// from the key path, or generated. A generated key is written into the
// record at the key path, which changes its encoded data.
func (tx *Tx) resolveKey(ss *storeState, explicit []byte, rec any, data []byte) ([]byte, any, []byte, error) {
	switch {
	case len(ss.KeyPath) > 0:
		if explicit != nil {
			return nil, nil, nil, storeErrf(ss.name, "", nil, ErrInvalidKey, "store uses key path %v, explicit key not allowed", ss.KeyPath)
		}
		if k, ok := evalKeyPath(rec, ss.KeyPath); ok {
			keyRaw, err := encodeKey(nil, k)
			if err != nil {
				return nil, nil, nil, storeErrf(ss.name, "", nil, err, "bad key at %v", ss.KeyPath)
			}
			if ss.AutoIncrement {
				if err := tx.bumpGenerator(ss, keyRaw); err != nil {
					return nil, nil, nil, err
				}
			}
			return keyRaw, rec, data, nil
		}
		if !ss.AutoIncrement {
			return nil, nil, nil, storeErrf(ss.name, "", nil, ErrInvalidKey, "record has no key at %v", ss.KeyPath)
		}
		gen, err := tx.nextGeneratedKey(ss)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := injectKey(rec, ss.KeyPath[0], gen); err != nil {
			return nil, nil, nil, storeErrf(ss.name, "", gen, err, "")
		}
		data, err = encodeMsgpack(nil, rec)
		if err != nil {
			return nil, nil, nil, err
		}
		return must(encodeKey(nil, gen)), rec, data, nil

	case explicit != nil:
		if ss.AutoIncrement {
			if err := tx.bumpGenerator(ss, explicit); err != nil {
				return nil, nil, nil, err
			}
		}
		return explicit, rec, data, nil

	case ss.AutoIncrement:
		gen, err := tx.nextGeneratedKey(ss)
		if err != nil {
			return nil, nil, nil, err
		}
		return must(encodeKey(nil, gen)), rec, data, nil

	default:
		return nil, nil, nil, storeErrf(ss.name, "", nil, ErrInvalidKey, "no key given, and the store has neither a key path nor a key generator")
	}
}

func readGenerator(root storageBucket) uint64 {
	v := root.Get(generatorKey)
	if len(v) != 8 {
		return 1
	}
	return binary.BigEndian.Uint64(v)
}

func writeGenerator(root storageBucket, next uint64) error {
	return root.Put(generatorKey, binary.BigEndian.AppendUint64(nil, next))
}

// nextGeneratedKey returns the store's current generator value and
// advances it. Generated keys are never reused, even after deletes.
func (tx *Tx) nextGeneratedKey(ss *storeState) (int64, error) {
	root, err := tx.bucket(ss.bucketName, "")
	if err != nil {
		return 0, err
	}
	n := readGenerator(root)
	if n > maxSafeInteger {
		return 0, storeErrf(ss.name, "", nil, ErrConstraint, "key generator exhausted")
	}
	if err := writeGenerator(root, n+1); err != nil {
		return 0, err
	}
	return int64(n), nil
}

// bumpGenerator moves the generator past an explicitly given numeric key.
func (tx *Tx) bumpGenerator(ss *storeState, keyRaw []byte) error {
	f, ok := numericKey(keyRaw)
	if !ok {
		return nil
	}
	root, err := tx.bucket(ss.bucketName, "")
	if err != nil {
		return err
	}
	cur := readGenerator(root)
	if f < float64(cur) {
		return nil
	}
	next := math.Floor(f) + 1
	if next > maxSafeInteger+1 {
		next = maxSafeInteger + 1
	}
	return writeGenerator(root, uint64(next))
}

// writeRecord stores a record and brings every index up to date.
func (tx *Tx) writeRecord(ss *storeState, keyRaw []byte, rec any, data []byte, noOverwrite bool) error {
	start := time.Now()
	dataB, err := tx.bucket(ss.bucketName, dataBucket)
	if err != nil {
		return err
	}
	oldRaw := dataB.Get(keyRaw)
	if oldRaw != nil && noOverwrite {
		key, _ := decodeFullKey(keyRaw)
		return storeErrf(ss.name, "", key, ErrConstraint, "key already exists")
	}

	rows := buildIndexRows(ss, rec, keyRaw)
	if err := tx.checkUnique(ss, rows, keyRaw); err != nil {
		return err
	}

	if oldRaw != nil {
		var old value
		if err := old.decode(oldRaw); err != nil {
			return storeErrf(ss.name, "", nil, err, "cannot decode existing record")
		}
		if err := findRemovedIndexKeys(old.Index, rows, tx.indexEntryDeleter(ss)); err != nil {
			return err
		}
	}

	if err := dataB.Put(keyRaw, encodeValue(nil, data, rows)); err != nil {
		return err
	}
	if err := tx.putIndexRows(ss, rows); err != nil {
		return err
	}
	tx.written = true
	tx.notify(ss.name, OpPut, keyRaw, rec)

	if tx.env.verbose {
		key, _ := decodeFullKey(keyRaw)
		tx.trace("PUT", "store", ss.name, "key", key, "replaced", oldRaw != nil, "indexRows", len(rows), "ms", time.Since(start).Milliseconds())
	}
	return nil
}
