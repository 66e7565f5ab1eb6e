package objdb

import (
	"bytes"
)

// Delete removes the record with the given key. Deleting a missing key
// is not an error; the result reports whether a record was removed.
func (st *ObjectStore) Delete(key any) *Request[bool] {
	tx := st.tx
	if err := tx.checkWritable("delete", st.name); err != nil {
		return failedRequest[bool](err)
	}
	keyRaw, err := encodeKey(nil, key)
	if err != nil {
		return failedRequest[bool](storeErrf(st.name, "", key, err, "delete"))
	}
	return submit(tx, "delete", func() (bool, error) {
		ss, err := tx.storeState(st.name)
		if err != nil {
			return false, err
		}
		return tx.deleteRecord(ss, keyRaw)
	})
}

// DeleteRange removes every record in rng and returns how many there were.
func (st *ObjectStore) DeleteRange(rng *KeyRange) *Request[int] {
	tx := st.tx
	if err := tx.checkWritable("deleteRange", st.name); err != nil {
		return failedRequest[int](err)
	}
	bounds, err := rng.encode()
	if err != nil {
		return failedRequest[int](storeErrf(st.name, "", nil, err, "deleteRange"))
	}
	return submit(tx, "deleteRange", func() (int, error) {
		ss, err := tx.storeState(st.name)
		if err != nil {
			return 0, err
		}
		var keys [][]byte
		s := newStoreScan(ss, bounds, Next)
		for {
			k, _, err := s.step(tx.stx)
			if err != nil {
				return 0, err
			}
			if k == nil {
				break
			}
			keys = append(keys, bytes.Clone(k))
		}
		for _, k := range keys {
			if _, err := tx.deleteRecord(ss, k); err != nil {
				return 0, err
			}
		}
		return len(keys), nil
	})
}

// Clear removes every record of the store. The key generator keeps its value.
func (st *ObjectStore) Clear() *Request[struct{}] {
	tx := st.tx
	if err := tx.checkWritable("clear", st.name); err != nil {
		return failedRequest[struct{}](err)
	}
	return submit(tx, "clear", func() (struct{}, error) {
		ss, err := tx.storeState(st.name)
		if err != nil {
			return struct{}{}, err
		}
		subs := []string{dataBucket}
		for _, is := range ss.Indices {
			subs = append(subs, is.bucketName())
		}
		for _, sub := range subs {
			if err := tx.stx.DeleteBucket(ss.bucketName, sub); err != nil && err != errBucketNotFound {
				return struct{}{}, err
			}
			if _, err := tx.stx.CreateBucket(ss.bucketName, sub); err != nil {
				return struct{}{}, err
			}
		}
		tx.written = true
		tx.notify(ss.name, OpClear, nil, nil)
		tx.trace("CLEAR", "store", ss.name)
		return struct{}{}, nil
	})
}

// deleteRecord removes a record and the index entries it contributed.
func (tx *Tx) deleteRecord(ss *storeState, keyRaw []byte) (bool, error) {
	dataB, err := tx.bucket(ss.bucketName, dataBucket)
	if err != nil {
		return false, err
	}
	raw := dataB.Get(keyRaw)
	if raw == nil {
		if tx.env.verbose {
			key, _ := decodeFullKey(keyRaw)
			tx.trace("DELETE.NOOP", "store", ss.name, "key", key)
		}
		return false, nil
	}

	var old value
	if err := old.decode(raw); err != nil {
		return false, storeErrf(ss.name, "", nil, err, "cannot decode existing record")
	}
	if err := decodeIndexKeys(old.Index, tx.indexEntryDeleter(ss)); err != nil {
		return false, err
	}
	if err := dataB.Delete(keyRaw); err != nil {
		return false, err
	}
	tx.written = true
	tx.notify(ss.name, OpDelete, keyRaw, nil)
	if tx.env.verbose {
		key, _ := decodeFullKey(keyRaw)
		tx.trace("DELETE", "store", ss.name, "key", key)
	}
	return true, nil
}

func (tx *Tx) lookupRecord(ss *storeState, pkRaw []byte) (any, error) {
	dataB, err := tx.bucket(ss.bucketName, dataBucket)
	if err != nil {
		return nil, err
	}
	raw := dataB.Get(pkRaw)
	if raw == nil {
		pk, _ := decodeFullKey(pkRaw)
		return nil, storeErrf(ss.name, "", pk, ErrInvalidState, "index entry points to a missing record")
	}
	return decodeStoredRecord(raw)
}
