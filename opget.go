package objdb

// Get returns the record stored under key, or nil if there is none.
func (st *ObjectStore) Get(key any) *Request[any] {
	keyRaw, err := encodeKey(nil, key)
	if err != nil {
		return failedRequest[any](storeErrf(st.name, "", key, err, "get"))
	}
	tx := st.tx
	return submit(tx, "get", func() (any, error) {
		ss, err := tx.storeState(st.name)
		if err != nil {
			return nil, err
		}
		dataB, err := tx.bucket(ss.bucketName, dataBucket)
		if err != nil {
			return nil, err
		}
		raw := dataB.Get(keyRaw)
		if raw == nil {
			tx.trace("GET.NOTFOUND", "store", ss.name, "key", key)
			return nil, nil
		}
		rec, err := decodeStoredRecord(raw)
		if err != nil {
			return nil, storeErrf(ss.name, "", key, err, "")
		}
		tx.trace("GET", "store", ss.name, "key", key)
		return rec, nil
	})
}

// GetAll returns the records in rng in ascending key order. A limit of
// zero or less means no limit.
func (st *ObjectStore) GetAll(rng *KeyRange, limit int) *Request[[]any] {
	return storeCollect(st, "getAll", rng, limit, func(k, v []byte) (any, error) {
		return decodeStoredRecord(v)
	})
}

// GetAllKeys returns the primary keys in rng in ascending order.
func (st *ObjectStore) GetAllKeys(rng *KeyRange, limit int) *Request[[]any] {
	return storeCollect(st, "getAllKeys", rng, limit, func(k, v []byte) (any, error) {
		return decodeFullKey(k)
	})
}

// Count returns the number of records in rng.
func (st *ObjectStore) Count(rng *KeyRange) *Request[int] {
	bounds, err := rng.encode()
	if err != nil {
		return failedRequest[int](storeErrf(st.name, "", nil, err, "count"))
	}
	tx := st.tx
	return submit(tx, "count", func() (int, error) {
		ss, err := tx.storeState(st.name)
		if err != nil {
			return 0, err
		}
		return countRange(tx, newStoreScan(ss, bounds, Next))
	})
}

func storeCollect(st *ObjectStore, op string, rng *KeyRange, limit int, f func(k, v []byte) (any, error)) *Request[[]any] {
	bounds, err := rng.encode()
	if err != nil {
		return failedRequest[[]any](storeErrf(st.name, "", nil, err, "%s", op))
	}
	tx := st.tx
	return submit(tx, op, func() ([]any, error) {
		ss, err := tx.storeState(st.name)
		if err != nil {
			return nil, err
		}
		result := []any{}
		s := newStoreScan(ss, bounds, Next)
		for limit <= 0 || len(result) < limit {
			k, v, err := s.step(tx.stx)
			if err != nil {
				return nil, storeErrf(ss.name, "", nil, err, "%s", op)
			}
			if k == nil {
				break
			}
			item, err := f(k, v)
			if err != nil {
				return nil, storeErrf(ss.name, "", nil, err, "%s", op)
			}
			result = append(result, item)
		}
		return result, nil
	})
}

func countRange(tx *Tx, s *rangeScan) (int, error) {
	var n int
	for {
		k, _, err := s.step(tx.stx)
		if err != nil {
			return n, err
		}
		if k == nil {
			return n, nil
		}
		n++
	}
}
