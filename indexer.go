package objdb

import (
	"bytes"
	"sort"
)

// indexRow is one index entry a record contributes. Unique indexes map
// the field key to the primary key; other indexes append the primary key
// to the field key and store an empty value, so entries with equal fields
// sort by primary key.
type indexRow struct {
	IndexOrd uint64
	Index    *indexState
	KeyRaw   []byte
	ValueRaw []byte
}

var emptyIndexValue = []byte{}

// makeIndexRow computes the entry rec contributes to is. Records without
// a valid key at the index key path are not indexed.
func makeIndexRow(is *indexState, rec any, pk []byte) (indexRow, bool) {
	v, ok := evalKeyPath(rec, is.KeyPath)
	if !ok {
		return indexRow{}, false
	}
	fk, err := encodeKey(nil, v)
	if err != nil {
		return indexRow{}, false
	}
	if is.Unique {
		return indexRow{is.IndexOrdinal, is, fk, pk}, true
	}
	return indexRow{is.IndexOrdinal, is, append(fk, pk...), emptyIndexValue}, true
}

func buildIndexRows(ss *storeState, rec any, pk []byte) indexRows {
	var rows indexRows
	for _, is := range ss.sortedIndices() {
		if row, ok := makeIndexRow(is, rec, pk); ok {
			rows = append(rows, row)
		}
	}
	sort.Sort(rows)
	return rows
}

type indexRows []indexRow

func (a indexRows) Len() int      { return len(a) }
func (a indexRows) Swap(i, j int) { a[i], a[j] = a[j], a[i] }
func (a indexRows) Less(i, j int) bool {
	lo, ro := a[i].IndexOrd, a[j].IndexOrd
	if lo != ro {
		return lo < ro
	}
	return bytes.Compare(a[i].KeyRaw, a[j].KeyRaw) < 0
}

// indexFieldKey splits a raw index bucket entry into the encoded field
// key and the encoded primary key.
func indexFieldKey(is *indexState, k, v []byte) (field, pk []byte, err error) {
	if is.Unique {
		return k, v, nil
	}
	return splitKey(k)
}

// checkUnique fails if a unique index row is already owned by another record.
func (tx *Tx) checkUnique(ss *storeState, rows indexRows, pk []byte) error {
	for _, row := range rows {
		if !row.Index.Unique {
			continue
		}
		idxB, err := tx.bucket(ss.bucketName, row.Index.bucketName())
		if err != nil {
			return err
		}
		if owner := idxB.Get(row.KeyRaw); owner != nil && !bytes.Equal(owner, pk) {
			field, _ := decodeFullKey(row.KeyRaw)
			return storeErrf(ss.name, row.Index.name, field, ErrConstraint, "unique index already has this key")
		}
	}
	return nil
}

func (tx *Tx) putIndexRows(ss *storeState, rows indexRows) error {
	for _, row := range rows {
		idxB, err := tx.bucket(ss.bucketName, row.Index.bucketName())
		if err != nil {
			return err
		}
		if err := idxB.Put(row.KeyRaw, row.ValueRaw); err != nil {
			return err
		}
	}
	return nil
}

// buildIndex fills a newly created index from the records already in the
// store, and records the new index key in each record's value.
func (tx *Tx) buildIndex(ss *storeState, is *indexState) (int, error) {
	dataB, err := tx.bucket(ss.bucketName, dataBucket)
	if err != nil {
		return 0, err
	}

	// collect keys first, since values are rewritten below
	var keys [][]byte
	c := dataB.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		keys = append(keys, bytes.Clone(k))
	}

	var indexed int
	for _, pk := range keys {
		var old value
		if err := old.decode(dataB.Get(pk)); err != nil {
			return indexed, err
		}
		rec, err := decodeRecord(old.Data)
		if err != nil {
			return indexed, err
		}
		row, ok := makeIndexRow(is, rec, pk)
		if !ok {
			continue
		}
		rows := indexRows{row}
		if err := tx.checkUnique(ss, rows, pk); err != nil {
			return indexed, err
		}
		if err := tx.putIndexRows(ss, rows); err != nil {
			return indexed, err
		}

		err = decodeIndexKeys(old.Index, func(ord uint64, key []byte) error {
			if prev := ss.indexByOrdinal(ord); prev != nil {
				rows = append(rows, indexRow{IndexOrd: ord, Index: prev, KeyRaw: bytes.Clone(key)})
			}
			return nil
		})
		if err != nil {
			return indexed, err
		}
		sort.Sort(rows)
		if err := dataB.Put(pk, encodeValue(nil, bytes.Clone(old.Data), rows)); err != nil {
			return indexed, err
		}
		indexed++
	}
	return indexed, nil
}
