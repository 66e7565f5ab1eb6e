package objdb

import (
	"bytes"
	"encoding/binary"
)

// appendIndexKeys encodes the index keys of a record: a count, then
// (index ordinal, length-prefixed key) per row, in row order.
func appendIndexKeys(buf []byte, rows indexRows) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(rows)))
	for _, row := range rows {
		buf = binary.AppendUvarint(buf, row.IndexOrd)
		buf = appendVarbytes(buf, row.KeyRaw)
	}
	return buf
}

func decodeIndexKeys(data []byte, f func(ord uint64, key []byte) error) error {
	if len(data) == 0 {
		return nil
	}
	d := makeByteDecoder(data)
	n, err := d.Len()
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		ord, err := d.Uvarint()
		if err != nil {
			return err
		}
		key, err := d.VarBytes()
		if err != nil {
			return err
		}
		if err := f(ord, key); err != nil {
			return err
		}
	}
	return nil
}

type indexDiffer struct {
	newRows indexRows
}

func (d *indexDiffer) checkOldKey(oldOrd uint64, oldKey []byte) bool {
	// Look for a new row that's >= old row.
	for len(d.newRows) > 0 {
		newOrd := d.newRows[0].IndexOrd
		if oldOrd < newOrd {
			return false
		} else if oldOrd == newOrd {
			c := bytes.Compare(oldKey, d.newRows[0].KeyRaw)
			if c < 0 {
				return false
			} else if c == 0 {
				return true // found exact match
			}
		}
		d.newRows = d.newRows[1:] // shift to next new row and compare again
	}
	return false // no more new rows, so remaining old rows have been deleted
}

// findRemovedIndexKeys calls removed for every key in oldData that is not
// among newRows. Both lists must be sorted by (ordinal, key).
func findRemovedIndexKeys(oldData []byte, newRows indexRows, removed func(ord uint64, key []byte) error) error {
	d := indexDiffer{newRows}
	return decodeIndexKeys(oldData, func(ord uint64, key []byte) error {
		if !d.checkOldKey(ord, key) {
			return removed(ord, key)
		}
		return nil
	})
}

// indexEntryDeleter returns a function removing index entries by ordinal
// and raw index key. Entries of deleted indexes are skipped.
func (tx *Tx) indexEntryDeleter(ss *storeState) func(ord uint64, key []byte) error {
	var idxOrd uint64
	var idxBuck storageBucket

	return func(ord uint64, key []byte) error {
		if idxOrd != ord || idxBuck == nil {
			idxOrd = ord
			idxBuck = nil
			if is := ss.indexByOrdinal(ord); is != nil {
				idxBuck = tx.stx.Bucket(ss.bucketName, is.bucketName())
			}
		}
		if idxBuck == nil {
			return nil
		}
		return idxBuck.Delete(key)
	}
}
