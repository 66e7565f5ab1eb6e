package objdb

import (
	"fmt"
	"strings"
)

type DumpFlags uint64

const (
	DumpStoreHeaders = DumpFlags(1 << iota)
	DumpRecords
	DumpStats
	DumpIndices
	DumpIndexEntries

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders the stores in the transaction's scope as text, for tests
// and debugging.
func (tx *Tx) Dump(f DumpFlags) *Request[string] {
	return submit(tx, "dump", func() (string, error) {
		var buf strings.Builder
		names := tx.scope
		if tx.mode == modeUpgrade {
			names = tx.schema.storeNames()
		}
		for _, name := range names {
			ss := tx.schema.store(name)
			if ss == nil {
				continue
			}
			if err := tx.dumpStore(&buf, f, ss); err != nil {
				return "", err
			}
		}
		return buf.String(), nil
	})
}

func (tx *Tx) dumpStore(w *strings.Builder, f DumpFlags, ss *storeState) error {
	prefix := ss.name
	s, err := tx.storeStats(ss)
	if err != nil {
		return err
	}

	if f.Contains(DumpStoreHeaders) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "%s (%d records)\n", prefix, s.Records)
	}
	if f.Contains(DumpStats) {
		fmt.Fprintf(w, "%s.stats: index_entries = %d, data_size = %d, data_alloc = %d, index_size = %d, index_alloc = %d, total_alloc = %d\n", prefix, s.IndexEntries, s.DataSize, s.DataAlloc, s.IndexSize, s.IndexAlloc, s.TotalAlloc())
	}

	if f.Contains(DumpRecords) {
		if f.Contains(DumpStats) {
			fmt.Fprintln(w, dumpSep2)
		}
		dataB, err := tx.bucket(ss.bucketName, dataBucket)
		if err != nil {
			return err
		}
		c := dataB.Cursor()
		var pos int
		for k, v := c.First(); k != nil; k, v = c.Next() {
			pos++
			dumpRecord(w, prefix, pos, k, v)
		}
	}

	if f.Contains(DumpIndices) {
		for _, is := range ss.sortedIndices() {
			if err := tx.dumpIndex(w, prefix, f, ss, is); err != nil {
				return err
			}
		}
	}
	return nil
}

func dumpRecord(w *strings.Builder, prefix string, pos int, k, v []byte) {
	key, err := decodeFullKey(k)
	if err != nil {
		fmt.Fprintf(w, "%s.%d = ** BAD KEY %s: %v\n", prefix, pos, hexstr(k), err)
		return
	}
	rec, err := decodeStoredRecord(v)
	if err != nil {
		fmt.Fprintf(w, "%s.%d: %v = ** ERROR: %v\n", prefix, pos, key, err)
		return
	}
	fmt.Fprintf(w, "%s.%d: %v = %s\n", prefix, pos, key, loggableRecord(rec))
}

func (tx *Tx) dumpIndex(w *strings.Builder, prefix string, f DumpFlags, ss *storeState, is *indexState) error {
	fmt.Fprintln(w, dumpSep2)
	prefix = prefix + ".i." + is.name
	var flags string
	if is.Unique {
		flags = " UNIQUE"
	}
	fmt.Fprintf(w, "%s (0x%x) %v%s\n", prefix, is.IndexOrdinal, is.KeyPath, flags)

	if f.Contains(DumpIndexEntries) {
		indexB, err := tx.bucket(ss.bucketName, is.bucketName())
		if err != nil {
			return err
		}
		c := indexB.Cursor()
		var pos int
		for k, v := c.First(); k != nil; k, v = c.Next() {
			pos++
			field, pk, err := indexFieldKey(is, k, v)
			if err != nil {
				fmt.Fprintf(w, "%s.%d: ** BAD ENTRY %s: %v\n", prefix, pos, hexstr(k), err)
				continue
			}
			fk, _ := decodeFullKey(field)
			pkv, _ := decodeFullKey(pk)
			fmt.Fprintf(w, "%s.%d: %v => %v\n", prefix, pos, fk, pkv)
		}
	}
	return nil
}
