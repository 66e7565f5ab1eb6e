package objdb

import (
	"encoding/json"
	"slices"
)

type StoreStats struct {
	Records      int
	IndexEntries int

	DataSize   int64
	DataAlloc  int64
	IndexSize  int64
	IndexAlloc int64
}

func (ss *StoreStats) TotalSize() int64 {
	return ss.DataSize + ss.IndexSize
}

func (ss *StoreStats) TotalAlloc() int64 {
	return ss.DataAlloc + ss.IndexAlloc
}

// StoreStats reports record and index entry counts and, on bbolt, page usage.
func (tx *Tx) StoreStats(name string) *Request[StoreStats] {
	if tx.mode != modeUpgrade && !slices.Contains(tx.scope, name) {
		return failedRequest[StoreStats](storeErrf(name, "", nil, ErrNotFound, "not in transaction scope"))
	}
	return submit(tx, "stats", func() (StoreStats, error) {
		ss, err := tx.storeState(name)
		if err != nil {
			return StoreStats{}, err
		}
		return tx.storeStats(ss)
	})
}

func (tx *Tx) storeStats(ss *storeState) (StoreStats, error) {
	dataB, err := tx.bucket(ss.bucketName, dataBucket)
	if err != nil {
		return StoreStats{}, err
	}
	bs := dataB.Stats()
	result := StoreStats{
		Records:   bs.KeyN,
		DataSize:  bs.LeafInuse,
		DataAlloc: bs.TotalAlloc(),
	}

	var total bucketStats
	for _, is := range ss.sortedIndices() {
		indexB, err := tx.bucket(ss.bucketName, is.bucketName())
		if err != nil {
			return StoreStats{}, err
		}
		total.add(indexB.Stats())
	}
	result.IndexEntries = total.KeyN
	result.IndexSize = total.LeafInuse
	result.IndexAlloc = total.TotalAlloc()
	return result, nil
}

func loggableRecord(rec any) string {
	if rec == nil {
		return "<none>"
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return "<unprintable: " + err.Error() + ">"
	}
	return string(b)
}
