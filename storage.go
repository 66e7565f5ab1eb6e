package objdb

import "errors"

var errBucketNotFound = errors.New("bucket not found")

// storage is the key-value engine under an Env. Buckets are two levels
// deep: a root bucket per object store (plus the meta bucket), with the
// record and index buckets nested in it.
type storage interface {
	// BeginTx blocks while another writable transaction is open.
	BeginTx(writable bool) (storageTx, error)
	Close() error
}

type storageTx interface {
	Writable() bool

	// Bucket returns the root bucket name, or its nested bucket sub when
	// sub is non-empty; nil when missing.
	Bucket(name, sub string) storageBucket

	// CreateBucket returns the bucket, creating it and its root as needed.
	CreateBucket(name, sub string) (storageBucket, error)

	// DeleteBucket fails with errBucketNotFound when the bucket is missing.
	// Deleting a root removes its nested buckets too.
	DeleteBucket(name, sub string) error

	Commit() error

	// Rollback may be called after Commit or Rollback, and then does nothing.
	Rollback() error

	// Size is the bbolt file size, or the payload size in memory.
	Size() int64
}

// storageBucket holds keys in byte order. Returned slices are only valid
// until the transaction ends and must not be modified.
type storageBucket interface {
	Get(key []byte) []byte
	Put(key, value []byte) error
	// Delete does nothing when key is missing.
	Delete(key []byte) error
	Cursor() storageCursor

	// Stats reports KeyN on every backend; allocation sizes are exact on
	// bbolt and approximated by payload sizes in memory.
	Stats() bucketStats
}

type bucketStats struct {
	KeyN        int
	LeafInuse   int64
	LeafAlloc   int64
	BranchAlloc int64
}

func (s bucketStats) TotalAlloc() int64 { return s.LeafAlloc + s.BranchAlloc }

func (s *bucketStats) add(o bucketStats) {
	s.KeyN += o.KeyN
	s.LeafInuse += o.LeafInuse
	s.LeafAlloc += o.LeafAlloc
	s.BranchAlloc += o.BranchAlloc
}

// storageCursor moves over a bucket in key order. Every method returns
// the entry it lands on, or nil when it runs off either end.
type storageCursor interface {
	First() (key, value []byte)
	Last() (key, value []byte)

	// Seek lands on the first key not less than seek.
	Seek(seek []byte) (key, value []byte)

	// SeekLast lands on the last key that is below prefix or starts with it.
	SeekLast(prefix []byte) (key, value []byte)

	Next() (key, value []byte)
	Prev() (key, value []byte)
}
