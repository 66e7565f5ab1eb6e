package objdb

import (
	"errors"
	"time"
	"unsafe"

	"go.etcd.io/bbolt"
)

const defaultLockTimeout = 10 * time.Second

// boltStorage keeps each object store in a root bucket named
// "<db>\x00<store>" with nested "data" and "i_<index>" buckets, and the
// schemas of all databases in the "\x00meta" bucket.
type boltStorage struct {
	db *bbolt.DB
}

func boltOptions(opt Options) *bbolt.Options {
	bopt := *bbolt.DefaultOptions
	bopt.Timeout = defaultLockTimeout
	if opt.LockTimeout != 0 {
		bopt.Timeout = opt.LockTimeout
	}
	switch {
	case opt.IsTesting:
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 5 << 20
	default:
		bopt.InitialMmapSize = 256 << 20
		bopt.FreelistType = bbolt.FreelistMapType
	}
	if opt.MmapSize != 0 {
		bopt.InitialMmapSize = opt.MmapSize
	}
	bopt.NoSync = bopt.NoSync || opt.NoSync
	return &bopt
}

func openBoltStorage(path string, opt Options) (storage, error) {
	db, err := bbolt.Open(path, 0666, boltOptions(opt))
	if err != nil {
		return nil, err
	}
	return &boltStorage{db: db}, nil
}

func (s *boltStorage) BeginTx(writable bool) (storageTx, error) {
	btx, err := s.db.Begin(writable)
	if err != nil {
		return nil, err
	}
	return boltTx{btx}, nil
}

func (s *boltStorage) Close() error {
	return s.db.Close()
}

// boltTx adapts *bbolt.Tx; Writable, Commit and Size come straight from it.
type boltTx struct {
	*bbolt.Tx
}

func (tx boltTx) Bucket(name, sub string) storageBucket {
	b := tx.Tx.Bucket(unsafeBytes(name))
	if b != nil && sub != "" {
		b = b.Bucket(unsafeBytes(sub))
	}
	if b == nil {
		return nil
	}
	return boltBucket{b}
}

func (tx boltTx) CreateBucket(name, sub string) (storageBucket, error) {
	b, err := tx.Tx.CreateBucketIfNotExists([]byte(name))
	if err == nil && sub != "" {
		b, err = b.CreateBucketIfNotExists([]byte(sub))
	}
	if err != nil {
		return nil, err
	}
	return boltBucket{b}, nil
}

func (tx boltTx) DeleteBucket(name, sub string) error {
	var err error
	if sub == "" {
		err = tx.Tx.DeleteBucket(unsafeBytes(name))
	} else if root := tx.Tx.Bucket(unsafeBytes(name)); root != nil {
		err = root.DeleteBucket(unsafeBytes(sub))
	} else {
		err = bbolt.ErrBucketNotFound
	}
	if errors.Is(err, bbolt.ErrBucketNotFound) {
		return errBucketNotFound
	}
	return err
}

// Rollback tolerates transactions bbolt already closed.
func (tx boltTx) Rollback() error {
	if err := tx.Tx.Rollback(); err != nil && !errors.Is(err, bbolt.ErrTxClosed) {
		return err
	}
	return nil
}

// boltBucket adapts *bbolt.Bucket; Get, Put and Delete come straight from it.
type boltBucket struct {
	*bbolt.Bucket
}

func (b boltBucket) Cursor() storageCursor {
	return boltCursor{b.Bucket.Cursor()}
}

func (b boltBucket) Stats() bucketStats {
	s := b.Bucket.Stats()
	return bucketStats{
		KeyN:        s.KeyN,
		LeafInuse:   int64(s.LeafInuse),
		LeafAlloc:   int64(s.LeafAlloc),
		BranchAlloc: int64(s.BranchAlloc),
	}
}

type boltCursor struct {
	*bbolt.Cursor
}

func (c boltCursor) SeekLast(prefix []byte) ([]byte, []byte) {
	limit := append([]byte(nil), prefix...)
	if len(limit) == 0 || !inc(limit) {
		return c.Last()
	}
	if k, _ := c.Seek(limit); k == nil {
		return c.Last()
	}
	return c.Prev()
}

// unsafeBytes is for lookups only; bbolt copies the names it stores.
func unsafeBytes(s string) []byte {
	return unsafe.Slice(unsafe.StringData(s), len(s))
}
