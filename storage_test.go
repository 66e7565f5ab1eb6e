package objdb

import (
	"errors"
	"testing"
)

func eachStorage(t *testing.T, f func(t *testing.T, st storage)) {
	t.Run("bolt", func(t *testing.T) {
		st := must(openBoltStorage(tempDBPath(t), Options{IsTesting: true}))
		defer st.Close()
		f(t, st)
	})
	t.Run("mem", func(t *testing.T) {
		st := newMemStorage()
		defer st.Close()
		f(t, st)
	})
}

func storageWrite(t testing.TB, st storage, f func(tx storageTx)) {
	t.Helper()
	tx := must(st.BeginTx(true))
	f(tx)
	if err := tx.Commit(); err != nil {
		t.Fatalf("** commit: %v", err)
	}
}

func storageRead(t testing.TB, st storage, f func(tx storageTx)) {
	t.Helper()
	tx := must(st.BeginTx(false))
	defer tx.Rollback()
	f(tx)
}

func bucketKeys(b storageBucket) []string {
	var keys []string
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		keys = append(keys, string(k))
	}
	return keys
}

func TestStorageBuckets(t *testing.T) {
	eachStorage(t, func(t *testing.T, st storage) {
		storageWrite(t, st, func(tx storageTx) {
			if !tx.Writable() {
				t.Errorf("** write tx not writable")
			}
			b := must(tx.CreateBucket("db\x00a", "data"))
			ensure(b.Put([]byte("k2"), []byte("v2")))
			ensure(b.Put([]byte("k1"), []byte("v1")))
			ensure(b.Put([]byte("k1"), []byte("v1'")))
			must(tx.CreateBucket("db\x00a", "i_x"))
			must(tx.CreateBucket("db\x00b", ""))
		})

		storageRead(t, st, func(tx storageTx) {
			if tx.Writable() {
				t.Errorf("** read tx writable")
			}
			b := tx.Bucket("db\x00a", "data")
			deepEqual(t, bucketKeys(b), []string{"k1", "k2"})
			deepEqual(t, string(b.Get([]byte("k1"))), "v1'")
			deepEqual(t, b.Get([]byte("k3")), []byte(nil))
			deepEqual(t, b.Stats().KeyN, 2)
			deepEqual(t, tx.Bucket("db\x00a", "nope"), nil)
			deepEqual(t, tx.Bucket("db\x00c", ""), nil)
			if tx.Bucket("db\x00b", "") == nil {
				t.Errorf("** root bucket missing")
			}
		})

		storageWrite(t, st, func(tx storageTx) {
			b := tx.Bucket("db\x00a", "data")
			ensure(b.Delete([]byte("k1")))
			ensure(b.Delete([]byte("missing")))
			ensure(tx.DeleteBucket("db\x00a", "i_x"))
			ensure(tx.DeleteBucket("db\x00b", ""))
			if err := tx.DeleteBucket("db\x00a", "i_x"); !errors.Is(err, errBucketNotFound) {
				t.Errorf("** DeleteBucket(missing) = %v", err)
			}
			if err := tx.DeleteBucket("db\x00z", "data"); !errors.Is(err, errBucketNotFound) {
				t.Errorf("** DeleteBucket(missing root) = %v", err)
			}
		})

		storageRead(t, st, func(tx storageTx) {
			deepEqual(t, bucketKeys(tx.Bucket("db\x00a", "data")), []string{"k2"})
			deepEqual(t, tx.Bucket("db\x00a", "i_x"), nil)
			deepEqual(t, tx.Bucket("db\x00b", ""), nil)
		})

		storageWrite(t, st, func(tx storageTx) {
			ensure(tx.DeleteBucket("db\x00a", ""))
		})
		storageRead(t, st, func(tx storageTx) {
			deepEqual(t, tx.Bucket("db\x00a", "data"), nil)
		})
	})
}

func TestStorageRollback(t *testing.T) {
	eachStorage(t, func(t *testing.T, st storage) {
		storageWrite(t, st, func(tx storageTx) {
			ensure(must(tx.CreateBucket("r", "data")).Put([]byte("a"), []byte("1")))
		})

		tx := must(st.BeginTx(true))
		ensure(tx.Bucket("r", "data").Put([]byte("b"), []byte("2")))
		ensure(tx.Bucket("r", "data").Delete([]byte("a")))
		must(tx.CreateBucket("s", ""))
		ensure(tx.Rollback())
		ensure(tx.Rollback())

		storageRead(t, st, func(tx storageTx) {
			deepEqual(t, bucketKeys(tx.Bucket("r", "data")), []string{"a"})
			deepEqual(t, tx.Bucket("s", ""), nil)
		})
	})
}

func TestStorageCursor(t *testing.T) {
	eachStorage(t, func(t *testing.T, st storage) {
		storageWrite(t, st, func(tx storageTx) {
			b := must(tx.CreateBucket("c", "data"))
			for _, k := range []string{"a", "b1", "b2", "c", "\xff\xff"} {
				ensure(b.Put([]byte(k), []byte("v"+k)))
			}
			must(tx.CreateBucket("c", "empty"))
		})

		storageRead(t, st, func(tx storageTx) {
			c := tx.Bucket("c", "data").Cursor()
			key := func(k, _ []byte) string { return string(k) }

			deepEqual(t, key(c.First()), "a")
			deepEqual(t, key(c.Next()), "b1")
			deepEqual(t, key(c.Prev()), "a")
			deepEqual(t, key(c.Prev()), "")
			deepEqual(t, key(c.Last()), "\xff\xff")
			deepEqual(t, key(c.Next()), "")

			deepEqual(t, key(c.Seek([]byte("b"))), "b1")
			deepEqual(t, key(c.Seek([]byte("b2"))), "b2")
			deepEqual(t, key(c.Seek([]byte("zz"))), "\xff\xff")
			deepEqual(t, key(c.Seek([]byte("\xff\xff\x00"))), "")

			deepEqual(t, key(c.SeekLast([]byte("b"))), "b2")
			deepEqual(t, key(c.Prev()), "b1")
			deepEqual(t, key(c.SeekLast([]byte("b1"))), "b1")
			deepEqual(t, key(c.SeekLast([]byte("bz"))), "b2")
			deepEqual(t, key(c.SeekLast([]byte("0"))), "")
			deepEqual(t, key(c.SeekLast([]byte("\xff"))), "\xff\xff")
			deepEqual(t, key(c.SeekLast(nil)), "\xff\xff")

			e := tx.Bucket("c", "empty").Cursor()
			deepEqual(t, key(e.First()), "")
			deepEqual(t, key(e.Last()), "")
			deepEqual(t, key(e.SeekLast([]byte("a"))), "")
		})
	})
}

func TestStorageSnapshot(t *testing.T) {
	eachStorage(t, func(t *testing.T, st storage) {
		storageWrite(t, st, func(tx storageTx) {
			ensure(must(tx.CreateBucket("s", "data")).Put([]byte("a"), []byte("1")))
		})

		rtx := must(st.BeginTx(false))
		defer rtx.Rollback()
		rc := rtx.Bucket("s", "data").Cursor()
		rc.First()

		storageWrite(t, st, func(tx storageTx) {
			b := tx.Bucket("s", "data")
			ensure(b.Put([]byte("a"), []byte("2")))
			ensure(b.Put([]byte("b"), []byte("3")))
		})

		k, _ := rc.Next()
		deepEqual(t, k, []byte(nil))
		b := rtx.Bucket("s", "data")
		deepEqual(t, string(b.Get([]byte("a"))), "1")
		deepEqual(t, bucketKeys(b), []string{"a"})

		storageRead(t, st, func(tx storageTx) {
			deepEqual(t, bucketKeys(tx.Bucket("s", "data")), []string{"a", "b"})
		})
	})
}

func TestMemStorageClosed(t *testing.T) {
	st := newMemStorage()
	tx := must(st.BeginTx(true))
	ensure(st.Close())
	if err := tx.Commit(); !errors.Is(err, ErrClosed) {
		t.Errorf("** Commit after Close = %v, wanted %v", err, ErrClosed)
	}
	if _, err := st.BeginTx(false); !errors.Is(err, ErrClosed) {
		t.Errorf("** BeginTx after Close = %v, wanted %v", err, ErrClosed)
	}
}
