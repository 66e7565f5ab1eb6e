package objdb

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
)

var (
	errMemClosed   = fmt.Errorf("%w: in-memory storage", ErrClosed)
	errMemReadOnly = fmt.Errorf("%w: in-memory transaction", ErrReadOnly)
)

// memStorage is a copy-on-write tree of root buckets, each holding its own
// items and a set of nested buckets. A committed tree is never modified:
// a transaction starts from the current roots, and a writer copies a root
// or bucket the first time it changes it, so readers keep their snapshot.
//
// Like bbolt, it admits one writer at a time.
type memStorage struct {
	mu     sync.Mutex
	cond   *sync.Cond
	roots  map[string]*memRoot
	closed bool
	writer bool
}

type memRoot struct {
	memBucket
	subs map[string]*memBucket
}

type memBucket struct {
	items []memKV // sorted by key
}

type memKV struct {
	key   []byte
	value []byte
}

func newMemStorage() storage {
	s := &memStorage{roots: make(map[string]*memRoot)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *memStorage) BeginTx(writable bool) (storageTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for writable && s.writer && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		return nil, errMemClosed
	}
	if writable {
		s.writer = true
	}
	return &memTx{
		s:        s,
		writable: writable,
		roots:    maps.Clone(s.roots),
		ownRoots: make(map[*memRoot]bool),
		own:      make(map[*memBucket]bool),
	}, nil
}

func (s *memStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.roots = nil
	s.cond.Broadcast()
	return nil
}

type memTx struct {
	s        *memStorage
	writable bool
	roots    map[string]*memRoot
	done     bool

	// copies made by this transaction, safe to modify in place
	ownRoots map[*memRoot]bool
	own      map[*memBucket]bool
}

func (tx *memTx) Writable() bool { return tx.writable }

func (tx *memTx) check(write bool) error {
	if tx.done {
		panic("objdb: in-memory transaction used after it finished")
	}
	if write && !tx.writable {
		return errMemReadOnly
	}
	return nil
}

func (tx *memTx) lookup(name, sub string) *memBucket {
	r := tx.roots[name]
	switch {
	case r == nil:
		return nil
	case sub == "":
		return &r.memBucket
	default:
		return r.subs[sub]
	}
}

func (tx *memTx) writableRoot(name string) *memRoot {
	r := tx.roots[name]
	if r == nil || tx.ownRoots[r] {
		return r
	}
	r = &memRoot{memBucket: r.memBucket, subs: maps.Clone(r.subs)}
	tx.roots[name] = r
	tx.ownRoots[r] = true
	return r
}

// writableBucket returns the bucket for modification, copying it (and its
// root) unless this transaction already did.
func (tx *memTx) writableBucket(name, sub string) *memBucket {
	r := tx.writableRoot(name)
	if r == nil {
		return nil
	}
	if sub == "" {
		b := &r.memBucket
		if !tx.own[b] {
			b.items = slices.Clone(b.items)
			tx.own[b] = true
		}
		return b
	}
	b := r.subs[sub]
	if b != nil && !tx.own[b] {
		b = &memBucket{items: slices.Clone(b.items)}
		r.subs[sub] = b
		tx.own[b] = true
	}
	return b
}

func (tx *memTx) Bucket(name, sub string) storageBucket {
	_ = tx.check(false)
	if tx.lookup(name, sub) == nil {
		return nil
	}
	return memBucketHandle{tx: tx, name: name, sub: sub}
}

func (tx *memTx) CreateBucket(name, sub string) (storageBucket, error) {
	if err := tx.check(true); err != nil {
		return nil, err
	}
	if tx.roots[name] == nil {
		r := &memRoot{subs: make(map[string]*memBucket)}
		tx.roots[name] = r
		tx.ownRoots[r] = true
		tx.own[&r.memBucket] = true
	}
	if sub != "" && tx.lookup(name, sub) == nil {
		b := &memBucket{}
		tx.writableRoot(name).subs[sub] = b
		tx.own[b] = true
	}
	return memBucketHandle{tx: tx, name: name, sub: sub}, nil
}

func (tx *memTx) DeleteBucket(name, sub string) error {
	if err := tx.check(true); err != nil {
		return err
	}
	if tx.lookup(name, sub) == nil {
		return errBucketNotFound
	}
	if sub == "" {
		delete(tx.roots, name)
	} else {
		delete(tx.writableRoot(name).subs, sub)
	}
	return nil
}

func (tx *memTx) Commit() error {
	if tx.done {
		return nil
	}
	if err := tx.check(true); err != nil {
		return err
	}
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	if tx.s.closed {
		tx.finishLocked()
		return errMemClosed
	}
	tx.s.roots = tx.roots
	tx.finishLocked()
	return nil
}

func (tx *memTx) Rollback() error {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	tx.finishLocked()
	return nil
}

func (tx *memTx) finishLocked() {
	if tx.done {
		return
	}
	tx.done = true
	tx.roots, tx.ownRoots, tx.own = nil, nil, nil
	if tx.writable {
		tx.s.writer = false
		tx.s.cond.Broadcast()
	}
}

func (tx *memTx) Size() int64 {
	var n int64
	for _, r := range tx.roots {
		n += r.size()
		for _, b := range r.subs {
			n += b.size()
		}
	}
	return n
}

func (b *memBucket) size() int64 {
	var n int64
	for _, kv := range b.items {
		n += int64(len(kv.key) + len(kv.value))
	}
	return n
}

// find returns the position of the first item >= key.
func (b *memBucket) find(key []byte) (int, bool) {
	i := sort.Search(len(b.items), func(i int) bool {
		return bytes.Compare(b.items[i].key, key) >= 0
	})
	return i, i < len(b.items) && bytes.Equal(b.items[i].key, key)
}

// memBucketHandle names a bucket rather than pointing at it, since a
// writer replaces buckets as it copies them.
type memBucketHandle struct {
	tx        *memTx
	name, sub string
}

func (h memBucketHandle) bucket() *memBucket {
	if b := h.tx.lookup(h.name, h.sub); b != nil {
		return b
	}
	return &memBucket{}
}

func (h memBucketHandle) Get(key []byte) []byte {
	b := h.bucket()
	if i, ok := b.find(key); ok {
		return b.items[i].value
	}
	return nil
}

func (h memBucketHandle) Put(key, value []byte) error {
	if err := h.tx.check(true); err != nil {
		return err
	}
	b := h.tx.writableBucket(h.name, h.sub)
	if b == nil {
		return errBucketNotFound
	}
	kv := memKV{key: bytes.Clone(key), value: bytes.Clone(value)}
	if kv.value == nil {
		kv.value = []byte{}
	}
	if i, ok := b.find(key); ok {
		b.items[i] = kv
	} else {
		b.items = slices.Insert(b.items, i, kv)
	}
	return nil
}

func (h memBucketHandle) Delete(key []byte) error {
	if err := h.tx.check(true); err != nil {
		return err
	}
	if _, ok := h.bucket().find(key); !ok {
		return nil
	}
	b := h.tx.writableBucket(h.name, h.sub)
	i, _ := b.find(key)
	b.items = slices.Delete(b.items, i, i+1)
	return nil
}

func (h memBucketHandle) Cursor() storageCursor {
	return &memCursor{b: h.bucket(), pos: -1}
}

func (h memBucketHandle) Stats() bucketStats {
	b := h.bucket()
	n := b.size()
	return bucketStats{KeyN: len(b.items), LeafInuse: n, LeafAlloc: n}
}

// memCursor walks the bucket it was opened on. Whether it sees later
// writes of its own transaction is unspecified, as with bbolt; reopen it
// after writing.
type memCursor struct {
	b   *memBucket
	pos int
}

func (c *memCursor) at(i int) ([]byte, []byte) {
	c.pos = max(-1, min(i, len(c.b.items)))
	if c.pos < 0 || c.pos >= len(c.b.items) {
		return nil, nil
	}
	kv := c.b.items[c.pos]
	return kv.key, kv.value
}

func (c *memCursor) First() ([]byte, []byte) { return c.at(0) }

func (c *memCursor) Last() ([]byte, []byte) { return c.at(len(c.b.items) - 1) }

func (c *memCursor) Seek(seek []byte) ([]byte, []byte) {
	i, _ := c.b.find(seek)
	return c.at(i)
}

func (c *memCursor) SeekLast(prefix []byte) ([]byte, []byte) {
	limit := bytes.Clone(prefix)
	if len(limit) == 0 || !inc(limit) {
		return c.Last()
	}
	i, _ := c.b.find(limit)
	return c.at(i - 1)
}

func (c *memCursor) Next() ([]byte, []byte) {
	if c.pos >= len(c.b.items) {
		return nil, nil
	}
	return c.at(c.pos + 1)
}

func (c *memCursor) Prev() ([]byte, []byte) {
	if c.pos <= 0 {
		return c.at(-1)
	}
	return c.at(c.pos - 1)
}
