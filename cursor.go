package objdb

import (
	"bytes"
	"fmt"

	"github.com/sasha-s/go-deadlock"
)

type Direction int

const (
	Next Direction = iota
	NextUnique
	Prev
	PrevUnique
)

func (d Direction) reverse() bool {
	return d == Prev || d == PrevUnique
}

func (d Direction) unique() bool {
	return d == NextUnique || d == PrevUnique
}

func (d Direction) String() string {
	switch d {
	case Next:
		return "next"
	case NextUnique:
		return "nextunique"
	case Prev:
		return "prev"
	case PrevUnique:
		return "prevunique"
	default:
		return fmt.Sprintf("invalid direction %d", int(d))
	}
}

func (d Direction) valid() bool {
	return d >= Next && d <= PrevUnique
}

// Cursor iterates over a store or an index in key order. Its position is
// only readable while it points at a record and its transaction has not
// finished; otherwise Key, PrimaryKey and Value fail with ErrCursorInvalid.
type Cursor struct {
	tx      *Tx
	store   string
	index   string
	keyOnly bool
	dir     Direction
	scan    *rangeScan

	mu         deadlock.Mutex
	valid      bool
	key        any
	primaryKey any
	value      any
	pkRaw      []byte
}

func (c *Cursor) Direction() Direction {
	return c.dir
}

// Source returns the store name and, for index cursors, the index name.
func (c *Cursor) Source() (store, index string) {
	return c.store, c.index
}

func (c *Cursor) checkValidLocked() error {
	if !c.valid {
		return ErrCursorInvalid
	}
	if st := c.tx.State(); st == TxCommitted || st == TxAborted {
		return fmt.Errorf("%w: transaction %s", ErrCursorInvalid, st)
	}
	return nil
}

// Key returns the key at the cursor: the primary key for store cursors,
// the index key for index cursors.
func (c *Cursor) Key() (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkValidLocked(); err != nil {
		return nil, err
	}
	return c.key, nil
}

func (c *Cursor) PrimaryKey() (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkValidLocked(); err != nil {
		return nil, err
	}
	return c.primaryKey, nil
}

// Value returns the record at the cursor. Key cursors have no value.
func (c *Cursor) Value() (any, error) {
	if c.keyOnly {
		return nil, fmt.Errorf("%w: key cursor has no value", ErrInvalidState)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkValidLocked(); err != nil {
		return nil, err
	}
	return c.value, nil
}

// Continue moves to the next record. The result is the cursor itself, or
// nil when there are no more records; continuing after that keeps
// returning nil.
func (c *Cursor) Continue() *Request[*Cursor] {
	return c.advance("continue", 1)
}

// Advance skips n records.
func (c *Cursor) Advance(n int) *Request[*Cursor] {
	if n <= 0 {
		return failedRequest[*Cursor](fmt.Errorf("advance: %w: count must be positive, got %d", ErrInvalidState, n))
	}
	return c.advance("advance", n)
}

func (c *Cursor) advance(op string, n int) *Request[*Cursor] {
	return submit(c.tx, op, func() (*Cursor, error) {
		found, err := c.move(n)
		if err != nil || !found {
			return nil, err
		}
		return c, nil
	})
}

// move steps the scan n times and loads the record there. Runs on the
// transaction goroutine.
func (c *Cursor) move(n int) (bool, error) {
	ss, err := c.tx.storeState(c.store)
	if err != nil {
		return false, err
	}
	var is *indexState
	if c.index != "" {
		is = ss.Indices[c.index]
		if is == nil {
			return false, storeErrf(c.store, c.index, nil, ErrInvalidState, "index has been deleted")
		}
	}

	var k, v []byte
	for i := 0; i < n; i++ {
		k, v, err = c.scan.step(c.tx.stx)
		if err != nil {
			return false, err
		}
		if k == nil {
			c.mu.Lock()
			c.valid = false
			c.key, c.primaryKey, c.value, c.pkRaw = nil, nil, nil, nil
			c.mu.Unlock()
			return false, nil
		}
	}
	return true, c.load(ss, is, k, v)
}

func (c *Cursor) load(ss *storeState, is *indexState, k, v []byte) error {
	var key, pk, val any
	var pkRaw []byte
	var err error
	if is == nil {
		pkRaw = bytes.Clone(k)
		if key, err = decodeFullKey(pkRaw); err != nil {
			return err
		}
		pk = key
		if !c.keyOnly {
			if val, err = decodeStoredRecord(v); err != nil {
				return storeErrf(ss.name, "", key, err, "")
			}
		}
	} else {
		field, pkPart, err := indexFieldKey(is, k, v)
		if err != nil {
			return err
		}
		pkRaw = bytes.Clone(pkPart)
		if key, err = decodeFullKey(field); err != nil {
			return err
		}
		if pk, err = decodeFullKey(pkRaw); err != nil {
			return err
		}
		if !c.keyOnly {
			if val, err = c.tx.lookupRecord(ss, pkRaw); err != nil {
				return err
			}
		}
	}

	c.mu.Lock()
	c.valid = true
	c.key, c.primaryKey, c.value, c.pkRaw = key, pk, val, pkRaw
	c.mu.Unlock()
	return nil
}

func (c *Cursor) current() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.checkValidLocked() != nil {
		return nil, false
	}
	return c.pkRaw, true
}

// Update replaces the record at the cursor. For stores with a key path,
// the new value must carry the same primary key.
func (c *Cursor) Update(value any) *Request[any] {
	tx := c.tx
	if err := tx.checkWritable("cursor.update", c.store); err != nil {
		return failedRequest[any](err)
	}
	if c.keyOnly {
		return failedRequest[any](fmt.Errorf("cursor.update: %w: key cursor", ErrInvalidState))
	}
	pkRaw, ok := c.current()
	if !ok {
		return failedRequest[any](fmt.Errorf("cursor.update: %w", ErrCursorInvalid))
	}
	rec, data, err := cloneValue(value)
	if err != nil {
		return failedRequest[any](storeErrf(c.store, "", nil, err, "cursor.update: cannot clone value"))
	}
	return submit(tx, "cursor.update", func() (any, error) {
		ss, err := tx.storeState(c.store)
		if err != nil {
			return nil, err
		}
		if len(ss.KeyPath) > 0 {
			k, ok := evalKeyPath(rec, ss.KeyPath)
			var kr []byte
			if ok {
				kr, err = encodeKey(nil, k)
			}
			if !ok || err != nil || !bytes.Equal(kr, pkRaw) {
				pk, _ := decodeFullKey(pkRaw)
				return nil, storeErrf(ss.name, "", pk, ErrInvalidKey, "updated record must keep its key at %v", ss.KeyPath)
			}
		}
		if err := tx.writeRecord(ss, pkRaw, rec, data, false); err != nil {
			return nil, err
		}
		return decodeFullKey(pkRaw)
	})
}

// Delete removes the record at the cursor. The cursor stays where it is.
func (c *Cursor) Delete() *Request[bool] {
	tx := c.tx
	if err := tx.checkWritable("cursor.delete", c.store); err != nil {
		return failedRequest[bool](err)
	}
	if c.keyOnly {
		return failedRequest[bool](fmt.Errorf("cursor.delete: %w: key cursor", ErrInvalidState))
	}
	pkRaw, ok := c.current()
	if !ok {
		return failedRequest[bool](fmt.Errorf("cursor.delete: %w", ErrCursorInvalid))
	}
	return submit(tx, "cursor.delete", func() (bool, error) {
		ss, err := tx.storeState(c.store)
		if err != nil {
			return false, err
		}
		return tx.deleteRecord(ss, pkRaw)
	})
}

// OpenCursor opens a cursor over the records in rng. The result is nil
// when no record matches.
func (st *ObjectStore) OpenCursor(rng *KeyRange, dir Direction) *Request[*Cursor] {
	return st.openCursor("openCursor", rng, dir, false)
}

// OpenKeyCursor is OpenCursor without record values.
func (st *ObjectStore) OpenKeyCursor(rng *KeyRange, dir Direction) *Request[*Cursor] {
	return st.openCursor("openKeyCursor", rng, dir, true)
}

func (st *ObjectStore) openCursor(op string, rng *KeyRange, dir Direction, keyOnly bool) *Request[*Cursor] {
	if !dir.valid() {
		return failedRequest[*Cursor](fmt.Errorf("%s: %w: %v", op, ErrInvalidState, dir))
	}
	bounds, err := rng.encode()
	if err != nil {
		return failedRequest[*Cursor](storeErrf(st.name, "", nil, err, "%s", op))
	}
	tx := st.tx
	return submit(tx, op, func() (*Cursor, error) {
		ss, err := tx.storeState(st.name)
		if err != nil {
			return nil, err
		}
		c := &Cursor{
			tx:      tx,
			store:   st.name,
			keyOnly: keyOnly,
			dir:     dir,
			scan:    newStoreScan(ss, bounds, dir),
		}
		found, err := c.move(1)
		if err != nil || !found {
			return nil, err
		}
		return c, nil
	})
}
