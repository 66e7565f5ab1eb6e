package objdb

import (
	"fmt"
	"testing"
)

// walk collects f(c) for every position of c, then checks that the
// cursor stays exhausted.
func walk(t testing.TB, c *Cursor, f func(c *Cursor) any) []any {
	t.Helper()
	var out []any
	if c == nil {
		return out
	}
	for {
		out = append(out, f(c))
		next, err := c.Continue().Result()
		if err != nil {
			t.Fatalf("** continue: %v", err)
		}
		if next == nil {
			break
		}
	}
	for range 2 {
		deepEqual(t, ok(t, c.Continue()), (*Cursor)(nil))
	}
	_, err := c.Key()
	iserr(t, err, ErrCursorInvalid)
	_, err = c.PrimaryKey()
	iserr(t, err, ErrCursorInvalid)
	return out
}

func cursorKey(c *Cursor) any {
	return must(c.Key())
}

func cursorEntry(c *Cursor) any {
	return fmt.Sprintf("%v/%v", must(c.Key()), must(c.PrimaryKey()))
}

func TestStoreCursor(t *testing.T) {
	eachBackend(t, func(t *testing.T, env *Env) {
		db := numbersDB(t, env, 3, 1, 5, 2, 4)
		view(t, db, "nums", func(nums *ObjectStore) {
			for _, tt := range []struct {
				rng  *KeyRange
				dir  Direction
				keys []any
			}{
				{nil, Next, []any{int64(1), int64(2), int64(3), int64(4), int64(5)}},
				{nil, Prev, []any{int64(5), int64(4), int64(3), int64(2), int64(1)}},
				{nil, NextUnique, []any{int64(1), int64(2), int64(3), int64(4), int64(5)}},
				{nil, PrevUnique, []any{int64(5), int64(4), int64(3), int64(2), int64(1)}},
				{Bound(2, 4, false, true), Next, []any{int64(2), int64(3)}},
				{Bound(2, 4, false, true), Prev, []any{int64(3), int64(2)}},
				{Bound(2, 4, true, false), Prev, []any{int64(4), int64(3)}},
				{UpperBound(2.5, false), Prev, []any{int64(2), int64(1)}},
				{LowerBound(4.5, false), Prev, []any{int64(5)}},
				{Only(3), Prev, []any{int64(3)}},
			} {
				c := ok(t, nums.OpenCursor(tt.rng, tt.dir))
				deepEqual(t, walk(t, c, cursorKey), tt.keys)
			}

			c := ok(t, nums.OpenCursor(nil, Next))
			deepEqual(t, must(c.Value()), any(M{"k": int64(1)}))
			deepEqual(t, must(c.PrimaryKey()), any(int64(1)))
			deepEqual(t, c.Direction(), Next)
			store, index := c.Source()
			deepEqual(t, store, "nums")
			deepEqual(t, index, "")

			deepEqual(t, ok(t, c.Advance(2)), c)
			deepEqual(t, must(c.Key()), any(int64(3)))
			fails(t, c.Advance(0), ErrInvalidState)
			deepEqual(t, ok(t, c.Advance(10)), (*Cursor)(nil))

			isnil(t, ok(t, nums.OpenCursor(Only(42), Next)))
			isnil(t, ok(t, nums.OpenCursor(LowerBound(5, true), Prev)))
			fails(t, nums.OpenCursor(nil, Direction(9)), ErrInvalidState)
		})
	})
}

func TestIndexCursor(t *testing.T) {
	eachBackend(t, func(t *testing.T, env *Env) {
		db := setupUsers(t, env)
		update(t, db, "users", func(users *ObjectStore) {
			ok(t, users.Put(M{"id": 5, "name": "bob"}))
			ok(t, users.Put(M{"id": 3, "name": "bob"}))
			ok(t, users.Put(M{"id": 4, "name": "alice"}))
			ok(t, users.Put(M{"id": 1, "name": "bobby"}))
			ok(t, users.Put(M{"id": 2, "name": "bob"}))
		})
		view(t, db, "users", func(users *ObjectStore) {
			byName := must(users.Index("by_name"))
			for _, tt := range []struct {
				rng     *KeyRange
				dir     Direction
				entries []any
			}{
				{nil, Next, []any{"alice/4", "bob/2", "bob/3", "bob/5", "bobby/1"}},
				{nil, NextUnique, []any{"alice/4", "bob/2", "bobby/1"}},
				{nil, Prev, []any{"bobby/1", "bob/5", "bob/3", "bob/2", "alice/4"}},
				{nil, PrevUnique, []any{"bobby/1", "bob/2", "alice/4"}},
				{Only("bob"), Prev, []any{"bob/5", "bob/3", "bob/2"}},
				{Only("bob"), PrevUnique, []any{"bob/2"}},
				{UpperBound("bob", false), Prev, []any{"bob/5", "bob/3", "bob/2", "alice/4"}},
				{UpperBound("bob", true), Prev, []any{"alice/4"}},
				{LowerBound("bob", true), Next, []any{"bobby/1"}},
				{Bound("alice", "bobby", true, true), NextUnique, []any{"bob/2"}},
			} {
				c := ok(t, byName.OpenCursor(tt.rng, tt.dir))
				deepEqual(t, walk(t, c, cursorEntry), tt.entries)
			}

			c := ok(t, byName.OpenCursor(Only("alice"), Next))
			deepEqual(t, must(c.Value()), any(M{"id": int64(4), "name": "alice"}))
			store, index := c.Source()
			deepEqual(t, store, "users")
			deepEqual(t, index, "by_name")

			kc := ok(t, byName.OpenKeyCursor(nil, Next))
			deepEqual(t, must(kc.Key()), any("alice"))
			_, err := kc.Value()
			iserr(t, err, ErrInvalidState)
		})
	})
}

func TestUniqueIndexCursor(t *testing.T) {
	db := setupUsers(t, setupMem(t))
	update(t, db, "users", func(users *ObjectStore) {
		ok(t, users.Put(M{"id": 1, "email": "c@example.com"}))
		ok(t, users.Put(M{"id": 2, "email": "a@example.com"}))
		ok(t, users.Put(M{"id": 3, "email": "b@example.com"}))
	})
	view(t, db, "users", func(users *ObjectStore) {
		byEmail := must(users.Index("by_email"))
		deepEqual(t, walk(t, ok(t, byEmail.OpenCursor(nil, Prev)), cursorEntry), []any{"c@example.com/1", "b@example.com/3", "a@example.com/2"})
		deepEqual(t, walk(t, ok(t, byEmail.OpenKeyCursor(LowerBound("b", false), NextUnique)), cursorEntry), []any{"b@example.com/3", "c@example.com/1"})
	})
}

func TestCursorUpdateAndDelete(t *testing.T) {
	eachBackend(t, func(t *testing.T, env *Env) {
		db := setupUsers(t, env)
		update(t, db, "users", func(users *ObjectStore) {
			for i := 1; i <= 4; i++ {
				ok(t, users.Put(M{"id": i, "name": fmt.Sprint("user", i)}))
			}
		})

		update(t, db, "users", func(users *ObjectStore) {
			var seen []any
			for c := ok(t, users.OpenCursor(nil, Next)); c != nil; c = ok(t, c.Continue()) {
				id := must(c.Key()).(int64)
				seen = append(seen, id)
				if id%2 == 0 {
					deepEqual(t, ok(t, c.Delete()), true)
				} else {
					deepEqual(t, ok(t, c.Update(M{"id": id, "name": "odd"})), any(id))
				}
			}
			deepEqual(t, seen, []any{int64(1), int64(2), int64(3), int64(4)})
		})

		view(t, db, "users", func(users *ObjectStore) {
			deepEqual(t, ok(t, users.GetAll(nil, 0)), []any{
				M{"id": int64(1), "name": "odd"},
				M{"id": int64(3), "name": "odd"},
			})
			byName := must(users.Index("by_name"))
			deepEqual(t, ok(t, byName.GetAllKeys(nil, 0)), []any{int64(1), int64(3)})
		})

		// updating through an index cursor rewrites the record it points to
		update(t, db, "users", func(users *ObjectStore) {
			byName := must(users.Index("by_name"))
			c := ok(t, byName.OpenCursor(Only("odd"), Prev))
			deepEqual(t, must(c.PrimaryKey()), any(int64(3)))
			ok(t, c.Update(M{"id": 3, "name": "three"}))
		})
		view(t, db, "users", func(users *ObjectStore) {
			deepEqual(t, ok(t, users.Get(3)), any(M{"id": int64(3), "name": "three"}))
		})
	})
}

func TestCursorUpdateMustKeepKey(t *testing.T) {
	db := setupUsers(t, setupMem(t))
	update(t, db, "users", func(users *ObjectStore) {
		ok(t, users.Put(M{"id": 1}))
	})

	tx := must(db.Begin(ctx, ReadWrite, "users"))
	users := must(tx.ObjectStore("users"))
	c := ok(t, users.OpenCursor(nil, Next))
	fails(t, c.Update(M{"id": 2}), ErrInvalidKey)
	iserr(t, tx.Commit(), ErrInvalidKey)
}

func TestCursorWritesNotAllowed(t *testing.T) {
	db := setupUsers(t, setupMem(t))
	update(t, db, "users", func(users *ObjectStore) {
		ok(t, users.Put(M{"id": 1, "name": "a"}))
	})
	view(t, db, "users", func(users *ObjectStore) {
		c := ok(t, users.OpenCursor(nil, Next))
		fails(t, c.Update(M{"id": 1}), ErrReadOnly)
		fails(t, c.Delete(), ErrReadOnly)
	})
	update(t, db, "users", func(users *ObjectStore) {
		kc := ok(t, users.OpenKeyCursor(nil, Next))
		fails(t, kc.Update(M{"id": 1}), ErrInvalidState)
		fails(t, kc.Delete(), ErrInvalidState)

		c := ok(t, users.OpenCursor(nil, Next))
		isnil(t, ok(t, c.Continue()))
		fails(t, c.Update(M{"id": 1}), ErrCursorInvalid)
		fails(t, c.Delete(), ErrCursorInvalid)
	})
}

func TestCursorInvalidAfterTxSettles(t *testing.T) {
	db := numbersDB(t, setupMem(t), 1, 2, 3)

	tx := must(db.Begin(ctx, ReadOnly, "nums"))
	c := ok(t, must(tx.ObjectStore("nums")).OpenCursor(nil, Next))
	deepEqual(t, must(c.Key()), any(int64(1)))
	ensure(tx.Commit())

	_, err := c.Key()
	iserr(t, err, ErrCursorInvalid)
	_, err = c.Value()
	iserr(t, err, ErrCursorInvalid)
	fails(t, c.Continue(), ErrTransactionInactive)

	tx = must(db.Begin(ctx, ReadWrite, "nums"))
	c = ok(t, must(tx.ObjectStore("nums")).OpenCursor(nil, Prev))
	tx.Abort()
	_, err = c.PrimaryKey()
	iserr(t, err, ErrCursorInvalid)
	fails(t, c.Delete(), ErrCursorInvalid)
}

func TestDirectionString(t *testing.T) {
	deepEqual(t, Next.String(), "next")
	deepEqual(t, NextUnique.String(), "nextunique")
	deepEqual(t, Prev.String(), "prev")
	deepEqual(t, PrevUnique.String(), "prevunique")
	deepEqual(t, Direction(7).String(), "invalid direction 7")
}
