package objdb

import (
	"testing"
	"time"
)

func ordersSteps(keyPath KeyPath) UpgradeFunc {
	return Steps(Step{From: 0, Apply: func(u *Upgrade) error {
		_, err := u.CreateObjectStore("items", StoreOptions{KeyPath: keyPath, AutoIncrement: true})
		return err
	}})
}

func TestOrdersScenario(t *testing.T) {
	eachBackend(t, func(t *testing.T, env *Env) {
		db := must(env.Open(ctx, "orders", 1, ordersSteps(Path("id"))))
		update(t, db, "items", func(items *ObjectStore) {
			deepEqual(t, ok(t, items.Add(M{"name": "bread"})), any(int64(1)))
			deepEqual(t, ok(t, items.Add(M{"name": "cheese"})), any(int64(2)))
			deepEqual(t, ok(t, items.Add(M{"name": "ham"})), any(int64(3)))
		})
		view(t, db, "items", func(items *ObjectStore) {
			deepEqual(t, ok(t, items.GetAll(nil, 0)), []any{
				M{"id": int64(1), "name": "bread"},
				M{"id": int64(2), "name": "cheese"},
				M{"id": int64(3), "name": "ham"},
			})
		})
		update(t, db, "items", func(items *ObjectStore) {
			ok(t, items.Delete(2))
		})
		view(t, db, "items", func(items *ObjectStore) {
			deepEqual(t, ok(t, items.GetAllKeys(nil, 0)), []any{int64(1), int64(3)})
		})
	})
}

func TestKeyGeneratorNeverReuses(t *testing.T) {
	eachBackend(t, func(t *testing.T, env *Env) {
		db := must(env.Open(ctx, "orders", 1, ordersSteps(nil)))
		update(t, db, "items", func(items *ObjectStore) {
			deepEqual(t, ok(t, items.Add("a")), any(int64(1)))
			deepEqual(t, ok(t, items.Add("b")), any(int64(2)))
			ok(t, items.Delete(2))
			deepEqual(t, ok(t, items.Add("c")), any(int64(3)))
			ok(t, items.Clear())
			deepEqual(t, ok(t, items.Add("d")), any(int64(4)))
		})
		update(t, db, "items", func(items *ObjectStore) {
			// explicit numeric keys move the generator forward, never back
			deepEqual(t, ok(t, items.PutWithKey(10.5, "e")), any(10.5))
			deepEqual(t, ok(t, items.Add("f")), any(int64(11)))
			deepEqual(t, ok(t, items.PutWithKey(5, "g")), any(int64(5)))
			deepEqual(t, ok(t, items.PutWithKey("x", "h")), any("x"))
			deepEqual(t, ok(t, items.Add("i")), any(int64(12)))
		})
		view(t, db, "items", func(items *ObjectStore) {
			deepEqual(t, ok(t, items.GetAllKeys(nil, 0)), []any{int64(4), int64(5), 10.5, int64(11), int64(12), "x"})
		})
	})
}

func TestKeyGeneratorRollsBackWithTx(t *testing.T) {
	db := must(setupMem(t).Open(ctx, "orders", 1, ordersSteps(Path("id"))))

	tx := must(db.Begin(ctx, ReadWrite, "items"))
	items := must(tx.ObjectStore("items"))
	ok(t, items.Add(M{"name": "a"}))
	tx.Abort()

	update(t, db, "items", func(items *ObjectStore) {
		deepEqual(t, ok(t, items.Add(M{"name": "b"})), any(int64(1)))
	})
}

func TestAddAndPut(t *testing.T) {
	eachBackend(t, func(t *testing.T, env *Env) {
		db := setupUsers(t, env)
		update(t, db, "users", func(users *ObjectStore) {
			ok(t, users.Add(M{"id": 1, "name": "a"}))
			ok(t, users.Put(M{"id": 1, "name": "b"}))
			ok(t, users.Put(M{"id": 1, "name": "b"}))
			deepEqual(t, ok(t, users.Get(1)), any(M{"id": int64(1), "name": "b"}))
			deepEqual(t, ok(t, users.Count(nil)), 1)
		})

		tx := must(db.Begin(ctx, ReadWrite, "users"))
		users := must(tx.ObjectStore("users"))
		fails(t, users.Add(M{"id": 1, "name": "c"}), ErrConstraint)
		iserr(t, tx.Commit(), ErrConstraint)

		view(t, db, "users", func(users *ObjectStore) {
			deepEqual(t, ok(t, users.Count(nil)), 1)
			deepEqual(t, ok(t, users.Get(1)), any(M{"id": int64(1), "name": "b"}))
		})
	})
}

func TestKeyRules(t *testing.T) {
	env := setupMem(t)
	db := must(env.Open(ctx, "test", 1, func(u *Upgrade) error {
		must(u.CreateObjectStore("byPath", StoreOptions{KeyPath: Path("meta.sku")}))
		must(u.CreateObjectStore("compound", StoreOptions{KeyPath: Path("a", "b")}))
		must(u.CreateObjectStore("self", StoreOptions{KeyPath: Path("")}))
		must(u.CreateObjectStore("explicit", StoreOptions{}))
		must(u.CreateObjectStore("nested", StoreOptions{KeyPath: Path("meta.id"), AutoIncrement: true}))
		return nil
	}))

	err := db.Update(ctx, []string{"byPath", "compound", "self", "explicit", "nested"}, func(tx *Tx) error {
		byPath := must(tx.ObjectStore("byPath"))
		deepEqual(t, ok(t, byPath.Put(M{"meta": M{"sku": "x1"}})), any("x1"))

		compound := must(tx.ObjectStore("compound"))
		deepEqual(t, ok(t, compound.Put(M{"a": 1, "b": "z"})), any([]any{int64(1), "z"}))
		deepEqual(t, ok(t, compound.Get([]any{1, "z"})), any(M{"a": int64(1), "b": "z"}))

		self := must(tx.ObjectStore("self"))
		deepEqual(t, ok(t, self.Put("hello")), any("hello"))

		explicit := must(tx.ObjectStore("explicit"))
		when := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		deepEqual(t, ok(t, explicit.PutWithKey(when, M{"v": 1})), any(when))
		deepEqual(t, ok(t, explicit.Get(when)), any(M{"v": int64(1)}))
		fails(t, explicit.PutWithKey(nil, M{}), ErrInvalidKey)
		fails(t, explicit.PutWithKey(true, M{}), ErrInvalidKey)

		nested := must(tx.ObjectStore("nested"))
		deepEqual(t, ok(t, nested.Add(M{"name": "n"})), any(int64(1)))
		deepEqual(t, ok(t, nested.Get(1)), any(M{"name": "n", "meta": M{"id": int64(1)}}))
		return nil
	})
	if err != nil {
		t.Fatalf("** %v", err)
	}

	// failures discovered while executing abort the transaction
	for _, f := range []func(tx *Tx) *Request[any]{
		func(tx *Tx) *Request[any] { return must(tx.ObjectStore("byPath")).Put(M{"name": "no key"}) },
		func(tx *Tx) *Request[any] {
			return must(tx.ObjectStore("byPath")).PutWithKey("x2", M{"meta": M{"sku": "x2"}})
		},
		func(tx *Tx) *Request[any] { return must(tx.ObjectStore("byPath")).Put(M{"meta": M{"sku": true}}) },
		func(tx *Tx) *Request[any] { return must(tx.ObjectStore("explicit")).Put(M{"v": 1}) },
		func(tx *Tx) *Request[any] { return must(tx.ObjectStore("nested")).Add(M{"meta": 5}) },
	} {
		tx := must(db.Begin(ctx, ReadWrite, "byPath", "explicit", "nested"))
		fails(t, f(tx), ErrInvalidKey)
		iserr(t, tx.Commit(), ErrInvalidKey)
	}
}

func TestStoreValuesAreCloned(t *testing.T) {
	db := setupUsers(t, setupMem(t))
	rec := M{"id": 1, "tags": []any{"a"}}
	update(t, db, "users", func(users *ObjectStore) {
		ok(t, users.Put(rec))
		rec["tags"] = []any{"b"}

		got := ok(t, users.Get(1)).(M)
		deepEqual(t, got["tags"], any([]any{"a"}))
		got["tags"] = []any{"c"}
		deepEqual(t, ok(t, users.Get(1)).(M)["tags"], any([]any{"a"}))
	})
}

func TestDecodeValue(t *testing.T) {
	type user struct {
		ID    int64  `msgpack:"id"`
		Email string `msgpack:"email"`
	}
	db := setupUsers(t, setupMem(t))
	update(t, db, "users", func(users *ObjectStore) {
		ok(t, users.Put(user{ID: 7, Email: "u@example.com"}))
		deepEqual(t, must(DecodeValue[user](ok(t, users.Get(7)))), user{ID: 7, Email: "u@example.com"})
	})
}

func TestStoreAccessors(t *testing.T) {
	db := setupUsers(t, setupMem(t))
	view(t, db, "users", func(users *ObjectStore) {
		deepEqual(t, users.Name(), "users")
		deepEqual(t, users.KeyPath(), Path("id"))
		deepEqual(t, users.AutoIncrement(), false)
		deepEqual(t, users.IndexNames(), []string{"by_email", "by_name"})
		deepEqual(t, users.Transaction().Mode(), ReadOnly)
	})
}
