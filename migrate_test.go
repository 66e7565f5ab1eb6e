package objdb

import (
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/andreyvit/objdb/internal/logging"
)

func TestStepsRunEachStepOnce(t *testing.T) {
	var log []string
	step := func(from uint64, f func(u *Upgrade) error) Step {
		return Step{From: from, Apply: func(u *Upgrade) error {
			log = append(log, fmt.Sprintf("%d (%d->%d)", from, u.OldVersion(), u.NewVersion()))
			return f(u)
		}}
	}
	steps := Steps(
		step(2, func(u *Upgrade) error {
			items := must(u.ObjectStore("items"))
			_, err := items.CreateIndex("by_description", Path("description"), IndexOptions{})
			return err
		}),
		step(0, func(u *Upgrade) error {
			_, err := u.CreateObjectStore("items", StoreOptions{KeyPath: Path("id"), AutoIncrement: true})
			return err
		}),
		step(1, func(u *Upgrade) error {
			items := must(u.ObjectStore("items"))
			_, err := items.CreateIndex("by_price", Path("price"), IndexOptions{})
			return err
		}),
		step(3, func(u *Upgrade) error {
			return u.DeleteObjectStore("items")
		}),
	)

	env := setupMem(t)
	db := must(env.Open(ctx, "shop", 3, steps))
	deepEqual(t, log, []string{"0 (0->3)", "1 (0->3)", "2 (0->3)"})
	deepEqual(t, db.Version(), uint64(3))
	view(t, db, "items", func(items *ObjectStore) {
		deepEqual(t, items.IndexNames(), []string{"by_description", "by_price"})
		deepEqual(t, items.AutoIncrement(), true)
	})

	log = nil
	must(env.Open(ctx, "shop", 3, steps))
	deepEqual(t, len(log), 0)

	must(env.Open(ctx, "shop", 4, steps))
	deepEqual(t, log, []string{"3 (3->4)"})
	deepEqual(t, len(must(env.OpenCurrent(ctx, "shop")).ObjectStoreNames()), 0)
}

func TestUpgradeExposesSchema(t *testing.T) {
	env := setupMem(t)
	must(env.Open(ctx, "test", 1, usersSteps))

	must(env.Open(ctx, "test", 2, func(u *Upgrade) error {
		deepEqual(t, u.ObjectStoreNames(), []string{"users"})
		deepEqual(t, u.HasObjectStore("users"), true)
		deepEqual(t, u.HasObjectStore("posts"), false)
		deepEqual(t, u.Transaction().Mode().String(), "versionchange")

		_, err := u.ObjectStore("posts")
		iserr(t, err, ErrNotFound)

		posts := must(u.CreateObjectStore("posts", StoreOptions{}))
		deepEqual(t, u.ObjectStoreNames(), []string{"posts", "users"})
		deepEqual(t, u.Transaction().Scope(), []string{"posts", "users"})

		// records can be written in the same upgrade
		deepEqual(t, ok(t, posts.AddWithKey("hello", M{"text": "hi"})), any("hello"))
		deepEqual(t, ok(t, posts.Get("hello")), any(M{"text": "hi"}))
		return nil
	}))
}

func TestUpgradeFailureRollsBack(t *testing.T) {
	env := setupMem(t)
	db := setupUsers(t, env)
	update(t, db, "users", func(users *ObjectStore) {
		ok(t, users.Put(M{"id": 1, "name": "before"}))
	})

	errBoom := errors.New("boom")
	_, err := env.Open(ctx, "test", 2, func(u *Upgrade) error {
		must(u.CreateObjectStore("posts", StoreOptions{AutoIncrement: true}))
		users := must(u.ObjectStore("users"))
		ok(t, users.Put(M{"id": 1, "name": "after"}))
		ok(t, users.Put(M{"id": 2, "name": "new"}))
		return errBoom
	})
	iserr(t, err, ErrMigrationFailed)
	iserr(t, err, errBoom)

	db = must(env.OpenCurrent(ctx, "test"))
	deepEqual(t, db.Version(), uint64(1))
	deepEqual(t, db.ObjectStoreNames(), []string{"users"})
	view(t, db, "users", func(users *ObjectStore) {
		deepEqual(t, ok(t, users.GetAll(nil, 0)), []any{M{"id": int64(1), "name": "before"}})
	})
}

func TestUpgradeFailureOnNewDatabase(t *testing.T) {
	eachBackend(t, func(t *testing.T, env *Env) {
		_, err := env.Open(ctx, "test-db2", 1, func(u *Upgrade) error {
			must(u.CreateObjectStore("firstOS", StoreOptions{}))
			return errors.New("boom")
		})
		iserr(t, err, ErrMigrationFailed)

		deepEqual(t, len(must(env.DatabaseNames(ctx))), 0)
		_, err = env.OpenCurrent(ctx, "test-db2")
		iserr(t, err, ErrNotFound)

		db := must(env.Open(ctx, "test-db2", 1, func(u *Upgrade) error {
			deepEqual(t, u.OldVersion(), uint64(0))
			deepEqual(t, len(u.ObjectStoreNames()), 0)
			_, err := u.CreateObjectStore("firstOS", StoreOptions{})
			return err
		}))
		deepEqual(t, db.ObjectStoreNames(), []string{"firstOS"})
	})
}

func TestUpgradeSchemaAfterAbort(t *testing.T) {
	env := setupMem(t)
	setupUsers(t, env)

	_, err := env.Open(ctx, "test", 2, func(u *Upgrade) error {
		_, err := u.CreateObjectStore("users", StoreOptions{})
		iserr(t, err, ErrAlreadyExists)

		deepEqual(t, u.HasObjectStore("users"), false)
		deepEqual(t, u.ObjectStoreNames(), []string(nil))
		_, serr := u.ObjectStore("users")
		iserr(t, serr, ErrTransactionInactive)
		return err
	})
	iserr(t, err, ErrMigrationFailed)
	iserr(t, err, ErrAlreadyExists)
	deepEqual(t, must(env.OpenCurrent(ctx, "test")).Version(), uint64(1))
}

func TestUpgradeLogsLifecycle(t *testing.T) {
	logs := logging.CaptureForTest()
	defer logs.Restore()

	env := OpenMemEnv(Options{Logger: logging.For("objdb"), IsTesting: true})
	t.Cleanup(func() { env.Close() })

	must(env.Open(ctx, "shop", 1, func(u *Upgrade) error {
		_, err := u.CreateObjectStore("items", StoreOptions{KeyPath: Path("id")})
		return err
	}))
	must(env.Open(ctx, "shop", 3, func(u *Upgrade) error {
		items := must(u.ObjectStore("items"))
		if _, err := items.CreateIndex("by_price", Path("price"), IndexOptions{}); err != nil {
			return err
		}
		return u.DeleteObjectStore("items")
	}))

	for _, msg := range []string{"database created", "object store created", "index created", "object store deleted", "database upgraded"} {
		if !logs.Has(slog.LevelInfo, msg) {
			t.Errorf("** missing info log %q", msg)
		}
	}
	if v, found := logs.Attr("database created", "version"); !found || v.Uint64() != 1 {
		t.Errorf("** database created: version = %v", v)
	}
	if v, found := logs.Attr("database upgraded", "from"); !found || v.Uint64() != 1 {
		t.Errorf("** database upgraded: from = %v", v)
	}
	if v, found := logs.Attr("database upgraded", "to"); !found || v.Uint64() != 3 {
		t.Errorf("** database upgraded: to = %v", v)
	}
	if v, found := logs.Attr("index created", "component"); !found || v.String() != "objdb" {
		t.Errorf("** index created: component = %v", v)
	}
}

func TestUpgradePanicFails(t *testing.T) {
	env := setupMem(t)
	_, err := env.Open(ctx, "test", 1, func(u *Upgrade) error {
		panic("boom")
	})
	iserr(t, err, ErrMigrationFailed)
	deepEqual(t, len(must(env.DatabaseNames(ctx))), 0)
}

func TestUpgradeConstraintFails(t *testing.T) {
	env := setupMem(t)
	db := must(env.Open(ctx, "test", 1, Steps(Step{From: 0, Apply: func(u *Upgrade) error {
		_, err := u.CreateObjectStore("users", StoreOptions{KeyPath: Path("id")})
		return err
	}})))
	update(t, db, "users", func(users *ObjectStore) {
		ok(t, users.Put(M{"id": 1, "email": "same@example.com"}))
		ok(t, users.Put(M{"id": 2, "email": "same@example.com"}))
	})

	_, err := env.Open(ctx, "test", 2, func(u *Upgrade) error {
		users := must(u.ObjectStore("users"))
		_, err := users.CreateIndex("by_email", Path("email"), IndexOptions{Unique: true})
		return err
	})
	iserr(t, err, ErrMigrationFailed)
	iserr(t, err, ErrConstraint)

	db = must(env.OpenCurrent(ctx, "test"))
	deepEqual(t, db.Version(), uint64(1))
	view(t, db, "users", func(users *ObjectStore) {
		deepEqual(t, len(users.IndexNames()), 0)
	})
}

func TestCreateObjectStoreErrors(t *testing.T) {
	tests := []struct {
		name  string
		store string
		opt   StoreOptions
		err   error
	}{
		{"duplicate", "users", StoreOptions{}, ErrAlreadyExists},
		{"empty name", "", StoreOptions{}, ErrInvalidName},
		{"bad key path", "x", StoreOptions{KeyPath: Path("a..b")}, ErrInvalidKey},
		{"compound key path with generator", "x", StoreOptions{KeyPath: Path("a", "b"), AutoIncrement: true}, ErrInvalidState},
		{"record key path with generator", "x", StoreOptions{KeyPath: Path(""), AutoIncrement: true}, ErrInvalidState},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupMem(t)
			must(env.Open(ctx, "test", 1, usersSteps))
			_, err := env.Open(ctx, "test", 2, func(u *Upgrade) error {
				_, err := u.CreateObjectStore(tt.store, tt.opt)
				return err
			})
			iserr(t, err, ErrMigrationFailed)
			iserr(t, err, tt.err)
		})
	}
}

func TestSchemaChangesOutsideUpgrade(t *testing.T) {
	db := setupUsers(t, setupMem(t))
	update(t, db, "users", func(users *ObjectStore) {
		_, err := users.CreateIndex("by_age", Path("age"), IndexOptions{})
		iserr(t, err, ErrInvalidState)
		iserr(t, users.DeleteIndex("by_name"), ErrInvalidState)
	})
}

func TestDeleteObjectStore(t *testing.T) {
	env := setupMem(t)
	db := setupUsers(t, env)
	update(t, db, "users", func(users *ObjectStore) {
		ok(t, users.Put(M{"id": 1, "email": "a@example.com"}))
	})

	must(env.Open(ctx, "test", 2, func(u *Upgrade) error {
		if err := u.DeleteObjectStore("users"); err != nil {
			return err
		}
		_, err := u.CreateObjectStore("users", StoreOptions{KeyPath: Path("email")})
		return err
	}))
	view(t, db, "users", func(users *ObjectStore) {
		deepEqual(t, users.KeyPath(), Path("email"))
		deepEqual(t, ok(t, users.Count(nil)), 0)
		deepEqual(t, len(users.IndexNames()), 0)
	})

	_, err := env.Open(ctx, "test", 3, func(u *Upgrade) error {
		return u.DeleteObjectStore("nope")
	})
	iserr(t, err, ErrNotFound)
}
