package objdb

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestOnChange(t *testing.T) {
	eachBackend(t, func(t *testing.T, env *Env) {
		db := setupUsers(t, env)

		var changes []string
		err := db.Update(ctx, []string{"users"}, func(tx *Tx) error {
			tx.OnChange(func(chg *Change) {
				s := fmt.Sprintf("%s %s", chg.Op(), chg.Store())
				if chg.HasKey() {
					s += fmt.Sprintf(" %v", chg.Key())
				}
				if v := chg.Value(); v != nil {
					s += " " + loggableRecord(v)
				}
				changes = append(changes, s)
			})
			users := must(tx.ObjectStore("users"))
			ensure(users.Put(M{"id": 1, "name": "a"}).Err())
			ensure(users.Put(M{"id": 2}).Err())
			ensure(users.Delete(1).Err())
			ensure(users.Delete(1).Err())
			ensure(users.Clear().Err())
			return nil
		})
		ensure(err)

		deepEqual(t, changes, []string{
			`put users 1 {"id":1,"name":"a"}`,
			`put users 2 {"id":2}`,
			`delete users 1`,
			`clear users`,
		})
	})
}

func TestOnChangeRawKey(t *testing.T) {
	db := numbersDB(t, setupMem(t))
	var raw []byte
	update(t, db, "nums", func(nums *ObjectStore) {
		nums.tx.OnChange(func(chg *Change) {
			raw = chg.RawKey()
		})
		ok(t, nums.PutWithKey("k", M{}))
	})
	deepEqual(t, raw, x("30 6b 0001"))

	chg := &Change{op: OpClear}
	deepEqual(t, chg.HasKey(), false)
	deepEqual(t, chg.Key(), nil)
}

func TestOnChangePanicAborts(t *testing.T) {
	db := setupUsers(t, setupMem(t))

	tx := must(db.Begin(ctx, ReadWrite, "users"))
	tx.OnChange(func(chg *Change) {
		panic("boom")
	})
	users := must(tx.ObjectStore("users"))
	_, err := users.Put(M{"id": 1}).Result()
	if err == nil || !strings.HasPrefix(err.Error(), "panic: boom") {
		t.Errorf("** got error %v, wanted a panic", err)
	}
	var p panicked
	if !errors.As(tx.Commit(), &p) {
		t.Errorf("** Commit() = %v, wanted panicked", tx.Err())
	}

	view(t, db, "users", func(users *ObjectStore) {
		deepEqual(t, ok(t, users.Count(nil)), 0)
	})
}

func TestOpString(t *testing.T) {
	deepEqual(t, OpNone.String(), "none")
	deepEqual(t, OpPut.String(), "put")
	deepEqual(t, OpDelete.String(), "delete")
	deepEqual(t, OpClear.String(), "clear")
	deepEqual(t, Op(9).String(), "invalid op 9")
}
