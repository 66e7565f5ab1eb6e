package objdb

import (
	"fmt"
)

type (
	// Change describes one mutation made by a transaction, as passed to
	// the function registered with Tx.OnChange.
	Change struct {
		store  string
		op     Op
		rawKey []byte
		value  any
	}

	Op int
)

const (
	OpNone   Op = 0
	OpPut    Op = 1
	OpDelete Op = 2
	OpClear  Op = 3
)

func (chg *Change) Store() string {
	return chg.store
}
func (chg *Change) Op() Op {
	return chg.op
}
func (chg *Change) RawKey() []byte {
	return chg.rawKey
}
func (chg *Change) HasKey() bool {
	return chg.rawKey != nil
}

// Key returns the affected primary key; nil for OpClear.
func (chg *Change) Key() any {
	if chg.rawKey == nil {
		return nil
	}
	k, _ := decodeFullKey(chg.rawKey)
	return k
}

// Value returns the record written by OpPut. The handler must not modify it.
func (chg *Change) Value() any {
	return chg.value
}

func (v Op) String() string {
	switch v {
	case OpNone:
		return "none"
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	case OpClear:
		return "clear"
	default:
		return fmt.Sprintf("invalid op %d", int(v))
	}
}

func (tx *Tx) notify(store string, op Op, rawKey []byte, value any) {
	tx.mu.Lock()
	handler := tx.changeHandler
	tx.mu.Unlock()
	if handler == nil {
		return
	}
	handler(&Change{
		store:  store,
		op:     op,
		rawKey: rawKey,
		value:  value,
	})
}
