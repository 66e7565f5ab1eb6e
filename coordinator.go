package objdb

import (
	"context"
	"slices"

	"github.com/sasha-s/go-deadlock"
)

// lockTable decides when a transaction of one database may start.
//
// Read-write transactions whose scopes overlap run one at a time, in the
// order they were requested. Read-only transactions read a snapshot and
// never wait for writers. The upgrade transaction excludes everything.
// A request is granted only when it conflicts neither with a running
// transaction nor with an earlier request that is still waiting.
type lockTable struct {
	mu        deadlock.Mutex
	writers   map[string]*Tx
	active    int
	exclusive *Tx
	queue     []*lockRequest
}

type lockRequest struct {
	tx      *Tx
	granted chan struct{}
	done    bool
}

func newLockTable() *lockTable {
	return &lockTable{writers: make(map[string]*Tx)}
}

func conflicts(a, b *Tx) bool {
	if a.mode == modeUpgrade || b.mode == modeUpgrade {
		return true
	}
	if a.mode != ReadWrite || b.mode != ReadWrite {
		return false
	}
	for _, s := range a.scope {
		if slices.Contains(b.scope, s) {
			return true
		}
	}
	return false
}

func (lt *lockTable) acquire(ctx context.Context, tx *Tx) error {
	req := &lockRequest{tx: tx, granted: make(chan struct{})}

	lt.mu.Lock()
	lt.queue = append(lt.queue, req)
	lt.grantLocked()
	lt.mu.Unlock()

	select {
	case <-req.granted:
		return nil
	case <-ctx.Done():
	}

	lt.mu.Lock()
	defer lt.mu.Unlock()
	if req.done {
		// granted while we were giving up
		lt.releaseLocked(tx)
	} else {
		lt.queue = slices.DeleteFunc(lt.queue, func(r *lockRequest) bool { return r == req })
		lt.grantLocked()
	}
	return ctx.Err()
}

func (lt *lockTable) release(tx *Tx) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.releaseLocked(tx)
}

func (lt *lockTable) releaseLocked(tx *Tx) {
	lt.active--
	if lt.exclusive == tx {
		lt.exclusive = nil
	}
	if tx.mode == ReadWrite {
		for _, s := range tx.scope {
			if lt.writers[s] == tx {
				delete(lt.writers, s)
			}
		}
	}
	lt.grantLocked()
}

func (lt *lockTable) grantLocked() {
	var waiting []*lockRequest
	for _, req := range lt.queue {
		if lt.availableLocked(req.tx) && !slices.ContainsFunc(waiting, func(w *lockRequest) bool { return conflicts(w.tx, req.tx) }) {
			lt.holdLocked(req.tx)
			req.done = true
			close(req.granted)
		} else {
			waiting = append(waiting, req)
		}
	}
	lt.queue = waiting
}

func (lt *lockTable) availableLocked(tx *Tx) bool {
	if lt.exclusive != nil {
		return false
	}
	switch tx.mode {
	case modeUpgrade:
		return lt.active == 0
	case ReadWrite:
		for _, s := range tx.scope {
			if lt.writers[s] != nil {
				return false
			}
		}
	}
	return true
}

func (lt *lockTable) holdLocked(tx *Tx) {
	lt.active++
	switch tx.mode {
	case modeUpgrade:
		lt.exclusive = tx
	case ReadWrite:
		for _, s := range tx.scope {
			lt.writers[s] = tx
		}
	}
}

func (lt *lockTable) waiting() int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return len(lt.queue)
}
