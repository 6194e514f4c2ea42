package engine

import (
	"context"
	"sync"
)

// lockTable hands out per-conversation-key FIFO tickets. A ticket is
// taken at submission time; a worker blocks until its ticket is served,
// which guarantees tasks on the same key run strictly in submission
// order no matter which worker dequeues them. Entries are reaped once
// the last ticket is served, so the table stays bounded by the number of
// active conversations.
type lockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	next     uint64
	serving  uint64
	canceled map[uint64]struct{}
	waiters  map[uint64]chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{entries: make(map[string]*lockEntry)}
}

// enqueue takes the next ticket for key. Call under the same critical
// section as the queue push so ticket order matches queue order.
func (t *lockTable) enqueue(key string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[key]
	if e == nil {
		e = &lockEntry{
			canceled: make(map[uint64]struct{}),
			waiters:  make(map[uint64]chan struct{}),
		}
		t.entries[key] = e
	}
	ticket := e.next
	e.next++
	return ticket
}

// wait blocks until the ticket is being served. On context cancellation
// the ticket is abandoned so later tickets are not stranded.
func (t *lockTable) wait(ctx context.Context, key string, ticket uint64) error {
	t.mu.Lock()
	e := t.entries[key]
	if e == nil || e.serving == ticket {
		t.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	e.waiters[ticket] = ch
	t.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		t.cancel(key, ticket)
		return ctx.Err()
	}
}

// release ends the serving ticket's turn and wakes the next one.
func (t *lockTable) release(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.advanceLocked(key)
}

// cancel abandons a ticket that will never be served (queue overflow,
// shutdown while waiting).
func (t *lockTable) cancel(key string, ticket uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[key]
	if e == nil {
		return
	}
	delete(e.waiters, ticket)
	if e.serving == ticket {
		t.advanceLocked(key)
		return
	}
	e.canceled[ticket] = struct{}{}
}

func (t *lockTable) advanceLocked(key string) {
	e := t.entries[key]
	if e == nil {
		return
	}
	e.serving++
	for {
		if _, skip := e.canceled[e.serving]; !skip {
			break
		}
		delete(e.canceled, e.serving)
		e.serving++
	}
	if e.serving >= e.next {
		delete(t.entries, key)
		return
	}
	if ch, ok := e.waiters[e.serving]; ok {
		close(ch)
		delete(e.waiters, e.serving)
	}
}

// activeKeys reports the number of keys with outstanding tickets.
func (t *lockTable) activeKeys() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
