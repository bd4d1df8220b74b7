package archiver

import (
	"context"
	"sync"
)

// lockEntry is a mutex with a reference count of holders and waiters.
type lockEntry struct {
	sem  chan struct{}
	refs int
}

// lockTable hands out one mutex per key. An entry lives exactly as long as
// someone holds or waits for it, so two callers can never end up with
// different mutexes for the same key.
type lockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

func newLockTable() *lockTable {
	return &lockTable{entries: make(map[string]*lockEntry)}
}

// acquire blocks until the key is free or ctx ends. The returned func
// releases the key and may be called more than once.
func (t *lockTable) acquire(ctx context.Context, key string) (func(), error) {
	t.mu.Lock()

	entry, ok := t.entries[key]
	if !ok {
		entry = &lockEntry{sem: make(chan struct{}, 1)}
		t.entries[key] = entry
	}

	entry.refs++
	t.mu.Unlock()

	select {
	case entry.sem <- struct{}{}:
	case <-ctx.Done():
		t.unref(key, entry)
		return nil, ctx.Err()
	}

	var once sync.Once

	return func() {
		once.Do(func() {
			<-entry.sem
			t.unref(key, entry)
		})
	}, nil
}

func (t *lockTable) unref(key string, entry *lockEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry.refs--
	if entry.refs == 0 {
		delete(t.entries, key)
	}
}

// len returns the number of live entries.
func (t *lockTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.entries)
}
