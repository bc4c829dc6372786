package memoryguard

import "sync"

// keyLockTable hands out a per-key mutex, created lazily and reference
// counted so idle keys don't accumulate forever (spec §5: Memory Guard
// writes are serialized per key, not globally).
type keyLockTable struct {
	mu    sync.Mutex
	locks map[string]*keyLockEntry
}

type keyLockEntry struct {
	mu  sync.Mutex
	refs int
}

// Lock blocks until key's lock is held and returns a function that releases
// it and, if no other waiter holds a reference, frees the table slot.
func (t *keyLockTable) Lock(key string) (unlock func()) {
	t.mu.Lock()
	if t.locks == nil {
		t.locks = make(map[string]*keyLockEntry)
	}
	entry, ok := t.locks[key]
	if !ok {
		entry = &keyLockEntry{}
		t.locks[key] = entry
	}
	entry.refs++
	t.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		t.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(t.locks, key)
		}
		t.mu.Unlock()
	}
}
