package crossnode

import (
	"sync"
	"time"
)

// sweepInterval controls how often expired pending requests are purged so
// a slow/never-arriving response doesn't leak a goroutine-blocking channel
// forever (spec §4.8 "a periodic sweep removes expired PendingRequest
// entries").
const sweepInterval = 30 * time.Second

// pendingEntry is a single in-flight remote execute call awaiting its
// TaskResponseEvent.
type pendingEntry struct {
	reply    chan TaskResponseEvent
	deadline time.Time
	done     bool
}

// pendingTable tracks in-flight request_ids for the Remote-proxy mode so an
// inbound TaskResponseEvent can be routed back to the Execute call that is
// waiting on it. Invariant (spec §4.8): each request_id is resolved at most
// once; a response for an unknown or already-resolved request_id is
// dropped rather than accepted.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
	stop    chan struct{}
	stopped sync.Once
}

func newPendingTable() *pendingTable {
	t := &pendingTable{
		entries: make(map[string]*pendingEntry),
		stop:    make(chan struct{}),
	}
	go t.sweepLoop()
	return t
}

// register creates a new pending entry with the given timeout and returns
// the channel its eventual TaskResponseEvent will arrive on.
func (t *pendingTable) register(requestID string, timeout time.Duration) <-chan TaskResponseEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry := &pendingEntry{
		reply:    make(chan TaskResponseEvent, 1),
		deadline: time.Now().Add(timeout),
	}
	t.entries[requestID] = entry
	return entry.reply
}

// resolve delivers resp to the pending entry for resp.RequestID, returning
// false if no such entry exists or it was already resolved.
func (t *pendingTable) resolve(requestID string, resp TaskResponseEvent) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[requestID]
	if !ok || entry.done {
		return false
	}
	entry.done = true
	entry.reply <- resp
	return true
}

// remove discards the entry for requestID, called by Execute when it
// returns (success, timeout, or context cancellation) so the table doesn't
// grow unbounded even between sweeps.
func (t *pendingTable) remove(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, requestID)
}

func (t *pendingTable) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

// sweep removes any entry past its deadline. Execute's own time.After
// branch will already have returned a timeout error to its caller by then;
// this only reclaims the map slot.
func (t *pendingTable) sweep() {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, entry := range t.entries {
		if now.After(entry.deadline) {
			delete(t.entries, id)
		}
	}
}

func (t *pendingTable) stopSweeper() {
	t.stopped.Do(func() { close(t.stop) })
}
