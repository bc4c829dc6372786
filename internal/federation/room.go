package federation

import (
	"sort"
	"sync"

	"github.com/cis-node/cis/internal/cerr"
)

// Room is a federation membership unit carrying an append-only event log
// (spec §3 Room). The Federation Fabric exclusively owns Rooms.
type Room struct {
	ID       string
	Members  map[string]struct{} // node_id set
	Federate bool

	mu      sync.Mutex
	events  []Event
	seen    map[string]struct{} // event_id -> present, for idempotent append
}

// NewRoom creates an empty Room.
func NewRoom(id string, federate bool) *Room {
	return &Room{
		ID:       id,
		Members:  map[string]struct{}{},
		Federate: federate,
		seen:     map[string]struct{}{},
	}
}

// AddMember adds node_id to the room's membership set.
func (r *Room) AddMember(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Members[nodeID] = struct{}{}
}

// RemoveMember removes node_id from the room's membership set.
func (r *Room) RemoveMember(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.Members, nodeID)
}

// MemberIDs returns a sorted snapshot of current member node_ids.
func (r *Room) MemberIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.Members))
	for id := range r.Members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Append adds ev to the room's local log. It is idempotent by event_id
// (spec §4.7 "on arrival, the event is appended to the local room log
// (idempotent by event_id)"); a duplicate append is a no-op returning false.
func (r *Room) Append(ev Event) (appended bool, err error) {
	if ev.EventID == "" {
		return false, cerr.New(cerr.KindInvalidInput, "federation.room", "event_id must be non-empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.seen[ev.EventID]; dup {
		return false, nil
	}
	r.seen[ev.EventID] = struct{}{}
	r.events = append(r.events, ev)
	return true, nil
}

// Events returns a lock-free snapshot of the room's event log (spec §5
// "reads are lock-free snapshots" — the copy itself is taken under lock,
// but the caller then holds no lock while iterating).
func (r *Room) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// EventsFrom returns events whose OriginTS is at or after the given index
// in the log (by position, not time) — used to replay a room's history to
// a newly-joined subscriber.
func (r *Room) EventsFrom(offset int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if offset < 0 || offset >= len(r.events) {
		return nil
	}
	out := make([]Event, len(r.events)-offset)
	copy(out, r.events[offset:])
	return out
}

// Len reports the number of events appended so far.
func (r *Room) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Registry owns every Room this node participates in.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewRegistry returns an empty room Registry.
func NewRegistry() *Registry {
	return &Registry{rooms: map[string]*Room{}}
}

// GetOrCreate returns the Room for id, creating it if absent.
func (reg *Registry) GetOrCreate(id string, federate bool) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if r, ok := reg.rooms[id]; ok {
		return r
	}
	r := NewRoom(id, federate)
	reg.rooms[id] = r
	return r
}

// Get returns the Room for id, if one exists.
func (reg *Registry) Get(id string) (*Room, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.rooms[id]
	return r, ok
}

// Remove deletes a Room from the registry.
func (reg *Registry) Remove(id string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.rooms, id)
}

// RoomIDs returns a sorted snapshot of every known room id.
func (reg *Registry) RoomIDs() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	ids := make([]string, 0, len(reg.rooms))
	for id := range reg.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
