// Package skillplane implements the Skill Registry, lifecycle, and
// capability-checked invocation surface described in spec §4.3. Sandboxed
// execution lives in the sandbox/wasm and sandbox/native subpackages;
// intent-to-skill dispatch lives in the router subpackage.
package skillplane

import (
	"context"
	"fmt"
	"sync"

	"github.com/cis-node/cis/internal/cerr"
)

// Kind is a skill's execution substrate.
type Kind string

const (
	KindNative Kind = "native"
	KindWASM   Kind = "wasm"
	KindRemote Kind = "remote"
)

// Meta is the immutable descriptor created on install and destroyed on
// removal (spec §3 SkillMeta). Identity is ID.
type Meta struct {
	ID            string
	Name          string
	Version       string
	Kind          Kind
	Path          string
	Permissions   map[string]struct{} // capability set
	Subscriptions map[string]struct{} // event-name set
	InputSchema   []byte
	OutputSchema  []byte
}

// State is the mutable per-skill runtime state machine (spec §3
// SkillRuntimeState). Only Active skills receive events.
type State int

const (
	Registered State = iota
	Loaded
	Active
	Failed
)

func (s State) String() string {
	switch s {
	case Registered:
		return "registered"
	case Loaded:
		return "loaded"
	case Active:
		return "active"
	default:
		return "failed"
	}
}

// record bundles a skill's metadata with its mutable runtime state.
type record struct {
	meta       Meta
	state      State
	faultCount int
}

// Registry is the process-wide table of SkillMeta + RuntimeState described
// in spec §4.3: "Registry is a process-wide table of SkillMeta +
// RuntimeState; lookup by id or name." Transitions are serialized by mu,
// matching spec §5's "Skill Registry: shared (many readers, one writer);
// transitions are serialized."
type Registry struct {
	mu        sync.RWMutex
	byID      map[string]*record
	byName    map[string]string // name -> id
	maxFaults int               // faults before auto-Failed (supplemented quarantine, spec §7 REDESIGN)
}

// New returns an empty Registry. maxFaults <= 0 uses a default of 3,
// mirroring the teacher's fault-threshold quarantine behavior generalized
// from a single WASM host to the whole Skill Plane.
func New(maxFaults int) *Registry {
	if maxFaults <= 0 {
		maxFaults = 3
	}
	return &Registry{
		byID:      map[string]*record{},
		byName:    map[string]string{},
		maxFaults: maxFaults,
	}
}

// Install validates permissions against allowed and registers meta in the
// Registered state (spec §4.3: "Install validates the manifest ... and
// transitions state to Registered").
func (r *Registry) Install(meta Meta, allowedCapabilities map[string]struct{}) error {
	if meta.ID == "" {
		return cerr.New(cerr.KindInvalidInput, "skillplane", "skill id must be non-empty")
	}
	for cap := range meta.Permissions {
		if _, ok := allowedCapabilities[cap]; !ok {
			return cerr.New(cerr.KindInvalidInput, "skillplane",
				fmt.Sprintf("skill %q requests ungranted capability %q", meta.ID, cap))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[meta.ID]; exists {
		return cerr.New(cerr.KindConflict, "skillplane", fmt.Sprintf("skill %q already installed", meta.ID))
	}
	r.byID[meta.ID] = &record{meta: meta, state: Registered}
	r.byName[meta.Name] = meta.ID
	return nil
}

// Remove destroys a skill's descriptor and state entirely.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[id]
	if !ok {
		return cerr.New(cerr.KindNotFound, "skillplane", fmt.Sprintf("skill %q not found", id))
	}
	delete(r.byID, id)
	delete(r.byName, rec.meta.Name)
	return nil
}

// Lookup returns a copy of the skill's meta and current state by id.
func (r *Registry) Lookup(id string) (Meta, State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[id]
	if !ok {
		return Meta{}, 0, cerr.New(cerr.KindNotFound, "skillplane", fmt.Sprintf("skill %q not found", id))
	}
	return rec.meta, rec.state, nil
}

// LookupByName resolves a skill id from its name.
func (r *Registry) LookupByName(name string) (Meta, State, error) {
	r.mu.RLock()
	id, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return Meta{}, 0, cerr.New(cerr.KindNotFound, "skillplane", fmt.Sprintf("skill named %q not found", name))
	}
	return r.Lookup(id)
}

// transition performs a state change, enforcing the legal-transition table
// from spec §3: Registered->Loaded->Active, Active->Loaded->Registered,
// any->Failed, Failed->reset->Registered.
func (r *Registry) transition(id string, from []State, to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[id]
	if !ok {
		return cerr.New(cerr.KindNotFound, "skillplane", fmt.Sprintf("skill %q not found", id))
	}
	if to != Failed {
		allowed := false
		for _, f := range from {
			if rec.state == f {
				allowed = true
				break
			}
		}
		if !allowed {
			return cerr.New(cerr.KindInvalidState, "skillplane",
				fmt.Sprintf("skill %q cannot move from %s to %s", id, rec.state, to))
		}
	}
	rec.state = to
	if to == Registered {
		rec.faultCount = 0
	}
	return nil
}

// Load transitions Registered -> Loaded.
func (r *Registry) Load(ctx context.Context, id string) error {
	return r.transition(id, []State{Registered}, Loaded)
}

// Activate transitions Loaded -> Active, subscribing the skill to its
// declared events (subscription wiring is the caller's responsibility via
// internal/bus; this only records the state change).
func (r *Registry) Activate(ctx context.Context, id string) error {
	return r.transition(id, []State{Loaded}, Active)
}

// Deactivate transitions Active -> Loaded.
func (r *Registry) Deactivate(id string) error {
	return r.transition(id, []State{Active}, Loaded)
}

// Unload transitions Loaded -> Registered.
func (r *Registry) Unload(id string) error {
	return r.transition(id, []State{Loaded}, Registered)
}

// RecordFault transitions any state -> Failed once the skill has faulted
// maxFaults times; returns true if this call caused the Failed transition.
func (r *Registry) RecordFault(id string) (quarantined bool, err error) {
	r.mu.Lock()
	rec, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return false, cerr.New(cerr.KindNotFound, "skillplane", fmt.Sprintf("skill %q not found", id))
	}
	rec.faultCount++
	shouldFail := rec.faultCount >= r.maxFaults
	if shouldFail {
		rec.state = Failed
	}
	r.mu.Unlock()
	return shouldFail, nil
}

// Reset transitions Failed -> Registered, clearing fault history.
func (r *Registry) Reset(id string) error {
	return r.transition(id, []State{Failed}, Registered)
}

// Active returns the ids of all skills currently in the Active state that
// are subscribed to eventName (spec §3 invariant: "only Active skills
// receive events").
func (r *Registry) ActiveSubscribers(eventName string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, rec := range r.byID {
		if rec.state != Active {
			continue
		}
		if _, ok := rec.meta.Subscriptions[eventName]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}
