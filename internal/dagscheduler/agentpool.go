package dagscheduler

import (
	"fmt"
	"sync"

	"github.com/cis-node/cis/internal/cerr"
)

// AgentState is an agent's availability (spec §4.5 Agent Pool).
type AgentState int

const (
	Idle AgentState = iota
	Busy
	// Reserved agents are held for a specific future ReuseAgentID claim
	// (spec §4.5 step 6 keep_agent) rather than handed to any caller.
	Reserved
	ShuttingDown
)

func (s AgentState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Busy:
		return "busy"
	case Reserved:
		return "reserved"
	default:
		return "shutting_down"
	}
}

// DefaultRuntimeKind is the runtime kind a Node with no AgentRuntime set
// acquires from (spec §4.5 default_runtime).
const DefaultRuntimeKind = "default"

// AgentHandle is a pooled agent slot, keyed by the runtime it runs on (spec
// §4.6 Agent Pool: "{agent_id, runtime_kind, state}").
type AgentHandle struct {
	AgentID     string
	RuntimeKind string
	State       AgentState
}

// agentSlot is the pool's internal mutable record behind an AgentHandle.
type agentSlot struct {
	id    string
	kind  string
	state AgentState
}

func (s *agentSlot) handle() AgentHandle {
	return AgentHandle{AgentID: s.id, RuntimeKind: s.kind, State: s.state}
}

// AgentPool hands out agent handles to the Driver for task execution,
// enforcing a fixed per-runtime-kind concurrency ceiling (spec §4.6:
// "Keyed by runtime_kind"). Each kind gets its own slice of size slots,
// created lazily the first time that kind is requested.
type AgentPool struct {
	mu     sync.Mutex
	size   int
	byID   map[string]*agentSlot
	byKind map[string][]*agentSlot
}

// NewAgentPool returns a pool that allows up to size concurrently-acquired
// agents per runtime kind.
func NewAgentPool(size int) *AgentPool {
	return &AgentPool{size: size, byID: map[string]*agentSlot{}, byKind: map[string][]*agentSlot{}}
}

func (p *AgentPool) slotsForKindLocked(kind string) []*agentSlot {
	if kind == "" {
		kind = DefaultRuntimeKind
	}
	slots, ok := p.byKind[kind]
	if ok {
		return slots
	}
	slots = make([]*agentSlot, p.size)
	for i := range slots {
		s := &agentSlot{id: fmt.Sprintf("%s-agent-%d", kind, i), kind: kind, state: Idle}
		slots[i] = s
		p.byID[s.id] = s
	}
	p.byKind[kind] = slots
	return slots
}

// Acquire reserves the first Idle agent of runtimeKind, returning its
// handle. Empty runtimeKind selects DefaultRuntimeKind.
func (p *AgentPool) Acquire(runtimeKind string) (AgentHandle, error) {
	return p.AcquireOrReuse(runtimeKind, "")
}

// AcquireOrReuse behaves like Acquire, but first tries to reclaim the
// specific agent named by reuseAgentID if it is Idle or Reserved (spec
// §4.5 step 2). Falls back to any Idle agent of runtimeKind if reuseAgentID
// is empty, not found, or already Busy/ShuttingDown.
func (p *AgentPool) AcquireOrReuse(runtimeKind, reuseAgentID string) (AgentHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if runtimeKind == "" {
		runtimeKind = DefaultRuntimeKind
	}
	slots := p.slotsForKindLocked(runtimeKind)

	if reuseAgentID != "" {
		if s, ok := p.byID[reuseAgentID]; ok && s.kind == runtimeKind && (s.state == Idle || s.state == Reserved) {
			s.state = Busy
			return s.handle(), nil
		}
	}

	for _, s := range slots {
		if s.state == Idle {
			s.state = Busy
			return s.handle(), nil
		}
	}
	return AgentHandle{}, cerr.New(cerr.KindResourceLimit, "dagscheduler",
		fmt.Sprintf("no idle agents available for runtime kind %q", runtimeKind))
}

// Release returns an agent to Idle, making it available to any caller
// requesting its runtime kind.
func (p *AgentPool) Release(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot, ok := p.byID[id]
	if !ok {
		return cerr.New(cerr.KindNotFound, "dagscheduler", fmt.Sprintf("agent %q not found", id))
	}
	if slot.state != ShuttingDown {
		slot.state = Idle
	}
	return nil
}

// Reserve returns an agent to the Reserved state: it stays out of general
// circulation until a node names it via ReuseAgentID (spec §4.5 step 6
// keep_agent=true), or the pool is torn down.
func (p *AgentPool) Reserve(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot, ok := p.byID[id]
	if !ok {
		return cerr.New(cerr.KindNotFound, "dagscheduler", fmt.Sprintf("agent %q not found", id))
	}
	if slot.state != ShuttingDown {
		slot.state = Reserved
	}
	return nil
}

// Kill marks an agent ShuttingDown so it is never handed out again.
func (p *AgentPool) Kill(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot, ok := p.byID[id]
	if !ok {
		return cerr.New(cerr.KindNotFound, "dagscheduler", fmt.Sprintf("agent %q not found", id))
	}
	slot.state = ShuttingDown
	return nil
}

// KillAll marks every agent across every runtime kind ShuttingDown (spec
// §4.5: a Critical severity error aborts the run by killing every active
// agent, not just the one that raised it).
func (p *AgentPool) KillAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, slot := range p.byID {
		slot.state = ShuttingDown
	}
}

// Get returns an agent's current handle.
func (p *AgentPool) Get(id string) (AgentHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot, ok := p.byID[id]
	if !ok {
		return AgentHandle{}, cerr.New(cerr.KindNotFound, "dagscheduler", fmt.Sprintf("agent %q not found", id))
	}
	return slot.handle(), nil
}

// Available reports the count of Idle agents across every runtime kind.
func (p *AgentPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, slot := range p.byID {
		if slot.state == Idle {
			n++
		}
	}
	return n
}
