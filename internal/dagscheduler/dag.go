// Package dagscheduler implements the event-driven DAG Scheduler (spec
// §4.5): task-graph validation, a reactive driver loop, and the agent pool
// tasks execute on. The graph/validation shape is adapted from the
// teacher's coordinator.Plan; the execution driver is new (spec §4.5
// requires reactive notifications rather than the teacher's barrier-
// synchronized wave executor).
package dagscheduler

import (
	"fmt"
	"sort"

	"github.com/cis-node/cis/internal/cerr"
)

// NodeStatus is a DagNode's lifecycle state (spec §3 DagNode).
type NodeStatus int

const (
	Pending NodeStatus = iota
	Ready
	Running
	Completed
	Failed
	Skipped
)

func (s NodeStatus) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "skipped"
	}
}

// Node is a single task in a DagRun (spec §3 DagNode).
type Node struct {
	ID         string
	AgentID    string
	Payload    string
	DependsOn  []string
	MaxRetries int

	// AgentRuntime names the runtime kind (e.g. "claude", "aider") the node
	// must execute on; the AgentPool is keyed by this value (spec §4.6).
	// Empty selects DefaultRuntimeKind.
	AgentRuntime string
	// ReuseAgentID pins this node to a specific previously-Reserved agent
	// handle instead of acquiring any idle agent of AgentRuntime's kind
	// (spec §4.5 step 2: an earlier node in the same or a prior run must
	// have completed with KeepAgent set for the id to still be claimable).
	ReuseAgentID string
	// KeepAgent, when true, returns this node's agent to the pool as
	// Reserved rather than Idle on completion, so only a later node
	// naming its id via ReuseAgentID can claim it (spec §4.5 step 6).
	KeepAgent bool

	Status     NodeStatus
	Attempt    int
	Output     string
	Error      string
	CostUSD    float64
	DurationMs int64
}

// DAG is a task graph owned exclusively by one DagRun (spec §3 ownership:
// "The Scheduler exclusively owns each DagRun").
type DAG struct {
	RunID string
	Nodes map[string]*Node
}

// New returns an empty DAG for runID.
func New(runID string) *DAG {
	return &DAG{RunID: runID, Nodes: map[string]*Node{}}
}

// AddNode registers a node in Pending status.
func (d *DAG) AddNode(n Node) error {
	if n.ID == "" {
		return cerr.New(cerr.KindInvalidInput, "dagscheduler", "node id must be non-empty")
	}
	if _, exists := d.Nodes[n.ID]; exists {
		return cerr.New(cerr.KindConflict, "dagscheduler", fmt.Sprintf("duplicate node id %q", n.ID))
	}
	n.Status = Pending
	d.Nodes[n.ID] = &n
	return nil
}

// Validate checks for dangling dependencies and cycles, returning a
// topological ordering (spec §4.5 admission: a run must validate before any
// node becomes Ready).
func (d *DAG) Validate() ([]string, error) {
	if len(d.Nodes) == 0 {
		return nil, cerr.New(cerr.KindInvalidInput, "dagscheduler", "dag has no nodes")
	}
	for _, n := range d.Nodes {
		for _, dep := range n.DependsOn {
			if _, ok := d.Nodes[dep]; !ok {
				return nil, cerr.New(cerr.KindInvalidInput, "dagscheduler",
					fmt.Sprintf("node %q depends on nonexistent node %q", n.ID, dep))
			}
		}
	}

	inDegree := make(map[string]int, len(d.Nodes))
	dependents := make(map[string][]string, len(d.Nodes))
	for id, n := range d.Nodes {
		inDegree[id] = len(n.DependsOn)
		for _, dep := range n.DependsOn {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	var order []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		var next []string
		for _, dependent := range dependents[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				next = append(next, dependent)
			}
		}
		sort.Strings(next)
		queue = append(queue, next...)
	}

	if len(order) != len(d.Nodes) {
		return nil, cerr.New(cerr.KindInvalidInput, "dagscheduler", "cycle detected in dag")
	}
	return order, nil
}

// ReadyNodes returns the ids of Pending nodes whose dependencies are all
// Completed, transitioning them to Ready (spec §4.5 "Ready notification —
// signalled when a task becomes Ready").
func (d *DAG) ReadyNodes() []string {
	var ready []string
	for id, n := range d.Nodes {
		if n.Status != Pending {
			continue
		}
		allDepsDone := true
		for _, dep := range n.DependsOn {
			if d.Nodes[dep].Status != Completed {
				allDepsDone = false
				break
			}
		}
		if allDepsDone {
			n.Status = Ready
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

// MarkDescendantsSkipped transitions every not-yet-terminal descendant of a
// failed node to Skipped, so a failure doesn't leave dependents stuck
// Pending forever (spec §4.5 failure propagation).
func (d *DAG) MarkDescendantsSkipped(failedID string) {
	visited := map[string]bool{}
	var visit func(id string)
	visit = func(id string) {
		for nodeID, n := range d.Nodes {
			dependsOnID := false
			for _, dep := range n.DependsOn {
				if dep == id {
					dependsOnID = true
					break
				}
			}
			if !dependsOnID || visited[nodeID] {
				continue
			}
			visited[nodeID] = true
			if n.Status == Pending || n.Status == Ready {
				n.Status = Skipped
			}
			visit(nodeID)
		}
	}
	visit(failedID)
}

// Done reports whether every node has reached a terminal status.
func (d *DAG) Done() bool {
	for _, n := range d.Nodes {
		switch n.Status {
		case Completed, Failed, Skipped:
			continue
		default:
			return false
		}
	}
	return true
}

// Failed reports whether any node ended in Failed.
func (d *DAG) Failed() bool {
	for _, n := range d.Nodes {
		if n.Status == Failed {
			return true
		}
	}
	return false
}
