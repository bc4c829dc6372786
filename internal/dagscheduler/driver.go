package dagscheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cis-node/cis/internal/bus"
)

// Bus topics published by the Driver (spec §4.5: "Ready notification —
// signalled when a task becomes Ready"; "Completion notification"; "Error
// notification"). Adapted from internal/bus's task.* topic family.
const (
	TopicNodeReady     = "dag.node.ready"
	TopicNodeCompleted = "dag.node.completed"
	TopicNodeFailed    = "dag.node.failed"
	TopicRunCompleted  = "dag.run.completed"
	TopicRunAborted    = "dag.run.aborted"
	TopicRunHealth     = "dag.run.health"
)

// HealthTickInterval is the cadence of the Driver's periodic health
// notification while a run is in flight (spec §4.5 "periodic health tick").
const HealthTickInterval = 60 * time.Second

// DefaultMaxConcurrentTasks is the Driver's admission ceiling when
// NewDriver is given maxConcurrentTasks <= 0 (spec §4.5: "default 4,
// configurable"; spec §8 invariant "admission_counter ≤
// max_concurrent_tasks").
const DefaultMaxConcurrentTasks = 4

// UpstreamOutputTruncateLen caps each dependency's output embedded into a
// downstream node's prompt (spec §4.5 step 3).
const UpstreamOutputTruncateLen = 10000

// NodeReadyEvent is published on TopicNodeReady.
type NodeReadyEvent struct {
	RunID  string
	NodeID string
}

// NodeCompletedEvent is published on TopicNodeCompleted.
type NodeCompletedEvent struct {
	RunID      string
	NodeID     string
	Output     string
	DurationMs int64
	CostUSD    float64
}

// NodeFailedEvent is published on TopicNodeFailed.
type NodeFailedEvent struct {
	RunID   string
	NodeID  string
	Err     string
	Attempt int
}

// RunHealthEvent is published every HealthTickInterval while a run executes.
type RunHealthEvent struct {
	RunID      string
	Pending    int
	Running    int
	Completed  int
	Failed     int
	Skipped    int
	IdleAgents int
}

// RunAbortedEvent is published once, when a Critical-severity node error
// aborts the entire run (spec §4.5).
type RunAbortedEvent struct {
	RunID  string
	NodeID string
	Err    string
}

// Severity classifies a node execution error (spec §4.5). It governs how
// the Driver reacts: Warning logs and leaves the node to retry, Error
// follows the ordinary retry-then-fail path, and Critical aborts the
// entire run.
type Severity int

const (
	SeverityError Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "error"
	}
}

// severityErr tags an error with an explicit Severity. Executors that can
// distinguish a transient hiccup from a fatal, run-ending fault construct
// one with Warning or Critical; an error with no severityErr in its chain
// classifies as SeverityError.
type severityErr struct {
	err      error
	severity Severity
}

func (e *severityErr) Error() string { return e.err.Error() }
func (e *severityErr) Unwrap() error { return e.err }

// Warning wraps err as a Warning-severity node error: the Driver logs it
// and leaves the node for another dispatch pass instead of consuming a
// retry or failing the node.
func Warning(err error) error {
	if err == nil {
		return nil
	}
	return &severityErr{err: err, severity: SeverityWarning}
}

// Critical wraps err as a Critical-severity node error: the Driver aborts
// the entire run, kills every pooled agent, and marks every non-terminal
// node Failed (spec §4.5).
func Critical(err error) error {
	if err == nil {
		return nil
	}
	return &severityErr{err: err, severity: SeverityCritical}
}

// Classify extracts the Severity of err, defaulting to SeverityError when
// err (or nothing it wraps) was constructed with Warning or Critical.
func Classify(err error) Severity {
	var se *severityErr
	if errors.As(err, &se) {
		return se.severity
	}
	return SeverityError
}

// Executor runs a single node to completion. Implementations dispatch to
// the Skill Plane (native or WASM sandbox) or the Semantic Router, keeping
// the Driver itself substrate-agnostic about how a node's payload
// executes. upstream carries each completed dependency's Output keyed by
// node id, so an Executor can build the "## Upstream Outputs for <id>"
// prompt spec §4.5 step 3 requires (see BuildUpstreamContext).
type Executor interface {
	Execute(ctx context.Context, node *Node, upstream map[string]string) (output string, err error)
}

// ExecutorFunc adapts a plain function to Executor.
type ExecutorFunc func(ctx context.Context, node *Node, upstream map[string]string) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, node *Node, upstream map[string]string) (string, error) {
	return f(ctx, node, upstream)
}

// BuildUpstreamContext renders the "## Upstream Outputs for <id>" context
// block a node's prompt is prefixed with (spec §4.5 step 3, §8 scenario 1:
// a chain step's input must include its upstream's output). Returns "" for
// a node with no dependencies.
func BuildUpstreamContext(node *Node, upstream map[string]string) string {
	if len(node.DependsOn) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "## Upstream Outputs for %s\n\n", node.ID)
	for _, dep := range node.DependsOn {
		output, ok := upstream[dep]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "### Output from %s\n\n%s\n---\n\n", dep, truncateOutput(output))
	}
	return b.String()
}

func truncateOutput(output string) string {
	if len(output) <= UpstreamOutputTruncateLen {
		return output
	}
	return fmt.Sprintf("%s\n\n[... truncated, total length: %d characters ...]",
		output[:UpstreamOutputTruncateLen], len(output))
}

// Driver is the reactive, event-driven run loop for a single DagRun (spec
// §4.5). Unlike the teacher's wave-based barrier-synchronized
// coordinator.Executor — which computes one topological wave, runs every
// step in it, and blocks until the whole wave finishes before computing the
// next — the Driver reacts to individual node completions as they arrive,
// immediately recomputing and dispatching newly-Ready nodes without waiting
// for sibling nodes in the same wave. This lets independent branches of the
// graph run at different depths concurrently instead of lock-stepping on
// the slowest node per wave.
type Driver struct {
	dag      *DAG
	pool     *AgentPool
	exec     Executor
	bus      *bus.Bus
	logger   *slog.Logger
	maxRetry int

	// maxConcurrentTasks bounds how many nodes this Driver will have
	// in-flight at once, independent of AgentPool size (spec §4.5
	// "default 4, configurable"; spec §8 "admission_counter ≤
	// max_concurrent_tasks").
	maxConcurrentTasks int
	aborted            bool
}

// NewDriver constructs a Driver for dag, dispatching ready nodes to pool
// slots and executing them via exec. Completion/failure/health
// notifications are published on b. maxConcurrentTasks <= 0 selects
// DefaultMaxConcurrentTasks.
func NewDriver(dag *DAG, pool *AgentPool, exec Executor, b *bus.Bus, logger *slog.Logger, maxConcurrentTasks int) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	if maxConcurrentTasks <= 0 {
		maxConcurrentTasks = DefaultMaxConcurrentTasks
	}
	return &Driver{dag: dag, pool: pool, exec: exec, bus: b, logger: logger, maxConcurrentTasks: maxConcurrentTasks}
}

type nodeOutcome struct {
	nodeID     string
	output     string
	durationMs int64
	err        error
}

// Run drives the DAG to completion, abort, or ctx cancellation. It
// validates the graph once up front, then loops: dispatch every
// currently-Ready node up to the admission ceiling, wait for the next
// outcome or health tick, apply it, recompute readiness, repeat until
// Done(). Returns a non-nil error if a Critical-severity node error
// aborted the run.
func (d *Driver) Run(ctx context.Context) error {
	if _, err := d.dag.Validate(); err != nil {
		return err
	}

	outcomes := make(chan nodeOutcome, len(d.dag.Nodes)+1)
	ticker := time.NewTicker(HealthTickInterval)
	defer ticker.Stop()

	inFlight := 0
	dispatch := func() {
		candidates := d.dag.ReadyNodes()
		for id, n := range d.dag.Nodes {
			if n.Status == Ready {
				candidates = append(candidates, id)
			}
		}
		for _, id := range candidates {
			if inFlight >= d.maxConcurrentTasks {
				return
			}
			node := d.dag.Nodes[id]
			if node.Status != Ready {
				continue
			}
			handle, err := d.pool.AcquireOrReuse(node.AgentRuntime, node.ReuseAgentID)
			if err != nil {
				// No free agent: leave the node Ready. It stays a dispatch
				// candidate on every subsequent pass until one frees up.
				continue
			}
			node.AgentID = handle.AgentID
			node.Status = Running
			node.Attempt++
			inFlight++
			upstream := d.upstreamOutputs(node)
			d.bus.Publish(TopicNodeReady, NodeReadyEvent{RunID: d.dag.RunID, NodeID: id})
			go d.runNode(ctx, node, upstream, outcomes)
		}
	}

	dispatch()
	for !d.dag.Done() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.publishHealth()
		case out := <-outcomes:
			inFlight--
			node := d.dag.Nodes[out.nodeID]
			if node.KeepAgent {
				d.pool.Reserve(node.AgentID)
			} else {
				d.pool.Release(node.AgentID)
			}
			d.applyOutcome(node, out)
			if !d.aborted {
				dispatch()
			}
		}
	}

	if d.aborted {
		return errRunAborted
	}
	d.bus.Publish(TopicRunCompleted, d.dag.RunID)
	return nil
}

var errRunAborted = errors.New("dag run aborted by a critical node error")

// upstreamOutputs collects the Output of every node in node.DependsOn,
// read before the goroutine is spawned so runNode never touches the
// shared DAG concurrently with the driver loop.
func (d *Driver) upstreamOutputs(node *Node) map[string]string {
	if len(node.DependsOn) == 0 {
		return nil
	}
	out := make(map[string]string, len(node.DependsOn))
	for _, dep := range node.DependsOn {
		if n, ok := d.dag.Nodes[dep]; ok {
			out[dep] = n.Output
		}
	}
	return out
}

func (d *Driver) runNode(ctx context.Context, node *Node, upstream map[string]string, outcomes chan<- nodeOutcome) {
	start := time.Now()
	output, err := d.exec.Execute(ctx, node, upstream)
	outcomes <- nodeOutcome{
		nodeID:     node.ID,
		output:     output,
		durationMs: time.Since(start).Milliseconds(),
		err:        err,
	}
}

func (d *Driver) applyOutcome(node *Node, out nodeOutcome) {
	node.DurationMs = out.durationMs
	if out.err == nil {
		node.Status = Completed
		node.Output = out.output
		d.bus.Publish(TopicNodeCompleted, NodeCompletedEvent{
			RunID: d.dag.RunID, NodeID: node.ID, Output: out.output, DurationMs: out.durationMs,
		})
		return
	}

	switch Classify(out.err) {
	case SeverityWarning:
		node.Status = Pending
		d.logger.Warn("dag_node_warning",
			slog.String("run_id", d.dag.RunID),
			slog.String("node_id", node.ID),
			slog.String("error", out.err.Error()))
		return
	case SeverityCritical:
		d.abort(node, out.err)
		return
	}

	if node.Attempt <= node.MaxRetries {
		node.Status = Pending
		d.logger.Warn("dag_node_retrying",
			slog.String("run_id", d.dag.RunID),
			slog.String("node_id", node.ID),
			slog.Int("attempt", node.Attempt),
			slog.String("error", out.err.Error()))
		return
	}

	node.Status = Failed
	node.Error = out.err.Error()
	d.bus.Publish(TopicNodeFailed, NodeFailedEvent{
		RunID: d.dag.RunID, NodeID: node.ID, Err: out.err.Error(), Attempt: node.Attempt,
	})
	d.dag.MarkDescendantsSkipped(node.ID)
}

// abort handles a Critical-severity node error: the node and every other
// non-terminal node in the run are marked Failed, every pooled agent is
// killed, and the run loop is told to stop (spec §4.5: Critical "aborts
// the entire run").
func (d *Driver) abort(node *Node, cause error) {
	node.Status = Failed
	node.Error = cause.Error()
	d.logger.Error("dag_run_aborted",
		slog.String("run_id", d.dag.RunID),
		slog.String("node_id", node.ID),
		slog.String("error", cause.Error()))

	for _, n := range d.dag.Nodes {
		if n.Status != Completed && n.Status != Failed && n.Status != Skipped {
			n.Status = Failed
			if n.Error == "" {
				n.Error = "run aborted: " + cause.Error()
			}
		}
	}
	d.pool.KillAll()
	d.aborted = true
	d.bus.Publish(TopicRunAborted, RunAbortedEvent{RunID: d.dag.RunID, NodeID: node.ID, Err: cause.Error()})
}

func (d *Driver) publishHealth() {
	health := RunHealthEvent{RunID: d.dag.RunID, IdleAgents: d.pool.Available()}
	for _, n := range d.dag.Nodes {
		switch n.Status {
		case Pending, Ready:
			health.Pending++
		case Running:
			health.Running++
		case Completed:
			health.Completed++
		case Failed:
			health.Failed++
		case Skipped:
			health.Skipped++
		}
	}
	d.bus.Publish(TopicRunHealth, health)
}
