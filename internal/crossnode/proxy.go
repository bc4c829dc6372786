// Package crossnode implements the Cross-Node Agent Proxy (spec §4.8): a
// façade that exposes the Agent contract (execute/shutdown/status) but may
// dispatch either to a locally-owned agent or, correlated over the
// Federation Fabric, to an agent running on a remote node.
package crossnode

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cis-node/cis/internal/bus"
	"github.com/cis-node/cis/internal/cerr"
	"github.com/cis-node/cis/internal/federation"
)

// DefaultTaskTimeout bounds a remote execute call (spec §4.8 "default 300s").
const DefaultTaskTimeout = 300 * time.Second

// AgentStatus is the façade's reported status.
type AgentStatus struct {
	AgentID string
	NodeID  string
	Online  bool
	Mode    string // "local" or "remote"
}

// Task is the unit of work dispatched through the proxy.
type Task struct {
	TaskID  string
	Payload string
}

// TaskOutput is the result of a completed Task.
type TaskOutput struct {
	TaskID  string
	Output  string
	Err     string
}

// LocalAgent is the contract a locally-owned agent must satisfy for
// wrap_local mode (spec §4.8 "wraps a locally-owned agent").
type LocalAgent interface {
	Execute(ctx context.Context, task Task) (TaskOutput, error)
	Shutdown(ctx context.Context) error
}

// TaskRequestEvent is the federation event emitted for a remote execute
// call (spec §4.8 "emits a TaskRequest{...} event into the Room").
type TaskRequestEvent struct {
	RequestID    string `json:"request_id"`
	FromAgent    string `json:"from_agent"`
	ToAgent      string `json:"to_agent"`
	Task         Task   `json:"task"`
	TimeoutSecs  int    `json:"timeout_secs"`
}

// TaskResponseEvent carries a remote execution's result back.
type TaskResponseEvent struct {
	RequestID string `json:"request_id"`
	Output    string `json:"output"`
	Err       string `json:"err,omitempty"`
}

// HeartbeatEvent is broadcast every 30s to all known room peers (spec
// §4.8 "Heartbeat").
type HeartbeatEvent struct {
	AgentID string `json:"agent_id"`
	NodeID  string `json:"node_id"`
	Status  string `json:"status"`
}

// Proxy is the Cross-Node Agent Proxy façade. Exactly one of Local or
// RemoteNodeID is set, selecting local-wrap vs remote-proxy mode.
type Proxy struct {
	AgentID      string
	LocalNodeID  string
	RemoteNodeID string // non-empty in remote-proxy mode
	Room         *federation.Room
	Local        LocalAgent // non-nil in local-wrap mode
	EventBus     *bus.Bus
	Logger       *slog.Logger

	pending *pendingTable
}

// New constructs a Proxy. Exactly one of local or remoteNodeID should be
// supplied by the caller; passing both or neither is a caller error
// surfaced on the first Execute call rather than at construction, matching
// the teacher's registry pattern of validating lazily inside operations.
func New(agentID, localNodeID string, room *federation.Room, b *bus.Bus, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{
		AgentID:     agentID,
		LocalNodeID: localNodeID,
		Room:        room,
		EventBus:    b,
		Logger:      logger,
		pending:     newPendingTable(),
	}
}

// Execute runs task either against the wrapped local agent or, in
// remote-proxy mode, as a correlated request/response over federation
// (spec §4.8 "Remote execution protocol").
func (p *Proxy) Execute(ctx context.Context, task Task) (TaskOutput, error) {
	if p.Local != nil {
		return p.Local.Execute(ctx, task)
	}
	if p.RemoteNodeID == "" {
		return TaskOutput{}, cerr.New(cerr.KindConfiguration, "crossnode", "proxy has neither a local agent nor a remote node configured")
	}
	return p.executeRemote(ctx, task)
}

func (p *Proxy) executeRemote(ctx context.Context, task Task) (TaskOutput, error) {
	if p.Room == nil {
		return TaskOutput{}, cerr.New(cerr.KindConfiguration, "crossnode", "no room configured for remote execution")
	}

	requestID := uuid.NewString()
	timeout := DefaultTaskTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 && d < timeout {
			timeout = d
		}
	}

	reply := p.pending.register(requestID, timeout)
	defer p.pending.remove(requestID)

	evt := TaskRequestEvent{
		RequestID:   requestID,
		FromAgent:   p.AgentID,
		ToAgent:     p.RemoteNodeID,
		Task:        task,
		TimeoutSecs: int(timeout.Seconds()),
	}
	fe, err := federation.EncodeFrame(federation.EventTypeTaskRequest, evt)
	if err != nil {
		return TaskOutput{}, err
	}
	roomEvent := federation.Event{
		EventID:  requestID,
		RoomID:   p.Room.ID,
		Sender:   p.LocalNodeID,
		Type:     federation.EventTypeTaskRequest,
		Content:  fe.Content,
		OriginTS: time.Now(),
	}
	if _, err := p.Room.Append(roomEvent); err != nil {
		return TaskOutput{}, err
	}
	if p.EventBus != nil {
		p.EventBus.Publish(federation.EventTypeTaskRequest, roomEvent)
	}

	select {
	case resp := <-reply:
		if resp.Err != "" {
			return TaskOutput{}, cerr.New(cerr.KindInternal, "crossnode", resp.Err)
		}
		return TaskOutput{TaskID: task.TaskID, Output: resp.Output}, nil
	case <-time.After(timeout):
		return TaskOutput{}, cerr.New(cerr.KindTimeout, "crossnode", fmt.Sprintf("task execution timed out after %s", timeout))
	case <-ctx.Done():
		return TaskOutput{}, ctx.Err()
	}
}

// HandleResponse delivers an inbound TaskResponseEvent to the matching
// PendingRequest, if any (spec §4.8 invariant: "each request_id is
// resolved at most once; duplicate responses are dropped; a response to an
// unknown request_id is logged and discarded").
func (p *Proxy) HandleResponse(evt TaskResponseEvent) {
	if !p.pending.resolve(evt.RequestID, evt) {
		p.Logger.Warn("crossnode_unknown_response",
			slog.String("request_id", evt.RequestID))
	}
}

// Shutdown tears down the proxy: in local-wrap mode it shuts down the
// wrapped agent and broadcasts AgentUnregistered.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.pending.stopSweeper()
	if p.Local == nil {
		return nil
	}
	if err := p.Local.Shutdown(ctx); err != nil {
		return err
	}
	p.broadcastLifecycle(federation.EventTypeAgentUnregistered)
	return nil
}

// Register announces a newly-created local-wrap agent to the room (spec
// §4.8 "on wrap_local creation, AgentRegistered is broadcast").
func (p *Proxy) Register() {
	p.broadcastLifecycle(federation.EventTypeAgentRegistered)
}

func (p *Proxy) broadcastLifecycle(eventType string) {
	if p.Room == nil {
		return
	}
	payload := map[string]string{"agent_id": p.AgentID, "node_id": p.LocalNodeID}
	fe, err := federation.EncodeFrame(eventType, payload)
	if err != nil {
		return
	}
	ev := federation.Event{
		EventID: uuid.NewString(), RoomID: p.Room.ID, Sender: p.LocalNodeID,
		Type: eventType, Content: fe.Content, OriginTS: time.Now(),
	}
	if _, err := p.Room.Append(ev); err == nil && p.EventBus != nil {
		p.EventBus.Publish(eventType, ev)
	}
}

// Status reports the façade's current mode and identity.
func (p *Proxy) Status() AgentStatus {
	if p.Local != nil {
		return AgentStatus{AgentID: p.AgentID, NodeID: p.LocalNodeID, Online: true, Mode: "local"}
	}
	return AgentStatus{AgentID: p.AgentID, NodeID: p.RemoteNodeID, Online: p.RemoteNodeID != "", Mode: "remote"}
}
