package crossnode

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	cronlib "github.com/robfig/cron/v3"

	"github.com/cis-node/cis/internal/federation"
)

// heartbeatSpec fires every 30 seconds (spec §4.8 "Heartbeat: every 30s").
// Standard 5-field cron cannot express a sub-minute cadence, so this uses
// cronlib's seconds-field parser rather than the minute-granularity
// NewParser configuration used elsewhere for scheduled tasks.
const heartbeatSpec = "*/30 * * * * *"

// HeartbeatScheduler broadcasts a HeartbeatEvent for a local-wrap Proxy to
// every peer in its room on a fixed cadence, and stops cleanly on Shutdown.
type HeartbeatScheduler struct {
	proxy  *Proxy
	logger *slog.Logger
	cron   *cronlib.Cron
}

// NewHeartbeatScheduler builds a scheduler for proxy. Start must be called
// to begin broadcasting.
func NewHeartbeatScheduler(proxy *Proxy) *HeartbeatScheduler {
	logger := proxy.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HeartbeatScheduler{
		proxy:  proxy,
		logger: logger,
		cron:   cronlib.New(cronlib.WithSeconds()),
	}
}

// Start registers the heartbeat job and begins the scheduler's internal
// goroutine.
func (h *HeartbeatScheduler) Start() error {
	_, err := h.cron.AddFunc(heartbeatSpec, h.beat)
	if err != nil {
		return err
	}
	h.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight job to finish.
func (h *HeartbeatScheduler) Stop() {
	ctx := h.cron.Stop()
	<-ctx.Done()
}

func (h *HeartbeatScheduler) beat() {
	if h.proxy.Room == nil {
		return
	}
	payload := HeartbeatEvent{
		AgentID: h.proxy.AgentID,
		NodeID:  h.proxy.LocalNodeID,
		Status:  "online",
	}
	fe, err := federation.EncodeFrame(federation.EventTypeHeartbeat, payload)
	if err != nil {
		h.logger.Warn("crossnode_heartbeat_encode_failed", slog.String("error", err.Error()))
		return
	}
	ev := federation.Event{
		EventID:  uuid.NewString(),
		RoomID:   h.proxy.Room.ID,
		Sender:   h.proxy.LocalNodeID,
		Type:     federation.EventTypeHeartbeat,
		Content:  fe.Content,
		OriginTS: time.Now(),
	}
	if _, err := h.proxy.Room.Append(ev); err != nil {
		h.logger.Warn("crossnode_heartbeat_append_failed", slog.String("error", err.Error()))
		return
	}
	if h.proxy.EventBus != nil {
		h.proxy.EventBus.Publish(federation.EventTypeHeartbeat, ev)
	}
}
