package otelobs

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.DagRunDuration == nil {
		t.Error("DagRunDuration is nil")
	}
	if m.DagNodeDuration == nil {
		t.Error("DagNodeDuration is nil")
	}
	if m.DagNodesFailed == nil {
		t.Error("DagNodesFailed is nil")
	}
	if m.SandboxInvokeDuration == nil {
		t.Error("SandboxInvokeDuration is nil")
	}
	if m.SandboxFaults == nil {
		t.Error("SandboxFaults is nil")
	}
	if m.HandshakeDuration == nil {
		t.Error("HandshakeDuration is nil")
	}
	if m.HandshakeDenials == nil {
		t.Error("HandshakeDenials is nil")
	}
	if m.AdmissionRejects == nil {
		t.Error("AdmissionRejects is nil")
	}
	if m.RouterQueueDepth == nil {
		t.Error("RouterQueueDepth is nil")
	}
	if m.MemoryGuardConflicts == nil {
		t.Error("MemoryGuardConflicts is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
