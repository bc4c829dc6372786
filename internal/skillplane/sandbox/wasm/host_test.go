package wasm

import (
	"context"
	"testing"
)

// minimalWASMModule is the smallest legal WASM binary: just the magic
// number and version, no sections (no memory, no functions, no imports).
var minimalWASMModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func newTestHost(t *testing.T) *Host {
	t.Helper()
	ctx := context.Background()
	h, err := NewHost(ctx, Config{})
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	t.Cleanup(func() { h.Close(ctx) })
	return h
}

func TestLoadRejectsGarbageBytes(t *testing.T) {
	h := newTestHost(t)
	_, err := h.Load(context.Background(), "bad", []byte{0xDE, 0xAD, 0xBE, 0xEF})
	if err == nil {
		t.Fatal("expected error loading non-wasm bytes")
	}
	fault, ok := err.(*Fault)
	if !ok || fault.Reason != FaultInvalidModule {
		t.Fatalf("want FaultInvalidModule, got %#v", err)
	}
}

func TestLoadAcceptsMinimalModule(t *testing.T) {
	h := newTestHost(t)
	report, err := h.Load(context.Background(), "empty", minimalWASMModule)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if report.Module != "empty" {
		t.Fatalf("want module name recorded in report, got %q", report.Module)
	}
}

func TestCallRejectsDeadlineAboveMax(t *testing.T) {
	h := newTestHost(t)
	if _, err := h.Load(context.Background(), "empty", minimalWASMModule); err != nil {
		t.Fatal(err)
	}
	_, err := h.Call(context.Background(), "empty", "run", MaxDeadline+1)
	if err == nil {
		t.Fatal("expected rejection of deadline above max")
	}
}

func TestCallUnknownModule(t *testing.T) {
	h := newTestHost(t)
	_, err := h.Call(context.Background(), "nope", "run", 0)
	if err == nil {
		t.Fatal("expected error for unknown module")
	}
}
