package main

import (
	"testing"

	"github.com/cis-node/cis/internal/bus"
	"github.com/cis-node/cis/internal/certpin"
	"github.com/cis-node/cis/internal/dagscheduler"
	"github.com/cis-node/cis/internal/federation"
	"github.com/cis-node/cis/internal/persistence"
	"github.com/cis-node/cis/internal/policy"
	"github.com/cis-node/cis/internal/skillplane"
)

// newTestRuntime builds a runtime against a fresh temp-dir store without
// going through newRuntime's full bootstrap (no telemetry exporter, no
// audit sink) — command handlers only touch the fields populated here.
func newTestRuntime(t *testing.T) *runtime {
	t.Helper()
	store, err := persistence.Open(persistence.DefaultDBPath(t.TempDir()))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return &runtime{
		store:    store,
		policy:   policy.Default(),
		skills:   skillplane.New(3),
		rooms:    federation.NewRegistry(),
		peers:    federation.NewDirectory(),
		certpins: certpin.New(store, 0),
		pool:     dagscheduler.NewAgentPool(2),
		bus:      bus.New(),
		dagRuns:  map[string]*dagscheduler.DAG{},
	}
}
