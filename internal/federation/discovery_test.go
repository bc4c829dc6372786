package federation

import (
	"context"
	"testing"
)

func TestDiscoverAllStaticListWinsOnDuplicate(t *testing.T) {
	static := StaticList{Peers: []PeerInfo{{NodeID: "node-a", Endpoint: "static:1"}}}
	other := fakeDiscoverer{peers: []PeerInfo{{NodeID: "node-a", Endpoint: "other:2"}, {NodeID: "node-b", Endpoint: "other:3"}}}

	merged := DiscoverAll(context.Background(), static, other)
	if len(merged) != 2 {
		t.Fatalf("want 2 merged peers, got %d", len(merged))
	}
	byID := map[string]PeerInfo{}
	for _, p := range merged {
		byID[p.NodeID] = p
	}
	if byID["node-a"].Endpoint != "static:1" {
		t.Fatalf("expected earlier strategy to win, got %q", byID["node-a"].Endpoint)
	}
}

type fakeDiscoverer struct{ peers []PeerInfo }

func (f fakeDiscoverer) Discover(context.Context) ([]PeerInfo, error) { return f.peers, nil }

func TestDiscoverAllSkipsFailingStrategies(t *testing.T) {
	ok := StaticList{Peers: []PeerInfo{{NodeID: "node-a"}}}
	bad := failingDiscoverer{}
	merged := DiscoverAll(context.Background(), bad, ok)
	if len(merged) != 1 || merged[0].NodeID != "node-a" {
		t.Fatalf("expected failing strategy to be skipped, got %+v", merged)
	}
}

type failingDiscoverer struct{}

func (failingDiscoverer) Discover(context.Context) ([]PeerInfo, error) {
	return nil, errTest
}

var errTest = &testErr{"boom"}

type testErr struct{ s string }

func (e *testErr) Error() string { return e.s }
