package federation

import "testing"

func TestAppendIsIdempotentByEventID(t *testing.T) {
	r := NewRoom("room1", true)
	ev := Event{EventID: "e1", RoomID: "room1", Sender: "node-a"}

	ok, err := r.Append(ev)
	if err != nil || !ok {
		t.Fatalf("first append: ok=%v err=%v", ok, err)
	}
	ok, err = r.Append(ev)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("duplicate append should be a no-op (idempotent by event_id)")
	}
	if r.Len() != 1 {
		t.Fatalf("want 1 event in log, got %d", r.Len())
	}
}

func TestAppendRejectsEmptyEventID(t *testing.T) {
	r := NewRoom("room1", true)
	if _, err := r.Append(Event{RoomID: "room1"}); err == nil {
		t.Fatal("expected error for empty event_id")
	}
}

func TestEventsFromReplaysTail(t *testing.T) {
	r := NewRoom("room1", true)
	r.Append(Event{EventID: "e1"})
	r.Append(Event{EventID: "e2"})
	r.Append(Event{EventID: "e3"})

	tail := r.EventsFrom(1)
	if len(tail) != 2 || tail[0].EventID != "e2" {
		t.Fatalf("unexpected tail: %+v", tail)
	}
}

func TestRegistryGetOrCreateIsStable(t *testing.T) {
	reg := NewRegistry()
	r1 := reg.GetOrCreate("room1", true)
	r2 := reg.GetOrCreate("room1", false)
	if r1 != r2 {
		t.Fatal("expected same *Room instance on repeated GetOrCreate")
	}
}

func TestDirectoryListMarksStalePeersOffline(t *testing.T) {
	d := NewDirectory()
	d.Upsert(PeerInfo{NodeID: "node-a", Status: PeerOnline})
	// Force LastSeen into the past by re-upserting with an explicit stale time.
	stale, _ := d.Get("node-a")
	stale.LastSeen = stale.LastSeen.Add(-2 * HeartbeatTimeout)
	d.Upsert(stale)

	peers := d.List()
	if len(peers) != 1 || peers[0].Status != PeerOffline {
		t.Fatalf("expected stale peer marked offline, got %+v", peers)
	}
}

func TestDirectoryTouchClearsOffline(t *testing.T) {
	d := NewDirectory()
	d.Upsert(PeerInfo{NodeID: "node-a", Status: PeerOffline})
	d.Touch("node-a")
	p, ok := d.Get("node-a")
	if !ok || p.Status != PeerOnline {
		t.Fatalf("expected Touch to restore Online, got %+v ok=%v", p, ok)
	}
}
