package persistence_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/cis-node/cis/internal/persistence"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "cis.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestOpen_ConfiguresWALAndSchema(t *testing.T) {
	store := openTestStore(t)
	if mode := queryOneString(t, store.DB(), "PRAGMA journal_mode;"); mode != "wal" {
		t.Fatalf("expected wal journal mode, got %q", mode)
	}
	for _, table := range []string{"skills", "room_events", "peers", "cert_pins", "schema_migrations"} {
		var name string
		if err := store.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?;", table).Scan(&name); err != nil {
			t.Fatalf("expected table %q to exist: %v", table, err)
		}
	}
}

func TestOpen_IsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cis.db")
	s1, err := persistence.Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s1.Close()

	s2, err := persistence.Open(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()
}

func TestSkillRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := persistence.SkillRecord{
		SkillID:       "skill-1",
		Name:          "summarize",
		Version:       "1.0.0",
		Kind:          "wasm",
		Permissions:   []string{"skill.log", "skill.memory.get"},
		Subscriptions: []string{"doc.created"},
		State:         "active",
	}
	if err := store.UpsertSkill(ctx, rec); err != nil {
		t.Fatalf("upsert skill: %v", err)
	}

	got, err := store.GetSkill(ctx, "skill-1")
	if err != nil {
		t.Fatalf("get skill: %v", err)
	}
	if got == nil || got.Name != "summarize" || len(got.Permissions) != 2 {
		t.Fatalf("unexpected skill record: %+v", got)
	}

	rec.FaultCount = 3
	rec.State = "quarantined"
	if err := store.UpsertSkill(ctx, rec); err != nil {
		t.Fatalf("re-upsert skill: %v", err)
	}
	got, _ = store.GetSkill(ctx, "skill-1")
	if got.State != "quarantined" || got.FaultCount != 3 {
		t.Fatalf("expected upsert to update in place, got %+v", got)
	}

	list, err := store.ListSkills(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("list skills: %v %v", list, err)
	}

	if err := store.DeleteSkill(ctx, "skill-1"); err != nil {
		t.Fatalf("delete skill: %v", err)
	}
	if got, _ := store.GetSkill(ctx, "skill-1"); got != nil {
		t.Fatalf("expected skill deleted")
	}
}

func TestRoomEventAppendIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	ev := persistence.RoomEventRecord{
		RoomID:      "room-a",
		EventID:     "evt-1",
		Sender:      "node-a",
		Type:        "io.cis.agent.task_request",
		ContentJSON: `{"task_id":"t1"}`,
		OriginTS:    time.Now().UTC(),
	}
	ok, err := store.AppendRoomEvent(ctx, ev)
	if err != nil || !ok {
		t.Fatalf("first append: ok=%v err=%v", ok, err)
	}
	ok, err = store.AppendRoomEvent(ctx, ev)
	if err != nil {
		t.Fatalf("duplicate append errored: %v", err)
	}
	if ok {
		t.Fatalf("expected duplicate event_id to be a no-op")
	}

	n, err := store.RoomEventCount(ctx, "room-a")
	if err != nil || n != 1 {
		t.Fatalf("expected 1 event in room, got %d (err=%v)", n, err)
	}

	events, err := store.ListRoomEventsFrom(ctx, "room-a", 0, 10)
	if err != nil || len(events) != 1 || events[0].EventID != "evt-1" {
		t.Fatalf("unexpected events: %+v (err=%v)", events, err)
	}
}

func TestPeerUpsertAndList(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	p := persistence.PeerRecord{
		NodeID:     "node-b",
		Endpoint:   "wss://node-b.example/fabric",
		Status:     "online",
		TrustScore: 0.8,
		LastSeen:   &now,
	}
	if err := store.UpsertPeer(ctx, p); err != nil {
		t.Fatalf("upsert peer: %v", err)
	}
	got, err := store.GetPeer(ctx, "node-b")
	if err != nil || got == nil || got.Status != "online" {
		t.Fatalf("unexpected peer: %+v (err=%v)", got, err)
	}

	peers, err := store.ListPeers(ctx)
	if err != nil || len(peers) != 1 {
		t.Fatalf("list peers: %v %v", peers, err)
	}
}

func TestCertPinRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	pin := persistence.CertPinRecord{
		Domain:      "anchor.example.com",
		Fingerprint: "aa:bb:cc",
		Algorithm:   "sha256",
		PinnedAt:    time.Now().UTC(),
	}
	if err := store.UpsertCertPin(ctx, pin); err != nil {
		t.Fatalf("upsert cert pin: %v", err)
	}
	got, err := store.GetCertPin(ctx, "anchor.example.com")
	if err != nil || got == nil || got.Fingerprint != "aa:bb:cc" {
		t.Fatalf("unexpected cert pin: %+v (err=%v)", got, err)
	}

	if err := store.DeleteCertPin(ctx, "anchor.example.com"); err != nil {
		t.Fatalf("delete cert pin: %v", err)
	}
	if got, _ := store.GetCertPin(ctx, "anchor.example.com"); got != nil {
		t.Fatalf("expected cert pin deleted")
	}
}
