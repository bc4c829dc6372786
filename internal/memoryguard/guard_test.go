package memoryguard

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cis-node/cis/internal/clock"
)

func openTestGuard(t *testing.T, nodeID string) *Guard {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	g, err := Open(context.Background(), db, nil, nodeID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return g
}

func TestSetThenGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	g := openTestGuard(t, "n1")

	vc, err := g.Set(ctx, "k", []byte("v1"))
	if err != nil {
		t.Fatal(err)
	}
	if vc["n1"] != 1 {
		t.Fatalf("expected n1 counter 1, got %v", vc)
	}

	entry, ok, err := g.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if string(entry.Value) != "v1" {
		t.Fatalf("want v1, got %q", entry.Value)
	}
}

func TestApplyRemoteAcceptsNewerVersion(t *testing.T) {
	ctx := context.Background()
	g := openTestGuard(t, "n1")

	if _, err := g.Set(ctx, "k", []byte("local")); err != nil {
		t.Fatal(err)
	}

	remote := Entry{
		Key:    "k",
		Value:  []byte("remote"),
		NodeID: "n2",
		Clock:  clock.VectorClock{"n1": 1, "n2": 1},
	}
	outcome, notif, err := g.ApplyRemote(ctx, remote)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != Accepted {
		t.Fatalf("want Accepted, got %v", outcome)
	}
	if notif != nil {
		t.Fatalf("expected no notification, got %+v", notif)
	}

	entry, ok, err := g.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if string(entry.Value) != "remote" {
		t.Fatalf("want remote value adopted, got %q", entry.Value)
	}
}

// TestApplyRemoteIdempotent verifies the spec §8 law: applying the same
// remote entry twice is equivalent to applying it once.
func TestApplyRemoteIdempotent(t *testing.T) {
	ctx := context.Background()
	g := openTestGuard(t, "n1")

	remote := Entry{Key: "k", Value: []byte("v"), NodeID: "n2", Clock: clock.VectorClock{"n2": 1}}

	outcome1, _, err := g.ApplyRemote(ctx, remote)
	if err != nil {
		t.Fatal(err)
	}
	outcome2, _, err := g.ApplyRemote(ctx, remote)
	if err != nil {
		t.Fatal(err)
	}
	if outcome1 != Accepted {
		t.Fatalf("first apply: want Accepted, got %v", outcome1)
	}
	if outcome2 != Accepted && outcome2 != Dropped {
		t.Fatalf("second apply: want Accepted or Dropped (idempotent), got %v", outcome2)
	}

	entry, ok, err := g.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatal("expected entry to exist")
	}
	if string(entry.Value) != "v" {
		t.Fatalf("unexpected value after idempotent apply: %q", entry.Value)
	}
}

// TestConcurrentWriteDetectedAndResolved mirrors spec §8 scenario 2: two
// nodes write the same key without having seen each other's update; applying
// the remote write must surface a conflict, and each resolution choice must
// produce the documented outcome.
func TestConcurrentWriteDetectedAndResolved(t *testing.T) {
	ctx := context.Background()

	t.Run("KeepLocal", func(t *testing.T) {
		g := openTestGuard(t, "n1")
		g.Set(ctx, "k", []byte("local"))
		remote := Entry{Key: "k", Value: []byte("remote"), NodeID: "n2", Clock: clock.VectorClock{"n2": 1}}

		outcome, notif, err := g.ApplyRemote(ctx, remote)
		if err != nil {
			t.Fatal(err)
		}
		if outcome != ConflictDetected || notif == nil {
			t.Fatalf("want ConflictDetected with notification, got %v / %+v", outcome, notif)
		}

		resolved, err := g.Resolve(ctx, "k", KeepLocal, "n2", nil)
		if err != nil {
			t.Fatal(err)
		}
		if string(resolved.Entry.Value) != "local" {
			t.Fatalf("want local value retained, got %q", resolved.Entry.Value)
		}
		if clock.Compare(resolved.Entry.Clock, clock.VectorClock{"n2": 1}) != clock.HappensAfter {
			t.Fatalf("resolved clock must dominate remote's: %v", resolved.Entry.Clock)
		}
		if len(g.PendingConflicts("k")) != 0 {
			t.Fatal("expected conflict outbox cleared after resolve")
		}
	})

	t.Run("KeepRemote", func(t *testing.T) {
		g := openTestGuard(t, "n1")
		localClock, _ := g.Set(ctx, "k", []byte("local"))
		remote := Entry{Key: "k", Value: []byte("remote"), NodeID: "n2", Clock: clock.VectorClock{"n2": 1}}
		if _, _, err := g.ApplyRemote(ctx, remote); err != nil {
			t.Fatal(err)
		}

		resolved, err := g.Resolve(ctx, "k", KeepRemote, "n2", nil)
		if err != nil {
			t.Fatal(err)
		}
		if string(resolved.Entry.Value) != "remote" {
			t.Fatalf("want remote value retained, got %q", resolved.Entry.Value)
		}
		if clock.Compare(resolved.Entry.Clock, localClock) != clock.HappensAfter {
			t.Fatalf("resolved clock must dominate local's: %v", resolved.Entry.Clock)
		}
	})

	t.Run("KeepBoth", func(t *testing.T) {
		g := openTestGuard(t, "n1")
		g.Set(ctx, "k", []byte("local"))
		remote := Entry{Key: "k", Value: []byte("remote"), NodeID: "n2", Clock: clock.VectorClock{"n2": 1}}
		if _, _, err := g.ApplyRemote(ctx, remote); err != nil {
			t.Fatal(err)
		}

		resolved, err := g.Resolve(ctx, "k", KeepBoth, "n2", nil)
		if err != nil {
			t.Fatal(err)
		}
		if resolved.RemoteSavedAsKey != "k_remote" {
			t.Fatalf("want synthetic key k_remote, got %q", resolved.RemoteSavedAsKey)
		}
		savedRemote, ok, err := g.Get(ctx, "k_remote")
		if err != nil || !ok {
			t.Fatalf("expected saved remote entry: ok=%v err=%v", ok, err)
		}
		if string(savedRemote.Value) != "remote" {
			t.Fatalf("want remote value under synthetic key, got %q", savedRemote.Value)
		}
		localStill, ok, err := g.Get(ctx, "k")
		if err != nil || !ok {
			t.Fatal("expected local entry to remain under original key")
		}
		if string(localStill.Value) != "local" {
			t.Fatalf("want local value unchanged, got %q", localStill.Value)
		}
	})

	t.Run("AIMergeFallsBackWithoutMerger", func(t *testing.T) {
		g := openTestGuard(t, "n1")
		g.Set(ctx, "k", []byte("local"))
		remote := Entry{Key: "k", Value: []byte("remote"), NodeID: "n2", Clock: clock.VectorClock{"n2": 1}}
		if _, _, err := g.ApplyRemote(ctx, remote); err != nil {
			t.Fatal(err)
		}

		resolved, err := g.Resolve(ctx, "k", AIMerge, "n2", nil)
		if err != nil {
			t.Fatal(err)
		}
		if !resolved.AIMergeFellBack {
			t.Fatal("expected AIMergeFellBack=true when no merger supplied")
		}
		if string(resolved.Entry.Value) != "local" {
			t.Fatalf("want fallback to local value, got %q", resolved.Entry.Value)
		}
	})
}

type stubMerger struct{ result []byte }

func (m stubMerger) Merge(ctx context.Context, local, remote Entry) ([]byte, error) {
	return m.result, nil
}

func TestAIMergeUsesMerger(t *testing.T) {
	ctx := context.Background()
	g := openTestGuard(t, "n1")
	g.Set(ctx, "k", []byte("local"))
	remote := Entry{Key: "k", Value: []byte("remote"), NodeID: "n2", Clock: clock.VectorClock{"n2": 1}}
	if _, _, err := g.ApplyRemote(ctx, remote); err != nil {
		t.Fatal(err)
	}

	resolved, err := g.Resolve(ctx, "k", AIMerge, "n2", stubMerger{result: []byte("merged")})
	if err != nil {
		t.Fatal(err)
	}
	if resolved.AIMergeFellBack {
		t.Fatal("did not expect fallback when merger succeeds")
	}
	if string(resolved.Entry.Value) != "merged" {
		t.Fatalf("want merged value, got %q", resolved.Entry.Value)
	}
}

// TestKeepBothSequenceUsesSmallestFreeSuffix verifies the spec §4.2 naming
// rule: "k_remote" is tried first, then "k_remote_2", "k_remote_3", ... up
// to 99, skipping slots already occupied by an earlier KeepBoth.
func TestKeepBothSequenceUsesSmallestFreeSuffix(t *testing.T) {
	ctx := context.Background()
	g := openTestGuard(t, "n1")

	g.Set(ctx, "k", []byte("local"))
	// Occupy k_remote directly, simulating a prior unrelated KeepBoth.
	g.Set(ctx, "k_remote", []byte("already taken"))

	remote := Entry{Key: "k", Value: []byte("remote"), NodeID: "n2", Clock: clock.VectorClock{"n2": 1}}
	if _, _, err := g.ApplyRemote(ctx, remote); err != nil {
		t.Fatal(err)
	}
	resolved, err := g.Resolve(ctx, "k", KeepBoth, "n2", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resolved.RemoteSavedAsKey != "k_remote_2" {
		t.Fatalf("want k_remote_2 (k_remote already occupied), got %q", resolved.RemoteSavedAsKey)
	}
}
