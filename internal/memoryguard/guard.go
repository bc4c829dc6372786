// Package memoryguard implements the versioned K/V store with vector-clock
// conflict detection described in spec §4.2. Persistence follows the same
// single-writer SQLite adapter pattern as internal/persistence and
// internal/vectorindex; concurrency control is per-key (spec §5 "Memory
// Guard: serialized per key (fine-grained locking)").
package memoryguard

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cis-node/cis/internal/cerr"
	"github.com/cis-node/cis/internal/clock"
)

// Entry is a versioned memory record (spec §3 MemoryEntry).
type Entry struct {
	Key       string
	Value     []byte
	Clock     clock.VectorClock
	Timestamp time.Time
	NodeID    string
	Tombstone bool
}

// Clone returns a deep copy so callers can't mutate guard-owned state
// (spec §3 ownership: readers receive cloned snapshots).
func (e Entry) Clone() Entry {
	out := e
	out.Value = append([]byte(nil), e.Value...)
	out.Clock = e.Clock.Clone()
	return out
}

// ApplyOutcome is the result of applying a remote entry.
type ApplyOutcome int

const (
	Accepted ApplyOutcome = iota
	Dropped
	ConflictDetected
)

func (o ApplyOutcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Dropped:
		return "dropped"
	default:
		return "conflict_detected"
	}
}

// Notification is materialised when apply_remote observes Concurrent clocks
// (spec §3 ConflictNotification).
type Notification struct {
	Key            string
	LocalVersion   Entry
	RemoteVersions []Entry
}

// ResolutionChoice selects how resolve() settles a conflict (spec §4.2).
type ResolutionChoice int

const (
	KeepLocal ResolutionChoice = iota
	KeepRemote
	KeepBoth
	AIMerge
)

// AIMerger is the external collaborator contract for AIMerge resolution
// (embedding/AI-provider internals are out of core scope per spec §1; this
// package only depends on the interface).
type AIMerger interface {
	Merge(ctx context.Context, local, remote Entry) ([]byte, error)
}

// Resolved is the outcome of resolve(): the retained entry plus, for
// KeepBoth, the synthetic key the remote version was saved under.
type Resolved struct {
	Entry            Entry
	RemoteSavedAsKey string // non-empty only for KeepBoth
	AIMergeFellBack  bool   // true if AIMerge fell back to KeepLocal
}

// Guard is the Memory Guard: a versioned K/V store with conflict surfacing.
type Guard struct {
	db     *sql.DB
	logger *slog.Logger
	nodeID string

	keyLocks keyLockTable

	mu     sync.Mutex
	outbox map[string][]Notification // key -> pending conflict notifications
}

// Open creates/opens the memory_entries table and returns a Guard bound to
// localNode's identity for clock increments.
func Open(ctx context.Context, db *sql.DB, logger *slog.Logger, localNode string) (*Guard, error) {
	if logger == nil {
		logger = slog.Default()
	}
	const ddl = `
CREATE TABLE IF NOT EXISTS memory_entries (
	key        TEXT NOT NULL,
	node_id    TEXT NOT NULL,
	value      BLOB NOT NULL,
	vclock     TEXT NOT NULL,
	ts         INTEGER NOT NULL,
	tombstone  INTEGER NOT NULL DEFAULT 0,
	is_local   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (key, node_id)
);
CREATE INDEX IF NOT EXISTS idx_memory_entries_key ON memory_entries(key);
`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, cerr.Wrap(cerr.KindInternal, "memoryguard", "create schema", err)
	}
	return &Guard{
		db:     db,
		logger: logger,
		nodeID: localNode,
		outbox: map[string][]Notification{},
	}, nil
}

// Set increments the local node's counter and records the new version,
// returning the resulting clock (spec §4.2).
func (g *Guard) Set(ctx context.Context, key string, value []byte) (clock.VectorClock, error) {
	if key == "" {
		return nil, cerr.New(cerr.KindInvalidInput, "memoryguard", "key must be non-empty")
	}
	unlock := g.keyLocks.Lock(key)
	defer unlock()

	current, ok, err := g.loadLocal(ctx, key)
	if err != nil {
		return nil, err
	}
	vc := clock.New()
	if ok {
		vc = current.Clock.Clone()
	}
	vc.Increment(g.nodeID)

	entry := Entry{Key: key, Value: value, Clock: vc, Timestamp: time.Now(), NodeID: g.nodeID}
	if err := g.store(ctx, entry, true); err != nil {
		return nil, err
	}
	return vc.Clone(), nil
}

// Get returns the locally-adopted version of key, if any (spec §4.2).
func (g *Guard) Get(ctx context.Context, key string) (Entry, bool, error) {
	unlock := g.keyLocks.Lock(key)
	defer unlock()
	entry, ok, err := g.loadLocal(ctx, key)
	if !ok || err != nil {
		return Entry{}, ok, err
	}
	return entry.Clone(), true, nil
}

// ApplyRemote compares entry's clock against the local version and either
// accepts, drops, or raises a conflict notification (spec §4.2). It is
// total: a well-formed entry never produces an error (spec §4.2
// "apply_remote is total").
func (g *Guard) ApplyRemote(ctx context.Context, entry Entry) (ApplyOutcome, *Notification, error) {
	if entry.Key == "" {
		return Dropped, nil, cerr.New(cerr.KindInvalidInput, "memoryguard", "key must be non-empty")
	}
	unlock := g.keyLocks.Lock(entry.Key)
	defer unlock()

	local, ok, err := g.loadLocal(ctx, entry.Key)
	if err != nil {
		return Dropped, nil, err
	}
	if !ok {
		// Idempotent double-apply: a remote entry with no local counterpart
		// is simply adopted (spec §8: apply_remote(e);apply_remote(e) is
		// equivalent to a single apply_remote(e)).
		if err := g.store(ctx, entry, false); err != nil {
			return Dropped, nil, err
		}
		return Accepted, nil, nil
	}

	rel := clock.Compare(entry.Clock, local.Clock)
	switch rel {
	case clock.HappensAfter, clock.Equal:
		if err := g.store(ctx, entry, false); err != nil {
			return Dropped, nil, err
		}
		return Accepted, nil, nil
	case clock.HappensBefore:
		return Dropped, nil, nil
	default: // Concurrent
		notif := Notification{
			Key:            entry.Key,
			LocalVersion:   local.Clone(),
			RemoteVersions: []Entry{entry.Clone()},
		}
		g.mu.Lock()
		g.outbox[entry.Key] = append(g.outbox[entry.Key], notif)
		g.mu.Unlock()
		// The remote version is recorded as a non-adopted alternate so
		// resolve() can later choose KeepRemote/KeepBoth without a second
		// round trip.
		if err := g.storeAlternate(ctx, entry); err != nil {
			return ConflictDetected, &notif, err
		}
		return ConflictDetected, &notif, nil
	}
}

// PendingConflicts returns (and does not clear) the outbox entries for key.
// Spec §4.2 / §8: the guard never loses data silently — on any unresolved
// concurrent write a notification is surfaced before the next read/write to
// the same key; callers (skills, CLI adapter) are expected to check this
// before Get/Set on a key they care about.
func (g *Guard) PendingConflicts(key string) []Notification {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Notification(nil), g.outbox[key]...)
}

// Resolve applies a ConflictResolutionChoice to key's pending conflict
// against remoteNode's version (spec §4.2). merger is consulted only for
// AIMerge; it may be nil, in which case AIMerge always falls back to
// KeepLocal.
func (g *Guard) Resolve(ctx context.Context, key string, choice ResolutionChoice, remoteNode string, merger AIMerger) (Resolved, error) {
	unlock := g.keyLocks.Lock(key)
	defer unlock()

	local, ok, err := g.loadLocal(ctx, key)
	if err != nil {
		return Resolved{}, err
	}
	if !ok {
		return Resolved{}, cerr.New(cerr.KindNotFound, "memoryguard", fmt.Sprintf("no local version for key %q", key))
	}

	alternates, err := g.loadAlternates(ctx, key)
	if err != nil {
		return Resolved{}, err
	}

	var remote *Entry
	for i := range alternates {
		if alternates[i].NodeID == remoteNode {
			remote = &alternates[i]
			break
		}
	}

	switch choice {
	case KeepLocal:
		dominated := local.Clone()
		dominated.Clock = clock.Dominate(dominated.Clock, g.nodeID, clocksOf(alternates)...)
		if err := g.store(ctx, dominated, true); err != nil {
			return Resolved{}, err
		}
		g.clearConflict(ctx, key)
		return Resolved{Entry: dominated}, nil

	case KeepRemote:
		if remote == nil {
			return Resolved{}, cerr.New(cerr.KindNotFound, "memoryguard", fmt.Sprintf("remote node %q not found for key %q", remoteNode, key))
		}
		winner := remote.Clone()
		winner.Key = key
		winner.Clock = clock.Dominate(winner.Clock, g.nodeID, append([]clock.VectorClock{local.Clock}, clocksOf(alternates)...)...)
		if err := g.store(ctx, winner, true); err != nil {
			return Resolved{}, err
		}
		g.clearConflict(ctx, key)
		return Resolved{Entry: winner}, nil

	case KeepBoth:
		if remote == nil {
			return Resolved{}, cerr.New(cerr.KindNotFound, "memoryguard", fmt.Sprintf("remote node %q not found for key %q", remoteNode, key))
		}
		remoteKey, err := g.nextRemoteKey(ctx, key)
		if err != nil {
			return Resolved{}, err
		}
		bumpedLocal := local.Clone()
		bumpedLocal.Clock = clock.Dominate(bumpedLocal.Clock, g.nodeID, remote.Clock)
		if err := g.store(ctx, bumpedLocal, true); err != nil {
			return Resolved{}, err
		}
		savedRemote := remote.Clone()
		savedRemote.Key = remoteKey
		savedRemote.Clock = clock.Dominate(savedRemote.Clock, g.nodeID, local.Clock)
		if err := g.store(ctx, savedRemote, true); err != nil {
			return Resolved{}, err
		}
		g.clearConflict(ctx, key)
		return Resolved{Entry: bumpedLocal, RemoteSavedAsKey: remoteKey}, nil

	case AIMerge:
		if merger == nil || remote == nil {
			return g.resolveAIMergeFallback(ctx, key, local, alternates)
		}
		mergedValue, err := merger.Merge(ctx, local, *remote)
		if err != nil {
			g.logger.Warn("memoryguard: AI merger unavailable, falling back to KeepLocal", "key", key, "error", err)
			return g.resolveAIMergeFallback(ctx, key, local, alternates)
		}
		merged := local.Clone()
		merged.Value = mergedValue
		merged.Timestamp = time.Now()
		merged.Clock = clock.Dominate(merged.Clock, g.nodeID, append([]clock.VectorClock{remote.Clock}, clocksOf(alternates)...)...)
		if err := g.store(ctx, merged, true); err != nil {
			return Resolved{}, err
		}
		g.clearConflict(ctx, key)
		return Resolved{Entry: merged}, nil

	default:
		return Resolved{}, cerr.New(cerr.KindInvalidInput, "memoryguard", "unknown resolution choice")
	}
}

func (g *Guard) resolveAIMergeFallback(ctx context.Context, key string, local Entry, alternates []Entry) (Resolved, error) {
	dominated := local.Clone()
	dominated.Clock = clock.Dominate(dominated.Clock, g.nodeID, clocksOf(alternates)...)
	if err := g.store(ctx, dominated, true); err != nil {
		return Resolved{}, err
	}
	g.clearConflict(ctx, key)
	return Resolved{Entry: dominated, AIMergeFellBack: true}, nil
}

func (g *Guard) clearConflict(ctx context.Context, key string) {
	g.mu.Lock()
	delete(g.outbox, key)
	g.mu.Unlock()
	g.clearAlternates(ctx, key)
}

func clocksOf(entries []Entry) []clock.VectorClock {
	out := make([]clock.VectorClock, len(entries))
	for i, e := range entries {
		out[i] = e.Clock
	}
	return out
}

func marshalClock(vc clock.VectorClock) (string, error) {
	b, err := json.Marshal(vc)
	return string(b), err
}

func unmarshalClock(s string) (clock.VectorClock, error) {
	vc := clock.New()
	if s == "" {
		return vc, nil
	}
	if err := json.Unmarshal([]byte(s), &vc); err != nil {
		return nil, err
	}
	return vc, nil
}
