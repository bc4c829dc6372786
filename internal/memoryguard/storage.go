package memoryguard

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cis-node/cis/internal/cerr"
)

// loadLocal returns the row marked is_local for key, i.e. the version this
// node has adopted (via Set or a prior Accepted apply_remote).
func (g *Guard) loadLocal(ctx context.Context, key string) (Entry, bool, error) {
	row := g.db.QueryRowContext(ctx, `
SELECT key, node_id, value, vclock, ts, tombstone
FROM memory_entries WHERE key = ? AND is_local = 1`, key)
	return scanEntry(row)
}

// loadAlternates returns non-adopted versions recorded for key (the losing
// side of a detected conflict), so resolve() can pick KeepRemote/KeepBoth
// without a second network round trip.
func (g *Guard) loadAlternates(ctx context.Context, key string) ([]Entry, error) {
	rows, err := g.db.QueryContext(ctx, `
SELECT key, node_id, value, vclock, ts, tombstone
FROM memory_entries WHERE key = ? AND is_local = 0`, key)
	if err != nil {
		return nil, cerr.Wrap(cerr.KindInternal, "memoryguard", "load alternates", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntryRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (g *Guard) clearAlternates(ctx context.Context, key string) {
	_, _ = g.db.ExecContext(ctx, `DELETE FROM memory_entries WHERE key = ? AND is_local = 0`, key)
}

// store upserts entry. When local is true it becomes (or stays) the
// is_local=1 row for its key, replacing whatever was previously adopted;
// any alternates for the key are left untouched (callers clear them via
// clearConflict once a resolution is finalised).
func (g *Guard) store(ctx context.Context, entry Entry, local bool) error {
	vclockJSON, err := marshalClock(entry.Clock)
	if err != nil {
		return cerr.Wrap(cerr.KindInternal, "memoryguard", "marshal clock", err)
	}
	tombstone := 0
	if entry.Tombstone {
		tombstone = 1
	}
	isLocal := 0
	if local {
		isLocal = 1
	}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return cerr.Wrap(cerr.KindInternal, "memoryguard", "begin tx", err)
	}
	defer tx.Rollback()

	if local {
		if _, err := tx.ExecContext(ctx, `DELETE FROM memory_entries WHERE key = ? AND is_local = 1`, entry.Key); err != nil {
			return cerr.Wrap(cerr.KindInternal, "memoryguard", "clear prior local", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO memory_entries (key, node_id, value, vclock, ts, tombstone, is_local)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(key, node_id) DO UPDATE SET
	value = excluded.value,
	vclock = excluded.vclock,
	ts = excluded.ts,
	tombstone = excluded.tombstone,
	is_local = excluded.is_local
`, entry.Key, entry.NodeID, entry.Value, vclockJSON, entry.Timestamp.Unix(), tombstone, isLocal)
	if err != nil {
		return cerr.Wrap(cerr.KindInternal, "memoryguard", "upsert entry", err)
	}
	if err := tx.Commit(); err != nil {
		return cerr.Wrap(cerr.KindInternal, "memoryguard", "commit", err)
	}
	return nil
}

// storeAlternate records a losing concurrent version without disturbing the
// currently-adopted local row.
func (g *Guard) storeAlternate(ctx context.Context, entry Entry) error {
	return g.store(ctx, entry, false)
}

// nextRemoteKey picks the smallest-N unused key of the form
// "<key>_remote" (N==1, unsuffixed) or "<key>_remote_N" for N in [2,99];
// past 99 it falls back to a timestamp-suffixed key (spec §4.2 KeepBoth
// naming rule).
func (g *Guard) nextRemoteKey(ctx context.Context, key string) (string, error) {
	exists := func(k string) (bool, error) {
		var count int
		row := g.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_entries WHERE key = ?`, k)
		if err := row.Scan(&count); err != nil {
			return false, cerr.Wrap(cerr.KindInternal, "memoryguard", "check remote key", err)
		}
		return count > 0, nil
	}

	base := key + "_remote"
	ok, err := exists(base)
	if err != nil {
		return "", err
	}
	if !ok {
		return base, nil
	}
	for n := 2; n <= 99; n++ {
		candidate := fmt.Sprintf("%s_remote_%d", key, n)
		ok, err := exists(candidate)
		if err != nil {
			return "", err
		}
		if !ok {
			return candidate, nil
		}
	}
	return fmt.Sprintf("%s_remote_%d", key, nowUnixFallback()), nil
}

func scanEntry(row *sql.Row) (Entry, bool, error) {
	var key, nodeID, vclockJSON string
	var value []byte
	var ts int64
	var tombstone int
	if err := row.Scan(&key, &nodeID, &value, &vclockJSON, &ts, &tombstone); err != nil {
		if err == sql.ErrNoRows {
			return Entry{}, false, nil
		}
		return Entry{}, false, cerr.Wrap(cerr.KindInternal, "memoryguard", "scan entry", err)
	}
	vc, err := unmarshalClock(vclockJSON)
	if err != nil {
		return Entry{}, false, cerr.Wrap(cerr.KindInternal, "memoryguard", "unmarshal clock", err)
	}
	return Entry{
		Key:       key,
		NodeID:    nodeID,
		Value:     value,
		Clock:     vc,
		Timestamp: unixToTime(ts),
		Tombstone: tombstone != 0,
	}, true, nil
}

func scanEntryRows(rows *sql.Rows) (Entry, error) {
	var key, nodeID, vclockJSON string
	var value []byte
	var ts int64
	var tombstone int
	if err := rows.Scan(&key, &nodeID, &value, &vclockJSON, &ts, &tombstone); err != nil {
		return Entry{}, cerr.Wrap(cerr.KindInternal, "memoryguard", "scan entry", err)
	}
	vc, err := unmarshalClock(vclockJSON)
	if err != nil {
		return Entry{}, cerr.Wrap(cerr.KindInternal, "memoryguard", "unmarshal clock", err)
	}
	return Entry{
		Key:       key,
		NodeID:    nodeID,
		Value:     value,
		Clock:     vc,
		Timestamp: unixToTime(ts),
		Tombstone: tombstone != 0,
	}, nil
}
