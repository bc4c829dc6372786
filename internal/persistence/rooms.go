package persistence

import (
	"context"
	"fmt"
	"time"
)

// RoomEventRecord is the persisted row backing federation.Event for
// durable, append-only per-room history (spec §3 Room, §4.7).
type RoomEventRecord struct {
	Seq         int64
	RoomID      string
	EventID     string
	Sender      string
	Type        string
	ContentJSON string
	OriginTS    time.Time
	Signature   []byte
}

// AppendRoomEvent inserts a room event, returning ok=false (not an error)
// when event_id already exists for this room — idempotent append per spec
// §6 "duplicates MUST be idempotent at the receiver".
func (s *Store) AppendRoomEvent(ctx context.Context, r RoomEventRecord) (ok bool, err error) {
	err = retryOnBusy(ctx, 5, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO room_events (room_id, event_id, sender, type, content_json, origin_ts, signature)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, r.RoomID, r.EventID, r.Sender, r.Type, r.ContentJSON, r.OriginTS, r.Signature)
		if execErr != nil {
			return execErr
		}
		n, execErr := res.RowsAffected()
		if execErr != nil {
			return execErr
		}
		ok = n == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("append room event: %w", err)
	}
	return ok, nil
}

// ListRoomEventsFrom returns events for roomID with seq > fromSeq, in order.
func (s *Store) ListRoomEventsFrom(ctx context.Context, roomID string, fromSeq int64, limit int) ([]RoomEventRecord, error) {
	if limit <= 0 || limit > 10000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, room_id, event_id, sender, type, content_json, origin_ts, signature
		FROM room_events
		WHERE room_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?;
	`, roomID, fromSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list room events: %w", err)
	}
	defer rows.Close()

	var out []RoomEventRecord
	for rows.Next() {
		var r RoomEventRecord
		if err := rows.Scan(&r.Seq, &r.RoomID, &r.EventID, &r.Sender, &r.Type, &r.ContentJSON, &r.OriginTS, &r.Signature); err != nil {
			return nil, fmt.Errorf("scan room event: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) RoomEventCount(ctx context.Context, roomID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM room_events WHERE room_id = ?;`, roomID).Scan(&n)
	return n, err
}
