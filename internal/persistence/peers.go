package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PeerRecord is the persisted row backing federation.PeerInfo.
type PeerRecord struct {
	NodeID     string
	ServerName string
	Endpoint   string
	PublicKey  []byte
	Status     string
	TrustScore float64
	LastSeen   *time.Time
}

func (s *Store) UpsertPeer(ctx context.Context, p PeerRecord) error {
	var lastSeen sql.NullTime
	if p.LastSeen != nil {
		lastSeen = sql.NullTime{Time: *p.LastSeen, Valid: true}
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO peers (node_id, server_name, endpoint, public_key, status, trust_score, last_seen, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(node_id) DO UPDATE SET
				server_name = excluded.server_name,
				endpoint = excluded.endpoint,
				public_key = excluded.public_key,
				status = excluded.status,
				trust_score = excluded.trust_score,
				last_seen = excluded.last_seen,
				updated_at = CURRENT_TIMESTAMP;
		`, p.NodeID, p.ServerName, p.Endpoint, p.PublicKey, p.Status, p.TrustScore, lastSeen)
		return err
	})
}

func (s *Store) GetPeer(ctx context.Context, nodeID string) (*PeerRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT node_id, server_name, endpoint, public_key, status, trust_score, last_seen
		FROM peers WHERE node_id = ?;
	`, nodeID)
	return scanPeer(row)
}

func (s *Store) ListPeers(ctx context.Context) ([]PeerRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id, server_name, endpoint, public_key, status, trust_score, last_seen
		FROM peers ORDER BY node_id;
	`)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	var out []PeerRecord
	for rows.Next() {
		r, err := scanPeerRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanPeer(row rowScanner) (*PeerRecord, error) {
	r, err := scanPeerRows(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func scanPeerRows(row rowScanner) (*PeerRecord, error) {
	var r PeerRecord
	var lastSeen sql.NullTime
	if err := row.Scan(&r.NodeID, &r.ServerName, &r.Endpoint, &r.PublicKey, &r.Status, &r.TrustScore, &lastSeen); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan peer: %w", err)
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		r.LastSeen = &t
	}
	return &r, nil
}

// CertPinRecord is the persisted row backing internal/certpin's TOFU store
// (spec §6 "domain → fingerprint, algorithm, pinned_at, expires_at?").
type CertPinRecord struct {
	Domain      string
	Fingerprint string
	Algorithm   string
	PinnedAt    time.Time
	ExpiresAt   *time.Time
}

func (s *Store) UpsertCertPin(ctx context.Context, p CertPinRecord) error {
	var expires sql.NullTime
	if p.ExpiresAt != nil {
		expires = sql.NullTime{Time: *p.ExpiresAt, Valid: true}
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO cert_pins (domain, fingerprint, algorithm, pinned_at, expires_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(domain) DO UPDATE SET
				fingerprint = excluded.fingerprint,
				algorithm = excluded.algorithm,
				pinned_at = excluded.pinned_at,
				expires_at = excluded.expires_at;
		`, p.Domain, p.Fingerprint, p.Algorithm, p.PinnedAt, expires)
		return err
	})
}

func (s *Store) GetCertPin(ctx context.Context, domain string) (*CertPinRecord, error) {
	var r CertPinRecord
	var expires sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT domain, fingerprint, algorithm, pinned_at, expires_at FROM cert_pins WHERE domain = ?;
	`, domain).Scan(&r.Domain, &r.Fingerprint, &r.Algorithm, &r.PinnedAt, &expires)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cert pin: %w", err)
	}
	if expires.Valid {
		t := expires.Time
		r.ExpiresAt = &t
	}
	return &r, nil
}

func (s *Store) DeleteCertPin(ctx context.Context, domain string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cert_pins WHERE domain = ?;`, domain)
	return err
}
