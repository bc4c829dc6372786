// Package persistence is the sqlite-backed local storage adapter (spec §6
// "Persisted state layout"). It owns the single-writer connection and the
// tables no other component claims exclusively: skills catalog, room event
// log, peer directory, and certificate pin store. internal/memoryguard and
// internal/vectorindex are handed the same *sql.DB and create their own
// tables on it (memory_entries, vector_index) — this package never reaches
// into those tables itself.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "cis-v1-skills-rooms-peers-certpin"
)

// Store owns the node's local sqlite database.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns ~/.cis-node/cis.db, used when no explicit path is
// configured.
func DefaultDBPath(homeDir string) string {
	if homeDir == "" {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			home = "."
		}
		homeDir = filepath.Join(home, ".cis-node")
	}
	return filepath.Join(homeDir, "cis.db")
}

// Open opens (creating if absent) the sqlite database at path, applies WAL
// pragmas, and runs schema migration.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath("")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	ctx := context.Background()
	if err := store.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// DB returns the shared connection so memoryguard/vectorindex can attach
// their own tables to the same database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if existing != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersion, existing, schemaChecksum)
		}
		return tx.Commit()
	}

	tableStatements := []string{
		// Skills catalog (spec §3 SkillMeta / §4.3).
		`CREATE TABLE IF NOT EXISTS skills (
			skill_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			version TEXT NOT NULL,
			kind TEXT NOT NULL CHECK(kind IN ('native', 'wasm', 'remote')),
			path TEXT NOT NULL DEFAULT '',
			permissions_json TEXT NOT NULL DEFAULT '[]',
			subscriptions_json TEXT NOT NULL DEFAULT '[]',
			input_schema BLOB,
			output_schema BLOB,
			state TEXT NOT NULL DEFAULT 'registered' CHECK(state IN ('registered', 'loaded', 'active', 'failed', 'quarantined')),
			fault_count INTEGER NOT NULL DEFAULT 0,
			installed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		// Room event log (spec §3 Room / §4.7): append-only per room.
		`CREATE TABLE IF NOT EXISTS room_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			room_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			type TEXT NOT NULL,
			content_json TEXT NOT NULL,
			origin_ts DATETIME NOT NULL,
			signature BLOB,
			UNIQUE(room_id, event_id)
		);`,
		// Peer directory (spec §3 PeerInfo).
		`CREATE TABLE IF NOT EXISTS peers (
			node_id TEXT PRIMARY KEY,
			server_name TEXT NOT NULL DEFAULT '',
			endpoint TEXT NOT NULL DEFAULT '',
			public_key BLOB,
			status TEXT NOT NULL DEFAULT 'unknown' CHECK(status IN ('online', 'offline', 'quarantined', 'unknown')),
			trust_score REAL NOT NULL DEFAULT 0,
			last_seen DATETIME,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		// Certificate pin store (spec §6 "domain → fingerprint, algorithm,
		// pinned_at, expires_at?"), TOFU pinning owned by internal/certpin.
		`CREATE TABLE IF NOT EXISTS cert_pins (
			domain TEXT PRIMARY KEY,
			fingerprint TEXT NOT NULL,
			algorithm TEXT NOT NULL,
			pinned_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expires_at DATETIME
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_skills_name ON skills(name);`,
		`CREATE INDEX IF NOT EXISTS idx_room_events_room_seq ON room_events(room_id, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_peers_status ON peers(status);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}
	return tx.Commit()
}

// retryOnBusy retries f when sqlite reports BUSY/LOCKED, matching the
// bounded-jitter backoff convention used elsewhere in the node for
// transient lock contention.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "(5)") || strings.Contains(msg, "(6)")
}
