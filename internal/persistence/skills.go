package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// SkillRecord is the persisted row backing skillplane.Meta/State.
type SkillRecord struct {
	SkillID            string
	Name               string
	Version            string
	Kind               string
	Path               string
	Permissions        []string
	Subscriptions      []string
	InputSchema        []byte
	OutputSchema       []byte
	State              string
	FaultCount         int
}

func (s *Store) UpsertSkill(ctx context.Context, r SkillRecord) error {
	perms, err := json.Marshal(r.Permissions)
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}
	subs, err := json.Marshal(r.Subscriptions)
	if err != nil {
		return fmt.Errorf("marshal subscriptions: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO skills (skill_id, name, version, kind, path, permissions_json, subscriptions_json, input_schema, output_schema, state, fault_count, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(skill_id) DO UPDATE SET
				name = excluded.name,
				version = excluded.version,
				kind = excluded.kind,
				path = excluded.path,
				permissions_json = excluded.permissions_json,
				subscriptions_json = excluded.subscriptions_json,
				input_schema = excluded.input_schema,
				output_schema = excluded.output_schema,
				state = excluded.state,
				fault_count = excluded.fault_count,
				updated_at = CURRENT_TIMESTAMP;
		`, r.SkillID, r.Name, r.Version, r.Kind, r.Path, string(perms), string(subs), r.InputSchema, r.OutputSchema, r.State, r.FaultCount)
		return err
	})
}

func (s *Store) GetSkill(ctx context.Context, skillID string) (*SkillRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT skill_id, name, version, kind, path, permissions_json, subscriptions_json, input_schema, output_schema, state, fault_count
		FROM skills WHERE skill_id = ?;
	`, skillID)
	return scanSkill(row)
}

func (s *Store) ListSkills(ctx context.Context) ([]SkillRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT skill_id, name, version, kind, path, permissions_json, subscriptions_json, input_schema, output_schema, state, fault_count
		FROM skills ORDER BY name;
	`)
	if err != nil {
		return nil, fmt.Errorf("list skills: %w", err)
	}
	defer rows.Close()

	var out []SkillRecord
	for rows.Next() {
		r, err := scanSkillRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Store) DeleteSkill(ctx context.Context, skillID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM skills WHERE skill_id = ?;`, skillID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSkill(row rowScanner) (*SkillRecord, error) {
	r, err := scanSkillRows(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func scanSkillRows(row rowScanner) (*SkillRecord, error) {
	var r SkillRecord
	var perms, subs string
	if err := row.Scan(&r.SkillID, &r.Name, &r.Version, &r.Kind, &r.Path, &perms, &subs, &r.InputSchema, &r.OutputSchema, &r.State, &r.FaultCount); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan skill: %w", err)
	}
	_ = json.Unmarshal([]byte(perms), &r.Permissions)
	_ = json.Unmarshal([]byte(subs), &r.Subscriptions)
	return &r, nil
}
