package conductor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStateStore is a Postgres-backed StateStore. It keeps the same
// single-live-instance contract as the file store: the conductor_state table
// holds at most one row. Callers supply the *sql.DB (and the driver import,
// typically github.com/lib/pq).
type PostgresStateStore struct {
	db *sql.DB
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS conductor_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	data JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS conductor_checkpoints (
	name TEXT PRIMARY KEY,
	trigger TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	phase TEXT NOT NULL,
	progress DOUBLE PRECISION NOT NULL,
	automatic BOOLEAN NOT NULL,
	data JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS conductor_history (
	id BIGSERIAL PRIMARY KEY,
	instance_id TEXT NOT NULL,
	reason TEXT NOT NULL,
	archived_at TIMESTAMPTZ NOT NULL,
	data JSONB NOT NULL
);`

// NewPostgresStateStore creates the schema if needed and returns the store.
func NewPostgresStateStore(ctx context.Context, db *sql.DB) (*PostgresStateStore, error) {
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("failed to create conductor schema: %w", err)
	}
	return &PostgresStateStore{db: db}, nil
}

func (s *PostgresStateStore) Load(ctx context.Context) (*WorkflowInstance, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM conductor_state WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	var instance WorkflowInstance
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, NewStateCorruptionError(fmt.Errorf("stored state is not valid JSON: %w", err))
	}
	return &instance, nil
}

func (s *PostgresStateStore) Save(ctx context.Context, instance *WorkflowInstance) error {
	data, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conductor_state (id, data, updated_at) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		data, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

func (s *PostgresStateStore) Delete(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conductor_state WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to delete state: %w", err)
	}
	return nil
}

func (s *PostgresStateStore) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conductor_checkpoints (name, trigger, created_at, phase, progress, automatic, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (name) DO UPDATE SET
			trigger = EXCLUDED.trigger, created_at = EXCLUDED.created_at,
			phase = EXCLUDED.phase, progress = EXCLUDED.progress,
			automatic = EXCLUDED.automatic, data = EXCLUDED.data`,
		checkpoint.Name, string(checkpoint.Trigger), checkpoint.CreatedAt,
		string(checkpoint.Phase), checkpoint.ProgressAtCreation, checkpoint.Automatic(), data)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *PostgresStateStore) LoadCheckpoint(ctx context.Context, name string) (*Checkpoint, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM conductor_checkpoints WHERE name = $1`, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint %q not found", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, NewStateCorruptionError(fmt.Errorf("checkpoint %q is not valid JSON: %w", name, err))
	}
	return &checkpoint, nil
}

func (s *PostgresStateStore) ListCheckpoints(ctx context.Context) ([]*CheckpointInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, trigger, created_at, phase, progress, automatic
		FROM conductor_checkpoints ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var infos []*CheckpointInfo
	for rows.Next() {
		var info CheckpointInfo
		var trigger, phase string
		if err := rows.Scan(&info.Name, &trigger, &info.CreatedAt, &phase, &info.Progress, &info.Automatic); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		info.Trigger = CheckpointTrigger(trigger)
		info.Phase = PhaseID(phase)
		infos = append(infos, &info)
	}
	return infos, rows.Err()
}

func (s *PostgresStateStore) DeleteCheckpoint(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conductor_checkpoints WHERE name = $1`, name); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

func (s *PostgresStateStore) Archive(ctx context.Context, instance *WorkflowInstance, reason string) error {
	data, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conductor_history (instance_id, reason, archived_at, data)
		VALUES ($1, $2, $3, $4)`,
		instance.ID, reason, time.Now(), data)
	if err != nil {
		return fmt.Errorf("failed to archive instance: %w", err)
	}
	return nil
}
