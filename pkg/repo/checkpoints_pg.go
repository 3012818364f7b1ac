package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ameliahq/amelia/pkg/models"
	"github.com/ameliahq/amelia/pkg/pipeline"
)

// PostgresCheckpointStore implements pipeline.Store on PostgreSQL, so
// interrupted runs survive a process restart.
type PostgresCheckpointStore struct {
	db *sqlx.DB
}

// NewPostgresCheckpointStore creates a checkpoint store.
func NewPostgresCheckpointStore(db *sqlx.DB) *PostgresCheckpointStore {
	return &PostgresCheckpointStore{db: db}
}

type checkpointRow struct {
	ThreadID         string         `db:"thread_id"`
	CheckpointID     string         `db:"checkpoint_id"`
	Step             int            `db:"step"`
	NextNode         string         `db:"next_node"`
	InterruptKind    sql.NullString `db:"interrupt_kind"`
	InterruptPayload sql.NullString `db:"interrupt_payload"`
	State            []byte         `db:"state"`
	CreatedAt        time.Time      `db:"created_at"`
}

func (s *PostgresCheckpointStore) Save(ctx context.Context, cp *pipeline.Checkpoint) error {
	stateJSON, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint state: %w", err)
	}
	var kind, payload any
	if cp.Interrupt != nil {
		kind = cp.Interrupt.Kind
		if len(cp.Interrupt.Payload) > 0 {
			raw, err := json.Marshal(cp.Interrupt.Payload)
			if err != nil {
				return fmt.Errorf("failed to encode interrupt payload: %w", err)
			}
			payload = string(raw)
		}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (thread_id, checkpoint_id, step, next_node, interrupt_kind, interrupt_payload, state, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		cp.ThreadID, cp.ID, cp.Step, cp.NextNode, kind, payload, stateJSON, cp.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *PostgresCheckpointStore) LoadLatest(ctx context.Context, threadID string) (*pipeline.Checkpoint, error) {
	var row checkpointRow
	err := s.db.GetContext(ctx, &row,
		`SELECT thread_id, checkpoint_id, step, next_node, interrupt_kind, interrupt_payload, state, created_at
		 FROM checkpoints WHERE thread_id = $1
		 ORDER BY step DESC, created_at DESC LIMIT 1`, threadID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, pipeline.ErrNoCheckpoint
		}
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	cp := &pipeline.Checkpoint{
		ID:        row.CheckpointID,
		ThreadID:  row.ThreadID,
		Step:      row.Step,
		NextNode:  row.NextNode,
		CreatedAt: row.CreatedAt,
	}
	var state models.PipelineState
	if err := json.Unmarshal(row.State, &state); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint state: %w", err)
	}
	cp.State = &state

	if row.InterruptKind.Valid {
		cp.Interrupt = &pipeline.Interrupt{Kind: row.InterruptKind.String}
		if row.InterruptPayload.Valid && row.InterruptPayload.String != "" {
			if err := json.Unmarshal([]byte(row.InterruptPayload.String), &cp.Interrupt.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode interrupt payload: %w", err)
			}
		}
	}
	return cp, nil
}

func (s *PostgresCheckpointStore) Purge(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = $1`, threadID); err != nil {
		return fmt.Errorf("failed to purge checkpoints: %w", err)
	}
	return nil
}
