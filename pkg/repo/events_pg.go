package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/ameliahq/amelia/pkg/models"
)

// appendRetries bounds the retry loop when two appenders race for the
// same sequence number and one loses on the primary key.
const appendRetries = 5

// eventRow is the scan target for workflow_events.
type eventRow struct {
	WorkflowID string         `db:"workflow_id"`
	Sequence   int64          `db:"sequence"`
	EventID    string         `db:"event_id"`
	Timestamp  sql.NullTime   `db:"timestamp"`
	EventType  string         `db:"event_type"`
	Agent      string         `db:"agent"`
	Message    string         `db:"message"`
	Data       sql.NullString `db:"data"`
}

func (r eventRow) toModel() (*models.WorkflowEvent, error) {
	e := &models.WorkflowEvent{
		EventID:    r.EventID,
		WorkflowID: r.WorkflowID,
		Sequence:   r.Sequence,
		Type:       models.EventType(r.EventType),
		Agent:      r.Agent,
		Message:    r.Message,
	}
	if r.Timestamp.Valid {
		e.Timestamp = r.Timestamp.Time
	}
	if r.Data.Valid && r.Data.String != "" {
		if err := json.Unmarshal([]byte(r.Data.String), &e.Data); err != nil {
			return nil, fmt.Errorf("failed to decode event data: %w", err)
		}
	}
	return e, nil
}

// PostgresEventRepo implements EventRepo on PostgreSQL.
type PostgresEventRepo struct {
	db *sqlx.DB
}

// NewPostgresEventRepo creates an event repository.
func NewPostgresEventRepo(db *sqlx.DB) *PostgresEventRepo {
	return &PostgresEventRepo{db: db}
}

// Append inserts the event with the next per-workflow sequence. The
// sequence is claimed with a MAX()+1 subselect; on a primary-key race
// the insert is retried with a fresh read.
func (r *PostgresEventRepo) Append(ctx context.Context, event *models.WorkflowEvent) error {
	var dataJSON any
	if len(event.Data) > 0 {
		raw, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
		dataJSON = string(raw)
	}

	for attempt := 0; attempt < appendRetries; attempt++ {
		var seq int64
		err := r.db.GetContext(ctx, &seq,
			`INSERT INTO workflow_events (workflow_id, sequence, event_id, timestamp, event_type, agent, message, data)
			 SELECT $1, COALESCE(MAX(sequence), 0) + 1, $2, $3, $4, $5, $6, $7
			 FROM workflow_events WHERE workflow_id = $1
			 RETURNING sequence`,
			event.WorkflowID, event.EventID, event.Timestamp,
			string(event.Type), event.Agent, event.Message, dataJSON)
		if err == nil {
			event.Sequence = seq
			return nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			continue
		}
		return fmt.Errorf("failed to append event: %w", err)
	}
	return fmt.Errorf("failed to append event for workflow %s: sequence contention", event.WorkflowID)
}

// GetRecent returns the newest persisted events in sequence order.
func (r *PostgresEventRepo) GetRecent(ctx context.Context, workflowID string, limit int) ([]*models.WorkflowEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []eventRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM (
		   SELECT workflow_id, sequence, event_id, timestamp, event_type, agent, message, data
		   FROM workflow_events WHERE workflow_id = $1
		   ORDER BY sequence DESC LIMIT $2
		 ) recent ORDER BY sequence ASC`,
		workflowID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent events: %w", err)
	}
	return rowsToEvents(rows)
}

// GetSince returns persisted events with sequence > afterSequence in
// sequence order. A limit of 0 means no cap.
func (r *PostgresEventRepo) GetSince(ctx context.Context, workflowID string, afterSequence int64, limit int) ([]*models.WorkflowEvent, error) {
	query := `SELECT workflow_id, sequence, event_id, timestamp, event_type, agent, message, data
		 FROM workflow_events WHERE workflow_id = $1 AND sequence > $2
		 ORDER BY sequence ASC`
	args := []any{workflowID, afterSequence}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	var rows []eventRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to get events since %d: %w", afterSequence, err)
	}
	return rowsToEvents(rows)
}

// MaxSequence returns the highest assigned sequence, 0 when none.
func (r *PostgresEventRepo) MaxSequence(ctx context.Context, workflowID string) (int64, error) {
	var seq int64
	err := r.db.GetContext(ctx, &seq,
		`SELECT COALESCE(MAX(sequence), 0) FROM workflow_events WHERE workflow_id = $1`, workflowID)
	if err != nil {
		return 0, fmt.Errorf("failed to get max sequence: %w", err)
	}
	return seq, nil
}

func rowsToEvents(rows []eventRow) ([]*models.WorkflowEvent, error) {
	out := make([]*models.WorkflowEvent, 0, len(rows))
	for _, row := range rows {
		e, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
