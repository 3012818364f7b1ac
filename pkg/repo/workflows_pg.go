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
)

// activeStatuses is the SQL list of non-terminal statuses.
var activeStatuses = []string{
	string(models.StatusPending),
	string(models.StatusPlanning),
	string(models.StatusInProgress),
	string(models.StatusBlocked),
}

// workflowRow is the scan target for the workflows table.
type workflowRow struct {
	ID            string     `db:"workflow_id"`
	IssueID       string     `db:"issue_id"`
	ProfileID     string     `db:"profile_id"`
	WorktreePath  string     `db:"worktree_path"`
	WorktreeName  string     `db:"worktree_name"`
	Status        string     `db:"status"`
	CurrentStage  *string    `db:"current_stage"`
	FailureReason *string    `db:"failure_reason"`
	CreatedAt     time.Time  `db:"created_at"`
	StartedAt     *time.Time `db:"started_at"`
	PlannedAt     *time.Time `db:"planned_at"`
	CompletedAt   *time.Time `db:"completed_at"`
	PipelineState []byte     `db:"pipeline_state"`
	PlanMarkdown  *string    `db:"plan_markdown"`
	PlanSummary   *string    `db:"plan_summary"`
}

func (r workflowRow) toModel() (*models.Workflow, error) {
	w := &models.Workflow{
		ID:            r.ID,
		IssueID:       r.IssueID,
		ProfileID:     r.ProfileID,
		WorktreePath:  r.WorktreePath,
		WorktreeName:  r.WorktreeName,
		Status:        models.Status(r.Status),
		CurrentStage:  r.CurrentStage,
		FailureReason: r.FailureReason,
		CreatedAt:     r.CreatedAt,
		StartedAt:     r.StartedAt,
		PlannedAt:     r.PlannedAt,
		CompletedAt:   r.CompletedAt,
		PlanMarkdown:  r.PlanMarkdown,
		PlanSummary:   r.PlanSummary,
	}
	if len(r.PipelineState) > 0 {
		var state models.PipelineState
		if err := json.Unmarshal(r.PipelineState, &state); err != nil {
			return nil, fmt.Errorf("failed to decode pipeline state: %w", err)
		}
		w.PipelineState = &state
	}
	return w, nil
}

const workflowColumns = `workflow_id, issue_id, profile_id, worktree_path, worktree_name,
	status, current_stage, failure_reason, created_at, started_at, planned_at,
	completed_at, pipeline_state, plan_markdown, plan_summary`

// PostgresWorkflowRepo implements WorkflowRepo on PostgreSQL.
type PostgresWorkflowRepo struct {
	db *sqlx.DB
}

// NewPostgresWorkflowRepo creates a workflow repository.
func NewPostgresWorkflowRepo(db *sqlx.DB) *PostgresWorkflowRepo {
	return &PostgresWorkflowRepo{db: db}
}

// Get retrieves a workflow by id.
func (r *PostgresWorkflowRepo) Get(ctx context.Context, id string) (*models.Workflow, error) {
	var row workflowRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+workflowColumns+` FROM workflows WHERE workflow_id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return row.toModel()
}

// GetByWorktree returns the active workflow occupying the worktree.
func (r *PostgresWorkflowRepo) GetByWorktree(ctx context.Context, path string) (*models.Workflow, error) {
	query, args, err := sqlx.In(
		`SELECT `+workflowColumns+` FROM workflows
		 WHERE worktree_path = ? AND status IN (?)
		 ORDER BY created_at DESC LIMIT 1`, path, activeStatuses)
	if err != nil {
		return nil, fmt.Errorf("failed to build worktree query: %w", err)
	}
	var row workflowRow
	err = r.db.GetContext(ctx, &row, r.db.Rebind(query), args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get workflow by worktree: %w", err)
	}
	return row.toModel()
}

// List pages workflows ordered by (started_at DESC, id DESC).
func (r *PostgresWorkflowRepo) List(ctx context.Context, filters models.WorkflowFilters) (*models.WorkflowPage, error) {
	limit := filters.Limit
	if limit <= 0 || limit > 100 {
		limit = 25
	}

	where := "TRUE"
	args := []any{}
	if filters.Status != "" {
		args = append(args, string(filters.Status))
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filters.Worktree != "" {
		args = append(args, filters.Worktree)
		where += fmt.Sprintf(" AND worktree_path = $%d", len(args))
	}

	var total int
	if err := r.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM workflows WHERE `+where, args...); err != nil {
		return nil, fmt.Errorf("failed to count workflows: %w", err)
	}

	if filters.Cursor != "" {
		c, err := decodeCursor(filters.Cursor)
		if err != nil {
			return nil, err
		}
		args = append(args, c.StartedAt, c.ID)
		where += fmt.Sprintf(
			" AND (COALESCE(started_at, 'epoch'::timestamptz), workflow_id) < ($%d, $%d::uuid)",
			len(args)-1, len(args))
	}

	args = append(args, limit+1)
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE ` + where +
		fmt.Sprintf(` ORDER BY COALESCE(started_at, 'epoch'::timestamptz) DESC, workflow_id DESC LIMIT $%d`, len(args))

	var rows []workflowRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}

	page := &models.WorkflowPage{Total: total, HasMore: hasMore}
	for _, row := range rows {
		w, err := row.toModel()
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, w)
	}
	if hasMore && len(page.Items) > 0 {
		last := page.Items[len(page.Items)-1]
		page.NextCursor = encodeCursor(listCursor{StartedAt: startedOrEpoch(last), ID: last.ID})
	}
	return page, nil
}

// ListActive returns all non-terminal workflows.
func (r *PostgresWorkflowRepo) ListActive(ctx context.Context) ([]*models.Workflow, error) {
	query, args, err := sqlx.In(
		`SELECT `+workflowColumns+` FROM workflows WHERE status IN (?) ORDER BY created_at`, activeStatuses)
	if err != nil {
		return nil, fmt.Errorf("failed to build active query: %w", err)
	}
	var rows []workflowRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list active workflows: %w", err)
	}
	out := make([]*models.Workflow, 0, len(rows))
	for _, row := range rows {
		w, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// CountActive returns the number of non-terminal workflows.
func (r *PostgresWorkflowRepo) CountActive(ctx context.Context) (int, error) {
	query, args, err := sqlx.In(`SELECT COUNT(*) FROM workflows WHERE status IN (?)`, activeStatuses)
	if err != nil {
		return 0, fmt.Errorf("failed to build count query: %w", err)
	}
	var count int
	if err := r.db.GetContext(ctx, &count, r.db.Rebind(query), args...); err != nil {
		return 0, fmt.Errorf("failed to count active workflows: %w", err)
	}
	return count, nil
}

// Create inserts a new workflow row.
func (r *PostgresWorkflowRepo) Create(ctx context.Context, w *models.Workflow) error {
	stateJSON, err := marshalState(w.PipelineState)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO workflows (`+workflowColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		w.ID, w.IssueID, w.ProfileID, w.WorktreePath, w.WorktreeName,
		string(w.Status), w.CurrentStage, w.FailureReason, w.CreatedAt,
		w.StartedAt, w.PlannedAt, w.CompletedAt, stateJSON, w.PlanMarkdown, w.PlanSummary)
	if err != nil {
		return fmt.Errorf("failed to create workflow: %w", err)
	}
	return nil
}

// Update rewrites all mutable workflow columns.
func (r *PostgresWorkflowRepo) Update(ctx context.Context, w *models.Workflow) error {
	stateJSON, err := marshalState(w.PipelineState)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE workflows SET status=$2, current_stage=$3, failure_reason=$4,
		 started_at=$5, planned_at=$6, completed_at=$7, pipeline_state=$8,
		 plan_markdown=$9, plan_summary=$10
		 WHERE workflow_id=$1`,
		w.ID, string(w.Status), w.CurrentStage, w.FailureReason,
		w.StartedAt, w.PlannedAt, w.CompletedAt, stateJSON, w.PlanMarkdown, w.PlanSummary)
	if err != nil {
		return fmt.Errorf("failed to update workflow: %w", err)
	}
	return requireRow(res)
}

// SetStatus performs the validated status transition under row lock.
func (r *PostgresWorkflowRepo) SetStatus(ctx context.Context, id string, status models.Status, failureReason *string) (*models.Workflow, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var row workflowRow
	err = tx.GetContext(ctx, &row,
		`SELECT `+workflowColumns+` FROM workflows WHERE workflow_id = $1 FOR UPDATE`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock workflow: %w", err)
	}

	from := models.Status(row.Status)
	if !models.CanTransition(from, status) {
		return nil, &TransitionError{WorkflowID: id, From: from, To: status}
	}

	now := time.Now()
	set := `status=$2, failure_reason=COALESCE($3, failure_reason)`
	args := []any{id, string(status), failureReason}
	switch status {
	case models.StatusInProgress:
		if row.StartedAt == nil {
			set += `, started_at=$4`
			args = append(args, now)
		}
	case models.StatusBlocked:
		set += `, planned_at=$4`
		args = append(args, now)
	case models.StatusCompleted, models.StatusFailed, models.StatusCancelled:
		set += `, completed_at=$4`
		args = append(args, now)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE workflows SET `+set+` WHERE workflow_id=$1`, args...); err != nil {
		return nil, fmt.Errorf("failed to set status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit status change: %w", err)
	}
	return r.Get(ctx, id)
}

// UpdatePlanCache stores the approval-cache columns. Nil values clear.
func (r *PostgresWorkflowRepo) UpdatePlanCache(ctx context.Context, id string, planMarkdown, planSummary *string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE workflows SET plan_markdown=$2, plan_summary=$3 WHERE workflow_id=$1`,
		id, planMarkdown, planSummary)
	if err != nil {
		return fmt.Errorf("failed to update plan cache: %w", err)
	}
	return requireRow(res)
}

// UpdatePipelineState replaces the materialized state snapshot.
func (r *PostgresWorkflowRepo) UpdatePipelineState(ctx context.Context, id string, state *models.PipelineState) error {
	stateJSON, err := marshalState(state)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE workflows SET pipeline_state=$2 WHERE workflow_id=$1`, id, stateJSON)
	if err != nil {
		return fmt.Errorf("failed to update pipeline state: %w", err)
	}
	return requireRow(res)
}

// SetCurrentStage records which node last reported running.
func (r *PostgresWorkflowRepo) SetCurrentStage(ctx context.Context, id string, stage *string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE workflows SET current_stage=$2 WHERE workflow_id=$1`, id, stage)
	if err != nil {
		return fmt.Errorf("failed to set current stage: %w", err)
	}
	return requireRow(res)
}

// Delete removes a workflow; events and token rows cascade.
func (r *PostgresWorkflowRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM workflows WHERE workflow_id=$1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	return requireRow(res)
}

func marshalState(state *models.PipelineState) ([]byte, error) {
	if state == nil {
		return nil, nil
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode pipeline state: %w", err)
	}
	return raw, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
