// Package repo provides durable storage for workflows, events, and
// token usage, with Postgres implementations and in-memory twins that
// satisfy the same interfaces.
package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/ameliahq/amelia/pkg/models"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("entity not found")

// TransitionError reports a status change the state machine forbids.
type TransitionError struct {
	WorkflowID string
	From       models.Status
	To         models.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("workflow %s: illegal status transition %s → %s", e.WorkflowID, e.From, e.To)
}

// WorkflowRepo is the durable store for workflow aggregates.
type WorkflowRepo interface {
	Get(ctx context.Context, id string) (*models.Workflow, error)
	// GetByWorktree returns the non-terminal workflow occupying the
	// worktree, or ErrNotFound.
	GetByWorktree(ctx context.Context, path string) (*models.Workflow, error)
	List(ctx context.Context, filters models.WorkflowFilters) (*models.WorkflowPage, error)
	ListActive(ctx context.Context) ([]*models.Workflow, error)
	CountActive(ctx context.Context) (int, error)
	Create(ctx context.Context, w *models.Workflow) error
	Update(ctx context.Context, w *models.Workflow) error
	// SetStatus validates the transition against the state machine,
	// stamps terminal/lifecycle timestamps, and records the failure
	// reason when given.
	SetStatus(ctx context.Context, id string, status models.Status, failureReason *string) (*models.Workflow, error)
	UpdatePlanCache(ctx context.Context, id string, planMarkdown, planSummary *string) error
	UpdatePipelineState(ctx context.Context, id string, state *models.PipelineState) error
	SetCurrentStage(ctx context.Context, id string, stage *string) error
	Delete(ctx context.Context, id string) error
}

// EventRepo is the append-only store for persisted workflow events.
type EventRepo interface {
	// Append assigns the next per-workflow sequence and inserts the
	// event. The assigned sequence is written back into event.Sequence.
	Append(ctx context.Context, event *models.WorkflowEvent) error
	GetRecent(ctx context.Context, workflowID string, limit int) ([]*models.WorkflowEvent, error)
	// GetSince returns persisted events with sequence > afterSequence,
	// in sequence order, capped at limit (0 means no cap).
	GetSince(ctx context.Context, workflowID string, afterSequence int64, limit int) ([]*models.WorkflowEvent, error)
	MaxSequence(ctx context.Context, workflowID string) (int64, error)
}

// TokenRepo keeps running token sums per (workflow, agent).
type TokenRepo interface {
	AddUsage(ctx context.Context, workflowID, agent string, usage models.AgentTokens) error
	GetByWorkflow(ctx context.Context, workflowID string) ([]*models.TokenUsage, error)
}
