// Package models defines the core domain types: the Workflow aggregate,
// the pipeline state bag, workflow events, and token accounting.
package models

import (
	"fmt"
	"time"
)

// Status is the workflow lifecycle status.
type Status string

// Workflow lifecycle statuses.
const (
	StatusPending    Status = "pending"
	StatusPlanning   Status = "planning"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// allowedTransitions enumerates every legal status transition.
// blocked → planning is the replan path.
var allowedTransitions = map[Status][]Status{
	StatusPending:    {StatusPlanning, StatusInProgress, StatusCancelled},
	StatusPlanning:   {StatusBlocked, StatusFailed, StatusCancelled},
	StatusBlocked:    {StatusPlanning, StatusInProgress, StatusFailed, StatusCancelled},
	StatusInProgress: {StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled},
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPlanning, StatusInProgress, StatusBlocked,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether from → to is a legal transition.
// Self-transition is legal only for in_progress (internal iteration).
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns a descriptive error for an illegal transition.
func ValidateTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("illegal status transition %s → %s", from, to)
	}
	return nil
}

// Workflow is the aggregate root for one end-to-end run of the agent
// pipeline on one issue and one worktree.
type Workflow struct {
	ID           string `json:"workflow_id" db:"workflow_id"`
	IssueID      string `json:"issue_id" db:"issue_id"`
	ProfileID    string `json:"profile_id" db:"profile_id"`
	WorktreePath string `json:"worktree_path" db:"worktree_path"`
	WorktreeName string `json:"worktree_name" db:"worktree_name"`

	Status        Status  `json:"status" db:"status"`
	CurrentStage  *string `json:"current_stage,omitempty" db:"current_stage"`
	FailureReason *string `json:"failure_reason,omitempty" db:"failure_reason"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	PlannedAt   *time.Time `json:"planned_at,omitempty" db:"planned_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`

	// PipelineState is the latest materialized snapshot of checkpointed
	// state, kept on the row for quick reads. The checkpoint store is
	// authoritative for resume.
	PipelineState *PipelineState `json:"pipeline_state,omitempty" db:"-"`

	// Approval cache for fast UI retrieval of the plan awaiting approval.
	PlanMarkdown *string `json:"plan_markdown,omitempty" db:"plan_markdown"`
	PlanSummary  *string `json:"plan_summary,omitempty" db:"plan_summary"`
}

// Active reports whether the workflow occupies a concurrency slot.
func (w *Workflow) Active() bool {
	return !w.Status.Terminal()
}

// CreateWorkflowRequest carries the fields for creating a workflow.
type CreateWorkflowRequest struct {
	IssueID      string `json:"issue_id"`
	WorktreePath string `json:"worktree_path"`
	WorktreeName string `json:"worktree_name,omitempty"`
	ProfileID    string `json:"profile,omitempty"`

	// PlanNow spawns the planning task immediately after creation.
	PlanNow bool `json:"plan_now,omitempty"`
	// SkipApproval starts execution without the human approval gate.
	SkipApproval bool `json:"skip_approval,omitempty"`
}

// WorkflowFilters narrows workflow listings.
type WorkflowFilters struct {
	Status   Status `json:"status,omitempty"`
	Worktree string `json:"worktree,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	Cursor   string `json:"cursor,omitempty"`
}

// WorkflowPage is a cursor-paginated workflow listing.
type WorkflowPage struct {
	Items      []*Workflow `json:"items"`
	NextCursor string      `json:"next_cursor,omitempty"`
	HasMore    bool        `json:"has_more"`
	Total      int         `json:"total"`
}

// WorkflowDetail aggregates the workflow row with its latest review,
// token usage, and recent events for the detail endpoint.
type WorkflowDetail struct {
	*Workflow
	LatestReview *Review          `json:"latest_review,omitempty"`
	TokenUsage   []*TokenUsage    `json:"token_usage,omitempty"`
	RecentEvents []*WorkflowEvent `json:"recent_events,omitempty"`
}
