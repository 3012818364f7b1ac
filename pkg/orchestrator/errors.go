package orchestrator

import (
	"fmt"

	"github.com/ameliahq/amelia/pkg/models"
)

// ValidationError reports a malformed request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// NewValidationError creates a ValidationError for a field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// ConflictError reports a worktree already occupied by an active
// workflow, or a command that would start a second runner for a
// workflow whose supervised task is still alive. IncumbentID names the
// occupying workflow.
type ConflictError struct {
	WorktreePath string
	IncumbentID  string
	RunnerActive bool
}

func (e *ConflictError) Error() string {
	if e.RunnerActive {
		return fmt.Sprintf("workflow %s already has a running task", e.IncumbentID)
	}
	return fmt.Sprintf("worktree %s is occupied by active workflow %s", e.WorktreePath, e.IncumbentID)
}

// LimitError reports that the active-workflow cap is reached.
type LimitError struct {
	Limit int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("concurrency limit reached: %d active workflows", e.Limit)
}

// InvalidStateError reports a command applied to a workflow whose
// status does not admit it.
type InvalidStateError struct {
	WorkflowID string
	Status     models.Status
	Command    string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s workflow %s in status %s", e.Command, e.WorkflowID, e.Status)
}
