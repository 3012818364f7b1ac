// Package agent defines the contracts between the orchestrator and the
// role agents that do the actual planning, coding, and reviewing. The
// orchestrator never talks to a model directly; it drives these
// interfaces and streams whatever they report.
package agent

import (
	"context"

	"github.com/ameliahq/amelia/pkg/models"
)

// Emitter streams fine-grained agent activity (messages, tool calls)
// out of an agent while it works. Implementations must not block.
type Emitter func(eventType models.EventType, agent, message string, data map[string]any)

// PlanRequest asks the architect to produce a plan for an issue.
type PlanRequest struct {
	WorkflowID string
	Issue      models.Issue
	WorkingDir string
	// SessionID resumes a prior driver session when non-empty.
	SessionID string
	// Feedback carries the human rejection note on replan.
	Feedback string
	Emit     Emitter
}

// PlanResult is the architect's output.
type PlanResult struct {
	Goal         string
	PlanMarkdown string
	PlanPath     string
	Tasks        []models.Task
	SessionID    string
	Tokens       models.AgentTokens
}

// Architect produces an ordered task plan for an issue.
type Architect interface {
	Plan(ctx context.Context, req PlanRequest) (*PlanResult, error)
}

// ExecuteRequest asks the developer to work through the plan's tasks.
type ExecuteRequest struct {
	WorkflowID string
	State      *models.PipelineState
	WorkingDir string
	SessionID  string
	// ReviewFeedback carries the reviewer's comments on a rework pass.
	ReviewFeedback []string
	Emit           Emitter
}

// ExecuteResult is the developer's output for one iteration.
type ExecuteResult struct {
	Tasks     []models.Task
	Summary   string
	SessionID string
	ToolCalls []models.ToolCall
	Tokens    models.AgentTokens
}

// Developer executes the approved plan, one iteration at a time.
type Developer interface {
	Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error)
}

// ReviewRequest asks the reviewer to judge the developer's work.
type ReviewRequest struct {
	WorkflowID string
	State      *models.PipelineState
	WorkingDir string
	Summary    string
	Emit       Emitter
}

// ReviewResult is the reviewer's verdict plus accounting.
type ReviewResult struct {
	Review models.Review
	Tokens models.AgentTokens
}

// Reviewer judges one developer iteration.
type Reviewer interface {
	Review(ctx context.Context, req ReviewRequest) (*ReviewResult, error)
}

// Tracker resolves issue ids to issue content.
type Tracker interface {
	GetIssue(ctx context.Context, id string) (*models.Issue, error)
}

// Roster bundles the three role agents for one profile.
type Roster struct {
	Architect Architect
	Developer Developer
	Reviewer  Reviewer
}
