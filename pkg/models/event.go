package models

import "time"

// EventType enumerates workflow event types. Persisted unless marked
// ephemeral below.
type EventType string

// Workflow lifecycle events.
const (
	EventWorkflowCreated   EventType = "workflow_created"
	EventWorkflowStarted   EventType = "workflow_started"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"
	EventWorkflowCancelled EventType = "workflow_cancelled"
)

// Stage and approval events.
const (
	EventStageStarted     EventType = "stage_started"
	EventStageCompleted   EventType = "stage_completed"
	EventStageFailed      EventType = "stage_failed"
	EventApprovalRequired EventType = "approval_required"
	EventApprovalGranted  EventType = "approval_granted"
	EventApprovalRejected EventType = "approval_rejected"
	EventReplanStarted    EventType = "replan_started"
	EventReviewCompleted  EventType = "review_completed"
)

// Task events.
const (
	EventTaskStarted   EventType = "task_started"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"
)

// Fine-grained agent events. agent_message, tool_call, and tool_result
// are streamed to WebSocket clients but never persisted; they do not
// consume sequence numbers.
const (
	EventAgentMessage      EventType = "agent_message"
	EventToolCall          EventType = "tool_call"
	EventToolResult        EventType = "tool_result"
	EventTokenUsageUpdated EventType = "token_usage_updated"
)

var ephemeralTypes = map[EventType]bool{
	EventAgentMessage: true,
	EventToolCall:     true,
	EventToolResult:   true,
}

// Ephemeral reports whether events of this type are streamed only.
func (t EventType) Ephemeral() bool {
	return ephemeralTypes[t]
}

// WorkflowEvent is an immutable record of something that happened in a
// workflow. Persisted events carry a per-workflow monotonic sequence
// assigned by the event persister; ephemeral events keep Sequence 0.
type WorkflowEvent struct {
	EventID    string         `json:"event_id" db:"event_id"`
	WorkflowID string         `json:"workflow_id" db:"workflow_id"`
	Sequence   int64          `json:"sequence" db:"sequence"`
	Timestamp  time.Time      `json:"timestamp" db:"timestamp"`
	Type       EventType      `json:"event_type" db:"event_type"`
	Agent      string         `json:"agent,omitempty" db:"agent"`
	Message    string         `json:"message,omitempty" db:"message"`
	Data       map[string]any `json:"data,omitempty" db:"-"`
}

// TokenUsage is the durable per-(workflow, agent) token accounting row.
type TokenUsage struct {
	WorkflowID   string    `json:"workflow_id" db:"workflow_id"`
	Agent        string    `json:"agent" db:"agent"`
	InputTokens  int64     `json:"input_tokens" db:"input_tokens"`
	OutputTokens int64     `json:"output_tokens" db:"output_tokens"`
	TotalTokens  int64     `json:"total_tokens" db:"total_tokens"`
	CostUSD      float64   `json:"cost_usd" db:"cost_usd"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// Profile is a named configuration bundle. The core stores only the
// chosen profile name on each workflow; the bundle itself is resolved
// through the profile registry.
type Profile struct {
	Name          string            `json:"name" yaml:"name"`
	Tracker       string            `json:"tracker" yaml:"tracker"`
	WorkingDir    string            `json:"working_dir" yaml:"working_dir"`
	Agents        map[string]Driver `json:"agents" yaml:"agents"`
	Strategy      string            `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	Memory        bool              `json:"memory,omitempty" yaml:"memory,omitempty"`
	MaxIterations int               `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
}

// Driver is a per-agent driver/model binding inside a profile.
type Driver struct {
	Driver string `json:"driver" yaml:"driver"`
	Model  string `json:"model" yaml:"model"`
}
