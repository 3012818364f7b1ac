package models

// TaskStatus is the status of a single planned task.
type TaskStatus string

// Task statuses. Tasks move pending → running → done/failed; replan
// resets every task back to pending.
const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

// Task is one unit of work in the approved plan. Order is significant.
type Task struct {
	ID     string     `json:"id"`
	Title  string     `json:"title"`
	Status TaskStatus `json:"status"`
}

// Issue is the work item a workflow executes against.
type Issue struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Review is the reviewer's verdict for one developer iteration.
// Only the latest review drives decisions; history lives in events.
type Review struct {
	Approved bool     `json:"approved"`
	Comments []string `json:"comments,omitempty"`
	Severity string   `json:"severity,omitempty"`
}

// ToolCall records a single tool invocation made by an agent.
type ToolCall struct {
	Agent  string `json:"agent"`
	Tool   string `json:"tool"`
	Input  string `json:"input,omitempty"`
	Output string `json:"output,omitempty"`
}

// OracleConsultation records an oracle lookup made during execution.
type OracleConsultation struct {
	Question string `json:"question"`
	Answer   string `json:"answer,omitempty"`
}

// AgentTokens is the running token count for one agent.
type AgentTokens struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalTokens  int64   `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Add folds another token delta into the running count.
func (t AgentTokens) Add(other AgentTokens) AgentTokens {
	return AgentTokens{
		InputTokens:  t.InputTokens + other.InputTokens,
		OutputTokens: t.OutputTokens + other.OutputTokens,
		TotalTokens:  t.TotalTokens + other.TotalTokens,
		CostUSD:      t.CostUSD + other.CostUSD,
	}
}

// PipelineState is the typed state bag passed through the pipeline
// graph. Nodes return sparse StateDelta values which the engine applies
// sequentially; nodes never observe partial writes.
type PipelineState struct {
	WorkflowID      string `json:"workflow_id"`
	ProfileID       string `json:"profile_id"`
	DriverSessionID string `json:"driver_session_id,omitempty"`

	Issue Issue `json:"issue"`

	Goal         string `json:"goal,omitempty"`
	PlanMarkdown string `json:"plan_markdown,omitempty"`
	PlanPath     string `json:"plan_path,omitempty"`
	TasksTotal   int    `json:"tasks_total"`
	Tasks        []Task `json:"tasks,omitempty"`

	// LastReview is nil until the reviewer has run this cycle.
	LastReview *Review `json:"last_review,omitempty"`

	Iteration     int `json:"iteration"`
	MaxIterations int `json:"max_iterations"`

	TokenUsage map[string]AgentTokens `json:"token_usage,omitempty"`

	// Append-only lists: deltas concatenate, never replace.
	ToolCalls           []ToolCall           `json:"tool_calls,omitempty"`
	OracleConsultations []OracleConsultation `json:"oracle_consultations,omitempty"`
	History             []string             `json:"history,omitempty"`
}

// Clone returns a deep copy of the state bag.
func (s *PipelineState) Clone() *PipelineState {
	out := *s
	if s.LastReview != nil {
		r := *s.LastReview
		r.Comments = append([]string(nil), s.LastReview.Comments...)
		out.LastReview = &r
	}
	out.Tasks = append([]Task(nil), s.Tasks...)
	out.ToolCalls = append([]ToolCall(nil), s.ToolCalls...)
	out.OracleConsultations = append([]OracleConsultation(nil), s.OracleConsultations...)
	out.History = append([]string(nil), s.History...)
	if s.TokenUsage != nil {
		out.TokenUsage = make(map[string]AgentTokens, len(s.TokenUsage))
		for k, v := range s.TokenUsage {
			out.TokenUsage[k] = v
		}
	}
	return &out
}

// StateDelta is a sparse update to PipelineState. Pointer scalars
// overwrite only when set; list fields concatenate; TokenUsage sums
// per agent; Tasks replace wholesale (the plan is rewritten as a unit).
type StateDelta struct {
	DriverSessionID *string `json:"driver_session_id,omitempty"`

	Goal         *string `json:"goal,omitempty"`
	PlanMarkdown *string `json:"plan_markdown,omitempty"`
	PlanPath     *string `json:"plan_path,omitempty"`
	TasksTotal   *int    `json:"tasks_total,omitempty"`
	Tasks        []Task  `json:"tasks,omitempty"`
	ReplaceTasks bool    `json:"replace_tasks,omitempty"`

	LastReview *Review `json:"last_review,omitempty"`

	Iteration     *int `json:"iteration,omitempty"`
	MaxIterations *int `json:"max_iterations,omitempty"`

	TokenUsage map[string]AgentTokens `json:"token_usage,omitempty"`

	ToolCalls           []ToolCall           `json:"tool_calls,omitempty"`
	OracleConsultations []OracleConsultation `json:"oracle_consultations,omitempty"`
	History             []string             `json:"history,omitempty"`
}

// Apply merges the delta into the state, implementing the combine
// rules: scalar overwrite, append-only concatenation, per-agent token
// summation.
func (d *StateDelta) Apply(s *PipelineState) {
	if d == nil {
		return
	}
	if d.DriverSessionID != nil {
		s.DriverSessionID = *d.DriverSessionID
	}
	if d.Goal != nil {
		s.Goal = *d.Goal
	}
	if d.PlanMarkdown != nil {
		s.PlanMarkdown = *d.PlanMarkdown
	}
	if d.PlanPath != nil {
		s.PlanPath = *d.PlanPath
	}
	if d.TasksTotal != nil {
		s.TasksTotal = *d.TasksTotal
	}
	if d.ReplaceTasks {
		s.Tasks = append([]Task(nil), d.Tasks...)
	} else if len(d.Tasks) > 0 {
		s.Tasks = mergeTasks(s.Tasks, d.Tasks)
	}
	if d.LastReview != nil {
		s.LastReview = d.LastReview
	}
	if d.Iteration != nil {
		s.Iteration = *d.Iteration
	}
	if d.MaxIterations != nil {
		s.MaxIterations = *d.MaxIterations
	}
	if len(d.TokenUsage) > 0 {
		if s.TokenUsage == nil {
			s.TokenUsage = make(map[string]AgentTokens, len(d.TokenUsage))
		}
		for agent, usage := range d.TokenUsage {
			s.TokenUsage[agent] = s.TokenUsage[agent].Add(usage)
		}
	}
	s.ToolCalls = append(s.ToolCalls, d.ToolCalls...)
	s.OracleConsultations = append(s.OracleConsultations, d.OracleConsultations...)
	s.History = append(s.History, d.History...)
}

// mergeTasks updates matching task ids in place, preserving insertion
// order, and appends unknown ids at the end.
func mergeTasks(existing, updates []Task) []Task {
	out := append([]Task(nil), existing...)
	index := make(map[string]int, len(out))
	for i, t := range out {
		index[t.ID] = i
	}
	for _, u := range updates {
		if i, ok := index[u.ID]; ok {
			out[i] = u
		} else {
			index[u.ID] = len(out)
			out = append(out, u)
		}
	}
	return out
}

// ResetPlan clears all plan-derived fields. Used by replan before the
// architect runs again.
func (s *PipelineState) ResetPlan() {
	s.Goal = ""
	s.PlanMarkdown = ""
	s.PlanPath = ""
	s.TasksTotal = 0
	s.Tasks = nil
	s.LastReview = nil
	s.Iteration = 0
}
