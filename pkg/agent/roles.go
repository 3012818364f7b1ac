package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ameliahq/amelia/pkg/models"
)

// Role names used as the agent label on streamed events.
const (
	RoleArchitect = "architect"
	RoleDeveloper = "developer"
	RoleReviewer  = "reviewer"
)

// DriverArchitect plans with a coding-agent driver.
type DriverArchitect struct {
	Driver Driver
	Model  string
}

type architectOutput struct {
	Goal         string `json:"goal"`
	PlanMarkdown string `json:"plan_markdown"`
	PlanPath     string `json:"plan_path"`
	Tasks        []struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"tasks"`
}

func (a *DriverArchitect) Plan(ctx context.Context, req PlanRequest) (*PlanResult, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "You are the architect. Produce an implementation plan for issue %s.\n", req.Issue.ID)
	if req.Issue.Title != "" {
		fmt.Fprintf(&prompt, "Title: %s\n", req.Issue.Title)
	}
	if req.Issue.Description != "" {
		fmt.Fprintf(&prompt, "Description:\n%s\n", req.Issue.Description)
	}
	if req.Feedback != "" {
		fmt.Fprintf(&prompt, "\nThe previous plan was rejected with this feedback, address it:\n%s\n", req.Feedback)
	}
	prompt.WriteString("\nRespond with a single JSON object: " +
		`{"goal": "...", "plan_markdown": "...", "plan_path": "...", "tasks": [{"id": "t1", "title": "..."}]}` + "\n")

	result, err := a.Driver.Generate(ctx, GenerateRequest{
		SessionID:  req.SessionID,
		Prompt:     prompt.String(),
		WorkingDir: req.WorkingDir,
		Model:      a.Model,
	})
	if err != nil {
		return nil, err
	}
	emit(req.Emit, models.EventAgentMessage, RoleArchitect, result.Output, nil)

	var out architectOutput
	if err := parseJSONBlock(result.Output, &out); err != nil {
		return nil, fmt.Errorf("architect output: %w", err)
	}
	if out.PlanMarkdown == "" {
		return nil, fmt.Errorf("architect produced no plan")
	}

	tasks := make([]models.Task, 0, len(out.Tasks))
	for i, t := range out.Tasks {
		id := t.ID
		if id == "" {
			id = fmt.Sprintf("t%d", i+1)
		}
		tasks = append(tasks, models.Task{ID: id, Title: t.Title, Status: models.TaskPending})
	}

	return &PlanResult{
		Goal:         out.Goal,
		PlanMarkdown: out.PlanMarkdown,
		PlanPath:     out.PlanPath,
		Tasks:        tasks,
		SessionID:    result.SessionID,
		Tokens:       result.Tokens,
	}, nil
}

// DriverDeveloper executes the plan with a coding-agent driver.
type DriverDeveloper struct {
	Driver Driver
	Model  string
}

type developerOutput struct {
	Summary string `json:"summary"`
	Tasks   []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"tasks"`
}

func (d *DriverDeveloper) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	state := req.State
	var prompt strings.Builder
	prompt.WriteString("You are the developer. Execute the approved plan below, task by task.\n\n")
	prompt.WriteString(state.PlanMarkdown)
	prompt.WriteString("\n\nTasks:\n")
	for _, t := range state.Tasks {
		fmt.Fprintf(&prompt, "- [%s] %s: %s\n", t.Status, t.ID, t.Title)
	}
	if len(req.ReviewFeedback) > 0 {
		prompt.WriteString("\nThe reviewer rejected the previous iteration, address these comments:\n")
		for _, c := range req.ReviewFeedback {
			fmt.Fprintf(&prompt, "- %s\n", c)
		}
	}
	prompt.WriteString("\nRespond with a single JSON object: " +
		`{"summary": "...", "tasks": [{"id": "t1", "status": "done"}]}` + "\n")

	result, err := d.Driver.Generate(ctx, GenerateRequest{
		SessionID:  req.SessionID,
		Prompt:     prompt.String(),
		WorkingDir: req.WorkingDir,
		Model:      d.Model,
	})
	if err != nil {
		return nil, err
	}
	emit(req.Emit, models.EventAgentMessage, RoleDeveloper, result.Output, nil)

	var out developerOutput
	if err := parseJSONBlock(result.Output, &out); err != nil {
		return nil, fmt.Errorf("developer output: %w", err)
	}

	before := make(map[string]models.TaskStatus, len(state.Tasks))
	titles := make(map[string]string, len(state.Tasks))
	for _, t := range state.Tasks {
		before[t.ID] = t.Status
		titles[t.ID] = t.Title
	}

	tasks := make([]models.Task, 0, len(out.Tasks))
	for _, t := range out.Tasks {
		status := models.TaskStatus(t.Status)
		switch status {
		case models.TaskPending, models.TaskRunning, models.TaskDone, models.TaskFailed:
		default:
			continue
		}
		tasks = append(tasks, models.Task{ID: t.ID, Title: titles[t.ID], Status: status})
		if status == models.TaskDone && before[t.ID] != models.TaskDone {
			emit(req.Emit, models.EventTaskCompleted, RoleDeveloper, titles[t.ID], map[string]any{"task_id": t.ID})
		}
		if status == models.TaskFailed && before[t.ID] != models.TaskFailed {
			emit(req.Emit, models.EventTaskFailed, RoleDeveloper, titles[t.ID], map[string]any{"task_id": t.ID})
		}
	}

	return &ExecuteResult{
		Tasks:     tasks,
		Summary:   out.Summary,
		SessionID: result.SessionID,
		Tokens:    result.Tokens,
	}, nil
}

// DriverReviewer judges iterations with a coding-agent driver.
type DriverReviewer struct {
	Driver Driver
	Model  string
}

type reviewerOutput struct {
	Approved bool     `json:"approved"`
	Comments []string `json:"comments"`
	Severity string   `json:"severity"`
}

func (r *DriverReviewer) Review(ctx context.Context, req ReviewRequest) (*ReviewResult, error) {
	state := req.State
	var prompt strings.Builder
	prompt.WriteString("You are the reviewer. Judge whether the developer's iteration satisfies the plan.\n\n")
	prompt.WriteString(state.PlanMarkdown)
	if req.Summary != "" {
		fmt.Fprintf(&prompt, "\n\nDeveloper summary:\n%s\n", req.Summary)
	}
	prompt.WriteString("\nRespond with a single JSON object: " +
		`{"approved": true, "comments": ["..."], "severity": "minor"}` + "\n")

	// Reviews run in a fresh session so the reviewer judges the
	// worktree, not the developer's conversation.
	result, err := r.Driver.Generate(ctx, GenerateRequest{
		Prompt:     prompt.String(),
		WorkingDir: req.WorkingDir,
		Model:      r.Model,
	})
	if err != nil {
		return nil, err
	}
	emit(req.Emit, models.EventAgentMessage, RoleReviewer, result.Output, nil)

	var out reviewerOutput
	if err := parseJSONBlock(result.Output, &out); err != nil {
		return nil, fmt.Errorf("reviewer output: %w", err)
	}

	return &ReviewResult{
		Review: models.Review{
			Approved: out.Approved,
			Comments: out.Comments,
			Severity: out.Severity,
		},
		Tokens: result.Tokens,
	}, nil
}

// parseJSONBlock decodes the first JSON object found in text. Drivers
// sometimes wrap the object in prose or a code fence.
func parseJSONBlock(text string, v any) error {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in output")
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), v); err != nil {
		return fmt.Errorf("malformed JSON in output: %w", err)
	}
	return nil
}

func emit(e Emitter, t models.EventType, agent, message string, data map[string]any) {
	if e != nil {
		e(t, agent, message, data)
	}
}
