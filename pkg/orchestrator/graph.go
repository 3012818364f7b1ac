package orchestrator

import (
	"context"
	"fmt"

	"github.com/ameliahq/amelia/pkg/agent"
	"github.com/ameliahq/amelia/pkg/models"
	"github.com/ameliahq/amelia/pkg/pipeline"
)

// Pipeline node names. They double as the workflow's current_stage and
// as the agent name on stage events.
const (
	nodeArchitect = "architect"
	nodeDeveloper = "developer"
	nodeReviewer  = "reviewer"
)

// kindAwaitingApproval is the interrupt raised by the architect once
// the plan is drafted; resumeApproval answers it.
const (
	kindAwaitingApproval = "awaiting_plan_approval"
	resumeApproval       = "approval"
)

// newEngine builds a pipeline engine over the shared checkpoint store.
// graph may be nil for state-only operations.
func (o *Orchestrator) newEngine(graph *pipeline.Graph) *pipeline.Engine {
	return pipeline.NewEngine(graph, o.checkpoints, o.cfg.MaxPipelineSteps, o.logger)
}

// buildGraph wires the architect → developer ⇄ reviewer pipeline for
// one workflow. feedback is the human replan note, empty otherwise.
func (o *Orchestrator) buildGraph(w *models.Workflow, roster *agent.Roster, profile *models.Profile, feedback string) *pipeline.Graph {
	g := pipeline.NewGraph(nodeArchitect)
	g.AddNode(nodeArchitect, o.architectNode(w, roster, profile, feedback))
	g.AddNode(nodeDeveloper, o.developerNode(w, roster, profile))
	g.AddNode(nodeReviewer, o.reviewerNode(w, roster, profile))

	g.AddEdge(nodeArchitect, func(_ *models.PipelineState) string { return nodeDeveloper })
	g.AddEdge(nodeDeveloper, func(_ *models.PipelineState) string { return nodeReviewer })
	g.AddEdge(nodeReviewer, func(state *models.PipelineState) string {
		if state.LastReview != nil && state.LastReview.Approved {
			return pipeline.End
		}
		if state.Iteration >= state.MaxIterations {
			return pipeline.End
		}
		return nodeDeveloper
	})
	return g
}

// architectNode drafts the plan and pauses on the approval gate. On
// resume (approval granted) it hands off to the developer.
func (o *Orchestrator) architectNode(w *models.Workflow, roster *agent.Roster, _ *models.Profile, feedback string) pipeline.NodeFunc {
	return func(ctx context.Context, state *models.PipelineState, resume *pipeline.Resume) (*pipeline.StepResult, error) {
		if resume != nil {
			return &pipeline.StepResult{
				Delta: &models.StateDelta{History: []string{"plan approved"}},
			}, nil
		}

		o.setStage(w.ID, nodeArchitect)
		o.emit(w.ID, models.EventStageStarted, nodeArchitect, "Drafting implementation plan", nil)

		result, err := roster.Architect.Plan(ctx, agent.PlanRequest{
			WorkflowID: w.ID,
			Issue:      state.Issue,
			WorkingDir: w.WorktreePath,
			SessionID:  state.DriverSessionID,
			Feedback:   feedback,
			Emit:       o.emitterFor(w.ID),
		})
		if err != nil {
			o.emit(w.ID, models.EventStageFailed, nodeArchitect, err.Error(), nil)
			return nil, err
		}

		tasksTotal := len(result.Tasks)
		delta := &models.StateDelta{
			Goal:         &result.Goal,
			PlanMarkdown: &result.PlanMarkdown,
			PlanPath:     &result.PlanPath,
			Tasks:        result.Tasks,
			ReplaceTasks: true,
			TasksTotal:   &tasksTotal,
			TokenUsage:   map[string]models.AgentTokens{nodeArchitect: result.Tokens},
			History:      []string{fmt.Sprintf("architect drafted plan with %d tasks", tasksTotal)},
		}
		if result.SessionID != "" {
			delta.DriverSessionID = &result.SessionID
		}

		o.emit(w.ID, models.EventStageCompleted, nodeArchitect, "Plan drafted", map[string]any{
			"tokens":      result.Tokens,
			"tasks_total": tasksTotal,
		})

		return &pipeline.StepResult{
			Delta: delta,
			Interrupt: &pipeline.Interrupt{
				Kind: kindAwaitingApproval,
				Payload: map[string]any{
					"plan_markdown": result.PlanMarkdown,
					"tasks_total":   tasksTotal,
				},
			},
		}, nil
	}
}

// developerNode executes one iteration of the approved plan. Re-entry
// after a rejection carries the reviewer's comments as feedback.
func (o *Orchestrator) developerNode(w *models.Workflow, roster *agent.Roster, _ *models.Profile) pipeline.NodeFunc {
	return func(ctx context.Context, state *models.PipelineState, _ *pipeline.Resume) (*pipeline.StepResult, error) {
		iteration := state.Iteration + 1
		o.setStage(w.ID, nodeDeveloper)
		o.emit(w.ID, models.EventStageStarted, nodeDeveloper,
			fmt.Sprintf("Executing plan (iteration %d/%d)", iteration, state.MaxIterations), nil)

		var reviewFeedback []string
		if state.LastReview != nil && !state.LastReview.Approved {
			reviewFeedback = state.LastReview.Comments
		}

		result, err := roster.Developer.Execute(ctx, agent.ExecuteRequest{
			WorkflowID:     w.ID,
			State:          state,
			WorkingDir:     w.WorktreePath,
			SessionID:      state.DriverSessionID,
			ReviewFeedback: reviewFeedback,
			Emit:           o.emitterFor(w.ID),
		})
		if err != nil {
			o.emit(w.ID, models.EventStageFailed, nodeDeveloper, err.Error(), nil)
			return nil, err
		}

		delta := &models.StateDelta{
			Iteration:  &iteration,
			Tasks:      result.Tasks,
			TokenUsage: map[string]models.AgentTokens{nodeDeveloper: result.Tokens},
			ToolCalls:  result.ToolCalls,
			History:    []string{fmt.Sprintf("developer iteration %d: %s", iteration, result.Summary)},
		}
		if result.SessionID != "" {
			delta.DriverSessionID = &result.SessionID
		}

		o.emit(w.ID, models.EventStageCompleted, nodeDeveloper, result.Summary, map[string]any{
			"tokens":    result.Tokens,
			"iteration": iteration,
		})
		return &pipeline.StepResult{Delta: delta}, nil
	}
}

// reviewerNode judges the developer's iteration.
func (o *Orchestrator) reviewerNode(w *models.Workflow, roster *agent.Roster, _ *models.Profile) pipeline.NodeFunc {
	return func(ctx context.Context, state *models.PipelineState, _ *pipeline.Resume) (*pipeline.StepResult, error) {
		o.setStage(w.ID, nodeReviewer)
		o.emit(w.ID, models.EventStageStarted, nodeReviewer,
			fmt.Sprintf("Reviewing iteration %d", state.Iteration), nil)

		summary := ""
		if n := len(state.History); n > 0 {
			summary = state.History[n-1]
		}

		result, err := roster.Reviewer.Review(ctx, agent.ReviewRequest{
			WorkflowID: w.ID,
			State:      state,
			WorkingDir: w.WorktreePath,
			Summary:    summary,
			Emit:       o.emitterFor(w.ID),
		})
		if err != nil {
			o.emit(w.ID, models.EventStageFailed, nodeReviewer, err.Error(), nil)
			return nil, err
		}

		review := result.Review
		verdict := "rejected"
		if review.Approved {
			verdict = "approved"
		}

		delta := &models.StateDelta{
			LastReview: &review,
			TokenUsage: map[string]models.AgentTokens{nodeReviewer: result.Tokens},
			History:    []string{fmt.Sprintf("reviewer %s iteration %d", verdict, state.Iteration)},
		}

		o.emit(w.ID, models.EventReviewCompleted, nodeReviewer,
			fmt.Sprintf("Review %s", verdict), map[string]any{
				"approved": review.Approved,
				"severity": review.Severity,
				"comments": review.Comments,
			})
		o.emit(w.ID, models.EventStageCompleted, nodeReviewer, fmt.Sprintf("Review %s", verdict), map[string]any{
			"tokens": result.Tokens,
		})
		return &pipeline.StepResult{Delta: delta}, nil
	}
}

// setStage best-effort records the running node on the workflow row.
func (o *Orchestrator) setStage(workflowID, stage string) {
	if err := o.workflows.SetCurrentStage(context.Background(), workflowID, &stage); err != nil {
		o.logger.Warn("Failed to record current stage", "workflow_id", workflowID, "stage", stage, "error", err)
	}
}
