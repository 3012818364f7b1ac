package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/ameliahq/amelia/pkg/models"
	"github.com/ameliahq/amelia/pkg/pipeline"
	"github.com/ameliahq/amelia/pkg/repo"
)

// runPlanning is the supervised planning task: it runs the architect
// until the approval interrupt, parks the workflow as blocked, and
// with skipApproval granted continues straight into execution.
func (o *Orchestrator) runPlanning(ctx context.Context, w *models.Workflow, feedback string, skipApproval bool) {
	roster, profile, err := o.rosters.Roster(w.ProfileID)
	if err != nil {
		o.finalizeFailed(w.ID, nil, fmt.Sprintf("profile %s unavailable: %v", w.ProfileID, err))
		return
	}

	state, err := o.planningState(ctx, w, profile)
	if err != nil {
		o.finalizeFailed(w.ID, nil, fmt.Sprintf("failed to prepare planning: %v", err))
		return
	}

	engine := o.newEngine(o.buildGraph(w, roster, profile, feedback))
	outcome, err := engine.Run(ctx, w.ID, state)
	if err != nil {
		if wasCancelled(ctx, err) {
			o.finalizeCancelled(w.ID, nil)
			return
		}
		o.finalizeFailed(w.ID, nil, fmt.Sprintf("planning failed: %v", err))
		return
	}

	if !outcome.Interrupted() || outcome.Interrupt.Kind != kindAwaitingApproval {
		o.finalizeFailed(w.ID, outcome.State, "planning ended without producing a plan for approval")
		return
	}

	// Status row first, then the event, so readers never see the event
	// ahead of the state it announces.
	bg := context.Background()
	if err := o.workflows.UpdatePipelineState(bg, w.ID, outcome.State); err != nil {
		o.logger.Error("Failed to persist pipeline state", "workflow_id", w.ID, "error", err)
	}
	if _, err := o.workflows.SetStatus(bg, w.ID, models.StatusBlocked, nil); err != nil {
		o.logger.Error("Failed to mark workflow blocked", "workflow_id", w.ID, "error", err)
		return
	}
	plan := outcome.State.PlanMarkdown
	if err := o.workflows.UpdatePlanCache(bg, w.ID, &plan, planSummary(outcome.State)); err != nil {
		o.logger.Error("Failed to cache plan", "workflow_id", w.ID, "error", err)
	}
	o.emit(w.ID, models.EventApprovalRequired, "", "Plan awaits approval", map[string]any{
		"plan_markdown": plan,
		"tasks_total":   outcome.State.TasksTotal,
	})

	if !skipApproval {
		return
	}

	o.emit(w.ID, models.EventApprovalGranted, "", "Plan auto-approved", map[string]any{"auto": true})
	if _, err := o.workflows.SetStatus(bg, w.ID, models.StatusInProgress, nil); err != nil {
		o.logger.Error("Failed to start execution after auto-approval", "workflow_id", w.ID, "error", err)
		return
	}
	o.execute(ctx, w, engine, &pipeline.Resume{Kind: resumeApproval})
}

// runExecution is the supervised execution task started by Approve.
func (o *Orchestrator) runExecution(ctx context.Context, w *models.Workflow, resume *pipeline.Resume) {
	roster, profile, err := o.rosters.Roster(w.ProfileID)
	if err != nil {
		o.finalizeFailed(w.ID, nil, fmt.Sprintf("profile %s unavailable: %v", w.ProfileID, err))
		return
	}
	engine := o.newEngine(o.buildGraph(w, roster, profile, ""))
	o.execute(ctx, w, engine, resume)
}

// execute resumes the pipeline and settles the terminal status from
// the final state.
func (o *Orchestrator) execute(ctx context.Context, w *models.Workflow, engine *pipeline.Engine, resume *pipeline.Resume) {
	outcome, err := engine.Resume(ctx, w.ID, resume)
	if err != nil {
		if wasCancelled(ctx, err) {
			o.finalizeCancelled(w.ID, nil)
			return
		}
		o.finalizeFailed(w.ID, nil, fmt.Sprintf("execution failed: %v", err))
		return
	}
	if outcome.Interrupted() {
		o.finalizeFailed(w.ID, outcome.State, fmt.Sprintf("execution paused on unexpected interrupt %q", outcome.Interrupt.Kind))
		return
	}

	state := outcome.State
	if state.LastReview != nil && state.LastReview.Approved {
		o.finalizeCompleted(w.ID, state)
		return
	}
	o.finalizeFailed(w.ID, state,
		fmt.Sprintf("review rejected after %d of %d iterations", state.Iteration, state.MaxIterations))
}

// planningState builds the initial state, or for replan the prior
// state with plan-derived fields cleared.
func (o *Orchestrator) planningState(ctx context.Context, w *models.Workflow, profile *models.Profile) (*models.PipelineState, error) {
	maxIterations := profile.MaxIterations
	if maxIterations <= 0 {
		maxIterations = o.cfg.DefaultMaxIterations
	}

	if w.PipelineState != nil {
		state := w.PipelineState.Clone()
		state.ResetPlan()
		state.MaxIterations = maxIterations
		return state, nil
	}

	issue, err := o.tracker.GetIssue(ctx, w.IssueID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve issue %s: %w", w.IssueID, err)
	}
	return &models.PipelineState{
		WorkflowID:    w.ID,
		ProfileID:     w.ProfileID,
		Issue:         *issue,
		MaxIterations: maxIterations,
	}, nil
}

// Terminal writes run on context.Background(): the task context is
// usually already cancelled or unwinding when they happen.

func (o *Orchestrator) finalizeCompleted(id string, state *models.PipelineState) {
	bg := context.Background()
	if state != nil {
		if err := o.workflows.UpdatePipelineState(bg, id, state); err != nil {
			o.logger.Error("Failed to persist final state", "workflow_id", id, "error", err)
		}
	}
	if err := o.workflows.SetCurrentStage(bg, id, nil); err != nil {
		o.logger.Warn("Failed to clear current stage", "workflow_id", id, "error", err)
	}
	if _, err := o.workflows.SetStatus(bg, id, models.StatusCompleted, nil); err != nil {
		o.logger.Error("Failed to mark workflow completed", "workflow_id", id, "error", err)
		return
	}
	data := map[string]any{}
	if state != nil {
		data["iterations"] = state.Iteration
		data["tasks_total"] = state.TasksTotal
	}
	o.emit(id, models.EventWorkflowCompleted, "", "Workflow completed", data)
	o.logger.Info("Workflow completed", "workflow_id", id)
}

func (o *Orchestrator) finalizeFailed(id string, state *models.PipelineState, reason string) {
	bg := context.Background()
	if state != nil {
		if err := o.workflows.UpdatePipelineState(bg, id, state); err != nil {
			o.logger.Error("Failed to persist final state", "workflow_id", id, "error", err)
		}
	}
	if _, err := o.workflows.SetStatus(bg, id, models.StatusFailed, &reason); err != nil {
		// A concurrent Cancel may have won the terminal write.
		var te *repo.TransitionError
		if !errors.As(err, &te) {
			o.logger.Error("Failed to mark workflow failed", "workflow_id", id, "error", err)
		}
		return
	}
	o.emit(id, models.EventWorkflowFailed, "", reason, nil)
	o.logger.Warn("Workflow failed", "workflow_id", id, "reason", reason)
}

func (o *Orchestrator) finalizeCancelled(id string, state *models.PipelineState) {
	bg := context.Background()
	if state != nil {
		if err := o.workflows.UpdatePipelineState(bg, id, state); err != nil {
			o.logger.Error("Failed to persist final state", "workflow_id", id, "error", err)
		}
	}
	if _, err := o.workflows.SetStatus(bg, id, models.StatusCancelled, nil); err != nil {
		// Cancel may have settled the status already.
		var te *repo.TransitionError
		if !errors.As(err, &te) {
			o.logger.Error("Failed to mark workflow cancelled", "workflow_id", id, "error", err)
		}
		return
	}
	o.emit(id, models.EventWorkflowCancelled, "", "Workflow cancelled", nil)
	o.logger.Info("Workflow cancelled", "workflow_id", id)
}

func wasCancelled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}
