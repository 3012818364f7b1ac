// Package orchestrator owns the workflow lifecycle: admission control,
// the approval gate, replanning, cancellation, and the supervised tasks
// that drive the agent pipeline. All lifecycle commands serialize on a
// single mutex; the pipeline itself runs in per-workflow goroutines.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ameliahq/amelia/pkg/agent"
	"github.com/ameliahq/amelia/pkg/bus"
	"github.com/ameliahq/amelia/pkg/models"
	"github.com/ameliahq/amelia/pkg/pipeline"
	"github.com/ameliahq/amelia/pkg/repo"
)

var issueIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// RosterProvider resolves a profile id to its agent roster and the
// resolved profile settings.
type RosterProvider interface {
	Roster(profileID string) (*agent.Roster, *models.Profile, error)
}

// Config tunes the orchestrator.
type Config struct {
	// MaxConcurrent caps active (non-terminal) workflows.
	MaxConcurrent int
	// DefaultMaxIterations is the developer/reviewer loop cap when the
	// profile does not set one.
	DefaultMaxIterations int
	// MaxPipelineSteps caps graph steps per run.
	MaxPipelineSteps int
	// CancelGracePeriod bounds how long Cancel waits for the running
	// task to unwind before returning.
	CancelGracePeriod time.Duration
	// DefaultProfile is used when a create request names no profile.
	DefaultProfile string
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	if c.DefaultMaxIterations <= 0 {
		c.DefaultMaxIterations = 3
	}
	if c.CancelGracePeriod <= 0 {
		c.CancelGracePeriod = 5 * time.Second
	}
	if c.DefaultProfile == "" {
		c.DefaultProfile = "default"
	}
	return c
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Orchestrator coordinates workflows end to end.
type Orchestrator struct {
	cfg         Config
	workflows   repo.WorkflowRepo
	events      repo.EventRepo
	tokens      repo.TokenRepo
	checkpoints pipeline.Store
	bus         *bus.Bus
	rosters     RosterProvider
	tracker     agent.Tracker
	logger      *slog.Logger

	// mu serializes lifecycle commands and guards runs.
	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup
}

// New creates an orchestrator.
func New(
	cfg Config,
	workflows repo.WorkflowRepo,
	events repo.EventRepo,
	tokens repo.TokenRepo,
	checkpoints pipeline.Store,
	eventBus *bus.Bus,
	rosters RosterProvider,
	tracker agent.Tracker,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if tracker == nil {
		tracker = agent.NoopTracker{}
	}
	return &Orchestrator{
		cfg:         cfg.withDefaults(),
		workflows:   workflows,
		events:      events,
		tokens:      tokens,
		checkpoints: checkpoints,
		bus:         eventBus,
		rosters:     rosters,
		tracker:     tracker,
		logger:      logger,
		runs:        make(map[string]*run),
	}
}

// Create validates the request, enforces the worktree exclusion and
// the concurrency cap, and persists the new workflow. With PlanNow the
// planning task starts immediately.
func (o *Orchestrator) Create(ctx context.Context, req models.CreateWorkflowRequest) (*models.Workflow, error) {
	// The worktree path is stored canonicalized so exclusion matching
	// never depends on trailing slashes or dot segments.
	if req.WorktreePath != "" {
		req.WorktreePath = filepath.Clean(req.WorktreePath)
	}
	if err := validateCreate(req); err != nil {
		return nil, err
	}

	profileID := req.ProfileID
	if profileID == "" {
		profileID = o.cfg.DefaultProfile
	}
	if _, _, err := o.rosters.Roster(profileID); err != nil {
		return nil, NewValidationError("profile", fmt.Sprintf("unknown profile %q", profileID))
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	// Worktree exclusion is checked ahead of the cap: a duplicate
	// worktree is a conflict even when the system is saturated.
	incumbent, err := o.workflows.GetByWorktree(ctx, req.WorktreePath)
	if err == nil {
		return nil, &ConflictError{WorktreePath: req.WorktreePath, IncumbentID: incumbent.ID}
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	count, err := o.workflows.CountActive(ctx)
	if err != nil {
		return nil, err
	}
	if count >= o.cfg.MaxConcurrent {
		return nil, &LimitError{Limit: o.cfg.MaxConcurrent}
	}

	w := &models.Workflow{
		ID:           uuid.NewString(),
		IssueID:      req.IssueID,
		ProfileID:    profileID,
		WorktreePath: req.WorktreePath,
		WorktreeName: req.WorktreeName,
		Status:       models.StatusPending,
		CreatedAt:    time.Now(),
	}
	if err := o.workflows.Create(ctx, w); err != nil {
		return nil, err
	}
	o.emit(w.ID, models.EventWorkflowCreated, "", fmt.Sprintf("Workflow created for issue %s", w.IssueID), map[string]any{
		"issue_id":      w.IssueID,
		"worktree_path": w.WorktreePath,
		"profile":       w.ProfileID,
	})

	if req.PlanNow {
		updated, err := o.beginPlanningLocked(ctx, w, "", req.SkipApproval)
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return w, nil
}

// Plan starts the planning task for a pending workflow.
func (o *Orchestrator) Plan(ctx context.Context, id string) (*models.Workflow, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	w, err := o.workflows.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status != models.StatusPending {
		return nil, &InvalidStateError{WorkflowID: id, Status: w.Status, Command: "plan"}
	}
	return o.beginPlanningLocked(ctx, w, "", false)
}

// beginPlanningLocked transitions to planning and spawns the task.
// Caller holds o.mu.
func (o *Orchestrator) beginPlanningLocked(ctx context.Context, w *models.Workflow, feedback string, skipApproval bool) (*models.Workflow, error) {
	if err := o.runnerFreeLocked(w.ID); err != nil {
		return nil, err
	}
	updated, err := o.workflows.SetStatus(ctx, w.ID, models.StatusPlanning, nil)
	if err != nil {
		return nil, err
	}
	o.emit(w.ID, models.EventWorkflowStarted, "", "Planning started", nil)
	if err := o.spawnLocked(updated, func(runCtx context.Context) {
		o.runPlanning(runCtx, updated, feedback, skipApproval)
	}); err != nil {
		return nil, err
	}
	return updated, nil
}

// Approve grants the plan approval gate and resumes the pipeline.
func (o *Orchestrator) Approve(ctx context.Context, id string) (*models.Workflow, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	w, err := o.workflows.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status != models.StatusBlocked {
		return nil, &InvalidStateError{WorkflowID: id, Status: w.Status, Command: "approve"}
	}
	if err := o.runnerFreeLocked(id); err != nil {
		return nil, err
	}

	updated, err := o.workflows.SetStatus(ctx, id, models.StatusInProgress, nil)
	if err != nil {
		return nil, err
	}
	o.emit(id, models.EventApprovalGranted, "", "Plan approved", nil)
	if err := o.spawnLocked(updated, func(runCtx context.Context) {
		o.runExecution(runCtx, updated, &pipeline.Resume{Kind: resumeApproval})
	}); err != nil {
		return nil, err
	}
	return updated, nil
}

// Reject declines the plan and fails the workflow. The pipeline is not
// resumed; rejection is a direct transition to failed.
func (o *Orchestrator) Reject(ctx context.Context, id, reason string) (*models.Workflow, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	w, err := o.workflows.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status != models.StatusBlocked {
		return nil, &InvalidStateError{WorkflowID: id, Status: w.Status, Command: "reject"}
	}

	failure := "plan rejected"
	if reason != "" {
		failure = "plan rejected: " + reason
	}
	updated, err := o.workflows.SetStatus(ctx, id, models.StatusFailed, &failure)
	if err != nil {
		return nil, err
	}
	o.emit(id, models.EventApprovalRejected, "", failure, map[string]any{"reason": reason})
	o.emit(id, models.EventWorkflowFailed, "", failure, nil)
	return updated, nil
}

// Replan sends a blocked workflow back to planning. Prior checkpoints
// are purged and the architect runs again with the human feedback.
func (o *Orchestrator) Replan(ctx context.Context, id, feedback string) (*models.Workflow, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	w, err := o.workflows.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status != models.StatusBlocked {
		return nil, &InvalidStateError{WorkflowID: id, Status: w.Status, Command: "replan"}
	}
	if err := o.runnerFreeLocked(id); err != nil {
		return nil, err
	}

	if err := o.checkpoints.Purge(ctx, id); err != nil {
		return nil, err
	}
	if err := o.workflows.UpdatePlanCache(ctx, id, nil, nil); err != nil {
		return nil, err
	}

	updated, err := o.workflows.SetStatus(ctx, id, models.StatusPlanning, nil)
	if err != nil {
		return nil, err
	}
	o.emit(id, models.EventReplanStarted, "", "Replanning with feedback", map[string]any{"feedback": feedback})
	if err := o.spawnLocked(updated, func(runCtx context.Context) {
		o.runPlanning(runCtx, updated, feedback, false)
	}); err != nil {
		return nil, err
	}
	return updated, nil
}

// SetPlan edits the plan of a blocked workflow in place. The edited
// markdown is what the developer executes after approval.
func (o *Orchestrator) SetPlan(ctx context.Context, id, planMarkdown string) (*models.Workflow, error) {
	if planMarkdown == "" {
		return nil, NewValidationError("plan_markdown", "must not be empty")
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	w, err := o.workflows.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status != models.StatusBlocked {
		return nil, &InvalidStateError{WorkflowID: id, Status: w.Status, Command: "set plan"}
	}

	engine := o.newEngine(nil)
	state, err := engine.UpdateState(ctx, id, func(s *models.PipelineState) {
		s.PlanMarkdown = planMarkdown
	})
	if err != nil {
		if errors.Is(err, pipeline.ErrNoCheckpoint) {
			return nil, &InvalidStateError{WorkflowID: id, Status: w.Status, Command: "set plan"}
		}
		return nil, err
	}
	if err := o.workflows.UpdatePlanCache(ctx, id, &planMarkdown, planSummary(state)); err != nil {
		return nil, err
	}
	if err := o.workflows.UpdatePipelineState(ctx, id, state); err != nil {
		return nil, err
	}
	return o.workflows.Get(ctx, id)
}

// Cancel stops a workflow. A running task is cancelled and given the
// grace period to unwind; pending and blocked workflows transition
// directly.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*models.Workflow, error) {
	o.mu.Lock()
	w, err := o.workflows.Get(ctx, id)
	if err != nil {
		o.mu.Unlock()
		return nil, err
	}
	if w.Status.Terminal() {
		o.mu.Unlock()
		return nil, &InvalidStateError{WorkflowID: id, Status: w.Status, Command: "cancel"}
	}
	active := o.runs[id]
	if active != nil {
		active.cancel()
	}
	o.mu.Unlock()

	if active != nil {
		select {
		case <-active.done:
		case <-time.After(o.cfg.CancelGracePeriod):
			o.logger.Warn("Cancelled task did not unwind within grace period", "workflow_id", id)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		// The task may have unwound without reaching a terminal status
		// (it had just parked the workflow as blocked). Settle it here.
		current, err := o.workflows.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.Status.Terminal() {
			return current, nil
		}
	}

	updated, err := o.workflows.SetStatus(ctx, id, models.StatusCancelled, nil)
	if err != nil {
		var te *repo.TransitionError
		if errors.As(err, &te) {
			return o.workflows.Get(ctx, id)
		}
		return nil, err
	}
	o.emit(id, models.EventWorkflowCancelled, "", "Workflow cancelled", nil)
	return updated, nil
}

// Get returns one workflow.
func (o *Orchestrator) Get(ctx context.Context, id string) (*models.Workflow, error) {
	return o.workflows.Get(ctx, id)
}

// List pages workflows.
func (o *Orchestrator) List(ctx context.Context, filters models.WorkflowFilters) (*models.WorkflowPage, error) {
	return o.workflows.List(ctx, filters)
}

// ListActive returns all non-terminal workflows, unpaginated. The
// dashboard uses this to seed its live view before subscribing.
func (o *Orchestrator) ListActive(ctx context.Context) ([]*models.Workflow, error) {
	return o.workflows.ListActive(ctx)
}

// Detail aggregates the workflow with its latest review, token usage,
// and recent events.
func (o *Orchestrator) Detail(ctx context.Context, id string) (*models.WorkflowDetail, error) {
	w, err := o.workflows.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	detail := &models.WorkflowDetail{Workflow: w}
	if w.PipelineState != nil {
		detail.LatestReview = w.PipelineState.LastReview
	}
	if usage, err := o.tokens.GetByWorkflow(ctx, id); err == nil {
		detail.TokenUsage = usage
	}
	if recent, err := o.events.GetRecent(ctx, id, 50); err == nil {
		detail.RecentEvents = recent
	}
	return detail, nil
}

// Events returns persisted events after the given sequence.
func (o *Orchestrator) Events(ctx context.Context, id string, afterSequence int64, limit int) ([]*models.WorkflowEvent, error) {
	if _, err := o.workflows.Get(ctx, id); err != nil {
		return nil, err
	}
	return o.events.GetSince(ctx, id, afterSequence, limit)
}

// ActiveRuns reports how many supervised tasks are currently running.
func (o *Orchestrator) ActiveRuns() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.runs)
}

// Shutdown cancels all running tasks and waits for them to unwind,
// bounded by the context.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	for _, r := range o.runs {
		r.cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runnerFreeLocked rejects commands that would start a second
// supervised task for a workflow. A run handle may outlive the status
// that spawned it for a short window (the planning task finishes its
// writes after parking the workflow blocked). Caller holds o.mu.
func (o *Orchestrator) runnerFreeLocked(id string) error {
	if _, exists := o.runs[id]; exists {
		return &ConflictError{IncumbentID: id, RunnerActive: true}
	}
	return nil
}

// spawnLocked registers and launches a supervised task. Caller holds
// o.mu; the run slot must be free.
func (o *Orchestrator) spawnLocked(w *models.Workflow, fn func(context.Context)) error {
	if err := o.runnerFreeLocked(w.ID); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel, done: make(chan struct{})}
	o.runs[w.ID] = r
	o.wg.Add(1)
	go func() {
		defer func() {
			cancel()
			close(r.done)
			o.mu.Lock()
			// Delete only our own handle; never a successor's.
			if o.runs[w.ID] == r {
				delete(o.runs, w.ID)
			}
			o.mu.Unlock()
			o.wg.Done()
		}()
		fn(runCtx)
	}()
	return nil
}

func (o *Orchestrator) emit(workflowID string, t models.EventType, agentName, message string, data map[string]any) {
	o.bus.Emit(&models.WorkflowEvent{
		EventID:    uuid.NewString(),
		WorkflowID: workflowID,
		Timestamp:  time.Now(),
		Type:       t,
		Agent:      agentName,
		Message:    message,
		Data:       data,
	})
}

// emitterFor adapts emit for agents streaming fine-grained activity.
func (o *Orchestrator) emitterFor(workflowID string) agent.Emitter {
	return func(eventType models.EventType, agentName, message string, data map[string]any) {
		o.emit(workflowID, eventType, agentName, message, data)
	}
}

func validateCreate(req models.CreateWorkflowRequest) error {
	if !issueIDPattern.MatchString(req.IssueID) {
		return NewValidationError("issue_id", "must be 1-100 characters of [A-Za-z0-9_-]")
	}
	if req.WorktreePath == "" {
		return NewValidationError("worktree_path", "must not be empty")
	}
	if !filepath.IsAbs(req.WorktreePath) {
		return NewValidationError("worktree_path", "must be an absolute path")
	}
	if strings.ContainsRune(req.WorktreePath, 0) {
		return NewValidationError("worktree_path", "must not contain NUL bytes")
	}
	if req.SkipApproval && !req.PlanNow {
		return NewValidationError("skip_approval", "requires plan_now; a queued workflow keeps its approval gate")
	}
	return nil
}

func planSummary(state *models.PipelineState) *string {
	if state == nil || state.Goal == "" {
		return nil
	}
	goal := state.Goal
	return &goal
}
