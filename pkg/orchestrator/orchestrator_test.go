package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ameliahq/amelia/pkg/agent"
	"github.com/ameliahq/amelia/pkg/bus"
	"github.com/ameliahq/amelia/pkg/models"
	"github.com/ameliahq/amelia/pkg/pipeline"
	"github.com/ameliahq/amelia/pkg/repo"
)

type architectFunc func(context.Context, agent.PlanRequest) (*agent.PlanResult, error)

func (f architectFunc) Plan(ctx context.Context, req agent.PlanRequest) (*agent.PlanResult, error) {
	return f(ctx, req)
}

type developerFunc func(context.Context, agent.ExecuteRequest) (*agent.ExecuteResult, error)

func (f developerFunc) Execute(ctx context.Context, req agent.ExecuteRequest) (*agent.ExecuteResult, error) {
	return f(ctx, req)
}

type reviewerFunc func(context.Context, agent.ReviewRequest) (*agent.ReviewResult, error)

func (f reviewerFunc) Review(ctx context.Context, req agent.ReviewRequest) (*agent.ReviewResult, error) {
	return f(ctx, req)
}

type stubProvider struct {
	roster  *agent.Roster
	profile *models.Profile
	err     error
}

func (p *stubProvider) Roster(string) (*agent.Roster, *models.Profile, error) {
	if p.err != nil {
		return nil, nil, p.err
	}
	return p.roster, p.profile, nil
}

// harness wires an orchestrator over in-memory stores with a recording
// subscriber, mirroring the production subscriber order.
type harness struct {
	o         *Orchestrator
	workflows *repo.MemoryWorkflowRepo
	events    *repo.MemoryEventRepo
	tokens    *repo.MemoryTokenRepo
	provider  *stubProvider

	mu       sync.Mutex
	recorded []models.WorkflowEvent
}

func newHarness(t *testing.T, cfg Config, roster *agent.Roster) *harness {
	t.Helper()
	h := &harness{
		workflows: repo.NewMemoryWorkflowRepo(),
		events:    repo.NewMemoryEventRepo(),
		tokens:    repo.NewMemoryTokenRepo(),
		provider:  &stubProvider{roster: roster, profile: &models.Profile{Name: "default"}},
	}
	b := bus.New()
	b.Subscribe(bus.NewPersister(h.events))
	b.Subscribe(bus.NewTokenSink(h.tokens))
	b.Subscribe(func(e *models.WorkflowEvent) {
		h.mu.Lock()
		h.recorded = append(h.recorded, *e)
		h.mu.Unlock()
	})
	h.o = New(cfg, h.workflows, h.events, h.tokens, pipeline.NewMemoryStore(), b, h.provider, nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.o.Shutdown(ctx)
	})
	return h
}

func (h *harness) eventTypes(workflowID string) []models.EventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []models.EventType
	for _, e := range h.recorded {
		if e.WorkflowID == workflowID {
			out = append(out, e.Type)
		}
	}
	return out
}

func (h *harness) countEvents(workflowID string, t models.EventType) int {
	n := 0
	for _, et := range h.eventTypes(workflowID) {
		if et == t {
			n++
		}
	}
	return n
}

func (h *harness) waitStatus(t *testing.T, id string, status models.Status) *models.Workflow {
	t.Helper()
	var got *models.Workflow
	require.Eventually(t, func() bool {
		w, err := h.workflows.Get(context.Background(), id)
		if err != nil || w.Status != status {
			return false
		}
		got = w
		// A parked or terminal status is only settled once the task has
		// released its run handle; commands against a workflow whose
		// runner is still unwinding are refused.
		if status == models.StatusPlanning || status == models.StatusInProgress {
			return true
		}
		return h.o.ActiveRuns() == 0
	}, 3*time.Second, 5*time.Millisecond, "workflow never reached %s", status)
	return got
}

func happyRoster() *agent.Roster {
	return &agent.Roster{
		Architect: architectFunc(func(_ context.Context, req agent.PlanRequest) (*agent.PlanResult, error) {
			return &agent.PlanResult{
				Goal:         "implement " + req.Issue.ID,
				PlanMarkdown: "# Plan\n1. do the thing",
				Tasks:        []models.Task{{ID: "t1", Title: "do the thing", Status: models.TaskPending}},
				SessionID:    "sess-1",
				Tokens:       models.AgentTokens{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
			}, nil
		}),
		Developer: developerFunc(func(_ context.Context, _ agent.ExecuteRequest) (*agent.ExecuteResult, error) {
			return &agent.ExecuteResult{
				Tasks:   []models.Task{{ID: "t1", Title: "do the thing", Status: models.TaskDone}},
				Summary: "implemented the thing",
				Tokens:  models.AgentTokens{TotalTokens: 100},
			}, nil
		}),
		Reviewer: reviewerFunc(func(_ context.Context, _ agent.ReviewRequest) (*agent.ReviewResult, error) {
			return &agent.ReviewResult{
				Review: models.Review{Approved: true},
				Tokens: models.AgentTokens{TotalTokens: 20},
			}, nil
		}),
	}
}

func createRequest(issue string) models.CreateWorkflowRequest {
	return models.CreateWorkflowRequest{
		IssueID:      issue,
		WorktreePath: "/work/" + issue,
		PlanNow:      true,
	}
}

func TestHappyPath(t *testing.T) {
	h := newHarness(t, Config{}, happyRoster())
	ctx := context.Background()

	w, err := h.o.Create(ctx, createRequest("ISSUE-1"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusPlanning, w.Status)

	blocked := h.waitStatus(t, w.ID, models.StatusBlocked)
	require.NotNil(t, blocked.PlanMarkdown)
	assert.Contains(t, *blocked.PlanMarkdown, "# Plan")
	assert.NotNil(t, blocked.PlannedAt)
	assert.Equal(t, 1, h.countEvents(w.ID, models.EventApprovalRequired),
		"exactly one approval_required per planning pass")

	_, err = h.o.Approve(ctx, w.ID)
	require.NoError(t, err)

	done := h.waitStatus(t, w.ID, models.StatusCompleted)
	assert.NotNil(t, done.CompletedAt)
	assert.NotNil(t, done.StartedAt)
	require.NotNil(t, done.PipelineState)
	assert.Equal(t, 1, done.PipelineState.Iteration)
	require.NotNil(t, done.PipelineState.LastReview)
	assert.True(t, done.PipelineState.LastReview.Approved)

	types := h.eventTypes(w.ID)
	assert.Equal(t, models.EventWorkflowCreated, types[0])
	assert.Equal(t, models.EventWorkflowCompleted, types[len(types)-1])
	assert.Equal(t, 1, h.countEvents(w.ID, models.EventApprovalGranted))

	// Persisted events carry gapless sequences.
	persisted, err := h.events.GetSince(ctx, w.ID, 0, 0)
	require.NoError(t, err)
	for i, e := range persisted {
		assert.Equal(t, int64(i+1), e.Sequence)
	}

	// Token sums folded per agent.
	usage, err := h.tokens.GetByWorkflow(ctx, w.ID)
	require.NoError(t, err)
	byAgent := map[string]int64{}
	for _, u := range usage {
		byAgent[u.Agent] = u.TotalTokens
	}
	assert.Equal(t, int64(15), byAgent["architect"])
	assert.Equal(t, int64(100), byAgent["developer"])
	assert.Equal(t, int64(20), byAgent["reviewer"])
}

func TestSkipApprovalAutoGrants(t *testing.T) {
	h := newHarness(t, Config{}, happyRoster())
	req := createRequest("ISSUE-2")
	req.SkipApproval = true

	w, err := h.o.Create(context.Background(), req)
	require.NoError(t, err)

	h.waitStatus(t, w.ID, models.StatusCompleted)
	assert.Equal(t, 1, h.countEvents(w.ID, models.EventApprovalRequired))
	assert.Equal(t, 1, h.countEvents(w.ID, models.EventApprovalGranted))
}

func TestRejectFailsWithoutResuming(t *testing.T) {
	h := newHarness(t, Config{}, happyRoster())
	ctx := context.Background()

	w, err := h.o.Create(ctx, createRequest("ISSUE-3"))
	require.NoError(t, err)
	h.waitStatus(t, w.ID, models.StatusBlocked)

	updated, err := h.o.Reject(ctx, w.ID, "wrong approach")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, updated.Status)
	require.NotNil(t, updated.FailureReason)
	assert.Contains(t, *updated.FailureReason, "wrong approach")

	assert.Equal(t, 1, h.countEvents(w.ID, models.EventApprovalRejected))
	assert.Equal(t, 1, h.countEvents(w.ID, models.EventStageStarted),
		"only the architect stage ran; rejection does not resume the pipeline")
	assert.Equal(t, 0, h.o.ActiveRuns())
}

func TestReplanRunsArchitectAgain(t *testing.T) {
	var mu sync.Mutex
	var feedbacks []string
	roster := happyRoster()
	roster.Architect = architectFunc(func(_ context.Context, req agent.PlanRequest) (*agent.PlanResult, error) {
		mu.Lock()
		feedbacks = append(feedbacks, req.Feedback)
		n := len(feedbacks)
		mu.Unlock()
		return &agent.PlanResult{
			Goal:         fmt.Sprintf("attempt %d", n),
			PlanMarkdown: fmt.Sprintf("# Plan v%d", n),
			Tasks:        []models.Task{{ID: "t1", Title: "work", Status: models.TaskPending}},
		}, nil
	})

	h := newHarness(t, Config{}, roster)
	ctx := context.Background()

	w, err := h.o.Create(ctx, createRequest("ISSUE-4"))
	require.NoError(t, err)
	h.waitStatus(t, w.ID, models.StatusBlocked)

	_, err = h.o.Replan(ctx, w.ID, "split into smaller tasks")
	require.NoError(t, err)

	// Back through planning to blocked with a fresh plan, replanning
	// task fully unwound.
	require.Eventually(t, func() bool {
		got, err := h.workflows.Get(ctx, w.ID)
		return err == nil && got.Status == models.StatusBlocked &&
			got.PlanMarkdown != nil && *got.PlanMarkdown == "# Plan v2" &&
			h.o.ActiveRuns() == 0
	}, 3*time.Second, 5*time.Millisecond)

	mu.Lock()
	require.Len(t, feedbacks, 2)
	assert.Empty(t, feedbacks[0])
	assert.Equal(t, "split into smaller tasks", feedbacks[1])
	mu.Unlock()

	assert.Equal(t, 1, h.countEvents(w.ID, models.EventReplanStarted))
	assert.Equal(t, 2, h.countEvents(w.ID, models.EventApprovalRequired),
		"one approval_required per planning pass")

	_, err = h.o.Approve(ctx, w.ID)
	require.NoError(t, err)
	h.waitStatus(t, w.ID, models.StatusCompleted)
}

func TestWorktreeConflictNamesIncumbent(t *testing.T) {
	h := newHarness(t, Config{}, happyRoster())
	ctx := context.Background()

	req := models.CreateWorkflowRequest{IssueID: "ISSUE-5", WorktreePath: "/work/shared"}
	first, err := h.o.Create(ctx, req)
	require.NoError(t, err)

	req.IssueID = "ISSUE-6"
	_, err = h.o.Create(ctx, req)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, first.ID, conflict.IncumbentID)
	assert.Equal(t, "/work/shared", conflict.WorktreePath)

	// A terminal incumbent releases the worktree.
	_, err = h.o.Cancel(ctx, first.ID)
	require.NoError(t, err)
	_, err = h.o.Create(ctx, req)
	require.NoError(t, err)
}

func TestWorktreeConflictOutranksCap(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrent: 1}, happyRoster())
	ctx := context.Background()

	first, err := h.o.Create(ctx, models.CreateWorkflowRequest{
		IssueID: "CAP-A", WorktreePath: "/work/cap-a",
	})
	require.NoError(t, err)

	// A duplicate worktree at capacity is still answered with the
	// incumbent, not a retry hint.
	_, err = h.o.Create(ctx, models.CreateWorkflowRequest{
		IssueID: "CAP-B", WorktreePath: "/work/cap-a",
	})
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, first.ID, conflict.IncumbentID)

	// A fresh worktree at capacity hits the cap.
	_, err = h.o.Create(ctx, models.CreateWorkflowRequest{
		IssueID: "CAP-C", WorktreePath: "/work/cap-c",
	})
	var limit *LimitError
	require.ErrorAs(t, err, &limit)
}

func TestWorktreePathCanonicalized(t *testing.T) {
	h := newHarness(t, Config{}, happyRoster())
	ctx := context.Background()

	first, err := h.o.Create(ctx, models.CreateWorkflowRequest{
		IssueID: "PATH-1", WorktreePath: "/work/shared/",
	})
	require.NoError(t, err)
	assert.Equal(t, "/work/shared", first.WorktreePath)

	// Spellings that clean to the same path collide with the incumbent.
	for _, path := range []string{"/work/shared", "/work/shared/", "/work/shared/sub/.."} {
		_, err = h.o.Create(ctx, models.CreateWorkflowRequest{
			IssueID: "PATH-2", WorktreePath: path,
		})
		var conflict *ConflictError
		require.ErrorAs(t, err, &conflict, "path %s", path)
		assert.Equal(t, first.ID, conflict.IncumbentID)
		assert.Equal(t, "/work/shared", conflict.WorktreePath)
	}
}

// planCacheGate stalls the planning task's last write so the run
// handle outlives the blocked status transition.
type planCacheGate struct {
	*repo.MemoryWorkflowRepo
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (r *planCacheGate) UpdatePlanCache(ctx context.Context, id string, planMarkdown, planSummary *string) error {
	r.once.Do(func() {
		close(r.entered)
		<-r.release
	})
	return r.MemoryWorkflowRepo.UpdatePlanCache(ctx, id, planMarkdown, planSummary)
}

func TestApproveRefusedWhilePlanningRunnerAlive(t *testing.T) {
	gate := &planCacheGate{
		MemoryWorkflowRepo: repo.NewMemoryWorkflowRepo(),
		entered:            make(chan struct{}),
		release:            make(chan struct{}),
	}
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(gate.release) }) }
	t.Cleanup(release)

	events := repo.NewMemoryEventRepo()
	b := bus.New()
	b.Subscribe(bus.NewPersister(events))
	o := New(Config{}, gate, events, repo.NewMemoryTokenRepo(), pipeline.NewMemoryStore(), b,
		&stubProvider{roster: happyRoster(), profile: &models.Profile{Name: "default"}}, nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})

	ctx := context.Background()
	w, err := o.Create(ctx, createRequest("RACE-1"))
	require.NoError(t, err)

	select {
	case <-gate.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("planning task never reached the plan cache write")
	}

	// The workflow is already blocked but the planning task is still
	// unwinding and holds the run handle.
	got, err := gate.Get(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusBlocked, got.Status)
	require.Equal(t, 1, o.ActiveRuns())

	_, err = o.Approve(ctx, w.ID)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.True(t, conflict.RunnerActive)
	assert.Equal(t, 1, o.ActiveRuns(), "the planning run handle survives the refused approval")

	release()
	require.Eventually(t, func() bool { return o.ActiveRuns() == 0 }, 3*time.Second, 5*time.Millisecond)

	_, err = o.Approve(ctx, w.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, err := gate.Get(ctx, w.ID)
		return err == nil && got.Status == models.StatusCompleted
	}, 3*time.Second, 5*time.Millisecond)
}

func TestConcurrencyCap(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrent: 2}, happyRoster())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := h.o.Create(ctx, models.CreateWorkflowRequest{
			IssueID:      fmt.Sprintf("CAP-%d", i),
			WorktreePath: fmt.Sprintf("/work/cap-%d", i),
		})
		require.NoError(t, err)
	}

	_, err := h.o.Create(ctx, models.CreateWorkflowRequest{
		IssueID: "CAP-2", WorktreePath: "/work/cap-2",
	})
	var limit *LimitError
	require.ErrorAs(t, err, &limit)
	assert.Equal(t, 2, limit.Limit)
}

func TestCancelPendingAndBlocked(t *testing.T) {
	h := newHarness(t, Config{}, happyRoster())
	ctx := context.Background()

	pending, err := h.o.Create(ctx, models.CreateWorkflowRequest{
		IssueID: "ISSUE-7", WorktreePath: "/work/pending",
	})
	require.NoError(t, err)
	got, err := h.o.Cancel(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)

	blocked, err := h.o.Create(ctx, createRequest("ISSUE-8"))
	require.NoError(t, err)
	h.waitStatus(t, blocked.ID, models.StatusBlocked)
	got, err = h.o.Cancel(ctx, blocked.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)

	// Terminal workflows cannot be cancelled again.
	_, err = h.o.Cancel(ctx, got.ID)
	var ise *InvalidStateError
	assert.ErrorAs(t, err, &ise)
}

func TestCancelRunningTask(t *testing.T) {
	started := make(chan struct{})
	roster := happyRoster()
	roster.Developer = developerFunc(func(ctx context.Context, _ agent.ExecuteRequest) (*agent.ExecuteResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	h := newHarness(t, Config{CancelGracePeriod: time.Second}, roster)
	ctx := context.Background()

	req := createRequest("ISSUE-9")
	req.SkipApproval = true
	w, err := h.o.Create(ctx, req)
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("developer never started")
	}

	_, err = h.o.Cancel(ctx, w.ID)
	require.NoError(t, err)
	h.waitStatus(t, w.ID, models.StatusCancelled)
	assert.Equal(t, 1, h.countEvents(w.ID, models.EventWorkflowCancelled))
}

func TestIterationBoundary(t *testing.T) {
	t.Run("rejected at max fails", func(t *testing.T) {
		roster := happyRoster()
		roster.Reviewer = reviewerFunc(func(_ context.Context, _ agent.ReviewRequest) (*agent.ReviewResult, error) {
			return &agent.ReviewResult{Review: models.Review{Approved: false, Comments: []string{"needs work"}}}, nil
		})

		h := newHarness(t, Config{DefaultMaxIterations: 2}, roster)
		req := createRequest("ITER-1")
		req.SkipApproval = true
		w, err := h.o.Create(context.Background(), req)
		require.NoError(t, err)

		failed := h.waitStatus(t, w.ID, models.StatusFailed)
		require.NotNil(t, failed.FailureReason)
		assert.Contains(t, *failed.FailureReason, "review rejected after 2 of 2 iterations")
		require.NotNil(t, failed.PipelineState)
		assert.Equal(t, 2, failed.PipelineState.Iteration)
	})

	t.Run("rejection below max loops once more", func(t *testing.T) {
		var mu sync.Mutex
		reviews := 0
		var developerFeedback [][]string

		roster := happyRoster()
		roster.Developer = developerFunc(func(_ context.Context, req agent.ExecuteRequest) (*agent.ExecuteResult, error) {
			mu.Lock()
			developerFeedback = append(developerFeedback, req.ReviewFeedback)
			mu.Unlock()
			return &agent.ExecuteResult{Summary: "attempt"}, nil
		})
		roster.Reviewer = reviewerFunc(func(_ context.Context, _ agent.ReviewRequest) (*agent.ReviewResult, error) {
			mu.Lock()
			reviews++
			approved := reviews >= 2
			mu.Unlock()
			return &agent.ReviewResult{Review: models.Review{Approved: approved, Comments: []string{"tighten tests"}}}, nil
		})

		h := newHarness(t, Config{DefaultMaxIterations: 2}, roster)
		req := createRequest("ITER-2")
		req.SkipApproval = true
		w, err := h.o.Create(context.Background(), req)
		require.NoError(t, err)

		done := h.waitStatus(t, w.ID, models.StatusCompleted)
		assert.Equal(t, 2, done.PipelineState.Iteration)

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, developerFeedback, 2)
		assert.Empty(t, developerFeedback[0], "first iteration has no review feedback")
		assert.Equal(t, []string{"tighten tests"}, developerFeedback[1])
	})
}

func TestArchitectFailureFailsWorkflow(t *testing.T) {
	roster := happyRoster()
	roster.Architect = architectFunc(func(_ context.Context, _ agent.PlanRequest) (*agent.PlanResult, error) {
		return nil, errors.New("driver crashed")
	})

	h := newHarness(t, Config{}, roster)
	w, err := h.o.Create(context.Background(), createRequest("ISSUE-10"))
	require.NoError(t, err)

	failed := h.waitStatus(t, w.ID, models.StatusFailed)
	require.NotNil(t, failed.FailureReason)
	assert.Contains(t, *failed.FailureReason, "driver crashed")
	assert.Equal(t, 1, h.countEvents(w.ID, models.EventStageFailed))
	assert.Equal(t, 1, h.countEvents(w.ID, models.EventWorkflowFailed))
}

func TestSetPlanEditsBlockedWorkflow(t *testing.T) {
	var mu sync.Mutex
	var executedPlan string
	roster := happyRoster()
	roster.Developer = developerFunc(func(_ context.Context, req agent.ExecuteRequest) (*agent.ExecuteResult, error) {
		mu.Lock()
		executedPlan = req.State.PlanMarkdown
		mu.Unlock()
		return &agent.ExecuteResult{Summary: "done"}, nil
	})

	h := newHarness(t, Config{}, roster)
	ctx := context.Background()

	w, err := h.o.Create(ctx, createRequest("ISSUE-11"))
	require.NoError(t, err)
	h.waitStatus(t, w.ID, models.StatusBlocked)

	updated, err := h.o.SetPlan(ctx, w.ID, "# Edited plan")
	require.NoError(t, err)
	require.NotNil(t, updated.PlanMarkdown)
	assert.Equal(t, "# Edited plan", *updated.PlanMarkdown)

	_, err = h.o.Approve(ctx, w.ID)
	require.NoError(t, err)
	h.waitStatus(t, w.ID, models.StatusCompleted)

	mu.Lock()
	assert.Equal(t, "# Edited plan", executedPlan, "the developer executes the edited plan")
	mu.Unlock()
}

func TestCommandStateGuards(t *testing.T) {
	h := newHarness(t, Config{}, happyRoster())
	ctx := context.Background()

	w, err := h.o.Create(ctx, models.CreateWorkflowRequest{
		IssueID: "ISSUE-12", WorktreePath: "/work/guards",
	})
	require.NoError(t, err)

	var ise *InvalidStateError
	_, err = h.o.Approve(ctx, w.ID)
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, "approve", ise.Command)

	_, err = h.o.Reject(ctx, w.ID, "")
	assert.ErrorAs(t, err, &ise)
	_, err = h.o.Replan(ctx, w.ID, "")
	assert.ErrorAs(t, err, &ise)
	_, err = h.o.SetPlan(ctx, w.ID, "# nope")
	assert.ErrorAs(t, err, &ise)

	_, err = h.o.Approve(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t, Config{}, happyRoster())
	ctx := context.Background()

	tests := []struct {
		name  string
		req   models.CreateWorkflowRequest
		field string
	}{
		{"empty issue", models.CreateWorkflowRequest{WorktreePath: "/w"}, "issue_id"},
		{"bad issue chars", models.CreateWorkflowRequest{IssueID: "a b!", WorktreePath: "/w"}, "issue_id"},
		{"empty worktree", models.CreateWorkflowRequest{IssueID: "OK-1"}, "worktree_path"},
		{"relative worktree", models.CreateWorkflowRequest{IssueID: "OK-1", WorktreePath: "rel/path"}, "worktree_path"},
		{"skip approval without plan now", models.CreateWorkflowRequest{IssueID: "OK-1", WorktreePath: "/w", SkipApproval: true}, "skip_approval"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.o.Create(ctx, tc.req)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
		})
	}
}

func TestDetailAggregates(t *testing.T) {
	h := newHarness(t, Config{}, happyRoster())
	ctx := context.Background()

	w, err := h.o.Create(ctx, createRequest("ISSUE-13"))
	require.NoError(t, err)
	h.waitStatus(t, w.ID, models.StatusBlocked)
	_, err = h.o.Approve(ctx, w.ID)
	require.NoError(t, err)
	h.waitStatus(t, w.ID, models.StatusCompleted)

	detail, err := h.o.Detail(ctx, w.ID)
	require.NoError(t, err)
	require.NotNil(t, detail.LatestReview)
	assert.True(t, detail.LatestReview.Approved)
	assert.NotEmpty(t, detail.TokenUsage)
	assert.NotEmpty(t, detail.RecentEvents)
}
