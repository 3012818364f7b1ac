package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ameliahq/amelia/pkg/models"
)

func strPtr(s string) *string { return &s }

func newState(threadID string) *models.PipelineState {
	return &models.PipelineState{WorkflowID: threadID, MaxIterations: 3}
}

// twoNodeGraph runs plan → work → End, recording visits in History.
func twoNodeGraph() *Graph {
	g := NewGraph("plan")
	g.AddNode("plan", func(_ context.Context, _ *models.PipelineState, _ *Resume) (*StepResult, error) {
		return &StepResult{Delta: &models.StateDelta{History: []string{"plan"}, Goal: strPtr("ship it")}}, nil
	})
	g.AddNode("work", func(_ context.Context, _ *models.PipelineState, _ *Resume) (*StepResult, error) {
		return &StepResult{Delta: &models.StateDelta{History: []string{"work"}}}, nil
	})
	g.AddEdge("plan", func(_ *models.PipelineState) string { return "work" })
	return g
}

func TestEngine_RunToEnd(t *testing.T) {
	g := twoNodeGraph()
	require.NoError(t, g.Validate())
	e := NewEngine(g, NewMemoryStore(), 0, nil)

	out, err := e.Run(context.Background(), "t1", newState("t1"))
	require.NoError(t, err)
	assert.False(t, out.Interrupted())
	assert.Equal(t, []string{"plan", "work"}, out.State.History)
	assert.Equal(t, "ship it", out.State.Goal)
	assert.Equal(t, 2, out.Steps)
}

func TestEngine_InterruptAndResume(t *testing.T) {
	g := NewGraph("plan")
	g.AddNode("plan", func(_ context.Context, _ *models.PipelineState, resume *Resume) (*StepResult, error) {
		if resume == nil {
			// First entry writes the plan and pauses for approval.
			return &StepResult{
				Delta:     &models.StateDelta{PlanMarkdown: strPtr("# Plan"), History: []string{"drafted"}},
				Interrupt: &Interrupt{Kind: "awaiting_plan_approval"},
			}, nil
		}
		return &StepResult{Delta: &models.StateDelta{History: []string{"approved:" + resume.Kind}}}, nil
	})
	g.AddNode("work", func(_ context.Context, _ *models.PipelineState, _ *Resume) (*StepResult, error) {
		return &StepResult{Delta: &models.StateDelta{History: []string{"work"}}}, nil
	})
	g.AddEdge("plan", func(_ *models.PipelineState) string { return "work" })

	store := NewMemoryStore()
	e := NewEngine(g, store, 0, nil)
	ctx := context.Background()

	out, err := e.Run(ctx, "t1", newState("t1"))
	require.NoError(t, err)
	require.True(t, out.Interrupted())
	assert.Equal(t, "awaiting_plan_approval", out.Interrupt.Kind)
	assert.Equal(t, "# Plan", out.State.PlanMarkdown, "delta applied before pausing")

	// The checkpoint records the interrupted node as next.
	cp, err := store.LoadLatest(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "plan", cp.NextNode)
	require.NotNil(t, cp.Interrupt)

	out, err = e.Resume(ctx, "t1", &Resume{Kind: "approval"})
	require.NoError(t, err)
	assert.False(t, out.Interrupted())
	assert.Equal(t, []string{"drafted", "approved:approval", "work"}, out.State.History)
}

func TestEngine_ResumeWithoutInterrupt(t *testing.T) {
	e := NewEngine(twoNodeGraph(), NewMemoryStore(), 0, nil)
	ctx := context.Background()

	_, err := e.Resume(ctx, "missing", &Resume{Kind: "approval"})
	assert.ErrorIs(t, err, ErrNoCheckpoint)

	_, err = e.Run(ctx, "t1", newState("t1"))
	require.NoError(t, err)
	_, err = e.Resume(ctx, "t1", &Resume{Kind: "approval"})
	assert.ErrorContains(t, err, "not interrupted")
}

func TestEngine_UpdateState(t *testing.T) {
	g := NewGraph("plan")
	g.AddNode("plan", func(_ context.Context, _ *models.PipelineState, resume *Resume) (*StepResult, error) {
		if resume == nil {
			return &StepResult{
				Delta:     &models.StateDelta{PlanMarkdown: strPtr("v1")},
				Interrupt: &Interrupt{Kind: "awaiting_plan_approval"},
			}, nil
		}
		return &StepResult{}, nil
	})

	store := NewMemoryStore()
	e := NewEngine(g, store, 0, nil)
	ctx := context.Background()

	_, err := e.Run(ctx, "t1", newState("t1"))
	require.NoError(t, err)

	state, err := e.UpdateState(ctx, "t1", func(s *models.PipelineState) {
		s.PlanMarkdown = "v2 edited"
	})
	require.NoError(t, err)
	assert.Equal(t, "v2 edited", state.PlanMarkdown)

	// The edit is what the resumed node sees, and the interrupt survives.
	cp, err := store.LoadLatest(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "v2 edited", cp.State.PlanMarkdown)
	require.NotNil(t, cp.Interrupt)

	out, err := e.Resume(ctx, "t1", &Resume{Kind: "approval"})
	require.NoError(t, err)
	assert.Equal(t, "v2 edited", out.State.PlanMarkdown)
}

func TestEngine_MaxSteps(t *testing.T) {
	g := NewGraph("loop")
	g.AddNode("loop", func(_ context.Context, _ *models.PipelineState, _ *Resume) (*StepResult, error) {
		return &StepResult{}, nil
	})
	g.AddEdge("loop", func(_ *models.PipelineState) string { return "loop" })

	e := NewEngine(g, NewMemoryStore(), 5, nil)
	_, err := e.Run(context.Background(), "t1", newState("t1"))
	assert.ErrorIs(t, err, ErrMaxSteps)
}

func TestEngine_NodeError(t *testing.T) {
	boom := errors.New("driver unavailable")
	g := NewGraph("plan")
	g.AddNode("plan", func(_ context.Context, _ *models.PipelineState, _ *Resume) (*StepResult, error) {
		return nil, boom
	})

	e := NewEngine(g, NewMemoryStore(), 0, nil)
	_, err := e.Run(context.Background(), "t1", newState("t1"))
	assert.ErrorIs(t, err, boom)
}

func TestEngine_Purge(t *testing.T) {
	store := NewMemoryStore()
	e := NewEngine(twoNodeGraph(), store, 0, nil)
	ctx := context.Background()

	_, err := e.Run(ctx, "t1", newState("t1"))
	require.NoError(t, err)
	require.NoError(t, e.Purge(ctx, "t1"))

	_, err = store.LoadLatest(ctx, "t1")
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestEngine_ContextCancelled(t *testing.T) {
	e := NewEngine(twoNodeGraph(), NewMemoryStore(), 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Run(ctx, "t1", newState("t1"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGraph_Validate(t *testing.T) {
	g := NewGraph("missing")
	assert.Error(t, g.Validate())

	g = NewGraph("a")
	g.AddNode("a", func(_ context.Context, _ *models.PipelineState, _ *Resume) (*StepResult, error) {
		return &StepResult{}, nil
	})
	g.AddEdge("ghost", func(_ *models.PipelineState) string { return End })
	assert.Error(t, g.Validate())
}
