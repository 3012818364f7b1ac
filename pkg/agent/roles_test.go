package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ameliahq/amelia/pkg/models"
)

type stubDriver struct {
	output string
	err    error
	last   GenerateRequest
}

func (d *stubDriver) Generate(_ context.Context, req GenerateRequest) (*GenerateResult, error) {
	d.last = req
	if d.err != nil {
		return nil, d.err
	}
	return &GenerateResult{
		Output:    d.output,
		SessionID: "sess-42",
		Tokens:    models.AgentTokens{TotalTokens: 7},
	}, nil
}

func TestDriverArchitect_Plan(t *testing.T) {
	driver := &stubDriver{output: "Here is the plan:\n" +
		`{"goal": "fix the bug", "plan_markdown": "# Plan", "tasks": [{"id": "t1", "title": "reproduce"}, {"title": "fix"}]}`}
	arch := &DriverArchitect{Driver: driver, Model: "opus"}

	res, err := arch.Plan(context.Background(), PlanRequest{
		Issue:    models.Issue{ID: "BUG-1", Title: "crash on start"},
		Feedback: "plan smaller steps",
	})
	require.NoError(t, err)
	assert.Equal(t, "fix the bug", res.Goal)
	assert.Equal(t, "# Plan", res.PlanMarkdown)
	assert.Equal(t, "sess-42", res.SessionID)
	require.Len(t, res.Tasks, 2)
	assert.Equal(t, "t1", res.Tasks[0].ID)
	assert.Equal(t, "t2", res.Tasks[1].ID, "missing ids are filled in")
	assert.Equal(t, models.TaskPending, res.Tasks[0].Status)

	assert.Equal(t, "opus", driver.last.Model)
	assert.Contains(t, driver.last.Prompt, "BUG-1")
	assert.Contains(t, driver.last.Prompt, "plan smaller steps")
}

func TestDriverArchitect_NoPlan(t *testing.T) {
	arch := &DriverArchitect{Driver: &stubDriver{output: `{"goal": "x", "plan_markdown": ""}`}}
	_, err := arch.Plan(context.Background(), PlanRequest{Issue: models.Issue{ID: "BUG-2"}})
	assert.ErrorContains(t, err, "no plan")
}

func TestDriverDeveloper_Execute(t *testing.T) {
	driver := &stubDriver{output: `{"summary": "done both", "tasks": [{"id": "t1", "status": "done"}, {"id": "t2", "status": "failed"}, {"id": "t3", "status": "bogus"}]}`}
	dev := &DriverDeveloper{Driver: driver}

	var emitted []models.EventType
	state := &models.PipelineState{
		PlanMarkdown: "# Plan",
		Tasks: []models.Task{
			{ID: "t1", Title: "reproduce", Status: models.TaskPending},
			{ID: "t2", Title: "fix", Status: models.TaskPending},
		},
	}
	res, err := dev.Execute(context.Background(), ExecuteRequest{
		State:          state,
		ReviewFeedback: []string{"add a regression test"},
		Emit: func(t models.EventType, _, _ string, _ map[string]any) {
			emitted = append(emitted, t)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "done both", res.Summary)
	require.Len(t, res.Tasks, 2, "unknown statuses are dropped")
	assert.Equal(t, "reproduce", res.Tasks[0].Title, "titles carried over from state")

	assert.Contains(t, driver.last.Prompt, "add a regression test")
	assert.Contains(t, emitted, models.EventTaskCompleted)
	assert.Contains(t, emitted, models.EventTaskFailed)
}

func TestDriverReviewer_Review(t *testing.T) {
	driver := &stubDriver{output: "```json\n" + `{"approved": false, "comments": ["missing tests"], "severity": "major"}` + "\n```"}
	rev := &DriverReviewer{Driver: driver}

	res, err := rev.Review(context.Background(), ReviewRequest{
		State:   &models.PipelineState{PlanMarkdown: "# Plan"},
		Summary: "implemented it",
	})
	require.NoError(t, err)
	assert.False(t, res.Review.Approved)
	assert.Equal(t, []string{"missing tests"}, res.Review.Comments)
	assert.Equal(t, "major", res.Review.Severity)
	assert.Empty(t, driver.last.SessionID, "reviews run in a fresh session")
}

func TestDriverError(t *testing.T) {
	boom := errors.New("cli exploded")
	arch := &DriverArchitect{Driver: &stubDriver{err: boom}}
	_, err := arch.Plan(context.Background(), PlanRequest{Issue: models.Issue{ID: "BUG-3"}})
	assert.ErrorIs(t, err, boom)
}

func TestParseJSONBlock(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"bare object", `{"a": 1}`, false},
		{"wrapped in prose", `sure, here you go {"a": 1} hope that helps`, false},
		{"code fence", "```json\n{\"a\": 1}\n```", false},
		{"no object", "no json here", true},
		{"malformed", `{"a": `, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var out map[string]any
			err := parseJSONBlock(tc.input, &out)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
