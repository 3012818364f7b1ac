package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ameliahq/amelia/pkg/models"
)

func event(t models.EventType) *models.WorkflowEvent {
	return &models.WorkflowEvent{
		EventID:    "evt-1",
		WorkflowID: "wf-1",
		Type:       t,
	}
}

func TestEmitInvokesInRegistrationOrder(t *testing.T) {
	b := New()

	var order []string
	b.Subscribe(func(*models.WorkflowEvent) { order = append(order, "first") })
	b.Subscribe(func(*models.WorkflowEvent) { order = append(order, "second") })
	b.Subscribe(func(*models.WorkflowEvent) { order = append(order, "third") })

	b.Emit(event(models.EventWorkflowCreated))

	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestPanickingSubscriberDoesNotDisruptOthers(t *testing.T) {
	b := New()

	var delivered int
	b.Subscribe(func(*models.WorkflowEvent) { panic("boom") })
	b.Subscribe(func(*models.WorkflowEvent) { delivered++ })

	b.Emit(event(models.EventStageStarted))
	b.Emit(event(models.EventStageCompleted))

	assert.Equal(t, 2, delivered)
}

func TestUnsubscribe(t *testing.T) {
	b := New()

	var count int
	unsub := b.Subscribe(func(*models.WorkflowEvent) { count++ })
	require.Equal(t, 1, b.SubscriberCount())

	b.Emit(event(models.EventWorkflowCreated))
	unsub()
	b.Emit(event(models.EventWorkflowCreated))

	assert.Equal(t, 1, count)
	assert.Zero(t, b.SubscriberCount())
}

type captureAppender struct {
	events []*models.WorkflowEvent
}

func (c *captureAppender) Append(_ context.Context, e *models.WorkflowEvent) error {
	e.Sequence = int64(len(c.events) + 1)
	c.events = append(c.events, e)
	return nil
}

func TestPersisterSkipsEphemeralEvents(t *testing.T) {
	appender := &captureAppender{}
	b := New()
	b.Subscribe(NewPersister(appender))

	b.Emit(event(models.EventStageStarted))
	b.Emit(event(models.EventAgentMessage))
	b.Emit(event(models.EventToolCall))
	b.Emit(event(models.EventStageCompleted))

	require.Len(t, appender.events, 2)
	assert.Equal(t, models.EventStageStarted, appender.events[0].Type)
	assert.Equal(t, models.EventStageCompleted, appender.events[1].Type)
}

func TestPersisterAssignsSequenceBeforeDownstream(t *testing.T) {
	appender := &captureAppender{}
	b := New()

	var seen []int64
	b.Subscribe(NewPersister(appender))
	b.Subscribe(func(e *models.WorkflowEvent) { seen = append(seen, e.Sequence) })

	b.Emit(event(models.EventStageStarted))
	b.Emit(event(models.EventStageCompleted))

	assert.Equal(t, []int64{1, 2}, seen)
}

type captureRecorder struct {
	byAgent map[string]models.AgentTokens
}

func (c *captureRecorder) AddUsage(_ context.Context, _ string, agent string, u models.AgentTokens) error {
	if c.byAgent == nil {
		c.byAgent = map[string]models.AgentTokens{}
	}
	c.byAgent[agent] = c.byAgent[agent].Add(u)
	return nil
}

func TestTokenSinkFoldsStageCompletions(t *testing.T) {
	rec := &captureRecorder{}
	b := New()
	b.Subscribe(NewTokenSink(rec))

	e := event(models.EventStageCompleted)
	e.Agent = "developer"
	e.Data = map[string]any{"tokens": models.AgentTokens{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}}
	b.Emit(e)
	b.Emit(e)

	// Non-completion events are ignored.
	other := event(models.EventStageStarted)
	other.Agent = "developer"
	other.Data = e.Data
	b.Emit(other)

	got := rec.byAgent["developer"]
	assert.Equal(t, int64(20), got.InputTokens)
	assert.Equal(t, int64(30), got.TotalTokens)
}
