package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/ameliahq/amelia/pkg/models"
)

// persistTimeout bounds the synchronous DB write performed inside the
// emit path. Events are emitted from supervised tasks whose context
// may already be cancelled, so the persister uses its own deadline.
const persistTimeout = 5 * time.Second

// EventAppender assigns the next sequence and writes an event.
// Implemented by repo.EventRepo.
type EventAppender interface {
	Append(ctx context.Context, event *models.WorkflowEvent) error
}

// NewPersister returns the subscriber that persists non-ephemeral
// events. It must be the FIRST subscriber registered: Append assigns
// event.Sequence in place, and downstream subscribers (WebSocket
// broker, token sink) rely on seeing the assigned sequence.
func NewPersister(appender EventAppender) Handler {
	return func(event *models.WorkflowEvent) {
		if event.Type.Ephemeral() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := appender.Append(ctx, event); err != nil {
			slog.Error("Failed to persist workflow event",
				"workflow_id", event.WorkflowID,
				"event_type", event.Type,
				"error", err)
		}
	}
}

// UsageRecorder folds token counts into the durable per-agent sums.
// Implemented by repo.TokenRepo.
type UsageRecorder interface {
	AddUsage(ctx context.Context, workflowID, agent string, usage models.AgentTokens) error
}

// NewTokenSink returns the subscriber that folds stage-completion
// token payloads into the token_usage table. Stage events carry the
// stage's token delta under data["tokens"].
func NewTokenSink(recorder UsageRecorder) Handler {
	return func(event *models.WorkflowEvent) {
		if event.Type != models.EventStageCompleted && event.Type != models.EventTokenUsageUpdated {
			return
		}
		usage, ok := event.Data["tokens"].(models.AgentTokens)
		if !ok || event.Agent == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := recorder.AddUsage(ctx, event.WorkflowID, event.Agent, usage); err != nil {
			slog.Error("Failed to record token usage",
				"workflow_id", event.WorkflowID,
				"agent", event.Agent,
				"error", err)
		}
	}
}
