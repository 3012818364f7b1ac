// Package events delivers workflow events to WebSocket clients. The
// broker subscribes to the in-process event bus and fans out to
// per-connection bounded queues; a client subscribes to one workflow
// (or "*" for all) and receives a replay of persisted events before
// the live stream.
//
// Client protocol (JSON text frames):
//
//	→ {"type": "subscribe", "workflow_id": "<id>"}
//	→ {"type": "subscribe", "workflow_id": "*"}
//	→ {"type": "unsubscribe", "workflow_id": "<id>"}
//	→ {"type": "catchup", "workflow_id": "<id>", "last_sequence": 42}
//	→ {"type": "ping"}
//
//	← {"type": "connection.established", "connection_id": "..."}
//	← {"type": "subscription.confirmed", "workflow_id": "..."}
//	← {"type": "event", ...WorkflowEvent fields}
//	← {"type": "catchup.complete", "workflow_id": "...", "last_sequence": 42}
//	← {"type": "catchup.overflow", "workflow_id": "..."}
//	← {"type": "pong"}
//	← {"type": "error", "message": "..."}
//
// Live events published while a replay is in flight are buffered and
// delivered after it, so a subscriber always sees the persisted
// history in sequence order before the live stream.
package events

import "github.com/ameliahq/amelia/pkg/models"

// ChannelAll subscribes a connection to every workflow's events.
const ChannelAll = "*"

// ClientMessage is a parsed client frame.
type ClientMessage struct {
	Type         string `json:"type"`
	WorkflowID   string `json:"workflow_id,omitempty"`
	LastSequence *int64 `json:"last_sequence,omitempty"`
}

// eventFrame is the wire envelope for a workflow event.
type eventFrame struct {
	Type string `json:"type"`
	*models.WorkflowEvent
}

func newEventFrame(e *models.WorkflowEvent) eventFrame {
	return eventFrame{Type: "event", WorkflowEvent: e}
}
