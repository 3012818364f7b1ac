// Package pipeline is a small checkpointed graph executor. Nodes are
// named functions over a shared typed state bag; edges pick the next
// node from the state after each step. Every step is checkpointed so a
// run can be interrupted (for human approval) and resumed later, even
// after a process restart.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/ameliahq/amelia/pkg/models"
)

// End is the edge target that terminates a run.
const End = "__end__"

// ErrNoCheckpoint is returned when a thread has no saved checkpoint.
var ErrNoCheckpoint = errors.New("no checkpoint for thread")

// ErrMaxSteps is returned when a run exceeds the configured step cap.
var ErrMaxSteps = errors.New("pipeline exceeded max steps")

// Interrupt pauses a run at the current node. The engine checkpoints
// the node as next so Resume re-enters it with the resume payload.
type Interrupt struct {
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Resume carries the answer to an interrupt back into the node.
type Resume struct {
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
}

// StepResult is what a node returns: a sparse state delta, and
// optionally an interrupt. The delta is applied before the interrupt
// is acted on, so state written alongside an interrupt survives.
type StepResult struct {
	Delta     *models.StateDelta
	Interrupt *Interrupt
}

// NodeFunc executes one pipeline stage. resume is non-nil only when
// the node is re-entered after an interrupt it raised.
type NodeFunc func(ctx context.Context, state *models.PipelineState, resume *Resume) (*StepResult, error)

// EdgeFunc picks the next node after a completed step, or End.
type EdgeFunc func(state *models.PipelineState) string

// Checkpoint is one durable snapshot of a thread: the full state after
// a step, the node to run next, and the pending interrupt if any.
type Checkpoint struct {
	ID        string                `json:"checkpoint_id"`
	ThreadID  string                `json:"thread_id"`
	Step      int                   `json:"step"`
	NextNode  string                `json:"next_node"`
	Interrupt *Interrupt            `json:"interrupt,omitempty"`
	State     *models.PipelineState `json:"state"`
	CreatedAt time.Time             `json:"created_at"`
}

// Store persists checkpoints per thread.
type Store interface {
	Save(ctx context.Context, cp *Checkpoint) error
	// LoadLatest returns the highest-step checkpoint for the thread, or
	// ErrNoCheckpoint.
	LoadLatest(ctx context.Context, threadID string) (*Checkpoint, error)
	// Purge removes every checkpoint for the thread.
	Purge(ctx context.Context, threadID string) error
}

// Outcome reports how a Run or Resume call ended. Exactly one of
// Interrupt being set (paused) or not (ran to End) holds.
type Outcome struct {
	State     *models.PipelineState
	Interrupt *Interrupt
	Steps     int
}

// Interrupted reports whether the run paused on an interrupt.
func (o *Outcome) Interrupted() bool {
	return o.Interrupt != nil
}
