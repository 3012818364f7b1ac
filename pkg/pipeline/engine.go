package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ameliahq/amelia/pkg/models"
)

// DefaultMaxSteps caps runaway graphs (a review loop that never
// approves would otherwise spin forever).
const DefaultMaxSteps = 50

// Graph is the static topology: named nodes, per-node edge functions,
// and an entry node.
type Graph struct {
	entry string
	nodes map[string]NodeFunc
	edges map[string]EdgeFunc
}

// NewGraph creates an empty graph with the given entry node name.
func NewGraph(entry string) *Graph {
	return &Graph{
		entry: entry,
		nodes: make(map[string]NodeFunc),
		edges: make(map[string]EdgeFunc),
	}
}

// AddNode registers a node under name.
func (g *Graph) AddNode(name string, fn NodeFunc) *Graph {
	g.nodes[name] = fn
	return g
}

// AddEdge registers the routing function run after name completes.
// Nodes without an edge terminate the run.
func (g *Graph) AddEdge(name string, fn EdgeFunc) *Graph {
	g.edges[name] = fn
	return g
}

// Validate checks that the entry and all edge targets resolvable at
// registration time exist.
func (g *Graph) Validate() error {
	if _, ok := g.nodes[g.entry]; !ok {
		return fmt.Errorf("entry node %q not registered", g.entry)
	}
	for name := range g.edges {
		if _, ok := g.nodes[name]; !ok {
			return fmt.Errorf("edge registered for unknown node %q", name)
		}
	}
	return nil
}

// Engine drives a Graph over a checkpoint Store.
type Engine struct {
	graph    *Graph
	store    Store
	maxSteps int
	logger   *slog.Logger
}

// NewEngine creates an engine. maxSteps <= 0 selects DefaultMaxSteps.
func NewEngine(graph *Graph, store Store, maxSteps int, logger *slog.Logger) *Engine {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{graph: graph, store: store, maxSteps: maxSteps, logger: logger}
}

// Run starts a fresh run for the thread from the entry node.
func (e *Engine) Run(ctx context.Context, threadID string, state *models.PipelineState) (*Outcome, error) {
	return e.loop(ctx, threadID, e.graph.entry, state.Clone(), nil, 0)
}

// Resume re-enters the interrupted node of the thread's latest
// checkpoint, handing it the resume payload.
func (e *Engine) Resume(ctx context.Context, threadID string, resume *Resume) (*Outcome, error) {
	cp, err := e.store.LoadLatest(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if cp.Interrupt == nil {
		return nil, fmt.Errorf("thread %s is not interrupted", threadID)
	}
	return e.loop(ctx, threadID, cp.NextNode, cp.State.Clone(), resume, cp.Step)
}

// UpdateState rewrites the latest checkpoint's state through mutate
// without advancing the run. Used to edit a plan while a thread waits
// on approval.
func (e *Engine) UpdateState(ctx context.Context, threadID string, mutate func(*models.PipelineState)) (*models.PipelineState, error) {
	cp, err := e.store.LoadLatest(ctx, threadID)
	if err != nil {
		return nil, err
	}
	state := cp.State.Clone()
	mutate(state)
	next := &Checkpoint{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Step:      cp.Step + 1,
		NextNode:  cp.NextNode,
		Interrupt: cp.Interrupt,
		State:     state,
		CreatedAt: time.Now(),
	}
	if err := e.store.Save(ctx, next); err != nil {
		return nil, err
	}
	return state.Clone(), nil
}

// Latest returns the thread's latest checkpointed state.
func (e *Engine) Latest(ctx context.Context, threadID string) (*Checkpoint, error) {
	return e.store.LoadLatest(ctx, threadID)
}

// Purge discards all checkpoints for the thread.
func (e *Engine) Purge(ctx context.Context, threadID string) error {
	return e.store.Purge(ctx, threadID)
}

func (e *Engine) loop(ctx context.Context, threadID, node string, state *models.PipelineState, resume *Resume, step int) (*Outcome, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if step >= e.maxSteps {
			return nil, fmt.Errorf("thread %s at node %s: %w", threadID, node, ErrMaxSteps)
		}

		fn, ok := e.graph.nodes[node]
		if !ok {
			return nil, fmt.Errorf("thread %s: unknown node %q", threadID, node)
		}

		e.logger.Debug("running pipeline node", "thread_id", threadID, "node", node, "step", step)
		result, err := fn(ctx, state, resume)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", node, err)
		}
		resume = nil
		step++

		if result != nil {
			result.Delta.Apply(state)
		}

		if result != nil && result.Interrupt != nil {
			// Checkpoint the interrupted node as next so Resume
			// re-enters it.
			if err := e.checkpoint(ctx, threadID, step, node, result.Interrupt, state); err != nil {
				return nil, err
			}
			return &Outcome{State: state.Clone(), Interrupt: result.Interrupt, Steps: step}, nil
		}

		next := End
		if edge, ok := e.graph.edges[node]; ok {
			next = edge(state)
		}
		if err := e.checkpoint(ctx, threadID, step, next, nil, state); err != nil {
			return nil, err
		}
		if next == End {
			return &Outcome{State: state.Clone(), Steps: step}, nil
		}
		node = next
	}
}

func (e *Engine) checkpoint(ctx context.Context, threadID string, step int, nextNode string, interrupt *Interrupt, state *models.PipelineState) error {
	cp := &Checkpoint{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Step:      step,
		NextNode:  nextNode,
		Interrupt: interrupt,
		State:     state.Clone(),
		CreatedAt: time.Now(),
	}
	if err := e.store.Save(ctx, cp); err != nil {
		return fmt.Errorf("failed to save checkpoint at step %d: %w", step, err)
	}
	return nil
}
