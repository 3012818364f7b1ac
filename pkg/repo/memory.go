package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ameliahq/amelia/pkg/models"
)

// MemoryWorkflowRepo is an in-memory WorkflowRepo used in tests and in
// single-process setups without a database.
type MemoryWorkflowRepo struct {
	mu        sync.RWMutex
	workflows map[string]*models.Workflow
}

// NewMemoryWorkflowRepo creates an empty in-memory workflow store.
func NewMemoryWorkflowRepo() *MemoryWorkflowRepo {
	return &MemoryWorkflowRepo{workflows: make(map[string]*models.Workflow)}
}

func (r *MemoryWorkflowRepo) Get(_ context.Context, id string) (*models.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyWorkflow(w), nil
}

func (r *MemoryWorkflowRepo) GetByWorktree(_ context.Context, path string) (*models.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found *models.Workflow
	for _, w := range r.workflows {
		if w.WorktreePath != path || w.Status.Terminal() {
			continue
		}
		if found == nil || w.CreatedAt.After(found.CreatedAt) {
			found = w
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return copyWorkflow(found), nil
}

func (r *MemoryWorkflowRepo) List(_ context.Context, filters models.WorkflowFilters) (*models.WorkflowPage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	limit := filters.Limit
	if limit <= 0 || limit > 100 {
		limit = 25
	}

	var matched []*models.Workflow
	for _, w := range r.workflows {
		if filters.Status != "" && w.Status != filters.Status {
			continue
		}
		if filters.Worktree != "" && w.WorktreePath != filters.Worktree {
			continue
		}
		matched = append(matched, w)
	}
	sort.Slice(matched, func(i, j int) bool {
		si, sj := startedOrEpoch(matched[i]), startedOrEpoch(matched[j])
		if !si.Equal(sj) {
			return si.After(sj)
		}
		return matched[i].ID > matched[j].ID
	})

	page := &models.WorkflowPage{Total: len(matched)}

	if filters.Cursor != "" {
		c, err := decodeCursor(filters.Cursor)
		if err != nil {
			return nil, err
		}
		for len(matched) > 0 {
			w := matched[0]
			s := startedOrEpoch(w)
			if s.Before(c.StartedAt) || (s.Equal(c.StartedAt) && w.ID < c.ID) {
				break
			}
			matched = matched[1:]
		}
	}

	hasMore := len(matched) > limit
	if hasMore {
		matched = matched[:limit]
	}
	page.HasMore = hasMore
	for _, w := range matched {
		page.Items = append(page.Items, copyWorkflow(w))
	}
	if hasMore && len(page.Items) > 0 {
		last := page.Items[len(page.Items)-1]
		page.NextCursor = encodeCursor(listCursor{StartedAt: startedOrEpoch(last), ID: last.ID})
	}
	return page, nil
}

func (r *MemoryWorkflowRepo) ListActive(_ context.Context) ([]*models.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Workflow
	for _, w := range r.workflows {
		if !w.Status.Terminal() {
			out = append(out, copyWorkflow(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryWorkflowRepo) CountActive(_ context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, w := range r.workflows {
		if !w.Status.Terminal() {
			count++
		}
	}
	return count, nil
}

func (r *MemoryWorkflowRepo) Create(_ context.Context, w *models.Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[w.ID] = copyWorkflow(w)
	return nil
}

func (r *MemoryWorkflowRepo) Update(_ context.Context, w *models.Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workflows[w.ID]; !ok {
		return ErrNotFound
	}
	r.workflows[w.ID] = copyWorkflow(w)
	return nil
}

func (r *MemoryWorkflowRepo) SetStatus(_ context.Context, id string, status models.Status, failureReason *string) (*models.Workflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !models.CanTransition(w.Status, status) {
		return nil, &TransitionError{WorkflowID: id, From: w.Status, To: status}
	}
	now := time.Now()
	w.Status = status
	if failureReason != nil {
		w.FailureReason = failureReason
	}
	switch status {
	case models.StatusInProgress:
		if w.StartedAt == nil {
			w.StartedAt = &now
		}
	case models.StatusBlocked:
		w.PlannedAt = &now
	case models.StatusCompleted, models.StatusFailed, models.StatusCancelled:
		w.CompletedAt = &now
	}
	return copyWorkflow(w), nil
}

func (r *MemoryWorkflowRepo) UpdatePlanCache(_ context.Context, id string, planMarkdown, planSummary *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workflows[id]
	if !ok {
		return ErrNotFound
	}
	w.PlanMarkdown = planMarkdown
	w.PlanSummary = planSummary
	return nil
}

func (r *MemoryWorkflowRepo) UpdatePipelineState(_ context.Context, id string, state *models.PipelineState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workflows[id]
	if !ok {
		return ErrNotFound
	}
	if state != nil {
		w.PipelineState = state.Clone()
	} else {
		w.PipelineState = nil
	}
	return nil
}

func (r *MemoryWorkflowRepo) SetCurrentStage(_ context.Context, id string, stage *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workflows[id]
	if !ok {
		return ErrNotFound
	}
	w.CurrentStage = stage
	return nil
}

func (r *MemoryWorkflowRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workflows[id]; !ok {
		return ErrNotFound
	}
	delete(r.workflows, id)
	return nil
}

func copyWorkflow(w *models.Workflow) *models.Workflow {
	out := *w
	if w.PipelineState != nil {
		out.PipelineState = w.PipelineState.Clone()
	}
	return &out
}

// MemoryEventRepo is an in-memory EventRepo.
type MemoryEventRepo struct {
	mu     sync.RWMutex
	events map[string][]*models.WorkflowEvent
}

// NewMemoryEventRepo creates an empty in-memory event store.
func NewMemoryEventRepo() *MemoryEventRepo {
	return &MemoryEventRepo{events: make(map[string][]*models.WorkflowEvent)}
}

func (r *MemoryEventRepo) Append(_ context.Context, event *models.WorkflowEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.events[event.WorkflowID]
	event.Sequence = int64(len(list)) + 1
	stored := *event
	r.events[event.WorkflowID] = append(list, &stored)
	return nil
}

func (r *MemoryEventRepo) GetRecent(_ context.Context, workflowID string, limit int) ([]*models.WorkflowEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.events[workflowID]
	if limit <= 0 {
		limit = 100
	}
	if len(list) > limit {
		list = list[len(list)-limit:]
	}
	return copyEvents(list), nil
}

func (r *MemoryEventRepo) GetSince(_ context.Context, workflowID string, afterSequence int64, limit int) ([]*models.WorkflowEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.WorkflowEvent
	for _, e := range r.events[workflowID] {
		if e.Sequence > afterSequence {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return copyEvents(out), nil
}

func (r *MemoryEventRepo) MaxSequence(_ context.Context, workflowID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.events[workflowID])), nil
}

func copyEvents(list []*models.WorkflowEvent) []*models.WorkflowEvent {
	out := make([]*models.WorkflowEvent, 0, len(list))
	for _, e := range list {
		c := *e
		out = append(out, &c)
	}
	return out
}

// MemoryTokenRepo is an in-memory TokenRepo.
type MemoryTokenRepo struct {
	mu    sync.RWMutex
	usage map[string]map[string]models.AgentTokens
}

// NewMemoryTokenRepo creates an empty in-memory token store.
func NewMemoryTokenRepo() *MemoryTokenRepo {
	return &MemoryTokenRepo{usage: make(map[string]map[string]models.AgentTokens)}
}

func (r *MemoryTokenRepo) AddUsage(_ context.Context, workflowID, agent string, usage models.AgentTokens) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byAgent := r.usage[workflowID]
	if byAgent == nil {
		byAgent = make(map[string]models.AgentTokens)
		r.usage[workflowID] = byAgent
	}
	byAgent[agent] = byAgent[agent].Add(usage)
	return nil
}

func (r *MemoryTokenRepo) GetByWorkflow(_ context.Context, workflowID string) ([]*models.TokenUsage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byAgent := r.usage[workflowID]
	agents := make([]string, 0, len(byAgent))
	for agent := range byAgent {
		agents = append(agents, agent)
	}
	sort.Strings(agents)
	out := make([]*models.TokenUsage, 0, len(agents))
	for _, agent := range agents {
		t := byAgent[agent]
		out = append(out, &models.TokenUsage{
			WorkflowID:   workflowID,
			Agent:        agent,
			InputTokens:  t.InputTokens,
			OutputTokens: t.OutputTokens,
			TotalTokens:  t.TotalTokens,
			CostUSD:      t.CostUSD,
		})
	}
	return out, nil
}
