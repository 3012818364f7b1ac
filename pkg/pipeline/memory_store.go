package pipeline

import (
	"context"
	"sync"
)

// MemoryStore keeps checkpoints in process memory. Used in tests and
// in setups that accept losing in-flight runs on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string][]*Checkpoint
}

// NewMemoryStore creates an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{threads: make(map[string][]*Checkpoint)}
}

func (s *MemoryStore) Save(_ context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *cp
	stored.State = cp.State.Clone()
	s.threads[cp.ThreadID] = append(s.threads[cp.ThreadID], &stored)
	return nil
}

func (s *MemoryStore) LoadLatest(_ context.Context, threadID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.threads[threadID]
	if len(list) == 0 {
		return nil, ErrNoCheckpoint
	}
	latest := list[0]
	for _, cp := range list[1:] {
		if cp.Step >= latest.Step {
			latest = cp
		}
	}
	out := *latest
	out.State = latest.State.Clone()
	return &out, nil
}

func (s *MemoryStore) Purge(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, threadID)
	return nil
}
