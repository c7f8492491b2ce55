package flowgraph

import (
	"context"
	"sort"
	"sync"
)

// StateStore persists the current ExecutionState per execution. Writes must
// be atomic per call and reads must observe the latest write for an id.
type StateStore interface {
	// GetState returns the stored state or ErrNotFound.
	GetState(ctx context.Context, executionID string) (*ExecutionState, error)

	// PutState creates or replaces the state of an execution.
	PutState(ctx context.Context, state *ExecutionState) error

	// ListActive returns summaries of every non-terminal execution.
	ListActive(ctx context.Context) ([]*ExecutionSummary, error)
}

// MemoryStateStore keeps execution state in process memory.
type MemoryStateStore struct {
	mu     sync.RWMutex
	states map[string]*ExecutionState
}

// NewMemoryStateStore returns an empty in-memory state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: map[string]*ExecutionState{}}
}

func (s *MemoryStateStore) GetState(ctx context.Context, executionID string) (*ExecutionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.states[executionID]
	if !ok {
		return nil, ErrNotFound
	}
	return state.Copy(), nil
}

func (s *MemoryStateStore) PutState(ctx context.Context, state *ExecutionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[state.ExecutionID] = state.Copy()
	return nil
}

func (s *MemoryStateStore) ListActive(ctx context.Context) ([]*ExecutionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ExecutionSummary
	for _, state := range s.states {
		if !state.Status.IsTerminal() {
			out = append(out, state.Summary())
		}
	}
	SortSummaries(out)
	return out, nil
}

// SortSummaries orders summaries by creation time, then id.
func SortSummaries(summaries []*ExecutionSummary) {
	sort.SliceStable(summaries, func(i, j int) bool {
		if summaries[i].CreatedAt.Equal(summaries[j].CreatedAt) {
			return summaries[i].ExecutionID < summaries[j].ExecutionID
		}
		return summaries[i].CreatedAt.Before(summaries[j].CreatedAt)
	})
}
