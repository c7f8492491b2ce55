package flowgraph

import (
	"context"
	"sort"
	"sync"
)

// CheckpointStore persists immutable checkpoints addressed by
// (executionID, checkpointID).
type CheckpointStore interface {
	// SaveCheckpoint stores a new checkpoint. Saving an id that already
	// exists returns ErrCheckpointExists.
	SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error

	// LoadCheckpoint returns a checkpoint or ErrNotFound.
	LoadCheckpoint(ctx context.Context, executionID, checkpointID string) (*Checkpoint, error)

	// ListCheckpoints returns all checkpoints of an execution, oldest first.
	ListCheckpoints(ctx context.Context, executionID string) ([]*Checkpoint, error)
}

// MemoryCheckpointStore keeps checkpoints in process memory.
type MemoryCheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]map[string]*Checkpoint
}

// NewMemoryCheckpointStore returns an empty in-memory checkpoint store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{checkpoints: map[string]map[string]*Checkpoint{}}
}

func (s *MemoryCheckpointStore) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.checkpoints[checkpoint.ExecutionID]
	if !ok {
		byID = map[string]*Checkpoint{}
		s.checkpoints[checkpoint.ExecutionID] = byID
	}
	if _, exists := byID[checkpoint.ID]; exists {
		return ErrCheckpointExists
	}
	byID[checkpoint.ID] = checkpoint.Copy()
	return nil
}

func (s *MemoryCheckpointStore) LoadCheckpoint(ctx context.Context, executionID, checkpointID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.checkpoints[executionID][checkpointID]
	if !ok {
		return nil, ErrNotFound
	}
	return cp.Copy(), nil
}

func (s *MemoryCheckpointStore) ListCheckpoints(ctx context.Context, executionID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Checkpoint
	for _, cp := range s.checkpoints[executionID] {
		out = append(out, cp.Copy())
	}
	SortCheckpoints(out)
	return out, nil
}

// SortCheckpoints orders checkpoints by creation time, then id.
func SortCheckpoints(cps []*Checkpoint) {
	sort.SliceStable(cps, func(i, j int) bool {
		if cps[i].CreatedAt.Equal(cps[j].CreatedAt) {
			return cps[i].ID < cps[j].ID
		}
		return cps[i].CreatedAt.Before(cps[j].CreatedAt)
	})
}
