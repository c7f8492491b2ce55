package flowgraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore is a file-based StateStore and CheckpointStore. Each execution
// gets a directory holding state.json and a checkpoints/ subdirectory.
type FileStore struct {
	dataDir string
	mu      sync.RWMutex
}

// NewFileStore creates a file store rooted at dataDir. An empty dataDir
// defaults to ~/.deepnoodle/flowgraph/executions.
func NewFileStore(dataDir string) (*FileStore, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".deepnoodle", "flowgraph", "executions")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}
	return &FileStore{dataDir: dataDir}, nil
}

// Dir returns the root directory of the store.
func (s *FileStore) Dir() string {
	return s.dataDir
}

func (s *FileStore) executionDir(executionID string) (string, error) {
	if executionID == "" || strings.ContainsAny(executionID, `/\`) || executionID == "." || executionID == ".." {
		return "", fmt.Errorf("invalid execution id %q", executionID)
	}
	return filepath.Join(s.dataDir, executionID), nil
}

func (s *FileStore) GetState(ctx context.Context, executionID string) (*ExecutionState, error) {
	dir, err := s.executionDir(executionID)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return readStateFile(filepath.Join(dir, "state.json"))
}

func (s *FileStore) PutState(ctx context.Context, state *ExecutionState) error {
	dir, err := s.executionDir(state.ExecutionID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create execution directory: %w", err)
	}
	tmp, err := writeTemp(dir, "state-*.json", data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(dir, "state.json")); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

func (s *FileStore) ListActive(ctx context.Context) ([]*ExecutionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*ExecutionSummary{}, nil
		}
		return nil, fmt.Errorf("failed to read executions directory: %w", err)
	}
	summaries := []*ExecutionSummary{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		state, err := readStateFile(filepath.Join(s.dataDir, entry.Name(), "state.json"))
		if err != nil {
			// Skip executions we can't read
			continue
		}
		if !state.Status.IsTerminal() {
			summaries = append(summaries, state.Summary())
		}
	}
	SortSummaries(summaries)
	return summaries, nil
}

func (s *FileStore) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	dir, err := s.executionDir(checkpoint.ExecutionID)
	if err != nil {
		return err
	}
	if strings.ContainsAny(checkpoint.ID, `/\`) || checkpoint.ID == "" {
		return fmt.Errorf("invalid checkpoint id %q", checkpoint.ID)
	}
	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cpDir := filepath.Join(dir, "checkpoints")
	if err := os.MkdirAll(cpDir, 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	tmp, err := writeTemp(cpDir, "checkpoint-*.tmp", data)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	// Link fails if the target exists, which keeps checkpoints write-once.
	if err := os.Link(tmp, filepath.Join(cpDir, checkpoint.ID+".json")); err != nil {
		if os.IsExist(err) {
			return ErrCheckpointExists
		}
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	return nil
}

func (s *FileStore) LoadCheckpoint(ctx context.Context, executionID, checkpointID string) (*Checkpoint, error) {
	dir, err := s.executionDir(executionID)
	if err != nil {
		return nil, err
	}
	if strings.ContainsAny(checkpointID, `/\`) || checkpointID == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return readCheckpointFile(filepath.Join(dir, "checkpoints", checkpointID+".json"))
}

func (s *FileStore) ListCheckpoints(ctx context.Context, executionID string) ([]*Checkpoint, error) {
	dir, err := s.executionDir(executionID)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	cpDir := filepath.Join(dir, "checkpoints")
	entries, err := os.ReadDir(cpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}
	var out []*Checkpoint
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		cp, err := readCheckpointFile(filepath.Join(cpDir, entry.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	SortCheckpoints(out)
	return out, nil
}

// Delete removes all data for an execution.
func (s *FileStore) Delete(ctx context.Context, executionID string) error {
	dir, err := s.executionDir(executionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete execution directory: %w", err)
	}
	return nil
}

func writeTemp(dir, pattern string, data []byte) (string, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}
	return name, nil
}

func readStateFile(path string) (*ExecutionState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	var state ExecutionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return &state, nil
}

func readCheckpointFile(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &checkpoint, nil
}
