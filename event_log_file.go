package flowgraph

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// FileEventLog is an EventSink that appends events to a file per execution.
// The file is formatted as newline-delimited JSON.
type FileEventLog struct {
	directory string
	logger    *slog.Logger
	mu        sync.Mutex
}

// NewFileEventLog writes event logs under directory.
func NewFileEventLog(directory string, logger *slog.Logger) *FileEventLog {
	if logger == nil {
		logger = discardLogger()
	}
	return &FileEventLog{directory: directory, logger: logger}
}

func (l *FileEventLog) path(executionID string) string {
	return filepath.Join(l.directory, fmt.Sprintf("%s.jsonl", executionID))
}

func (l *FileEventLog) Emit(ctx context.Context, event *Event) {
	if err := l.append(event); err != nil {
		l.logger.Error("failed to write event log", "execution_id", event.ExecutionID, "event", event.Name, "error", err)
	}
}

func (l *FileEventLog) append(event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.directory, 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path(event.ExecutionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// History reads back the events logged for an execution, oldest first.
func (l *FileEventLog) History(ctx context.Context, executionID string) ([]*Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path(executionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer f.Close()

	var events []*Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("failed to decode event log line: %w", err)
		}
		events = append(events, &event)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return events, nil
}
