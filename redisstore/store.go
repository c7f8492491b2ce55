// Package redisstore provides a StateStore and CheckpointStore backed by
// Redis.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/flowgraph"
	"github.com/redis/go-redis/v9"
)

var (
	_ flowgraph.StateStore      = (*Store)(nil)
	_ flowgraph.CheckpointStore = (*Store)(nil)
)

// Config holds Redis connection settings.
type Config struct {
	// URL is the Redis connection URL (redis://host:port/db).
	URL string

	// Prefix for all keys (default: "flowgraph").
	Prefix string

	// TerminalTTL expires the state and checkpoints of terminal
	// executions. Zero keeps them forever.
	TerminalTTL time.Duration

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns defaults for a local Redis.
func DefaultConfig() Config {
	return Config{
		URL:          "redis://localhost:6379/0",
		Prefix:       "flowgraph",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Store implements both engine stores on Redis. Each execution state is a
// JSON string; non-terminal executions are indexed in a sorted set scored
// by creation time. Checkpoints are write-once keys indexed per execution.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	defaults := DefaultConfig()
	if cfg.URL == "" {
		cfg.URL = defaults.URL
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(client, cfg), nil
}

// New wraps an existing client.
func New(client *redis.Client, cfg Config) *Store {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultConfig().Prefix
	}
	return &Store{client: client, prefix: prefix, ttl: cfg.TerminalTTL}
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) keyState(executionID string) string { return fmt.Sprintf("%s:exec:%s", s.prefix, executionID) }
func (s *Store) keyActive() string                  { return fmt.Sprintf("%s:active", s.prefix) }
func (s *Store) keyCheckpointIndex(executionID string) string {
	return fmt.Sprintf("%s:exec:%s:checkpoints", s.prefix, executionID)
}
func (s *Store) keyCheckpoint(executionID, checkpointID string) string {
	return fmt.Sprintf("%s:exec:%s:checkpoint:%s", s.prefix, executionID, checkpointID)
}

func (s *Store) GetState(ctx context.Context, executionID string) (*flowgraph.ExecutionState, error) {
	data, err := s.client.Get(ctx, s.keyState(executionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, flowgraph.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get state: %w", err)
	}
	var state flowgraph.ExecutionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution state: %w", err)
	}
	return &state, nil
}

// PutState writes the state and updates the active index in one MULTI.
// With a TerminalTTL, a terminal write also expires every checkpoint key.
func (s *Store) PutState(ctx context.Context, state *flowgraph.ExecutionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal execution state: %w", err)
	}
	terminal := state.Status.IsTerminal()
	var expiring []string
	if terminal && s.ttl > 0 {
		// A terminal execution takes no new checkpoints, so the index is final.
		ids, err := s.client.ZRange(ctx, s.keyCheckpointIndex(state.ExecutionID), 0, -1).Result()
		if err != nil {
			return fmt.Errorf("redis list checkpoints: %w", err)
		}
		expiring = append(expiring, s.keyState(state.ExecutionID), s.keyCheckpointIndex(state.ExecutionID))
		for _, id := range ids {
			expiring = append(expiring, s.keyCheckpoint(state.ExecutionID, id))
		}
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.keyState(state.ExecutionID), data, 0)
		if terminal {
			pipe.ZRem(ctx, s.keyActive(), state.ExecutionID)
			for _, key := range expiring {
				pipe.Expire(ctx, key, s.ttl)
			}
		} else {
			pipe.ZAdd(ctx, s.keyActive(), redis.Z{
				Score:  float64(state.CreatedAt.UnixMilli()),
				Member: state.ExecutionID,
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put state: %w", err)
	}
	return nil
}

func (s *Store) ListActive(ctx context.Context) ([]*flowgraph.ExecutionSummary, error) {
	ids, err := s.client.ZRange(ctx, s.keyActive(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list active: %w", err)
	}
	summaries := []*flowgraph.ExecutionSummary{}
	if len(ids) == 0 {
		return summaries, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.keyState(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget states: %w", err)
	}
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			// Expired or deleted between the two reads.
			continue
		}
		var state flowgraph.ExecutionState
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution state: %w", err)
		}
		if !state.Status.IsTerminal() {
			summaries = append(summaries, state.Summary())
		}
	}
	flowgraph.SortSummaries(summaries)
	return summaries, nil
}

// SaveCheckpoint relies on SET NX so a checkpoint id is written once.
func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint *flowgraph.Checkpoint) error {
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	key := s.keyCheckpoint(checkpoint.ExecutionID, checkpoint.ID)
	created, err := s.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return fmt.Errorf("redis save checkpoint: %w", err)
	}
	if !created {
		return flowgraph.ErrCheckpointExists
	}
	err = s.client.ZAdd(ctx, s.keyCheckpointIndex(checkpoint.ExecutionID), redis.Z{
		Score:  float64(checkpoint.CreatedAt.UnixMilli()),
		Member: checkpoint.ID,
	}).Err()
	if err != nil {
		return fmt.Errorf("redis index checkpoint: %w", err)
	}
	return nil
}

func (s *Store) LoadCheckpoint(ctx context.Context, executionID, checkpointID string) (*flowgraph.Checkpoint, error) {
	data, err := s.client.Get(ctx, s.keyCheckpoint(executionID, checkpointID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, flowgraph.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get checkpoint: %w", err)
	}
	return decodeCheckpoint(data)
}

func (s *Store) ListCheckpoints(ctx context.Context, executionID string) ([]*flowgraph.Checkpoint, error) {
	ids, err := s.client.ZRange(ctx, s.keyCheckpointIndex(executionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list checkpoints: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.keyCheckpoint(executionID, id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget checkpoints: %w", err)
	}
	var out []*flowgraph.Checkpoint
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		cp, err := decodeCheckpoint([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	flowgraph.SortCheckpoints(out)
	return out, nil
}

// Delete removes an execution, its checkpoints and its index entries.
func (s *Store) Delete(ctx context.Context, executionID string) error {
	ids, err := s.client.ZRange(ctx, s.keyCheckpointIndex(executionID), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("redis list checkpoints: %w", err)
	}
	keys := []string{s.keyState(executionID), s.keyCheckpointIndex(executionID)}
	for _, id := range ids {
		keys = append(keys, s.keyCheckpoint(executionID, id))
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, s.keyActive(), executionID)
		return nil
	})
	return err
}

// Flush deletes every key under the store's prefix.
func (s *Store) Flush(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

func decodeCheckpoint(data []byte) (*flowgraph.Checkpoint, error) {
	var cp flowgraph.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}
