package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/deepnoodle-ai/flowgraph"
	"github.com/deepnoodle-ai/flowgraph/postgres"
	"github.com/deepnoodle-ai/flowgraph/redisstore"
	"github.com/deepnoodle-ai/flowgraph/sqlite"
)

// stores is the state and checkpoint store pair selected by Config.Store.
type stores struct {
	state       flowgraph.StateStore
	checkpoints flowgraph.CheckpointStore
	close       func() error
}

func openStores(ctx context.Context, cfg *Config) (*stores, error) {
	noop := func() error { return nil }
	switch cfg.Store {
	case "memory":
		return &stores{
			state:       flowgraph.NewMemoryStateStore(),
			checkpoints: flowgraph.NewMemoryCheckpointStore(),
			close:       noop,
		}, nil
	case "file":
		store, err := flowgraph.NewFileStore(filepath.Join(cfg.DataDir, "executions"))
		if err != nil {
			return nil, err
		}
		return &stores{state: store, checkpoints: store, close: noop}, nil
	case "sqlite":
		path := cfg.DSN
		if path == "" {
			path = filepath.Join(cfg.DataDir, "flowgraph.db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		store, err := sqlite.Open(ctx, path)
		if err != nil {
			return nil, err
		}
		return &stores{state: store, checkpoints: store, close: store.Close}, nil
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres store requires -dsn or FLOWGRAPH_DSN")
		}
		store, err := postgres.Open(ctx, cfg.DSN, postgres.Options{TablePrefix: cfg.TablePrefix})
		if err != nil {
			return nil, err
		}
		return &stores{state: store, checkpoints: store, close: store.Close}, nil
	case "redis":
		rc := redisstore.DefaultConfig()
		if cfg.DSN != "" {
			rc.URL = cfg.DSN
		}
		if cfg.TablePrefix != "" {
			rc.Prefix = cfg.TablePrefix
		}
		store, err := redisstore.Open(ctx, rc)
		if err != nil {
			return nil, err
		}
		return &stores{state: store, checkpoints: store, close: store.Close}, nil
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}
