package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/deepnoodle-ai/flowgraph"
)

// Config holds settings shared by every subcommand. Each flag falls back to
// a FLOWGRAPH_* environment variable.
type Config struct {
	Store       string
	DSN         string
	DataDir     string
	TablePrefix string
	LogLevel    string
	LogJSON     bool
	MetricsAddr string
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && v
}

func bindConfig(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.Store, "store", envOr("FLOWGRAPH_STORE", "file"), "Store backend: memory, file, sqlite, postgres or redis")
	fs.StringVar(&cfg.DSN, "dsn", envOr("FLOWGRAPH_DSN", ""), "SQLite path, Postgres DSN or Redis URL")
	fs.StringVar(&cfg.DataDir, "data", envOr("FLOWGRAPH_DATA_DIR", ".flowgraph"), "Directory for file stores and event logs")
	fs.StringVar(&cfg.TablePrefix, "table-prefix", envOr("FLOWGRAPH_TABLE_PREFIX", ""), "Postgres table prefix or Redis key prefix")
	fs.StringVar(&cfg.LogLevel, "log-level", envOr("FLOWGRAPH_LOG_LEVEL", "warn"), "Log level: debug, info, warn or error")
	fs.BoolVar(&cfg.LogJSON, "log-json", envBool("FLOWGRAPH_LOG_JSON"), "Write logs as JSON")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", envOr("FLOWGRAPH_METRICS_ADDR", ""), "Serve Prometheus metrics on this address (e.g. :9090)")
}

func (c *Config) logger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	if c.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
	}
	return flowgraph.NewLoggerWithLevel(os.Stderr, level), nil
}

// inputFlags collects repeated -i key=value flags.
type inputFlags []string

func (s *inputFlags) String() string {
	return strings.Join(*s, ", ")
}

func (s *inputFlags) Set(value string) error {
	*s = append(*s, value)
	return nil
}

// parse turns the collected flags into a context map. Values are parsed as
// JSON when possible and kept as strings otherwise.
func (s inputFlags) parse() (map[string]any, error) {
	out := make(map[string]any, len(s))
	for _, input := range s {
		key, value, ok := strings.Cut(input, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input %q, use key=value", input)
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err != nil {
			parsed = value
		}
		out[key] = parsed
	}
	return out, nil
}
