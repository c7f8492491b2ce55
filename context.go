package flowgraph

import (
	"context"
	"log/slog"

	"github.com/deepnoodle-ai/flowgraph/script"
)

type ContextKey string

const (
	LoggerContextKey   ContextKey = "logger"
	CompilerContextKey ContextKey = "compiler"
)

// WithLogger returns a context carrying the logger node handlers should use.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, LoggerContextKey, logger)
}

// WithCompiler returns a context carrying the engine's script compiler.
func WithCompiler(ctx context.Context, compiler script.Compiler) context.Context {
	return context.WithValue(ctx, CompilerContextKey, compiler)
}

func GetLoggerFromContext(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(LoggerContextKey).(*slog.Logger)
	return logger, ok
}

func GetCompilerFromContext(ctx context.Context) (script.Compiler, bool) {
	compiler, ok := ctx.Value(CompilerContextKey).(script.Compiler)
	return compiler, ok
}

// LoggerFromContext returns the context logger, or slog.Default().
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := GetLoggerFromContext(ctx); ok && logger != nil {
		return logger
	}
	return slog.Default()
}
