// Package logging builds the process logger and carries request correlation.
// Every public broker operation mints a request id; components receive a
// child logger with session/request fields already attached.
package logging

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New constructs the process logger. Debug selects a development encoder
// with human-readable output; production mode emits JSON to stderr.
func New(debug bool) (*zap.Logger, error) {
	if debug {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		return cfg.Build()
	}
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}

// NewNop returns a no-op logger for tests.
func NewNop() *zap.Logger { return zap.NewNop() }

// WithSession returns a child logger annotated with a session id.
func WithSession(log *zap.Logger, sessionID string) *zap.Logger {
	return log.With(zap.String("sessionId", sessionID))
}

// WithRequest returns a child logger annotated with a request id.
func WithRequest(log *zap.Logger, requestID string) *zap.Logger {
	return log.With(zap.String("requestId", requestID))
}

type ctxKey struct{}

// ContextWithRequestID stores a request id on the context.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, requestID)
}

// RequestIDFromContext returns the request id stored on ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKey{}).(string); ok {
		return v
	}
	return ""
}
