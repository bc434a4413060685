package logger

import (
	"context"
	"time"
)

// LogContext carries per-request fields through a context.Context so that
// every log line emitted while handling a download request is correlated.
type LogContext struct {
	CorrelationID string
	ContentKey    string
	Intent        string
	Attempt       int
	StartTime     time.Time
}

type contextKey struct{}

// WithLogContext returns a context carrying the given LogContext.
func WithLogContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, contextKey{}, lc)
}

// FromContext extracts the LogContext, or nil if none was attached.
func FromContext(ctx context.Context) *LogContext {
	lc, _ := ctx.Value(contextKey{}).(*LogContext)
	return lc
}

// NewRequestContext attaches a fresh LogContext for one download request.
func NewRequestContext(ctx context.Context, correlationID, contentKey, intent string, attempt int) context.Context {
	return WithLogContext(ctx, &LogContext{
		CorrelationID: correlationID,
		ContentKey:    contentKey,
		Intent:        intent,
		Attempt:       attempt,
		StartTime:     time.Now(),
	})
}
