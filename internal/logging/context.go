package logging

import "context"

type ctxKey struct{}

// WithRequestID tags ctx with the ID of the policy request being served.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// RequestIDFromCtx returns the ID set by WithRequestID, or "".
func RequestIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// ContextLogger returns base, or the global logger when base is nil, with
// the request ID from ctx attached as the correlation ID.
func ContextLogger(ctx context.Context, base *Logger) *Logger {
	if base == nil {
		base = Global()
	}
	if id := RequestIDFromCtx(ctx); id != "" {
		return base.WithCorrelationID(id)
	}
	return base
}
