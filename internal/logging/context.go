package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ownerCtxKey struct{}
type sessionCtxKey struct{}
type taskCtxKey struct{}
type requestCtxKey struct{}

// ContextFields extracts correlation fields from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 6)

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if v := OwnerIDFromContext(ctx); v != "" {
		fields = append(fields, zap.String("owner_id", v))
	}
	if v := SessionIDFromContext(ctx); v != "" {
		fields = append(fields, zap.String("session_id", v))
	}
	if v := TaskIDFromContext(ctx); v != "" {
		fields = append(fields, zap.String("task_id", v))
	}
	if v := RequestIDFromContext(ctx); v != "" {
		fields = append(fields, zap.String("request_id", v))
	}
	return fields
}

// WithOwnerID adds the owner id to ctx. Empty values are ignored.
func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	if ownerID == "" {
		return ctx
	}
	return context.WithValue(ctx, ownerCtxKey{}, ownerID)
}

// OwnerIDFromContext returns the owner id, or "".
func OwnerIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ownerCtxKey{}).(string)
	return v
}

// WithSessionID adds the session id to ctx. Empty values are ignored.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	if sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionCtxKey{}, sessionID)
}

// SessionIDFromContext returns the session id, or "".
func SessionIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(sessionCtxKey{}).(string)
	return v
}

// WithTaskID adds a subagent task id to ctx. Empty values are ignored.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	if taskID == "" {
		return ctx
	}
	return context.WithValue(ctx, taskCtxKey{}, taskID)
}

// TaskIDFromContext returns the task id, or "".
func TaskIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(taskCtxKey{}).(string)
	return v
}

// WithRequestID adds the transport request id to ctx. Empty values are ignored.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(requestCtxKey{}).(string)
	return v
}
