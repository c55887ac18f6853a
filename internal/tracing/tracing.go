package tracing

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type contextKey string

const operationIDKey contextKey = "operation_id"

// WithOperationID tags the context with a fresh id that follows one user
// action (a send, a peer switch) through logs and spans
func WithOperationID(ctx context.Context) context.Context {
	return context.WithValue(ctx, operationIDKey, uuid.NewString())
}

// GetOperationID extracts the operation id from context
func GetOperationID(ctx context.Context) string {
	if id, ok := ctx.Value(operationIDKey).(string); ok {
		return id
	}
	return ""
}

// LogFields returns the tracing fields to attach to a log entry
func LogFields(ctx context.Context) logrus.Fields {
	fields := logrus.Fields{}
	if id := GetOperationID(ctx); id != "" {
		fields["operation_id"] = id
	}
	return fields
}
