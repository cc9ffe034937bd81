package opx

import "context"

type contextKey struct{}

// OperationContext carries the operation an inbound request or event stream
// is scoped to. All ordering and delivery guarantees hold per operation.
type OperationContext struct {
	ID   string
	Name string
}

func WithOperation(ctx context.Context, op OperationContext) context.Context {
	return context.WithValue(ctx, contextKey{}, op)
}

func FromContext(ctx context.Context) (OperationContext, bool) {
	if v := ctx.Value(contextKey{}); v != nil {
		if op, ok := v.(OperationContext); ok {
			return op, true
		}
	}
	return OperationContext{}, false
}

func OperationIDFromContext(ctx context.Context) string {
	if op, ok := FromContext(ctx); ok {
		return op.ID
	}
	return ""
}
