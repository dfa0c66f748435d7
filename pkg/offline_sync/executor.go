package offline_sync

import "context"

// Executor replays one operation type against the remote side. Delivery
// is at least once: a crash between execution and dequeue replays the
// operation, so executors must be idempotent.
type Executor interface {
	Execute(ctx context.Context, p Payload) error
}

type ExecutorFunc func(ctx context.Context, p Payload) error

func (f ExecutorFunc) Execute(ctx context.Context, p Payload) error {
	return f(ctx, p)
}

// Typed returns an Executor that decodes and validates the payload into T
// before calling f.
func Typed[T any](f func(ctx context.Context, v T) error) Executor {
	return ExecutorFunc(func(ctx context.Context, p Payload) error {
		var v T
		if err := p.Decode(&v); err != nil {
			return err
		}
		return f(ctx, v)
	})
}

type operationKey struct{}

// OperationFromContext returns the operation being replayed. Executors can
// use its ID as an idempotency key.
func OperationFromContext(ctx context.Context) (Operation, bool) {
	op, ok := ctx.Value(operationKey{}).(Operation)
	return op, ok
}

func withOperation(ctx context.Context, op Operation) context.Context {
	return context.WithValue(ctx, operationKey{}, op)
}
