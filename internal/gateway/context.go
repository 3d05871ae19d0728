package gateway

import "context"

type foregroundKey struct{}
type workerKey struct{}

// Foreground marks ctx as belonging to the foreground loop. Await refuses to
// block on such a context.
func Foreground(ctx context.Context) context.Context {
	return context.WithValue(ctx, foregroundKey{}, true)
}

func IsForeground(ctx context.Context) bool {
	v, _ := ctx.Value(foregroundKey{}).(bool)
	return v
}

func inWorker(ctx context.Context) context.Context {
	return context.WithValue(ctx, workerKey{}, true)
}

// IsWorker reports whether ctx was handed to an operation by a pool worker.
func IsWorker(ctx context.Context) bool {
	v, _ := ctx.Value(workerKey{}).(bool)
	return v
}
