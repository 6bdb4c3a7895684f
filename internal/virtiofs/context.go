package virtiofs

import "context"

// Caller is the identity a request is issued for.
type Caller struct {
	UID uint32
	GID uint32
	PID uint32
}

type callerKey struct{}

type queueKey struct{}

// WithCaller attaches caller credentials to the requests issued with ctx.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// WithQueue pins requests issued with ctx to request queue n, counted from
// zero. Control requests still use the high priority queue.
func WithQueue(ctx context.Context, n int) context.Context {
	return context.WithValue(ctx, queueKey{}, n)
}

func callerFrom(ctx context.Context, cfg Config) Caller {
	if c, ok := ctx.Value(callerKey{}).(Caller); ok {
		return c
	}
	return Caller{UID: cfg.UID, GID: cfg.GID, PID: cfg.PID}
}
