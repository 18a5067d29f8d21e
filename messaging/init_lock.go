package messaging

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
)

// InitLock serializes entity initialization. At most one initializer runs
// per key at a time; callers arriving while one is in flight wait for its
// result instead of starting another. Keys are released as soon as the
// initialization completes, success or failure.
type InitLock struct {
	group   singleflight.Group
	timeout time.Duration
}

// InitLockOption configures the InitLock
type InitLockOption func(*InitLock)

// WithInitTimeout caps how long a single initialization may run.
func WithInitTimeout(timeout time.Duration) InitLockOption {
	return func(l *InitLock) {
		l.timeout = timeout
	}
}

// NewInitLock creates a new initialization lock
func NewInitLock(options ...InitLockOption) *InitLock {
	l := &InitLock{
		timeout: 60 * time.Second,
	}

	for _, opt := range options {
		opt(l)
	}

	return l
}

// Acquire runs init under the key, or waits for an initialization already in
// flight for it. The initializer receives a context derived from the
// triggering caller's context, capped by the lock's timeout. Every waiter
// receives the same result; a failure propagates to all of them. A waiter
// whose own context ends abandons the wait with the context error without
// cancelling the shared initialization.
func (l *InitLock) Acquire(ctx context.Context, key string, init func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	ch := l.group.DoChan(key, func() (interface{}, error) {
		initCtx, cancel := context.WithTimeout(ctx, l.timeout)
		defer cancel()
		return init(initCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
