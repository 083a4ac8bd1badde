// Package lock provides the distributed-lock abstraction that
// serializes a scaling group's scheduling tick across manager replicas,
// with five backends grounded on different parts of the retrieval
// pack (see DESIGN.md).
package lock

import (
	"context"
	"time"
)

// Lease represents a held lock; Release must be safe to call more than
// once.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker acquires a named, TTL-bounded lock. Implementations return
// schederr.CodeLockContention when the key is already held.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// WithLock acquires key, runs fn, and releases the lease regardless of
// fn's outcome - the shape every scheduler tick uses to serialize
// itself across manager replicas.
func WithLock(ctx context.Context, l Locker, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	lease, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer lease.Release(ctx)
	return fn(ctx)
}
