package lock

import (
	"context"
	"time"

	"github.com/cuemby/sokovan/pkg/schederr"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// EtcdLocker implements Locker on top of etcd's concurrency.Mutex,
// backed by a lease-bound session the way etcd's own documented
// distributed-lock recipe works.
type EtcdLocker struct {
	client *clientv3.Client
}

func NewEtcdLocker(client *clientv3.Client) *EtcdLocker {
	return &EtcdLocker{client: client}
}

type etcdLease struct {
	session *concurrency.Session
	mutex   *concurrency.Mutex
}

func (l *etcdLease) Release(ctx context.Context) error {
	defer l.session.Close()
	return l.mutex.Unlock(ctx)
}

func (el *EtcdLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	ttlSeconds := int(ttl.Seconds())
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}
	session, err := concurrency.NewSession(el.client, concurrency.WithTTL(ttlSeconds))
	if err != nil {
		return nil, schederr.Wrap(schederr.CodeLockContention, "create etcd session", err)
	}
	mutex := concurrency.NewMutex(session, "/sokovan/locks/"+key)

	lockCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := mutex.TryLock(lockCtx); err != nil {
		session.Close()
		return nil, schederr.Wrap(schederr.CodeLockContention, "etcd mutex held: "+key, err)
	}
	return &etcdLease{session: session, mutex: mutex}, nil
}
