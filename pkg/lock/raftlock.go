package lock

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/sokovan/pkg/schederr"
)

// LeaderChecker is satisfied by pkg/cluster.Manager: the raft-backed
// lock simply gates on Raft leadership, since only the leader is
// allowed to apply scheduling commands anyway.
type LeaderChecker interface {
	IsLeader() bool
}

// RaftLocker is the default scheduling lock: it does not acquire an
// external resource at all, it just refuses to run unless this replica
// currently holds Raft leadership, making every non-leader replica's
// tick a no-op. This is the natural default given Warren's own
// Raft substrate is already the single source of truth for who may
// mutate cluster state.
type RaftLocker struct {
	checker LeaderChecker
	mu      sync.Mutex
	held    map[string]bool
}

func NewRaftLocker(checker LeaderChecker) *RaftLocker {
	return &RaftLocker{checker: checker, held: make(map[string]bool)}
}

type raftLease struct {
	locker *RaftLocker
	key    string
}

func (l *raftLease) Release(_ context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	delete(l.locker.held, l.key)
	return nil
}

func (rl *RaftLocker) Acquire(_ context.Context, key string, _ time.Duration) (Lease, error) {
	if !rl.checker.IsLeader() {
		return nil, schederr.New(schederr.CodeLockContention, "this replica is not the raft leader")
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.held[key] {
		return nil, schederr.New(schederr.CodeLockContention, "tick already in progress for "+key)
	}
	rl.held[key] = true
	return &raftLease{locker: rl, key: key}, nil
}
