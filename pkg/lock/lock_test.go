package lock_test

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/sokovan/pkg/lock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLockerExclusion(t *testing.T) {
	dir := t.TempDir()
	fl := lock.NewFileLocker(dir)

	lease, err := fl.Acquire(context.Background(), "default", time.Second)
	require.NoError(t, err)

	_, err = fl.Acquire(context.Background(), "default", time.Second)
	assert.Error(t, err)

	require.NoError(t, lease.Release(context.Background()))

	lease2, err := fl.Acquire(context.Background(), "default", time.Second)
	require.NoError(t, err)
	require.NoError(t, lease2.Release(context.Background()))
}

type alwaysLeader struct{ leader bool }

func (a alwaysLeader) IsLeader() bool { return a.leader }

func TestRaftLockerRefusesNonLeader(t *testing.T) {
	rl := lock.NewRaftLocker(alwaysLeader{leader: false})
	_, err := rl.Acquire(context.Background(), "sg-default", time.Second)
	assert.Error(t, err)
}

func TestRaftLockerExcludesConcurrentTick(t *testing.T) {
	rl := lock.NewRaftLocker(alwaysLeader{leader: true})
	lease, err := rl.Acquire(context.Background(), "sg-default", time.Second)
	require.NoError(t, err)

	_, err = rl.Acquire(context.Background(), "sg-default", time.Second)
	assert.Error(t, err)

	require.NoError(t, lease.Release(context.Background()))
	_, err = rl.Acquire(context.Background(), "sg-default", time.Second)
	assert.NoError(t, err)
}

func TestWithLockRunsAndReleases(t *testing.T) {
	rl := lock.NewRaftLocker(alwaysLeader{leader: true})
	ran := false
	err := lock.WithLock(context.Background(), rl, "sg-default", time.Second, func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	// lock released after WithLock returns
	_, err = rl.Acquire(context.Background(), "sg-default", time.Second)
	assert.NoError(t, err)
}
