package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/sokovan/pkg/domain"
	"github.com/cuemby/sokovan/pkg/lock"
	"github.com/cuemby/sokovan/pkg/resource"
	"github.com/cuemby/sokovan/pkg/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	agents   map[domain.ScalingGroupName][]*domain.Agent
	pending  map[domain.ScalingGroupName][]domain.SessionWorkload
	sgInfo   domain.ScalingGroupInfo
	sgGroups []domain.ScalingGroupInfo
}

func (f *fakeRepo) PendingSessions(_ context.Context, sg domain.ScalingGroupName) ([]domain.SessionWorkload, error) {
	return f.pending[sg], nil
}
func (f *fakeRepo) Agents(_ context.Context, sg domain.ScalingGroupName) ([]*domain.Agent, error) {
	return f.agents[sg], nil
}
func (f *fakeRepo) SchedulingConfig(_ context.Context) (domain.SchedulingConfig, error) {
	return domain.SchedulingConfig{DefaultPrioritizer: "fifo", DefaultAgentSelector: "concentrated"}, nil
}
func (f *fakeRepo) SchedulableScalingGroups(_ context.Context) ([]domain.ScalingGroupInfo, error) {
	return f.sgGroups, nil
}
func (f *fakeRepo) ScalingGroupInfo(_ context.Context, _ domain.ScalingGroupName) (domain.ScalingGroupInfo, error) {
	return f.sgInfo, nil
}
func (f *fakeRepo) ConcurrentSessionCount(_ context.Context, _ domain.AccessKey, _ domain.ScalingGroupName) (int, error) {
	return 0, nil
}
func (f *fakeRepo) KeypairOccupiedSlots(_ context.Context, _ domain.AccessKey, _ domain.ScalingGroupName) (resource.Slot, error) {
	return resource.Slot{}, nil
}
func (f *fakeRepo) UserOccupiedSlots(_ context.Context, _ domain.UserID, _ domain.ScalingGroupName) (resource.Slot, error) {
	return resource.Slot{}, nil
}
func (f *fakeRepo) GroupOccupiedSlots(_ context.Context, _ domain.GroupID, _ domain.ScalingGroupName) (resource.Slot, error) {
	return resource.Slot{}, nil
}
func (f *fakeRepo) DomainOccupiedSlots(_ context.Context, _ domain.DomainID, _ domain.ScalingGroupName) (resource.Slot, error) {
	return resource.Slot{}, nil
}
func (f *fakeRepo) PendingSessionCount(_ context.Context, _ domain.AccessKey, _ domain.ScalingGroupName) (int, error) {
	return 0, nil
}
func (f *fakeRepo) PendingOccupiedSlots(_ context.Context, _ domain.AccessKey, _ domain.ScalingGroupName) (resource.Slot, error) {
	return resource.Slot{}, nil
}

type fakeCommitter struct {
	commits []domain.AgentAllocation
}

func (f *fakeCommitter) CommitAllocations(_ context.Context, allocations []domain.AgentAllocation) error {
	f.commits = append(f.commits, allocations...)
	return nil
}

func agent(id string, cpu float64) *domain.Agent {
	return &domain.Agent{
		ID: domain.AgentID(id), Status: domain.AgentStatusAlive,
		AvailableSlots: resource.New(map[string]float64{"cpu": cpu}),
	}
}

func workload(id string, cpu float64) domain.SessionWorkload {
	return domain.SessionWorkload{
		SessionID: domain.SessionID(id),
		Kernels: []domain.KernelRequirement{
			{KernelID: domain.KernelID(id + "-k1"), RequiredSlots: resource.New(map[string]float64{"cpu": cpu})},
		},
	}
}

func TestTickOnceSchedulesFittingSessionAndSkipsOversized(t *testing.T) {
	repo := &fakeRepo{
		agents: map[domain.ScalingGroupName][]*domain.Agent{"default": {agent("a1", 2)}},
		pending: map[domain.ScalingGroupName][]domain.SessionWorkload{
			"default": {workload("fits", 1), workload("too-big", 100)},
		},
		sgGroups: []domain.ScalingGroupInfo{{Name: "default"}},
	}
	committer := &fakeCommitter{}
	locker := lock.NewRaftLocker(alwaysLeader{})

	s := scheduler.New(scheduler.Deps{Repo: repo, Usage: repo, Committer: committer, Locker: locker}, time.Minute)
	require.NoError(t, s.TickOnce(context.Background(), "default"))

	require.Len(t, committer.commits, 1)
	assert.Equal(t, domain.AgentID("a1"), committer.commits[0].AgentID)
}

func TestTickOnceNoopsOnEmptyQueue(t *testing.T) {
	repo := &fakeRepo{
		agents:   map[domain.ScalingGroupName][]*domain.Agent{"default": {agent("a1", 2)}},
		pending:  map[domain.ScalingGroupName][]domain.SessionWorkload{},
		sgGroups: []domain.ScalingGroupInfo{{Name: "default"}},
	}
	committer := &fakeCommitter{}
	locker := lock.NewRaftLocker(alwaysLeader{})

	s := scheduler.New(scheduler.Deps{Repo: repo, Usage: repo, Committer: committer, Locker: locker}, time.Minute)
	require.NoError(t, s.TickOnce(context.Background(), "default"))
	assert.Empty(t, committer.commits)
}

type alwaysLeader struct{}

func (alwaysLeader) IsLeader() bool { return true }
