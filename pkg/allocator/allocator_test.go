package allocator_test

import (
	"context"
	"errors"
	"testing"

	"github.com/cuemby/sokovan/pkg/allocator"
	"github.com/cuemby/sokovan/pkg/domain"
	"github.com/cuemby/sokovan/pkg/resource"
	"github.com/cuemby/sokovan/pkg/selector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCommitter struct {
	committed [][]domain.AgentAllocation
	failNext  error
}

func (f *fakeCommitter) CommitAllocations(ctx context.Context, allocations []domain.AgentAllocation) error {
	if f.failNext != nil {
		return f.failNext
	}
	f.committed = append(f.committed, allocations)
	return nil
}

func agent(id string, cpu float64) *domain.Agent {
	return &domain.Agent{
		ID: domain.AgentID(id), Status: domain.AgentStatusAlive,
		AvailableSlots: resource.New(map[string]float64{"cpu": cpu}),
		OccupiedSlots:  resource.Slot{},
	}
}

func TestAllocateMutatesOccupancyAsItGoes(t *testing.T) {
	agents := []*domain.Agent{agent("a1", 2)}
	w := domain.SessionWorkload{
		SessionID: "s1",
		Kernels: []domain.KernelRequirement{
			{KernelID: "k1", RequiredSlots: resource.New(map[string]float64{"cpu": 1})},
			{KernelID: "k2", RequiredSlots: resource.New(map[string]float64{"cpu": 1})},
		},
	}
	allocs, err := allocator.Allocate(selector.Get("concentrated"), agents, w, []string{"cpu"})
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	assert.Len(t, allocs[0].Kernels, 2)
	assert.True(t, agents[0].OccupiedSlots.Eq(resource.New(map[string]float64{"cpu": 2})))
}

func TestAllocateFailsWholeWorkloadWhenOneKernelCannotFit(t *testing.T) {
	agents := []*domain.Agent{agent("a1", 1)}
	w := domain.SessionWorkload{
		SessionID: "s1",
		Kernels: []domain.KernelRequirement{
			{KernelID: "k1", RequiredSlots: resource.New(map[string]float64{"cpu": 1})},
			{KernelID: "k2", RequiredSlots: resource.New(map[string]float64{"cpu": 1})},
		},
	}
	_, err := allocator.Allocate(selector.Get("concentrated"), agents, w, []string{"cpu"})
	assert.Error(t, err)
}

func TestAllocateAndCommitSkipsFailuresButCommitsRest(t *testing.T) {
	agents := []*domain.Agent{agent("a1", 4)}
	good := domain.SessionWorkload{SessionID: "good", Kernels: []domain.KernelRequirement{
		{KernelID: "k1", RequiredSlots: resource.New(map[string]float64{"cpu": 1})},
	}}
	bad := domain.SessionWorkload{SessionID: "bad", Kernels: []domain.KernelRequirement{
		{KernelID: "k2", RequiredSlots: resource.New(map[string]float64{"cpu": 100})},
	}}

	committer := &fakeCommitter{}
	committed, skipped, err := allocator.AllocateAndCommit(context.Background(), committer, nil, selector.Get("concentrated"), agents, []domain.SessionWorkload{good, bad}, []string{"cpu"})
	require.NoError(t, err)
	assert.Equal(t, []domain.SessionID{"good"}, committed)
	assert.Contains(t, skipped, domain.SessionID("bad"))
	require.Len(t, committer.committed, 1)
}

func TestAllocateAndCommitPropagatesCommitError(t *testing.T) {
	agents := []*domain.Agent{agent("a1", 4)}
	w := domain.SessionWorkload{SessionID: "s1", Kernels: []domain.KernelRequirement{
		{KernelID: "k1", RequiredSlots: resource.New(map[string]float64{"cpu": 1})},
	}}
	committer := &fakeCommitter{failNext: errors.New("raft apply failed")}
	_, _, err := allocator.AllocateAndCommit(context.Background(), committer, nil, selector.Get("concentrated"), agents, []domain.SessionWorkload{w}, []string{"cpu"})
	assert.Error(t, err)
}
