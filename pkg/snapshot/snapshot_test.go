package snapshot_test

import (
	"context"
	"testing"

	"github.com/cuemby/sokovan/pkg/domain"
	"github.com/cuemby/sokovan/pkg/resource"
	"github.com/cuemby/sokovan/pkg/snapshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	pending []domain.SessionWorkload
	agents  []*domain.Agent
}

func (f *fakeRepo) PendingSessions(ctx context.Context, sg domain.ScalingGroupName) ([]domain.SessionWorkload, error) {
	return f.pending, nil
}
func (f *fakeRepo) Agents(ctx context.Context, sg domain.ScalingGroupName) ([]*domain.Agent, error) {
	return f.agents, nil
}
func (f *fakeRepo) SchedulingConfig(ctx context.Context) (domain.SchedulingConfig, error) {
	return domain.SchedulingConfig{}, nil
}
func (f *fakeRepo) SchedulableScalingGroups(ctx context.Context) ([]domain.ScalingGroupInfo, error) {
	return nil, nil
}
func (f *fakeRepo) ScalingGroupInfo(ctx context.Context, sg domain.ScalingGroupName) (domain.ScalingGroupInfo, error) {
	return domain.ScalingGroupInfo{Name: sg}, nil
}

func TestBuildAndPending(t *testing.T) {
	repo := &fakeRepo{
		pending: []domain.SessionWorkload{
			{SessionID: "s1"}, {SessionID: "s2"},
		},
		agents: []*domain.Agent{
			{ID: "a1", AvailableSlots: resource.New(map[string]float64{"cpu": 4})},
		},
	}

	snap, err := snapshot.Build(context.Background(), repo, "default")
	require.NoError(t, err)
	assert.Equal(t, 2, snap.PendingCount())

	var ids []domain.SessionID
	for w := range snap.Pending() {
		ids = append(ids, w.SessionID)
	}
	assert.Equal(t, []domain.SessionID{"s1", "s2"}, ids)

	assert.NotNil(t, snap.AgentByID("a1"))
	assert.Nil(t, snap.AgentByID("missing"))
}

func TestPendingStopsEarly(t *testing.T) {
	repo := &fakeRepo{pending: []domain.SessionWorkload{{SessionID: "s1"}, {SessionID: "s2"}, {SessionID: "s3"}}}
	snap, err := snapshot.Build(context.Background(), repo, "default")
	require.NoError(t, err)

	var seen int
	for range snap.Pending() {
		seen++
		if seen == 1 {
			break
		}
	}
	assert.Equal(t, 1, seen)
}
