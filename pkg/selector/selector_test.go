package selector_test

import (
	"testing"

	"github.com/cuemby/sokovan/pkg/domain"
	"github.com/cuemby/sokovan/pkg/resource"
	"github.com/cuemby/sokovan/pkg/selector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func agent(id string, available map[string]float64, occupied map[string]float64, count int) *domain.Agent {
	return &domain.Agent{
		ID:             domain.AgentID(id),
		Status:         domain.AgentStatusAlive,
		AvailableSlots: resource.New(available),
		OccupiedSlots:  resource.New(occupied),
		ContainerCount: count,
	}
}

func TestFilterCandidatesExcludesInsufficientAndDead(t *testing.T) {
	agents := []*domain.Agent{
		agent("a1", map[string]float64{"cpu": 4}, map[string]float64{"cpu": 4}, 1), // full
		agent("a2", map[string]float64{"cpu": 4}, map[string]float64{"cpu": 1}, 1),
	}
	agents[0].Status = domain.AgentStatusLost

	req := domain.KernelRequirement{RequiredSlots: resource.New(map[string]float64{"cpu": 1})}
	out := selector.FilterCandidates(agents, req)
	require.Len(t, out, 1)
	assert.Equal(t, domain.AgentID("a2"), out[0].ID)
}

func TestConcentratedPrefersBusiestAgent(t *testing.T) {
	agents := []*domain.Agent{
		agent("idle", map[string]float64{"cpu": 8}, map[string]float64{"cpu": 0}, 0),
		agent("busy", map[string]float64{"cpu": 8}, map[string]float64{"cpu": 4}, 3),
	}
	req := domain.KernelRequirement{RequiredSlots: resource.New(map[string]float64{"cpu": 1})}

	picked, err := (&selector.Concentrated{}).SelectAgent(agents, req, []string{"cpu"})
	require.NoError(t, err)
	assert.Equal(t, domain.AgentID("busy"), picked.ID)
}

func TestDispersedPrefersMostRemainingCapacity(t *testing.T) {
	agents := []*domain.Agent{
		agent("full", map[string]float64{"cpu": 8}, map[string]float64{"cpu": 7}, 3),
		agent("empty", map[string]float64{"cpu": 8}, map[string]float64{"cpu": 0}, 0),
	}
	req := domain.KernelRequirement{RequiredSlots: resource.New(map[string]float64{"cpu": 1})}

	picked, err := (&selector.Dispersed{}).SelectAgent(agents, req, []string{"cpu"})
	require.NoError(t, err)
	assert.Equal(t, domain.AgentID("empty"), picked.ID)
}

func TestRoundRobinCyclesAndSkipsUnfit(t *testing.T) {
	agents := []*domain.Agent{
		agent("a1", map[string]float64{"cpu": 8}, map[string]float64{"cpu": 0}, 0),
		agent("a2", map[string]float64{"cpu": 8}, map[string]float64{"cpu": 0}, 0),
	}
	req := domain.KernelRequirement{RequiredSlots: resource.New(map[string]float64{"cpu": 1})}

	rr := selector.NewRoundRobin()
	first, err := rr.SelectAgent(agents, req, nil)
	require.NoError(t, err)
	second, err := rr.SelectAgent(agents, req, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	third, err := rr.SelectAgent(agents, req, nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, third.ID)
}

func TestSelectorNoAgentAvailable(t *testing.T) {
	req := domain.KernelRequirement{RequiredSlots: resource.New(map[string]float64{"cpu": 1})}
	_, err := (&selector.Concentrated{}).SelectAgent(nil, req, nil)
	assert.Error(t, err)
}
