package fsm_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cuemby/sokovan/pkg/domain"
	"github.com/cuemby/sokovan/pkg/fsm"
	"github.com/cuemby/sokovan/pkg/resource"
	"github.com/cuemby/sokovan/pkg/storage/bolt"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func contextTODO() context.Context { return context.Background() }

func newLog(t *testing.T, op string, data any) *raft.Log {
	t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(t, err)
	cmd, err := json.Marshal(fsm.Command{Op: op, Data: payload})
	require.NoError(t, err)
	return &raft.Log{Data: cmd}
}

func TestApplyUpsertAgent(t *testing.T) {
	store, err := bolt.Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	machine := fsm.New(store)
	agent := &domain.Agent{ID: "a1", ScalingGroup: "default"}
	result := machine.Apply(newLog(t, fsm.OpUpsertAgent, fsm.UpsertAgentPayload{Agent: agent}))
	assert.Nil(t, result)

	got, err := store.GetAgent(contextTODO(), "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentID("a1"), got.ID)
}

func TestApplyScheduleSessionTransitionsKernel(t *testing.T) {
	store, err := bolt.Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.UpsertAgent(contextTODO(), &domain.Agent{
		ID: "a1", ScalingGroup: "default", Status: domain.AgentStatusAlive,
		AvailableSlots: resource.New(map[string]float64{"cpu": 4}),
	}))
	require.NoError(t, store.CreateSession(contextTODO(), &domain.Session{ID: "s1", Status: domain.SessionStatusPending}))
	require.NoError(t, store.CreateKernel(contextTODO(), &domain.Kernel{ID: "k1", SessionID: "s1", Status: domain.KernelStatusPending}))

	machine := fsm.New(store)
	payload := fsm.ScheduleSessionPayload{
		AgentID:        "a1",
		AllocatedSlots: resource.New(map[string]float64{"cpu": 1}),
		Kernels: []domain.KernelAllocation{
			{KernelID: "k1", SessionID: "s1", AgentID: "a1", Slots: resource.New(map[string]float64{"cpu": 1})},
		},
	}
	result := machine.Apply(newLog(t, fsm.OpScheduleSession, payload))
	assert.Nil(t, result)

	got, err := store.GetKernel(contextTODO(), "k1")
	require.NoError(t, err)
	assert.Equal(t, domain.KernelStatusScheduled, got.Status)
	assert.Equal(t, domain.AgentID("a1"), got.AgentID)

	session, err := store.GetSession(contextTODO(), "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusScheduled, session.Status)

	agent, err := store.GetAgent(contextTODO(), "a1")
	require.NoError(t, err)
	occupied, _ := agent.OccupiedSlots["cpu"].Float64()
	assert.Equal(t, 1.0, occupied)
}

func TestApplyTerminateKernelResult(t *testing.T) {
	store, err := bolt.Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.CreateSession(contextTODO(), &domain.Session{ID: "s1", Status: domain.SessionStatusTerminating}))
	require.NoError(t, store.CreateKernel(contextTODO(), &domain.Kernel{ID: "k1", SessionID: "s1", Status: domain.KernelStatusTerminating}))

	machine := fsm.New(store)
	result := machine.Apply(newLog(t, fsm.OpTerminateKernelResult, fsm.TerminateKernelResultPayload{
		KernelID: "k1", Succeeded: true, StatusInfo: "terminated by controller",
	}))
	assert.Nil(t, result)

	got, err := store.GetKernel(contextTODO(), "k1")
	require.NoError(t, err)
	assert.Equal(t, domain.KernelStatusTerminated, got.Status)

	session, err := store.GetSession(contextTODO(), "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusTerminated, session.Status)
}

func TestApplyUnknownOp(t *testing.T) {
	store, err := bolt.Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	machine := fsm.New(store)
	result := machine.Apply(newLog(t, "bogus_op", struct{}{}))
	err2, ok := result.(error)
	require.True(t, ok)
	assert.Contains(t, err2.Error(), "unknown fsm op")
}
