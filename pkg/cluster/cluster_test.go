package cluster_test

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/sokovan/pkg/cluster"
	"github.com/cuemby/sokovan/pkg/domain"
	"github.com/cuemby/sokovan/pkg/resource"
	"github.com/cuemby/sokovan/pkg/storage/bolt"
	"github.com/stretchr/testify/require"
)

func newBootstrappedManager(t *testing.T) (*cluster.Manager, *bolt.Store) {
	t.Helper()
	store, err := bolt.Open(t.TempDir())
	require.NoError(t, err)

	m := cluster.New(cluster.Config{
		NodeID:   "node1",
		BindAddr: "127.0.0.1:0",
		DataDir:  t.TempDir(),
	}, store)
	require.NoError(t, m.Bootstrap())
	t.Cleanup(func() { m.Shutdown() })

	require.Eventually(t, m.IsLeader, 5*time.Second, 20*time.Millisecond, "single-node cluster should elect itself leader")
	return m, store
}

func TestBootstrapElectsSelfLeader(t *testing.T) {
	m, _ := newBootstrappedManager(t)
	require.True(t, m.IsLeader())
}

func TestUpsertAgentReplicatesThroughRaft(t *testing.T) {
	m, _ := newBootstrappedManager(t)
	ctx := context.Background()

	agent := &domain.Agent{
		ID: "a1", ScalingGroup: "default", Status: domain.AgentStatusAlive,
		AvailableSlots: resource.New(map[string]float64{"cpu": 4}),
	}
	require.NoError(t, m.UpsertAgent(agent))

	agents, err := m.Agents(ctx, "default")
	require.NoError(t, err)
	require.Len(t, agents, 1)
	require.Equal(t, domain.AgentID("a1"), agents[0].ID)
}

func TestCommitAllocationsAppliesScheduleSessionCommands(t *testing.T) {
	m, store := newBootstrappedManager(t)
	ctx := context.Background()
	require.NoError(t, m.UpsertAgent(&domain.Agent{
		ID: "a1", ScalingGroup: "default", Status: domain.AgentStatusAlive,
		AvailableSlots: resource.New(map[string]float64{"cpu": 4}),
	}))
	require.NoError(t, store.CreateSession(ctx, &domain.Session{
		ID: "s1", ScalingGroup: "default", Status: domain.SessionStatusPending,
	}))
	require.NoError(t, store.CreateKernel(ctx, &domain.Kernel{ID: "k1", SessionID: "s1", Status: domain.KernelStatusPending}))

	alloc := domain.AgentAllocation{
		AgentID:        "a1",
		AllocatedSlots: resource.New(map[string]float64{"cpu": 1}),
		Kernels: []domain.KernelAllocation{
			{KernelID: "k1", SessionID: "s1", AgentID: "a1", Slots: resource.New(map[string]float64{"cpu": 1})},
		},
	}
	require.NoError(t, m.CommitAllocations(ctx, []domain.AgentAllocation{alloc}))

	session, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, domain.SessionStatusScheduled, session.Status)

	agent, err := store.GetAgent(ctx, "a1")
	require.NoError(t, err)
	occupied, _ := agent.OccupiedSlots["cpu"].Float64()
	require.Equal(t, 1.0, occupied)
	require.Equal(t, 1, agent.ContainerCount)
}

func TestConcurrentSessionCountFiltersByAccessKey(t *testing.T) {
	m, store := newBootstrappedManager(t)
	ctx := context.Background()

	count, err := m.ConcurrentSessionCount(ctx, "key-a", "default")
	require.NoError(t, err)
	require.Equal(t, 0, count)

	require.NoError(t, store.CreateSession(ctx, &domain.Session{ID: "s-a1", AccessKey: "key-a", ScalingGroup: "default", Status: domain.SessionStatusPending}))
	require.NoError(t, store.CreateSession(ctx, &domain.Session{ID: "s-a2", AccessKey: "key-a", ScalingGroup: "default", Status: domain.SessionStatusRunning}))
	require.NoError(t, store.CreateSession(ctx, &domain.Session{ID: "s-b1", AccessKey: "key-b", ScalingGroup: "default", Status: domain.SessionStatusPending}))

	count, err = m.ConcurrentSessionCount(ctx, "key-a", "default")
	require.NoError(t, err)
	require.Equal(t, 2, count)

	count, err = m.ConcurrentSessionCount(ctx, "key-b", "default")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestTerminatingSessionsJoinsKernels(t *testing.T) {
	m, store := newBootstrappedManager(t)
	ctx := context.Background()

	require.NoError(t, store.CreateSession(ctx, &domain.Session{
		ID: "s1", ScalingGroup: "default", Status: domain.SessionStatusTerminating,
	}))
	require.NoError(t, store.CreateKernel(ctx, &domain.Kernel{
		ID: "k1", SessionID: "s1", Status: domain.KernelStatusTerminating,
	}))

	sessions, err := m.TerminatingSessions(ctx, "default")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, domain.SessionID("s1"), sessions[0].Session.ID)
	require.Len(t, sessions[0].Kernels, 1)
}

func TestFinalizeSessionTerminationAdvancesOnlyWhenTerminated(t *testing.T) {
	m, store := newBootstrappedManager(t)
	ctx := context.Background()
	require.NoError(t, store.CreateSession(ctx, &domain.Session{
		ID: "s1", ScalingGroup: "default", Status: domain.SessionStatusTerminating,
	}))

	require.NoError(t, m.FinalizeSessionTermination("s1", false, "still waiting on kernels"))
	stillTerminating, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, domain.SessionStatusTerminating, stillTerminating.Status)

	require.NoError(t, m.FinalizeSessionTermination("s1", true, "USER_REQUESTED"))
	terminated, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, domain.SessionStatusTerminated, terminated.Status)
}
