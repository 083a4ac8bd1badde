package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/sokovan/pkg/domain"
	"github.com/cuemby/sokovan/pkg/resource"
	"github.com/cuemby/sokovan/pkg/storage"
	"github.com/cuemby/sokovan/pkg/storage/postgres"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ storage.Store = (*postgres.Store)(nil)

func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping testcontainers-backed postgres test in -short mode")
	}
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("sokovan"),
		tcpostgres.WithUsername("sokovan"),
		tcpostgres.WithPassword("sokovan"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := postgres.Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSessionStatusHistoryAtomicAppend(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session := &domain.Session{ID: "s1", ScalingGroup: "default", Status: domain.SessionStatusPending}
	require.NoError(t, store.CreateSession(ctx, session))

	require.NoError(t, store.AppendSessionStatus(ctx, "s1", domain.StatusHistoryEntry{
		Status: string(domain.SessionStatusScheduled), Reason: "allocated", Timestamp: time.Now(),
	}, domain.SessionStatusScheduled))
	require.NoError(t, store.AppendSessionStatus(ctx, "s1", domain.StatusHistoryEntry{
		Status: string(domain.SessionStatusTerminating), Reason: "user requested", Timestamp: time.Now(),
	}, domain.SessionStatusTerminating))

	got, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusTerminating, got.Status)
	require.Len(t, got.StatusHistory, 2)
	assert.Equal(t, "allocated", got.StatusHistory[0].Reason)
	assert.Equal(t, "user requested", got.StatusHistory[1].Reason)
}

func TestAgentCRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	agent := &domain.Agent{ID: "a1", ScalingGroup: "default"}
	require.NoError(t, store.UpsertAgent(ctx, agent))

	list, err := store.ListAgents(ctx, "default")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, store.DeleteAgent(ctx, "a1"))
	_, err = store.GetAgent(ctx, "a1")
	assert.Error(t, err)
}

func TestIncrementAgentOccupancyAccumulatesAndRejectsOverflow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertAgent(ctx, &domain.Agent{
		ID: "a1", ScalingGroup: "default",
		AvailableSlots: resource.New(map[string]float64{"cpu": 4}),
	}))

	require.NoError(t, store.IncrementAgentOccupancy(ctx, "a1", resource.New(map[string]float64{"cpu": 2}), 1))
	got, err := store.GetAgent(ctx, "a1")
	require.NoError(t, err)
	occupied, _ := got.OccupiedSlots["cpu"].Float64()
	assert.Equal(t, 2.0, occupied)
	assert.Equal(t, 1, got.ContainerCount)

	err = store.IncrementAgentOccupancy(ctx, "a1", resource.New(map[string]float64{"cpu": 10}), 1)
	assert.Error(t, err)
}

func TestListActiveSessionsFiltersByStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateSession(ctx, &domain.Session{ID: "running", ScalingGroup: "default", Status: domain.SessionStatusRunning}))
	require.NoError(t, store.CreateSession(ctx, &domain.Session{ID: "pending", ScalingGroup: "default", Status: domain.SessionStatusPending}))

	active, err := store.ListActiveSessions(ctx, "default")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, domain.SessionID("running"), active[0].ID)
}
