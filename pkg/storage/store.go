// Package storage defines the persistence interface the scheduling
// core's FSM applies committed commands through. Grounded on
// _examples/cuemby-warren/pkg/storage/store.go's Store interface shape
// (CRUD per entity plus Close), retargeted from Warren's
// node/service/container/secret/volume/network entities to this
// domain's Agent/Session/Kernel/ScalingGroup entities.
package storage

import (
	"context"

	"github.com/cuemby/sokovan/pkg/domain"
	"github.com/cuemby/sokovan/pkg/resource"
)

// Store is the CRUD surface every backend (bolt, postgres) implements.
// Session/Kernel status_history appends go through a dedicated method
// rather than a full record overwrite, since status_history must be
// appended atomically even under concurrent writers (see
// AppendSessionStatus/AppendKernelStatus).
type Store interface {
	// Agents
	UpsertAgent(ctx context.Context, agent *domain.Agent) error
	GetAgent(ctx context.Context, id domain.AgentID) (*domain.Agent, error)
	ListAgents(ctx context.Context, sg domain.ScalingGroupName) ([]*domain.Agent, error)
	DeleteAgent(ctx context.Context, id domain.AgentID) error
	// IncrementAgentOccupancy atomically adds delta to an agent's
	// OccupiedSlots and containerDelta to its ContainerCount, failing
	// with CodeAllocationConflict rather than writing a record that
	// would violate occupied_slots <= available_slots.
	IncrementAgentOccupancy(ctx context.Context, id domain.AgentID, delta resource.Slot, containerDelta int) error

	// Sessions
	CreateSession(ctx context.Context, session *domain.Session) error
	GetSession(ctx context.Context, id domain.SessionID) (*domain.Session, error)
	ListPendingSessions(ctx context.Context, sg domain.ScalingGroupName) ([]*domain.Session, error)
	// ListActiveSessions returns sessions currently holding agent
	// resources (SCHEDULED, PREPARING, or RUNNING), used to compute
	// per-keypair/user/group/domain occupied-resource quota usage.
	ListActiveSessions(ctx context.Context, sg domain.ScalingGroupName) ([]*domain.Session, error)
	ListTerminatingSessions(ctx context.Context, sg domain.ScalingGroupName) ([]*domain.Session, error)
	AppendSessionStatus(ctx context.Context, id domain.SessionID, entry domain.StatusHistoryEntry, newStatus domain.SessionStatus) error

	// Kernels
	CreateKernel(ctx context.Context, kernel *domain.Kernel) error
	GetKernel(ctx context.Context, id domain.KernelID) (*domain.Kernel, error)
	ListKernelsBySession(ctx context.Context, sessionID domain.SessionID) ([]*domain.Kernel, error)
	AppendKernelStatus(ctx context.Context, id domain.KernelID, entry domain.StatusHistoryEntry, newStatus domain.KernelStatus) error
	AssignKernelAgent(ctx context.Context, id domain.KernelID, agentID domain.AgentID, agentAddr string, slots resource.Slot) error

	// Scaling groups
	ListScalingGroups(ctx context.Context) ([]domain.ScalingGroupInfo, error)
	GetScalingGroup(ctx context.Context, name domain.ScalingGroupName) (domain.ScalingGroupInfo, error)

	Close() error
}
