// Package domain holds the plain value types shared by every scheduling
// component: Agent, Session, Kernel, SessionWorkload, and the
// allocation results the allocator commits. Deliberately free of
// persistence-row or RPC-wire concerns (see pkg/storage and
// pkg/rpcproto for those), mirroring Warren's pkg/types package.
package domain

import (
	"time"

	"github.com/cuemby/sokovan/pkg/resource"
)

type AgentID string
type SessionID string
type KernelID string
type ScalingGroupName string
type AccessKey string
type UserID string
type GroupID string
type DomainID string

// ClusterMode distinguishes a session whose kernels must land on one
// agent from one whose kernels may spread across several.
type ClusterMode string

const (
	ClusterModeSingleNode ClusterMode = "SINGLE_NODE"
	ClusterModeMultiNode  ClusterMode = "MULTI_NODE"
)

// AgentStatus mirrors a worker node's lifecycle in Warren's
// NodeStatus, renamed to this domain's vocabulary.
type AgentStatus string

const (
	AgentStatusAlive  AgentStatus = "alive"
	AgentStatusLost   AgentStatus = "lost"
	AgentStatusTerminated AgentStatus = "terminated"
)

// Agent is a schedulable compute node advertising capacity in
// OccupiedSlots/AvailableSlots.
type Agent struct {
	ID             AgentID
	ScalingGroup   ScalingGroupName
	Addr           string
	Architecture   string
	Status         AgentStatus
	AvailableSlots resource.Slot
	OccupiedSlots  resource.Slot
	ContainerCount int
	Labels         map[string]string
	LastHeartbeat  time.Time
}

// Remaining returns the agent's unoccupied capacity.
func (a *Agent) Remaining() resource.Slot {
	return a.AvailableSlots.Sub(a.OccupiedSlots)
}

// SessionType distinguishes interactive/batch/inference sessions, each
// with different validator quota rules.
type SessionType string

const (
	SessionTypeInteractive SessionType = "interactive"
	SessionTypeBatch       SessionType = "batch"
	SessionTypeInference   SessionType = "inference"
	SessionTypeSystem      SessionType = "system"
)

// SessionWorkload is one pending session awaiting scheduling: a session
// plus the kernels it needs allocated together.
type SessionWorkload struct {
	SessionID    SessionID
	AccessKey    AccessKey
	UserID       UserID
	GroupID      GroupID
	DomainID     DomainID
	ScalingGroup ScalingGroupName
	SessionType  SessionType
	Priority     int
	CreatedAt    time.Time
	// ClusterMode/ClusterSize describe how the session's kernels must be
	// placed: SINGLE_NODE requires every kernel to land on the same
	// agent (the allocator pins the remaining kernels to the agent the
	// selector chose for the first), MULTI_NODE allows spreading.
	ClusterMode ClusterMode
	ClusterSize int
	Kernels     []KernelRequirement
	// DesignatedAgent pins the whole session to one agent (e.g. a
	// cluster session's sub-kernels), checked by the allocator, which
	// narrows each kernel's candidates to that agent before the selector
	// scores them.
	DesignatedAgent AgentID
	// StartsAt defers a session out of consideration until this time;
	// nil means immediately eligible. Checked by pkg/prioritizer.
	StartsAt *time.Time
}

// KernelRequirement is one kernel's resource ask within a session.
type KernelRequirement struct {
	KernelID     KernelID
	RequiredSlots resource.Slot
	ImageArch    string
}

// AgentAllocation is what one agent received in a single scheduling
// pass: the kernels placed there and the cumulative slots consumed.
type AgentAllocation struct {
	AgentID      AgentID
	Kernels      []KernelAllocation
	AllocatedSlots resource.Slot
}

// KernelAllocation binds one kernel requirement to the agent selected
// for it.
type KernelAllocation struct {
	KernelID  KernelID
	SessionID SessionID
	AgentID   AgentID
	Slots     resource.Slot
}

// ScalingGroupInfo carries the per-scaling-group policy knobs the
// scheduler loop reads once per tick, grounded on
// original_source/.../scheduler.py's ScalingGroupInfo.
type ScalingGroupInfo struct {
	Name              ScalingGroupName
	PrioritizerName   string
	AgentSelectorName string

	// PermittedSessionTypes restricts which SessionTypes this group will
	// admit; empty means every type is permitted.
	PermittedSessionTypes []SessionType

	MaxConcurrentSessionsPerKeypair int

	// Per-level occupied-resource quotas: a workload is rejected unless
	// current_occupancy + Σrequested stays within the matching limit. A
	// zero/nil Slot means unlimited, the same "<=0 means unlimited"
	// convention MaxConcurrentSessionsPerKeypair already uses.
	//
	// backend.ai's original models these as per-principal
	// keypair/user/group/domain resource_policy rows; this scheduling
	// core has no such policy-table subsystem, so the limits are
	// scaling-group-level defaults applied uniformly to every keypair,
	// user, group, and domain in the group rather than per-principal
	// overrides (see DESIGN.md's Open Question resolution).
	MaxOccupiedSlotsPerKeypair resource.Slot
	MaxOccupiedSlotsPerUser    resource.Slot
	MaxOccupiedSlotsPerGroup   resource.Slot
	MaxOccupiedSlotsPerDomain  resource.Slot

	// Pending-session/pending-slot limits (spec.md §4.3 check 4), applied
	// per keypair against sessions still awaiting allocation.
	MaxPendingSessionsPerKeypair int
	MaxPendingSlotsPerKeypair    resource.Slot

	// EnforceSpreadingEndpointReplica mirrors
	// original_source/.../scheduler.py's SchedulingConfig field of the
	// same name, scoped here per group rather than cluster-wide.
	EnforceSpreadingEndpointReplica bool
}

// SchedulingConfig carries cluster-wide scheduling knobs such as the
// default prioritizer/selector names, mirroring
// original_source/.../scheduler.py's SchedulingConfig.
type SchedulingConfig struct {
	DefaultPrioritizer   string
	DefaultAgentSelector string
	MaxPendingBatchSize  int
}
