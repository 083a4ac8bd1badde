package domain

import (
	"time"

	"github.com/cuemby/sokovan/pkg/resource"
)

// SessionStatus is the coarse lifecycle status of a Session, grounded on
// backend.ai's session status enum in original_source/.
type SessionStatus string

const (
	SessionStatusPending     SessionStatus = "PENDING"
	SessionStatusScheduled   SessionStatus = "SCHEDULED"
	SessionStatusPreparing   SessionStatus = "PREPARING"
	SessionStatusRunning     SessionStatus = "RUNNING"
	SessionStatusTerminating SessionStatus = "TERMINATING"
	SessionStatusTerminated  SessionStatus = "TERMINATED"
	SessionStatusCancelled   SessionStatus = "CANCELLED"
	SessionStatusError       SessionStatus = "ERROR"
)

// KernelStatus mirrors SessionStatus at kernel granularity.
type KernelStatus string

const (
	KernelStatusPending     KernelStatus = "PENDING"
	KernelStatusScheduled   KernelStatus = "SCHEDULED"
	KernelStatusPreparing   KernelStatus = "PREPARING"
	KernelStatusRunning     KernelStatus = "RUNNING"
	KernelStatusTerminating KernelStatus = "TERMINATING"
	KernelStatusTerminated  KernelStatus = "TERMINATED"
	KernelStatusCancelled   KernelStatus = "CANCELLED"
	KernelStatusError       KernelStatus = "ERROR"
)

// StatusHistoryEntry records one transition, appended (never
// overwritten) to a Session or Kernel's status_history.
type StatusHistoryEntry struct {
	Status    string
	Reason    string
	Timestamp time.Time
}

// Session is the persisted, replicated record of a user session,
// carrying the audit trail the state machine appends to.
type Session struct {
	ID            SessionID
	AccessKey     AccessKey
	UserID        UserID
	GroupID       GroupID
	DomainID      DomainID
	ScalingGroup  ScalingGroupName
	Type          SessionType
	Priority      int
	Status        SessionStatus
	StatusInfo    string
	CreationID    string
	StatusHistory []StatusHistoryEntry
	CreatedAt     time.Time
	DesignatedAgent AgentID
	ClusterMode     ClusterMode
	ClusterSize     int
	StartsAt        *time.Time
}

// Kernel is the persisted record of one container-equivalent unit
// within a Session. RequestedSlots is fixed at creation time and feeds
// the scheduling pipeline's KernelRequirement; OccupiedSlots is filled
// in once the allocator actually places the kernel on an agent, which
// for most resource types equals RequestedSlots but can differ for
// slots the agent rounds up (e.g. shared-memory).
type Kernel struct {
	ID                KernelID
	SessionID         SessionID
	AgentID           AgentID
	AgentAddr         string
	ContainerID       string
	Status            KernelStatus
	StatusInfo        string
	RequestedSlots    resource.Slot
	ImageArchitecture string
	OccupiedSlots     resource.Slot
	StatusHistory     []StatusHistoryEntry
	CreatedAt         time.Time
}
