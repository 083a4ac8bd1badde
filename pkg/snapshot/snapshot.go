// Package snapshot builds the point-in-time SystemSnapshot a scheduling
// tick reasons over: the pending-session stream, the per-scaling-group
// agent roster, and current occupancy. Grounded on
// original_source/.../sokovan/scheduler.py's SchedulerRepository
// protocol (get_system_snapshot/get_pending_sessions/get_agents).
package snapshot

import (
	"context"
	"iter"

	"github.com/cuemby/sokovan/pkg/domain"
)

// Repository is the read side a SystemSnapshot is built from. A real
// implementation is backed by pkg/storage; tests supply an in-memory
// fake.
type Repository interface {
	PendingSessions(ctx context.Context, sg domain.ScalingGroupName) ([]domain.SessionWorkload, error)
	Agents(ctx context.Context, sg domain.ScalingGroupName) ([]*domain.Agent, error)
	SchedulingConfig(ctx context.Context) (domain.SchedulingConfig, error)
	SchedulableScalingGroups(ctx context.Context) ([]domain.ScalingGroupInfo, error)
	ScalingGroupInfo(ctx context.Context, sg domain.ScalingGroupName) (domain.ScalingGroupInfo, error)
}

// SystemSnapshot is the immutable view one scheduling tick for one
// scaling group operates on. Agents is a live slice of *domain.Agent:
// the allocator mutates OccupiedSlots/ContainerCount on these pointers
// in place as it allocates, the same eager-mutation pattern as
// scheduler.py's _allocate_workload.
type SystemSnapshot struct {
	ScalingGroup domain.ScalingGroupName
	Agents       []*domain.Agent
	pending      []domain.SessionWorkload
}

// Build fetches the pending sessions and agent roster for sg and
// assembles a SystemSnapshot.
func Build(ctx context.Context, repo Repository, sg domain.ScalingGroupName) (*SystemSnapshot, error) {
	pending, err := repo.PendingSessions(ctx, sg)
	if err != nil {
		return nil, err
	}
	agents, err := repo.Agents(ctx, sg)
	if err != nil {
		return nil, err
	}
	return &SystemSnapshot{ScalingGroup: sg, Agents: agents, pending: pending}, nil
}

// Pending returns a lazy, finite sequence over the snapshot's pending
// sessions, ordered exactly as the repository returned them (ordering
// is the prioritizer's job, not the snapshot's).
func (s *SystemSnapshot) Pending() iter.Seq[domain.SessionWorkload] {
	return func(yield func(domain.SessionWorkload) bool) {
		for _, w := range s.pending {
			if !yield(w) {
				return
			}
		}
	}
}

// PendingCount returns the number of pending sessions without
// materializing them, used by metrics.
func (s *SystemSnapshot) PendingCount() int {
	return len(s.pending)
}

// AgentByID looks up a snapshot agent by ID, returning nil if absent.
func (s *SystemSnapshot) AgentByID(id domain.AgentID) *domain.Agent {
	for _, a := range s.Agents {
		if a.ID == id {
			return a
		}
	}
	return nil
}
