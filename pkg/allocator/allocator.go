// Package allocator commits the AgentAllocation/KernelAllocation sets a
// scheduling pass produces. Grounded on
// original_source/.../sokovan/scheduler.py's _allocate_workload (eager
// in-memory mutation of the selected agent's occupied_slots before the
// batch is committed) and allocators/allocator.py's SchedulerAllocator
// ABC.
package allocator

import (
	"context"
	"encoding/json"

	"github.com/cuemby/sokovan/pkg/domain"
	"github.com/cuemby/sokovan/pkg/resource"
	"github.com/cuemby/sokovan/pkg/schederr"
	"github.com/cuemby/sokovan/pkg/selector"
)

// Committer persists a batch of AgentAllocations atomically, typically
// via pkg/fsm through Raft.
type Committer interface {
	CommitAllocations(ctx context.Context, allocations []domain.AgentAllocation) error
}

// Publisher is the fire-and-forget event sink AllocateAndCommit
// notifies on a successful commit; pkg/mq.Queue satisfies it. A nil
// Publisher makes publishing a no-op, so tests and sokovand
// schedule-once don't need a queue wired up.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

type sessionScheduledEvent struct {
	SessionID    domain.SessionID         `json:"session_id"`
	ScalingGroup domain.ScalingGroupName  `json:"scaling_group"`
}

const topicSessionScheduled = "session.scheduled"

// Allocate runs the selector over every kernel in workload, mutating
// each chosen agent's OccupiedSlots/ContainerCount in place as it goes
// (so the next kernel in the same session sees the updated occupancy -
// this is what lets a multi-kernel session "pack" onto the agent it
// just placed a sibling kernel on). It returns a nil allocation and a
// CodeNoAgentAvailable error if selection fails for any kernel: a
// session that can't be fully placed this tick is left pending for the
// next one rather than partially allocated.
func Allocate(sel selector.Selector, agents []*domain.Agent, workload domain.SessionWorkload, resourcePriority []string) ([]domain.AgentAllocation, error) {
	perAgent := make(map[domain.AgentID]*domain.AgentAllocation)
	order := make([]domain.AgentID, 0, len(workload.Kernels))

	pinned := workload.DesignatedAgent
	for _, req := range workload.Kernels {
		candidates := selector.FilterCandidates(agents, req)
		if pinned != "" {
			candidates = onlyDesignated(candidates, pinned)
		}
		chosen, err := sel.SelectAgent(candidates, req, resourcePriority)
		if err != nil {
			return nil, schederr.Wrap(schederr.CodeNoAgentAvailable,
				"could not place kernel "+string(req.KernelID)+" for session "+string(workload.SessionID), err)
		}

		chosen.OccupiedSlots = chosen.OccupiedSlots.Add(req.RequiredSlots)
		chosen.ContainerCount++
		if workload.ClusterMode == domain.ClusterModeSingleNode {
			pinned = chosen.ID
		}

		alloc, ok := perAgent[chosen.ID]
		if !ok {
			alloc = &domain.AgentAllocation{AgentID: chosen.ID, AllocatedSlots: resource.Slot{}}
			perAgent[chosen.ID] = alloc
			order = append(order, chosen.ID)
		}
		alloc.Kernels = append(alloc.Kernels, domain.KernelAllocation{
			KernelID: req.KernelID, SessionID: workload.SessionID, AgentID: chosen.ID, Slots: req.RequiredSlots,
		})
		alloc.AllocatedSlots = alloc.AllocatedSlots.Add(req.RequiredSlots)
	}

	out := make([]domain.AgentAllocation, 0, len(order))
	for _, id := range order {
		out = append(out, *perAgent[id])
	}
	return out, nil
}

func onlyDesignated(candidates []*domain.Agent, id domain.AgentID) []*domain.Agent {
	for _, a := range candidates {
		if a.ID == id {
			return []*domain.Agent{a}
		}
	}
	return nil
}

// AllocateAndCommit runs Allocate for every admitted workload in order,
// accumulates all resulting AgentAllocations, and commits them as one
// batch via committer - mirroring
// scheduler.py's "self._allocator.allocate(session_allocations) if any
// succeeded" batch-commit-at-the-end behavior. Workloads that fail
// selection are skipped (left pending) rather than aborting the batch.
// On a successful commit, publishes one session.scheduled event per
// committed session via publisher (nil publisher skips this entirely).
func AllocateAndCommit(ctx context.Context, committer Committer, publisher Publisher, sel selector.Selector, agents []*domain.Agent, workloads []domain.SessionWorkload, resourcePriority []string) (committed []domain.SessionID, skipped map[domain.SessionID]error, err error) {
	skipped = make(map[domain.SessionID]error)
	byID := make(map[domain.SessionID]domain.SessionWorkload, len(workloads))
	var batch []domain.AgentAllocation

	for _, w := range workloads {
		byID[w.SessionID] = w
		allocs, aerr := Allocate(sel, agents, w, resourcePriority)
		if aerr != nil {
			skipped[w.SessionID] = aerr
			continue
		}
		batch = append(batch, allocs...)
		committed = append(committed, w.SessionID)
	}

	if len(batch) == 0 {
		return committed, skipped, nil
	}
	if err := committer.CommitAllocations(ctx, mergeByAgent(batch)); err != nil {
		return nil, skipped, schederr.Wrap(schederr.CodeAllocationConflict, "failed to commit allocation batch", err)
	}

	publishScheduledEvents(ctx, publisher, committed, byID)
	return committed, skipped, nil
}

// publishScheduledEvents is best-effort: a dropped notification means a
// watcher polls a little later, not a scheduling-correctness failure,
// so publish errors are not propagated to the tick's result.
func publishScheduledEvents(ctx context.Context, publisher Publisher, committed []domain.SessionID, byID map[domain.SessionID]domain.SessionWorkload) {
	if publisher == nil {
		return
	}
	for _, id := range committed {
		payload, err := json.Marshal(sessionScheduledEvent{SessionID: id, ScalingGroup: byID[id].ScalingGroup})
		if err != nil {
			continue
		}
		_ = publisher.Publish(ctx, topicSessionScheduled, payload)
	}
}

// mergeByAgent combines AgentAllocation entries emitted per-workload
// into one entry per agent, since two workloads in the same tick can
// land on the same agent.
func mergeByAgent(batch []domain.AgentAllocation) []domain.AgentAllocation {
	merged := make(map[domain.AgentID]*domain.AgentAllocation)
	order := make([]domain.AgentID, 0, len(batch))
	for _, a := range batch {
		existing, ok := merged[a.AgentID]
		if !ok {
			copyAlloc := a
			merged[a.AgentID] = &copyAlloc
			order = append(order, a.AgentID)
			continue
		}
		existing.Kernels = append(existing.Kernels, a.Kernels...)
		existing.AllocatedSlots = existing.AllocatedSlots.Add(a.AllocatedSlots)
	}
	out := make([]domain.AgentAllocation, 0, len(order))
	for _, id := range order {
		out = append(out, *merged[id])
	}
	return out
}
