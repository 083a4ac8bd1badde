// Package fsm implements the Raft-replicated state machine for
// scheduling decisions. Grounded on
// _examples/cuemby-warren/pkg/manager/fsm.go's Command{Op, Data}
// envelope and switch-on-Op Apply, retargeted from Warren's
// node/service/task Ops to this domain's
// upsert_agent/delete_agent/enqueue_session/schedule_session/
// terminate_kernel_result/append_session_status/append_kernel_status
// Ops.
package fsm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/sokovan/pkg/domain"
	"github.com/cuemby/sokovan/pkg/resource"
	"github.com/cuemby/sokovan/pkg/statemachine"
	"github.com/cuemby/sokovan/pkg/storage"
	"github.com/hashicorp/raft"
)

// Op names applied through the Raft log.
const (
	OpUpsertAgent           = "upsert_agent"
	OpDeleteAgent           = "delete_agent"
	OpEnqueueSession        = "enqueue_session"
	OpScheduleSession       = "schedule_session"
	OpTerminateKernelResult = "terminate_kernel_result"
	OpAppendSessionStatus   = "append_session_status"
	OpAppendKernelStatus    = "append_kernel_status"
)

// Command is the envelope every Raft log entry carries.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// SchedulingFSM applies committed scheduling commands to the
// underlying Store.
type SchedulingFSM struct {
	mu    sync.RWMutex
	store storage.Store
}

func New(store storage.Store) *SchedulingFSM {
	return &SchedulingFSM{store: store}
}

// UpsertAgentPayload carries a full agent record.
type UpsertAgentPayload struct {
	Agent *domain.Agent `json:"agent"`
}

// EnqueueSessionPayload carries a newly submitted session and its
// kernels, both already in PENDING status, committed verbatim to the
// store so the next scheduling tick picks the session up.
type EnqueueSessionPayload struct {
	Session *domain.Session `json:"session"`
	Kernels []*domain.Kernel `json:"kernels"`
}

// ScheduleSessionPayload carries one committed allocation for one
// agent, produced by pkg/allocator. AllocatedSlots is the aggregate
// slot vector across Kernels, applied to the agent's occupancy in the
// same Apply call that assigns the kernels (spec.md §4.5 steps 2-3).
type ScheduleSessionPayload struct {
	AgentID        domain.AgentID            `json:"agent_id"`
	Kernels        []domain.KernelAllocation `json:"kernels"`
	AllocatedSlots resource.Slot             `json:"allocated_slots"`
}

// TerminateKernelResultPayload records one kernel's termination
// outcome, applied after pkg/termination's RPC fan-out completes.
type TerminateKernelResultPayload struct {
	KernelID   domain.KernelID    `json:"kernel_id"`
	Succeeded  bool               `json:"succeeded"`
	StatusInfo string             `json:"status_info"`
}

// AppendStatusPayload is shared by the session/kernel status-history Ops.
type AppendStatusPayload struct {
	ID     string                      `json:"id"`
	Entry  domain.StatusHistoryEntry   `json:"entry"`
	Status string                      `json:"status"`
}

// Apply decodes log.Data as a Command and dispatches on its Op, the
// same switch-on-Op shape as Warren's own FSM.Apply.
func (f *SchedulingFSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	ctx := context.Background()

	switch cmd.Op {
	case OpUpsertAgent:
		var p UpsertAgentPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.store.UpsertAgent(ctx, p.Agent)

	case OpDeleteAgent:
		var agentID domain.AgentID
		if err := json.Unmarshal(cmd.Data, &agentID); err != nil {
			return err
		}
		return f.store.DeleteAgent(ctx, agentID)

	case OpEnqueueSession:
		var p EnqueueSessionPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.applyEnqueue(ctx, p)

	case OpScheduleSession:
		var p ScheduleSessionPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.applySchedule(ctx, p)

	case OpTerminateKernelResult:
		var p TerminateKernelResultPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.applyTerminateResult(ctx, p)

	case OpAppendSessionStatus:
		var p AppendStatusPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.store.AppendSessionStatus(ctx, domain.SessionID(p.ID), p.Entry, domain.SessionStatus(p.Status))

	case OpAppendKernelStatus:
		var p AppendStatusPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.store.AppendKernelStatus(ctx, domain.KernelID(p.ID), p.Entry, domain.KernelStatus(p.Status))

	default:
		return fmt.Errorf("unknown fsm op: %s", cmd.Op)
	}
}

func (f *SchedulingFSM) applyEnqueue(ctx context.Context, p EnqueueSessionPayload) error {
	if err := f.store.CreateSession(ctx, p.Session); err != nil {
		return err
	}
	for _, k := range p.Kernels {
		if err := f.store.CreateKernel(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// applySchedule applies one agent's winning allocation: the agent's
// occupancy is incremented first (spec.md §4.5 step 3), then every
// kernel is bound to it and transitioned PENDING -> SCHEDULED (step 2),
// then each distinct session in the batch has its derived status
// recomputed - this is what drives a session from PENDING to SCHEDULED,
// since nothing else in this FSM ever touches session status on the
// happy path.
func (f *SchedulingFSM) applySchedule(ctx context.Context, p ScheduleSessionPayload) error {
	if err := f.store.IncrementAgentOccupancy(ctx, p.AgentID, p.AllocatedSlots, len(p.Kernels)); err != nil {
		return err
	}

	sessions := make(map[domain.SessionID]struct{}, len(p.Kernels))
	for _, k := range p.Kernels {
		if err := f.store.AssignKernelAgent(ctx, k.KernelID, k.AgentID, "", k.Slots); err != nil {
			return err
		}
		if err := f.transitionKernel(ctx, k.KernelID, domain.KernelStatusScheduled, "allocated by scheduler"); err != nil {
			return err
		}
		sessions[k.SessionID] = struct{}{}
	}
	for sessionID := range sessions {
		if err := f.recomputeSessionStatus(ctx, sessionID, "allocated by scheduler"); err != nil {
			return err
		}
	}
	return nil
}

// applyTerminateResult moves a successfully destroyed kernel to
// TERMINATED and recomputes its session. A failed destroy leaves the
// kernel's status as it is and only appends the attempt to its
// status_history, so the session stays TERMINATING for the next sweep.
func (f *SchedulingFSM) applyTerminateResult(ctx context.Context, p TerminateKernelResultPayload) error {
	kernel, err := f.store.GetKernel(ctx, p.KernelID)
	if err != nil {
		return err
	}
	if !p.Succeeded {
		entry := domain.StatusHistoryEntry{Status: string(kernel.Status), Reason: p.StatusInfo}
		return f.store.AppendKernelStatus(ctx, p.KernelID, entry, kernel.Status)
	}
	if err := f.transitionKernel(ctx, p.KernelID, domain.KernelStatusTerminated, p.StatusInfo); err != nil {
		return err
	}
	return f.recomputeSessionStatus(ctx, kernel.SessionID, p.StatusInfo)
}

// recomputeSessionStatus derives sessionID's status from its kernels via
// statemachine.ReduceSessionStatus and appends the transition if the
// derived status differs from what's recorded and is a legal move from
// it - a no-op for a stale/duplicate command or a derived status that
// isn't actually reachable from the current one (e.g. TERMINATED is
// final regardless of what a reduction computes).
func (f *SchedulingFSM) recomputeSessionStatus(ctx context.Context, sessionID domain.SessionID, reason string) error {
	kernels, err := f.store.ListKernelsBySession(ctx, sessionID)
	if err != nil {
		return err
	}
	values := make([]domain.Kernel, len(kernels))
	for i, k := range kernels {
		values[i] = *k
	}
	to := statemachine.ReduceSessionStatus(values)

	session, err := f.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status == to || !statemachine.CanTransitionSession(session.Status, to) {
		return nil
	}
	entry := domain.StatusHistoryEntry{Status: string(to), Reason: reason}
	return f.store.AppendSessionStatus(ctx, sessionID, entry, to)
}

// transitionKernel validates the legality of the requested transition
// against the kernel's current recorded status before appending, so a
// stale or duplicated command can't regress kernel state.
func (f *SchedulingFSM) transitionKernel(ctx context.Context, id domain.KernelID, to domain.KernelStatus, reason string) error {
	kernel, err := f.store.GetKernel(ctx, id)
	if err != nil {
		return err
	}
	if !statemachine.CanTransitionKernel(kernel.Status, to) {
		return nil // stale/duplicate command, already past this state: no-op rather than error
	}
	entry := domain.StatusHistoryEntry{Status: string(to), Reason: reason}
	return f.store.AppendKernelStatus(ctx, id, entry, to)
}

// Snapshot returns a point-in-time copy of the cluster's scheduling
// state for Raft log compaction.
func (f *SchedulingFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	ctx := context.Background()
	agents, err := f.store.ListAgents(ctx, "")
	if err != nil {
		return nil, err
	}
	groups, err := f.store.ListScalingGroups(ctx)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Agents: agents, ScalingGroups: groups}, nil
}

// Restore replaces the store's state with the contents of a snapshot
// read back from Raft's snapshot store.
func (f *SchedulingFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var snap Snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	ctx := context.Background()
	for _, agent := range snap.Agents {
		if err := f.store.UpsertAgent(ctx, agent); err != nil {
			return fmt.Errorf("restore agent: %w", err)
		}
	}
	return nil
}

// Snapshot is the serialized FSM state, grounded on Warren's
// WarrenSnapshot{Nodes, Services, ...}/Persist/Release shape.
type Snapshot struct {
	Agents        []*domain.Agent
	ScalingGroups []domain.ScalingGroupInfo
}

func (s *Snapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *Snapshot) Release() {}
