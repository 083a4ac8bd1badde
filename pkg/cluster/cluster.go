// Package cluster wires a raft.Raft instance to the scheduling FSM and
// the underlying Store, exposing the surface the rest of the scheduling
// core needs: a pkg/lock.LeaderChecker so only the Raft leader ticks the
// scheduler, a pkg/snapshot.Repository so a tick can read pending
// sessions/agents, and an pkg/allocator.Committer/pkg/validator.KeypairUsage
// so a tick's results are replicated through the log rather than
// written to the local store directly. Grounded on
// _examples/cuemby-warren/pkg/manager/manager.go's Manager: same
// Bootstrap/Join/AddVoter/RemoveServer/IsLeader/Shutdown shape, same
// raft.NewTCPTransport + raft-boltdb log/stable store + raft.NewFileSnapshotStore
// wiring, retargeted from WarrenFSM to SchedulingFSM.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/sokovan/pkg/domain"
	"github.com/cuemby/sokovan/pkg/fsm"
	"github.com/cuemby/sokovan/pkg/log"
	"github.com/cuemby/sokovan/pkg/resource"
	"github.com/cuemby/sokovan/pkg/schederr"
	"github.com/cuemby/sokovan/pkg/statemachine"
	"github.com/cuemby/sokovan/pkg/storage"
	"github.com/cuemby/sokovan/pkg/termination"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// Config holds the parameters needed to stand up one cluster node.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Manager owns the Raft consensus group backing the scheduling core's
// replicated state: agent roster, session/kernel records, and the
// scheduling commands the allocator/termination controller commit.
type Manager struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft  *raft.Raft
	fsm   *fsm.SchedulingFSM
	store storage.Store
}

// New wires a Manager around store without starting Raft; call
// Bootstrap or Join to start the consensus group.
func New(cfg Config, store storage.Store) *Manager {
	return &Manager{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		fsm:      fsm.New(store),
		store:    store,
	}
}

func (m *Manager) raftConfig() *raft.Config {
	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(m.nodeID)
	// A scheduling tick runs on a multi-second cadence, so failover
	// doesn't need the sub-second tuning a request-serving cluster would
	// want; the hashicorp/raft defaults are left alone here.
	return cfg
}

func (m *Manager) newRaft() (*raft.Raft, *raft.TCPTransport, error) {
	addr, err := net.ResolveTCPAddr("tcp", m.bindAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(m.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("create transport: %w", err)
	}
	snapshotStore, err := raft.NewFileSnapshotStore(m.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("create snapshot store: %w", err)
	}
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-log.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("create stable store: %w", err)
	}
	r, err := raft.NewRaft(m.raftConfig(), m.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, nil, fmt.Errorf("create raft: %w", err)
	}
	return r, transport, nil
}

// Bootstrap starts a brand-new single-node cluster with this node as
// the only member.
func (m *Manager) Bootstrap() error {
	r, transport, err := m.newRaft()
	if err != nil {
		return err
	}
	m.raft = r

	cfg := raft.Configuration{Servers: []raft.Server{
		{ID: raft.ServerID(m.nodeID), Address: transport.LocalAddr()},
	}}
	if err := m.raft.BootstrapCluster(cfg).Error(); err != nil {
		return fmt.Errorf("bootstrap cluster: %w", err)
	}
	return nil
}

// Join starts Raft without bootstrapping, expecting an existing leader
// to add this node as a voter via AddVoter.
func (m *Manager) Join() error {
	r, _, err := m.newRaft()
	if err != nil {
		return err
	}
	m.raft = r
	return nil
}

// AddVoter adds nodeID/address as a voting member; only the leader can
// do this.
func (m *Manager) AddVoter(nodeID, address string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !m.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", m.LeaderAddr())
	}
	if err := m.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second).Error(); err != nil {
		return fmt.Errorf("add voter: %w", err)
	}
	return nil
}

// RemoveServer removes a server from the cluster configuration.
func (m *Manager) RemoveServer(nodeID string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !m.IsLeader() {
		return fmt.Errorf("not the leader")
	}
	if err := m.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second).Error(); err != nil {
		return fmt.Errorf("remove server: %w", err)
	}
	return nil
}

// IsLeader satisfies pkg/lock.LeaderChecker: only the Raft leader is
// allowed to acquire a RaftLocker lease and run a scheduling tick.
func (m *Manager) IsLeader() bool {
	return m.raft != nil && m.raft.State() == raft.Leader
}

// LeaderAddr returns the current leader's Raft transport address, or
// "" if unknown.
func (m *Manager) LeaderAddr() string {
	if m.raft == nil {
		return ""
	}
	return string(m.raft.Leader())
}

// NodeID returns this node's Raft server ID.
func (m *Manager) NodeID() string { return m.nodeID }

// Shutdown stops Raft and closes the underlying store.
func (m *Manager) Shutdown() error {
	if m.raft != nil {
		if err := m.raft.Shutdown().Error(); err != nil {
			log.Errorf("raft shutdown error: %v", err)
		}
	}
	return m.store.Close()
}

// apply marshals a fsm.Command and submits it through the Raft log,
// returning the FSM's Apply result as an error if it returned one.
func (m *Manager) apply(op string, payload interface{}) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", op, err)
	}
	cmd, err := json.Marshal(fsm.Command{Op: op, Data: data})
	if err != nil {
		return fmt.Errorf("marshal command envelope: %w", err)
	}
	future := m.raft.Apply(cmd, 5*time.Second)
	if err := future.Error(); err != nil {
		return schederr.Wrap(schederr.CodeRPCUnavailable, "raft apply failed", err)
	}
	if resp := future.Response(); resp != nil {
		if ferr, ok := resp.(error); ok && ferr != nil {
			return ferr
		}
	}
	return nil
}

// UpsertAgent replicates an agent record.
func (m *Manager) UpsertAgent(agent *domain.Agent) error {
	return m.apply(fsm.OpUpsertAgent, fsm.UpsertAgentPayload{Agent: agent})
}

// CommitAllocations satisfies pkg/allocator.Committer by replicating
// one fsm.OpScheduleSession command per agent in the batch.
func (m *Manager) CommitAllocations(ctx context.Context, allocations []domain.AgentAllocation) error {
	for _, alloc := range allocations {
		payload := fsm.ScheduleSessionPayload{AgentID: alloc.AgentID, Kernels: alloc.Kernels, AllocatedSlots: alloc.AllocatedSlots}
		if err := m.apply(fsm.OpScheduleSession, payload); err != nil {
			return err
		}
	}
	return nil
}

// RecordTerminationResult replicates one kernel's termination outcome,
// called by pkg/termination once an agent's destroy RPC returns.
func (m *Manager) RecordTerminationResult(kernelID domain.KernelID, succeeded bool, statusInfo string) error {
	return m.apply(fsm.OpTerminateKernelResult, fsm.TerminateKernelResultPayload{
		KernelID: kernelID, Succeeded: succeeded, StatusInfo: statusInfo,
	})
}

// EnqueueSession replicates a newly submitted session and its kernels,
// both already constructed in PENDING status by the caller (pkg/api),
// as a single fsm.OpEnqueueSession command.
func (m *Manager) EnqueueSession(session *domain.Session, kernels []*domain.Kernel) error {
	return m.apply(fsm.OpEnqueueSession, fsm.EnqueueSessionPayload{Session: session, Kernels: kernels})
}

// RequestTerminate marks a session TERMINATING (a PENDING session
// included); its kernels keep their own status. It is idempotent from
// the caller's perspective: a session already TERMINATING or past it
// is left untouched by pkg/termination's next sweep regardless of how
// many times this is called.
func (m *Manager) RequestTerminate(ctx context.Context, sessionID domain.SessionID, statusInfo string) error {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !statemachine.CanTransitionSession(session.Status, domain.SessionStatusTerminating) {
		return nil
	}
	return m.apply(fsm.OpAppendSessionStatus, fsm.AppendStatusPayload{
		ID:     string(sessionID),
		Entry:  domain.StatusHistoryEntry{Status: string(domain.SessionStatusTerminating), Reason: statusInfo},
		Status: string(domain.SessionStatusTerminating),
	})
}

// PendingSessions satisfies pkg/snapshot.Repository, converting the
// store's persisted Session+Kernel rows into the
// domain.SessionWorkload/KernelRequirement shape the scheduling
// pipeline reasons over.
func (m *Manager) PendingSessions(ctx context.Context, sg domain.ScalingGroupName) ([]domain.SessionWorkload, error) {
	sessions, err := m.store.ListPendingSessions(ctx, sg)
	if err != nil {
		return nil, err
	}
	workloads := make([]domain.SessionWorkload, 0, len(sessions))
	for _, s := range sessions {
		kernels, err := m.store.ListKernelsBySession(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		reqs := make([]domain.KernelRequirement, 0, len(kernels))
		for _, k := range kernels {
			reqs = append(reqs, domain.KernelRequirement{
				KernelID:      k.ID,
				RequiredSlots: k.RequestedSlots,
				ImageArch:     k.ImageArchitecture,
			})
		}
		workloads = append(workloads, domain.SessionWorkload{
			SessionID:       s.ID,
			AccessKey:       s.AccessKey,
			UserID:          s.UserID,
			GroupID:         s.GroupID,
			DomainID:        s.DomainID,
			ScalingGroup:    s.ScalingGroup,
			SessionType:     s.Type,
			Priority:        s.Priority,
			CreatedAt:       s.CreatedAt,
			ClusterMode:     s.ClusterMode,
			ClusterSize:     s.ClusterSize,
			Kernels:         reqs,
			DesignatedAgent: s.DesignatedAgent,
			StartsAt:        s.StartsAt,
		})
	}
	return workloads, nil
}

// Agents satisfies pkg/snapshot.Repository.
func (m *Manager) Agents(ctx context.Context, sg domain.ScalingGroupName) ([]*domain.Agent, error) {
	return m.store.ListAgents(ctx, sg)
}

// SchedulingConfig satisfies pkg/snapshot.Repository with the cluster's
// default prioritizer/selector and batch size. A future config-service
// rewrite can source this from pkg/config instead of a fixed value;
// today it's fixed per Open Question 1's fifo-default decision.
func (m *Manager) SchedulingConfig(ctx context.Context) (domain.SchedulingConfig, error) {
	return domain.SchedulingConfig{
		DefaultPrioritizer:   "fifo",
		DefaultAgentSelector: "concentrated",
		MaxPendingBatchSize:  100,
	}, nil
}

// SchedulableScalingGroups satisfies pkg/snapshot.Repository.
func (m *Manager) SchedulableScalingGroups(ctx context.Context) ([]domain.ScalingGroupInfo, error) {
	return m.store.ListScalingGroups(ctx)
}

// ScalingGroupInfo satisfies pkg/snapshot.Repository.
func (m *Manager) ScalingGroupInfo(ctx context.Context, sg domain.ScalingGroupName) (domain.ScalingGroupInfo, error) {
	return m.store.GetScalingGroup(ctx, sg)
}

// TerminatingSessions satisfies pkg/termination.Repository, pairing
// each TERMINATING session with its full kernel set.
func (m *Manager) TerminatingSessions(ctx context.Context, sg domain.ScalingGroupName) ([]termination.Session, error) {
	sessions, err := m.store.ListTerminatingSessions(ctx, sg)
	if err != nil {
		return nil, err
	}
	out := make([]termination.Session, 0, len(sessions))
	for _, s := range sessions {
		kernels, err := m.store.ListKernelsBySession(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, termination.Session{Session: s, Kernels: kernels})
	}
	return out, nil
}

// FinalizeSessionTermination replicates the terminal outcome of one
// session's termination batch. A session whose kernel set didn't fully
// terminate stays TERMINATING rather than being force-advanced (a
// subsequent termination pass will retry it); see pkg/termination.
func (m *Manager) FinalizeSessionTermination(sessionID domain.SessionID, terminated bool, statusInfo string) error {
	if !terminated {
		return nil
	}
	return m.apply(fsm.OpAppendSessionStatus, fsm.AppendStatusPayload{
		ID:     string(sessionID),
		Entry:  domain.StatusHistoryEntry{Status: string(domain.SessionStatusTerminated), Reason: statusInfo},
		Status: string(domain.SessionStatusTerminated),
	})
}

// ConcurrentSessionCount satisfies pkg/validator.KeypairUsage by
// counting pending and active (resource-holding) sessions for key in
// sg. This is a store scan rather than a maintained counter; fine at
// the tick cadence and session-count scale this scheduler targets.
func (m *Manager) ConcurrentSessionCount(ctx context.Context, key domain.AccessKey, sg domain.ScalingGroupName) (int, error) {
	pending, err := m.store.ListPendingSessions(ctx, sg)
	if err != nil {
		return 0, err
	}
	active, err := m.store.ListActiveSessions(ctx, sg)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, s := range append(pending, active...) {
		if s.AccessKey == key {
			count++
		}
	}
	return count, nil
}

// occupiedSlotsBy sums the OccupiedSlots of every kernel belonging to an
// active (resource-holding) session in sg that match matches, the
// shared scan behind the four Keypair/User/Group/DomainOccupiedSlots
// methods below.
func (m *Manager) occupiedSlotsBy(ctx context.Context, sg domain.ScalingGroupName, matches func(*domain.Session) bool) (resource.Slot, error) {
	sessions, err := m.store.ListActiveSessions(ctx, sg)
	if err != nil {
		return nil, err
	}
	total := resource.Slot{}
	for _, s := range sessions {
		if !matches(s) {
			continue
		}
		kernels, err := m.store.ListKernelsBySession(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		for _, k := range kernels {
			total = total.Add(k.OccupiedSlots)
		}
	}
	return total, nil
}

// KeypairOccupiedSlots satisfies pkg/validator.ResourceQuotaUsage.
func (m *Manager) KeypairOccupiedSlots(ctx context.Context, key domain.AccessKey, sg domain.ScalingGroupName) (resource.Slot, error) {
	return m.occupiedSlotsBy(ctx, sg, func(s *domain.Session) bool { return s.AccessKey == key })
}

// UserOccupiedSlots satisfies pkg/validator.ResourceQuotaUsage.
func (m *Manager) UserOccupiedSlots(ctx context.Context, user domain.UserID, sg domain.ScalingGroupName) (resource.Slot, error) {
	return m.occupiedSlotsBy(ctx, sg, func(s *domain.Session) bool { return s.UserID == user })
}

// GroupOccupiedSlots satisfies pkg/validator.ResourceQuotaUsage.
func (m *Manager) GroupOccupiedSlots(ctx context.Context, group domain.GroupID, sg domain.ScalingGroupName) (resource.Slot, error) {
	return m.occupiedSlotsBy(ctx, sg, func(s *domain.Session) bool { return s.GroupID == group })
}

// DomainOccupiedSlots satisfies pkg/validator.ResourceQuotaUsage.
func (m *Manager) DomainOccupiedSlots(ctx context.Context, domainID domain.DomainID, sg domain.ScalingGroupName) (resource.Slot, error) {
	return m.occupiedSlotsBy(ctx, sg, func(s *domain.Session) bool { return s.DomainID == domainID })
}

// PendingSessionCount satisfies pkg/validator.PendingUsage.
func (m *Manager) PendingSessionCount(ctx context.Context, key domain.AccessKey, sg domain.ScalingGroupName) (int, error) {
	pending, err := m.store.ListPendingSessions(ctx, sg)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, s := range pending {
		if s.AccessKey == key {
			count++
		}
	}
	return count, nil
}

// PendingOccupiedSlots satisfies pkg/validator.PendingUsage, summing
// RequestedSlots (not OccupiedSlots: a pending session's kernels have
// not been placed on an agent yet) across a keypair's pending sessions.
func (m *Manager) PendingOccupiedSlots(ctx context.Context, key domain.AccessKey, sg domain.ScalingGroupName) (resource.Slot, error) {
	pending, err := m.store.ListPendingSessions(ctx, sg)
	if err != nil {
		return nil, err
	}
	total := resource.Slot{}
	for _, s := range pending {
		if s.AccessKey != key {
			continue
		}
		kernels, err := m.store.ListKernelsBySession(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		for _, k := range kernels {
			total = total.Add(k.RequestedSlots)
		}
	}
	return total, nil
}
