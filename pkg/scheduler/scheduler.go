// Package scheduler runs the tick loop (C6) that drives one scheduling
// pass per scaling group: build a snapshot, prioritize the pending
// queue, admit workloads through the validator chain, select agents,
// and commit the resulting allocations. Grounded on
// _examples/cuemby-warren/pkg/scheduler/scheduler.go's
// Start/Stop/run/schedule ticker-with-stop-channel shape, with the
// per-service scheduling body replaced by the five-stage scheduling
// pipeline original_source/.../sokovan/scheduler.py's
// _schedule_queued_sessions implements.
package scheduler

import (
	"context"
	"time"

	"github.com/cuemby/sokovan/pkg/allocator"
	"github.com/cuemby/sokovan/pkg/domain"
	"github.com/cuemby/sokovan/pkg/lock"
	"github.com/cuemby/sokovan/pkg/log"
	"github.com/cuemby/sokovan/pkg/metrics"
	"github.com/cuemby/sokovan/pkg/prioritizer"
	"github.com/cuemby/sokovan/pkg/schederr"
	"github.com/cuemby/sokovan/pkg/selector"
	"github.com/cuemby/sokovan/pkg/snapshot"
	"github.com/cuemby/sokovan/pkg/validator"
	"github.com/rs/zerolog"
)

// DefaultResourcePriority is the tie-break order selectors score
// candidate agents' remaining capacity by when a scaling group doesn't
// override it.
var DefaultResourcePriority = []string{"cuda.shares", "cpu", "mem"}

// UsageProvider is the full usage surface the admission chain's quota
// rules read from; cluster.Manager satisfies it in production.
type UsageProvider interface {
	validator.KeypairUsage
	validator.ResourceQuotaUsage
	validator.PendingUsage
}

// Scheduler runs one tick per tickInterval for every
// scaling group the repository reports as schedulable.
type Scheduler struct {
	repo       snapshot.Repository
	usage      UsageProvider
	committer  allocator.Committer
	publisher  allocator.Publisher
	locker     lock.Locker
	validators validator.Chain
	logger     zerolog.Logger

	tickInterval time.Duration
	lockTTL      time.Duration
	stopCh       chan struct{}
}

// Deps bundles the collaborators a Scheduler needs; cluster.Manager
// satisfies repo, usage, and committer simultaneously in production.
// Publisher is optional: a nil value means a tick's allocation commits
// won't emit session.scheduled events.
type Deps struct {
	Repo      snapshot.Repository
	Usage     UsageProvider
	Committer allocator.Committer
	Publisher allocator.Publisher
	Locker    lock.Locker
}

// New builds a Scheduler with the standard six-check admission chain
// from spec.md §4.3, in order: session-type permitted, per-level
// resource quota, keypair concurrency limit, pending limit, designated-
// agent availability, inference-spreading precheck, plus a final
// non-empty-kernel-set sanity check.
func New(deps Deps, tickInterval time.Duration) *Scheduler {
	return &Scheduler{
		repo:      deps.Repo,
		usage:     deps.Usage,
		committer: deps.Committer,
		publisher: deps.Publisher,
		locker:    deps.Locker,
		validators: validator.Chain{Rules: []validator.Validator{
			validator.SessionTypePermitted{},
			validator.ResourceQuotaLimit{Usage: deps.Usage},
			validator.ConcurrencyLimit{Usage: deps.Usage},
			validator.PendingLimit{Usage: deps.Usage},
			validator.DesignatedAgentAvailable{},
			validator.SpreadingPrecheck{},
			validator.NonEmptyKernelSet{},
		}},
		logger:       log.WithComponent("scheduler"),
		tickInterval: tickInterval,
		lockTTL:      tickInterval * 2,
		stopCh:       make(chan struct{}),
	}
}

// Start begins the tick loop in a background goroutine.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop signals the tick loop to exit; it does not wait for the current
// tick to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx := context.Background()
			if err := s.tickAll(ctx); err != nil {
				s.logger.Error().Err(err).Msg("scheduling tick failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

// tickAll runs one tick for every schedulable scaling group.
func (s *Scheduler) tickAll(ctx context.Context) error {
	groups, err := s.repo.SchedulableScalingGroups(ctx)
	if err != nil {
		return err
	}
	for _, sg := range groups {
		if err := s.tickOne(ctx, sg.Name); err != nil {
			s.logger.Error().Err(err).Str("scaling_group", string(sg.Name)).Msg("scaling group tick failed")
		}
	}
	return nil
}

// TickOnce runs exactly one tick for sg, serialized against other
// replicas via s.locker. Exported so a CLI or test harness can trigger
// a single pass without waiting for the ticker.
func (s *Scheduler) TickOnce(ctx context.Context, sg domain.ScalingGroupName) error {
	return s.tickOne(ctx, sg)
}

func (s *Scheduler) tickOne(ctx context.Context, sg domain.ScalingGroupName) error {
	return lock.WithLock(ctx, s.locker, "schedule:"+string(sg), s.lockTTL, func(ctx context.Context) error {
		return s.tick(ctx, sg)
	})
}

func (s *Scheduler) tick(ctx context.Context, sg domain.ScalingGroupName) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.TickDuration, string(sg), "total")

	sgInfo, err := s.repo.ScalingGroupInfo(ctx, sg)
	if err != nil {
		return err
	}

	snap, err := snapshot.Build(ctx, s.repo, sg)
	if err != nil {
		return err
	}
	metrics.PendingSessionsTotal.WithLabelValues(string(sg)).Set(float64(snap.PendingCount()))
	if snap.PendingCount() == 0 {
		return nil
	}

	prio := prioritizer.Get(prioritizerName(sgInfo))
	pending := make([]domain.SessionWorkload, 0, snap.PendingCount())
	for w := range snap.Pending() {
		pending = append(pending, w)
	}
	ordered := prio.Prioritize(pending)

	admitted, rejected := validator.ValidateAll(ctx, s.validators, ordered, sgInfo, snap.Agents)
	for id, rerr := range rejected {
		s.logger.Warn().Str("session_id", string(id)).Err(rerr).Msg("session rejected by admission validator")
		metrics.SessionsRejectedTotal.WithLabelValues(string(sg), string(schederr.CodeOf(rerr))).Inc()
	}
	if len(admitted) == 0 {
		return nil
	}

	sel := selector.Get(selectorName(sgInfo))
	committed, skipped, err := allocator.AllocateAndCommit(ctx, s.committer, s.publisher, sel, snap.Agents, admitted, DefaultResourcePriority)
	if err != nil {
		metrics.AllocationCommitFailuresTotal.WithLabelValues(string(sg)).Inc()
		return err
	}

	metrics.SessionsScheduledTotal.WithLabelValues(string(sg)).Add(float64(len(committed)))
	metrics.SessionsUnschedulableTotal.WithLabelValues(string(sg)).Add(float64(len(skipped)))
	for id, serr := range skipped {
		s.logger.Debug().Str("session_id", string(id)).Err(serr).Msg("session could not be placed this tick")
	}
	s.logger.Info().
		Str("scaling_group", string(sg)).
		Int("scheduled", len(committed)).
		Int("unschedulable", len(skipped)).
		Msg("scheduling tick complete")
	return nil
}

func prioritizerName(sgInfo domain.ScalingGroupInfo) string {
	if sgInfo.PrioritizerName != "" {
		return sgInfo.PrioritizerName
	}
	return "fifo" // Open Question 1: fifo is the cluster-wide default.
}

func selectorName(sgInfo domain.ScalingGroupInfo) string {
	if sgInfo.AgentSelectorName != "" {
		return sgInfo.AgentSelectorName
	}
	return "concentrated"
}
