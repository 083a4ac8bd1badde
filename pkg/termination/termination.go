// Package termination runs the bounded concurrent RPC fan-out (C7)
// that tears down a session once it has been marked TERMINATING: one
// destroy_kernel RPC per kernel, dispatched across all of the batch's
// sessions at once via an errgroup.Group bounded by a
// semaphore.Weighted rather than a per-session worker, then a single
// finalize call per session once its kernels have all reported an
// outcome. Grounded on
// original_source/tests/manager/sokovan/scheduler/test_terminate_sessions.py
// (TerminatingSessionData/TerminatingKernelData, the
// destroy_kernel(kernel_id, session_id, status_info) call shape, and
// the batch_update_terminated_status finalize call), with the
// ticker/stop-channel loop shape grounded on
// _examples/cuemby-warren/pkg/reconciler/reconciler.go.
package termination

import (
	"context"
	"time"

	"github.com/cuemby/sokovan/pkg/domain"
	"github.com/cuemby/sokovan/pkg/log"
	"github.com/cuemby/sokovan/pkg/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Session pairs a TERMINATING session with its full kernel set.
type Session struct {
	Session *domain.Session
	Kernels []*domain.Kernel
}

// Repository is the persistence surface a Controller needs;
// cluster.Manager satisfies it in production.
type Repository interface {
	TerminatingSessions(ctx context.Context, sg domain.ScalingGroupName) ([]Session, error)
	RecordTerminationResult(kernelID domain.KernelID, succeeded bool, statusInfo string) error
	FinalizeSessionTermination(sessionID domain.SessionID, terminated bool, statusInfo string) error
}

// AgentClient is the per-agent RPC surface a Controller drives;
// pkg/agentrpc's pooled gRPC client satisfies it in production.
type AgentClient interface {
	DestroyKernel(ctx context.Context, kernelID, sessionID, statusInfo string) error
}

// AgentPool resolves an agent ID/address to a reusable AgentClient.
type AgentPool interface {
	GetClient(agentID domain.AgentID, agentAddr string) (AgentClient, error)
}

// KernelOutcome is one kernel's termination result.
type KernelOutcome struct {
	KernelID  domain.KernelID
	Succeeded bool
	// Skipped marks a kernel with no agent ID or container ID, for
	// which no destroy RPC was attempted.
	Skipped bool
	Err     error
}

// SessionResult is one session's termination batch outcome.
type SessionResult struct {
	SessionID  domain.SessionID
	CreationID string
	// Terminated mirrors should_terminate_session: true only when at
	// least one destroy RPC was attempted and every attempted one
	// succeeded. A session with no kernels, or whose kernels were all
	// skipped, is never Terminated (Open Question: a TERMINATING session
	// whose kernel set is already empty stays TERMINATING rather than
	// being force-advanced, since an empty set more likely means the
	// kernels haven't been recorded yet than that there was nothing to
	// tear down).
	Terminated bool
	Kernels    []KernelOutcome
}

// Controller drives the termination RPC fan-out for one scaling
// group's TERMINATING sessions per invocation.
type Controller struct {
	repo        Repository
	pool        AgentPool
	concurrency int64
	logger      zerolog.Logger

	tickInterval time.Duration
	stopCh       chan struct{}
}

// New builds a Controller bounding kernel-destroy RPCs in flight at
// once to concurrency, across all sessions in a batch combined (not
// per session), so a batch of many small sessions fans out as wide as
// a batch of few large ones.
func New(repo Repository, pool AgentPool, concurrency int64, tickInterval time.Duration) *Controller {
	return &Controller{
		repo:         repo,
		pool:         pool,
		concurrency:  concurrency,
		logger:       log.WithComponent("termination"),
		tickInterval: tickInterval,
		stopCh:       make(chan struct{}),
	}
}

// Start begins the periodic termination sweep in a background goroutine.
func (c *Controller) Start(scalingGroups func() []domain.ScalingGroupName) {
	go c.run(scalingGroups)
}

// Stop signals the sweep loop to exit.
func (c *Controller) Stop() {
	close(c.stopCh)
}

func (c *Controller) run(scalingGroups func() []domain.ScalingGroupName) {
	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx := context.Background()
			for _, sg := range scalingGroups() {
				if _, err := c.TerminateSessions(ctx, sg); err != nil {
					c.logger.Error().Err(err).Str("scaling_group", string(sg)).Msg("termination sweep failed")
				}
			}
		case <-c.stopCh:
			return
		}
	}
}

// TerminateSessions runs one termination batch for sg: every
// TERMINATING session's kernels are destroyed concurrently (bounded by
// c.concurrency across the whole batch), each kernel's outcome is
// replicated individually, and each session is finalized once all its
// kernels have reported.
func (c *Controller) TerminateSessions(ctx context.Context, sg domain.ScalingGroupName) ([]SessionResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TerminationDuration)

	sessions, err := c.repo.TerminatingSessions(ctx, sg)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, nil
	}

	results := make([]SessionResult, len(sessions))
	sem := semaphore.NewWeighted(c.concurrency)
	g := new(errgroup.Group)

	for i, ts := range sessions {
		results[i] = SessionResult{
			SessionID:  ts.Session.ID,
			CreationID: ts.Session.CreationID,
			Kernels:    make([]KernelOutcome, len(ts.Kernels)),
		}
		for j, kernel := range ts.Kernels {
			session, kernel, out := ts.Session, kernel, &results[i].Kernels[j]
			g.Go(func() error {
				// terminateKernel records its own outcome and never
				// returns an error to g: one kernel's destroy failure
				// must not cancel its siblings' in-flight RPCs, which is
				// exactly what a returned error would do here.
				c.terminateKernel(ctx, sem, session, kernel, out)
				return nil
			})
		}
	}
	_ = g.Wait()

	for i := range results {
		results[i].Terminated = allSucceeded(results[i].Kernels)
		statusInfo := sessions[i].Session.StatusInfo
		for _, k := range results[i].Kernels {
			if k.Err != nil {
				statusInfo = k.Err.Error()
			}
		}
		if err := c.repo.FinalizeSessionTermination(results[i].SessionID, results[i].Terminated, statusInfo); err != nil {
			c.logger.Error().Err(err).Str("session_id", string(results[i].SessionID)).Msg("failed to finalize session termination")
		}
		outcome := "terminated"
		if !results[i].Terminated {
			outcome = "partial"
		}
		metrics.KernelsTerminatedTotal.WithLabelValues(outcome).Add(float64(len(results[i].Kernels)))
	}
	return results, nil
}

// allSucceeded reports whether every kernel in outcomes terminated
// successfully and at least one of them was actually attempted. An
// empty attempted set is never considered fully terminated.
func allSucceeded(outcomes []KernelOutcome) bool {
	attempted := false
	for _, o := range outcomes {
		if !o.Succeeded {
			return false
		}
		if !o.Skipped {
			attempted = true
		}
	}
	return attempted
}

// terminateKernel destroys one kernel and records its outcome both
// locally (into out) and in the replicated log. Kernels missing an
// agent ID or container ID are skipped: no RPC is made and no result
// is replicated for them.
func (c *Controller) terminateKernel(ctx context.Context, sem *semaphore.Weighted, session *domain.Session, kernel *domain.Kernel, out *KernelOutcome) {
	out.KernelID = kernel.ID

	if kernel.AgentID == "" || kernel.ContainerID == "" {
		out.Succeeded = true
		out.Skipped = true
		return
	}

	if err := sem.Acquire(ctx, 1); err != nil {
		out.Err = err
		return
	}
	defer sem.Release(1)

	client, err := c.pool.GetClient(kernel.AgentID, kernel.AgentAddr)
	if err != nil {
		out.Err = err
		_ = c.repo.RecordTerminationResult(kernel.ID, false, err.Error())
		return
	}

	timer := metrics.NewTimer()
	err = client.DestroyKernel(ctx, string(kernel.ID), string(session.ID), session.StatusInfo)
	timer.ObserveDurationVec(metrics.AgentRPCDuration, "destroy_kernel")

	if err != nil {
		out.Err = err
		c.logger.Warn().Err(err).Str("kernel_id", string(kernel.ID)).Str("agent_id", string(kernel.AgentID)).Msg("destroy_kernel RPC failed")
		_ = c.repo.RecordTerminationResult(kernel.ID, false, err.Error())
		return
	}

	out.Succeeded = true
	_ = c.repo.RecordTerminationResult(kernel.ID, true, session.StatusInfo)
}
