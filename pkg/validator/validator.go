// Package validator performs admission checks on candidate
// SessionWorkloads before they reach the selector. Grounded on
// original_source/.../sokovan/scheduler.py's _schedule_queued_sessions,
// which validates each workload independently, catching a failing
// workload's exception into validates_workloads without aborting the
// rest of the batch, and on spec.md §4.3's six ordered admission
// checks.
package validator

import (
	"context"

	"github.com/cuemby/sokovan/pkg/domain"
	"github.com/cuemby/sokovan/pkg/metrics"
	"github.com/cuemby/sokovan/pkg/resource"
	"github.com/cuemby/sokovan/pkg/schederr"
)

// KeypairUsage reports a keypair's current concurrent-session count,
// used by the per-keypair concurrency check.
type KeypairUsage interface {
	ConcurrentSessionCount(ctx context.Context, key domain.AccessKey, sg domain.ScalingGroupName) (int, error)
}

// ResourceQuotaUsage reports a principal's currently occupied resource
// slots at each ownership level, used by the per-level resource-quota
// check (spec.md §4.3 check 2).
type ResourceQuotaUsage interface {
	KeypairOccupiedSlots(ctx context.Context, key domain.AccessKey, sg domain.ScalingGroupName) (resource.Slot, error)
	UserOccupiedSlots(ctx context.Context, user domain.UserID, sg domain.ScalingGroupName) (resource.Slot, error)
	GroupOccupiedSlots(ctx context.Context, group domain.GroupID, sg domain.ScalingGroupName) (resource.Slot, error)
	DomainOccupiedSlots(ctx context.Context, domainID domain.DomainID, sg domain.ScalingGroupName) (resource.Slot, error)
}

// PendingUsage reports a keypair's currently pending (not yet
// allocated) session count and slot demand, used by the pending-limit
// check (spec.md §4.3 check 4).
type PendingUsage interface {
	PendingSessionCount(ctx context.Context, key domain.AccessKey, sg domain.ScalingGroupName) (int, error)
	PendingOccupiedSlots(ctx context.Context, key domain.AccessKey, sg domain.ScalingGroupName) (resource.Slot, error)
}

// Validator runs one admission rule against a candidate workload.
// agents is the tick's live agent roster, needed by
// DesignatedAgentAvailable; rules that don't need it ignore the
// parameter.
type Validator interface {
	Validate(ctx context.Context, w domain.SessionWorkload, sgInfo domain.ScalingGroupInfo, agents []*domain.Agent) error
}

// Chain runs a sequence of Validators in order, stopping at the first
// failure: admission checks are independent rules, but a quota
// violation makes checking further rules pointless.
type Chain struct {
	Rules []Validator
}

func (c Chain) Validate(ctx context.Context, w domain.SessionWorkload, sgInfo domain.ScalingGroupInfo, agents []*domain.Agent) error {
	for _, rule := range c.Rules {
		if err := rule.Validate(ctx, w, sgInfo, agents); err != nil {
			return err
		}
	}
	return nil
}

// ValidateAll runs chain against every workload, returning only the
// workloads that passed admission. Failures are returned alongside so
// callers can log/metric them without aborting the whole scheduling
// pass, mirroring _schedule_queued_sessions's per-workload try/except.
func ValidateAll(ctx context.Context, chain Validator, workloads []domain.SessionWorkload, sgInfo domain.ScalingGroupInfo, agents []*domain.Agent) (admitted []domain.SessionWorkload, rejected map[domain.SessionID]error) {
	rejected = make(map[domain.SessionID]error)
	for _, w := range workloads {
		if err := chain.Validate(ctx, w, sgInfo, agents); err != nil {
			rejected[w.SessionID] = err
			continue
		}
		admitted = append(admitted, w)
	}
	return admitted, rejected
}

// totalSlots sums a workload's per-kernel resource asks, the Σrequested
// term in spec.md §4.3's current_occupancy + Σrequested <= level_limit
// quota check.
func totalSlots(w domain.SessionWorkload) resource.Slot {
	total := resource.Slot{}
	for _, k := range w.Kernels {
		total = total.Add(k.RequiredSlots)
	}
	return total
}

// SessionTypePermitted rejects a workload whose SessionType is not in
// the scaling group's permitted set (check 1). An empty
// PermittedSessionTypes means every type is permitted.
type SessionTypePermitted struct{}

func (SessionTypePermitted) Validate(_ context.Context, w domain.SessionWorkload, sgInfo domain.ScalingGroupInfo, _ []*domain.Agent) error {
	if len(sgInfo.PermittedSessionTypes) == 0 {
		return nil
	}
	for _, t := range sgInfo.PermittedSessionTypes {
		if t == w.SessionType {
			return nil
		}
	}
	return schederr.NewRejected(schederr.CodeInvalidArgument, schederr.ReasonSessionTypeNotPermitted,
		"session type "+string(w.SessionType)+" is not permitted in this scaling group")
}

// ResourceQuotaLimit rejects a workload whose keypair, user, group, or
// domain would exceed its occupied-resource limit after admitting it
// (check 2): current_occupancy + Σrequested <= level_limit, checked at
// each level in keypair -> user -> group -> domain order. A zero/nil
// limit means that level is unlimited.
type ResourceQuotaLimit struct {
	Usage ResourceQuotaUsage
}

func (r ResourceQuotaLimit) Validate(ctx context.Context, w domain.SessionWorkload, sgInfo domain.ScalingGroupInfo, _ []*domain.Agent) error {
	requested := totalSlots(w)

	levels := []struct {
		limit  resource.Slot
		reason schederr.RejectReason
		lookup func() (resource.Slot, error)
	}{
		{sgInfo.MaxOccupiedSlotsPerKeypair, schederr.ReasonKeypairLimit,
			func() (resource.Slot, error) { return r.Usage.KeypairOccupiedSlots(ctx, w.AccessKey, w.ScalingGroup) }},
		{sgInfo.MaxOccupiedSlotsPerUser, schederr.ReasonUserLimit,
			func() (resource.Slot, error) { return r.Usage.UserOccupiedSlots(ctx, w.UserID, w.ScalingGroup) }},
		{sgInfo.MaxOccupiedSlotsPerGroup, schederr.ReasonGroupLimit,
			func() (resource.Slot, error) { return r.Usage.GroupOccupiedSlots(ctx, w.GroupID, w.ScalingGroup) }},
		{sgInfo.MaxOccupiedSlotsPerDomain, schederr.ReasonDomainLimit,
			func() (resource.Slot, error) { return r.Usage.DomainOccupiedSlots(ctx, w.DomainID, w.ScalingGroup) }},
	}

	for _, level := range levels {
		if level.limit.IsZero() {
			continue
		}
		current, err := level.lookup()
		if err != nil {
			return schederr.Wrap(schederr.CodeQuotaExceeded, "could not resolve resource quota usage", err)
		}
		if !current.Add(requested).LessThanOrEqual(level.limit) {
			return schederr.NewRejected(schederr.CodeQuotaExceeded, level.reason,
				"admitting this session would exceed the "+string(level.reason)+" resource quota")
		}
	}
	return nil
}

// ConcurrencyLimit rejects a workload if its keypair has already hit
// the scaling group's MaxConcurrentSessionsPerKeypair (check 3).
type ConcurrencyLimit struct {
	Usage KeypairUsage
}

func (c ConcurrencyLimit) Validate(ctx context.Context, w domain.SessionWorkload, sgInfo domain.ScalingGroupInfo, _ []*domain.Agent) error {
	if sgInfo.MaxConcurrentSessionsPerKeypair <= 0 {
		return nil
	}
	count, err := c.Usage.ConcurrentSessionCount(ctx, w.AccessKey, w.ScalingGroup)
	if err != nil {
		return schederr.Wrap(schederr.CodeQuotaExceeded, "could not resolve keypair usage", err)
	}
	if count >= sgInfo.MaxConcurrentSessionsPerKeypair {
		return schederr.NewRejected(schederr.CodeQuotaExceeded, schederr.ReasonConcurrentSessionLimit,
			"keypair has reached its concurrent session limit for this scaling group")
	}
	return nil
}

// PendingLimit rejects a workload if admitting it would push its
// keypair's pending-session count or pending-slot demand over the
// scaling group's limit (check 4). A zero limit on either axis means
// that axis is unlimited.
type PendingLimit struct {
	Usage PendingUsage
}

func (p PendingLimit) Validate(ctx context.Context, w domain.SessionWorkload, sgInfo domain.ScalingGroupInfo, _ []*domain.Agent) error {
	if sgInfo.MaxPendingSessionsPerKeypair > 0 {
		count, err := p.Usage.PendingSessionCount(ctx, w.AccessKey, w.ScalingGroup)
		if err != nil {
			return schederr.Wrap(schederr.CodeQuotaExceeded, "could not resolve pending session count", err)
		}
		if count >= sgInfo.MaxPendingSessionsPerKeypair {
			return schederr.NewRejected(schederr.CodeQuotaExceeded, schederr.ReasonPendingLimit,
				"keypair has reached its pending session limit for this scaling group")
		}
	}
	if !sgInfo.MaxPendingSlotsPerKeypair.IsZero() {
		slots, err := p.Usage.PendingOccupiedSlots(ctx, w.AccessKey, w.ScalingGroup)
		if err != nil {
			return schederr.Wrap(schederr.CodeQuotaExceeded, "could not resolve pending slot usage", err)
		}
		if !slots.Add(totalSlots(w)).LessThanOrEqual(sgInfo.MaxPendingSlotsPerKeypair) {
			return schederr.NewRejected(schederr.CodeQuotaExceeded, schederr.ReasonPendingLimit,
				"keypair has reached its pending slot limit for this scaling group")
		}
	}
	return nil
}

// DesignatedAgentAvailable rejects a workload pinned to a
// DesignatedAgent that doesn't exist in this tick's roster, isn't
// ALIVE, or can't run one of the workload's kernel images (check 5).
// Workloads without a DesignatedAgent pass through untouched; the
// selector picks freely among candidates for those.
type DesignatedAgentAvailable struct{}

func (DesignatedAgentAvailable) Validate(_ context.Context, w domain.SessionWorkload, _ domain.ScalingGroupInfo, agents []*domain.Agent) error {
	if w.DesignatedAgent == "" {
		return nil
	}
	for _, a := range agents {
		if a.ID != w.DesignatedAgent {
			continue
		}
		if a.Status != domain.AgentStatusAlive {
			return schederr.NewRejected(schederr.CodeNoAgentAvailable, schederr.ReasonDesignatedAgentUnavailable,
				"designated agent "+string(a.ID)+" is not alive")
		}
		for _, k := range w.Kernels {
			if k.ImageArch != "" && k.ImageArch != a.Architecture {
				return schederr.NewRejected(schederr.CodeNoAgentAvailable, schederr.ReasonDesignatedAgentUnavailable,
					"designated agent "+string(a.ID)+" cannot run architecture "+k.ImageArch)
			}
		}
		return nil
	}
	return schederr.NewRejected(schederr.CodeNoAgentAvailable, schederr.ReasonDesignatedAgentUnavailable,
		"designated agent "+string(w.DesignatedAgent)+" does not exist in this scaling group")
}

// SpreadingPrecheck records (but never rejects) an inference replica
// workload admitted while EnforceSpreadingEndpointReplica is set (check
// 6). It only makes the precheck visible as a metric. Placement does
// not avoid agents already hosting a sibling replica's main kernel:
// neither this rule nor the selectors in pkg/selector look at sibling
// replicas.
type SpreadingPrecheck struct{}

func (SpreadingPrecheck) Validate(_ context.Context, w domain.SessionWorkload, sgInfo domain.ScalingGroupInfo, _ []*domain.Agent) error {
	if sgInfo.EnforceSpreadingEndpointReplica && w.SessionType == domain.SessionTypeInference {
		metrics.InferenceSpreadingPrechecksTotal.WithLabelValues(string(w.ScalingGroup)).Inc()
	}
	return nil
}

// NonEmptyKernelSet rejects a workload with no kernels: nothing for the
// selector to allocate.
type NonEmptyKernelSet struct{}

func (NonEmptyKernelSet) Validate(_ context.Context, w domain.SessionWorkload, _ domain.ScalingGroupInfo, _ []*domain.Agent) error {
	if len(w.Kernels) == 0 {
		return schederr.New(schederr.CodeInvalidArgument, "session has no kernels to schedule")
	}
	return nil
}
