// Package statemachine holds the legal status transition tables for
// Session and Kernel lifecycles and the status_history append helper
// every mutation goes through. Grounded on Warren's
// DesiredState/ActualState comparisons in pkg/scheduler/scheduler.go,
// generalized into an explicit table since this domain has more states
// than Warren's Container/Task model.
package statemachine

import (
	"time"

	"github.com/cuemby/sokovan/pkg/domain"
	"github.com/cuemby/sokovan/pkg/schederr"
)

var sessionTransitions = map[domain.SessionStatus][]domain.SessionStatus{
	domain.SessionStatusPending:     {domain.SessionStatusScheduled, domain.SessionStatusTerminating, domain.SessionStatusCancelled, domain.SessionStatusError},
	domain.SessionStatusScheduled:   {domain.SessionStatusPreparing, domain.SessionStatusTerminating, domain.SessionStatusError},
	domain.SessionStatusPreparing:   {domain.SessionStatusRunning, domain.SessionStatusTerminating, domain.SessionStatusError},
	domain.SessionStatusRunning:     {domain.SessionStatusTerminating, domain.SessionStatusError},
	domain.SessionStatusTerminating: {domain.SessionStatusTerminated, domain.SessionStatusError},
	domain.SessionStatusTerminated:  {},
	domain.SessionStatusCancelled:   {},
	domain.SessionStatusError:       {domain.SessionStatusTerminating, domain.SessionStatusTerminated},
}

var kernelTransitions = map[domain.KernelStatus][]domain.KernelStatus{
	domain.KernelStatusPending:     {domain.KernelStatusScheduled, domain.KernelStatusCancelled, domain.KernelStatusError},
	domain.KernelStatusScheduled:   {domain.KernelStatusPreparing, domain.KernelStatusTerminating, domain.KernelStatusError},
	domain.KernelStatusPreparing:   {domain.KernelStatusRunning, domain.KernelStatusTerminating, domain.KernelStatusError},
	domain.KernelStatusRunning:     {domain.KernelStatusTerminating, domain.KernelStatusError},
	domain.KernelStatusTerminating: {domain.KernelStatusTerminated, domain.KernelStatusError},
	domain.KernelStatusTerminated:  {},
	domain.KernelStatusCancelled:   {},
	domain.KernelStatusError:       {domain.KernelStatusTerminating, domain.KernelStatusTerminated},
}

// CanTransitionSession reports whether from -> to is a legal session
// status transition.
func CanTransitionSession(from, to domain.SessionStatus) bool {
	for _, allowed := range sessionTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CanTransitionKernel reports whether from -> to is a legal kernel
// status transition.
func CanTransitionKernel(from, to domain.KernelStatus) bool {
	for _, allowed := range kernelTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AdvanceSession validates and applies a session status transition,
// appending to status_history. Returns a CodeInvalidTransition error
// without mutating the session if the transition is illegal.
func AdvanceSession(s *domain.Session, to domain.SessionStatus, reason string, now time.Time) error {
	if !CanTransitionSession(s.Status, to) {
		return schederr.New(schederr.CodeInvalidTransition,
			"session "+string(s.ID)+": "+string(s.Status)+" -> "+string(to)+" is not a legal transition")
	}
	s.Status = to
	s.StatusInfo = reason
	s.StatusHistory = append(s.StatusHistory, domain.StatusHistoryEntry{
		Status: string(to), Reason: reason, Timestamp: now,
	})
	return nil
}

// AdvanceKernel validates and applies a kernel status transition,
// appending to status_history.
func AdvanceKernel(k *domain.Kernel, to domain.KernelStatus, reason string, now time.Time) error {
	if !CanTransitionKernel(k.Status, to) {
		return schederr.New(schederr.CodeInvalidTransition,
			"kernel "+string(k.ID)+": "+string(k.Status)+" -> "+string(to)+" is not a legal transition")
	}
	k.Status = to
	k.StatusInfo = reason
	k.StatusHistory = append(k.StatusHistory, domain.StatusHistoryEntry{
		Status: string(to), Reason: reason, Timestamp: now,
	})
	return nil
}

// IsTerminal reports whether a session status has no further legal
// transitions.
func IsTerminal(s domain.SessionStatus) bool {
	return len(sessionTransitions[s]) == 0
}

// kernelOrdinal ranks kernel statuses along the happy-path lifecycle,
// used by ReduceSessionStatus's "least-advanced kernel" fallback rule.
// TERMINATED/CANCELLED/ERROR all rank alongside TERMINATING as
// "furthest along": they're excluded from the fallback by the earlier
// rules whenever they'd matter, so their relative order here is moot.
var kernelOrdinal = map[domain.KernelStatus]int{
	domain.KernelStatusPending:     0,
	domain.KernelStatusScheduled:   1,
	domain.KernelStatusPreparing:   2,
	domain.KernelStatusRunning:     3,
	domain.KernelStatusTerminating: 4,
	domain.KernelStatusTerminated:  5,
	domain.KernelStatusCancelled:   5,
	domain.KernelStatusError:       5,
}

// kernelToSessionStatus maps a kernel's status onto the identically
// named session status, used to derive a session's status from its
// least-advanced kernel.
var kernelToSessionStatus = map[domain.KernelStatus]domain.SessionStatus{
	domain.KernelStatusPending:     domain.SessionStatusPending,
	domain.KernelStatusScheduled:   domain.SessionStatusScheduled,
	domain.KernelStatusPreparing:   domain.SessionStatusPreparing,
	domain.KernelStatusRunning:     domain.SessionStatusRunning,
	domain.KernelStatusTerminating: domain.SessionStatusTerminating,
	domain.KernelStatusTerminated:  domain.SessionStatusTerminated,
	domain.KernelStatusCancelled:   domain.SessionStatusCancelled,
	domain.KernelStatusError:       domain.SessionStatusError,
}

// ReduceSessionStatus implements spec.md §4.8's five-rule deterministic
// reduction of a session's status from its kernels' recorded statuses,
// evaluated in order. A session with no kernels yet is PENDING.
func ReduceSessionStatus(kernels []domain.Kernel) domain.SessionStatus {
	if len(kernels) == 0 {
		return domain.SessionStatusPending
	}

	allRunning := true
	anyRunning := false
	anyError := false
	anyTerminating := false
	allTerminated := true
	least := kernels[0]

	for _, k := range kernels {
		if k.Status == domain.KernelStatusRunning {
			anyRunning = true
		} else {
			allRunning = false
		}
		if k.Status == domain.KernelStatusError {
			anyError = true
		}
		if k.Status == domain.KernelStatusTerminating {
			anyTerminating = true
		}
		if k.Status != domain.KernelStatusTerminated {
			allTerminated = false
		}
		if kernelOrdinal[k.Status] < kernelOrdinal[least.Status] {
			least = k
		}
	}

	switch {
	case allRunning:
		return domain.SessionStatusRunning
	case anyError && !anyRunning:
		return domain.SessionStatusError
	case anyTerminating:
		return domain.SessionStatusTerminating
	case allTerminated:
		return domain.SessionStatusTerminated
	default:
		return kernelToSessionStatus[least.Status]
	}
}
