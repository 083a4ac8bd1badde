// Package schederr defines the typed error taxonomy shared by every
// scheduling-core component, from the validator rejecting a workload to
// the allocator failing a commit.
package schederr

import (
	"errors"
	"fmt"
)

// Code classifies a scheduling error into a handling bucket.
type Code string

const (
	CodeNoAgentAvailable  Code = "no_agent_available"
	CodeQuotaExceeded     Code = "quota_exceeded"
	CodeInvalidTransition Code = "invalid_transition"
	CodeLockContention    Code = "lock_contention"
	CodeAllocationConflict Code = "allocation_conflict"
	CodeRPCUnavailable    Code = "rpc_unavailable"
	CodeNotFound          Code = "not_found"
	CodeInvalidArgument   Code = "invalid_argument"
)

// RejectReason classifies why the admission chain (pkg/validator)
// turned a workload away, one value per spec.md §4.3 check. It rides
// alongside Code (usually CodeQuotaExceeded or CodeNoAgentAvailable) so
// a caller can tell which of the six ordered checks fired without
// string-matching Message.
type RejectReason string

const (
	ReasonSessionTypeNotPermitted    RejectReason = "session_type_not_permitted"
	ReasonKeypairLimit               RejectReason = "keypair_limit"
	ReasonUserLimit                  RejectReason = "user_limit"
	ReasonGroupLimit                 RejectReason = "group_limit"
	ReasonDomainLimit                RejectReason = "domain_limit"
	ReasonConcurrentSessionLimit     RejectReason = "concurrent_session_limit"
	ReasonPendingLimit               RejectReason = "pending_limit"
	ReasonDesignatedAgentUnavailable RejectReason = "designated_agent_unavailable"
)

// Error is the concrete error type carried through the scheduling
// pipeline. It wraps an underlying cause when one exists, so callers can
// still errors.Is/errors.As through to driver-level errors (bbolt,
// pgx, grpc status errors, ...).
type Error struct {
	Code    Code
	Reason  RejectReason
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a scheduling error with no underlying cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds a scheduling error around an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// NewRejected builds an admission-rejection error carrying a
// RejectReason, used by pkg/validator's six ordered checks.
func NewRejected(code Code, reason RejectReason, message string) *Error {
	return &Error{Code: code, Reason: reason, Message: message}
}

// ReasonOf extracts err's RejectReason, or "" if err isn't a rejection
// carrying one.
func ReasonOf(err error) RejectReason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf extracts err's Code, or "" if err isn't a scheduling Error -
// used by callers that just want a label for a metric or log field.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether a failed scheduling operation is worth
// retrying on the next tick rather than surfacing to the operator.
// Lock contention and transient RPC failures are retryable; admission
// rejections and invalid state transitions are not, since the input that
// caused them won't have changed by the next tick.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Code {
	case CodeLockContention, CodeRPCUnavailable, CodeAllocationConflict:
		return true
	default:
		return false
	}
}
