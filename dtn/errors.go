package dtn

import "errors"

var (
	// ErrInvalidSignature means the bundle content does not match its signature
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrBudgetExceeded means the bundle does not fit the storage budget
	ErrBudgetExceeded = errors.New("storage budget exceeded")

	ErrNotFound = errors.New("bundle not found")

	// ErrStorage wraps any failure of the backing store
	ErrStorage = errors.New("storage failure")

	// ErrPolicyViolation marks a bundle excluded by audience or hop policy
	ErrPolicyViolation = errors.New("policy violation")

	ErrIllegalTransition = errors.New("illegal queue transition")
	ErrQueueMismatch     = errors.New("bundle not in expected queue")
	ErrInvalidBundle     = errors.New("invalid bundle")
)

// RejectReason is the machine-readable reason a pushed bundle was refused
type RejectReason string

const (
	ReasonInvalidSignature RejectReason = "invalid_signature"
	ReasonBudgetExceeded   RejectReason = "budget_exceeded"
	ReasonExpired          RejectReason = "expired"
	ReasonStorageFailure   RejectReason = "storage_failure"
)

// ExclusionReason explains why forwarding selection skipped a bundle
type ExclusionReason string

const (
	ExcludedHopLimit         ExclusionReason = "hop_limit"
	ExcludedAudience         ExclusionReason = "audience"
	ExcludedAlreadyForwarded ExclusionReason = "already_forwarded"
	ExcludedExpired          ExclusionReason = "expired"
)
