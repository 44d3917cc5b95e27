// Package apperrors defines the control plane's error taxonomy: a single
// enumerated Kind, rather than ad hoc sentinel errors scattered across
// packages. Callers classify errors with Is/As in the usual Go idiom;
// component packages construct *Error values with New.
package apperrors

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies one of the taxonomy's error classes.
type Kind string

const (
	// Input
	BadRequest       Kind = "bad_request"
	ValidationFailed Kind = "validation_failed"

	// Admission
	RateLimited         Kind = "rate_limited"
	BackpressureRejected Kind = "backpressure_rejected"
	CircuitOpen         Kind = "circuit_open"

	// Authorization
	PermissionDenied Kind = "permission_denied"

	// Resource
	UserLimitExceeded    Kind = "user_limit_exceeded"
	ChannelLimitExceeded Kind = "channel_limit_exceeded"
	NotFound             Kind = "not_found"

	// Execution
	ContainerCreationFailed Kind = "container_creation_failed"
	ContainerRuntimeError   Kind = "container_runtime_error"
	ContainerTimeout        Kind = "container_timeout"
	TestExecutionFailed     Kind = "test_execution_failed"

	// Integration
	ProviderErrorTransient Kind = "provider_error_transient"
	ProviderErrorFatal     Kind = "provider_error_fatal"
	BlobStoreError         Kind = "blob_store_error"

	// Healing
	NoStrategySucceeded    Kind = "no_strategy_succeeded"
	InsufficientVisualData Kind = "insufficient_visual_data"

	// Internal
	InvariantViolation Kind = "invariant_violation"

	// ConflictingRefresh — concurrent-refresh serialization.
	ConflictingRefresh Kind = "conflicting_refresh"
)

// Recoverable reports whether callers should retry with backoff
// (RateLimited, CircuitOpen, BackpressureRejected).
func (k Kind) Recoverable() bool {
	switch k {
	case RateLimited, CircuitOpen, BackpressureRejected:
		return true
	default:
		return false
	}
}

// Error is the concrete error type carrying a Kind plus structured detail.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration // populated for RateLimited
	Reason     string        // e.g. BackpressureRejected sub-reason: "MemoryPressure" | "BufferOverflow"
	Provider   string        // populated for CircuitOpen / ProviderError*
	Stderr     string        // populated for TestExecutionFailed
	Cause      error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Cause.Error())
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, apperrors.New(kind, "")) to match by Kind alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind wrapping cause.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// WrapMessage constructs an *Error wrapping cause with an explicit message.
func WrapMessage(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// NewRateLimited constructs a RateLimited error carrying retryAfter.
func NewRateLimited(retryAfter time.Duration) *Error {
	return &Error{Kind: RateLimited, Message: "rate limited", RetryAfter: retryAfter}
}

// NewCircuitOpen constructs a CircuitOpen error for the named provider.
func NewCircuitOpen(provider string) *Error {
	return &Error{Kind: CircuitOpen, Message: "circuit open", Provider: provider}
}

// NewBackpressureRejected constructs a BackpressureRejected error with a reason.
func NewBackpressureRejected(reason string) *Error {
	return &Error{Kind: BackpressureRejected, Message: "rejected by backpressure", Reason: reason}
}

// Is reports whether err has the given Kind, following wrapped errors.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, returning "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
