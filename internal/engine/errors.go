package engine

import (
	"errors"
	"fmt"
)

// RuntimeError represents a failure the processing protocol resolved into a
// persisted outcome event rather than a retry.
//
// Runtime errors include:
//   - Scope mismatch: envelope scope does not match the engine scope
//   - Contract violation: envelope fails ingress validation
//   - Version conflict: optimistic concurrency check failed
//   - Adapter failure: the adapter returned an error or panicked
//
// Transient I/O failures (store, bus) are never RuntimeErrors; they are
// returned as plain wrapped errors so the consumer redelivers.
type RuntimeError struct {
	// Code identifies the error category. The same string is recorded in
	// the payload of the persisted outcome event.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// AgentID identifies the engine that raised the error.
	AgentID string

	// EventID identifies the inbound envelope.
	EventID string

	// Details contains additional context.
	Details map[string]string
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeScopeMismatch indicates the envelope targets a different
	// tenant or workspace than the engine owns.
	ErrCodeScopeMismatch RuntimeErrorCode = "scope_mismatch"

	// ErrCodeContractViolation indicates the envelope failed ingress
	// validation (missing required fields, unknown principal type, bad
	// type prefix, unsupported schema version).
	ErrCodeContractViolation RuntimeErrorCode = "contract_violation"

	// ErrCodeVersionConflict indicates expected_version did not match the
	// entity's current version.
	ErrCodeVersionConflict RuntimeErrorCode = "version_mismatch"

	// ErrCodeAdapterFailure indicates the adapter's decision failed.
	ErrCodeAdapterFailure RuntimeErrorCode = "adapter_failure"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.EventID != "" {
		return fmt.Sprintf("%s: %s (agent=%s, event=%s)", e.Code, e.Message, e.AgentID, e.EventID)
	}
	return fmt.Sprintf("%s: %s (agent=%s)", e.Code, e.Message, e.AgentID)
}

// IsSecurityViolation returns true for scope or contract violations.
// Uses errors.As to handle wrapped errors.
func IsSecurityViolation(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == ErrCodeScopeMismatch || re.Code == ErrCodeContractViolation
	}
	return false
}

// IsConflict returns true if the error is an optimistic concurrency
// conflict. Uses errors.As to handle wrapped errors.
func IsConflict(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == ErrCodeVersionConflict
	}
	return false
}

// IsAdapterFailure returns true if the error originated in the adapter.
// Uses errors.As to handle wrapped errors.
func IsAdapterFailure(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == ErrCodeAdapterFailure
	}
	return false
}
