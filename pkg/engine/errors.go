// Package engine implements the distributed action scheduling and execution
// core: the action state machine, the per-action executor and the per-process
// scheduler loop.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassNotFound indicates a missing action, lock or target.
	// Surfaced to the caller, not retried.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassConflict indicates an expected loss under concurrency:
	// a lock already held, an action already claimed. Callers re-poll.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassAdapterFailure indicates the provisioning backend rejected
	// or timed out an operation. Recorded as action FAILED; the core does
	// not retry.
	ErrorClassAdapterFailure ErrorClass = "adapter_failure"

	// ErrorClassInfrastructure indicates the store or transport is
	// unreachable. The current poll cycle aborts; the next tick retries.
	ErrorClassInfrastructure ErrorClass = "infrastructure_failure"

	// ErrorClassFatalInvariant indicates a broken cross-process invariant,
	// e.g. two engines believing they hold the same exclusive lock. Must
	// never occur given correct use of the atomic store primitives.
	ErrorClassFatalInvariant ErrorClass = "fatal_invariant"
)

// EngineError represents a classified error with context.
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Action is the action id involved, if applicable.
	Action string `json:"action,omitempty"`

	// Target is the cluster or node id involved, if applicable.
	Target string `json:"target,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	switch {
	case e.Action != "" && e.Target != "":
		return fmt.Sprintf("[%s] %s (action=%s, target=%s): %s",
			e.Class, e.Message, e.Action, e.Target, e.unwrapMessage())
	case e.Action != "":
		return fmt.Sprintf("[%s] %s (action=%s): %s",
			e.Class, e.Message, e.Action, e.unwrapMessage())
	case e.Target != "":
		return fmt.Sprintf("[%s] %s (target=%s): %s",
			e.Class, e.Message, e.Target, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// WithAction adds action context to an error.
func (e *EngineError) WithAction(actionID string) *EngineError {
	e.Action = actionID
	return e
}

// WithTarget adds target context to an error.
func (e *EngineError) WithTarget(targetID string) *EngineError {
	e.Target = targetID
	return e
}

// NewNotFoundError creates a new not-found error.
func NewNotFoundError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassNotFound, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewAdapterError creates a new adapter-failure error.
func NewAdapterError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassAdapterFailure, Message: message, Err: err}
}

// NewInfrastructureError creates a new infrastructure-failure error.
func NewInfrastructureError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassInfrastructure, Message: message, Err: err}
}

// NewFatalInvariantError creates a new fatal-invariant error.
func NewFatalInvariantError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassFatalInvariant, Message: message, Err: err}
}

func classOf(err error) (ErrorClass, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

// IsNotFound returns true if the error is classified as not-found.
func IsNotFound(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassNotFound
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassConflict
}

// IsAdapterFailure returns true if the error is classified as an adapter failure.
func IsAdapterFailure(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassAdapterFailure
}

// IsInfrastructure returns true if the error is classified as an infrastructure failure.
func IsInfrastructure(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassInfrastructure
}

// IsFatalInvariant returns true if the error is classified as a fatal invariant violation.
func IsFatalInvariant(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassFatalInvariant
}

// IsRetryable returns true if the error resolves on a later poll cycle.
// Conflicts and infrastructure failures are retryable.
func IsRetryable(err error) bool {
	return IsConflict(err) || IsInfrastructure(err)
}
