// Package engine implements the Smart Pipeline orchestration engine.
// An intent flows through Manager -> Developer -> Trigger -> Observer -> Self-Correction
// and ends in an ObserverReport that is independent of the workflow engine's own verdict.
package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, temporary service unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a resource state conflict.
	// Examples: a correction loop already running, a resource lock held elsewhere.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: ambiguous intent, failed prerequisite, exhausted retry budget.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the resource or workflow ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the pipeline stage being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = fmt.Sprintf("%s: %s", e.Code, msg)
	}
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	} else if e.Operation != "" {
		msg = fmt.Sprintf("%s (operation=%s)", msg, e.Operation)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInternal          = "INTERNAL_ERROR"
	ErrCodeAmbiguousIntent   = "AMBIGUOUS_INTENT"
	ErrCodePrerequisite      = "PREREQUISITE_FAILED"
	ErrCodeInfrastructure    = "INFRASTRUCTURE_UNAVAILABLE"
	ErrCodeEscalation        = "ESCALATION_REQUIRED"
	ErrCodeReadOnly          = "READ_ONLY"
	ErrCodeSubmissionFailed  = "SUBMISSION_FAILED"
	ErrCodeCorrectionRunning = "CORRECTION_IN_PROGRESS"
	ErrCodeResourceLocked    = "RESOURCE_LOCKED"
)

// Sentinel errors. Match them with errors.Is.
var (
	ErrRunNotFound          = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeNotFound, Message: "run not found"}
	ErrCorrectionInProgress = &EngineError{Class: ErrorClassConflict, Code: ErrCodeCorrectionRunning, Message: "a correction loop is already running for this run"}
	ErrResourceLocked       = &EngineError{Class: ErrorClassConflict, Code: ErrCodeResourceLocked, Message: "resource is locked by another pipeline"}
)

// NewAmbiguousIntentError reports that an intent resolved to zero or several workflows.
func NewAmbiguousIntentError(intent string, candidates []string) *EngineError {
	msg := "intent does not resolve to a workflow"
	if len(candidates) > 1 {
		msg = fmt.Sprintf("intent matches %d workflows: %s", len(candidates), strings.Join(candidates, ", "))
	}
	return NewPermanentError(msg, nil).
		WithCode(ErrCodeAmbiguousIntent).
		WithOperation("plan").
		WithDetail("intent", intent).
		WithDetail("candidates", candidates)
}

// NewPrerequisiteError reports a logical pre-flight failure. Terminal for the attempt.
func NewPrerequisiteError(workflowID string, failed []string) *EngineError {
	return NewPermanentError(
		fmt.Sprintf("prerequisites not met: %s", strings.Join(failed, "; ")), nil).
		WithCode(ErrCodePrerequisite).
		WithResource(workflowID).
		WithOperation("preflight").
		WithDetail("failed_checks", failed)
}

// NewReadOnlyError reports a write intent refused because the pipeline is read-only.
func NewReadOnlyError(category Category) *EngineError {
	return NewPermanentError(fmt.Sprintf("read-only mode blocks %s intents", category), nil).
		WithCode(ErrCodeReadOnly).
		WithOperation("plan").
		WithDetail("category", string(category)).
		WithDetail("suggestions", []string{"Set pipeline.read_only = false (or SMARTPIPE_READ_ONLY=false) to enable write operations"})
}

// NewInfrastructureError reports that a check or external call could not execute at all.
func NewInfrastructureError(target string, err error) *EngineError {
	return NewTransientError("cannot reach "+target, err).
		WithCode(ErrCodeInfrastructure).
		WithResource(target)
}

// NewEscalationRequired reports an exhausted retry budget with unresolved errors.
func NewEscalationRequired(runID string, attempts int, unresolved []string) *EngineError {
	return NewPermanentError(
		fmt.Sprintf("retry budget exhausted after %d attempts", attempts), nil).
		WithCode(ErrCodeEscalation).
		WithResource(runID).
		WithOperation("correction").
		WithDetail("unresolved", unresolved)
}

func hasCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsAmbiguousIntent returns true if the error is an AmbiguousIntentError.
func IsAmbiguousIntent(err error) bool { return hasCode(err, ErrCodeAmbiguousIntent) }

// IsPrerequisite returns true if the error is a PrerequisiteError.
func IsPrerequisite(err error) bool { return hasCode(err, ErrCodePrerequisite) }

// IsReadOnly returns true if a write was refused by read-only mode.
func IsReadOnly(err error) bool { return hasCode(err, ErrCodeReadOnly) }

// IsInfrastructure returns true if the error is an InfrastructureError.
func IsInfrastructure(err error) bool { return hasCode(err, ErrCodeInfrastructure) }

// IsEscalation returns true if the error is EscalationRequired.
func IsEscalation(err error) bool { return hasCode(err, ErrCodeEscalation) }

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsConflict(err)
}
