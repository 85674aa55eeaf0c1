package engine

import (
	"encoding/json"
	"fmt"
)

// Severity is the severity of a shadow error.
type Severity string

const (
	// SeverityInfo is informational; it never blocks success.
	SeverityInfo Severity = "info"

	// SeverityWarning degrades the outcome but does not block success on its own.
	SeverityWarning Severity = "warning"

	// SeverityCritical blocks a final "success" classification.
	SeverityCritical Severity = "critical"
)

// Rank orders severities so they can be compared.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// Validate checks if the severity is valid.
func (s Severity) Validate() error {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid severity: %s", s)
	}
}

// ConcernLevel summarizes the worst outcome of an observation pass.
type ConcernLevel string

const (
	// ConcernNone means no shadow errors were observed.
	ConcernNone ConcernLevel = "none"

	// ConcernInfo means only informational discrepancies were observed.
	ConcernInfo ConcernLevel = "info"

	// ConcernWarning means warnings, or a single critical error, were observed.
	ConcernWarning ConcernLevel = "warning"

	// ConcernCritical is reserved for multiple critical errors or a failed escalation trigger.
	ConcernCritical ConcernLevel = "critical"
)

// Validate checks if the concern level is valid.
func (c ConcernLevel) Validate() error {
	switch c {
	case ConcernNone, ConcernInfo, ConcernWarning, ConcernCritical:
		return nil
	default:
		return fmt.Errorf("invalid concern level: %s", c)
	}
}

// ExecutionStatus is the final verdict of a pipeline run.
type ExecutionStatus string

const (
	// StatusSuccess means the outcome checks passed on the first observation.
	StatusSuccess ExecutionStatus = "success"

	// StatusSuccessWithCorrections means shadow errors were found and fixed.
	StatusSuccessWithCorrections ExecutionStatus = "success_with_corrections"

	// StatusSuccessWithWarnings means only non-critical discrepancies remain.
	StatusSuccessWithWarnings ExecutionStatus = "success_with_warnings"

	// StatusEscalated means the retry budget was exhausted and a human must take over.
	StatusEscalated ExecutionStatus = "escalated"

	// StatusFailed means the run failed and nothing could be corrected.
	StatusFailed ExecutionStatus = "failed"
)

// IsSuccess returns true for the success family of statuses.
func (s ExecutionStatus) IsSuccess() bool {
	return s == StatusSuccess || s == StatusSuccessWithCorrections || s == StatusSuccessWithWarnings
}

// Validate checks if the execution status is valid.
func (s ExecutionStatus) Validate() error {
	switch s {
	case StatusSuccess, StatusSuccessWithCorrections, StatusSuccessWithWarnings,
		StatusEscalated, StatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid execution status: %s", s)
	}
}

// CorrectionState is a state of the self-correction state machine.
type CorrectionState string

const (
	// StateValidating runs the first observation pass.
	StateValidating CorrectionState = "validating"

	// StateResolved means no shadow errors remain.
	StateResolved CorrectionState = "resolved"

	// StateCorrectionNeeded means shadow errors remain and budget is left.
	StateCorrectionNeeded CorrectionState = "correction_needed"

	// StateCorrecting applies fix commands.
	StateCorrecting CorrectionState = "correcting"

	// StateRevalidating re-runs the outcome checks after fixes.
	StateRevalidating CorrectionState = "revalidating"

	// StateEscalated means the budget is exhausted with errors remaining.
	StateEscalated CorrectionState = "escalated"
)

// IsTerminal returns true if the state ends the correction loop.
func (s CorrectionState) IsTerminal() bool {
	return s == StateResolved || s == StateEscalated
}

// Validate checks if the correction state is valid.
func (s CorrectionState) Validate() error {
	switch s {
	case StateValidating, StateResolved, StateCorrectionNeeded,
		StateCorrecting, StateRevalidating, StateEscalated:
		return nil
	default:
		return fmt.Errorf("invalid correction state: %s", s)
	}
}

// RunState is the workflow engine's reported state of a run. It is an untrusted signal.
type RunState string

const (
	// RunStateQueued indicates the run is queued in the engine.
	RunStateQueued RunState = "queued"

	// RunStateRunning indicates the run is executing.
	RunStateRunning RunState = "running"

	// RunStateSuccess indicates the engine claims success.
	RunStateSuccess RunState = "success"

	// RunStateFailed indicates the engine reports failure.
	RunStateFailed RunState = "failed"

	// RunStateUnknown indicates the state could not be determined.
	RunStateUnknown RunState = "unknown"
)

// IsTerminal returns true if the engine has finished the run.
func (s RunState) IsTerminal() bool {
	return s == RunStateSuccess || s == RunStateFailed
}

// IsActive returns true if the run is still queued or running.
func (s RunState) IsActive() bool {
	return s == RunStateQueued || s == RunStateRunning
}

// Validate checks if the run state is valid.
func (s RunState) Validate() error {
	switch s {
	case RunStateQueued, RunStateRunning, RunStateSuccess, RunStateFailed, RunStateUnknown:
		return nil
	default:
		return fmt.Errorf("invalid run state: %s", s)
	}
}

// CheckStatus is the status of a single pre-flight check.
type CheckStatus string

const (
	// CheckOK means the check passed.
	CheckOK CheckStatus = "ok"

	// CheckFixed means the check failed and was auto-fixed.
	CheckFixed CheckStatus = "fixed"

	// CheckWarning means the check raised a non-blocking concern.
	CheckWarning CheckStatus = "warning"

	// CheckError means the check failed.
	CheckError CheckStatus = "error"
)

// Passed returns true for statuses that count as a pass.
func (s CheckStatus) Passed() bool {
	return s == CheckOK || s == CheckFixed
}

// Validate checks if the check status is valid.
func (s CheckStatus) Validate() error {
	switch s {
	case CheckOK, CheckFixed, CheckWarning, CheckError:
		return nil
	default:
		return fmt.Errorf("invalid check status: %s", s)
	}
}

// EventType represents the type of event in the pipeline timeline.
type EventType string

const (
	EventTypeIntentReceived    EventType = "intent_received"
	EventTypePlanCreated       EventType = "plan_created"
	EventTypePreflightPassed   EventType = "preflight_passed"
	EventTypePreflightFailed   EventType = "preflight_failed"
	EventTypeRunSubmitted      EventType = "run_submitted"
	EventTypeRunFinished       EventType = "run_finished"
	EventTypeShadowDetected    EventType = "shadow_error_detected"
	EventTypeFixApplied        EventType = "fix_applied"
	EventTypeFixFailed         EventType = "fix_failed"
	EventTypeEscalated         EventType = "escalated"
	EventTypeReportCompleted   EventType = "report_completed"
	EventTypeRunOrphaned       EventType = "run_orphaned"
	EventTypeCorrectionAborted EventType = "correction_aborted"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypePreflightFailed, EventTypeFixFailed, EventTypeEscalated, EventTypeRunOrphaned:
		return "error"
	case EventTypeShadowDetected, EventTypeCorrectionAborted:
		return "warning"
	default:
		return "info"
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s ExecutionStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *ExecutionStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ExecutionStatus(str)
	return s.Validate()
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = Severity(str)
	return s.Validate()
}
