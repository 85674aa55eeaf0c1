package engine

import (
	"context"
	"time"
)

// WorkflowEngine is the external workflow engine (Airflow). Its status is an
// untrusted signal and never decides whether a change actually worked.
type WorkflowEngine interface {
	// Submit starts workflowID with conf under the requested run ID and returns
	// the run ID the engine assigned.
	Submit(ctx context.Context, workflowID, runID string, conf map[string]interface{}) (string, error)

	// Status returns the engine-reported state of a run.
	Status(ctx context.Context, workflowID, runID string) (*RunStatus, error)

	// Cancel asks the engine to stop a run.
	Cancel(ctx context.Context, workflowID, runID string) error
}

// LineageEmitter pushes quality assertions to the lineage service.
// Implementations are fire-and-forget and never fail the pipeline.
type LineageEmitter interface {
	// Correlate records that runID was produced by planID for workflowID.
	Correlate(ctx context.Context, runID, planID, workflowID string)

	// Emit sends assertions about dataset for runID.
	Emit(ctx context.Context, runID, dataset string, assertions []Assertion)
}

// ContextQuerier is the read-only documentation and history interface.
type ContextQuerier interface {
	// Query returns ranked evidence snippets for text.
	Query(ctx context.Context, text string, limit int) ([]Snippet, error)
}

// CommandRunner executes a command with a timeout. A returned error means the
// command could not run at all; a non-zero exit code is reported in the result.
type CommandRunner interface {
	Run(ctx context.Context, command string, timeout time.Duration) (*CommandResult, error)
}

// Observation is what an outcome check gathered about a resource.
type Observation struct {
	// Evidence is the evidence recorded for the report.
	Evidence []Evidence

	// Facts are the raw values the predicate is evaluated over.
	Facts map[string]string

	// Unreachable is set when evidence could not be gathered at all.
	Unreachable bool
}

// OutcomeCheck verifies the real-world effect of a run. Each check domain
// (process, name resolution, certificate, endpoint) is a separate variant.
type OutcomeCheck interface {
	// Name identifies the check.
	Name() string

	// Kind is the check domain (process, dns, certificate, http, port, script).
	Kind() string

	// Predicate describes what must hold, e.g. "service freeipa running".
	Predicate() string

	// Severity is the severity of the shadow error raised on failure.
	Severity() Severity

	// GatherEvidence observes the resource. An error means the observation
	// could not be made at all.
	GatherEvidence(ctx context.Context) (*Observation, error)

	// Passed evaluates the predicate over an observation.
	Passed(obs *Observation) bool

	// FixCommands returns candidate fixes, least destructive first.
	FixCommands() []FixCommand
}

// PrerequisiteCheck is a read-only pre-flight check.
type PrerequisiteCheck interface {
	// Name identifies the check.
	Name() string

	// Mandatory checks block submission when they do not pass.
	Mandatory() bool

	// Run executes the check. An error means the check could not execute and is
	// recorded as an InfrastructureError.
	Run(ctx context.Context, plan *ExecutionPlan) (PrerequisiteResult, error)
}

// CheckRegistry resolves the checks that apply to a plan's domain.
type CheckRegistry interface {
	// OutcomeChecks returns the outcome checks for a plan.
	OutcomeChecks(plan *ExecutionPlan) []OutcomeCheck

	// PrerequisiteChecks returns the pre-flight checks for a plan.
	PrerequisiteChecks(plan *ExecutionPlan) []PrerequisiteCheck
}

// FixApprover decides whether a fix command may be applied automatically.
type FixApprover interface {
	// ApproveFix returns whether fix may run, with the reason when it may not.
	ApproveFix(ctx context.Context, runID string, fix FixCommand, autoApprove bool) (bool, string, error)
}

// ResourceLocker serializes pipelines that target the same resource.
type ResourceLocker interface {
	// Lock blocks until resource is held or ctx is done. The returned function releases it.
	Lock(ctx context.Context, resource string) (func(), error)
}

// ContractValidator validates cross-stage records against their schemas.
type ContractValidator interface {
	// ValidateContract validates v against the named contract.
	ValidateContract(name string, v interface{}) error
}

// Contract names.
const (
	ContractExecutionPlan    = "ExecutionPlan"
	ContractValidationResult = "ValidationResult"
	ContractObserverReport   = "ObserverReport"
)

// ReportStore persists runs, reports and shadow errors.
type ReportStore interface {
	// SaveRun creates or updates a run.
	SaveRun(ctx context.Context, run *WorkflowRun) error

	// GetRun retrieves a run. Returns ErrRunNotFound when absent.
	GetRun(ctx context.Context, runID string) (*WorkflowRun, error)

	// FindSubmission returns the run recorded under an idempotency key, or nil.
	FindSubmission(ctx context.Context, key string) (*WorkflowRun, error)

	// SaveSubmission records the run submitted under an idempotency key.
	SaveSubmission(ctx context.Context, key string, run *WorkflowRun) error

	// SaveReport creates or replaces the report of a run.
	SaveReport(ctx context.Context, report *ObserverReport) error

	// GetReport retrieves a report. Returns ErrRunNotFound when absent.
	GetReport(ctx context.Context, runID string) (*ObserverReport, error)

	// AppendShadowErrors records shadow errors for a run.
	AppendShadowErrors(ctx context.Context, errs []ShadowError) error

	// ListShadowErrors returns all shadow errors of a run in detection order.
	ListShadowErrors(ctx context.Context, runID string) ([]ShadowError, error)
}

// EventPublisher publishes pipeline events.
type EventPublisher interface {
	// Publish publishes an event.
	Publish(ctx context.Context, event *Event) error
}

// MetricsRecorder records pipeline metrics.
type MetricsRecorder interface {
	RecordIntent(category string)
	RecordPreflight(outcome string)
	RecordSubmission(deduplicated bool)
	RecordOutcomeCheck(kind string, passed bool)
	RecordShadowError(severity string)
	RecordCorrectionAttempt(result string)
	RecordExecutionStatus(status string)
	RecordStageDuration(stage string, d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) RecordIntent(string)                       {}
func (nopMetrics) RecordPreflight(string)                    {}
func (nopMetrics) RecordSubmission(bool)                     {}
func (nopMetrics) RecordOutcomeCheck(string, bool)           {}
func (nopMetrics) RecordShadowError(string)                  {}
func (nopMetrics) RecordCorrectionAttempt(string)            {}
func (nopMetrics) RecordExecutionStatus(string)              {}
func (nopMetrics) RecordStageDuration(string, time.Duration) {}
