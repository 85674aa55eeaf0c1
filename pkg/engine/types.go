package engine

import (
	"time"
)

// Category is the classified kind of an intent (e.g. "dag.trigger", "vm.create").
type Category string

// Intent categories.
const (
	CategoryVMList              Category = "vm.list"
	CategoryVMInfo              Category = "vm.info"
	CategoryVMCreate            Category = "vm.create"
	CategoryVMDelete            Category = "vm.delete"
	CategoryVMPreflight         Category = "vm.preflight"
	CategoryDAGList             Category = "dag.list"
	CategoryDAGInfo             Category = "dag.info"
	CategoryDAGTrigger          Category = "dag.trigger"
	CategoryRAGQuery            Category = "rag.query"
	CategoryRAGIngest           Category = "rag.ingest"
	CategoryRAGStats            Category = "rag.stats"
	CategorySystemStatus        Category = "system.status"
	CategorySystemInfo          Category = "system.info"
	CategoryTroubleshoot        Category = "troubleshoot.diagnose"
	CategoryTroubleshootHistory Category = "troubleshoot.history"
	CategoryTroubleshootLog     Category = "troubleshoot.log"
	CategoryLineageDAG          Category = "lineage.dag"
	CategoryLineageBlastRadius  Category = "lineage.blast_radius"
	CategoryHelp                Category = "help"
	CategoryUnknown             Category = "unknown"
)

// IsWrite returns true for categories that change infrastructure state.
func (c Category) IsWrite() bool {
	switch c {
	case CategoryVMCreate, CategoryVMDelete, CategoryDAGTrigger, CategoryRAGIngest, CategoryTroubleshootLog:
		return true
	default:
		return false
	}
}

// Intent is a raw request. It is created per call and never persisted on its own.
type Intent struct {
	// Text is the natural language request.
	Text string `json:"text"`

	// Params are structured parameters supplied by the caller. They win over
	// anything extracted from Text.
	Params map[string]interface{} `json:"params,omitempty"`

	// AutoApprove allows destructive fix commands during self-correction.
	AutoApprove bool `json:"auto_approve"`

	// AutoExecute submits the plan. When false only the plan is returned.
	AutoExecute bool `json:"auto_execute"`
}

// ExecutionPlan names one target workflow and the ordered steps to run it.
// It is consumed once by the Developer and the Trigger.
type ExecutionPlan struct {
	// ID uniquely identifies this plan. Repeated submissions of the same plan share it.
	ID string `json:"id" validate:"required"`

	// Intent is the original request text.
	Intent string `json:"intent"`

	// Category is the classified intent category.
	Category Category `json:"category"`

	// TargetWorkflowID is the workflow (DAG) the plan submits.
	TargetWorkflowID string `json:"target_workflow_id" validate:"required"`

	// Steps are the ordered pipeline steps.
	Steps []PlanStep `json:"steps" validate:"required,min=1,dive"`

	// RequiredCapabilities are the capabilities the target must expose.
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`

	// EscalationTriggers are outcome check names whose failure is escalation-grade.
	EscalationTriggers []string `json:"escalation_triggers,omitempty"`

	// Conf is the workflow run configuration passed to the engine.
	Conf map[string]interface{} `json:"conf,omitempty"`

	// Resource is the infrastructure resource the plan changes. Used for locking.
	Resource string `json:"resource,omitempty"`

	// Domain selects the outcome and prerequisite checks.
	Domain string `json:"domain,omitempty"`

	// EstimatedDuration is the expected wall time of the workflow run.
	EstimatedDuration time.Duration `json:"estimated_duration"`

	// Confidence is the classification confidence in [0,1].
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`

	// Context holds evidence gathered from the documentation interface.
	Context []Snippet `json:"context,omitempty"`

	// CreatedAt is when the plan was built.
	CreatedAt time.Time `json:"created_at"`
}

// PlanStep is one ordered step in an execution plan.
type PlanStep struct {
	// Name identifies the step.
	Name string `json:"name" validate:"required"`

	// Description is a human-readable summary.
	Description string `json:"description,omitempty"`
}

// Validate checks the structural invariants of a plan.
func (p *ExecutionPlan) Validate() error {
	if p == nil {
		return NewAmbiguousIntentError("", nil)
	}
	if p.TargetWorkflowID == "" || len(p.Steps) == 0 {
		return NewAmbiguousIntentError(p.Intent, nil).
			WithDetail("reason", "plan has no target workflow or no steps")
	}
	return nil
}

// PrerequisiteResult is the outcome of one pre-flight check.
type PrerequisiteResult struct {
	// Name is the check name.
	Name string `json:"name"`

	// Status is the check status.
	Status CheckStatus `json:"status"`

	// Mandatory marks checks whose failure blocks submission.
	Mandatory bool `json:"mandatory"`

	// Message describes the result.
	Message string `json:"message"`

	// FixApplied describes the auto-fix that was applied, if any.
	FixApplied string `json:"fix_applied,omitempty"`

	// InfrastructureError is set when the check could not execute at all.
	InfrastructureError string `json:"infrastructure_error,omitempty"`

	// Cached is true when the result came from the pre-flight cache.
	Cached bool `json:"cached,omitempty"`
}

// Executed returns true if the check actually ran.
func (r PrerequisiteResult) Executed() bool {
	return r.InfrastructureError == ""
}

// ValidationResult is the Developer's go/no-go verdict.
type ValidationResult struct {
	// PrerequisitesMet is the conjunction of all mandatory checks passing.
	PrerequisitesMet bool `json:"prerequisites_met"`

	// Confidence is the validation confidence in [0,1].
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`

	// ValidationErrors lists logical failures.
	ValidationErrors []string `json:"validation_errors"`

	// RecommendedActions lists what an operator should do next.
	RecommendedActions []string `json:"recommended_actions"`

	// Warnings lists non-blocking concerns.
	Warnings []string `json:"warnings,omitempty"`

	// InfrastructureErrors lists checks that could not execute.
	InfrastructureErrors []string `json:"infrastructure_errors,omitempty"`

	// Checks holds the per-check results.
	Checks []PrerequisiteResult `json:"checks"`

	// ValidatedAt is when the validation finished.
	ValidatedAt time.Time `json:"validated_at"`
}

// WorkflowRun correlates a plan with a run in the external workflow engine.
type WorkflowRun struct {
	// RunID is the engine's run identifier.
	RunID string `json:"run_id"`

	// WorkflowID is the submitted workflow.
	WorkflowID string `json:"workflow_id"`

	// PlanID is the plan that produced this run.
	PlanID string `json:"plan_id"`

	// Resource is the locked resource, if any.
	Resource string `json:"resource,omitempty"`

	// State is the last engine-reported state.
	State RunState `json:"state"`

	// SubmittedAt is when the run was submitted.
	SubmittedAt time.Time `json:"submitted_at"`

	// StartedAt is when the engine started the run, if known.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// EndedAt is when the engine finished the run, if known.
	EndedAt *time.Time `json:"ended_at,omitempty"`

	// Orphaned is set when the pipeline was cancelled after submission and the
	// engine run could not be cancelled.
	Orphaned bool `json:"orphaned"`

	// Plan is the plan that produced the run. Kept so outcome checks can be
	// re-run for the same run later.
	Plan *ExecutionPlan `json:"plan,omitempty"`
}

// RunStatus is the engine-reported status of a run.
type RunStatus struct {
	// State is the run state.
	State RunState `json:"state"`

	// StartedAt is when the run started, if known.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// EndedAt is when the run ended, if known.
	EndedAt *time.Time `json:"ended_at,omitempty"`
}

// Evidence is one observation gathered by an outcome check.
type Evidence struct {
	// Source names where the observation came from (command, resolver, endpoint).
	Source string `json:"source"`

	// Detail is the observation itself.
	Detail string `json:"detail"`

	// Attempt is the correction attempt that produced the evidence (0 is the first pass).
	Attempt int `json:"attempt"`

	// ObservedAt is when the evidence was gathered.
	ObservedAt time.Time `json:"observed_at"`
}

// FixCommand is one candidate remediation for a shadow error.
type FixCommand struct {
	// Command is the shell command to run through the command runner.
	Command string `json:"command"`

	// Description explains the fix.
	Description string `json:"description,omitempty"`

	// Destructive marks delete/recreate operations that need approval.
	Destructive bool `json:"destructive"`
}

// ShadowError is a discrepancy between the engine's verdict and the real state.
// It is a first-class result, not a Go error.
type ShadowError struct {
	// ID uniquely identifies this record.
	ID string `json:"id"`

	// RunID is the run the error belongs to.
	RunID string `json:"run_id"`

	// Attempt is the observation pass that detected the error (0 is the first pass).
	Attempt int `json:"attempt"`

	// Kind is the check kind (process, dns, certificate, http, port, script).
	Kind string `json:"kind"`

	// Severity is info, warning or critical.
	Severity Severity `json:"severity"`

	// DetectedBy names the outcome check that failed.
	DetectedBy string `json:"detected_by"`

	// Evidence is the evidence behind the error, including fix failures.
	Evidence []Evidence `json:"evidence"`

	// FixCommands are candidate fixes, least destructive first.
	FixCommands []FixCommand `json:"fix_commands"`

	// EscalationTrigger is set when the failed check was declared escalation-grade.
	EscalationTrigger bool `json:"escalation_trigger,omitempty"`

	// DetectedAt is when the error was detected.
	DetectedAt time.Time `json:"detected_at"`
}

// RetryAttempt records one pass through Correcting and Revalidating.
type RetryAttempt struct {
	// Attempt is the 1-based attempt number.
	Attempt int `json:"attempt"`

	// StartedAt is when fixes started.
	StartedAt time.Time `json:"started_at"`

	// FixesApplied lists commands that succeeded.
	FixesApplied []string `json:"fixes_applied,omitempty"`

	// FixFailures lists commands that failed.
	FixFailures []string `json:"fix_failures,omitempty"`

	// FixesSkipped lists destructive commands that were not approved.
	FixesSkipped []string `json:"fixes_skipped,omitempty"`

	// Remaining is the number of shadow errors after revalidation.
	Remaining int `json:"remaining"`
}

// ObserverReport is the terminal artifact of a pipeline run.
type ObserverReport struct {
	// RunID is the engine run identifier.
	RunID string `json:"run_id" validate:"required"`

	// PlanID is the plan that produced the run.
	PlanID string `json:"plan_id"`

	// WorkflowID is the submitted workflow.
	WorkflowID string `json:"workflow_id"`

	// EngineState is the engine-reported final state. Informational only.
	EngineState RunState `json:"engine_state"`

	// ExecutionStatus is the independent verdict.
	ExecutionStatus ExecutionStatus `json:"execution_status" validate:"required"`

	// ShadowErrorHistory contains every shadow error from every attempt.
	ShadowErrorHistory []ShadowError `json:"shadow_error_history"`

	// ConcernLevel is the worst concern observed in the final pass.
	ConcernLevel ConcernLevel `json:"concern_level"`

	// Recommendations lists what an operator should do next.
	Recommendations []string `json:"recommendations"`

	// RetryCount is the number of correction attempts made.
	RetryCount int `json:"retry_count"`

	// MaxRetries is the budget that applied.
	MaxRetries int `json:"max_retries"`

	// Attempts records each correction attempt.
	Attempts []RetryAttempt `json:"attempts,omitempty"`

	// StateTrace is the sequence of correction states visited.
	StateTrace []CorrectionState `json:"state_trace"`

	// Validation is the pre-flight verdict that gated submission.
	Validation *ValidationResult `json:"validation,omitempty"`

	// Orphaned is set when the engine run was left behind by a cancelled pipeline.
	Orphaned bool `json:"orphaned,omitempty"`

	// CreatedAt is when the run was submitted.
	CreatedAt time.Time `json:"created_at"`

	// CompletedAt is when the report was finalized.
	CompletedAt time.Time `json:"completed_at"`
}

// SubmitResult is returned by SubmitIntent: a plan when execution was not
// requested, a report otherwise.
type SubmitResult struct {
	// Plan is always set.
	Plan *ExecutionPlan `json:"plan"`

	// Validation is set when pre-flight ran.
	Validation *ValidationResult `json:"validation,omitempty"`

	// Report is set when the plan was executed.
	Report *ObserverReport `json:"report,omitempty"`
}

// Snippet is one ranked piece of documentation evidence.
type Snippet struct {
	// Source is the document the snippet came from.
	Source string `json:"source"`

	// Title is the section title.
	Title string `json:"title,omitempty"`

	// Content is the snippet text.
	Content string `json:"content"`

	// Score is the relevance score in [0,1].
	Score float64 `json:"score"`
}

// CommandResult is the outcome of one command execution.
type CommandResult struct {
	// ExitCode is the process exit code. -1 when the command could not run.
	ExitCode int `json:"exit_code"`

	// Stdout is the captured standard output.
	Stdout string `json:"stdout"`

	// Stderr is the captured standard error.
	Stderr string `json:"stderr"`

	// Duration is the execution time.
	Duration time.Duration `json:"duration"`
}

// CommandAudit records one command executed by a command runner.
type CommandAudit struct {
	// ID is the unique identifier of the record.
	ID string `json:"id"`

	// RunID is the run the command was executed for, if any.
	RunID string `json:"run_id,omitempty"`

	// Host is where the command ran.
	Host string `json:"host"`

	// Command is the executed command line.
	Command string `json:"command"`

	// ExitCode is the exit code, -1 when the command could not run.
	ExitCode int `json:"exit_code"`

	// Stdout and Stderr are truncated output.
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`

	// Error is set when the command could not run.
	Error string `json:"error,omitempty"`

	// Duration is the execution time.
	Duration time.Duration `json:"duration"`

	// ExecutedAt is when the command started.
	ExecutedAt time.Time `json:"executed_at"`
}

// Assertion is a data-quality assertion emitted to the lineage service.
type Assertion struct {
	// Name is the assertion name, usually the outcome check name.
	Name string `json:"assertion"`

	// Success is whether the assertion held.
	Success bool `json:"success"`

	// Column optionally scopes the assertion.
	Column string `json:"column,omitempty"`
}

// Event is a pipeline timeline event.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the type of event.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RunID is the run this event belongs to, if any.
	RunID string `json:"run_id,omitempty"`

	// PlanID is the plan this event belongs to.
	PlanID string `json:"plan_id,omitempty"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Data contains event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}
