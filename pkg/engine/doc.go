// Package engine provides the core types, interfaces and stages of the
// Smart Pipeline orchestration engine.
//
// # Overview
//
// The pipeline turns a natural language intent into a workflow run and then
// verifies the outcome independently of what the workflow engine reports:
//
//  1. Manager - Classify the intent and resolve exactly one workflow (Planner)
//  2. Developer - Run read-only pre-flight checks and score confidence (Preflight)
//  3. Trigger - Submit the plan once, keyed by its fingerprint (Trigger)
//  4. Observer - Run outcome checks concurrently under timeouts (Observer)
//  5. Self-Correction - Apply fixes and revalidate within a retry budget (Corrector)
//  6. Report - Decide the execution status and persist the report (Service)
//
// # Core Domain Types
//
//   - Intent: A raw request with optional structured parameters
//   - ExecutionPlan: The single target workflow and its ordered steps
//   - ValidationResult: The pre-flight go/no-go verdict with confidence
//   - WorkflowRun: A submitted run in the external engine
//   - ShadowError: A discrepancy between the engine's verdict and reality
//   - ObserverReport: The terminal artifact of a pipeline run
//
// # Collaborators
//
// External systems are reached through interfaces so that every stage can be
// tested with in-memory fakes:
//
//	type WorkflowEngine interface {
//	    Submit(ctx context.Context, workflowID, runID string, conf map[string]interface{}) (string, error)
//	    Status(ctx context.Context, workflowID, runID string) (*RunStatus, error)
//	    Cancel(ctx context.Context, workflowID, runID string) error
//	}
//
// OutcomeCheck variants (process, name resolution, certificate, endpoint,
// port, script) gather evidence and evaluate a predicate over it. The check
// registry picks the variants that apply to a plan's domain.
//
// # Error Classification
//
// Pipeline errors are EngineError values with a class and a code:
//
//   - AmbiguousIntentError: zero or several workflows match an intent
//   - PrerequisiteError: a mandatory pre-flight check did not pass
//   - InfrastructureError: a check or the engine could not be reached
//   - EscalationRequired: the retry budget ran out with errors remaining
//
// Shadow errors are results, not Go errors. They are listed on the report
// and never returned from SubmitIntent.
//
// # Execution Status
//
// The engine's run state is informational. The final status comes from the
// outcome checks:
//
//   - success: every check passed on the first observation
//   - success_with_corrections: shadow errors were found and fixed
//   - success_with_warnings: only non-critical discrepancies remain
//   - escalated: the budget was exhausted and a human must take over
//   - failed: the run failed and nothing could be corrected
//
// # Example Usage
//
//	svc, err := engine.NewService(engine.Dependencies{
//	    Catalog: catalog,
//	    Engine:  airflowClient,
//	    Checks:  registry,
//	    Runner:  runner,
//	    Store:   store,
//	}, engine.DefaultOptions())
//
//	result, err := svc.SubmitIntent(ctx, engine.Intent{
//	    Text:        "deploy identity server",
//	    AutoExecute: true,
//	})
//	if err == nil && result.Report.ExecutionStatus.IsSuccess() {
//	    // The change is verified
//	}
//
// # Thread Safety
//
// Service and its stages are safe for concurrent use. Submissions of the same
// plan are serialized, and at most one correction loop runs per run ID.
package engine
