package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "github.com/openfroyo/smartpipeline/pkg/engine"

	// abortTimeout bounds the cleanup calls made after the caller cancelled.
	abortTimeout = 30 * time.Second
)

// Dependencies are the collaborators of a Service. Catalog, Engine, Checks,
// Runner and Store are required.
type Dependencies struct {
	Catalog   WorkflowCatalog
	Engine    WorkflowEngine
	Checks    CheckRegistry
	Runner    CommandRunner
	Store     ReportStore
	Context   ContextQuerier
	Lineage   LineageEmitter
	Approver  FixApprover
	Locker    ResourceLocker
	Contracts ContractValidator
	Events    EventPublisher
	Metrics   MetricsRecorder
	Logger    *zerolog.Logger
}

// Service is the public surface of the pipeline.
type Service struct {
	planner   *Planner
	preflight *Preflight
	trigger   *Trigger
	observer  *Observer
	corrector *Corrector

	engine    WorkflowEngine
	store     ReportStore
	locker    ResourceLocker
	lineage   LineageEmitter
	contracts ContractValidator
	events    EventPublisher
	metrics   MetricsRecorder

	opts   Options
	logger zerolog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewService wires the pipeline stages.
func NewService(deps Dependencies, opts Options) (*Service, error) {
	switch {
	case deps.Catalog == nil:
		return nil, NewPermanentError("workflow catalog is required", nil).WithCode(ErrCodeValidation)
	case deps.Engine == nil:
		return nil, NewPermanentError("workflow engine is required", nil).WithCode(ErrCodeValidation)
	case deps.Checks == nil:
		return nil, NewPermanentError("check registry is required", nil).WithCode(ErrCodeValidation)
	case deps.Runner == nil:
		return nil, NewPermanentError("command runner is required", nil).WithCode(ErrCodeValidation)
	case deps.Store == nil:
		return nil, NewPermanentError("report store is required", nil).WithCode(ErrCodeValidation)
	}

	opts = opts.normalize()
	logger := zerolog.Nop()
	if deps.Logger != nil {
		logger = *deps.Logger
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}

	plannerOpts := []PlannerOption{
		WithPlannerLogger(logger.With().Str("stage", "manager").Logger()),
	}
	preflightOpts := []PreflightOption{
		WithPreflightLogger(logger.With().Str("stage", "developer").Logger()),
	}
	if deps.Context != nil {
		plannerOpts = append(plannerOpts, WithContextQuerier(deps.Context))
	}
	if deps.Contracts != nil {
		plannerOpts = append(plannerOpts, WithPlanContracts(deps.Contracts))
		preflightOpts = append(preflightOpts, WithValidationContracts(deps.Contracts))
	}

	observer := NewObserver(deps.Engine, deps.Checks, opts, metrics,
		logger.With().Str("stage", "observer").Logger())

	return &Service{
		planner:   NewPlanner(deps.Catalog, opts, plannerOpts...),
		preflight: NewPreflight(deps.Checks, opts, preflightOpts...),
		trigger: NewTrigger(deps.Engine, deps.Store, deps.Lineage, metrics,
			logger.With().Str("stage", "trigger").Logger()),
		observer: observer,
		corrector: NewCorrector(observer, deps.Runner, deps.Approver, deps.Events, opts, metrics,
			logger.With().Str("stage", "correction").Logger()),
		engine:    deps.Engine,
		store:     deps.Store,
		locker:    deps.Locker,
		lineage:   deps.Lineage,
		contracts: deps.Contracts,
		events:    deps.Events,
		metrics:   metrics,
		opts:      opts,
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
	}, nil
}

// Options returns the options the service runs with.
func (s *Service) Options() Options {
	return s.opts
}

// Plan runs only the Manager stage.
func (s *Service) Plan(ctx context.Context, intent Intent) (*ExecutionPlan, error) {
	ctx, span := s.tracer.Start(ctx, "smartpipe.plan")
	defer span.End()

	start := s.now()
	plan, err := s.planner.Plan(ctx, intent)
	s.metrics.RecordStageDuration("plan", s.now().Sub(start))
	if err != nil {
		s.metrics.RecordIntent("rejected")
		endSpan(span, err)
		return nil, err
	}
	s.metrics.RecordIntent(string(plan.Category))
	span.SetAttributes(
		attribute.String("plan.id", plan.ID),
		attribute.String("workflow.id", plan.TargetWorkflowID),
	)
	s.publish(ctx, EventTypePlanCreated, "", plan.ID,
		fmt.Sprintf("Planned %s for %q", plan.TargetWorkflowID, plan.Intent), nil)
	return plan, nil
}

// Preflight runs only the Developer stage for plan.
func (s *Service) Preflight(ctx context.Context, plan *ExecutionPlan) (*ValidationResult, error) {
	ctx, span := s.tracer.Start(ctx, "smartpipe.preflight")
	defer span.End()

	start := s.now()
	result, err := s.preflight.Validate(ctx, plan)
	s.metrics.RecordStageDuration("preflight", s.now().Sub(start))

	switch {
	case err == nil:
		s.metrics.RecordPreflight("passed")
		s.publish(ctx, EventTypePreflightPassed, "", plan.ID, "Pre-flight validation passed", nil)
	case IsInfrastructure(err):
		s.metrics.RecordPreflight("infrastructure")
		s.publish(ctx, EventTypePreflightFailed, "", plan.ID, err.Error(), nil)
	default:
		s.metrics.RecordPreflight("blocked")
		s.publish(ctx, EventTypePreflightFailed, "", plan.ID, err.Error(), nil)
	}
	endSpan(span, err)
	return result, err
}

// SubmitIntent plans intent and, when AutoExecute is set, validates, submits,
// observes and corrects it. Without AutoExecute only the plan is returned.
func (s *Service) SubmitIntent(ctx context.Context, intent Intent) (*SubmitResult, error) {
	ctx, span := s.tracer.Start(ctx, "smartpipe.submit_intent",
		trace.WithAttributes(attribute.Bool("auto_execute", intent.AutoExecute)))
	defer span.End()

	s.publish(ctx, EventTypeIntentReceived, "", "", intent.Text, nil)

	plan, err := s.Plan(ctx, intent)
	if err != nil {
		endSpan(span, err)
		return nil, err
	}

	result := &SubmitResult{Plan: plan}
	if !intent.AutoExecute {
		return result, nil
	}

	report, validation, err := s.execute(ctx, plan, intent.AutoApprove)
	result.Validation = validation
	result.Report = report
	endSpan(span, err)
	return result, err
}

// Execute validates, submits, observes and corrects an existing plan.
// Executing the same plan again returns the run recorded for it.
func (s *Service) Execute(ctx context.Context, plan *ExecutionPlan, autoApprove bool) (*ObserverReport, *ValidationResult, error) {
	return s.execute(ctx, plan, autoApprove)
}

func (s *Service) execute(ctx context.Context, plan *ExecutionPlan, autoApprove bool) (*ObserverReport, *ValidationResult, error) {
	release, err := s.lock(ctx, plan.Resource)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	validation, err := s.Preflight(ctx, plan)
	if err != nil {
		return nil, validation, err
	}

	tctx, span := s.tracer.Start(ctx, "smartpipe.trigger")
	run, deduplicated, err := s.trigger.Submit(tctx, plan)
	endSpan(span, err)
	span.End()
	if err != nil {
		if run == nil {
			return nil, validation, err
		}
		s.logger.Error().Err(err).Str("run_id", run.RunID).Msg("Submitted run could not be recorded")
		report, err := s.abort(run, s.newReport(run, plan, validation, nil), nil, err)
		return report, validation, err
	}

	if deduplicated {
		if report, err := s.store.GetReport(ctx, run.RunID); err == nil {
			return report, validation, nil
		}
	} else {
		s.publish(ctx, EventTypeRunSubmitted, run.RunID, plan.ID,
			fmt.Sprintf("Submitted %s", plan.TargetWorkflowID), nil)
	}

	report, err := s.follow(ctx, run, plan, validation, autoApprove, nil)
	return report, validation, err
}

// newReport starts the report of a submitted run.
func (s *Service) newReport(run *WorkflowRun, plan *ExecutionPlan, validation *ValidationResult, previous []ShadowError) *ObserverReport {
	return &ObserverReport{
		RunID:              run.RunID,
		PlanID:             plan.ID,
		WorkflowID:         run.WorkflowID,
		EngineState:        run.State,
		MaxRetries:         s.opts.MaxRetries,
		Validation:         validation,
		ShadowErrorHistory: append([]ShadowError{}, previous...),
		Recommendations:    []string{},
		CreatedAt:          run.SubmittedAt,
	}
}

// follow waits for the engine, runs the correction loop and persists the report.
func (s *Service) follow(ctx context.Context, run *WorkflowRun, plan *ExecutionPlan, validation *ValidationResult, autoApprove bool, previous []ShadowError) (*ObserverReport, error) {
	report := s.newReport(run, plan, validation, previous)

	wctx, span := s.tracer.Start(ctx, "smartpipe.wait", trace.WithAttributes(attribute.String("run.id", run.RunID)))
	start := s.now()
	status, err := s.observer.WaitForTerminal(wctx, run)
	s.metrics.RecordStageDuration("wait", s.now().Sub(start))
	endSpan(span, err)
	span.End()
	if err != nil {
		if ctx.Err() != nil {
			return s.abort(run, report, nil, ctx.Err())
		}
		s.logger.Error().Err(err).Str("run_id", run.RunID).Msg("Run did not reach a terminal state")
		report.ExecutionStatus = StatusFailed
		report.ConcernLevel = ConcernCritical
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("Workflow engine did not report completion: %v", err),
			fmt.Sprintf("Inspect run %s of %s in the workflow engine", run.RunID, run.WorkflowID))
		return report, s.finalize(ctx, run, report, nil)
	}

	run.State = status.State
	run.StartedAt = status.StartedAt
	run.EndedAt = status.EndedAt
	report.EngineState = status.State
	if err := s.store.SaveRun(ctx, run); err != nil {
		s.logger.Warn().Err(err).Str("run_id", run.RunID).Msg("Failed to update run state")
	}
	s.publish(ctx, EventTypeRunFinished, run.RunID, plan.ID,
		fmt.Sprintf("Engine reports %s", status.State), map[string]interface{}{"engine_state": string(status.State)})

	cctx, span := s.tracer.Start(ctx, "smartpipe.correct", trace.WithAttributes(attribute.String("run.id", run.RunID)))
	start = s.now()
	corr, err := s.corrector.Run(cctx, run, plan, autoApprove)
	s.metrics.RecordStageDuration("correct", s.now().Sub(start))
	endSpan(span, err)
	span.End()

	switch {
	case err == nil, IsEscalation(err):
	case errors.Is(err, ErrCorrectionInProgress):
		return nil, err
	case ctx.Err() != nil:
		return s.abort(run, report, corr, ctx.Err())
	default:
		return nil, err
	}

	s.applyCorrection(report, status.State, corr)
	if IsEscalation(err) {
		report.Recommendations = append(report.Recommendations, err.Error())
	}

	s.emitAssertions(ctx, run, corr.LastOutcomes)
	return report, s.finalize(ctx, run, report, corr.History)
}

// Recheck re-runs the outcome checks and the correction loop for a stored
// run. It fails with ErrCorrectionInProgress while another loop runs for the
// same run.
func (s *Service) Recheck(ctx context.Context, runID string, autoApprove bool) (*ObserverReport, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Plan == nil {
		return nil, NewPermanentError("run has no stored plan", nil).
			WithCode(ErrCodeValidation).WithResource(runID).WithOperation("recheck")
	}

	release, err := s.lock(ctx, run.Resource)
	if err != nil {
		return nil, err
	}
	defer release()

	var previous []ShadowError
	var validation *ValidationResult
	if prev, err := s.store.GetReport(ctx, runID); err == nil {
		previous = prev.ShadowErrorHistory
		validation = prev.Validation
	}

	return s.follow(ctx, run, run.Plan, validation, autoApprove, previous)
}

// GetReport returns the final report of a run.
func (s *Service) GetReport(ctx context.Context, runID string) (*ObserverReport, error) {
	return s.store.GetReport(ctx, runID)
}

// ListShadowErrors returns every shadow error recorded for a run.
func (s *Service) ListShadowErrors(ctx context.Context, runID string) ([]ShadowError, error) {
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return s.store.ListShadowErrors(ctx, runID)
}

// applyCorrection fills the report from a finished correction loop.
func (s *Service) applyCorrection(report *ObserverReport, engineState RunState, corr *CorrectionResult) {
	report.ShadowErrorHistory = append(report.ShadowErrorHistory, corr.History...)
	report.ExecutionStatus = DecideStatus(engineState, corr)
	report.ConcernLevel = ConcernLevelOf(corr.Remaining)
	report.RetryCount = corr.RetryCount
	report.Attempts = corr.Attempts
	report.StateTrace = corr.StateTrace
	report.Recommendations = append(report.Recommendations, recommendations(report, corr)...)
}

// DecideStatus maps the engine's verdict and the correction outcome to the
// final execution status. The engine's success never hides a failed check.
func DecideStatus(engineState RunState, corr *CorrectionResult) ExecutionStatus {
	remaining := actionable(errorRefs(corr.Remaining))
	engineFailed := engineState != RunStateSuccess

	switch {
	case corr.FinalState == StateEscalated:
		if corr.Uncorrectable && engineFailed {
			return StatusFailed
		}
		return StatusEscalated
	case len(remaining) > 0:
		if engineFailed {
			return StatusFailed
		}
		return StatusSuccessWithWarnings
	case corr.RetryCount > 0:
		return StatusSuccessWithCorrections
	case engineFailed && len(corr.LastOutcomes) == 0:
		// Nothing independent says the change worked.
		return StatusFailed
	case engineFailed || len(corr.History) > 0:
		return StatusSuccessWithWarnings
	default:
		return StatusSuccess
	}
}

func recommendations(report *ObserverReport, corr *CorrectionResult) []string {
	var recs []string
	for _, e := range corr.Remaining {
		detail := ""
		if n := len(e.Evidence); n > 0 {
			detail = ": " + e.Evidence[n-1].Detail
		}
		recs = append(recs, fmt.Sprintf("Investigate %s (%s)%s", e.DetectedBy, e.Kind, detail))
	}
	seen := make(map[string]bool)
	for _, a := range corr.Attempts {
		for _, cmd := range a.FixesSkipped {
			if !seen[cmd] {
				seen[cmd] = true
				recs = append(recs, fmt.Sprintf("Fix was not approved, review the fix policy or resubmit with auto-approve: %s", cmd))
			}
		}
	}
	if report.EngineState != RunStateSuccess && len(corr.Remaining) == 0 && report.ExecutionStatus != StatusFailed {
		recs = append(recs, fmt.Sprintf("Engine reported %s although outcome checks pass; review the run logs", report.EngineState))
	}
	return recs
}

// abort handles a pipeline that stops after submission, through cancellation
// or a failure to record the run: the engine run is cancelled when allowed,
// otherwise or on failure it is marked orphaned.
func (s *Service) abort(run *WorkflowRun, report *ObserverReport, corr *CorrectionResult, cause error) (*ObserverReport, error) {
	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()

	orphaned := true
	if s.opts.CancelOnAbort {
		if err := s.engine.Cancel(ctx, run.WorkflowID, run.RunID); err != nil {
			s.logger.Error().Err(err).Str("run_id", run.RunID).Msg("Failed to cancel engine run")
		} else {
			orphaned = false
		}
	}

	run.Orphaned = orphaned
	if err := s.store.SaveRun(ctx, run); err != nil {
		s.logger.Error().Err(err).Str("run_id", run.RunID).Msg("Failed to persist aborted run")
	}

	var history []ShadowError
	if corr != nil {
		history = corr.History
		report.ShadowErrorHistory = append(report.ShadowErrorHistory, corr.History...)
		report.RetryCount = corr.RetryCount
		report.Attempts = corr.Attempts
		report.StateTrace = corr.StateTrace
	}
	report.ExecutionStatus = StatusFailed
	report.ConcernLevel = ConcernWarning
	report.Orphaned = orphaned
	if orphaned {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("Pipeline stopped after submission (%v); run %s of %s is orphaned and needs manual cleanup", cause, run.RunID, run.WorkflowID))
		s.publish(ctx, EventTypeRunOrphaned, run.RunID, run.PlanID, "Engine run orphaned", nil)
	} else {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("Pipeline stopped after submission (%v); run %s was cancelled in the workflow engine", cause, run.RunID))
		s.publish(ctx, EventTypeCorrectionAborted, run.RunID, run.PlanID, "Pipeline stopped, engine run cancelled", nil)
	}

	if err := s.finalize(ctx, run, report, history); err != nil {
		s.logger.Error().Err(err).Str("run_id", run.RunID).Msg("Failed to persist aborted report")
	}
	return report, cause
}

// finalize validates and persists the report. newErrors are the shadow
// errors detected by this call only.
func (s *Service) finalize(ctx context.Context, run *WorkflowRun, report *ObserverReport, newErrors []ShadowError) error {
	report.CompletedAt = s.now()
	if report.StateTrace == nil {
		report.StateTrace = []CorrectionState{}
	}

	s.metrics.RecordExecutionStatus(string(report.ExecutionStatus))

	if len(newErrors) > 0 {
		if err := s.store.AppendShadowErrors(ctx, newErrors); err != nil {
			return fmt.Errorf("failed to persist shadow errors: %w", err)
		}
	}
	if err := s.store.SaveReport(ctx, report); err != nil {
		return fmt.Errorf("failed to persist report: %w", err)
	}

	s.logger.Info().
		Str("run_id", run.RunID).
		Str("workflow_id", run.WorkflowID).
		Str("engine_state", string(report.EngineState)).
		Str("execution_status", string(report.ExecutionStatus)).
		Str("concern_level", string(report.ConcernLevel)).
		Int("retry_count", report.RetryCount).
		Msg("Observer report completed")
	s.publish(ctx, EventTypeReportCompleted, run.RunID, run.PlanID,
		fmt.Sprintf("Run finished with %s", report.ExecutionStatus), map[string]interface{}{
			"execution_status": string(report.ExecutionStatus),
			"retry_count":      report.RetryCount,
		})

	if s.contracts != nil {
		if err := s.contracts.ValidateContract(ContractObserverReport, report); err != nil {
			return NewPermanentError("observer report violates its contract", err).
				WithCode(ErrCodeValidation).WithResource(run.RunID).WithOperation("report")
		}
	}
	return nil
}

// emitAssertions pushes the last pass's check results to the lineage service.
func (s *Service) emitAssertions(ctx context.Context, run *WorkflowRun, outcomes []CheckOutcome) {
	if s.lineage == nil || len(outcomes) == 0 {
		return
	}
	assertions := make([]Assertion, 0, len(outcomes))
	for _, out := range outcomes {
		assertions = append(assertions, Assertion{Name: out.Check.Name(), Success: out.Passed})
	}
	s.lineage.Emit(ctx, run.RunID, run.WorkflowID, assertions)
}

func (s *Service) lock(ctx context.Context, resource string) (func(), error) {
	if s.locker == nil || resource == "" {
		return func() {}, nil
	}
	release, err := s.locker.Lock(ctx, resource)
	if err != nil {
		return nil, NewConflictError("resource lock not acquired", err).
			WithCode(ErrCodeResourceLocked).
			WithResource(resource)
	}
	return release, nil
}

func (s *Service) publish(ctx context.Context, eventType EventType, runID, planID, message string, data map[string]interface{}) {
	publishEvent(ctx, s.events, s.logger, &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: s.now(),
		RunID:     runID,
		PlanID:    planID,
		Message:   message,
		Data:      data,
	})
}

// publishEvent publishes asynchronously. Failures are logged and dropped.
func publishEvent(ctx context.Context, publisher EventPublisher, logger zerolog.Logger, event *Event) {
	if publisher == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := publisher.Publish(ctx, event); err != nil {
			logger.Debug().Err(err).Str("event_type", string(event.Type)).Msg("Failed to publish event")
		}
	}()
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

func errorRefs(errs []ShadowError) []*ShadowError {
	out := make([]*ShadowError, len(errs))
	for i := range errs {
		out[i] = &errs[i]
	}
	return out
}
