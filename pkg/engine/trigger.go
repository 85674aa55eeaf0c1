package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RunIDPrefix prefixes run IDs requested from the workflow engine.
const RunIDPrefix = "smartpipe__"

// RunIDForPlan returns the run ID requested for plan. Deriving it from the
// plan ID lets the engine reject a second run for the same plan even when
// the local submission record was lost.
func RunIDForPlan(plan *ExecutionPlan) string {
	return RunIDPrefix + plan.ID
}

// Fingerprint is the idempotency key of a submission: a hash of the workflow
// ID, the canonical run configuration and the plan ID. A configuration that
// cannot be encoded as JSON has no fingerprint.
func Fingerprint(plan *ExecutionPlan) (string, error) {
	// encoding/json sorts map keys, which makes the encoding canonical.
	conf, err := json.Marshal(plan.Conf)
	if err != nil {
		return "", NewPermanentError("run configuration is not JSON-encodable", err).
			WithCode(ErrCodeValidation).
			WithResource(plan.TargetWorkflowID).
			WithOperation("trigger")
	}
	h := sha256.New()
	h.Write([]byte(plan.TargetWorkflowID))
	h.Write([]byte{0})
	h.Write(conf)
	h.Write([]byte{0})
	h.Write([]byte(plan.ID))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Trigger submits validated plans to the workflow engine.
type Trigger struct {
	engine  WorkflowEngine
	store   ReportStore
	lineage LineageEmitter
	metrics MetricsRecorder
	logger  zerolog.Logger
	now     func() time.Time

	// mu makes the lookup and the submission of a fingerprint atomic.
	mu sync.Mutex
}

// NewTrigger creates a Trigger. lineage and metrics may be nil.
func NewTrigger(engine WorkflowEngine, store ReportStore, lineage LineageEmitter, metrics MetricsRecorder, logger zerolog.Logger) *Trigger {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Trigger{
		engine:  engine,
		store:   store,
		lineage: lineage,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Submit submits plan once. A repeated call for the same plan returns the
// recorded run and deduplicated=true without calling the engine. When the
// engine accepted the run but recording it failed, the run is returned
// together with the error.
func (t *Trigger) Submit(ctx context.Context, plan *ExecutionPlan) (run *WorkflowRun, deduplicated bool, err error) {
	if err := plan.Validate(); err != nil {
		return nil, false, err
	}

	key, err := Fingerprint(plan)
	if err != nil {
		return nil, false, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	existing, err := t.store.FindSubmission(ctx, key)
	if err != nil {
		return nil, false, NewTransientError("failed to look up submission", err).
			WithOperation("trigger").WithResource(plan.TargetWorkflowID)
	}
	if existing != nil {
		t.logger.Info().
			Str("plan_id", plan.ID).
			Str("run_id", existing.RunID).
			Msg("Plan already submitted, returning recorded run")
		t.metrics.RecordSubmission(true)
		return existing, true, nil
	}

	requested := RunIDForPlan(plan)
	runID, err := t.engine.Submit(ctx, plan.TargetWorkflowID, requested, plan.Conf)
	if err != nil {
		if IsInfrastructure(err) {
			return nil, false, err
		}
		return nil, false, NewTransientError("workflow submission failed", err).
			WithCode(ErrCodeSubmissionFailed).
			WithResource(plan.TargetWorkflowID).
			WithOperation("trigger")
	}
	if runID == "" {
		runID = requested
	}

	run = &WorkflowRun{
		RunID:       runID,
		WorkflowID:  plan.TargetWorkflowID,
		PlanID:      plan.ID,
		Resource:    plan.Resource,
		State:       RunStateQueued,
		SubmittedAt: t.now(),
		Plan:        plan,
	}

	// The engine has the run now; recording it must not depend on the caller.
	pctx := context.WithoutCancel(ctx)
	if err := t.store.SaveRun(pctx, run); err != nil {
		return run, false, NewTransientError("failed to persist run", err).
			WithResource(run.RunID).WithOperation("trigger")
	}
	if err := t.store.SaveSubmission(pctx, key, run); err != nil {
		return run, false, NewTransientError("failed to persist submission", err).
			WithResource(run.RunID).WithOperation("trigger")
	}

	if t.lineage != nil {
		t.lineage.Correlate(ctx, run.RunID, plan.ID, plan.TargetWorkflowID)
	}
	t.metrics.RecordSubmission(false)

	t.logger.Info().
		Str("plan_id", plan.ID).
		Str("run_id", run.RunID).
		Str("workflow_id", run.WorkflowID).
		Msg("Workflow run submitted")

	return run, false, nil
}
