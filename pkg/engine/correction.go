package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	correctionSource = "self-correction"
	maxFixOutput     = 512
)

// CorrectionResult is the outcome of one run of the correction loop.
type CorrectionResult struct {
	// FinalState is Resolved or Escalated.
	FinalState CorrectionState

	// StateTrace is every state visited, in order.
	StateTrace []CorrectionState

	// History holds the shadow errors of every pass.
	History []ShadowError

	// Remaining holds the shadow errors of the last pass.
	Remaining []ShadowError

	// RetryCount is the number of correction attempts made.
	RetryCount int

	// Attempts records each correction attempt.
	Attempts []RetryAttempt

	// Uncorrectable is set when errors remained that no approved fix could address.
	Uncorrectable bool

	// LastOutcomes are the check outcomes of the last pass.
	LastOutcomes []CheckOutcome
}

// runTokens grants at most one correction loop per run ID.
type runTokens struct {
	mu     sync.Mutex
	active map[string]bool
}

func (t *runTokens) tryAcquire(runID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active[runID] {
		return false
	}
	t.active[runID] = true
	return true
}

func (t *runTokens) release(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, runID)
}

// Corrector is the Self-Correction Controller: a finite state machine with a
// retry counter bounded by MaxRetries.
type Corrector struct {
	observer *Observer
	runner   CommandRunner
	approver FixApprover
	events   EventPublisher
	opts     Options
	metrics  MetricsRecorder
	logger   zerolog.Logger
	now      func() time.Time
	tokens   *runTokens
}

// NewCorrector creates a Corrector. approver, events and metrics may be nil;
// without an approver destructive fixes run only with auto-approve.
func NewCorrector(observer *Observer, runner CommandRunner, approver FixApprover, events EventPublisher, opts Options, metrics MetricsRecorder, logger zerolog.Logger) *Corrector {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Corrector{
		observer: observer,
		runner:   runner,
		approver: approver,
		events:   events,
		opts:     opts.normalize(),
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
		tokens:   &runTokens{active: make(map[string]bool)},
	}
}

// Run validates the outcome of run and corrects it until resolved or the
// retry budget is exhausted. A second concurrent call for the same run fails
// with ErrCorrectionInProgress. When the loop escalates the result is
// returned together with an EscalationRequired error.
func (c *Corrector) Run(ctx context.Context, run *WorkflowRun, plan *ExecutionPlan, autoApprove bool) (*CorrectionResult, error) {
	if !c.tokens.tryAcquire(run.RunID) {
		return nil, ErrCorrectionInProgress
	}
	defer c.tokens.release(run.RunID)
	ctx = WithRunID(ctx, run.RunID)

	res := &CorrectionResult{}
	var current, history []*ShadowError

	state := StateValidating
	res.StateTrace = append(res.StateTrace, state)
	transition := func(next CorrectionState) {
		c.logger.Debug().Str("run_id", run.RunID).
			Str("from", string(state)).Str("to", string(next)).
			Msg("Correction state transition")
		state = next
		res.StateTrace = append(res.StateTrace, next)
	}

	for !state.IsTerminal() {
		if err := ctx.Err(); err != nil {
			return c.finish(res, state, current, history), err
		}

		switch state {
		case StateValidating:
			current = c.pass(ctx, run, plan, 0, res)
			if err := ctx.Err(); err != nil {
				return c.finish(res, state, current, history), err
			}
			history = append(history, current...)
			transition(c.decide(current, res, autoApprove))

		case StateCorrectionNeeded:
			transition(StateCorrecting)

		case StateCorrecting:
			rec := c.applyFixes(ctx, run.RunID, actionable(current), autoApprove, res.RetryCount+1)
			res.Attempts = append(res.Attempts, rec)
			transition(StateRevalidating)

		case StateRevalidating:
			res.RetryCount++
			current = c.pass(ctx, run, plan, res.RetryCount, res)
			if err := ctx.Err(); err != nil {
				return c.finish(res, state, current, history), err
			}
			history = append(history, current...)
			remaining := len(actionable(current))
			res.Attempts[len(res.Attempts)-1].Remaining = remaining
			if remaining == 0 {
				c.metrics.RecordCorrectionAttempt("resolved")
			} else {
				c.metrics.RecordCorrectionAttempt("unresolved")
			}
			transition(c.decide(current, res, autoApprove))

		default:
			return c.finish(res, state, current, history),
				NewPermanentError(fmt.Sprintf("invalid correction state %q", state), nil).
					WithCode(ErrCodeInternal).WithResource(run.RunID).WithOperation("correction")
		}
	}

	c.finish(res, state, current, history)

	c.logger.Info().
		Str("run_id", run.RunID).
		Str("final_state", string(res.FinalState)).
		Int("retry_count", res.RetryCount).
		Int("shadow_errors", len(res.History)).
		Int("remaining", len(res.Remaining)).
		Msg("Correction loop finished")

	if res.FinalState == StateEscalated {
		unresolved := make([]string, 0, len(res.Remaining))
		for _, e := range res.Remaining {
			unresolved = append(unresolved, e.DetectedBy)
		}
		c.publish(ctx, run, EventTypeEscalated,
			fmt.Sprintf("Escalated after %d correction attempts", res.RetryCount), map[string]interface{}{
				"unresolved": unresolved,
			})
		return res, NewEscalationRequired(run.RunID, res.RetryCount, unresolved).
			WithDetail("uncorrectable", res.Uncorrectable)
	}
	return res, nil
}

// decide picks the state after a validation pass.
func (c *Corrector) decide(current []*ShadowError, res *CorrectionResult, autoApprove bool) CorrectionState {
	act := actionable(current)
	switch {
	case len(act) == 0:
		return StateResolved
	case res.RetryCount >= c.opts.MaxRetries:
		if res.RetryCount == 0 {
			res.Uncorrectable = true
		}
		return StateEscalated
	case !correctable(act, autoApprove):
		res.Uncorrectable = true
		if hasCritical(act) {
			return StateEscalated
		}
		return StateResolved
	default:
		return StateCorrectionNeeded
	}
}

// pass runs one Observer pass and converts failures to shadow errors.
func (c *Corrector) pass(ctx context.Context, run *WorkflowRun, plan *ExecutionPlan, attempt int, res *CorrectionResult) []*ShadowError {
	res.LastOutcomes = c.observer.Observe(ctx, plan, attempt)
	errs := DetectShadowErrors(run.RunID, plan, attempt, res.LastOutcomes, c.now())

	out := make([]*ShadowError, len(errs))
	for i := range errs {
		out[i] = &errs[i]
		c.metrics.RecordShadowError(string(errs[i].Severity))
		c.publish(ctx, run, EventTypeShadowDetected,
			fmt.Sprintf("%s failed on attempt %d", errs[i].DetectedBy, attempt), map[string]interface{}{
				"check":    errs[i].DetectedBy,
				"severity": string(errs[i].Severity),
				"attempt":  attempt,
			})
	}
	return out
}

// applyFixes runs each error's fix commands in declared order. Every fix is
// put to the approver first. The first successful command ends the fixes for
// that error. Failures and denied fixes are appended to the error's evidence.
func (c *Corrector) applyFixes(ctx context.Context, runID string, errs []*ShadowError, autoApprove bool, attempt int) RetryAttempt {
	rec := RetryAttempt{Attempt: attempt, StartedAt: c.now()}

	note := func(se *ShadowError, detail string) {
		se.Evidence = append(se.Evidence, Evidence{
			Source:     correctionSource,
			Detail:     detail,
			Attempt:    attempt,
			ObservedAt: c.now(),
		})
	}

	for _, se := range errs {
		for _, fix := range se.FixCommands {
			if ctx.Err() != nil {
				return rec
			}

			if ok, reason := c.approve(ctx, runID, fix, autoApprove); !ok {
				note(se, fmt.Sprintf("fix skipped: %s: %s", fix.Command, reason))
				rec.FixesSkipped = append(rec.FixesSkipped, fix.Command)
				continue
			}

			result, err := c.runner.Run(ctx, fix.Command, c.opts.CommandTimeout)
			if err != nil {
				note(se, fmt.Sprintf("fix could not run: %s: %v", fix.Command, err))
				rec.FixFailures = append(rec.FixFailures, fix.Command)
				c.publishFix(ctx, runID, EventTypeFixFailed, se, fix)
				continue
			}
			if result.ExitCode != 0 {
				note(se, fmt.Sprintf("fix failed: %s exited %d: %s",
					fix.Command, result.ExitCode, truncate(result.Stderr, maxFixOutput)))
				rec.FixFailures = append(rec.FixFailures, fix.Command)
				c.publishFix(ctx, runID, EventTypeFixFailed, se, fix)
				continue
			}

			note(se, fmt.Sprintf("fix applied: %s", fix.Command))
			rec.FixesApplied = append(rec.FixesApplied, fix.Command)
			c.publishFix(ctx, runID, EventTypeFixApplied, se, fix)
			break
		}
	}

	c.logger.Info().
		Str("run_id", runID).
		Int("attempt", attempt).
		Strs("applied", rec.FixesApplied).
		Strs("failed", rec.FixFailures).
		Strs("skipped", rec.FixesSkipped).
		Msg("Correction attempt applied fixes")

	return rec
}

func (c *Corrector) approve(ctx context.Context, runID string, fix FixCommand, autoApprove bool) (bool, string) {
	if c.approver == nil {
		if !fix.Destructive || autoApprove {
			return true, ""
		}
		return false, "destructive fix requires approval"
	}
	ok, reason, err := c.approver.ApproveFix(ctx, runID, fix, autoApprove)
	if err != nil {
		return false, fmt.Sprintf("approval policy failed: %v", err)
	}
	if !ok && reason == "" {
		reason = "denied by fix policy"
	}
	return ok, reason
}

// finish copies the loop state into res.
func (c *Corrector) finish(res *CorrectionResult, state CorrectionState, current, history []*ShadowError) *CorrectionResult {
	res.FinalState = state
	res.History = derefErrors(history)
	res.Remaining = derefErrors(current)
	return res
}

func (c *Corrector) publishFix(ctx context.Context, runID string, eventType EventType, se *ShadowError, fix FixCommand) {
	c.publish(ctx, &WorkflowRun{RunID: runID}, eventType, fmt.Sprintf("%s: %s", se.DetectedBy, fix.Command),
		map[string]interface{}{"check": se.DetectedBy, "command": fix.Command, "destructive": fix.Destructive})
}

func (c *Corrector) publish(ctx context.Context, run *WorkflowRun, eventType EventType, message string, data map[string]interface{}) {
	publishEvent(ctx, c.events, c.logger, &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: c.now(),
		RunID:     run.RunID,
		PlanID:    run.PlanID,
		Message:   message,
		Data:      data,
	})
}

// correctable reports whether any error has a fix that may run.
func correctable(errs []*ShadowError, autoApprove bool) bool {
	for _, e := range errs {
		for _, f := range e.FixCommands {
			if !f.Destructive || autoApprove {
				return true
			}
		}
	}
	return false
}

func derefErrors(errs []*ShadowError) []ShadowError {
	out := make([]ShadowError, len(errs))
	for i, e := range errs {
		out[i] = *e
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
