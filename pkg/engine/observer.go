package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Evidence details with fixed meaning.
const (
	EvidenceTimedOut      = "check timed out"
	infrastructureMarker  = "infrastructure error: "
	maxStatusPollFailures = 5
)

// CheckOutcome is the result of one outcome check in one Observer pass.
type CheckOutcome struct {
	// Check is the check that ran.
	Check OutcomeCheck

	// Passed is true when the predicate held.
	Passed bool

	// TimedOut is set when the check exceeded its timeout.
	TimedOut bool

	// Infrastructure is set when evidence could not be gathered at all.
	Infrastructure bool

	// Evidence is what the check observed.
	Evidence []Evidence

	// Duration is how long the check took.
	Duration time.Duration
}

// Observer runs outcome checks independently of the engine's verdict.
type Observer struct {
	engine   WorkflowEngine
	registry CheckRegistry
	opts     Options
	metrics  MetricsRecorder
	logger   zerolog.Logger
	now      func() time.Time
}

// NewObserver creates an Observer. metrics may be nil.
func NewObserver(engine WorkflowEngine, registry CheckRegistry, opts Options, metrics MetricsRecorder, logger zerolog.Logger) *Observer {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Observer{
		engine:   engine,
		registry: registry,
		opts:     opts.normalize(),
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// WaitForTerminal polls the engine until the run reaches a terminal state.
// The wait is bounded by MaxRunWait. Transient status failures are tolerated
// up to a fixed number in a row.
func (o *Observer) WaitForTerminal(ctx context.Context, run *WorkflowRun) (*RunStatus, error) {
	deadline := time.NewTimer(o.opts.MaxRunWait)
	defer deadline.Stop()

	ticker := time.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		status, err := o.engine.Status(ctx, run.WorkflowID, run.RunID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			failures++
			o.logger.Warn().Err(err).Str("run_id", run.RunID).Int("failures", failures).
				Msg("Failed to poll run status")
			if failures >= maxStatusPollFailures {
				return nil, NewInfrastructureError("workflow engine", err).
					WithOperation("observe").
					WithDetail("run_id", run.RunID)
			}
		case status.State.IsTerminal():
			return status, nil
		default:
			failures = 0
			run.State = status.State
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, NewTransientError(
				fmt.Sprintf("run did not finish within %s", o.opts.MaxRunWait), nil).
				WithCode(ErrCodeTimeout).
				WithResource(run.RunID).
				WithOperation("observe")
		case <-ticker.C:
		}
	}
}

// Observe runs every outcome check of plan concurrently, each under its own
// timeout, and returns the outcomes in registry order. attempt is recorded on
// the evidence.
func (o *Observer) Observe(ctx context.Context, plan *ExecutionPlan, attempt int) []CheckOutcome {
	if o.registry == nil {
		return nil
	}
	checks := o.registry.OutcomeChecks(plan)
	if len(checks) == 0 {
		return nil
	}

	workerCount := o.opts.MaxParallelChecks
	if len(checks) < workerCount {
		workerCount = len(checks)
	}

	workQueue := make(chan int, len(checks))
	for i := range checks {
		workQueue <- i
	}
	close(workQueue)

	outcomes := make([]CheckOutcome, len(checks))

	var wg sync.WaitGroup
	for w := 0; w < workerCount; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range workQueue {
				outcomes[i] = o.runCheck(ctx, checks[i], attempt)
			}
		}()
	}
	wg.Wait()

	failed := 0
	for _, out := range outcomes {
		o.metrics.RecordOutcomeCheck(out.Check.Kind(), out.Passed)
		if !out.Passed {
			failed++
		}
	}
	o.logger.Info().
		Str("plan_id", plan.ID).
		Int("attempt", attempt).
		Int("checks", len(outcomes)).
		Int("failed", failed).
		Msg("Outcome checks finished")

	return outcomes
}

type gatherResult struct {
	obs *Observation
	err error
}

// runCheck runs one check. A check that ignores its context still times out:
// the gathering goroutine is abandoned and its late result discarded.
func (o *Observer) runCheck(ctx context.Context, check OutcomeCheck, attempt int) CheckOutcome {
	start := o.now()
	cctx, cancel := context.WithTimeout(ctx, o.opts.CheckTimeout)
	defer cancel()

	done := make(chan gatherResult, 1)
	go func() {
		obs, err := check.GatherEvidence(cctx)
		done <- gatherResult{obs: obs, err: err}
	}()

	out := CheckOutcome{Check: check}
	evidence := func(detail string) Evidence {
		return Evidence{Source: check.Name(), Detail: detail, Attempt: attempt, ObservedAt: o.now()}
	}

	select {
	case <-cctx.Done():
		out.TimedOut = true
		out.Evidence = []Evidence{evidence(EvidenceTimedOut)}
	case res := <-done:
		switch {
		case res.err != nil:
			out.Infrastructure = true
			out.Evidence = []Evidence{evidence(infrastructureMarker + res.err.Error())}
		case res.obs == nil:
			out.Infrastructure = true
			out.Evidence = []Evidence{evidence(infrastructureMarker + "check returned no observation")}
		default:
			for _, ev := range res.obs.Evidence {
				ev.Attempt = attempt
				if ev.Source == "" {
					ev.Source = check.Name()
				}
				if ev.ObservedAt.IsZero() {
					ev.ObservedAt = o.now()
				}
				out.Evidence = append(out.Evidence, ev)
			}
			if res.obs.Unreachable {
				out.Infrastructure = true
				out.Evidence = append(out.Evidence, evidence(infrastructureMarker+"resource unreachable"))
			} else {
				out.Passed = check.Passed(res.obs)
			}
		}
	}

	out.Duration = o.now().Sub(start)
	if !out.Passed {
		o.logger.Debug().
			Str("check", check.Name()).
			Bool("timed_out", out.TimedOut).
			Bool("infrastructure", out.Infrastructure).
			Msg("Outcome check failed")
	}
	return out
}
