package lineage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/smartpipeline/pkg/engine"
)

// Sink delivers events to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, event *RunEvent) error
}

// FailureRecorder counts deliveries that exhausted their attempts.
type FailureRecorder interface {
	RecordLineageFailure(sink string)
}

// Defaults.
const (
	DefaultNamespace = "smartpipe"
	DefaultAttempts  = 3
	DefaultTimeout   = 10 * time.Second
	DefaultBackoff   = 500 * time.Millisecond
)

// Emitter fans events out to sinks in the background. It implements
// engine.LineageEmitter.
type Emitter struct {
	sinks     []Sink
	namespace string
	attempts  int
	timeout   time.Duration
	backoff   time.Duration
	failures  FailureRecorder
	logger    zerolog.Logger
	now       func() time.Time

	wg sync.WaitGroup
}

var _ engine.LineageEmitter = (*Emitter)(nil)

// Option configures an Emitter.
type Option func(*Emitter)

// WithNamespace sets the OpenLineage namespace.
func WithNamespace(ns string) Option {
	return func(e *Emitter) {
		if ns != "" {
			e.namespace = ns
		}
	}
}

// WithAttempts bounds delivery attempts per sink.
func WithAttempts(n int) Option {
	return func(e *Emitter) {
		if n > 0 {
			e.attempts = n
		}
	}
}

// WithTimeout sets the timeout of each attempt.
func WithTimeout(d time.Duration) Option {
	return func(e *Emitter) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithBackoff sets the delay before the second attempt. It doubles for each
// further attempt.
func WithBackoff(d time.Duration) Option {
	return func(e *Emitter) { e.backoff = d }
}

// WithFailureRecorder counts failed deliveries.
func WithFailureRecorder(r FailureRecorder) Option {
	return func(e *Emitter) { e.failures = r }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Emitter) { e.logger = l.With().Str("component", "lineage").Logger() }
}

// NewEmitter creates an Emitter over sinks. With no sinks every call is a
// no-op.
func NewEmitter(sinks []Sink, opts ...Option) *Emitter {
	e := &Emitter{
		sinks:     sinks,
		namespace: DefaultNamespace,
		attempts:  DefaultAttempts,
		timeout:   DefaultTimeout,
		backoff:   DefaultBackoff,
		logger:    zerolog.Nop(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Correlate implements engine.LineageEmitter with a START event.
func (e *Emitter) Correlate(ctx context.Context, runID, planID, workflowID string) {
	e.dispatch(ctx, startEvent(e.namespace, runID, planID, workflowID, e.now()))
}

// Emit implements engine.LineageEmitter. The event is COMPLETE when every
// assertion held and FAIL otherwise.
func (e *Emitter) Emit(ctx context.Context, runID, dataset string, assertions []engine.Assertion) {
	e.dispatch(ctx, assertionEvent(e.namespace, runID, dataset, assertions, e.now()))
}

// Wait blocks until every pending delivery finished.
func (e *Emitter) Wait() {
	e.wg.Wait()
}

// Close waits for pending deliveries and closes sinks that hold connections.
func (e *Emitter) Close() error {
	e.Wait()
	var errs []error
	for _, s := range e.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// dispatch delivers event to every sink from its own goroutine. Delivery
// outlives the caller's context but keeps its values.
func (e *Emitter) dispatch(ctx context.Context, event *RunEvent) {
	if len(e.sinks) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, s := range e.sinks {
		e.wg.Add(1)
		go func(s Sink) {
			defer e.wg.Done()
			e.deliver(ctx, s, event)
		}(s)
	}
}

func (e *Emitter) deliver(ctx context.Context, s Sink, event *RunEvent) {
	delay := e.backoff
	var err error
	for attempt := 1; attempt <= e.attempts; attempt++ {
		if attempt > 1 && delay > 0 {
			time.Sleep(delay)
			delay *= 2
		}

		attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
		err = s.Send(attemptCtx, event)
		cancel()
		if err == nil {
			e.logger.Debug().
				Str("sink", s.Name()).
				Str("run_id", event.Run.RunID).
				Str("event_type", string(event.EventType)).
				Int("attempt", attempt).
				Msg("Lineage event delivered")
			return
		}
		e.logger.Debug().Err(err).Str("sink", s.Name()).Int("attempt", attempt).Msg("Lineage delivery attempt failed")
	}

	e.logger.Warn().
		Err(err).
		Str("sink", s.Name()).
		Str("run_id", event.Run.RunID).
		Str("event_type", string(event.EventType)).
		Int("attempts", e.attempts).
		Msg("Dropping lineage event")
	if e.failures != nil {
		e.failures.RecordLineageFailure(s.Name())
	}
}
