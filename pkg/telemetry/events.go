package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/smartpipeline/pkg/engine"
)

// ErrPublisherStopped is returned by Publish after Shutdown.
var ErrPublisherStopped = errors.New("event publisher stopped")

// EventStore persists pipeline events.
type EventStore interface {
	SaveEvent(ctx context.Context, event *engine.Event) error
}

// EventSubscriber is a function that handles events.
type EventSubscriber func(event engine.Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event engine.Event) bool

// EventPublisher logs, persists and fans out pipeline events. With
// EnableAsync, events are queued and delivered by one background goroutine so
// that the store sees them in publish order.
type EventPublisher struct {
	config      EventsConfig
	store       EventStore
	logger      zerolog.Logger
	buffer      chan engine.Event
	subscribers []subscriberEntry
	mu          sync.RWMutex
	wg          sync.WaitGroup
	stopOnce    sync.Once
	stopped     chan struct{}
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

var _ engine.EventPublisher = (*EventPublisher)(nil)

// NewEventPublisher creates an event publisher. store may be nil.
func NewEventPublisher(cfg EventsConfig, store EventStore, logger zerolog.Logger) *EventPublisher {
	ep := &EventPublisher{
		config:  cfg,
		store:   store,
		logger:  logger.With().Str("component", "events").Logger(),
		stopped: make(chan struct{}),
	}
	if !cfg.Enabled {
		return ep
	}

	if cfg.EnableAsync {
		size := cfg.BufferSize
		if size <= 0 {
			size = 256
		}
		ep.buffer = make(chan engine.Event, size)
		ep.wg.Add(1)
		go ep.processEvents()
	}
	return ep
}

// Publish implements engine.EventPublisher.
func (ep *EventPublisher) Publish(ctx context.Context, event *engine.Event) error {
	if !ep.config.Enabled || event == nil {
		return nil
	}

	e := *event
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	select {
	case <-ep.stopped:
		return ErrPublisherStopped
	default:
	}

	if ep.buffer == nil {
		ep.deliverEvent(ctx, e)
		return nil
	}

	select {
	case ep.buffer <- e:
		return nil
	case <-ep.stopped:
		return ErrPublisherStopped
	default:
		ep.logger.Warn().Str("event_type", string(e.Type)).Str("run_id", e.RunID).Msg("Event buffer full, event dropped")
		return errors.New("event buffer full, event dropped")
	}
}

// Subscribe adds a new event subscriber. filter may be nil.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(context.Background(), event)
		case <-ep.stopped:
			// Drain what was accepted before the stop.
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(context.Background(), event)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliverEvent(ctx context.Context, event engine.Event) {
	var logEvent *zerolog.Event
	switch event.Type.Severity() {
	case "error":
		logEvent = ep.logger.Error()
	case "warning":
		logEvent = ep.logger.Warn()
	default:
		logEvent = ep.logger.Debug()
	}
	logEvent.
		Str("event_type", string(event.Type)).
		Str("run_id", event.RunID).
		Str("plan_id", event.PlanID).
		Msg(event.Message)

	if ep.store != nil {
		if err := ep.store.SaveEvent(ctx, &event); err != nil {
			ep.logger.Warn().Err(err).Str("event_id", event.ID).Msg("Failed to persist event")
		}
	}

	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops accepting events and waits for queued ones to be delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	ep.stopOnce.Do(func() { close(ep.stopped) })

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.New("event publisher shutdown timeout")
	}
}

// FilterByRunID creates a filter that only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event engine.Event) bool {
		return event.RunID == runID
	}
}

// FilterBySeverity creates a filter that only allows events of a severity or
// higher (info < warning < error).
func FilterBySeverity(minSeverity string) EventFilter {
	levels := map[string]int{"info": 0, "warning": 1, "error": 2}
	minLevel := levels[minSeverity]
	return func(event engine.Event) bool {
		return levels[event.Type.Severity()] >= minLevel
	}
}
