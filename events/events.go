package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// AllEvents subscribes a handler to every event type.
const AllEvents = "*"

// DefaultBufferSize is the queue length used unless WithBufferSize says otherwise.
const DefaultBufferSize = 1000

var (
	// ErrBusClosed indicates the event bus has been stopped.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrQueueFull indicates the event was dropped because the queue is full.
	ErrQueueFull = errors.New("event queue is full")
	// ErrNoHandler indicates no handlers are registered for the event type.
	ErrNoHandler = errors.New("no handlers registered for event type")
)

// Event represents an execution lifecycle event.
type Event struct {
	Type         string                 // e.g., "node_finished", "execution_finished"
	ExecutionID  uint64                 // Workflow execution ID, zero for definition events
	DefinitionID uint64                 // Workflow definition ID
	NodeID       string                 // Block ID for node events
	Timestamp    int64                  // Unix millis
	Data         map[string]interface{} // Additional event data
}

// EventHandler defines the interface for handling events.
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// EventHandlerFunc is a function adapter for EventHandler.
type EventHandlerFunc func(ctx context.Context, event Event) error

// Handle implements the EventHandler interface.
func (f EventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// EventBus delivers published events to subscribers on a single dispatch
// goroutine, so every handler sees events in publish order.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler

	closeMu sync.RWMutex
	closed  bool
	queue   chan Event
	wg      sync.WaitGroup

	logger *slog.Logger
}

// EventBusOption defines functional options for configuring EventBus.
type EventBusOption func(*EventBus)

// WithBufferSize sets how many events may wait for dispatch before Publish drops them.
func WithBufferSize(size int) EventBusOption {
	return func(eb *EventBus) {
		if size > 0 {
			eb.queue = make(chan Event, size)
		}
	}
}

// WithLogger sets the logger handler failures are reported to.
func WithLogger(logger *slog.Logger) EventBusOption {
	return func(eb *EventBus) {
		if logger != nil {
			eb.logger = logger
		}
	}
}

// NewEventBus creates an EventBus and starts its dispatcher.
func NewEventBus(options ...EventBusOption) *EventBus {
	eb := &EventBus{
		handlers: make(map[string][]EventHandler),
		queue:    make(chan Event, DefaultBufferSize),
		logger:   slog.Default(),
	}
	for _, option := range options {
		option(eb)
	}

	eb.wg.Add(1)
	go eb.dispatch()
	return eb
}

// Subscribe registers handler for eventType, or for every type with AllEvents.
func (eb *EventBus) Subscribe(eventType string, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
}

// SubscribeFunc subscribes a function as a handler to an event type.
func (eb *EventBus) SubscribeFunc(eventType string, handlerFunc func(ctx context.Context, event Event) error) {
	eb.Subscribe(eventType, EventHandlerFunc(handlerFunc))
}

// HasSubscribers reports whether an event of eventType would reach any handler.
func (eb *EventBus) HasSubscribers(eventType string) bool {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType]) > 0 || len(eb.handlers[AllEvents]) > 0
}

// handlersFor returns the handlers of eventType followed by the catch-all ones.
func (eb *EventBus) handlersFor(eventType string) []EventHandler {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	out := make([]EventHandler, 0, len(eb.handlers[eventType])+len(eb.handlers[AllEvents]))
	out = append(out, eb.handlers[eventType]...)
	if eventType != AllEvents {
		out = append(out, eb.handlers[AllEvents]...)
	}
	return out
}

// Publish queues event for dispatch without waiting for handlers.
// A full queue drops the event and returns ErrQueueFull.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	// hold the read lock through the send so Stop cannot close the queue under us
	eb.closeMu.RLock()
	defer eb.closeMu.RUnlock()
	if eb.closed {
		return ErrBusClosed
	}
	if !eb.HasSubscribers(event.Type) {
		return ErrNoHandler
	}

	select {
	case eb.queue <- event:
		return nil
	default:
		eventsDropped.WithLabelValues(event.Type).Inc()
		return ErrQueueFull
	}
}

// Stop rejects further events, delivers the ones already queued and waits for
// the dispatcher to exit. It is safe to call more than once.
func (eb *EventBus) Stop() {
	eb.closeMu.Lock()
	if !eb.closed {
		eb.closed = true
		close(eb.queue)
	}
	eb.closeMu.Unlock()

	eb.wg.Wait()
}

func (eb *EventBus) dispatch() {
	defer eb.wg.Done()

	for event := range eb.queue {
		for _, h := range eb.handlersFor(event.Type) {
			if err := h.Handle(context.Background(), event); err != nil {
				handlerErrors.WithLabelValues(event.Type).Inc()
				eb.logger.Error("event handler failed",
					slog.String("event", event.Type),
					slog.Uint64("execution_id", event.ExecutionID),
					slog.String("node_id", event.NodeID),
					slog.String("error", err.Error()))
			}
		}
	}
}
