package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrBusClosed   = errors.New("event bus is closed")
	ErrChannelFull = errors.New("event queue is full")
	ErrNoHandler   = errors.New("no subscribers for event kind")
)

// Notification kinds emitted by the engine and scheduler.
const (
	WorkflowStarted   = "workflow_started"
	StepAssigned      = "step_assigned"
	StepCompleted     = "step_completed"
	WorkflowCompleted = "workflow_completed"
	WorkflowCancelled = "workflow_cancelled"
	StepTimeout       = "step_timeout"
	StepEscalated     = "step_escalated"
	Reassigned        = "reassigned"
	Transitioned      = "transitioned"

	// AnyEvent subscribes to every kind.
	AnyEvent = "*"
)

const (
	DefaultSyncTimeout = 5 * time.Second
	DefaultQueueSize   = 100
)

// Event is a notification as seen by bus subscribers.
type Event struct {
	ID         string
	Type       string
	InstanceID uint64
	DocumentID string
	StepOrder  int
	Recipients []string
	Data       map[string]interface{}
	Timestamp  int64
}

// EventHandler receives events of the kinds it subscribed to.
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, event Event) error

// Handle implements EventHandler.
func (f EventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

type subscriber struct {
	id      uint64
	kind    string
	handler EventHandler
}

// Subscription is returned by Subscribe and detaches the handler on Cancel.
type Subscription struct {
	bus  *EventBus
	id   uint64
	kind string
	once sync.Once
}

// Cancel removes the subscription. It is safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() { s.bus.remove(s.kind, s.id) })
}

// EventBus fans notifications out to subscribers, either synchronously with
// PublishSync or through a bounded queue drained by one worker with Publish.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[string][]subscriber
	nextID uint64

	queue       chan Event
	onError     func(Event, error)
	logger      *zap.Logger
	syncTimeout time.Duration

	closeMu sync.RWMutex
	closed  bool
	done    chan struct{}
}

// EventBusOption configures an EventBus.
type EventBusOption func(*EventBus)

// WithBufferSize sets the capacity of the async queue.
func WithBufferSize(size int) EventBusOption {
	return func(eb *EventBus) {
		if size > 0 {
			eb.queue = make(chan Event, size)
		}
	}
}

// WithErrorHandler replaces the handler for errors raised during async delivery.
func WithErrorHandler(fn func(event Event, err error)) EventBusOption {
	return func(eb *EventBus) {
		if fn != nil {
			eb.onError = fn
		}
	}
}

// WithLogger sets the logger of the default error handler.
func WithLogger(logger *zap.Logger) EventBusOption {
	return func(eb *EventBus) {
		if logger != nil {
			eb.logger = logger
		}
	}
}

// WithSyncTimeout bounds each delivery round.
func WithSyncTimeout(d time.Duration) EventBusOption {
	return func(eb *EventBus) {
		if d > 0 {
			eb.syncTimeout = d
		}
	}
}

// NewEventBus starts a bus and its delivery worker. Stop releases the worker.
func NewEventBus(options ...EventBusOption) *EventBus {
	eb := &EventBus{
		subs:        make(map[string][]subscriber),
		queue:       make(chan Event, DefaultQueueSize),
		logger:      zap.NewNop(),
		syncTimeout: DefaultSyncTimeout,
		done:        make(chan struct{}),
	}
	for _, option := range options {
		option(eb)
	}
	if eb.onError == nil {
		eb.onError = eb.logError
	}
	go eb.drain()
	return eb
}

// Subscribe attaches handler to kind, or to every kind with AnyEvent.
func (eb *EventBus) Subscribe(kind string, handler EventHandler) *Subscription {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	eb.subs[kind] = append(eb.subs[kind], subscriber{id: eb.nextID, kind: kind, handler: handler})
	return &Subscription{bus: eb, id: eb.nextID, kind: kind}
}

// SubscribeFunc is Subscribe for a plain function.
func (eb *EventBus) SubscribeFunc(kind string, fn func(ctx context.Context, event Event) error) *Subscription {
	return eb.Subscribe(kind, EventHandlerFunc(fn))
}

func (eb *EventBus) remove(kind string, id uint64) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	list := eb.subs[kind]
	for i, s := range list {
		if s.id != id {
			continue
		}
		list = append(list[:i:i], list[i+1:]...)
		if len(list) == 0 {
			delete(eb.subs, kind)
		} else {
			eb.subs[kind] = list
		}
		return
	}
}

// HasSubscribers reports whether an event of kind would reach anyone.
func (eb *EventBus) HasSubscribers(kind string) bool {
	return len(eb.handlersFor(kind)) > 0
}

// handlersFor returns the kind's own subscribers followed by wildcard ones.
func (eb *EventBus) handlersFor(kind string) []EventHandler {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	var out []EventHandler
	for _, s := range eb.subs[kind] {
		out = append(out, s.handler)
	}
	if kind != AnyEvent {
		for _, s := range eb.subs[AnyEvent] {
			out = append(out, s.handler)
		}
	}
	return out
}

func (eb *EventBus) isClosed() bool {
	eb.closeMu.RLock()
	defer eb.closeMu.RUnlock()
	return eb.closed
}

// Publish queues event for the delivery worker without waiting for handlers.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
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
		return ErrChannelFull
	}
}

// PublishSync delivers event to every subscriber and returns their errors.
// A round that outlives the sync timeout or ctx reports the context error.
func (eb *EventBus) PublishSync(ctx context.Context, event Event) []error {
	if eb.isClosed() {
		return []error{ErrBusClosed}
	}
	handlers := eb.handlersFor(event.Type)
	if len(handlers) == 0 {
		return []error{ErrNoHandler}
	}
	ctx, cancel := context.WithTimeout(ctx, eb.syncTimeout)
	defer cancel()
	return deliver(ctx, handlers, event)
}

// Stop closes the bus, discards queued events and waits for the worker.
func (eb *EventBus) Stop() {
	eb.closeMu.Lock()
	if !eb.closed {
		eb.closed = true
		close(eb.queue)
	}
	eb.closeMu.Unlock()
	<-eb.done
}

func (eb *EventBus) drain() {
	defer close(eb.done)
	for event := range eb.queue {
		if eb.isClosed() {
			continue
		}
		handlers := eb.handlersFor(event.Type)
		if len(handlers) == 0 {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), eb.syncTimeout)
		for _, err := range deliver(ctx, handlers, event) {
			eb.onError(event, err)
		}
		cancel()
	}
}

// deliver runs handlers concurrently. Errors of handlers that finished are
// always returned; ctx.Err() is added when the round was cut short.
func deliver(ctx context.Context, handlers []EventHandler, event Event) []error {
	results := make(chan error, len(handlers))
	for _, h := range handlers {
		go func(h EventHandler) {
			var err error
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("event handler panicked: %v", p)
				}
				results <- err
			}()
			err = h.Handle(ctx, event)
		}(h)
	}

	var errs []error
	for pending := len(handlers); pending > 0; pending-- {
		select {
		case err := <-results:
			if err != nil {
				errs = append(errs, err)
			}
		case <-ctx.Done():
			return append(errs, ctx.Err())
		}
	}
	return errs
}

func (eb *EventBus) logError(event Event, err error) {
	eb.logger.Error("event handler failed",
		zap.String("kind", event.Type),
		zap.String("event_id", event.ID),
		zap.Uint64("instance_id", event.InstanceID),
		zap.Error(err))
}
