package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// eventNamespace scopes deterministic notification ids.
var eventNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("docflow/events"))

// EventKey identifies one occurrence of kind for a step visit. It is the key
// recorded in the repository's fired set.
func EventKey(instanceID uint64, stepOrder int, enteredAt int64, kind string) string {
	return fmt.Sprintf("%d/%d/%d/%s", instanceID, stepOrder, enteredAt, kind)
}

// EventID derives a stable id for an event key. The same key always yields
// the same id, so receivers can deduplicate redelivered notifications.
func EventID(instanceID uint64, stepOrder int, enteredAt int64, kind string) string {
	key := EventKey(instanceID, stepOrder, enteredAt, kind)
	return uuid.NewSHA1(eventNamespace, []byte(key)).String()
}

// Notification asks the delivery layer to inform recipients about an event.
type Notification struct {
	EventID    string                 `json:"event_id"`
	Kind       string                 `json:"kind"`
	InstanceID uint64                 `json:"instance_id"`
	DocumentID string                 `json:"document_id,omitempty"`
	StepOrder  int                    `json:"step_order,omitempty"`
	Recipients []string               `json:"recipients"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Timestamp  int64                  `json:"timestamp"`
}

// Notifier is the outbound notification collaborator. The engine decides
// that and to whom to notify; implementations decide how.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// BusNotifier publishes notifications synchronously on an EventBus so that a
// failing subscriber surfaces as a Notify error.
type BusNotifier struct {
	bus     *EventBus
	timeout time.Duration
}

// NewBusNotifier creates a notifier publishing on bus. Each call is bounded
// by timeout; zero uses the bus sync timeout.
func NewBusNotifier(bus *EventBus, timeout time.Duration) *BusNotifier {
	return &BusNotifier{bus: bus, timeout: timeout}
}

// Notify implements Notifier. Having no subscribers is not a failure.
func (n *BusNotifier) Notify(ctx context.Context, note Notification) error {
	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}
	errs := n.bus.PublishSync(ctx, Event{
		ID:         note.EventID,
		Type:       note.Kind,
		InstanceID: note.InstanceID,
		DocumentID: note.DocumentID,
		StepOrder:  note.StepOrder,
		Recipients: append([]string(nil), note.Recipients...),
		Data:       note.Data,
		Timestamp:  note.Timestamp,
	})
	var failed []error
	for _, err := range errs {
		if !errors.Is(err, ErrNoHandler) {
			failed = append(failed, err)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return fmt.Errorf("notify %s %s: %w", note.Kind, note.EventID, errors.Join(failed...))
}

// Collector is a Notifier that keeps every notification in memory.
type Collector struct {
	mu    sync.Mutex
	notes []Notification
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Notify implements Notifier.
func (c *Collector) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n.Recipients = append([]string(nil), n.Recipients...)
	c.notes = append(c.notes, n)
	return nil
}

// Notifications returns a snapshot of everything collected so far.
func (c *Collector) Notifications() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Notification(nil), c.notes...)
}

// Kind returns the collected notifications of one kind.
func (c *Collector) Kind(kind string) []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Notification
	for _, n := range c.notes {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}
