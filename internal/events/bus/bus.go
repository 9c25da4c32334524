// Package bus provides event bus abstractions for the scheduler.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lablup/baisched/internal/domain"
)

// Event represents a message on the event bus
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"` // Service that produced the event
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// FromDomainEvent adapts a domain.Event into the bus wire format, flattening
// its typed fields into Data so existing subscribers keyed on map access
// keep working regardless of which domain type publishes.
func FromDomainEvent(e domain.Event) *Event {
	data := map[string]interface{}{
		"session_id": e.SessionID,
		"seq":        e.Seq,
	}
	for k, v := range e.Payload {
		data[k] = v
	}
	return &Event{
		ID:        uuid.New().String(),
		Type:      string(e.Kind),
		Source:    e.Source,
		Timestamp: e.Timestamp,
		Data:      data,
	}
}

// EventHandler is a function that handles an event
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations
type EventBus interface {
	// Publish sends an event to a subject
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe creates a queue subscription for load balancing
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Request sends a request and waits for a response (with timeout)
	Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error)

	// Close closes the connection
	Close()

	// IsConnected returns connection status
	IsConnected() bool
}

