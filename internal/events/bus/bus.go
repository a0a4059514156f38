// Package bus provides the in-process event bus for the Nexus core.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event represents a message on the event bus.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	Data       map[string]any `json:"data"`
}

// NewEvent creates a new event with a UUID and current UTC timestamp.
func NewEvent(eventType, workflowID string, data map[string]any) *Event {
	return &Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		WorkflowID: workflowID,
		Data:       data,
	}
}

// Handler is a function that handles an event. Errors are logged with event
// context and never propagate to the emitter or to other handlers.
type Handler func(ctx context.Context, event *Event) error

// EventBus is the core pub/sub contract. Emit blocks until every matching
// handler has terminated; ordering between distinct Emit calls is unspecified.
type EventBus interface {
	// Subscribe registers a handler for an exact event type.
	Subscribe(eventType string, handler Handler) string

	// SubscribePattern registers a handler for a dotted glob pattern
	// (* matches one token, > matches the rest).
	SubscribePattern(pattern string, handler Handler) string

	// Unsubscribe removes a subscription; returns false if the id is unknown.
	Unsubscribe(id string) bool

	// Emit delivers the event to all matching handlers concurrently and
	// waits for them all.
	Emit(ctx context.Context, event *Event)

	// SubscriberCount returns the number of subscriptions that would
	// receive an event of the given type.
	SubscriberCount(eventType string) int

	// Close deactivates all subscriptions.
	Close()
}
