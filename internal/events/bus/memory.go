package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nexusflow/nexus/internal/common/logger"
)

// MemoryEventBus implements EventBus with direct in-process fan-out.
// There is no queue: a slow handler delays its own Emit call only.
type MemoryEventBus struct {
	subscriptions map[string]*subscription
	mu            sync.Mutex
	logger        *logger.Logger
	closed        bool
}

// subscription is one registered handler, exact-name or glob.
type subscription struct {
	id      string
	subject string
	pattern *regexp.Regexp // nil for exact-name subscriptions
	handler Handler
}

// NewMemoryEventBus creates a new in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subscriptions: make(map[string]*subscription),
		logger:        log,
	}
}

// Subscribe registers a handler for an exact event type.
func (b *MemoryEventBus) Subscribe(eventType string, handler Handler) string {
	return b.add(&subscription{subject: eventType, handler: handler})
}

// SubscribePattern registers a handler for a glob pattern.
func (b *MemoryEventBus) SubscribePattern(pattern string, handler Handler) string {
	return b.add(&subscription{subject: pattern, pattern: compilePattern(pattern), handler: handler})
}

func (b *MemoryEventBus) add(sub *subscription) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ""
	}
	sub.id = uuid.New().String()
	b.subscriptions[sub.id] = sub

	b.logger.Debug("Subscribed to subject", zap.String("subject", sub.subject))
	return sub.id
}

// Unsubscribe removes the subscription with the given id.
func (b *MemoryEventBus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscriptions[id]; !ok {
		return false
	}
	delete(b.subscriptions, id)
	return true
}

// Emit delivers the event to all matching handlers concurrently and waits
// for every handler to terminate. Handler errors and panics are logged with
// event context and do not affect other handlers.
func (b *MemoryEventBus) Emit(ctx context.Context, event *Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	matched := make([]*subscription, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		if matches(event.Type, sub) {
			matched = append(matched, sub)
		}
	}
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, sub := range matched {
		wg.Add(1)
		go func(s *subscription) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("Event handler panic",
						zap.String("event_type", event.Type),
						zap.String("event_id", event.ID),
						zap.String("subject", s.subject),
						zap.Any("panic", r))
				}
			}()
			if err := s.handler(ctx, event); err != nil {
				b.logger.Error("Event handler error",
					zap.String("event_type", event.Type),
					zap.String("event_id", event.ID),
					zap.String("subject", s.subject),
					zap.Error(err))
			}
		}(sub)
	}
	wg.Wait()

	b.logger.Debug("Emitted event",
		zap.String("event_type", event.Type),
		zap.String("event_id", event.ID),
		zap.Int("handlers", len(matched)))
}

// SubscriberCount returns the number of subscriptions matching the event type.
func (b *MemoryEventBus) SubscriberCount(eventType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	count := 0
	for _, sub := range b.subscriptions {
		if matches(eventType, sub) {
			count++
		}
	}
	return count
}

// Close deactivates all subscriptions.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.subscriptions = make(map[string]*subscription)
	b.logger.Debug("Memory event bus closed")
}

// matches checks whether an event type matches a subscription.
func matches(eventType string, sub *subscription) bool {
	if sub.pattern != nil {
		return sub.pattern.MatchString(eventType)
	}
	return eventType == sub.subject
}

// compilePattern converts a dotted glob (* single token, > remaining tokens)
// to an anchored regexp. Patterns without wildcards still compile so that
// SubscribePattern("step.started") behaves like an exact subscription.
func compilePattern(pattern string) *regexp.Regexp {
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)
	regex, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		// Fall back to exact match on the literal pattern.
		return regexp.MustCompile("^" + regexp.QuoteMeta(pattern) + "$")
	}
	return regex
}

var _ EventBus = (*MemoryEventBus)(nil)

// String implements fmt.Stringer for debugging.
func (b *MemoryEventBus) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("MemoryEventBus(subscriptions=%d, closed=%v)", len(b.subscriptions), b.closed)
}
