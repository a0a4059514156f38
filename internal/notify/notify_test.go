package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusflow/nexus/internal/common/config"
	"github.com/nexusflow/nexus/internal/common/logger"
	"github.com/nexusflow/nexus/internal/events"
	"github.com/nexusflow/nexus/internal/events/bus"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

type captureChannel struct {
	mu       sync.Mutex
	messages []Message
}

func (c *captureChannel) Name() string { return "capture" }

func (c *captureChannel) Send(_ context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
	return nil
}

func (c *captureChannel) all() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

func TestWatcherFiltersBySeverity(t *testing.T) {
	log := testLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	capture := &captureChannel{}
	w := NewWatcher(config.NotificationsConfig{MinSeverity: "error"}, log, capture)
	w.Attach(eventBus)

	ctx := context.Background()
	eventBus.Emit(ctx, bus.NewEvent(events.SystemAlert, "", map[string]any{
		"severity": events.SeverityWarning, "message": "below threshold",
	}))
	eventBus.Emit(ctx, bus.NewEvent(events.SystemAlert, "", map[string]any{
		"severity": events.SeverityCritical, "message": "above threshold", "issue_number": "42",
	}))

	got := capture.all()
	require.Len(t, got, 1)
	assert.Equal(t, events.SeverityCritical, got[0].Severity)
	assert.Equal(t, "above threshold", got[0].Body)
	assert.Equal(t, "42", got[0].IssueNumber)
}

func TestWatcherNotifiesWorkflowFailures(t *testing.T) {
	log := testLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	capture := &captureChannel{}
	w := NewWatcher(config.NotificationsConfig{MinSeverity: "warning"}, log, capture)
	w.Attach(eventBus)

	eventBus.Emit(context.Background(), bus.NewEvent(events.WorkflowFailed, "proj-42-full", map[string]any{
		"issue_number": "42", "reason": "max retries exceeded",
	}))

	got := capture.all()
	require.Len(t, got, 1)
	assert.Equal(t, events.SeverityError, got[0].Severity)
	assert.Equal(t, "proj-42-full", got[0].WorkflowID)
	assert.Contains(t, got[0].Body, "max retries")
}

func TestWatcherDetachStopsDelivery(t *testing.T) {
	log := testLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	capture := &captureChannel{}
	w := NewWatcher(config.NotificationsConfig{MinSeverity: "info"}, log, capture)
	w.Attach(eventBus)
	w.Detach()

	eventBus.Emit(context.Background(), bus.NewEvent(events.SystemAlert, "", map[string]any{
		"severity": events.SeverityCritical, "message": "dropped",
	}))
	assert.Empty(t, capture.all())
}

func TestWebhookChannelPostsJSON(t *testing.T) {
	var mu sync.Mutex
	var received []Message
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		var msg Message
		require.NoError(t, json.NewDecoder(req.Body).Decode(&msg))
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
		rw.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	ch := NewWebhookChannel([]string{srv.URL})
	err := ch.Send(context.Background(), Message{Severity: "error", Title: "t", Body: "b"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "error", received[0].Severity)
}

func TestWebhookChannelErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	ch := NewWebhookChannel([]string{srv.URL})
	err := ch.Send(context.Background(), Message{Title: "t"})
	require.Error(t, err)
}
