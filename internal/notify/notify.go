// Package notify bridges bus alerts to outbound channels: webhooks and the
// structured log. Delivery failures never propagate back to the emitter.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nexusflow/nexus/internal/common/config"
	"github.com/nexusflow/nexus/internal/common/logger"
	"github.com/nexusflow/nexus/internal/events"
	"github.com/nexusflow/nexus/internal/events/bus"
)

// Message is one rendered notification.
type Message struct {
	Severity    string         `json:"severity"`
	Title       string         `json:"title"`
	Body        string         `json:"body"`
	IssueNumber string         `json:"issue_number,omitempty"`
	WorkflowID  string         `json:"workflow_id,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// Channel delivers one message to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// severityRank orders alert severities for the MinSeverity filter.
var severityRank = map[string]int{
	events.SeverityInfo:     0,
	events.SeverityWarning:  1,
	events.SeverityError:    2,
	events.SeverityCritical: 3,
}

// Watcher subscribes to alert-bearing events and fans them out to the
// configured channels.
type Watcher struct {
	channels []Channel
	cfg      config.NotificationsConfig
	logger   *logger.Logger
	subIDs   []string
	bus      bus.EventBus
}

// NewWatcher builds a watcher over the given channels; Attach wires it to
// a bus.
func NewWatcher(cfg config.NotificationsConfig, log *logger.Logger, channels ...Channel) *Watcher {
	return &Watcher{channels: channels, cfg: cfg, logger: log}
}

// Attach subscribes the watcher to the alert-bearing event types.
func (w *Watcher) Attach(eventBus bus.EventBus) {
	w.bus = eventBus
	w.subIDs = append(w.subIDs,
		eventBus.Subscribe(events.SystemAlert, w.handleAlert),
		eventBus.Subscribe(events.WorkflowFailed, w.handleWorkflowFailed),
		eventBus.Subscribe(events.WorkflowApprovalRequired, w.handleApprovalRequired),
	)
}

// Detach removes the watcher's subscriptions.
func (w *Watcher) Detach() {
	for _, id := range w.subIDs {
		w.bus.Unsubscribe(id)
	}
	w.subIDs = nil
}

func (w *Watcher) minRank() int {
	if rank, ok := severityRank[w.cfg.MinSeverity]; ok {
		return rank
	}
	return severityRank[events.SeverityWarning]
}

func (w *Watcher) handleAlert(ctx context.Context, event *bus.Event) error {
	severity, _ := event.Data["severity"].(string)
	if severity == "" {
		severity = events.SeverityInfo
	}
	if severityRank[severity] < w.minRank() {
		return nil
	}
	message, _ := event.Data["message"].(string)
	issue, _ := event.Data["issue_number"].(string)
	w.deliver(ctx, Message{
		Severity:    severity,
		Title:       fmt.Sprintf("[%s] system alert", severity),
		Body:        message,
		IssueNumber: issue,
		WorkflowID:  event.WorkflowID,
		Data:        event.Data,
	})
	return nil
}

func (w *Watcher) handleWorkflowFailed(ctx context.Context, event *bus.Event) error {
	issue, _ := event.Data["issue_number"].(string)
	reason, _ := event.Data["reason"].(string)
	w.deliver(ctx, Message{
		Severity:    events.SeverityError,
		Title:       fmt.Sprintf("Workflow failed for issue %s", issue),
		Body:        reason,
		IssueNumber: issue,
		WorkflowID:  event.WorkflowID,
		Data:        event.Data,
	})
	return nil
}

func (w *Watcher) handleApprovalRequired(ctx context.Context, event *bus.Event) error {
	if severityRank[events.SeverityInfo] < w.minRank() {
		return nil
	}
	issue, _ := event.Data["issue_number"].(string)
	agent, _ := event.Data["agent_type"].(string)
	w.deliver(ctx, Message{
		Severity:    events.SeverityInfo,
		Title:       fmt.Sprintf("Approval required for issue %s", issue),
		Body:        fmt.Sprintf("step agent %s is waiting for approval", agent),
		IssueNumber: issue,
		WorkflowID:  event.WorkflowID,
		Data:        event.Data,
	})
	return nil
}

func (w *Watcher) deliver(ctx context.Context, msg Message) {
	for _, ch := range w.channels {
		if err := ch.Send(ctx, msg); err != nil {
			w.logger.WithError(err).Warn("Notification delivery failed",
				zap.String("channel", ch.Name()),
				zap.String("title", msg.Title))
		}
	}
}

// LogChannel writes notifications to the structured log. Always configured
// so alerts are never silently dropped.
type LogChannel struct {
	logger *logger.Logger
}

func NewLogChannel(log *logger.Logger) *LogChannel {
	return &LogChannel{logger: log}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Send(_ context.Context, msg Message) error {
	log := c.logger.WithFields(
		zap.String("severity", msg.Severity),
		zap.String("issue_number", msg.IssueNumber),
		zap.String("workflow_id", msg.WorkflowID))
	switch msg.Severity {
	case events.SeverityError, events.SeverityCritical:
		log.Error(msg.Title + ": " + msg.Body)
	case events.SeverityWarning:
		log.Warn(msg.Title + ": " + msg.Body)
	default:
		log.Info(msg.Title + ": " + msg.Body)
	}
	return nil
}

// WebhookChannel POSTs the message as JSON to each configured URL.
type WebhookChannel struct {
	urls   []string
	client *http.Client
}

func NewWebhookChannel(urls []string) *WebhookChannel {
	return &WebhookChannel{
		urls:   urls,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	for _, url := range c.urls {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		_ = resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("webhook %s returned status %d", url, resp.StatusCode)
		}
	}
	return nil
}
