// Package launcher bridges engine events to the agent runtime: every
// step.started and agent.retry event becomes a signed handoff dispatched to
// the runtime, and successful launches are registered with the monitor.
package launcher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nexusflow/nexus/internal/common/config"
	"github.com/nexusflow/nexus/internal/common/logger"
	"github.com/nexusflow/nexus/internal/events"
	"github.com/nexusflow/nexus/internal/events/bus"
	"github.com/nexusflow/nexus/internal/handoff"
	"github.com/nexusflow/nexus/internal/monitor"
	"github.com/nexusflow/nexus/internal/runtime"
	"github.com/nexusflow/nexus/internal/workflow/models"
)

// WorkflowLoader supplies the workflow context a handoff payload carries.
type WorkflowLoader interface {
	LoadWorkflowForIssue(ctx context.Context, issueNumber string) (*models.Workflow, error)
}

// Launcher subscribes to the bus and turns step activations into agent
// launches.
type Launcher struct {
	dispatcher *handoff.Dispatcher
	rt         runtime.AgentRuntime
	registry   *monitor.Registry
	workflows  WorkflowLoader
	bus        bus.EventBus
	cfg        config.HandoffConfig
	logger     *logger.Logger
	subIDs     []string

	// after schedules delayed retries; replaceable in tests.
	after func(d time.Duration, fn func())
}

// New wires a Launcher; call Attach to subscribe it.
func New(dispatcher *handoff.Dispatcher, rt runtime.AgentRuntime, reg *monitor.Registry, workflows WorkflowLoader, cfg config.HandoffConfig, log *logger.Logger) *Launcher {
	return &Launcher{
		dispatcher: dispatcher,
		rt:         rt,
		registry:   reg,
		workflows:  workflows,
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "launcher")),
		after: func(d time.Duration, fn func()) {
			if d <= 0 {
				go fn()
				return
			}
			time.AfterFunc(d, fn)
		},
	}
}

// Attach subscribes the launcher to step.started and agent.retry.
func (l *Launcher) Attach(eventBus bus.EventBus) {
	l.bus = eventBus
	l.subIDs = append(l.subIDs,
		eventBus.Subscribe(events.StepStarted, l.handleStepStarted),
		eventBus.Subscribe(events.AgentRetry, l.handleAgentRetry),
	)
}

// Detach removes the launcher's subscriptions.
func (l *Launcher) Detach() {
	for _, id := range l.subIDs {
		l.bus.Unsubscribe(id)
	}
	l.subIDs = nil
}

func (l *Launcher) handleStepStarted(ctx context.Context, event *bus.Event) error {
	issue, _ := event.Data["issue_number"].(string)
	agent, _ := event.Data["agent_type"].(string)
	if issue == "" || agent == "" {
		return nil
	}
	l.launch(ctx, issue, agent)
	return nil
}

// handleAgentRetry honors the engine's backoff delay when present; monitor
// retries carry no delay and launch immediately.
func (l *Launcher) handleAgentRetry(_ context.Context, event *bus.Event) error {
	issue, _ := event.Data["issue_number"].(string)
	agent, _ := event.Data["agent_type"].(string)
	if issue == "" || agent == "" {
		return nil
	}
	delay := time.Duration(0)
	if secs, ok := event.Data["delay_seconds"].(float64); ok {
		delay = time.Duration(secs) * time.Second
	} else if secs, ok := event.Data["delay_seconds"].(int); ok {
		delay = time.Duration(secs) * time.Second
	}
	l.after(delay, func() {
		// The emitting call has long returned; launch with a fresh context.
		l.launch(context.Background(), issue, agent)
	})
	return nil
}

// launch builds a signed handoff for the target agent and dispatches it,
// tracking the resulting process. Failures are logged; the monitor's retry
// path owns recovery.
func (l *Launcher) launch(ctx context.Context, issueNumber, agentType string) {
	log := l.logger.WithIssue(issueNumber).WithAgent(agentType)

	w, err := l.workflows.LoadWorkflowForIssue(ctx, issueNumber)
	if err != nil || w == nil {
		log.Warn("No workflow for launch request")
		return
	}
	step, ok := w.StepByNum(w.CurrentStep)
	if !ok || step.Agent.Name != agentType {
		log.Warn("Launch request does not match current step, skipping")
		return
	}

	taskContext := map[string]any{
		"workflow_type": w.WorkflowType,
		"step_num":      step.StepNum,
		"step_name":     step.Name,
	}
	for k, v := range w.MergedOutputs() {
		taskContext[k] = v
	}

	p := handoff.NewPayload("engine", agentType, issueNumber, w.WorkflowID, taskContext,
		time.Duration(l.cfg.TTLSeconds)*time.Second)
	p.MaxRetries = l.cfg.MaxRetries
	p.RetryBackoffSeconds = l.cfg.RetryBackoffSeconds

	launch, err := l.dispatcher.Dispatch(ctx, p, l.rt)
	if err != nil {
		log.WithError(err).Error("Agent dispatch failed")
		return
	}

	l.registry.Track(&monitor.TrackedAgent{
		IssueNumber:    issueNumber,
		AgentType:      agentType,
		PID:            launch.PID,
		LogPath:        launch.LogPath,
		LaunchedAt:     time.Now().UTC(),
		TimeoutSeconds: step.TimeoutSeconds,
	})
	l.bus.Emit(ctx, bus.NewEvent(events.AgentLaunched, w.WorkflowID, events.AgentEventData{
		IssueNumber: issueNumber,
		AgentType:   agentType,
		PID:         launch.PID,
		Trigger:     "handoff:" + p.HandoffID,
	}.Map()))
}
