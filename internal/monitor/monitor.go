// Package monitor supervises launched agent processes: stuck-agent
// detection via log mtime, graceful-then-force kill escalation, dead-agent
// detection, and the per-issue retry fuse.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/nexusflow/nexus/internal/common/config"
	apperrors "github.com/nexusflow/nexus/internal/common/errors"
	"github.com/nexusflow/nexus/internal/common/logger"
	"github.com/nexusflow/nexus/internal/events"
	"github.com/nexusflow/nexus/internal/events/bus"
	"github.com/nexusflow/nexus/internal/workflow/models"
)

// killPollInterval is the liveness poll cadence during kill escalation.
const killPollInterval = 250 * time.Millisecond

// WorkflowInspector is the slice of the engine the monitor consumes.
type WorkflowInspector interface {
	LoadWorkflowForIssue(ctx context.Context, issueNumber string) (*models.Workflow, error)
	ExpireDueApprovals(ctx context.Context) []string
}

// Monitor polls the launch registry and acts on stuck or dead agents.
type Monitor struct {
	registry  *Registry
	fuses     *FuseBank
	bus       bus.EventBus
	inspector WorkflowInspector
	cfg       config.MonitorConfig
	logger    *logger.Logger
	clock     func() time.Time

	// Seams for tests.
	alive     func(pid int) bool
	terminate func(pid int) error
	forceKill func(pid int) error
	mtime     func(path string) (time.Time, error)
	sleep     func(ctx context.Context, d time.Duration) error
}

// New wires a Monitor. A nil clock defaults to time.Now.
func New(reg *Registry, fuses *FuseBank, eventBus bus.EventBus, inspector WorkflowInspector, cfg config.MonitorConfig, log *logger.Logger, clock func() time.Time) *Monitor {
	if clock == nil {
		clock = time.Now
	}
	return &Monitor{
		registry:  reg,
		fuses:     fuses,
		bus:       eventBus,
		inspector: inspector,
		cfg:       cfg,
		logger:    log,
		clock:     clock,
		alive:     processAlive,
		terminate: terminateProcess,
		forceKill: forceKillProcess,
		mtime:     fileMtime,
		sleep:     sleepContext,
	}
}

func fileMtime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Registry exposes the launch registry for the host's launcher to track
// agents it starts.
func (m *Monitor) Registry() *Registry { return m.registry }

// Fuses exposes the retry fuse bank (manual resets, dispatch gating).
func (m *Monitor) Fuses() *FuseBank { return m.fuses }

// IsIssueProcessRunning combines the launch registry with a platform
// liveness check.
func (m *Monitor) IsIssueProcessRunning(issueNumber string) bool {
	agent, ok := m.registry.Get(issueNumber)
	if !ok {
		return false
	}
	return m.alive(agent.PID)
}

// CheckTimeouts returns the tracked agents whose log file has been silent
// longer than their effective timeout and whose process is still alive. A
// log that does not exist yet is not a timeout.
func (m *Monitor) CheckTimeouts() []*TrackedAgent {
	now := m.clock()
	var stuck []*TrackedAgent
	for _, agent := range m.registry.List() {
		if agent.TimeoutSeconds <= 0 {
			continue
		}
		mtime, err := m.mtime(agent.LogPath)
		if err != nil {
			continue
		}
		if now.Sub(mtime) <= time.Duration(agent.TimeoutSeconds)*time.Second {
			continue
		}
		if !m.alive(agent.PID) {
			continue
		}
		stuck = append(stuck, agent)
	}
	return stuck
}

// KillAgent terminates a stuck agent: polite signal first, then liveness
// polls through the grace window, then force kill. Emits the audit event
// and a warning alert; kill failures are absorbed, never propagated into
// workflow state.
func (m *Monitor) KillAgent(ctx context.Context, pid int, issueNumber string) {
	log := m.logger.WithIssue(issueNumber).WithFields(zap.Int("pid", pid))

	if err := m.terminate(pid); err != nil {
		log.WithError(err).Warn("Failed to send termination signal")
	}

	deadline := m.clock().Add(m.cfg.KillGrace())
	for m.alive(pid) && m.clock().Before(deadline) {
		if err := m.sleep(ctx, killPollInterval); err != nil {
			return
		}
	}

	forced := false
	if m.alive(pid) {
		forced = true
		if err := m.forceKill(pid); err != nil {
			log.WithError(err).Error("Failed to force kill agent")
		}
	}

	var lastActivity time.Time
	agent, tracked := m.registry.Get(issueNumber)
	if tracked {
		if mtime, err := m.mtime(agent.LogPath); err == nil {
			lastActivity = mtime
		}
		m.registry.Untrack(issueNumber)
	}

	log.Warn("Killed stuck agent", zap.Bool("forced", forced))

	m.bus.Emit(ctx, bus.NewEvent(events.AuditLogged, "", events.AuditEventData{
		Action:      events.AuditAgentTimeoutKill,
		IssueNumber: issueNumber,
		PID:         pid,
		Forced:      forced,
	}.Map()))
	m.bus.Emit(ctx, bus.NewEvent(events.SystemAlert, "", events.SystemAlertData{
		Severity:     events.SeverityWarning,
		Message:      fmt.Sprintf("killed stuck agent pid %d on issue %s", pid, issueNumber),
		IssueNumber:  issueNumber,
		PID:          pid,
		LastActivity: lastActivity.Format(time.RFC3339),
	}.Map()))
}

// handleTimeout kills the stuck agent and schedules a retry subject to the
// fuse.
func (m *Monitor) handleTimeout(ctx context.Context, agent *TrackedAgent) {
	m.bus.Emit(ctx, bus.NewEvent(events.AgentTimeout, "", events.AgentEventData{
		IssueNumber: agent.IssueNumber,
		AgentType:   agent.AgentType,
		PID:         agent.PID,
	}.Map()))
	m.KillAgent(ctx, agent.PID, agent.IssueNumber)
	m.scheduleRetry(ctx, agent.IssueNumber, agent.AgentType, "timeout")
}

// scheduleRetry runs the fuse and either emits agent.retry for the launcher
// or an error-severity alert when the fuse blocks.
func (m *Monitor) scheduleRetry(ctx context.Context, issueNumber, agentType, cause string) {
	if err := m.fuses.Allow(issueNumber, agentType); err != nil {
		if errors.Is(err, apperrors.ErrPolicyBlocked) {
			m.bus.Emit(ctx, bus.NewEvent(events.SystemAlert, "", events.SystemAlertData{
				Severity:    events.SeverityError,
				Message:     err.Error(),
				IssueNumber: issueNumber,
			}.Map()))
		}
		return
	}
	m.bus.Emit(ctx, bus.NewEvent(events.AgentRetry, "", events.AgentEventData{
		IssueNumber: issueNumber,
		AgentType:   agentType,
		Trigger:     cause,
	}.Map()))
}

// HandleDeadAgents detects agents whose process died while the workflow
// still shows their step RUNNING. Terminal workflows are cleaned up
// silently; a matching running step schedules a retry subject to the fuse;
// anything else is drift left for the reconciler.
func (m *Monitor) HandleDeadAgents(ctx context.Context) {
	for _, agent := range m.registry.List() {
		if m.alive(agent.PID) {
			continue
		}
		log := m.logger.WithIssue(agent.IssueNumber).WithAgent(agent.AgentType)

		w, err := m.inspector.LoadWorkflowForIssue(ctx, agent.IssueNumber)
		if err != nil || w == nil {
			m.registry.Untrack(agent.IssueNumber)
			continue
		}
		if w.IsTerminal() {
			m.registry.Untrack(agent.IssueNumber)
			continue
		}

		running, ok := w.RunningStep()
		if ok && running.Agent.Name == agent.AgentType {
			log.Warn("Agent process died mid-step, scheduling retry",
				zap.Int("pid", agent.PID),
				zap.Int("step_num", running.StepNum))
			m.registry.Untrack(agent.IssueNumber)
			m.scheduleRetry(ctx, agent.IssueNumber, agent.AgentType, "dead_agent")
			continue
		}

		log.Warn("Agent process died but workflow moved on; leaving to reconciler",
			zap.Int("pid", agent.PID))
		m.registry.Untrack(agent.IssueNumber)
	}
}

// Sweep runs one monitor pass: stuck-agent kills, dead-agent retries, and
// approval expiry.
func (m *Monitor) Sweep(ctx context.Context) {
	for _, agent := range m.CheckTimeouts() {
		m.handleTimeout(ctx, agent)
	}
	m.HandleDeadAgents(ctx)
	if expired := m.inspector.ExpireDueApprovals(ctx); len(expired) > 0 {
		m.logger.Info("Expired pending approvals", zap.Strings("issues", expired))
	}
}

// Run polls until the context is cancelled. In-flight kill escalations
// drain; no new sweep starts after cancellation.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PollInterval())
	defer ticker.Stop()

	m.logger.Info("Agent monitor started",
		zap.Duration("poll_interval", m.cfg.PollInterval()),
		zap.Duration("kill_grace", m.cfg.KillGrace()))

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Agent monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}
