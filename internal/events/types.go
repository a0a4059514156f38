// Package events defines the event types and payloads emitted by the Nexus core.
package events

// Event types for workflows
const (
	WorkflowStarted          = "workflow.started"
	WorkflowCompleted        = "workflow.completed"
	WorkflowFailed           = "workflow.failed"
	WorkflowPaused           = "workflow.paused"
	WorkflowCancelled        = "workflow.cancelled"
	WorkflowApprovalRequired = "workflow.approval_required"
)

// Event types for steps
const (
	StepStarted   = "step.started"
	StepCompleted = "step.completed"
	StepFailed    = "step.failed"
)

// Event types for agents
const (
	AgentLaunched = "agent.launched"
	AgentTimeout  = "agent.timeout"
	AgentRetry    = "agent.retry"
)

// Event types for system-level signals
const (
	SystemAlert = "system.alert"
	AuditLogged = "audit.logged"
)

// Alert severities
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Audit actions recorded via AuditLogged events.
const (
	AuditAgentTimeoutKill = "AGENT_TIMEOUT_KILL"
)

// WorkflowEventData is the payload for workflow lifecycle events. The
// workflow id itself travels on Event.WorkflowID.
type WorkflowEventData struct {
	IssueNumber  string
	IssueTitle   string
	WorkflowType string
	TaskType     string
	State        string
	Reason       string
}

// Map flattens the payload into the Event data map. Optional fields are
// omitted when empty.
func (d WorkflowEventData) Map() map[string]any {
	m := map[string]any{
		"issue_number": d.IssueNumber,
		"state":        d.State,
	}
	putString(m, "issue_title", d.IssueTitle)
	putString(m, "workflow_type", d.WorkflowType)
	putString(m, "task_type", d.TaskType)
	putString(m, "reason", d.Reason)
	return m
}

// StepEventData is the payload for step lifecycle events.
type StepEventData struct {
	IssueNumber string
	StepNum     int
	StepName    string
	AgentType   string
	Outputs     map[string]any
	Error       string
	ApprovedBy  string
}

func (d StepEventData) Map() map[string]any {
	m := map[string]any{
		"issue_number": d.IssueNumber,
		"step_num":     d.StepNum,
		"step_name":    d.StepName,
		"agent_type":   d.AgentType,
	}
	if d.Outputs != nil {
		m["outputs"] = d.Outputs
	}
	putString(m, "error", d.Error)
	putString(m, "approved_by", d.ApprovedBy)
	return m
}

// ApprovalEventData is the payload for workflow.approval_required events.
type ApprovalEventData struct {
	IssueNumber string
	StepNum     int
	AgentType   string
	Approvers   []string
	ExpiresAt   string
}

func (d ApprovalEventData) Map() map[string]any {
	return map[string]any{
		"issue_number": d.IssueNumber,
		"step_num":     d.StepNum,
		"agent_type":   d.AgentType,
		"approvers":    d.Approvers,
		"expires_at":   d.ExpiresAt,
	}
}

// AgentEventData is the payload for agent lifecycle events: launched,
// timeout, and retry.
type AgentEventData struct {
	IssueNumber  string
	AgentType    string
	PID          int
	StepNum      int
	Attempt      int
	MaxRetries   int
	DelaySeconds int
	Trigger      string
	Error        string
}

func (d AgentEventData) Map() map[string]any {
	m := map[string]any{
		"issue_number": d.IssueNumber,
		"agent_type":   d.AgentType,
	}
	putInt(m, "pid", d.PID)
	putInt(m, "step_num", d.StepNum)
	putInt(m, "attempt", d.Attempt)
	putInt(m, "max_retries", d.MaxRetries)
	putInt(m, "delay_seconds", d.DelaySeconds)
	putString(m, "trigger", d.Trigger)
	putString(m, "error", d.Error)
	return m
}

// SystemAlertData is the payload for system.alert events.
type SystemAlertData struct {
	Severity     string
	Message      string
	IssueNumber  string
	DriftFlag    string
	PID          int
	LastActivity string
}

func (d SystemAlertData) Map() map[string]any {
	m := map[string]any{
		"severity": d.Severity,
		"message":  d.Message,
	}
	putString(m, "issue_number", d.IssueNumber)
	putString(m, "drift_flag", d.DriftFlag)
	putInt(m, "pid", d.PID)
	putString(m, "last_activity", d.LastActivity)
	return m
}

// AuditEventData is the payload for audit.logged events.
type AuditEventData struct {
	Action      string
	IssueNumber string
	PID         int
	Forced      bool
}

func (d AuditEventData) Map() map[string]any {
	m := map[string]any{
		"action": d.Action,
		"forced": d.Forced,
	}
	putString(m, "issue_number", d.IssueNumber)
	putInt(m, "pid", d.PID)
	return m
}

func putString(m map[string]any, key, val string) {
	if val != "" {
		m[key] = val
	}
}

func putInt(m map[string]any, key string, val int) {
	if val != 0 {
		m[key] = val
	}
}
