package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkflowEventDataMap(t *testing.T) {
	m := WorkflowEventData{
		IssueNumber: "42",
		State:       "failed",
		Reason:      "step 2 exceeded retries",
	}.Map()

	assert.Equal(t, "42", m["issue_number"])
	assert.Equal(t, "failed", m["state"])
	assert.Equal(t, "step 2 exceeded retries", m["reason"])
	assert.NotContains(t, m, "issue_title")
	assert.NotContains(t, m, "task_type")
}

func TestAgentEventDataMapKeepsIntTypes(t *testing.T) {
	m := AgentEventData{
		IssueNumber:  "42",
		AgentType:    "developer",
		PID:          4242,
		Attempt:      2,
		DelaySeconds: 2,
	}.Map()

	// Handlers read these back as ints, not as decoded JSON numbers.
	assert.Equal(t, 4242, m["pid"])
	assert.Equal(t, 2, m["attempt"])
	assert.Equal(t, 2, m["delay_seconds"])
	assert.NotContains(t, m, "max_retries")
	assert.NotContains(t, m, "trigger")
}

func TestSystemAlertDataMapCarriesPID(t *testing.T) {
	m := SystemAlertData{
		Severity:     SeverityWarning,
		Message:      "killed stuck agent",
		IssueNumber:  "42",
		PID:          100,
		LastActivity: "2026-08-26T12:00:00Z",
	}.Map()

	assert.Equal(t, SeverityWarning, m["severity"])
	assert.Equal(t, 100, m["pid"])
	assert.Equal(t, "2026-08-26T12:00:00Z", m["last_activity"])
}

func TestAuditEventDataMapAlwaysCarriesForced(t *testing.T) {
	m := AuditEventData{Action: AuditAgentTimeoutKill, IssueNumber: "42", PID: 100}.Map()
	assert.Equal(t, false, m["forced"])
	assert.Equal(t, AuditAgentTimeoutKill, m["action"])
}
