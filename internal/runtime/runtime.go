// Package runtime defines the agent launcher contract consumed by the
// workflow kernel. The kernel never spawns processes itself; the host wires
// an implementation (see execrt for the local subprocess runtime).
package runtime

import "context"

// Trigger source prefixes recorded with each launch.
const (
	TriggerStart     = "workflow_start"
	TriggerRetry     = "retry"
	TriggerApproval  = "approval"
	TriggerReconcile = "reconcile"
	// TriggerHandoffPrefix is followed by the handoff id.
	TriggerHandoffPrefix = "handoff:"
)

// Launch describes a successfully started agent process.
type Launch struct {
	PID     int
	Tool    string
	LogPath string
}

// AgentRuntime launches agent processes for workflow steps.
//
// A (nil, nil) return means the host declined or failed to launch; callers
// treat that as a transient dispatch failure subject to their retry policy.
type AgentRuntime interface {
	LaunchAgent(ctx context.Context, issueNumber, agentType, trigger string) (*Launch, error)
}

// Func adapts a function to the AgentRuntime interface.
type Func func(ctx context.Context, issueNumber, agentType, trigger string) (*Launch, error)

// LaunchAgent implements AgentRuntime.
func (f Func) LaunchAgent(ctx context.Context, issueNumber, agentType, trigger string) (*Launch, error) {
	return f(ctx, issueNumber, agentType, trigger)
}
