// Package models defines the workflow domain model shared by the engine,
// storage drivers, and reconciler.
package models

import (
	"time"
)

// WorkflowState is the lifecycle state of a workflow instance.
type WorkflowState string

const (
	WorkflowCreated      WorkflowState = "created"
	WorkflowRunning      WorkflowState = "running"
	WorkflowPaused       WorkflowState = "paused"
	WorkflowApprovalWait WorkflowState = "approval_wait"
	WorkflowCompleted    WorkflowState = "completed"
	WorkflowFailed       WorkflowState = "failed"
	WorkflowCancelled    WorkflowState = "cancelled"
)

// IsTerminal reports whether the state admits no further transitions.
func (s WorkflowState) IsTerminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed || s == WorkflowCancelled
}

// StepStatus is the lifecycle state of one workflow step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Backoff strategies for step retries.
const (
	BackoffExponential = "exponential"
	BackoffLinear      = "linear"
	BackoffConstant    = "constant"
)

// Completion record sources.
const (
	SourceLocal      = "local"
	SourceRemote     = "remote"
	SourceReconciled = "reconciled"
)

// AgentSpec describes an agent capability referenced by a step.
type AgentSpec struct {
	Name                  string `json:"name" yaml:"name"`
	DisplayName           string `json:"display_name,omitempty" yaml:"display_name"`
	DefaultTimeoutSeconds int    `json:"default_timeout_seconds,omitempty" yaml:"default_timeout_seconds"`
	DefaultMaxRetries     int    `json:"default_max_retries,omitempty" yaml:"default_max_retries"`
}

// RouterBranch is one predicate branch of a router step.
type RouterBranch struct {
	Predicate   string `json:"predicate" yaml:"predicate"`
	NextStepNum int    `json:"next_step_num" yaml:"next_step_num"`
}

// RouterSpec selects the next step by evaluating branches in declared order.
// DefaultStepNum is taken when no predicate is satisfied.
type RouterSpec struct {
	Branches       []RouterBranch `json:"branches,omitempty" yaml:"branches"`
	DefaultStepNum int            `json:"default_step_num" yaml:"default_step_num"`
}

// StepDefinition is the immutable template for a step within a
// WorkflowDefinition. Optional integer fields use pointers so that an
// explicit zero can be distinguished from "inherit from agent".
type StepDefinition struct {
	StepNum                int         `json:"step_num" yaml:"step_num"`
	Name                   string      `json:"name" yaml:"name"`
	Agent                  AgentSpec   `json:"agent" yaml:"agent"`
	TimeoutSeconds         *int        `json:"timeout_seconds,omitempty" yaml:"timeout_seconds"`
	MaxRetries             *int        `json:"max_retries,omitempty" yaml:"max_retries"`
	InitialDelaySeconds    int         `json:"initial_delay_seconds,omitempty" yaml:"initial_delay_seconds"`
	BackoffStrategy        string      `json:"backoff_strategy,omitempty" yaml:"backoff_strategy"`
	ApprovalRequired       bool        `json:"approval_required,omitempty" yaml:"approval_required"`
	Approvers              []string    `json:"approvers,omitempty" yaml:"approvers"`
	ApprovalTimeoutSeconds int         `json:"approval_timeout_seconds,omitempty" yaml:"approval_timeout_seconds"`
	Router                 *RouterSpec `json:"router,omitempty" yaml:"router"`
	// NextStepNum is the straight successor; 0 means the next step in
	// declaration order. Ignored when Router is set.
	NextStepNum int `json:"next_step_num,omitempty" yaml:"next_step_num"`
}

// IsRouter reports whether the step routes instead of running an agent.
func (d *StepDefinition) IsRouter() bool {
	return d.Router != nil
}

// EffectiveTimeoutSeconds resolves the step timeout against the agent default.
func (d *StepDefinition) EffectiveTimeoutSeconds() int {
	if d.TimeoutSeconds != nil {
		return *d.TimeoutSeconds
	}
	return d.Agent.DefaultTimeoutSeconds
}

// EffectiveMaxRetries resolves the retry budget against the agent default.
func (d *StepDefinition) EffectiveMaxRetries() int {
	if d.MaxRetries != nil {
		return *d.MaxRetries
	}
	return d.Agent.DefaultMaxRetries
}

// WorkflowDefinition is the immutable template a workflow is instantiated from.
type WorkflowDefinition struct {
	Name         string           `json:"name" yaml:"name"`
	WorkflowType string           `json:"workflow_type" yaml:"workflow_type"`
	Steps        []StepDefinition `json:"steps" yaml:"steps"`
	// TypeAliases maps raw workflow-type labels to canonical types.
	TypeAliases map[string]string `json:"type_aliases,omitempty" yaml:"type_aliases"`
}

// StepByNum returns the step definition with the given number.
func (d *WorkflowDefinition) StepByNum(num int) (*StepDefinition, bool) {
	for i := range d.Steps {
		if d.Steps[i].StepNum == num {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// WorkflowStep is the per-instance snapshot of a step. The agent descriptor
// is copied from the definition at workflow creation so later edits to the
// definition do not retroactively alter running workflows.
type WorkflowStep struct {
	StepNum                int            `json:"step_num"`
	Name                   string         `json:"name"`
	Agent                  AgentSpec      `json:"agent"`
	Status                 StepStatus     `json:"status"`
	StartedAt              *time.Time     `json:"started_at,omitempty"`
	CompletedAt            *time.Time     `json:"completed_at,omitempty"`
	Outputs                map[string]any `json:"outputs,omitempty"`
	Error                  string         `json:"error,omitempty"`
	RetryCount             int            `json:"retry_count"`
	EffectiveMaxRetries    int            `json:"effective_max_retries"`
	TimeoutSeconds         int            `json:"timeout_seconds"`
	BackoffStrategy        string         `json:"backoff_strategy"`
	InitialDelaySeconds    int            `json:"initial_delay_seconds"`
	ApprovalRequired       bool           `json:"approval_required,omitempty"`
	Approvers              []string       `json:"approvers,omitempty"`
	ApprovalTimeoutSeconds int            `json:"approval_timeout_seconds,omitempty"`
	Router                 *RouterSpec    `json:"router,omitempty"`
	// NextStepNum is the declared straight successor; 0 means declaration
	// order decides.
	NextStepNum int `json:"next_step_num,omitempty"`
}

// IsRouter reports whether the step routes instead of running an agent.
func (s *WorkflowStep) IsRouter() bool {
	return s.Router != nil
}

// Workflow is the per-issue workflow instance.
type Workflow struct {
	WorkflowID      string          `json:"workflow_id"`
	IssueNumber     string          `json:"issue_number"`
	ProjectKey      string          `json:"project_key"`
	WorkflowType    string          `json:"workflow_type"`
	State           WorkflowState   `json:"state"`
	CurrentStep     int             `json:"current_step"` // step_num, not index
	Steps           []*WorkflowStep `json:"steps"`
	ActiveAgentType string          `json:"active_agent_type,omitempty"`
	PausedReason    string          `json:"paused_reason,omitempty"`
	FailureReason   string          `json:"failure_reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// IsTerminal reports whether the workflow reached a terminal state.
func (w *Workflow) IsTerminal() bool {
	return w.State.IsTerminal()
}

// StepByNum returns the step with the given step number.
func (w *Workflow) StepByNum(num int) (*WorkflowStep, bool) {
	for _, step := range w.Steps {
		if step.StepNum == num {
			return step, true
		}
	}
	return nil, false
}

// RunningStep returns the step currently marked RUNNING, if any.
func (w *Workflow) RunningStep() (*WorkflowStep, bool) {
	for _, step := range w.Steps {
		if step.Status == StepRunning {
			return step, true
		}
	}
	return nil, false
}

// StepAfter returns the next step in declaration order after the given
// step number, or nil when the step is the last one.
func (w *Workflow) StepAfter(num int) *WorkflowStep {
	for i, step := range w.Steps {
		if step.StepNum == num && i+1 < len(w.Steps) {
			return w.Steps[i+1]
		}
	}
	return nil
}

// MergedOutputs folds the outputs of all completed steps in declaration
// order; later steps win on key collisions.
func (w *Workflow) MergedOutputs() map[string]any {
	merged := make(map[string]any)
	for _, step := range w.Steps {
		for k, v := range step.Outputs {
			merged[k] = v
		}
	}
	return merged
}

// CompletionRecord is an append-only audit row for a structured agent
// completion on an issue. (IssueNumber, CommentID) is unique when CommentID
// is non-empty; it is the at-most-once replay key.
type CompletionRecord struct {
	ID             string         `json:"id"`
	IssueNumber    string         `json:"issue_number"`
	CompletedAgent string         `json:"completed_agent"`
	NextAgent      string         `json:"next_agent,omitempty"`
	Summary        string         `json:"summary,omitempty"`
	KeyFindings    []string       `json:"key_findings,omitempty"`
	CommentID      string         `json:"comment_id,omitempty"`
	Source         string         `json:"source"`
	Outputs        map[string]any `json:"outputs,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// PendingApproval is the persisted record of a workflow suspended at an
// approval gate.
type PendingApproval struct {
	IssueNumber string     `json:"issue_number"`
	WorkflowID  string     `json:"workflow_id"`
	StepNum     int        `json:"step_num"`
	AgentName   string     `json:"agent_name"`
	Approvers   []string   `json:"approvers,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// WorkflowStatus is the read-only projection served to observers.
type WorkflowStatus struct {
	WorkflowID   string        `json:"workflow_id"`
	IssueNumber  string        `json:"issue_number"`
	WorkflowType string        `json:"workflow_type"`
	State        WorkflowState `json:"state"`
	CurrentStep  int           `json:"current_step"`
	TotalSteps   int           `json:"total_steps"`
	CurrentAgent string        `json:"current_agent,omitempty"`
	StepName     string        `json:"step_name,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at"`
}
