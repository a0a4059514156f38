package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	apperrors "github.com/nexusflow/nexus/internal/common/errors"
	"github.com/nexusflow/nexus/internal/events"
	"github.com/nexusflow/nexus/internal/events/bus"
	"github.com/nexusflow/nexus/internal/workflow/models"
)

// ApproveStep releases an approval gate: the gated step starts running.
// Valid only in approval_wait.
func (e *Engine) ApproveStep(ctx context.Context, issueNumber, approver string) error {
	workflowID, err := e.activeWorkflowID(ctx, issueNumber)
	if err != nil {
		return err
	}
	if workflowID == "" {
		return apperrors.NotFound("workflow for issue", issueNumber)
	}

	lock := e.lockFor(workflowID)
	lock.Lock()

	w, err := e.store.LoadWorkflow(ctx, workflowID)
	if err != nil {
		lock.Unlock()
		return err
	}
	if w.State != models.WorkflowApprovalWait {
		lock.Unlock()
		return apperrors.Conflict(fmt.Sprintf("workflow %s is %s, not awaiting approval", workflowID, w.State))
	}

	step, ok := w.StepByNum(w.CurrentStep)
	if !ok {
		lock.Unlock()
		return apperrors.Internal(fmt.Sprintf("workflow %s current step %d missing", workflowID, w.CurrentStep), nil)
	}
	if len(step.Approvers) > 0 && !contains(step.Approvers, approver) {
		lock.Unlock()
		return apperrors.Wrap(apperrors.ErrPolicyBlocked,
			fmt.Errorf("%s is not an authorized approver for step %d", approver, step.StepNum))
	}

	now := e.now()
	w.State = models.WorkflowRunning
	step.Status = models.StepRunning
	step.StartedAt = &now
	w.ActiveAgentType = step.Agent.Name

	if err := e.store.ClearPendingApproval(ctx, issueNumber); err != nil {
		lock.Unlock()
		return err
	}
	if err := e.store.SaveWorkflow(ctx, w); err != nil {
		lock.Unlock()
		return err
	}
	lock.Unlock()

	e.logger.WithIssue(issueNumber).WithWorkflowID(workflowID).Info("Approval granted",
		zap.String("approver", approver),
		zap.Int("step_num", step.StepNum))

	e.bus.Emit(ctx, bus.NewEvent(events.StepStarted, workflowID, events.StepEventData{
		IssueNumber: issueNumber,
		StepNum:     step.StepNum,
		StepName:    step.Name,
		AgentType:   step.Agent.Name,
		ApprovedBy:  approver,
	}.Map()))
	return nil
}

// DenyStep refuses an approval gate and fails the workflow.
func (e *Engine) DenyStep(ctx context.Context, issueNumber, approver string) error {
	return e.failFromApprovalWait(ctx, issueNumber,
		fmt.Sprintf("approval denied by %s", approver))
}

// failFromApprovalWait transitions approval_wait -> failed with the reason.
func (e *Engine) failFromApprovalWait(ctx context.Context, issueNumber, reason string) error {
	workflowID, err := e.activeWorkflowID(ctx, issueNumber)
	if err != nil {
		return err
	}
	if workflowID == "" {
		return apperrors.NotFound("workflow for issue", issueNumber)
	}

	lock := e.lockFor(workflowID)
	lock.Lock()

	w, err := e.store.LoadWorkflow(ctx, workflowID)
	if err != nil {
		lock.Unlock()
		return err
	}
	if w.State != models.WorkflowApprovalWait {
		lock.Unlock()
		return apperrors.Conflict(fmt.Sprintf("workflow %s is %s, not awaiting approval", workflowID, w.State))
	}

	if step, ok := w.StepByNum(w.CurrentStep); ok {
		step.Status = models.StepFailed
		step.Error = reason
	}
	w.State = models.WorkflowFailed
	w.FailureReason = reason
	w.ActiveAgentType = ""

	if err := e.store.ClearPendingApproval(ctx, issueNumber); err != nil {
		lock.Unlock()
		return err
	}
	if err := e.store.SaveWorkflow(ctx, w); err != nil {
		lock.Unlock()
		return err
	}
	lock.Unlock()

	e.logger.WithIssue(issueNumber).WithWorkflowID(workflowID).Warn("Workflow failed at approval gate",
		zap.String("reason", reason))

	e.bus.Emit(ctx, bus.NewEvent(events.WorkflowFailed, workflowID, events.WorkflowEventData{
		IssueNumber: issueNumber,
		State:       string(models.WorkflowFailed),
		Reason:      reason,
	}.Map()))
	return nil
}

// ExpireApprovals fails every workflow whose pending approval is past its
// deadline. Called periodically by the monitor loop. Returns the issues it
// expired.
func (e *Engine) ExpireApprovals(ctx context.Context, issueNumbers []string) []string {
	var expired []string
	now := e.now()
	for _, issue := range issueNumbers {
		pa, err := e.store.GetPendingApproval(ctx, issue)
		if err != nil || pa.ExpiresAt == nil || now.Before(*pa.ExpiresAt) {
			continue
		}
		if err := e.failFromApprovalWait(ctx, issue, "approval_timeout"); err != nil {
			e.logger.WithIssue(issue).WithError(err).Warn("Failed to expire pending approval")
			continue
		}
		expired = append(expired, issue)
	}
	return expired
}

// ExpireDueApprovals sweeps every pending approval and fails the workflows
// whose deadline passed.
func (e *Engine) ExpireDueApprovals(ctx context.Context) []string {
	approvals, err := e.store.ListPendingApprovals(ctx)
	if err != nil {
		e.logger.WithError(err).Warn("Failed to list pending approvals")
		return nil
	}
	issues := make([]string, 0, len(approvals))
	for _, pa := range approvals {
		issues = append(issues, pa.IssueNumber)
	}
	return e.ExpireApprovals(ctx, issues)
}

// PauseWorkflow transitions running -> paused. CompleteStepForIssue is
// rejected while paused.
func (e *Engine) PauseWorkflow(ctx context.Context, issueNumber, reason string) error {
	workflowID, err := e.activeWorkflowID(ctx, issueNumber)
	if err != nil {
		return err
	}
	if workflowID == "" {
		return apperrors.NotFound("workflow for issue", issueNumber)
	}

	lock := e.lockFor(workflowID)
	lock.Lock()

	w, err := e.store.LoadWorkflow(ctx, workflowID)
	if err != nil {
		lock.Unlock()
		return err
	}
	if w.State != models.WorkflowRunning {
		lock.Unlock()
		return apperrors.Conflict(fmt.Sprintf("workflow %s is %s, cannot pause", workflowID, w.State))
	}
	w.State = models.WorkflowPaused
	w.PausedReason = reason
	if err := e.store.SaveWorkflow(ctx, w); err != nil {
		lock.Unlock()
		return err
	}
	lock.Unlock()

	e.bus.Emit(ctx, bus.NewEvent(events.WorkflowPaused, workflowID, events.WorkflowEventData{
		IssueNumber: issueNumber,
		State:       string(models.WorkflowPaused),
		Reason:      reason,
	}.Map()))
	return nil
}

// ResumeWorkflow transitions paused -> running.
func (e *Engine) ResumeWorkflow(ctx context.Context, issueNumber string) error {
	workflowID, err := e.activeWorkflowID(ctx, issueNumber)
	if err != nil {
		return err
	}
	if workflowID == "" {
		return apperrors.NotFound("workflow for issue", issueNumber)
	}

	lock := e.lockFor(workflowID)
	lock.Lock()

	w, err := e.store.LoadWorkflow(ctx, workflowID)
	if err != nil {
		lock.Unlock()
		return err
	}
	if w.State != models.WorkflowPaused {
		lock.Unlock()
		return apperrors.Conflict(fmt.Sprintf("workflow %s is %s, cannot resume", workflowID, w.State))
	}
	w.State = models.WorkflowRunning
	w.PausedReason = ""
	if err := e.store.SaveWorkflow(ctx, w); err != nil {
		lock.Unlock()
		return err
	}
	lock.Unlock()

	e.logger.WithIssue(issueNumber).WithWorkflowID(workflowID).Info("Workflow resumed")
	return nil
}

// CancelWorkflow transitions a non-terminal workflow to cancelled.
func (e *Engine) CancelWorkflow(ctx context.Context, issueNumber, reason string) error {
	workflowID, err := e.activeWorkflowID(ctx, issueNumber)
	if err != nil {
		return err
	}
	if workflowID == "" {
		return apperrors.NotFound("workflow for issue", issueNumber)
	}

	lock := e.lockFor(workflowID)
	lock.Lock()

	w, err := e.store.LoadWorkflow(ctx, workflowID)
	if err != nil {
		lock.Unlock()
		return err
	}
	if w.IsTerminal() {
		lock.Unlock()
		return apperrors.Conflict(fmt.Sprintf("workflow %s is already %s", workflowID, w.State))
	}

	now := e.now()
	if running, ok := w.RunningStep(); ok {
		running.Status = models.StepSkipped
		running.CompletedAt = &now
	}
	w.State = models.WorkflowCancelled
	w.ActiveAgentType = ""
	w.FailureReason = reason

	if err := e.store.ClearPendingApproval(ctx, issueNumber); err != nil {
		lock.Unlock()
		return err
	}
	if err := e.store.SaveWorkflow(ctx, w); err != nil {
		lock.Unlock()
		return err
	}
	lock.Unlock()

	e.bus.Emit(ctx, bus.NewEvent(events.WorkflowCancelled, workflowID, events.WorkflowEventData{
		IssueNumber: issueNumber,
		State:       string(models.WorkflowCancelled),
		Reason:      reason,
	}.Map()))
	return nil
}

// ResetToAgentForIssue rewinds the workflow position to the first step whose
// agent matches agentType, clearing any running step. Used by manual
// recovery; returns false when the issue has no workflow or no step matches.
func (e *Engine) ResetToAgentForIssue(ctx context.Context, issueNumber, agentType string) (bool, error) {
	workflowID, err := e.activeWorkflowID(ctx, issueNumber)
	if err != nil {
		return false, err
	}
	if workflowID == "" {
		return false, nil
	}

	lock := e.lockFor(workflowID)
	lock.Lock()

	w, err := e.store.LoadWorkflow(ctx, workflowID)
	if err != nil {
		lock.Unlock()
		return false, err
	}

	var target *models.WorkflowStep
	for _, step := range w.Steps {
		if !step.IsRouter() && step.Agent.Name == agentType {
			target = step
			break
		}
	}
	if target == nil {
		lock.Unlock()
		return false, nil
	}

	for _, step := range w.Steps {
		if step.Status == models.StepRunning {
			step.Status = models.StepPending
			step.StartedAt = nil
		}
	}
	target.Status = models.StepPending
	target.StartedAt = nil
	target.CompletedAt = nil
	target.Error = ""
	w.CurrentStep = target.StepNum
	w.ActiveAgentType = ""
	// Manual recovery revives even terminal workflows.
	w.State = models.WorkflowRunning
	w.FailureReason = ""
	w.PausedReason = ""

	if err := e.store.ClearPendingApproval(ctx, issueNumber); err != nil {
		lock.Unlock()
		return false, err
	}
	if err := e.store.SaveWorkflow(ctx, w); err != nil {
		lock.Unlock()
		return false, err
	}
	lock.Unlock()

	e.logger.WithIssue(issueNumber).WithWorkflowID(workflowID).Info("Workflow reset to agent",
		zap.String("agent_type", agentType),
		zap.Int("step_num", target.StepNum))
	return true, nil
}

// GetWorkflowStatus returns the read-only projection for an issue, or
// ErrNotFound when no workflow is mapped.
func (e *Engine) GetWorkflowStatus(ctx context.Context, issueNumber string) (*models.WorkflowStatus, error) {
	workflowID, err := e.activeWorkflowID(ctx, issueNumber)
	if err != nil {
		return nil, err
	}
	if workflowID == "" {
		return nil, apperrors.NotFound("workflow for issue", issueNumber)
	}

	lock := e.lockFor(workflowID)
	lock.Lock()
	w, err := e.store.LoadWorkflow(ctx, workflowID)
	lock.Unlock()
	if err != nil {
		return nil, err
	}

	status := &models.WorkflowStatus{
		WorkflowID:   w.WorkflowID,
		IssueNumber:  w.IssueNumber,
		WorkflowType: w.WorkflowType,
		State:        w.State,
		CurrentStep:  w.CurrentStep,
		TotalSteps:   len(w.Steps),
		CurrentAgent: w.ActiveAgentType,
		UpdatedAt:    w.UpdatedAt,
	}
	if step, ok := w.StepByNum(w.CurrentStep); ok {
		status.StepName = step.Name
		if status.CurrentAgent == "" && w.State == models.WorkflowApprovalWait {
			status.CurrentAgent = step.Agent.Name
		}
	}
	return status, nil
}

// LoadWorkflowForIssue returns the full aggregate mapped to an issue, or
// (nil, nil) when none.
func (e *Engine) LoadWorkflowForIssue(ctx context.Context, issueNumber string) (*models.Workflow, error) {
	workflowID, err := e.activeWorkflowID(ctx, issueNumber)
	if err != nil {
		return nil, err
	}
	if workflowID == "" {
		return nil, nil
	}
	lock := e.lockFor(workflowID)
	lock.Lock()
	defer lock.Unlock()
	return e.store.LoadWorkflow(ctx, workflowID)
}

func contains(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}
