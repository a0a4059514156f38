package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/nexusflow/nexus/internal/common/errors"
	"github.com/nexusflow/nexus/internal/events"
	"github.com/nexusflow/nexus/internal/events/bus"
	"github.com/nexusflow/nexus/internal/workflow/models"
)

// CompleteStepForIssue records a structured agent completion and advances
// the workflow: validation of the completing agent, output recording, router
// evaluation, approval-gate suspension, and terminal transitions. Returns
// (nil, nil) when the issue has no workflow. Idempotent on eventID.
func (e *Engine) CompleteStepForIssue(ctx context.Context, issueNumber, completedAgentType string, outputs map[string]any, eventID string) (*models.Workflow, error) {
	return e.completeStep(ctx, issueNumber, completedAgentType, outputs, eventID, models.SourceLocal)
}

// CompleteStepFromSignal is CompleteStepForIssue with an explicit completion
// source; the reconciler uses it to tag replayed comment signals.
func (e *Engine) CompleteStepFromSignal(ctx context.Context, issueNumber, completedAgentType string, outputs map[string]any, eventID, source string) (*models.Workflow, error) {
	return e.completeStep(ctx, issueNumber, completedAgentType, outputs, eventID, source)
}

func (e *Engine) completeStep(ctx context.Context, issueNumber, completedAgentType string, outputs map[string]any, eventID, source string) (*models.Workflow, error) {
	workflowID, err := e.activeWorkflowID(ctx, issueNumber)
	if err != nil {
		return nil, err
	}
	if workflowID == "" {
		return nil, nil
	}
	log := e.logger.WithIssue(issueNumber).WithWorkflowID(workflowID).WithAgent(completedAgentType)

	lock := e.lockFor(workflowID)
	lock.Lock()

	w, err := e.store.LoadWorkflow(ctx, workflowID)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	if w.State == models.WorkflowPaused {
		lock.Unlock()
		return nil, apperrors.Wrap(apperrors.ErrWorkflowPaused,
			fmt.Errorf("workflow %s is paused", workflowID))
	}

	// Idempotency: a completion already recorded under this comment id is a
	// replay; the workflow is returned unchanged.
	if eventID != "" {
		existing, err := e.store.ListCompletions(ctx, issueNumber)
		if err != nil {
			lock.Unlock()
			return nil, err
		}
		for _, rec := range existing {
			if rec.CommentID == eventID {
				lock.Unlock()
				log.Debug("Duplicate completion event ignored", zap.String("event_id", eventID))
				return w, nil
			}
		}
	}

	if w.IsTerminal() {
		// Record for the audit trail; a terminal workflow no longer moves.
		e.saveCompletion(ctx, w, completedAgentType, outputs, eventID, source)
		lock.Unlock()
		log.Debug("Completion on terminal workflow recorded only",
			zap.String("state", string(w.State)))
		return w, nil
	}

	var queued []*bus.Event
	target, verdict := e.resolveCompletionTarget(w, completedAgentType)
	switch verdict {
	case completionDuplicate:
		e.saveCompletion(ctx, w, completedAgentType, outputs, eventID, source)
		lock.Unlock()
		log.Debug("Completion matches previous step, deduplicated", zap.String("event_id", eventID))
		return w, nil

	case completionMismatch:
		e.saveCompletion(ctx, w, completedAgentType, outputs, eventID, source)
		lock.Unlock()
		log.Warn("Completion from unexpected agent recorded without advancing")
		e.bus.Emit(ctx, bus.NewEvent(events.SystemAlert, workflowID, events.SystemAlertData{
			Severity:    events.SeverityWarning,
			Message:     fmt.Sprintf("agent %s completed on issue %s but is not the running step", completedAgentType, issueNumber),
			IssueNumber: issueNumber,
			DriftFlag:   "completion_mismatch",
		}.Map()))
		return w, nil

	case completionDriftForward:
		log.Warn("Drift recovery: advancing workflow to match completed agent",
			zap.Int("step_num", target.StepNum))
		queued = append(queued, bus.NewEvent(events.SystemAlert, workflowID, events.SystemAlertData{
			Severity:    events.SeverityWarning,
			Message:     fmt.Sprintf("workflow position advanced to step %d to match completion by %s", target.StepNum, completedAgentType),
			IssueNumber: issueNumber,
			DriftFlag:   "position_behind_completion",
		}.Map()))
		if err := e.advanceToStep(ctx, w, target); err != nil {
			lock.Unlock()
			return nil, err
		}
	}

	// Record outputs on the step.
	now := e.now()
	target.Outputs = outputs
	target.CompletedAt = &now
	if target.StartedAt == nil {
		target.StartedAt = &now
	}

	e.saveCompletion(ctx, w, completedAgentType, outputs, eventID, source)

	if status, _ := outputs["status"].(string); status == "failed" {
		retryEvents, err := e.retryStep(ctx, w, target, outputs)
		lock.Unlock()
		if err != nil {
			return nil, err
		}
		e.emitAll(ctx, append(queued, retryEvents...))
		return w, nil
	}

	target.Status = models.StepCompleted
	target.Error = ""
	queued = append(queued, bus.NewEvent(events.StepCompleted, workflowID, events.StepEventData{
		IssueNumber: issueNumber,
		StepNum:     target.StepNum,
		StepName:    target.Name,
		AgentType:   target.Agent.Name,
		Outputs:     outputs,
	}.Map()))

	advanceEvents, err := e.advance(ctx, w, target)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	queued = append(queued, advanceEvents...)

	if err := e.store.SaveWorkflow(ctx, w); err != nil {
		lock.Unlock()
		return nil, err
	}
	lock.Unlock()

	e.emitAll(ctx, queued)
	return w, nil
}

type completionVerdict int

const (
	completionOnRunning completionVerdict = iota
	completionDuplicate
	completionDriftForward
	completionMismatch
)

// resolveCompletionTarget validates the completing agent against the running
// step. Disagreements are classified as a duplicate of the previous step, a
// forward drift (agent matches a later pending step), or a mismatch.
func (e *Engine) resolveCompletionTarget(w *models.Workflow, completedAgentType string) (*models.WorkflowStep, completionVerdict) {
	running, hasRunning := w.RunningStep()
	if hasRunning && running.Agent.Name == completedAgentType {
		return running, completionOnRunning
	}

	// Previous completed step with the same agent means a duplicate signal.
	var lastCompleted *models.WorkflowStep
	for _, step := range w.Steps {
		if step.Status == models.StepCompleted && !step.IsRouter() {
			lastCompleted = step
		}
	}
	if lastCompleted != nil && lastCompleted.Agent.Name == completedAgentType {
		return nil, completionDuplicate
	}

	// A later pending step with the same agent means local state is behind.
	passedCurrent := false
	for _, step := range w.Steps {
		if step.StepNum == w.CurrentStep {
			passedCurrent = true
		}
		if passedCurrent && step.Status == models.StepPending && !step.IsRouter() && step.Agent.Name == completedAgentType {
			return step, completionDriftForward
		}
	}
	return nil, completionMismatch
}

// advanceToStep moves the workflow position forward to target during drift
// recovery. The abandoned running step is marked skipped. Completing a gated
// agent that ran anyway moots the approval gate: the pending approval is
// cleared and approval_wait lifts, keeping the pointed step pending whenever
// the workflow sits in approval_wait.
func (e *Engine) advanceToStep(ctx context.Context, w *models.Workflow, target *models.WorkflowStep) error {
	now := e.now()
	if running, ok := w.RunningStep(); ok {
		running.Status = models.StepSkipped
		running.CompletedAt = &now
	}
	if w.State == models.WorkflowApprovalWait {
		if err := e.store.ClearPendingApproval(ctx, w.IssueNumber); err != nil {
			return err
		}
	}
	target.Status = models.StepRunning
	target.StartedAt = &now
	w.CurrentStep = target.StepNum
	w.ActiveAgentType = target.Agent.Name
	w.State = models.WorkflowRunning
	return nil
}

// advance chooses and activates the successor of the just-completed step.
func (e *Engine) advance(ctx context.Context, w *models.Workflow, completed *models.WorkflowStep) ([]*bus.Event, error) {
	merged := w.MergedOutputs()

	var next *models.WorkflowStep
	if completed.Router != nil {
		next, _ = w.StepByNum(evalRouter(completed.Router, merged))
	} else if completed.NextStepNum != 0 {
		next, _ = w.StepByNum(completed.NextStepNum)
	} else {
		next = w.StepAfter(completed.StepNum)
	}

	// Router-only steps are traversed atomically; they are never RUNNING.
	now := e.now()
	visited := map[int]bool{completed.StepNum: true}
	for next != nil && next.IsRouter() {
		if visited[next.StepNum] {
			next = nil
			break
		}
		visited[next.StepNum] = true
		next.Status = models.StepCompleted
		next.StartedAt = &now
		next.CompletedAt = &now
		next, _ = w.StepByNum(evalRouter(next.Router, merged))
	}

	if next == nil {
		w.State = models.WorkflowCompleted
		w.ActiveAgentType = ""
		return []*bus.Event{bus.NewEvent(events.WorkflowCompleted, w.WorkflowID, events.WorkflowEventData{
			IssueNumber:  w.IssueNumber,
			WorkflowType: w.WorkflowType,
			State:        string(models.WorkflowCompleted),
		}.Map())}, nil
	}

	if next.ApprovalRequired {
		w.State = models.WorkflowApprovalWait
		w.CurrentStep = next.StepNum
		w.ActiveAgentType = ""

		pa := &models.PendingApproval{
			IssueNumber: w.IssueNumber,
			WorkflowID:  w.WorkflowID,
			StepNum:     next.StepNum,
			AgentName:   next.Agent.Name,
			Approvers:   next.Approvers,
			CreatedAt:   now,
		}
		var expiresAt string
		if next.ApprovalTimeoutSeconds > 0 {
			expires := now.Add(time.Duration(next.ApprovalTimeoutSeconds) * time.Second)
			pa.ExpiresAt = &expires
			expiresAt = expires.Format(time.RFC3339)
		}
		if err := e.store.SetPendingApproval(ctx, pa); err != nil {
			return nil, err
		}
		return []*bus.Event{bus.NewEvent(events.WorkflowApprovalRequired, w.WorkflowID, events.ApprovalEventData{
			IssueNumber: w.IssueNumber,
			StepNum:     next.StepNum,
			AgentType:   next.Agent.Name,
			Approvers:   next.Approvers,
			ExpiresAt:   expiresAt,
		}.Map())}, nil
	}

	next.Status = models.StepRunning
	next.StartedAt = &now
	// A loop back-edge re-runs an already-completed step.
	next.CompletedAt = nil
	next.Error = ""
	w.CurrentStep = next.StepNum
	w.ActiveAgentType = next.Agent.Name
	return []*bus.Event{bus.NewEvent(events.StepStarted, w.WorkflowID, events.StepEventData{
		IssueNumber: w.IssueNumber,
		StepNum:     next.StepNum,
		StepName:    next.Name,
		AgentType:   next.Agent.Name,
	}.Map())}, nil
}

// retryStep handles a step that reported failure: either schedule a retry
// with backoff or fail the step and the workflow when the budget is spent.
// Persists the workflow; returns the events to emit after unlock.
func (e *Engine) retryStep(ctx context.Context, w *models.Workflow, step *models.WorkflowStep, outputs map[string]any) ([]*bus.Event, error) {
	errMsg, _ := outputs["error"].(string)
	step.Error = errMsg
	attempt := step.RetryCount + 1

	if attempt > step.EffectiveMaxRetries {
		step.Status = models.StepFailed
		w.State = models.WorkflowFailed
		w.ActiveAgentType = ""
		w.FailureReason = fmt.Sprintf("step %d (%s) exceeded %d retries: %s",
			step.StepNum, step.Name, step.EffectiveMaxRetries, errMsg)
		if err := e.store.SaveWorkflow(ctx, w); err != nil {
			return nil, err
		}
		return []*bus.Event{
			bus.NewEvent(events.StepFailed, w.WorkflowID, events.StepEventData{
				IssueNumber: w.IssueNumber,
				StepNum:     step.StepNum,
				StepName:    step.Name,
				AgentType:   step.Agent.Name,
				Error:       errMsg,
			}.Map()),
			bus.NewEvent(events.WorkflowFailed, w.WorkflowID, events.WorkflowEventData{
				IssueNumber: w.IssueNumber,
				State:       string(models.WorkflowFailed),
				Reason:      w.FailureReason,
			}.Map()),
			bus.NewEvent(events.SystemAlert, w.WorkflowID, events.SystemAlertData{
				Severity:    events.SeverityError,
				Message:     w.FailureReason,
				IssueNumber: w.IssueNumber,
			}.Map()),
		}, nil
	}

	step.RetryCount = attempt
	step.Status = models.StepPending
	step.StartedAt = nil
	step.CompletedAt = nil
	delay := retryDelay(step.BackoffStrategy, step.InitialDelaySeconds, attempt)

	if err := e.store.SaveWorkflow(ctx, w); err != nil {
		return nil, err
	}
	return []*bus.Event{bus.NewEvent(events.AgentRetry, w.WorkflowID, events.AgentEventData{
		IssueNumber:  w.IssueNumber,
		AgentType:    step.Agent.Name,
		StepNum:      step.StepNum,
		Attempt:      attempt,
		MaxRetries:   step.EffectiveMaxRetries,
		DelaySeconds: int(delay / time.Second),
		Error:        errMsg,
	}.Map())}, nil
}

// retryDelay computes the backoff before relaunching a failed step, capped
// at retryDelayCap.
func retryDelay(strategy string, initialDelaySeconds, attempt int) time.Duration {
	if initialDelaySeconds <= 0 {
		initialDelaySeconds = 1
	}
	initial := time.Duration(initialDelaySeconds) * time.Second

	var delay time.Duration
	switch strategy {
	case models.BackoffLinear:
		delay = initial * time.Duration(attempt)
	case models.BackoffConstant:
		delay = initial
	default: // exponential
		// Clamp the exponent so the shift cannot overflow before the cap.
		shift := attempt - 1
		if shift > 10 {
			shift = 10
		}
		delay = initial << shift
	}
	if delay > retryDelayCap {
		delay = retryDelayCap
	}
	return delay
}

// saveCompletion appends the audit record; failures are logged, not fatal,
// since the workflow transition itself is the source of truth.
func (e *Engine) saveCompletion(ctx context.Context, w *models.Workflow, completedAgent string, outputs map[string]any, eventID, source string) {
	rec := &models.CompletionRecord{
		IssueNumber:    w.IssueNumber,
		CompletedAgent: completedAgent,
		CommentID:      eventID,
		Source:         source,
		Outputs:        outputs,
		CreatedAt:      e.now(),
	}
	if next, ok := outputs["next_agent"].(string); ok {
		rec.NextAgent = next
	}
	if summary, ok := outputs["summary"].(string); ok {
		rec.Summary = summary
	}
	if findings, ok := outputs["key_findings"].([]string); ok {
		rec.KeyFindings = findings
	}
	if _, err := e.store.SaveCompletion(ctx, rec); err != nil {
		e.logger.WithIssue(w.IssueNumber).WithError(err).Warn("Failed to save completion record")
	}
}
