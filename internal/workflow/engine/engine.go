// Package engine implements the workflow step state machine: instantiation,
// step advancement with router evaluation, retry scheduling, approval gates,
// and terminal transitions. All write operations are serialized per
// workflow_id; events are emitted after persistence, outside the lock, in
// transition order.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/nexusflow/nexus/internal/common/errors"
	"github.com/nexusflow/nexus/internal/common/logger"
	"github.com/nexusflow/nexus/internal/events"
	"github.com/nexusflow/nexus/internal/events/bus"
	"github.com/nexusflow/nexus/internal/workflow/definition"
	"github.com/nexusflow/nexus/internal/workflow/models"
	"github.com/nexusflow/nexus/internal/workflow/store"
)

// retryDelayCap bounds every backoff strategy.
const retryDelayCap = 60 * time.Second

// Clock abstracts time for tests.
type Clock func() time.Time

// Engine drives per-issue workflows.
type Engine struct {
	store  store.Store
	bus    bus.EventBus
	defs   definition.Provider
	logger *logger.Logger
	clock  Clock

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New constructs an Engine. A nil clock defaults to time.Now.
func New(st store.Store, eventBus bus.EventBus, defs definition.Provider, log *logger.Logger, clock Clock) *Engine {
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		store:  st,
		bus:    eventBus,
		defs:   defs,
		logger: log,
		clock:  clock,
		locks:  make(map[string]*sync.Mutex),
	}
}

// lockFor returns the per-workflow mutex, creating it on first use. Lock
// entries are never removed; the set of workflow ids a process touches is
// small.
func (e *Engine) lockFor(workflowID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[workflowID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[workflowID] = lock
	}
	return lock
}

// emitAll delivers queued events in order. Called after the workflow lock is
// released so bus handlers may safely call back into the engine.
func (e *Engine) emitAll(ctx context.Context, queued []*bus.Event) {
	for _, event := range queued {
		e.bus.Emit(ctx, event)
	}
}

func (e *Engine) now() time.Time { return e.clock().UTC() }

// CreateRequest carries the inputs for CreateWorkflowForIssue.
type CreateRequest struct {
	IssueNumber  string
	IssueTitle   string
	ProjectKey   string
	WorkflowType string
	TaskType     string
	Description  string
	// Replace allows remapping an issue whose previous workflow is still
	// active. Terminal previous workflows are always replaced.
	Replace bool
}

// CreateWorkflowForIssue instantiates a workflow from the definition for the
// request's workflow type, maps the issue, persists, and emits
// workflow.started. Execution does not begin until StartWorkflow.
func (e *Engine) CreateWorkflowForIssue(ctx context.Context, req CreateRequest) (string, error) {
	workflowType := definition.NormalizeWorkflowType(req.WorkflowType, definition.TypeFull)
	def, err := e.defs.Definition(workflowType)
	if err != nil {
		return "", err
	}

	if existingID, err := e.store.GetIssueWorkflowID(ctx, req.IssueNumber); err != nil {
		return "", err
	} else if existingID != "" {
		existing, err := e.store.LoadWorkflow(ctx, existingID)
		if err == nil && !existing.IsTerminal() {
			if !req.Replace {
				return "", apperrors.Wrap(apperrors.ErrActiveMappingExists,
					fmt.Errorf("issue %s already runs workflow %s", req.IssueNumber, existingID))
			}
			if err := e.supersedeWorkflow(ctx, existingID); err != nil {
				return "", err
			}
		}
	}

	now := e.now()
	w := &models.Workflow{
		WorkflowID:   fmt.Sprintf("%s-%s-%s", req.ProjectKey, req.IssueNumber, workflowType),
		IssueNumber:  req.IssueNumber,
		ProjectKey:   req.ProjectKey,
		WorkflowType: workflowType,
		State:        models.WorkflowCreated,
		Steps:        instantiateSteps(def),
		CreatedAt:    now,
	}
	if len(w.Steps) > 0 {
		w.CurrentStep = w.Steps[0].StepNum
	}

	lock := e.lockFor(w.WorkflowID)
	lock.Lock()
	if err := e.store.SaveWorkflow(ctx, w); err != nil {
		lock.Unlock()
		return "", err
	}
	if err := e.store.MapIssue(ctx, req.IssueNumber, w.WorkflowID); err != nil {
		lock.Unlock()
		return "", err
	}
	lock.Unlock()

	e.logger.WithIssue(req.IssueNumber).WithWorkflowID(w.WorkflowID).Info("Created workflow",
		zap.String("workflow_type", workflowType),
		zap.Int("steps", len(w.Steps)))

	e.bus.Emit(ctx, bus.NewEvent(events.WorkflowStarted, w.WorkflowID, events.WorkflowEventData{
		IssueNumber:  req.IssueNumber,
		IssueTitle:   req.IssueTitle,
		WorkflowType: workflowType,
		TaskType:     req.TaskType,
		State:        string(models.WorkflowCreated),
	}.Map()))
	return w.WorkflowID, nil
}

// supersedeWorkflow cancels a still-active workflow so its issue can be
// remapped under an explicit replace request. The store only remaps issues
// whose previous workflow is terminal, so the old workflow must reach
// cancelled before MapIssue runs.
func (e *Engine) supersedeWorkflow(ctx context.Context, workflowID string) error {
	lock := e.lockFor(workflowID)
	lock.Lock()

	w, err := e.store.LoadWorkflow(ctx, workflowID)
	if err != nil {
		lock.Unlock()
		return err
	}
	if w.IsTerminal() {
		lock.Unlock()
		return nil
	}

	now := e.now()
	if running, ok := w.RunningStep(); ok {
		running.Status = models.StepSkipped
		running.CompletedAt = &now
	}
	w.State = models.WorkflowCancelled
	w.ActiveAgentType = ""
	w.FailureReason = "replaced"

	if err := e.store.ClearPendingApproval(ctx, w.IssueNumber); err != nil {
		lock.Unlock()
		return err
	}
	if err := e.store.SaveWorkflow(ctx, w); err != nil {
		lock.Unlock()
		return err
	}
	lock.Unlock()

	e.logger.WithIssue(w.IssueNumber).WithWorkflowID(workflowID).Info("Cancelled workflow for replacement")

	e.bus.Emit(ctx, bus.NewEvent(events.WorkflowCancelled, workflowID, events.WorkflowEventData{
		IssueNumber: w.IssueNumber,
		State:       string(models.WorkflowCancelled),
		Reason:      "replaced",
	}.Map()))
	return nil
}

// instantiateSteps deep-copies the definition steps into per-instance state.
func instantiateSteps(def *models.WorkflowDefinition) []*models.WorkflowStep {
	steps := make([]*models.WorkflowStep, 0, len(def.Steps))
	for i := range def.Steps {
		sd := &def.Steps[i]
		step := &models.WorkflowStep{
			StepNum:                sd.StepNum,
			Name:                   sd.Name,
			Agent:                  sd.Agent,
			Status:                 models.StepPending,
			EffectiveMaxRetries:    sd.EffectiveMaxRetries(),
			TimeoutSeconds:         sd.EffectiveTimeoutSeconds(),
			BackoffStrategy:        sd.BackoffStrategy,
			InitialDelaySeconds:    sd.InitialDelaySeconds,
			ApprovalRequired:       sd.ApprovalRequired,
			ApprovalTimeoutSeconds: sd.ApprovalTimeoutSeconds,
			NextStepNum:            sd.NextStepNum,
		}
		if step.BackoffStrategy == "" {
			step.BackoffStrategy = models.BackoffExponential
		}
		if len(sd.Approvers) > 0 {
			step.Approvers = append([]string(nil), sd.Approvers...)
		}
		if sd.Router != nil {
			router := &models.RouterSpec{
				DefaultStepNum: sd.Router.DefaultStepNum,
				Branches:       append([]models.RouterBranch(nil), sd.Router.Branches...),
			}
			step.Router = router
		}
		steps = append(steps, step)
	}
	return steps
}

// StartWorkflow transitions created -> running and marks the first non-router
// step RUNNING. Returns false when the workflow is not in created.
func (e *Engine) StartWorkflow(ctx context.Context, workflowID string) (bool, error) {
	lock := e.lockFor(workflowID)
	lock.Lock()

	w, err := e.store.LoadWorkflow(ctx, workflowID)
	if err != nil {
		lock.Unlock()
		return false, err
	}
	if w.State != models.WorkflowCreated {
		lock.Unlock()
		return false, nil
	}
	if len(w.Steps) == 0 {
		lock.Unlock()
		return false, apperrors.Validation(fmt.Sprintf("workflow %s has no steps", workflowID))
	}

	first := w.Steps[0]
	if first.IsRouter() {
		// Router evaluation against an empty output set; the default
		// branch decides where execution begins.
		target := evalRouter(first.Router, w.MergedOutputs())
		e.traverseRouter(w, first, target)
		chosen, ok := w.StepByNum(w.CurrentStep)
		if !ok {
			lock.Unlock()
			return false, apperrors.Validation(fmt.Sprintf("workflow %s router selected missing step %d", workflowID, w.CurrentStep))
		}
		first = chosen
	}

	now := e.now()
	w.State = models.WorkflowRunning
	first.Status = models.StepRunning
	first.StartedAt = &now
	w.CurrentStep = first.StepNum
	w.ActiveAgentType = first.Agent.Name

	if err := e.store.SaveWorkflow(ctx, w); err != nil {
		lock.Unlock()
		return false, err
	}
	lock.Unlock()

	e.logger.WithWorkflowID(workflowID).Info("Started workflow",
		zap.Int("step_num", first.StepNum),
		zap.String("agent_type", first.Agent.Name))

	e.bus.Emit(ctx, bus.NewEvent(events.StepStarted, workflowID, events.StepEventData{
		IssueNumber: w.IssueNumber,
		StepNum:     first.StepNum,
		StepName:    first.Name,
		AgentType:   first.Agent.Name,
	}.Map()))
	return true, nil
}

// traverseRouter follows router-only steps from target until a non-router
// step is reached, marking traversed routers completed. The visited guard
// caps pathological cycles between routers.
func (e *Engine) traverseRouter(w *models.Workflow, from *models.WorkflowStep, target int) {
	now := e.now()
	from.Status = models.StepCompleted
	from.StartedAt = &now
	from.CompletedAt = &now

	visited := map[int]bool{from.StepNum: true}
	for {
		step, ok := w.StepByNum(target)
		if !ok || !step.IsRouter() || visited[target] {
			break
		}
		visited[target] = true
		step.Status = models.StepCompleted
		step.StartedAt = &now
		step.CompletedAt = &now
		target = evalRouter(step.Router, w.MergedOutputs())
	}
	w.CurrentStep = target
}

// activeWorkflowID resolves the workflow mapped to an issue, "" when none.
func (e *Engine) activeWorkflowID(ctx context.Context, issueNumber string) (string, error) {
	return e.store.GetIssueWorkflowID(ctx, issueNumber)
}
