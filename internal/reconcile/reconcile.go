// Package reconcile rebuilds workflow position from remote issue comments
// when the local store has drifted behind the tracker.
package reconcile

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/nexusflow/nexus/internal/common/logger"
	"github.com/nexusflow/nexus/internal/events"
	"github.com/nexusflow/nexus/internal/events/bus"
	"github.com/nexusflow/nexus/internal/platform"
	"github.com/nexusflow/nexus/internal/workflow/models"
	"github.com/nexusflow/nexus/internal/workflow/store"
)

// Drift flags reported in snapshots and alerts.
const (
	DriftWorkflowVsLocal      = "workflow_vs_local"
	DriftWorkflowVsComment    = "workflow_vs_comment"
	DriftLocalVsComment       = "local_vs_comment"
	DriftWorkflowStateMissing = "workflow_state_missing"
)

// Engine is the slice of the workflow engine the reconciler drives.
type Engine interface {
	CompleteStepFromSignal(ctx context.Context, issueNumber, completedAgentType string, outputs map[string]any, eventID, source string) (*models.Workflow, error)
	PauseWorkflow(ctx context.Context, issueNumber, reason string) error
	ResumeWorkflow(ctx context.Context, issueNumber string) error
	GetWorkflowStatus(ctx context.Context, issueNumber string) (*models.WorkflowStatus, error)
	LoadWorkflowForIssue(ctx context.Context, issueNumber string) (*models.Workflow, error)
}

// CommentsProvider supplies the remote comment stream for an issue.
type CommentsProvider interface {
	GetComments(ctx context.Context, issueNumber string, since *time.Time) ([]*platform.Comment, error)
}

// Summary is the result of one reconciliation pass. Partial success is a
// summary, not an error.
type Summary struct {
	OK             bool   `json:"ok"`
	SignalsScanned int    `json:"signals_scanned"`
	SignalsApplied int    `json:"signals_applied"`
	State          string `json:"state,omitempty"`
	CurrentStep    int    `json:"current_step,omitempty"`
	ActiveAgent    string `json:"active_agent,omitempty"`
	Seeded         bool   `json:"seeded,omitempty"`
}

// Snapshot merges the three sources of truth for one issue. DriftFlags
// names the pairwise disagreements; only the reconciler acts on them.
type Snapshot struct {
	IssueNumber     string                   `json:"issue_number"`
	Workflow        *models.WorkflowStatus   `json:"workflow,omitempty"`
	LocalCompletion *models.CompletionRecord `json:"local_completion,omitempty"`
	RemoteSignal    *Signal                  `json:"remote_signal,omitempty"`
	DriftFlags      []string                 `json:"drift_flags,omitempty"`
}

// Reconciler replays remote completion signals into the engine.
type Reconciler struct {
	engine Engine
	store  store.Store
	bus    bus.EventBus
	logger *logger.Logger
	clock  func() time.Time
}

// New wires a Reconciler. A nil clock defaults to time.Now.
func New(engine Engine, st store.Store, eventBus bus.EventBus, log *logger.Logger, clock func() time.Time) *Reconciler {
	if clock == nil {
		clock = time.Now
	}
	return &Reconciler{engine: engine, store: st, bus: eventBus, logger: log, clock: clock}
}

// ReconcileIssueFromSignals fetches the issue's comments, extracts
// completion signals, and replays them through the engine in chronological
// order. Dedup by comment id makes the replay idempotent. A paused
// workflow is resumed for the replay and re-paused afterwards.
func (r *Reconciler) ReconcileIssueFromSignals(ctx context.Context, issueNumber, projectKey string, comments CommentsProvider) (*Summary, error) {
	log := r.logger.WithIssue(issueNumber)

	all, err := comments.GetComments(ctx, issueNumber, nil)
	if err != nil {
		return nil, err
	}
	signals := ParseSignals(all)
	sort.SliceStable(signals, func(i, j int) bool {
		return signals[i].CreatedAt.Before(signals[j].CreatedAt)
	})

	summary := &Summary{OK: true, SignalsScanned: len(signals)}
	if len(signals) == 0 {
		r.fillStatus(ctx, issueNumber, summary)
		return summary, nil
	}

	// A paused workflow blocks completions; lift the pause for the replay
	// and restore it afterwards.
	wasPaused := false
	pauseReason := ""
	if w, err := r.engine.LoadWorkflowForIssue(ctx, issueNumber); err == nil && w != nil && w.State == models.WorkflowPaused {
		wasPaused = true
		pauseReason = w.PausedReason
		if err := r.engine.ResumeWorkflow(ctx, issueNumber); err != nil {
			return nil, err
		}
	}
	defer func() {
		if wasPaused {
			if err := r.engine.PauseWorkflow(ctx, issueNumber, pauseReason); err != nil {
				log.WithError(err).Warn("Failed to re-pause workflow after reconciliation")
			}
		}
	}()

	seen := r.seenCommentIDs(ctx, issueNumber)
	workflowFound := false
	for _, sig := range signals {
		if seen[sig.CommentID] {
			workflowFound = true
			continue
		}
		w, err := r.engine.CompleteStepFromSignal(ctx, issueNumber, sig.CompletedAgent, sig.outputs(), sig.CommentID, models.SourceReconciled)
		if err != nil {
			log.WithError(err).WithAgent(sig.CompletedAgent).Warn("Signal replay failed, continuing")
			continue
		}
		if w == nil {
			continue
		}
		workflowFound = true
		summary.SignalsApplied++
	}

	if !workflowFound {
		// No local workflow to replay into: seed the latest signal so a
		// later resume has an anchor.
		r.seedLatest(ctx, issueNumber, signals[len(signals)-1], log)
		summary.Seeded = true
	}

	r.fillStatus(ctx, issueNumber, summary)
	log.Info("Reconciliation finished",
		zap.Int("signals_scanned", summary.SignalsScanned),
		zap.Int("signals_applied", summary.SignalsApplied),
		zap.Bool("seeded", summary.Seeded))
	return summary, nil
}

// seenCommentIDs returns the comment ids already recorded locally.
func (r *Reconciler) seenCommentIDs(ctx context.Context, issueNumber string) map[string]bool {
	seen := make(map[string]bool)
	recs, err := r.store.ListCompletions(ctx, issueNumber)
	if err != nil {
		return seen
	}
	for _, rec := range recs {
		if rec.CommentID != "" {
			seen[rec.CommentID] = true
		}
	}
	return seen
}

func (r *Reconciler) fillStatus(ctx context.Context, issueNumber string, summary *Summary) {
	status, err := r.engine.GetWorkflowStatus(ctx, issueNumber)
	if err != nil || status == nil {
		return
	}
	summary.State = string(status.State)
	summary.CurrentStep = status.CurrentStep
	summary.ActiveAgent = status.CurrentAgent
}

// seedLatest persists the newest signal as a reconciled completion record
// and raises a workflow_state_missing alert.
func (r *Reconciler) seedLatest(ctx context.Context, issueNumber string, sig *Signal, log *logger.Logger) {
	rec := &models.CompletionRecord{
		IssueNumber:    issueNumber,
		CompletedAgent: sig.CompletedAgent,
		NextAgent:      sig.NextAgent,
		CommentID:      sig.CommentID,
		Source:         models.SourceReconciled,
		Outputs:        sig.outputs(),
		CreatedAt:      r.clock().UTC(),
	}
	if _, err := r.store.SaveCompletion(ctx, rec); err != nil {
		log.WithError(err).Warn("Failed to seed completion record")
		return
	}
	log.Warn("Workflow state missing, seeded latest remote signal",
		zap.String("completed_agent", sig.CompletedAgent),
		zap.String("comment_id", sig.CommentID))
	r.bus.Emit(ctx, bus.NewEvent(events.SystemAlert, "", events.SystemAlertData{
		Severity:    events.SeverityWarning,
		Message:     "local workflow state missing; seeded latest remote completion signal",
		IssueNumber: issueNumber,
		DriftFlag:   DriftWorkflowStateMissing,
	}.Map()))
}

// BuildWorkflowSnapshot merges live workflow status, the latest local
// completion record, and the latest remote comment signal, flagging
// pairwise disagreements.
func (r *Reconciler) BuildWorkflowSnapshot(ctx context.Context, issueNumber string, comments CommentsProvider) (*Snapshot, error) {
	snap := &Snapshot{IssueNumber: issueNumber}

	if status, err := r.engine.GetWorkflowStatus(ctx, issueNumber); err == nil {
		snap.Workflow = status
	}
	if recs, err := r.store.ListCompletions(ctx, issueNumber); err == nil && len(recs) > 0 {
		snap.LocalCompletion = recs[0]
	}
	if all, err := comments.GetComments(ctx, issueNumber, nil); err == nil {
		if signals := ParseSignals(all); len(signals) > 0 {
			snap.RemoteSignal = signals[len(signals)-1]
		}
	}

	// Pairwise comparisons run on the last completed agent each source
	// reports.
	workflowAgent := ""
	if snap.Workflow != nil {
		if w, err := r.engine.LoadWorkflowForIssue(ctx, issueNumber); err == nil && w != nil {
			workflowAgent = lastCompletedAgent(w)
		}
	}
	localAgent := ""
	if snap.LocalCompletion != nil {
		localAgent = snap.LocalCompletion.CompletedAgent
	}
	remoteAgent := ""
	if snap.RemoteSignal != nil {
		remoteAgent = snap.RemoteSignal.CompletedAgent
	}

	if snap.Workflow == nil && (snap.LocalCompletion != nil || snap.RemoteSignal != nil) {
		snap.DriftFlags = append(snap.DriftFlags, DriftWorkflowStateMissing)
	}
	if snap.Workflow != nil && snap.LocalCompletion != nil && workflowAgent != localAgent {
		snap.DriftFlags = append(snap.DriftFlags, DriftWorkflowVsLocal)
	}
	if snap.Workflow != nil && snap.RemoteSignal != nil && workflowAgent != remoteAgent {
		snap.DriftFlags = append(snap.DriftFlags, DriftWorkflowVsComment)
	}
	if snap.LocalCompletion != nil && snap.RemoteSignal != nil {
		if localAgent != remoteAgent ||
			(snap.LocalCompletion.CommentID != "" && snap.LocalCompletion.CommentID != snap.RemoteSignal.CommentID) {
			snap.DriftFlags = append(snap.DriftFlags, DriftLocalVsComment)
		}
	}
	return snap, nil
}

// lastCompletedAgent returns the agent of the highest-numbered completed
// step.
func lastCompletedAgent(w *models.Workflow) string {
	agent := ""
	for _, step := range w.Steps {
		if step.Status == models.StepCompleted && !step.IsRouter() {
			agent = step.Agent.Name
		}
	}
	return agent
}
