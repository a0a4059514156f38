package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusflow/nexus/internal/common/logger"
	"github.com/nexusflow/nexus/internal/events"
	"github.com/nexusflow/nexus/internal/events/bus"
	"github.com/nexusflow/nexus/internal/platform"
	"github.com/nexusflow/nexus/internal/workflow/definition"
	"github.com/nexusflow/nexus/internal/workflow/engine"
	"github.com/nexusflow/nexus/internal/workflow/models"
	"github.com/nexusflow/nexus/internal/workflow/store"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

type alertRecorder struct {
	mu     sync.Mutex
	alerts []*bus.Event
}

func (r *alertRecorder) handle(_ context.Context, event *bus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, event)
	return nil
}

func (r *alertRecorder) withDriftFlag(flag string) *bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.alerts {
		if e.Data["drift_flag"] == flag {
			return e
		}
	}
	return nil
}

// fakeComments is an in-memory CommentsProvider.
type fakeComments struct {
	comments []*platform.Comment
}

func (f *fakeComments) GetComments(_ context.Context, _ string, since *time.Time) ([]*platform.Comment, error) {
	if since == nil {
		return f.comments, nil
	}
	var out []*platform.Comment
	for _, c := range f.comments {
		if c.CreatedAt.After(*since) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeComments) add(id, body string, at time.Time) {
	f.comments = append(f.comments, &platform.Comment{
		ID: id, Author: "bot", Body: body, CreatedAt: at,
	})
}

func signalBody(verb, completed, next string, extra ...string) string {
	body := "## " + verb + " Complete — " + completed + "\n\nAll done.\n\nReady for **@" + next + "**\n"
	for _, line := range extra {
		body += line + "\n"
	}
	return body
}

func deliveryDefinition() *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		Name:         "full-delivery",
		WorkflowType: definition.TypeFull,
		Steps: []models.StepDefinition{
			{StepNum: 1, Name: "Triage", Agent: models.AgentSpec{Name: "triage"}},
			{StepNum: 2, Name: "Develop", Agent: models.AgentSpec{Name: "developer"}},
			{StepNum: 3, Name: "Review", Agent: models.AgentSpec{Name: "reviewer"}},
		},
	}
}

type fixture struct {
	reconciler *Reconciler
	engine     *engine.Engine
	store      store.Store
	recorder   *alertRecorder
	comments   *fakeComments
	now        time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := testLogger(t)
	st, err := store.NewFSStore(t.TempDir(), log)
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)
	recorder := &alertRecorder{}
	eventBus.SubscribePattern(events.SystemAlert, recorder.handle)

	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	defs := definition.NewRegistry(deliveryDefinition())
	eng := engine.New(st, eventBus, defs, log, clock)

	return &fixture{
		reconciler: New(eng, st, eventBus, log, clock),
		engine:     eng,
		store:      st,
		recorder:   recorder,
		comments:   &fakeComments{},
		now:        now,
	}
}

func (f *fixture) startWorkflow(t *testing.T, issue string) string {
	t.Helper()
	ctx := context.Background()
	id, err := f.engine.CreateWorkflowForIssue(ctx, engine.CreateRequest{
		IssueNumber: issue, IssueTitle: "t", ProjectKey: "proj", WorkflowType: "full", TaskType: "feature",
	})
	require.NoError(t, err)
	started, err := f.engine.StartWorkflow(ctx, id)
	require.NoError(t, err)
	require.True(t, started)
	return id
}

func TestParseSignal(t *testing.T) {
	comment := &platform.Comment{
		ID:     "c-1",
		Author: "bot",
		Body: "## Implementation Complete — developer\n" +
			"\n" +
			"Implemented the login fix.\n" +
			"\n" +
			"branch: feature/login-fix\n" +
			"Key Findings: flaky session cache\n" +
			"\n" +
			"Ready for **@reviewer**\n",
		CreatedAt: time.Now(),
	}

	sig := ParseSignal(comment)
	require.NotNil(t, sig)
	assert.Equal(t, "c-1", sig.CommentID)
	assert.Equal(t, "developer", sig.CompletedAgent)
	assert.Equal(t, "reviewer", sig.NextAgent)
	assert.Equal(t, "Implementation", sig.Verb)
	assert.Equal(t, "feature/login-fix", sig.StructuredOutputs["branch"])
	assert.Equal(t, "flaky session cache", sig.StructuredOutputs["key_findings"])
}

func TestParseSignalHyphenSeparator(t *testing.T) {
	sig := ParseSignal(&platform.Comment{
		ID:   "c-2",
		Body: "## Review Complete - reviewer\nReady for **@deployer**\n",
	})
	require.NotNil(t, sig)
	assert.Equal(t, "reviewer", sig.CompletedAgent)
	assert.Equal(t, "deployer", sig.NextAgent)
}

func TestParseSignalRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"plain comment", "looks good to me"},
		{"header without handoff", "## Triage Complete — triage\nall sorted"},
		{"handoff without header", "Ready for **@developer**"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Nil(t, ParseSignal(&platform.Comment{ID: "x", Body: tt.body}))
		})
	}
}

func TestReconcileRepaysSignalsInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.startWorkflow(t, "42")

	f.comments.add("c-a", signalBody("Triage", "triage", "developer"), f.now.Add(-2*time.Hour))
	f.comments.add("c-b", signalBody("Implementation", "developer", "reviewer"), f.now.Add(-time.Hour))

	summary, err := f.reconciler.ReconcileIssueFromSignals(ctx, "42", "proj", f.comments)
	require.NoError(t, err)
	assert.True(t, summary.OK)
	assert.Equal(t, 2, summary.SignalsScanned)
	assert.Equal(t, 2, summary.SignalsApplied)
	assert.Equal(t, "running", summary.State)
	assert.Equal(t, 3, summary.CurrentStep)
	assert.Equal(t, "reviewer", summary.ActiveAgent)

	recs, err := f.store.ListCompletions(ctx, "42")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, rec := range recs {
		assert.Equal(t, models.SourceReconciled, rec.Source)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.startWorkflow(t, "42")
	f.comments.add("c-a", signalBody("Triage", "triage", "developer"), f.now.Add(-time.Hour))

	first, err := f.reconciler.ReconcileIssueFromSignals(ctx, "42", "proj", f.comments)
	require.NoError(t, err)
	assert.Equal(t, 1, first.SignalsApplied)

	second, err := f.reconciler.ReconcileIssueFromSignals(ctx, "42", "proj", f.comments)
	require.NoError(t, err)
	assert.Equal(t, 1, second.SignalsScanned)
	assert.Zero(t, second.SignalsApplied)

	recs, err := f.store.ListCompletions(ctx, "42")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestReconcileIgnoresMalformedComments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.startWorkflow(t, "42")

	f.comments.add("c-0", "just chatting", f.now.Add(-3*time.Hour))
	f.comments.add("c-a", signalBody("Triage", "triage", "developer"), f.now.Add(-2*time.Hour))

	summary, err := f.reconciler.ReconcileIssueFromSignals(ctx, "42", "proj", f.comments)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SignalsScanned)
	assert.Equal(t, 1, summary.SignalsApplied)
}

func TestReconcileResumesAndRepausesPausedWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.startWorkflow(t, "42")
	require.NoError(t, f.engine.PauseWorkflow(ctx, "42", "maintenance window"))

	f.comments.add("c-a", signalBody("Triage", "triage", "developer"), f.now.Add(-time.Hour))

	summary, err := f.reconciler.ReconcileIssueFromSignals(ctx, "42", "proj", f.comments)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SignalsApplied)

	w, err := f.engine.LoadWorkflowForIssue(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowPaused, w.State)
	assert.Equal(t, "maintenance window", w.PausedReason)
	// The replay advanced position even though the workflow is paused again.
	assert.Equal(t, 2, w.CurrentStep)
}

func TestReconcileSeedsWhenWorkflowMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.comments.add("c-a", signalBody("Triage", "triage", "developer"), f.now.Add(-2*time.Hour))
	f.comments.add("c-b", signalBody("Implementation", "developer", "reviewer"), f.now.Add(-time.Hour))

	summary, err := f.reconciler.ReconcileIssueFromSignals(ctx, "42", "proj", f.comments)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.SignalsScanned)
	assert.Zero(t, summary.SignalsApplied)
	assert.True(t, summary.Seeded)

	recs, err := f.store.ListCompletions(ctx, "42")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "developer", recs[0].CompletedAgent)
	assert.Equal(t, "c-b", recs[0].CommentID)
	assert.Equal(t, models.SourceReconciled, recs[0].Source)

	alert := f.recorder.withDriftFlag(DriftWorkflowStateMissing)
	require.NotNil(t, alert)
	assert.Equal(t, events.SeverityWarning, alert.Data["severity"])
}

func TestSnapshotInSyncHasNoDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.startWorkflow(t, "42")
	f.comments.add("c-a", signalBody("Triage", "triage", "developer"), f.now.Add(-time.Hour))

	_, err := f.reconciler.ReconcileIssueFromSignals(ctx, "42", "proj", f.comments)
	require.NoError(t, err)

	snap, err := f.reconciler.BuildWorkflowSnapshot(ctx, "42", f.comments)
	require.NoError(t, err)
	require.NotNil(t, snap.Workflow)
	require.NotNil(t, snap.LocalCompletion)
	require.NotNil(t, snap.RemoteSignal)
	assert.Empty(t, snap.DriftFlags)
}

func TestSnapshotFlagsRemoteAhead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.startWorkflow(t, "42")

	// Remote has a signal the local workflow never saw.
	f.comments.add("c-a", signalBody("Triage", "triage", "developer"), f.now.Add(-time.Hour))

	snap, err := f.reconciler.BuildWorkflowSnapshot(ctx, "42", f.comments)
	require.NoError(t, err)
	assert.Contains(t, snap.DriftFlags, DriftWorkflowVsComment)
}

func TestSnapshotFlagsMissingWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.comments.add("c-a", signalBody("Triage", "triage", "developer"), f.now.Add(-time.Hour))

	snap, err := f.reconciler.BuildWorkflowSnapshot(ctx, "42", f.comments)
	require.NoError(t, err)
	assert.Nil(t, snap.Workflow)
	assert.Contains(t, snap.DriftFlags, DriftWorkflowStateMissing)
}
