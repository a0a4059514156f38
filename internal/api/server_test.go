package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusflow/nexus/internal/common/config"
	"github.com/nexusflow/nexus/internal/common/logger"
	"github.com/nexusflow/nexus/internal/events/bus"
	"github.com/nexusflow/nexus/internal/monitor"
	"github.com/nexusflow/nexus/internal/platform"
	"github.com/nexusflow/nexus/internal/reconcile"
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

type fakeComments struct {
	comments []*platform.Comment
}

func (f *fakeComments) GetComments(_ context.Context, _ string, _ *time.Time) ([]*platform.Comment, error) {
	return f.comments, nil
}

func testDefinition() *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		Name:         "full-delivery",
		WorkflowType: definition.TypeFull,
		Steps: []models.StepDefinition{
			{StepNum: 1, Name: "Triage", Agent: models.AgentSpec{Name: "triage"}},
			{StepNum: 2, Name: "Develop", Agent: models.AgentSpec{Name: "developer"}},
		},
	}
}

func newTestServer(t *testing.T) (*Server, *fakeComments) {
	t.Helper()
	log := testLogger(t)
	st, err := store.NewFSStore(t.TempDir(), log)
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	defs := definition.NewRegistry(testDefinition())
	eng := engine.New(st, eventBus, defs, log, nil)
	rec := reconcile.New(eng, st, eventBus, log, nil)

	fuses, err := monitor.NewFuseBank(config.FuseConfig{
		SoftWindowMinutes: 10, SoftThreshold: 3, HardWindowMinutes: 60, HardThreshold: 2,
	}, filepath.Join(t.TempDir(), "fuses.json"), log, nil)
	require.NoError(t, err)
	mon := monitor.New(monitor.NewRegistry(), fuses, eventBus, eng,
		config.MonitorConfig{PollIntervalSeconds: 60, KillGraceSeconds: 5}, log, nil)

	comments := &fakeComments{}
	return NewServer(config.ServerConfig{}, eng, rec, mon, comments, defs, log), comments
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)
	return rr
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := doJSON(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestCreateAndStatus(t *testing.T) {
	srv, _ := newTestServer(t)

	rr := doJSON(t, srv, http.MethodPost, "/api/v1/workflows", map[string]any{
		"issue_number": "42", "project_key": "proj", "workflow_type": "full", "task_type": "feature",
	})
	require.Equal(t, http.StatusCreated, rr.Code)

	var created struct {
		WorkflowID string `json:"workflow_id"`
		Started    bool   `json:"started"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	assert.Equal(t, "proj-42-full", created.WorkflowID)
	assert.True(t, created.Started)

	rr = doJSON(t, srv, http.MethodGet, "/api/v1/workflows/42/status", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var status models.WorkflowStatus
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.Equal(t, models.WorkflowRunning, status.State)
	assert.Equal(t, "triage", status.CurrentAgent)
}

func TestStatusUnknownIssueIs404(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := doJSON(t, srv, http.MethodGet, "/api/v1/workflows/999/status", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestPauseResumeRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := doJSON(t, srv, http.MethodPost, "/api/v1/workflows", map[string]any{
		"issue_number": "42", "project_key": "proj", "workflow_type": "full",
	})
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = doJSON(t, srv, http.MethodPost, "/api/v1/workflows/42/pause", map[string]any{"reason": "ops"})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, srv, http.MethodGet, "/api/v1/workflows/42/status", nil)
	var status models.WorkflowStatus
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.Equal(t, models.WorkflowPaused, status.State)

	rr = doJSON(t, srv, http.MethodPost, "/api/v1/workflows/42/resume", nil)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestResetUnknownAgentIs404(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := doJSON(t, srv, http.MethodPost, "/api/v1/workflows", map[string]any{
		"issue_number": "42", "project_key": "proj", "workflow_type": "full",
	})
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = doJSON(t, srv, http.MethodPost, "/api/v1/workflows/42/reset", map[string]any{"agent_type": "nonexistent"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCompleteEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := doJSON(t, srv, http.MethodPost, "/api/v1/workflows", map[string]any{
		"issue_number": "42", "project_key": "proj", "workflow_type": "full",
	})
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = doJSON(t, srv, http.MethodPost, "/api/v1/workflows/42/complete", map[string]any{
		"agent_type": "triage",
		"outputs":    map[string]any{"summary": "triage done"},
		"event_id":   "evt-1",
	})
	require.Equal(t, http.StatusOK, rr.Code)
	var result struct {
		State       models.WorkflowState `json:"state"`
		CurrentStep int                  `json:"current_step"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
	assert.Equal(t, models.WorkflowRunning, result.State)
	assert.Equal(t, 2, result.CurrentStep)

	// Unknown issue maps to 404, not a validation error.
	rr = doJSON(t, srv, http.MethodPost, "/api/v1/workflows/999/complete", map[string]any{
		"agent_type": "triage",
	})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestReconcileEndpoint(t *testing.T) {
	srv, comments := newTestServer(t)
	rr := doJSON(t, srv, http.MethodPost, "/api/v1/workflows", map[string]any{
		"issue_number": "42", "project_key": "proj", "workflow_type": "full",
	})
	require.Equal(t, http.StatusCreated, rr.Code)

	comments.comments = append(comments.comments, &platform.Comment{
		ID:        "c-a",
		Body:      "## Triage Complete — triage\nReady for **@developer**\n",
		CreatedAt: time.Now().Add(-time.Hour),
	})

	rr = doJSON(t, srv, http.MethodPost, "/api/v1/workflows/42/reconcile", map[string]any{"project_key": "proj"})
	require.Equal(t, http.StatusOK, rr.Code)
	var summary reconcile.Summary
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &summary))
	assert.Equal(t, 1, summary.SignalsApplied)
	assert.Equal(t, "developer", summary.ActiveAgent)
}

func TestFuseResetEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := doJSON(t, srv, http.MethodPost, "/api/v1/fuses/42/developer/reset", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}
