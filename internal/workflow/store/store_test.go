package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusflow/nexus/internal/common/config"
	apperrors "github.com/nexusflow/nexus/internal/common/errors"
	"github.com/nexusflow/nexus/internal/common/logger"
	"github.com/nexusflow/nexus/internal/workflow/models"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func newTestWorkflow(issue string) *models.Workflow {
	return &models.Workflow{
		WorkflowID:   "proj-" + issue + "-full",
		IssueNumber:  issue,
		ProjectKey:   "proj",
		WorkflowType: "full",
		State:        models.WorkflowCreated,
		CurrentStep:  1,
		Steps: []*models.WorkflowStep{
			{StepNum: 1, Name: "Triage", Agent: models.AgentSpec{Name: "triage"}, Status: models.StepPending},
			{StepNum: 2, Name: "Develop", Agent: models.AgentSpec{Name: "developer"}, Status: models.StepPending},
		},
	}
}

// runStoreContract exercises the driver-agnostic Store behavior.
func runStoreContract(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("save and load workflow", func(t *testing.T) {
		w := newTestWorkflow("100")
		require.NoError(t, s.SaveWorkflow(ctx, w))
		require.False(t, w.UpdatedAt.IsZero())

		loaded, err := s.LoadWorkflow(ctx, w.WorkflowID)
		require.NoError(t, err)
		assert.Equal(t, w.WorkflowID, loaded.WorkflowID)
		assert.Equal(t, models.WorkflowCreated, loaded.State)
		require.Len(t, loaded.Steps, 2)
		assert.Equal(t, "developer", loaded.Steps[1].Agent.Name)
	})

	t.Run("load unknown workflow", func(t *testing.T) {
		_, err := s.LoadWorkflow(ctx, "absent")
		require.Error(t, err)
		assert.True(t, errors.Is(err, apperrors.ErrNotFound))
	})

	t.Run("concurrent save conflicts", func(t *testing.T) {
		w := newTestWorkflow("101")
		require.NoError(t, s.SaveWorkflow(ctx, w))

		first, err := s.LoadWorkflow(ctx, w.WorkflowID)
		require.NoError(t, err)
		second, err := s.LoadWorkflow(ctx, w.WorkflowID)
		require.NoError(t, err)

		first.State = models.WorkflowRunning
		require.NoError(t, s.SaveWorkflow(ctx, first))

		second.State = models.WorkflowPaused
		err = s.SaveWorkflow(ctx, second)
		require.Error(t, err)
		assert.True(t, errors.Is(err, apperrors.ErrConflict))
	})

	t.Run("completions dedup and ordering", func(t *testing.T) {
		recA := &models.CompletionRecord{
			IssueNumber: "102", CompletedAgent: "triage", NextAgent: "developer",
			CommentID: "c1", Source: models.SourceRemote,
			CreatedAt: time.Now().UTC().Add(-time.Minute),
		}
		idA, err := s.SaveCompletion(ctx, recA)
		require.NoError(t, err)
		require.NotEmpty(t, idA)

		dup, err := s.SaveCompletion(ctx, &models.CompletionRecord{
			IssueNumber: "102", CompletedAgent: "triage", CommentID: "c1", Source: models.SourceRemote,
		})
		require.NoError(t, err)
		assert.Equal(t, idA, dup, "same (issue, comment_id) must dedup to the stored row")

		_, err = s.SaveCompletion(ctx, &models.CompletionRecord{
			IssueNumber: "102", CompletedAgent: "developer", NextAgent: "reviewer",
			CommentID: "c2", Source: models.SourceRemote,
		})
		require.NoError(t, err)

		records, err := s.ListCompletions(ctx, "102")
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "developer", records[0].CompletedAgent, "newest first")
		assert.Equal(t, "triage", records[1].CompletedAgent)
	})

	t.Run("completions without comment id never dedup", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			_, err := s.SaveCompletion(ctx, &models.CompletionRecord{
				IssueNumber: "103", CompletedAgent: "triage", Source: models.SourceLocal,
			})
			require.NoError(t, err)
		}
		records, err := s.ListCompletions(ctx, "103")
		require.NoError(t, err)
		assert.Len(t, records, 2)
	})

	t.Run("issue mapping lifecycle", func(t *testing.T) {
		active := newTestWorkflow("104")
		require.NoError(t, s.SaveWorkflow(ctx, active))
		require.NoError(t, s.MapIssue(ctx, "104", active.WorkflowID))

		id, err := s.GetIssueWorkflowID(ctx, "104")
		require.NoError(t, err)
		assert.Equal(t, active.WorkflowID, id)

		// Active workflow blocks remapping.
		err = s.MapIssue(ctx, "104", "proj-104-fast-track")
		require.Error(t, err)
		assert.True(t, errors.Is(err, apperrors.ErrActiveMappingExists))

		// Terminal workflow allows replacement.
		active.State = models.WorkflowCompleted
		require.NoError(t, s.SaveWorkflow(ctx, active))
		require.NoError(t, s.MapIssue(ctx, "104", "proj-104-fast-track"))

		id, err = s.GetIssueWorkflowID(ctx, "104")
		require.NoError(t, err)
		assert.Equal(t, "proj-104-fast-track", id)
	})

	t.Run("unmapped issue returns empty", func(t *testing.T) {
		id, err := s.GetIssueWorkflowID(ctx, "999")
		require.NoError(t, err)
		assert.Empty(t, id)
	})

	t.Run("pending approval lifecycle", func(t *testing.T) {
		expires := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
		pa := &models.PendingApproval{
			IssueNumber: "105",
			WorkflowID:  "proj-105-full",
			StepNum:     3,
			AgentName:   "reviewer",
			Approvers:   []string{"alice", "bob"},
			ExpiresAt:   &expires,
		}
		require.NoError(t, s.SetPendingApproval(ctx, pa))

		loaded, err := s.GetPendingApproval(ctx, "105")
		require.NoError(t, err)
		assert.Equal(t, 3, loaded.StepNum)
		assert.Equal(t, []string{"alice", "bob"}, loaded.Approvers)
		require.NotNil(t, loaded.ExpiresAt)
		assert.True(t, expires.Equal(*loaded.ExpiresAt))

		all, err := s.ListPendingApprovals(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, "105", all[0].IssueNumber)

		require.NoError(t, s.ClearPendingApproval(ctx, "105"))
		_, err = s.GetPendingApproval(ctx, "105")
		assert.True(t, errors.Is(err, apperrors.ErrNotFound))

		// Clearing twice is fine.
		require.NoError(t, s.ClearPendingApproval(ctx, "105"))
	})
}

func TestFSStore(t *testing.T) {
	s, err := NewFSStore(t.TempDir(), testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	runStoreContract(t, s)
}

func TestSQLStoreSQLite(t *testing.T) {
	s, err := New(config.StorageConfig{
		Driver: config.StorageDriverSQLite,
		Path:   filepath.Join(t.TempDir(), "nexus.db"),
	}, testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	runStoreContract(t, s)
}

func TestFSStoreSurvivesReopen(t *testing.T) {
	root := t.TempDir()
	log := testLogger(t)
	ctx := context.Background()

	s1, err := NewFSStore(root, log)
	require.NoError(t, err)
	w := newTestWorkflow("200")
	require.NoError(t, s1.SaveWorkflow(ctx, w))
	require.NoError(t, s1.MapIssue(ctx, "200", w.WorkflowID))

	s2, err := NewFSStore(root, log)
	require.NoError(t, err)
	loaded, err := s2.LoadWorkflow(ctx, w.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, w.WorkflowID, loaded.WorkflowID)

	id, err := s2.GetIssueWorkflowID(ctx, "200")
	require.NoError(t, err)
	assert.Equal(t, w.WorkflowID, id)
}
