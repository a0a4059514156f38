package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/nexusflow/nexus/internal/common/errors"
	"github.com/nexusflow/nexus/internal/common/logger"
	"github.com/nexusflow/nexus/internal/db"
	"github.com/nexusflow/nexus/internal/db/dialect"
	"github.com/nexusflow/nexus/internal/workflow/models"
)

// SQLStore persists workflows in a relational database. The full aggregate
// is stored as a JSON payload column; the hot lookup fields are denormalized
// into regular columns.
type SQLStore struct {
	pool   *db.Pool
	driver string
	logger *logger.Logger
}

// NewSQLStore initializes the schema and returns the store.
func NewSQLStore(pool *db.Pool, log *logger.Logger) (*SQLStore, error) {
	s := &SQLStore{pool: pool, driver: pool.Writer().DriverName(), logger: log}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	log.Info("Relational store ready", zap.String("driver", s.driver))
	return s, nil
}

func (s *SQLStore) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			workflow_id TEXT PRIMARY KEY,
			issue_number TEXT NOT NULL,
			project_key TEXT NOT NULL,
			workflow_type TEXT NOT NULL,
			state TEXT NOT NULL,
			current_step INTEGER NOT NULL,
			updated_at TEXT NOT NULL,
			payload_json TEXT NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS completions (
			seq %s,
			id TEXT NOT NULL,
			issue_number TEXT NOT NULL,
			completed_agent TEXT NOT NULL,
			next_agent TEXT,
			comment_id TEXT,
			created_at TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			UNIQUE(issue_number, comment_id)
		)`, dialect.AutoIncrementPK(s.driver)),
		`CREATE TABLE IF NOT EXISTS issue_mappings (
			issue_number TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			terminal_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS pending_approvals (
			issue_number TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			step_num INTEGER NOT NULL,
			agent_name TEXT NOT NULL,
			approvers_json TEXT NOT NULL,
			expires_at TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_completions_issue ON completions(issue_number)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_issue ON workflows(issue_number)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Writer().Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// SaveWorkflow upserts the aggregate with optimistic concurrency on
// updated_at: an UPDATE guarded by the caller's updated_at either wins or
// signals ErrConflict.
func (s *SQLStore) SaveWorkflow(ctx context.Context, w *models.Workflow) error {
	prevUpdated := w.UpdatedAt
	w.UpdatedAt = time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = w.UpdatedAt
	}

	payload, err := json.Marshal(w)
	if err != nil {
		w.UpdatedAt = prevUpdated
		return fmt.Errorf("failed to marshal workflow %s: %w", w.WorkflowID, err)
	}

	writer := s.pool.Writer()
	if prevUpdated.IsZero() {
		_, err := writer.ExecContext(ctx, writer.Rebind(
			`INSERT INTO workflows (workflow_id, issue_number, project_key, workflow_type, state, current_step, updated_at, payload_json)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			w.WorkflowID, w.IssueNumber, w.ProjectKey, w.WorkflowType,
			string(w.State), w.CurrentStep, formatTime(w.UpdatedAt), string(payload))
		if err != nil {
			w.UpdatedAt = prevUpdated
			return apperrors.Transient("failed to insert workflow", err)
		}
		return nil
	}

	result, err := writer.ExecContext(ctx, writer.Rebind(
		`UPDATE workflows
		 SET issue_number = ?, project_key = ?, workflow_type = ?, state = ?, current_step = ?, updated_at = ?, payload_json = ?
		 WHERE workflow_id = ? AND updated_at = ?`),
		w.IssueNumber, w.ProjectKey, w.WorkflowType, string(w.State), w.CurrentStep,
		formatTime(w.UpdatedAt), string(payload),
		w.WorkflowID, formatTime(prevUpdated))
	if err != nil {
		w.UpdatedAt = prevUpdated
		return apperrors.Transient("failed to update workflow", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		w.UpdatedAt = prevUpdated
		return apperrors.Transient("failed to read update result", err)
	}
	if affected == 0 {
		w.UpdatedAt = prevUpdated
		return apperrors.Conflict(fmt.Sprintf("workflow %s was modified concurrently", w.WorkflowID))
	}
	return nil
}

// LoadWorkflow reads the aggregate from its JSON payload column.
func (s *SQLStore) LoadWorkflow(ctx context.Context, workflowID string) (*models.Workflow, error) {
	reader := s.pool.Reader()
	var payload string
	err := reader.QueryRowContext(ctx, reader.Rebind(
		`SELECT payload_json FROM workflows WHERE workflow_id = ?`), workflowID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("workflow", workflowID)
	}
	if err != nil {
		return nil, apperrors.Transient("failed to load workflow", err)
	}
	var w models.Workflow
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCorrupt, fmt.Errorf("workflow %s: %w", workflowID, err))
	}
	return &w, nil
}

// ListCompletions returns the completion records for an issue, newest first.
func (s *SQLStore) ListCompletions(ctx context.Context, issueNumber string) ([]*models.CompletionRecord, error) {
	reader := s.pool.Reader()
	rows, err := reader.QueryContext(ctx, reader.Rebind(
		`SELECT payload_json FROM completions WHERE issue_number = ? ORDER BY seq DESC`), issueNumber)
	if err != nil {
		return nil, apperrors.Transient("failed to list completions", err)
	}
	defer rows.Close()

	var records []*models.CompletionRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, apperrors.Transient("failed to scan completion", err)
		}
		var rec models.CompletionRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			s.logger.Warn("Skipping unparseable completion record",
				zap.String("issue_number", issueNumber),
				zap.Error(err))
			continue
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// SaveCompletion appends a record, relying on the UNIQUE(issue_number,
// comment_id) constraint for dedup. Empty comment ids are stored as NULL so
// uncorrelated local completions do not collide.
func (s *SQLStore) SaveCompletion(ctx context.Context, rec *models.CompletionRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal completion: %w", err)
	}

	var commentID any
	if rec.CommentID != "" {
		commentID = rec.CommentID
	}

	writer := s.pool.Writer()
	result, err := writer.ExecContext(ctx, writer.Rebind(
		`INSERT INTO completions (id, issue_number, completed_agent, next_agent, comment_id, created_at, payload_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (issue_number, comment_id) DO NOTHING`),
		rec.ID, rec.IssueNumber, rec.CompletedAgent, rec.NextAgent, commentID,
		formatTime(rec.CreatedAt), string(payload))
	if err != nil {
		return "", apperrors.Transient("failed to save completion", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return "", apperrors.Transient("failed to read insert result", err)
	}
	if affected > 0 {
		return rec.ID, nil
	}

	// Duplicate comment_id: return the stored row's id.
	reader := s.pool.Reader()
	var existingID string
	err = reader.QueryRowContext(ctx, reader.Rebind(
		`SELECT id FROM completions WHERE issue_number = ? AND comment_id = ?`),
		rec.IssueNumber, rec.CommentID).Scan(&existingID)
	if err != nil {
		return "", apperrors.Transient("failed to resolve duplicate completion", err)
	}
	return existingID, nil
}

// GetIssueWorkflowID returns the mapped workflow id or "".
func (s *SQLStore) GetIssueWorkflowID(ctx context.Context, issueNumber string) (string, error) {
	reader := s.pool.Reader()
	var workflowID string
	err := reader.QueryRowContext(ctx, reader.Rebind(
		`SELECT workflow_id FROM issue_mappings WHERE issue_number = ?`), issueNumber).Scan(&workflowID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", apperrors.Transient("failed to load issue mapping", err)
	}
	return workflowID, nil
}

// MapIssue binds the issue to a workflow, replacing an existing mapping only
// when the previous workflow is terminal or gone.
func (s *SQLStore) MapIssue(ctx context.Context, issueNumber, workflowID string) error {
	prev, err := s.GetIssueWorkflowID(ctx, issueNumber)
	if err != nil {
		return err
	}
	var terminalAt any
	if prev != "" && prev != workflowID {
		prevWorkflow, err := s.LoadWorkflow(ctx, prev)
		if err == nil && !prevWorkflow.IsTerminal() {
			return apperrors.Wrap(apperrors.ErrActiveMappingExists,
				fmt.Errorf("issue %s is mapped to active workflow %s", issueNumber, prev))
		}
		terminalAt = formatTime(time.Now())
	}

	writer := s.pool.Writer()
	_, err = writer.ExecContext(ctx, writer.Rebind(
		`INSERT INTO issue_mappings (issue_number, workflow_id, terminal_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (issue_number) DO UPDATE SET workflow_id = excluded.workflow_id, terminal_at = excluded.terminal_at`),
		issueNumber, workflowID, terminalAt)
	if err != nil {
		return apperrors.Transient("failed to save issue mapping", err)
	}
	return nil
}

// SetPendingApproval upserts the pending approval for an issue.
func (s *SQLStore) SetPendingApproval(ctx context.Context, pa *models.PendingApproval) error {
	if pa.CreatedAt.IsZero() {
		pa.CreatedAt = time.Now().UTC()
	}
	approvers, err := json.Marshal(pa.Approvers)
	if err != nil {
		return fmt.Errorf("failed to marshal approvers: %w", err)
	}
	var expiresAt any
	if pa.ExpiresAt != nil {
		expiresAt = formatTime(*pa.ExpiresAt)
	}

	writer := s.pool.Writer()
	_, err = writer.ExecContext(ctx, writer.Rebind(
		`INSERT INTO pending_approvals (issue_number, workflow_id, step_num, agent_name, approvers_json, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (issue_number) DO UPDATE SET
			workflow_id = excluded.workflow_id,
			step_num = excluded.step_num,
			agent_name = excluded.agent_name,
			approvers_json = excluded.approvers_json,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at`),
		pa.IssueNumber, pa.WorkflowID, pa.StepNum, pa.AgentName, string(approvers), expiresAt, formatTime(pa.CreatedAt))
	if err != nil {
		return apperrors.Transient("failed to save pending approval", err)
	}
	return nil
}

// GetPendingApproval returns the pending approval for an issue.
func (s *SQLStore) GetPendingApproval(ctx context.Context, issueNumber string) (*models.PendingApproval, error) {
	reader := s.pool.Reader()
	var (
		pa            models.PendingApproval
		approversJSON string
		expiresAt     sql.NullString
		createdAt     string
	)
	err := reader.QueryRowContext(ctx, reader.Rebind(
		`SELECT issue_number, workflow_id, step_num, agent_name, approvers_json, expires_at, created_at
		 FROM pending_approvals WHERE issue_number = ?`), issueNumber).
		Scan(&pa.IssueNumber, &pa.WorkflowID, &pa.StepNum, &pa.AgentName, &approversJSON, &expiresAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("pending approval", issueNumber)
	}
	if err != nil {
		return nil, apperrors.Transient("failed to load pending approval", err)
	}

	if err := json.Unmarshal([]byte(approversJSON), &pa.Approvers); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCorrupt, fmt.Errorf("pending approval %s: %w", issueNumber, err))
	}
	if expiresAt.Valid {
		t, err := parseTime(expiresAt.String)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCorrupt, fmt.Errorf("pending approval %s: %w", issueNumber, err))
		}
		pa.ExpiresAt = &t
	}
	created, err := parseTime(createdAt)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCorrupt, fmt.Errorf("pending approval %s: %w", issueNumber, err))
	}
	pa.CreatedAt = created
	return &pa, nil
}

// ListPendingApprovals returns all pending approvals sorted by issue.
func (s *SQLStore) ListPendingApprovals(ctx context.Context) ([]*models.PendingApproval, error) {
	reader := s.pool.Reader()
	rows, err := reader.QueryContext(ctx,
		`SELECT issue_number FROM pending_approvals ORDER BY issue_number`)
	if err != nil {
		return nil, apperrors.Transient("failed to list pending approvals", err)
	}
	defer rows.Close()

	var issues []string
	for rows.Next() {
		var issue string
		if err := rows.Scan(&issue); err != nil {
			return nil, apperrors.Transient("failed to scan pending approval", err)
		}
		issues = append(issues, issue)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Transient("failed to list pending approvals", err)
	}

	out := make([]*models.PendingApproval, 0, len(issues))
	for _, issue := range issues {
		pa, err := s.GetPendingApproval(ctx, issue)
		if err != nil {
			continue
		}
		out = append(out, pa)
	}
	return out, nil
}

// ClearPendingApproval removes the pending approval; idempotent.
func (s *SQLStore) ClearPendingApproval(ctx context.Context, issueNumber string) error {
	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(
		`DELETE FROM pending_approvals WHERE issue_number = ?`), issueNumber)
	if err != nil {
		return apperrors.Transient("failed to clear pending approval", err)
	}
	return nil
}

// Close closes the underlying pool.
func (s *SQLStore) Close() error { return s.pool.Close() }

var _ Store = (*SQLStore)(nil)
