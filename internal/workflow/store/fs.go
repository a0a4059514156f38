package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/nexusflow/nexus/internal/common/errors"
	"github.com/nexusflow/nexus/internal/common/logger"
	"github.com/nexusflow/nexus/internal/workflow/models"
)

const (
	workflowsDir     = "workflows"
	completionsDir   = "completions"
	mappingsFile     = "mappings.json"
	approvalsFile    = "pending_approvals.json"
	completionSeqFmt = "%06d.json"
)

// FSStore persists each workflow as one JSON document under the data root,
// with a write-to-temp-then-rename discipline so concurrent readers never
// observe a partially written aggregate.
type FSStore struct {
	root   string
	mu     sync.Mutex
	logger *logger.Logger
}

// NewFSStore creates the data directory tree if needed.
func NewFSStore(root string, log *logger.Logger) (*FSStore, error) {
	root = expandHome(root)
	for _, dir := range []string{root, filepath.Join(root, workflowsDir), filepath.Join(root, completionsDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
		}
	}
	log.Info("Filesystem store ready", zap.String("root", root))
	return &FSStore{root: root, logger: log}, nil
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// writeJSONAtomic marshals v and renames it into place. Rename on the same
// filesystem is atomic, which is the whole point of writing a sibling temp
// file rather than using os.CreateTemp's default directory.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename %s into place: %w", tmp, err)
	}
	return nil
}

func (s *FSStore) workflowPath(workflowID string) string {
	return filepath.Join(s.root, workflowsDir, workflowID+".json")
}

// SaveWorkflow persists the aggregate. Optimistic concurrency: the caller's
// UpdatedAt must match the stored document's, otherwise a concurrent writer
// won and ErrConflict is returned.
func (s *FSStore) SaveWorkflow(ctx context.Context, w *models.Workflow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.workflowPath(w.WorkflowID)
	if existing, err := s.readWorkflow(path); err == nil {
		if !existing.UpdatedAt.Equal(w.UpdatedAt) {
			return apperrors.Conflict(fmt.Sprintf("workflow %s was modified concurrently", w.WorkflowID))
		}
	}

	w.UpdatedAt = time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = w.UpdatedAt
	}
	return writeJSONAtomic(path, w)
}

// LoadWorkflow reads one workflow document.
func (s *FSStore) LoadWorkflow(ctx context.Context, workflowID string) (*models.Workflow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readWorkflow(s.workflowPath(workflowID))
}

func (s *FSStore) readWorkflow(path string) (*models.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NotFound("workflow", strings.TrimSuffix(filepath.Base(path), ".json"))
		}
		return nil, fmt.Errorf("failed to read workflow %s: %w", path, err)
	}
	var w models.Workflow
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCorrupt, fmt.Errorf("workflow %s: %w", path, err))
	}
	return &w, nil
}

func (s *FSStore) issueCompletionsDir(issueNumber string) string {
	return filepath.Join(s.root, completionsDir, issueNumber)
}

// ListCompletions returns the completion records for an issue, newest first.
func (s *FSStore) ListCompletions(ctx context.Context, issueNumber string) ([]*models.CompletionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCompletions(issueNumber)
}

func (s *FSStore) listCompletions(issueNumber string) ([]*models.CompletionRecord, error) {
	entries, err := os.ReadDir(s.issueCompletionsDir(issueNumber))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list completions for issue %s: %w", issueNumber, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	// Sequence numbers are zero-padded, so descending name order is
	// newest first.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	records := make([]*models.CompletionRecord, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(s.issueCompletionsDir(issueNumber), name))
		if err != nil {
			return nil, fmt.Errorf("failed to read completion %s: %w", name, err)
		}
		var rec models.CompletionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			s.logger.Warn("Skipping unparseable completion record",
				zap.String("issue_number", issueNumber),
				zap.String("file", name),
				zap.Error(err))
			continue
		}
		records = append(records, &rec)
	}
	return records, nil
}

// SaveCompletion appends a completion record, deduplicating on
// (issue_number, comment_id).
func (s *FSStore) SaveCompletion(ctx context.Context, rec *models.CompletionRecord) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.listCompletions(rec.IssueNumber)
	if err != nil {
		return "", err
	}
	if rec.CommentID != "" {
		for _, prev := range existing {
			if prev.CommentID == rec.CommentID {
				return prev.ID, nil
			}
		}
	}

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	dir := s.issueCompletionsDir(rec.IssueNumber)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create completions directory: %w", err)
	}
	name := fmt.Sprintf(completionSeqFmt, len(existing)+1)
	if err := writeJSONAtomic(filepath.Join(dir, name), rec); err != nil {
		return "", err
	}
	return rec.ID, nil
}

func (s *FSStore) readMappings() (map[string]string, error) {
	mappings := make(map[string]string)
	data, err := os.ReadFile(filepath.Join(s.root, mappingsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return mappings, nil
		}
		return nil, fmt.Errorf("failed to read issue mappings: %w", err)
	}
	if err := json.Unmarshal(data, &mappings); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCorrupt, fmt.Errorf("issue mappings: %w", err))
	}
	return mappings, nil
}

// GetIssueWorkflowID returns the mapped workflow id or "".
func (s *FSStore) GetIssueWorkflowID(ctx context.Context, issueNumber string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	mappings, err := s.readMappings()
	if err != nil {
		return "", err
	}
	return mappings[issueNumber], nil
}

// MapIssue binds the issue to a workflow, replacing an existing mapping only
// when the previous workflow is terminal or gone.
func (s *FSStore) MapIssue(ctx context.Context, issueNumber, workflowID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	mappings, err := s.readMappings()
	if err != nil {
		return err
	}
	if prev, ok := mappings[issueNumber]; ok && prev != workflowID {
		prevWorkflow, err := s.readWorkflow(s.workflowPath(prev))
		if err == nil && !prevWorkflow.IsTerminal() {
			return apperrors.Wrap(apperrors.ErrActiveMappingExists,
				fmt.Errorf("issue %s is mapped to active workflow %s", issueNumber, prev))
		}
	}
	mappings[issueNumber] = workflowID
	return writeJSONAtomic(filepath.Join(s.root, mappingsFile), mappings)
}

func (s *FSStore) readApprovals() (map[string]*models.PendingApproval, error) {
	approvals := make(map[string]*models.PendingApproval)
	data, err := os.ReadFile(filepath.Join(s.root, approvalsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return approvals, nil
		}
		return nil, fmt.Errorf("failed to read pending approvals: %w", err)
	}
	if err := json.Unmarshal(data, &approvals); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCorrupt, fmt.Errorf("pending approvals: %w", err))
	}
	return approvals, nil
}

// SetPendingApproval records an approval-gate suspension for the issue.
func (s *FSStore) SetPendingApproval(ctx context.Context, pa *models.PendingApproval) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	approvals, err := s.readApprovals()
	if err != nil {
		return err
	}
	if pa.CreatedAt.IsZero() {
		pa.CreatedAt = time.Now().UTC()
	}
	approvals[pa.IssueNumber] = pa
	return writeJSONAtomic(filepath.Join(s.root, approvalsFile), approvals)
}

// GetPendingApproval returns the pending approval for an issue.
func (s *FSStore) GetPendingApproval(ctx context.Context, issueNumber string) (*models.PendingApproval, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	approvals, err := s.readApprovals()
	if err != nil {
		return nil, err
	}
	pa, ok := approvals[issueNumber]
	if !ok {
		return nil, apperrors.NotFound("pending approval", issueNumber)
	}
	return pa, nil
}

// ListPendingApprovals returns all pending approvals sorted by issue.
func (s *FSStore) ListPendingApprovals(ctx context.Context) ([]*models.PendingApproval, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	approvals, err := s.readApprovals()
	if err != nil {
		return nil, err
	}
	issues := make([]string, 0, len(approvals))
	for issue := range approvals {
		issues = append(issues, issue)
	}
	sort.Strings(issues)
	out := make([]*models.PendingApproval, 0, len(issues))
	for _, issue := range issues {
		out = append(out, approvals[issue])
	}
	return out, nil
}

// ClearPendingApproval removes the pending approval for an issue.
func (s *FSStore) ClearPendingApproval(ctx context.Context, issueNumber string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	approvals, err := s.readApprovals()
	if err != nil {
		return err
	}
	if _, ok := approvals[issueNumber]; !ok {
		return nil
	}
	delete(approvals, issueNumber)
	return writeJSONAtomic(filepath.Join(s.root, approvalsFile), approvals)
}

// Close is a no-op for the filesystem driver.
func (s *FSStore) Close() error { return nil }

var _ Store = (*FSStore)(nil)
