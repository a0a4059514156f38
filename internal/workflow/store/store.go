// Package store persists workflow aggregates, completion records, issue
// mappings, and pending approvals. Two drivers are provided: a filesystem
// driver writing human-readable JSON and a relational driver for SQLite or
// PostgreSQL.
package store

import (
	"context"

	"github.com/nexusflow/nexus/internal/common/config"
	"github.com/nexusflow/nexus/internal/common/logger"
	"github.com/nexusflow/nexus/internal/db"
	"github.com/nexusflow/nexus/internal/workflow/models"
)

// Store is the driver-agnostic persistence contract for the workflow kernel.
type Store interface {
	// SaveWorkflow persists the aggregate atomically, bumping UpdatedAt.
	// Returns ErrConflict when a concurrent writer changed UpdatedAt since
	// the caller loaded the workflow.
	SaveWorkflow(ctx context.Context, w *models.Workflow) error

	// LoadWorkflow returns the workflow or ErrNotFound. A stored payload
	// that cannot be parsed returns ErrCorrupt.
	LoadWorkflow(ctx context.Context, workflowID string) (*models.Workflow, error)

	// ListCompletions returns the completion records for an issue, newest
	// first.
	ListCompletions(ctx context.Context, issueNumber string) ([]*models.CompletionRecord, error)

	// SaveCompletion appends a completion record and returns its stable id.
	// When (issue_number, comment_id) already exists the call is a no-op and
	// the existing record's id is returned.
	SaveCompletion(ctx context.Context, rec *models.CompletionRecord) (string, error)

	// GetIssueWorkflowID returns the mapped workflow id, or "" when the
	// issue has no mapping.
	GetIssueWorkflowID(ctx context.Context, issueNumber string) (string, error)

	// MapIssue binds the issue to a workflow. An existing mapping is
	// replaced only when its workflow is terminal (or can no longer be
	// loaded); otherwise ErrActiveMappingExists is returned.
	MapIssue(ctx context.Context, issueNumber, workflowID string) error

	// SetPendingApproval records an approval-gate suspension; idempotent
	// per issue.
	SetPendingApproval(ctx context.Context, pa *models.PendingApproval) error

	// GetPendingApproval returns the pending approval for an issue or
	// ErrNotFound.
	GetPendingApproval(ctx context.Context, issueNumber string) (*models.PendingApproval, error)

	// ListPendingApprovals returns all pending approvals, used by the
	// monitor's expiry sweep.
	ListPendingApprovals(ctx context.Context) ([]*models.PendingApproval, error)

	// ClearPendingApproval removes the pending approval; idempotent.
	ClearPendingApproval(ctx context.Context, issueNumber string) error

	Close() error
}

// New builds a Store from the storage configuration.
func New(cfg config.StorageConfig, log *logger.Logger) (Store, error) {
	switch cfg.Driver {
	case config.StorageDriverSQLite, config.StorageDriverPostgres:
		pool, err := db.Open(cfg)
		if err != nil {
			return nil, err
		}
		return NewSQLStore(pool, log)
	default:
		return NewFSStore(cfg.Root, log)
	}
}
