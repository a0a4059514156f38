// Package platform abstracts the issue tracker the orchestrator drives
// workflows against.
package platform

import (
	"context"
	"strings"
	"time"
)

// LabelWorkflowPrefix marks labels that select a workflow type, e.g.
// "workflow:fast-track".
const LabelWorkflowPrefix = "workflow:"

// Issue is a tracker issue as the orchestrator sees it.
type Issue struct {
	Number    string    `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	State     string    `json:"state"`
	Labels    []string  `json:"labels,omitempty"`
	URL       string    `json:"url,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Comment is one issue comment. ID is stable per comment and serves as the
// dedup key for completion signals.
type Comment struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	URL       string    `json:"url,omitempty"`
}

// IssuePlatform is the tracker contract consumed by the engine and
// reconciler.
type IssuePlatform interface {
	// GetIssue fetches one issue by number.
	GetIssue(ctx context.Context, issueNumber string) (*Issue, error)

	// ListOpenIssues lists open issues, optionally filtered by label.
	ListOpenIssues(ctx context.Context, label string) ([]*Issue, error)

	// GetComments returns the issue's comments in chronological order.
	// A non-nil since restricts to comments created after that time.
	GetComments(ctx context.Context, issueNumber string, since *time.Time) ([]*Comment, error)

	// AddComment posts a comment and returns its id.
	AddComment(ctx context.Context, issueNumber, body string) (string, error)

	// CloseIssue closes the issue.
	CloseIssue(ctx context.Context, issueNumber string) error

	// CreatePRFromChanges opens a pull request for the branch holding an
	// agent's changes and returns its URL.
	CreatePRFromChanges(ctx context.Context, issueNumber, branch, title, body string) (string, error)
}

// WorkflowTypeFromLabels extracts the raw workflow type from issue labels.
// The first label carrying the workflow prefix wins; ok is false when no
// label selects a type.
func WorkflowTypeFromLabels(labels []string) (string, bool) {
	for _, label := range labels {
		trimmed := strings.TrimSpace(label)
		if rest, found := strings.CutPrefix(trimmed, LabelWorkflowPrefix); found {
			return rest, true
		}
	}
	return "", false
}
