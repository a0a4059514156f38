package platform

import (
	"context"
	"errors"
	"time"
)

// ErrNoPlatform is returned by NoopClient methods that cannot provide
// meaningful data.
var ErrNoPlatform = errors.New("issue platform not configured")

// NoopClient is an IssuePlatform used when no tracker is configured; reads
// return empty results and writes fail loudly.
type NoopClient struct{}

func (c *NoopClient) GetIssue(context.Context, string) (*Issue, error) {
	return nil, ErrNoPlatform
}

func (c *NoopClient) ListOpenIssues(context.Context, string) ([]*Issue, error) {
	return nil, nil
}

func (c *NoopClient) GetComments(context.Context, string, *time.Time) ([]*Comment, error) {
	return nil, nil
}

func (c *NoopClient) AddComment(context.Context, string, string) (string, error) {
	return "", ErrNoPlatform
}

func (c *NoopClient) CloseIssue(context.Context, string) error {
	return ErrNoPlatform
}

func (c *NoopClient) CreatePRFromChanges(context.Context, string, string, string, string) (string, error) {
	return "", ErrNoPlatform
}
