package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/nexusflow/nexus/internal/common/errors"
)

// GHClient implements IssuePlatform using the gh CLI against a single
// GitHub repository.
type GHClient struct {
	repo string // "owner/name"
}

// NewGHClient creates a gh CLI-based client for one repository.
func NewGHClient(repo string) *GHClient {
	return &GHClient{repo: repo}
}

// GHAvailable checks if the gh CLI is installed and accessible.
func GHAvailable() bool {
	_, err := exec.LookPath("gh")
	return err == nil
}

// ghIssue is the JSON shape returned by gh issue view/list.
type ghIssue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	State  string `json:"state"`
	URL    string `json:"url"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func convertGHIssue(raw *ghIssue) *Issue {
	labels := make([]string, len(raw.Labels))
	for i, l := range raw.Labels {
		labels[i] = l.Name
	}
	return &Issue{
		Number:    strconv.Itoa(raw.Number),
		Title:     raw.Title,
		Body:      raw.Body,
		State:     strings.ToLower(raw.State),
		Labels:    labels,
		URL:       raw.URL,
		UpdatedAt: raw.UpdatedAt,
	}
}

func (c *GHClient) GetIssue(ctx context.Context, issueNumber string) (*Issue, error) {
	out, err := c.run(ctx, "issue", "view", issueNumber,
		"--repo", c.repo,
		"--json", "number,title,body,state,url,labels,updatedAt")
	if err != nil {
		if strings.Contains(err.Error(), "Could not resolve") {
			return nil, apperrors.NotFound("issue", issueNumber)
		}
		return nil, fmt.Errorf("get issue #%s: %w", issueNumber, err)
	}
	var raw ghIssue
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("parse issue response: %w", err)
	}
	return convertGHIssue(&raw), nil
}

func (c *GHClient) ListOpenIssues(ctx context.Context, label string) ([]*Issue, error) {
	args := []string{"issue", "list",
		"--repo", c.repo,
		"--state", "open",
		"--json", "number,title,state,url,labels,updatedAt",
		"--limit", "200"}
	if label != "" {
		args = append(args, "--label", label)
	}
	out, err := c.run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("list open issues: %w", err)
	}
	var raw []ghIssue
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("parse issue list: %w", err)
	}
	issues := make([]*Issue, len(raw))
	for i := range raw {
		issues[i] = convertGHIssue(&raw[i])
	}
	return issues, nil
}

// ghComment is a comment item from gh issue view --json comments.
type ghComment struct {
	ID     string `json:"id"`
	Body   string `json:"body"`
	URL    string `json:"url"`
	Author struct {
		Login string `json:"login"`
	} `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

func (c *GHClient) GetComments(ctx context.Context, issueNumber string, since *time.Time) ([]*Comment, error) {
	out, err := c.run(ctx, "issue", "view", issueNumber,
		"--repo", c.repo,
		"--json", "comments")
	if err != nil {
		return nil, fmt.Errorf("get comments for issue #%s: %w", issueNumber, err)
	}
	var raw struct {
		Comments []ghComment `json:"comments"`
	}
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("parse comments response: %w", err)
	}
	comments := make([]*Comment, 0, len(raw.Comments))
	for _, rc := range raw.Comments {
		if since != nil && !rc.CreatedAt.After(*since) {
			continue
		}
		comments = append(comments, &Comment{
			ID:        rc.ID,
			Author:    rc.Author.Login,
			Body:      rc.Body,
			CreatedAt: rc.CreatedAt,
			URL:       rc.URL,
		})
	}
	// gh returns comments oldest first already; keep the order stable.
	return comments, nil
}

func (c *GHClient) AddComment(ctx context.Context, issueNumber, body string) (string, error) {
	out, err := c.run(ctx, "issue", "comment", issueNumber,
		"--repo", c.repo,
		"--body", body)
	if err != nil {
		return "", fmt.Errorf("comment on issue #%s: %w", issueNumber, err)
	}
	// gh prints the comment URL; the trailing path segment is the id.
	url := strings.TrimSpace(out)
	if idx := strings.LastIndexByte(url, '-'); idx >= 0 {
		return url[idx+1:], nil
	}
	return url, nil
}

func (c *GHClient) CloseIssue(ctx context.Context, issueNumber string) error {
	if _, err := c.run(ctx, "issue", "close", issueNumber, "--repo", c.repo); err != nil {
		return fmt.Errorf("close issue #%s: %w", issueNumber, err)
	}
	return nil
}

func (c *GHClient) CreatePRFromChanges(ctx context.Context, issueNumber, branch, title, body string) (string, error) {
	out, err := c.run(ctx, "pr", "create",
		"--repo", c.repo,
		"--head", branch,
		"--title", title,
		"--body", fmt.Sprintf("%s\n\nCloses #%s", body, issueNumber))
	if err != nil {
		return "", fmt.Errorf("create PR for issue #%s: %w", issueNumber, err)
	}
	return strings.TrimSpace(out), nil
}

func (c *GHClient) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("gh %s: %w: %s", args[0], err, stderr.String())
	}
	return stdout.String(), nil
}
