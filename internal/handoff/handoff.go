// Package handoff implements the signed agent-to-agent handoff protocol:
// HMAC signing over a canonical payload projection, constant-time
// verification, and a retrying dispatcher.
package handoff

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/nexusflow/nexus/internal/common/errors"
	"github.com/nexusflow/nexus/internal/common/logger"
	"github.com/nexusflow/nexus/internal/runtime"
)

// Payload is the transient message handed from one agent to the next.
type Payload struct {
	HandoffID           string         `json:"handoff_id"`
	IssuedBy            string         `json:"issued_by"`
	TargetAgent         string         `json:"target_agent"`
	IssueNumber         string         `json:"issue_number"`
	WorkflowID          string         `json:"workflow_id"`
	TaskContext         map[string]any `json:"task_context,omitempty"`
	VerificationToken   string         `json:"verification_token,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	ExpiresAt           *time.Time     `json:"expires_at,omitempty"`
	RetryCount          int            `json:"retry_count"`
	MaxRetries          int            `json:"max_retries"`
	RetryBackoffSeconds int            `json:"retry_backoff_seconds"`
}

// NewPayload builds a payload with a fresh id and UTC creation time. A zero
// ttl means no expiry.
func NewPayload(issuedBy, targetAgent, issueNumber, workflowID string, taskContext map[string]any, ttl time.Duration) *Payload {
	now := time.Now().UTC()
	p := &Payload{
		HandoffID:   uuid.New().String(),
		IssuedBy:    issuedBy,
		TargetAgent: targetAgent,
		IssueNumber: issueNumber,
		WorkflowID:  workflowID,
		TaskContext: taskContext,
		CreatedAt:   now,
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		p.ExpiresAt = &expires
	}
	return p
}

// Expired reports whether the payload is past its expiry.
func (p *Payload) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

// signable is the projection covered by the signature. VerificationToken and
// RetryCount are excluded: the former is the signature itself, the latter
// mutates across dispatch attempts.
func (p *Payload) signable() map[string]any {
	fields := map[string]any{
		"handoff_id":            p.HandoffID,
		"issued_by":             p.IssuedBy,
		"target_agent":          p.TargetAgent,
		"issue_number":          p.IssueNumber,
		"workflow_id":           p.WorkflowID,
		"created_at":            p.CreatedAt.UTC().Format(time.RFC3339Nano),
		"max_retries":           p.MaxRetries,
		"retry_backoff_seconds": p.RetryBackoffSeconds,
	}
	if p.TaskContext != nil {
		fields["task_context"] = p.TaskContext
	}
	if p.ExpiresAt != nil {
		fields["expires_at"] = p.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	return fields
}

// canonicalize produces the byte string signed by HMAC. encoding/json
// serializes map keys in sorted order and escapes non-ASCII, which is
// exactly the canonical form the protocol requires; nested maps in
// task_context are sorted the same way.
func canonicalize(fields map[string]any) ([]byte, error) {
	return json.Marshal(fields)
}

// Signer signs and verifies handoff payloads with a shared HMAC-SHA-256 key.
type Signer struct {
	secret []byte
}

// NewSigner refuses an empty secret with ErrMissingSecret.
func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, apperrors.ErrMissingSecret
	}
	return &Signer{secret: []byte(secret)}, nil
}

// Sign computes the verification token and stores it on the payload.
func (s *Signer) Sign(p *Payload) error {
	token, err := s.token(p)
	if err != nil {
		return err
	}
	p.VerificationToken = token
	return nil
}

// Verify recomputes the token and compares in constant time.
func (s *Signer) Verify(p *Payload) bool {
	if p.VerificationToken == "" {
		return false
	}
	expected, err := s.token(p)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(p.VerificationToken))
}

func (s *Signer) token(p *Payload) (string, error) {
	canonical, err := canonicalize(p.signable())
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize payload: %w", err)
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Dispatcher signs payloads and delivers them to the target agent through
// the host runtime with exponential backoff.
type Dispatcher struct {
	signer *Signer
	logger *logger.Logger

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDispatcher wires a dispatcher around the signer.
func NewDispatcher(signer *Signer, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		signer: signer,
		logger: log,
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Dispatch delivers the payload. Expiry is checked before any signing work.
// Each attempt calls runtime.LaunchAgent; a nil launch or an error counts as
// a failure, retried up to MaxRetries times with exponential backoff
// (retry_backoff_seconds * 2^(attempt-1)).
func (d *Dispatcher) Dispatch(ctx context.Context, p *Payload, rt runtime.AgentRuntime) (*runtime.Launch, error) {
	if p.Expired(time.Now()) {
		return nil, apperrors.Wrap(apperrors.ErrExpired,
			fmt.Errorf("handoff %s expired at %s", p.HandoffID, p.ExpiresAt.Format(time.RFC3339)))
	}

	if err := d.signer.Sign(p); err != nil {
		return nil, err
	}

	log := d.logger.WithIssue(p.IssueNumber).WithAgent(p.TargetAgent)
	trigger := runtime.TriggerHandoffPrefix + p.HandoffID

	var lastErr error
	attempts := p.MaxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		launch, err := rt.LaunchAgent(ctx, p.IssueNumber, p.TargetAgent, trigger)
		if err == nil && launch != nil {
			log.Info("Handoff dispatched",
				zap.String("handoff_id", p.HandoffID),
				zap.Int("pid", launch.PID),
				zap.Int("attempt", attempt))
			return launch, nil
		}
		if err == nil {
			err = fmt.Errorf("runtime declined to launch %s for issue %s", p.TargetAgent, p.IssueNumber)
		}
		lastErr = err
		p.RetryCount = attempt
		log.Warn("Handoff dispatch attempt failed",
			zap.String("handoff_id", p.HandoffID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Error(err))

		if attempt < attempts {
			backoff := time.Duration(p.RetryBackoffSeconds) * time.Second << (attempt - 1)
			if err := d.sleep(ctx, backoff); err != nil {
				return nil, err
			}
		}
	}
	return nil, apperrors.Transient(
		fmt.Sprintf("handoff %s to %s failed after %d attempts", p.HandoffID, p.TargetAgent, attempts), lastErr)
}
