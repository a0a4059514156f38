package handoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/nexusflow/nexus/internal/common/errors"
	"github.com/nexusflow/nexus/internal/common/logger"
	"github.com/nexusflow/nexus/internal/runtime"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func testPayload() *Payload {
	return NewPayload("triage", "developer", "42", "proj-42-full",
		map[string]any{"summary": "triage done", "branch": "fix/42"}, 0)
}

func TestSignerRejectsEmptySecret(t *testing.T) {
	_, err := NewSigner("")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrMissingSecret))
}

func TestSignVerifyRoundTrip(t *testing.T) {
	signer, err := NewSigner("topsecret")
	require.NoError(t, err)

	p := testPayload()
	require.NoError(t, signer.Sign(p))
	require.NotEmpty(t, p.VerificationToken)
	assert.True(t, signer.Verify(p))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	signer, err := NewSigner("topsecret")
	require.NoError(t, err)
	other, err := NewSigner("differentsecret")
	require.NoError(t, err)

	p := testPayload()
	require.NoError(t, signer.Sign(p))
	assert.False(t, other.Verify(p))
}

func TestVerifyRejectsTampering(t *testing.T) {
	signer, err := NewSigner("topsecret")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Payload)
	}{
		{"target agent", func(p *Payload) { p.TargetAgent = "attacker" }},
		{"issue number", func(p *Payload) { p.IssueNumber = "43" }},
		{"task context", func(p *Payload) { p.TaskContext["branch"] = "evil" }},
		{"workflow id", func(p *Payload) { p.WorkflowID = "proj-43-full" }},
		{"token", func(p *Payload) { p.VerificationToken = "deadbeef" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testPayload()
			require.NoError(t, signer.Sign(p))
			tt.mutate(p)
			assert.False(t, signer.Verify(p))
		})
	}
}

func TestRetryCountDoesNotAffectSignature(t *testing.T) {
	signer, err := NewSigner("topsecret")
	require.NoError(t, err)

	p := testPayload()
	require.NoError(t, signer.Sign(p))
	p.RetryCount = 2
	assert.True(t, signer.Verify(p), "retry_count is outside the signable projection")
}

// launchRecorder counts LaunchAgent calls and fails a configurable number of
// leading attempts.
type launchRecorder struct {
	calls    int
	failures int
	declines bool
	triggers []string
}

func (r *launchRecorder) LaunchAgent(_ context.Context, issueNumber, agentType, trigger string) (*runtime.Launch, error) {
	r.calls++
	r.triggers = append(r.triggers, trigger)
	if r.calls <= r.failures {
		if r.declines {
			return nil, nil
		}
		return nil, errors.New("launch failed")
	}
	return &runtime.Launch{PID: 4000 + r.calls, Tool: "mock"}, nil
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	signer, err := NewSigner("topsecret")
	require.NoError(t, err)
	d := NewDispatcher(signer, testLogger(t))
	d.sleep = func(context.Context, time.Duration) error { return nil }
	return d
}

func TestDispatchSucceedsFirstAttempt(t *testing.T) {
	d := newTestDispatcher(t)
	rt := &launchRecorder{}

	p := testPayload()
	p.MaxRetries = 3
	launch, err := d.Dispatch(context.Background(), p, rt)
	require.NoError(t, err)
	require.NotNil(t, launch)
	assert.Equal(t, 1, rt.calls)
	assert.NotEmpty(t, p.VerificationToken, "dispatch must sign the payload")
	assert.Equal(t, runtime.TriggerHandoffPrefix+p.HandoffID, rt.triggers[0])
}

func TestDispatchRetriesDeclines(t *testing.T) {
	d := newTestDispatcher(t)
	rt := &launchRecorder{failures: 2, declines: true}

	p := testPayload()
	p.MaxRetries = 3
	p.RetryBackoffSeconds = 1
	launch, err := d.Dispatch(context.Background(), p, rt)
	require.NoError(t, err)
	require.NotNil(t, launch)
	assert.Equal(t, 3, rt.calls)
}

func TestDispatchExhaustsRetries(t *testing.T) {
	d := newTestDispatcher(t)
	rt := &launchRecorder{failures: 100}

	p := testPayload()
	p.MaxRetries = 2
	p.RetryBackoffSeconds = 1
	launch, err := d.Dispatch(context.Background(), p, rt)
	require.Error(t, err)
	assert.Nil(t, launch)
	assert.Equal(t, 3, rt.calls, "max_retries+1 attempts")
}

func TestDispatchExpiredPayload(t *testing.T) {
	d := newTestDispatcher(t)
	rt := &launchRecorder{}

	p := testPayload()
	expired := time.Now().UTC().Add(-time.Second)
	p.ExpiresAt = &expired

	launch, err := d.Dispatch(context.Background(), p, rt)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrExpired))
	assert.Nil(t, launch)
	assert.Equal(t, 0, rt.calls, "expiry is checked before any launch attempt")
	assert.Empty(t, p.VerificationToken, "expiry is checked before signing")
}

func TestDispatchBackoffDoubles(t *testing.T) {
	signer, err := NewSigner("topsecret")
	require.NoError(t, err)
	d := NewDispatcher(signer, testLogger(t))

	var slept []time.Duration
	d.sleep = func(_ context.Context, dur time.Duration) error {
		slept = append(slept, dur)
		return nil
	}

	p := testPayload()
	p.MaxRetries = 3
	p.RetryBackoffSeconds = 2
	_, err = d.Dispatch(context.Background(), p, &launchRecorder{failures: 100})
	require.Error(t, err)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, slept)
}
