package execrt

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusflow/nexus/internal/common/config"
	"github.com/nexusflow/nexus/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func TestExpandCommand(t *testing.T) {
	got := expandCommand("agentctl run {agent} --issue {issue} --trigger {trigger}", "42", "developer", "workflow_start")
	assert.Equal(t, "agentctl run developer --issue 42 --trigger workflow_start", got)
}

func TestNewRejectsEmptyCommand(t *testing.T) {
	_, err := New(config.RuntimeConfig{Kind: "exec", Command: "  "}, testLogger(t))
	require.Error(t, err)
}

func TestLaunchAgentWritesLogAndReturnsPID(t *testing.T) {
	logDir := t.TempDir()
	rt, err := New(config.RuntimeConfig{
		Kind:    "exec",
		Command: `echo "agent {agent} on issue {issue}"`,
		LogDir:  logDir,
	}, testLogger(t))
	require.NoError(t, err)

	launch, err := rt.LaunchAgent(context.Background(), "42", "developer", "workflow_start")
	require.NoError(t, err)
	require.NotNil(t, launch)
	assert.Positive(t, launch.PID)
	assert.Equal(t, "echo", launch.Tool)

	// The child is asynchronous; poll briefly for its output.
	deadline := time.Now().Add(5 * time.Second)
	var data []byte
	for time.Now().Before(deadline) {
		data, _ = os.ReadFile(launch.LogPath)
		if len(data) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	assert.Contains(t, string(data), "agent developer on issue 42")
	assert.Equal(t, logDir, filepath.Dir(launch.LogPath))
}

func TestLaunchAgentFailsWhenLogDirUnwritable(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	logDir := t.TempDir()
	rt, err := New(config.RuntimeConfig{Kind: "exec", Command: "true", LogDir: logDir}, testLogger(t))
	require.NoError(t, err)
	require.NoError(t, os.Chmod(logDir, 0o500))
	t.Cleanup(func() { _ = os.Chmod(logDir, 0o755) })

	_, err = rt.LaunchAgent(context.Background(), "42", "developer", "retry")
	require.Error(t, err)
}
