// Package execrt is the local subprocess AgentRuntime: each launch spawns
// the configured command with its output redirected to a per-launch log
// file, which doubles as the activity signal for timeout detection.
package execrt

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nexusflow/nexus/internal/common/config"
	apperrors "github.com/nexusflow/nexus/internal/common/errors"
	"github.com/nexusflow/nexus/internal/common/logger"
	"github.com/nexusflow/nexus/internal/runtime"
)

// Runtime launches agents as detached local subprocesses.
type Runtime struct {
	cfg    config.RuntimeConfig
	logger *logger.Logger
}

// New validates the command template and log directory up front so launch
// failures surface at startup, not mid-workflow.
func New(cfg config.RuntimeConfig, log *logger.Logger) (*Runtime, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, apperrors.Validation("runtime.command is required for the exec runtime")
	}
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(os.TempDir(), "nexus-agents")
	}
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create agent log dir %s: %w", cfg.LogDir, err)
	}
	return &Runtime{cfg: cfg, logger: log}, nil
}

// expandCommand substitutes the launch placeholders into the template.
func expandCommand(template, issueNumber, agentType, trigger string) string {
	r := strings.NewReplacer(
		"{issue}", issueNumber,
		"{agent}", agentType,
		"{trigger}", trigger,
	)
	return r.Replace(template)
}

// logPath names the per-launch log file. Timestamped so retries of the
// same (issue, agent) pair do not clobber each other's history.
func (r *Runtime) logPath(issueNumber, agentType string) string {
	name := fmt.Sprintf("issue-%s-%s-%d.log", issueNumber, agentType, time.Now().UnixMilli())
	return filepath.Join(r.cfg.LogDir, name)
}

// LaunchAgent spawns the agent subprocess and returns without waiting. The
// child is reaped in a background goroutine; its exit is observed by the
// monitor via liveness, not by this runtime.
func (r *Runtime) LaunchAgent(ctx context.Context, issueNumber, agentType, trigger string) (*runtime.Launch, error) {
	command := expandCommand(r.cfg.Command, issueNumber, agentType, trigger)
	logPath := r.logPath(issueNumber, agentType)

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, apperrors.Transient("failed to open agent log file", err)
	}

	cmd := exec.Command("sh", "-lc", command)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(),
		"NEXUS_ISSUE_NUMBER="+issueNumber,
		"NEXUS_AGENT_TYPE="+agentType,
		"NEXUS_TRIGGER="+trigger,
	)
	setDetached(cmd)

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		_ = os.Remove(logPath)
		return nil, apperrors.Transient("failed to start agent process", err)
	}

	pid := cmd.Process.Pid
	r.logger.WithIssue(issueNumber).WithAgent(agentType).Info("Launched agent process",
		zap.Int("pid", pid),
		zap.String("trigger", trigger),
		zap.String("log_path", logPath))

	// Reap the child so it never zombies; the exit status only matters to
	// the log.
	go func() {
		err := cmd.Wait()
		_ = logFile.Close()
		if err != nil {
			r.logger.WithIssue(issueNumber).WithAgent(agentType).WithError(err).
				Debug("Agent process exited with error")
		}
	}()

	return &runtime.Launch{
		PID:     pid,
		Tool:    firstWord(command),
		LogPath: logPath,
	}, nil
}

func firstWord(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
