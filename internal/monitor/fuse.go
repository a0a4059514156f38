package monitor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nexusflow/nexus/internal/common/config"
	apperrors "github.com/nexusflow/nexus/internal/common/errors"
	"github.com/nexusflow/nexus/internal/common/logger"
)

// fuseState is the persisted sliding-window state for one (issue, agent)
// key.
type fuseState struct {
	WindowStart time.Time   `json:"window_start"`
	Attempts    int         `json:"attempts"`
	Tripped     bool        `json:"tripped"`
	TrippedAt   time.Time   `json:"tripped_at,omitempty"`
	TripTimes   []time.Time `json:"trip_times,omitempty"`
	HardStopped bool        `json:"hard_stopped"`
}

// FuseBank enforces the per-(issue, agent) retry fuse. State is persisted to
// a JSON file so restarts do not reset a tripped fuse.
type FuseBank struct {
	mu     sync.Mutex
	states map[string]*fuseState
	cfg    config.FuseConfig
	path   string
	logger *logger.Logger
	clock  func() time.Time
}

// NewFuseBank loads any persisted fuse state from statePath. A missing file
// starts empty; an unreadable file is an error because silently resetting a
// tripped fuse defeats its purpose.
func NewFuseBank(cfg config.FuseConfig, statePath string, log *logger.Logger, clock func() time.Time) (*FuseBank, error) {
	if clock == nil {
		clock = time.Now
	}
	b := &FuseBank{
		states: make(map[string]*fuseState),
		cfg:    cfg,
		path:   expandHome(statePath),
		logger: log,
		clock:  clock,
	}
	if err := b.load(); err != nil {
		return nil, err
	}
	return b, nil
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

func fuseKey(issueNumber, agentType string) string {
	return issueNumber + "|" + agentType
}

func (b *FuseBank) load() error {
	if b.path == "" {
		return nil
	}
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read fuse state %s: %w", b.path, err)
	}
	if err := json.Unmarshal(data, &b.states); err != nil {
		return fmt.Errorf("failed to parse fuse state %s: %w", b.path, err)
	}
	return nil
}

// persist writes the state file with the rename-after-write discipline.
// Called with the mutex held.
func (b *FuseBank) persist() {
	if b.path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		b.logger.WithError(err).Warn("Failed to create fuse state directory")
		return
	}
	data, err := json.MarshalIndent(b.states, "", "  ")
	if err != nil {
		b.logger.WithError(err).Warn("Failed to marshal fuse state")
		return
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		b.logger.WithError(err).Warn("Failed to write fuse state")
		return
	}
	if err := os.Rename(tmp, b.path); err != nil {
		_ = os.Remove(tmp)
		b.logger.WithError(err).Warn("Failed to rename fuse state into place")
	}
}

// Allow records a retry attempt for the key and reports whether it may
// proceed. A soft trip blocks until the soft window elapses; a second trip
// within the hard window hard-stops the key until Reset. Both trip
// transitions return ErrPolicyBlocked exactly when they occur, so the caller
// can alert once.
func (b *FuseBank) Allow(issueNumber, agentType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock().UTC()
	key := fuseKey(issueNumber, agentType)
	state, ok := b.states[key]
	if !ok {
		state = &fuseState{WindowStart: now}
		b.states[key] = state
	}

	if state.HardStopped {
		return apperrors.Wrap(apperrors.ErrPolicyBlocked,
			fmt.Errorf("retry fuse for issue %s agent %s is hard-stopped; manual reset required", issueNumber, agentType))
	}

	if state.Tripped {
		if now.Sub(state.TrippedAt) < b.cfg.SoftWindow() {
			return apperrors.Wrap(apperrors.ErrPolicyBlocked,
				fmt.Errorf("retry fuse for issue %s agent %s is tripped until %s",
					issueNumber, agentType, state.TrippedAt.Add(b.cfg.SoftWindow()).Format(time.RFC3339)))
		}
		// Window elapsed: the fuse re-arms with a fresh attempt window.
		state.Tripped = false
		state.WindowStart = now
		state.Attempts = 0
	}

	if now.Sub(state.WindowStart) > b.cfg.SoftWindow() {
		state.WindowStart = now
		state.Attempts = 0
	}
	state.Attempts++

	if state.Attempts > b.cfg.SoftThreshold {
		state.Tripped = true
		state.TrippedAt = now
		state.TripTimes = append(state.TripTimes, now)

		// Prune trips outside the hard window, then check for a hard stop.
		kept := state.TripTimes[:0]
		for _, t := range state.TripTimes {
			if now.Sub(t) <= b.cfg.HardWindow() {
				kept = append(kept, t)
			}
		}
		state.TripTimes = kept
		if len(state.TripTimes) >= b.cfg.HardThreshold {
			state.HardStopped = true
			b.persist()
			b.logger.Warn("Retry fuse hard-stopped",
				zap.String("issue_number", issueNumber),
				zap.String("agent_type", agentType),
				zap.Int("trips", len(state.TripTimes)))
			return apperrors.Wrap(apperrors.ErrPolicyBlocked,
				fmt.Errorf("retry fuse for issue %s agent %s hard-stopped after %d trips within %s",
					issueNumber, agentType, len(state.TripTimes), b.cfg.HardWindow()))
		}

		b.persist()
		b.logger.Warn("Retry fuse tripped",
			zap.String("issue_number", issueNumber),
			zap.String("agent_type", agentType),
			zap.Int("attempts", state.Attempts))
		return apperrors.Wrap(apperrors.ErrPolicyBlocked,
			fmt.Errorf("retry fuse for issue %s agent %s tripped: %d attempts within %s",
				issueNumber, agentType, state.Attempts, b.cfg.SoftWindow()))
	}

	b.persist()
	return nil
}

// Tripped reports whether the key is currently blocked.
func (b *FuseBank) Tripped(issueNumber, agentType string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.states[fuseKey(issueNumber, agentType)]
	if !ok {
		return false
	}
	if state.HardStopped {
		return true
	}
	return state.Tripped && b.clock().UTC().Sub(state.TrippedAt) < b.cfg.SoftWindow()
}

// Reset clears the fuse for a key; the manual escape hatch for hard stops.
func (b *FuseBank) Reset(issueNumber, agentType string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.states, fuseKey(issueNumber, agentType))
	b.persist()
	b.logger.Info("Retry fuse reset",
		zap.String("issue_number", issueNumber),
		zap.String("agent_type", agentType))
}
