package monitor

import (
	"sync"
	"time"
)

// TrackedAgent is one launched agent process under supervision.
type TrackedAgent struct {
	IssueNumber    string    `json:"issue_number"`
	AgentType      string    `json:"agent_type"`
	PID            int       `json:"pid"`
	LogPath        string    `json:"log_path"`
	LaunchedAt     time.Time `json:"launched_at"`
	TimeoutSeconds int       `json:"timeout_seconds"`
}

// Registry is the shared launch registry keyed by issue number. One agent
// process per issue at a time.
type Registry struct {
	mu     sync.Mutex
	agents map[string]*TrackedAgent
}

// NewRegistry creates an empty launch registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*TrackedAgent)}
}

// Track registers a launched agent, replacing any previous entry for the
// issue.
func (r *Registry) Track(agent *TrackedAgent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agent.IssueNumber] = agent
}

// Untrack removes the entry for an issue; idempotent.
func (r *Registry) Untrack(issueNumber string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, issueNumber)
}

// Get returns the tracked agent for an issue.
func (r *Registry) Get(issueNumber string) (*TrackedAgent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[issueNumber]
	return agent, ok
}

// List returns a snapshot of all tracked agents.
func (r *Registry) List() []*TrackedAgent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*TrackedAgent, 0, len(r.agents))
	for _, agent := range r.agents {
		out = append(out, agent)
	}
	return out
}
