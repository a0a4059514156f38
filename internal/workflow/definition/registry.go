package definition

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/nexusflow/nexus/internal/common/errors"
	"github.com/nexusflow/nexus/internal/common/logger"
	"github.com/nexusflow/nexus/internal/workflow/models"
)

// Provider resolves a normalized workflow type to its definition.
type Provider interface {
	Definition(workflowType string) (*models.WorkflowDefinition, error)
}

// Registry is an immutable-after-load catalog of workflow definitions keyed
// by canonical workflow type.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*models.WorkflowDefinition
}

// NewRegistry builds a registry from already-validated definitions.
func NewRegistry(defs ...*models.WorkflowDefinition) *Registry {
	r := &Registry{defs: make(map[string]*models.WorkflowDefinition, len(defs))}
	for _, def := range defs {
		r.defs[NormalizeWorkflowType(def.WorkflowType, def.WorkflowType)] = def
	}
	return r
}

// LoadDir loads every *.yaml and *.yml file in dir as a workflow definition.
func LoadDir(dir string, log *logger.Logger) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions directory %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	r := &Registry{defs: make(map[string]*models.WorkflowDefinition, len(names))}
	for _, name := range names {
		def, err := Load(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("definition %s: %w", name, err)
		}
		key := NormalizeWorkflowType(def.WorkflowType, def.WorkflowType)
		if _, exists := r.defs[key]; exists {
			return nil, apperrors.Validation(fmt.Sprintf("duplicate workflow type %q in %s", key, name))
		}
		r.defs[key] = def
		log.Info("Loaded workflow definition",
			zap.String("workflow_type", key),
			zap.String("file", name),
			zap.Int("steps", len(def.Steps)))
	}
	if len(r.defs) == 0 {
		return nil, apperrors.Validation(fmt.Sprintf("no workflow definitions found in %s", dir))
	}
	return r, nil
}

// Definition returns the definition for a workflow type. The type is
// normalized before lookup so callers may pass raw labels.
func (r *Registry) Definition(workflowType string) (*models.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if def, ok := r.defs[workflowType]; ok {
		return def, nil
	}
	normalized := NormalizeWorkflowType(workflowType, "")
	if def, ok := r.defs[normalized]; ok {
		return def, nil
	}
	return nil, apperrors.Validation(fmt.Sprintf("unknown workflow type %q", workflowType))
}

// Types returns the registered canonical workflow types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.defs))
	for t := range r.defs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

var _ Provider = (*Registry)(nil)
