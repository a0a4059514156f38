// Package definition loads and validates declarative workflow definitions.
package definition

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	apperrors "github.com/nexusflow/nexus/internal/common/errors"
	"github.com/nexusflow/nexus/internal/workflow/models"
)

// Canonical workflow types. NormalizeWorkflowType maps every accepted raw
// label onto one of these.
const (
	TypeFull      = "full"
	TypeShortened = "shortened"
	TypeFastTrack = "fast-track"
)

// builtinAliases maps already-normalized raw labels (trimmed, lowercased,
// underscores replaced with hyphens) to canonical workflow types.
var builtinAliases = map[string]string{
	"full":       TypeFull,
	"complete":   TypeFull,
	"standard":   TypeFull,
	"shortened":  TypeShortened,
	"short":      TypeShortened,
	"reduced":    TypeShortened,
	"fast-track": TypeFastTrack,
	"fasttrack":  TypeFastTrack,
	"fast":       TypeFastTrack,
	"express":    TypeFastTrack,
	"hotfix":     TypeFastTrack,
}

// NormalizeWorkflowType maps a user-supplied workflow-type label onto the
// canonical set. Whitespace is trimmed, underscores become hyphens, and the
// result is lowercased before lookup. Unknown values return def. The
// function is idempotent: normalizing an already-canonical value returns it
// unchanged.
func NormalizeWorkflowType(raw, def string) string {
	key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(raw), "_", "-"))
	if key == "" {
		return def
	}
	if canonical, ok := builtinAliases[key]; ok {
		return canonical
	}
	return def
}

// Load parses the workflow definition file at path and validates it.
// Violations return ErrInvalidDefinition with the first offending step named.
func Load(path string) (*models.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow definition %s: %w", path, err)
	}

	var def models.WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, apperrors.Validation(fmt.Sprintf("failed to parse workflow definition %s: %v", path, err))
	}

	if err := Validate(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks the structural invariants of a workflow definition:
// non-empty agent names on non-router steps, unique step numbers, router
// branch targets that exist, a default branch on every router, and at least
// one non-router step.
func Validate(def *models.WorkflowDefinition) error {
	if def.Name == "" {
		return invalid("workflow definition has no name")
	}
	if len(def.Steps) == 0 {
		return invalid("workflow definition %q has no steps", def.Name)
	}

	stepNums := make(map[int]bool, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		if step.StepNum <= 0 {
			return invalid("step %q has invalid step_num %d", step.Name, step.StepNum)
		}
		if stepNums[step.StepNum] {
			return invalid("step %q duplicates step_num %d", step.Name, step.StepNum)
		}
		stepNums[step.StepNum] = true
	}

	nonRouter := 0
	for i := range def.Steps {
		step := &def.Steps[i]
		if step.IsRouter() {
			if err := validateRouter(def, step, stepNums); err != nil {
				return err
			}
			continue
		}
		nonRouter++
		if step.Agent.Name == "" {
			return invalid("step %d (%s) has no agent name", step.StepNum, step.Name)
		}
		if step.BackoffStrategy != "" && !validBackoff(step.BackoffStrategy) {
			return invalid("step %d (%s) has unknown backoff_strategy %q", step.StepNum, step.Name, step.BackoffStrategy)
		}
		if step.NextStepNum != 0 && !stepNums[step.NextStepNum] {
			return invalid("step %d (%s) points at missing next_step_num %d", step.StepNum, step.Name, step.NextStepNum)
		}
		if step.ApprovalRequired && len(step.Approvers) == 0 {
			return invalid("step %d (%s) requires approval but lists no approvers", step.StepNum, step.Name)
		}
	}
	if nonRouter == 0 {
		return invalid("workflow definition %q has no non-router steps", def.Name)
	}
	return nil
}

func validateRouter(def *models.WorkflowDefinition, step *models.StepDefinition, stepNums map[int]bool) error {
	router := step.Router
	if router.DefaultStepNum == 0 {
		return invalid("router step %d (%s) has no default branch", step.StepNum, step.Name)
	}
	if !stepNums[router.DefaultStepNum] {
		return invalid("router step %d (%s) default targets missing step %d", step.StepNum, step.Name, router.DefaultStepNum)
	}
	for _, branch := range router.Branches {
		if branch.Predicate == "" {
			return invalid("router step %d (%s) has a branch with an empty predicate", step.StepNum, step.Name)
		}
		if !stepNums[branch.NextStepNum] {
			return invalid("router step %d (%s) branch targets missing step %d", step.StepNum, step.Name, branch.NextStepNum)
		}
	}
	return nil
}

func validBackoff(strategy string) bool {
	switch strategy {
	case models.BackoffExponential, models.BackoffLinear, models.BackoffConstant:
		return true
	}
	return false
}

func invalid(format string, args ...any) error {
	return apperrors.Wrap(apperrors.ErrInvalidDefinition, fmt.Errorf(format, args...))
}
