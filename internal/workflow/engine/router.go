package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nexusflow/nexus/internal/workflow/models"
)

// evalRouter picks the next step number: the first branch whose predicate
// holds against the merged outputs wins, otherwise the default branch.
// Routers are pure; predicates never perform I/O and routers are never
// marked RUNNING.
func evalRouter(router *models.RouterSpec, outputs map[string]any) int {
	for _, branch := range router.Branches {
		if evalPredicate(branch.Predicate, outputs) {
			return branch.NextStepNum
		}
	}
	return router.DefaultStepNum
}

// evalPredicate evaluates a minimal expression language against the outputs:
//
//	field == literal
//	field != literal
//	field            (truthy: present, non-empty, non-false, non-zero)
//
// Literals may be double-quoted strings, numbers, or the bare words
// true/false. Unknown fields make comparisons false and truthy checks false.
func evalPredicate(predicate string, outputs map[string]any) bool {
	expr := strings.TrimSpace(predicate)
	if expr == "" {
		return false
	}

	if field, literal, ok := splitOperator(expr, "=="); ok {
		value, present := outputs[field]
		return present && literalEqual(value, literal)
	}
	if field, literal, ok := splitOperator(expr, "!="); ok {
		value, present := outputs[field]
		if !present {
			return true
		}
		return !literalEqual(value, literal)
	}

	return truthy(outputs[strings.TrimSpace(expr)])
}

func splitOperator(expr, op string) (field, literal string, ok bool) {
	idx := strings.Index(expr, op)
	if idx < 0 {
		return "", "", false
	}
	field = strings.TrimSpace(expr[:idx])
	literal = strings.TrimSpace(expr[idx+len(op):])
	if field == "" || literal == "" {
		return "", "", false
	}
	return field, literal, true
}

// literalEqual compares an output value against a predicate literal.
func literalEqual(value any, literal string) bool {
	if unquoted, ok := unquote(literal); ok {
		return stringify(value) == unquoted
	}
	switch literal {
	case "true", "false":
		b, isBool := value.(bool)
		return isBool && strconv.FormatBool(b) == literal
	}
	if want, err := strconv.ParseFloat(literal, 64); err == nil {
		switch v := value.(type) {
		case float64:
			return v == want
		case int:
			return float64(v) == want
		case int64:
			return float64(v) == want
		}
		// Numeric literal against a string output: compare textually.
		return stringify(value) == literal
	}
	// Bare-word literal compares as a string.
	return stringify(value) == literal
}

func unquote(literal string) (string, bool) {
	if len(literal) >= 2 && literal[0] == '"' && literal[len(literal)-1] == '"' {
		if unquoted, err := strconv.Unquote(literal); err == nil {
			return unquoted, true
		}
		return literal[1 : len(literal)-1], true
	}
	return "", false
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != "" && v != "false" && v != "0"
	case float64:
		return v != 0
	case int:
		return v != 0
	case int64:
		return v != 0
	default:
		return true
	}
}
