package workflow

import (
	"fmt"
	"strconv"
	"strings"
)

// EvalCondition checks a numeric value against a compact condition string
// such as "<80", ">=0.8" or "!=0". Operators: <, <=, >, >=, ==, !=.
func EvalCondition(value float64, cond string) (bool, error) {
	cond = strings.TrimSpace(cond)
	if cond == "" {
		return false, fmt.Errorf("empty condition")
	}

	op := ""
	rest := ""
	switch {
	case strings.HasPrefix(cond, "<="):
		op, rest = "<=", cond[2:]
	case strings.HasPrefix(cond, ">="):
		op, rest = ">=", cond[2:]
	case strings.HasPrefix(cond, "=="):
		op, rest = "==", cond[2:]
	case strings.HasPrefix(cond, "!="):
		op, rest = "!=", cond[2:]
	case strings.HasPrefix(cond, "<"):
		op, rest = "<", cond[1:]
	case strings.HasPrefix(cond, ">"):
		op, rest = ">", cond[1:]
	default:
		return false, fmt.Errorf("condition %q has no operator", cond)
	}

	threshold, err := strconv.ParseFloat(strings.TrimSpace(rest), 64)
	if err != nil {
		return false, fmt.Errorf("condition %q: bad threshold: %w", cond, err)
	}

	switch op {
	case "<":
		return value < threshold, nil
	case "<=":
		return value <= threshold, nil
	case ">":
		return value > threshold, nil
	case ">=":
		return value >= threshold, nil
	case "==":
		return value == threshold, nil
	case "!=":
		return value != threshold, nil
	}
	return false, fmt.Errorf("condition %q: unsupported operator", cond)
}
