// Package rules implements condition evaluation for branching nodes and
// audience matching for campaign target filters.
package rules

import (
	"regexp"
	"strings"

	"github.com/songzhibin97/campaign-engine/types"
)

// Supported condition operators.
const (
	OpEquals     = "equals"
	OpNotEquals  = "notEquals"
	OpContains   = "contains"
	OpStartsWith = "startsWith"
	OpEndsWith   = "endsWith"
	OpRegex      = "regex"
)

// Known reports whether op is a recognized operator name or alias.
// Unknown operators still evaluate (with contains semantics), but call
// sites use Known to log the fallback.
func Known(op string) bool {
	switch op {
	case OpEquals, "==", OpNotEquals, "!=", OpContains, OpStartsWith, OpEndsWith, OpRegex:
		return true
	}
	return false
}

// Evaluate applies op to left and right and returns the outcome. It is a
// total function: every input yields true or false, never an error.
//
//   - equals/== and notEquals/!= are case-sensitive and do not trim
//   - contains, startsWith and endsWith compare case-insensitively
//   - regex treats right as the pattern and fails closed: a malformed
//     pattern evaluates to false
//   - an unknown operator falls back to contains semantics, a quirk kept
//     for compatibility with graphs authored against the legacy engine
func Evaluate(op, left, right string) bool {
	switch op {
	case OpEquals, "==":
		return left == right
	case OpNotEquals, "!=":
		return left != right
	case OpStartsWith:
		return strings.HasPrefix(strings.ToLower(left), strings.ToLower(right))
	case OpEndsWith:
		return strings.HasSuffix(strings.ToLower(left), strings.ToLower(right))
	case OpRegex:
		re, err := regexp.Compile(right)
		if err != nil {
			return false
		}
		return re.MatchString(left)
	default:
		return strings.Contains(strings.ToLower(left), strings.ToLower(right))
	}
}

// EvaluateSwitch resolves a switch condition: cases are tested in
// declaration order against input using each case's own operator and
// value, and the first match wins. If no case matches, the default label
// is returned. Case order is significant and preserved exactly as
// authored.
func EvaluateSwitch(cases []types.ConditionCase, input string) string {
	for _, c := range cases {
		if Evaluate(c.Operator, input, c.Value) {
			return c.Label
		}
	}
	return types.LabelDefault
}
