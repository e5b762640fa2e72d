package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// ConditionEvaluator evaluates a boolean expression against a JSON context
// document. It is the collaborator boundary for edge conditions on
// exclusive gateways and for expression-mode join satisfaction.
//
// Evaluation errors are never fatal to an instance: the Runtime catches
// them, records a diagnostic, and treats the condition as false.
type ConditionEvaluator interface {
	// Evaluate returns the boolean value of expr against the context.
	Evaluate(expr string, contextJSON []byte) (bool, error)

	// ValidateSyntax reports whether expr is well-formed, without
	// evaluating it. Used at definition-publish time.
	ValidateSyntax(expr string) error
}

// BasicConditionEvaluator is the built-in ConditionEvaluator.
//
// It supports a small comparison grammar over gjson dot-paths:
//
//	amount > 100
//	user.tier == "gold"
//	approved == true && items.0.qty >= 2
//	region == "eu" || region == "uk"
//
// Clauses are combined left-to-right; "&&" binds tighter than "||".
// A bare path is truthy if it resolves to true, a non-zero number, or a
// non-empty string. Richer expression languages can be plugged in via
// WithConditionEvaluator.
type BasicConditionEvaluator struct{}

// NewBasicConditionEvaluator returns the built-in evaluator.
func NewBasicConditionEvaluator() *BasicConditionEvaluator {
	return &BasicConditionEvaluator{}
}

var comparisonOps = []string{"==", "!=", ">=", "<=", ">", "<"}

// Evaluate implements ConditionEvaluator.
func (e *BasicConditionEvaluator) Evaluate(expr string, contextJSON []byte) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false, fmt.Errorf("empty condition expression")
	}
	for _, disjunct := range strings.Split(expr, "||") {
		all := true
		for _, clause := range strings.Split(disjunct, "&&") {
			ok, err := e.evalClause(strings.TrimSpace(clause), contextJSON)
			if err != nil {
				return false, err
			}
			if !ok {
				all = false
				break
			}
		}
		if all {
			return true, nil
		}
	}
	return false, nil
}

// ValidateSyntax implements ConditionEvaluator.
func (e *BasicConditionEvaluator) ValidateSyntax(expr string) error {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return fmt.Errorf("empty condition expression")
	}
	for _, disjunct := range strings.Split(expr, "||") {
		for _, clause := range strings.Split(disjunct, "&&") {
			clause = strings.TrimSpace(clause)
			if clause == "" {
				return fmt.Errorf("empty clause in %q", expr)
			}
			path, _, lit, hasOp := splitClause(clause)
			if path == "" {
				return fmt.Errorf("missing path in clause %q", clause)
			}
			if hasOp && strings.TrimSpace(lit) == "" {
				return fmt.Errorf("missing literal in clause %q", clause)
			}
		}
	}
	return nil
}

func (e *BasicConditionEvaluator) evalClause(clause string, contextJSON []byte) (bool, error) {
	if clause == "" {
		return false, fmt.Errorf("empty clause")
	}
	path, op, lit, hasOp := splitClause(clause)
	val := gjson.GetBytes(contextJSON, path)
	if !hasOp {
		return truthy(val), nil
	}
	return compare(val, op, strings.TrimSpace(lit))
}

// splitClause splits "path op literal" on the first comparison operator.
// Operators are matched longest-first so ">=" is not read as ">".
func splitClause(clause string) (path, op, lit string, hasOp bool) {
	for _, candidate := range comparisonOps {
		if idx := strings.Index(clause, candidate); idx > 0 {
			return strings.TrimSpace(clause[:idx]), candidate, clause[idx+len(candidate):], true
		}
	}
	return strings.TrimSpace(clause), "", "", false
}

func truthy(val gjson.Result) bool {
	switch val.Type {
	case gjson.True:
		return true
	case gjson.Number:
		return val.Num != 0
	case gjson.String:
		return val.Str != ""
	default:
		return false
	}
}

func compare(val gjson.Result, op, lit string) (bool, error) {
	// String literal comparison.
	if len(lit) >= 2 && (lit[0] == '"' || lit[0] == '\'') {
		s := strings.Trim(lit, `"'`)
		switch op {
		case "==":
			return val.String() == s, nil
		case "!=":
			return val.String() != s, nil
		default:
			return false, fmt.Errorf("operator %q not valid for string literal", op)
		}
	}
	switch lit {
	case "true", "false":
		want := lit == "true"
		switch op {
		case "==":
			return val.Bool() == want, nil
		case "!=":
			return val.Bool() != want, nil
		default:
			return false, fmt.Errorf("operator %q not valid for boolean literal", op)
		}
	case "null":
		switch op {
		case "==":
			return !val.Exists() || val.Type == gjson.Null, nil
		case "!=":
			return val.Exists() && val.Type != gjson.Null, nil
		default:
			return false, fmt.Errorf("operator %q not valid for null literal", op)
		}
	}
	num, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		// Unquoted literal that is not a number or keyword: compare as string.
		switch op {
		case "==":
			return val.String() == lit, nil
		case "!=":
			return val.String() != lit, nil
		}
		return false, fmt.Errorf("cannot parse literal %q", lit)
	}
	v := val.Float()
	switch op {
	case "==":
		return v == num, nil
	case "!=":
		return v != num, nil
	case ">":
		return v > num, nil
	case ">=":
		return v >= num, nil
	case "<":
		return v < num, nil
	case "<=":
		return v <= num, nil
	}
	return false, fmt.Errorf("unknown operator %q", op)
}
