package dagcore

import (
	"reflect"
	"strconv"
)

// Operator is a Condition's comparison operator (spec.md §3).
type Operator string

const (
	OpEq  Operator = "="
	OpNeq Operator = "!="
	OpGt  Operator = ">"
	OpGte Operator = ">="
	OpLt  Operator = "<"
	OpLte Operator = "<="
)

// Condition is the value type evaluated to decide branch skips (spec.md
// §3/§4.2). Value may itself be an @ref, resolved before comparison.
type Condition struct {
	Ref      string      `json:"ref" validate:"required"`
	Operator Operator    `json:"operator,omitempty"`
	Value    interface{} `json:"value"`
}

func (c Condition) operator() Operator {
	if c.Operator == "" {
		return OpEq
	}
	return c.Operator
}

// EvaluateCondition resolves cond.Ref (left) and, if cond.Value is itself a
// string @ref, resolves it too, then applies the operator. Missing refs on
// the left yield satisfied=false with an error — the Executor treats
// evaluation errors as "do not skip" (fail open on predicates, §4.2).
func EvaluateCondition(resolver *RefResolver, cond Condition, ctx RefContext) (satisfied bool, err error) {
	left, leftErr := resolver.ResolveValue(cond.Ref, ctx)
	if leftErr != nil {
		return false, leftErr
	}

	right := ValueFromInterface(cond.Value)
	if s, ok := cond.Value.(string); ok && looksLikeRef(s) {
		resolvedRight, rerr := resolver.ResolveValue(s, ctx)
		if rerr == nil {
			right = resolvedRight
		}
	}

	return compareValues(left, cond.operator(), right), nil
}

func compareValues(left Value, op Operator, right Value) bool {
	switch op {
	case OpEq:
		return deepEqual(left, right)
	case OpNeq:
		return !deepEqual(left, right)
	default:
		ln, lok := asNumeric(left)
		rn, rok := asNumeric(right)
		if lok && rok {
			return compareNumeric(ln, op, rn)
		}
		return compareLexicographic(left.AsString(), op, right.AsString())
	}
}

func compareNumeric(l float64, op Operator, r float64) bool {
	switch op {
	case OpGt:
		return l > r
	case OpGte:
		return l >= r
	case OpLt:
		return l < r
	case OpLte:
		return l <= r
	}
	return false
}

func compareLexicographic(l string, op Operator, r string) bool {
	switch op {
	case OpGt:
		return l > r
	case OpGte:
		return l >= r
	case OpLt:
		return l < r
	case OpLte:
		return l <= r
	}
	return false
}

func asNumeric(v Value) (float64, bool) {
	if v.IsNumber() {
		return v.Number(), true
	}
	if v.IsString() {
		f, err := strconv.ParseFloat(v.Str(), 64)
		if err == nil {
			return f, true
		}
	}
	return 0, false
}

// deepEqual implements the "=" / "!=" deep structural equality rule.
func deepEqual(a, b Value) bool {
	return reflect.DeepEqual(a.Interface(), b.Interface())
}

func looksLikeRef(s string) bool {
	return len(s) > 0 && s[0] == '@'
}
