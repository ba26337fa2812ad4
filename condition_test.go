package dagcore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateCondition_DefaultOperatorIsEquality(t *testing.T) {
	r := NewRefResolver()
	ctx := NewRefContext(Null, map[string]Value{
		"decide": ObjectValue(map[string]Value{"ok": BoolValue(true)}),
	})

	satisfied, err := EvaluateCondition(r, Condition{Ref: "@decide.ok", Value: true}, ctx)
	require.NoError(t, err)
	assert.True(t, satisfied)

	satisfied, err = EvaluateCondition(r, Condition{Ref: "@decide.ok", Value: false}, ctx)
	require.NoError(t, err)
	assert.False(t, satisfied)
}

func TestEvaluateCondition_NumericComparisons(t *testing.T) {
	r := NewRefResolver()
	ctx := NewRefContext(Null, map[string]Value{
		"s": ObjectValue(map[string]Value{"count": NumberValue(5)}),
	})

	cases := []struct {
		op   Operator
		want bool
	}{
		{OpGt, true}, {OpGte, true}, {OpLt, false}, {OpLte, false}, {OpNeq, true},
	}
	for _, c := range cases {
		satisfied, err := EvaluateCondition(r, Condition{Ref: "@s.count", Operator: c.op, Value: float64(3)}, ctx)
		require.NoError(t, err)
		assert.Equal(t, c.want, satisfied, "operator %s", c.op)
	}
}

func TestEvaluateCondition_RightHandRefIsResolved(t *testing.T) {
	r := NewRefResolver()
	ctx := NewRefContext(Null, map[string]Value{
		"a": ObjectValue(map[string]Value{"x": NumberValue(10)}),
		"b": ObjectValue(map[string]Value{"y": NumberValue(10)}),
	})
	satisfied, err := EvaluateCondition(r, Condition{Ref: "@a.x", Value: "@b.y"}, ctx)
	require.NoError(t, err)
	assert.True(t, satisfied)
}

func TestEvaluateCondition_MissingRefIsError(t *testing.T) {
	r := NewRefResolver()
	ctx := NewRefContext(Null, map[string]Value{})
	_, err := EvaluateCondition(r, Condition{Ref: "@missing.x", Value: 1}, ctx)
	assert.Error(t, err, "fail-open handling belongs to the caller, not this function")
}

func TestEvaluateCondition_LexicographicFallback(t *testing.T) {
	r := NewRefResolver()
	ctx := NewRefContext(Null, map[string]Value{
		"s": ObjectValue(map[string]Value{"name": StringValue("banana")}),
	})
	satisfied, err := EvaluateCondition(r, Condition{Ref: "@s.name", Operator: OpGt, Value: "apple"}, ctx)
	require.NoError(t, err)
	assert.True(t, satisfied)
}
