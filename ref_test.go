package dagcore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRefCtx() RefContext {
	ctx := NewRefContext(
		ObjectValue(map[string]Value{"seed": NumberValue(42)}),
		map[string]Value{
			"a": ObjectValue(map[string]Value{"x": NumberValue(1)}),
		},
	)
	return ctx
}

func TestRefResolver_ResolveValue_BareRefPreservesType(t *testing.T) {
	r := NewRefResolver()
	v, err := r.ResolveValue("@a.x", testRefCtx())
	require.NoError(t, err)
	assert.True(t, v.IsNumber())
	assert.Equal(t, float64(1), v.Number())
}

func TestRefResolver_ResolveValue_InputRoot(t *testing.T) {
	r := NewRefResolver()
	v, err := r.ResolveValue("@input.seed", testRefCtx())
	require.NoError(t, err)
	assert.Equal(t, float64(42), v.Number())
}

func TestRefResolver_ResolveValue_UnknownStepErrors(t *testing.T) {
	r := NewRefResolver()
	_, err := r.ResolveValue("@missing.x", testRefCtx())
	assert.Error(t, err)
}

func TestRefResolver_ResolveValue_ItemWithoutScopeErrors(t *testing.T) {
	r := NewRefResolver()
	_, err := r.ResolveValue("@item", testRefCtx())
	assert.Error(t, err)
}

func TestRefResolver_ResolveValue_ItemInScope(t *testing.T) {
	r := NewRefResolver()
	ctx := testRefCtx().WithItem(NumberValue(7), 2)
	v, err := r.ResolveValue("@item", ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(7), v.Number())

	idx, err := r.ResolveValue("@index", ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(2), idx.Number())
}

func TestRefResolver_ResolveValue_Interpolation(t *testing.T) {
	r := NewRefResolver()
	out, err := r.ResolveValue("value is @a.x exactly", testRefCtx())
	require.NoError(t, err)
	assert.True(t, out.IsString())
	assert.Equal(t, "value is 1 exactly", out.Str())
}

func TestRefResolver_ResolveAllRefs_NestedStructure(t *testing.T) {
	r := NewRefResolver()
	raw := []byte(`{"x":"@a.x","nested":{"y":"@input.seed"},"list":["@a.x",2]}`)
	v, errs := r.ResolveAllRefs(raw, testRefCtx())
	assert.Empty(t, errs)

	x, ok := v.Field("x")
	require.True(t, ok)
	assert.Equal(t, float64(1), x.Number())

	nested, ok := v.Field("nested")
	require.True(t, ok)
	y, ok := nested.Field("y")
	require.True(t, ok)
	assert.Equal(t, float64(42), y.Number())

	list, ok := v.Field("list")
	require.True(t, ok)
	first, ok := list.Index(0)
	require.True(t, ok)
	assert.Equal(t, float64(1), first.Number())
}

func TestExtractRefs_FindsRootNames(t *testing.T) {
	raw := []byte(`{"a":"@root.x","b":["@l1",1],"c":"@l2.y"}`)
	refs := ExtractRefs(raw)
	assert.ElementsMatch(t, []string{"root", "l1", "l2"}, refs)
}

func TestExtractRefs_EmptyInput(t *testing.T) {
	assert.Nil(t, ExtractRefs(nil))
}

func TestScanRef_StopsAtNonIdentBoundary(t *testing.T) {
	node, n, ok := scanRef("@a.x,\"rest\"")
	require.True(t, ok)
	assert.Equal(t, "a", node.root)
	assert.Equal(t, []pathSegment{{ident: "x"}}, node.path)
	assert.Equal(t, len("@a.x"), n)
}

func TestScanRef_NumericSegmentIsIndex(t *testing.T) {
	node, _, ok := scanRef("@items.0.value")
	require.True(t, ok)
	assert.Equal(t, "items", node.root)
	require.Len(t, node.path, 2)
	assert.True(t, node.path[0].isIndex)
	assert.Equal(t, 0, node.path[0].index)
	assert.Equal(t, "value", node.path[1].ident)
}
