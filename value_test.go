package dagcore

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValue_MarshalJSON_ObjectKeysSorted(t *testing.T) {
	v := ObjectValue(map[string]Value{
		"z": NumberValue(1),
		"a": NumberValue(2),
		"m": NumberValue(3),
	})
	out, err := json.Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"m":3,"z":1}`, string(out))
}

func TestValue_RoundTrip(t *testing.T) {
	raw := []byte(`{"name":"step1","count":3,"ok":true,"tags":["a","b"],"meta":null}`)
	v, err := ParseValue(raw)
	require.NoError(t, err)

	name, ok := v.Field("name")
	require.True(t, ok)
	assert.Equal(t, "step1", name.Str())

	count, ok := v.Field("count")
	require.True(t, ok)
	assert.Equal(t, float64(3), count.Number())

	tags, ok := v.Field("tags")
	require.True(t, ok)
	require.True(t, tags.IsArray())
	first, ok := tags.Index(0)
	require.True(t, ok)
	assert.Equal(t, "a", first.Str())

	meta, ok := v.Field("meta")
	require.True(t, ok)
	assert.True(t, meta.IsNull())
}

func TestValue_ParseEmptyIsNull(t *testing.T) {
	v, err := ParseValue(nil)
	require.NoError(t, err)
	assert.True(t, v.IsNull())
}

func TestValue_FieldOnNonObjectFails(t *testing.T) {
	v := NumberValue(1)
	_, ok := v.Field("x")
	assert.False(t, ok)
}

func TestValue_IndexOutOfRange(t *testing.T) {
	v := ArrayValue([]Value{NumberValue(1)})
	_, ok := v.Index(5)
	assert.False(t, ok)
	_, ok = v.Index(-1)
	assert.False(t, ok)
}

func TestValue_AsString(t *testing.T) {
	assert.Equal(t, "", Null.AsString())
	assert.Equal(t, "true", BoolValue(true).AsString())
	assert.Equal(t, "3.5", NumberValue(3.5).AsString())
	assert.Equal(t, "hi", StringValue("hi").AsString())
	assert.Equal(t, `{"x":1}`, ObjectValue(map[string]Value{"x": NumberValue(1)}).AsString())
}

func TestValueFromInterface_Primitives(t *testing.T) {
	assert.True(t, ValueFromInterface(nil).IsNull())
	assert.Equal(t, float64(2), ValueFromInterface(2).Number())
	assert.Equal(t, float64(2), ValueFromInterface(int64(2)).Number())
	assert.True(t, ValueFromInterface(true).Bool())

	arr := ValueFromInterface([]interface{}{1, "x"})
	require.True(t, arr.IsArray())
	assert.Equal(t, float64(1), arr.Array()[0].Number())
	assert.Equal(t, "x", arr.Array()[1].Str())
}
