package dagcore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Value is the dynamic-typed JSON value every ref traverses and every step
// input/output is made of: null, bool, number, string, array, or object.
// Per design note §9 it is a single sum type with explicit accessors rather
// than bare interface{} sprinkled through the engine.
type Value struct {
	kind rawKind
	b    bool
	n    float64
	s    string
	arr  []Value
	obj  map[string]Value
}

type rawKind int

const (
	kindNull rawKind = iota
	kindBool
	kindNumber
	kindString
	kindArray
	kindObject
)

// Null is the zero Value.
var Null = Value{kind: kindNull}

func BoolValue(b bool) Value   { return Value{kind: kindBool, b: b} }
func NumberValue(n float64) Value { return Value{kind: kindNumber, n: n} }
func StringValue(s string) Value { return Value{kind: kindString, s: s} }
func ArrayValue(items []Value) Value { return Value{kind: kindArray, arr: items} }
func ObjectValue(fields map[string]Value) Value { return Value{kind: kindObject, obj: fields} }

func (v Value) IsNull() bool   { return v.kind == kindNull }
func (v Value) IsBool() bool   { return v.kind == kindBool }
func (v Value) IsNumber() bool { return v.kind == kindNumber }
func (v Value) IsString() bool { return v.kind == kindString }
func (v Value) IsArray() bool  { return v.kind == kindArray }
func (v Value) IsObject() bool { return v.kind == kindObject }

func (v Value) Bool() bool           { return v.b }
func (v Value) Number() float64      { return v.n }
func (v Value) Str() string          { return v.s }
func (v Value) Array() []Value       { return v.arr }
func (v Value) Object() map[string]Value { return v.obj }

// Field returns the object's field and whether it was present.
func (v Value) Field(name string) (Value, bool) {
	if v.kind != kindObject {
		return Null, false
	}
	f, ok := v.obj[name]
	return f, ok
}

// Index returns the array element at i, or false when out of range.
func (v Value) Index(i int) (Value, bool) {
	if v.kind != kindArray || i < 0 || i >= len(v.arr) {
		return Null, false
	}
	return v.arr[i], true
}

// Interface converts a Value to the nearest Go primitive (for json.Marshal,
// StepExecutor ports, and condition comparisons).
func (v Value) Interface() interface{} {
	switch v.kind {
	case kindNull:
		return nil
	case kindBool:
		return v.b
	case kindNumber:
		return v.n
	case kindString:
		return v.s
	case kindArray:
		out := make([]interface{}, len(v.arr))
		for i, item := range v.arr {
			out[i] = item.Interface()
		}
		return out
	case kindObject:
		out := make(map[string]interface{}, len(v.obj))
		for k, item := range v.obj {
			out[k] = item.Interface()
		}
		return out
	}
	return nil
}

// Compact renders the value as compact JSON text, used for interpolation of
// @refs embedded in a larger string (§4.2).
func (v Value) Compact() string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// AsString renders the value the way string interpolation does: objects and
// arrays become compact JSON, null becomes empty, scalars become their
// natural string form.
func (v Value) AsString() string {
	switch v.kind {
	case kindNull:
		return ""
	case kindBool:
		return strconv.FormatBool(v.b)
	case kindNumber:
		return strconv.FormatFloat(v.n, 'g', -1, 64)
	case kindString:
		return v.s
	default:
		return v.Compact()
	}
}

func ValueFromInterface(in interface{}) Value {
	switch t := in.(type) {
	case nil:
		return Null
	case bool:
		return BoolValue(t)
	case float64:
		return NumberValue(t)
	case int:
		return NumberValue(float64(t))
	case int64:
		return NumberValue(float64(t))
	case string:
		return StringValue(t)
	case []interface{}:
		items := make([]Value, len(t))
		for i, item := range t {
			items[i] = ValueFromInterface(item)
		}
		return ArrayValue(items)
	case map[string]interface{}:
		fields := make(map[string]Value, len(t))
		for k, item := range t {
			fields[k] = ValueFromInterface(item)
		}
		return ObjectValue(fields)
	case []Value:
		return ArrayValue(t)
	case map[string]Value:
		return ObjectValue(t)
	case Value:
		return t
	default:
		// Fall back to a JSON round trip for typed structs.
		b, err := json.Marshal(t)
		if err != nil {
			return Null
		}
		var parsed Value
		if err := json.Unmarshal(b, &parsed); err != nil {
			return Null
		}
		return parsed
	}
}

// ParseValue parses raw JSON bytes into a Value. Empty input is treated as
// null so callers don't need to special-case missing fields.
func ParseValue(raw []byte) (Value, error) {
	if len(raw) == 0 {
		return Null, nil
	}
	var v Value
	if err := json.Unmarshal(raw, &v); err != nil {
		return Null, fmt.Errorf("parse value: %w", err)
	}
	return v, nil
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case kindNull:
		return []byte("null"), nil
	case kindBool:
		return json.Marshal(v.b)
	case kindNumber:
		return json.Marshal(v.n)
	case kindString:
		return json.Marshal(v.s)
	case kindArray:
		return json.Marshal(v.arr)
	case kindObject:
		// Sort keys for deterministic output (stable event payloads, tests).
		keys := make([]string, 0, len(v.obj))
		for k := range v.obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, _ := json.Marshal(k)
			buf = append(buf, kb...)
			buf = append(buf, ':')
			vb, err := v.obj[k].MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		buf = append(buf, '}')
		return buf, nil
	}
	return []byte("null"), nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	*v = valueFromDecoded(raw)
	return nil
}

func valueFromDecoded(raw interface{}) Value {
	switch t := raw.(type) {
	case nil:
		return Null
	case bool:
		return BoolValue(t)
	case json.Number:
		f, _ := t.Float64()
		return NumberValue(f)
	case string:
		return StringValue(t)
	case []interface{}:
		items := make([]Value, len(t))
		for i, item := range t {
			items[i] = valueFromDecoded(item)
		}
		return ArrayValue(items)
	case map[string]interface{}:
		fields := make(map[string]Value, len(t))
		for k, item := range t {
			fields[k] = valueFromDecoded(item)
		}
		return ObjectValue(fields)
	}
	return Null
}
