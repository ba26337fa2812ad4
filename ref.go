package dagcore

import (
	"encoding/json"
	"strconv"
	"strings"
)

// scanRef (below) matches one @ref occurrence starting at '@': a root name
// ("input", "item", or a step name) followed by zero or more ".ident" or
// ".index" path segments (spec.md §4.2's grammar). It is hand-rolled rather
// than built on a third-party expression engine (design note §9) — the
// grammar is small enough that a scanner is simpler than wiring a library
// and gives us exact control over the "entire string vs. interpolated
// substring" distinction.

// refNode is the parsed form of one @ref.
type refNode struct {
	root string
	path []pathSegment
}

type pathSegment struct {
	isIndex bool
	ident   string
	index   int
}

func (n refNode) raw() string {
	var b strings.Builder
	b.WriteByte('@')
	b.WriteString(n.root)
	for _, seg := range n.path {
		b.WriteByte('.')
		if seg.isIndex {
			b.WriteString(strconv.Itoa(seg.index))
		} else {
			b.WriteString(seg.ident)
		}
	}
	return b.String()
}

// scanRef parses one @ref starting at s[0] == '@'. It returns the parsed
// node and the number of bytes consumed.
func scanRef(s string) (refNode, int, bool) {
	if len(s) == 0 || s[0] != '@' {
		return refNode{}, 0, false
	}
	i := 1
	identStart := i
	for i < len(s) && isIdentByte(s[i]) {
		i++
	}
	if i == identStart {
		return refNode{}, 0, false
	}
	node := refNode{root: s[identStart:i]}

	for i < len(s) && s[i] == '.' {
		segStart := i + 1
		j := segStart
		for j < len(s) && isIdentByte(s[j]) {
			j++
		}
		if j == segStart {
			break
		}
		token := s[segStart:j]
		if isAllDigits(token) {
			n, _ := strconv.Atoi(token)
			node.path = append(node.path, pathSegment{isIndex: true, index: n})
		} else {
			node.path = append(node.path, pathSegment{ident: token})
		}
		i = j
	}
	return node, i, true
}

func isIdentByte(c byte) bool {
	return c == '_' ||
		(c >= 'A' && c <= 'Z') ||
		(c >= 'a' && c <= 'z') ||
		(c >= '0' && c <= '9')
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// RefResolver evaluates @refs against a RefContext (spec.md §4.2).
type RefResolver struct{}

// NewRefResolver constructs a stateless RefResolver. It holds no fields: all
// state lives in the RefContext passed to each call.
func NewRefResolver() *RefResolver { return &RefResolver{} }

// ResolveValue resolves a string that is expected to be exactly one @ref,
// returning the referenced value with its original type preserved. If s is
// not a bare @ref (or is a mixed string), it falls back to interpolation and
// returns the result as a StringValue.
func (r *RefResolver) ResolveValue(s string, ctx RefContext) (Value, error) {
	node, n, ok := scanRef(s)
	if ok && n == len(s) {
		v, _, err := r.resolveNode(node, ctx)
		return v, err
	}
	out, errs := r.interpolate(s, ctx)
	if len(errs) > 0 {
		return StringValue(out), errs[0]
	}
	return StringValue(out), nil
}

// resolveNode walks one parsed ref against ctx. found is true only when the
// whole ref resolved; an unknown root, a step not yet completed, or a path
// segment that does not resolve reports found=false and a RefResolutionError.
func (r *RefResolver) resolveNode(node refNode, ctx RefContext) (Value, bool, error) {
	var cur Value
	switch node.root {
	case "input":
		cur = ctx.WorkflowInput
	case "item":
		if !ctx.HasItem {
			return Null, false, RefResolutionError{Ref: node.raw(), Reason: "no item in scope"}
		}
		cur = *ctx.Item
	case "index":
		if !ctx.HasIndex {
			return Null, false, RefResolutionError{Ref: node.raw(), Reason: "no index in scope"}
		}
		cur = NumberValue(float64(ctx.Index))
	default:
		out, ok := ctx.StepOutputs[node.root]
		if !ok {
			return Null, false, RefResolutionError{Ref: node.raw(), Reason: "step \"" + node.root + "\" has no recorded output"}
		}
		cur = out
	}

	for _, seg := range node.path {
		if seg.isIndex {
			next, ok := cur.Index(seg.index)
			if !ok {
				return Null, false, RefResolutionError{Ref: node.raw(), Reason: "index out of range or not an array"}
			}
			cur = next
			continue
		}
		next, ok := cur.Field(seg.ident)
		if !ok {
			return Null, false, RefResolutionError{Ref: node.raw(), Reason: "field \"" + seg.ident + "\" not found"}
		}
		cur = next
	}
	return cur, true, nil
}

// interpolate substitutes every @ref substring found in s with its text
// form, leaving non-matching '@' characters untouched.
func (r *RefResolver) interpolate(s string, ctx RefContext) (string, []error) {
	var b strings.Builder
	var errs []error
	i := 0
	for i < len(s) {
		if s[i] != '@' {
			b.WriteByte(s[i])
			i++
			continue
		}
		node, n, ok := scanRef(s[i:])
		if !ok {
			b.WriteByte(s[i])
			i++
			continue
		}
		v, _, err := r.resolveNode(node, ctx)
		if err != nil {
			errs = append(errs, err)
		}
		b.WriteString(v.AsString())
		i += n
	}
	return b.String(), errs
}

// ResolveAllRefs recurses into a JSON value (parsed from raw), resolving
// every @ref found in strings at any depth. Objects/arrays are walked
// structurally; non-string scalars pass through unchanged.
func (r *RefResolver) ResolveAllRefs(raw json.RawMessage, ctx RefContext) (Value, []error) {
	v, err := ParseValue(raw)
	if err != nil {
		return Null, []error{err}
	}
	return r.resolveValueTree(v, ctx)
}

func (r *RefResolver) resolveValueTree(v Value, ctx RefContext) (Value, []error) {
	var errs []error
	switch {
	case v.IsString():
		resolved, err := r.ResolveValue(v.Str(), ctx)
		if err != nil {
			errs = append(errs, err)
		}
		return resolved, errs
	case v.IsArray():
		items := v.Array()
		out := make([]Value, len(items))
		for i, item := range items {
			resolved, sub := r.resolveValueTree(item, ctx)
			out[i] = resolved
			errs = append(errs, sub...)
		}
		return ArrayValue(out), errs
	case v.IsObject():
		fields := v.Object()
		out := make(map[string]Value, len(fields))
		for k, item := range fields {
			resolved, sub := r.resolveValueTree(item, ctx)
			out[k] = resolved
			errs = append(errs, sub...)
		}
		return ObjectValue(out), errs
	default:
		return v, nil
	}
}

// ExtractRefs returns the deduped set of root ref names found anywhere in
// raw — used by DAGAnalyzer (§4.3) to derive a step's dependency set.
// Built-in root names ("input", "item", "index") are included; callers
// filter them via builtinRefNames.
func ExtractRefs(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	v, err := ParseValue(raw)
	if err != nil {
		return nil
	}
	seen := make(map[string]bool)
	collectRefs(v, seen)
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	return out
}

func collectRefs(v Value, seen map[string]bool) {
	switch {
	case v.IsString():
		s := v.Str()
		for i := 0; i < len(s); i++ {
			if s[i] != '@' {
				continue
			}
			node, n, ok := scanRef(s[i:])
			if !ok {
				continue
			}
			seen[node.root] = true
			i += n - 1
		}
	case v.IsArray():
		for _, item := range v.Array() {
			collectRefs(item, seen)
		}
	case v.IsObject():
		for _, item := range v.Object() {
			collectRefs(item, seen)
		}
	}
}
