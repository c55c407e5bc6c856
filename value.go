package pybridge

import (
	"context"
	"encoding/json"
	"fmt"
)

// ValueKind tags a result as one of the simple variants or as a handle.
//
// The simple set is: None, bool, numbers, strings, and an exact list, tuple or
// dict whose elements are primitives (dict keys must be strings). Everything
// else (anything with attribute access or iteration outside that set) is
// complex and travels as a handle. The guest applies the same rule in
// scripts/common.py, so a value classifies the same way on every backend.
type ValueKind int

const (
	KindNone ValueKind = iota
	KindPrimitive
	KindString
	KindSequence
	KindMapping
	KindHandle
)

func (k ValueKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindPrimitive:
		return "primitive"
	case KindString:
		return "string"
	case KindSequence:
		return "sequence"
	case KindMapping:
		return "mapping"
	case KindHandle:
		return "handle"
	}
	return fmt.Sprintf("ValueKind(%d)", int(k))
}

// Simple reports whether values of this kind travel inline.
func (k ValueKind) Simple() bool { return k != KindHandle }

// Value is a classified result: inline Data for simple kinds, Handle otherwise.
type Value struct {
	Kind   ValueKind
	Data   any
	Handle *Handle
}

func (v *Value) String() string {
	if v == nil {
		return "<nil value>"
	}
	if v.Kind == KindHandle {
		return v.Handle.String()
	}
	return fmt.Sprintf("%v", v.Data)
}

// isPrimitive covers the scalar shapes produced by both the JSON and the
// msgpack decoders.
func isPrimitive(v any) bool {
	switch v.(type) {
	case nil, bool, string,
		float32, float64,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return true
	}
	return false
}

// Classify returns the kind of an inline value, and false when v is not in the
// simple set at all.
func Classify(v any) (ValueKind, bool) {
	switch t := v.(type) {
	case nil:
		return KindNone, true
	case string:
		return KindString, true
	case []any:
		for _, e := range t {
			if !isPrimitive(e) {
				return 0, false
			}
		}
		return KindSequence, true
	case map[string]any:
		for _, e := range t {
			if !isPrimitive(e) {
				return 0, false
			}
		}
		return KindMapping, true
	}
	if isPrimitive(v) {
		return KindPrimitive, true
	}
	return 0, false
}

// IsSimple reports whether v would be returned inline rather than as a handle.
func IsSimple(v any) bool {
	_, ok := Classify(v)
	return ok
}

// inlineValue builds a Value from a decoded "value" field. A complex value
// sent inline is a protocol violation.
func inlineValue(data any) (*Value, error) {
	kind, ok := Classify(data)
	if !ok {
		return nil, fmt.Errorf("%w: complex value %T sent inline", ErrProtocol, data)
	}
	return &Value{Kind: kind, Data: data}, nil
}

func handleValue(h *Handle) *Value {
	return &Value{Kind: KindHandle, Handle: h}
}

// As converts a result to T. A handle result converts only to *Handle; inline
// data converts directly when the dynamic type matches, and through a JSON
// round trip otherwise (so a float64 4 becomes an int 4).
func As[T any](v *Value) (T, bool) {
	var zero T
	if v == nil {
		return zero, false
	}
	if v.Kind == KindHandle {
		h, ok := any(v.Handle).(T)
		return h, ok
	}
	if t, ok := v.Data.(T); ok {
		return t, true
	}
	data, err := json.Marshal(v.Data)
	if err != nil {
		return zero, false
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return zero, false
	}
	return out, true
}

// CallMethodAs calls a method and converts the result. ok is false when the
// call failed or the result does not convert to T.
func CallMethodAs[T any](ctx context.Context, b Backend, h *Handle, method string, args []any, kwargs map[string]any) (T, bool, error) {
	v, err := b.CallMethod(ctx, h, method, args, kwargs)
	if err != nil {
		var zero T
		return zero, false, err
	}
	out, ok := As[T](v)
	return out, ok, nil
}

// GetAttributeAs reads an attribute and converts it.
func GetAttributeAs[T any](ctx context.Context, b Backend, h *Handle, name string) (T, bool, error) {
	v, err := b.GetAttribute(ctx, h, name)
	if err != nil {
		var zero T
		return zero, false, err
	}
	out, ok := As[T](v)
	return out, ok, nil
}

// EvaluateAs evaluates an expression and converts the result.
func EvaluateAs[T any](ctx context.Context, b Backend, expression string, locals map[string]any) (T, bool, error) {
	v, err := b.Evaluate(ctx, expression, locals)
	if err != nil {
		var zero T
		return zero, false, err
	}
	out, ok := As[T](v)
	return out, ok, nil
}
