package pybridge

import (
	"fmt"
	"sync/atomic"
)

// HandleKind distinguishes module handles from object handles.
type HandleKind int

const (
	ObjectHandleKind HandleKind = iota
	ModuleHandleKind
)

// Handle is an opaque reference to a guest-side module or object. It is valid
// only on the backend that created it, until DisposeHandle is called or the
// guest process goes away. The id is a capability token: it is never parsed,
// only passed back.
type Handle struct {
	id       string
	typeName string
	kind     HandleKind
	owner    uint64

	// ref is the arena slot for in-process handles.
	ref Ref

	disposed atomic.Bool
}

func newHandle(owner uint64, id, typeName string, kind HandleKind) *Handle {
	return &Handle{id: id, typeName: typeName, kind: kind, owner: owner}
}

// ID returns the opaque handle id.
func (h *Handle) ID() string { return h.id }

// TypeName is the guest's module name or qualified type name.
func (h *Handle) TypeName() string { return h.typeName }

// Kind reports whether the handle refers to a module or an object.
func (h *Handle) Kind() HandleKind { return h.kind }

// IsValid reports whether the handle has not been disposed.
func (h *Handle) IsValid() bool { return h != nil && !h.disposed.Load() }

func (h *Handle) String() string {
	if h == nil {
		return "<nil handle>"
	}
	return fmt.Sprintf("%s<%s>", h.typeName, h.id)
}

// checkHandle is the fail-fast argument check shared by every backend.
func checkHandle(owner uint64, h *Handle) error {
	if h == nil {
		return ErrNilHandle
	}
	if h.owner != owner {
		return fmt.Errorf("%w: %s", ErrForeignHandle, h)
	}
	if h.disposed.Load() {
		return fmt.Errorf("%w: %s", ErrDisposedHandle, h)
	}
	return nil
}

// handleKey is the reserved mapping key a handle is encoded as when it is
// passed to the guest as an argument, local binding or attribute value.
const handleKey = "__pybridge_handle__"

// encodeArg replaces handles in v (recursively through slices and maps) with
// their wire references.
func encodeArg(owner uint64, v any) (any, error) {
	switch t := v.(type) {
	case *Handle:
		if err := checkHandle(owner, t); err != nil {
			return nil, err
		}
		return map[string]any{handleKey: t.id}, nil
	case *Value:
		if t == nil {
			return nil, nil
		}
		if t.Kind == KindHandle {
			return encodeArg(owner, t.Handle)
		}
		return encodeArg(owner, t.Data)
	case float64:
		return wireFloat(t), nil
	case float32:
		return wireFloat(float64(t)), nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			enc, err := encodeArg(owner, e)
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			enc, err := encodeArg(owner, e)
			if err != nil {
				return nil, err
			}
			out[k] = enc
		}
		return out, nil
	default:
		return v, nil
	}
}

func encodeArgs(owner uint64, args []any) ([]any, error) {
	if args == nil {
		return []any{}, nil
	}
	enc, err := encodeArg(owner, args)
	if err != nil {
		return nil, err
	}
	return enc.([]any), nil
}

func encodeKwargs(owner uint64, kwargs map[string]any) (map[string]any, error) {
	if kwargs == nil {
		return map[string]any{}, nil
	}
	enc, err := encodeArg(owner, kwargs)
	if err != nil {
		return nil, err
	}
	return enc.(map[string]any), nil
}
