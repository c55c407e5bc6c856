package pybridge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// Kind identifies an execution backend.
type Kind string

const (
	// KindInProcess drives the host's shared interpreter under the global execution lock.
	KindInProcess Kind = "inprocess"

	// KindHTTP talks to a launched server with one POST per command.
	KindHTTP Kind = "http"

	// KindPipe talks to a launched server over one persistent socket or named pipe.
	KindPipe Kind = "pipe"

	// KindRPC talks to a launched server over HTTP/2.
	KindRPC Kind = "rpc"
)

// ParseKind accepts the names used in configuration ("inprocess", "http", "pipe", "rpc")
// plus a few common spellings.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "inprocess", "in-process", "embedded":
		return KindInProcess, nil
	case "http":
		return KindHTTP, nil
	case "pipe", "namedpipe", "socket":
		return KindPipe, nil
	case "rpc", "grpc", "http2":
		return KindRPC, nil
	}
	return "", fmt.Errorf("%w: unknown backend kind %q", ErrArgument, s)
}

// Remote reports whether the kind talks to a separately launched server process.
func (k Kind) Remote() bool {
	return k == KindHTTP || k == KindPipe || k == KindRPC
}

// BackendDescriptor describes where a backend sends its commands.
type BackendDescriptor struct {
	// Kind is the transport kind.
	Kind Kind

	// Address is the endpoint: a base URL for HTTP, host:port for RPC,
	// a socket path or pipe name for Pipe, and empty for in-process.
	Address string

	// EnvironmentPath is the guest environment the endpoint runs in.
	EnvironmentPath string
}

func (d BackendDescriptor) String() string {
	if d.Address == "" {
		return string(d.Kind)
	}
	return fmt.Sprintf("%s(%s)", d.Kind, d.Address)
}

// ModuleRef names the module a class is looked up in: either by import name or
// by a module handle obtained from ImportModule.
type ModuleRef struct {
	Name   string
	Handle *Handle
}

// ModuleName references a module by its import name.
func ModuleName(name string) ModuleRef { return ModuleRef{Name: name} }

// ModuleHandle references an already imported module.
func ModuleHandle(h *Handle) ModuleRef { return ModuleRef{Handle: h} }

func (m ModuleRef) String() string {
	if m.Handle != nil {
		return m.Handle.String()
	}
	return m.Name
}

// Backend is the uniform operation set every execution backend implements.
//
// Expected runtime failures (guest exceptions, transport and protocol errors)
// are logged with command and target context and reported as a nil result or
// false, with a nil error. A non-nil error always wraps ErrArgument: a nil,
// disposed or foreign handle, an empty name, or a backend that was never
// initialized.
type Backend interface {
	// Descriptor describes the backend's endpoint.
	Descriptor() BackendDescriptor

	// Initialize confirms the backend is ready. It is idempotent.
	Initialize(ctx context.Context) error

	// AcquireExclusiveScope blocks until the caller holds exclusive access to the
	// guest. Calls made with the scope's Context do not re-acquire it. Remote
	// backends return a scope that holds nothing.
	AcquireExclusiveScope(ctx context.Context) (*Scope, error)

	// ImportModule imports a module and returns a handle to it, or nil on failure.
	ImportModule(ctx context.Context, name string) (*Handle, error)

	// CreateObject instantiates module.className(*args, **kwargs).
	CreateObject(ctx context.Context, module ModuleRef, className string, args []any, kwargs map[string]any) (*Handle, error)

	// CallMethod invokes a method. Simple results come back inline, anything
	// else as a new handle.
	CallMethod(ctx context.Context, h *Handle, method string, args []any, kwargs map[string]any) (*Value, error)

	// GetAttribute reads an attribute, classified like CallMethod.
	GetAttribute(ctx context.Context, h *Handle, name string) (*Value, error)

	// SetAttribute assigns any transportable value, handles included.
	SetAttribute(ctx context.Context, h *Handle, name string, value any) (bool, error)

	// Evaluate evaluates one expression with optional named bindings.
	Evaluate(ctx context.Context, expression string, locals map[string]any) (*Value, error)

	// ToFloatArray flattens an array-like guest object into float64s.
	ToFloatArray(ctx context.Context, h *Handle) ([]float64, error)

	// ToFloatArray2D converts an array-like guest object row by row.
	ToFloatArray2D(ctx context.Context, h *Handle) ([][]float64, error)

	// IsModuleAvailable reports whether a module can be imported, without importing it.
	IsModuleAvailable(ctx context.Context, name string) (bool, error)

	// DisposeHandle releases the guest object. Disposing twice is a no-op and
	// disposing after the guest died is safe.
	DisposeHandle(ctx context.Context, h *Handle) error

	// CreateObjectHandleFromResult wraps a value, or a handle returned by an
	// earlier call, into a new handle on this backend.
	CreateObjectHandleFromResult(ctx context.Context, value any) (*Handle, error)

	// Close releases client-side resources. Launched servers are stopped by
	// whoever launched them.
	Close() error
}

// Scope is an exclusive hold on a backend's guest, released with Release.
type Scope struct {
	ctx     context.Context
	release func()
	once    sync.Once
}

// Context returns a context that carries the hold. Passing it to calls on the
// same backend avoids acquiring the lock a second time.
func (s *Scope) Context() context.Context { return s.ctx }

// Release gives the hold back. It is safe to call more than once.
func (s *Scope) Release() {
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}

func noopScope(ctx context.Context) *Scope {
	return &Scope{ctx: ctx}
}

var backendIDs atomic.Uint64

func nextBackendID() uint64 { return backendIDs.Add(1) }
