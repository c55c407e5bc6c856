package pybridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// exchanger carries one command to the guest and returns the decoded reply
// envelope. Errors it returns wrap ErrTransport or ErrProtocol.
type exchanger interface {
	exchange(ctx context.Context, cmd Command, payload map[string]any) (map[string]any, error)
}

// minter lets the host choose handle ids. Remote servers mint their own ids,
// so remote backends leave it nil.
type minter interface {
	mint() (string, Ref)
	forget(Ref)
}

// client implements the operation set once on top of an exchanger. Each
// backend type owns a client and adds its transport, readiness and scope
// behavior around it.
type client struct {
	id     uint64
	desc   BackendDescriptor
	logger *slog.Logger
	ex     exchanger
	ids    minter

	// enter brackets every call. The in-process backend takes the global
	// execution lock here; remote backends pass the context through.
	enter func(ctx context.Context) (context.Context, func(), error)

	initialized atomic.Bool
}

func newClient(desc BackendDescriptor, ex exchanger, logger *slog.Logger) *client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &client{
		id:     nextBackendID(),
		desc:   desc,
		ex:     ex,
		logger: logger.With("backend", string(desc.Kind)),
	}
	c.enter = func(ctx context.Context) (context.Context, func(), error) {
		return ctx, func() {}, nil
	}
	return c
}

func (c *client) ready() error {
	if !c.initialized.Load() {
		return fmt.Errorf("%w: %s", ErrNotInitialized, c.desc)
	}
	return nil
}

// fail logs an expected runtime failure. The caller then returns a nil or
// false result.
func (c *client) fail(cmd Command, target string, err error) {
	attrs := []any{
		"command", string(cmd),
		"target", target,
		"category", Category(err),
		"error", err,
	}
	var ge *GuestError
	if errors.As(err, &ge) {
		attrs = append(attrs, "exception", ge.Exception)
		if ge.Traceback != "" {
			attrs = append(attrs, "traceback", ge.Traceback)
		}
	}
	c.logger.Warn("guest command failed", attrs...)
}

// call runs one command through enter and the exchanger. It returns nil when
// the failure has already been logged.
func (c *client) call(ctx context.Context, cmd Command, target string, payload map[string]any) *response {
	ctx, leave, err := c.enter(ctx)
	if err != nil {
		c.fail(cmd, target, fmt.Errorf("%w: %v", ErrTransport, err))
		return nil
	}
	defer leave()
	return c.roundTrip(ctx, cmd, target, payload)
}

// roundTrip is call without enter, for callers that already hold the scope.
func (c *client) roundTrip(ctx context.Context, cmd Command, target string, payload map[string]any) *response {
	raw, err := c.ex.exchange(ctx, cmd, payload)
	if err != nil {
		c.fail(cmd, target, err)
		return nil
	}
	resp, err := parseResponse(cmd, target, raw)
	if err != nil {
		c.fail(cmd, target, err)
		return nil
	}
	if resp.Err != nil {
		c.fail(cmd, target, resp.Err)
		return nil
	}
	return resp
}

// storing calls a command that creates a guest object. With a minter the
// guest stores it under a host id; the id is released again if the call
// fails.
func (c *client) storing(ctx context.Context, cmd Command, target string, payload map[string]any, kind HandleKind) *Handle {
	ctx, leave, err := c.enter(ctx)
	if err != nil {
		c.fail(cmd, target, fmt.Errorf("%w: %v", ErrTransport, err))
		return nil
	}
	defer leave()

	var ref Ref
	if c.ids != nil {
		var id string
		id, ref = c.ids.mint()
		payload["storeAs"] = id
	}
	resp := c.roundTrip(ctx, cmd, target, payload)
	if resp == nil {
		c.forget(ref)
		return nil
	}
	h, err := resp.handle(c.id, cmd, kind)
	if err != nil {
		c.forget(ref)
		c.fail(cmd, target, err)
		return nil
	}
	h.ref = ref
	return h
}

// classifying calls a command whose result is a simple value or a new handle.
func (c *client) classifying(ctx context.Context, cmd Command, target string, payload map[string]any) *Value {
	ctx, leave, err := c.enter(ctx)
	if err != nil {
		c.fail(cmd, target, fmt.Errorf("%w: %v", ErrTransport, err))
		return nil
	}
	defer leave()

	var ref Ref
	if c.ids != nil {
		var id string
		id, ref = c.ids.mint()
		payload["storeAs"] = id
	}
	resp := c.roundTrip(ctx, cmd, target, payload)
	if resp == nil {
		c.forget(ref)
		return nil
	}
	v, err := resp.classified(c.id, cmd)
	if err != nil {
		c.forget(ref)
		c.fail(cmd, target, err)
		return nil
	}
	if v.Kind == KindHandle {
		v.Handle.ref = ref
	} else {
		c.forget(ref)
	}
	return v
}

func (c *client) forget(ref Ref) {
	if c.ids != nil && ref.Gen != 0 {
		c.ids.forget(ref)
	}
}

func (c *client) Descriptor() BackendDescriptor { return c.desc }

func (c *client) ImportModule(ctx context.Context, name string) (*Handle, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.storing(ctx, CmdImport, name, map[string]any{"module": name}, ModuleHandleKind), nil
}

func (c *client) CreateObject(ctx context.Context, module ModuleRef, className string, args []any, kwargs map[string]any) (*Handle, error) {
	if className == "" || (module.Name == "" && module.Handle == nil) {
		return nil, ErrEmptyName
	}
	if err := c.ready(); err != nil {
		return nil, err
	}
	payload := map[string]any{"className": className}
	if module.Handle != nil {
		if err := checkHandle(c.id, module.Handle); err != nil {
			return nil, err
		}
		payload["handleId"] = module.Handle.id
	} else {
		payload["module"] = module.Name
	}
	encArgs, err := encodeArgs(c.id, args)
	if err != nil {
		return nil, err
	}
	encKwargs, err := encodeKwargs(c.id, kwargs)
	if err != nil {
		return nil, err
	}
	payload["args"] = encArgs
	payload["kwargs"] = encKwargs
	return c.storing(ctx, CmdCreate, module.String()+"."+className, payload, ObjectHandleKind), nil
}

func (c *client) CallMethod(ctx context.Context, h *Handle, method string, args []any, kwargs map[string]any) (*Value, error) {
	if err := checkHandle(c.id, h); err != nil {
		return nil, err
	}
	if method == "" {
		return nil, ErrEmptyName
	}
	if err := c.ready(); err != nil {
		return nil, err
	}
	encArgs, err := encodeArgs(c.id, args)
	if err != nil {
		return nil, err
	}
	encKwargs, err := encodeKwargs(c.id, kwargs)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"handleId": h.id,
		"method":   method,
		"args":     encArgs,
		"kwargs":   encKwargs,
	}
	return c.classifying(ctx, CmdCall, h.String()+"."+method, payload), nil
}

func (c *client) GetAttribute(ctx context.Context, h *Handle, name string) (*Value, error) {
	if err := checkHandle(c.id, h); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, ErrEmptyName
	}
	if err := c.ready(); err != nil {
		return nil, err
	}
	payload := map[string]any{"handleId": h.id, "name": name}
	return c.classifying(ctx, CmdGetAttr, h.String()+"."+name, payload), nil
}

func (c *client) SetAttribute(ctx context.Context, h *Handle, name string, value any) (bool, error) {
	if err := checkHandle(c.id, h); err != nil {
		return false, err
	}
	if name == "" {
		return false, ErrEmptyName
	}
	if err := c.ready(); err != nil {
		return false, err
	}
	enc, err := encodeArg(c.id, value)
	if err != nil {
		return false, err
	}
	target := h.String() + "." + name
	resp := c.call(ctx, CmdSetAttr, target, map[string]any{"handleId": h.id, "name": name, "value": enc})
	if resp == nil {
		return false, nil
	}
	ok, err := resp.boolResult(CmdSetAttr)
	if err != nil {
		c.fail(CmdSetAttr, target, err)
		return false, nil
	}
	return ok, nil
}

func (c *client) Evaluate(ctx context.Context, expression string, locals map[string]any) (*Value, error) {
	if expression == "" {
		return nil, ErrEmptyName
	}
	if err := c.ready(); err != nil {
		return nil, err
	}
	encLocals, err := encodeKwargs(c.id, locals)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{"expression": expression, "locals": encLocals}
	return c.classifying(ctx, CmdEval, expression, payload), nil
}

func (c *client) ToFloatArray(ctx context.Context, h *Handle) ([]float64, error) {
	if err := checkHandle(c.id, h); err != nil {
		return nil, err
	}
	if err := c.ready(); err != nil {
		return nil, err
	}
	resp := c.call(ctx, CmdToFloatArray, h.String(), map[string]any{"handleId": h.id})
	if resp == nil {
		return nil, nil
	}
	out, err := resp.floats(CmdToFloatArray)
	if err != nil {
		c.fail(CmdToFloatArray, h.String(), err)
		return nil, nil
	}
	return out, nil
}

func (c *client) ToFloatArray2D(ctx context.Context, h *Handle) ([][]float64, error) {
	if err := checkHandle(c.id, h); err != nil {
		return nil, err
	}
	if err := c.ready(); err != nil {
		return nil, err
	}
	resp := c.call(ctx, CmdToFloatArray2D, h.String(), map[string]any{"handleId": h.id})
	if resp == nil {
		return nil, nil
	}
	out, err := resp.rows(CmdToFloatArray2D)
	if err != nil {
		c.fail(CmdToFloatArray2D, h.String(), err)
		return nil, nil
	}
	return out, nil
}

func (c *client) IsModuleAvailable(ctx context.Context, name string) (bool, error) {
	if name == "" {
		return false, ErrEmptyName
	}
	if err := c.ready(); err != nil {
		return false, err
	}
	resp := c.call(ctx, CmdModuleAvailable, name, map[string]any{"module": name})
	if resp == nil {
		return false, nil
	}
	ok, err := resp.boolResult(CmdModuleAvailable)
	if err != nil {
		c.fail(CmdModuleAvailable, name, err)
		return false, nil
	}
	return ok, nil
}

// DisposeHandle marks the handle disposed before telling the guest, so the
// handle is unusable even when the guest cannot be reached.
func (c *client) DisposeHandle(ctx context.Context, h *Handle) error {
	if h == nil {
		return ErrNilHandle
	}
	if h.owner != c.id {
		return fmt.Errorf("%w: %s", ErrForeignHandle, h)
	}
	if !h.disposed.CompareAndSwap(false, true) {
		return nil
	}
	c.forget(h.ref)
	if !c.initialized.Load() {
		return nil
	}
	c.call(ctx, CmdDispose, h.String(), map[string]any{"handleId": h.id})
	return nil
}

func (c *client) CreateObjectHandleFromResult(ctx context.Context, value any) (*Handle, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	enc, err := encodeArg(c.id, value)
	if err != nil {
		return nil, err
	}
	return c.storing(ctx, CmdWrap, fmt.Sprintf("%T", value), map[string]any{"value": enc}, ObjectHandleKind), nil
}
