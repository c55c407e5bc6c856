package pybridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
)

// Interpreter is the host's shared guest interpreter. It is started once,
// lives as long as the host, and is reached over the child's stdin and stdout
// with length-prefixed msgpack frames.
//
// A single execution lock serializes everything that touches the guest, the
// way the GIL would for an embedded interpreter. Calls made with a context
// returned by acquire (or by a Scope) do not take the lock again.
type Interpreter struct {
	logger *slog.Logger
	codec  Codec
	wire   *syncTransport
	proc   *guestProcess
	env    *Environment

	lock   chan struct{}
	ids    *Arena[string]
	closed atomic.Bool

	// Guarded by the execution lock.
	provider string
	inserted []string
}

type lockKey struct{}

// newInterpreter wraps an already connected transport.
func newInterpreter(t Transport, codec Codec, logger *slog.Logger) *Interpreter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interpreter{
		logger: logger.With("component", "interpreter"),
		codec:  codec,
		wire:   &syncTransport{t: t},
		lock:   make(chan struct{}, 1),
		ids:    NewArena[string](),
	}
}

// StartInterpreter starts env's interpreter running the in-process guest.
// The guest script is passed with -c, so nothing is written to disk.
func (env *Environment) StartInterpreter(ctx context.Context, opts ...Option) (*Interpreter, error) {
	o := applyOptions(opts)
	if env == nil || env.PythonPath == "" {
		return nil, fmt.Errorf("%w: environment has no interpreter", ErrArgument)
	}
	script, err := GuestScript(KindInProcess)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(env.PythonPath, "-u", "-c", script)
	cmd.Env = env.processEnv(o.env)
	cmd.Dir = env.Path
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	logger := o.logger.With("environment", env.Path)
	cmd.Stderr = newLineLogger(logger, "stderr")

	proc := newGuestProcess(cmd, logger)
	if err := proc.start(); err != nil {
		return nil, fmt.Errorf("start interpreter %s: %w", env.PythonPath, err)
	}
	if o.killOnSignal {
		proc.killOnSignal()
	}

	interp := newInterpreter(NewFrameTransport(stdout, stdin), MsgpackCodec{}, logger)
	interp.proc = proc
	interp.env = env
	if err := interp.ping(ctx); err != nil {
		_ = interp.Close()
		return nil, fmt.Errorf("start interpreter %s: %w", env.PythonPath, err)
	}
	interp.logger.Info("interpreter started", "python", env.PythonPath, "pid", cmd.Process.Pid)
	return interp, nil
}

var shared struct {
	mu     sync.Mutex
	interp *Interpreter
}

// SharedInterpreter returns the host's interpreter, starting it in env on
// first use. Later calls return the same interpreter whatever env they pass;
// use SwitchProvider to point it at another environment. A closed or exited
// interpreter is replaced.
func SharedInterpreter(ctx context.Context, env *Environment, opts ...Option) (*Interpreter, error) {
	shared.mu.Lock()
	defer shared.mu.Unlock()
	if shared.interp != nil && shared.interp.Alive() {
		return shared.interp, nil
	}
	interp, err := env.StartInterpreter(ctx, opts...)
	if err != nil {
		return nil, err
	}
	shared.interp = interp
	return interp, nil
}

// CloseSharedInterpreter stops the host's interpreter, if one was started.
func CloseSharedInterpreter() error {
	shared.mu.Lock()
	defer shared.mu.Unlock()
	if shared.interp == nil {
		return nil
	}
	err := shared.interp.Close()
	shared.interp = nil
	return err
}

// Environment returns the environment the interpreter was started in.
func (i *Interpreter) Environment() *Environment { return i.env }

// Alive reports whether the interpreter can still take commands.
func (i *Interpreter) Alive() bool {
	if i.closed.Load() {
		return false
	}
	return i.proc == nil || i.proc.running()
}

// acquire takes the execution lock unless ctx already carries it. The
// returned context carries the lock; leave releases it.
func (i *Interpreter) acquire(ctx context.Context) (context.Context, func(), error) {
	if held, _ := ctx.Value(lockKey{}).(*Interpreter); held == i {
		return ctx, func() {}, nil
	}
	select {
	case i.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	var once sync.Once
	leave := func() { once.Do(func() { <-i.lock }) }
	return context.WithValue(ctx, lockKey{}, i), leave, nil
}

// Scope takes the execution lock and holds it until Release.
func (i *Interpreter) Scope(ctx context.Context) (*Scope, error) {
	lctx, leave, err := i.acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &Scope{ctx: lctx, release: leave}, nil
}

// exchange sends one command and waits for its reply. The frame stream has
// no way to abandon a reply, so ctx is only checked before sending.
func (i *Interpreter) exchange(ctx context.Context, cmd Command, payload map[string]any) (map[string]any, error) {
	if i.closed.Load() {
		return nil, fmt.Errorf("%w: interpreter is closed", ErrTransport)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req, err := i.codec.Marshal(Request{Command: cmd, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s: %v", ErrProtocol, cmd, err)
	}
	data, err := i.wire.exchange(req)
	if err != nil {
		return nil, i.transportError(cmd, err)
	}
	var out map[string]any
	if err := i.codec.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: decode %s response: %v", ErrProtocol, cmd, err)
	}
	return out, nil
}

func (i *Interpreter) transportError(cmd Command, err error) error {
	if i.proc != nil && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) {
		select {
		case <-i.proc.exited():
			return fmt.Errorf("%w: %s: %w: %v", ErrTransport, cmd, ErrProcessExited, i.proc.exitErr())
		default:
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrTransport, cmd, err)
}

func (i *Interpreter) ping(ctx context.Context) error {
	ctx, leave, err := i.acquire(ctx)
	if err != nil {
		return err
	}
	defer leave()
	raw, err := i.exchange(ctx, CmdPing, map[string]any{})
	if err != nil {
		return err
	}
	if status, _ := raw["status"].(string); status != "ok" {
		return fmt.Errorf("%w: ping answered %v", ErrProtocol, raw)
	}
	return nil
}

// mint allocates a host-side handle id. Ids embed the arena generation,
// which never repeats, so an id is never handed out twice.
func (i *Interpreter) mint() (string, Ref) {
	var id string
	ref := i.ids.InsertWith(func(r Ref) string {
		id = "i" + strconv.FormatUint(r.Gen, 10)
		return id
	})
	return id, ref
}

func (i *Interpreter) forget(r Ref) { i.ids.Remove(r) }

// LiveHandles is the number of handle ids minted and not yet disposed.
func (i *Interpreter) LiveHandles() int { return i.ids.Len() }

// Provider is the provider the interpreter was last switched to.
func (i *Interpreter) Provider(ctx context.Context) (string, error) {
	_, leave, err := i.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer leave()
	return i.provider, nil
}

// SwitchProvider makes sitePackages the first entry of the guest's sys.path,
// removes the path inserted by the previous switch and evicts loaded modules
// under prefixes, so the next import resolves against the new environment.
// It holds the execution lock for its whole duration and returns the number
// of evicted modules.
func (i *Interpreter) SwitchProvider(ctx context.Context, provider, sitePackages string, prefixes []string) (int, error) {
	ctx, leave, err := i.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer leave()

	payload := map[string]any{
		"remove":   stringsToAny(i.inserted),
		"insert":   sitePackages,
		"prefixes": stringsToAny(prefixes),
	}
	raw, err := i.exchange(ctx, cmdSwitch, payload)
	if err != nil {
		return 0, err
	}
	resp, err := parseResponse(cmdSwitch, provider, raw)
	if err != nil {
		return 0, err
	}
	if resp.Err != nil {
		return 0, resp.Err
	}
	evicted, _ := toFloat(resp.Value)

	i.provider = provider
	i.inserted = i.inserted[:0]
	if sitePackages != "" {
		i.inserted = append(i.inserted, sitePackages)
	}
	i.logger.Info("provider switched", "provider", provider, "site_packages", sitePackages, "evicted", int(evicted))
	return int(evicted), nil
}

func stringsToAny(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

// Close stops the interpreter. Handles minted by it become unusable.
func (i *Interpreter) Close() error {
	if !i.closed.CompareAndSwap(false, true) {
		return nil
	}
	// Closing stdin lets the guest leave its read loop on its own.
	err := i.wire.t.Close()
	if i.proc != nil {
		err = errors.Join(err, i.proc.terminate(stopGrace))
	}
	return err
}
