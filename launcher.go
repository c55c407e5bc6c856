package pybridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// LauncherState is the lifecycle state of a Launcher.
type LauncherState int

const (
	StateNotStarted LauncherState = iota
	StateStarting
	StateRunning
	StateStopped
	StateFailed
)

func (s LauncherState) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// LaunchConfig describes one server to launch.
type LaunchConfig struct {
	// Kind is the server transport: KindHTTP, KindPipe or KindRPC.
	Kind Kind

	// EnvironmentPath is the environment whose interpreter runs the server.
	EnvironmentPath string

	// ScriptsDir is where server scripts are materialized.
	ScriptsDir string

	// Host is the listen address of HTTP and RPC servers. Defaults to 127.0.0.1.
	Host string

	// Port is the listen port of HTTP and RPC servers. Zero picks a free port.
	Port int

	// PipeName names the pipe server's socket or named pipe. Empty generates
	// a unique name.
	PipeName string

	// ReadyTimeout bounds the whole readiness wait. Defaults to 30s.
	ReadyTimeout time.Duration

	// PollInterval is the delay between readiness checks. Defaults to 500ms.
	PollInterval time.Duration

	// HealthTimeout bounds each HTTP or RPC health check. Defaults to 2s.
	HealthTimeout time.Duration
}

func (c *LaunchConfig) setDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = 2 * time.Second
	}
}

// Launcher starts a protocol server in an environment, waits until it is
// ready and stops it again. A Launcher runs at most one server at a time.
type Launcher struct {
	cfg    LaunchConfig
	opts   options
	logger *slog.Logger
	id     string

	// startMu serializes Start and Stop; mu guards the fields below and is
	// never held while waiting on the server.
	startMu sync.Mutex

	mu    sync.Mutex
	state LauncherState
	proc  *guestProcess
	desc  BackendDescriptor
	pipe  string
}

// NewLauncher validates cfg and returns a launcher in StateNotStarted.
func NewLauncher(cfg LaunchConfig, opts ...Option) (*Launcher, error) {
	if !cfg.Kind.Remote() {
		return nil, fmt.Errorf("%w: cannot launch a %q server", ErrArgument, cfg.Kind)
	}
	if cfg.EnvironmentPath == "" {
		return nil, fmt.Errorf("%w: launch config has no environment", ErrArgument)
	}
	if cfg.ScriptsDir == "" {
		return nil, fmt.Errorf("%w: launch config has no scripts directory", ErrArgument)
	}
	cfg.setDefaults()
	o := applyOptions(opts)
	id := uuid.NewString()
	return &Launcher{
		cfg:    cfg,
		opts:   o,
		id:     id,
		logger: o.logger.With("component", "launcher", "kind", string(cfg.Kind), "instance", id),
	}, nil
}

// State returns the launcher's state. A server that exited on its own is
// reported as stopped.
func (l *Launcher) State() LauncherState {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateRunning && !l.proc.running() {
		return StateStopped
	}
	return l.state
}

// Running reports whether the launched server is up.
func (l *Launcher) Running() bool { return l.State() == StateRunning }

// Descriptor returns the endpoint of the running server.
func (l *Launcher) Descriptor() BackendDescriptor {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.desc
}

// Start launches the server and blocks until it is ready, the process exits,
// ReadyTimeout passes or ctx is done. Starting a running launcher returns the
// current endpoint. State and Descriptor stay responsive while Start waits.
func (l *Launcher) Start(ctx context.Context) (BackendDescriptor, error) {
	l.startMu.Lock()
	defer l.startMu.Unlock()

	l.mu.Lock()
	if l.state == StateRunning && l.proc.running() {
		desc := l.desc
		l.mu.Unlock()
		return desc, nil
	}
	l.state = StateStarting
	l.mu.Unlock()

	desc, err := l.launch(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.state = StateFailed
		l.logger.Error("server launch failed", "error", err)
		return BackendDescriptor{}, err
	}
	l.desc = desc
	l.state = StateRunning
	l.logger.Info("server ready", "address", desc.Address, "pid", l.proc.cmd.Process.Pid)
	return desc, nil
}

func (l *Launcher) launch(ctx context.Context) (BackendDescriptor, error) {
	python, err := PythonExecutable(l.cfg.EnvironmentPath)
	if err != nil {
		return BackendDescriptor{}, err
	}
	script, err := materializeScript(l.cfg.ScriptsDir, l.cfg.Kind)
	if err != nil {
		return BackendDescriptor{}, err
	}

	desc := BackendDescriptor{Kind: l.cfg.Kind, EnvironmentPath: l.cfg.EnvironmentPath}
	args := []string{"-u", script}
	pipe := ""
	switch l.cfg.Kind {
	case KindHTTP, KindRPC:
		port := l.cfg.Port
		if port == 0 {
			if port, err = freePort(l.cfg.Host); err != nil {
				return BackendDescriptor{}, err
			}
		}
		hostPort := net.JoinHostPort(l.cfg.Host, strconv.Itoa(port))
		args = append(args, "--host", l.cfg.Host, "--port", strconv.Itoa(port))
		if l.cfg.Kind == KindHTTP {
			desc.Address = "http://" + hostPort
		} else {
			desc.Address = hostPort
		}
	case KindPipe:
		pipe = l.cfg.PipeName
		if pipe == "" {
			pipe = "pybridge-" + strings.ReplaceAll(l.id, "-", "")[:12]
		}
		removePipe(pipe)
		args = append(args, "--pipe", PipePath(pipe))
		desc.Address = pipe
	}

	env := &Environment{Path: l.cfg.EnvironmentPath, BinPath: filepath.Dir(python), PythonPath: python}
	cmd := exec.Command(python, args...)
	cmd.Env = env.processEnv(l.opts.env)
	cmd.Dir = l.cfg.ScriptsDir
	cmd.Stdout = newLineLogger(l.logger, "stdout")
	cmd.Stderr = newLineLogger(l.logger, "stderr")

	proc := newGuestProcess(cmd, l.logger)
	if err := proc.start(); err != nil {
		return BackendDescriptor{}, fmt.Errorf("start %s server: %w", l.cfg.Kind, err)
	}
	l.mu.Lock()
	l.proc, l.pipe = proc, pipe
	l.mu.Unlock()
	if l.opts.killOnSignal {
		proc.killOnSignal()
	}

	if err := l.awaitReady(ctx, proc, desc); err != nil {
		_ = proc.stop()
		if pipe != "" {
			removePipe(pipe)
		}
		return BackendDescriptor{}, err
	}
	return desc, nil
}

// awaitReady polls the server at a constant interval. A process exit stops
// polling at once.
func (l *Launcher) awaitReady(ctx context.Context, proc *guestProcess, desc BackendDescriptor) error {
	readyCtx, cancel := context.WithTimeout(ctx, l.cfg.ReadyTimeout)
	defer cancel()

	check := l.readinessCheck(desc)
	var last error
	op := func() error {
		select {
		case <-proc.exited():
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrProcessExited, proc.exitErr()))
		default:
		}
		last = check(readyCtx)
		return last
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(l.cfg.PollInterval), readyCtx)
	err := backoff.Retry(op, b)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrProcessExited):
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	case readyCtx.Err() != nil:
		return fmt.Errorf("%w after %s: %v", ErrReadinessTimeout, l.cfg.ReadyTimeout, last)
	}
	return err
}

func (l *Launcher) readinessCheck(desc BackendDescriptor) func(ctx context.Context) error {
	switch desc.Kind {
	case KindPipe:
		return func(context.Context) error {
			if !pipeExists(desc.Address) {
				return fmt.Errorf("%w: %s not listening yet", ErrTransport, PipePath(desc.Address))
			}
			return nil
		}
	case KindRPC:
		hc := &http.Client{Transport: newH2CTransport()}
		return func(ctx context.Context) error {
			defer hc.CloseIdleConnections()
			return l.checkHealth(ctx, hc, "http://"+desc.Address+"/health")
		}
	default:
		hc := &http.Client{}
		return func(ctx context.Context) error {
			return l.checkHealth(ctx, hc, desc.Address+"/health")
		}
	}
}

func (l *Launcher) checkHealth(ctx context.Context, hc *http.Client, url string) error {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.HealthTimeout)
	defer cancel()
	return getHealth(ctx, hc, url)
}

// Stop kills the server's process tree, waits for it to be reaped and
// removes its socket. It waits for a Start in progress and is idempotent.
func (l *Launcher) Stop() error {
	l.startMu.Lock()
	defer l.startMu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.proc == nil || l.state == StateStopped || l.state == StateNotStarted {
		return nil
	}
	err := l.proc.stop()
	if l.pipe != "" {
		removePipe(l.pipe)
	}
	l.state = StateStopped
	l.logger.Info("server stopped", "address", l.desc.Address)
	return err
}

// Backend returns a backend for the running server. The caller initializes
// and closes it.
func (l *Launcher) Backend(opts ...Option) (Backend, error) {
	if !l.Running() {
		return nil, fmt.Errorf("%w: %s server is not running", ErrTransport, l.cfg.Kind)
	}
	return NewRemoteBackend(l.Descriptor(), opts...)
}

// freePort asks the OS for an unused TCP port on host. The port is free
// again by the time the server binds it.
func freePort(host string) (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("pick free port: %w", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
