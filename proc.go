package pybridge

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"time"
)

// stopGrace is how long Stop waits for a killed process tree to be reaped.
const stopGrace = 5 * time.Second

// guestProcess supervises one Python child: it starts the command in its own
// process group, reaps it in the background and kills the whole tree on stop.
type guestProcess struct {
	cmd    *exec.Cmd
	logger *slog.Logger

	done    chan struct{}
	waitErr error

	stopOnce sync.Once
	stopErr  error
}

func newGuestProcess(cmd *exec.Cmd, logger *slog.Logger) *guestProcess {
	configureProcAttr(cmd)
	// Wait must not hang on grandchildren that inherited our output pipes.
	cmd.WaitDelay = stopGrace
	return &guestProcess{cmd: cmd, logger: logger, done: make(chan struct{})}
}

// start launches the process and reaps it when it exits.
func (p *guestProcess) start() error {
	if err := p.cmd.Start(); err != nil {
		return err
	}
	p.logger.Debug("guest process started", "pid", p.cmd.Process.Pid, "path", p.cmd.Path)
	go func() {
		p.waitErr = p.cmd.Wait()
		close(p.done)
		p.logger.Debug("guest process exited", "pid", p.cmd.Process.Pid, "error", p.waitErr)
	}()
	return nil
}

// exited is closed once the process has been reaped.
func (p *guestProcess) exited() <-chan struct{} { return p.done }

// exitErr describes how the process ended. Only meaningful after exited.
func (p *guestProcess) exitErr() error {
	var exitErr *exec.ExitError
	if errors.As(p.waitErr, &exitErr) {
		if exitErr.ExitCode() == -1 {
			return errors.New("process was killed")
		}
		return fmt.Errorf("process exited with status %d", exitErr.ExitCode())
	}
	return p.waitErr
}

func (p *guestProcess) running() bool {
	select {
	case <-p.done:
		return false
	default:
		return p.cmd.Process != nil
	}
}

// stop kills the process tree and waits up to stopGrace for it to be reaped.
// It is idempotent.
func (p *guestProcess) stop() error {
	p.stopOnce.Do(func() {
		if p.cmd.Process == nil || !p.running() {
			return
		}
		if err := killTree(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.stopErr = err
		}
		select {
		case <-p.done:
		case <-time.After(stopGrace):
			p.stopErr = errors.Join(p.stopErr, fmt.Errorf("process %d not reaped after %s", p.cmd.Process.Pid, stopGrace))
		}
	})
	return p.stopErr
}

// terminate asks the process group to exit and falls back to stop after the
// grace period.
func (p *guestProcess) terminate(grace time.Duration) error {
	if p.cmd.Process == nil || !p.running() {
		return nil
	}
	if err := signalTerminate(p.cmd.Process); err != nil {
		return p.stop()
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
		return p.stop()
	}
}

// killOnSignal stops the process when the host receives an interrupt or
// termination signal. The handler deregisters itself after firing and
// re-delivers the signal, so the host's own handling still runs.
func (p *guestProcess) killOnSignal() {
	ch := make(chan os.Signal, 1)
	setSignalsForChannel(ch)
	go func() {
		select {
		case sig := <-ch:
			_ = p.stop()
			signal.Stop(ch)
			redeliver(sig)
		case <-p.done:
			signal.Stop(ch)
		}
	}()
}

// lineLogger is an io.Writer that logs each complete line written to it.
type lineLogger struct {
	mu     sync.Mutex
	logger *slog.Logger
	stream string
	buf    []byte
}

func newLineLogger(logger *slog.Logger, stream string) *lineLogger {
	return &lineLogger{logger: logger, stream: stream}
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimRight(l.buf[:i], "\r")
		if len(line) > 0 {
			l.logger.Info("guest output", "stream", l.stream, "line", string(line))
		}
		l.buf = l.buf[i+1:]
	}
	// A runaway line without newlines is flushed rather than buffered forever.
	if len(l.buf) > 64*1024 {
		l.logger.Info("guest output", "stream", l.stream, "line", string(l.buf))
		l.buf = l.buf[:0]
	}
	return len(p), nil
}
