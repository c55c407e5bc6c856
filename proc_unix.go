//go:build !windows

package pybridge

import (
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// setSignalsForChannel configures the channel to receive SIGINT and SIGTERM.
func setSignalsForChannel(c chan os.Signal) {
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
}

// redeliver sends sig to this process again once our handler is gone.
func redeliver(sig os.Signal) {
	if s, ok := sig.(syscall.Signal); ok {
		_ = unix.Kill(os.Getpid(), s)
	}
}

// configureProcAttr puts the child in its own process group so the whole
// tree can be signalled at once.
func configureProcAttr(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// killTree sends SIGKILL to the child's process group.
func killTree(p *os.Process) error {
	pgid, err := unix.Getpgid(p.Pid)
	if err != nil || pgid != p.Pid {
		return p.Kill()
	}
	if err := unix.Kill(-pgid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return err
	}
	return nil
}

// signalTerminate sends SIGTERM to the child's process group.
func signalTerminate(p *os.Process) error {
	pgid, err := unix.Getpgid(p.Pid)
	if err != nil || pgid != p.Pid {
		return p.Signal(unix.SIGTERM)
	}
	return unix.Kill(-pgid, unix.SIGTERM)
}
