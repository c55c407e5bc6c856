//go:build windows

package pybridge

import (
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/sys/windows"
)

func setSignalsForChannel(c chan os.Signal) {
	signal.Notify(c, os.Interrupt)
}

// redeliver cannot re-raise a console signal on Windows, so the host exits
// the way an unhandled Ctrl-C would have made it.
func redeliver(sig os.Signal) {
	os.Exit(1)
}

// configureProcAttr starts the child in a new process group so console
// control events aimed at the host do not reach it directly.
func configureProcAttr(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.CreationFlags |= windows.CREATE_NEW_PROCESS_GROUP
}

// killTree terminates the child and its descendants.
func killTree(p *os.Process) error {
	kill := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(p.Pid))
	if err := kill.Run(); err != nil {
		return p.Kill()
	}
	return nil
}

// signalTerminate has no graceful equivalent for a non-console child.
func signalTerminate(p *os.Process) error {
	return killTree(p)
}
