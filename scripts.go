package pybridge

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
)

//go:embed scripts/common.py
var commonScript string

//go:embed scripts/inproc_guest.py
var inprocGuestScript string

//go:embed scripts/http_server.py
var httpServerScript string

//go:embed scripts/pipe_server.py
var pipeServerScript string

//go:embed scripts/rpc_server.py
var rpcServerScript string

// GuestScript returns the complete Python source run for a backend kind: the
// shared runtime followed by the kind's transport.
func GuestScript(kind Kind) (string, error) {
	var body string
	switch kind {
	case KindInProcess:
		body = inprocGuestScript
	case KindHTTP:
		body = httpServerScript
	case KindPipe:
		body = pipeServerScript
	case KindRPC:
		body = rpcServerScript
	default:
		return "", fmt.Errorf("%w: no guest script for kind %q", ErrArgument, kind)
	}
	return commonScript + "\n\n" + body, nil
}

// ScriptName is the file name a kind's script is materialized under.
func ScriptName(kind Kind) string {
	if kind == KindInProcess {
		return "pybridge_inprocess_guest.py"
	}
	return fmt.Sprintf("pybridge_%s_server.py", kind)
}

// materializeScript writes the kind's script into dir unless an identical
// copy is already there, and returns its path. The file is written under a
// temporary name and renamed, so concurrent launchers never run a partial
// script.
func materializeScript(dir string, kind Kind) (string, error) {
	source, err := GuestScript(kind)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create scripts directory: %w", err)
	}
	path := filepath.Join(dir, ScriptName(kind))
	if existing, err := os.ReadFile(path); err == nil && string(existing) == source {
		return path, nil
	}

	tmp, err := os.CreateTemp(dir, ScriptName(kind)+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("write script: %w", err)
	}
	if _, err := tmp.WriteString(source); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write script: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write script: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("install script: %w", err)
	}
	return path, nil
}
