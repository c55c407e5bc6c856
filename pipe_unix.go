//go:build !windows

package pybridge

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
)

// PipePath returns the filesystem path of the socket for a pipe name. A name
// that is already a path is used as is.
func PipePath(name string) string {
	if strings.ContainsRune(name, filepath.Separator) {
		return name
	}
	return filepath.Join(os.TempDir(), name+".sock")
}

func dialPipe(ctx context.Context, name string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", PipePath(name))
}

// pipeExists is the readiness check for pipe servers.
func pipeExists(name string) bool {
	_, err := os.Stat(PipePath(name))
	return err == nil
}

func removePipe(name string) {
	_ = os.Remove(PipePath(name))
}
