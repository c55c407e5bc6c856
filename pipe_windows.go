//go:build windows

package pybridge

import (
	"context"
	"net"
	"os"
	"strings"

	"github.com/Microsoft/go-winio"
)

const pipePrefix = `\\.\pipe\`

// PipePath returns the full named-pipe path for a pipe name.
func PipePath(name string) string {
	if strings.HasPrefix(name, pipePrefix) {
		return name
	}
	return pipePrefix + name
}

func dialPipe(ctx context.Context, name string) (net.Conn, error) {
	return winio.DialPipeContext(ctx, PipePath(name))
}

// pipeExists is the readiness check for pipe servers. Stat on a pipe path
// does not consume the listening instance.
func pipeExists(name string) bool {
	_, err := os.Stat(PipePath(name))
	return err == nil
}

// removePipe is a no-op: the pipe disappears with its server.
func removePipe(name string) {}
