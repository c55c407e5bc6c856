package pybridge

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// PipeBackend keeps one persistent connection to the server (a Unix domain
// socket, or a named pipe on Windows) and exchanges newline-delimited JSON
// envelopes over it. A mutex pairs each request with its response, so
// concurrent calls queue rather than interleave.
type PipeBackend struct {
	remote
	dial func(ctx context.Context) (net.Conn, error)

	mu   sync.Mutex
	conn net.Conn
	lt   *LineTransport
}

var _ Backend = (*PipeBackend)(nil)

// NewPipeBackend returns a pipe backend for desc.Address, a socket path or a
// pipe name. Call Initialize to connect and handshake.
func NewPipeBackend(desc BackendDescriptor, opts ...Option) *PipeBackend {
	o := applyOptions(opts)
	desc.Kind = KindPipe
	dial := o.dialer
	if dial == nil {
		addr := desc.Address
		dial = func(ctx context.Context) (net.Conn, error) {
			return dialPipe(ctx, addr)
		}
	}
	b := &PipeBackend{dial: dial}
	b.remote = remote{client: newClient(desc, b, o.logger), requestTimeout: o.requestTimeout}
	return b
}

func (b *PipeBackend) exchange(ctx context.Context, cmd Command, payload map[string]any) (map[string]any, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	req, err := JSONCodec{}.Marshal(Request{Command: cmd, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrProtocol, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lt == nil {
		conn, err := b.dial(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: dial %s: %v", ErrTransport, b.desc.Address, err)
		}
		b.conn = conn
		b.lt = NewLineTransport(conn)
	}

	// Cancelling ctx unblocks a pending read or write by expiring the deadline.
	conn := b.conn
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := b.lt.Send(req); err != nil {
		b.dropLocked()
		return nil, fmt.Errorf("%w: send %s: %v", ErrTransport, cmd, err)
	}
	line, err := b.lt.Receive()
	if err != nil {
		// The stream position is unknown after a failed read; start over on
		// the next call.
		b.dropLocked()
		return nil, fmt.Errorf("%w: receive %s: %v", ErrTransport, cmd, err)
	}

	var out map[string]any
	if err := (JSONCodec{}).Unmarshal(line, &out); err != nil {
		return nil, fmt.Errorf("%w: decode %s response: %v", ErrProtocol, cmd, err)
	}
	return out, nil
}

func (b *PipeBackend) dropLocked() {
	if b.lt != nil {
		_ = b.lt.Close()
	}
	b.lt = nil
	b.conn = nil
}

// Initialize connects and performs the ping handshake, which must answer
// {"status": "ok"}. It is idempotent.
func (b *PipeBackend) Initialize(ctx context.Context) error {
	if b.initialized.Load() {
		return nil
	}
	raw, err := b.exchange(ctx, CmdPing, map[string]any{})
	if err != nil {
		b.fail(CmdPing, b.desc.Address, err)
		return fmt.Errorf("initialize %s: %w", b.desc, err)
	}
	if status, _ := raw["status"].(string); status != "ok" {
		err := fmt.Errorf("%w: handshake answered %v", ErrProtocol, raw)
		b.fail(CmdPing, b.desc.Address, err)
		return fmt.Errorf("initialize %s: %w", b.desc, err)
	}
	b.initialized.Store(true)
	return nil
}

// Close closes the connection. The server keeps running.
func (b *PipeBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lt == nil {
		return nil
	}
	err := b.lt.Close()
	b.lt = nil
	b.conn = nil
	return err
}
