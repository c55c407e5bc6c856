package pybridge

import (
	"context"
	"fmt"
)

// InProcessBackend drives the host's shared interpreter. Every call takes
// the interpreter's execution lock, unless the caller's context already
// holds it through a Scope, and handle ids are minted by the host.
//
// Several InProcessBackends may share one Interpreter; they share its lock,
// but each owns the handles it created.
type InProcessBackend struct {
	*client
	interp *Interpreter
}

var _ Backend = (*InProcessBackend)(nil)

// NewInProcessBackend returns a backend over interp. Call Initialize before
// use.
func NewInProcessBackend(interp *Interpreter, opts ...Option) *InProcessBackend {
	o := applyOptions(opts)
	desc := BackendDescriptor{Kind: KindInProcess}
	if env := interp.Environment(); env != nil {
		desc.EnvironmentPath = env.Path
	}
	b := &InProcessBackend{interp: interp}
	b.client = newClient(desc, interp, o.logger)
	b.client.ids = interp
	b.client.enter = interp.acquire
	return b
}

// Interpreter returns the interpreter the backend drives.
func (b *InProcessBackend) Interpreter() *Interpreter { return b.interp }

// Initialize pings the guest under the execution lock. It is idempotent.
func (b *InProcessBackend) Initialize(ctx context.Context) error {
	if b.initialized.Load() {
		return nil
	}
	if err := b.interp.ping(ctx); err != nil {
		b.fail(CmdPing, "interpreter", err)
		return fmt.Errorf("initialize %s: %w", b.desc, err)
	}
	b.initialized.Store(true)
	return nil
}

// AcquireExclusiveScope blocks until the caller holds the execution lock.
// Calls made with the scope's Context run without taking it again.
func (b *InProcessBackend) AcquireExclusiveScope(ctx context.Context) (*Scope, error) {
	return b.interp.Scope(ctx)
}

// Close is a no-op: the interpreter is shared and outlives its backends.
func (b *InProcessBackend) Close() error { return nil }
