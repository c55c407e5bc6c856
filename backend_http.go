package pybridge

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPBackend sends one POST per command to {base}/{command} and checks
// readiness with GET {base}/health. Connections are pooled by the HTTP
// client; each request is matched to its own response.
type HTTPBackend struct {
	remote
	base          string
	hc            *http.Client
	healthTimeout time.Duration
}

var _ Backend = (*HTTPBackend)(nil)

// NewHTTPBackend returns an HTTP backend for desc.Address, a base URL such as
// "http://127.0.0.1:8765". Call Initialize before use.
func NewHTTPBackend(desc BackendDescriptor, opts ...Option) *HTTPBackend {
	o := applyOptions(opts)
	desc.Kind = KindHTTP
	hc := o.httpClient
	if hc == nil {
		hc = &http.Client{Transport: &http.Transport{
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     90 * time.Second,
		}}
	}
	b := &HTTPBackend{
		base:          strings.TrimRight(desc.Address, "/"),
		hc:            hc,
		healthTimeout: o.healthTimeout,
	}
	b.remote = remote{client: newClient(desc, b, o.logger), requestTimeout: o.requestTimeout}
	return b
}

func (b *HTTPBackend) exchange(ctx context.Context, cmd Command, payload map[string]any) (map[string]any, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	return postJSON(ctx, b.hc, b.base+"/"+string(cmd), payload)
}

// Initialize checks GET /health. It is idempotent.
func (b *HTTPBackend) Initialize(ctx context.Context) error {
	if b.initialized.Load() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, b.healthTimeout)
	defer cancel()
	if err := getHealth(ctx, b.hc, b.base+"/health"); err != nil {
		b.fail(CmdPing, b.base, err)
		return fmt.Errorf("initialize %s: %w", b.desc, err)
	}
	b.initialized.Store(true)
	return nil
}

// Close drops idle pooled connections.
func (b *HTTPBackend) Close() error {
	b.hc.CloseIdleConnections()
	return nil
}
