package pybridge

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"
)

// RPCBackend speaks the protocol over HTTP/2 without TLS (prior-knowledge
// h2c): each command is POST /rpc/PythonService/{Method} with the payload as
// the JSON body, readiness is GET /health.
type RPCBackend struct {
	remote
	base          string
	hc            *http.Client
	h2            *http2.Transport
	healthTimeout time.Duration
}

var _ Backend = (*RPCBackend)(nil)

// NewRPCBackend returns an RPC backend for desc.Address ("host:port", with or
// without an http:// prefix). Call Initialize before use.
func NewRPCBackend(desc BackendDescriptor, opts ...Option) *RPCBackend {
	o := applyOptions(opts)
	desc.Kind = KindRPC
	b := &RPCBackend{
		base:          "http://" + strings.TrimPrefix(strings.TrimRight(desc.Address, "/"), "http://"),
		healthTimeout: o.healthTimeout,
	}
	b.hc = o.httpClient
	if b.hc == nil {
		b.h2 = newH2CTransport()
		b.hc = &http.Client{Transport: b.h2}
	}
	b.remote = remote{client: newClient(desc, b, o.logger), requestTimeout: o.requestTimeout}
	return b
}

// newH2CTransport returns an HTTP/2 transport that dials plain TCP for
// http:// URLs.
func newH2CTransport() *http2.Transport {
	return &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
		ReadIdleTimeout: 30 * time.Second,
		PingTimeout:     10 * time.Second,
	}
}

func (b *RPCBackend) exchange(ctx context.Context, cmd Command, payload map[string]any) (map[string]any, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	return postJSON(ctx, b.hc, b.base+RPCPath(cmd), payload)
}

// Initialize checks GET /health over HTTP/2. It is idempotent.
func (b *RPCBackend) Initialize(ctx context.Context) error {
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

// Close drops idle HTTP/2 connections.
func (b *RPCBackend) Close() error {
	if b.h2 != nil {
		b.h2.CloseIdleConnections()
	} else {
		b.hc.CloseIdleConnections()
	}
	return nil
}
