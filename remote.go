package pybridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// remote holds what the three out-of-process backends share: no scope, no
// client-side object state, and an optional per-request timeout.
type remote struct {
	*client
	requestTimeout time.Duration
}

// NewRemoteBackend returns the HTTP, pipe or RPC backend for desc.
func NewRemoteBackend(desc BackendDescriptor, opts ...Option) (Backend, error) {
	switch desc.Kind {
	case KindHTTP:
		return NewHTTPBackend(desc, opts...), nil
	case KindPipe:
		return NewPipeBackend(desc, opts...), nil
	case KindRPC:
		return NewRPCBackend(desc, opts...), nil
	}
	return nil, fmt.Errorf("%w: %q is not a remote backend kind", ErrArgument, desc.Kind)
}

func (r *remote) AcquireExclusiveScope(ctx context.Context) (*Scope, error) {
	return noopScope(ctx), nil
}

func (r *remote) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.requestTimeout > 0 {
		return context.WithTimeout(ctx, r.requestTimeout)
	}
	return ctx, func() {}
}

// postJSON sends payload as a JSON body and decodes the JSON reply. Error
// envelopes are decoded whatever the status code.
func postJSON(ctx context.Context, hc *http.Client, url string, payload map[string]any) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrProtocol, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrTransport, err)
	}
	var out map[string]any
	if err := (JSONCodec{}).Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: status %d: %v", ErrProtocol, resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		if _, ok := out["error"]; !ok {
			return nil, fmt.Errorf("%w: unexpected status %d", ErrProtocol, resp.StatusCode)
		}
	}
	return out, nil
}

// getHealth sends GET url and requires a 200.
func getHealth(ctx context.Context, hc *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health returned status %d", ErrTransport, resp.StatusCode)
	}
	return nil
}
