package pybridge

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Option configures a backend, an interpreter or a launcher.
type Option func(*options)

type options struct {
	logger         *slog.Logger
	httpClient     *http.Client
	dialer         func(ctx context.Context) (net.Conn, error)
	requestTimeout time.Duration
	healthTimeout  time.Duration
	killOnSignal   bool
	env            []string
}

func defaultOptions() options {
	return options{
		logger:        slog.Default(),
		healthTimeout: 2 * time.Second,
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger failures are reported to.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithHTTPClient replaces the HTTP client of the HTTP and RPC backends.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithDialer replaces how the pipe backend opens its connection.
func WithDialer(dial func(ctx context.Context) (net.Conn, error)) Option {
	return func(o *options) { o.dialer = dial }
}

// WithRequestTimeout bounds each remote command. Zero leaves commands
// bounded only by the caller's context.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithHealthTimeout bounds each readiness health check.
func WithHealthTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.healthTimeout = d
		}
	}
}

// WithKillOnSignal makes a started interpreter or server stop its process
// tree when the host receives an interrupt or termination signal. The
// signal is then delivered to the host again.
func WithKillOnSignal() Option {
	return func(o *options) { o.killOnSignal = true }
}

// WithEnv adds KEY=value entries to the environment of started processes.
func WithEnv(kv ...string) Option {
	return func(o *options) { o.env = append(o.env, kv...) }
}
