package pybridge

import (
	"context"
	"fmt"
	"log/slog"
)

// Selector builds the configured backend for a provider. Remote kinds use a
// configured endpoint when one is set and otherwise launch a server through
// the switchboard; a failed launch can fall back to the shared interpreter.
type Selector struct {
	cfg    *Config
	sb     *Switchboard
	opts   []Option
	logger *slog.Logger

	// defaultEnv is the environment used when no provider is named.
	defaultEnv func(ctx context.Context) (*Environment, error)
}

// NewSelector returns a selector for cfg. opts are passed to every backend
// and to the shared interpreter.
func NewSelector(cfg *Config, sb *Switchboard, opts ...Option) *Selector {
	o := applyOptions(opts)
	s := &Selector{
		cfg:    cfg,
		sb:     sb,
		opts:   opts,
		logger: o.logger.With("component", "selector"),
	}
	s.defaultEnv = func(ctx context.Context) (*Environment, error) {
		if cfg.Python != "" {
			return NewEnvironmentFromExecutable(ctx, cfg.Python)
		}
		return SystemEnvironment(ctx)
	}
	return s
}

// Backend returns an initialized backend of the configured kind. With a
// provider, the backend runs in that provider's environment. The caller
// closes it.
func (s *Selector) Backend(ctx context.Context, provider, modelID string) (Backend, error) {
	kind := s.cfg.Backend
	if !kind.Remote() {
		return s.inProcess(ctx, provider, modelID)
	}

	b, err := s.remote(ctx, kind, provider, modelID)
	if err == nil {
		return b, nil
	}
	if !s.cfg.Fallback {
		return nil, err
	}
	s.logger.Warn("remote backend unavailable, falling back to in-process",
		"kind", string(kind), "provider", provider, "error", err)
	return s.inProcess(ctx, provider, modelID)
}

func (s *Selector) remote(ctx context.Context, kind Kind, provider, modelID string) (Backend, error) {
	desc, ok := s.cfg.Endpoint(kind)
	if !ok {
		var err error
		if provider != "" {
			desc, err = s.sb.EnsureServer(ctx, provider, modelID, kind)
		} else {
			var env *Environment
			if env, err = s.defaultEnv(ctx); err == nil {
				desc, err = s.sb.EnsureServerAt(ctx, env.Path, kind)
			}
		}
		if err != nil {
			return nil, err
		}
	}
	b, err := NewRemoteBackend(desc, s.opts...)
	if err != nil {
		return nil, err
	}
	if err := b.Initialize(ctx); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

func (s *Selector) inProcess(ctx context.Context, provider, modelID string) (Backend, error) {
	env, err := s.defaultEnv(ctx)
	if err != nil {
		return nil, fmt.Errorf("in-process backend: %w", err)
	}
	interp, err := SharedInterpreter(ctx, env, s.opts...)
	if err != nil {
		return nil, fmt.Errorf("in-process backend: %w", err)
	}
	if provider != "" {
		if _, err := s.sb.Activate(ctx, interp, provider, modelID); err != nil {
			return nil, fmt.Errorf("in-process backend: %w", err)
		}
	}
	b := NewInProcessBackend(interp, s.opts...)
	if err := b.Initialize(ctx); err != nil {
		return nil, err
	}
	return b, nil
}
