package pybridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ProviderSensitivePrefixes are the module name prefixes evicted from the
// shared interpreter when it switches provider. They name native or
// accelerator-bound libraries whose loaded binaries would otherwise stay
// active after sys.path changes. Modules outside the list are not evicted.
var ProviderSensitivePrefixes = []string{
	"torch", "torchvision", "torchaudio", "tensorflow", "keras", "jax", "jaxlib",
	"onnxruntime", "onnx", "cupy", "cupyx", "numba", "llvmlite", "triton",
	"xformers", "bitsandbytes", "tensorrt", "nvidia", "accelerate",
	"transformers", "diffusers", "safetensors", "tokenizers", "ctranslate2",
	"faster_whisper", "whisper", "llama_cpp", "vllm", "flash_attn",
}

// ProviderEnvironment is a provider resolved to an environment on disk.
type ProviderEnvironment struct {
	Provider       string
	ModelID        string
	Path           string
	ComputeBackend string
}

// EnvironmentNameVariants lists the registry names tried for a provider, in
// order: each compute-suffixed form of provider[-modelID], then the bare form.
func EnvironmentNameVariants(provider, modelID string) []string {
	base := EnvironmentName(provider, modelID)
	out := make([]string, 0, len(ComputeSuffixes)+1)
	for _, suffix := range ComputeSuffixes {
		out = append(out, base+"-"+suffix)
	}
	return append(out, base)
}

type serverKey struct {
	envPath string
	kind    Kind
}

type resolveCall struct {
	done chan struct{}
	env  ProviderEnvironment
	err  error
}

// Switchboard resolves providers to environments, caches the result for the
// life of the process, switches the shared interpreter between them and keeps
// one launched server per environment and transport.
type Switchboard struct {
	prov   Provisioner
	launch LaunchConfig
	opts   []Option
	logger *slog.Logger

	// sitePackages finds the directory Activate puts first on sys.path.
	sitePackages func(ctx context.Context, envPath string) (string, error)

	mu       sync.Mutex
	cache    map[string]ProviderEnvironment
	inflight map[string]*resolveCall
	servers  map[serverKey]*Launcher
}

// NewSwitchboard returns a switchboard over prov. launch is the template for
// launched servers; its Kind and EnvironmentPath are filled in per server.
// opts go to every launcher.
func NewSwitchboard(prov Provisioner, launch LaunchConfig, opts ...Option) *Switchboard {
	o := applyOptions(opts)
	return &Switchboard{
		prov:         prov,
		launch:       launch,
		opts:         opts,
		logger:       o.logger.With("component", "switchboard"),
		sitePackages: openSitePackages,
		cache:        map[string]ProviderEnvironment{},
		inflight:     map[string]*resolveCall{},
		servers:      map[serverKey]*Launcher{},
	}
}

func openSitePackages(ctx context.Context, envPath string) (string, error) {
	env, err := OpenEnvironment(ctx, envPath)
	if err != nil {
		return "", err
	}
	return env.SitePackagesPath, nil
}

func cacheKey(provider, modelID string) string { return provider + "|" + modelID }

// providerTag identifies what the shared interpreter has active. It carries
// the environment path, so a provider re-registered elsewhere switches again.
func providerTag(env ProviderEnvironment) string {
	return cacheKey(env.Provider, env.ModelID) + "|" + env.Path
}

// PrepareProviderEnvironment resolves provider (and modelID) to an
// environment. The registry is consulted first; the provisioner is only
// asked to create one when no registered variant exists on disk. Results are
// cached, and concurrent callers for the same provider share one resolution.
func (s *Switchboard) PrepareProviderEnvironment(ctx context.Context, provider, modelID string) (ProviderEnvironment, error) {
	if provider == "" {
		return ProviderEnvironment{}, ErrEmptyName
	}
	key := cacheKey(provider, modelID)

	for {
		s.mu.Lock()
		if env, ok := s.cache[key]; ok {
			s.mu.Unlock()
			return env, nil
		}
		call, ok := s.inflight[key]
		if !ok {
			break
		}
		s.mu.Unlock()
		select {
		case <-call.done:
		case <-ctx.Done():
			return ProviderEnvironment{}, ctx.Err()
		}
		// The leader's own deadline or cancellation is not ours to report.
		if isContextError(call.err) && ctx.Err() == nil {
			continue
		}
		return call.env, call.err
	}
	call := &resolveCall{done: make(chan struct{})}
	s.inflight[key] = call
	s.mu.Unlock()

	call.env, call.err = s.resolve(ctx, provider, modelID)

	s.mu.Lock()
	delete(s.inflight, key)
	if call.err == nil {
		s.cache[key] = call.env
	}
	s.mu.Unlock()
	close(call.done)
	return call.env, call.err
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (s *Switchboard) resolve(ctx context.Context, provider, modelID string) (ProviderEnvironment, error) {
	env := ProviderEnvironment{Provider: provider, ModelID: modelID}
	for _, name := range EnvironmentNameVariants(provider, modelID) {
		path, ok := s.prov.GetRegisteredEnvironmentPath(name)
		if !ok || path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			s.logger.Debug("registered environment missing on disk", "name", name, "path", path)
			continue
		}
		env.Path = path
		env.ComputeBackend = s.prov.DetermineBackendFromProviderName(name)
		s.logger.Debug("environment resolved from registry", "provider", provider, "model", modelID, "name", name, "path", path)
		return env, nil
	}

	s.logger.Info("provisioning environment", "provider", provider, "model", modelID)
	path, err := s.prov.EnsureProviderEnvironment(ctx, provider, modelID)
	if err != nil {
		return ProviderEnvironment{}, fmt.Errorf("prepare environment for %s: %w", EnvironmentName(provider, modelID), err)
	}
	env.Path = path
	env.ComputeBackend = s.prov.DetermineBackendFromProviderName(filepath.Base(path))
	return env, nil
}

// Evict drops cached resolutions whose provider starts with prefix and
// returns how many were dropped. An empty prefix drops everything.
func (s *Switchboard) Evict(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, env := range s.cache {
		if strings.HasPrefix(env.Provider, prefix) {
			delete(s.cache, key)
			n++
		}
	}
	if n > 0 {
		s.logger.Debug("environment cache evicted", "prefix", prefix, "entries", n)
	}
	return n
}

// Cached returns the cached resolutions sorted by provider and model.
func (s *Switchboard) Cached() []ProviderEnvironment {
	s.mu.Lock()
	out := make([]ProviderEnvironment, 0, len(s.cache))
	for _, env := range s.cache {
		out = append(out, env)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return cacheKey(out[i].Provider, out[i].ModelID) < cacheKey(out[j].Provider, out[j].ModelID)
	})
	return out
}

// Activate makes provider the current provider of the shared interpreter.
// The switch holds the interpreter's execution lock, so it never overlaps an
// in-flight call. Activating the provider and environment already current
// does nothing.
func (s *Switchboard) Activate(ctx context.Context, interp *Interpreter, provider, modelID string) (ProviderEnvironment, error) {
	env, err := s.PrepareProviderEnvironment(ctx, provider, modelID)
	if err != nil {
		return ProviderEnvironment{}, err
	}
	scope, err := interp.Scope(ctx)
	if err != nil {
		return ProviderEnvironment{}, err
	}
	defer scope.Release()

	tag := providerTag(env)
	if current, _ := interp.Provider(scope.Context()); current == tag {
		return env, nil
	}
	sp, err := s.sitePackages(scope.Context(), env.Path)
	if err != nil {
		return ProviderEnvironment{}, fmt.Errorf("activate %s: %w", EnvironmentName(provider, modelID), err)
	}
	evicted, err := interp.SwitchProvider(scope.Context(), tag, sp, ProviderSensitivePrefixes)
	if err != nil {
		return ProviderEnvironment{}, fmt.Errorf("activate %s: %w", EnvironmentName(provider, modelID), err)
	}
	s.logger.Info("provider activated", "provider", provider, "model", modelID, "path", env.Path, "evicted_modules", evicted)
	return env, nil
}

// EnsureServer returns the endpoint of a kind server running in provider's
// environment, launching one if none is running.
func (s *Switchboard) EnsureServer(ctx context.Context, provider, modelID string, kind Kind) (BackendDescriptor, error) {
	env, err := s.PrepareProviderEnvironment(ctx, provider, modelID)
	if err != nil {
		return BackendDescriptor{}, err
	}
	return s.EnsureServerAt(ctx, env.Path, kind)
}

// EnsureServerAt is EnsureServer for an environment path.
func (s *Switchboard) EnsureServerAt(ctx context.Context, envPath string, kind Kind) (BackendDescriptor, error) {
	key := serverKey{envPath: envPath, kind: kind}
	s.mu.Lock()
	l, ok := s.servers[key]
	if !ok {
		cfg := s.launch
		cfg.Kind = kind
		cfg.EnvironmentPath = envPath
		var err error
		if l, err = NewLauncher(cfg, s.opts...); err != nil {
			s.mu.Unlock()
			return BackendDescriptor{}, err
		}
		s.servers[key] = l
	}
	s.mu.Unlock()
	return l.Start(ctx)
}

// StopAll stops every server the switchboard launched.
func (s *Switchboard) StopAll() error {
	s.mu.Lock()
	servers := make([]*Launcher, 0, len(s.servers))
	for _, l := range s.servers {
		servers = append(servers, l)
	}
	s.servers = map[serverKey]*Launcher{}
	s.mu.Unlock()

	var errs []error
	for _, l := range servers {
		if err := l.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
