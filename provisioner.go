package pybridge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ComputeSuffixes are the accelerator tags environment names may end with,
// in the order the switchboard prefers them.
var ComputeSuffixes = []string{"cuda", "rocm", "directml", "mps", "cpu"}

// Provisioner creates and tracks provider environments. The switchboard only
// calls EnsureProviderEnvironment when the registry has no usable entry.
type Provisioner interface {
	// EnsureProviderEnvironment returns the path of an environment for the
	// provider, creating and populating it if needed.
	EnsureProviderEnvironment(ctx context.Context, name, modelID string) (string, error)

	// GetRegisteredEnvironmentPath returns the path registered under name.
	GetRegisteredEnvironmentPath(name string) (string, bool)

	// DeleteVirtualEnvironment removes an environment from disk and from the
	// registry. It reports whether anything was deleted.
	DeleteVirtualEnvironment(path string) bool

	// DetermineBackendFromProviderName returns the compute tag encoded in an
	// environment directory name, or "" when there is none.
	DetermineBackendFromProviderName(dirName string) string

	// InstallPackages installs packages into the environment at envPath.
	InstallPackages(ctx context.Context, envPath string, packages ...string) error
}

// EnvironmentName is the base environment name of a provider and model.
func EnvironmentName(provider, modelID string) string {
	if modelID == "" {
		return provider
	}
	return provider + "-" + modelID
}

// DetermineBackendFromProviderName returns the compute suffix of dirName.
func DetermineBackendFromProviderName(dirName string) string {
	name := strings.ToLower(filepath.Base(dirName))
	for _, suffix := range ComputeSuffixes {
		if strings.HasSuffix(name, "-"+suffix) {
			return suffix
		}
	}
	return ""
}

// VenvProvisioner keeps one virtual environment per provider under Root and
// records them in a Registry.
type VenvProvisioner struct {
	// Root holds the environments.
	Root string

	// Registry records created environments.
	Registry *Registry

	// Base returns the interpreter new environments are created from.
	// Defaults to SystemEnvironment.
	Base func(ctx context.Context) (*Environment, error)

	// ComputeBackend tags new environments, e.g. "cuda". Empty creates
	// untagged environments.
	ComputeBackend string

	// BasePackages go into every new environment.
	BasePackages []string

	// Packages lists extra packages per provider name.
	Packages map[string][]string

	// Pip tunes package installation.
	Pip PipOptions

	Logger *slog.Logger

	mu sync.Mutex
}

var _ Provisioner = (*VenvProvisioner)(nil)

func (p *VenvProvisioner) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default().With("component", "provisioner")
	}
	return p.Logger.With("component", "provisioner")
}

func (p *VenvProvisioner) GetRegisteredEnvironmentPath(name string) (string, bool) {
	if p.Registry == nil {
		return "", false
	}
	e, ok := p.Registry.Lookup(name)
	if !ok {
		return "", false
	}
	return e.Path, true
}

func (p *VenvProvisioner) DetermineBackendFromProviderName(dirName string) string {
	return DetermineBackendFromProviderName(dirName)
}

// EnsureProviderEnvironment creates Root/<provider>[-<model>][-<backend>]
// on first use, installs BasePackages and the provider's Packages, and
// registers it. Creation is serialized.
func (p *VenvProvisioner) EnsureProviderEnvironment(ctx context.Context, name, modelID string) (string, error) {
	if name == "" {
		return "", ErrEmptyName
	}
	envName := EnvironmentName(name, modelID)
	if p.ComputeBackend != "" {
		envName += "-" + p.ComputeBackend
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if path, ok := p.GetRegisteredEnvironmentPath(envName); ok {
		if _, err := PythonExecutable(path); err == nil {
			return path, nil
		}
	}

	base := p.Base
	if base == nil {
		base = SystemEnvironment
	}
	baseEnv, err := base(ctx)
	if err != nil {
		return "", fmt.Errorf("provision %s: %w", envName, err)
	}

	path := filepath.Join(p.Root, envName)
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	logger := p.logger().With("environment", envName)
	logger.Info("creating environment", "path", path, "base", baseEnv.PythonPath)
	env, err := CreateVenv(ctx, baseEnv, path, VenvOptions{}, nil)
	if err != nil {
		return "", fmt.Errorf("provision %s: %w", envName, err)
	}

	packages := append(append([]string{}, p.BasePackages...), p.Packages[name]...)
	if len(packages) > 0 {
		opts := p.Pip
		if opts.Logger == nil {
			opts.Logger = logger
		}
		if err := env.InstallPackages(ctx, opts, packages...); err != nil {
			return "", fmt.Errorf("provision %s: %w", envName, err)
		}
	}

	if p.Registry != nil {
		entry := RegistryEntry{Name: envName, Path: path, ComputeBackend: DetermineBackendFromProviderName(envName)}
		if err := p.Registry.Register(entry); err != nil {
			return "", fmt.Errorf("provision %s: %w", envName, err)
		}
	}
	logger.Info("environment ready", "path", path, "packages", len(packages))
	return path, nil
}

// DeleteVirtualEnvironment deletes an environment under Root. Paths outside
// Root are refused.
func (p *VenvProvisioner) DeleteVirtualEnvironment(path string) bool {
	root, err := filepath.Abs(p.Root)
	if err != nil {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		p.logger().Warn("refusing to delete environment outside root", "path", path, "root", p.Root)
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := os.Stat(abs); err != nil {
		return false
	}
	if err := os.RemoveAll(abs); err != nil {
		p.logger().Warn("delete environment failed", "path", abs, "error", err)
		return false
	}
	if p.Registry != nil {
		if err := p.Registry.RemovePath(abs); err != nil {
			p.logger().Warn("unregister environment failed", "path", abs, "error", err)
		}
	}
	return true
}

func (p *VenvProvisioner) InstallPackages(ctx context.Context, envPath string, packages ...string) error {
	env, err := OpenEnvironment(ctx, envPath)
	if err != nil {
		return err
	}
	opts := p.Pip
	if opts.Logger == nil {
		opts.Logger = p.logger()
	}
	return env.InstallPackages(ctx, opts, packages...)
}

// InstallRequirements installs a requirements file into the environment at
// envPath.
func (p *VenvProvisioner) InstallRequirements(ctx context.Context, envPath, requirementsPath string) error {
	env, err := OpenEnvironment(ctx, envPath)
	if err != nil {
		return err
	}
	opts := p.Pip
	if opts.Logger == nil {
		opts.Logger = p.logger()
	}
	return env.InstallRequirements(ctx, opts, requirementsPath)
}
