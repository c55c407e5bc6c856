package pybridge

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds the bridge's runtime configuration.
// Every field is populated from environment variables by LoadConfig.
type Config struct {
	Backend      Kind          // PYBRIDGE_BACKEND (default "inprocess")
	HTTPURL      string        // PYBRIDGE_HTTP_URL: use this HTTP server instead of launching one
	PipeName     string        // PYBRIDGE_PIPE_NAME: use this pipe server instead of launching one
	RPCAddress   string        // PYBRIDGE_RPC_ADDRESS: use this RPC server instead of launching one
	Root         string        // PYBRIDGE_ROOT (default <user cache dir>/pybridge)
	ScriptsDir   string        // PYBRIDGE_SCRIPTS_DIR (default <root>/scripts)
	Python       string        // PYBRIDGE_PYTHON: interpreter for the default environment (default: PATH lookup)
	ReadyTimeout time.Duration // PYBRIDGE_READY_TIMEOUT (default 30s)
	PollInterval time.Duration // PYBRIDGE_POLL_INTERVAL (default 500ms)
	LogLevel     slog.Level    // PYBRIDGE_LOG_LEVEL (default info)
	Fallback     bool          // PYBRIDGE_FALLBACK: fall back to in-process when a launch fails (default true)
}

// LoadConfig reads the configuration from environment variables and
// validates it.
func LoadConfig() (*Config, error) {
	c := &Config{}

	var err error
	c.Backend, err = ParseKind(os.Getenv("PYBRIDGE_BACKEND"))
	if err != nil {
		return nil, fmt.Errorf("PYBRIDGE_BACKEND: %w", err)
	}

	c.HTTPURL = os.Getenv("PYBRIDGE_HTTP_URL")
	c.PipeName = os.Getenv("PYBRIDGE_PIPE_NAME")
	c.RPCAddress = os.Getenv("PYBRIDGE_RPC_ADDRESS")
	c.Python = os.Getenv("PYBRIDGE_PYTHON")

	c.Root = os.Getenv("PYBRIDGE_ROOT")
	if c.Root == "" {
		cache, err := os.UserCacheDir()
		if err != nil {
			cache = os.TempDir()
		}
		c.Root = filepath.Join(cache, "pybridge")
	}
	c.ScriptsDir = os.Getenv("PYBRIDGE_SCRIPTS_DIR")
	if c.ScriptsDir == "" {
		c.ScriptsDir = filepath.Join(c.Root, "scripts")
	}

	c.ReadyTimeout, err = envDuration("PYBRIDGE_READY_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	c.PollInterval, err = envDuration("PYBRIDGE_POLL_INTERVAL", 500*time.Millisecond)
	if err != nil {
		return nil, err
	}

	c.LogLevel, err = envLevel("PYBRIDGE_LOG_LEVEL", slog.LevelInfo)
	if err != nil {
		return nil, err
	}

	c.Fallback, err = envBool("PYBRIDGE_FALLBACK", true)
	if err != nil {
		return nil, err
	}

	if c.PollInterval > c.ReadyTimeout {
		return nil, fmt.Errorf("PYBRIDGE_POLL_INTERVAL=%s exceeds PYBRIDGE_READY_TIMEOUT=%s", c.PollInterval, c.ReadyTimeout)
	}
	return c, nil
}

// RegistryPath is the environment registry file under Root.
func (c *Config) RegistryPath() string { return filepath.Join(c.Root, "registry.json") }

// EnvironmentsDir is where provisioned environments are created.
func (c *Config) EnvironmentsDir() string { return filepath.Join(c.Root, "envs") }

// Endpoint returns the configured endpoint for kind, if one was given.
func (c *Config) Endpoint(kind Kind) (BackendDescriptor, bool) {
	var addr string
	switch kind {
	case KindHTTP:
		addr = c.HTTPURL
	case KindPipe:
		addr = c.PipeName
	case KindRPC:
		addr = c.RPCAddress
	}
	if addr == "" {
		return BackendDescriptor{}, false
	}
	return BackendDescriptor{Kind: kind, Address: addr}, true
}

// LaunchConfig is the launcher template derived from c.
func (c *Config) LaunchConfig() LaunchConfig {
	return LaunchConfig{
		ScriptsDir:   c.ScriptsDir,
		ReadyTimeout: c.ReadyTimeout,
		PollInterval: c.PollInterval,
	}
}

// envDuration reads an environment variable as a duration ("30s") or a
// number of seconds ("30"), returning def if unset.
func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	var d time.Duration
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		d = time.Duration(n * float64(time.Second))
	} else if d, err = time.ParseDuration(v); err != nil {
		return 0, fmt.Errorf("parsing %s=%q: %w", key, v, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("parsing %s=%q: must be positive", key, v)
	}
	return d, nil
}

// envBool reads an environment variable as a bool, returning def if unset.
func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parsing %s=%q: %w", key, v, err)
	}
	return b, nil
}

// envLevel reads an environment variable as a slog level name.
func envLevel(key string, def slog.Level) (slog.Level, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(v)); err != nil {
		return def, fmt.Errorf("parsing %s=%q: %w", key, v, err)
	}
	return l, nil
}
