package pybridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// Environment is an on-disk Python installation: a virtual environment, a
// conda-style prefix or the system interpreter. Backends and launchers run
// their guest with the environment's interpreter and its bin directory first
// on PATH.
type Environment struct {
	// Name identifies the environment, normally the directory name.
	Name string

	// Path is the environment root (sys.prefix).
	Path string

	// BinPath holds the environment's executables (bin, or Scripts on Windows).
	BinPath string

	// PythonPath is the full path to the interpreter.
	PythonPath string

	// SitePackagesPath is the environment's purelib directory.
	SitePackagesPath string

	// PythonVersion is the interpreter's version.
	PythonVersion Version

	// IsNew reports whether CreateVenv created the environment rather than
	// reusing an existing one.
	IsNew bool
}

// ProgressCallback receives progress updates from long operations. total is
// -1 when the amount of work is unknown.
type ProgressCallback func(message string, current, total int64)

// VenvOptions configures CreateVenv. The fields map onto the flags of
// Python's venv module.
type VenvOptions struct {
	SystemSitePackages bool
	Symlinks           bool
	Clear              bool
	Upgrade            bool
	WithoutPip         bool
	Prompt             string
}

// executableCandidates lists where an environment keeps its interpreter, in
// lookup order.
func executableCandidates(envPath string) []string {
	if runtime.GOOS == "windows" {
		return []string{
			filepath.Join(envPath, "Scripts", "python.exe"),
			filepath.Join(envPath, "python.exe"),
		}
	}
	return []string{
		filepath.Join(envPath, "bin", "python"),
		filepath.Join(envPath, "bin", "python3"),
	}
}

// PythonExecutable returns the interpreter of the environment at envPath. It
// fails with ErrExecutableNotFound when none of the platform's layouts has
// one.
func PythonExecutable(envPath string) (string, error) {
	for _, candidate := range executableCandidates(envPath) {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: no interpreter under %s", ErrExecutableNotFound, envPath)
}

// environmentQuery prints what OpenEnvironment needs as one JSON line.
const environmentQuery = `import json, sys, sysconfig
print(json.dumps({
    "version": "%d.%d.%d" % sys.version_info[:3],
    "prefix": sys.prefix,
    "purelib": sysconfig.get_paths()["purelib"],
}))`

type environmentInfo struct {
	Version string `json:"version"`
	Prefix  string `json:"prefix"`
	Purelib string `json:"purelib"`
}

// OpenEnvironment resolves the environment rooted at envPath by asking its
// interpreter for its version and site-packages directory.
func OpenEnvironment(ctx context.Context, envPath string) (*Environment, error) {
	python, err := PythonExecutable(envPath)
	if err != nil {
		return nil, err
	}
	env, err := NewEnvironmentFromExecutable(ctx, python)
	if err != nil {
		return nil, err
	}
	env.Path = envPath
	env.Name = filepath.Base(envPath)
	return env, nil
}

// NewEnvironmentFromExecutable describes the installation pythonPath belongs to.
func NewEnvironmentFromExecutable(ctx context.Context, pythonPath string) (*Environment, error) {
	if _, err := os.Stat(pythonPath); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrExecutableNotFound, pythonPath)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, pythonPath, "-c", environmentQuery)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("query %s: %v, stderr: %s", pythonPath, err, strings.TrimSpace(stderr.String()))
	}

	var info environmentInfo
	if err := json.Unmarshal(lastLine(stdout.Bytes()), &info); err != nil {
		return nil, fmt.Errorf("query %s: %w", pythonPath, err)
	}
	version, err := ParseVersion(info.Version)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", pythonPath, err)
	}

	return &Environment{
		Name:             filepath.Base(info.Prefix),
		Path:             info.Prefix,
		BinPath:          filepath.Dir(pythonPath),
		PythonPath:       pythonPath,
		SitePackagesPath: info.Purelib,
		PythonVersion:    version,
	}, nil
}

// lastLine skips anything a sitecustomize hook printed before the query's
// own output.
func lastLine(out []byte) []byte {
	out = bytes.TrimSpace(out)
	if i := bytes.LastIndexByte(out, '\n'); i >= 0 {
		return out[i+1:]
	}
	return out
}

// SystemEnvironment describes the interpreter found on PATH. On Windows the
// Microsoft Store placeholder executables are skipped.
func SystemEnvironment(ctx context.Context) (*Environment, error) {
	if runtime.GOOS == "windows" {
		out, err := exec.CommandContext(ctx, "where", "python").Output()
		if err != nil {
			return nil, fmt.Errorf("%w: python not on PATH", ErrExecutableNotFound)
		}
		for _, p := range strings.Split(string(out), "\n") {
			p = strings.TrimSpace(p)
			if p != "" && !strings.Contains(p, `Microsoft\WindowsApps`) {
				return NewEnvironmentFromExecutable(ctx, p)
			}
		}
		return nil, fmt.Errorf("%w: only placeholder python executables on PATH", ErrExecutableNotFound)
	}

	for _, name := range []string{"python3", "python"} {
		if p, err := exec.LookPath(name); err == nil {
			return NewEnvironmentFromExecutable(ctx, p)
		}
	}
	return nil, fmt.Errorf("%w: python not on PATH", ErrExecutableNotFound)
}

// CreateVenv creates (or, with Upgrade, refreshes) a virtual environment at
// venvPath from base. An existing environment is reused unless Clear is set.
func CreateVenv(ctx context.Context, base *Environment, venvPath string, options VenvOptions, progress ProgressCallback) (*Environment, error) {
	if base == nil {
		return nil, fmt.Errorf("%w: base environment is nil", ErrArgument)
	}

	exists := false
	if _, err := PythonExecutable(venvPath); err == nil {
		exists = true
	}

	if !exists || options.Clear || options.Upgrade {
		args := []string{"-m", "venv"}
		if options.SystemSitePackages {
			args = append(args, "--system-site-packages")
		}
		if options.Symlinks {
			args = append(args, "--symlinks")
		}
		if options.Clear {
			args = append(args, "--clear")
		} else if options.Upgrade {
			args = append(args, "--upgrade")
		}
		if options.WithoutPip {
			args = append(args, "--without-pip")
		}
		if options.Prompt != "" {
			args = append(args, "--prompt", options.Prompt)
		}
		args = append(args, venvPath)

		var stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, base.PythonPath, args...)
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return nil, fmt.Errorf("create virtual environment %s: %v, stderr: %s", venvPath, err, strings.TrimSpace(stderr.String()))
		}
		if progress != nil {
			progress("Created virtual environment", 50, 100)
		}
	}

	env, err := OpenEnvironment(ctx, venvPath)
	if err != nil {
		return nil, err
	}
	env.IsNew = !exists || options.Clear
	if progress != nil {
		progress("Virtual environment ready", 100, 100)
	}
	return env, nil
}

// processEnv is the environment a guest process starts with: the host's
// environment, the bin directory first on PATH, VIRTUAL_ENV and unbuffered
// output, then extra.
func (env *Environment) processEnv(extra []string) []string {
	out := make([]string, 0, len(os.Environ())+len(extra)+3)
	pathKey := "PATH"
	pathValue := ""
	for _, kv := range os.Environ() {
		k, v, _ := strings.Cut(kv, "=")
		switch {
		case strings.EqualFold(k, "PATH"):
			pathKey, pathValue = k, v
		case k == "VIRTUAL_ENV", k == "PYTHONUNBUFFERED", k == "PYTHONHOME":
		default:
			out = append(out, kv)
		}
	}
	if env.BinPath != "" {
		if pathValue == "" {
			pathValue = env.BinPath
		} else {
			pathValue = env.BinPath + string(os.PathListSeparator) + pathValue
		}
	}
	out = append(out, pathKey+"="+pathValue, "PYTHONUNBUFFERED=1")
	if env.Path != "" {
		out = append(out, "VIRTUAL_ENV="+env.Path)
	}
	return append(out, extra...)
}
