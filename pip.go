package pybridge

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
)

// PipOptions tunes InstallPackages.
type PipOptions struct {
	// IndexURL replaces the default package index.
	IndexURL string

	// ExtraIndexURLs are searched after the index, e.g. a PyTorch wheel index.
	ExtraIndexURLs []string

	// NoCache disables pip's cache.
	NoCache bool

	// Logger receives pip's output line by line. Defaults to slog.Default().
	Logger *slog.Logger

	// Progress, if set, is called for every line pip prints.
	Progress ProgressCallback
}

// InstallPackages runs "python -m pip install" for packages in env. pip's
// stdout and stderr are logged as they arrive; a failure includes the tail of
// stderr.
func (env *Environment) InstallPackages(ctx context.Context, opts PipOptions, packages ...string) error {
	if len(packages) == 0 {
		return nil
	}
	args := []string{"-m", "pip", "install", "--no-warn-script-location", "--disable-pip-version-check"}
	if opts.NoCache {
		args = append(args, "--no-cache-dir")
	}
	if opts.IndexURL != "" {
		args = append(args, "--index-url", opts.IndexURL)
	}
	for _, u := range opts.ExtraIndexURLs {
		args = append(args, "--extra-index-url", u)
	}
	args = append(args, packages...)
	return env.runPip(ctx, opts, "Installing "+strings.Join(packages, ", "), args)
}

// InstallRequirements installs a requirements.txt file into env.
func (env *Environment) InstallRequirements(ctx context.Context, opts PipOptions, requirementsPath string) error {
	args := []string{"-m", "pip", "install", "--no-warn-script-location", "--disable-pip-version-check", "-r", requirementsPath}
	return env.runPip(ctx, opts, "Installing requirements", args)
}

func (env *Environment) runPip(ctx context.Context, opts PipOptions, desc string, args []string) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "pip", "environment", env.Path)

	cmd := exec.CommandContext(ctx, env.PythonPath, args...)
	cmd.Env = env.processEnv(nil)
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = io.MultiWriter(stderr, newLineLogger(logger, "stderr"))
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("pip: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start pip: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	var lines int64
	for scanner.Scan() {
		lines++
		logger.Debug("pip output", "line", scanner.Text())
		if opts.Progress != nil {
			opts.Progress(desc, lines, -1)
		}
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("pip install in %s: %v, stderr: %s", env.Path, err, strings.TrimSpace(stderr.String()))
	}
	if opts.Progress != nil {
		opts.Progress(desc+" done", 100, 100)
	}
	return nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
