package pybridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// TestHelperProcess stands in for a Python server when the fake interpreter
// of fakePythonEnv re-executes the test binary.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("PYBRIDGE_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	var script, host, port, pipe string
	for i := 0; i+1 < len(args); i++ {
		switch args[i] {
		case "-u":
			script = args[i+1]
		case "--host":
			host = args[i+1]
		case "--port":
			port = args[i+1]
		case "--pipe":
			pipe = args[i+1]
		}
	}

	g := newFakeGuest("s")
	name := filepath.Base(script)
	switch {
	case strings.Contains(name, "_http_"):
		err := http.ListenAndServe(net.JoinHostPort(host, port), g.httpHandler())
		fmt.Fprintln(os.Stderr, err)
	case strings.Contains(name, "_rpc_"):
		err := http.ListenAndServe(net.JoinHostPort(host, port), g.rpcHandler())
		fmt.Fprintln(os.Stderr, err)
	case strings.Contains(name, "_pipe_"):
		ln, err := net.Listen("unix", pipe)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		for {
			conn, err := ln.Accept()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				break
			}
			go g.servePipe(conn)
		}
	default:
		fmt.Fprintf(os.Stderr, "unexpected script %q\n", script)
	}
	os.Exit(2)
}

// fakePythonEnv returns an environment whose bin/python is a shell script
// running body.
func fakePythonEnv(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake interpreter is a shell script")
	}
	env := t.TempDir()
	bin := filepath.Join(env, "bin")
	if err := os.MkdirAll(bin, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(bin, "python"), []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return env
}

// helperPythonEnv is an environment whose interpreter serves the fake guest.
func helperPythonEnv(t *testing.T) string {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	return fakePythonEnv(t, fmt.Sprintf(`exec '%s' -test.run='^TestHelperProcess$' -- "$@"`, exe))
}

func helperLaunchConfig(t *testing.T, kind Kind, env string) LaunchConfig {
	return LaunchConfig{
		Kind:            kind,
		EnvironmentPath: env,
		ScriptsDir:      t.TempDir(),
		ReadyTimeout:    20 * time.Second,
		PollInterval:    50 * time.Millisecond,
	}
}

func TestNewLauncherValidates(t *testing.T) {
	tests := []LaunchConfig{
		{Kind: KindInProcess, EnvironmentPath: "/env", ScriptsDir: "/scripts"},
		{Kind: KindHTTP, ScriptsDir: "/scripts"},
		{Kind: KindPipe, EnvironmentPath: "/env"},
	}
	for _, cfg := range tests {
		if _, err := NewLauncher(cfg); !errors.Is(err, ErrArgument) {
			t.Errorf("%+v: err = %v", cfg, err)
		}
	}
	l, err := NewLauncher(LaunchConfig{Kind: KindRPC, EnvironmentPath: "/env", ScriptsDir: "/scripts"})
	if err != nil {
		t.Fatal(err)
	}
	if l.State() != StateNotStarted || l.Running() {
		t.Errorf("state = %s", l.State())
	}
	if err := l.Stop(); err != nil {
		t.Errorf("stopping an unstarted launcher: %v", err)
	}
	if _, err := l.Backend(); !errors.Is(err, ErrTransport) {
		t.Errorf("backend of unstarted launcher: %v", err)
	}
}

func TestLauncherExecutableNotFound(t *testing.T) {
	cfg := LaunchConfig{Kind: KindHTTP, EnvironmentPath: t.TempDir(), ScriptsDir: t.TempDir(), PollInterval: 2 * time.Second}
	l, err := NewLauncher(cfg, WithLogger(newLogCapture().logger()))
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if _, err := l.Start(context.Background()); !errors.Is(err, ErrExecutableNotFound) {
		t.Errorf("err = %v", err)
	}
	if elapsed := time.Since(start); elapsed >= cfg.PollInterval {
		t.Errorf("missing interpreter reported after %s, want before the first poll", elapsed)
	}
	if l.State() != StateFailed {
		t.Errorf("state = %s", l.State())
	}
}

func TestLauncherProcessExits(t *testing.T) {
	env := fakePythonEnv(t, "echo 'ModuleNotFoundError: h2' >&2\nexit 3")
	logs := newLogCapture()
	cfg := helperLaunchConfig(t, KindRPC, env)
	l, err := NewLauncher(cfg, WithLogger(logs.logger()))
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	_, err = l.Start(context.Background())
	if !errors.Is(err, ErrProcessExited) {
		t.Fatalf("err = %v", err)
	}
	if elapsed := time.Since(start); elapsed > cfg.ReadyTimeout/2 {
		t.Errorf("exit detected after %s", elapsed)
	}
	if l.State() != StateFailed {
		t.Errorf("state = %s", l.State())
	}
	if len(logs.find("server launch failed")) != 1 {
		t.Error("launch failure not logged")
	}
}

func TestLauncherReadinessTimeout(t *testing.T) {
	env := fakePythonEnv(t, "exec sleep 30")
	cfg := helperLaunchConfig(t, KindHTTP, env)
	cfg.ReadyTimeout = 300 * time.Millisecond
	l, err := NewLauncher(cfg, WithLogger(newLogCapture().logger()))
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	_, err = l.Start(context.Background())
	if !errors.Is(err, ErrReadinessTimeout) {
		t.Fatalf("err = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("timeout took %s", elapsed)
	}
	l.mu.Lock()
	proc := l.proc
	l.mu.Unlock()
	if proc == nil {
		t.Fatal("no process recorded")
	}
	select {
	case <-proc.exited():
	default:
		t.Error("server still running after the readiness timeout")
	}
	if l.State() != StateFailed {
		t.Errorf("state = %s", l.State())
	}
}

func TestLauncherStateDuringStart(t *testing.T) {
	env := fakePythonEnv(t, "exec sleep 30")
	cfg := helperLaunchConfig(t, KindHTTP, env)
	cfg.ReadyTimeout = 2 * time.Second
	l, err := NewLauncher(cfg, WithLogger(newLogCapture().logger()))
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := l.Start(context.Background())
		done <- err
	}()

	deadline := time.Now().Add(cfg.ReadyTimeout / 2)
	for l.State() != StateStarting {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, never reported starting", l.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
	begin := time.Now()
	_ = l.Descriptor()
	_ = l.Running()
	if elapsed := time.Since(begin); elapsed > 100*time.Millisecond {
		t.Errorf("state queries blocked for %s during start", elapsed)
	}
	if err := <-done; !errors.Is(err, ErrReadinessTimeout) {
		t.Errorf("err = %v", err)
	}
}

func TestLauncherStartsServer(t *testing.T) {
	for _, kind := range []Kind{KindHTTP, KindPipe, KindRPC} {
		t.Run(string(kind), func(t *testing.T) {
			env := helperPythonEnv(t)
			cfg := helperLaunchConfig(t, kind, env)
			l, err := NewLauncher(cfg, WithEnv("PYBRIDGE_HELPER_PROCESS=1"), WithLogger(newLogCapture().logger()))
			if err != nil {
				t.Fatal(err)
			}
			defer l.Stop()

			ctx := context.Background()
			desc, err := l.Start(ctx)
			if err != nil {
				t.Fatalf("Start: %v", err)
			}
			if desc.Kind != kind || desc.EnvironmentPath != env || desc.Address == "" {
				t.Errorf("descriptor = %+v", desc)
			}
			if kind == KindPipe && !strings.HasPrefix(desc.Address, "pybridge-") {
				t.Errorf("pipe name = %q", desc.Address)
			}
			if !l.Running() {
				t.Fatalf("state = %s", l.State())
			}
			if _, err := os.Stat(filepath.Join(cfg.ScriptsDir, ScriptName(kind))); err != nil {
				t.Errorf("script not materialized: %v", err)
			}

			again, err := l.Start(ctx)
			if err != nil || again != desc {
				t.Errorf("second Start = %+v, %v", again, err)
			}

			b, err := l.Backend()
			if err != nil {
				t.Fatal(err)
			}
			if err := b.Initialize(ctx); err != nil {
				t.Fatalf("Initialize: %v", err)
			}
			m := mustImport(t, b, "math")
			if v, err := b.CallMethod(ctx, m, "sqrt", []any{16.0}, nil); err != nil || v == nil {
				t.Errorf("sqrt = %v, %v", v, err)
			}
			b.Close()

			if err := l.Stop(); err != nil {
				t.Logf("stop: %v", err)
			}
			if l.State() != StateStopped {
				t.Errorf("state after stop = %s", l.State())
			}
			if kind == KindPipe {
				if _, err := os.Stat(PipePath(desc.Address)); !os.IsNotExist(err) {
					t.Errorf("socket left behind: %v", err)
				}
			}
			if err := l.Stop(); err != nil {
				t.Errorf("second stop: %v", err)
			}
		})
	}
}

func TestSwitchboardReusesServer(t *testing.T) {
	env := helperPythonEnv(t)
	sb := NewSwitchboard(&stubProvisioner{}, LaunchConfig{
		ScriptsDir:   t.TempDir(),
		ReadyTimeout: 20 * time.Second,
		PollInterval: 50 * time.Millisecond,
	}, WithEnv("PYBRIDGE_HELPER_PROCESS=1"), WithLogger(newLogCapture().logger()))
	defer sb.StopAll()

	ctx := context.Background()
	first, err := sb.EnsureServerAt(ctx, env, KindHTTP)
	if err != nil {
		t.Fatal(err)
	}
	second, err := sb.EnsureServerAt(ctx, env, KindHTTP)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("second server launched: %s vs %s", first.Address, second.Address)
	}
	if err := sb.StopAll(); err != nil {
		t.Logf("stop all: %v", err)
	}
	resp, err := http.Get(first.Address + "/health")
	if err == nil {
		resp.Body.Close()
		t.Error("server still answering after StopAll")
	}
}
