// pybridge - drive a Python environment from the command line
//
// Usage:
//
//	pybridge                                Show configuration and registered environments
//	pybridge available <module>...          Report which modules can be imported
//	pybridge import <module>                Import a module and print its handle
//	pybridge eval <expression> [name=val]   Evaluate an expression
//	pybridge serve                          Launch a server and print its endpoint
//	pybridge envs                           List registered environments
//	pybridge provision <provider>           Create the provider's environment
//	pybridge delete <path>                  Delete a provisioned environment
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/richinsley/pybridge"
	flag "github.com/spf13/pflag"
)

// Global flags
var (
	backendFlag  string
	providerFlag string
	modelFlag    string
	jsonFlag     bool
	verboseFlag  bool
	timeoutFlag  time.Duration
	packageFlags []string
	reqFlag      string
	envFileFlag  string
)

var (
	cfg    *pybridge.Config
	logger *slog.Logger
)

func main() {
	flag.StringVarP(&backendFlag, "backend", "b", "", "Backend: inprocess, http, pipe, rpc (overrides PYBRIDGE_BACKEND)")
	flag.StringVarP(&providerFlag, "provider", "p", "", "Run in this provider's environment")
	flag.StringVarP(&modelFlag, "model", "m", "", "Model id qualifying the provider")
	flag.BoolVar(&jsonFlag, "json", false, "Print results as JSON")
	flag.BoolVarP(&verboseFlag, "verbose", "v", false, "Log at debug level")
	flag.DurationVar(&timeoutFlag, "timeout", 0, "Give up after this long (0 = no limit)")
	flag.StringArrayVar(&packageFlags, "package", nil, "Extra package to install when provisioning (can be repeated)")
	flag.StringVarP(&reqFlag, "requirements", "r", "", "requirements.txt to install when provisioning")
	flag.StringVar(&envFileFlag, "env-file", ".env", "Read PYBRIDGE_* settings from this file if it exists")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `pybridge - drive a Python environment from the command line

Usage:
  pybridge                                Show configuration and registered environments
  pybridge available <module>...          Report which modules can be imported
  pybridge import <module>                Import a module and print its handle
  pybridge eval <expression> [name=val]   Evaluate an expression
  pybridge serve                          Launch a server and print its endpoint
  pybridge envs                           List registered environments
  pybridge provision <provider>           Create the provider's environment
  pybridge delete <path>                  Delete a provisioned environment

Flags:
`)
		flag.PrintDefaults()
	}
	flag.Parse()

	// Variables already set in the environment win over the file.
	if err := godotenv.Load(envFileFlag); err != nil && !os.IsNotExist(err) {
		fatal("%s: %v", envFileFlag, err)
	}

	var err error
	cfg, err = pybridge.LoadConfig()
	if err != nil {
		fatal("configuration: %v", err)
	}
	if backendFlag != "" {
		if cfg.Backend, err = pybridge.ParseKind(backendFlag); err != nil {
			fatal("%v", err)
		}
	}
	level := cfg.LogLevel
	if verboseFlag {
		level = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if timeoutFlag > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeoutFlag)
		defer cancel()
	}

	args := flag.Args()
	if len(args) == 0 {
		cmdStatus()
		return
	}

	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "available":
		if len(cmdArgs) == 0 {
			fatal("usage: pybridge available <module>...")
		}
		cmdAvailable(ctx, cmdArgs)
	case "import":
		if len(cmdArgs) != 1 {
			fatal("usage: pybridge import <module>")
		}
		cmdImport(ctx, cmdArgs[0])
	case "eval":
		if len(cmdArgs) == 0 {
			fatal("usage: pybridge eval <expression> [name=value]...")
		}
		cmdEval(ctx, cmdArgs[0], cmdArgs[1:])
	case "serve":
		cmdServe(ctx)
	case "envs":
		cmdEnvs()
	case "provision":
		if len(cmdArgs) != 1 {
			fatal("usage: pybridge provision <provider>")
		}
		cmdProvision(ctx, cmdArgs[0])
	case "delete":
		if len(cmdArgs) != 1 {
			fatal("usage: pybridge delete <path>")
		}
		cmdDelete(cmdArgs[0])
	default:
		fatal("unknown command: %s", cmd)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// stack wires the registry, provisioner and switchboard from cfg. The
// returned cleanup stops any server the switchboard launched.
func stack() (*pybridge.VenvProvisioner, *pybridge.Switchboard, func()) {
	reg, err := pybridge.OpenRegistry(cfg.RegistryPath(), logger)
	if err != nil {
		fatal("%v", err)
	}
	prov := &pybridge.VenvProvisioner{
		Root:     cfg.EnvironmentsDir(),
		Registry: reg,
		Logger:   logger,
	}
	if cfg.Python != "" {
		prov.Base = func(ctx context.Context) (*pybridge.Environment, error) {
			return pybridge.NewEnvironmentFromExecutable(ctx, cfg.Python)
		}
	}
	if cfg.Backend == pybridge.KindRPC {
		prov.BasePackages = []string{"h2"}
	}
	sb := pybridge.NewSwitchboard(prov, cfg.LaunchConfig(), pybridge.WithLogger(logger), pybridge.WithKillOnSignal())
	return prov, sb, func() {
		if err := sb.StopAll(); err != nil {
			logger.Warn("stopping servers", "error", err)
		}
	}
}

// openBackend returns the configured backend and a cleanup that closes it
// and everything started for it.
func openBackend(ctx context.Context) (pybridge.Backend, func()) {
	_, sb, stopServers := stack()
	sel := pybridge.NewSelector(cfg, sb, pybridge.WithLogger(logger), pybridge.WithKillOnSignal())
	b, err := sel.Backend(ctx, providerFlag, modelFlag)
	if err != nil {
		stopServers()
		fatal("%v", err)
	}
	logger.Debug("backend ready", "descriptor", b.Descriptor().String())
	return b, func() {
		_ = b.Close()
		stopServers()
		if err := pybridge.CloseSharedInterpreter(); err != nil {
			logger.Warn("closing interpreter", "error", err)
		}
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatal("encoding output: %v", err)
	}
}

func cmdStatus() {
	if jsonFlag {
		printJSON(cfg)
		return
	}
	fmt.Printf("%-10s %s\n", "backend", cfg.Backend)
	fmt.Printf("%-10s %s\n", "root", cfg.Root)
	fmt.Printf("%-10s %s\n", "scripts", cfg.ScriptsDir)
	if cfg.Python != "" {
		fmt.Printf("%-10s %s\n", "python", cfg.Python)
	}
	for _, k := range []pybridge.Kind{pybridge.KindHTTP, pybridge.KindPipe, pybridge.KindRPC} {
		if desc, ok := cfg.Endpoint(k); ok {
			fmt.Printf("%-10s %s\n", "endpoint", desc)
		}
	}
	fmt.Printf("%-10s %t\n", "fallback", cfg.Fallback)
	fmt.Println()
	cmdEnvs()
}

func cmdEnvs() {
	reg, err := pybridge.OpenRegistry(cfg.RegistryPath(), logger)
	if err != nil {
		fatal("%v", err)
	}
	entries := reg.Entries()
	if jsonFlag {
		printJSON(entries)
		return
	}
	if len(entries) == 0 {
		fmt.Println("no registered environments")
		return
	}
	fmt.Printf("%-24s %-9s %-17s %s\n", "NAME", "COMPUTE", "CREATED", "PATH")
	for _, e := range entries {
		compute := e.ComputeBackend
		if compute == "" {
			compute = "-"
		}
		fmt.Printf("%-24s %-9s %-17s %s\n", e.Name, compute, e.Created.Local().Format("2006-01-02 15:04"), e.Path)
	}
}

func cmdAvailable(ctx context.Context, modules []string) {
	b, done := openBackend(ctx)
	defer done()

	result := make(map[string]bool, len(modules))
	for _, name := range modules {
		ok, err := b.IsModuleAvailable(ctx, name)
		if err != nil {
			done()
			fatal("%v", err)
		}
		result[name] = ok
	}
	if jsonFlag {
		printJSON(result)
		return
	}
	for _, name := range modules {
		mark := "missing"
		if result[name] {
			mark = "ok"
		}
		fmt.Printf("%-7s %s\n", mark, name)
	}
}

func cmdImport(ctx context.Context, module string) {
	b, done := openBackend(ctx)
	defer done()

	h, err := b.ImportModule(ctx, module)
	if err != nil {
		done()
		fatal("%v", err)
	}
	if h == nil {
		done()
		fatal("import %s failed", module)
	}
	defer b.DisposeHandle(ctx, h)
	if jsonFlag {
		printJSON(map[string]string{"id": h.ID(), "type": h.TypeName()})
		return
	}
	fmt.Println(h)
}

func cmdEval(ctx context.Context, expression string, bindings []string) {
	locals, err := parseBindings(bindings)
	if err != nil {
		fatal("%v", err)
	}
	b, done := openBackend(ctx)
	defer done()

	v, err := b.Evaluate(ctx, expression, locals)
	if err != nil {
		done()
		fatal("%v", err)
	}
	if v == nil {
		done()
		fatal("evaluation failed")
	}
	if v.Kind == pybridge.KindHandle {
		defer b.DisposeHandle(ctx, v.Handle)
	}
	if jsonFlag {
		out := map[string]any{"kind": v.Kind.String()}
		if v.Kind == pybridge.KindHandle {
			out["handle"] = v.Handle.ID()
			out["type"] = v.Handle.TypeName()
		} else {
			out["value"] = v.Data
		}
		printJSON(out)
		return
	}
	fmt.Println(v)
}

// parseBindings turns name=value arguments into evaluation locals. Values
// that parse as JSON keep their JSON type; anything else is a string.
func parseBindings(args []string) (map[string]any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	locals := make(map[string]any, len(args))
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("binding %q is not name=value", arg)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		locals[name] = v
	}
	return locals, nil
}

func cmdServe(ctx context.Context) {
	if !cfg.Backend.Remote() {
		fatal("serve needs a remote backend (--backend http, pipe or rpc)")
	}
	_, sb, stopServers := stack()
	defer stopServers()

	var (
		desc pybridge.BackendDescriptor
		err  error
	)
	if providerFlag != "" {
		desc, err = sb.EnsureServer(ctx, providerFlag, modelFlag, cfg.Backend)
	} else {
		var env *pybridge.Environment
		if cfg.Python != "" {
			env, err = pybridge.NewEnvironmentFromExecutable(ctx, cfg.Python)
		} else {
			env, err = pybridge.SystemEnvironment(ctx)
		}
		if err == nil {
			desc, err = sb.EnsureServerAt(ctx, env.Path, cfg.Backend)
		}
	}
	if err != nil {
		stopServers()
		fatal("%v", err)
	}
	if jsonFlag {
		printJSON(map[string]string{
			"kind":        string(desc.Kind),
			"address":     desc.Address,
			"environment": desc.EnvironmentPath,
		})
	} else {
		fmt.Printf("serving %s (environment %s)\n", desc, desc.EnvironmentPath)
		fmt.Printf("export %s=%s\n", endpointVar(desc.Kind), strconv.Quote(desc.Address))
	}
	<-ctx.Done()
}

func endpointVar(k pybridge.Kind) string {
	switch k {
	case pybridge.KindHTTP:
		return "PYBRIDGE_HTTP_URL"
	case pybridge.KindPipe:
		return "PYBRIDGE_PIPE_NAME"
	}
	return "PYBRIDGE_RPC_ADDRESS"
}

func cmdProvision(ctx context.Context, provider string) {
	prov, sb, stopServers := stack()
	defer stopServers()

	env, err := sb.PrepareProviderEnvironment(ctx, provider, modelFlag)
	if err != nil {
		stopServers()
		fatal("%v", err)
	}
	if len(packageFlags) > 0 {
		if err := prov.InstallPackages(ctx, env.Path, packageFlags...); err != nil {
			stopServers()
			fatal("%v", err)
		}
	}
	if reqFlag != "" {
		if err := prov.InstallRequirements(ctx, env.Path, reqFlag); err != nil {
			stopServers()
			fatal("%v", err)
		}
	}
	if jsonFlag {
		printJSON(env)
		return
	}
	fmt.Printf("%s\t%s\n", pybridge.EnvironmentName(provider, modelFlag), env.Path)
}

func cmdDelete(path string) {
	prov, _, stopServers := stack()
	defer stopServers()
	if !prov.DeleteVirtualEnvironment(path) {
		stopServers()
		fatal("nothing deleted at %s", path)
	}
	fmt.Printf("deleted %s\n", path)
}
