// Package pybridge lets Go code drive objects that live in a Python
// interpreter through one operation set, whichever way the interpreter is
// reached.
//
// # Backends
//
// Every backend implements the Backend interface: import modules, create
// objects, call methods, read and write attributes, evaluate expressions,
// convert array-likes to float slices and dispose handles. Four backends
// exist:
//
//   - InProcessBackend drives the shared Interpreter. Calls are serialized by
//     a process-wide execution lock, which AcquireExclusiveScope exposes.
//   - HTTPBackend posts one JSON request per command to a launched server.
//   - PipeBackend keeps one persistent connection to a server on a unix
//     socket or, on Windows, a named pipe, with newline-delimited JSON.
//   - RPCBackend calls a server over cleartext HTTP/2.
//
// A backend is created, initialized and then used:
//
//	interp, err := pybridge.SharedInterpreter(ctx, env)
//	b := pybridge.NewInProcessBackend(interp)
//	if err := b.Initialize(ctx); err != nil {
//	    return err
//	}
//	math, _ := b.ImportModule(ctx, "math")
//	v, _ := b.CallMethod(ctx, math, "sqrt", []any{16.0}, nil)
//	f, _ := pybridge.As[float64](v)  // 4
//
// # Values and handles
//
// Results are classified. None, booleans, numbers, strings and flat lists or
// dicts of those come back inline in a Value. Anything else stays in the
// guest and comes back as a Handle. Handles are passed as arguments, stored as
// attributes and released with DisposeHandle; a disposed handle is rejected
// locally before any request is sent.
//
// # Errors
//
// Guest exceptions and transport failures do not surface as Go errors. They
// are logged with the command, its target and the exception, and the
// operation returns nil or false. Returned errors always wrap ErrArgument and
// mean the caller passed something unusable: a nil, disposed or foreign
// handle, an empty name, or a backend that was never initialized.
//
// # Servers and environments
//
// A Launcher starts a server script in an environment and waits until it
// answers its health check. The Switchboard maps a provider name to an
// environment (registry first, then a Provisioner), caches the result, keeps
// one server per environment and transport, and switches the shared
// interpreter between provider environments. A Selector combines these with
// Config to hand out the configured backend.
//
// Configuration is read from PYBRIDGE_* environment variables by LoadConfig.
package pybridge
