package pybridge

import (
	"errors"
	"fmt"
)

// Error categories. Every failure surfaced by this package wraps exactly one of
// these, so callers can branch with errors.Is.
var (
	// ErrNotFound marks a missing module, class or attribute in the guest.
	ErrNotFound = errors.New("pybridge: not found")

	// ErrInvocation marks an exception raised while the guest executed a command.
	ErrInvocation = errors.New("pybridge: guest invocation failed")

	// ErrTransport marks a refused, reset or timed out connection.
	ErrTransport = errors.New("pybridge: transport failure")

	// ErrProtocol marks a malformed or schema-violating response.
	ErrProtocol = errors.New("pybridge: protocol violation")

	// ErrArgument marks a local programmer error. These are returned
	// immediately and never logged-and-swallowed.
	ErrArgument = errors.New("pybridge: invalid argument")
)

var (
	ErrNilHandle      = fmt.Errorf("%w: nil handle", ErrArgument)
	ErrDisposedHandle = fmt.Errorf("%w: handle has been disposed", ErrArgument)
	ErrForeignHandle  = fmt.Errorf("%w: handle belongs to another backend", ErrArgument)
	ErrNotInitialized = fmt.Errorf("%w: backend is not initialized", ErrArgument)
	ErrEmptyName      = fmt.Errorf("%w: empty name", ErrArgument)
)

// Launch failures. These are fatal for one launch attempt and never retried.
var (
	ErrExecutableNotFound = errors.New("pybridge: python executable not found in environment")
	ErrProcessExited      = errors.New("pybridge: server process exited before becoming ready")
	ErrReadinessTimeout   = errors.New("pybridge: server did not become ready in time")
)

// notFoundExceptions are the guest exception types reported as ErrNotFound.
var notFoundExceptions = map[string]bool{
	"ModuleNotFoundError": true,
	"ImportError":         true,
	"AttributeError":      true,
	"NameError":           true,
}

// GuestError is an exception raised inside the guest interpreter, as reported
// in the error fields of a response envelope.
type GuestError struct {
	// Command is the protocol command that failed.
	Command string `json:"command,omitempty"`

	// Target names what the command operated on (module, handle id, expression).
	Target string `json:"target,omitempty"`

	// Exception is the exception class name (e.g., "ValueError").
	Exception string `json:"errorType"`

	// Message is the exception message.
	Message string `json:"error"`

	// Traceback is the formatted guest traceback, when the server sent one.
	Traceback string `json:"traceback,omitempty"`
}

func (e *GuestError) Error() string {
	if e.Exception == "" {
		return fmt.Sprintf("%s %s: %s", e.Command, e.Target, e.Message)
	}
	return fmt.Sprintf("%s %s: %s: %s", e.Command, e.Target, e.Exception, e.Message)
}

// Unwrap maps the exception type onto the error taxonomy.
func (e *GuestError) Unwrap() error {
	if notFoundExceptions[e.Exception] {
		return ErrNotFound
	}
	return ErrInvocation
}

// guestErrorFromEnvelope builds the GuestError an error envelope describes.
func guestErrorFromEnvelope(cmd Command, target string, m map[string]any) (*GuestError, error) {
	msg, ok := m["error"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: %s error field is %T", ErrProtocol, cmd, m["error"])
	}
	ge := &GuestError{Command: string(cmd), Target: target, Message: msg}
	ge.Exception, _ = m["errorType"].(string)
	ge.Traceback, _ = m["traceback"].(string)
	if ge.Message == "" && ge.Exception == "" {
		return nil, fmt.Errorf("%w: %s envelope carries no error", ErrProtocol, cmd)
	}
	return ge, nil
}

// Category names the taxonomy bucket of err for log records.
func Category(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvocation):
		return "invocation"
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrArgument):
		return "argument"
	default:
		return "unknown"
	}
}
