package pybridge

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestGuestErrorFromEnvelope(t *testing.T) {
	data := []byte(`{
		"errorType": "ValueError",
		"error": "invalid value",
		"traceback": "Traceback (most recent call last):\n  File \"<guest>\", line 1\nValueError: invalid value"
	}`)
	var m map[string]any
	if err := (JSONCodec{}).Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	r, err := parseResponse(CmdCall, "int", m)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var ge *GuestError
	if !errors.As(r.Err, &ge) {
		t.Fatalf("err = %v, want a GuestError", r.Err)
	}
	if ge.Exception != "ValueError" || ge.Message != "invalid value" || ge.Command != "call" || ge.Target != "int" {
		t.Errorf("parsed %+v", ge)
	}
	if !strings.Contains(ge.Traceback, "line 1") {
		t.Errorf("traceback = %q", ge.Traceback)
	}
	if !errors.Is(ge, ErrInvocation) || errors.Is(ge, ErrNotFound) {
		t.Errorf("ValueError classified as %s", Category(ge))
	}
}

func TestGuestErrorFromEnvelopeInvalid(t *testing.T) {
	for _, m := range []map[string]any{
		{"error": 7},
		{"error": "", "traceback": "x"},
	} {
		if _, err := parseResponse(CmdEval, "x", m); !errors.Is(err, ErrProtocol) {
			t.Errorf("%v: err = %v", m, err)
		}
	}
}

func TestGuestErrorNotFound(t *testing.T) {
	for _, exc := range []string{"ModuleNotFoundError", "ImportError", "AttributeError", "NameError"} {
		ge := &GuestError{Command: "import", Target: "nosuch", Exception: exc, Message: "missing"}
		if !errors.Is(ge, ErrNotFound) {
			t.Errorf("%s not classified as not found", exc)
		}
	}
	ge := &GuestError{Command: "eval", Target: "1 / 0", Exception: "ZeroDivisionError", Message: "division by zero"}
	if got := ge.Error(); got != "eval 1 / 0: ZeroDivisionError: division by zero" {
		t.Errorf("Error() = %q", got)
	}
}

func TestCategory(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&GuestError{Exception: "AttributeError"}, "not_found"},
		{fmt.Errorf("call: %w", &GuestError{Exception: "TypeError"}), "invocation"},
		{fmt.Errorf("%w: connection refused", ErrTransport), "transport"},
		{fmt.Errorf("%w: bad envelope", ErrProtocol), "protocol"},
		{ErrDisposedHandle, "argument"},
		{ErrEmptyName, "argument"},
		{errors.New("something else"), "unknown"},
	}
	for _, tt := range tests {
		if got := Category(tt.err); got != tt.want {
			t.Errorf("Category(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
