package pybridge

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Command is a remote handle protocol command.
type Command string

const (
	CmdPing            Command = "ping"
	CmdImport          Command = "import"
	CmdCreate          Command = "create"
	CmdCall            Command = "call"
	CmdGetAttr         Command = "getattr"
	CmdSetAttr         Command = "setattr"
	CmdEval            Command = "eval"
	CmdDispose         Command = "dispose"
	CmdToFloatArray    Command = "tofloatarray"
	CmdToFloatArray2D  Command = "tofloatarray2d"
	CmdModuleAvailable Command = "module_available"
	CmdWrap            Command = "wrap"

	// cmdSwitch exists only on the in-process guest.
	cmdSwitch Command = "switch"
)

// Commands lists the protocol commands every server implements.
var Commands = []Command{
	CmdPing, CmdImport, CmdCreate, CmdCall, CmdGetAttr, CmdSetAttr, CmdEval,
	CmdDispose, CmdToFloatArray, CmdToFloatArray2D, CmdModuleAvailable, CmdWrap,
}

// rpcMethods maps commands onto RPC method names. The table is spelled out
// because the command names carry no word boundaries to derive it from; the
// RPC server holds the inverse.
var rpcMethods = map[Command]string{
	CmdPing:            "Ping",
	CmdImport:          "Import",
	CmdCreate:          "Create",
	CmdCall:            "Call",
	CmdGetAttr:         "GetAttr",
	CmdSetAttr:         "SetAttr",
	CmdEval:            "Eval",
	CmdDispose:         "Dispose",
	CmdToFloatArray:    "ToFloatArray",
	CmdToFloatArray2D:  "ToFloatArray2D",
	CmdModuleAvailable: "ModuleAvailable",
	CmdWrap:            "Wrap",
}

// RPCMethod returns the PascalCase RPC method name of a command.
func (c Command) RPCMethod() string {
	if m, ok := rpcMethods[c]; ok {
		return m
	}
	return string(c)
}

// RPCServiceName is the service segment of RPC paths.
const RPCServiceName = "PythonService"

// RPCPath returns the RPC path of a command.
func RPCPath(c Command) string {
	return "/rpc/" + RPCServiceName + "/" + c.RPCMethod()
}

// Request is the envelope sent over the pipe transport. HTTP and RPC carry
// the command in the path and the payload as the body.
type Request struct {
	Command Command        `json:"command" msgpack:"command"`
	Payload map[string]any `json:"payload" msgpack:"payload"`
}

// response is a decoded reply envelope.
type response struct {
	Result    any
	HasResult bool
	Value     any
	HasValue  bool
	HandleID  string
	TypeName  string
	Status    string
	Err       *GuestError
}

// parseResponse validates a decoded envelope. The schema is loose on purpose:
// a reply carries one of result, value, handleId, status or error.
func parseResponse(cmd Command, target string, m map[string]any) (*response, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: empty response to %s", ErrProtocol, cmd)
	}
	r := &response{}

	if raw, ok := m["error"]; ok && raw != nil {
		ge, err := guestErrorFromEnvelope(cmd, target, m)
		if err != nil {
			return nil, err
		}
		r.Err = ge
		return r, nil
	}

	if raw, ok := m["handleId"]; ok && raw != nil {
		id, ok := raw.(string)
		if !ok || id == "" {
			return nil, fmt.Errorf("%w: %s handleId is %T", ErrProtocol, cmd, raw)
		}
		r.HandleID = id
		r.TypeName, _ = m["typeName"].(string)
	}
	r.Result, r.HasResult = m["result"]
	r.Value, r.HasValue = m["value"]
	r.Status, _ = m["status"].(string)

	r.Result = fromWire(r.Result)
	r.Value = fromWire(r.Value)

	if r.HandleID == "" && !r.HasResult && !r.HasValue && r.Status == "" {
		return nil, fmt.Errorf("%w: %s response has no result", ErrProtocol, cmd)
	}
	return r, nil
}

// classified turns a call/getattr/eval reply into a Value, minting a handle
// when the guest stored the result.
func (r *response) classified(owner uint64, cmd Command) (*Value, error) {
	if r.HandleID != "" {
		return handleValue(newHandle(owner, r.HandleID, r.TypeName, ObjectHandleKind)), nil
	}
	if r.HasValue {
		return inlineValue(r.Value)
	}
	return nil, fmt.Errorf("%w: %s returned neither value nor handle", ErrProtocol, cmd)
}

// handle extracts the handle of an import/create/wrap reply.
func (r *response) handle(owner uint64, cmd Command, kind HandleKind) (*Handle, error) {
	if r.HandleID == "" {
		return nil, fmt.Errorf("%w: %s returned no handle", ErrProtocol, cmd)
	}
	return newHandle(owner, r.HandleID, r.TypeName, kind), nil
}

// boolResult reads a boolean result field.
func (r *response) boolResult(cmd Command) (bool, error) {
	b, ok := r.Result.(bool)
	if !r.HasResult || !ok {
		return false, fmt.Errorf("%w: %s result is %T, want bool", ErrProtocol, cmd, r.Result)
	}
	return b, nil
}

// floats reads a flat numeric value field.
func (r *response) floats(cmd Command) ([]float64, error) {
	seq, ok := r.Value.([]any)
	if !r.HasValue || !ok {
		return nil, fmt.Errorf("%w: %s value is %T, want list", ErrProtocol, cmd, r.Value)
	}
	return toFloats(cmd, seq)
}

// rows reads a list of numeric rows.
func (r *response) rows(cmd Command) ([][]float64, error) {
	seq, ok := r.Value.([]any)
	if !r.HasValue || !ok {
		return nil, fmt.Errorf("%w: %s value is %T, want list of rows", ErrProtocol, cmd, r.Value)
	}
	out := make([][]float64, len(seq))
	for i, row := range seq {
		cells, ok := row.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s row %d is %T", ErrProtocol, cmd, i, row)
		}
		f, err := toFloats(cmd, cells)
		if err != nil {
			return nil, err
		}
		out[i] = f
	}
	return out, nil
}

func toFloats(cmd Command, seq []any) ([]float64, error) {
	out := make([]float64, len(seq))
	for i, e := range seq {
		f, ok := toFloat(e)
		if !ok {
			return nil, fmt.Errorf("%w: %s element %d is %T", ErrProtocol, cmd, i, e)
		}
		out[i] = f
	}
	return out, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// floatKey tags a non-finite float on the wire: {floatKey: "nan"|"inf"|"-inf"}.
const floatKey = "__pybridge_float__"

// wireFloat encodes f, tagging NaN and the infinities.
func wireFloat(f float64) any {
	switch {
	case math.IsNaN(f):
		return map[string]any{floatKey: "nan"}
	case math.IsInf(f, 1):
		return map[string]any{floatKey: "inf"}
	case math.IsInf(f, -1):
		return map[string]any{floatKey: "-inf"}
	}
	return f
}

// fromWire decodes tagged floats and turns json.Number into the narrowest
// exact Go number: int64, then uint64, then float64. Literals with a fraction
// or exponent are always float64.
func fromWire(v any) any {
	switch t := v.(type) {
	case json.Number:
		return wireNumber(t)
	case []any:
		for i, e := range t {
			t[i] = fromWire(e)
		}
		return t
	case map[string]any:
		if tag, ok := t[floatKey].(string); ok && len(t) == 1 {
			switch tag {
			case "nan":
				return math.NaN()
			case "inf":
				return math.Inf(1)
			case "-inf":
				return math.Inf(-1)
			}
		}
		for k, e := range t {
			t[k] = fromWire(e)
		}
		return t
	}
	return v
}

func wireNumber(n json.Number) any {
	s := string(n)
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i
		}
		if u, err := strconv.ParseUint(s, 10, 64); err == nil {
			return u
		}
	}
	// Out of range literals come back as ±Inf, like the guest's own float().
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
