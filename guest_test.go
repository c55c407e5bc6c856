package pybridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// fakeGuest mirrors the dispatch rules of scripts/common.py over a few
// built-in modules (math, collections, types), so every backend can be driven
// without a Python interpreter.
type fakeGuest struct {
	mu      sync.Mutex
	prefix  string
	counter int
	objects map[string]any
	sysPath []string
	loaded  map[string]bool
	calls   map[Command]int
	protos  map[int]int
}

type guestModule struct{ name string }

type orderedDict struct {
	keys []string
	vals map[string]any
}

type namespace struct{ attrs map[string]any }

type guestErr struct{ typ, msg string }

func raise(typ, format string, args ...any) *guestErr {
	return &guestErr{typ: typ, msg: fmt.Sprintf(format, args...)}
}

var guestModules = map[string]bool{"math": true, "collections": true, "types": true, "json": true}

func newFakeGuest(prefix string) *fakeGuest {
	return &fakeGuest{
		prefix:  prefix,
		objects: map[string]any{},
		sysPath: []string{"/usr/lib/python3.12"},
		loaded:  map[string]bool{"sys": true, "builtins": true},
		calls:   map[Command]int{},
		protos:  map[int]int{},
	}
}

func (g *fakeGuest) count(cmd Command) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[cmd]
}

func (g *fakeGuest) live() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.objects)
}

func (g *fakeGuest) path() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.sysPath...)
}

func (g *fakeGuest) handle(cmd Command, payload map[string]any) map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[cmd]++
	if payload == nil {
		payload = map[string]any{}
	}
	out, gerr := g.dispatch(cmd, payload)
	if gerr != nil {
		return map[string]any{
			"error":     gerr.msg,
			"errorType": gerr.typ,
			"traceback": "Traceback (most recent call last):\n" + gerr.typ + ": " + gerr.msg,
		}
	}
	return out
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func (g *fakeGuest) dispatch(cmd Command, p map[string]any) (map[string]any, *guestErr) {
	switch cmd {
	case CmdPing:
		return map[string]any{"status": "ok"}, nil

	case CmdImport:
		name := str(p["module"])
		if name == "" {
			return nil, raise("ProtocolError", "missing field: module")
		}
		if !guestModules[name] {
			return nil, raise("ModuleNotFoundError", "No module named '%s'", name)
		}
		g.loaded[name] = true
		return g.store(guestModule{name: name}, p)

	case CmdCreate:
		var owner any
		if id := str(p["handleId"]); id != "" {
			obj, gerr := g.get(id)
			if gerr != nil {
				return nil, gerr
			}
			owner = obj
		} else {
			name := str(p["module"])
			if !guestModules[name] {
				return nil, raise("ModuleNotFoundError", "No module named '%s'", name)
			}
			owner = guestModule{name: name}
		}
		args, kwargs, gerr := g.callArgs(p)
		if gerr != nil {
			return nil, gerr
		}
		mod, _ := owner.(guestModule)
		class := str(p["className"])
		switch mod.name + "." + class {
		case "collections.OrderedDict":
			d := &orderedDict{vals: map[string]any{}}
			if len(args) > 0 {
				if gerr := d.update(args[0]); gerr != nil {
					return nil, gerr
				}
			}
			d.update(kwargs)
			return g.store(d, p)
		case "types.SimpleNamespace":
			return g.store(&namespace{attrs: kwargs}, p)
		}
		return nil, raise("AttributeError", "module '%s' has no attribute '%s'", mod.name, class)

	case CmdCall:
		target, gerr := g.get(str(p["handleId"]))
		if gerr != nil {
			return nil, gerr
		}
		args, kwargs, gerr := g.callArgs(p)
		if gerr != nil {
			return nil, gerr
		}
		result, gerr := g.call(target, str(p["method"]), args, kwargs)
		if gerr != nil {
			return nil, gerr
		}
		return g.classify(result, p)

	case CmdGetAttr:
		target, gerr := g.get(str(p["handleId"]))
		if gerr != nil {
			return nil, gerr
		}
		name := str(p["name"])
		switch t := target.(type) {
		case guestModule:
			if t.name == "math" && name == "pi" {
				return g.classify(math.Pi, p)
			}
		case *namespace:
			if v, ok := t.attrs[name]; ok {
				return g.classify(v, p)
			}
		}
		return nil, raise("AttributeError", "'%s' object has no attribute '%s'", guestTypeName(target), name)

	case CmdSetAttr:
		target, gerr := g.get(str(p["handleId"]))
		if gerr != nil {
			return nil, gerr
		}
		ns, ok := target.(*namespace)
		if !ok {
			return nil, raise("AttributeError", "'%s' object attribute is read-only", guestTypeName(target))
		}
		v, gerr := g.resolve(p["value"])
		if gerr != nil {
			return nil, gerr
		}
		ns.attrs[str(p["name"])] = v
		return map[string]any{"result": true}, nil

	case CmdEval:
		locals := map[string]any{}
		if raw, ok := p["locals"].(map[string]any); ok {
			v, gerr := g.resolve(raw)
			if gerr != nil {
				return nil, gerr
			}
			locals = v.(map[string]any)
		}
		result, gerr := evalExpression(str(p["expression"]), locals)
		if gerr != nil {
			return nil, gerr
		}
		return g.classify(result, p)

	case CmdDispose:
		id := str(p["handleId"])
		_, ok := g.objects[id]
		delete(g.objects, id)
		return map[string]any{"result": ok}, nil

	case CmdToFloatArray:
		target, gerr := g.get(str(p["handleId"]))
		if gerr != nil {
			return nil, gerr
		}
		var out []any
		if gerr := flatten(target, &out); gerr != nil {
			return nil, gerr
		}
		return map[string]any{"value": out}, nil

	case CmdToFloatArray2D:
		target, gerr := g.get(str(p["handleId"]))
		if gerr != nil {
			return nil, gerr
		}
		rows, ok := target.([]any)
		if !ok {
			return nil, raise("TypeError", "'%s' object is not iterable", guestTypeName(target))
		}
		out := make([]any, 0, len(rows))
		for _, row := range rows {
			var cells []any
			if gerr := flatten(row, &cells); gerr != nil {
				return nil, gerr
			}
			out = append(out, cells)
		}
		return map[string]any{"value": out}, nil

	case CmdModuleAvailable:
		name := str(p["module"])
		return map[string]any{"result": guestModules[name] || g.loaded[name]}, nil

	case CmdWrap:
		v, gerr := g.resolve(p["value"])
		if gerr != nil {
			return nil, gerr
		}
		return g.store(v, p)

	case cmdSwitch:
		for _, raw := range anySlice(p["remove"]) {
			g.sysPath = removeString(g.sysPath, str(raw))
		}
		evicted := 0
		for name := range g.loaded {
			for _, raw := range anySlice(p["prefixes"]) {
				prefix := str(raw)
				if name == prefix || strings.HasPrefix(name, prefix+".") {
					delete(g.loaded, name)
					evicted++
					break
				}
			}
		}
		if insert := str(p["insert"]); insert != "" {
			g.sysPath = append([]string{insert}, removeString(g.sysPath, insert)...)
		}
		return map[string]any{"value": evicted}, nil
	}
	return nil, raise("ProtocolError", "unknown command: %s", cmd)
}

func (g *fakeGuest) call(target any, method string, args []any, kwargs map[string]any) (any, *guestErr) {
	switch t := target.(type) {
	case guestModule:
		if t.name == "math" && len(args) == 1 {
			x, ok := toFloat(args[0])
			if !ok {
				return nil, raise("TypeError", "must be real number, not %s", guestTypeName(args[0]))
			}
			switch method {
			case "sqrt":
				if x < 0 {
					return nil, raise("ValueError", "math domain error")
				}
				return math.Sqrt(x), nil
			case "floor":
				return int(math.Floor(x)), nil
			}
		}
	case *orderedDict:
		switch method {
		case "update":
			if len(args) > 0 {
				if gerr := t.update(args[0]); gerr != nil {
					return nil, gerr
				}
			}
			t.update(kwargs)
			return nil, nil
		case "__len__":
			return len(t.keys), nil
		case "get":
			if len(args) == 0 {
				return nil, raise("TypeError", "get expected at least 1 argument, got 0")
			}
			return t.vals[str(args[0])], nil
		case "copy":
			c := &orderedDict{keys: append([]string(nil), t.keys...), vals: map[string]any{}}
			for k, v := range t.vals {
				c.vals[k] = v
			}
			return c, nil
		}
	case []any:
		if method == "__len__" {
			return len(t), nil
		}
	}
	return nil, raise("AttributeError", "'%s' object has no attribute '%s'", guestTypeName(target), method)
}

func (d *orderedDict) update(v any) *guestErr {
	m, ok := v.(map[string]any)
	if !ok {
		return raise("TypeError", "'%s' object is not iterable", guestTypeName(v))
	}
	for k, val := range m {
		if _, exists := d.vals[k]; !exists {
			d.keys = append(d.keys, k)
		}
		d.vals[k] = val
	}
	return nil
}

func evalExpression(expr string, locals map[string]any) (any, *guestErr) {
	switch expr {
	case "1 + 2":
		return 3, nil
	case "None":
		return nil, nil
	case "[1, 2, 3]":
		return []any{1, 2, 3}, nil
	case "[[1, 2], [3, 4]]":
		return []any{[]any{1, 2}, []any{3, 4}}, nil
	case "{'a': 1}":
		return map[string]any{"a": 1}, nil
	case "1 / 0":
		return nil, raise("ZeroDivisionError", "division by zero")
	case "x * 2":
		x, ok := locals["x"]
		if !ok {
			return nil, raise("NameError", "name 'x' is not defined")
		}
		f, _ := toFloat(x)
		return f * 2, nil
	case "len(d)":
		d, ok := locals["d"]
		if !ok {
			return nil, raise("NameError", "name 'd' is not defined")
		}
		switch t := d.(type) {
		case *orderedDict:
			return len(t.keys), nil
		case []any:
			return len(t), nil
		}
		return nil, raise("TypeError", "object of type '%s' has no len()", guestTypeName(d))
	}
	if v, ok := locals[expr]; ok {
		return v, nil
	}
	return nil, raise("NameError", "name '%s' is not defined", expr)
}

func flatten(v any, out *[]any) *guestErr {
	if f, ok := toFloat(v); ok {
		*out = append(*out, f)
		return nil
	}
	if b, ok := v.(bool); ok {
		if b {
			*out = append(*out, 1.0)
		} else {
			*out = append(*out, 0.0)
		}
		return nil
	}
	seq, ok := v.([]any)
	if !ok {
		return raise("TypeError", "cannot convert %s to float array", guestTypeName(v))
	}
	for _, e := range seq {
		if gerr := flatten(e, out); gerr != nil {
			return gerr
		}
	}
	return nil
}

func (g *fakeGuest) callArgs(p map[string]any) ([]any, map[string]any, *guestErr) {
	args := []any{}
	if raw, ok := p["args"].([]any); ok {
		v, gerr := g.resolve(raw)
		if gerr != nil {
			return nil, nil, gerr
		}
		args = v.([]any)
	}
	kwargs := map[string]any{}
	if raw, ok := p["kwargs"].(map[string]any); ok {
		v, gerr := g.resolve(raw)
		if gerr != nil {
			return nil, nil, gerr
		}
		kwargs = v.(map[string]any)
	}
	return args, kwargs, nil
}

func (g *fakeGuest) get(id string) (any, *guestErr) {
	obj, ok := g.objects[id]
	if !ok {
		return nil, raise("LookupError", "invalid or disposed handle: %s", id)
	}
	return obj, nil
}

func (g *fakeGuest) resolve(v any) (any, *guestErr) {
	switch t := v.(type) {
	case map[string]any:
		if id, ok := t[handleKey]; ok && len(t) == 1 {
			return g.get(str(id))
		}
		out := make(map[string]any, len(t))
		for k, e := range t {
			r, gerr := g.resolve(e)
			if gerr != nil {
				return nil, gerr
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			r, gerr := g.resolve(e)
			if gerr != nil {
				return nil, gerr
			}
			out[i] = r
		}
		return out, nil
	}
	return v, nil
}

func (g *fakeGuest) store(v any, p map[string]any) (map[string]any, *guestErr) {
	id := str(p["storeAs"])
	if id == "" {
		g.counter++
		id = g.prefix + strconv.Itoa(g.counter)
	} else if _, exists := g.objects[id]; exists {
		return nil, raise("ValueError", "handle id already in use: %s", id)
	}
	g.objects[id] = v
	return map[string]any{"handleId": id, "typeName": guestTypeName(v)}, nil
}

func (g *fakeGuest) classify(v any, p map[string]any) (map[string]any, *guestErr) {
	if IsSimple(v) {
		return map[string]any{"value": v}, nil
	}
	return g.store(v, p)
}

func guestTypeName(v any) string {
	switch t := v.(type) {
	case guestModule:
		return t.name
	case *orderedDict:
		return "collections.OrderedDict"
	case *namespace:
		return "types.SimpleNamespace"
	case []any:
		return "list"
	case map[string]any:
		return "dict"
	case string:
		return "str"
	case bool:
		return "bool"
	case nil:
		return "NoneType"
	case float32, float64:
		return "float"
	}
	return "int"
}

func anySlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func removeString(list []string, s string) []string {
	out := list[:0:0]
	for _, e := range list {
		if e != s {
			out = append(out, e)
		}
	}
	return out
}

// Transports. Each adapter serves the guest the way the matching server
// script does.

func (g *fakeGuest) serveHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "ok", "handles": g.live()})
}

func (g *fakeGuest) serveCommand(w http.ResponseWriter, r *http.Request, cmd Command) {
	g.mu.Lock()
	g.protos[r.ProtoMajor]++
	g.mu.Unlock()
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && err != io.EOF {
		w.WriteHeader(http.StatusBadRequest)
		writeJSON(w, map[string]any{"error": "invalid JSON: " + err.Error(), "errorType": "ProtocolError"})
		return
	}
	writeJSON(w, g.handle(cmd, payload))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// httpHandler serves GET /health and POST /{command}.
func (g *fakeGuest) httpHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.serveHealth)
	mux.HandleFunc("POST /{cmd}", func(w http.ResponseWriter, r *http.Request) {
		g.serveCommand(w, r, Command(r.PathValue("cmd")))
	})
	return mux
}

// rpcHandler serves GET /health and POST /rpc/PythonService/{Method} over
// cleartext HTTP/2.
func (g *fakeGuest) rpcHandler() http.Handler {
	commands := make(map[string]Command, len(rpcMethods))
	for cmd, method := range rpcMethods {
		commands[method] = cmd
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.serveHealth)
	mux.HandleFunc("POST /rpc/"+RPCServiceName+"/{method}", func(w http.ResponseWriter, r *http.Request) {
		cmd, ok := commands[r.PathValue("method")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			writeJSON(w, map[string]any{"error": "unknown method", "errorType": "ProtocolError"})
			return
		}
		g.serveCommand(w, r, cmd)
	})
	return h2c.NewHandler(mux, &http2.Server{})
}

// servePipe answers newline-delimited JSON requests on conn until it closes.
func (g *fakeGuest) servePipe(conn net.Conn) {
	defer conn.Close()
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	for sc.Scan() {
		var req Request
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
			return
		}
		data, err := json.Marshal(g.handle(req.Command, req.Payload))
		if err != nil {
			return
		}
		if _, err := conn.Write(append(data, '\n')); err != nil {
			return
		}
	}
}

// dial connects a fresh in-memory pipe to the guest.
func (g *fakeGuest) dial(ctx context.Context) (net.Conn, error) {
	client, server := net.Pipe()
	go g.servePipe(server)
	return client, nil
}

// loopback is an in-memory Transport carrying msgpack frames to the guest,
// standing in for the interpreter's stdin and stdout.
type loopback struct {
	guest *fakeGuest

	mu      sync.Mutex
	replies [][]byte
	closed  bool
}

func (l *loopback) Send(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return io.ErrClosedPipe
	}
	var req Request
	if err := msgpack.Unmarshal(data, &req); err != nil {
		return err
	}
	out, err := msgpack.Marshal(l.guest.handle(req.Command, req.Payload))
	if err != nil {
		return err
	}
	l.replies = append(l.replies, out)
	return nil
}

func (l *loopback) Receive() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.replies) == 0 {
		return nil, io.EOF
	}
	out := l.replies[0]
	l.replies = l.replies[1:]
	return out, nil
}

func (l *loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// newTestInterpreter returns an interpreter wired to a fresh fake guest.
func newTestInterpreter(logger *slog.Logger) (*Interpreter, *fakeGuest) {
	g := newFakeGuest("i")
	return newInterpreter(&loopback{guest: g}, MsgpackCodec{}, logger), g
}

// newTestBackend returns an uninitialized backend of kind talking to a fresh
// fake guest.
func newTestBackend(t *testing.T, kind Kind, logger *slog.Logger) (Backend, *fakeGuest) {
	t.Helper()
	switch kind {
	case KindInProcess:
		interp, g := newTestInterpreter(logger)
		return NewInProcessBackend(interp, WithLogger(logger)), g
	case KindHTTP:
		g := newFakeGuest("h")
		srv := httptest.NewServer(g.httpHandler())
		t.Cleanup(srv.Close)
		b := NewHTTPBackend(BackendDescriptor{Address: srv.URL}, WithLogger(logger))
		t.Cleanup(func() { b.Close() })
		return b, g
	case KindPipe:
		g := newFakeGuest("p")
		b := NewPipeBackend(BackendDescriptor{Address: "test-pipe"}, WithDialer(g.dial), WithLogger(logger))
		t.Cleanup(func() { b.Close() })
		return b, g
	case KindRPC:
		g := newFakeGuest("r")
		srv := httptest.NewServer(g.rpcHandler())
		t.Cleanup(srv.Close)
		b := NewRPCBackend(BackendDescriptor{Address: strings.TrimPrefix(srv.URL, "http://")}, WithLogger(logger))
		t.Cleanup(func() { b.Close() })
		return b, g
	}
	t.Fatalf("no test backend for kind %q", kind)
	return nil, nil
}

// openTestBackend is newTestBackend followed by Initialize.
func openTestBackend(t *testing.T, kind Kind, logger *slog.Logger) (Backend, *fakeGuest) {
	t.Helper()
	b, g := newTestBackend(t, kind, logger)
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return b, g
}

var allKinds = []Kind{KindInProcess, KindHTTP, KindPipe, KindRPC}

// logCapture records log records, attributes flattened, for assertions.
type logCapture struct {
	mu      sync.Mutex
	records []capturedRecord
}

type capturedRecord struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

func newLogCapture() *logCapture { return &logCapture{} }

func (c *logCapture) logger() *slog.Logger {
	return slog.New(&captureHandler{c: c})
}

// find returns the records with message msg.
func (c *logCapture) find(msg string) []capturedRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []capturedRecord
	for _, r := range c.records {
		if r.msg == msg {
			out = append(out, r)
		}
	}
	return out
}

type captureHandler struct {
	c     *logCapture
	attrs []slog.Attr
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	rec := capturedRecord{level: r.Level, msg: r.Message, attrs: map[string]any{}}
	for _, a := range h.attrs {
		rec.attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[a.Key] = a.Value.Any()
		return true
	})
	h.c.mu.Lock()
	h.c.records = append(h.c.records, rec)
	h.c.mu.Unlock()
	return nil
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &captureHandler{c: h.c, attrs: append(append([]slog.Attr(nil), h.attrs...), attrs...)}
}

func (h *captureHandler) WithGroup(string) slog.Handler { return h }
