package executor

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"livebridge/pkg/protocol"

	"go.starlark.net/starlark"
)

func run(t *testing.T, e *Executor, ns *Namespace, kind protocol.MessageType, code string) protocol.CommandResponse {
	t.Helper()
	return e.Run(context.Background(), protocol.CommandRequest{Type: kind, Code: code}, ns)
}

func TestRun_Eval(t *testing.T) {
	e := New()
	ns := NewNamespace(nil)

	tests := []struct {
		code string
		want string
	}{
		{"1+1", "2"},
		{`"hi"`, `"hi"`},
		{"[1, 2][1]", "2"},
		{"None", "None"},
		{"{'a': 1}", `{"a": 1}`},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			resp := run(t, e, ns, protocol.TypeEval, tt.code)
			if !resp.Success {
				t.Fatalf("Run(%q) failed: %s", tt.code, resp.Error)
			}
			if resp.Result == nil || *resp.Result != tt.want {
				t.Errorf("Run(%q) result = %v, want %q", tt.code, resp.Result, tt.want)
			}
		})
	}
}

func TestRun_ExecPersistsBindings(t *testing.T) {
	e := New()
	ns := NewNamespace(nil)

	resp := run(t, e, ns, protocol.TypeExec, "x = 5")
	if !resp.Success {
		t.Fatalf("exec failed: %s", resp.Error)
	}
	if resp.Result != nil {
		t.Errorf("exec result = %q, want nil", *resp.Result)
	}

	resp = run(t, e, ns, protocol.TypeEval, "x")
	if !resp.Success || resp.Result == nil || *resp.Result != "5" {
		t.Fatalf("eval x = %+v, want 5", resp)
	}

	resp = run(t, e, ns, protocol.TypeExec, "x = x + 1\ndef double(n):\n    return n * 2")
	if !resp.Success {
		t.Fatalf("rebind failed: %s", resp.Error)
	}
	resp = run(t, e, ns, protocol.TypeEval, "double(x)")
	if resp.Result == nil || *resp.Result != "12" {
		t.Errorf("double(x) = %v, want 12", resp.Result)
	}
}

func TestRun_EmptyTypeMeansExec(t *testing.T) {
	e := New()
	ns := NewNamespace(nil)

	resp := e.Run(context.Background(), protocol.CommandRequest{Code: "y = 1"}, ns)
	if !resp.Success {
		t.Fatalf("Run() failed: %s", resp.Error)
	}
	if _, ok := ns.Lookup("y"); !ok {
		t.Error("y should be bound after untyped command")
	}
}

func TestRun_UnknownType(t *testing.T) {
	resp := run(t, New(), NewNamespace(nil), "shell", "ls")
	if resp.Success {
		t.Fatal("unknown type should fail")
	}
	if !strings.Contains(resp.Error, "Unknown command type") {
		t.Errorf("Error = %q", resp.Error)
	}
}

func TestRun_EvalDoesNotBind(t *testing.T) {
	ns := NewNamespace(nil)
	before := ns.Len()
	resp := run(t, New(), ns, protocol.TypeEval, "[i for i in range(3)]")
	if !resp.Success {
		t.Fatalf("eval failed: %s", resp.Error)
	}
	if ns.Len() != before {
		t.Errorf("namespace grew from %d to %d", before, ns.Len())
	}
}

func TestRun_DivisionByZero(t *testing.T) {
	e := New()
	ns := NewNamespace(nil)

	resp := run(t, e, ns, protocol.TypeEval, "1/0")
	if resp.Success {
		t.Fatal("1/0 should fail")
	}
	if resp.Result != nil {
		t.Error("failure should not carry a result")
	}
	if !strings.Contains(resp.Error, "division by zero") {
		t.Errorf("Error = %q", resp.Error)
	}
	if !strings.Contains(resp.Traceback, "Traceback") {
		t.Errorf("Traceback = %q", resp.Traceback)
	}

	resp = run(t, e, ns, protocol.TypeEval, "2+2")
	if !resp.Success || *resp.Result != "4" {
		t.Errorf("executor unusable after failure: %+v", resp)
	}
}

func TestRun_SyntaxError(t *testing.T) {
	resp := run(t, New(), NewNamespace(nil), protocol.TypeExec, "x = = 1")
	if resp.Success {
		t.Fatal("syntax error should fail")
	}
	if !strings.HasPrefix(resp.Error, "SyntaxError: ") {
		t.Errorf("Error = %q", resp.Error)
	}
	if !strings.Contains(resp.Traceback, "<exec>:1") {
		t.Errorf("Traceback = %q, want position", resp.Traceback)
	}
}

func TestRun_UndefinedName(t *testing.T) {
	resp := run(t, New(), NewNamespace(nil), protocol.TypeEval, "nope")
	if resp.Success {
		t.Fatal("undefined name should fail")
	}
	if !strings.Contains(resp.Error, "undefined: nope") {
		t.Errorf("Error = %q", resp.Error)
	}
}

func TestRun_CapturesOutput(t *testing.T) {
	var hostOut, hostErr bytes.Buffer
	e := New(WithOutput(NewOutput(&hostOut, &hostErr)))
	ns := NewNamespace(nil)

	resp := run(t, e, ns, protocol.TypeExec, `print("hello")
eprint("warn", 1, sep="-")`)
	if !resp.Success {
		t.Fatalf("exec failed: %s", resp.Error)
	}
	if resp.Stdout != "hello\n" {
		t.Errorf("Stdout = %q", resp.Stdout)
	}
	if resp.Stderr != "warn-1\n" {
		t.Errorf("Stderr = %q", resp.Stderr)
	}
	if hostOut.Len() != 0 || hostErr.Len() != 0 {
		t.Errorf("output leaked to host: %q / %q", hostOut.String(), hostErr.String())
	}
}

func TestRun_OutputBeforeFailureIsKept(t *testing.T) {
	resp := run(t, New(), NewNamespace(nil), protocol.TypeExec, "print(\"before\")\nfail(\"boom\")")
	if resp.Success {
		t.Fatal("fail() should fail")
	}
	if resp.Stdout != "before\n" {
		t.Errorf("Stdout = %q", resp.Stdout)
	}
	if !strings.Contains(resp.Error, "boom") {
		t.Errorf("Error = %q", resp.Error)
	}
}

func TestRun_RestoresChannelsAfterFailure(t *testing.T) {
	var hostOut bytes.Buffer
	out := NewOutput(&hostOut, nil)
	e := New(WithOutput(out))

	run(t, e, NewNamespace(nil), protocol.TypeEval, "1/0")

	out.Stdout().Write([]byte("after\n"))
	if hostOut.String() != "after\n" {
		t.Errorf("host stdout = %q, want restored channel", hostOut.String())
	}
}

func TestRun_HostBuiltinPanic(t *testing.T) {
	boom := starlark.NewBuiltin("boom", func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
		panic("host exploded")
	})
	ns := NewNamespace(starlark.StringDict{"boom": boom})

	resp := run(t, New(), ns, protocol.TypeEval, "boom()")
	if resp.Success {
		t.Fatal("panicking builtin should fail")
	}
	if !strings.Contains(resp.Error, "host exploded") {
		t.Errorf("Error = %q", resp.Error)
	}
}

func TestRun_HostBuiltinWritesToCapture(t *testing.T) {
	shout := starlark.NewBuiltin("shout", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		OutputOf(thread).Stdout().Write([]byte("HEY\n"))
		return starlark.None, nil
	})
	ns := NewNamespace(starlark.StringDict{"shout": shout})

	resp := run(t, New(), ns, protocol.TypeExec, "shout()")
	if resp.Stdout != "HEY\n" {
		t.Errorf("Stdout = %q", resp.Stdout)
	}
}

func TestRun_Timeout(t *testing.T) {
	e := New(WithTimeout(50 * time.Millisecond))
	resp := run(t, e, NewNamespace(nil), protocol.TypeExec, "while True:\n    pass")
	if resp.Success {
		t.Fatal("infinite loop should be cancelled")
	}
	if !strings.Contains(resp.Error, "cancel") {
		t.Errorf("Error = %q", resp.Error)
	}
}

func TestRun_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp := New().Run(ctx, protocol.CommandRequest{Type: protocol.TypeExec, Code: "while True:\n    pass"}, NewNamespace(nil))
	if resp.Success {
		t.Fatal("cancelled context should stop the run")
	}
}

func TestNamespace_SeedOverridesBuiltins(t *testing.T) {
	ns := NewNamespace(starlark.StringDict{"eprint": starlark.String("shadowed")})
	v, _ := ns.Lookup("eprint")
	if v != starlark.String("shadowed") {
		t.Errorf("eprint = %v, want seed value", v)
	}
	names := ns.Names()
	if len(names) != 1 || names[0] != "eprint" {
		t.Errorf("Names() = %v", names)
	}
}

func TestToValue_Mixed(t *testing.T) {
	v, err := ToValue(map[string]any{
		"name":  "demo",
		"count": 3,
		"tags":  []any{"a", true, nil, 1.5},
	})
	if err != nil {
		t.Fatalf("ToValue() error = %v", err)
	}
	want := `{"count": 3, "name": "demo", "tags": ["a", True, None, 1.5]}`
	if v.String() != want {
		t.Errorf("ToValue() = %s, want %s", v, want)
	}

	if _, err := ToValue(struct{}{}); err == nil {
		t.Error("ToValue(struct{}{}) should fail")
	}
}
