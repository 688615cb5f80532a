// Package executor runs client-supplied Starlark against the shared bridge
// namespace and captures what it prints.
//
// Exec runs statements; any binding it creates or rebinds persists in the
// namespace for later runs from any connection. Eval evaluates a single
// expression and reports its repr. Every failure (syntax, resolution,
// runtime, or a panic in a host builtin) is returned as a failure response
// and never propagates to the caller.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"livebridge/pkg/protocol"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// Executor runs one command at a time. It is not reentrant; the server
// guarantees a single caller.
type Executor struct {
	out     *Output
	opts    *syntax.FileOptions
	timeout time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithOutput sets the channels redirected during each run.
func WithOutput(out *Output) Option {
	return func(e *Executor) { e.out = out }
}

// WithTimeout cancels a run that takes longer than d. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) { e.timeout = d }
}

func New(opts ...Option) *Executor {
	e := &Executor{
		opts: &syntax.FileOptions{
			Set:             true,
			While:           true,
			TopLevelControl: true,
			GlobalReassign:  true,
			Recursion:       true,
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.out == nil {
		e.out = NewOutput(nil, nil)
	}
	return e
}

// Output returns the channels executed code writes to.
func (e *Executor) Output() *Output { return e.out }

// Run executes req against ns. ctx cancellation (or the configured timeout)
// interrupts the Starlark thread at its next step.
func (e *Executor) Run(ctx context.Context, req protocol.CommandRequest, ns *Namespace) protocol.CommandResponse {
	kind := req.Type
	if kind == "" {
		kind = protocol.TypeExec
	}
	if kind != protocol.TypeExec && kind != protocol.TypeEval {
		return protocol.ProtocolError(fmt.Sprintf("Unknown command type: %q", req.Type))
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	result, err := e.run(ctx, kind, req.Code, ns, &stdout, &stderr)
	if err != nil {
		msg, tb := describe(err)
		return protocol.Failed(msg, tb, stdout.String(), stderr.String())
	}
	return protocol.Succeeded(result, stdout.String(), stderr.String())
}

func (e *Executor) run(ctx context.Context, kind protocol.MessageType, code string, ns *Namespace, stdout, stderr *bytes.Buffer) (result *string, err error) {
	restore := e.out.Redirect(stdout, stderr)
	defer restore()

	thread := &starlark.Thread{
		Name: "livebridge",
		Print: func(t *starlark.Thread, msg string) {
			fmt.Fprintln(e.out.Stdout(), msg)
		},
	}
	thread.SetLocal(outputLocalKey, e.out)

	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(context.Cause(ctx).Error())
	})
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()

	if kind == protocol.TypeEval {
		v, err := starlark.EvalOptions(e.opts, thread, "<eval>", code, ns.globals)
		if err != nil {
			return nil, err
		}
		repr := v.String()
		return &repr, nil
	}

	f, err := e.opts.Parse("<exec>", code, 0)
	if err != nil {
		return nil, err
	}
	return nil, starlark.ExecREPLChunk(f, thread, ns.globals)
}

type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }

// describe splits an execution failure into the short error text and the
// full traceback sent to the client.
func describe(err error) (msg, traceback string) {
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return evalErr.Msg, evalErr.Backtrace()
	}

	var p *panicError
	if errors.As(err, &p) {
		return p.Error(), p.Error() + "\n\n" + string(p.stack)
	}

	var synErr syntax.Error
	if errors.As(err, &synErr) {
		return "SyntaxError: " + synErr.Msg, err.Error()
	}

	var resolveErrs resolve.ErrorList
	if errors.As(err, &resolveErrs) && len(resolveErrs) > 0 {
		lines := make([]string, len(resolveErrs))
		for i, re := range resolveErrs {
			lines[i] = re.Pos.String() + ": " + re.Msg
		}
		return resolveErrs[0].Msg, strings.Join(lines, "\n")
	}

	return err.Error(), err.Error()
}
