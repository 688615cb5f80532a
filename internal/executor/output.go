package executor

import (
	"io"
	"os"
	"sync"

	"go.starlark.net/starlark"
)

const outputLocalKey = "livebridge.output"

// Output holds the textual output channels seen by executed code: Starlark
// print, the eprint builtin and any host builtin that writes through
// Stdout/Stderr. Between runs they point at the host's own writers; during
// a run they are redirected into per-run buffers.
type Output struct {
	mu     sync.Mutex
	stdout io.Writer
	stderr io.Writer
}

// NewOutput returns channels that default to the given writers. nil means
// the process's os.Stdout / os.Stderr.
func NewOutput(stdout, stderr io.Writer) *Output {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return &Output{stdout: stdout, stderr: stderr}
}

// Stdout returns a writer that always targets the current stdout channel.
func (o *Output) Stdout() io.Writer { return channel{o: o} }

// Stderr returns a writer that always targets the current stderr channel.
func (o *Output) Stderr() io.Writer { return channel{o: o, err: true} }

// Redirect points both channels at the given writers until restore is
// called. Callers must defer restore.
func (o *Output) Redirect(stdout, stderr io.Writer) (restore func()) {
	o.mu.Lock()
	prevOut, prevErr := o.stdout, o.stderr
	o.stdout, o.stderr = stdout, stderr
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			o.stdout, o.stderr = prevOut, prevErr
			o.mu.Unlock()
		})
	}
}

type channel struct {
	o   *Output
	err bool
}

func (c channel) Write(p []byte) (int, error) {
	c.o.mu.Lock()
	w := c.o.stdout
	if c.err {
		w = c.o.stderr
	}
	c.o.mu.Unlock()
	return w.Write(p)
}

// OutputOf returns the Output attached to a thread started by an Executor,
// for host builtins that want to write to the captured channels.
func OutputOf(thread *starlark.Thread) *Output {
	if o, ok := thread.Local(outputLocalKey).(*Output); ok {
		return o
	}
	return NewOutput(nil, nil)
}
