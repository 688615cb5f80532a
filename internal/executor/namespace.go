package executor

import (
	"fmt"
	"sort"
	"strings"

	"go.starlark.net/starlark"
)

// Namespace is the single mutable environment shared by every exec and
// eval for the lifetime of a server. It is not safe for concurrent use:
// the server only touches it from its execution worker.
type Namespace struct {
	globals starlark.StringDict
}

// NewNamespace seeds a namespace with the host's bindings plus the bridge
// builtins. Seed entries win over builtins of the same name.
func NewNamespace(seed starlark.StringDict) *Namespace {
	globals := make(starlark.StringDict, len(seed)+len(builtins))
	for name, v := range builtins {
		globals[name] = v
	}
	for name, v := range seed {
		globals[name] = v
	}
	return &Namespace{globals: globals}
}

// Lookup returns the value bound to name.
func (n *Namespace) Lookup(name string) (starlark.Value, bool) {
	v, ok := n.globals[name]
	return v, ok
}

// Names returns the bound identifiers in sorted order.
func (n *Namespace) Names() []string {
	names := make([]string, 0, len(n.globals))
	for name := range n.globals {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (n *Namespace) Len() int { return len(n.globals) }

var builtins = starlark.StringDict{
	"eprint": starlark.NewBuiltin("eprint", eprint),
}

// eprint is print for the stderr channel.
func eprint(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	sep := " "
	if err := starlark.UnpackArgs("eprint", nil, kwargs, "sep?", &sep); err != nil {
		return nil, err
	}
	var buf strings.Builder
	for i, v := range args {
		if i > 0 {
			buf.WriteString(sep)
		}
		if s, ok := starlark.AsString(v); ok {
			buf.WriteString(s)
		} else {
			buf.WriteString(v.String())
		}
	}
	buf.WriteByte('\n')
	if _, err := fmt.Fprint(OutputOf(thread).Stderr(), buf.String()); err != nil {
		return nil, err
	}
	return starlark.None, nil
}
