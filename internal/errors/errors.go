// Package errors defines the bridge error taxonomy.
//
// Every failure the bridge can produce falls into one of a small set of
// kinds. Only KindBind ever escapes to the code that started the server;
// the rest are contained to the connection or request that caused them and
// are turned into protocol responses.
package errors

import (
	"errors"
	"fmt"
)

// Kind is a machine-readable error category.
type Kind string

const (
	// KindBind indicates the listening port could not be bound.
	KindBind Kind = "bind_error"
	// KindMalformedMessage indicates a frame that is not valid JSON.
	KindMalformedMessage Kind = "malformed_message"
	// KindAuthRejected indicates an approval denial.
	KindAuthRejected Kind = "auth_rejected"
	// KindExecutionFailure indicates an error raised by client-supplied code.
	KindExecutionFailure Kind = "execution_failure"
	// KindTransport indicates a socket-level read or write failure.
	KindTransport Kind = "transport_error"
	// KindBridgeUnavailable indicates the client could not locate a running bridge.
	KindBridgeUnavailable Kind = "bridge_unavailable"
)

// E wraps an error with kind and human-friendly message.
type E struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *E) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *E) Unwrap() error { return e.Err }

// Is matches another *E by kind, so errors.Is(err, New(KindBind, "")) works.
func (e *E) Is(target error) bool {
	var t *E
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func Wrap(kind Kind, msg string, err error) *E { return &E{Kind: kind, Message: msg, Err: err} }
func New(kind Kind, msg string) *E             { return &E{Kind: kind, Message: msg} }

// KindOf returns the kind of the first *E in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
