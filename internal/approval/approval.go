// Package approval decides whether a pending bridge connection may issue
// commands: either it presents the current session token, or a human says
// yes through an injected Approver.
package approval

import (
	"context"
	"net"
	"strconv"

	"livebridge/internal/auth"
	"livebridge/internal/logger"
)

// Peer identifies the remote end of a connection.
type Peer struct {
	Addr string `json:"addr"`
	Port int    `json:"port"`
}

// PeerFromAddr extracts host and port from a socket address.
func PeerFromAddr(addr net.Addr) Peer {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return Peer{Addr: tcp.IP.String(), Port: tcp.Port}
	}
	if addr == nil {
		return Peer{}
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return Peer{Addr: addr.String()}
	}
	p, _ := strconv.Atoi(port)
	return Peer{Addr: host, Port: p}
}

func (p Peer) String() string {
	return net.JoinHostPort(p.Addr, strconv.Itoa(p.Port))
}

// Approver asks a human whether peer may connect. It blocks until a
// decision is made or ctx is done; an error counts as a rejection.
type Approver interface {
	RequestApproval(ctx context.Context, peer Peer) (bool, error)
}

// Func adapts a function to the Approver interface.
type Func func(ctx context.Context, peer Peer) (bool, error)

func (f Func) RequestApproval(ctx context.Context, peer Peer) (bool, error) {
	return f(ctx, peer)
}

// Method records how a decision was reached.
type Method string

const (
	MethodToken  Method = "token"
	MethodManual Method = "manual"
	MethodNone   Method = "none"
)

// Rejection reasons sent to the client.
const (
	ReasonDenied       = "Connection rejected by user"
	ReasonApproverFail = "Approval failed"
	ReasonTokenFailure = "Failed to issue session token"
)

// Decision is the outcome of Gate.Decide.
type Decision struct {
	Approved bool
	Method   Method
	// Token is the session token to hand back on approval.
	Token string
	// Issued is true when this decision minted the token.
	Issued bool
	// Reason explains a rejection.
	Reason string
}

// Gate combines the session token fast path with the manual approver.
type Gate struct {
	session  *auth.Session
	approver Approver
}

func NewGate(session *auth.Session, approver Approver) *Gate {
	return &Gate{session: session, approver: approver}
}

// Session exposes the gate's token holder.
func (g *Gate) Session() *auth.Session { return g.session }

// Decide runs once per connection. A presented token that validates is
// approved without consulting the approver; anything else falls back to
// it. On manual approval the session token is issued if absent.
func (g *Gate) Decide(ctx context.Context, peer Peer, presented string) Decision {
	if g.session.Validate(presented) {
		token, _ := g.session.Token()
		return Decision{Approved: true, Method: MethodToken, Token: token}
	}
	if presented != "" {
		logger.Info("Token from %s did not match, asking for approval", peer)
	}

	if g.approver == nil {
		return Decision{Method: MethodNone, Reason: ReasonDenied}
	}

	ok, err := g.approver.RequestApproval(ctx, peer)
	if err != nil {
		logger.Warn("Approval for %s failed: %v", peer, err)
		return Decision{Method: MethodManual, Reason: ReasonApproverFail + ": " + err.Error()}
	}
	if !ok {
		return Decision{Method: MethodManual, Reason: ReasonDenied}
	}

	token, issued, err := g.session.IssueIfAbsent()
	if err != nil {
		logger.Error("Failed to issue session token: %v", err)
		return Decision{Method: MethodManual, Reason: ReasonTokenFailure}
	}
	if issued {
		logger.Info("Issued session token %s", logger.Mask(token))
	}
	return Decision{Approved: true, Method: MethodManual, Token: token, Issued: issued}
}
