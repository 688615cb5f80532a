// Package client talks to a running bridge: handshake, exec/eval frames and
// a reconnect-once helper for callers that keep a session across commands.
package client

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"livebridge/internal/discovery"
	apperrors "livebridge/internal/errors"
	"livebridge/pkg/protocol"
)

// DefaultHost is where the bridge listens.
const DefaultHost = "127.0.0.1"

// DefaultTimeout bounds each read and write. Approval waits for a human, so
// it is generous.
const DefaultTimeout = 30 * time.Second

// ErrNotConnected is returned by Send before a successful Connect.
var ErrNotConnected = errors.New("not connected or not approved")

// Conn is one approved connection to the bridge.
type Conn struct {
	Host    string
	Port    int
	Timeout time.Duration

	mu       sync.Mutex
	token    string
	issued   bool
	conn     net.Conn
	reader   *protocol.Reader
	writer   *protocol.Writer
	approved bool
}

// NewConn returns an unconnected Conn. token may be empty.
func NewConn(host string, port int, token string) *Conn {
	if host == "" {
		host = DefaultHost
	}
	return &Conn{
		Host:    host,
		Port:    port,
		Timeout: DefaultTimeout,
		token:   token,
	}
}

// Token returns the token the connection presents, which after Connect is
// the one the bridge granted.
func (c *Conn) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Issued reports whether Connect received a token different from the one
// it presented.
func (c *Conn) Issued() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.issued
}

// Connect dials the bridge, presents the token and waits for the decision.
// A rejection is returned as KindAuthRejected carrying the server's reason.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.closeLocked()
	}

	addr := net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return apperrors.Wrap(apperrors.KindTransport, "connect to "+addr, err)
	}
	c.conn = nc
	c.reader = protocol.NewReader(nc)
	c.writer = protocol.NewWriter(nc)

	stop := c.arm(ctx)
	defer stop()

	if err := c.writer.WriteFrame(protocol.NewAuthRequest(c.token)); err != nil {
		c.closeLocked()
		return err
	}
	var resp protocol.AuthResponse
	if err := c.reader.ReadFrame(&resp); err != nil {
		c.closeLocked()
		return err
	}
	if !resp.Success {
		c.closeLocked()
		reason := resp.Error
		if reason == "" {
			reason = "Connection rejected"
		}
		return apperrors.New(apperrors.KindAuthRejected, reason)
	}

	if resp.Token != "" && resp.Token != c.token {
		c.token = resp.Token
		c.issued = true
	}
	c.approved = true
	return nil
}

// Send runs code on the bridge and returns its response. An execution
// failure is a normal response with Success false; only transport and
// framing problems are returned as errors.
func (c *Conn) Send(ctx context.Context, code string, kind protocol.MessageType) (protocol.CommandResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.approved {
		return protocol.CommandResponse{}, ErrNotConnected
	}
	if kind == "" {
		kind = protocol.TypeExec
	}

	stop := c.arm(ctx)
	defer stop()

	if err := c.writer.WriteFrame(protocol.CommandRequest{Type: kind, Code: code}); err != nil {
		c.closeLocked()
		return protocol.CommandResponse{}, err
	}
	var resp protocol.CommandResponse
	if err := c.reader.ReadFrame(&resp); err != nil {
		if apperrors.IsKind(err, apperrors.KindTransport) {
			c.closeLocked()
		}
		return protocol.CommandResponse{}, err
	}
	return resp, nil
}

// Close drops the connection. Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Conn) closeLocked() error {
	c.approved = false
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	c.writer = nil
	return err
}

// arm applies the per-call deadline and makes ctx cancellation unblock
// pending I/O. The returned func disarms it.
func (c *Conn) arm(ctx context.Context) func() {
	nc := c.conn
	deadline := time.Time{}
	if c.Timeout > 0 {
		deadline = time.Now().Add(c.Timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	nc.SetDeadline(deadline)

	stop := context.AfterFunc(ctx, func() {
		nc.SetDeadline(time.Now())
	})
	return func() {
		stop()
		nc.SetDeadline(time.Time{})
	}
}

// ResolvePort returns explicit when set, otherwise the port published in
// portFile (the default discovery path when empty).
func ResolvePort(explicit int, portFile string) (int, error) {
	if explicit > 0 {
		return explicit, nil
	}
	if portFile == "" {
		path, err := discovery.PortFilePath()
		if err != nil {
			return 0, apperrors.Wrap(apperrors.KindBridgeUnavailable, "locate port file", err)
		}
		portFile = path
	}
	info, err := discovery.Read(portFile)
	if err != nil {
		return 0, err
	}
	return info.Port, nil
}
