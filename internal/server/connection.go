package server

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"livebridge/internal/approval"
	"livebridge/pkg/protocol"
)

// State is a connection's position in the approval lifecycle.
type State int

const (
	StatePending State = iota
	StateApproved
	StateRejected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateApproved:
		return "approved"
	case StateRejected:
		return "rejected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is one accepted socket plus its lifecycle state.
//
// Pending moves to Approved or Rejected exactly once; any state moves to
// Closed; nothing leaves Closed.
type Connection struct {
	ID          uint64
	Peer        approval.Peer
	ConnectedAt time.Time

	conn   net.Conn
	reader *protocol.Reader
	writer *protocol.Writer

	mu             sync.Mutex
	state          State
	presentedToken string
	commands       int
}

func newConnection(id uint64, conn net.Conn, maxFrame int) *Connection {
	return &Connection{
		ID:          id,
		Peer:        approval.PeerFromAddr(conn.RemoteAddr()),
		ConnectedAt: time.Now(),
		conn:        conn,
		reader:      protocol.NewReaderSize(conn, maxFrame),
		writer:      protocol.NewWriter(conn),
		state:       StatePending,
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// transition applies a state change, reporting false if it is not allowed.
func (c *Connection) transition(to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.state == StateClosed:
		return false
	case to == StateClosed:
	case c.state == StatePending && (to == StateApproved || to == StateRejected):
	default:
		return false
	}
	c.state = to
	return true
}

func (c *Connection) setPresentedToken(token string) {
	c.mu.Lock()
	c.presentedToken = token
	c.mu.Unlock()
}

func (c *Connection) countCommand() {
	c.mu.Lock()
	c.commands++
	c.mu.Unlock()
}

// Close moves the connection to Closed and shuts the socket. Safe to call
// more than once.
func (c *Connection) Close() error {
	if !c.transition(StateClosed) {
		return nil
	}
	return c.conn.Close()
}

// watchHangup returns a context that is cancelled if the peer disconnects
// while the caller is busy elsewhere (waiting for a human, typically).
// stop must be called before the connection is read again.
func (c *Connection) watchHangup(parent context.Context) (ctx context.Context, stop func()) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := c.reader.Peek(); err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
			cancel()
		}
	}()

	return ctx, func() {
		c.conn.SetReadDeadline(time.Now())
		<-done
		c.conn.SetReadDeadline(time.Time{})
		cancel()
	}
}

// ConnectionInfo is a point-in-time view of a Connection for UIs.
type ConnectionInfo struct {
	ID          uint64        `json:"id"`
	Peer        approval.Peer `json:"peer"`
	State       string        `json:"state"`
	ConnectedAt time.Time     `json:"connected_at"`
	Commands    int           `json:"commands"`
	HasToken    bool          `json:"presented_token"`
}

// Info snapshots the connection.
func (c *Connection) Info() ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionInfo{
		ID:          c.ID,
		Peer:        c.Peer,
		State:       c.state.String(),
		ConnectedAt: c.ConnectedAt,
		Commands:    c.commands,
		HasToken:    c.presentedToken != "",
	}
}
