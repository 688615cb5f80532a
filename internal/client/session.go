package client

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "livebridge/internal/errors"
	"livebridge/internal/logger"
	"livebridge/pkg/protocol"
)

// Session keeps one Conn across commands and transparently reconnects once
// when the bridge drops it.
type Session struct {
	Host     string
	Port     int
	PortFile string
	Timeout  time.Duration // overrides DefaultTimeout when set

	mu     sync.Mutex
	conn   *Conn
	token  string // survives reconnects so the second handshake skips approval
	issued bool
}

// NewSession returns a session. A zero port is resolved through the
// discovery file on each (re)connect.
func NewSession(host string, port int, token string) *Session {
	return &Session{Host: host, Port: port, token: token}
}

// Token is the most recent token the bridge granted or accepted.
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Issued reports whether the bridge granted a new token during this
// session.
func (s *Session) Issued() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issued
}

// Conn returns the live connection, connecting if needed.
func (s *Session) Conn(ctx context.Context) (*Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connLocked(ctx)
}

func (s *Session) connLocked(ctx context.Context) (*Conn, error) {
	if s.conn != nil {
		return s.conn, nil
	}
	port, err := ResolvePort(s.Port, s.PortFile)
	if err != nil {
		return nil, err
	}
	c := NewConn(s.Host, port, s.token)
	if s.Timeout > 0 {
		c.Timeout = s.Timeout
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	s.token = c.Token()
	s.issued = s.issued || c.Issued()
	s.conn = c
	return c, nil
}

// Send runs code, reconnecting and retrying once if the connection turns
// out to be dead. Rejections and malformed replies are not retried.
func (s *Session) Send(ctx context.Context, code string, kind protocol.MessageType) (protocol.CommandResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.connLocked(ctx)
	if err == nil {
		var resp protocol.CommandResponse
		resp, err = c.Send(ctx, code, kind)
		if err == nil || !retryable(err) || ctx.Err() != nil {
			if err != nil && ctx.Err() != nil {
				s.dropLocked()
			}
			return resp, err
		}
		logger.Debug("Connection lost (%v), reconnecting", err)
	} else if !retryable(err) || ctx.Err() != nil {
		return protocol.CommandResponse{}, err
	}

	s.dropLocked()
	c, err = s.connLocked(ctx)
	if err != nil {
		return protocol.CommandResponse{}, err
	}
	return c.Send(ctx, code, kind)
}

// Close drops the live connection, if any.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropLocked()
}

func (s *Session) dropLocked() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return apperrors.IsKind(err, apperrors.KindTransport) || errors.Is(err, ErrNotConnected)
}
