// Package server implements the bridge listener: it accepts loopback
// connections, drives each through the approval gate and then serves
// exec/eval frames against the shared namespace on a single worker.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"livebridge/internal/approval"
	apperrors "livebridge/internal/errors"
	"livebridge/internal/events"
	"livebridge/internal/executor"
	"livebridge/internal/sentry"
	"livebridge/pkg/protocol"
)

// DefaultHost is the only interface the bridge listens on.
const DefaultHost = "127.0.0.1"

// ErrAlreadyRunning is returned by Start on a listening server.
var ErrAlreadyRunning = errors.New("bridge server already running")

// ErrStillStopping is returned by Start while goroutines from a Shutdown
// that hit its deadline are still running.
var ErrStillStopping = errors.New("bridge server still stopping")

// Server is the bridge. One Server owns one namespace for its whole
// lifetime; it may be stopped and started again and the namespace
// survives.
type Server struct {
	Registry *Registry

	gate     *approval.Gate
	executor *executor.Executor
	bus      *events.Bus
	work     *worker

	host     string
	maxFrame int

	// MaxConnections limits concurrent connections (0 = unlimited)
	MaxConnections int

	// lifecycle serializes Start and Shutdown; mu guards the fields below
	lifecycle sync.Mutex
	mu        sync.Mutex
	listener  net.Listener
	port      int
	running   bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        *sync.WaitGroup
	drained   chan struct{}
	connSem   chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithExecutor replaces the default executor.
func WithExecutor(e *executor.Executor) Option {
	return func(s *Server) { s.executor = e }
}

// WithEventBus publishes lifecycle events to bus.
func WithEventBus(bus *events.Bus) Option {
	return func(s *Server) { s.bus = bus }
}

// WithHost overrides the listen host. Only loopback addresses make sense.
func WithHost(host string) Option {
	return func(s *Server) { s.host = host }
}

// WithMaxFrameSize bounds a single client line.
func WithMaxFrameSize(n int) Option {
	return func(s *Server) { s.maxFrame = n }
}

// New builds a stopped server that runs code against ns once gate approves.
func New(gate *approval.Gate, ns *executor.Namespace, opts ...Option) *Server {
	s := &Server{
		Registry:       NewRegistry(),
		gate:           gate,
		host:           DefaultHost,
		maxFrame:       protocol.DefaultMaxFrameSize,
		MaxConnections: 64,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.executor == nil {
		s.executor = executor.New()
	}
	s.work = newWorker(ns)
	return s
}

// Start binds the loopback listener and begins accepting. Port 0 picks a
// free port. A port that cannot be bound yields a KindBind error; nothing
// is retried.
func (s *Server) Start(port int) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}
	if s.drained != nil {
		select {
		case <-s.drained:
		default:
			return ErrStillStopping
		}
	}
	if port < 0 || port > 65535 {
		return apperrors.New(apperrors.KindBind, fmt.Sprintf("port %d out of range", port))
	}

	addr := net.JoinHostPort(s.host, strconv.Itoa(port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return apperrors.Wrap(apperrors.KindBind, "listen on "+addr, err)
	}

	s.listener = listener
	s.port = listener.Addr().(*net.TCPAddr).Port
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true
	if s.MaxConnections > 0 {
		s.connSem = make(chan struct{}, s.MaxConnections)
	} else {
		s.connSem = nil
	}

	log.Printf("Bridge listening on %s (MaxConn=%d)", listener.Addr(), s.MaxConnections)
	s.bus.Publish(events.Event{
		Type: events.EventServerStarted,
		Data: events.ServerData{Addr: listener.Addr().String(), Port: s.port},
	})

	// Each run gets its own WaitGroup so a Shutdown that gave up waiting
	// never overlaps with the next run's Add.
	wg := &sync.WaitGroup{}
	s.wg = wg
	wg.Add(2)
	go func(ctx context.Context) {
		defer wg.Done()
		s.work.run(ctx)
	}(s.ctx)
	go func(ctx context.Context, l net.Listener, sem chan struct{}) {
		defer wg.Done()
		s.acceptLoop(ctx, l, sem, wg)
	}(s.ctx, listener, s.connSem)

	return nil
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener, sem chan struct{}, wg *sync.WaitGroup) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				log.Printf("Temporary accept error: %v, retrying...", err)
				time.Sleep(100 * time.Millisecond)
				continue
			}

			log.Printf("Failed to accept connection: %v", err)
			sentry.CaptureError(err, "bridge accept loop")
			return
		}

		if sem != nil {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				conn.Close()
				return
			}
		}

		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			defer func() {
				if sem != nil {
					<-sem
				}
			}()
			defer func() {
				if r := recover(); r != nil {
					log.Printf("Panic recovered in handleConnection: %v", r)
					sentry.CapturePanic(r, "bridge connection")
				}
			}()
			s.handleConnection(ctx, c)
		}(conn)
	}
}

// Stop closes the listener and every tracked connection and waits for
// their goroutines. Calling it on a stopped server does nothing.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		log.Printf("Bridge shutdown: %v", err)
	}
}

// Shutdown is Stop with a caller-supplied deadline for connection
// goroutines to finish. A command stuck in a host builtin can hold the
// worker past the deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	port := s.port
	s.port = 0
	wg := s.wg
	drained := make(chan struct{})
	s.drained = drained
	s.cancel()
	if err := s.listener.Close(); err != nil {
		log.Printf("Error closing listener: %v", err)
	}
	s.mu.Unlock()

	s.Registry.CloseAll()

	go func() {
		wg.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
		log.Printf("Bridge on port %d stopped", port)
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.bus.Publish(events.Event{Type: events.EventServerStopped, Data: events.ServerData{Port: port}})
	return err
}

// Port returns the bound port, or 0 when stopped.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// IsRunning reports whether the server is listening.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Connections snapshots the tracked connections.
func (s *Server) Connections() []ConnectionInfo {
	return s.Registry.Snapshot()
}

// Gate returns the approval gate, for host UIs that show token state.
func (s *Server) Gate() *approval.Gate { return s.gate }

// NamespaceNames lists the bound identifiers. It reads on the worker, so it
// waits behind any queued commands.
func (s *Server) NamespaceNames(ctx context.Context) ([]string, error) {
	var names []string
	err := s.submit(ctx, func(ns *executor.Namespace) {
		names = ns.Names()
	})
	return names, err
}

func (s *Server) submit(ctx context.Context, fn func(ns *executor.Namespace)) error {
	s.mu.Lock()
	running := s.running
	srvCtx := s.ctx
	s.mu.Unlock()
	if !running {
		return ErrStopped
	}
	return s.work.do(ctx, srvCtx.Done(), fn)
}

func (s *Server) handleConnection(ctx context.Context, nc net.Conn) {
	c := newConnection(s.Registry.NextID(), nc, s.maxFrame)
	s.Registry.Register(c)
	log.Printf("New connection #%d from %s", c.ID, c.Peer)
	s.publishConn(events.EventConnectionPending, c, "", "")

	closeReason := "peer disconnected"
	defer func() {
		c.Close()
		s.Registry.Unregister(c.ID)
		s.publishConn(events.EventConnectionClosed, c, "", closeReason)
	}()

	if ctx.Err() != nil {
		closeReason = "server stopped"
		return
	}

	presented, ok := s.readAuth(c)
	if !ok {
		closeReason = "handshake failed"
		return
	}
	c.setPresentedToken(presented)

	waitCtx, stopWatch := c.watchHangup(ctx)
	decision := s.gate.Decide(waitCtx, c.Peer, presented)
	stopWatch()

	if !decision.Approved {
		s.reject(c, decision.Reason, decision.Method)
		closeReason = "rejected"
		return
	}
	if !c.transition(StateApproved) {
		closeReason = "closed while pending"
		return
	}
	if err := c.writer.WriteFrame(protocol.AuthResponse{Success: true, Token: decision.Token}); err != nil {
		log.Printf("Failed to send approval to #%d: %v", c.ID, err)
		return
	}
	log.Printf("Connection #%d from %s approved (%s)", c.ID, c.Peer, decision.Method)
	s.publishConn(events.EventConnectionApproved, c, string(decision.Method), "")

	s.commandLoop(ctx, c)
	if ctx.Err() != nil {
		closeReason = "server stopped"
	}
}

// readAuth waits for the auth frame. Malformed lines are answered and
// skipped; a command sent before authenticating is refused outright.
func (s *Server) readAuth(c *Connection) (token string, ok bool) {
	for {
		var req protocol.Request
		err := c.reader.ReadFrame(&req)
		switch {
		case apperrors.IsKind(err, apperrors.KindMalformedMessage):
			if c.writer.WriteFrame(protocol.ProtocolError(protocol.MalformedDescription(err))) != nil {
				return "", false
			}
			continue
		case err != nil:
			if !errors.Is(err, net.ErrClosed) {
				log.Printf("Connection #%d closed before auth: %v", c.ID, err)
			}
			return "", false
		}

		if req.Type != protocol.TypeAuth {
			s.reject(c, "Authentication required", approval.MethodNone)
			return "", false
		}
		if req.Token != nil {
			token = *req.Token
		}
		return token, true
	}
}

func (s *Server) reject(c *Connection, reason string, method approval.Method) {
	if !c.transition(StateRejected) {
		return
	}
	log.Printf("Connection #%d from %s rejected: %s", c.ID, c.Peer, reason)
	c.writer.WriteFrame(protocol.AuthResponse{Success: false, Error: reason})
	s.publishConn(events.EventConnectionRejected, c, string(method), reason)
}

// commandLoop serves frames until the peer leaves or the server stops.
func (s *Server) commandLoop(ctx context.Context, c *Connection) {
	for {
		var req protocol.Request
		err := c.reader.ReadFrame(&req)
		if apperrors.IsKind(err, apperrors.KindMalformedMessage) {
			if c.writer.WriteFrame(protocol.ProtocolError(protocol.MalformedDescription(err))) != nil {
				return
			}
			continue
		}
		if err != nil {
			return
		}

		if req.Type == protocol.TypeAuth {
			if c.writer.WriteFrame(protocol.ProtocolError("Already authenticated")) != nil {
				return
			}
			continue
		}

		cmd := protocol.CommandRequest{Type: req.Type, Code: req.Code}
		resp, err := s.execute(ctx, c, cmd)
		if err != nil {
			return
		}
		if err := c.writer.WriteFrame(resp); err != nil {
			log.Printf("Dropping response for #%d: %v", c.ID, err)
			return
		}
	}
}

// execute queues cmd on the worker. The run is not tied to the peer: if
// the peer disconnects mid-run the response is simply not delivered.
func (s *Server) execute(ctx context.Context, c *Connection, cmd protocol.CommandRequest) (protocol.CommandResponse, error) {
	var resp protocol.CommandResponse
	var elapsed time.Duration
	err := s.submit(ctx, func(ns *executor.Namespace) {
		start := time.Now()
		resp = s.executor.Run(ctx, cmd, ns)
		elapsed = time.Since(start)
	})
	if err != nil {
		return resp, err
	}

	c.countCommand()
	kind := cmd.Type
	if kind == "" {
		kind = protocol.TypeExec
	}
	s.bus.Publish(events.Event{
		Type: events.EventCommandExecuted,
		Data: events.CommandData{
			ConnectionID: c.ID,
			Kind:         string(kind),
			Code:         cmd.Code,
			Success:      resp.Success,
			Error:        resp.Error,
			Duration:     elapsed,
		},
	})
	return resp, nil
}

func (s *Server) publishConn(t events.EventType, c *Connection, method, reason string) {
	s.bus.Publish(events.Event{
		Type: t,
		Data: events.ConnectionData{ID: c.ID, Peer: c.Peer.String(), Method: method, Reason: reason},
	})
}
