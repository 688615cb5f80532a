package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"livebridge/internal/approval"
	"livebridge/internal/auth"
	apperrors "livebridge/internal/errors"
	"livebridge/internal/events"
	"livebridge/internal/executor"
	"livebridge/pkg/protocol"

	"go.starlark.net/starlark"
)

type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *protocol.Reader
	w    *protocol.Writer
}

func dial(t *testing.T, s *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", net.JoinHostPort(DefaultHost, strconv.Itoa(s.Port())))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return &testClient{t: t, conn: conn, r: protocol.NewReader(conn), w: protocol.NewWriter(conn)}
}

func (c *testClient) sendRaw(line string) {
	c.t.Helper()
	if _, err := io.WriteString(c.conn, line); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testClient) auth(token string) protocol.AuthResponse {
	c.t.Helper()
	if err := c.w.WriteFrame(protocol.NewAuthRequest(token)); err != nil {
		c.t.Fatalf("WriteFrame(auth) error = %v", err)
	}
	var resp protocol.AuthResponse
	if err := c.r.ReadFrame(&resp); err != nil {
		c.t.Fatalf("ReadFrame(auth) error = %v", err)
	}
	return resp
}

func (c *testClient) command(kind protocol.MessageType, code string) protocol.CommandResponse {
	c.t.Helper()
	if err := c.w.WriteFrame(protocol.CommandRequest{Type: kind, Code: code}); err != nil {
		c.t.Fatalf("WriteFrame(%s) error = %v", kind, err)
	}
	return c.read()
}

func (c *testClient) read() protocol.CommandResponse {
	c.t.Helper()
	var resp protocol.CommandResponse
	if err := c.r.ReadFrame(&resp); err != nil {
		c.t.Fatalf("ReadFrame() error = %v", err)
	}
	return resp
}

type harness struct {
	server  *Server
	session *auth.Session
	calls   atomic.Int32
	answer  atomic.Bool
}

func startServer(t *testing.T, seed starlark.StringDict, opts ...Option) *harness {
	t.Helper()
	h := &harness{session: auth.NewSession()}
	h.answer.Store(true)
	approver := approval.Func(func(ctx context.Context, peer approval.Peer) (bool, error) {
		h.calls.Add(1)
		return h.answer.Load(), nil
	})
	h.server = New(approval.NewGate(h.session, approver), executor.NewNamespace(seed), opts...)
	if err := h.server.Start(0); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(h.server.Stop)
	return h
}

func TestServer_StartReportsBindError(t *testing.T) {
	h := startServer(t, nil)

	other := New(approval.NewGate(auth.NewSession(), nil), executor.NewNamespace(nil))
	err := other.Start(h.server.Port())
	if !apperrors.IsKind(err, apperrors.KindBind) {
		t.Fatalf("Start() on busy port error = %v, want bind error", err)
	}
	if other.IsRunning() {
		t.Error("server should not be running after bind failure")
	}

	if err := other.Start(70000); !apperrors.IsKind(err, apperrors.KindBind) {
		t.Errorf("Start(70000) error = %v, want bind error", err)
	}
}

func TestServer_StartTwice(t *testing.T) {
	h := startServer(t, nil)
	if err := h.server.Start(0); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v", err)
	}
}

func TestServer_StopIsIdempotent(t *testing.T) {
	h := startServer(t, nil)
	port := h.server.Port()
	if port == 0 || !h.server.IsRunning() {
		t.Fatalf("Port() = %d, IsRunning() = %v", port, h.server.IsRunning())
	}

	h.server.Stop()
	h.server.Stop()

	if h.server.IsRunning() || h.server.Port() != 0 {
		t.Error("server should report stopped")
	}
	if _, err := net.DialTimeout("tcp", net.JoinHostPort(DefaultHost, strconv.Itoa(port)), 200*time.Millisecond); err == nil {
		t.Error("listener still accepting after Stop")
	}
}

func TestServer_FirstApprovalIssuesTokenAndReuses(t *testing.T) {
	h := startServer(t, nil)

	first := dial(t, h.server).auth("")
	if !first.Success || first.Token == "" {
		t.Fatalf("first auth = %+v", first)
	}

	second := dial(t, h.server).auth("")
	if !second.Success || second.Token != first.Token {
		t.Errorf("second auth = %+v, want same token %q", second, first.Token)
	}
	if got := h.calls.Load(); got != 2 {
		t.Errorf("approver calls = %d, want 2", got)
	}
}

func TestServer_TokenSkipsApproval(t *testing.T) {
	h := startServer(t, nil)
	token := dial(t, h.server).auth("").Token

	h.answer.Store(false)
	resp := dial(t, h.server).auth(token)
	if !resp.Success {
		t.Fatalf("token auth = %+v", resp)
	}
	if got := h.calls.Load(); got != 1 {
		t.Errorf("approver calls = %d, want 1", got)
	}
}

func TestServer_WrongTokenFallsBack(t *testing.T) {
	h := startServer(t, nil)
	dial(t, h.server).auth("")

	h.answer.Store(false)
	resp := dial(t, h.server).auth("not-the-token")
	if resp.Success {
		t.Fatal("wrong token with denied approval should be rejected")
	}
	if got := h.calls.Load(); got != 2 {
		t.Errorf("approver calls = %d, want 2", got)
	}
}

func TestServer_EvalAndExec(t *testing.T) {
	h := startServer(t, nil)
	c := dial(t, h.server)
	c.auth("")

	resp := c.command(protocol.TypeEval, "1+1")
	if !resp.Success || resp.Result == nil || *resp.Result != "2" {
		t.Fatalf("eval 1+1 = %+v", resp)
	}

	resp = c.command(protocol.TypeExec, `print("hi")`)
	if !resp.Success || resp.Result != nil || resp.Stdout != "hi\n" {
		t.Errorf("exec print = %+v", resp)
	}
}

func TestServer_NamespaceSharedAcrossConnections(t *testing.T) {
	h := startServer(t, nil)
	a := dial(t, h.server)
	token := a.auth("").Token
	b := dial(t, h.server)
	b.auth(token)

	if resp := a.command(protocol.TypeExec, "x = 5"); !resp.Success {
		t.Fatalf("exec = %+v", resp)
	}
	resp := b.command(protocol.TypeEval, "x")
	if !resp.Success || *resp.Result != "5" {
		t.Errorf("eval x on second connection = %+v", resp)
	}

	names, err := h.server.NamespaceNames(context.Background())
	if err != nil {
		t.Fatalf("NamespaceNames() error = %v", err)
	}
	if !contains(names, "x") {
		t.Errorf("NamespaceNames() = %v, want x", names)
	}
}

func TestServer_ExecutionFailureKeepsConnection(t *testing.T) {
	h := startServer(t, nil)
	c := dial(t, h.server)
	c.auth("")

	resp := c.command(protocol.TypeEval, "1/0")
	if resp.Success || resp.Error == "" || resp.Traceback == "" {
		t.Fatalf("eval 1/0 = %+v", resp)
	}
	resp = c.command(protocol.TypeEval, "3*3")
	if !resp.Success || *resp.Result != "9" {
		t.Errorf("follow-up eval = %+v", resp)
	}
}

func TestServer_MalformedLineKeepsConnection(t *testing.T) {
	h := startServer(t, nil)
	c := dial(t, h.server)
	c.auth("")

	c.sendRaw("this is not json\n")
	resp := c.read()
	if resp.Success || !strings.HasPrefix(resp.Error, "Invalid JSON") {
		t.Fatalf("malformed response = %+v", resp)
	}
	if resp.Traceback != "" {
		t.Error("protocol failure should not carry a traceback")
	}

	resp = c.command(protocol.TypeEval, "1+1")
	if !resp.Success {
		t.Errorf("command after malformed line = %+v", resp)
	}
}

func TestServer_MalformedBeforeAuth(t *testing.T) {
	h := startServer(t, nil)
	c := dial(t, h.server)

	c.sendRaw("{nope\n")
	if resp := c.read(); resp.Success {
		t.Fatalf("malformed auth line = %+v", resp)
	}
	if resp := c.auth(""); !resp.Success {
		t.Errorf("auth after malformed line = %+v", resp)
	}
}

func TestServer_CommandBeforeAuthIsRejected(t *testing.T) {
	h := startServer(t, nil)
	c := dial(t, h.server)

	c.w.WriteFrame(protocol.CommandRequest{Type: protocol.TypeEval, Code: "1"})
	var resp protocol.AuthResponse
	if err := c.r.ReadFrame(&resp); err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if resp.Success || resp.Error != "Authentication required" {
		t.Errorf("response = %+v", resp)
	}
	if h.calls.Load() != 0 {
		t.Error("approver should not be asked")
	}
	if err := c.r.ReadFrame(&resp); !apperrors.IsKind(err, apperrors.KindTransport) {
		t.Errorf("connection should be closed, got %v", err)
	}
}

func TestServer_RejectedConnectionIsClosed(t *testing.T) {
	h := startServer(t, nil)
	h.answer.Store(false)
	c := dial(t, h.server)

	resp := c.auth("")
	if resp.Success || resp.Error != approval.ReasonDenied {
		t.Fatalf("auth = %+v", resp)
	}

	// The command write may still land in the kernel buffer; reading the
	// reply must fail at the transport level.
	c.w.WriteFrame(protocol.CommandRequest{Type: protocol.TypeEval, Code: "1"})
	var out protocol.CommandResponse
	err := c.r.ReadFrame(&out)
	if !apperrors.IsKind(err, apperrors.KindTransport) {
		t.Errorf("ReadFrame() after rejection = %v, want transport error", err)
	}
}

func TestServer_ConcurrentOutputDoesNotInterleave(t *testing.T) {
	h := startServer(t, nil)
	token := dial(t, h.server).auth("").Token

	const clients = 4
	const rounds = 10
	var wg sync.WaitGroup
	errs := make(chan error, clients*rounds)

	for i := 0; i < clients; i++ {
		c := dial(t, h.server)
		c.auth(token)
		wg.Add(1)
		go func(i int, c *testClient) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				tag := fmt.Sprintf("client%d-round%d", i, r)
				code := fmt.Sprintf("for _ in range(20):\n    print(%q)\n    eprint(%q)", tag, tag)
				if err := c.w.WriteFrame(protocol.CommandRequest{Type: protocol.TypeExec, Code: code}); err != nil {
					errs <- err
					return
				}
				var resp protocol.CommandResponse
				if err := c.r.ReadFrame(&resp); err != nil {
					errs <- err
					return
				}
				want := strings.Repeat(tag+"\n", 20)
				if resp.Stdout != want || resp.Stderr != want {
					errs <- fmt.Errorf("%s: stdout=%q stderr=%q", tag, resp.Stdout, resp.Stderr)
				}
			}
		}(i, c)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestServer_SerializesExecution(t *testing.T) {
	var inFlight, peak atomic.Int32
	probe := starlark.NewBuiltin("probe", func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return starlark.None, nil
	})
	h := startServer(t, starlark.StringDict{"probe": probe})
	token := dial(t, h.server).auth("").Token

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		c := dial(t, h.server)
		c.auth(token)
		wg.Add(1)
		go func(c *testClient) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				c.w.WriteFrame(protocol.CommandRequest{Type: protocol.TypeExec, Code: "probe()"})
				var resp protocol.CommandResponse
				c.r.ReadFrame(&resp)
			}
		}(c)
	}
	wg.Wait()

	if got := peak.Load(); got != 1 {
		t.Errorf("peak concurrent executions = %d, want 1", got)
	}
}

func TestServer_PendingApprovalDoesNotBlockOthers(t *testing.T) {
	release := make(chan struct{})
	session := auth.NewSession()
	token, _, _ := session.IssueIfAbsent()
	gate := approval.NewGate(session, approval.Func(func(ctx context.Context, peer approval.Peer) (bool, error) {
		select {
		case <-release:
			return true, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}))
	s := New(gate, executor.NewNamespace(nil))
	if err := s.Start(0); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()
	defer close(release)

	waiting := dial(t, s)
	waiting.w.WriteFrame(protocol.NewAuthRequest(""))

	c := dial(t, s)
	if resp := c.auth(token); !resp.Success {
		t.Fatalf("token auth = %+v", resp)
	}
	if resp := c.command(protocol.TypeEval, "40+2"); !resp.Success || *resp.Result != "42" {
		t.Errorf("eval while another connection waits = %+v", resp)
	}
}

func TestServer_StopCancelsPendingApproval(t *testing.T) {
	asked := make(chan struct{})
	gate := approval.NewGate(auth.NewSession(), approval.Func(func(ctx context.Context, peer approval.Peer) (bool, error) {
		close(asked)
		<-ctx.Done()
		return false, ctx.Err()
	}))
	s := New(gate, executor.NewNamespace(nil))
	if err := s.Start(0); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	c := dial(t, s)
	c.w.WriteFrame(protocol.NewAuthRequest(""))
	<-asked

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop() blocked on a pending approval")
	}

	var resp protocol.AuthResponse
	for {
		if err := c.r.ReadFrame(&resp); err != nil {
			break
		}
	}
	if len(s.Connections()) != 0 {
		t.Errorf("Connections() = %v after stop", s.Connections())
	}
}

func TestServer_PeerHangupCancelsApproval(t *testing.T) {
	asked := make(chan struct{})
	cancelled := make(chan struct{})
	gate := approval.NewGate(auth.NewSession(), approval.Func(func(ctx context.Context, peer approval.Peer) (bool, error) {
		close(asked)
		<-ctx.Done()
		close(cancelled)
		return false, ctx.Err()
	}))
	s := New(gate, executor.NewNamespace(nil))
	if err := s.Start(0); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	c := dial(t, s)
	c.w.WriteFrame(protocol.NewAuthRequest(""))
	<-asked
	c.conn.Close()

	select {
	case <-cancelled:
	case <-time.After(3 * time.Second):
		t.Fatal("approval not cancelled after peer hung up")
	}
}

func TestServer_ConnectionsAndEvents(t *testing.T) {
	bus := events.NewBus()
	ch := bus.Subscribe()
	h := startServer(t, nil, WithEventBus(bus))

	c := dial(t, h.server)
	c.auth("")
	c.command(protocol.TypeEval, "1")

	conns := h.server.Connections()
	if len(conns) != 1 || conns[0].State != "approved" || conns[0].Commands != 1 {
		t.Fatalf("Connections() = %+v", conns)
	}

	want := []events.EventType{
		events.EventServerStarted,
		events.EventConnectionPending,
		events.EventConnectionApproved,
		events.EventCommandExecuted,
	}
	for _, w := range want {
		select {
		case ev := <-ch:
			if ev.Type != w {
				t.Fatalf("event = %v, want %v", ev.Type, w)
			}
			if ev.Type == events.EventConnectionApproved {
				if m := ev.Data.(events.ConnectionData).Method; m != string(approval.MethodManual) {
					t.Errorf("Method = %q", m)
				}
			}
		case <-time.After(time.Second):
			t.Fatalf("missing event %v", w)
		}
	}
}

func TestServer_RestartKeepsNamespace(t *testing.T) {
	h := startServer(t, nil)
	c := dial(t, h.server)
	c.auth("")
	c.command(protocol.TypeExec, "kept = 'yes'")
	h.server.Stop()

	if err := h.server.Start(0); err != nil {
		t.Fatalf("restart error = %v", err)
	}
	c = dial(t, h.server)
	c.auth("")
	if resp := c.command(protocol.TypeEval, "kept"); !resp.Success || *resp.Result != `"yes"` {
		t.Errorf("eval after restart = %+v", resp)
	}
}

func TestServer_StartWaitsForStuckShutdown(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	block := starlark.NewBuiltin("block", func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
		close(started)
		<-release
		return starlark.None, nil
	})
	h := startServer(t, starlark.StringDict{"block": block})
	defer func() {
		select {
		case <-release:
		default:
			close(release)
		}
	}()

	c := dial(t, h.server)
	c.auth("")
	if err := c.w.WriteFrame(protocol.CommandRequest{Type: protocol.TypeExec, Code: "block()"}); err != nil {
		t.Fatalf("WriteFrame() error = %v", err)
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("command never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := h.server.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown() error = %v, want deadline exceeded", err)
	}

	if err := h.server.Start(0); !errors.Is(err, ErrStillStopping) {
		t.Fatalf("Start() during a stuck shutdown error = %v, want ErrStillStopping", err)
	}

	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := h.server.Start(0)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrStillStopping) || time.Now().After(deadline) {
			t.Fatalf("Start() after release error = %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	c = dial(t, h.server)
	c.auth("")
	if resp := c.command(protocol.TypeEval, "1 + 1"); !resp.Success || *resp.Result != "2" {
		t.Errorf("eval after restart = %+v", resp)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
