package client

import (
	"context"
	"path/filepath"
	"testing"

	"livebridge/internal/discovery"
	apperrors "livebridge/internal/errors"
	"livebridge/pkg/protocol"
)

func TestSession_ReusesConnection(t *testing.T) {
	h := startBridge(t)
	s := NewSession("", h.server.Port(), "")
	defer s.Close()
	ctx := context.Background()

	first, err := s.Conn(ctx)
	if err != nil {
		t.Fatalf("Conn() error = %v", err)
	}
	if _, err := s.Send(ctx, "y = 1", protocol.TypeExec); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	second, _ := s.Conn(ctx)
	if first != second {
		t.Error("session should keep one connection")
	}
	if len(h.server.Connections()) != 1 {
		t.Errorf("server sees %d connections, want 1", len(h.server.Connections()))
	}
}

func TestSession_ReconnectsOnceAfterRestart(t *testing.T) {
	h := startBridge(t)
	port := h.server.Port()
	s := NewSession("", port, "")
	defer s.Close()
	ctx := context.Background()

	if _, err := s.Send(ctx, "z = 7", protocol.TypeExec); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if s.Token() == "" {
		t.Fatal("session should remember the granted token")
	}

	h.server.Stop()
	if err := h.server.Start(port); err != nil {
		t.Fatalf("restart on port %d error = %v", port, err)
	}

	resp, err := s.Send(ctx, "z", protocol.TypeEval)
	if err != nil {
		t.Fatalf("Send() after restart error = %v", err)
	}
	if !resp.Success || *resp.Result != "7" {
		t.Errorf("eval after restart = %+v", resp)
	}
	if got := h.calls.Load(); got != 1 {
		t.Errorf("approver calls = %d, want 1 (token reused on reconnect)", got)
	}
}

func TestSession_DoesNotRetryRejection(t *testing.T) {
	h := startBridge(t)
	h.answer.Store(false)
	s := NewSession("", h.server.Port(), "")

	_, err := s.Send(context.Background(), "1", protocol.TypeEval)
	if !apperrors.IsKind(err, apperrors.KindAuthRejected) {
		t.Fatalf("Send() error = %v, want auth rejected", err)
	}
	if got := h.calls.Load(); got != 1 {
		t.Errorf("approver calls = %d, want 1", got)
	}
}

func TestSession_ResolvesPortFromFile(t *testing.T) {
	h := startBridge(t)
	portFile := filepath.Join(t.TempDir(), "bridge_port")
	if err := discovery.Publish(portFile, h.server.Port()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	s := NewSession("", 0, "")
	s.PortFile = portFile
	defer s.Close()

	resp, err := s.Send(context.Background(), "2 * 3", protocol.TypeEval)
	if err != nil || *resp.Result != "6" {
		t.Fatalf("Send() = %+v, %v", resp, err)
	}
}

func TestSession_BridgeUnavailable(t *testing.T) {
	s := NewSession("", 0, "")
	s.PortFile = filepath.Join(t.TempDir(), "missing")

	_, err := s.Send(context.Background(), "1", protocol.TypeEval)
	if !apperrors.IsKind(err, apperrors.KindBridgeUnavailable) {
		t.Errorf("Send() error = %v, want bridge unavailable", err)
	}
}
