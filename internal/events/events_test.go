package events

import (
	"errors"
	"testing"
	"time"
)

func TestBus_FanOut(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe()
	b := bus.Subscribe()

	bus.Publish(Event{Type: EventConnectionPending, Data: ConnectionData{ID: 1, Peer: "127.0.0.1:5000"}})

	for name, ch := range map[string]<-chan Event{"a": a, "b": b} {
		select {
		case ev := <-ch:
			if ev.Type != EventConnectionPending {
				t.Errorf("%s: Type = %v", name, ev.Type)
			}
			if ev.Timestamp.IsZero() {
				t.Errorf("%s: Timestamp not set", name)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s: no event delivered", name)
		}
	}
}

func TestBus_DropsWhenBufferFull(t *testing.T) {
	bus := NewBusWithBuffer(1)
	ch := bus.Subscribe()

	bus.PublishType(EventServerStarted)
	bus.PublishType(EventServerStopped) // dropped

	if ev := <-ch; ev.Type != EventServerStarted {
		t.Errorf("Type = %v, want server_started", ev.Type)
	}
	select {
	case ev := <-ch:
		t.Errorf("unexpected event %v", ev.Type)
	default:
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe()
	bus.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Unsubscribe")
	}
	if bus.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() = %d", bus.SubscriberCount())
	}
}

func TestBus_CloseIsIdempotent(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe()
	bus.Close()
	bus.Close()

	if _, ok := <-ch; ok {
		t.Error("channel should be closed")
	}
	bus.PublishError(errors.New("ignored"), "after close")

	late := bus.Subscribe()
	if _, ok := <-late; ok {
		t.Error("subscribe after close should return a closed channel")
	}
}

func TestBus_NilPublishIsNoop(t *testing.T) {
	var bus *Bus
	bus.PublishLog("info", "nobody listening")
}

func TestEventType_String(t *testing.T) {
	tests := []struct {
		t    EventType
		want string
	}{
		{EventConnectionApproved, "connection_approved"},
		{EventApprovalRequested, "approval_requested"},
		{EventCommandExecuted, "command_executed"},
		{EventType(999), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.t.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.t, got, tt.want)
		}
	}
}
