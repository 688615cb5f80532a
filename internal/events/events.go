package events

import (
	"sync"
	"time"
)

// EventType represents the type of event.
type EventType int

const (
	// Server lifecycle events
	EventServerStarted EventType = iota
	EventServerStopped

	// Connection lifecycle events
	EventConnectionPending
	EventConnectionApproved
	EventConnectionRejected
	EventConnectionClosed

	// Approval queue events
	EventApprovalRequested
	EventApprovalResolved

	// Command events
	EventCommandExecuted

	// Error events
	EventError

	// Log events (for TUI display)
	EventLog
)

// String returns a human-readable name for the event type.
func (t EventType) String() string {
	switch t {
	case EventServerStarted:
		return "server_started"
	case EventServerStopped:
		return "server_stopped"
	case EventConnectionPending:
		return "connection_pending"
	case EventConnectionApproved:
		return "connection_approved"
	case EventConnectionRejected:
		return "connection_rejected"
	case EventConnectionClosed:
		return "connection_closed"
	case EventApprovalRequested:
		return "approval_requested"
	case EventApprovalResolved:
		return "approval_resolved"
	case EventCommandExecuted:
		return "command_executed"
	case EventError:
		return "error"
	case EventLog:
		return "log"
	default:
		return "unknown"
	}
}

// Event represents an event in the system.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// ServerData contains data for EventServerStarted and EventServerStopped.
type ServerData struct {
	Addr string
	Port int
}

// ConnectionData contains data for connection lifecycle events.
type ConnectionData struct {
	ID     uint64
	Peer   string
	Method string // "token" or "manual" on approval
	Reason string // rejection or close reason
}

// ApprovalData contains data for approval queue events.
type ApprovalData struct {
	ID       string
	Peer     string
	Approved bool
	Reason   string
}

// CommandData contains data for EventCommandExecuted.
type CommandData struct {
	ConnectionID uint64
	Kind         string
	Code         string
	Success      bool
	Error        string
	Duration     time.Duration
}

// ErrorData contains data for EventError.
type ErrorData struct {
	Error   error
	Context string
}

// LogData contains data for EventLog.
type LogData struct {
	Level   string // "debug", "info", "warn", "error"
	Message string
}

// Bus is a simple pub/sub event bus with fan-out delivery.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan Event
	bufferSize  int
	closed      bool
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return NewBusWithBuffer(100)
}

// NewBusWithBuffer creates a new event bus with custom buffer size.
func NewBusWithBuffer(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make([]chan Event, 0),
		bufferSize:  bufferSize,
	}
}

// Subscribe returns a channel that receives all published events.
// The caller is responsible for consuming events to avoid blocking.
func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, b.bufferSize)
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subscribers {
		if sub == ch {
			close(sub)
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			return
		}
	}
}

// Publish sends an event to all subscribers.
// Non-blocking: if a subscriber's buffer is full, the event is dropped for
// that subscriber. Publishing on a nil bus is a no-op.
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// PublishType is a convenience method to publish an event with just a type.
func (b *Bus) PublishType(eventType EventType) {
	b.Publish(Event{Type: eventType})
}

// PublishError publishes an error event.
func (b *Bus) PublishError(err error, context string) {
	b.Publish(Event{
		Type: EventError,
		Data: ErrorData{Error: err, Context: context},
	})
}

// PublishLog publishes a log event.
func (b *Bus) PublishLog(level, message string) {
	b.Publish(Event{
		Type: EventLog,
		Data: LogData{Level: level, Message: message},
	})
}

// Close closes the event bus and all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
