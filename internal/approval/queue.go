package approval

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"livebridge/internal/events"

	"github.com/google/uuid"
)

// ErrTimeout is returned when nobody answers a queued request in time.
var ErrTimeout = errors.New("approval timeout")

// Request is a connection waiting for a human decision.
type Request struct {
	ID        string    `json:"id"`
	Peer      Peer      `json:"peer"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Resolution is the human's answer.
type Resolution struct {
	Approved bool      `json:"approved"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// Queue is an Approver whose requests are answered asynchronously by a UI
// (the terminal dashboard or the HTTP console) calling Resolve.
type Queue struct {
	timeout time.Duration
	bus     *events.Bus

	mu      sync.Mutex
	pending map[string]*pending
}

type pending struct {
	req Request
	ch  chan Resolution
}

// NewQueue returns an empty queue. A zero timeout waits indefinitely.
func NewQueue(timeout time.Duration, bus *events.Bus) *Queue {
	return &Queue{
		timeout: timeout,
		bus:     bus,
		pending: make(map[string]*pending),
	}
}

// ListPending returns outstanding requests, oldest first.
func (q *Queue) ListPending() []Request {
	q.mu.Lock()
	out := make([]Request, 0, len(q.pending))
	for _, p := range q.pending {
		out = append(out, p.req)
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Resolve answers request id. It reports false if id is unknown or
// already answered.
func (q *Queue) Resolve(id string, approved bool, reason string) bool {
	q.mu.Lock()
	p, ok := q.pending[id]
	if ok {
		delete(q.pending, id)
	}
	q.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case p.ch <- Resolution{Approved: approved, Reason: reason, At: time.Now().UTC()}:
	default:
	}
	return true
}

// RequestApproval queues a request for peer and blocks until it is
// resolved, ctx is done, or the queue timeout passes.
func (q *Queue) RequestApproval(ctx context.Context, peer Peer) (bool, error) {
	now := time.Now().UTC()
	req := Request{
		ID:        "approval-" + uuid.NewString(),
		Peer:      peer,
		CreatedAt: now,
	}
	if q.timeout > 0 {
		req.ExpiresAt = now.Add(q.timeout)
	}

	p := &pending{req: req, ch: make(chan Resolution, 1)}
	q.mu.Lock()
	q.pending[req.ID] = p
	q.mu.Unlock()

	q.bus.Publish(events.Event{
		Type: events.EventApprovalRequested,
		Data: events.ApprovalData{ID: req.ID, Peer: peer.String()},
	})

	var timeout <-chan time.Time
	if q.timeout > 0 {
		timer := time.NewTimer(q.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-p.ch:
		q.resolved(req, res.Approved, res.Reason)
		return res.Approved, nil
	case <-ctx.Done():
		q.Resolve(req.ID, false, "context canceled")
		q.resolved(req, false, "context canceled")
		return false, ctx.Err()
	case <-timeout:
		q.Resolve(req.ID, false, ErrTimeout.Error())
		q.resolved(req, false, ErrTimeout.Error())
		return false, ErrTimeout
	}
}

func (q *Queue) resolved(req Request, approved bool, reason string) {
	q.bus.Publish(events.Event{
		Type: events.EventApprovalResolved,
		Data: events.ApprovalData{ID: req.ID, Peer: req.Peer.String(), Approved: approved, Reason: reason},
	})
}
