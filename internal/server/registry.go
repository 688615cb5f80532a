package server

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Registry tracks every live connection, whatever its state.
type Registry struct {
	mu     sync.RWMutex
	conns  map[uint64]*Connection
	nextID atomic.Uint64
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[uint64]*Connection),
	}
}

// NextID allocates a connection ID.
func (r *Registry) NextID() uint64 {
	return r.nextID.Add(1)
}

// Register adds a connection.
func (r *Registry) Register(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID] = c
}

// Unregister removes a connection.
func (r *Registry) Unregister(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

// Len returns the number of tracked connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot lists the tracked connections ordered by ID.
func (r *Registry) Snapshot() []ConnectionInfo {
	r.mu.RLock()
	out := make([]ConnectionInfo, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c.Info())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CloseAll closes every tracked connection regardless of state.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
}
