package session

import (
	"sync/atomic"

	"btaudio/internal/engine"
	"btaudio/internal/wire"
)

// Registry is the process-wide set of live sessions. It is mutated only on
// the event loop; the count is atomic so status queries can read it from
// other goroutines. This registry is the one shared mutable resource in the
// protocol core.
type Registry struct {
	clients map[*Client]struct{}
	count   atomic.Int64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[*Client]struct{})}
}

// Add inserts a session.
func (r *Registry) Add(c *Client) {
	r.clients[c] = struct{}{}
	r.count.Store(int64(len(r.clients)))
}

// Remove drops a session. Removing first and tearing down second keeps
// in-flight completions from responding to a dead connection.
func (r *Registry) Remove(c *Client) {
	delete(r.clients, c)
	r.count.Store(int64(len(r.clients)))
}

// Contains reports live membership.
func (r *Registry) Contains(c *Client) bool {
	_, ok := r.clients[c]
	return ok
}

// All returns the live sessions. Loop-only, like every mutation.
func (r *Registry) All() []*Client {
	out := make([]*Client, 0, len(r.clients))
	for cl := range r.clients {
		out = append(out, cl)
	}
	return out
}

// Len returns the current session count. Safe from any goroutine.
func (r *Registry) Len() int {
	return int(r.count.Load())
}

// LockFlags scans the registry for a session holding the given endpoint on
// the given transport session and returns its requested lock flags. This is
// a visibility aid for capability reporting; the engine's own per-endpoint
// lock flag remains authoritative.
func (r *Registry) LockFlags(s engine.Session, seid uint8) wire.LockFlags {
	for cl := range r.clients {
		if cl.a2dp.session == s && cl.seid == seid && cl.a2dp.ep != nil {
			return cl.lock
		}
	}
	return 0
}
