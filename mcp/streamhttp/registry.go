package streamhttp

import (
	"sync"
)

// stream is the per-session SSE handler: a bounded outbound queue drained by
// exactly one GET request's goroutine, plus a done channel that lets a POST
// handler detect the writer has gone away (crash or client disconnect)
// without blocking forever on a full queue.
type stream struct {
	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

func newStream() *stream {
	return &stream{
		queue: make(chan []byte, 64),
		done:  make(chan struct{}),
	}
}

// enqueue pushes an outbound frame to the stream's writer. It reports false
// if the stream has already closed or the queue is saturated
// (backpressure, §5): callers should treat a false return the same as "no
// SSE handler" and fall back to an inline response where possible.
func (s *stream) enqueue(data []byte) bool {
	select {
	case s.queue <- data:
		return true
	case <-s.done:
		return false
	default:
		return false
	}
}

func (s *stream) close() {
	s.once.Do(func() { close(s.done) })
}

// Registry is the SSEHandlerRegistry of §3/§4.4: sessionId -> active SSE
// writer, with at most one active writer per session at a time. A second
// Register call for the same session supersedes the first, which mirrors
// the "re-registration by a different process supersedes" invariant — the
// registry closes the previous stream's done channel so its GET goroutine
// unwinds.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*stream
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{streams: make(map[string]*stream)}
}

// Register installs (or supersedes) the active stream for sessionID and
// returns it for the caller's GET handler to drain.
func (r *Registry) Register(sessionID string) *stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.streams[sessionID]; ok {
		old.close()
	}
	s := newStream()
	r.streams[sessionID] = s
	return s
}

// Get returns the active stream for sessionID, or nil if none is registered.
func (r *Registry) Get(sessionID string) *stream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.streams[sessionID]
}

// Unregister removes the entry if it still points at s (a newer
// registration may have already superseded it).
func (r *Registry) Unregister(sessionID string, s *stream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.streams[sessionID]; ok && cur == s {
		delete(r.streams, sessionID)
	}
}

// Size reports the number of sessions with an active SSE writer, the
// left-hand side of the invariant registry.size <= sessions.size.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}

// Enqueue routes an encoded message to the session's active stream, if any.
func (r *Registry) Enqueue(sessionID string, data []byte) bool {
	s := r.Get(sessionID)
	if s == nil {
		return false
	}
	return s.enqueue(data)
}
