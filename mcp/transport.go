package mcp

import (
	"context"
	"time"
)

// Inbound is a decoded frame delivered by a transport to its owner, tagged
// with the session it arrived on (STDIO, which carries exactly one
// implicit session, tags every frame with the fixed id "stdio").
type Inbound struct {
	SessionID string
	Message   Message
	// Auth, if non-nil, is the authorization context the transport attached
	// to this frame (e.g. from a validated bearer token). Dispatchers copy
	// it onto the owning session's frame.
	Auth *AuthContext
}

// AuthContext is the result of a successful Authorization port Validate
// call, attached to a session each time an authenticated frame for it
// arrives (a later frame's context replaces the earlier one).
type AuthContext struct {
	Subject  string
	Audience string
	Scopes   []string
	Expiry   time.Time
	Claims   map[string]any
}

// HasScope reports whether the context carries the named scope.
func (a *AuthContext) HasScope(scope string) bool {
	if a == nil {
		return false
	}
	for _, s := range a.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Sink is the mailbox a transport forwards decoded inbound frames to. The
// client engine implements Sink; the CLI adapts the server-side session
// supervisor to it with a function adapter.
type Sink interface {
	Deliver(Inbound)
}

// Transport is the contract implemented by every concrete transport: STDIO
// and Streamable-HTTP (which carries its SSE streams). Implementations must never block indefinitely on
// Send and must make Shutdown idempotent.
type Transport interface {
	// Send writes a single already-encoded frame. ctx bounds how long Send
	// may block; implementations must respect ctx even when the underlying
	// write itself has no native timeout.
	Send(ctx context.Context, sessionID string, data []byte) error

	// Shutdown flushes and closes the transport. Calling it more than once
	// is a no-op.
	Shutdown(ctx context.Context) error

	// SetSink installs the owner mailbox that inbound frames are delivered
	// to. Must be called before the transport starts accepting input.
	SetSink(Sink)
}

// ErrTransportClosed is returned by Send once Shutdown has completed.
var ErrTransportClosed = NewError(ErrKindInternal, "transport closed", nil)
