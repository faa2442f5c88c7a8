package mcp

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// GenerateSessionID mints an opaque, globally unique session identifier.
// Sessions are long-lived and cross-process-identifiable, so conduit uses a
// random UUIDv4 rather than a sequence, matching how session ids are minted
// in every sibling example that manages its own session table.
func GenerateSessionID() string {
	return uuid.NewString()
}

// IDGenerator mints request ids from a process-local monotonic counter
// to avoid the cost of a UUID per outbound request, since request ids only
// need to be unique within one side's pending table, not globally.
type IDGenerator struct {
	counter atomic.Int64
}

// NewIDGenerator returns a generator producing integer request ids starting
// at 1.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{}
}

// Next returns the next request id as an integer-valued ID, safe for
// concurrent use by multiple callers issuing requests on the same engine.
func (g *IDGenerator) Next() ID {
	return NewIntID(g.counter.Add(1))
}

// NewProgressToken mints an opaque progress token, distinct from request
// ids so a caller cannot accidentally correlate the two namespaces.
func NewProgressToken() string {
	return "pt_" + uuid.NewString()
}
