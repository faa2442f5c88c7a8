// Package mcp implements the transport-independent core of the Model
// Context Protocol: message framing, request identifiers, the error
// taxonomy, capability sets, and the transport contract shared by the
// concrete transports under conduit/mcp/stdio and conduit/mcp/streamhttp
// (conduit/mcp/sse holds the SSE framing those streams use).
//
// Client and server engines live in the sibling conduit/mcp/client and
// conduit/mcp/server packages; this package only holds the wire-level
// vocabulary both sides agree on.
package mcp
