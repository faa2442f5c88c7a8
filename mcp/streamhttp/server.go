// Package streamhttp implements the C7 Streamable-HTTP transport: a single
// endpoint handling GET (SSE stream open), POST (JSON-RPC ingress) and
// DELETE (session teardown), with mcp-session-id header routing and an SSE
// handler registry shared between POST and GET.
package streamhttp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httplog/v2"
	"github.com/go-chi/render"

	"github.com/conduitmcp/conduit/internal/log"
	"github.com/conduitmcp/conduit/mcp"
	"github.com/conduitmcp/conduit/mcp/sse"
)

// errorPayload mirrors the JSON-RPC error frame shape for go-chi/render,
// which marshals Go values rather than pre-encoded bytes. The wire codec
// itself (json-iterator, via mcp.Encode/Decode) stays the source of truth
// for SSE event payloads and inline batch bodies below.
type errorPayload struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      mcp.ID         `json:"id"`
	Error   *mcp.WireError `json:"error"`
}

func (errorPayload) Render(http.ResponseWriter, *http.Request) error { return nil }

type emptyPayload struct{}

func (emptyPayload) Render(http.ResponseWriter, *http.Request) error { return nil }

// SessionHeader is the default header name carrying the opaque session id,
// configurable via Config.SessionHeader.
const SessionHeader = "Mcp-Session-Id"

// ProtocolVersionHeader carries the negotiated protocol version on requests
// made against an already-initialized session.
const ProtocolVersionHeader = "MCP-Protocol-Version"

// SessionManager is the server-side interface the transport dispatches
// into: one logical call per inbound message, with the session actor
// (conduit/mcp/server) owning everything past this boundary. Declaring the
// interface here (rather than importing mcp/server) keeps the transport
// layer decoupled from the session/dispatch implementation, the same
// inversion the spec draws between C7 and C9/C10.
type SessionManager interface {
	// EnsureSession resolves the session to operate on. If mint is true
	// (an initialize request with no pre-existing session) a new session id
	// is minted when requested is empty. If mint is false and requested is
	// unknown, ok is false.
	EnsureSession(ctx context.Context, requested string, mint bool) (id string, ok bool)

	// HandleMessage dispatches one decoded message against the named
	// session and returns the reply message, or nil for notifications and
	// other message kinds that produce no reply.
	HandleMessage(ctx context.Context, sessionID string, msg mcp.Message, auth *mcp.AuthContext) *mcp.Message

	// CloseSession tears the session down (DELETE). ok is false if the
	// session did not exist.
	CloseSession(ctx context.Context, sessionID string) bool
}

// Config controls the server's wire-level behaviour.
type Config struct {
	SessionHeader      string
	RequestTimeout     time.Duration
	SSEKeepalive       time.Duration
	AuthHeaderValidate func(ctx context.Context, bearer string) (*mcp.AuthContext, error)

	// Realm is advertised in the WWW-Authenticate header on 401 responses.
	Realm string

	// ProtectedResourceMetadata, if non-nil, is served verbatim as JSON at
	// /.well-known/oauth-protected-resource, the discovery document clients
	// use to find the authorization server(s) guarding this endpoint.
	ProtectedResourceMetadata *ProtectedResourceMetadata
}

// ProtectedResourceMetadata is the OAuth 2.0 Protected Resource Metadata
// document (RFC 9728) conduit advertises when an Authorizer is configured.
type ProtectedResourceMetadata struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers,omitempty"`
	ScopesSupported      []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
}

func (c Config) withDefaults() Config {
	if c.SessionHeader == "" {
		c.SessionHeader = SessionHeader
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.SSEKeepalive <= 0 {
		c.SSEKeepalive = 15 * time.Second
	}
	return c
}

// Server is the C7 Streamable-HTTP transport.
type Server struct {
	cfg      Config
	sessions SessionManager
	registry *Registry
	logger   log.Logger
	router   chi.Router
}

// NewServer wires a chi router exposing path (conventionally "/mcp") with
// the three required methods, access-logged via go-chi/httplog the way the
// teacher's server.go wires its own router middleware.
func NewServer(path string, sessions SessionManager, cfg Config, logger log.Logger) *Server {
	s := &Server{
		cfg:      cfg.withDefaults(),
		sessions: sessions,
		registry: NewRegistry(),
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(httplog.RequestLogger(httplog.NewLogger("conduit-http", httplog.Options{JSON: false})))
	r.Route(path, func(r chi.Router) {
		r.Get("/", s.handleGET)
		r.Post("/", s.handlePOST)
		r.Delete("/", s.handleDELETE)
	})
	if cfg.ProtectedResourceMetadata != nil {
		r.Get("/.well-known/oauth-protected-resource", s.handleProtectedResourceMetadata)
	}
	s.router = r
	return s
}

func (s *Server) handleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, s.cfg.ProtectedResourceMetadata)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// RegistrySize exposes the SSE handler registry size for telemetry/tests.
func (s *Server) RegistrySize() int { return s.registry.Size() }

// Send implements mcp.Transport: it routes a server-initiated frame
// (a progress notification, or a server->client request such as
// sampling/createMessage) to the session's active SSE stream. There is
// nothing to send on if the session has no open GET stream right now;
// that is reported back to the caller rather than silently dropped, since
// a session's supervisor may want to log it.
func (s *Server) Send(ctx context.Context, sessionID string, data []byte) error {
	if !s.registry.Enqueue(sessionID, data) {
		return mcp.NewError(mcp.ErrKindInternal, fmt.Sprintf("no active SSE stream for session %q", sessionID), nil)
	}
	return nil
}

// Shutdown implements mcp.Transport. The server itself has no persistent
// connection to tear down; open SSE streams unwind on their own request
// context cancellation when the owning http.Server shuts down.
func (s *Server) Shutdown(context.Context) error { return nil }

// SetSink implements mcp.Transport. Streamable-HTTP never pushes inbound
// frames through a Sink: handlePOST calls SessionManager.HandleMessage
// directly, so there is nothing to install here.
func (s *Server) SetSink(mcp.Sink) {}

var _ mcp.Transport = (*Server)(nil)

func (s *Server) authFromHeader(ctx context.Context, r *http.Request) (*mcp.AuthContext, error) {
	if s.cfg.AuthHeaderValidate == nil {
		return nil, nil
	}
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return nil, nil
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return nil, mcp.NewError(mcp.ErrKindUnauthorized, "malformed authorization header", nil)
	}
	return s.cfg.AuthHeaderValidate(ctx, strings.TrimPrefix(auth, prefix))
}

func (s *Server) writeJSONRPCError(w http.ResponseWriter, r *http.Request, status int, id mcp.ID, merr *mcp.Error) {
	if status == http.StatusUnauthorized && s.cfg.Realm != "" {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm=%q`, s.cfg.Realm))
	}
	render.Status(r, status)
	_ = render.Render(w, r, errorPayload{JSONRPC: "2.0", ID: id, Error: merr.ToWireError()})
}

func writeAccepted(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusAccepted)
	_ = render.Render(w, r, emptyPayload{})
}

// handlePOST implements §4.4 POST.
func (s *Server) handlePOST(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	accept := r.Header.Get("Accept")
	if !strings.Contains(accept, "application/json") {
		s.writeJSONRPCError(w, r, http.StatusBadRequest, mcp.NullID(), mcp.NewError(mcp.ErrKindInvalidRequest, "Accept must include application/json", nil))
		return
	}
	acceptsSSE := strings.Contains(accept, "text/event-stream")

	body := http.MaxBytesReader(w, r.Body, 10<<20)
	defer body.Close()
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, err := body.Read(tmp)
		buf = append(buf, tmp[:n]...)
		if err != nil {
			break
		}
	}

	msgs, err := mcp.Decode(buf)
	if err != nil {
		var merr *mcp.Error
		if !errors.As(err, &merr) {
			merr = mcp.NewError(mcp.ErrKindParse, err.Error(), nil)
		}
		s.writeJSONRPCError(w, r, http.StatusBadRequest, mcp.NullID(), merr)
		return
	}

	headerSessionID := r.Header.Get(s.cfg.SessionHeader)
	isInitialize := len(msgs) == 1 && msgs[0].IsInitialize()

	sessionID, ok := s.sessions.EnsureSession(ctx, headerSessionID, isInitialize)
	if !ok {
		s.writeJSONRPCError(w, r, http.StatusBadRequest, mcp.NullID(), mcp.NewError(mcp.ErrKindInvalidRequest, fmt.Sprintf("unknown session %q", headerSessionID), nil))
		return
	}

	authCtx, authErr := s.authFromHeader(ctx, r)
	if authErr != nil {
		var merr *mcp.Error
		if !errors.As(authErr, &merr) {
			merr = mcp.NewError(mcp.ErrKindUnauthorized, authErr.Error(), nil)
		}
		s.writeJSONRPCError(w, r, http.StatusUnauthorized, mcp.NullID(), merr)
		return
	}

	hasRequest := false
	for _, m := range msgs {
		if m.IsRequest() {
			hasRequest = true
			break
		}
	}

	if sessionID != headerSessionID {
		w.Header().Set(s.cfg.SessionHeader, sessionID)
	}

	if !hasRequest {
		// Notifications-only batch: §4.4 step 5.
		for _, m := range msgs {
			s.sessions.HandleMessage(ctx, sessionID, m, authCtx)
		}
		writeAccepted(w, r)
		return
	}

	if acceptsSSE {
		existing := s.registry.Get(sessionID)
		if existing == nil {
			existing = s.registry.Register(sessionID)
		}
		go s.runBackground(sessionID, msgs, authCtx, existing)
		writeAccepted(w, r)
		return
	}

	replies := make([]mcp.Message, 0, len(msgs))
	for _, m := range msgs {
		if reply := s.sessions.HandleMessage(ctx, sessionID, m, authCtx); reply != nil {
			replies = append(replies, *reply)
		}
	}
	body2, err := mcp.EncodeBatch(replies)
	if err != nil {
		s.writeJSONRPCError(w, r, http.StatusInternalServerError, mcp.NullID(), mcp.NewError(mcp.ErrKindInternal, err.Error(), nil))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body2)
}

func (s *Server) runBackground(sessionID string, msgs []mcp.Message, auth *mcp.AuthContext, st *stream) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()
	for _, m := range msgs {
		reply := s.sessions.HandleMessage(ctx, sessionID, m, auth)
		if reply == nil {
			continue
		}
		data, err := mcp.Encode(*reply)
		if err != nil {
			continue
		}
		if !st.enqueue(data) && s.logger != nil {
			s.logger.WarnContext(ctx, "streamhttp: dropped reply, no active SSE writer", "session", sessionID)
		}
	}
}

// handleGET implements §4.4 GET / §4.5 streaming loop.
func (s *Server) handleGET(w http.ResponseWriter, r *http.Request) {
	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		w.WriteHeader(http.StatusNotAcceptable)
		return
	}
	sessionID := r.Header.Get(s.cfg.SessionHeader)
	if sessionID == "" {
		s.writeJSONRPCError(w, r, http.StatusBadRequest, mcp.NullID(), mcp.NewError(mcp.ErrKindInvalidRequest, "missing session header", nil))
		return
	}
	if _, ok := s.sessions.EnsureSession(r.Context(), sessionID, false); !ok {
		s.writeJSONRPCError(w, r, http.StatusBadRequest, mcp.NullID(), mcp.NewError(mcp.ErrKindInvalidRequest, "unknown session", nil))
		return
	}

	st := s.registry.Register(sessionID)
	defer s.registry.Unregister(sessionID, st)
	defer st.close()

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	keepalive := time.NewTicker(s.cfg.SSEKeepalive)
	defer keepalive.Stop()

	sw := sse.NewWriter(w, flusher)
	for {
		select {
		case <-r.Context().Done():
			return
		case <-st.done:
			return
		case data := <-st.queue:
			if err := sw.WriteMessage(data); err != nil {
				return
			}
		case <-keepalive.C:
			if err := sw.WriteKeepalive(); err != nil {
				return
			}
		}
	}
}

// handleDELETE implements §4.4 DELETE.
func (s *Server) handleDELETE(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(s.cfg.SessionHeader)
	if sessionID == "" {
		s.writeJSONRPCError(w, r, http.StatusBadRequest, mcp.NullID(), mcp.NewError(mcp.ErrKindInvalidRequest, "missing session header", nil))
		return
	}
	if st := s.registry.Get(sessionID); st != nil {
		s.registry.Unregister(sessionID, st)
		st.close()
	}
	s.sessions.CloseSession(r.Context(), sessionID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{}`))
}
