// Package server implements the C9-C13 components: the per-session
// actor and its lifecycle, the method dispatcher, the supervisor and
// registry of sessions, and the persistence/authorization ports.
package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/conduitmcp/conduit/internal/registry"
	"github.com/conduitmcp/conduit/mcp"
)

// State is a session's lifecycle state (§4.7).
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// pendingServerRequest mirrors client's Pending but for requests the
// server itself initiated towards the client (sampling, roots/list).
type pendingServerRequest struct {
	id      mcp.ID
	method  string
	result  chan serverRequestResult
	created time.Time
}

type serverRequestResult struct {
	result []byte
	err    error
}

// Session is the server-side actor state of §3. Requests are handled one
// at a time on the session's own goroutine via its mailbox; the mutable
// fields below mu are still guarded by it, since the supervisor, the
// eviction sweeper and cancelRequest read or change them from other
// goroutines.
type Session struct {
	ID string

	mu sync.Mutex // guards fields read by the supervisor/eviction sweeper
	state         State
	protocolVer   mcp.ProtocolVersion
	clientInfo    mcp.Implementation
	clientCaps    mcp.CapabilitySet
	serverCaps    mcp.CapabilitySet
	logLevel      string
	auth          *mcp.AuthContext
	lastActivity  time.Time

	progressTokens map[string]mcp.ID  // active progress token -> the request id it belongs to
	inflight       map[string]context.CancelFunc // request id (string) -> its cancel func, while running
	cancelled      map[string]struct{}           // request ids a notifications/cancelled has already marked
	subscriptions  map[string]struct{} // resource URIs this session subscribed to

	pendingServer map[string]*pendingServerRequest
	ids           *mcp.IDGenerator

	mailbox chan func()
	done    chan struct{}

	catalogue *registry.Catalogue
	transport mcp.Transport
	logger    sessionLogger

	pageSize    int         // configured PaginationDefaultLimit; <=0 falls back to defaultPageSize
	persistence Persistence // C12 port, nil when no adapter is configured
	ttl         time.Duration
}

// sessionLogger is the minimal logging surface the session actor needs,
// kept local so this package doesn't force a dependency on internal/log's
// concrete type from its core loop.
type sessionLogger interface {
	WarnContext(ctx context.Context, msg string, args ...any)
	InfoContext(ctx context.Context, msg string, args ...any)
}

// newSession builds a session actor. mailboxSize is the configured
// BackpressureHighWaterMark (§5 "a configurable high-water mark"); a
// non-positive value falls back to 256. pageSize is the configured
// PaginationDefaultLimit, threaded straight into paginate by the
// dispatcher's list handlers; a non-positive value falls back to
// defaultPageSize there.
func newSession(id string, transport mcp.Transport, catalogue *registry.Catalogue, serverCaps mcp.CapabilitySet, logger sessionLogger, mailboxSize, pageSize int, persistence Persistence, ttl time.Duration) *Session {
	if mailboxSize <= 0 {
		mailboxSize = 256
	}
	s := &Session{
		ID:             id,
		state:          StateUninitialized,
		logLevel:       "info",
		lastActivity:   time.Now(),
		progressTokens: make(map[string]mcp.ID),
		inflight:       make(map[string]context.CancelFunc),
		cancelled:      make(map[string]struct{}),
		subscriptions:  make(map[string]struct{}),
		pendingServer:  make(map[string]*pendingServerRequest),
		ids:            mcp.NewIDGenerator(),
		mailbox:        make(chan func(), mailboxSize),
		done:           make(chan struct{}),
		catalogue:      catalogue,
		transport:      transport,
		serverCaps:     serverCaps,
		logger:         logger,
		pageSize:       pageSize,
		persistence:    persistence,
		ttl:            ttl,
	}
	go s.run()
	return s
}

// Snapshot captures the durable portion of session state for the C12
// persistence port (§4.8): negotiated protocol/client info, log level,
// and resource subscriptions. Transient bookkeeping (in-flight calls,
// progress tokens, the bearer auth context) is never persisted.
func (s *Session) Snapshot() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := make([]string, 0, len(s.subscriptions))
	for uri := range s.subscriptions {
		subs = append(subs, uri)
	}
	return SessionState{
		"state":           s.state.String(),
		"protocolVersion": string(s.protocolVer),
		"clientInfo":      s.clientInfo,
		"logLevel":        s.logLevel,
		"subscriptions":   subs,
	}
}

// applySnapshot restores a session's durable state from a persisted
// snapshot (§4.8: "recreate session actors in UNINITIALIZED state with
// their saved snapshots"). The lifecycle state itself always restarts
// at StateUninitialized — a restored session still requires a fresh
// initialize handshake over its new transport connection — but the log
// level and subscriptions carried in the snapshot are restored so a
// restart doesn't silently drop them.
func (s *Session) applySnapshot(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if level, ok := state["logLevel"].(string); ok && level != "" {
		s.logLevel = level
	}
	switch subs := state["subscriptions"].(type) {
	case []string:
		for _, uri := range subs {
			s.subscriptions[uri] = struct{}{}
		}
	case []any:
		for _, u := range subs {
			if uri, ok := u.(string); ok {
				s.subscriptions[uri] = struct{}{}
			}
		}
	}
}

// persistSave writes the session's full snapshot through the C12 port,
// if one is wired. A failure is logged and otherwise swallowed:
// persistence is best-effort, never a reason to fail the request that
// triggered it.
func (s *Session) persistSave(ctx context.Context) {
	if s.persistence == nil {
		return
	}
	if err := s.persistence.Save(ctx, s.ID, s.Snapshot()); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "session persistence save failed", "session_id", s.ID, "error", err)
	}
}

// persistUpdate writes a partial delta through the C12 port's Update
// operation instead of re-saving the full snapshot.
func (s *Session) persistUpdate(ctx context.Context, partial SessionState) {
	if s.persistence == nil {
		return
	}
	if err := s.persistence.Update(ctx, s.ID, partial); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "session persistence update failed", "session_id", s.ID, "error", err)
	}
}

// run drains the mailbox one task at a time: this is the sole point of
// serialisation per §5 "per-session serial execution".
func (s *Session) run() {
	for {
		select {
		case task, ok := <-s.mailbox:
			if !ok {
				return
			}
			task()
		case <-s.done:
			// Close has already set the state to Closed; tasks still
			// queued in the mailbox are dropped without being run.
			return
		}
	}
}

// Submit enqueues a task on the session's mailbox, returning false (and
// the high-water-mark signal callers should turn into a transient error)
// if the mailbox is saturated — the backpressure behaviour of §5.
func (s *Session) Submit(task func()) bool {
	select {
	case s.mailbox <- task:
		return true
	default:
		return false
	}
}

// Close transitions the session to Closed and stops its actor loop.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.mu.Unlock()
	close(s.done)
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity reports the last time a message was processed for this
// session, used by the supervisor's inactivity sweeper.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// beginCall registers id as in flight, returning a context derived from
// parent that a concurrent cancelRequest(id) will cancel, plus a cleanup
// func the caller must defer. Called from the handler itself (running on
// the session's own mailbox goroutine), so it never contends with that
// goroutine's own progress; only cancelRequest, invoked out-of-band by the
// supervisor the moment a notifications/cancelled notification arrives,
// needs to interrupt it concurrently.
func (s *Session) beginCall(parent context.Context, id mcp.ID) (context.Context, func()) {
	callCtx, cancel := context.WithCancel(parent)
	key := id.String()
	s.mu.Lock()
	s.inflight[key] = cancel
	s.mu.Unlock()
	return callCtx, func() {
		s.mu.Lock()
		delete(s.inflight, key)
		s.mu.Unlock()
		cancel()
	}
}

// cancelRequest implements the server side of §4.7 cancellation: it stops
// the in-flight call's context (unblocking any handler that observes ctx
// cooperatively) and marks the id as cancelled so the eventual reply is
// suppressed instead of sent, satisfying "no response is emitted for a
// request id that has been cancelled". It is safe to call concurrently
// with the session's own mailbox goroutine, since it only ever touches
// the mutex-guarded inflight/cancelled maps, never session state that
// belongs to run().
func (s *Session) cancelRequest(id mcp.ID) {
	key := id.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.inflight[key]; ok {
		cancel()
		delete(s.inflight, key)
	}
	s.cancelled[key] = struct{}{}
}

// consumeCancelled reports whether id was cancelled, clearing the marker
// so it cannot leak across a future request that reuses the same id.
func (s *Session) consumeCancelled(id mcp.ID) bool {
	key := id.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cancelled[key]
	delete(s.cancelled, key)
	return ok
}

// registerProgressToken associates an outgoing progress token with the
// request id it reports progress for, so emitProgress can be scoped to
// calls actually in flight.
func (s *Session) registerProgressToken(token string, id mcp.ID) {
	if token == "" {
		return
	}
	s.mu.Lock()
	s.progressTokens[token] = id
	s.mu.Unlock()
}

// unregisterProgressToken drops a progress token once its call resolves.
func (s *Session) unregisterProgressToken(token string) {
	if token == "" {
		return
	}
	s.mu.Lock()
	delete(s.progressTokens, token)
	s.mu.Unlock()
}

type progressNotificationParams struct {
	ProgressToken string  `json:"progressToken"`
	Progress      float64 `json:"progress"`
	Total         float64 `json:"total"`
}

// RequestSampling issues a sampling/createMessage request to the client
// (§4.7 "server -> client requests"): it mints an id, registers a
// pendingServerRequest, emits the request over the session's push
// transport, and blocks until the client's response/error arrives or ctx
// is cancelled. This is the concrete call site for the otherwise-unused
// pendingServerRequest bookkeeping, reachable from any tool handler via
// util.ServerRequesterFromContext.
func (s *Session) RequestSampling(ctx context.Context, params []byte) ([]byte, error) {
	return s.requestFromClient(ctx, "sampling/createMessage", mcp.CapSampling, params)
}

// RequestRoots issues a roots/list request to the client.
func (s *Session) RequestRoots(ctx context.Context) ([]byte, error) {
	return s.requestFromClient(ctx, "roots/list", mcp.CapRoots, nil)
}

func (s *Session) requestFromClient(ctx context.Context, method string, cap mcp.Capability, params []byte) ([]byte, error) {
	s.mu.Lock()
	hasCap := s.clientCaps.Has(cap)
	transport := s.transport
	s.mu.Unlock()
	if !hasCap {
		return nil, mcp.NewError(mcp.ErrKindMethodNotFound, fmt.Sprintf("client did not advertise capability %q", cap), nil)
	}
	if transport == nil {
		return nil, mcp.NewError(mcp.ErrKindInternal, "no push transport wired for this session", nil)
	}

	id := s.ids.Next()
	p := &pendingServerRequest{id: id, method: method, result: make(chan serverRequestResult, 1), created: time.Now()}
	key := id.String()
	s.mu.Lock()
	s.pendingServer[key] = p
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pendingServer, key)
		s.mu.Unlock()
	}()

	req := mcp.NewRequest(id, method, params)
	data, err := mcp.Encode(req)
	if err != nil {
		return nil, mcp.Wrap(mcp.ErrKindInternal, "encode server request", err)
	}
	if err := transport.Send(ctx, s.ID, data); err != nil {
		return nil, mcp.Wrap(mcp.ErrKindInternal, "send server request", err)
	}

	select {
	case res := <-p.result:
		return res.result, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// emitProgress sends notifications/progress over the session's push
// transport, if one is wired (STDIO always has one; Streamable-HTTP only
// once the caller has an open GET/SSE stream). A missing transport or
// unregistered token is a silent no-op: progress is best-effort per §4.7.
func (s *Session) emitProgress(ctx context.Context, token string, progress, total float64) {
	if token == "" || s.transport == nil {
		return
	}
	s.mu.Lock()
	_, ok := s.progressTokens[token]
	s.mu.Unlock()
	if !ok {
		return
	}
	params, err := wireJSON.Marshal(progressNotificationParams{ProgressToken: token, Progress: progress, Total: total})
	if err != nil {
		return
	}
	notif := mcp.NewNotification("notifications/progress", params)
	data, err := mcp.Encode(notif)
	if err != nil {
		return
	}
	_ = s.transport.Send(ctx, s.ID, data)
}
