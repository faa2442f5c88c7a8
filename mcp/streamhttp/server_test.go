package streamhttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/conduitmcp/conduit/mcp"
)

// fakeSessionManager is a minimal in-memory SessionManager: "initialize"
// mints sequential ids ("sess-1", "sess-2", ...), every other request
// method echoes a trivial result,
// and notifications produce no reply.
type fakeSessionManager struct {
	mu       sync.Mutex
	sessions map[string]bool
	nextID   int
}

func newFakeSessionManager() *fakeSessionManager {
	return &fakeSessionManager{sessions: make(map[string]bool)}
}

func (f *fakeSessionManager) EnsureSession(ctx context.Context, requested string, mint bool) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if requested != "" {
		return requested, f.sessions[requested]
	}
	if !mint {
		return "", false
	}
	f.nextID++
	id := "sess-" + string(rune('0'+f.nextID))
	f.sessions[id] = true
	return id, true
}

func (f *fakeSessionManager) HandleMessage(ctx context.Context, sessionID string, msg mcp.Message, auth *mcp.AuthContext) *mcp.Message {
	if msg.IsNotification() {
		return nil
	}
	result, _ := mcp.Encode(mcp.NewResponse(msg.ID, []byte(`{"ok":true}`)))
	_ = result
	m := mcp.NewResponse(msg.ID, []byte(`{"ok":true}`))
	return &m
}

func (f *fakeSessionManager) CloseSession(ctx context.Context, sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	ok := f.sessions[sessionID]
	delete(f.sessions, sessionID)
	return ok
}

func registerSession(f *fakeSessionManager, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[id] = true
}

func TestHandlePOSTRejectsMissingAcceptHeader(t *testing.T) {
	sm := newFakeSessionManager()
	s := NewServer("/mcp", sm, Config{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", rec.Code)
	}
}

func TestHandlePOSTInitializeMintsSessionAndReplies(t *testing.T) {
	sm := newFakeSessionManager()
	s := NewServer("/mcp", sm, Config{}, nil)

	initReq := mcp.NewRequest(mcp.NewIntID(1), "initialize", nil)
	data, _ := mcp.Encode(initReq)
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(string(data)))
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	sessionID := rec.Header().Get(SessionHeader)
	if sessionID == "" {
		t.Fatalf("expected a minted session id in the %s response header", SessionHeader)
	}
	msgs, err := mcp.Decode(rec.Body.Bytes())
	if err != nil || len(msgs) != 1 || !msgs[0].IsResponse() {
		t.Fatalf("got body %s, want a single response frame (err=%v)", rec.Body.String(), err)
	}
}

func TestHandlePOSTUnknownSessionIsRejected(t *testing.T) {
	sm := newFakeSessionManager()
	s := NewServer("/mcp", sm, Config{}, nil)

	req := mcp.NewRequest(mcp.NewIntID(1), "ping", nil)
	data, _ := mcp.Encode(req)
	httpReq := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(string(data)))
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(SessionHeader, "no-such-session")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httpReq)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400 for an unknown session", rec.Code)
	}
}

func TestHandlePOSTNotificationOnlyBatchIsAccepted(t *testing.T) {
	sm := newFakeSessionManager()
	registerSession(sm, "sess-known")
	s := NewServer("/mcp", sm, Config{}, nil)

	notif := mcp.NewNotification("notifications/initialized", nil)
	data, _ := mcp.Encode(notif)
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(string(data)))
	req.Header.Set("Accept", "application/json")
	req.Header.Set(SessionHeader, "sess-known")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("got status %d, want 202 Accepted for a notification-only batch", rec.Code)
	}
}

func TestHandleDELETEClosesSession(t *testing.T) {
	sm := newFakeSessionManager()
	registerSession(sm, "sess-to-close")
	s := NewServer("/mcp", sm, Config{}, nil)

	req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set(SessionHeader, "sess-to-close")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	sm.mu.Lock()
	_, stillThere := sm.sessions["sess-to-close"]
	sm.mu.Unlock()
	if stillThere {
		t.Fatalf("expected the session to be removed after DELETE")
	}
}

func TestHandleDELETEMissingHeaderIsRejected(t *testing.T) {
	sm := newFakeSessionManager()
	s := NewServer("/mcp", sm, Config{}, nil)
	req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", rec.Code)
	}
}

func TestHandleGETRequiresEventStreamAccept(t *testing.T) {
	sm := newFakeSessionManager()
	s := NewServer("/mcp", sm, Config{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotAcceptable {
		t.Fatalf("got status %d, want 406", rec.Code)
	}
}

func TestHandleGETStreamsEnqueuedMessage(t *testing.T) {
	sm := newFakeSessionManager()
	registerSession(sm, "sess-stream")
	s := NewServer("/mcp", sm, Config{SSEKeepalive: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/mcp", nil).WithContext(ctx)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(SessionHeader, "sess-stream")
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.ServeHTTP(rec, req)
		close(done)
	}()

	// Wait for the GET handler to register itself before pushing a frame,
	// otherwise Send's Enqueue would find no active stream yet.
	deadline := time.Now().Add(time.Second)
	for s.RegistrySize() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if err := s.Send(context.Background(), "sess-stream", []byte(`{"jsonrpc":"2.0","method":"notifications/progress"}`)); err != nil {
		t.Fatalf("send: %s", err)
	}

	deadline = time.Now().Add(time.Second)
	for !strings.Contains(rec.Body.String(), "notifications/progress") && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	<-done

	if !strings.Contains(rec.Body.String(), "event: message") {
		t.Fatalf("got body %q, want an SSE message block", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "id: 1") {
		t.Fatalf("got body %q, want the first event tagged id: 1", rec.Body.String())
	}
}

func TestSendWithNoActiveStreamFails(t *testing.T) {
	sm := newFakeSessionManager()
	s := NewServer("/mcp", sm, Config{}, nil)
	if err := s.Send(context.Background(), "no-stream", []byte(`{}`)); err == nil {
		t.Fatalf("expected an error when no SSE stream is registered for the session")
	}
}

func TestRegistryRegisterSupersedesPreviousStream(t *testing.T) {
	r := NewRegistry()
	first := r.Register("s1")
	second := r.Register("s1")

	select {
	case <-first.done:
	default:
		t.Fatalf("expected registering a second stream for the same session to close the first")
	}
	if r.Get("s1") != second {
		t.Fatalf("expected Get to return the superseding stream")
	}
}

func TestRegistryEnqueueFalseWhenNoStream(t *testing.T) {
	r := NewRegistry()
	if r.Enqueue("missing", []byte("x")) {
		t.Fatalf("expected Enqueue to fail for a session with no registered stream")
	}
}

func TestRegistryUnregisterOnlyRemovesMatchingStream(t *testing.T) {
	r := NewRegistry()
	first := r.Register("s1")
	second := r.Register("s1")
	r.Unregister("s1", first)
	if r.Get("s1") != second {
		t.Fatalf("expected Unregister of a superseded stream to leave the current one in place")
	}
	r.Unregister("s1", second)
	if r.Get("s1") != nil {
		t.Fatalf("expected Unregister of the current stream to remove the entry")
	}
}
