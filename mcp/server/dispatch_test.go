package server

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/conduitmcp/conduit/internal/registry"
	"github.com/conduitmcp/conduit/mcp"
)

// capturingTransport is an in-process mcp.Transport that records every
// frame a session pushes to it (progress notifications, resource-updated
// notifications, server-initiated requests), instead of writing to a wire.
type capturingTransport struct {
	mu   sync.Mutex
	sent []mcp.Message
}

func (c *capturingTransport) Send(ctx context.Context, sessionID string, data []byte) error {
	msgs, err := mcp.Decode(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, msgs...)
	c.mu.Unlock()
	return nil
}

func (c *capturingTransport) Shutdown(ctx context.Context) error { return nil }
func (c *capturingTransport) SetSink(mcp.Sink)                   {}

func (c *capturingTransport) notifications(method string) []mcp.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []mcp.Message
	for _, m := range c.sent {
		if m.IsNotification() && m.Method == method {
			out = append(out, m)
		}
	}
	return out
}

type echoTool struct{}

func (echoTool) Name() string                 { return "echo" }
func (echoTool) Description() string          { return "echoes its input" }
func (echoTool) InputSchema() map[string]any  { return nil }
func (echoTool) OutputSchema() map[string]any { return nil }
func (echoTool) RequiredScopes() []string     { return nil }
func (echoTool) Invoke(ctx context.Context, args map[string]any, report registry.ProgressFunc) (any, error) {
	if report != nil {
		report(1, 2)
	}
	return args, nil
}

type blockingTool struct{}

func (blockingTool) Name() string                 { return "blocker" }
func (blockingTool) Description() string          { return "blocks until cancelled" }
func (blockingTool) InputSchema() map[string]any  { return nil }
func (blockingTool) OutputSchema() map[string]any { return nil }
func (blockingTool) RequiredScopes() []string     { return nil }
func (blockingTool) Invoke(ctx context.Context, args map[string]any, report registry.ProgressFunc) (any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type fakePrompt struct{}

func (fakePrompt) Name() string                 { return "greeting" }
func (fakePrompt) Description() string          { return "" }
func (fakePrompt) Arguments() []registry.PromptArgument { return nil }
func (fakePrompt) Render(ctx context.Context, args map[string]string) ([]registry.PromptMessage, error) {
	return []registry.PromptMessage{{Role: "user", Content: "hello " + args["name"]}}, nil
}

type notifyingResource struct {
	uri       string
	body      string
	mu        sync.Mutex
	callbacks []func()
}

func (r *notifyingResource) URI() string         { return r.uri }
func (r *notifyingResource) Name() string        { return r.uri }
func (r *notifyingResource) Description() string { return "" }
func (r *notifyingResource) MimeType() string    { return "text/plain" }
func (r *notifyingResource) Subscribable() bool  { return true }
func (r *notifyingResource) Read(ctx context.Context) ([]byte, error) {
	return []byte(r.body), nil
}
func (r *notifyingResource) OnChange(cb func()) {
	r.mu.Lock()
	r.callbacks = append(r.callbacks, cb)
	r.mu.Unlock()
}
func (r *notifyingResource) change() {
	r.mu.Lock()
	cbs := append([]func(){}, r.callbacks...)
	r.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

var _ registry.Notifier = (*notifyingResource)(nil)

func newReadySession(t *testing.T, catalogue *registry.Catalogue) (*Session, *capturingTransport) {
	t.Helper()
	tr := &capturingTransport{}
	s := newSession("ready-sess", tr, catalogue, mcp.CapabilitySet{
		mcp.CapTools: true, mcp.CapPrompts: true, mcp.CapResources: true,
		mcp.CapResourcesSubscribe: true, mcp.CapLogging: true,
	}, nopLogger{}, 0, 0, nil, 0)
	t.Cleanup(s.Close)

	initParams, _ := json.Marshal(map[string]any{
		"protocolVersion": string(mcp.DefaultProtocolVersions[0]),
		"capabilities":    map[string]bool{},
		"clientInfo":      map[string]string{"name": "test", "version": "1.0"},
	})
	reply := s.dispatch(context.Background(), mcp.NewRequest(mcp.NewIntID(1), "initialize", initParams), nil)
	if reply == nil || reply.IsError() {
		t.Fatalf("initialize failed: %+v", reply)
	}
	if s.State() != StateInitializing {
		t.Fatalf("got state %v after initialize, want initializing", s.State())
	}
	if r := s.dispatch(context.Background(), mcp.NewNotification("notifications/initialized", nil), nil); r != nil {
		t.Fatalf("expected no reply to notifications/initialized, got %+v", r)
	}
	if s.State() != StateReady {
		t.Fatalf("got state %v after initialized, want ready", s.State())
	}
	return s, tr
}

func TestDispatchInitializeHandshake(t *testing.T) {
	newReadySession(t, registry.NewCatalogue())
}

func TestDispatchRequestBeforeInitializeIsRejected(t *testing.T) {
	s := newSession("uninit", nil, registry.NewCatalogue(), mcp.CapabilitySet{}, nopLogger{}, 0, 0, nil, 0)
	defer s.Close()
	reply := s.dispatch(context.Background(), mcp.NewRequest(mcp.NewIntID(1), "tools/list", nil), nil)
	if reply == nil || !reply.IsError() {
		t.Fatalf("got %+v, want an error reply before initialize", reply)
	}
}

func TestDispatchToolCallRoundTrip(t *testing.T) {
	cat := registry.NewCatalogue()
	cat.RegisterTool(echoTool{})
	s, _ := newReadySession(t, cat)

	params, _ := json.Marshal(map[string]any{"name": "echo", "arguments": map[string]any{"x": 1.0}})
	reply := s.dispatch(context.Background(), mcp.NewRequest(mcp.NewIntID(2), "tools/call", params), nil)
	if reply == nil || reply.IsError() {
		t.Fatalf("got %+v, want a successful tools/call reply", reply)
	}
}

func TestDispatchToolCallEmitsProgressExactlyOnce(t *testing.T) {
	cat := registry.NewCatalogue()
	cat.RegisterTool(echoTool{})
	s, tr := newReadySession(t, cat)

	params, _ := json.Marshal(map[string]any{
		"name":      "echo",
		"arguments": map[string]any{},
		"_meta":     map[string]any{"progressToken": "tok-1"},
	})
	reply := s.dispatch(context.Background(), mcp.NewRequest(mcp.NewIntID(3), "tools/call", params), nil)
	if reply == nil || reply.IsError() {
		t.Fatalf("got %+v, want success", reply)
	}
	progress := tr.notifications("notifications/progress")
	if len(progress) != 1 {
		t.Fatalf("got %d progress notifications, want exactly 1", len(progress))
	}
}

func TestDispatchCancelledToolCallProducesNoReply(t *testing.T) {
	cat := registry.NewCatalogue()
	cat.RegisterTool(blockingTool{})
	s, _ := newReadySession(t, cat)

	params, _ := json.Marshal(map[string]any{"name": "blocker", "arguments": map[string]any{}})
	req := mcp.NewRequest(mcp.NewIntID(4), "tools/call", params)

	replyCh := make(chan *mcp.Message, 1)
	go func() { replyCh <- s.dispatch(context.Background(), req, nil) }()

	// Give callTool a moment to register the call as in-flight before
	// cancelling, mirroring how the supervisor's cancellation fast-path
	// races a live tools/call in production.
	time.Sleep(20 * time.Millisecond)
	s.cancelRequest(req.ID)

	select {
	case reply := <-replyCh:
		if reply != nil {
			t.Fatalf("got %+v, want no reply for a cancelled call", reply)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("dispatch did not return after cancellation")
	}
}

func TestDispatchPromptsGet(t *testing.T) {
	cat := registry.NewCatalogue()
	cat.RegisterPrompt(fakePrompt{})
	s, _ := newReadySession(t, cat)

	params, _ := json.Marshal(map[string]any{"name": "greeting", "arguments": map[string]string{"name": "world"}})
	reply := s.dispatch(context.Background(), mcp.NewRequest(mcp.NewIntID(5), "prompts/get", params), nil)
	if reply == nil || reply.IsError() {
		t.Fatalf("got %+v, want success", reply)
	}
}

func TestDispatchResourcesReadUnknownURI(t *testing.T) {
	s, _ := newReadySession(t, registry.NewCatalogue())
	params, _ := json.Marshal(map[string]any{"uri": "file:///missing"})
	reply := s.dispatch(context.Background(), mcp.NewRequest(mcp.NewIntID(6), "resources/read", params), nil)
	if reply == nil || !reply.IsError() {
		t.Fatalf("got %+v, want an error for an unknown resource", reply)
	}
}

func TestDispatchResourcesSubscribeDeliversLiveUpdate(t *testing.T) {
	cat := registry.NewCatalogue()
	res := &notifyingResource{uri: "file:///a", body: "v1"}
	cat.RegisterResource(res)
	s, tr := newReadySession(t, cat)

	params, _ := json.Marshal(map[string]any{"uri": "file:///a"})
	reply := s.dispatch(context.Background(), mcp.NewRequest(mcp.NewIntID(7), "resources/subscribe", params), nil)
	if reply == nil || reply.IsError() {
		t.Fatalf("got %+v, want success", reply)
	}

	s.mu.Lock()
	_, subscribed := s.subscriptions["file:///a"]
	s.mu.Unlock()
	if !subscribed {
		t.Fatalf("expected the session to record the subscription")
	}

	res.change()
	updates := tr.notifications("notifications/resources/updated")
	if len(updates) != 1 {
		t.Fatalf("got %d resources/updated notifications, want 1", len(updates))
	}
}

func TestDispatchUnknownMethodIsMethodNotFound(t *testing.T) {
	s, _ := newReadySession(t, registry.NewCatalogue())
	reply := s.dispatch(context.Background(), mcp.NewRequest(mcp.NewIntID(8), "nonexistent/method", nil), nil)
	if reply == nil || !reply.IsError() {
		t.Fatalf("got %+v, want an error", reply)
	}
	if merr := mcp.FromWireError(reply.Error); merr.Kind != mcp.ErrKindMethodNotFound {
		t.Fatalf("got error kind %v, want MethodNotFound", merr.Kind)
	}
}

func TestDispatchClosedSessionRejectsRequests(t *testing.T) {
	s, _ := newReadySession(t, registry.NewCatalogue())
	s.Close()
	reply := s.dispatch(context.Background(), mcp.NewRequest(mcp.NewIntID(9), "tools/list", nil), nil)
	if reply == nil || !reply.IsError() {
		t.Fatalf("got %+v, want an error reply once closed", reply)
	}
}
