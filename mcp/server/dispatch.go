package server

import (
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/conduitmcp/conduit/internal/log"
	"github.com/conduitmcp/conduit/internal/registry"
	"github.com/conduitmcp/conduit/internal/util"
	"github.com/conduitmcp/conduit/mcp"
)

var wireJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// dispatch handles one inbound message against a session's current state,
// implementing the lifecycle and method-dispatch table of §4.7. It runs
// inside the session's mailbox task, one message at a time, and takes
// s.mu around every read or write of the session's shared fields.
func (s *Session) dispatch(ctx context.Context, msg mcp.Message, auth *mcp.AuthContext) *mcp.Message {
	s.touch()
	if auth != nil {
		s.mu.Lock()
		s.auth = auth
		s.mu.Unlock()
	}

	state := s.State()

	switch state {
	case StateUninitialized:
		if msg.Method == "initialize" {
			return s.handleInitialize(ctx, msg)
		}
		if msg.IsRequest() {
			return errorReply(msg.ID, mcp.NewError(mcp.ErrKindInvalidRequest, "session not initialized", nil))
		}
		return nil

	case StateInitializing:
		if msg.IsNotification() && msg.Method == "notifications/initialized" {
			s.mu.Lock()
			s.state = StateReady
			s.mu.Unlock()
			s.persistUpdate(ctx, SessionState{"state": StateReady.String()})
			return nil
		}
		if msg.IsRequest() {
			return errorReply(msg.ID, mcp.NewError(mcp.ErrKindInvalidRequest, "session still initializing", nil))
		}
		return nil

	case StateReady:
		return s.handleReady(ctx, msg)

	default: // StateClosed
		if msg.IsRequest() {
			return errorReply(msg.ID, mcp.NewError(mcp.ErrKindInvalidRequest, "session closed", nil))
		}
		return nil
	}
}

type initializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	ClientInfo      mcp.Implementation `json:"clientInfo"`
	Capabilities    map[string]bool `json:"capabilities"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      mcp.Implementation `json:"serverInfo"`
	Capabilities    map[string]bool    `json:"capabilities"`
}

func (s *Session) handleInitialize(ctx context.Context, msg mcp.Message) *mcp.Message {
	var p initializeParams
	if err := wireJSON.Unmarshal(msg.Params, &p); err != nil {
		return errorReply(msg.ID, mcp.Wrap(mcp.ErrKindInvalidParams, "malformed initialize params", err))
	}

	negotiated, ok := mcp.NegotiateVersion(mcp.ProtocolVersion(p.ProtocolVersion), mcp.DefaultProtocolVersions)
	if !ok {
		return errorReply(msg.ID, mcp.NewError(mcp.ErrKindInvalidParams, fmt.Sprintf("unsupported protocol version %q", p.ProtocolVersion), nil))
	}

	clientCaps := make(mcp.CapabilitySet, len(p.Capabilities))
	for k, v := range p.Capabilities {
		if v {
			clientCaps[mcp.Capability(k)] = true
		}
	}

	s.mu.Lock()
	s.protocolVer = negotiated
	s.clientInfo = p.ClientInfo
	s.clientCaps = clientCaps
	s.state = StateInitializing
	serverCapMap := make(map[string]bool, len(s.serverCaps))
	for c := range s.serverCaps {
		serverCapMap[string(c)] = true
	}
	s.mu.Unlock()

	s.persistSave(ctx)

	result, _ := wireJSON.Marshal(initializeResult{
		ProtocolVersion: string(negotiated),
		ServerInfo:      mcp.Implementation{Name: "conduit", Version: string(negotiated)},
		Capabilities:    serverCapMap,
	})
	return okReply(msg.ID, result)
}

func (s *Session) handleReady(ctx context.Context, msg mcp.Message) *mcp.Message {
	if msg.IsNotification() {
		s.handleNotification(msg)
		return nil
	}
	if !msg.IsRequest() {
		if msg.IsResponse() || msg.IsError() {
			s.completePendingServerRequest(msg)
		}
		return nil
	}

	if cap, gated := mcp.RequiredCapability(msg.Method); gated {
		s.mu.Lock()
		has := s.serverCaps.Has(cap)
		s.mu.Unlock()
		if !has {
			return errorReply(msg.ID, mcp.NewError(mcp.ErrKindMethodNotFound, fmt.Sprintf("method %q not supported", msg.Method), nil))
		}
	}

	switch msg.Method {
	case "ping":
		result, _ := wireJSON.Marshal(map[string]any{})
		return okReply(msg.ID, result)
	case "tools/list":
		return s.listTools(msg)
	case "tools/call":
		return s.callTool(ctx, msg)
	case "prompts/list":
		return s.listPrompts(msg)
	case "prompts/get":
		return s.getPrompt(ctx, msg)
	case "resources/list":
		return s.listResources(msg)
	case "resources/read":
		return s.readResource(ctx, msg)
	case "resources/subscribe":
		return s.subscribeResource(ctx, msg)
	case "logging/setLevel":
		return s.setLogLevel(ctx, msg)
	case "completion/complete":
		result, _ := wireJSON.Marshal(map[string]any{"completion": map[string]any{"values": []string{}}})
		return okReply(msg.ID, result)
	default:
		return errorReply(msg.ID, mcp.NewError(mcp.ErrKindMethodNotFound, fmt.Sprintf("unknown method %q", msg.Method), nil))
	}
}

type cancelledParams struct {
	RequestID mcp.ID `json:"requestId"`
	Reason    string `json:"reason"`
}

func (s *Session) handleNotification(msg mcp.Message) {
	switch msg.Method {
	case "notifications/cancelled":
		var cp cancelledParams
		if err := wireJSON.Unmarshal(msg.Params, &cp); err != nil {
			return
		}
		s.cancelRequest(cp.RequestID)
	}
}

type toolCallMeta struct {
	ProgressToken string `json:"progressToken"`
}

type toolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Meta      toolCallMeta   `json:"_meta"`
}

func (s *Session) callTool(ctx context.Context, msg mcp.Message) *mcp.Message {
	var p toolCallParams
	if err := wireJSON.Unmarshal(msg.Params, &p); err != nil {
		return errorReply(msg.ID, mcp.Wrap(mcp.ErrKindInvalidParams, "malformed tools/call params", err))
	}
	tool, ok := s.catalogue.Tool(p.Name)
	if !ok {
		return errorReply(msg.ID, mcp.NewError(mcp.ErrKindExecution, fmt.Sprintf("unknown tool %q", p.Name), nil))
	}

	s.mu.Lock()
	auth := s.auth
	s.mu.Unlock()
	var granted []string
	if auth != nil {
		granted = auth.Scopes
	}
	if !registry.IsAuthorized(tool.RequiredScopes(), granted) {
		return errorReply(msg.ID, mcp.NewError(mcp.ErrKindUnauthorized, fmt.Sprintf("missing scope for tool %q", p.Name), nil))
	}

	if full, ok := s.logger.(log.Logger); ok {
		ctx = util.WithLogger(ctx, full)
	}
	ctx = util.WithServerRequester(ctx, s)

	callCtx, endCall := s.beginCall(ctx, msg.ID)
	defer endCall()

	token := p.Meta.ProgressToken
	s.registerProgressToken(token, msg.ID)
	defer s.unregisterProgressToken(token)
	var report registry.ProgressFunc
	if token != "" {
		report = func(progress, total float64) { s.emitProgress(callCtx, token, progress, total) }
	}

	out, err := tool.Invoke(callCtx, p.Arguments, report)

	// §8.3: a request cancelled while it ran must produce no reply at all,
	// win or lose, instead of racing the cancellation with the result.
	if s.consumeCancelled(msg.ID) {
		return nil
	}

	if err != nil {
		return errorReply(msg.ID, mcp.Wrap(mcp.ErrKindExecution, err.Error(), err))
	}
	if schema := tool.OutputSchema(); schema != nil {
		if _, ok := out.(map[string]any); !ok {
			return errorReply(msg.ID, mcp.NewError(mcp.ErrKindExecution, "tool output did not match declared output schema", map[string]any{
				"tool_name": p.Name,
				"errors":    []string{"structured content missing"},
			}))
		}
	}
	result, _ := wireJSON.Marshal(map[string]any{"content": out})
	return okReply(msg.ID, result)
}

func (s *Session) listTools(msg mcp.Message) *mcp.Message {
	tools := s.catalogue.ListTools()
	page, next := paginate(len(tools), msg.Params, s.catalogue.Version(), s.pageSize)
	items := make([]map[string]any, 0, len(page))
	for _, i := range page {
		t := tools[i]
		items = append(items, map[string]any{
			"name":        t.Name(),
			"description": t.Description(),
			"inputSchema": t.InputSchema(),
		})
	}
	body := map[string]any{"tools": items}
	if next != "" {
		body["nextCursor"] = next
	}
	result, _ := wireJSON.Marshal(body)
	return okReply(msg.ID, result)
}

func (s *Session) listPrompts(msg mcp.Message) *mcp.Message {
	prompts := s.catalogue.ListPrompts()
	page, next := paginate(len(prompts), msg.Params, s.catalogue.Version(), s.pageSize)
	items := make([]map[string]any, 0, len(page))
	for _, i := range page {
		p := prompts[i]
		items = append(items, map[string]any{"name": p.Name(), "description": p.Description()})
	}
	body := map[string]any{"prompts": items}
	if next != "" {
		body["nextCursor"] = next
	}
	result, _ := wireJSON.Marshal(body)
	return okReply(msg.ID, result)
}

type promptGetParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments"`
}

func (s *Session) getPrompt(ctx context.Context, msg mcp.Message) *mcp.Message {
	var p promptGetParams
	if err := wireJSON.Unmarshal(msg.Params, &p); err != nil {
		return errorReply(msg.ID, mcp.Wrap(mcp.ErrKindInvalidParams, "malformed prompts/get params", err))
	}
	prompt, ok := s.catalogue.Prompt(p.Name)
	if !ok {
		return errorReply(msg.ID, mcp.NewError(mcp.ErrKindExecution, fmt.Sprintf("unknown prompt %q", p.Name), nil))
	}
	messages, err := prompt.Render(ctx, p.Arguments)
	if err != nil {
		return errorReply(msg.ID, mcp.Wrap(mcp.ErrKindExecution, err.Error(), err))
	}
	result, _ := wireJSON.Marshal(map[string]any{"messages": messages})
	return okReply(msg.ID, result)
}

func (s *Session) listResources(msg mcp.Message) *mcp.Message {
	resources := s.catalogue.ListResources()
	page, next := paginate(len(resources), msg.Params, s.catalogue.Version(), s.pageSize)
	items := make([]map[string]any, 0, len(page))
	for _, i := range page {
		r := resources[i]
		items = append(items, map[string]any{
			"uri":      r.URI(),
			"name":     r.Name(),
			"mimeType": r.MimeType(),
		})
	}
	body := map[string]any{"resources": items}
	if next != "" {
		body["nextCursor"] = next
	}
	result, _ := wireJSON.Marshal(body)
	return okReply(msg.ID, result)
}

type resourceReadParams struct {
	URI string `json:"uri"`
}

func (s *Session) readResource(ctx context.Context, msg mcp.Message) *mcp.Message {
	var p resourceReadParams
	if err := wireJSON.Unmarshal(msg.Params, &p); err != nil {
		return errorReply(msg.ID, mcp.Wrap(mcp.ErrKindInvalidParams, "malformed resources/read params", err))
	}
	res, ok := s.catalogue.Resource(p.URI)
	if !ok {
		return errorReply(msg.ID, mcp.NewError(mcp.ErrKindResource, fmt.Sprintf("unknown resource %q", p.URI), nil))
	}
	data, err := res.Read(ctx)
	if err != nil {
		return errorReply(msg.ID, mcp.Wrap(mcp.ErrKindResource, err.Error(), err))
	}
	result, _ := wireJSON.Marshal(map[string]any{
		"contents": []map[string]any{{"uri": p.URI, "mimeType": res.MimeType(), "text": string(data)}},
	})
	return okReply(msg.ID, result)
}

func (s *Session) subscribeResource(ctx context.Context, msg mcp.Message) *mcp.Message {
	var p resourceReadParams
	if err := wireJSON.Unmarshal(msg.Params, &p); err != nil {
		return errorReply(msg.ID, mcp.Wrap(mcp.ErrKindInvalidParams, "malformed resources/subscribe params", err))
	}
	res, ok := s.catalogue.Resource(p.URI)
	if !ok || !res.Subscribable() {
		return errorReply(msg.ID, mcp.NewError(mcp.ErrKindResource, fmt.Sprintf("resource %q is not subscribable", p.URI), nil))
	}
	s.mu.Lock()
	s.subscriptions[p.URI] = struct{}{}
	subs := make([]string, 0, len(s.subscriptions))
	for uri := range s.subscriptions {
		subs = append(subs, uri)
	}
	s.mu.Unlock()
	s.persistUpdate(ctx, SessionState{"subscriptions": subs})
	if owner, ok := res.(registry.Notifier); ok {
		owner.OnChange(s.notifyResourceUpdated(p.URI))
	}
	result, _ := wireJSON.Marshal(map[string]any{})
	return okReply(msg.ID, result)
}

// notifyResourceUpdated returns a callback a subscribable resource can
// invoke whenever its content changes, emitting the live (non-persisted)
// notifications/resources/updated row of §4.7's dispatch table. It is a
// no-op when the session has no push transport or has since closed.
func (s *Session) notifyResourceUpdated(uri string) func() {
	return func() {
		if s.transport == nil || s.State() == StateClosed {
			return
		}
		s.mu.Lock()
		_, subscribed := s.subscriptions[uri]
		s.mu.Unlock()
		if !subscribed {
			return
		}
		params, err := wireJSON.Marshal(map[string]any{"uri": uri})
		if err != nil {
			return
		}
		notif := mcp.NewNotification("notifications/resources/updated", params)
		data, err := mcp.Encode(notif)
		if err != nil {
			return
		}
		_ = s.transport.Send(context.Background(), s.ID, data)
	}
}

type setLevelParams struct {
	Level string `json:"level"`
}

func (s *Session) setLogLevel(ctx context.Context, msg mcp.Message) *mcp.Message {
	var p setLevelParams
	if err := wireJSON.Unmarshal(msg.Params, &p); err != nil {
		return errorReply(msg.ID, mcp.Wrap(mcp.ErrKindInvalidParams, "malformed logging/setLevel params", err))
	}
	s.mu.Lock()
	s.logLevel = p.Level
	s.mu.Unlock()
	s.persistUpdate(ctx, SessionState{"logLevel": p.Level})
	result, _ := wireJSON.Marshal(map[string]any{})
	return okReply(msg.ID, result)
}

func (s *Session) completePendingServerRequest(msg mcp.Message) {
	s.mu.Lock()
	p, ok := s.pendingServer[msg.ID.String()]
	if ok {
		delete(s.pendingServer, msg.ID.String())
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if msg.IsError() {
		p.result <- serverRequestResult{err: mcp.FromWireError(msg.Error)}
		return
	}
	p.result <- serverRequestResult{result: msg.Result}
}

func okReply(id mcp.ID, result []byte) *mcp.Message {
	m := mcp.NewResponse(id, result)
	return &m
}

func errorReply(id mcp.ID, merr *mcp.Error) *mcp.Message {
	m := mcp.NewErrorMessage(id, merr.ToWireError())
	return &m
}
