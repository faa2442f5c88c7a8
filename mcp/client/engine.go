// Package client implements the C8 client protocol engine: the
// request/response pipeline with a pending-table, timers, cancellation,
// progress callbacks, and capability gating, on top of any conduit/mcp
// Transport.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/conduitmcp/conduit/mcp"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

func jsonMarshal(v any) ([]byte, error)        { return jsonAPI.Marshal(v) }
func jsonUnmarshal(data []byte, v any) error   { return jsonAPI.Unmarshal(data, v) }

// pending mirrors the Pending record of §3: at most one entry per id,
// removed on matching response, matching error, timeout, or cancel.
type pending struct {
	id        mcp.ID
	method    string
	startedAt time.Time
	result    chan pendingResult
}

type pendingResult struct {
	result []byte
	err    error
}

// CallOpts configures a single Call.
type CallOpts struct {
	Timeout time.Duration
	// ProgressToken, if non-empty, must match a "progressToken" field the
	// caller embedded in params' _meta; ProgressCb then receives every
	// notifications/progress update carrying that token until the call
	// resolves.
	ProgressToken string
	ProgressCb    func(progress, total float64)
	// Cancel, if non-nil, is observed alongside Timeout: closing it (or its
	// ctx.Done firing) triggers the same local-cancel path as a timeout,
	// with reason "cancelled" instead of "timeout".
	Cancel <-chan struct{}
}

// LogCallback receives `notifications/message` payloads (level, data).
type LogCallback func(level string, data []byte)

// ServerRequestHandler answers a server-initiated request
// (`sampling/createMessage`, `roots/list`) if the corresponding capability
// was advertised by the client; otherwise the engine replies MethodNotFound
// without calling the handler.
type ServerRequestHandler func(ctx context.Context, method string, params []byte) (result []byte, err error)

// Engine is the C8 client protocol engine.
type Engine struct {
	transport mcp.Transport
	clientInfo mcp.Implementation
	advertised mcp.CapabilitySet
	ids        *mcp.IDGenerator

	defaultTimeout time.Duration

	mu               sync.Mutex
	pendingTable     map[string]*pending
	progressCbs      map[string]func(progress, total float64)
	initialized      bool
	negotiatedVer    mcp.ProtocolVersion
	serverCaps       mcp.CapabilitySet

	logCb      LogCallback
	serverReqs map[string]ServerRequestHandler
}

// New builds a client engine bound to transport, which must not yet have a
// Sink installed — the engine installs itself.
func New(transport mcp.Transport, clientInfo mcp.Implementation, advertised mcp.CapabilitySet) *Engine {
	e := &Engine{
		transport:      transport,
		clientInfo:     clientInfo,
		advertised:     advertised,
		ids:            mcp.NewIDGenerator(),
		defaultTimeout: 30 * time.Second,
		pendingTable:   make(map[string]*pending),
		progressCbs:    make(map[string]func(progress, total float64)),
		serverReqs:     make(map[string]ServerRequestHandler),
	}
	transport.SetSink(e)
	return e
}

// SetLogCallback installs the handler for `notifications/message`.
func (e *Engine) SetLogCallback(cb LogCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logCb = cb
}

// HandleServerRequest registers the handler for a server-initiated method,
// gated by the capability the client advertised for it.
func (e *Engine) HandleServerRequest(method string, h ServerRequestHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.serverReqs[method] = h
}

type initializeParams struct {
	ProtocolVersion string              `json:"protocolVersion"`
	Capabilities    map[string]bool     `json:"capabilities"`
	ClientInfo      mcp.Implementation  `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    map[string]bool    `json:"capabilities"`
	ServerInfo      mcp.Implementation `json:"serverInfo"`
}

// Initialize performs the handshake of §4.6: sends `initialize`, pins the
// negotiated version and server capabilities on success, then sends
// `notifications/initialized`.
func (e *Engine) Initialize(ctx context.Context) error {
	capMap := make(map[string]bool)
	for c := range e.advertised {
		capMap[string(c)] = true
	}

	var lastErr error
	for _, v := range mcp.DefaultProtocolVersions {
		params, _ := jsonMarshal(initializeParams{
			ProtocolVersion: string(v),
			Capabilities:    capMap,
			ClientInfo:      e.clientInfo,
		})
		result, err := e.call(ctx, "initialize", params, CallOpts{Timeout: e.defaultTimeout})
		if err != nil {
			lastErr = err
			continue
		}
		var ir initializeResult
		if err := jsonUnmarshal(result, &ir); err != nil {
			return mcp.Wrap(mcp.ErrKindInternal, "malformed initialize result", err)
		}
		negotiated, ok := mcp.NegotiateVersion(mcp.ProtocolVersion(ir.ProtocolVersion), mcp.DefaultProtocolVersions)
		if !ok {
			return mcp.NewError(mcp.ErrKindInvalidParams, fmt.Sprintf("server chose unsupported version %q", ir.ProtocolVersion), nil)
		}

		e.mu.Lock()
		e.negotiatedVer = negotiated
		caps := make(mcp.CapabilitySet, len(ir.Capabilities))
		for k, v := range ir.Capabilities {
			if v {
				caps[mcp.Capability(k)] = true
			}
		}
		e.serverCaps = caps
		e.initialized = true
		e.mu.Unlock()

		notif := mcp.NewNotification("notifications/initialized", nil)
		data, _ := mcp.Encode(notif)
		return e.transport.Send(ctx, "", data)
	}
	if lastErr == nil {
		lastErr = mcp.NewError(mcp.ErrKindInvalidParams, "no protocol version accepted by server", nil)
	}
	return lastErr
}

// Call issues method with params, blocking until a response, error, timeout
// or cancellation resolves it (§4.6 steps 1-6).
func (e *Engine) Call(ctx context.Context, method string, params []byte, opts CallOpts) ([]byte, error) {
	if method != "initialize" {
		e.mu.Lock()
		initialized := e.initialized
		serverCaps := e.serverCaps
		e.mu.Unlock()
		if !initialized {
			return nil, mcp.NewError(mcp.ErrKindInternal, "not_initialized", nil)
		}
		if cap, gated := mcp.RequiredCapability(method); gated && !serverCaps.Has(cap) {
			return nil, mcp.NewError(mcp.ErrKindMethodNotFound, fmt.Sprintf("capability %q not advertised by server", cap), nil)
		}
	}
	return e.call(ctx, method, params, opts)
}

func (e *Engine) call(ctx context.Context, method string, params []byte, opts CallOpts) ([]byte, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = e.defaultTimeout
	}
	id := e.ids.Next()

	p := &pending{
		id:        id,
		method:    method,
		startedAt: time.Now(),
		result:    make(chan pendingResult, 1),
	}

	e.mu.Lock()
	e.pendingTable[id.String()] = p
	e.mu.Unlock()

	defer e.removePending(id.String())

	if opts.ProgressToken != "" && opts.ProgressCb != nil {
		e.RegisterProgress(opts.ProgressToken, opts.ProgressCb)
		defer e.UnregisterProgress(opts.ProgressToken)
	}

	req := mcp.NewRequest(id, method, params)
	data, err := mcp.Encode(req)
	if err != nil {
		return nil, mcp.Wrap(mcp.ErrKindInternal, "encode request", err)
	}
	if err := e.transport.Send(ctx, "", data); err != nil {
		return nil, mcp.Wrap(mcp.ErrKindInternal, "send request", err)
	}

	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()

	var cancelCh <-chan struct{} = opts.Cancel
	if cancelCh == nil {
		cancelCh = make(chan struct{})
	}

	select {
	case res := <-p.result:
		return res.result, res.err
	case <-timer.C:
		e.sendCancelNotification(id, "timeout")
		return nil, mcp.ErrTimeout
	case <-cancelCh:
		e.sendCancelNotification(id, "cancelled")
		return nil, mcp.ErrCancelled
	case <-ctx.Done():
		e.sendCancelNotification(id, "cancelled")
		return nil, ctx.Err()
	}
}

// BatchItem is one element of a BatchCall request array.
type BatchItem struct {
	Method string
	Params []byte
}

// BatchResult is one element of a BatchCall's results, aligned by index
// with the BatchItem that produced it.
type BatchResult struct {
	Result []byte
	Err    error
}

// BatchCall sends items as a single JSON-RPC batch (§4.6): every inner
// Pending entry is created atomically under one lock acquisition before
// the batch is written to the transport, so a reply arriving for item 2
// can never race the registration of item 5's pending entry. The call
// blocks until every id has resolved or deadline fires, whichever comes
// first; any ids still outstanding at the deadline resolve with
// mcp.ErrTimeout and receive a best-effort notifications/cancelled.
func (e *Engine) BatchCall(ctx context.Context, items []BatchItem, deadline time.Duration) ([]BatchResult, error) {
	if len(items) == 0 {
		return nil, mcp.NewError(mcp.ErrKindInvalidParams, "batch must not be empty", nil)
	}
	if deadline <= 0 {
		deadline = e.defaultTimeout
	}

	type entry struct {
		id      mcp.ID
		pending *pending
	}
	entries := make([]entry, len(items))
	reqs := make([]mcp.Message, len(items))

	e.mu.Lock()
	for i, item := range items {
		id := e.ids.Next()
		p := &pending{
			id:        id,
			method:    item.Method,
			startedAt: time.Now(),
			result:    make(chan pendingResult, 1),
		}
		e.pendingTable[id.String()] = p
		entries[i] = entry{id: id, pending: p}
		reqs[i] = mcp.NewRequest(id, item.Method, item.Params)
	}
	e.mu.Unlock()

	defer func() {
		for _, en := range entries {
			e.removePending(en.id.String())
		}
	}()

	data, err := mcp.EncodeBatch(reqs)
	if err != nil {
		return nil, mcp.Wrap(mcp.ErrKindInternal, "encode batch", err)
	}
	if err := e.transport.Send(ctx, "", data); err != nil {
		return nil, mcp.Wrap(mcp.ErrKindInternal, "send batch", err)
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	results := make([]BatchResult, len(items))
	pendingCount := len(entries)
	done := make(chan struct{})

	// Fan-in goroutine per entry: each waits on its own pending.result so a
	// late reply for one id never blocks collection of the others.
	collected := make(chan struct {
		idx int
		res pendingResult
	}, len(entries))
	for i, en := range entries {
		go func(i int, p *pending) {
			select {
			case res := <-p.result:
				collected <- struct {
					idx int
					res pendingResult
				}{i, res}
			case <-done:
			}
		}(i, en.pending)
	}

	for pendingCount > 0 {
		select {
		case c := <-collected:
			results[c.idx] = BatchResult{Result: c.res.result, Err: c.res.err}
			pendingCount--
		case <-timer.C:
			for i, en := range entries {
				if results[i].Result == nil && results[i].Err == nil {
					results[i] = BatchResult{Err: mcp.ErrTimeout}
					e.sendCancelNotification(en.id, "timeout")
				}
			}
			close(done)
			return results, nil
		case <-ctx.Done():
			for i, en := range entries {
				if results[i].Result == nil && results[i].Err == nil {
					results[i] = BatchResult{Err: ctx.Err()}
					e.sendCancelNotification(en.id, "cancelled")
				}
			}
			close(done)
			return results, nil
		}
	}
	close(done)
	return results, nil
}

func (e *Engine) sendCancelNotification(id mcp.ID, reason string) {
	params, _ := jsonMarshal(map[string]any{"requestId": id, "reason": reason})
	notif := mcp.NewNotification("notifications/cancelled", params)
	data, err := mcp.Encode(notif)
	if err != nil {
		return
	}
	_ = e.transport.Send(context.Background(), "", data)
}

func (e *Engine) removePending(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pendingTable, key)
}

// Deliver implements mcp.Sink: inbound frames are correlated against the
// pending table or routed as notifications / server-initiated requests.
func (e *Engine) Deliver(in mcp.Inbound) {
	m := in.Message
	switch {
	case m.IsResponse(), m.IsError():
		e.completePending(m)
	case m.IsNotification():
		e.handleNotification(m)
	case m.IsRequest():
		e.handleServerRequest(m)
	}
}

func (e *Engine) completePending(m mcp.Message) {
	e.mu.Lock()
	p, ok := e.pendingTable[m.ID.String()]
	if ok {
		delete(e.pendingTable, m.ID.String())
	}
	e.mu.Unlock()
	if !ok {
		// Late reply after timeout/cancel already resolved the caller:
		// silently dropped per the boundary scenario in §8.
		return
	}
	if m.IsError() {
		p.result <- pendingResult{err: mcp.FromWireError(m.Error)}
		return
	}
	p.result <- pendingResult{result: m.Result}
}

type progressParams struct {
	ProgressToken string  `json:"progressToken"`
	Progress      float64 `json:"progress"`
	Total         float64 `json:"total"`
}

func (e *Engine) handleNotification(m mcp.Message) {
	switch m.Method {
	case "notifications/progress":
		var pp progressParams
		if err := jsonUnmarshal(m.Params, &pp); err != nil {
			return
		}
		e.mu.Lock()
		cb := e.progressCbs[pp.ProgressToken]
		e.mu.Unlock()
		if cb != nil {
			cb(pp.Progress, pp.Total)
		}
	case "notifications/message":
		e.mu.Lock()
		cb := e.logCb
		e.mu.Unlock()
		if cb != nil {
			var lp struct {
				Level string `json:"level"`
			}
			level := "info"
			if err := jsonUnmarshal(m.Params, &lp); err == nil && lp.Level != "" {
				level = lp.Level
			}
			cb(level, m.Params)
		}
	}
}

func (e *Engine) handleServerRequest(m mcp.Message) {
	e.mu.Lock()
	h, ok := e.serverReqs[m.Method]
	advertised := e.advertised
	e.mu.Unlock()

	cap, gated := mcp.RequiredCapability(m.Method)
	if !ok || (gated && !advertised.Has(cap)) {
		werr := mcp.NewError(mcp.ErrKindMethodNotFound, fmt.Sprintf("method %q not supported", m.Method), nil).ToWireError()
		data, _ := mcp.Encode(mcp.NewErrorMessage(m.ID, werr))
		_ = e.transport.Send(context.Background(), "", data)
		return
	}

	go func() {
		result, err := h(context.Background(), m.Method, m.Params)
		var reply mcp.Message
		if err != nil {
			var merr *mcp.Error
			if as, ok := err.(*mcp.Error); ok {
				merr = as
			} else {
				merr = mcp.Wrap(mcp.ErrKindExecution, err.Error(), err)
			}
			reply = mcp.NewErrorMessage(m.ID, merr.ToWireError())
		} else {
			reply = mcp.NewResponse(m.ID, result)
		}
		data, encErr := mcp.Encode(reply)
		if encErr != nil {
			return
		}
		_ = e.transport.Send(context.Background(), "", data)
	}()
}

// RegisterProgress installs a callback for an outgoing call's progress
// token, invoked in arrival order with no redelivery.
func (e *Engine) RegisterProgress(token string, cb func(progress, total float64)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.progressCbs[token] = cb
}

// UnregisterProgress removes a progress callback once the call completes.
func (e *Engine) UnregisterProgress(token string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.progressCbs, token)
}

var _ mcp.Sink = (*Engine)(nil)
