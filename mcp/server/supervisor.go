package server

import (
	"context"
	"sync"
	"time"

	"github.com/conduitmcp/conduit/internal/registry"
	"github.com/conduitmcp/conduit/mcp"
)

// Supervisor is the C11 session supervisor & registry: a dynamic set of
// session actors, name-resolved by session id, with startup restore and
// an inactivity eviction sweeper. It also implements the streamhttp
// SessionManager interface so the Streamable-HTTP transport can drive it
// directly.
type Supervisor struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	transport  mcp.Transport
	catalogue  *registry.Catalogue
	serverCaps mcp.CapabilitySet
	logger     sessionLogger

	persistence Persistence
	sessionTTL  time.Duration

	mailboxSize int // BackpressureHighWaterMark, threaded into each session's mailbox
	pageSize    int // PaginationDefaultLimit, threaded into each session's list handlers

	sweeperStop chan struct{}
}

// Config configures a Supervisor.
type Config struct {
	ServerCapabilities mcp.CapabilitySet
	SessionTTL         time.Duration
	SweepInterval      time.Duration
	Persistence        Persistence

	// BackpressureHighWaterMark bounds each session's mailbox depth (§5's
	// "a configurable high-water mark"); non-positive falls back to 256.
	BackpressureHighWaterMark int
	// PaginationDefaultLimit bounds each listing page's size (§6);
	// non-positive falls back to defaultPageSize.
	PaginationDefaultLimit int
}

// NewSupervisor builds a supervisor bound to one transport and catalogue.
// If cfg.Persistence is non-nil, Start attempts a best-effort restore of
// previously persisted session ids.
func NewSupervisor(transport mcp.Transport, catalogue *registry.Catalogue, logger sessionLogger, cfg Config) *Supervisor {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 30 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	sup := &Supervisor{
		sessions:    make(map[string]*Session),
		transport:   transport,
		catalogue:   catalogue,
		serverCaps:  cfg.ServerCapabilities,
		logger:      logger,
		persistence: cfg.Persistence,
		sessionTTL:  cfg.SessionTTL,
		mailboxSize: cfg.BackpressureHighWaterMark,
		pageSize:    cfg.PaginationDefaultLimit,
		sweeperStop: make(chan struct{}),
	}
	go sup.sweep(cfg.SweepInterval)
	return sup
}

// SetTransport installs the transport newly created sessions will use to
// push server-initiated frames (progress notifications, sampling/roots
// requests). Call it before Start so a persistence-restored session also
// gets a working push path, not just sessions minted after the call.
func (sup *Supervisor) SetTransport(t mcp.Transport) {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	sup.transport = t
}

// Start performs the best-effort persistence restore of §4.8: a restore
// failure logs a warning and continues rather than failing startup. Each
// restored session actor is recreated in StateUninitialized with its
// saved snapshot (log level, subscriptions) applied, rather than only a
// bare id.
func (sup *Supervisor) Start(ctx context.Context) {
	if sup.persistence == nil {
		return
	}
	ids, err := sup.persistence.ListActive(ctx, ActiveFilter{})
	if err != nil {
		if sup.logger != nil {
			sup.logger.WarnContext(ctx, "session restore failed", "error", err)
		}
		return
	}
	for _, id := range ids {
		state, err := sup.persistence.Load(ctx, id)
		if err != nil {
			if sup.logger != nil {
				sup.logger.WarnContext(ctx, "session snapshot load failed", "session_id", id, "error", err)
			}
			continue
		}
		s := sup.getOrCreate(id)
		s.applySnapshot(state)
	}
}

// EnsureSession implements streamhttp.SessionManager: resolves an
// existing session by requested id, or mints a fresh one when requested
// is empty and mint is true (the initialize-with-no-session-id case).
func (sup *Supervisor) EnsureSession(ctx context.Context, requested string, mint bool) (string, bool) {
	if requested != "" {
		sup.mu.RLock()
		_, ok := sup.sessions[requested]
		sup.mu.RUnlock()
		if ok {
			return requested, true
		}
		if !mint {
			return "", false
		}
	}
	if !mint {
		return "", false
	}
	id := mcp.GenerateSessionID()
	s := sup.getOrCreate(id)
	if sup.persistence != nil {
		if err := sup.persistence.Save(ctx, id, s.Snapshot()); err != nil && sup.logger != nil {
			sup.logger.WarnContext(ctx, "session persistence save failed", "session_id", id, "error", err)
		}
	}
	return id, true
}

func (sup *Supervisor) getOrCreate(id string) *Session {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	if s, ok := sup.sessions[id]; ok {
		return s
	}
	s := newSession(id, sup.transport, sup.catalogue, sup.serverCaps, sup.logger, sup.mailboxSize, sup.pageSize, sup.persistence, sup.sessionTTL)
	sup.sessions[id] = s
	return s
}

// HandleMessage implements streamhttp.SessionManager: submits msg onto
// the named session's mailbox and waits for its reply (if any). A
// saturated mailbox or unknown session yields an error reply for
// requests, and silence for notifications.
func (sup *Supervisor) HandleMessage(ctx context.Context, sessionID string, msg mcp.Message, auth *mcp.AuthContext) *mcp.Message {
	sup.mu.RLock()
	s, ok := sup.sessions[sessionID]
	sup.mu.RUnlock()
	if !ok {
		if msg.IsRequest() {
			return errorReply(msg.ID, mcp.NewError(mcp.ErrKindInvalidRequest, "unknown session", nil))
		}
		return nil
	}

	// notifications/cancelled bypasses the mailbox entirely: a long-running
	// tools/call occupies the session's single serialised worker for its
	// whole duration, so routing cancellation through the same queue would
	// leave it stuck behind the very call it's meant to interrupt. cancelRequest
	// only touches its own mutex-guarded bookkeeping, so calling it directly
	// here is safe concurrently with whatever the mailbox goroutine is doing.
	if msg.IsNotification() && msg.Method == "notifications/cancelled" {
		var cp cancelledParams
		if err := wireJSON.Unmarshal(msg.Params, &cp); err == nil {
			s.cancelRequest(cp.RequestID)
		}
		return nil
	}

	replyCh := make(chan *mcp.Message, 1)
	submitted := s.Submit(func() {
		replyCh <- s.dispatch(ctx, msg, auth)
	})
	if !submitted {
		if msg.IsRequest() {
			return errorReply(msg.ID, mcp.NewError(mcp.ErrKindInternal, "session mailbox saturated", nil))
		}
		return nil
	}

	select {
	case reply := <-replyCh:
		return reply
	case <-ctx.Done():
		if msg.IsRequest() {
			return errorReply(msg.ID, mcp.NewError(mcp.ErrKindInternal, "dispatch timed out", nil))
		}
		return nil
	}
}

// CloseSession implements streamhttp.SessionManager: tears down the named
// session, persisting its removal if a persistence port is configured.
func (sup *Supervisor) CloseSession(ctx context.Context, sessionID string) bool {
	sup.mu.Lock()
	s, ok := sup.sessions[sessionID]
	if ok {
		delete(sup.sessions, sessionID)
	}
	sup.mu.Unlock()
	if !ok {
		return false
	}
	s.Close()
	if sup.persistence != nil {
		_ = sup.persistence.Delete(ctx, sessionID)
	}
	return true
}

// Shutdown stops the eviction sweeper and closes every active session.
func (sup *Supervisor) Shutdown() {
	close(sup.sweeperStop)
	sup.mu.Lock()
	defer sup.mu.Unlock()
	for id, s := range sup.sessions {
		s.Close()
		delete(sup.sessions, id)
	}
}

func (sup *Supervisor) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-sup.sweeperStop:
			return
		case <-ticker.C:
			sup.evictStale()
		}
	}
}

func (sup *Supervisor) evictStale() {
	cutoff := time.Now().Add(-sup.sessionTTL)
	var stale, active []string
	sup.mu.RLock()
	for id, s := range sup.sessions {
		if s.LastActivity().Before(cutoff) {
			stale = append(stale, id)
		} else {
			active = append(active, id)
		}
	}
	sup.mu.RUnlock()
	for _, id := range stale {
		sup.CloseSession(context.Background(), id)
	}
	if sup.persistence == nil {
		return
	}
	ctx := context.Background()
	for _, id := range active {
		if err := sup.persistence.UpdateTTL(ctx, id, sup.sessionTTL); err != nil && sup.logger != nil {
			sup.logger.WarnContext(ctx, "session ttl refresh failed", "session_id", id, "error", err)
		}
	}
	n, err := sup.persistence.CleanupExpired(ctx)
	if err != nil {
		if sup.logger != nil {
			sup.logger.WarnContext(ctx, "session snapshot cleanup failed", "error", err)
		}
		return
	}
	if n > 0 && sup.logger != nil {
		sup.logger.InfoContext(ctx, "cleaned up expired session snapshots", "count", n)
	}
}

// Size reports the number of active sessions, the right-hand side of the
// invariant registry.size <= sessions.size noted in §3.
func (sup *Supervisor) Size() int {
	sup.mu.RLock()
	defer sup.mu.RUnlock()
	return len(sup.sessions)
}

var _ interface {
	EnsureSession(ctx context.Context, requested string, mint bool) (string, bool)
	HandleMessage(ctx context.Context, sessionID string, msg mcp.Message, auth *mcp.AuthContext) *mcp.Message
	CloseSession(ctx context.Context, sessionID string) bool
} = (*Supervisor)(nil)
