package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrSessionNotFound is returned by Load when sessionID has no persisted
// snapshot at all.
var ErrSessionNotFound = errors.New("persisted session not found")

// ErrSessionExpired is returned by Load when sessionID has a persisted
// snapshot whose TTL has lapsed; the row still exists until a
// CleanupExpired pass reclaims it.
var ErrSessionExpired = errors.New("persisted session expired")

// SessionState is the durable snapshot of one session, produced by
// Session.Snapshot and consumed by Session.applySnapshot on restore.
type SessionState map[string]any

// ActiveFilter narrows a ListActive query. The zero value matches every
// non-expired session; Since further restricts to sessions saved or
// updated at or after that time.
type ActiveFilter struct {
	Since time.Time
}

// Persistence is the C12 port: saving/loading/listing/expiring session
// snapshots across restarts. The core depends only on this interface;
// conduit ships one illustrative adapter (SQLitePersistence) and expects
// real deployments to bring their own (a KV store, an object store,
// whatever fits the cluster). Every operation must be idempotent with
// respect to absence: deleting or updating a sessionID that was never
// saved is not an error.
type Persistence interface {
	// Save upserts sessionID's full snapshot, resetting its TTL.
	Save(ctx context.Context, sessionID string, state SessionState) error
	// Load returns sessionID's snapshot, or ErrSessionNotFound /
	// ErrSessionExpired.
	Load(ctx context.Context, sessionID string) (SessionState, error)
	// Delete removes sessionID's snapshot, if any.
	Delete(ctx context.Context, sessionID string) error
	// ListActive returns the ids of every non-expired session matching
	// filter, used by the supervisor's startup restore.
	ListActive(ctx context.Context, filter ActiveFilter) ([]string, error)
	// UpdateTTL pushes sessionID's expiry forward by ttl from now,
	// without touching its stored state. Used by the inactivity
	// sweeper to keep a still-active session's snapshot alive.
	UpdateTTL(ctx context.Context, sessionID string, ttl time.Duration) error
	// Update merges partial into sessionID's stored state (a shallow
	// key overwrite), used for small deltas (log level, a newly added
	// subscription) instead of re-saving the full snapshot.
	Update(ctx context.Context, sessionID string, partial SessionState) error
	// CleanupExpired deletes every snapshot whose TTL has lapsed,
	// returning how many rows were reclaimed.
	CleanupExpired(ctx context.Context) (int, error)
}

// SQLitePersistence is an illustrative Persistence adapter backed by
// modernc.org/sqlite, the teacher's own embeddable-database dependency,
// repurposed here from a tool data-source driver into the session
// survival store.
type SQLitePersistence struct {
	db         *sql.DB
	defaultTTL time.Duration
}

// NewSQLitePersistence opens (creating if absent) a sqlite database at
// path and ensures the sessions table exists. defaultTTL is the expiry
// window applied to a freshly-Saved snapshot; non-positive falls back
// to one hour.
func NewSQLitePersistence(ctx context.Context, path string, defaultTTL time.Duration) (*SQLitePersistence, error) {
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite persistence: %w", err)
	}
	const schema = `CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL DEFAULT '{}',
		saved_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sessions table: %w", err)
	}
	return &SQLitePersistence{db: db, defaultTTL: defaultTTL}, nil
}

// Save upserts sessionID's snapshot and resets its TTL to defaultTTL.
func (p *SQLitePersistence) Save(ctx context.Context, sessionID string, state SessionState) error {
	if state == nil {
		state = SessionState{}
	}
	blob, err := wireJSON.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}
	now := time.Now()
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO sessions (id, state, saved_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET state = excluded.state, saved_at = excluded.saved_at, expires_at = excluded.expires_at`,
		sessionID, string(blob), now.Unix(), now.Add(p.defaultTTL).Unix())
	return err
}

// Load returns sessionID's snapshot, distinguishing an absent row from
// one whose TTL has lapsed (still present until CleanupExpired runs).
func (p *SQLitePersistence) Load(ctx context.Context, sessionID string) (SessionState, error) {
	var blob string
	var expiresAt int64
	err := p.db.QueryRowContext(ctx, `SELECT state, expires_at FROM sessions WHERE id = ?`, sessionID).Scan(&blob, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if time.Now().Unix() > expiresAt {
		return nil, ErrSessionExpired
	}
	var state SessionState
	if err := wireJSON.Unmarshal([]byte(blob), &state); err != nil {
		return nil, fmt.Errorf("unmarshal session state: %w", err)
	}
	return state, nil
}

// Delete removes sessionID's snapshot, if any.
func (p *SQLitePersistence) Delete(ctx context.Context, sessionID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	return err
}

// ListActive returns every non-expired session id, optionally restricted
// to rows saved/updated at or after filter.Since.
func (p *SQLitePersistence) ListActive(ctx context.Context, filter ActiveFilter) ([]string, error) {
	now := time.Now().Unix()
	var rows *sql.Rows
	var err error
	if !filter.Since.IsZero() {
		rows, err = p.db.QueryContext(ctx, `SELECT id FROM sessions WHERE expires_at >= ? AND saved_at >= ?`, now, filter.Since.Unix())
	} else {
		rows, err = p.db.QueryContext(ctx, `SELECT id FROM sessions WHERE expires_at >= ?`, now)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateTTL pushes sessionID's expiry forward by ttl from now; a zero ttl
// uses the adapter's default TTL. A sessionID with no row is a silent
// no-op, per the port's idempotent-with-respect-to-absence contract.
func (p *SQLitePersistence) UpdateTTL(ctx context.Context, sessionID string, ttl time.Duration) error {
	if ttl == 0 {
		ttl = p.defaultTTL
	}
	_, err := p.db.ExecContext(ctx, `UPDATE sessions SET expires_at = ? WHERE id = ?`, time.Now().Add(ttl).Unix(), sessionID)
	return err
}

// Update merges partial into sessionID's stored state, leaving its
// expiry untouched. A sessionID with no row is a silent no-op.
func (p *SQLitePersistence) Update(ctx context.Context, sessionID string, partial SessionState) error {
	if len(partial) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var blob string
	err = tx.QueryRowContext(ctx, `SELECT state FROM sessions WHERE id = ?`, sessionID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	var state SessionState
	if err := wireJSON.Unmarshal([]byte(blob), &state); err != nil {
		return fmt.Errorf("unmarshal session state: %w", err)
	}
	if state == nil {
		state = SessionState{}
	}
	for k, v := range partial {
		state[k] = v
	}
	merged, err := wireJSON.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET state = ? WHERE id = ?`, string(merged), sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

// CleanupExpired deletes every snapshot whose TTL has lapsed, returning
// the number of rows reclaimed.
func (p *SQLitePersistence) CleanupExpired(ctx context.Context) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, time.Now().Unix())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Close releases the underlying database handle.
func (p *SQLitePersistence) Close() error {
	return p.db.Close()
}

var _ Persistence = (*SQLitePersistence)(nil)
