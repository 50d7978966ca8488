// Package session maps (channel, thread) identities to durable conversation
// handles understood by the LLM backend. At most one live session exists per
// thread; concurrent resolves for the same thread collapse to one creation.
package session

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	_ "modernc.org/sqlite"
)

// Minter supplies fresh session handles from the LLM backend.
type Minter interface {
	NewSession(ctx context.Context) (string, error)
}

// Session is one durable (channel, thread) → handle mapping. Never deleted
// automatically; retention is an external policy.
type Session struct {
	ChannelID  string
	ThreadID   string
	Handle     string
	CreatedAt  time.Time
	LastActive time.Time
}

type Router struct {
	db     *sql.DB
	minter Minter
	mu     sync.Mutex
	group  singleflight.Group
}

func NewRouter(dbPath string, minter Minter) (*Router, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	r := &Router{db: db, minter: minter}
	if err := r.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := r.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Router) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := r.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (r *Router) initSchema() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			channel_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			handle TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			last_active TEXT NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (channel_id, thread_id)
		)
	`)
	if err != nil {
		return fmt.Errorf("init sessions schema: %w", err)
	}
	return nil
}

func (r *Router) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Resolve returns the session handle for a thread, creating it on first
// contact. Concurrent resolves for the same thread share one lookup through
// singleflight; the unique key on (channel, thread) is the final guard. If
// handle creation fails the error surfaces and nothing is persisted; the
// caller leaves the triggering event unacknowledged for retry.
func (r *Router) Resolve(ctx context.Context, channelID, threadID string) (string, error) {
	key := channelID + ":" + threadID
	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.resolveOne(ctx, channelID, threadID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *Router) resolveOne(ctx context.Context, channelID, threadID string) (string, error) {
	if handle, ok, err := r.lookup(channelID, threadID); err != nil {
		return "", err
	} else if ok {
		return handle, nil
	}

	handle, err := r.minter.NewSession(ctx)
	if err != nil {
		return "", fmt.Errorf("mint session for %s:%s: %w", channelID, threadID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Insert-or-fetch: a concurrent process may have won the race; the
	// unique key makes the insert a no-op and the reread returns the
	// winner's handle, so all events converge on one session.
	if _, err := r.db.Exec(`
		INSERT INTO sessions (channel_id, thread_id, handle)
		VALUES (?, ?, ?)
		ON CONFLICT(channel_id, thread_id) DO NOTHING
	`, channelID, threadID, handle); err != nil {
		return "", fmt.Errorf("persist session %s:%s: %w", channelID, threadID, err)
	}

	stored, ok, err := r.lookup(channelID, threadID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("session %s:%s vanished after insert", channelID, threadID)
	}
	return stored, nil
}

func (r *Router) lookup(channelID, threadID string) (string, bool, error) {
	var handle string
	err := r.db.QueryRow(`
		SELECT handle FROM sessions WHERE channel_id = ? AND thread_id = ?
	`, channelID, threadID).Scan(&handle)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup session %s:%s: %w", channelID, threadID, err)
	}
	return handle, true, nil
}

// Touch updates the session's last-active timestamp.
func (r *Router) Touch(channelID, threadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.Exec(`
		UPDATE sessions SET last_active = datetime('now')
		WHERE channel_id = ? AND thread_id = ?
	`, channelID, threadID)
	if err != nil {
		return fmt.Errorf("touch session %s:%s: %w", channelID, threadID, err)
	}
	return nil
}

// Count returns the number of known sessions, for status reporting.
func (r *Router) Count() (int, error) {
	var n int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

// IdleSince returns sessions whose last activity predates the cutoff, for
// the nightly sweep report.
func (r *Router) IdleSince(cutoff time.Time) ([]Session, error) {
	rows, err := r.db.Query(`
		SELECT channel_id, thread_id, handle, created_at, last_active
		FROM sessions
		WHERE last_active < ?
		ORDER BY last_active ASC
	`, cutoff.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return nil, fmt.Errorf("query idle sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]Session, 0)
	for rows.Next() {
		var s Session
		var created, active string
		if err := rows.Scan(&s.ChannelID, &s.ThreadID, &s.Handle, &created, &active); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.CreatedAt = parseTime(created)
		s.LastActive = parseTime(active)
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

func parseTime(s string) time.Time {
	t, _ := time.Parse("2006-01-02 15:04:05", s)
	return t
}
