package memory

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const traitSeparator = "\n"

// Retention bounds the working-memory ring per thread. Entries beyond
// MaxEntries or older than MaxAge are pruned lazily on the next append.
type Retention struct {
	MaxEntries int
	MaxAge     time.Duration
}

// Store is the layered persistent memory: a global soul table, per-sender
// user models and per-thread working memory. All writes are synchronous and
// durable before the call returns.
type Store struct {
	db *sql.DB
	mu sync.Mutex

	retention Retention
}

func NewStore(dbPath string, retention Retention) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if retention.MaxEntries <= 0 {
		retention.MaxEntries = 200
	}
	if retention.MaxAge <= 0 {
		retention.MaxAge = 14 * 24 * time.Hour
	}

	s := &Store{db: db, retention: retention}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=FULL",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS soul_memory (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE TABLE IF NOT EXISTS user_models (
			sender_id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			traits TEXT NOT NULL DEFAULT '',
			interactions INTEGER NOT NULL DEFAULT 0,
			first_seen TEXT NOT NULL DEFAULT (datetime('now')),
			last_seen TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE TABLE IF NOT EXISTS working_memory (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_key TEXT NOT NULL,
			kind TEXT NOT NULL,
			verb TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_working_thread ON working_memory(thread_key, id)`,
		`CREATE INDEX IF NOT EXISTS idx_working_created ON working_memory(created_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// SetSoul writes a global key/value pair, last-writer-wins.
func (s *Store) SetSoul(key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("soul key is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO soul_memory (key, value, updated_at)
		VALUES (?, ?, datetime('now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value)
	if err != nil {
		return fmt.Errorf("set soul %q: %w", key, err)
	}
	return nil
}

// GetSoul returns the value for key; ok is false when the key is absent.
func (s *Store) GetSoul(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM soul_memory WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get soul %q: %w", key, err)
	}
	return value, true, nil
}

// AllSoul returns every soul entry ordered by key, for prompt assembly.
func (s *Store) AllSoul() ([]SoulEntry, error) {
	rows, err := s.db.Query(`SELECT key, value, updated_at FROM soul_memory ORDER BY key ASC`)
	if err != nil {
		return nil, fmt.Errorf("query soul: %w", err)
	}
	defer rows.Close()

	entries := make([]SoulEntry, 0)
	for rows.Next() {
		var e SoulEntry
		var updated string
		if err := rows.Scan(&e.Key, &e.Value, &updated); err != nil {
			return nil, fmt.Errorf("scan soul: %w", err)
		}
		e.UpdatedAt = parseSQLiteTime(updated)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate soul: %w", err)
	}
	return entries, nil
}

// GetUserModel returns the profile for a sender; ok is false for an unknown
// sender (the caller decides whether first contact creates one).
func (s *Store) GetUserModel(senderID string) (*UserModel, bool, error) {
	var m UserModel
	var traits, firstSeen, lastSeen string
	err := s.db.QueryRow(`
		SELECT sender_id, display_name, traits, interactions, first_seen, last_seen
		FROM user_models WHERE sender_id = ?
	`, senderID).Scan(&m.SenderID, &m.DisplayName, &traits, &m.Interactions, &firstSeen, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get user model %q: %w", senderID, err)
	}
	m.Traits = splitTraits(traits)
	m.FirstSeen = parseSQLiteTime(firstSeen)
	m.LastSeen = parseSQLiteTime(lastSeen)
	return &m, true, nil
}

// MergeUserModel applies an additive patch: the row is created on first
// contact, trait notes are appended (never dropped) and the interaction
// counter only ever grows.
func (s *Store) MergeUserModel(senderID string, patch UserPatch) error {
	senderID = strings.TrimSpace(senderID)
	if senderID == "" {
		return fmt.Errorf("sender id is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin merge: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO user_models (sender_id) VALUES (?)
		ON CONFLICT(sender_id) DO NOTHING
	`, senderID); err != nil {
		return fmt.Errorf("ensure user model %q: %w", senderID, err)
	}

	var traits string
	if err := tx.QueryRow(`SELECT traits FROM user_models WHERE sender_id = ?`, senderID).Scan(&traits); err != nil {
		return fmt.Errorf("read traits %q: %w", senderID, err)
	}
	merged := mergeTraits(splitTraits(traits), patch.Traits)

	delta := patch.Interactions
	if delta < 0 {
		delta = 0
	}

	if _, err := tx.Exec(`
		UPDATE user_models
		SET traits = ?,
		    interactions = interactions + ?,
		    display_name = CASE WHEN ? != '' THEN ? ELSE display_name END,
		    last_seen = datetime('now')
		WHERE sender_id = ?
	`, strings.Join(merged, traitSeparator), delta, patch.DisplayName, patch.DisplayName, senderID); err != nil {
		return fmt.Errorf("merge user model %q: %w", senderID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit merge: %w", err)
	}
	return nil
}

// AppendWorking stores a new working-memory entry for a thread and lazily
// prunes that thread's entries beyond the retention window.
func (s *Store) AppendWorking(threadKey string, kind WorkingKind, verb, content string) error {
	threadKey = strings.TrimSpace(threadKey)
	if threadKey == "" {
		return fmt.Errorf("thread key is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin working append: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO working_memory (thread_key, kind, verb, content)
		VALUES (?, ?, ?, ?)
	`, threadKey, string(kind), strings.TrimSpace(verb), content); err != nil {
		return fmt.Errorf("append working: %w", err)
	}

	// Count bound: keep the newest MaxEntries for the thread.
	if _, err := tx.Exec(`
		DELETE FROM working_memory
		WHERE thread_key = ?
		  AND id NOT IN (
			SELECT id FROM working_memory WHERE thread_key = ? ORDER BY id DESC LIMIT ?
		  )
	`, threadKey, threadKey, s.retention.MaxEntries); err != nil {
		return fmt.Errorf("prune working by count: %w", err)
	}

	// Age bound.
	cutoff := time.Now().UTC().Add(-s.retention.MaxAge).Format("2006-01-02 15:04:05")
	if _, err := tx.Exec(`
		DELETE FROM working_memory WHERE thread_key = ? AND created_at < ?
	`, threadKey, cutoff); err != nil {
		return fmt.Errorf("prune working by age: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit working append: %w", err)
	}
	return nil
}

// RecentWorking returns up to limit entries for a thread, oldest first.
func (s *Store) RecentWorking(threadKey string, limit int) ([]WorkingEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, thread_key, kind, verb, content, created_at
		FROM (
			SELECT id, thread_key, kind, verb, content, created_at
			FROM working_memory WHERE thread_key = ?
			ORDER BY id DESC LIMIT ?
		)
		ORDER BY id ASC
	`, threadKey, limit)
	if err != nil {
		return nil, fmt.Errorf("query working: %w", err)
	}
	defer rows.Close()

	entries := make([]WorkingEntry, 0)
	for rows.Next() {
		var e WorkingEntry
		var kind, created string
		if err := rows.Scan(&e.ID, &e.ThreadKey, &kind, &e.Verb, &e.Content, &created); err != nil {
			return nil, fmt.Errorf("scan working: %w", err)
		}
		e.Kind = WorkingKind(kind)
		e.CreatedAt = parseSQLiteTime(created)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate working: %w", err)
	}
	return entries, nil
}

// PruneWorking removes entries older than the retention age across all
// threads. Run from the nightly maintenance job.
func (s *Store) PruneWorking() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-s.retention.MaxAge).Format("2006-01-02 15:04:05")
	res, err := s.db.Exec(`DELETE FROM working_memory WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune working: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func splitTraits(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, traitSeparator)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func mergeTraits(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	merged := make([]string, 0, len(existing)+len(incoming))
	for _, t := range existing {
		seen[t] = true
		merged = append(merged, t)
	}
	for _, t := range incoming {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		merged = append(merged, t)
	}
	return merged
}

func parseSQLiteTime(s string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
