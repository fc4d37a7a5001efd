// ABOUTME: SQLite-backed IdempotencyStore so cached step results survive restarts and can be shared.
// ABOUTME: Results are stored as JSON; expiry uses the same lazy-on-read plus sweep policy as the memory store.
package pipeline

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SqliteIdempotencyStore is a SQLite-backed IdempotencyStore. Unlike the
// in-memory store it survives process restarts, and a file on shared storage
// can serve multiple single-writer instances. Results are round-tripped
// through JSON, so cached values come back as generic JSON types
// (map[string]any, []any, float64, string, bool).
type SqliteIdempotencyStore struct {
	db  *sql.DB
	now func() time.Time
}

// Compile-time check that SqliteIdempotencyStore implements IdempotencyStore.
var _ IdempotencyStore = (*SqliteIdempotencyStore)(nil)

// OpenSqliteIdempotencyStore opens or creates the idempotency database at the
// given path and ensures the schema exists.
func OpenSqliteIdempotencyStore(path string) (*SqliteIdempotencyStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS idempotency (
			key TEXT PRIMARY KEY,
			result TEXT NOT NULL,
			stored_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency(expires_at);`

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SqliteIdempotencyStore{db: db, now: time.Now}, nil
}

// Get returns the live entry for key, deleting it first if expired.
func (s *SqliteIdempotencyStore) Get(key string) (IdempotencyEntry, bool, error) {
	var resultJSON string
	var storedAt, expiresAt int64

	err := s.db.QueryRow(
		"SELECT result, stored_at, expires_at FROM idempotency WHERE key = ?", key,
	).Scan(&resultJSON, &storedAt, &expiresAt)
	if err == sql.ErrNoRows {
		return IdempotencyEntry{}, false, nil
	}
	if err != nil {
		return IdempotencyEntry{}, false, fmt.Errorf("query idempotency key: %w", err)
	}

	if s.now().UnixNano() > expiresAt {
		if _, err := s.db.Exec("DELETE FROM idempotency WHERE key = ?", key); err != nil {
			return IdempotencyEntry{}, false, fmt.Errorf("evict expired key: %w", err)
		}
		return IdempotencyEntry{}, false, nil
	}

	var result any
	if err := json.Unmarshal([]byte(resultJSON), &result); err != nil {
		return IdempotencyEntry{}, false, fmt.Errorf("decode cached result: %w", err)
	}

	return IdempotencyEntry{Result: result, StoredAt: time.Unix(0, storedAt)}, true, nil
}

// Put stores a result under key with the given TTL, replacing any prior entry.
func (s *SqliteIdempotencyStore) Put(key string, result any, ttl time.Duration) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	now := s.now()
	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO idempotency (key, result, stored_at, expires_at) VALUES (?, ?, ?, ?)",
		key, string(resultJSON), now.UnixNano(), now.Add(ttl).UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("store result: %w", err)
	}
	return nil
}

// Sweep deletes all expired entries and returns how many were removed.
func (s *SqliteIdempotencyStore) Sweep() (int, error) {
	res, err := s.db.Exec("DELETE FROM idempotency WHERE expires_at < ?", s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sweep expired entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count swept rows: %w", err)
	}
	return int(n), nil
}

// Close closes the underlying database connection.
func (s *SqliteIdempotencyStore) Close() error {
	return s.db.Close()
}
