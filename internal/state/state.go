// Package state implements the App state registry (spec.md §4.A): a
// process-wide, persisted map of monotonically increasing statistics
// counters and a small key/value view. The Manager MAC and time-sync offset
// are held in memory by the connector, not in this store.
package state

import (
	"database/sql"
	"fmt"
	"os"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"
)

// Store defines the contract for the App state registry. Implementations
// must be safe for concurrent use by multiple goroutines.
type Store interface {
	// Close releases any resources held by the store.
	Close() error

	// Incr adds delta to the named counter and returns its new value. The
	// counter is created (at delta) if it did not already exist. Per
	// spec.md §3, counter values never decrease once persisted, so delta
	// must be >= 0.
	Incr(name string, delta int64) (int64, error)

	// SetGauge persists value for name directly, overwriting whatever was
	// there. Used for the small set of stats that are levels rather than
	// monotonic counters (PUBFILE_BACKLOG, PUBSERVER_BACKLOG — spec.md §3
	// "Backlog buffer"), which the registry's monotonic invariant does not
	// apply to.
	SetGauge(name string, value int64) error

	// Get returns the current value of the named counter or gauge (0 if
	// unset).
	Get(name string) int64

	// All returns a snapshot of every counter's current value.
	All() map[string]int64

	// SetKV persists an opaque string value under key, for small
	// config-like facts.
	SetKV(key, value string) error

	// GetKV returns the value for key and whether it was present.
	GetKV(key string) (string, bool)
}

// SQLiteStore persists counters and key/value pairs in a single-connection,
// WAL-mode SQLite database, rewriting the relevant row on every mutation.
// Grounded on beacon's internal/database/sqlite.go: same PRAGMA set, same
// single-connection WAL discipline, same create-schema-if-missing startup.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger

	mu       sync.Mutex
	counters map[string]int64
}

var _ Store = (*SQLiteStore)(nil)

// Open opens (or creates) the SQLite-backed state store at path. An absent
// or corrupt database starts empty rather than failing, per spec.md §6's
// "initial-read tolerates absence or corruption" invariant for persisted
// state — a corrupt file is treated as a fresh backing store.
func Open(path string, logger *zap.Logger) (*SQLiteStore, error) {
	s, err := open(path, logger)
	if err != nil {
		if path == ":memory:" {
			return nil, err
		}
		logger.Warn("state database unreadable or corrupt, starting fresh",
			zap.String("path", path), zap.Error(err))
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, fmt.Errorf("removing corrupt state database: %w", rmErr)
		}
		return open(path, logger)
	}
	return s, nil
}

func open(path string, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger, counters: make(map[string]int64)}
	db.SetMaxOpenConns(1)

	if err := s.applyPragmas(); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying pragmas: %w", err)
	}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	if err := s.loadCounters(); err != nil {
		db.Close()
		return nil, fmt.Errorf("loading counters: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) applyPragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *SQLiteStore) createSchema() error {
	const stmt = `
CREATE TABLE IF NOT EXISTS stats (
    name       TEXT PRIMARY KEY,
    value      INTEGER NOT NULL DEFAULT 0,
    updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS kv (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) loadCounters() error {
	rows, err := s.db.Query("SELECT name, value FROM stats")
	if err != nil {
		return fmt.Errorf("loading counters: %w", err)
	}
	defer rows.Close()

	counters := make(map[string]int64)
	for rows.Next() {
		var name string
		var value int64
		if err := rows.Scan(&name, &value); err != nil {
			return fmt.Errorf("scanning counter row: %w", err)
		}
		counters[name] = value
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating counter rows: %w", err)
	}
	s.counters = counters
	return nil
}

// Incr implements Store.
func (s *SQLiteStore) Incr(name string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	newVal := s.counters[name] + delta
	const upsert = `
INSERT INTO stats (name, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if _, err := s.db.Exec(upsert, name, newVal, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return s.counters[name], fmt.Errorf("persisting counter %s: %w", name, err)
	}
	s.counters[name] = newVal
	return newVal, nil
}

// SetGauge implements Store.
func (s *SQLiteStore) SetGauge(name string, value int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const upsert = `
INSERT INTO stats (name, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if _, err := s.db.Exec(upsert, name, value, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("persisting gauge %s: %w", name, err)
	}
	s.counters[name] = value
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[name]
}

// All implements Store.
func (s *SQLiteStore) All() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.counters))
	for k, v := range s.counters {
		out[k] = v
	}
	return out
}

// SetKV implements Store.
func (s *SQLiteStore) SetKV(key, value string) error {
	const upsert = `
INSERT INTO kv (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := s.db.Exec(upsert, key, value); err != nil {
		return fmt.Errorf("persisting kv %s: %w", key, err)
	}
	return nil
}

// GetKV implements Store.
func (s *SQLiteStore) GetKV(key string) (string, bool) {
	var value string
	err := s.db.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err != nil {
		return "", false
	}
	return value, true
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
