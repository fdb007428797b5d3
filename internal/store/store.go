package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// ErrVersionConflict is returned when an optimistic-concurrency write
// finds the row's version already advanced by another writer.
var ErrVersionConflict = errors.New("version conflict")

// Store owns all durable state: queue items, trait state, conversation
// history, identity profiles and usage counters. In-memory caches held
// by the services are write-through copies; every entity must be
// reconstructable from here after a restart.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
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
		"PRAGMA foreign_keys=ON",
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
		`CREATE TABLE IF NOT EXISTS queue_items (
			id TEXT PRIMARY KEY,
			destination TEXT NOT NULL,
			payload TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 5,
			enqueued_at INTEGER NOT NULL,
			not_before INTEGER NOT NULL DEFAULT 0,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL DEFAULT 'pending'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_dispatch ON queue_items(state, destination, priority, enqueued_at)`,
		`CREATE TABLE IF NOT EXISTS trait_state (
			scope TEXT PRIMARY KEY,
			traits TEXT NOT NULL,
			patterns TEXT NOT NULL,
			persona TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			destination TEXT NOT NULL,
			author TEXT NOT NULL,
			author_id TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			is_bot INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_window ON conversations(destination, created_at)`,
		`CREATE TABLE IF NOT EXISTS identity_profiles (
			identity TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			interaction_count INTEGER NOT NULL DEFAULT 0,
			engagement_score REAL NOT NULL DEFAULT 0,
			last_seen INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS usage_counters (
			day_key TEXT PRIMARY KEY,
			consumed INTEGER NOT NULL DEFAULT 0,
			budget INTEGER NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}
