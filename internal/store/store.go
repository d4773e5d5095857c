package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aamat-dev/crew-ia/internal/config"
	_ "modernc.org/sqlite"
)

// Store is the SQLite persistence backend. It also keeps the vault's
// encrypted secrets and the scheduled plans.
type Store struct {
	db *sql.DB
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// WAL lets the run service read while wave goroutines write; the busy
	// timeout makes concurrent writers wait instead of failing with SQLITE_BUSY.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Name() string {
	return "sqlite"
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id          TEXT PRIMARY KEY,
			title       TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL,
			meta        TEXT,
			started_at  DATETIME NOT NULL,
			ended_at    DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS nodes (
			run_id          TEXT NOT NULL,
			node_id         TEXT NOT NULL,
			title           TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL,
			input_checksum  TEXT NOT NULL DEFAULT '',
			attempts        INTEGER NOT NULL DEFAULT 0,
			started_at      DATETIME,
			ended_at        DATETIME,
			error           TEXT NOT NULL DEFAULT '',
			updated_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (run_id, node_id)
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id      TEXT NOT NULL,
			node_id     TEXT NOT NULL,
			kind        TEXT NOT NULL,
			path        TEXT NOT NULL DEFAULT '',
			content     TEXT NOT NULL,
			created_at  DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_node ON artifacts(run_id, node_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS events (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id      TEXT NOT NULL,
			node_id     TEXT NOT NULL DEFAULT '',
			type        TEXT NOT NULL,
			level       TEXT NOT NULL DEFAULT 'info',
			message     TEXT NOT NULL DEFAULT '',
			fields      TEXT,
			created_at  DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, id)`,
		`CREATE TABLE IF NOT EXISTS secrets (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL UNIQUE,
			description TEXT,
			value       BLOB NOT NULL,
			nonce       BLOB NOT NULL,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS scheduled_plans (
			id           TEXT PRIMARY KEY,
			plan_id      TEXT NOT NULL,
			name         TEXT NOT NULL,
			schedule     TEXT NOT NULL,
			dry_run      BOOLEAN DEFAULT FALSE,
			status       TEXT DEFAULT 'active',
			next_run_at  DATETIME,
			last_run_at  DATETIME,
			last_run_id  TEXT,
			last_error   TEXT,
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scheduled_next_run ON scheduled_plans(status, next_run_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}
