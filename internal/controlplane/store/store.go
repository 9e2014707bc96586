// Package store is the durable record of pools, endpoints, package-state
// snapshots, repositories and operation history, backed by SQLite. It
// enforces the data-model invariants transactionally: at most one target
// state per pool, at most one active operation per endpoint, cascade
// deletes. All status reads and writes go through this layer; no component
// mutates fleet state through a cached copy.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (or creates) the control-plane database.
func Open(dbPath string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []struct {
		name string
		sql  string
	}{
		{"pools", `CREATE TABLE IF NOT EXISTS pools (
			id                  TEXT PRIMARY KEY,
			name                TEXT NOT NULL UNIQUE,
			auto_sync           INTEGER NOT NULL DEFAULT 0,
			conflict_resolution TEXT NOT NULL DEFAULT 'manual',
			excluded_packages   TEXT NOT NULL DEFAULT '[]',
			excluded_repos      TEXT NOT NULL DEFAULT '[]',
			max_history         INTEGER NOT NULL DEFAULT 10,
			created_at          TEXT NOT NULL,
			updated_at          TEXT NOT NULL
		)`},
		{"endpoints", `CREATE TABLE IF NOT EXISTS endpoints (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL UNIQUE,
			hostname      TEXT NOT NULL DEFAULT '',
			pool_id       TEXT REFERENCES pools(id) ON DELETE SET NULL,
			status        TEXT NOT NULL DEFAULT 'online',
			sync_status   TEXT NOT NULL DEFAULT 'unknown',
			os            TEXT NOT NULL DEFAULT '',
			arch          TEXT NOT NULL DEFAULT '',
			agent_version TEXT NOT NULL DEFAULT '',
			api_key       TEXT NOT NULL DEFAULT '',
			installed     TEXT NOT NULL DEFAULT '{}',
			registered    TEXT NOT NULL,
			last_seen     TEXT NOT NULL
		)`},
		{"package_states", `CREATE TABLE IF NOT EXISTS package_states (
			id          TEXT PRIMARY KEY,
			pool_id     TEXT NOT NULL REFERENCES pools(id) ON DELETE CASCADE,
			endpoint_id TEXT REFERENCES endpoints(id) ON DELETE SET NULL,
			packages    TEXT NOT NULL DEFAULT '{}',
			is_target   INTEGER NOT NULL DEFAULT 0,
			message     TEXT NOT NULL DEFAULT '',
			created_by  TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL
		)`},
		{"repositories", `CREATE TABLE IF NOT EXISTS repositories (
			endpoint_id TEXT NOT NULL REFERENCES endpoints(id) ON DELETE CASCADE,
			name        TEXT NOT NULL,
			mirrors     TEXT NOT NULL DEFAULT '[]',
			packages    TEXT NOT NULL DEFAULT '{}',
			updated_at  TEXT NOT NULL,
			PRIMARY KEY (endpoint_id, name)
		)`},
		{"sync_operations", `CREATE TABLE IF NOT EXISTS sync_operations (
			id           TEXT PRIMARY KEY,
			pool_id      TEXT NOT NULL REFERENCES pools(id) ON DELETE CASCADE,
			endpoint_id  TEXT NOT NULL REFERENCES endpoints(id) ON DELETE CASCADE,
			type         TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'pending',
			progress     INTEGER NOT NULL DEFAULT 0,
			plan         TEXT,
			applied      TEXT,
			error        TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL,
			started_at   TEXT,
			completed_at TEXT
		)`},
		{"compat_reports", `CREATE TABLE IF NOT EXISTS compat_reports (
			pool_id     TEXT PRIMARY KEY REFERENCES pools(id) ON DELETE CASCADE,
			report      TEXT NOT NULL,
			computed_at TEXT NOT NULL
		)`},
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st.sql); err != nil {
			return fmt.Errorf("create %s table: %w", st.name, err)
		}
	}

	// One target state per pool and one active operation per endpoint,
	// enforced by the engine rather than by convention.
	if _, err := s.db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_states_one_target
		ON package_states(pool_id) WHERE is_target = 1`); err != nil {
		return fmt.Errorf("create target index: %w", err)
	}
	if _, err := s.db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_ops_one_active
		ON sync_operations(endpoint_id) WHERE status IN ('pending', 'in_progress')`); err != nil {
		return fmt.Errorf("create active-op index: %w", err)
	}

	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_endpoints_pool ON endpoints(pool_id)`)
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_endpoints_last_seen ON endpoints(last_seen)`)
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_states_pool_created ON package_states(pool_id, created_at DESC)`)
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_ops_endpoint_created ON sync_operations(endpoint_id, created_at DESC)`)

	return nil
}

// ── Time and JSON helpers ───────────────────────────────────

// timeLayout is RFC3339 with a fixed nine-digit fraction. RFC3339Nano trims
// trailing zeros, and a whole-second timestamp ("...:00Z") then sorts after
// any fractional one in the same second, breaking every lexical comparison
// SQLite does on these TEXT columns (created_at ordering, staleness checks).
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: fmtTime(*t), Valid: true}
}

func parseNullableTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullableJSON(data []byte) sql.NullString {
	if data == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(data), Valid: true}
}
