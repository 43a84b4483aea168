// Package store provides SQLite-backed persistence for the irrigation
// engine.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/gzpfarm/irrigation-engine/internal/domain"
)

// schemaV1 defines the initial database schema.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS plans (
	plan_id      TEXT PRIMARY KEY,
	farm_id      TEXT NOT NULL DEFAULT '',
	plan_json    TEXT NOT NULL,
	total_eta_h  REAL NOT NULL DEFAULT 0.0,
	batch_count  INTEGER NOT NULL DEFAULT 0,
	generated_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_plans_farm ON plans(farm_id, generated_at);

CREATE TABLE IF NOT EXISTS executions (
	execution_id      TEXT PRIMARY KEY,
	plan_id           TEXT NOT NULL,
	farm_id           TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'pending',
	scenario_name     TEXT NOT NULL DEFAULT '',
	current_batch     INTEGER NOT NULL DEFAULT 0,
	completed_json    TEXT NOT NULL DEFAULT '[]',
	regen_count       INTEGER NOT NULL DEFAULT 0,
	stop_reason       TEXT NOT NULL DEFAULT '',
	started_at_unix   INTEGER NOT NULL DEFAULT 0,
	updated_at_unix   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_executions_plan ON executions(plan_id);
CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);

CREATE TABLE IF NOT EXISTS execution_events (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	execution_id TEXT NOT NULL,
	seq_no       INTEGER NOT NULL,
	status       TEXT NOT NULL,
	detail       TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	UNIQUE(execution_id, seq_no)
);
CREATE INDEX IF NOT EXISTS idx_exec_events ON execution_events(execution_id, seq_no);

CREATE TABLE IF NOT EXISTS waterlevel_readings (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	field_id    TEXT NOT NULL,
	level_mm    REAL NOT NULL,
	source      TEXT NOT NULL DEFAULT 'sensor',
	quality     TEXT NOT NULL DEFAULT 'good',
	observed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_readings_field ON waterlevel_readings(field_id, observed_at);
`

// NewDB opens a SQLite database at the given path with recommended pragmas
// and runs the V1 schema migration.
func NewDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, domain.ErrStoreInit.WithDetail("open database: %v", err)
	}

	// Limit connections to 1 for SQLite (WAL allows concurrent reads but single writer).
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, domain.ErrStoreInit.WithDetail("migrate schema: %v", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	_, err := db.ExecContext(context.Background(), schemaV1)
	return err
}
