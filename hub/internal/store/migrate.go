package store

import (
	"context"
	"fmt"
	"strings"
)

// dialect fills the type names that differ between SQLite and Postgres.
type dialect struct {
	timestamp string
	bigint    string
	now       string
}

var (
	sqliteDialect   = dialect{timestamp: "DATETIME", bigint: "INTEGER", now: "CURRENT_TIMESTAMP"}
	postgresDialect = dialect{timestamp: "TIMESTAMPTZ", bigint: "BIGINT", now: "NOW()"}
)

// schema is applied in order; entry i is schema version i+1. Append only.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS audit_events (
		id           TEXT PRIMARY KEY,
		action       TEXT NOT NULL,
		client_id    TEXT NOT NULL DEFAULT '',
		user_id      TEXT NOT NULL DEFAULT '',
		execution_id TEXT NOT NULL DEFAULT '',
		detail       TEXT NOT NULL DEFAULT '',
		created_at   {{timestamp}} NOT NULL DEFAULT {{now}}
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_events_client_id ON audit_events(client_id)`,
	`CREATE TABLE IF NOT EXISTS executions (
		id          TEXT PRIMARY KEY,
		client_id   TEXT NOT NULL,
		tool_name   TEXT NOT NULL,
		outcome     TEXT NOT NULL,
		output      TEXT NOT NULL DEFAULT '',
		error       TEXT NOT NULL DEFAULT '',
		started_at  {{timestamp}} NOT NULL,
		duration_ms {{bigint}} NOT NULL DEFAULT 0,
		recorded_at {{timestamp}} NOT NULL DEFAULT {{now}}
	)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_recorded_at ON executions(recorded_at)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_client_id ON executions(client_id)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_tool_name ON executions(tool_name)`,
}

func (d dialect) render(stmt string) string {
	return strings.NewReplacer(
		"{{timestamp}}", d.timestamp,
		"{{bigint}}", d.bigint,
		"{{now}}", d.now,
	).Replace(stmt)
}

// migrate brings the database up to len(schema), recording the applied
// version in schema_migrations.
func (s *sqlDB) migrate(ctx context.Context, d dialect) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := current; i < len(schema); i++ {
		if err := s.apply(ctx, i+1, d.render(schema[i])); err != nil {
			return fmt.Errorf("schema version %d: %w", i+1, err)
		}
	}
	return nil
}

func (s *sqlDB) apply(ctx context.Context, version int, stmt string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO schema_migrations (version) VALUES (?)`), version); err != nil {
		return err
	}
	return tx.Commit()
}

// SchemaVersion reports the last applied schema version.
func (s *sqlDB) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v)
	return v, err
}
