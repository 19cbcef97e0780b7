package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the default single-node Store.
type SQLiteStore struct {
	sqlDB
}

// NewSQLite opens (creating if needed) the database at dsn. ":memory:"
// maps to a shared-cache in-memory database so pooled connections see the
// same tables.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{sqlDB{db: db, rebind: questionMarks}}
	if err := s.migrate(context.Background(), sqliteDialect); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return s, nil
}
