package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// sqlDB holds the queries shared by both dialects. Queries are written
// with ? placeholders and rebound per dialect.
type sqlDB struct {
	db     *sql.DB
	rebind func(string) string
}

func questionMarks(q string) string { return q }

// dollarPlaceholders rewrites ? placeholders to $1, $2, ...
func dollarPlaceholders(q string) string {
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlDB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *sqlDB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *sqlDB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlDB) Close() error {
	return s.db.Close()
}

// --- Audit ---

func (s *sqlDB) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	detail := ""
	if event.Detail != nil {
		detail = string(event.Detail)
	}
	_, err := s.exec(ctx,
		`INSERT INTO audit_events (id, action, client_id, user_id, execution_id, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.Action, event.ClientID, event.UserID, event.ExecutionID, detail, event.CreatedAt.UTC(),
	)
	return err
}

func (s *sqlDB) ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	query := `SELECT id, action, client_id, user_id, execution_id, detail, created_at
	          FROM audit_events WHERE 1=1`
	var args []any

	if filter.Action != "" {
		query += " AND action LIKE ?"
		args = append(args, filter.Action+"%")
	}
	if filter.ClientID != "" {
		query += " AND client_id = ?"
		args = append(args, filter.ClientID)
	}
	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	query += " ORDER BY created_at DESC"
	query, args = paginate(query, args, filter.Limit, filter.Offset)

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var detail string
		if err := rows.Scan(&e.ID, &e.Action, &e.ClientID, &e.UserID, &e.ExecutionID, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" {
			e.Detail = json.RawMessage(detail)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Executions ---

func (s *sqlDB) RecordExecution(ctx context.Context, exec *Execution) error {
	recordedAt := exec.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}
	_, err := s.exec(ctx,
		`INSERT INTO executions (id, client_id, tool_name, outcome, output, error, started_at, duration_ms, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.ClientID, exec.ToolName, exec.Outcome, exec.Output, exec.Error,
		exec.StartedAt.UTC(), exec.Duration.Milliseconds(), recordedAt.UTC(),
	)
	return err
}

func (s *sqlDB) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error) {
	query := `SELECT id, client_id, tool_name, outcome, output, error, started_at, duration_ms, recorded_at
	          FROM executions WHERE 1=1`
	var args []any

	if filter.ClientID != "" {
		query += " AND client_id = ?"
		args = append(args, filter.ClientID)
	}
	if filter.ToolName != "" {
		query += " AND tool_name = ?"
		args = append(args, filter.ToolName)
	}
	if filter.Outcome != "" {
		query += " AND outcome = ?"
		args = append(args, filter.Outcome)
	}
	query += " ORDER BY recorded_at DESC"
	query, args = paginate(query, args, filter.Limit, filter.Offset)

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		var e Execution
		var durationMS int64
		if err := rows.Scan(&e.ID, &e.ClientID, &e.ToolName, &e.Outcome, &e.Output, &e.Error,
			&e.StartedAt, &durationMS, &e.RecordedAt); err != nil {
			return nil, err
		}
		e.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Data Retention ---

func (s *sqlDB) PurgeOldExecutions(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.exec(ctx, "DELETE FROM executions WHERE recorded_at < ?", before.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *sqlDB) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.exec(ctx, "DELETE FROM audit_events WHERE created_at < ?", before.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func paginate(query string, args []any, limit, offset int) (string, []any) {
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ?"
	args = append(args, limit)
	if offset > 0 {
		query += " OFFSET ?"
		args = append(args, offset)
	}
	return query, args
}
