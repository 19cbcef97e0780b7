// Package store defines the storage interface for the hub and provides SQLite and PostgreSQL implementations.
//
// Only audit and history live here. Connected clients and pending
// executions are process-local and never persisted.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Store is the persistence interface for the hub.
type Store interface {
	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)

	// Execution history
	RecordExecution(ctx context.Context, exec *Execution) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error)

	// Data retention
	PurgeOldExecutions(ctx context.Context, before time.Time) (int64, error)
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// New opens the store for driver ("sqlite" or "postgres").
func New(driver, dsn string) (Store, error) {
	switch driver {
	case "sqlite", "":
		return NewSQLite(dsn)
	case "postgres":
		return NewPostgres(dsn)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", driver)
	}
}

// Audit actions.
const (
	ActionClientRegister         = "client.register"
	ActionClientRegisterRejected = "client.register_rejected"
	ActionClientDisconnect       = "client.disconnect"
	ActionConversationCleared    = "conversation.cleared"
	ActionExecutionPrefix        = "execution."
)

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID          string          `json:"id"`
	Action      string          `json:"action"`
	ClientID    string          `json:"client_id,omitempty"`
	UserID      string          `json:"user_id,omitempty"`
	ExecutionID string          `json:"execution_id,omitempty"`
	Detail      json.RawMessage `json:"detail,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// AuditFilter specifies criteria for filtering audit events.
type AuditFilter struct {
	Action   string // prefix match
	ClientID string
	UserID   string
	Limit    int
	Offset   int
}

// Execution is one finished tool call.
type Execution struct {
	ID         string        `json:"id"`
	ClientID   string        `json:"client_id"`
	ToolName   string        `json:"tool_name"`
	Outcome    string        `json:"outcome"`
	Output     string        `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	ClientID string
	ToolName string
	Outcome  string
	Limit    int
	Offset   int
}
