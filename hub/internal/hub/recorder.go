package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/amurg-ai/toolbridge/hub/internal/orchestrator"
	"github.com/amurg-ai/toolbridge/hub/internal/store"
)

// historyRecorder persists finished executions and audits each outcome.
type historyRecorder struct {
	store  store.Store
	logger *slog.Logger
}

func newHistoryRecorder(s store.Store, logger *slog.Logger) *historyRecorder {
	return &historyRecorder{store: s, logger: logger.With("component", "history")}
}

func (h *historyRecorder) RecordExecution(rec orchestrator.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now()
	if err := h.store.RecordExecution(ctx, &store.Execution{
		ID:         rec.ExecutionID,
		ClientID:   rec.ClientID,
		ToolName:   rec.ToolName,
		Outcome:    string(rec.Outcome),
		Output:     rec.Output,
		Error:      rec.Error,
		StartedAt:  rec.StartedAt,
		Duration:   rec.Duration,
		RecordedAt: now,
	}); err != nil {
		h.logger.Warn("failed to record execution", "execution_id", rec.ExecutionID, "error", err)
	}

	detail, _ := json.Marshal(map[string]any{
		"tool":        rec.ToolName,
		"duration_ms": rec.Duration.Milliseconds(),
		"error":       rec.Error,
	})
	if err := h.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID:          uuid.New().String(),
		Action:      store.ActionExecutionPrefix + string(rec.Outcome),
		ClientID:    rec.ClientID,
		ExecutionID: rec.ExecutionID,
		Detail:      detail,
		CreatedAt:   now,
	}); err != nil {
		h.logger.Warn("failed to log audit event", "action", store.ActionExecutionPrefix+string(rec.Outcome), "error", err)
	}
}
