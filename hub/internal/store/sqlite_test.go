package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewSQLite_Memory(t *testing.T) {
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestMigrate_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	s, err := NewSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := s.RecordExecution(ctx, &Execution{ID: "e1", ClientID: "c", ToolName: "echo", Outcome: "completed", StartedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = NewSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	v, err := s.SchemaVersion(ctx)
	if err != nil || v != len(schema) {
		t.Errorf("schema version = %d, %v; want %d", v, err, len(schema))
	}
	execs, _ := s.ListExecutions(ctx, ExecutionFilter{})
	if len(execs) != 1 {
		t.Errorf("executions after reopen: %d", len(execs))
	}
}

func TestDialectRender(t *testing.T) {
	got := postgresDialect.render(schema[3])
	if !strings.Contains(got, "TIMESTAMPTZ") || !strings.Contains(got, "BIGINT") || strings.Contains(got, "{{") {
		t.Errorf("render: %s", got)
	}
}

func TestNew_UnknownDriver(t *testing.T) {
	if _, err := New("mysql", "x"); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestAuditEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	events := []*AuditEvent{
		{ID: uuid.New().String(), Action: ActionClientRegister, ClientID: "c1", UserID: "u1", CreatedAt: now.Add(-2 * time.Minute)},
		{ID: uuid.New().String(), Action: ActionClientDisconnect, ClientID: "c1", CreatedAt: now.Add(-time.Minute)},
		{ID: uuid.New().String(), Action: "execution.completed", ClientID: "c2", ExecutionID: "e1",
			Detail: json.RawMessage(`{"tool":"echo"}`), CreatedAt: now},
	}
	for _, e := range events {
		if err := s.LogAuditEvent(ctx, e); err != nil {
			t.Fatalf("LogAuditEvent: %v", err)
		}
	}

	all, err := s.ListAuditEvents(ctx, AuditFilter{})
	if err != nil {
		t.Fatalf("ListAuditEvents: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d events, want 3", len(all))
	}
	if all[0].Action != "execution.completed" {
		t.Errorf("newest first: got %q", all[0].Action)
	}
	if string(all[0].Detail) != `{"tool":"echo"}` {
		t.Errorf("Detail: got %s", all[0].Detail)
	}

	clientEvents, err := s.ListAuditEvents(ctx, AuditFilter{ClientID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(clientEvents) != 2 {
		t.Errorf("client filter: got %d, want 2", len(clientEvents))
	}

	clientPrefix, err := s.ListAuditEvents(ctx, AuditFilter{Action: "client."})
	if err != nil {
		t.Fatal(err)
	}
	if len(clientPrefix) != 2 {
		t.Errorf("action prefix: got %d, want 2", len(clientPrefix))
	}

	page, err := s.ListAuditEvents(ctx, AuditFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].Action != ActionClientDisconnect {
		t.Errorf("pagination: got %+v", page)
	}
}

func TestExecutions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.Now().Add(-time.Second)

	execs := []*Execution{
		{ID: "e1", ClientID: "c1", ToolName: "echo", Outcome: "completed", Output: "hi", StartedAt: start, Duration: 120 * time.Millisecond},
		{ID: "e2", ClientID: "c1", ToolName: "fetch_page", Outcome: "timeout", Error: "tool execution timeout", StartedAt: start, Duration: 30 * time.Second},
		{ID: "e3", ClientID: "c2", ToolName: "echo", Outcome: "failed", StartedAt: start},
	}
	for i, e := range execs {
		e.RecordedAt = start.Add(time.Duration(i) * time.Millisecond)
		if err := s.RecordExecution(ctx, e); err != nil {
			t.Fatalf("RecordExecution: %v", err)
		}
	}

	got, err := s.ListExecutions(ctx, ExecutionFilter{ClientID: "c1"})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d executions, want 2", len(got))
	}
	if got[0].ID != "e2" || got[0].Duration != 30*time.Second {
		t.Errorf("newest first with duration: got %+v", got[0])
	}

	echo, err := s.ListExecutions(ctx, ExecutionFilter{ToolName: "echo", Outcome: "completed"})
	if err != nil {
		t.Fatal(err)
	}
	if len(echo) != 1 || echo[0].Output != "hi" {
		t.Errorf("tool+outcome filter: got %+v", echo)
	}
}

func TestPurge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	_ = s.LogAuditEvent(ctx, &AuditEvent{ID: "old", Action: ActionClientRegister, CreatedAt: old})
	_ = s.LogAuditEvent(ctx, &AuditEvent{ID: "new", Action: ActionClientRegister, CreatedAt: time.Now()})
	_ = s.RecordExecution(ctx, &Execution{ID: "old", ClientID: "c", ToolName: "t", Outcome: "completed", StartedAt: old, RecordedAt: old})
	_ = s.RecordExecution(ctx, &Execution{ID: "new", ClientID: "c", ToolName: "t", Outcome: "completed", StartedAt: time.Now()})

	cutoff := time.Now().Add(-24 * time.Hour)
	n, err := s.PurgeOldAuditEvents(ctx, cutoff)
	if err != nil || n != 1 {
		t.Errorf("PurgeOldAuditEvents: n=%d err=%v, want 1", n, err)
	}
	n, err = s.PurgeOldExecutions(ctx, cutoff)
	if err != nil || n != 1 {
		t.Errorf("PurgeOldExecutions: n=%d err=%v, want 1", n, err)
	}

	left, _ := s.ListExecutions(ctx, ExecutionFilter{})
	if len(left) != 1 || left[0].ID != "new" {
		t.Errorf("remaining executions: %+v", left)
	}
}

func TestDollarPlaceholders(t *testing.T) {
	got := dollarPlaceholders("SELECT * FROM t WHERE a = ? AND b = ? LIMIT ?")
	want := "SELECT * FROM t WHERE a = $1 AND b = $2 LIMIT $3"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
