package agent

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/amurg-ai/toolbridge/hub/internal/registry"
)

func TestEcho(t *testing.T) {
	e := NewEcho(slog.New(slog.NewTextHandler(io.Discard, nil)))
	cc := &registry.ClientConnection{ID: "c1"}
	ctx := context.Background()

	got, err := e.Chat(ctx, cc, "s1", "Hello")
	if err != nil || got != "Hello" {
		t.Fatalf("Chat: got %q, %v", got, err)
	}
	_, _ = e.Chat(ctx, cc, "s1", "again")
	if e.Turns("s1") != 2 {
		t.Errorf("turns: got %d", e.Turns("s1"))
	}

	if err := e.ClearConversation(ctx, "c1", "s1"); err != nil {
		t.Fatal(err)
	}
	if e.Turns("s1") != 0 {
		t.Errorf("turns after clear: got %d", e.Turns("s1"))
	}

	if _, err := e.Chat(ctx, cc, "", "x"); err == nil {
		t.Error("chat without session should fail")
	}
}
