// Package agent is the collaborator that answers chat messages relayed by
// the router. The hub ships an echo implementation; a real deployment plugs
// its own Handler in.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/amurg-ai/toolbridge/hub/internal/registry"
)

// Handler answers one chat turn for client within sessionID.
type Handler interface {
	Chat(ctx context.Context, client *registry.ClientConnection, sessionID, content string) (string, error)
	// ClearConversation forgets everything remembered for sessionID.
	ClearConversation(ctx context.Context, clientID, sessionID string) error
}

// Echo replies with the content it receives. It counts turns per session
// so clears are observable.
type Echo struct {
	logger *slog.Logger

	mu    sync.Mutex
	turns map[string]int // session_id -> turns
}

// NewEcho creates an Echo handler.
func NewEcho(logger *slog.Logger) *Echo {
	return &Echo{
		logger: logger.With("component", "agent"),
		turns:  make(map[string]int),
	}
}

func (e *Echo) Chat(ctx context.Context, client *registry.ClientConnection, sessionID, content string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if sessionID == "" {
		return "", fmt.Errorf("chat without session")
	}
	e.mu.Lock()
	e.turns[sessionID]++
	n := e.turns[sessionID]
	e.mu.Unlock()

	e.logger.Debug("chat turn", "client_id", client.ID, "session_id", sessionID, "turn", n)
	return content, nil
}

func (e *Echo) ClearConversation(_ context.Context, clientID, sessionID string) error {
	e.mu.Lock()
	delete(e.turns, sessionID)
	e.mu.Unlock()
	e.logger.Info("conversation cleared", "client_id", clientID, "session_id", sessionID)
	return nil
}

// Turns returns how many chat turns sessionID has seen since its last clear.
func (e *Echo) Turns(sessionID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.turns[sessionID]
}
