// Package session keeps the client's conversation session id: created
// lazily, persisted, reused across reconnects until cleared.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amurg-ai/toolbridge/client/internal/kv"
	"github.com/amurg-ai/toolbridge/pkg/protocol"
)

// StorageKey is where the session id is persisted.
const StorageKey = "toolbridge.session_id"

// Notifier is the connection the clear notification goes through.
type Notifier interface {
	IsConnected() bool
	Send(msgType string, payload any) error
}

// Manager owns the current session id.
type Manager struct {
	store    kv.Store
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	current  string
	clientID string
}

// New creates a manager. Call Load to pick up a persisted id.
func New(store kv.Store, n Notifier, logger *slog.Logger) *Manager {
	return &Manager{
		store:    store,
		notifier: n,
		logger:   logger.With("component", "session"),
		now:      time.Now,
	}
}

// NewID returns an id of the form session_<unix ms>_<9 random chars>.
func NewID(now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return "session_" + strconv.FormatInt(now.UnixMilli(), 10) + "_" + random
}

// Load restores the persisted id, if any.
func (m *Manager) Load(ctx context.Context) (string, error) {
	id, err := m.store.Get(ctx, StorageKey)
	if errors.Is(err, kv.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load session: %w", err)
	}
	m.mu.Lock()
	m.current = id
	m.mu.Unlock()
	m.logger.Info("session restored", "session_id", id)
	return id, nil
}

// SetClientID records the id the hub assigned at registration. It is
// carried in clear_conversation.
func (m *Manager) SetClientID(id string) {
	m.mu.Lock()
	m.clientID = id
	m.mu.Unlock()
}

// CurrentSessionID returns the current id or "".
func (m *Manager) CurrentSessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// CreateNewSession replaces the current id with a fresh persisted one. If
// persisting fails the previous id stays current and the error is returned.
func (m *Manager) CreateNewSession(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(ctx)
}

func (m *Manager) createLocked(ctx context.Context) (string, error) {
	prev := m.current
	id := NewID(m.now())
	m.current = id
	if err := m.store.Set(ctx, StorageKey, id); err != nil {
		m.current = prev
		return "", fmt.Errorf("persist session: %w", err)
	}
	m.logger.Info("session created", "session_id", id)
	return id, nil
}

// EnsureSession returns the current id, creating one first if needed.
func (m *Manager) EnsureSession(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != "" {
		return m.current, nil
	}
	return m.createLocked(ctx)
}

// ClearSession tells the hub to drop the conversation when connected, then
// clears the id locally and in storage whatever the notification did.
func (m *Manager) ClearSession(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.current
	if id != "" && m.notifier != nil && m.notifier.IsConnected() {
		err := m.notifier.Send(protocol.TypeClearConversation, protocol.ClearConversation{
			ClientID:  m.clientID,
			SessionID: id,
		})
		if err != nil {
			m.logger.Warn("clear_conversation not delivered", "session_id", id, "error", err)
		}
	}

	m.current = ""
	if err := m.store.Delete(ctx, StorageKey); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	m.logger.Info("session cleared", "session_id", id)
	return nil
}
