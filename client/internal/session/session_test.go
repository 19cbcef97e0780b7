package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amurg-ai/toolbridge/client/internal/kv"
	"github.com/amurg-ai/toolbridge/pkg/protocol"
)

type fakeNotifier struct {
	mu        sync.Mutex
	connected bool
	sendErr   error
	sent      []protocol.ClearConversation
}

func (f *fakeNotifier) IsConnected() bool { return f.connected }

func (f *fakeNotifier) Send(msgType string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msgType == protocol.TypeClearConversation {
		f.sent = append(f.sent, payload.(protocol.ClearConversation))
	}
	return f.sendErr
}

// flakyStore fails writes while broken is set.
type flakyStore struct {
	kv.Store
	broken bool
}

func (s *flakyStore) Set(ctx context.Context, k, v string) error {
	if s.broken {
		return errors.New("disk full")
	}
	return s.Store.Set(ctx, k, v)
}

func (s *flakyStore) Delete(ctx context.Context, k string) error {
	if s.broken {
		return errors.New("disk full")
	}
	return s.Store.Delete(ctx, k)
}

func newManager(store kv.Store, n Notifier) *Manager {
	return New(store, n, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

var idPattern = regexp.MustCompile(`^session_\d{13}_[0-9a-f]{9}$`)

func TestNewID(t *testing.T) {
	now := time.UnixMilli(1760000000123)
	a, b := NewID(now), NewID(now)
	assert.Regexp(t, idPattern, a)
	assert.Contains(t, a, "_1760000000123_")
	assert.NotEqual(t, a, b)
}

func TestCreateNewSession_Persists(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	m := newManager(store, nil)

	id, err := m.CreateNewSession(ctx)
	require.NoError(t, err)
	assert.Regexp(t, idPattern, id)
	assert.Equal(t, id, m.CurrentSessionID())

	stored, err := store.Get(ctx, StorageKey)
	require.NoError(t, err)
	assert.Equal(t, id, stored)

	id2, err := m.CreateNewSession(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, id, id2)
}

func TestCreateNewSession_RollsBackOnPersistFailure(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: kv.NewMemory()}
	m := newManager(store, nil)

	first, err := m.CreateNewSession(ctx)
	require.NoError(t, err)

	store.broken = true
	_, err = m.CreateNewSession(ctx)
	require.ErrorContains(t, err, "disk full")
	assert.Equal(t, first, m.CurrentSessionID(), "failed create must not replace the durable id")
}

func TestEnsureSession(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: kv.NewMemory(), broken: true}
	m := newManager(store, nil)

	_, err := m.EnsureSession(ctx)
	require.Error(t, err)
	assert.Empty(t, m.CurrentSessionID())

	store.broken = false
	id, err := m.EnsureSession(ctx)
	require.NoError(t, err)
	again, err := m.EnsureSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()

	id, err := newManager(store, nil).Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, store.Set(ctx, StorageKey, "session_1_abcdefghi"))
	m := newManager(store, nil)
	id, err = m.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "session_1_abcdefghi", id)
	assert.Equal(t, id, m.CurrentSessionID())
}

func TestClearSession_NotifiesWhenConnected(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	n := &fakeNotifier{connected: true}
	m := newManager(store, n)
	m.SetClientID("client-7")

	id, err := m.CreateNewSession(ctx)
	require.NoError(t, err)
	require.NoError(t, m.ClearSession(ctx))

	require.Len(t, n.sent, 1)
	assert.Equal(t, protocol.ClearConversation{ClientID: "client-7", SessionID: id}, n.sent[0])
	assert.Empty(t, m.CurrentSessionID())
	_, err = store.Get(ctx, StorageKey)
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestClearSession_ClearsEvenIfNotifyFails(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	n := &fakeNotifier{connected: true, sendErr: errors.New("broken pipe")}
	m := newManager(store, n)

	_, err := m.CreateNewSession(ctx)
	require.NoError(t, err)
	require.NoError(t, m.ClearSession(ctx))
	assert.Empty(t, m.CurrentSessionID())
	_, err = store.Get(ctx, StorageKey)
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestClearSession_SkipsNotifyWhenOffline(t *testing.T) {
	ctx := context.Background()
	n := &fakeNotifier{}
	m := newManager(kv.NewMemory(), n)

	_, err := m.CreateNewSession(ctx)
	require.NoError(t, err)
	require.NoError(t, m.ClearSession(ctx))
	assert.Empty(t, n.sent)
	assert.Empty(t, m.CurrentSessionID())
}

func TestClearSession_StorageFailure(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: kv.NewMemory()}
	m := newManager(store, nil)
	_, err := m.CreateNewSession(ctx)
	require.NoError(t, err)

	store.broken = true
	assert.Error(t, m.ClearSession(ctx))
	assert.Empty(t, m.CurrentSessionID(), "memory is cleared even when storage is not")
}
