package control

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amurg-ai/toolbridge/client/internal/eventbus"
)

type fakeProvider struct {
	clearErr error
	cleared  int
}

func (f *fakeProvider) Status() StatusResult {
	return StatusResult{ClientID: "c1", HubURL: "ws://hub/ws", State: "connected", Connected: true, Tools: []string{"echo"}}
}

func (f *fakeProvider) ClearSession(context.Context) error {
	f.cleared++
	return f.clearErr
}

func startServer(t *testing.T, p Provider, bus *eventbus.Bus) string {
	t.Helper()
	return startServerWithLogs(t, p, bus, nil)
}

func startServerWithLogs(t *testing.T, p Provider, bus, logs *eventbus.Bus) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tb.sock")
	srv := NewServer(path, p, bus, logs, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Close() })
	return path
}

func dial(t *testing.T, path string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestStatus(t *testing.T) {
	path := startServer(t, &fakeProvider{}, eventbus.New())
	c := dial(t, path)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c1", st.ClientID)
	assert.True(t, st.Connected)
	assert.Equal(t, []string{"echo"}, st.Tools)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestClearSession(t *testing.T) {
	p := &fakeProvider{}
	c := dial(t, startServer(t, p, eventbus.New()))
	ctx := context.Background()

	_, err := c.Call(ctx, MethodClearSession, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, p.cleared)

	p.clearErr = errors.New("disk full")
	_, err = c.Call(ctx, MethodClearSession, nil)
	assert.ErrorContains(t, err, "disk full")
}

func TestUnknownMethod(t *testing.T) {
	c := dial(t, startServer(t, &fakeProvider{}, eventbus.New()))
	_, err := c.Call(context.Background(), "reboot", nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "reboot", remote.Method)
	assert.Equal(t, "unknown method: reboot", remote.Message)
}

func TestInvalidRequestKeepsConnection(t *testing.T) {
	path := startServer(t, &fakeProvider{}, eventbus.New())
	raw, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer raw.Close()

	_, err = raw.Write([]byte("not json\n" + `{"id":"7","method":"status"}` + "\n"))
	require.NoError(t, err)

	buf := make([]byte, 4096)
	_ = raw.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got string
	for !strings.Contains(got, `"invalid request"`) || !strings.Contains(got, `"id":"7"`) {
		n, err := raw.Read(buf)
		require.NoError(t, err)
		got += string(buf[:n])
	}
}


func TestSubscribe(t *testing.T) {
	bus := eventbus.New()
	c := dial(t, startServer(t, &fakeProvider{}, bus))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Subscribe(ctx, "connection_status_changed"))

	bus.Emit("chat_response", map[string]string{"content": "skip"})
	bus.Emit("connection_status_changed", map[string]bool{"connected": true})

	select {
	case evt := <-c.Events():
		assert.Equal(t, "connection_status_changed", evt.Type)
		assert.JSONEq(t, `{"connected":true}`, string(evt.Data))
	case <-ctx.Done():
		t.Fatal("no event")
	}
}

func TestCloseRemovesSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tb.sock")
	srv := NewServer(path, &fakeProvider{}, eventbus.New(), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, srv.Start())
	c := dial(t, path)

	require.NoError(t, srv.Close())
	require.NoError(t, srv.Close())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	_, err = c.Call(context.Background(), MethodStatus, nil)
	assert.Error(t, err)
}

func TestFollowLogs(t *testing.T) {
	logs := eventbus.New()
	c := dial(t, startServerWithLogs(t, &fakeProvider{}, eventbus.New(), logs))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.FollowLogs(ctx))

	logger := slog.New(eventbus.NewSlogHandler(slog.NewTextHandler(io.Discard, nil), logs))
	logger.Info("tool request answered", "tool", "echo")

	select {
	case evt := <-c.Events():
		assert.Equal(t, eventbus.LogEntry, evt.Type)
		assert.Contains(t, string(evt.Data), `"tool":"echo"`)
	case <-ctx.Done():
		t.Fatal("no log entry")
	}
}

func TestFollowLogs_Disabled(t *testing.T) {
	c := dial(t, startServer(t, &fakeProvider{}, eventbus.New()))
	assert.ErrorContains(t, c.FollowLogs(context.Background()), "not enabled")
}
