package socket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amurg-ai/toolbridge/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// echoServer upgrades each request and sends every frame it reads back
// to the peer. Closing the server-side socket is signalled on closed.
func echoServer(t *testing.T, format protocol.Format) (url string, closed chan int) {
	t.Helper()
	closed = make(chan int, 1)
	up := NewUpgrader(nil, Options{Format: format, Logger: testLogger()})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			frame, err := ws.ReadFrame()
			if err != nil {
				closed <- CloseCode(err)
				return
			}
			msg, err := ws.Codec().Decode(frame)
			if err != nil {
				continue
			}
			_ = ws.Send(msg.Type, msg.Payload)
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), closed
}

func TestWebSocket_SendAndRead(t *testing.T) {
	url, _ := echoServer(t, protocol.FormatEnvelope)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, err := Dial(ctx, url, nil, Options{Logger: testLogger()})
	require.NoError(t, err)
	defer ws.Close()

	require.True(t, ws.IsOpen())
	require.NoError(t, ws.Send(protocol.TypePong, protocol.Pong{OriginalTimestamp: 7}))

	frame, err := ws.ReadFrame()
	require.NoError(t, err)
	msg, err := ws.Codec().Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypePong, msg.Type)

	pong, err := protocol.ParseAs[protocol.Pong](msg)
	require.NoError(t, err)
	assert.Equal(t, int64(7), pong.OriginalTimestamp)
}

func TestWebSocket_SendAfterCloseIsNoop(t *testing.T) {
	url, closed := echoServer(t, protocol.FormatEnvelope)

	ws, err := Dial(context.Background(), url, nil, Options{Logger: testLogger()})
	require.NoError(t, err)
	require.NoError(t, ws.Close())

	assert.False(t, ws.IsOpen())
	assert.NoError(t, ws.Send(protocol.TypePing, nil))
	assert.NoError(t, ws.Close(), "second close is a no-op")

	select {
	case code := <-closed:
		assert.Equal(t, websocket.CloseNormalClosure, code)
	case <-time.After(5 * time.Second):
		t.Fatal("server never observed the close")
	}
}

func TestWebSocket_CloseWithGoingAway(t *testing.T) {
	url, closed := echoServer(t, protocol.FormatLegacy)

	ws, err := Dial(context.Background(), url, nil, Options{Format: protocol.FormatLegacy, Logger: testLogger()})
	require.NoError(t, err)
	require.NoError(t, ws.CloseWith(websocket.CloseGoingAway, "bye"))

	select {
	case code := <-closed:
		assert.True(t, IsIntentionalClose(code))
	case <-time.After(5 * time.Second):
		t.Fatal("server never observed the close")
	}
}

func TestDial_Refused(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Dial(ctx, "ws://127.0.0.1:1/ws", nil, Options{})
	assert.Error(t, err)
}

func TestCloseCode(t *testing.T) {
	assert.Equal(t, websocket.CloseGoingAway, CloseCode(&websocket.CloseError{Code: websocket.CloseGoingAway}))
	assert.Equal(t, websocket.CloseAbnormalClosure, CloseCode(errors.New("reset")))
	assert.False(t, IsIntentionalClose(websocket.CloseAbnormalClosure))
	assert.True(t, IsIntentionalClose(websocket.CloseNormalClosure))
}
