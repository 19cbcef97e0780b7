package sockettest

import (
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amurg-ai/toolbridge/pkg/protocol"
	"github.com/amurg-ai/toolbridge/pkg/socket"
)

var _ socket.Conn = (*Socket)(nil)

func TestSocket_RecordsAndFails(t *testing.T) {
	s := New("c1")
	require.NoError(t, s.Send(protocol.TypePong, protocol.Pong{OriginalTimestamp: 1}))

	s.FailSends(errors.New("broken pipe"))
	assert.Error(t, s.Send(protocol.TypePing, nil))

	msgs := s.SentOfType(protocol.TypePong)
	require.Len(t, msgs, 1)
	var pong protocol.Pong
	require.NoError(t, msgs[0].Decode(&pong))
	assert.Equal(t, int64(1), pong.OriginalTimestamp)
}

func TestSocket_DeliverThenClose(t *testing.T) {
	s := New("c1")
	s.Deliver(protocol.TypePing, nil)
	require.NoError(t, s.CloseWith(websocket.CloseGoingAway, ""))

	frame, err := s.ReadFrame()
	require.NoError(t, err, "queued frames drain before the close surfaces")
	msg, err := s.Codec().Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypePing, msg.Type)

	_, err = s.ReadFrame()
	assert.Equal(t, websocket.CloseGoingAway, socket.CloseCode(err))
	assert.False(t, s.IsOpen())
	assert.NoError(t, s.Send(protocol.TypePing, nil))
	assert.Empty(t, s.Sent())
}

func TestSocket_WaitFor(t *testing.T) {
	s := New("c1")
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = s.Send(protocol.TypePong, nil)
	}()
	_, ok := s.WaitFor(protocol.TypePong, time.Second)
	assert.True(t, ok)
	_, ok = s.WaitFor(protocol.TypeError, 20*time.Millisecond)
	assert.False(t, ok)
}
