package socket

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Dial opens an outbound WebSocket. The context bounds the handshake.
func Dial(ctx context.Context, url string, header http.Header, opts Options) (*WebSocket, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return New(conn, opts), nil
}

// Upgrader wraps websocket.Upgrader with origin checking.
type Upgrader struct {
	upgrader websocket.Upgrader
	opts     Options
}

// NewUpgrader builds an upgrader. An empty list or a single "*" allows any
// origin; requests without an Origin header (non-browser clients) are
// always allowed.
func NewUpgrader(allowedOrigins []string, opts Options) *Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}
	return &Upgrader{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if allowAll {
					return true
				}
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				return originSet[origin]
			},
		},
		opts: opts,
	}
}

// Upgrade completes the handshake and wraps the connection. Each call gets
// a fresh socket id.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*WebSocket, error) {
	conn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	opts := u.opts
	opts.ID = ""
	return New(conn, opts), nil
}
