// Package control serves a local JSON-lines endpoint on a Unix socket so
// other processes can query or steer a running client.
package control

import (
	"context"
	"encoding/json"
	"time"
)

// Methods understood by the server.
const (
	MethodStatus       = "status"
	MethodClearSession = "clear_session"
	MethodSubscribe    = "subscribe"
	MethodLogs         = "logs"
)

// Request is one line sent by a control client.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is one line sent back. Type is "result", "error" or "event".
type Response struct {
	ID   string          `json:"id,omitempty"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// StatusResult answers MethodStatus.
type StatusResult struct {
	ClientID  string    `json:"client_id,omitempty"`
	HubURL    string    `json:"hub_url"`
	State     string    `json:"state"`
	Connected bool      `json:"connected"`
	Attempts  int       `json:"reconnect_attempts"`
	SessionID string    `json:"session_id,omitempty"`
	Tools     []string  `json:"tools"`
	StartedAt time.Time `json:"started_at"`
	Uptime    string    `json:"uptime"`
	Version   string    `json:"version"`
}

// SubscribeParams filters the events streamed after MethodSubscribe.
type SubscribeParams struct {
	Events []string `json:"events"`
}

// Event is a bus event as streamed to subscribers.
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Provider is what the server needs from the running client.
type Provider interface {
	Status() StatusResult
	ClearSession(ctx context.Context) error
}

func errorData(msg string) json.RawMessage {
	return marshalRaw(map[string]string{"error": msg})
}

func marshalRaw(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
