// Package protocol defines the wire messages exchanged between toolbridge
// clients and the hub over WebSocket.
//
// Every message carries an id, a type discriminator and a millisecond
// timestamp. The payload is either nested under "payload" (envelope format)
// or merged into the top-level object (legacy format).
package protocol

import "encoding/json"

// Envelope is the structured wire format.
type Envelope struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
	Payload   any    `json:"payload,omitempty"`
}

// Message types.
const (
	TypeClientRegistration    = "client_registration"
	TypeRegistrationConfirmed = "registration_confirmed"
	TypeError                 = "error"
	TypeChatMessage           = "chat_message"
	TypeChatResponse          = "chat_response"
	TypePing                  = "ping"
	TypePong                  = "pong"
	TypeClearConversation     = "clear_conversation"
	TypeConversationCleared   = "conversation_cleared"
	TypeToolExecutionRequest  = "tool_execution_request"
	TypeToolExecutionResponse = "tool_execution_response"
	TypeToolExecutionStatus   = "tool_execution_status"
	TypeServerShutdown        = "server_shutdown"

	// Local events raised by the client connection manager. They never
	// travel over the wire.
	TypeConnectionStatusChanged     = "connection_status_changed"
	TypeMaxReconnectAttemptsReached = "max_reconnect_attempts_reached"
)

// MaxTypeLength bounds the type discriminator.
const MaxTypeLength = 100

// ClientType identifies the kind of client behind a connection.
type ClientType string

const (
	ClientBrowserExtension ClientType = "browser_extension"
	ClientHardware         ClientType = "hardware"
	ClientCLI              ClientType = "cli"
	ClientUnknown          ClientType = "unknown"
)

// Known reports whether t is one of the recognised client types.
func (t ClientType) Known() bool {
	switch t {
	case ClientBrowserExtension, ClientHardware, ClientCLI, ClientUnknown:
		return true
	}
	return false
}

// CapabilityAllTools is advertised by clients that accept any tool.
const CapabilityAllTools = "all_tools"

// --- Registration ---

// ClientRegistration is the first message a client sends after connecting.
type ClientRegistration struct {
	ClientType   ClientType     `json:"clientType"`
	Capabilities []string       `json:"capabilities"`
	UserAgent    string         `json:"userAgent,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	SessionToken string         `json:"sessionToken,omitempty"`
	UserID       string         `json:"userId,omitempty"`
}

// RegistrationConfirmed is the hub's reply to an accepted registration.
type RegistrationConfirmed struct {
	ClientID           string   `json:"clientId"`
	ServerCapabilities []string `json:"serverCapabilities"`
	Authenticated      bool     `json:"authenticated"`
	Permissions        []string `json:"permissions"`
}

// ErrorPayload reports a rejected request. The socket stays open.
type ErrorPayload struct {
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// --- Chat ---

type ChatMessage struct {
	Content   string `json:"content"`
	SessionID string `json:"sessionId"`
}

type ChatResponse struct {
	Content   string `json:"content"`
	SessionID string `json:"sessionId"`
}

type ClearConversation struct {
	ClientID  string `json:"clientId"`
	SessionID string `json:"sessionId"`
}

type ConversationCleared struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId,omitempty"`
}

// --- Health ---

type Ping struct{}

type Pong struct {
	OriginalTimestamp int64 `json:"originalTimestamp,omitempty"`
}

// --- Tool execution ---

// ErrorType classifies a failed tool execution.
type ErrorType string

const (
	ErrValidation ErrorType = "validation"
	ErrPermission ErrorType = "permission"
	ErrTimeout    ErrorType = "timeout"
	ErrBrowserAPI ErrorType = "browser_api"
	ErrNetwork    ErrorType = "network"
	ErrUnknown    ErrorType = "unknown"
)

// ExecutionStatus is the lifecycle stage reported by tool_execution_status.
type ExecutionStatus string

const (
	StatusQueued    ExecutionStatus = "queued"
	StatusExecuting ExecutionStatus = "executing"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusTimeout   ExecutionStatus = "timeout"
)

// SecurityContext describes the principal on whose behalf a tool runs.
type SecurityContext struct {
	UserID        string   `json:"userId,omitempty"`
	Authenticated bool     `json:"authenticated"`
	Permissions   []string `json:"permissions,omitempty"`
}

// ToolExecutionRequest is pushed by the hub to a client.
type ToolExecutionRequest struct {
	ExecutionID     string           `json:"executionId"`
	ToolName        string           `json:"toolName"`
	Parameters      map[string]any   `json:"parameters"`
	Timeout         int64            `json:"timeout,omitempty"` // milliseconds
	SecurityContext *SecurityContext `json:"securityContext,omitempty"`
}

// ToolError is the failure detail of a tool execution.
type ToolError struct {
	Type        ErrorType `json:"type"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
	RetryAfter  int64     `json:"retryAfter,omitempty"`
}

// ToolExecutionResponse answers a ToolExecutionRequest. Result is kept raw
// because its shape depends on the tool.
type ToolExecutionResponse struct {
	ExecutionID   string          `json:"executionId"`
	Success       bool            `json:"success"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         *ToolError      `json:"error,omitempty"`
	ExecutionTime int64           `json:"executionTime"` // milliseconds
}

type ToolExecutionStatus struct {
	ExecutionID   string          `json:"executionId"`
	Status        ExecutionStatus `json:"status"`
	Progress      *int            `json:"progress,omitempty"`
	StatusMessage string          `json:"statusMessage,omitempty"`
}

type ServerShutdown struct {
	Reason string `json:"reason,omitempty"`
}

// --- Client-local events ---

type ConnectionStatusChanged struct {
	Connected bool   `json:"connected"`
	Reason    string `json:"reason,omitempty"`
}

type MaxReconnectAttemptsReached struct {
	Attempts int `json:"attempts"`
}
