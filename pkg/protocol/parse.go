package protocol

import (
	"errors"
	"fmt"
)

// ErrUnknownType is returned by Parse for a type it has no payload for.
var ErrUnknownType = errors.New("protocol: unknown message type")

// Parse decodes the payload of msg into the concrete struct for its type.
// The returned value is always a pointer, e.g. *ClientRegistration.
func Parse(msg *Message) (any, error) {
	switch msg.Type {
	case TypeClientRegistration:
		return decodeAs[ClientRegistration](msg)
	case TypeRegistrationConfirmed:
		return decodeAs[RegistrationConfirmed](msg)
	case TypeError:
		return decodeAs[ErrorPayload](msg)
	case TypeChatMessage:
		return decodeAs[ChatMessage](msg)
	case TypeChatResponse:
		return decodeAs[ChatResponse](msg)
	case TypePing:
		return decodeAs[Ping](msg)
	case TypePong:
		return decodeAs[Pong](msg)
	case TypeClearConversation:
		return decodeAs[ClearConversation](msg)
	case TypeConversationCleared:
		return decodeAs[ConversationCleared](msg)
	case TypeToolExecutionRequest:
		return decodeAs[ToolExecutionRequest](msg)
	case TypeToolExecutionResponse:
		return decodeAs[ToolExecutionResponse](msg)
	case TypeToolExecutionStatus:
		return decodeAs[ToolExecutionStatus](msg)
	case TypeServerShutdown:
		return decodeAs[ServerShutdown](msg)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
}

// ParseAs is Parse with the concrete type known by the caller.
func ParseAs[T any](msg *Message) (*T, error) {
	return decodeAs[T](msg)
}

func decodeAs[T any](msg *Message) (*T, error) {
	v := new(T)
	if err := msg.DecodePayload(v); err != nil {
		return nil, &DecodeError{Reason: "invalid payload", Err: err}
	}
	return v, nil
}

// Valid reports whether t is one of the defined tool error types.
func (t ErrorType) Valid() bool {
	switch t {
	case ErrValidation, ErrPermission, ErrTimeout, ErrBrowserAPI, ErrNetwork, ErrUnknown:
		return true
	}
	return false
}

// Terminal reports whether s ends an execution.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimeout
}
