package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/amurg-ai/toolbridge/pkg/protocol"
)

// Kind classifies why an execution did not produce a result.
type Kind string

const (
	KindExecution    Kind = "execution"    // the client reported failure
	KindTimeout      Kind = "timeout"      // no response before the deadline
	KindDisconnected Kind = "disconnected" // the owning client went away
	KindDelivery     Kind = "delivery"     // the request could not be sent
	KindPermission   Kind = "permission"   // the authorizer refused the call
	KindDuplicate    Kind = "duplicate"    // executionId already pending
)

// Sentinels matched by ExecutionError.Is.
var (
	ErrTimeout      = errors.New("tool execution timeout")
	ErrDisconnected = errors.New("client disconnected")
	ErrDelivery     = errors.New("tool request not delivered")
	ErrPermission   = errors.New("tool execution not permitted")
)

// ExecutionError is the typed rejection handed to a waiting caller.
type ExecutionError struct {
	Kind        Kind
	ExecutionID string
	ToolName    string
	ToolError   protocol.ErrorType // set for KindExecution
	Message     string
	Recoverable bool
	Timeout     time.Duration // set for KindTimeout
	Err         error
}

func (e *ExecutionError) Error() string {
	switch e.Kind {
	case KindExecution:
		return fmt.Sprintf("tool execution failed (%s): %s", e.ToolError, e.Message)
	case KindTimeout:
		return fmt.Sprintf("tool execution timeout after %s: %s", e.Timeout, e.ToolName)
	case KindDisconnected:
		return fmt.Sprintf("tool execution aborted, client disconnected: %s", e.ToolName)
	case KindDelivery:
		if e.Err != nil {
			return fmt.Sprintf("tool request not delivered: %v", e.Err)
		}
		return "tool request not delivered: " + e.Message
	case KindPermission:
		return "tool execution not permitted: " + e.Message
	case KindDuplicate:
		return "tool execution already pending: " + e.ExecutionID
	}
	return e.Message
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func (e *ExecutionError) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrDisconnected:
		return e.Kind == KindDisconnected
	case ErrDelivery:
		return e.Kind == KindDelivery
	case ErrPermission:
		return e.Kind == KindPermission
	}
	return false
}
