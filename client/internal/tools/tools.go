// Package tools holds the tools a client offers to the hub and runs them
// for tool_execution_request messages.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/amurg-ai/toolbridge/pkg/protocol"
)

// Tool is one named capability.
type Tool interface {
	Name() string
	// Run returns a JSON-encodable result. Failures should be *Error so the
	// hub learns their type; anything else is reported as unknown.
	Run(ctx context.Context, params map[string]any) (any, error)
}

// Error is a typed tool failure.
type Error struct {
	Type        protocol.ErrorType
	Message     string
	Recoverable bool
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Type, e.Message) }

// Validationf returns a validation error for bad parameters.
func Validationf(format string, args ...any) *Error {
	return &Error{Type: protocol.ErrValidation, Message: fmt.Sprintf(format, args...)}
}

// Registry maps tool names to tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns a registry holding tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds t, replacing any tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	r.tools[t.Name()] = t
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted. They double as the
// capabilities advertised at registration.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Executor runs requests against a registry with a deadline.
type Executor struct {
	registry       *Registry
	defaultTimeout time.Duration
	logger         *slog.Logger
}

func NewExecutor(reg *Registry, defaultTimeout time.Duration, logger *slog.Logger) *Executor {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Executor{registry: reg, defaultTimeout: defaultTimeout, logger: logger.With("component", "tools")}
}

// Execute runs req and always produces a response for the hub.
func (e *Executor) Execute(ctx context.Context, req *protocol.ToolExecutionRequest) protocol.ToolExecutionResponse {
	start := time.Now()
	resp := protocol.ToolExecutionResponse{ExecutionID: req.ExecutionID}
	finish := func() protocol.ToolExecutionResponse {
		resp.ExecutionTime = time.Since(start).Milliseconds()
		return resp
	}

	tool, ok := e.registry.Get(req.ToolName)
	if !ok {
		resp.Error = &protocol.ToolError{Type: protocol.ErrValidation, Message: "unknown tool: " + req.ToolName}
		return finish()
	}

	timeout := e.defaultTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	params := req.Parameters
	if params == nil {
		params = map[string]any{}
	}
	result, err := tool.Run(ctx, params)
	if err == nil {
		raw, merr := json.Marshal(result)
		if merr != nil {
			err = fmt.Errorf("encode result: %w", merr)
		} else {
			resp.Success = true
			resp.Result = raw
			e.logger.Debug("tool completed", "execution_id", req.ExecutionID, "tool", req.ToolName)
			return finish()
		}
	}

	resp.Error = toToolError(ctx, err, timeout)
	e.logger.Warn("tool failed", "execution_id", req.ExecutionID, "tool", req.ToolName, "error_type", resp.Error.Type, "error", resp.Error.Message)
	return finish()
}

func toToolError(ctx context.Context, err error, timeout time.Duration) *protocol.ToolError {
	var te *Error
	switch {
	case errors.As(err, &te):
		return &protocol.ToolError{Type: te.Type, Message: te.Message, Recoverable: te.Recoverable}
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return &protocol.ToolError{Type: protocol.ErrTimeout, Message: fmt.Sprintf("tool did not finish within %s", timeout), Recoverable: true}
	default:
		return &protocol.ToolError{Type: protocol.ErrUnknown, Message: err.Error()}
	}
}
