// Package orchestrator dispatches tool calls to connected clients and
// correlates their responses, timeouts and disconnects back to the caller.
//
// Every dispatched call is tracked as a pending entry that ends exactly
// once: the first of response, deadline or client disconnect removes the
// entry under the lock and only the remover delivers the outcome.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amurg-ai/toolbridge/hub/internal/registry"
	"github.com/amurg-ai/toolbridge/pkg/protocol"
)

// DefaultTimeout applies when a request does not carry its own.
const DefaultTimeout = 30 * time.Second

// Request is one tool call.
type Request struct {
	ExecutionID     string // generated when empty
	ToolName        string
	Parameters      map[string]any
	Timeout         time.Duration
	SecurityContext *protocol.SecurityContext
}

// Result is the single outcome of a dispatched call.
type Result struct {
	ExecutionID string
	Output      string
	Err         error
	Duration    time.Duration
}

// Authorizer decides whether client may run toolName.
type Authorizer interface {
	Authorize(client *registry.ClientConnection, toolName string) error
}

// Outcome is the terminal state of an execution as recorded.
type Outcome string

const (
	OutcomeCompleted    Outcome = "completed"
	OutcomeFailed       Outcome = "failed"
	OutcomeTimeout      Outcome = "timeout"
	OutcomeDisconnected Outcome = "disconnected"
	OutcomeUndelivered  Outcome = "undelivered"
)

// Record describes a finished execution.
type Record struct {
	ExecutionID string
	ClientID    string
	ToolName    string
	Outcome     Outcome
	Output      string
	Error       string
	StartedAt   time.Time
	Duration    time.Duration
}

// Recorder receives a Record for every finished execution. It is called
// outside the orchestrator lock and must not block for long.
type Recorder interface {
	RecordExecution(rec Record)
}

// Broadcaster fans status messages out to connected clients.
type Broadcaster interface {
	Broadcast(sel registry.Selector, event string, data any) int
}

// Options configures an Orchestrator. Every field is optional.
type Options struct {
	DefaultTimeout time.Duration
	Authorizer     Authorizer
	Recorder       Recorder
	Broadcaster    Broadcaster
}

// Stats counts executions since start.
type Stats struct {
	Dispatched uint64 `json:"dispatched"`
	Completed  uint64 `json:"completed"`
	Failed     uint64 `json:"failed"`
	TimedOut   uint64 `json:"timedOut"`
	Pending    int    `json:"pending"`
}

type pendingExecution struct {
	id       string
	clientID string
	req      Request
	timeout  time.Duration
	start    time.Time
	timer    *time.Timer
	resultCh chan Result // buffered 1, written once by whoever removes the entry
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	logger *slog.Logger
	opts   Options

	mu      sync.Mutex
	pending map[string]*pendingExecution
	stats   Stats
}

// New creates an Orchestrator.
func New(logger *slog.Logger, opts Options) *Orchestrator {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	return &Orchestrator{
		logger:  logger.With("component", "orchestrator"),
		opts:    opts,
		pending: make(map[string]*pendingExecution),
	}
}

// Dispatch sends req to client and returns a channel that receives exactly
// one Result. A request that cannot be sent fails immediately with a
// KindDelivery error and is not retried.
func (o *Orchestrator) Dispatch(client *registry.ClientConnection, req Request) (<-chan Result, error) {
	if req.ExecutionID == "" {
		req.ExecutionID = uuid.NewString()
	}
	if o.opts.Authorizer != nil {
		if err := o.opts.Authorizer.Authorize(client, req.ToolName); err != nil {
			return nil, &ExecutionError{
				Kind: KindPermission, ExecutionID: req.ExecutionID, ToolName: req.ToolName,
				Message: err.Error(), Err: err,
			}
		}
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = o.opts.DefaultTimeout
	}

	p := &pendingExecution{
		id:       req.ExecutionID,
		clientID: client.ID,
		req:      req,
		timeout:  timeout,
		start:    time.Now(),
		resultCh: make(chan Result, 1),
	}

	o.mu.Lock()
	if _, exists := o.pending[p.id]; exists {
		o.mu.Unlock()
		return nil, &ExecutionError{Kind: KindDuplicate, ExecutionID: p.id, ToolName: req.ToolName}
	}
	o.pending[p.id] = p
	o.stats.Dispatched++
	p.timer = time.AfterFunc(timeout, func() { o.handleTimeout(p) })
	o.mu.Unlock()

	o.logger.Info("dispatching tool execution",
		"execution_id", p.id, "tool", req.ToolName, "client_id", client.ID, "timeout", timeout)

	// A response can resolve the entry before send returns, so executing
	// goes out first.
	o.broadcastStatus(p.id, protocol.StatusExecuting, "")
	if err := o.send(client, p); err != nil {
		if o.take(p) {
			o.mu.Lock()
			o.stats.Failed++
			o.mu.Unlock()
			o.logger.Warn("tool request not delivered", "execution_id", p.id, "client_id", client.ID, "error", err)
			o.broadcastStatus(p.id, protocol.StatusFailed, err.Error())
			o.record(p, OutcomeUndelivered, "", err)
		}
		return nil, &ExecutionError{Kind: KindDelivery, ExecutionID: p.id, ToolName: req.ToolName, Err: err}
	}
	return p.resultCh, nil
}

func (o *Orchestrator) send(client *registry.ClientConnection, p *pendingExecution) error {
	if !client.Socket.IsOpen() {
		return ErrDelivery
	}
	return client.Socket.Send(protocol.TypeToolExecutionRequest, protocol.ToolExecutionRequest{
		ExecutionID:     p.id,
		ToolName:        p.req.ToolName,
		Parameters:      p.req.Parameters,
		Timeout:         p.timeout.Milliseconds(),
		SecurityContext: p.req.SecurityContext,
	})
}

// Execute dispatches and waits. Cancelling ctx abandons the wait only; the
// pending entry still ends by response, timeout or disconnect.
func (o *Orchestrator) Execute(ctx context.Context, client *registry.ClientConnection, req Request) (string, error) {
	ch, err := o.Dispatch(client, req)
	if err != nil {
		return "", err
	}
	select {
	case res := <-ch:
		return res.Output, res.Err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// OnResponse resolves the pending entry resp refers to. Responses for
// unknown executions, or from a client that does not own the execution,
// are logged and discarded. It reports whether an entry was resolved.
func (o *Orchestrator) OnResponse(clientID string, resp *protocol.ToolExecutionResponse) bool {
	o.mu.Lock()
	p, ok := o.pending[resp.ExecutionID]
	if !ok {
		o.mu.Unlock()
		o.logger.Warn("response for unknown execution discarded",
			"execution_id", resp.ExecutionID, "client_id", clientID)
		return false
	}
	if p.clientID != clientID {
		o.mu.Unlock()
		o.logger.Warn("response from non-owning client discarded",
			"execution_id", resp.ExecutionID, "client_id", clientID, "owner", p.clientID)
		return false
	}
	delete(o.pending, p.id)
	p.timer.Stop()
	if resp.Success {
		o.stats.Completed++
	} else {
		o.stats.Failed++
	}
	o.mu.Unlock()

	elapsed := time.Since(p.start)
	if resp.Success {
		out := NormalizeResult(resp.Result)
		o.logger.Info("tool execution completed", "execution_id", p.id, "tool", p.req.ToolName, "duration", elapsed)
		p.resultCh <- Result{ExecutionID: p.id, Output: out, Duration: elapsed}
		o.broadcastStatus(p.id, protocol.StatusCompleted, "")
		o.record(p, OutcomeCompleted, out, nil)
		return true
	}

	execErr := &ExecutionError{
		Kind: KindExecution, ExecutionID: p.id, ToolName: p.req.ToolName,
		ToolError: protocol.ErrUnknown, Message: "no error detail",
	}
	if resp.Error != nil {
		if resp.Error.Type.Valid() {
			execErr.ToolError = resp.Error.Type
		}
		execErr.Message = resp.Error.Message
		execErr.Recoverable = resp.Error.Recoverable
	}
	o.logger.Info("tool execution failed", "execution_id", p.id, "tool", p.req.ToolName, "error", execErr)
	p.resultCh <- Result{ExecutionID: p.id, Err: execErr, Duration: elapsed}
	o.broadcastStatus(p.id, protocol.StatusFailed, execErr.Message)
	o.record(p, OutcomeFailed, "", execErr)
	return true
}

func (o *Orchestrator) handleTimeout(p *pendingExecution) {
	if !o.take(p) {
		return
	}
	o.mu.Lock()
	o.stats.TimedOut++
	o.mu.Unlock()

	err := &ExecutionError{Kind: KindTimeout, ExecutionID: p.id, ToolName: p.req.ToolName, Timeout: p.timeout}
	o.logger.Warn("tool execution timed out", "execution_id", p.id, "tool", p.req.ToolName, "timeout", p.timeout)
	p.resultCh <- Result{ExecutionID: p.id, Err: err, Duration: time.Since(p.start)}
	o.broadcastStatus(p.id, protocol.StatusTimeout, err.Error())
	o.record(p, OutcomeTimeout, "", err)
}

// OnClientDisconnected rejects every pending execution owned by clientID
// and returns how many were rejected. Other clients' entries are untouched.
func (o *Orchestrator) OnClientDisconnected(clientID string) int {
	o.mu.Lock()
	var owned []*pendingExecution
	for id, p := range o.pending {
		if p.clientID == clientID {
			p.timer.Stop()
			delete(o.pending, id)
			owned = append(owned, p)
		}
	}
	o.stats.Failed += uint64(len(owned))
	o.mu.Unlock()

	for _, p := range owned {
		o.reject(p, &ExecutionError{Kind: KindDisconnected, ExecutionID: p.id, ToolName: p.req.ToolName})
	}
	if len(owned) > 0 {
		o.logger.Info("rejected executions for disconnected client", "client_id", clientID, "count", len(owned))
	}
	return len(owned)
}

// Shutdown rejects every pending execution.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	all := make([]*pendingExecution, 0, len(o.pending))
	for id, p := range o.pending {
		p.timer.Stop()
		delete(o.pending, id)
		all = append(all, p)
	}
	o.stats.Failed += uint64(len(all))
	o.mu.Unlock()

	for _, p := range all {
		o.reject(p, &ExecutionError{Kind: KindDisconnected, ExecutionID: p.id, ToolName: p.req.ToolName, Message: "hub shutting down"})
	}
}

func (o *Orchestrator) reject(p *pendingExecution, err *ExecutionError) {
	p.resultCh <- Result{ExecutionID: p.id, Err: err, Duration: time.Since(p.start)}
	o.broadcastStatus(p.id, protocol.StatusFailed, err.Error())
	o.record(p, OutcomeDisconnected, "", err)
}

// take removes p if it is still the pending entry for its id.
func (o *Orchestrator) take(p *pendingExecution) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	cur, ok := o.pending[p.id]
	if !ok || cur != p {
		return false
	}
	delete(o.pending, p.id)
	p.timer.Stop()
	return true
}

// BroadcastStatus relays a client-reported status to every client.
func (o *Orchestrator) BroadcastStatus(status *protocol.ToolExecutionStatus) {
	if o.opts.Broadcaster == nil {
		return
	}
	o.opts.Broadcaster.Broadcast(registry.All(), protocol.TypeToolExecutionStatus, status)
}

func (o *Orchestrator) broadcastStatus(id string, status protocol.ExecutionStatus, message string) {
	o.BroadcastStatus(&protocol.ToolExecutionStatus{ExecutionID: id, Status: status, StatusMessage: message})
}

func (o *Orchestrator) record(p *pendingExecution, outcome Outcome, output string, err error) {
	if o.opts.Recorder == nil {
		return
	}
	rec := Record{
		ExecutionID: p.id,
		ClientID:    p.clientID,
		ToolName:    p.req.ToolName,
		Outcome:     outcome,
		Output:      output,
		StartedAt:   p.start,
		Duration:    time.Since(p.start),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	o.opts.Recorder.RecordExecution(rec)
}

// Pending returns the number of outstanding executions.
func (o *Orchestrator) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.stats
	s.Pending = len(o.pending)
	return s
}
