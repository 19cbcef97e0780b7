package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/amurg-ai/toolbridge/hub/internal/registry"
	"github.com/amurg-ai/toolbridge/hub/internal/validation"
	"github.com/amurg-ai/toolbridge/pkg/protocol"
	"github.com/amurg-ai/toolbridge/pkg/socket/sockettest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingBroadcaster struct {
	mu       sync.Mutex
	statuses []protocol.ToolExecutionStatus
}

func (b *recordingBroadcaster) Broadcast(_ registry.Selector, event string, data any) int {
	if event != protocol.TypeToolExecutionStatus {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses = append(b.statuses, *data.(*protocol.ToolExecutionStatus))
	return 1
}

func (b *recordingBroadcaster) last() protocol.ToolExecutionStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statuses[len(b.statuses)-1]
}

type recordingRecorder struct {
	mu      sync.Mutex
	records []Record
}

func (r *recordingRecorder) RecordExecution(rec Record) {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
}

type denyAll struct{}

func (denyAll) Authorize(*registry.ClientConnection, string) error {
	return errors.New("missing tool:* permission")
}

func newClient(t *testing.T, reg *registry.Registry, id string) (*registry.ClientConnection, *sockettest.Socket) {
	t.Helper()
	sock := sockettest.New(id)
	cc, err := reg.Register(sock, registry.Registration{
		ClientType:   protocol.ClientBrowserExtension,
		Capabilities: []string{protocol.CapabilityAllTools},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return cc, sock
}

func setup(t *testing.T, opts Options) (*Orchestrator, *registry.Registry) {
	t.Helper()
	reg := registry.New(testLogger(), validation.DefaultLimits())
	return New(testLogger(), opts), reg
}

func awaitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("no result delivered")
		return Result{}
	}
}

func TestDispatch_SendsRequest(t *testing.T) {
	o, reg := setup(t, Options{})
	client, sock := newClient(t, reg, "c1")

	_, err := o.Dispatch(client, Request{
		ExecutionID: "exec-1",
		ToolName:    "fetch_page",
		Parameters:  map[string]any{"url": "https://example.com"},
		Timeout:     5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	msgs := sock.SentOfType(protocol.TypeToolExecutionRequest)
	if len(msgs) != 1 {
		t.Fatalf("sent requests: got %d, want 1", len(msgs))
	}
	var req protocol.ToolExecutionRequest
	if err := msgs[0].Decode(&req); err != nil {
		t.Fatal(err)
	}
	if req.ExecutionID != "exec-1" || req.ToolName != "fetch_page" || req.Timeout != 5000 {
		t.Errorf("request: got %+v", req)
	}
	if o.Pending() != 1 {
		t.Errorf("Pending: got %d, want 1", o.Pending())
	}
}

func TestOnResponse_Success(t *testing.T) {
	o, reg := setup(t, Options{})
	client, _ := newClient(t, reg, "c1")

	ch, err := o.Dispatch(client, Request{ExecutionID: "e1", ToolName: "echo"})
	if err != nil {
		t.Fatal(err)
	}
	ok := o.OnResponse("c1", &protocol.ToolExecutionResponse{
		ExecutionID: "e1",
		Success:     true,
		Result:      json.RawMessage(`{"success":true,"message":"done"}`),
	})
	if !ok {
		t.Fatal("OnResponse should resolve the pending entry")
	}
	res := awaitResult(t, ch)
	if res.Err != nil || res.Output != "done" {
		t.Errorf("result: got %+v", res)
	}
	if o.Pending() != 0 {
		t.Errorf("Pending: got %d, want 0", o.Pending())
	}
}

func TestOnResponse_Failure(t *testing.T) {
	o, reg := setup(t, Options{})
	client, _ := newClient(t, reg, "c1")

	ch, _ := o.Dispatch(client, Request{ExecutionID: "e1", ToolName: "navigate"})
	o.OnResponse("c1", &protocol.ToolExecutionResponse{
		ExecutionID: "e1",
		Error:       &protocol.ToolError{Type: protocol.ErrBrowserAPI, Message: "tab closed"},
	})

	res := awaitResult(t, ch)
	var ee *ExecutionError
	if !errors.As(res.Err, &ee) || ee.Kind != KindExecution {
		t.Fatalf("expected execution error, got %v", res.Err)
	}
	if !strings.Contains(res.Err.Error(), "browser_api") || !strings.Contains(res.Err.Error(), "tab closed") {
		t.Errorf("error message: got %q", res.Err.Error())
	}
}

func TestOnResponse_UnknownAndNonOwner(t *testing.T) {
	o, reg := setup(t, Options{})
	client, _ := newClient(t, reg, "c1")

	if o.OnResponse("c1", &protocol.ToolExecutionResponse{ExecutionID: "nope", Success: true}) {
		t.Error("unknown execution should be discarded")
	}

	ch, _ := o.Dispatch(client, Request{ExecutionID: "e1", ToolName: "echo", Timeout: time.Minute})
	if o.OnResponse("intruder", &protocol.ToolExecutionResponse{ExecutionID: "e1", Success: true}) {
		t.Error("response from another client should be discarded")
	}
	if o.Pending() != 1 {
		t.Fatalf("Pending: got %d, want 1", o.Pending())
	}
	o.OnResponse("c1", &protocol.ToolExecutionResponse{ExecutionID: "e1", Success: true, Result: json.RawMessage(`"ok"`)})
	if res := awaitResult(t, ch); res.Output != "ok" {
		t.Errorf("Output: got %q", res.Output)
	}
}

func TestTimeout(t *testing.T) {
	b := &recordingBroadcaster{}
	o, reg := setup(t, Options{Broadcaster: b})
	client, _ := newClient(t, reg, "c1")

	start := time.Now()
	ch, err := o.Dispatch(client, Request{ExecutionID: "slow", ToolName: "echo", Timeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	res := awaitResult(t, ch)
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("timed out too early: %v", elapsed)
	}
	if !errors.Is(res.Err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", res.Err)
	}
	if !strings.Contains(res.Err.Error(), "timeout") {
		t.Errorf("error message: got %q", res.Err.Error())
	}
	if o.Pending() != 0 {
		t.Errorf("Pending: got %d, want 0", o.Pending())
	}
	if got := b.last().Status; got != protocol.StatusTimeout {
		t.Errorf("last status: got %q, want timeout", got)
	}

	// A late response after the deadline is a logged no-op.
	if o.OnResponse("c1", &protocol.ToolExecutionResponse{ExecutionID: "slow", Success: true}) {
		t.Error("late response should not resolve anything")
	}
	select {
	case extra := <-ch:
		t.Errorf("second outcome delivered: %+v", extra)
	case <-time.After(20 * time.Millisecond):
	}

	s := o.Stats()
	if s.TimedOut != 1 || s.Failed != 0 || s.Completed != 0 {
		t.Errorf("Stats: got %+v", s)
	}
}

func TestResponseBeforeDeadline_NoSecondOutcome(t *testing.T) {
	o, reg := setup(t, Options{})
	client, _ := newClient(t, reg, "c1")

	ch, _ := o.Dispatch(client, Request{ExecutionID: "e1", ToolName: "echo", Timeout: 30 * time.Millisecond})
	o.OnResponse("c1", &protocol.ToolExecutionResponse{ExecutionID: "e1", Success: true})
	awaitResult(t, ch)

	time.Sleep(60 * time.Millisecond)
	select {
	case extra := <-ch:
		t.Errorf("timer delivered a second outcome: %+v", extra)
	default:
	}
	if s := o.Stats(); s.TimedOut != 0 || s.Completed != 1 {
		t.Errorf("Stats: got %+v", s)
	}
}

func TestOnClientDisconnected(t *testing.T) {
	o, reg := setup(t, Options{})
	target, _ := newClient(t, reg, "target")
	other, _ := newClient(t, reg, "other")

	const n, m = 3, 2
	var targetChans, otherChans []<-chan Result
	for i := 0; i < n; i++ {
		ch, err := o.Dispatch(target, Request{ExecutionID: fmt.Sprintf("t-%d", i), ToolName: "echo", Timeout: time.Minute})
		if err != nil {
			t.Fatal(err)
		}
		targetChans = append(targetChans, ch)
	}
	for i := 0; i < m; i++ {
		ch, err := o.Dispatch(other, Request{ExecutionID: fmt.Sprintf("o-%d", i), ToolName: "echo", Timeout: time.Minute})
		if err != nil {
			t.Fatal(err)
		}
		otherChans = append(otherChans, ch)
	}

	if got := o.OnClientDisconnected("target"); got != n {
		t.Errorf("rejected: got %d, want %d", got, n)
	}
	for _, ch := range targetChans {
		if res := awaitResult(t, ch); !errors.Is(res.Err, ErrDisconnected) {
			t.Errorf("expected disconnect error, got %v", res.Err)
		}
	}
	for _, ch := range otherChans {
		select {
		case res := <-ch:
			t.Errorf("other client's execution was touched: %+v", res)
		default:
		}
	}
	if o.Pending() != m {
		t.Errorf("Pending: got %d, want %d", o.Pending(), m)
	}
	if got := o.OnClientDisconnected("target"); got != 0 {
		t.Errorf("second disconnect rejected %d", got)
	}
}

func TestDispatch_DeliveryFailure(t *testing.T) {
	rec := &recordingRecorder{}
	o, reg := setup(t, Options{Recorder: rec})
	client, sock := newClient(t, reg, "c1")
	sock.FailSends(errors.New("broken pipe"))

	_, err := o.Dispatch(client, Request{ExecutionID: "e1", ToolName: "echo"})
	if !errors.Is(err, ErrDelivery) {
		t.Fatalf("expected delivery error, got %v", err)
	}
	if o.Pending() != 0 {
		t.Errorf("Pending: got %d, want 0", o.Pending())
	}
	if len(rec.records) != 1 || rec.records[0].Outcome != OutcomeUndelivered {
		t.Errorf("records: got %+v", rec.records)
	}
}

func TestDispatch_ClosedSocket(t *testing.T) {
	o, reg := setup(t, Options{})
	client, sock := newClient(t, reg, "c1")
	_ = sock.Close()

	_, err := o.Dispatch(client, Request{ToolName: "echo"})
	if !errors.Is(err, ErrDelivery) {
		t.Fatalf("expected delivery error, got %v", err)
	}
}

func TestDispatch_Duplicate(t *testing.T) {
	o, reg := setup(t, Options{})
	client, _ := newClient(t, reg, "c1")

	if _, err := o.Dispatch(client, Request{ExecutionID: "dup", ToolName: "echo", Timeout: time.Minute}); err != nil {
		t.Fatal(err)
	}
	_, err := o.Dispatch(client, Request{ExecutionID: "dup", ToolName: "echo"})
	var ee *ExecutionError
	if !errors.As(err, &ee) || ee.Kind != KindDuplicate {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestDispatch_PermissionDenied(t *testing.T) {
	o, reg := setup(t, Options{Authorizer: denyAll{}})
	client, sock := newClient(t, reg, "c1")

	_, err := o.Dispatch(client, Request{ToolName: "echo"})
	if !errors.Is(err, ErrPermission) {
		t.Fatalf("expected permission error, got %v", err)
	}
	if len(sock.Sent()) != 0 {
		t.Error("denied request must not be sent")
	}
}

func TestExecute_ContextCancelled(t *testing.T) {
	o, reg := setup(t, Options{})
	client, _ := newClient(t, reg, "c1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := o.Execute(ctx, client, Request{ExecutionID: "e1", ToolName: "echo", Timeout: time.Minute})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context error, got %v", err)
	}
	if o.Pending() != 1 {
		t.Errorf("abandoned wait should leave the entry pending, got %d", o.Pending())
	}
}

func TestExecute_Resolves(t *testing.T) {
	o, reg := setup(t, Options{})
	client, sock := newClient(t, reg, "c1")

	go func() {
		sent, ok := sock.WaitFor(protocol.TypeToolExecutionRequest, time.Second)
		if !ok {
			return
		}
		var req protocol.ToolExecutionRequest
		_ = sent.Decode(&req)
		o.OnResponse("c1", &protocol.ToolExecutionResponse{
			ExecutionID: req.ExecutionID, Success: true, Result: json.RawMessage(`{"content":"page text"}`),
		})
	}()

	out, err := o.Execute(context.Background(), client, Request{ToolName: "fetch_page"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "page text" {
		t.Errorf("output: got %q", out)
	}
}

func TestShutdown(t *testing.T) {
	o, reg := setup(t, Options{})
	client, _ := newClient(t, reg, "c1")
	ch, _ := o.Dispatch(client, Request{ToolName: "echo", Timeout: time.Minute})

	o.Shutdown()
	if res := awaitResult(t, ch); !errors.Is(res.Err, ErrDisconnected) {
		t.Errorf("expected disconnect error, got %v", res.Err)
	}
	if o.Pending() != 0 {
		t.Errorf("Pending: got %d", o.Pending())
	}
}

func TestStatusBroadcasts(t *testing.T) {
	b := &recordingBroadcaster{}
	o, reg := setup(t, Options{Broadcaster: b})
	client, _ := newClient(t, reg, "c1")

	ch, _ := o.Dispatch(client, Request{ExecutionID: "e1", ToolName: "echo"})
	if got := b.last(); got.Status != protocol.StatusExecuting || got.ExecutionID != "e1" {
		t.Errorf("after dispatch: got %+v", got)
	}
	o.OnResponse("c1", &protocol.ToolExecutionResponse{ExecutionID: "e1", Success: true})
	awaitResult(t, ch)
	if got := b.last(); got.Status != protocol.StatusCompleted {
		t.Errorf("after response: got %+v", got)
	}
}

// answeringSocket resolves each request before Send returns, as a fast
// client whose reply is read while the send is still unwinding.
type answeringSocket struct {
	*sockettest.Socket
	answer func(req protocol.ToolExecutionRequest)
}

func (s *answeringSocket) Send(event string, data any) error {
	if err := s.Socket.Send(event, data); err != nil {
		return err
	}
	if req, ok := data.(protocol.ToolExecutionRequest); ok {
		s.answer(req)
	}
	return nil
}

func TestStatusBroadcasts_ExecutingPrecedesFastResponse(t *testing.T) {
	b := &recordingBroadcaster{}
	o, reg := setup(t, Options{Broadcaster: b})
	sock := &answeringSocket{Socket: sockettest.New("c1")}
	sock.answer = func(req protocol.ToolExecutionRequest) {
		o.OnResponse("c1", &protocol.ToolExecutionResponse{ExecutionID: req.ExecutionID, Success: true})
	}
	client, err := reg.Register(sock, registry.Registration{
		ClientType:   protocol.ClientBrowserExtension,
		Capabilities: []string{protocol.CapabilityAllTools},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	ch, err := o.Dispatch(client, Request{ExecutionID: "e1", ToolName: "echo"})
	if err != nil {
		t.Fatal(err)
	}
	awaitResult(t, ch)

	b.mu.Lock()
	defer b.mu.Unlock()
	var got []protocol.ExecutionStatus
	for _, st := range b.statuses {
		got = append(got, st.Status)
	}
	if len(got) != 2 || got[0] != protocol.StatusExecuting || got[1] != protocol.StatusCompleted {
		t.Errorf("statuses: got %v, want [executing completed]", got)
	}
}

func TestStatusBroadcasts_UndeliveredEndsFailed(t *testing.T) {
	b := &recordingBroadcaster{}
	o, reg := setup(t, Options{Broadcaster: b})
	client, sock := newClient(t, reg, "c1")
	sock.FailSends(errors.New("broken pipe"))

	if _, err := o.Dispatch(client, Request{ExecutionID: "e1", ToolName: "echo"}); !errors.Is(err, ErrDelivery) {
		t.Fatalf("expected delivery error, got %v", err)
	}
	if got := b.last(); got.Status != protocol.StatusFailed || got.ExecutionID != "e1" {
		t.Errorf("last status: got %+v", got)
	}
}

func TestNormalizeResult(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{``, ""},
		{`null`, ""},
		{`"plain"`, "plain"},
		{`{"success":true,"message":"saved"}`, "saved"},
		{`{"message":"no success flag","content":"body"}`, "body"},
		{`{"content":{"items":[1, 2]}}`, `{"items":[1,2]}`},
		{`{"url":"https://example.com"}`, "Navigated to https://example.com"},
		{`{"url":"https://example.com","title":"Example"}`, "Navigated to https://example.com (Example)"},
		{`{"count": 3}`, `{"count":3}`},
		{`[1, 2, 3]`, `[1,2,3]`},
		{`42`, `42`},
	}
	for _, tt := range tests {
		if got := NormalizeResult(json.RawMessage(tt.raw)); got != tt.want {
			t.Errorf("NormalizeResult(%s): got %q, want %q", tt.raw, got, tt.want)
		}
	}
}
