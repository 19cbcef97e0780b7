package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amurg-ai/toolbridge/pkg/protocol"
)

type toolFunc struct {
	name string
	fn   func(ctx context.Context, params map[string]any) (any, error)
}

func (t toolFunc) Name() string { return t.name }
func (t toolFunc) Run(ctx context.Context, p map[string]any) (any, error) {
	return t.fn(ctx, p)
}

func newExecutor(tools ...Tool) *Executor {
	return NewExecutor(NewRegistry(tools...), time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func result(t *testing.T, resp protocol.ToolExecutionResponse) map[string]any {
	t.Helper()
	require.True(t, resp.Success, "error: %+v", resp.Error)
	var out map[string]any
	require.NoError(t, json.Unmarshal(resp.Result, &out))
	return out
}

func TestRegistry_Names(t *testing.T) {
	r := NewRegistry(FetchPage{}, Echo{}, Time{})
	assert.Equal(t, []string{"echo", "fetch_page", "get_time"}, r.Names())
	_, ok := r.Get("echo")
	assert.True(t, ok)
	_, ok = r.Get("rm_rf")
	assert.False(t, ok)
}

func TestExecute_Echo(t *testing.T) {
	resp := newExecutor(Echo{}).Execute(context.Background(), &protocol.ToolExecutionRequest{
		ExecutionID: "e1", ToolName: "echo", Parameters: map[string]any{"text": "hi"},
	})
	assert.Equal(t, "e1", resp.ExecutionID)
	assert.Equal(t, "hi", result(t, resp)["content"])
}

func TestExecute_Failures(t *testing.T) {
	slow := toolFunc{name: "slow", fn: func(ctx context.Context, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	broken := toolFunc{name: "broken", fn: func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("disk on fire")
	}}
	unencodable := toolFunc{name: "chan", fn: func(context.Context, map[string]any) (any, error) {
		return make(chan int), nil
	}}
	exec := newExecutor(Echo{}, slow, broken, unencodable)

	tests := []struct {
		name    string
		req     protocol.ToolExecutionRequest
		errType protocol.ErrorType
		message string
	}{
		{"unknown tool", protocol.ToolExecutionRequest{ToolName: "nope"}, protocol.ErrValidation, "unknown tool: nope"},
		{"bad params", protocol.ToolExecutionRequest{ToolName: "echo", Parameters: map[string]any{"text": 3}}, protocol.ErrValidation, "text must be a string"},
		{"timeout", protocol.ToolExecutionRequest{ToolName: "slow", Timeout: 20}, protocol.ErrTimeout, "20ms"},
		{"plain error", protocol.ToolExecutionRequest{ToolName: "broken"}, protocol.ErrUnknown, "disk on fire"},
		{"encode", protocol.ToolExecutionRequest{ToolName: "chan"}, protocol.ErrUnknown, "encode result"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.ExecutionID = "x"
			resp := exec.Execute(context.Background(), &tt.req)
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.errType, resp.Error.Type)
			assert.Contains(t, resp.Error.Message, tt.message)
			assert.Equal(t, "x", resp.ExecutionID)
		})
	}
}

func TestTime(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tool := Time{Now: func() time.Time { return fixed }}

	out, err := tool.Run(context.Background(), map[string]any{"timezone": "Asia/Tokyo"})
	require.NoError(t, err)
	m := out.(map[string]any)
	assert.Equal(t, "2026-03-01T21:00:00+09:00", m["content"])
	assert.Equal(t, fixed.UnixMilli(), m["unix_ms"])

	_, err = tool.Run(context.Background(), map[string]any{"timezone": "Mars/Olympus"})
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, protocol.ErrValidation, te.Type)
}

const page = `<!DOCTYPE html>
<html><head><title> Release notes </title><style>body{}</style></head>
<body>
<nav><a href="/">Home</a></nav>
<h1>Version 2</h1>
<p>Adds <strong>tool</strong> routing.</p>
<script>alert(1)</script>
</body></html>`

func TestFetchPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/page":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = io.WriteString(w, page)
		case "/plain":
			w.Header().Set("Content-Type", "text/plain")
			_, _ = io.WriteString(w, strings.Repeat("a", 100))
		case "/down":
			http.Error(w, "oops", http.StatusServiceUnavailable)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	tool := FetchPage{Client: srv.Client(), MaxBytes: 64}

	t.Run("html", func(t *testing.T) {
		out, err := FetchPage{Client: srv.Client()}.Run(context.Background(), map[string]any{"url": srv.URL + "/page"})
		require.NoError(t, err)
		m := out.(map[string]any)
		assert.Equal(t, "Release notes", m["title"])
		content := m["content"].(string)
		assert.Contains(t, content, "# Version 2")
		assert.Contains(t, content, "**tool**")
		assert.NotContains(t, content, "alert")
		assert.NotContains(t, content, "Home")
		assert.Equal(t, false, m["truncated"])
	})

	t.Run("plain text is truncated", func(t *testing.T) {
		out, err := tool.Run(context.Background(), map[string]any{"url": srv.URL + "/plain"})
		require.NoError(t, err)
		m := out.(map[string]any)
		assert.Len(t, m["content"], 64)
		assert.Equal(t, true, m["truncated"])
		assert.Empty(t, m["title"])
	})

	errCases := []struct {
		url         string
		errType     protocol.ErrorType
		recoverable bool
	}{
		{"", protocol.ErrValidation, false},
		{"ftp://example.com/file", protocol.ErrValidation, false},
		{"http://", protocol.ErrValidation, false},
		{srv.URL + "/missing", protocol.ErrNetwork, false},
		{srv.URL + "/down", protocol.ErrNetwork, true},
	}
	for _, tc := range errCases {
		_, err := tool.Run(context.Background(), map[string]any{"url": tc.url})
		var te *Error
		require.ErrorAs(t, err, &te, tc.url)
		assert.Equal(t, tc.errType, te.Type, tc.url)
		assert.Equal(t, tc.recoverable, te.Recoverable, tc.url)
	}
}

func TestFetchPage_ThroughExecutor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, page)
	}))
	defer srv.Close()

	resp := newExecutor(FetchPage{Client: srv.Client()}).Execute(context.Background(), &protocol.ToolExecutionRequest{
		ExecutionID: "f1", ToolName: "fetch_page", Parameters: map[string]any{"url": srv.URL},
	})
	assert.Contains(t, result(t, resp)["content"], "Version 2")
}
