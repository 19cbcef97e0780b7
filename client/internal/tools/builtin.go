package tools

import (
	"context"
	"time"
	_ "time/tzdata"
)

// Echo returns its text parameter.
type Echo struct{}

func (Echo) Name() string { return "echo" }

func (Echo) Run(_ context.Context, params map[string]any) (any, error) {
	text, ok := params["text"].(string)
	if !ok {
		return nil, Validationf("text must be a string")
	}
	return map[string]any{"content": text}, nil
}

// Time reports the current time, optionally in an IANA timezone.
type Time struct {
	Now func() time.Time
}

func (Time) Name() string { return "get_time" }

func (t Time) Run(_ context.Context, params map[string]any) (any, error) {
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	loc := time.Local
	if tz, ok := params["timezone"].(string); ok && tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, Validationf("unknown timezone %q", tz)
		}
		loc = l
	}
	ts := now().In(loc)
	return map[string]any{
		"content":  ts.Format(time.RFC3339),
		"unix_ms":  ts.UnixMilli(),
		"timezone": loc.String(),
	}, nil
}
