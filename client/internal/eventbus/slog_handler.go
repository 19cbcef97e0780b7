package eventbus

import (
	"context"
	"log/slog"
)

// LogEntry is the event type SlogHandler publishes.
const LogEntry = "log.entry"

// SlogHandler passes records to an inner handler and also publishes each
// one to a bus as a LogEntry event with a flat attribute map.
type SlogHandler struct {
	inner slog.Handler
	bus   *Bus
	attrs []slog.Attr
	group string
}

// NewSlogHandler wraps inner.
func NewSlogHandler(inner slog.Handler, bus *Bus) *SlogHandler {
	return &SlogHandler{inner: inner, bus: bus}
}

func (h *SlogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *SlogHandler) Handle(ctx context.Context, r slog.Record) error {
	entry := make(map[string]any, r.NumAttrs()+len(h.attrs)+3)
	for _, a := range h.attrs {
		entry[h.key(a.Key)] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		entry[h.key(a.Key)] = a.Value.Any()
		return true
	})
	entry["level"] = r.Level.String()
	entry["msg"] = r.Message
	entry["time"] = r.Time
	h.bus.Emit(LogEntry, entry)

	return h.inner.Handle(ctx, r)
}

func (h *SlogHandler) key(k string) string {
	if h.group == "" {
		return k
	}
	return h.group + "." + k
}

func (h *SlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	for _, a := range attrs {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		merged = append(merged, a)
	}
	return &SlogHandler{inner: h.inner.WithAttrs(attrs), bus: h.bus, attrs: merged}
}

func (h *SlogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &SlogHandler{inner: h.inner.WithGroup(name), bus: h.bus, attrs: h.attrs, group: group}
}
