package logging

import (
	"context"
	"log/slog"
	"sync"
)

// ContextualHandler pulls run-uuid/iid correlation out of ctx and onto
// every record, the way the teacher's ContextualHandler lifts
// correlation/request ids (here, whatever a caller has stored in ctx under
// ContextKeyRunUUID/ContextKeyIID via context.WithValue; the Run Engine
// itself scopes its loggers with ForRun/ForJob instead).
type ContextualHandler struct {
	slog.Handler
}

func NewContextualHandler(h slog.Handler) *ContextualHandler {
	return &ContextualHandler{Handler: h}
}

func (h *ContextualHandler) Handle(ctx context.Context, r slog.Record) error {
	if runUUID, ok := ctx.Value(ContextKeyRunUUID).(string); ok && runUUID != "" {
		r.Add("run_uuid", slog.StringValue(runUUID))
	}
	if iid, ok := ctx.Value(ContextKeyIID).(uint32); ok {
		r.Add("iid", slog.Uint64Value(uint64(iid)))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *ContextualHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextualHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *ContextualHandler) WithGroup(name string) slog.Handler {
	return &ContextualHandler{Handler: h.Handler.WithGroup(name)}
}

// MetricsHandler tallies log records per level (component K, Logging),
// grounded on the teacher's logging.MetricsHandler.
type MetricsHandler struct {
	slog.Handler
	mu       sync.RWMutex
	counters map[slog.Level]uint64
}

func NewMetricsHandler(h slog.Handler) *MetricsHandler {
	return &MetricsHandler{Handler: h, counters: make(map[slog.Level]uint64)}
}

func (h *MetricsHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	h.counters[r.Level]++
	h.mu.Unlock()
	return h.Handler.Handle(ctx, r)
}

func (h *MetricsHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &MetricsHandler{Handler: h.Handler.WithAttrs(attrs), counters: h.counters}
}

func (h *MetricsHandler) WithGroup(name string) slog.Handler {
	return &MetricsHandler{Handler: h.Handler.WithGroup(name), counters: h.counters}
}

// Counts returns a snapshot of per-level record counts.
func (h *MetricsHandler) Counts() map[slog.Level]uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[slog.Level]uint64, len(h.counters))
	for k, v := range h.counters {
		out[k] = v
	}
	return out
}
