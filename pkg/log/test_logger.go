package log

import (
	"context"
	"log/slog"
	"sync"
)

// RecordingHandler is a slog.Handler capturing messages per level, a unit
// test helper to check log output.
type RecordingHandler struct {
	mu       sync.Mutex
	messages map[slog.Level][]string
}

func NewTestLogger() (*slog.Logger, *RecordingHandler) {
	h := &RecordingHandler{
		messages: make(map[slog.Level][]string),
	}
	return slog.New(h), h
}

func (h *RecordingHandler) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

func (h *RecordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages[r.Level] = append(h.messages[r.Level], r.Message)
	return nil
}

func (h *RecordingHandler) WithAttrs(_ []slog.Attr) slog.Handler {
	return h
}

func (h *RecordingHandler) WithGroup(_ string) slog.Handler {
	return h
}

func (h *RecordingHandler) Messages(level slog.Level) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.messages[level]))
	copy(out, h.messages[level])
	return out
}

func (h *RecordingHandler) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = make(map[slog.Level][]string)
}
