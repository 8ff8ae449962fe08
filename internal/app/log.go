package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// qkHandler is a custom slog.Handler that formats log records as:
//
//	<timestamp>\t<level>\t<runID>\t<message>\t<key=value ...>
//
// Groups prefix attribute keys with "group.".
type qkHandler struct {
	mu     *sync.Mutex
	w      io.Writer
	level  slog.Leveler
	runID  string
	prefix string
	attrs  []slog.Attr
}

func newQKHandler(w io.Writer, level slog.Leveler, runID string) *qkHandler {
	return &qkHandler{mu: &sync.Mutex{}, w: w, level: level, runID: runID}
}

func (h *qkHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *qkHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time.UTC().Format("2006-01-02T15:04:05.000Z")

	line := fmt.Sprintf("%s\t%s\t%s\t%s", ts, r.Level.String(), h.runID, r.Message)
	for _, a := range h.attrs {
		line += formatAttr("", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		line += formatAttr(h.prefix, a)
		return true
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, line+"\n")
	return err
}

func formatAttr(prefix string, a slog.Attr) string {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		var s string
		for _, ga := range v.Group() {
			s += formatAttr(prefix+a.Key+".", ga)
		}
		return s
	}
	if a.Key == "" {
		return ""
	}
	switch v.Kind() {
	case slog.KindTime:
		return fmt.Sprintf("\t%s%s=%s", prefix, a.Key, v.Time().UTC().Format(time.RFC3339Nano))
	case slog.KindDuration:
		return fmt.Sprintf("\t%s%s=%s", prefix, a.Key, v.Duration())
	default:
		return fmt.Sprintf("\t%s%s=%v", prefix, a.Key, v.Any())
	}
}

func (h *qkHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	h2.attrs = append([]slog.Attr{}, h.attrs...)
	for _, a := range attrs {
		h2.attrs = append(h2.attrs, slog.Attr{Key: h.prefix + a.Key, Value: a.Value})
	}
	return &h2
}

func (h *qkHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.prefix = h.prefix + name + "."
	return &h2
}

// newLogger creates a structured logger that writes everything to
// logDir/quotekeeper.log and warnings and errors to stderr.
// It returns the slog.Logger, the open log file (for cleanup), and any error.
func newLogger(logDir string, runID string) (*slog.Logger, *os.File, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}

	logPath := filepath.Join(logDir, "quotekeeper.log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}

	handler := &fanoutHandler{handlers: []slog.Handler{
		newQKHandler(f, slog.LevelDebug, runID),
		newQKHandler(os.Stderr, slog.LevelWarn, runID),
	}}
	return slog.New(handler), f, nil
}

// fanoutHandler passes each record to every handler that accepts its level.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (f *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f *fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range f.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := &fanoutHandler{}
	for _, h := range f.handlers {
		out.handlers = append(out.handlers, h.WithAttrs(attrs))
	}
	return out
}

func (f *fanoutHandler) WithGroup(name string) slog.Handler {
	out := &fanoutHandler{}
	for _, h := range f.handlers {
		out.handlers = append(out.handlers, h.WithGroup(name))
	}
	return out
}

// slogAdapter wraps *slog.Logger to satisfy the qk.Logger interface.
type slogAdapter struct {
	l *slog.Logger
}

func (a *slogAdapter) Debug(msg string, args ...any) { a.l.Debug(msg, args...) }
func (a *slogAdapter) Info(msg string, args ...any)  { a.l.Info(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.l.Warn(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.l.Error(msg, args...) }
