package app

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestQKHandler_Handle(t *testing.T) {
	ts := time.Date(2024, 6, 15, 14, 30, 45, 0, time.UTC)

	tests := []struct {
		name    string
		runID   string
		level   slog.Level
		message string
		attrs   []slog.Attr
		want    string
	}{
		{
			name:    "basic info message",
			runID:   "run-123",
			level:   slog.LevelInfo,
			message: "record saved",
			want:    "2024-06-15T14:30:45.000Z\tINFO\trun-123\trecord saved\n",
		},
		{
			name:    "debug level",
			runID:   "run-456",
			level:   slog.LevelDebug,
			message: "attachment unchanged",
			want:    "2024-06-15T14:30:45.000Z\tDEBUG\trun-456\tattachment unchanged\n",
		},
		{
			name:    "with record attrs",
			runID:   "run-789",
			level:   slog.LevelWarn,
			message: "remote write failed",
			attrs:   []slog.Attr{slog.String("key", "ACME-JS-0001-R1"), slog.Duration("timeout", 5*time.Second)},
			want:    "2024-06-15T14:30:45.000Z\tWARN\trun-789\tremote write failed\tkey=ACME-JS-0001-R1\ttimeout=5s\n",
		},
		{
			name:    "group attr",
			runID:   "run-1",
			level:   slog.LevelInfo,
			message: "pass",
			attrs:   []slog.Attr{slog.Group("report", slog.Int("uploaded", 2))},
			want:    "2024-06-15T14:30:45.000Z\tINFO\trun-1\tpass\treport.uploaded=2\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := newQKHandler(&buf, slog.LevelDebug, tt.runID)

			r := slog.NewRecord(ts, tt.level, tt.message, 0)
			for _, a := range tt.attrs {
				r.AddAttrs(a)
			}

			if err := h.Handle(context.Background(), r); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}

			if got := buf.String(); got != tt.want {
				t.Errorf("Handle() output =\n%q\nwant:\n%q", got, tt.want)
			}
		})
	}
}

func TestQKHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := newQKHandler(&buf, slog.LevelDebug, "run-1")

	h2 := h.WithAttrs([]slog.Attr{slog.String("component", "router")})

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := slog.NewRecord(ts, slog.LevelInfo, "stored", 0)
	r.AddAttrs(slog.String("provider", "s3"))

	if err := h2.Handle(context.Background(), r); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	got := buf.String()
	if !strings.Contains(got, "component=router") {
		t.Errorf("expected pre-set attr component=router, got: %q", got)
	}
	if !strings.Contains(got, "provider=s3") {
		t.Errorf("expected record attr provider=s3, got: %q", got)
	}
	if len(h.attrs) != 0 {
		t.Errorf("original handler attrs modified: got %d, want 0", len(h.attrs))
	}
}

func TestQKHandler_WithGroup(t *testing.T) {
	var buf bytes.Buffer
	h := newQKHandler(&buf, slog.LevelDebug, "run-1").WithGroup("sync")

	r := slog.NewRecord(time.Now(), slog.LevelInfo, "pass", 0)
	r.AddAttrs(slog.String("trigger", "recovery"))
	if err := h.Handle(context.Background(), r); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if !strings.Contains(buf.String(), "\tsync.trigger=recovery") {
		t.Errorf("expected grouped key, got: %q", buf.String())
	}
}

func TestQKHandler_Enabled(t *testing.T) {
	h := newQKHandler(&bytes.Buffer{}, slog.LevelWarn, "run-1")

	tests := []struct {
		level slog.Level
		want  bool
	}{
		{slog.LevelDebug, false},
		{slog.LevelInfo, false},
		{slog.LevelWarn, true},
		{slog.LevelError, true},
	}
	for _, tt := range tests {
		if got := h.Enabled(context.Background(), tt.level); got != tt.want {
			t.Errorf("Enabled(%v) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestNewLogger(t *testing.T) {
	dir := t.TempDir()

	logger, f, err := newLogger(dir, "test-run")
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	defer f.Close()

	logger.Debug("only in file", "key", "ACME-JS-0001-R1")

	data, err := os.ReadFile(filepath.Join(dir, "quotekeeper.log"))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	got := string(data)
	if !strings.Contains(got, "\tDEBUG\ttest-run\tonly in file\tkey=ACME-JS-0001-R1") {
		t.Errorf("log file = %q", got)
	}
}
