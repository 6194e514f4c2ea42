// Package telemetry sets up structured logging for the daemon: JSON slog
// output to stdout plus an append-only logfile, with secret-bearing
// attributes redacted before they leave the process.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/agentflow/internal/bus"
)

// NewLogger builds the daemon logger. Records go to <homeDir>/logs/agentflow.jsonl
// and, unless quiet is set, to stdout as well. The returned closer owns the
// logfile handle.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	file, err := os.OpenFile(filepath.Join(logDir, "agentflow.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "ts"
			}
			if sensitiveKey(a.Key) {
				return slog.String(a.Key, "[REDACTED]")
			}
			if a.Value.Kind() == slog.KindString {
				if v, changed := redactValue(a.Value.String()); changed {
					return slog.String(a.Key, v)
				}
			}
			return a
		},
	})
	return slog.New(handler), file, nil
}

func sensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, marker := range []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func redactValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") || strings.Contains(lower, "api_key") {
		return "[REDACTED]", true
	}
	return v, false
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// BusHandler tees log records onto the event bus so dashboard clients see
// a live activity feed. Records below minLevel are passed through to the
// inner handler but not published.
type BusHandler struct {
	inner    slog.Handler
	bus      *bus.Bus
	minLevel slog.Level
}

// NewBusHandler wraps inner, publishing records at or above minLevel on
// bus.TopicLog.
func NewBusHandler(inner slog.Handler, b *bus.Bus, minLevel slog.Level) *BusHandler {
	return &BusHandler{inner: inner, bus: b, minLevel: minLevel}
}

func (h *BusHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *BusHandler) Handle(ctx context.Context, rec slog.Record) error {
	if h.bus != nil && rec.Level >= h.minLevel {
		var sb strings.Builder
		sb.WriteString(rec.Message)
		rec.Attrs(func(a slog.Attr) bool {
			if sensitiveKey(a.Key) {
				return true
			}
			sb.WriteString(" ")
			sb.WriteString(a.Key)
			sb.WriteString("=")
			sb.WriteString(a.Value.String())
			return true
		})
		h.bus.Publish(bus.TopicLog, bus.LogLine{
			Level: strings.ToLower(rec.Level.String()),
			Text:  sb.String(),
		})
	}
	return h.inner.Handle(ctx, rec)
}

func (h *BusHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &BusHandler{inner: h.inner.WithAttrs(attrs), bus: h.bus, minLevel: h.minLevel}
}

func (h *BusHandler) WithGroup(name string) slog.Handler {
	return &BusHandler{inner: h.inner.WithGroup(name), bus: h.bus, minLevel: h.minLevel}
}
