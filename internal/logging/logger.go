package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// ServiceName is attached to every record as the "service" attribute.
const ServiceName = "natgate"

// Logger is the global logger instance configured for the application.
var Logger *slog.Logger

// InitLogger configures the global logger. Format "text" selects a plain
// key=value handler for interactive use; anything else produces Datadog-friendly JSON.
func InitLogger(level, format string) {
	Logger = New(os.Stdout, level, format, ServiceName)
	slog.SetDefault(Logger)
}

// New builds a logger writing to w without touching the global default.
func New(w io.Writer, level, format, service string) *slog.Logger {
	options := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}

	if strings.EqualFold(strings.TrimSpace(format), "text") {
		return slog.New(slog.NewTextHandler(w, options)).With(slog.String("service", service))
	}

	return slog.New(&datadogHandler{
		next:    slog.NewJSONHandler(w, options),
		service: service,
	})
}

// GetLogger returns the global logger instance, falling back to slog's
// default when InitLogger has not run.
func GetLogger() *slog.Logger {
	if Logger == nil {
		return slog.Default()
	}
	return Logger
}

// ParseLevel maps a case-insensitive level name to a slog level. Unknown
// names resolve to info.
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

type datadogHandler struct {
	next    slog.Handler
	service string
}

func (h *datadogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *datadogHandler) Handle(ctx context.Context, record slog.Record) error {
	clone := record.Clone()
	clone.AddAttrs(
		slog.String("service", h.service),
		slog.String("status", levelToStatus(clone.Level)),
		slog.String("message", clone.Message),
	)
	return h.next.Handle(ctx, clone)
}

func (h *datadogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &datadogHandler{
		next:    h.next.WithAttrs(attrs),
		service: h.service,
	}
}

func (h *datadogHandler) WithGroup(name string) slog.Handler {
	return &datadogHandler{
		next:    h.next.WithGroup(name),
		service: h.service,
	}
}

func levelToStatus(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "error"
	case level >= slog.LevelWarn:
		return "warning"
	case level >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}
