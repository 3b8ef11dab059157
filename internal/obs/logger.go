package obs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
)

// Logger writes one structured record per call from a field map. The "op"
// field, when present, becomes the record message. A nil *Logger discards.
type Logger struct {
	l *slog.Logger
}

type LoggerOptions struct {
	Level  string // debug|info|warn|error
	Format string // json|console
	Output io.Writer
}

func NewLogger(opts LoggerOptions) (*Logger, error) {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	hopts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}

	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "json":
		h = slog.NewJSONHandler(out, hopts)
	case "console", "text":
		h = slog.NewTextHandler(out, hopts)
	default:
		return nil, fmt.Errorf("log format: unsupported value %q", opts.Format)
	}
	return &Logger{l: slog.New(h)}, nil
}

// NewNop returns a logger that drops everything.
func NewNop() *Logger {
	return &Logger{l: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))}
}

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

func (lg *Logger) Debug(fields map[string]interface{}) { lg.log(slog.LevelDebug, fields) }
func (lg *Logger) Info(fields map[string]interface{})  { lg.log(slog.LevelInfo, fields) }
func (lg *Logger) Warn(fields map[string]interface{})  { lg.log(slog.LevelWarn, fields) }
func (lg *Logger) Error(fields map[string]interface{}) { lg.log(slog.LevelError, fields) }

// Slog exposes the underlying logger for libraries that take *slog.Logger.
func (lg *Logger) Slog() *slog.Logger {
	if lg == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return lg.l
}

func (lg *Logger) log(level slog.Level, fields map[string]interface{}) {
	if lg == nil || !lg.l.Enabled(context.Background(), level) {
		return
	}
	msg := "event"
	if op, ok := fields["op"].(string); ok && op != "" {
		msg = op
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k == "op" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, fields[k]))
	}
	lg.l.LogAttrs(context.Background(), level, msg, attrs...)
}
