package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// LevelTrace is a custom slog level below [slog.LevelDebug] used for
// raw report payloads. The printer pushes several reports per second
// while printing, so this is only useful when diagnosing firmware
// message shapes.
const LevelTrace = slog.Level(-8)

// levelNames maps every accepted log_level value to its level. The
// empty string selects the default.
var levelNames = map[string]slog.Level{
	"":        slog.LevelInfo,
	"trace":   LevelTrace,
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLogLevel resolves a log_level value, ignoring case and
// surrounding whitespace. Unknown names are an error and yield info.
func ParseLogLevel(s string) (slog.Level, error) {
	if level, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return level, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
}

// ReplaceLogLevelNames is a [slog.HandlerOptions.ReplaceAttr] hook
// that prints [LevelTrace] as TRACE instead of slog's DEBUG-4.
func ReplaceLogLevelNames(_ []string, a slog.Attr) slog.Attr {
	if level, ok := a.Value.Any().(slog.Level); ok && a.Key == slog.LevelKey && level == LevelTrace {
		return slog.String(slog.LevelKey, "TRACE")
	}
	return a
}

// NewLogger creates a structured logger that writes one line per event
// to w at the given level. Format must be "text" or "json"; any other
// value falls back to text.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
