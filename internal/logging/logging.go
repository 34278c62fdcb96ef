// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

const (
	FormatText = "text"
	FormatJSON = "json"
)

// New returns a logger writing to w. The text format is colourised for
// terminals; json is meant for log collectors.
func New(w io.Writer, format string, level slog.Leveler, appName string) (*slog.Logger, error) {
	switch format {
	case FormatText, "":
		h := tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.StampMilli,
		})
		return slog.New(h).With(slog.String("app", appName)), nil

	case FormatJSON:
		h := slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: level,
		})
		return slog.New(h).With(slog.String("app", appName)), nil

	default:
		return nil, fmt.Errorf("invalid log format '%s' (allowed: text, json)", format)
	}
}

// ParseLevel parses a log level name
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level '%s' (allowed: debug, info, warn, error)", s)
	}
}
