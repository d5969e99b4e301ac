package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/l0p7/offlineshim/internal/config"
)

var levels = map[string]slog.Level{
	"":        slog.LevelInfo,
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// New builds the process logger writing to out, or stdout when out is nil.
// Debug logging also records the source line of each entry.
func New(cfg config.LoggingConfig, out io.Writer) (*slog.Logger, error) {
	level, ok := levels[strings.ToLower(strings.TrimSpace(cfg.Level))]
	if !ok {
		return nil, fmt.Errorf("logging: unsupported level %q", cfg.Level)
	}
	if out == nil {
		out = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: level <= slog.LevelDebug}
	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "json", "":
		handler = slog.NewJSONHandler(out, opts)
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		return nil, fmt.Errorf("logging: unsupported format %q", cfg.Format)
	}
	return slog.New(handler).With(slog.String("component", "offlineshim")), nil
}
