package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/benaskins/seedvault/internal/config"
)

// newLogger builds the process logger from config, writing to stderr and
// any extra writers. A nil config logs warnings and above as text.
func newLogger(cfg *config.Config, extra ...io.Writer) *slog.Logger {
	level := slog.LevelWarn
	format := "text"
	if cfg != nil {
		if lvl, err := cfg.Level(); err == nil {
			level = lvl
		}
		if cfg.LogFormat != "" {
			format = cfg.LogFormat
		}
	}
	var w io.Writer = os.Stderr
	if len(extra) > 0 {
		w = io.MultiWriter(append([]io.Writer{os.Stderr}, extra...)...)
	}
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
