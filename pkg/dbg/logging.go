package dbg

import (
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// NewLogger builds the engine logger: a text handler on stderr, optionally
// fanned out to an append-only log file. An unwritable file degrades to
// stderr only.
func NewLogger(level slog.Level, logFile string) *slog.Logger {
	options := &slog.HandlerOptions{Level: level}
	stderrHandler := slog.NewTextHandler(os.Stderr, options)

	if logFile == "" {
		return slog.New(stderrHandler)
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger := slog.New(stderrHandler)
		logger.Warn("log file is not writable, logging to stderr only", "file", logFile, "error", err)
		return logger
	}

	return slog.New(slogmulti.Fanout(
		stderrHandler,
		slog.NewTextHandler(file, options),
	))
}

// NewSilentLogger drops every record; used by tests and by surfaces that
// route diagnostics themselves.
func NewSilentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
