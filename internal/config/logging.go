package config

import (
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// SetupLogger creates a dual-output logger: text to stderr, JSON to logFile.
// Returns the logger and a cleanup function to close the file.
func SetupLogger(logFile string, level slog.Level) (*slog.Logger, func() error) {
	return setup(os.Stderr, logFile, level)
}

// SetupQuietLogger logs to logFile only, for full-screen modes where stderr
// output would corrupt the display.
func SetupQuietLogger(logFile string, level slog.Level) (*slog.Logger, func() error) {
	return setup(io.Discard, logFile, level)
}

func setup(console io.Writer, logFile string, level slog.Level) (*slog.Logger, func() error) {
	noop := func() error { return nil }
	consoleHandler := slog.NewTextHandler(console, &slog.HandlerOptions{Level: level})

	if logFile == "" {
		return slog.New(consoleHandler), noop
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		// Fall back to the console handler alone
		logger := slog.New(consoleHandler)
		logger.Error("failed to open log file, logging to console only", "error", err, "file", logFile)
		return logger, noop
	}

	return SetupLoggerWithWriters(console, file, level), file.Close
}

// SetupLoggerWithWriters creates a logger with custom writers (for testing).
func SetupLoggerWithWriters(console, file io.Writer, level slog.Level) *slog.Logger {
	consoleHandler := slog.NewTextHandler(console, &slog.HandlerOptions{Level: level})
	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	return slog.New(slogmulti.Fanout(consoleHandler, fileHandler))
}
