// Package logging wraps log/slog the way the teacher's cli/internal/logging
// does, generalized from a package-level Init() that sets slog's global
// default to a constructor returning a *slog.Logger, since the Controller is
// embeddable as a library and must not mutate process-global state on a
// caller's behalf.
package logging

import (
	"log/slog"
	"os"
)

// EnvLogLevel is the CLI binary's fallback when no explicit level is passed
// to Init.
const EnvLogLevel = "P2PNODE_LOG_LEVEL"

// Init builds a text-handler logger writing to stderr at level. An empty
// level falls back to the P2PNODE_LOG_LEVEL environment variable, then to
// "info".
func Init(level string) *slog.Logger {
	if level == "" {
		level = os.Getenv(EnvLogLevel)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(level),
	}))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "info", "":
		return slog.LevelInfo
	default:
		return slog.LevelInfo
	}
}

// With returns logger scoped with a deviceId field, the identifier every
// log line in this module should carry so multi-node integration tests can
// separate interleaved output.
func With(logger *slog.Logger, deviceID string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("deviceId", deviceID)
}
