package main

import (
	"log/slog"
	"path/filepath"
)

// parseLogPriority maps a syslog-style numeric priority (0 emerg .. 7 debug)
// onto a slog.Level.
func parseLogPriority(priority int) (slog.Level, error) {
	switch {
	case priority < 0 || priority > 7:
		return defaultLogLevel, errArgInvalidLogPriority
	case priority <= 3:
		return slog.LevelError, nil
	case priority == 4:
		return slog.LevelWarn, nil
	case priority == 5 || priority == 6:
		return slog.LevelInfo, nil
	default: // 7
		return slog.LevelDebug, nil
	}
}

// socketAddr derives the abstract-namespace socket address of the dredger
// daemon watching frontendRoot; must match the daemon's own derivation.
func socketAddr(frontendRoot string) string {
	return "@dredger:" + filepath.Clean(frontendRoot)
}
