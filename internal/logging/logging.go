// Package logging wires up a single structured logger convention for the
// sphere core, the same log/slog choice kernel/core/mesh/transport
// already makes for its native (non-WASM) request path.
package logging

import (
	"log/slog"
	"os"
	"sync"
)

var (
	baseOnce sync.Once
	base     *slog.Logger
)

func baseLogger() *slog.Logger {
	baseOnce.Do(func() {
		base = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	})
	return base
}

// SetLevel replaces the base logger with one at the given minimum level.
// Only loggers that For returns afterward use it; a logger For already
// returned (every package-level logger in this module) keeps its level.
func SetLevel(level slog.Level) {
	base = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// For returns a logger scoped to a named subsystem, e.g. For("syncengine").
func For(component string) *slog.Logger {
	return baseLogger().With("component", component)
}
