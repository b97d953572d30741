// Package cymlog configures Cymbiont's process-wide structured logger. No
// third-party logging library appears anywhere in the example pack's
// go.mod files, so this follows the pack's own idiom and wraps the
// standard library's log/slog rather than reaching for zerolog/zap/logrus.
package cymlog

import (
	"log/slog"
	"os"
	"sync"
)

var (
	mu      sync.Mutex
	current *slog.Logger = slog.Default()
)

// Mode selects the handler shape: JSON for a long-running server process,
// text for a one-shot CLI invocation.
type Mode int

const (
	ModeText Mode = iota
	ModeJSON
)

// Init configures the package-level logger once at startup.
func Init(mode Mode, level slog.Level) {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	switch mode {
	case ModeJSON:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	mu.Lock()
	current = slog.New(handler)
	mu.Unlock()
}

// L returns the process-wide logger.
func L() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return current
}
