// Package logging provides named component loggers for the rest of the
// system. Levels can be adjusted globally at runtime (the dev shell flips
// to debug with the DEBUG env variable).
package logging

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

type Logger struct {
	*slog.Logger
}

var (
	mu      sync.Mutex
	level   = new(slog.LevelVar)
	root    *slog.Logger
	loggers = make(map[string]*Logger)
)

func init() {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	root = slog.New(handler)
}

// GetLogger returns the logger registered for the named component,
// creating it on first use.
func GetLogger(component string) *Logger {
	mu.Lock()
	defer mu.Unlock()

	if l, ok := loggers[component]; ok {
		return l
	}

	l := &Logger{root.With("component", component)}
	loggers[component] = l
	return l
}

// SetLevel adjusts the global log level. Unrecognised names fall back to
// info.
func SetLevel(name string) {
	switch strings.ToLower(name) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn", "warning":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
}
