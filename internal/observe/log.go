// Package observe holds the shared logging and metrics plumbing: zerolog
// setup, the Prometheus collector set, and the health/diagnostics payloads.
package observe

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogConfig captures options for configuring the global logger.
type LogConfig struct {
	Level   string    // "debug", "info", ... ; empty = PLEXBRIDGE_LOG_LEVEL or info
	Output  io.Writer // defaults to os.Stdout
	Service string    // attached to every entry; defaults to "plexbridge"
}

var (
	logOnce sync.Once
	baseLog zerolog.Logger
)

// ConfigureLog initialises the global zerolog logger exactly once.
func ConfigureLog(cfg LogConfig) {
	logOnce.Do(func() {
		level := zerolog.InfoLevel
		raw := cfg.Level
		if raw == "" {
			raw = os.Getenv("PLEXBRIDGE_LOG_LEVEL")
		}
		if raw != "" {
			if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(raw))); err == nil {
				level = parsed
			}
		}
		zerolog.SetGlobalLevel(level)
		zerolog.TimeFieldFormat = time.RFC3339

		out := cfg.Output
		if out == nil {
			out = os.Stdout
		}
		service := cfg.Service
		if service == "" {
			service = "plexbridge"
		}
		baseLog = zerolog.New(out).With().
			Timestamp().
			Str("service", service).
			Logger()
	})
}

// Log returns the configured base logger.
func Log() zerolog.Logger {
	ConfigureLog(LogConfig{})
	return baseLog
}

// Component returns the base logger tagged with a component field
// ("gateway", "epg", "store", ...).
func Component(name string) zerolog.Logger {
	return Log().With().Str("component", name).Logger()
}
