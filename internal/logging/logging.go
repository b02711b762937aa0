// Package logging provides the process-wide structured logger used by the
// router, the bus, the auto-promoter, and the config file loader.
package logging

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config configures the global logger.
type Config struct {
	// Level is trace, debug, info, warn, error, or disabled. Default: info.
	Level string
	// Console switches from JSON to a human-readable console writer.
	Console bool
}

var (
	mu  sync.RWMutex
	log zerolog.Logger
)

func init() {
	cfg := Config{Level: os.Getenv("KGENTS_LOG_LEVEL")}
	if os.Getenv("KGENTS_DEBUG") != "" && cfg.Level == "" {
		cfg.Level = "debug"
	}
	initLogger(cfg)
}

// Init reconfigures the global logger. Safe to call more than once.
func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()
	initLogger(cfg)
}

func initLogger(cfg Config) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	zerolog.TimeFieldFormat = time.RFC3339

	if cfg.Console {
		output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
		log = zerolog.New(output).With().Timestamp().Logger()
		return
	}
	log = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// Logger returns the global logger instance.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// With starts a child logger scoped to a component, e.g.
// logging.With("component", "router").Logger().
func With(key, value string) zerolog.Context {
	mu.RLock()
	defer mu.RUnlock()
	return log.With().Str(key, value)
}

// Debug, Info, Warn, and Error start a new event at the global logger's
// level; terminate the chain with .Msg() or .Msgf().
func Debug() *zerolog.Event {
	mu.RLock()
	defer mu.RUnlock()
	return log.Debug()
}

func Info() *zerolog.Event {
	mu.RLock()
	defer mu.RUnlock()
	return log.Info()
}

func Warn() *zerolog.Event {
	mu.RLock()
	defer mu.RUnlock()
	return log.Warn()
}

func Error() *zerolog.Event {
	mu.RLock()
	defer mu.RUnlock()
	return log.Error()
}
