package log

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
)

// Level is a zerolog level name
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// zerolog maps the level onto zerolog. The empty level means info.
func (l Level) zerolog() (zerolog.Level, error) {
	if l == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(string(l))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", string(l))
	}
	return level, nil
}

// Validate reports whether the level is one zerolog understands
func (l Level) Validate() error {
	_, err := l.zerolog()
	return err
}

// Config holds logging configuration
type Config struct {
	Level      Level     `yaml:"level" env:"LEVEL"`
	JSONOutput bool      `yaml:"json" env:"JSON"`
	Output     io.Writer `yaml:"-"`
}

// Init replaces the global logger. Unknown levels fall back to info.
// Components capture their logger at construction, so Init runs first.
func Init(cfg Config) {
	level, _ := cfg.Level.zerolog()
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(out).With().Timestamp().Logger()
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithSubscriptionID creates a child logger with subscription_id field
func WithSubscriptionID(logger zerolog.Logger, id uint64) zerolog.Logger {
	return logger.With().Str("subscription_id", strconv.FormatUint(id, 10)).Logger()
}

// WithNotificationID creates a child logger with notification_id field
func WithNotificationID(logger zerolog.Logger, id uint64) zerolog.Logger {
	return logger.With().Str("notification_id", strconv.FormatUint(id, 10)).Logger()
}

// WithTransactionID creates a child logger with transaction_id field
func WithTransactionID(logger zerolog.Logger, id uint64) zerolog.Logger {
	return logger.With().Uint64("transaction_id", id).Logger()
}
