// Package logger provides structured logging for the delivery pipeline.
//
// It wraps zerolog with a component-tagged constructor and email redaction
// so worker pools and services never write raw recipient addresses to logs.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var base = zerolog.New(os.Stderr).With().Timestamp().Logger()

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}

// Init configures the global log level and output. Call once at startup.
func Init(level string, out io.Writer) {
	if out == nil {
		out = os.Stderr
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	base = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// For returns a logger tagged with the given component name.
func For(component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}

// Debug emits a debug entry on the base logger.
func Debug() *zerolog.Event { return base.Debug() }

// Info emits an info entry on the base logger.
func Info() *zerolog.Event { return base.Info() }

// Warn emits a warn entry on the base logger.
func Warn() *zerolog.Event { return base.Warn() }

// Error emits an error entry on the base logger.
func Error() *zerolog.Event { return base.Error() }
