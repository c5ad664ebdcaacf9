// Package util hosts small shared helpers: logger construction and retries.
package util

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds a timestamped logger at the requested level, falling
// back to info when the level string is not recognised. Output is JSON
// unless LOG_FORMAT=console selects the human-readable console writer.
func NewLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(logWriter()).With().Timestamp().Logger().Level(lvl)
}

func logWriter() io.Writer {
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "console") {
		return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return os.Stdout
}
