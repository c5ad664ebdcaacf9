package util

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLoggerLevel(t *testing.T) {
	logger := NewLogger("debug")
	if logger.GetLevel() != zerolog.DebugLevel {
		t.Fatalf("expected debug level, got %s", logger.GetLevel())
	}

	logger = NewLogger("invalid")
	if logger.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("expected info fallback, got %s", logger.GetLevel())
	}
}

func TestLogWriterFormatToggle(t *testing.T) {
	t.Setenv("LOG_FORMAT", "console")
	if _, ok := logWriter().(zerolog.ConsoleWriter); !ok {
		t.Fatalf("expected console writer when LOG_FORMAT=console")
	}

	t.Setenv("LOG_FORMAT", "")
	if _, ok := logWriter().(zerolog.ConsoleWriter); ok {
		t.Fatalf("expected JSON output by default")
	}
}
