package obs

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestInitLogger(t *testing.T) {
	InitLogger("debug")
	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Errorf("expected debug level, got %v", zerolog.GlobalLevel())
	}

	// Invalid levels fall back to info.
	InitLogger("not-a-level")
	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Errorf("expected info fallback, got %v", zerolog.GlobalLevel())
	}
}

func TestLoggerComponent(t *testing.T) {
	logger := Logger("wal")
	// Smoke test: the logger must be usable.
	logger.Debug().Msg("component logger works")
}
