package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewDefaultsToInfoLevel(t *testing.T) {
	logger, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("expected info level to be enabled by default")
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("debug should not be enabled at the default level")
	}
}

func TestNewHonorsExplicitLevel(t *testing.T) {
	logger, err := New("debug")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("expected debug level to be enabled")
	}
}

func TestNewRejectsInvalidLevel(t *testing.T) {
	if _, err := New("not-a-level"); err == nil {
		t.Fatal("expected an error for an invalid log level")
	}
}
