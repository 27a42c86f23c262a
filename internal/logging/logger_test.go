package logging

import (
	"bytes"
	"log"
	"strings"
	"testing"

	"github.com/fatih/color"
)

func TestComponentLoggerLevelGating(t *testing.T) {
	var buf bytes.Buffer
	logger := NewComponentLoggerConfig(Config{
		ComponentName: "TEST",
		Color:         color.FgRed,
		EnabledLevels: []Level{INFO, ERROR},
		Output:        log.New(&buf, "", 0),
	})

	logger.Info("hello %s", "world")
	if !strings.Contains(buf.String(), "hello world") {
		t.Fatalf("expected info message in output, got %q", buf.String())
	}

	buf.Reset()
	logger.Debug("should not appear")
	if buf.Len() != 0 {
		t.Fatalf("expected disabled level to produce no output, got %q", buf.String())
	}

	buf.Reset()
	logger.Error("boom")
	if !strings.Contains(buf.String(), "boom") || !strings.Contains(buf.String(), "[TEST]") {
		t.Fatalf("expected component-prefixed error output, got %q", buf.String())
	}
}

func TestOrNopHandlesNil(t *testing.T) {
	var typedNil *ComponentLogger
	var l Logger = typedNil
	if !IsNil(l) {
		t.Fatal("expected typed nil pointer to be detected")
	}
	safe := OrNop(l)
	if IsNil(safe) {
		t.Fatal("expected OrNop to return a usable logger")
	}
	safe.Info("must not panic")
}
