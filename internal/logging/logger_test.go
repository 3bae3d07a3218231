package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	out := buf.String()
	if strings.Contains(out, "debug message") || strings.Contains(out, "info message") {
		t.Errorf("low levels leaked through: %q", out)
	}
	if !strings.Contains(out, "warn message") || !strings.Contains(out, "error message") {
		t.Errorf("high levels missing: %q", out)
	}
}

func TestKeyValueArgs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Info("call finished", "items", 3, "owed", 0)

	out := buf.String()
	if !strings.Contains(out, "items=3") || !strings.Contains(out, "owed=0") {
		t.Errorf("key-value args not rendered: %q", out)
	}
	if !strings.Contains(out, "[INFO]") {
		t.Errorf("level prefix missing: %q", out)
	}
}

func TestPrintfStyle(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Debugf("pid=%d", 1234)
	logger.Printf("engine %s", "started")

	out := buf.String()
	if !strings.Contains(out, "pid=1234") {
		t.Errorf("Debugf not rendered: %q", out)
	}
	if !strings.Contains(out, "engine started") {
		t.Errorf("Printf not rendered: %q", out)
	}
}

func TestNilConfigDefaults(t *testing.T) {
	logger := NewLogger(nil)
	if logger == nil {
		t.Fatal("NewLogger(nil) returned nil")
	}
}

func TestDefaultLogger(t *testing.T) {
	first := Default()
	if first == nil {
		t.Fatal("Default() returned nil")
	}
	if Default() != first {
		t.Error("Default() is not stable")
	}

	var buf bytes.Buffer
	replacement := NewLogger(&Config{Level: LevelDebug, Output: &buf})
	SetDefault(replacement)
	defer SetDefault(first)

	if Default() != replacement {
		t.Error("SetDefault did not take effect")
	}
}
