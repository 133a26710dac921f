package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"INFO", LevelInfo},
		{"warn", LevelWarn},
		{"WARN", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"ERROR", LevelError},
		{"none", LevelNone},
		{"off", LevelNone},
		{" debug ", LevelDebug},
		{"invalid", LevelInfo}, // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := ParseLevel(tt.input)
			if result != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{LevelNone, "NONE"},
		{Level(42), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			result := tt.level.String()
			if result != tt.expected {
				t.Errorf("Level(%d).String() = %q, want %q", tt.level, result, tt.expected)
			}
		})
	}
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	return string(content)
}

func TestNewLogger(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "test.log")

	logger, err := New(LevelInfo, logPath, "test")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	logger.Info("test message %d", 42)
	logger.Debug("should not appear")
	logger.Close()

	contentStr := readLog(t, logPath)
	if !strings.Contains(contentStr, "test message 42") {
		t.Errorf("Log file missing info message, got: %s", contentStr)
	}
	if strings.Contains(contentStr, "should not appear") {
		t.Errorf("Log file contains debug message when level is INFO")
	}
	if !strings.Contains(contentStr, "test") {
		t.Errorf("Log file missing logger name")
	}
}

func TestNewLoggerJSON(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.json")

	logger, err := NewWithFormat(LevelDebug, logPath, "svc", "json")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	logger.With("run_id", "abc").Debug("hello")
	logger.Close()

	contentStr := readLog(t, logPath)
	for _, want := range []string{`"msg":"hello"`, `"run_id":"abc"`, `"logger":"svc"`} {
		if !strings.Contains(contentStr, want) {
			t.Errorf("Expected %s in %s", want, contentStr)
		}
	}
}

func TestLoggerWithPrefix(t *testing.T) {
	logger, logs := NewObserved(LevelInfo)

	childLogger := logger.WithPrefix("child")
	if childLogger.Prefix() != "child" {
		t.Errorf("Expected prefix child, got %q", childLogger.Prefix())
	}
	grandChild := childLogger.WithPrefix("leaf")
	if grandChild.Prefix() != "child:leaf" {
		t.Errorf("Expected combined prefix child:leaf, got %q", grandChild.Prefix())
	}

	grandChild.Info("test message")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
	if entries[0].LoggerName != "child.leaf" {
		t.Errorf("Expected logger name child.leaf, got %q", entries[0].LoggerName)
	}
}

func TestLoggerDisabled(t *testing.T) {
	logger, err := New(LevelNone, "", "test")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Close()

	// These should not panic or error
	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error")
}

func TestSetLevel(t *testing.T) {
	logger, logs := NewObserved(LevelInfo)
	child := logger.WithPrefix("child")

	logger.Info("info1")
	logger.Debug("debug1")

	logger.SetLevel(LevelDebug)
	logger.Info("info2")
	child.Debug("debug2")

	if logs.FilterMessage("debug1").Len() != 0 {
		t.Errorf("debug1 should not appear (level was INFO)")
	}
	if logs.FilterMessage("debug2").Len() != 1 {
		t.Errorf("debug2 should appear (level changed to DEBUG, shared by children)")
	}
	if logs.FilterMessage("info1").Len() != 1 || logs.FilterMessage("info2").Len() != 1 {
		t.Errorf("info messages should always appear")
	}
	if logger.GetLevel() != LevelDebug {
		t.Errorf("Expected level DEBUG, got %v", logger.GetLevel())
	}
}

func TestGlobalLogger(t *testing.T) {
	// Global logger should always work even if not initialized
	logger := Global()
	if logger == nil {
		t.Errorf("Global() returned nil")
	}

	// Should not panic
	Debug("debug")
	Info("info")
	Warn("warn")
	Error("error")

	observed, logs := NewObserved(LevelDebug)
	SetGlobal(observed)
	defer SetGlobal(logger)

	Warn("careful %s", "now")
	if logs.FilterMessage("careful now").Len() != 1 {
		t.Errorf("Expected global Warn to reach the observed logger")
	}
}
