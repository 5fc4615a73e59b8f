package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		input    string
		expected zapcore.Level
	}{
		{input: "debug", expected: zapcore.DebugLevel},
		{input: " WARNING ", expected: zapcore.WarnLevel},
		{input: "error", expected: zapcore.ErrorLevel},
		{input: "", expected: zapcore.InfoLevel},
		{input: "verbose", expected: zapcore.InfoLevel},
	}
	for _, testCase := range testCases {
		t.Run(testCase.input, func(t *testing.T) {
			if got := ParseLevel(testCase.input); got != testCase.expected {
				t.Fatalf("expected %s, got %s", testCase.expected, got)
			}
		})
	}
}

func TestNewLoggerWritesToRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cardiosync.log")
	logger, err := NewLogger(Options{Level: "warn", File: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	logger.Info("hidden at warn level")
	logger.Warn("queue entry exhausted")
	if !logger.SetLevel("debug") {
		t.Fatalf("expected level change")
	}
	if logger.SetLevel("debug") {
		t.Fatalf("setting the same level must not report a change")
	}
	logger.Debug("visible after level change")
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	text := string(contents)
	if strings.Contains(text, "hidden at warn level") {
		t.Fatalf("info entry must be filtered at warn level: %s", text)
	}
	if !strings.Contains(text, "queue entry exhausted") || !strings.Contains(text, "visible after level change") {
		t.Fatalf("expected entries in log file, got %s", text)
	}
}
