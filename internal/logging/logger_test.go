package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestLoggerTeesConsoleAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "labflow.log")
	var console bytes.Buffer
	logger, err := New(Options{File: path, Console: &console})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Debug("hidden")
	logger.Info("stage finished", zap.String("stage", "remove-media"))
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if !strings.Contains(console.String(), "stage finished") {
		t.Fatalf("console missing entry: %q", console.String())
	}
	if strings.Contains(console.String(), "hidden") {
		t.Fatalf("debug entry leaked at info level")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one JSON line, got %d", len(lines))
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if entry["msg"] != "stage finished" || entry["stage"] != "remove-media" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestVerboseEnablesDebug(t *testing.T) {
	var console bytes.Buffer
	logger, err := New(Options{Console: &console, Verbose: true})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Debug("aspirate planned")
	_ = logger.Close()
	if !strings.Contains(console.String(), "aspirate planned") {
		t.Fatalf("verbose logger dropped debug entry")
	}
}

func TestNoSinksIsNop(t *testing.T) {
	logger, err := New(Options{})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("nowhere")
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
