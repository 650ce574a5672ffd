package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitWritesToLogFile(t *testing.T) {
	dir := t.TempDir()
	Init(Config{LogDir: dir, Level: "debug", Debug: true})
	defer Shutdown()

	Logger().Info("test_message", slog.String("key", "value"))

	data, err := os.ReadFile(filepath.Join(dir, "vibecraftd.log"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "test_message") {
		t.Errorf("log file missing message: %s", data)
	}
	if !strings.Contains(string(data), `"key":"value"`) {
		t.Errorf("log file missing attribute: %s", data)
	}
}

func TestForComponentBeforeInit(t *testing.T) {
	// Component loggers created before Init must pick up the real handler
	// once Init runs.
	log := ForComponent(CompEngine)

	dir := t.TempDir()
	Init(Config{LogDir: dir, Level: "debug", Debug: true})
	defer Shutdown()

	log.Info("late_bound")

	data, err := os.ReadFile(filepath.Join(dir, "vibecraftd.log"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "late_bound") {
		t.Errorf("component logger output lost: %s", data)
	}
	if !strings.Contains(string(data), `"component":"engine"`) {
		t.Errorf("component attribute missing: %s", data)
	}
}

func TestLoggerSafeBeforeInit(t *testing.T) {
	Shutdown()
	// Must not panic.
	Logger().Info("discarded")
}

func TestDumpRingBuffer(t *testing.T) {
	dir := t.TempDir()
	Init(Config{LogDir: dir, Level: "debug", Debug: true})
	defer Shutdown()

	Logger().Error("something_broke")

	dumpPath := filepath.Join(dir, "crash.log")
	if err := DumpRingBuffer(dumpPath); err != nil {
		t.Fatalf("DumpRingBuffer: %v", err)
	}
	data, err := os.ReadFile(dumpPath)
	if err != nil {
		t.Fatalf("read dump: %v", err)
	}
	if !strings.Contains(string(data), "something_broke") {
		t.Errorf("dump missing recent log line: %s", data)
	}
}
