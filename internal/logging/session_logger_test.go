// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewShuffleLogger_Disabled(t *testing.T) {
	base := slog.New(slog.NewTextHandler(os.Stderr, nil))

	logger, closer, path, err := NewShuffleLogger(base, "", "app-1", "5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer closer.Close()

	if logger != base {
		t.Error("expected base logger when shuffleLogDir is empty")
	}
	if path != "" {
		t.Errorf("expected empty path, got %q", path)
	}
}

func TestNewShuffleLogger_CreatesFileAndLogs(t *testing.T) {
	dir := t.TempDir()
	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	logger, closer, logPath, err := NewShuffleLogger(base, dir, "app-1", "5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	appDir := filepath.Join(dir, "app-1")
	if _, err := os.Stat(appDir); os.IsNotExist(err) {
		t.Fatalf("app dir not created: %s", appDir)
	}

	expectedPath := filepath.Join(appDir, "5.log")
	if logPath != expectedPath {
		t.Errorf("expected path %q, got %q", expectedPath, logPath)
	}

	logger.Info("test message", "key", "value")
	closer.Close()

	if !strings.Contains(baseBuf.String(), "test message") {
		t.Errorf("log message not found in base handler output: %s", baseBuf.String())
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("reading shuffle log file: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "test message") {
		t.Errorf("log message not found in shuffle file: %s", content)
	}
	if !strings.Contains(content, `"key":"value"`) {
		t.Errorf("structured key not found in shuffle file: %s", content)
	}
}

func TestNewShuffleLogger_DebugInFileInfoInBase(t *testing.T) {
	dir := t.TempDir()

	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	logger, closer, logPath, err := NewShuffleLogger(base, dir, "app-1", "9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	logger.Debug("debug only message")
	logger.Info("info for both")

	closer.Close()

	if strings.Contains(baseBuf.String(), "debug only message") {
		t.Error("DEBUG message should not appear in base handler with INFO level")
	}
	if !strings.Contains(baseBuf.String(), "info for both") {
		t.Error("INFO message missing from base handler")
	}

	data, _ := os.ReadFile(logPath)
	content := string(data)
	if !strings.Contains(content, "debug only message") {
		t.Errorf("DEBUG message missing from shuffle file: %s", content)
	}
	if !strings.Contains(content, "info for both") {
		t.Errorf("INFO message missing from shuffle file: %s", content)
	}
}

func TestRemoveShuffleLog(t *testing.T) {
	dir := t.TempDir()
	appDir := filepath.Join(dir, "app-1")
	os.MkdirAll(appDir, 0755)

	logPath := filepath.Join(appDir, "5.log")
	os.WriteFile(logPath, []byte("test"), 0644)

	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		t.Fatal("setup failed: log file not created")
	}

	RemoveShuffleLog(dir, "app-1", "5")

	if _, err := os.Stat(logPath); !os.IsNotExist(err) {
		t.Error("shuffle log file should have been removed")
	}
}

func TestRemoveShuffleLog_NoOpWhenEmpty(t *testing.T) {
	RemoveShuffleLog("", "app-1", "5")
}

func TestRemoveShuffleLog_NoOpWhenFileMissing(t *testing.T) {
	RemoveShuffleLog(t.TempDir(), "app-1", "nonexistent")
}

func TestNewShuffleLogger_WithAttrs(t *testing.T) {
	dir := t.TempDir()
	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	logger, closer, logPath, err := NewShuffleLogger(base, dir, "app-1", "attrs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	enriched := logger.With("shuffle", "attrs", "mode", "parallel")
	enriched.Info("enriched message")

	closer.Close()

	if !strings.Contains(baseBuf.String(), "attrs") {
		t.Error("shuffle attr missing from base handler")
	}

	data, _ := os.ReadFile(logPath)
	content := string(data)
	if !strings.Contains(content, "attrs") {
		t.Errorf("shuffle attr missing from shuffle file: %s", content)
	}
	if !strings.Contains(content, "parallel") {
		t.Errorf("mode attr missing from shuffle file: %s", content)
	}
}
