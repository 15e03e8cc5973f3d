// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package cleaner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFileAt(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte("payload"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
}

func newTestCleaner(t *testing.T, mounts []string, ttl time.Duration) *Cleaner {
	t.Helper()
	ms := make([]Mount, len(mounts))
	for i, m := range mounts {
		ms[i] = Mount{Path: m}
	}
	c, err := New(Config{Mounts: ms, TTL: ttl, Schedule: "@every 1h"}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

type fakeArchiver struct {
	mu       sync.Mutex
	archived map[string]string
	failKeys map[string]bool
}

func newFakeArchiver() *fakeArchiver {
	return &fakeArchiver{archived: make(map[string]string), failKeys: make(map[string]bool)}
}

func (f *fakeArchiver) Archive(ctx context.Context, key, localPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failKeys[key] {
		return fmt.Errorf("fake archive failure for %s", key)
	}
	f.archived[key] = localPath
	return nil
}

func TestSweepNow_RemovesExpiredFileAndLeavesFreshOne(t *testing.T) {
	mount := t.TempDir()
	base := filepath.Join(mount, shuffleDataSubpath, "app-1", "5")

	old := filepath.Join(base, "0-0-0")
	fresh := filepath.Join(base, "1-0-0")
	writeFileAt(t, old, time.Now().Add(-2*time.Hour))
	writeFileAt(t, fresh, time.Now())

	c := newTestCleaner(t, []string{mount}, time.Hour)
	stats := c.SweepNow()

	if stats.FilesRemoved != 1 {
		t.Fatalf("expected 1 file removed, got %d", stats.FilesRemoved)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatal("expected expired file to be removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("expected fresh file to survive: %v", err)
	}
}

func TestSweepNow_PrunesEmptyShuffleAndAppDirs(t *testing.T) {
	mount := t.TempDir()
	base := filepath.Join(mount, shuffleDataSubpath, "app-1", "5")
	old := filepath.Join(base, "0-0-0")
	writeFileAt(t, old, time.Now().Add(-2*time.Hour))

	c := newTestCleaner(t, []string{mount}, time.Hour)
	stats := c.SweepNow()

	if stats.DirsPruned < 1 {
		t.Fatalf("expected at least 1 directory pruned, got %d", stats.DirsPruned)
	}
	if _, err := os.Stat(base); !os.IsNotExist(err) {
		t.Fatal("expected emptied shuffle directory to be pruned")
	}
	appDir := filepath.Join(mount, shuffleDataSubpath, "app-1")
	if _, err := os.Stat(appDir); !os.IsNotExist(err) {
		t.Fatal("expected emptied app directory to be pruned")
	}
}

func TestSweepNow_LeavesDirWithLiveFileAlone(t *testing.T) {
	mount := t.TempDir()
	base := filepath.Join(mount, shuffleDataSubpath, "app-1", "5")
	live := filepath.Join(base, "0-0-0")
	writeFileAt(t, live, time.Now())

	c := newTestCleaner(t, []string{mount}, time.Hour)
	stats := c.SweepNow()

	if stats.FilesRemoved != 0 || stats.DirsPruned != 0 {
		t.Fatalf("expected no removals or prunes, got files=%d dirs=%d", stats.FilesRemoved, stats.DirsPruned)
	}
	if _, err := os.Stat(base); err != nil {
		t.Fatal("expected live shuffle directory to survive")
	}
}

func TestSweepNow_HandlesMissingMountWithoutError(t *testing.T) {
	mount := filepath.Join(t.TempDir(), "does-not-exist")
	c := newTestCleaner(t, []string{mount}, time.Hour)

	stats := c.SweepNow()
	if stats.Errors != 0 {
		t.Fatalf("expected a missing mount root to be treated as empty, got %d errors", stats.Errors)
	}
}

func TestSweepNow_ArchivesColdMountBeforeDeleting(t *testing.T) {
	mount := t.TempDir()
	base := filepath.Join(mount, shuffleDataSubpath, "app-1", "5")
	old := filepath.Join(base, "0-0-0")
	writeFileAt(t, old, time.Now().Add(-2*time.Hour))

	archiver := newFakeArchiver()
	c, err := New(Config{
		Mounts:   []Mount{{Path: mount, Cold: true}},
		TTL:      time.Hour,
		Schedule: "@every 1h",
		Archiver: archiver,
	}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stats := c.SweepNow()
	if stats.FilesRemoved != 1 {
		t.Fatalf("expected 1 file removed, got %d", stats.FilesRemoved)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatal("expected expired file to be removed after archiving")
	}
	if _, ok := archiver.archived["app-1/5/0-0-0"]; !ok {
		t.Fatalf("expected file to be archived under key app-1/5/0-0-0, got %v", archiver.archived)
	}
}

func TestSweepNow_LeavesFileInPlaceWhenArchiveFails(t *testing.T) {
	mount := t.TempDir()
	base := filepath.Join(mount, shuffleDataSubpath, "app-1", "5")
	old := filepath.Join(base, "0-0-0")
	writeFileAt(t, old, time.Now().Add(-2*time.Hour))

	archiver := newFakeArchiver()
	archiver.failKeys["app-1/5/0-0-0"] = true
	c, err := New(Config{
		Mounts:   []Mount{{Path: mount, Cold: true}},
		TTL:      time.Hour,
		Schedule: "@every 1h",
		Archiver: archiver,
	}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stats := c.SweepNow()
	if stats.FilesRemoved != 0 {
		t.Fatalf("expected 0 files removed when archiving fails, got %d", stats.FilesRemoved)
	}
	if stats.Errors == 0 {
		t.Fatal("expected a recorded error when archiving fails")
	}
	if _, err := os.Stat(old); err != nil {
		t.Fatal("expected expired file to survive a failed archive attempt")
	}
}

func TestSweepNow_SkipsOverlappingRun(t *testing.T) {
	mount := t.TempDir()
	c := newTestCleaner(t, []string{mount}, time.Hour)

	c.sweeping = 1
	stats := c.SweepNow()
	c.sweeping = 0

	if !stats.SweptAt.IsZero() {
		t.Fatal("expected the skipped run to leave lastStats untouched")
	}
}
