// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package partitionfile

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shufflerd/shufflerd/internal/diskio"
	"github.com/shufflerd/shufflerd/internal/membuf"
	"github.com/shufflerd/shufflerd/internal/shuffleerr"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeNotifier struct {
	mu      sync.Mutex
	splits  []SplitMode
}

func (f *fakeNotifier) RequestSplit(mode SplitMode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.splits = append(f.splits, mode)
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.splits)
}

func newTestWriter(t *testing.T, cfg Config) (*Writer, *diskio.Flusher, func()) {
	t.Helper()
	dir := t.TempDir()
	pool := membuf.NewPool(8, 64, nil)
	flusher := diskio.NewFlusher(dir, pool, 16, 2, 0, nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	flusher.Start(ctx)

	w, err := New(filepath.Join(dir, "partition-0-1.data"), dir, pool, flusher, &fakeNotifier{}, cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w, flusher, func() { cancel(); flusher.Stop() }
}

func TestWriter_WriteAndCloseProducesChunkIndex(t *testing.T) {
	w, _, cleanup := newTestWriter(t, Config{FlushBufferSize: 16, FlushTimeout: time.Second, AcquireTimeout: time.Second})
	defer cleanup()

	if err := w.Write([]byte("hello world")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Write([]byte("more than sixteen bytes here")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	idx, meta, err := w.Close()
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(idx.Offsets) < 2 {
		t.Fatalf("expected at least 2 offsets, got %+v", idx.Offsets)
	}
	if idx.Offsets[len(idx.Offsets)-1] != w.Size() {
		t.Fatalf("final offset %d does not match size %d", idx.Offsets[len(idx.Offsets)-1], w.Size())
	}
	wantBytes := uint64(len("hello world") + len("more than sixteen bytes here"))
	if meta.Bytes != wantBytes {
		t.Fatalf("expected %d bytes in commit metadata, got %d", wantBytes, meta.Bytes)
	}

	data, err := os.ReadFile(w.path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "hello world"+"more than sixteen bytes here" {
		t.Fatalf("unexpected file contents: %q", data)
	}
}

func TestWriter_WriteAfterAbortFails(t *testing.T) {
	w, _, cleanup := newTestWriter(t, Config{FlushBufferSize: 1024, FlushTimeout: time.Second, AcquireTimeout: time.Second})
	defer cleanup()

	w.Abort(shuffleerr.New(shuffleerr.KindPushDataWriteFailPrimary, "simulated"))

	err := w.Write([]byte("x"))
	if shuffleerr.KindOf(err) != shuffleerr.KindWriterAborted {
		t.Fatalf("expected WriterAborted, got %v", err)
	}
}

func TestWriter_SplitThresholdNotifiesOnce(t *testing.T) {
	w, _, cleanup := newTestWriter(t, Config{
		FlushBufferSize: 4,
		SplitThreshold:  8,
		SplitMode:       SplitSoft,
		FlushTimeout:    time.Second,
		AcquireTimeout:  time.Second,
	})
	defer cleanup()

	notifier := w.notifier.(*fakeNotifier)

	for i := 0; i < 4; i++ {
		if err := w.Write([]byte("abcd")); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(time.Second)
	for notifier.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	if n := notifier.count(); n != 1 {
		t.Fatalf("expected exactly one split notification, got %d", n)
	}

	asked, mode := w.SplitIfNeeded()
	if !asked || mode != SplitSoft {
		t.Fatalf("expected soft split pending, got asked=%v mode=%v", asked, mode)
	}
	if w.State() != StateAccepting {
		t.Fatalf("soft split should not stop accepting, got %v", w.State())
	}
}

func TestWriter_HardSplitStopsAccepting(t *testing.T) {
	w, _, cleanup := newTestWriter(t, Config{
		FlushBufferSize: 4,
		SplitThreshold:  4,
		SplitMode:       SplitHard,
		FlushTimeout:    time.Second,
		AcquireTimeout:  time.Second,
	})
	defer cleanup()

	if err := w.Write([]byte("abcd")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for w.State() == StateAccepting && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if w.State() != StateClosing {
		t.Fatalf("expected Closing after hard split, got %v", w.State())
	}
}

func TestBitmap_AddAndContains(t *testing.T) {
	b := newBitmap()
	b.Add(42)
	if !b.Contains(42) {
		t.Fatal("expected 42 to be present")
	}
	if b.Contains(7) {
		t.Fatal("expected 7 to be absent")
	}
}
