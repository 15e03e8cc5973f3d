// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package partitionfile implements the File Writer: the append-only,
// chunk-indexed file that backs one (shuffle, partition, epoch) location
// on a single worker, whether that worker is acting as primary or
// replica for the location. Incoming bytes are buffered locally and
// handed to disk in order, with a chunk-offset index built up as
// flushes land.
package partitionfile

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/shufflerd/shufflerd/internal/commitmeta"
	"github.com/shufflerd/shufflerd/internal/diskio"
	"github.com/shufflerd/shufflerd/internal/membuf"
	"github.com/shufflerd/shufflerd/internal/shuffleerr"
)

// State is the File Writer's lifecycle: Accepting writes, optionally
// flagged for a split, then Closing and finally Closed or Aborted.
type State int32

const (
	StateAccepting State = iota
	StateClosing
	StateClosed
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	case StateAborted:
		return "Aborted"
	default:
		return "Accepting"
	}
}

// SplitMode distinguishes a soft split (epoch bump, writer keeps
// accepting until the new epoch is live) from a hard split (writer stops
// accepting immediately).
type SplitMode int

const (
	SplitNone SplitMode = iota
	SplitSoft
	SplitHard
)

// SplitNotifier is told when a file crosses its split threshold. The
// registry implements this to bump the location's epoch and mint a
// successor file.
type SplitNotifier interface {
	RequestSplit(mode SplitMode)
}

// ChunkIndex is the sequence of cumulative byte offsets closing a file,
// the same bookkeeping the fetch server walks to serve individual chunks
// without re-scanning the whole file.
type ChunkIndex struct {
	// Offsets[i] is the starting byte offset of chunk i; the final entry
	// is the total file size, so len(Offsets) == number of chunks + 1.
	Offsets []int64
}

// Bitmap is a minimal set of map ids, used by the fetch server to skip
// re-reading a file for an attempt whose output it never received.
type Bitmap struct {
	mu   sync.Mutex
	seen map[uint32]struct{}
}

func newBitmap() *Bitmap {
	return &Bitmap{seen: make(map[uint32]struct{})}
}

// NewBitmap creates an empty Bitmap. Exposed for callers (the fetch
// server's tests, and any component that builds a Bitmap outside of a
// Writer) that need one without opening a file.
func NewBitmap() *Bitmap {
	return newBitmap()
}

// Add records mapID as present in this file.
func (b *Bitmap) Add(mapID uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seen[mapID] = struct{}{}
}

// Contains reports whether mapID was ever written to this file.
func (b *Bitmap) Contains(mapID uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.seen[mapID]
	return ok
}

// Intersects reports whether any map id in [start, end) was ever written
// to this file. The fetch server calls this once per OpenStream to skip
// a file outright rather than streaming chunks a reader will discard.
func (b *Bitmap) Intersects(start, end uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if start >= end {
		return false
	}
	if int(end-start) < len(b.seen) {
		for id := start; id < end; id++ {
			if _, ok := b.seen[id]; ok {
				return true
			}
		}
		return false
	}
	for id := range b.seen {
		if id >= start && id < end {
			return true
		}
	}
	return false
}

// Writer owns one partition file on local disk. It satisfies
// diskio.Target so the Flusher that owns its mount can drive it
// directly, and it owns the membuf.Pool buffer the incoming bytes
// accumulate in before a flush is scheduled.
type Writer struct {
	path  string
	mount string

	file    *os.File
	pool    *membuf.Pool
	flusher *diskio.Flusher

	flushBufferSize int64
	splitThreshold  int64
	splitMode       SplitMode
	flushTimeout    time.Duration
	acquireTimeout  time.Duration

	notifier SplitNotifier
	bitmap   *Bitmap
	acc      *commitmeta.Accumulator

	logger *slog.Logger

	mu           sync.Mutex
	state        State
	current      *membuf.Buffer
	sizeFlushed  int64
	chunkOffsets []int64
	pending      []*diskio.Notifier
	firstErr     error
	splitAsked   bool
}

// Config bundles the tunables a Writer is built from.
type Config struct {
	// FlushBufferSize is the accumulated-bytes threshold at which a
	// composite Buffer is handed to the flusher.
	FlushBufferSize int64
	// SplitThreshold is the file size (bytes) at which SplitIfNeeded
	// starts reporting a pending split.
	SplitThreshold int64
	SplitMode      SplitMode
	// FlushTimeout bounds how long Close waits for in-flight flushes.
	FlushTimeout time.Duration
	// AcquireTimeout bounds how long Write waits for a buffer slab.
	AcquireTimeout time.Duration
}

// New opens path for append-only writes and returns a Writer in the
// Accepting state with an empty chunk index (the implicit first offset,
// zero, is always present).
func New(path, mount string, pool *membuf.Pool, flusher *diskio.Flusher, notifier SplitNotifier, cfg Config, logger *slog.Logger) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening partition file %s: %w", path, err)
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 5 * time.Second
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = time.Second
	}
	return &Writer{
		path:            path,
		mount:           mount,
		file:            f,
		pool:            pool,
		flusher:         flusher,
		flushBufferSize: cfg.FlushBufferSize,
		splitThreshold:  cfg.SplitThreshold,
		splitMode:       cfg.SplitMode,
		flushTimeout:    cfg.FlushTimeout,
		acquireTimeout:  cfg.AcquireTimeout,
		notifier:        notifier,
		bitmap:          newBitmap(),
		acc:             commitmeta.NewAccumulator(),
		logger:          logger.With("component", "partition_writer", "path", path),
		state:           StateAccepting,
		chunkOffsets:    []int64{0},
	}, nil
}

// Mount implements diskio.Target.
func (w *Writer) Mount() string { return w.mount }

// WriteVectored implements diskio.Target: the flusher calls this with a
// Buffer's slab components. Writes land sequentially — the file is
// opened O_APPEND, so each slab extends the file regardless of which
// goroutine is running the flush.
func (w *Writer) WriteVectored(components [][]byte) error {
	bufs := make(net.Buffers, 0, len(components))
	for _, c := range components {
		if len(c) == 0 {
			continue
		}
		bufs = append(bufs, c)
	}
	if len(bufs) == 0 {
		return nil
	}
	_, err := bufs.WriteTo(w.file)
	return err
}

// Write appends bytes to the writer's current composite buffer,
// scheduling a flush whenever it crosses flushBufferSize. Returns
// WriterAborted if the writer is no longer Accepting.
func (w *Writer) Write(p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateAccepting {
		return shuffleerr.New(shuffleerr.KindWriterAborted, fmt.Sprintf("writer for %s is %s", w.path, w.state))
	}

	if w.current == nil {
		buf, err := w.pool.Acquire(w.acquireTimeout)
		if err != nil {
			return err
		}
		w.current = buf
	}

	if err := w.current.Append(p); err != nil {
		return err
	}
	w.acc.Write(p)

	if w.current.Len() >= w.flushBufferSize {
		return w.scheduleFlushLocked()
	}
	return nil
}

// FlushOnMemoryPressure forces whatever is currently buffered out to
// disk immediately, regardless of flushBufferSize — the memory tracker
// calls this path when it needs direct-buffer bytes back under PAUSE.
func (w *Writer) FlushOnMemoryPressure() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil || w.current.Len() == 0 {
		return nil
	}
	return w.scheduleFlushLocked()
}

// scheduleFlushLocked must be called with w.mu held. It hands the
// current buffer to the flusher and immediately starts a new one so
// writers never block waiting for the old buffer to actually land.
func (w *Writer) scheduleFlushLocked() error {
	buf := w.current
	w.current = nil
	size := buf.Len()

	notifier := diskio.NewNotifier()
	task := diskio.FlushTask{Buffer: buf, Target: w, Notifier: notifier}
	if err := w.flusher.Submit(task, w.flushTimeout); err != nil {
		w.pool.Release(buf)
		w.abortLocked(err)
		return err
	}
	w.pending = append(w.pending, notifier)

	go w.awaitFlush(notifier, size)
	return nil
}

// awaitFlush blocks for one flush's completion off the writer's lock and
// folds the result back into the writer's offset index and CRC state.
func (w *Writer) awaitFlush(notifier *diskio.Notifier, size int64) {
	ctx, cancel := context.WithTimeout(context.Background(), w.flushTimeout+5*time.Second)
	defer cancel()
	err := notifier.WaitDone(ctx)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.removePendingLocked(notifier)

	if err != nil {
		w.abortLocked(err)
		return
	}
	w.registerChunkLocked(size)
}

func (w *Writer) removePendingLocked(notifier *diskio.Notifier) {
	for i, n := range w.pending {
		if n == notifier {
			w.pending = append(w.pending[:i], w.pending[i+1:]...)
			return
		}
	}
}

// registerChunkLocked extends the chunk-offset index by one entry,
// marking where the next chunk begins. Must be called with w.mu held.
func (w *Writer) registerChunkLocked(size int64) {
	w.sizeFlushed += size
	w.chunkOffsets = append(w.chunkOffsets, w.sizeFlushed)
	if w.splitThreshold > 0 && !w.splitAsked && w.sizeFlushed >= w.splitThreshold {
		w.splitAsked = true
		if w.notifier != nil {
			w.notifier.RequestSplit(w.splitMode)
		}
		if w.splitMode == SplitHard {
			w.state = StateClosing
		}
	}
}

func (w *Writer) abortLocked(err error) {
	if w.state == StateAborted || w.state == StateClosed {
		return
	}
	w.state = StateAborted
	if w.firstErr == nil {
		w.firstErr = err
	}
	w.logger.Error("partition writer aborted", "error", err)
}

// RecordMapID marks mapID as present in this file, for the fetch
// server's skip-check against attempts it never received.
func (w *Writer) RecordMapID(mapID uint32) {
	w.bitmap.Add(mapID)
}

// Bitmap returns the map-id presence set built up by RecordMapID calls.
func (w *Writer) Bitmap() *Bitmap { return w.bitmap }

// Path returns the on-disk path backing this writer, for a fetch server
// opening its own read-only file descriptor.
func (w *Writer) Path() string { return w.path }

// ChunkIndexSnapshot returns a copy of the chunk-offset index built up so
// far, usable by a fetch server streaming chunks from a file that may
// still be Accepting writes.
func (w *Writer) ChunkIndexSnapshot() ChunkIndex {
	w.mu.Lock()
	defer w.mu.Unlock()
	return ChunkIndex{Offsets: append([]int64(nil), w.chunkOffsets...)}
}

// Size returns the number of bytes durably flushed to disk so far. It
// does not include bytes still sitting in the current in-memory buffer.
func (w *Writer) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sizeFlushed
}

// State returns the writer's current lifecycle state.
func (w *Writer) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// SplitIfNeeded reports whether this file has crossed its split
// threshold and, if so, which mode. A soft split lets the writer keep
// accepting; a hard split has already flipped the writer to Closing.
func (w *Writer) SplitIfNeeded() (bool, SplitMode) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.splitAsked, w.splitMode
}

// Close transitions the writer to Closing, drains in-flight flushes
// bounded by flushTimeout, flushes any final partial buffer, and returns
// the resulting chunk index plus the aggregate commit metadata. Safe to
// call exactly once.
func (w *Writer) Close() (ChunkIndex, commitmeta.Metadata, error) {
	w.mu.Lock()
	if w.state == StateClosed || w.state == StateAborted {
		idx := ChunkIndex{Offsets: append([]int64(nil), w.chunkOffsets...)}
		meta := w.acc.Metadata()
		err := w.firstErr
		w.mu.Unlock()
		return idx, meta, err
	}
	w.state = StateClosing
	if w.current != nil && w.current.Len() > 0 {
		if err := w.scheduleFlushLocked(); err != nil {
			w.mu.Unlock()
			return ChunkIndex{}, commitmeta.Metadata{}, err
		}
	}
	w.mu.Unlock()

	deadline := time.Now().Add(w.flushTimeout + 5*time.Second)
	for {
		w.mu.Lock()
		remaining := len(w.pending)
		w.mu.Unlock()
		if remaining == 0 {
			break
		}
		if time.Now().After(deadline) {
			w.mu.Lock()
			w.abortLocked(shuffleerr.New(shuffleerr.KindFlusherBackPressure, "timed out draining pending flushes on close"))
			w.mu.Unlock()
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateAborted {
		w.state = StateClosed
	}
	if err := w.file.Close(); err != nil && w.firstErr == nil {
		w.firstErr = fmt.Errorf("closing partition file: %w", err)
	}

	idx := ChunkIndex{Offsets: append([]int64(nil), w.chunkOffsets...)}
	return idx, w.acc.Metadata(), w.firstErr
}

// Abort marks the writer Aborted immediately; any further Write calls
// fail with WriterAborted. Used when the primary/replica fork fails on
// the peer side, or the device monitor isolates this file's mount.
func (w *Writer) Abort(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.abortLocked(err)
}
