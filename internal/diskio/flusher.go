// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package diskio implements the per-mount disk flusher worker pool and
// the device monitor that isolates failing or slow mounts.
package diskio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shufflerd/shufflerd/internal/membuf"
	"github.com/shufflerd/shufflerd/internal/shuffleerr"
)

// Target is whatever the flusher writes buffer components into — a
// partition file, in this module. Kept as an interface so diskio does not
// import partitionfile (which in turn owns a Flusher), avoiding a cycle.
type Target interface {
	WriteVectored(components [][]byte) error
	Mount() string
}

// FlushTask is one unit of work: write buf's components into target, then
// release buf back to its pool and signal notifier.
type FlushTask struct {
	Buffer   *membuf.Buffer
	Target   Target
	Notifier *Notifier
}

// Flusher owns one mount's worker pool: a bounded channel of pending
// work, a small fixed pool of workers draining it, and atomic stats.
type Flusher struct {
	mount              string
	pool               *membuf.Pool
	queue              chan FlushTask
	workers            int
	slowFlushThreshold time.Duration
	monitor            *DeviceMonitor
	logger             *slog.Logger

	stopped atomic.Bool
	wg      sync.WaitGroup

	totalFlushed  atomic.Int64
	totalBytes    atomic.Int64
	totalErrors   atomic.Int64
	totalRejected atomic.Int64
}

// NewFlusher creates a Flusher for one mount. workers defaults to 2 per
// mount, each mount getting its own Flusher instance.
func NewFlusher(mount string, pool *membuf.Pool, queueDepth, workers int, slowFlushThreshold time.Duration, monitor *DeviceMonitor, logger *slog.Logger) *Flusher {
	if workers <= 0 {
		workers = 2
	}
	if queueDepth <= 0 {
		queueDepth = 64
	}
	return &Flusher{
		mount:              mount,
		pool:               pool,
		queue:              make(chan FlushTask, queueDepth),
		workers:            workers,
		slowFlushThreshold: slowFlushThreshold,
		monitor:            monitor,
		logger:             logger.With("component", "flusher", "mount", mount),
	}
}

// Start launches the worker goroutines. Call once.
func (f *Flusher) Start(ctx context.Context) {
	for i := 0; i < f.workers; i++ {
		f.wg.Add(1)
		go f.workerLoop(ctx)
	}
}

// Stop waits for in-flight work to finish after ctx has been cancelled.
func (f *Flusher) Stop() {
	f.wg.Wait()
}

// Submit enqueues a FlushTask, failing with FlusherBackPressure if the
// queue stays full for timeout, or immediately if the mount has latched
// the stopped flag from a prior I/O error.
func (f *Flusher) Submit(task FlushTask, timeout time.Duration) error {
	if f.stopped.Load() {
		f.totalRejected.Add(1)
		return shuffleerr.New(shuffleerr.KindPushDataWriteFailPrimary, fmt.Sprintf("mount %s is stopped", f.mount))
	}

	select {
	case f.queue <- task:
		task.Notifier.MarkEnqueued()
		return nil
	case <-time.After(timeout):
		f.totalRejected.Add(1)
		return shuffleerr.New(shuffleerr.KindFlusherBackPressure, fmt.Sprintf("flusher queue full on mount %s after %s", f.mount, timeout))
	}
}

func (f *Flusher) workerLoop(ctx context.Context) {
	defer f.wg.Done()
	for {
		select {
		case <-ctx.Done():
			f.drainRemaining()
			return
		case task := <-f.queue:
			f.runTask(task)
		}
	}
}

func (f *Flusher) drainRemaining() {
	for {
		select {
		case task := <-f.queue:
			f.runTask(task)
		default:
			return
		}
	}
}

func (f *Flusher) runTask(task FlushTask) {
	start := time.Now()
	err := task.Target.WriteVectored(task.Buffer.Components())
	elapsed := time.Since(start)

	bytes := task.Buffer.Len()
	f.pool.Release(task.Buffer)

	if err != nil {
		f.totalErrors.Add(1)
		f.stopped.Store(true)
		if f.monitor != nil {
			f.monitor.ReportError(task.Target.Mount(), ReadWriteFailure)
		}
		task.Notifier.Complete(shuffleerr.Wrap(shuffleerr.KindPushDataWriteFailPrimary, "flush failed", err))
		f.logger.Error("flush failed", "error", err, "elapsed", elapsed)
		return
	}

	if f.slowFlushThreshold > 0 && elapsed > f.slowFlushThreshold {
		if f.monitor != nil {
			f.monitor.ReportError(task.Target.Mount(), FlushTimeout)
		}
		f.logger.Warn("slow flush detected", "elapsed", elapsed, "threshold", f.slowFlushThreshold)
	}

	f.totalFlushed.Add(1)
	f.totalBytes.Add(bytes)
	task.Notifier.Complete(nil)
}

// OnError implements Observer: a device-monitor-reported failure on this
// mount latches the same stopped flag an in-process write error would.
func (f *Flusher) OnError(mount string, kind ErrorKind) {
	if mount == f.mount {
		f.stopped.Store(true)
	}
}

// OnHealthy implements Observer: re-admits the mount once the monitor
// confirms it probes clean again.
func (f *Flusher) OnHealthy(mount string) {
	if mount == f.mount {
		f.stopped.Store(false)
	}
}

// OnHighDiskUsage implements Observer. Soft isolation only affects which
// mount new File Writers choose (decided at the registry/mount-picker
// level); existing flushes on this mount keep draining.
func (f *Flusher) OnHighDiskUsage(mount string) {}

// Stats is a point-in-time snapshot of this mount's flush activity.
type Stats struct {
	Mount         string
	Stopped       bool
	QueueDepth    int
	TotalFlushed  int64
	TotalBytes    int64
	TotalErrors   int64
	TotalRejected int64
}

// Stats returns a lock-free snapshot.
func (f *Flusher) Stats() Stats {
	return Stats{
		Mount:         f.mount,
		Stopped:       f.stopped.Load(),
		QueueDepth:    len(f.queue),
		TotalFlushed:  f.totalFlushed.Load(),
		TotalBytes:    f.totalBytes.Load(),
		TotalErrors:   f.totalErrors.Load(),
		TotalRejected: f.totalRejected.Load(),
	}
}
