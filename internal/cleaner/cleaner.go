// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package cleaner runs the cron-scheduled sweep that deletes shuffle files
// once they are older than their TTL. A file's directory layout is
// <mount>/rss-worker/shuffle_data/<app_id>/<shuffle_id>/ — the sweep walks
// each registered mount, removes files past TTL, and prunes any shuffle/app
// directory left empty behind them.
package cleaner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

const shuffleDataSubpath = "rss-worker/shuffle_data"

// Stats is a snapshot of the most recent sweep's results.
type Stats struct {
	SweptAt      time.Time
	FilesRemoved int64
	BytesFreed   int64
	DirsPruned   int64
	Errors       int64
}

// Archiver uploads an expiring file to cold storage before the sweep
// deletes it locally. Satisfied by *coldstore.Store; nil skips archival
// and every mount is swept as plain delete-on-expiry.
type Archiver interface {
	Archive(ctx context.Context, key, localPath string) error
}

// Mount is one filesystem root the sweep walks, plus whether files under
// it should be archived before deletion.
type Mount struct {
	Path string
	// Cold marks a mount whose expiring files are archived via Archiver
	// before removal, matching a storage_hint of "s3" on that mount.
	Cold bool
}

// Config controls the sweep's schedule and retention window.
type Config struct {
	// Mounts lists the filesystem roots holding shuffle_data trees.
	Mounts []Mount
	// TTL is how long a file may sit unmodified before the sweep deletes
	// it. Measured against the file's mtime, not its creation time, since
	// a File Writer's last append is the most recent thing that touched it.
	TTL time.Duration
	// Schedule is a standard cron expression (e.g. "0 */30 * * * *" for
	// every 30 minutes); cron/v3 accepts both the five- and six-field
	// forms.
	Schedule string
	// Archiver is consulted for every expiring file on a Cold mount
	// before it is removed. Optional.
	Archiver Archiver
	// OnShuffleRemoved, if set, is called once a shuffle's directory is
	// pruned empty on a mount — the point at which that shuffle's data is
	// gone from that mount. Used to retire any per-shuffle side state
	// keyed the same way, such as a dedicated debug log file. Optional.
	OnShuffleRemoved func(appID, shuffleID string)
}

// Cleaner runs Config.Schedule as a single cron job that sweeps every
// registered mount for TTL-expired shuffle files.
type Cleaner struct {
	cfg    Config
	cron   *cron.Cron
	logger *slog.Logger

	mu        sync.RWMutex
	lastStats Stats
	sweeping  int32 // atomic guard: skip an overlapping run rather than queue one
}

// New builds a Cleaner. It does not start the schedule; call Start.
func New(cfg Config, logger *slog.Logger) (*Cleaner, error) {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	cl := &Cleaner{cfg: cfg, cron: c, logger: logger}

	if _, err := c.AddFunc(cfg.Schedule, cl.runSweep); err != nil {
		return nil, fmt.Errorf("cleaner: scheduling sweep %q: %w", cfg.Schedule, err)
	}
	return cl, nil
}

// Start begins running the cron schedule.
func (c *Cleaner) Start() {
	c.logger.Info("cleaner started", "mounts", c.cfg.Mounts, "ttl", c.cfg.TTL, "schedule", c.cfg.Schedule)
	c.cron.Start()
}

// Stop stops the schedule and waits for an in-flight sweep to finish or
// ctx to expire, whichever comes first.
func (c *Cleaner) Stop(ctx context.Context) {
	c.logger.Info("cleaner stopping")
	stopCtx := c.cron.Stop()
	select {
	case <-stopCtx.Done():
		c.logger.Info("cleaner stopped gracefully")
	case <-ctx.Done():
		c.logger.Warn("cleaner stop timed out with a sweep still running")
	}
}

// Stats returns a copy of the most recent sweep's results.
func (c *Cleaner) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastStats
}

// SweepNow runs one sweep immediately, outside the cron schedule. Useful
// for an operator-triggered sweep or for tests.
func (c *Cleaner) SweepNow() Stats {
	c.runSweep()
	return c.Stats()
}

func (c *Cleaner) runSweep() {
	if !atomic.CompareAndSwapInt32(&c.sweeping, 0, 1) {
		c.logger.Warn("sweep already in progress, skipping this tick")
		return
	}
	defer atomic.StoreInt32(&c.sweeping, 0)

	start := time.Now()
	stats := Stats{SweptAt: start}
	cutoff := start.Add(-c.cfg.TTL)

	for _, mount := range c.cfg.Mounts {
		root := filepath.Join(mount.Path, shuffleDataSubpath)
		var archiver Archiver
		if mount.Cold {
			archiver = c.cfg.Archiver
		}
		sweepMount(root, cutoff, archiver, c.cfg.OnShuffleRemoved, &stats, c.logger)
	}

	c.mu.Lock()
	c.lastStats = stats
	c.mu.Unlock()

	c.logger.Info("sweep complete",
		"duration", time.Since(start),
		"files_removed", stats.FilesRemoved,
		"bytes_freed", stats.BytesFreed,
		"dirs_pruned", stats.DirsPruned,
		"errors", stats.Errors,
	)
}

// sweepMount walks appID/shuffleID directories under root, removing files
// older than cutoff and pruning any directory left empty. archiver is
// non-nil only for a Cold mount, in which case every expiring file is
// archived before it is removed.
func sweepMount(root string, cutoff time.Time, archiver Archiver, onShuffleRemoved func(appID, shuffleID string), stats *Stats, logger *slog.Logger) {
	appDirs, err := os.ReadDir(root)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("reading shuffle_data root failed", "root", root, "error", err)
			stats.Errors++
		}
		return
	}

	for _, appDir := range appDirs {
		if !appDir.IsDir() {
			continue
		}
		appPath := filepath.Join(root, appDir.Name())
		shuffleDirs, err := os.ReadDir(appPath)
		if err != nil {
			logger.Warn("reading app directory failed", "path", appPath, "error", err)
			stats.Errors++
			continue
		}

		for _, shuffleDir := range shuffleDirs {
			if !shuffleDir.IsDir() {
				continue
			}
			shufflePath := filepath.Join(appPath, shuffleDir.Name())
			sweepShuffleDir(shufflePath, appDir.Name(), shuffleDir.Name(), cutoff, archiver, onShuffleRemoved, stats, logger)
		}

		pruneIfEmpty(appPath, stats, logger)
	}
}

func sweepShuffleDir(path, appID, shuffleID string, cutoff time.Time, archiver Archiver, onShuffleRemoved func(appID, shuffleID string), stats *Stats, logger *slog.Logger) {
	entries, err := os.ReadDir(path)
	if err != nil {
		logger.Warn("reading shuffle directory failed", "path", path, "error", err)
		stats.Errors++
		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			logger.Warn("stat failed during sweep", "path", filepath.Join(path, entry.Name()), "error", err)
			stats.Errors++
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		filePath := filepath.Join(path, entry.Name())
		if archiver != nil {
			key := appID + "/" + shuffleID + "/" + entry.Name()
			if err := archiver.Archive(context.Background(), key, filePath); err != nil {
				logger.Warn("archiving expired file failed, leaving it in place", "path", filePath, "error", err)
				stats.Errors++
				continue
			}
		}
		if err := os.Remove(filePath); err != nil {
			logger.Warn("removing expired file failed", "path", filePath, "error", err)
			stats.Errors++
			continue
		}
		stats.FilesRemoved++
		stats.BytesFreed += info.Size()
		logger.Debug("removed expired shuffle file", "path", filePath, "age", time.Since(info.ModTime()))
	}

	if pruneIfEmpty(path, stats, logger) && onShuffleRemoved != nil {
		onShuffleRemoved(appID, shuffleID)
	}
}

// pruneIfEmpty removes dir if the sweep left it with nothing in it, and
// reports whether it did. A directory holding an in-progress file (mtime
// inside the TTL window) is left alone since ReadDir would report it
// non-empty.
func pruneIfEmpty(dir string, stats *Stats, logger *slog.Logger) bool {
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) > 0 {
		return false
	}
	if err := os.Remove(dir); err != nil {
		logger.Debug("pruning empty directory failed", "path", dir, "error", err)
		return false
	}
	stats.DirsPruned++
	return true
}
