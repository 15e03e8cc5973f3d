// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"

	"github.com/shufflerd/shufflerd/internal/cleaner"
	"github.com/shufflerd/shufflerd/internal/coldstore"
	"github.com/shufflerd/shufflerd/internal/config"
	"github.com/shufflerd/shufflerd/internal/congestion"
	"github.com/shufflerd/shufflerd/internal/diskio"
	"github.com/shufflerd/shufflerd/internal/fetchserver"
	"github.com/shufflerd/shufflerd/internal/logging"
	"github.com/shufflerd/shufflerd/internal/membuf"
	"github.com/shufflerd/shufflerd/internal/memtrack"
	"github.com/shufflerd/shufflerd/internal/partitionfile"
	"github.com/shufflerd/shufflerd/internal/pathsafety"
	"github.com/shufflerd/shufflerd/internal/pki"
	"github.com/shufflerd/shufflerd/internal/pushserver"
	"github.com/shufflerd/shufflerd/internal/registry"
	"github.com/shufflerd/shufflerd/internal/transport"
)

func main() {
	configPath := flag.String("config", "/etc/shufflerd/worker.yaml", "path to worker config file")
	flag.Parse()

	cfg, err := config.LoadWorkerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("worker error", "error", err)
		os.Exit(1)
	}
}

// worker bundles the long-lived state run assembles so shutdown can
// unwind it in order: listeners first, then background loops.
type worker struct {
	cfg      *config.WorkerConfig
	logger   *slog.Logger
	monitor  *diskio.DeviceMonitor
	flushers map[string]*diskio.Flusher
	cleaner  *cleaner.Cleaner
	pushLn   net.Listener
	fetchLn  net.Listener

	writersMu sync.RWMutex
	writers   map[string]*partitionfile.Writer

	shuffleLogMu      sync.Mutex
	shuffleLoggers    map[string]*slog.Logger
	shuffleLogClosers map[string]io.Closer
}

// shuffleLoggerFor returns (building and caching on first use) the logger a
// new partitionfile.Writer for appID/shuffleID should log through: the
// global logger fanned out to a per-shuffle debug file when
// cfg.Logging.ShuffleLogDir is configured.
func (w *worker) shuffleLoggerFor(appID string, shuffleID uint32) *slog.Logger {
	key := appID + "/" + strconv.Itoa(int(shuffleID))

	w.shuffleLogMu.Lock()
	defer w.shuffleLogMu.Unlock()
	if lg, ok := w.shuffleLoggers[key]; ok {
		return lg
	}

	lg, closer, _, err := logging.NewShuffleLogger(w.logger, w.cfg.Logging.ShuffleLogDir, appID, strconv.Itoa(int(shuffleID)))
	if err != nil {
		w.logger.Warn("opening shuffle log file failed, falling back to the global logger", "app_id", appID, "shuffle_id", shuffleID, "error", err)
		return w.logger
	}
	w.shuffleLoggers[key] = lg
	w.shuffleLogClosers[key] = closer
	return lg
}

// forgetShuffleLogger closes and retires a shuffle's cached logger once the
// cleaner has swept its last file. Safe to call for a key never cached.
func (w *worker) forgetShuffleLogger(appID, shuffleID string) {
	key := appID + "/" + shuffleID
	w.shuffleLogMu.Lock()
	closer, ok := w.shuffleLogClosers[key]
	if ok {
		delete(w.shuffleLogClosers, key)
		delete(w.shuffleLoggers, key)
	}
	w.shuffleLogMu.Unlock()
	if ok {
		closer.Close()
	}
	logging.RemoveShuffleLog(w.cfg.Logging.ShuffleLogDir, appID, shuffleID)
}

func run(ctx context.Context, cfg *config.WorkerConfig, logger *slog.Logger) error {
	serverTLS, err := pki.NewServerTLSConfig(cfg.TLS.CACert, cfg.TLS.ServerCert, cfg.TLS.ServerKey)
	if err != nil {
		return fmt.Errorf("building server tls config: %w", err)
	}
	// The same certificate pair dials a sibling worker's push listener
	// when forking a batch to its replica; workers trust each other the
	// same way a client trusts a worker.
	replicaDialTLS, err := pki.NewClientTLSConfig(cfg.TLS.CACert, cfg.TLS.ServerCert, cfg.TLS.ServerKey)
	if err != nil {
		return fmt.Errorf("building replica-dial tls config: %w", err)
	}

	w := &worker{
		cfg:               cfg,
		logger:            logger,
		shuffleLoggers:    make(map[string]*slog.Logger),
		shuffleLogClosers: make(map[string]io.Closer),
	}
	tracker := memtrack.New(memtrack.Config{
		MaxDirectBytes:      cfg.MemTrack.MaxDirectBytesRaw,
		PausePushRatio:      cfg.MemTrack.PausePushRatio,
		PauseReplicateRatio: cfg.MemTrack.PauseReplicateRatio,
		ResumeRatio:         cfg.MemTrack.ResumeRatio,
		CheckInterval:       cfg.MemTrack.CheckInterval,
	}, logger)
	go tracker.Run(ctx)

	w.monitor = diskio.NewDeviceMonitor(cfg.DeviceProbe.Interval, cfg.DeviceProbe.LowDiskPercent, logger)
	pool := membuf.NewPool(cfg.BufferPool.NumSlabs, int(cfg.BufferPool.SlabSizeRaw), tracker)

	w.flushers = make(map[string]*diskio.Flusher, len(cfg.Mounts))
	for _, m := range cfg.Mounts {
		w.monitor.RegisterMount(m.Path)
		fl := diskio.NewFlusher(m.Path, pool, cfg.DeviceProbe.FlushQueueDepth, cfg.DeviceProbe.FlushWorkersPerDisk, cfg.DeviceProbe.SlowFlushThreshold, w.monitor, logger)
		fl.Start(ctx)
		defer fl.Stop()
		w.flushers[m.Path] = fl
		w.monitor.Subscribe(fl)
	}
	go w.monitor.Run(ctx)

	var reg *registry.Registry
	if cfg.Registry.Backend == "redis" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Registry.RedisAddr})
		reg = registry.NewWithStore(registry.NewRedisStore(rdb, cfg.Registry.KeyPrefix, registry.JSONCodec{}))
	} else {
		reg = registry.New()
	}

	congestionCtl := congestion.New(congestion.Config{
		WindowSize:        cfg.Congestion.WindowSize,
		HighWatermark:     cfg.Congestion.HighWatermarkRaw,
		LowWatermark:      cfg.Congestion.LowWatermarkRaw,
		UserInactiveAfter: cfg.Congestion.UserInactiveAfter,
		WorkerRateCap:     cfg.Congestion.WorkerRateCapRaw,
		UserRateCap:       cfg.Congestion.UserRateCapRaw,
		DelayMillis:       cfg.Congestion.DelayMillis,
	}, tracker, logger)
	go congestionCtl.Run(ctx, time.Second)

	// Feed flushed bytes into the congestion controller's worker window
	// as its consumed-bytes input.
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		var lastFlushed int64
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				var total int64
				for _, fl := range w.flushers {
					total += fl.Stats().TotalBytes
				}
				if d := total - lastFlushed; d > 0 {
					congestionCtl.ConsumedBytes(d, now)
				}
				lastFlushed = total
			}
		}
	}()

	w.writers = make(map[string]*partitionfile.Writer)
	splitMode := partitionfile.SplitSoft
	if cfg.File.SplitMode == "hard" {
		splitMode = partitionfile.SplitHard
	}

	writerFactory := func(loc registry.Location) (*partitionfile.Writer, error) {
		mount := mountFor(cfg.Mounts, loc)
		path := filepath.Join(mount, "rss-worker", "shuffle_data", loc.ShuffleKey.AppID, strconv.Itoa(int(loc.ShuffleKey.ShuffleID)), loc.FileName())
		if err := pathsafety.WithinMount(mount, path); err != nil {
			return nil, fmt.Errorf("shuffle-worker: refusing to open writer: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("shuffle-worker: creating shuffle directory: %w", err)
		}
		// Only the primary's writer drives the epoch bump; the replica's
		// file crossing the same threshold is the primary's echo, and
		// Bump's strict epoch check keeps a duplicate request harmless
		// anyway.
		var notifier partitionfile.SplitNotifier
		if loc.Role == registry.RolePrimary {
			notifier = &splitBumper{ctx: ctx, reg: reg, loc: loc, logger: logger}
		}
		fw, err := partitionfile.New(path, mount, pool, w.flushers[mount], notifier, partitionfile.Config{
			FlushBufferSize: cfg.File.FlushBufferSizeRaw,
			SplitThreshold:  cfg.File.SplitThresholdRaw,
			SplitMode:       splitMode,
			FlushTimeout:    cfg.File.FlushTimeout,
			AcquireTimeout:  cfg.File.AcquireTimeout,
		}, w.shuffleLoggerFor(loc.ShuffleKey.AppID, loc.ShuffleKey.ShuffleID))
		if err != nil {
			return nil, err
		}
		w.writersMu.Lock()
		w.writers[loc.LocationID] = fw
		w.writersMu.Unlock()
		return fw, nil
	}

	// File Writers are the tracker's listeners: on a pause edge, every
	// writer drains its buffered bytes to disk so the pool's slabs come
	// back and the gauge can fall below the resume watermark.
	pressure := tracker.Subscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case state := <-pressure:
				if state == memtrack.StateNormal {
					continue
				}
				w.writersMu.RLock()
				writers := make([]*partitionfile.Writer, 0, len(w.writers))
				for _, fw := range w.writers {
					writers = append(writers, fw)
				}
				w.writersMu.RUnlock()
				for _, fw := range writers {
					if err := fw.FlushOnMemoryPressure(); err != nil {
						logger.Warn("pressure flush failed", "path", fw.Path(), "error", err)
					}
				}
			}
		}
	}()

	dialReplica := func(host string, port int) (pushserver.ReplicaClient, error) {
		return transport.DialPush(fmt.Sprintf("%s:%d", host, port), replicaDialTLS, cfg.Push.ReplicaForkTimeout)
	}

	pushHandler := pushserver.New(pushserver.Config{
		ReplicaForkTimeout: cfg.Push.ReplicaForkTimeout,
		ReplicaMaxRetries:  cfg.Push.ReplicaMaxRetries,
		WriteTimeout:       cfg.Push.WriteTimeout,
	}, reg, tracker, congestionCtl, writerFactory, dialReplica, logger)

	var cold *coldstore.Store
	if cfg.Cleaner.ColdStore.Bucket != "" {
		cold, err = coldstore.New(ctx, cfg.Cleaner.ColdStore.Bucket, cfg.Cleaner.ColdStore.Prefix, cfg.Cleaner.ColdStore.Region)
		if err != nil {
			return fmt.Errorf("building cold store: %w", err)
		}
	}

	lookup := func(shuffleKey, fileName string) (fetchserver.FileProvider, error) {
		w.writersMu.RLock()
		for _, fw := range w.writers {
			if filepath.Base(fw.Path()) == fileName && strings.Contains(fw.Path(), filepath.FromSlash(shuffleKey)) {
				w.writersMu.RUnlock()
				return fw, nil
			}
		}
		w.writersMu.RUnlock()
		if cold != nil {
			return w.restoreFromColdStore(cold, shuffleKey, fileName)
		}
		return nil, fmt.Errorf("shuffle-worker: no writer for %s/%s", shuffleKey, fileName)
	}
	fetchSrv := fetchserver.New(fetchserver.Config{StreamIdleTimeout: cfg.Fetch.StreamIdleTimeout}, lookup, logger)
	go fetchSrv.Run(ctx, 5*time.Second)

	var archiver cleaner.Archiver
	if cold != nil {
		archiver = cold
	}

	cl, err := cleaner.New(cleaner.Config{
		Mounts:           cleanerMounts(cfg.Mounts),
		TTL:              cfg.Cleaner.TTL,
		Schedule:         cfg.Cleaner.Schedule,
		Archiver:         archiver,
		OnShuffleRemoved: w.forgetShuffleLogger,
	}, logger)
	if err != nil {
		return fmt.Errorf("building cleaner: %w", err)
	}
	w.cleaner = cl
	w.cleaner.Start()

	w.pushLn, err = tls.Listen("tcp", fmt.Sprintf(":%d", cfg.Listen.PushPort), serverTLS)
	if err != nil {
		return fmt.Errorf("listening push port: %w", err)
	}
	defer w.pushLn.Close()
	w.fetchLn, err = tls.Listen("tcp", fmt.Sprintf(":%d", cfg.Listen.FetchPort), serverTLS)
	if err != nil {
		return fmt.Errorf("listening fetch port: %w", err)
	}
	defer w.fetchLn.Close()

	errCh := make(chan error, 2)
	go func() { errCh <- transport.ServePush(ctx, w.pushLn, pushHandler, logger) }()
	go func() { errCh <- transport.ServeFetch(ctx, w.fetchLn, fetchSrv, logger) }()

	logger.Info("shuffle-worker started", "push_port", cfg.Listen.PushPort, "fetch_port", cfg.Listen.FetchPort)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()
		w.cleaner.Stop(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// splitBumper is the SplitNotifier a primary's File Writer reports to:
// crossing the split threshold bumps the partition to its next epoch in
// the registry, minting fresh location ids for the successor pair. The
// old epoch's writer keeps draining (soft) or has already stopped
// accepting (hard); either way the next push resolves the new epoch.
type splitBumper struct {
	ctx    context.Context
	reg    *registry.Registry
	loc    registry.Location
	logger *slog.Logger
}

func (b *splitBumper) RequestSplit(mode partitionfile.SplitMode) {
	pair, err := b.reg.Resolve(b.ctx, b.loc.ShuffleKey, b.loc.PartitionID)
	if err != nil {
		b.logger.Warn("split requested for an unregistered partition", "location", b.loc.LocationID, "error", err)
		return
	}
	if pair.Primary.Epoch != b.loc.Epoch {
		return // a newer epoch already superseded this writer
	}

	next := registry.Pair{Primary: pair.Primary}
	next.Primary.Epoch++
	next.Primary.LocationID = ""
	if pair.Replica != nil {
		r := *pair.Replica
		r.Epoch++
		r.LocationID = ""
		next.Replica = &r
	}
	if err := b.reg.Bump(b.ctx, b.loc.ShuffleKey, b.loc.PartitionID, next); err != nil {
		b.logger.Warn("epoch bump after split failed", "location", b.loc.LocationID, "error", err)
		return
	}
	b.logger.Info("partition split, epoch bumped",
		"partition", b.loc.PartitionID, "old_epoch", b.loc.Epoch, "new_epoch", next.Primary.Epoch, "mode", mode)
}

// restoreFromColdStore serves a fetch for a file the TTL sweep already
// archived and removed locally: pull it back from S3 into a staging tree
// on the first mount, then rebuild its chunk index and map bitmap by
// scanning the batch frames.
func (w *worker) restoreFromColdStore(cold *coldstore.Store, shuffleKey, fileName string) (fetchserver.FileProvider, error) {
	mount := w.cfg.Mounts[0].Path
	localPath := filepath.Join(mount, "rss-worker", "restore", filepath.FromSlash(shuffleKey), fileName)
	if err := pathsafety.WithinMount(mount, localPath); err != nil {
		return nil, fmt.Errorf("shuffle-worker: refusing cold restore: %w", err)
	}

	if _, err := os.Stat(localPath); err != nil {
		if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
			return nil, fmt.Errorf("shuffle-worker: creating restore directory: %w", err)
		}
		restoreCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := cold.Restore(restoreCtx, shuffleKey+"/"+fileName, localPath); err != nil {
			return nil, err
		}
		w.logger.Info("restored file from cold storage", "shuffle", shuffleKey, "file", fileName)
	}

	idx, bitmap, err := partitionfile.Scan(localPath, 0)
	if err != nil {
		return nil, err
	}
	return fetchserver.NewStaticProvider(localPath, idx, bitmap), nil
}

// mountFor picks the disk mount a partition location's file is written
// to. A location placement service upstream of this worker (the
// lifecycle manager, out of scope here) is expected to stamp
// Location.DiskMount when it assigns the partition; a location that
// arrives without one (e.g. registered directly in tests) is spread
// across the configured mounts by a stable hash of its id instead of
// always landing on the first one.
func mountFor(mounts []config.MountConfig, loc registry.Location) string {
	if loc.DiskMount != "" {
		return loc.DiskMount
	}
	if len(mounts) == 1 {
		return mounts[0].Path
	}
	h := xxhash.Sum64String(loc.LocationID)
	return mounts[h%uint64(len(mounts))].Path
}

func cleanerMounts(mounts []config.MountConfig) []cleaner.Mount {
	ms := make([]cleaner.Mount, len(mounts))
	for i, m := range mounts {
		ms[i] = cleaner.Mount{Path: m.Path, Cold: m.StorageHint == "s3"}
	}
	return ms
}
