// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package diskio

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
)

// ErrorKind classifies why a mount was isolated.
type ErrorKind int

const (
	ReadWriteFailure ErrorKind = iota
	InsufficientDiskSpace
	FlushTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case InsufficientDiskSpace:
		return "InsufficientDiskSpace"
	case FlushTimeout:
		return "FlushTimeout"
	default:
		return "ReadWriteFailure"
	}
}

// Observer receives isolation-lifecycle callbacks for a mount. File
// Writers and Flushers implement this to abort in-flight work and to
// pick healthy mounts for new writers.
type Observer interface {
	OnError(mount string, kind ErrorKind)
	OnHealthy(mount string)
	OnHighDiskUsage(mount string)
}

// DeviceMonitor periodically probes every registered mount with a
// create/write/fsync/read/delete cycle plus a gopsutil usage sample,
// and maintains an isolated set that other components consult before
// picking a mount.
type DeviceMonitor struct {
	probeInterval     time.Duration
	lowDiskPercent    float64
	logger            *slog.Logger

	mu        sync.Mutex
	mounts    map[string]struct{}
	isolated  map[string]ErrorKind
	observers []Observer
}

// NewDeviceMonitor creates a monitor with the given probe cadence
// (default 60s) and the disk-usage percent above which a mount is
// soft-isolated (InsufficientDiskSpace).
func NewDeviceMonitor(probeInterval time.Duration, lowDiskPercent float64, logger *slog.Logger) *DeviceMonitor {
	if probeInterval <= 0 {
		probeInterval = 60 * time.Second
	}
	return &DeviceMonitor{
		probeInterval:  probeInterval,
		lowDiskPercent: lowDiskPercent,
		logger:         logger.With("component", "device_monitor"),
		mounts:         make(map[string]struct{}),
		isolated:       make(map[string]ErrorKind),
	}
}

// RegisterMount adds a mount path to the probe rotation.
func (m *DeviceMonitor) RegisterMount(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mounts[path] = struct{}{}
}

// Subscribe registers an Observer for isolation callbacks.
func (m *DeviceMonitor) Subscribe(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// IsIsolated reports whether mount is currently isolated.
func (m *DeviceMonitor) IsIsolated(mount string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, bad := m.isolated[mount]
	return bad
}

// ReportError lets a Flusher push an explicit I/O failure (e.g. a write
// syscall error, or a slow-flush timeout) in between probe cycles,
// instead of waiting for the next scheduled probe.
func (m *DeviceMonitor) ReportError(mount string, kind ErrorKind) {
	m.isolate(mount, kind)
}

// Run starts the periodic probe loop. Blocks until ctx is cancelled.
func (m *DeviceMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeAll()
		}
	}
}

func (m *DeviceMonitor) probeAll() {
	m.mu.Lock()
	mounts := make([]string, 0, len(m.mounts))
	for mnt := range m.mounts {
		mounts = append(mounts, mnt)
	}
	m.mu.Unlock()

	for _, mnt := range mounts {
		m.probeOne(mnt)
	}
}

func (m *DeviceMonitor) probeOne(mount string) {
	if usage, err := disk.Usage(mount); err == nil {
		if usage.UsedPercent >= m.lowDiskPercent {
			m.isolateSoft(mount, InsufficientDiskSpace)
			return
		}
	} else {
		m.logger.Debug("disk usage probe failed", "mount", mount, "error", err)
	}

	if err := probeReadWrite(mount); err != nil {
		m.logger.Warn("mount probe failed", "mount", mount, "error", err)
		m.isolate(mount, ReadWriteFailure)
		return
	}

	m.healthy(mount)
}

func probeReadWrite(mount string) error {
	f, err := os.CreateTemp(mount, ".probe-*")
	if err != nil {
		return fmt.Errorf("creating probe file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	payload := []byte("shufflerd-device-probe")
	if _, err := f.Write(payload); err != nil {
		f.Close()
		return fmt.Errorf("writing probe file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsyncing probe file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		f.Close()
		return fmt.Errorf("seeking probe file: %w", err)
	}
	readBack := make([]byte, len(payload))
	if _, err := f.Read(readBack); err != nil {
		f.Close()
		return fmt.Errorf("reading back probe file: %w", err)
	}
	f.Close()
	if string(readBack) != string(payload) {
		return fmt.Errorf("probe file content mismatch on %s", filepath.Clean(mount))
	}
	return nil
}

// isolate performs hard isolation: the mount is removed from
// consideration for new writers and in-flight writers are aborted.
func (m *DeviceMonitor) isolate(mount string, kind ErrorKind) {
	m.mu.Lock()
	_, already := m.isolated[mount]
	m.isolated[mount] = kind
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()

	if already {
		return
	}
	m.logger.Error("mount isolated", "mount", mount, "kind", kind)
	for _, o := range observers {
		o.OnError(mount, kind)
	}
}

// isolateSoft marks a mount unavailable to new writers but leaves
// existing writers running.
func (m *DeviceMonitor) isolateSoft(mount string, kind ErrorKind) {
	m.mu.Lock()
	_, already := m.isolated[mount]
	m.isolated[mount] = kind
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()

	if already {
		return
	}
	m.logger.Warn("mount soft isolated (high disk usage)", "mount", mount)
	for _, o := range observers {
		o.OnHighDiskUsage(mount)
	}
}

func (m *DeviceMonitor) healthy(mount string) {
	m.mu.Lock()
	_, wasIsolated := m.isolated[mount]
	delete(m.isolated, mount)
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()

	if !wasIsolated {
		return
	}
	m.logger.Info("mount re-admitted", "mount", mount)
	for _, o := range observers {
		o.OnHealthy(mount)
	}
}
