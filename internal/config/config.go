// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config loads and validates the YAML configuration for the
// shuffle-worker and shuffle-client processes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// WorkerConfig is the full configuration for a shuffle-worker process:
// listener, TLS, disk mounts, and every component's tunables.
type WorkerConfig struct {
	Listen      ListenConfig      `yaml:"listen"`
	TLS         TLSServer         `yaml:"tls"`
	Mounts      []MountConfig     `yaml:"mounts"`
	DeviceProbe DeviceProbeConfig `yaml:"device_probe"`
	MemTrack    MemTrackConfig    `yaml:"memory_tracker"`
	BufferPool  BufferPoolConfig  `yaml:"buffer_pool"`
	Push        PushConfig        `yaml:"push"`
	Fetch       FetchConfig       `yaml:"fetch"`
	File        FileConfig        `yaml:"file"`
	Congestion  CongestionConfig  `yaml:"congestion"`
	Registry    RegistryConfig    `yaml:"registry"`
	Cleaner     CleanerConfig     `yaml:"cleaner"`

	// ShutdownTimeout bounds how long shutdown waits for a running
	// cleaner sweep to finish. Shutdown does not wait for open partition
	// locations to drain.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Logging LoggingInfo `yaml:"logging"`
}

// ClientConfig is the full configuration for a shuffle-client harness
// process driving Data Pusher / Input Stream against one or more workers.
type ClientConfig struct {
	TLS         TLSClient         `yaml:"tls"`
	Pusher      PusherConfig      `yaml:"pusher"`
	InputStream InputStreamConfig `yaml:"input_stream"`
	Logging     LoggingInfo       `yaml:"logging"`
}

// ListenConfig holds the worker's three listener ports plus its rpc port.
type ListenConfig struct {
	RPCPort       int `yaml:"rpc_port"`
	PushPort      int `yaml:"push_port"`
	FetchPort     int `yaml:"fetch_port"`
	ReplicatePort int `yaml:"replicate_port"`
}

// MountConfig is one disk mount the worker writes shuffle files to.
type MountConfig struct {
	Path        string `yaml:"path"`
	StorageHint string `yaml:"storage_hint"` // memory|ssd|hdd|hdfs|s3
}

// DeviceProbeConfig tunes the Device Monitor's periodic mount probe.
type DeviceProbeConfig struct {
	Interval           time.Duration `yaml:"interval"`             // default 60s
	LowDiskPercent     float64       `yaml:"low_disk_percent"`     // default 90
	SlowFlushThreshold time.Duration `yaml:"slow_flush_threshold"` // default 5s
	FlushWorkersPerDisk int          `yaml:"flush_workers_per_disk"`
	FlushQueueDepth     int          `yaml:"flush_queue_depth"`
}

// MemTrackConfig mirrors memtrack.Config's yaml-facing fields.
type MemTrackConfig struct {
	MaxDirectSize       string        `yaml:"max_direct_size"` // e.g. "2gb"
	MaxDirectBytesRaw   int64         `yaml:"-"`
	PausePushRatio      float64       `yaml:"pause_push_ratio"`      // default 0.8
	PauseReplicateRatio float64       `yaml:"pause_replicate_ratio"` // default 0.9
	ResumeRatio         float64       `yaml:"resume_ratio"`          // default 0.6
	CheckInterval       time.Duration `yaml:"check_interval"`        // default 1s
}

// BufferPoolConfig sizes the process-wide membuf.Pool: NumSlabs slabs of
// SlabSize bytes each bound the worker's direct-buffer budget.
type BufferPoolConfig struct {
	NumSlabs    int    `yaml:"num_slabs"` // default 256
	SlabSize    string `yaml:"slab_size"` // default "64kb"
	SlabSizeRaw int64  `yaml:"-"`
}

// PushConfig mirrors pushserver.Config.
type PushConfig struct {
	ReplicaForkTimeout time.Duration `yaml:"replica_fork_timeout"` // default 5s
	ReplicaMaxRetries  int           `yaml:"replica_max_retries"`  // default 2
	WriteTimeout       time.Duration `yaml:"write_timeout"`        // default 10s
}

// FetchConfig mirrors fetchserver.Config.
type FetchConfig struct {
	StreamIdleTimeout time.Duration `yaml:"stream_idle_timeout"` // default 30s
}

// FileConfig mirrors partitionfile.Config.
type FileConfig struct {
	FlushBufferSize    string        `yaml:"flush_buffer_size"` // default "256kb"
	FlushBufferSizeRaw int64         `yaml:"-"`
	SplitThreshold     string        `yaml:"split_threshold"` // default "2gb"
	SplitThresholdRaw  int64         `yaml:"-"`
	SplitMode          string        `yaml:"split_mode"`  // soft|hard
	FlushTimeout       time.Duration `yaml:"flush_timeout"`
	AcquireTimeout     time.Duration `yaml:"acquire_timeout"`
}

// CongestionConfig mirrors congestion.Config.
type CongestionConfig struct {
	WindowSize        time.Duration `yaml:"window_size"` // default 10s
	HighWatermark     string        `yaml:"high_watermark"`
	HighWatermarkRaw  int64         `yaml:"-"`
	LowWatermark      string        `yaml:"low_watermark"`
	LowWatermarkRaw   int64         `yaml:"-"`
	UserInactiveAfter time.Duration `yaml:"user_inactive_after"` // default 5m
	WorkerRateCap     string        `yaml:"worker_rate_cap"`     // "0" = unbounded
	WorkerRateCapRaw  int64         `yaml:"-"`
	UserRateCap       string        `yaml:"user_rate_cap"` // "0" = unbounded
	UserRateCapRaw    int64         `yaml:"-"`
	DelayMillis       int64         `yaml:"delay_millis"` // default 50
}

// RegistryConfig selects the PartitionLocation registry backing store.
type RegistryConfig struct {
	// Backend is "memory" (default) or "redis".
	Backend   string `yaml:"backend"`
	RedisAddr string `yaml:"redis_addr"`
	KeyPrefix string `yaml:"key_prefix"` // default "shufflerd"
}

// CleanerConfig mirrors cleaner.Config.
type CleanerConfig struct {
	TTL       time.Duration   `yaml:"ttl"`      // default 24h
	Schedule  string          `yaml:"schedule"` // cron expression, default "0 */30 * * * *"
	ColdStore ColdStoreConfig `yaml:"cold_store"`
}

// ColdStoreConfig configures the S3 bucket backing mounts whose
// storage_hint is "s3". Bucket is required only if at least one mount
// uses that hint; an empty Bucket with no s3-hinted mounts is a no-op.
type ColdStoreConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
}

// PusherConfig mirrors pusher.Config.
type PusherConfig struct {
	QueueCapacity        int           `yaml:"queue_capacity"` // push_queue_capacity, default 256
	MaxInFlightPerWorker int           `yaml:"max_in_flight_per_worker"`
	PushTimeout          time.Duration `yaml:"push_timeout"` // default 10s
	MaxRetries           int           `yaml:"max_retries"`  // push_max_retry, default 3
	RetryWait            time.Duration `yaml:"retry_wait"`   // default 500ms
	Codec                string        `yaml:"codec"`        // none|gzip|zstd, must match input_stream.codec on readers
	BatchSize            string        `yaml:"batch_size"`   // split a map output into batches of this size, default "1mb"
	BatchSizeRaw         int64         `yaml:"-"`
}

// InputStreamConfig mirrors inputstream.Config.
type InputStreamConfig struct {
	InitialCredit    int           `yaml:"initial_credit"`
	FetchMaxRetry    int           `yaml:"fetch_max_retry"` // default 3
	RetryWait        time.Duration `yaml:"retry_wait"`      // default 500ms
	IntegrityEnabled bool          `yaml:"integrity_enabled"`
	Codec            string        `yaml:"codec"` // none|gzip|zstd
}

// TLSServer holds a worker's mTLS certificate paths.
type TLSServer struct {
	CACert     string `yaml:"ca_cert"`
	ServerCert string `yaml:"server_cert"`
	ServerKey  string `yaml:"server_key"`
}

// TLSClient holds a client's mTLS certificate paths.
type TLSClient struct {
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// LoggingInfo configures the shared slog bootstrap.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
	// ShuffleLogDir, if set, makes the worker additionally write a
	// dedicated DEBUG-level log file per shuffle under
	// {ShuffleLogDir}/{app_id}/{shuffle_id}.log, removed once the
	// cleaner sweeps that shuffle's last file. Empty disables this.
	ShuffleLogDir string `yaml:"shuffle_log_dir"`
}

// LoadWorkerConfig reads, parses and validates a shuffle-worker YAML file.
func LoadWorkerConfig(path string) (*WorkerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading worker config: %w", err)
	}

	var cfg WorkerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing worker config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating worker config: %w", err)
	}
	return &cfg, nil
}

func (c *WorkerConfig) validate() error {
	if c.Listen.RPCPort == 0 || c.Listen.PushPort == 0 || c.Listen.FetchPort == 0 || c.Listen.ReplicatePort == 0 {
		return fmt.Errorf("listen.rpc_port, push_port, fetch_port and replicate_port are all required")
	}
	if c.TLS.CACert == "" || c.TLS.ServerCert == "" || c.TLS.ServerKey == "" {
		return fmt.Errorf("tls.ca_cert, server_cert and server_key are required")
	}
	if len(c.Mounts) == 0 {
		return fmt.Errorf("mounts must have at least one entry")
	}
	for i, m := range c.Mounts {
		if m.Path == "" {
			return fmt.Errorf("mounts[%d].path is required", i)
		}
	}

	if c.DeviceProbe.Interval <= 0 {
		c.DeviceProbe.Interval = 60 * time.Second
	}
	if c.DeviceProbe.LowDiskPercent <= 0 {
		c.DeviceProbe.LowDiskPercent = 90
	}
	if c.DeviceProbe.SlowFlushThreshold <= 0 {
		c.DeviceProbe.SlowFlushThreshold = 5 * time.Second
	}
	if c.DeviceProbe.FlushWorkersPerDisk <= 0 {
		c.DeviceProbe.FlushWorkersPerDisk = 2
	}
	if c.DeviceProbe.FlushQueueDepth <= 0 {
		c.DeviceProbe.FlushQueueDepth = 64
	}

	if c.MemTrack.MaxDirectSize == "" {
		c.MemTrack.MaxDirectSize = "2gb"
	}
	parsed, err := ParseByteSize(c.MemTrack.MaxDirectSize)
	if err != nil {
		return fmt.Errorf("memory_tracker.max_direct_size: %w", err)
	}
	c.MemTrack.MaxDirectBytesRaw = parsed
	if c.MemTrack.PausePushRatio <= 0 {
		c.MemTrack.PausePushRatio = 0.8
	}
	if c.MemTrack.PauseReplicateRatio <= 0 {
		c.MemTrack.PauseReplicateRatio = 0.9
	}
	if c.MemTrack.ResumeRatio <= 0 {
		c.MemTrack.ResumeRatio = 0.6
	}
	if c.MemTrack.CheckInterval <= 0 {
		c.MemTrack.CheckInterval = time.Second
	}

	if c.BufferPool.NumSlabs <= 0 {
		c.BufferPool.NumSlabs = 256
	}
	if c.BufferPool.SlabSize == "" {
		c.BufferPool.SlabSize = "64kb"
	}
	parsed, err = ParseByteSize(c.BufferPool.SlabSize)
	if err != nil {
		return fmt.Errorf("buffer_pool.slab_size: %w", err)
	}
	c.BufferPool.SlabSizeRaw = parsed

	if c.Push.ReplicaForkTimeout <= 0 {
		c.Push.ReplicaForkTimeout = 5 * time.Second
	}
	if c.Push.ReplicaMaxRetries <= 0 {
		c.Push.ReplicaMaxRetries = 2
	}
	if c.Push.WriteTimeout <= 0 {
		c.Push.WriteTimeout = 10 * time.Second
	}

	if c.Fetch.StreamIdleTimeout <= 0 {
		c.Fetch.StreamIdleTimeout = 30 * time.Second
	}

	if err := c.File.resolve(); err != nil {
		return err
	}

	if err := c.Congestion.resolve(); err != nil {
		return err
	}

	if c.Registry.Backend == "" {
		c.Registry.Backend = "memory"
	}
	if c.Registry.Backend != "memory" && c.Registry.Backend != "redis" {
		return fmt.Errorf("registry.backend must be memory or redis, got %q", c.Registry.Backend)
	}
	if c.Registry.Backend == "redis" && c.Registry.RedisAddr == "" {
		return fmt.Errorf("registry.redis_addr is required when registry.backend is redis")
	}
	if c.Registry.KeyPrefix == "" {
		c.Registry.KeyPrefix = "shufflerd"
	}

	if c.Cleaner.TTL <= 0 {
		c.Cleaner.TTL = 24 * time.Hour
	}
	if c.Cleaner.Schedule == "" {
		c.Cleaner.Schedule = "0 */30 * * * *"
	}
	for _, m := range c.Mounts {
		if m.StorageHint == "s3" && c.Cleaner.ColdStore.Bucket == "" {
			return fmt.Errorf("cleaner.cold_store.bucket is required when a mount's storage_hint is s3")
		}
	}

	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}

	applyLoggingDefaults(&c.Logging)
	return nil
}

func (f *FileConfig) resolve() error {
	if f.FlushBufferSize == "" {
		f.FlushBufferSize = "256kb"
	}
	parsed, err := ParseByteSize(f.FlushBufferSize)
	if err != nil {
		return fmt.Errorf("file.flush_buffer_size: %w", err)
	}
	f.FlushBufferSizeRaw = parsed

	if f.SplitThreshold == "" {
		f.SplitThreshold = "2gb"
	}
	parsed, err = ParseByteSize(f.SplitThreshold)
	if err != nil {
		return fmt.Errorf("file.split_threshold: %w", err)
	}
	f.SplitThresholdRaw = parsed

	if f.SplitMode == "" {
		f.SplitMode = "soft"
	}
	f.SplitMode = strings.ToLower(strings.TrimSpace(f.SplitMode))
	if f.SplitMode != "soft" && f.SplitMode != "hard" {
		return fmt.Errorf("file.split_mode must be soft or hard, got %q", f.SplitMode)
	}
	if f.FlushTimeout <= 0 {
		f.FlushTimeout = 10 * time.Second
	}
	if f.AcquireTimeout <= 0 {
		f.AcquireTimeout = 5 * time.Second
	}
	return nil
}

func (cc *CongestionConfig) resolve() error {
	if cc.WindowSize <= 0 {
		cc.WindowSize = 10 * time.Second
	}
	if cc.HighWatermark == "" {
		cc.HighWatermark = "512mb"
	}
	parsed, err := ParseByteSize(cc.HighWatermark)
	if err != nil {
		return fmt.Errorf("congestion.high_watermark: %w", err)
	}
	cc.HighWatermarkRaw = parsed

	if cc.LowWatermark == "" {
		cc.LowWatermark = "128mb"
	}
	parsed, err = ParseByteSize(cc.LowWatermark)
	if err != nil {
		return fmt.Errorf("congestion.low_watermark: %w", err)
	}
	cc.LowWatermarkRaw = parsed

	if cc.UserInactiveAfter <= 0 {
		cc.UserInactiveAfter = 5 * time.Minute
	}

	if cc.WorkerRateCap == "" {
		cc.WorkerRateCap = "0"
	}
	parsed, err = ParseByteSize(cc.WorkerRateCap)
	if err != nil {
		return fmt.Errorf("congestion.worker_rate_cap: %w", err)
	}
	cc.WorkerRateCapRaw = parsed

	if cc.UserRateCap == "" {
		cc.UserRateCap = "0"
	}
	parsed, err = ParseByteSize(cc.UserRateCap)
	if err != nil {
		return fmt.Errorf("congestion.user_rate_cap: %w", err)
	}
	cc.UserRateCapRaw = parsed

	if cc.DelayMillis <= 0 {
		cc.DelayMillis = 50
	}
	return nil
}

// LoadClientConfig reads, parses and validates a shuffle-client YAML file.
func LoadClientConfig(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading client config: %w", err)
	}

	var cfg ClientConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing client config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating client config: %w", err)
	}
	return &cfg, nil
}

func (c *ClientConfig) validate() error {
	if c.TLS.CACert == "" || c.TLS.ClientCert == "" || c.TLS.ClientKey == "" {
		return fmt.Errorf("tls.ca_cert, client_cert and client_key are required")
	}

	if c.Pusher.QueueCapacity <= 0 {
		c.Pusher.QueueCapacity = 256
	}
	if c.Pusher.MaxInFlightPerWorker <= 0 {
		c.Pusher.MaxInFlightPerWorker = 32
	}
	if c.Pusher.PushTimeout <= 0 {
		c.Pusher.PushTimeout = 10 * time.Second
	}
	if c.Pusher.MaxRetries <= 0 {
		c.Pusher.MaxRetries = 3
	}
	if c.Pusher.RetryWait <= 0 {
		c.Pusher.RetryWait = 500 * time.Millisecond
	}
	if c.Pusher.Codec == "" {
		c.Pusher.Codec = "none"
	}
	c.Pusher.Codec = strings.ToLower(strings.TrimSpace(c.Pusher.Codec))
	switch c.Pusher.Codec {
	case "none", "gzip", "zstd":
	default:
		return fmt.Errorf("pusher.codec must be none, gzip or zstd, got %q", c.Pusher.Codec)
	}
	if c.Pusher.BatchSize == "" {
		c.Pusher.BatchSize = "1mb"
	}
	parsed, err := ParseByteSize(c.Pusher.BatchSize)
	if err != nil {
		return fmt.Errorf("pusher.batch_size: %w", err)
	}
	c.Pusher.BatchSizeRaw = parsed

	if c.InputStream.InitialCredit <= 0 {
		c.InputStream.InitialCredit = 16
	}
	if c.InputStream.FetchMaxRetry <= 0 {
		c.InputStream.FetchMaxRetry = 3
	}
	if c.InputStream.RetryWait <= 0 {
		c.InputStream.RetryWait = 500 * time.Millisecond
	}
	if c.InputStream.Codec == "" {
		c.InputStream.Codec = "none"
	}
	c.InputStream.Codec = strings.ToLower(strings.TrimSpace(c.InputStream.Codec))
	switch c.InputStream.Codec {
	case "none", "gzip", "zstd":
	default:
		return fmt.Errorf("input_stream.codec must be none, gzip or zstd, got %q", c.InputStream.Codec)
	}

	applyLoggingDefaults(&c.Logging)
	return nil
}

func applyLoggingDefaults(l *LoggingInfo) {
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Format == "" {
		l.Format = "json"
	}
}

// ParseByteSize converts a human-readable size ("256mb", "1gb", "0") to bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
