// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWorkerConfig_ExampleFile(t *testing.T) {
	cfgPath := filepath.Join("..", "..", "configs", "worker.example.yaml")
	cfg, err := LoadWorkerConfig(cfgPath)
	if err != nil {
		t.Fatalf("failed to load worker example config: %v", err)
	}

	if cfg.Listen.RPCPort != 9870 || cfg.Listen.PushPort != 9871 {
		t.Errorf("unexpected listen ports: %+v", cfg.Listen)
	}
	if len(cfg.Mounts) != 3 {
		t.Fatalf("expected 3 mounts, got %d", len(cfg.Mounts))
	}
	if cfg.Mounts[0].Path != "/mnt/shuffle-0" {
		t.Errorf("expected mounts[0].path '/mnt/shuffle-0', got %q", cfg.Mounts[0].Path)
	}
	if cfg.Mounts[2].StorageHint != "s3" {
		t.Errorf("expected mounts[2].storage_hint 's3', got %q", cfg.Mounts[2].StorageHint)
	}
	if cfg.BufferPool.NumSlabs != 256 || cfg.BufferPool.SlabSizeRaw != 64*1024 {
		t.Errorf("unexpected buffer pool sizing: %+v", cfg.BufferPool)
	}
	if cfg.MemTrack.MaxDirectBytesRaw != 2*1024*1024*1024 {
		t.Errorf("expected max_direct_size 2gb in bytes, got %d", cfg.MemTrack.MaxDirectBytesRaw)
	}
	if cfg.Congestion.WorkerRateCapRaw != 700*1024*1024 {
		t.Errorf("expected worker_rate_cap 700mb in bytes, got %d", cfg.Congestion.WorkerRateCapRaw)
	}
	if cfg.Registry.Backend != "redis" || cfg.Registry.RedisAddr == "" {
		t.Errorf("expected redis-backed registry, got %+v", cfg.Registry)
	}
	if cfg.Cleaner.TTL != 24*time.Hour {
		t.Errorf("expected cleaner TTL 24h, got %s", cfg.Cleaner.TTL)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected logging level 'info', got %q", cfg.Logging.Level)
	}
}

func TestLoadClientConfig_ExampleFile(t *testing.T) {
	cfgPath := filepath.Join("..", "..", "configs", "client.example.yaml")
	cfg, err := LoadClientConfig(cfgPath)
	if err != nil {
		t.Fatalf("failed to load client example config: %v", err)
	}

	if cfg.Pusher.QueueCapacity != 256 {
		t.Errorf("expected queue_capacity 256, got %d", cfg.Pusher.QueueCapacity)
	}
	if cfg.Pusher.MaxInFlightPerWorker != 32 {
		t.Errorf("expected max_in_flight_per_worker 32, got %d", cfg.Pusher.MaxInFlightPerWorker)
	}
	if cfg.InputStream.Codec != "zstd" {
		t.Errorf("expected codec 'zstd', got %q", cfg.InputStream.Codec)
	}
	if cfg.Pusher.Codec != "zstd" {
		t.Errorf("expected pusher codec 'zstd', got %q", cfg.Pusher.Codec)
	}
	if cfg.Pusher.BatchSizeRaw != 1024*1024 {
		t.Errorf("expected batch_size 1mb in bytes, got %d", cfg.Pusher.BatchSizeRaw)
	}
	if !cfg.InputStream.IntegrityEnabled {
		t.Error("expected integrity_enabled true")
	}
}

func TestLoadWorkerConfig_RejectsMissingMounts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.yaml")
	writeYAML(t, path, `
listen:
  rpc_port: 1
  push_port: 2
  fetch_port: 3
  replicate_port: 4
tls:
  ca_cert: ca.pem
  server_cert: server.pem
  server_key: server-key.pem
`)

	if _, err := LoadWorkerConfig(path); err == nil {
		t.Fatal("expected an error when mounts is empty")
	}
}

func TestLoadWorkerConfig_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.yaml")
	writeYAML(t, path, `
listen:
  rpc_port: 1
  push_port: 2
  fetch_port: 3
  replicate_port: 4
tls:
  ca_cert: ca.pem
  server_cert: server.pem
  server_key: server-key.pem
mounts:
  - path: /mnt/shuffle-0
`)

	cfg, err := LoadWorkerConfig(path)
	if err != nil {
		t.Fatalf("LoadWorkerConfig: %v", err)
	}
	if cfg.DeviceProbe.Interval != 60*time.Second {
		t.Errorf("expected default probe interval 60s, got %s", cfg.DeviceProbe.Interval)
	}
	if cfg.Registry.Backend != "memory" {
		t.Errorf("expected default registry backend 'memory', got %q", cfg.Registry.Backend)
	}
	if cfg.Cleaner.Schedule == "" {
		t.Error("expected a default cleaner schedule")
	}
}

func TestParseByteSize(t *testing.T) {
	cases := map[string]int64{
		"0":     0,
		"128":   128,
		"1kb":   1024,
		"256mb": 256 * 1024 * 1024,
		"2gb":   2 * 1024 * 1024 * 1024,
	}
	for in, want := range cases {
		got, err := ParseByteSize(in)
		if err != nil {
			t.Fatalf("ParseByteSize(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", in, got, want)
		}
	}

	if _, err := ParseByteSize("not-a-size"); err == nil {
		t.Fatal("expected an error for an invalid size string")
	}
}

func writeYAML(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
}
