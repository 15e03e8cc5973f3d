// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package pushserver

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/shufflerd/shufflerd/internal/congestion"
	"github.com/shufflerd/shufflerd/internal/diskio"
	"github.com/shufflerd/shufflerd/internal/membuf"
	"github.com/shufflerd/shufflerd/internal/memtrack"
	"github.com/shufflerd/shufflerd/internal/partitionfile"
	"github.com/shufflerd/shufflerd/internal/registry"
	"github.com/shufflerd/shufflerd/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePendingSource struct{}

func (fakePendingSource) Total() int64 { return 0 }

type fakeReplicaClient struct {
	status byte
	calls  int
}

func (f *fakeReplicaClient) ForwardPush(ctx context.Context, req wire.PushData) (wire.PushAck, error) {
	f.calls++
	return wire.PushAck{Status: f.status}, nil
}

func newTestHandler(t *testing.T, replicaStatus byte) (*Handler, *registry.Registry, func()) {
	t.Helper()
	reg := registry.New()
	tracker := memtrack.New(memtrack.Config{MaxDirectBytes: 1 << 30, PausePushRatio: 0.9, PauseReplicateRatio: 0.95, ResumeRatio: 0.1}, testLogger())
	congestionCtl := congestion.New(congestion.Config{WindowSize: time.Second, HighWatermark: 1 << 30, LowWatermark: 0}, fakePendingSource{}, testLogger())

	dir := t.TempDir()
	pool := membuf.NewPool(16, 64, nil)
	flusher := diskio.NewFlusher(dir, pool, 32, 2, 0, nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	flusher.Start(ctx)

	writerFactory := func(loc registry.Location) (*partitionfile.Writer, error) {
		path := filepath.Join(dir, loc.LocationID+".data")
		return partitionfile.New(path, dir, pool, flusher, nil, partitionfile.Config{
			FlushBufferSize: 16,
			FlushTimeout:    time.Second,
			AcquireTimeout:  time.Second,
		}, testLogger())
	}

	replica := &fakeReplicaClient{status: replicaStatus}
	dialReplica := func(host string, port int) (ReplicaClient, error) { return replica, nil }

	h := New(Config{ReplicaForkTimeout: time.Second, ReplicaMaxRetries: 2}, reg, tracker, congestionCtl, writerFactory, dialReplica, testLogger())
	return h, reg, func() { cancel(); flusher.Stop() }
}

func registerPair(t *testing.T, reg *registry.Registry, key registry.ShuffleKey, partitionID uint32, withReplica bool) registry.Pair {
	t.Helper()
	pair := registry.Pair{Primary: registry.Location{Host: "worker-a", PartitionID: partitionID, Epoch: 0}}
	if withReplica {
		pair.Replica = &registry.Location{Host: "worker-b"}
	}
	if err := reg.Register(context.Background(), key, partitionID, pair); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, err := reg.Resolve(context.Background(), key, partitionID)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return got
}

func TestHandlePushData_PrimaryWithReplicaSucceeds(t *testing.T) {
	h, reg, cleanup := newTestHandler(t, wire.StatusSuccess)
	defer cleanup()

	key := registry.ShuffleKey{AppID: "app", ShuffleID: 1}
	pair := registerPair(t, reg, key, 0, true)

	req := wire.PushData{
		ShuffleKey:          key.String(),
		PartitionLocationID: pair.Primary.LocationID,
		Epoch:               pair.Primary.Epoch,
		MapID:               0,
		AttemptID:           0,
		BatchID:             0,
		Body:                []byte("payload"),
	}

	status, err := h.HandlePushData(context.Background(), req, congestion.UserIdentifier{Tenant: "t", Name: "u"})
	if err != nil {
		t.Fatalf("HandlePushData: %v", err)
	}
	if status != wire.StatusSuccess {
		t.Fatalf("expected SUCCESS, got %d", status)
	}
}

func TestHandlePushData_ReplicaFailureReportsFailReplica(t *testing.T) {
	h, reg, cleanup := newTestHandler(t, wire.StatusPushDataFailWrite)
	defer cleanup()

	key := registry.ShuffleKey{AppID: "app", ShuffleID: 2}
	pair := registerPair(t, reg, key, 0, true)

	req := wire.PushData{
		ShuffleKey:          key.String(),
		PartitionLocationID: pair.Primary.LocationID,
		Epoch:               pair.Primary.Epoch,
		Body:                []byte("payload"),
	}

	status, err := h.HandlePushData(context.Background(), req, congestion.UserIdentifier{Tenant: "t", Name: "u"})
	if err != nil {
		t.Fatalf("HandlePushData: %v", err)
	}
	if status != wire.StatusPushDataFailReplica {
		t.Fatalf("expected PUSH_DATA_FAIL_REPLICA, got %d", status)
	}
}

func TestHandlePushData_ReplicaRoleWritesLocalOnly(t *testing.T) {
	h, reg, cleanup := newTestHandler(t, wire.StatusSuccess)
	defer cleanup()

	key := registry.ShuffleKey{AppID: "app", ShuffleID: 3}
	pair := registerPair(t, reg, key, 0, true)

	req := wire.PushData{
		ShuffleKey:          key.String(),
		PartitionLocationID: pair.Replica.LocationID,
		Epoch:               pair.Replica.Epoch,
		Body:                []byte("payload"),
	}

	status, err := h.HandlePushData(context.Background(), req, congestion.UserIdentifier{Tenant: "t", Name: "u"})
	if err != nil {
		t.Fatalf("HandlePushData: %v", err)
	}
	if status != wire.StatusSuccess {
		t.Fatalf("expected SUCCESS, got %d", status)
	}
}

func TestHandlePushData_StaleEpochRejected(t *testing.T) {
	h, reg, cleanup := newTestHandler(t, wire.StatusSuccess)
	defer cleanup()

	key := registry.ShuffleKey{AppID: "app", ShuffleID: 4}
	pair := registerPair(t, reg, key, 0, false)

	req := wire.PushData{
		ShuffleKey:          key.String(),
		PartitionLocationID: pair.Primary.LocationID,
		Epoch:               pair.Primary.Epoch + 1,
		Body:                []byte("payload"),
	}

	status, err := h.HandlePushData(context.Background(), req, congestion.UserIdentifier{Tenant: "t", Name: "u"})
	if err != nil {
		t.Fatalf("HandlePushData: %v", err)
	}
	if status != wire.StatusEpochStale {
		t.Fatalf("expected EPOCH_STALE, got %d", status)
	}
}

func TestHandlePushData_UnknownLocationRejected(t *testing.T) {
	h, _, cleanup := newTestHandler(t, wire.StatusSuccess)
	defer cleanup()

	req := wire.PushData{ShuffleKey: "app/1", PartitionLocationID: "does-not-exist", Body: []byte("x")}
	status, err := h.HandlePushData(context.Background(), req, congestion.UserIdentifier{Tenant: "t", Name: "u"})
	if err != nil {
		t.Fatalf("HandlePushData: %v", err)
	}
	if status != wire.StatusStageEnd {
		t.Fatalf("expected STAGE_END, got %d", status)
	}
}

func TestHandlePushData_PausePushRejectsWithBackpressureStatus(t *testing.T) {
	h, reg, cleanup := newTestHandler(t, wire.StatusSuccess)
	defer cleanup()

	key := registry.ShuffleKey{AppID: "app", ShuffleID: 5}
	pair := registerPair(t, reg, key, 0, false)

	h.tracker.ReserveDirect(1 << 30) // push the tracker above pause_push_ratio

	req := wire.PushData{
		ShuffleKey:          key.String(),
		PartitionLocationID: pair.Primary.LocationID,
		Epoch:               pair.Primary.Epoch,
		Body:                []byte("payload"),
	}
	status, err := h.HandlePushData(context.Background(), req, congestion.UserIdentifier{Tenant: "t", Name: "u"})
	if err != nil {
		t.Fatalf("HandlePushData: %v", err)
	}
	if status != wire.StatusPausePush {
		t.Fatalf("expected PAUSE_PUSH, got %d", status)
	}
}

// splitTestHandler builds a handler whose writers flush every batch and
// cross their split threshold after roughly one batch's worth of bytes.
func splitTestHandler(t *testing.T, mode partitionfile.SplitMode) (*Handler, *registry.Registry, func()) {
	t.Helper()
	reg := registry.New()
	tracker := memtrack.New(memtrack.Config{MaxDirectBytes: 1 << 30, PausePushRatio: 0.9, PauseReplicateRatio: 0.95, ResumeRatio: 0.1}, testLogger())
	congestionCtl := congestion.New(congestion.Config{WindowSize: time.Second, HighWatermark: 1 << 30, LowWatermark: 0}, fakePendingSource{}, testLogger())

	dir := t.TempDir()
	pool := membuf.NewPool(16, 64, nil)
	flusher := diskio.NewFlusher(dir, pool, 32, 2, 0, nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	flusher.Start(ctx)

	writerFactory := func(loc registry.Location) (*partitionfile.Writer, error) {
		path := filepath.Join(dir, loc.LocationID+".data")
		return partitionfile.New(path, dir, pool, flusher, nil, partitionfile.Config{
			FlushBufferSize: 1, // flush on every write
			SplitThreshold:  8,
			SplitMode:       mode,
			FlushTimeout:    time.Second,
			AcquireTimeout:  time.Second,
		}, testLogger())
	}

	dialReplica := func(host string, port int) (ReplicaClient, error) {
		return &fakeReplicaClient{status: wire.StatusSuccess}, nil
	}
	h := New(Config{ReplicaForkTimeout: time.Second, ReplicaMaxRetries: 2}, reg, tracker, congestionCtl, writerFactory, dialReplica, testLogger())
	return h, reg, func() { cancel(); flusher.Stop() }
}

func pushUntilStatus(t *testing.T, h *Handler, req wire.PushData, want byte) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		status, err := h.HandlePushData(context.Background(), req, congestion.UserIdentifier{Tenant: "t"})
		if err != nil {
			t.Fatalf("HandlePushData: %v", err)
		}
		if status == want {
			return
		}
		req.BatchID++
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("never observed status %d", want)
}

func TestHandlePushData_SoftSplitAfterThreshold(t *testing.T) {
	h, reg, cleanup := splitTestHandler(t, partitionfile.SplitSoft)
	defer cleanup()

	key := registry.ShuffleKey{AppID: "app", ShuffleID: 6}
	pair := registerPair(t, reg, key, 0, false)

	req := wire.PushData{
		ShuffleKey:          key.String(),
		PartitionLocationID: pair.Primary.LocationID,
		Epoch:               pair.Primary.Epoch,
		Body:                []byte("a payload comfortably past eight bytes"),
	}
	// The first accepted batch crosses the threshold once its flush
	// lands; a following push is acked SOFT_SPLIT while still stored.
	pushUntilStatus(t, h, req, wire.StatusSoftSplit)
}

func TestHandlePushData_HardSplitAfterThreshold(t *testing.T) {
	h, reg, cleanup := splitTestHandler(t, partitionfile.SplitHard)
	defer cleanup()

	key := registry.ShuffleKey{AppID: "app", ShuffleID: 7}
	pair := registerPair(t, reg, key, 0, false)

	req := wire.PushData{
		ShuffleKey:          key.String(),
		PartitionLocationID: pair.Primary.LocationID,
		Epoch:               pair.Primary.Epoch,
		Body:                []byte("a payload comfortably past eight bytes"),
	}
	// A hard split stops the writer, so the next push is rejected with
	// HARD_SPLIT rather than stored.
	pushUntilStatus(t, h, req, wire.StatusHardSplit)
}

func TestHandlePushMergedData_StopsAtFirstFailure(t *testing.T) {
	h, reg, cleanup := newTestHandler(t, wire.StatusSuccess)
	defer cleanup()

	key := registry.ShuffleKey{AppID: "app", ShuffleID: 8}
	pair := registerPair(t, reg, key, 0, false)

	reqs := []wire.PushData{
		{ShuffleKey: key.String(), PartitionLocationID: pair.Primary.LocationID, Epoch: pair.Primary.Epoch, BatchID: 0, Body: []byte("ok")},
		{ShuffleKey: key.String(), PartitionLocationID: "unknown-location", Epoch: 0, BatchID: 1, Body: []byte("bad")},
		{ShuffleKey: key.String(), PartitionLocationID: pair.Primary.LocationID, Epoch: pair.Primary.Epoch, BatchID: 2, Body: []byte("never reached")},
	}
	status, err := h.HandlePushMergedData(context.Background(), reqs, congestion.UserIdentifier{Tenant: "t"})
	if err != nil {
		t.Fatalf("HandlePushMergedData: %v", err)
	}
	if status != wire.StatusStageEnd {
		t.Fatalf("expected STAGE_END from the failing batch, got %d", status)
	}
}
