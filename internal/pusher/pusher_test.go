// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package pusher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shufflerd/shufflerd/internal/registry"
	"github.com/shufflerd/shufflerd/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testKey() registry.ShuffleKey { return registry.ShuffleKey{AppID: "app", ShuffleID: 1} }

// fakeLocations always resolves to the same fixed pair.
type fakeLocations struct {
	pair registry.Pair
}

func (f *fakeLocations) Resolve(ctx context.Context, key registry.ShuffleKey, partitionID uint32) (registry.Pair, error) {
	return f.pair, nil
}

// fakeExclusions records which destinations were excluded.
type fakeExclusions struct {
	mu       sync.Mutex
	excluded map[string]int
}

func newFakeExclusions() *fakeExclusions {
	return &fakeExclusions{excluded: make(map[string]int)}
}

func (f *fakeExclusions) Exclude(dest string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.excluded[dest]++
}

func (f *fakeExclusions) count(dest string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.excluded[dest]
}

// fakeClient lets a test script per-host behavior: always succeed,
// always fail, or fail N times then succeed.
type fakeClient struct {
	status   byte
	err      error
	failures int32
	calls    int32
}

func (c *fakeClient) Push(ctx context.Context, req wire.PushData) (wire.PushAck, error) {
	atomic.AddInt32(&c.calls, 1)
	if c.err != nil {
		return wire.PushAck{}, c.err
	}
	if n := atomic.AddInt32(&c.failures, -1); n >= 0 {
		return wire.PushAck{Status: wire.StatusPushDataFailWrite}, nil
	}
	return wire.PushAck{Status: c.status}, nil
}

func primaryLoc(host string, port int) registry.Location {
	return registry.Location{LocationID: host, Host: host, PushPort: port, Role: registry.RolePrimary}
}

func replicaLoc(host string, port int) registry.Location {
	loc := registry.Location{LocationID: host, Host: host, PushPort: port, Role: registry.RoleReplica}
	return loc
}

func newTestPusher(t *testing.T, pair registry.Pair, dial Dialer, excl ExclusionSet) *Pusher {
	t.Helper()
	cfg := Config{
		QueueCapacity:        4,
		MaxInFlightPerWorker: 2,
		PushTimeout:          500 * time.Millisecond,
		MaxRetries:           2,
		RetryWait:            5 * time.Millisecond,
	}
	p := New(cfg, dial, &fakeLocations{pair: pair}, excl, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	p.Start(ctx, 2)
	return p
}

func TestAddTask_SucceedsOnFirstAttempt(t *testing.T) {
	client := &fakeClient{status: wire.StatusSuccess}
	dial := func(host string, port int) (Client, error) { return client, nil }
	pair := registry.Pair{Primary: primaryLoc("worker-a", 9001)}
	p := newTestPusher(t, pair, dial, nil)

	done := make(chan error, 1)
	if err := p.AddTask(context.Background(), testKey(), 0, 1, 0, 1, []byte("batch"), func(err error) {
		done <- err
	}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("callback error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("callback never invoked")
	}

	if err := p.WaitOnTermination(context.Background()); err != nil {
		t.Fatalf("WaitOnTermination: %v", err)
	}
	if atomic.LoadInt32(&client.calls) != 1 {
		t.Fatalf("expected exactly 1 push call, got %d", client.calls)
	}
}

func TestAddTask_RetriesTransientFailureThenSucceeds(t *testing.T) {
	client := &fakeClient{status: wire.StatusSuccess, failures: 1}
	dial := func(host string, port int) (Client, error) { return client, nil }
	pair := registry.Pair{Primary: primaryLoc("worker-a", 9001)}
	p := newTestPusher(t, pair, dial, nil)

	done := make(chan error, 1)
	if err := p.AddTask(context.Background(), testKey(), 0, 1, 0, 1, []byte("batch"), func(err error) {
		done <- err
	}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected eventual success, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback never invoked")
	}
	if calls := atomic.LoadInt32(&client.calls); calls != 2 {
		t.Fatalf("expected 2 push calls (1 failure + 1 retry), got %d", calls)
	}
}

func TestAddTask_FailsOverToReplicaOnConnectionFailure(t *testing.T) {
	primaryClient := &fakeClient{err: fmt.Errorf("connection refused")}
	replicaClient := &fakeClient{status: wire.StatusSuccess}
	dial := func(host string, port int) (Client, error) {
		if host == "worker-replica" {
			return replicaClient, nil
		}
		return primaryClient, nil
	}
	replica := replicaLoc("worker-replica", 9002)
	pair := registry.Pair{Primary: primaryLoc("worker-primary", 9001), Replica: &replica}
	excl := newFakeExclusions()
	p := newTestPusher(t, pair, dial, excl)

	done := make(chan error, 1)
	if err := p.AddTask(context.Background(), testKey(), 0, 1, 0, 1, []byte("batch"), func(err error) {
		done <- err
	}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected replica failover to succeed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback never invoked")
	}
	if atomic.LoadInt32(&replicaClient.calls) != 1 {
		t.Fatalf("expected replica to be called once, got %d", replicaClient.calls)
	}
	if excl.count("worker-primary:9001") == 0 {
		t.Fatal("expected primary destination to be excluded after connection failure")
	}
}

func TestAddTask_ExhaustsRetriesAndFails(t *testing.T) {
	client := &fakeClient{err: fmt.Errorf("connection refused")}
	dial := func(host string, port int) (Client, error) { return client, nil }
	pair := registry.Pair{Primary: primaryLoc("worker-a", 9001)}
	p := newTestPusher(t, pair, dial, nil)

	done := make(chan error, 1)
	if err := p.AddTask(context.Background(), testKey(), 0, 1, 0, 1, []byte("batch"), func(err error) {
		done <- err
	}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected terminal failure after exhausting retries")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback never invoked")
	}

	if werr := p.WaitOnTermination(context.Background()); werr == nil {
		t.Fatal("expected WaitOnTermination to rethrow the first terminal error")
	}
}

func TestInFlightCount_TracksOutstandingPushes(t *testing.T) {
	block := make(chan struct{})
	client := &blockingClient{release: block, status: wire.StatusSuccess}
	dial := func(host string, port int) (Client, error) { return client, nil }
	pair := registry.Pair{Primary: primaryLoc("worker-a", 9001)}
	p := newTestPusher(t, pair, dial, nil)

	done := make(chan error, 1)
	if err := p.AddTask(context.Background(), testKey(), 0, 1, 0, 1, []byte("batch"), func(err error) {
		done <- err
	}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for p.InFlightCount("worker-a:9001") == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if p.InFlightCount("worker-a:9001") != 1 {
		t.Fatal("expected 1 in-flight push to be tracked while the RPC is blocked")
	}

	close(block)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("callback error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("callback never invoked")
	}
	if p.InFlightCount("worker-a:9001") != 0 {
		t.Fatal("expected in-flight count to drop to 0 after completion")
	}
}

type blockingClient struct {
	release chan struct{}
	status  byte
}

func (c *blockingClient) Push(ctx context.Context, req wire.PushData) (wire.PushAck, error) {
	select {
	case <-c.release:
	case <-ctx.Done():
		return wire.PushAck{}, ctx.Err()
	}
	return wire.PushAck{Status: c.status}, nil
}

func TestAddTask_SoftSplitAckIsAccepted(t *testing.T) {
	client := &fakeClient{status: wire.StatusSoftSplit}
	dial := func(host string, port int) (Client, error) { return client, nil }
	pair := registry.Pair{Primary: primaryLoc("worker-a", 9001)}
	p := newTestPusher(t, pair, dial, nil)

	done := make(chan error, 1)
	if err := p.AddTask(context.Background(), testKey(), 0, 1, 0, 1, []byte("batch"), func(err error) {
		done <- err
	}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("a soft split ack stores the batch, callback got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("callback never invoked")
	}
	if calls := atomic.LoadInt32(&client.calls); calls != 1 {
		t.Fatalf("soft split must not trigger a re-push, got %d calls", calls)
	}
}
