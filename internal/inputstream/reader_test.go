// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package inputstream

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shufflerd/shufflerd/internal/commitmeta"
	"github.com/shufflerd/shufflerd/internal/registry"
	"github.com/shufflerd/shufflerd/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testKey() registry.ShuffleKey { return registry.ShuffleKey{AppID: "app", ShuffleID: 1} }

type noneCompressor struct{}

func (noneCompressor) Decompress(codec wire.CompressionCode, payload []byte) ([]byte, error) {
	return payload, nil
}

// frame builds one framed batch, little-endian header + payload.
func frame(mapID, attemptID, batchID uint32, payload []byte) []byte {
	var buf bytes.Buffer
	if err := wire.WriteBatch(&buf, wire.BatchHeader{MapID: mapID, AttemptID: attemptID, BatchID: batchID}, payload); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func metadataFrame(mapID, attemptID uint32, meta commitmeta.Metadata) []byte {
	return frame(mapID, attemptID, wire.MetadataBatchID, commitmeta.Encode(meta))
}

// fakeFetchClient serves a fixed list of chunks, one per Next call.
type fakeFetchClient struct {
	chunks []wire.ChunkData
	next   int
	closed bool
}

func (c *fakeFetchClient) OpenStream(ctx context.Context, req wire.OpenStream) (wire.StreamHandle, error) {
	if len(c.chunks) == 0 {
		return wire.StreamHandle{}, nil
	}
	return wire.StreamHandle{StreamID: "stream-1", NumChunks: uint32(len(c.chunks))}, nil
}

func (c *fakeFetchClient) Next(ctx context.Context, streamID string) (wire.ChunkData, error) {
	if c.next >= len(c.chunks) {
		return wire.ChunkData{}, io.EOF
	}
	cd := c.chunks[c.next]
	c.next++
	return cd, nil
}

func (c *fakeFetchClient) AddCredit(req wire.ReadAddCredit) error { return nil }
func (c *fakeFetchClient) Close(streamID string)                 { c.closed = true }

func singleChunkClient(payload []byte) *fakeFetchClient {
	return &fakeFetchClient{chunks: []wire.ChunkData{{StreamID: "stream-1", Payload: payload}}}
}

type fixedLocations struct {
	pairs []registry.Pair
}

func (f fixedLocations) Locations(ctx context.Context, key registry.ShuffleKey, partitionID uint32) ([]registry.Pair, error) {
	return f.pairs, nil
}

func primaryPair(host string) registry.Pair {
	return registry.Pair{Primary: registry.Location{LocationID: host, Host: host, Role: registry.RolePrimary}}
}

func newTestReader(t *testing.T, pairs []registry.Pair, dial Dialer) *Reader {
	t.Helper()
	cfg := Config{
		StartMap:         0,
		EndMap:           10,
		InitialCredit:    10,
		FetchMaxRetry:    1,
		RetryWait:        time.Millisecond,
		IntegrityEnabled: true,
	}
	return New(cfg, fixedLocations{pairs: pairs}, dial, noneCompressor{}, testLogger())
}

func TestFetch_DeliversBatchesAndPassesIntegrity(t *testing.T) {
	attempts := AttemptTable{0: 0, 1: 0}

	var payload bytes.Buffer
	a := []byte("alpha")
	b := []byte("beta")
	payload.Write(frame(0, 0, 0, a))
	payload.Write(metadataFrame(0, 0, digestOf(a)))
	payload.Write(frame(1, 0, 0, b))
	payload.Write(metadataFrame(1, 0, digestOf(b)))

	client := singleChunkClient(payload.Bytes())
	dial := func(loc registry.Location) (FetchClient, error) { return client, nil }
	r := newTestReader(t, []registry.Pair{primaryPair("worker-a")}, dial)

	var delivered [][]byte
	stats, err := r.Fetch(context.Background(), testKey(), 0, attempts, func(mapID uint32, record []byte) {
		delivered = append(delivered, append([]byte(nil), record...))
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(delivered) != 2 {
		t.Fatalf("expected 2 delivered records, got %d", len(delivered))
	}
	if stats.BytesDelivered != uint64(len(a)+len(b)) {
		t.Fatalf("unexpected bytes delivered: %d", stats.BytesDelivered)
	}
	if !client.closed {
		t.Fatal("expected stream to be closed after draining")
	}
}

func TestFetch_DedupsDuplicateBatchFromReplica(t *testing.T) {
	attempts := AttemptTable{0: 0}
	a := []byte("alpha")

	var primaryPayload bytes.Buffer
	primaryPayload.Write(frame(0, 0, 0, a))
	primaryPayload.Write(metadataFrame(0, 0, digestOf(a)))

	var replicaPayload bytes.Buffer
	replicaPayload.Write(frame(0, 0, 0, a)) // duplicate of the same batch

	primaryClient := singleChunkClient(primaryPayload.Bytes())
	replicaClient := singleChunkClient(replicaPayload.Bytes())
	dial := func(loc registry.Location) (FetchClient, error) {
		if loc.Role == registry.RoleReplica {
			return replicaClient, nil
		}
		return primaryClient, nil
	}

	replica := registry.Location{LocationID: "worker-b", Host: "worker-b", Role: registry.RoleReplica}
	pair := registry.Pair{Primary: registry.Location{LocationID: "worker-a", Host: "worker-a", Role: registry.RolePrimary}, Replica: &replica}
	r := newTestReader(t, []registry.Pair{pair}, dial)

	stats, err := r.Fetch(context.Background(), testKey(), 0, attempts, func(mapID uint32, record []byte) {})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if stats.BatchesDelivered != 1 {
		t.Fatalf("expected exactly 1 delivered batch, got %d", stats.BatchesDelivered)
	}
}

func TestFetch_SkipsBatchFromStaleAttempt(t *testing.T) {
	attempts := AttemptTable{0: 1} // only attempt 1 is authoritative

	var payload bytes.Buffer
	payload.Write(frame(0, 0, 0, []byte("stale-attempt-0")))
	payload.Write(frame(0, 1, 0, []byte("current-attempt-1")))
	payload.Write(metadataFrame(0, 1, digestOf([]byte("current-attempt-1"))))

	client := singleChunkClient(payload.Bytes())
	dial := func(loc registry.Location) (FetchClient, error) { return client, nil }
	r := newTestReader(t, []registry.Pair{primaryPair("worker-a")}, dial)

	var got []string
	_, err := r.Fetch(context.Background(), testKey(), 0, attempts, func(mapID uint32, record []byte) {
		got = append(got, string(record))
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != 1 || got[0] != "current-attempt-1" {
		t.Fatalf("expected only the current attempt's record, got %v", got)
	}
}

func TestFetch_IntegrityIncompleteWhenMetadataMissing(t *testing.T) {
	attempts := AttemptTable{0: 0}
	payload := frame(0, 0, 0, []byte("alpha")) // no commit-metadata batch follows

	client := singleChunkClient(payload)
	dial := func(loc registry.Location) (FetchClient, error) { return client, nil }
	r := newTestReader(t, []registry.Pair{primaryPair("worker-a")}, dial)

	_, err := r.Fetch(context.Background(), testKey(), 0, attempts, func(mapID uint32, record []byte) {})
	if err == nil {
		t.Fatal("expected IntegrityIncomplete error")
	}
}

func TestFetch_IntegrityMismatchOnTruncatedChunk(t *testing.T) {
	attempts := AttemptTable{0: 0}
	full := []byte("the quick brown fox")

	var payload bytes.Buffer
	payload.Write(frame(0, 0, 0, full))
	payload.Write(metadataFrame(0, 0, digestOf(full)))
	raw := payload.Bytes()

	// Overwrite the first payload byte in place, corrupting the recorded
	// digest versus what the reader will actually compute.
	truncated := append([]byte(nil), raw...)
	truncated[wire.BatchHeaderSize] = 'X'

	client := singleChunkClient(truncated)
	dial := func(loc registry.Location) (FetchClient, error) { return client, nil }
	r := newTestReader(t, []registry.Pair{primaryPair("worker-a")}, dial)

	_, err := r.Fetch(context.Background(), testKey(), 0, attempts, func(mapID uint32, record []byte) {})
	if err == nil {
		t.Fatal("expected IntegrityMismatch error after byte-level corruption")
	}
}

func TestFetch_SkipsLocationWithNoChunks(t *testing.T) {
	attempts := AttemptTable{0: 0}
	empty := &fakeFetchClient{}
	dial := func(loc registry.Location) (FetchClient, error) { return empty, nil }
	r := newTestReader(t, []registry.Pair{primaryPair("worker-a")}, dial)

	stats, err := r.Fetch(context.Background(), testKey(), 0, attempts, func(mapID uint32, record []byte) {})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if stats.BatchesDelivered != 0 {
		t.Fatalf("expected no batches delivered, got %d", stats.BatchesDelivered)
	}
}

func digestOf(p []byte) commitmeta.Metadata {
	acc := commitmeta.NewAccumulator()
	acc.Write(p)
	return acc.Metadata()
}
