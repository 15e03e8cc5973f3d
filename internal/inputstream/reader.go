// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package inputstream implements the Input Stream: the reduce-task-side
// client that walks a partition's PartitionLocations in order, fetches
// chunks with replica failover, deduplicates by (map_id, attempt_id,
// batch_id), decompresses, and verifies end-to-end integrity against the
// pushed CommitMetadata.
package inputstream

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shufflerd/shufflerd/internal/commitmeta"
	"github.com/shufflerd/shufflerd/internal/registry"
	"github.com/shufflerd/shufflerd/internal/shuffleerr"
	"github.com/shufflerd/shufflerd/internal/wire"
)

// FetchClient is the client side of one fetch-server connection. Its
// method set matches fetchserver.Server directly, so a colocated worker
// can hand its own *fetchserver.Server straight through; a networked
// deployment wraps a TLS connection encoding the same wire messages.
type FetchClient interface {
	OpenStream(ctx context.Context, req wire.OpenStream) (wire.StreamHandle, error)
	Next(ctx context.Context, streamID string) (wire.ChunkData, error)
	AddCredit(req wire.ReadAddCredit) error
	Close(streamID string)
}

// Dialer resolves a PartitionLocation to a FetchClient.
type Dialer func(loc registry.Location) (FetchClient, error)

// LocationSource returns the ordered sequence of Primary/Replica pairs
// backing a reduce partition — one pair per epoch the registry ever
// assigned it, oldest first.
type LocationSource interface {
	Locations(ctx context.Context, key registry.ShuffleKey, partitionID uint32) ([]registry.Pair, error)
}

// AttemptTable maps a map task id to the attempt number the reduce side
// considers authoritative; batches from any other attempt are discarded.
type AttemptTable map[uint32]uint32

// Config bundles the reader's tunables.
type Config struct {
	StartMap         uint32
	EndMap           uint32
	AttemptNumber    uint32 // the reduce task's own attempt number, for replica load spread
	InitialCredit    uint32
	CreditTopUp      uint32
	FetchMaxRetry    int
	RetryWait        time.Duration
	MaxPayload       uint32
	Codec            wire.CompressionCode
	IntegrityEnabled bool
}

// Stats summarizes one Fetch call.
type Stats struct {
	BytesDelivered   uint64
	BatchesDelivered uint64
	BatchesDeduped   uint64
}

type seenKey struct {
	MapID, AttemptID, BatchID uint32
}

type mapAttemptKey struct {
	MapID, AttemptID uint32
}

// mapAttemptState reassembles one map attempt's byte stream in the
// monotonic batch_id order it was produced, holding later batches back
// until their predecessor arrives — the same progress-bookkeeping shape
// as a per-session gap tracker, applied to batch ids instead of sequence
// numbers.
type mapAttemptState struct {
	nextBatchID uint32
	acc         *commitmeta.Accumulator
	pending     map[uint32][]byte
}

func newMapAttemptState() *mapAttemptState {
	return &mapAttemptState{acc: commitmeta.NewAccumulator(), pending: make(map[uint32][]byte)}
}

func (s *mapAttemptState) accept(batchID uint32, record []byte) {
	if batchID != s.nextBatchID {
		s.pending[batchID] = record
		return
	}
	s.acc.Write(record)
	s.nextBatchID++
	for {
		b, ok := s.pending[s.nextBatchID]
		if !ok {
			return
		}
		s.acc.Write(b)
		delete(s.pending, s.nextBatchID)
		s.nextBatchID++
	}
}

// Reader is the Input Stream for one reduce partition.
type Reader struct {
	cfg        Config
	locations  LocationSource
	dial       Dialer
	decompress Decompressor
	logger     *slog.Logger
}

// New creates a Reader.
func New(cfg Config, locations LocationSource, dial Dialer, decompress Decompressor, logger *slog.Logger) *Reader {
	if cfg.FetchMaxRetry < 0 {
		cfg.FetchMaxRetry = 0
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = time.Second
	}
	if cfg.MaxPayload == 0 {
		cfg.MaxPayload = 64 << 20
	}
	if cfg.CreditTopUp == 0 {
		cfg.CreditTopUp = 1
	}
	return &Reader{cfg: cfg, locations: locations, dial: dial, decompress: decompress, logger: logger.With("component", "input_stream")}
}

// Fetch walks every PartitionLocation for (key, partitionID), delivering
// each deduplicated, decompressed user record to deliver(map_id, bytes).
// It returns once every location has been drained and, if integrity
// checking is enabled, the aggregated digest has been verified.
func (r *Reader) Fetch(ctx context.Context, key registry.ShuffleKey, partitionID uint32, attempts AttemptTable, deliver func(mapID uint32, record []byte)) (Stats, error) {
	pairs, err := r.locations.Locations(ctx, key, partitionID)
	if err != nil {
		return Stats{}, shuffleerr.Wrap(shuffleerr.KindFetchFail, "listing partition locations", err)
	}

	seen := make(map[seenKey]struct{})
	expected := make(map[mapAttemptKey]commitmeta.Metadata)
	states := make(map[mapAttemptKey]*mapAttemptState)
	var stats Stats

	for _, pair := range pairs {
		if err := r.fetchPair(ctx, key, pair, attempts, seen, expected, states, deliver, &stats); err != nil {
			return stats, err
		}
	}

	if r.cfg.IntegrityEnabled {
		if err := verifyIntegrity(expected, states); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// fetchPair reads one epoch's primary/replica pair, retrying up to
// FetchMaxRetry times and switching to the peer location on even-numbered
// retries. Integrity failures are never retried — a corrupt chunk is a
// fact about the data, not a transient condition.
func (r *Reader) fetchPair(ctx context.Context, key registry.ShuffleKey, pair registry.Pair, attempts AttemptTable, seen map[seenKey]struct{}, expected map[mapAttemptKey]commitmeta.Metadata, states map[mapAttemptKey]*mapAttemptState, deliver func(uint32, []byte), stats *Stats) error {
	loc := pair.Primary
	if r.cfg.AttemptNumber%2 == 1 && pair.Replica != nil {
		loc = *pair.Replica
	}

	var lastErr error
	for attempt := 0; attempt <= r.cfg.FetchMaxRetry; attempt++ {
		current := loc
		if attempt > 0 && attempt%2 == 0 {
			if alt := peerOf(pair, current); alt != nil {
				current = *alt
			}
		}

		err := r.streamLocation(ctx, key, current, attempts, seen, expected, states, deliver, stats)
		if err == nil {
			return nil
		}
		switch shuffleerr.KindOf(err) {
		case shuffleerr.KindIntegrityMismatch, shuffleerr.KindIntegrityIncomplete:
			return err
		}
		lastErr = err
		if attempt < r.cfg.FetchMaxRetry {
			r.logger.Warn("fetch failed, retrying", "attempt", attempt+1, "error", err)
			select {
			case <-time.After(r.cfg.RetryWait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return shuffleerr.Wrap(shuffleerr.KindFetchFail, "exhausted fetch retries", lastErr)
}

func peerOf(pair registry.Pair, current registry.Location) *registry.Location {
	if current.Role == registry.RolePrimary {
		return pair.Replica
	}
	primary := pair.Primary
	return &primary
}

// streamLocation opens a stream against one location and drains every
// chunk it offers. A zero-chunk handle (no bitmap overlap) is not an
// error: this location simply has nothing for the requested map range.
func (r *Reader) streamLocation(ctx context.Context, key registry.ShuffleKey, loc registry.Location, attempts AttemptTable, seen map[seenKey]struct{}, expected map[mapAttemptKey]commitmeta.Metadata, states map[mapAttemptKey]*mapAttemptState, deliver func(uint32, []byte), stats *Stats) error {
	client, err := r.dial(loc)
	if err != nil {
		return shuffleerr.Wrap(shuffleerr.KindFetchFail, "dialing fetch server", err)
	}

	handle, err := client.OpenStream(ctx, wire.OpenStream{
		ShuffleKey:    key.String(),
		FileName:      loc.FileName(),
		StartMap:      r.cfg.StartMap,
		EndMap:        r.cfg.EndMap,
		InitialCredit: r.cfg.InitialCredit,
	})
	if err != nil {
		return shuffleerr.Wrap(shuffleerr.KindFetchFail, "opening stream", err)
	}
	if handle.NumChunks == 0 {
		return nil
	}
	defer client.Close(handle.StreamID)

	for i := uint32(0); i < handle.NumChunks; i++ {
		chunk, err := client.Next(ctx, handle.StreamID)
		if err != nil {
			return shuffleerr.Wrap(shuffleerr.KindFetchFail, "reading chunk", err)
		}
		if err := r.consumeChunk(chunk, attempts, seen, expected, states, deliver, stats); err != nil {
			return err
		}
		if err := client.AddCredit(wire.ReadAddCredit{StreamID: handle.StreamID, Credit: r.cfg.CreditTopUp}); err != nil {
			return shuffleerr.Wrap(shuffleerr.KindFetchFail, "adding credit", err)
		}
	}
	return nil
}

// consumeChunk parses every framed batch out of chunk.Payload, applying
// attempt filtering and (map_id, attempt_id, batch_id) dedup before
// decompressing and either recording commit metadata or delivering the
// record to the caller.
func (r *Reader) consumeChunk(chunk wire.ChunkData, attempts AttemptTable, seen map[seenKey]struct{}, expected map[mapAttemptKey]commitmeta.Metadata, states map[mapAttemptKey]*mapAttemptState, deliver func(uint32, []byte), stats *Stats) error {
	buf := bytes.NewReader(chunk.Payload)
	for buf.Len() > 0 {
		header, payload, err := wire.ReadBatch(buf, r.cfg.MaxPayload)
		if err != nil {
			return shuffleerr.Wrap(shuffleerr.KindFetchFail, "parsing batch frame", err)
		}

		current, ok := attempts[header.MapID]
		if !ok || header.AttemptID != current {
			continue
		}

		sk := seenKey{MapID: header.MapID, AttemptID: header.AttemptID, BatchID: header.BatchID}
		if _, dup := seen[sk]; dup {
			stats.BatchesDeduped++
			continue
		}
		seen[sk] = struct{}{}

		mak := mapAttemptKey{MapID: header.MapID, AttemptID: header.AttemptID}

		if header.IsMetadata() {
			raw, err := r.decompress.Decompress(r.cfg.Codec, payload)
			if err != nil {
				return shuffleerr.Wrap(shuffleerr.KindIntegrityMismatch, "decompressing commit metadata", err)
			}
			meta, err := commitmeta.Decode(raw)
			if err != nil {
				return shuffleerr.Wrap(shuffleerr.KindIntegrityMismatch, "decoding commit metadata", err)
			}
			expected[mak] = meta
			continue
		}

		record, err := r.decompress.Decompress(r.cfg.Codec, payload)
		if err != nil {
			return shuffleerr.Wrap(shuffleerr.KindFetchFail, "decompressing batch", err)
		}

		st, ok := states[mak]
		if !ok {
			st = newMapAttemptState()
			states[mak] = st
		}
		st.accept(header.BatchID, record)

		stats.BytesDelivered += uint64(len(record))
		stats.BatchesDelivered++
		deliver(header.MapID, record)
	}
	return nil
}

// verifyIntegrity folds expected and actual per-map-attempt digests over
// the same key order so the two aggregates are directly comparable, then
// compares the combined results. Any map attempt the reader saw batches
// for but never saw a commit-metadata batch for fails IntegrityIncomplete
// before the digest comparison even runs.
func verifyIntegrity(expected map[mapAttemptKey]commitmeta.Metadata, states map[mapAttemptKey]*mapAttemptState) error {
	for k := range states {
		if _, ok := expected[k]; !ok {
			return shuffleerr.New(shuffleerr.KindIntegrityIncomplete, fmt.Sprintf("missing commit metadata for map %d attempt %d", k.MapID, k.AttemptID))
		}
	}

	var want, got commitmeta.Metadata
	for k, m := range expected {
		want = commitmeta.Combine(want, m)
		actual := commitmeta.Metadata{}
		if st, ok := states[k]; ok {
			actual = st.acc.Metadata()
		}
		got = commitmeta.Combine(got, actual)
	}
	if want != got {
		return shuffleerr.New(shuffleerr.KindIntegrityMismatch, fmt.Sprintf("aggregated digest mismatch: expected %+v got %+v", want, got))
	}
	return nil
}
