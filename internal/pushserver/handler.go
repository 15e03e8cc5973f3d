// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package pushserver implements the Push Handler: the server side that
// receives PushData/PushMergedData RPCs, writes them through a File
// Writer, and, when acting as primary, forks the same bytes to the
// partition's replica before acknowledging. A per-key sync.Map lock
// table serializes concurrent access to the same writer, and the ack
// path only returns once every required side effect has at least been
// durably scheduled.
package pushserver

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shufflerd/shufflerd/internal/congestion"
	"github.com/shufflerd/shufflerd/internal/memtrack"
	"github.com/shufflerd/shufflerd/internal/partitionfile"
	"github.com/shufflerd/shufflerd/internal/registry"
	"github.com/shufflerd/shufflerd/internal/shuffleerr"
	"github.com/shufflerd/shufflerd/internal/wire"
)

// ReplicaClient is the push-client side of the primary->replica fork.
// The concrete dialer (a pool of connections to peer workers) lives
// outside this package; pushserver only needs to hand it a frame and
// get an ack back.
type ReplicaClient interface {
	ForwardPush(ctx context.Context, req wire.PushData) (wire.PushAck, error)
}

// ReplicaDialer resolves a (host, port) pair to a ReplicaClient. It is
// expected to pool/reuse connections; pushserver calls it once per
// forked push and never closes what it returns.
type ReplicaDialer func(host string, port int) (ReplicaClient, error)

// WriterFactory opens (or returns the already-open) File Writer backing
// one Location. Mount selection, disk-flusher wiring, and split-notifier
// construction are all the caller's concern.
type WriterFactory func(loc registry.Location) (*partitionfile.Writer, error)

// Config bundles the handler's tunables.
type Config struct {
	ReplicaForkTimeout time.Duration
	ReplicaMaxRetries  int
	WriteTimeout       time.Duration
}

// Handler is the Push Handler. One instance is shared by every push
// connection on a worker.
type Handler struct {
	cfg           Config
	registry      *registry.Registry
	tracker       *memtrack.Tracker
	congestionCtl *congestion.Controller
	writerFactory WriterFactory
	dialReplica   ReplicaDialer
	logger        *slog.Logger

	writers sync.Map // locationID (string) -> *partitionfile.Writer
	locks   sync.Map // locationID (string) -> *sync.Mutex
}

// New creates a Handler.
func New(cfg Config, reg *registry.Registry, tracker *memtrack.Tracker, congestionCtl *congestion.Controller, writerFactory WriterFactory, dialReplica ReplicaDialer, logger *slog.Logger) *Handler {
	if cfg.ReplicaForkTimeout <= 0 {
		cfg.ReplicaForkTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	return &Handler{
		cfg:           cfg,
		registry:      reg,
		tracker:       tracker,
		congestionCtl: congestionCtl,
		writerFactory: writerFactory,
		dialReplica:   dialReplica,
		logger:        logger.With("component", "push_handler"),
	}
}

func (h *Handler) lockFor(locationID string) *sync.Mutex {
	v, _ := h.locks.LoadOrStore(locationID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (h *Handler) writerFor(loc registry.Location) (*partitionfile.Writer, error) {
	if v, ok := h.writers.Load(loc.LocationID); ok {
		return v.(*partitionfile.Writer), nil
	}

	mu := h.lockFor(loc.LocationID)
	mu.Lock()
	defer mu.Unlock()

	if v, ok := h.writers.Load(loc.LocationID); ok {
		return v.(*partitionfile.Writer), nil
	}
	w, err := h.writerFactory(loc)
	if err != nil {
		return nil, err
	}
	h.writers.Store(loc.LocationID, w)
	return w, nil
}

// user extracts the congestion.UserIdentifier from a push request. The
// compute-framework integration layer (out of scope) is what actually
// authenticates and tags requests; here the tenant/name pair arrives
// pre-resolved on the request.
type user = congestion.UserIdentifier

// HandlePushData decides the fate of a single-batch push: back-pressure
// and congestion gates first, then location resolution, then the
// role-specific write path. Returns the wire status to send back to the
// producer; err is non-nil only for conditions the caller should treat
// as a connection-level failure rather than a normal ack.
func (h *Handler) HandlePushData(ctx context.Context, req wire.PushData, forUser user) (byte, error) {
	if decision := h.congestionCtl.ProducedBytes(forUser, int64(len(req.Body)), time.Now()); decision.Congested {
		if decision.Hard {
			return wire.StatusCongestControl, nil
		}
		time.Sleep(time.Duration(decision.DelayMs) * time.Millisecond)
	}

	switch h.tracker.State() {
	case memtrack.StatePausePush, memtrack.StatePauseReplicate:
		return wire.StatusPausePush, nil
	}

	loc, pair, err := h.registry.ResolveByLocationID(ctx, req.PartitionLocationID)
	if err != nil {
		switch shuffleerr.KindOf(err) {
		case shuffleerr.KindStageEnd:
			return wire.StatusStageEnd, nil
		case shuffleerr.KindHardSplit:
			return wire.StatusHardSplit, nil
		default:
			return wire.StatusPartitionUnknown, nil
		}
	}
	if loc.Epoch != req.Epoch {
		return wire.StatusEpochStale, nil
	}

	if loc.Role == registry.RoleReplica {
		return h.writeLocal(loc, req)
	}
	return h.writeAndReplicate(ctx, loc, pair, req)
}

// writeLocal implements the replica-role branch of the decision table:
// a local write only, acked once the flush is scheduled. No further
// forking — a replica never forks to a third location.
func (h *Handler) writeLocal(loc registry.Location, req wire.PushData) (byte, error) {
	writer, err := h.writerFor(loc)
	if err != nil {
		return wire.StatusPushDataFailWrite, nil
	}
	framed, err := frameBatch(req)
	if err != nil {
		return wire.StatusPushDataFailWrite, nil
	}
	if err := writer.Write(framed); err != nil {
		return writeFailStatus(writer), nil
	}
	if req.BatchID != wire.MetadataBatchID {
		writer.RecordMapID(req.MapID)
	}
	return wire.StatusSuccess, nil
}

// writeFailStatus distinguishes a writer that stopped accepting because
// its file crossed a hard-split threshold (the producer should re-resolve
// into the successor epoch) from one aborted by a genuine disk failure.
func writeFailStatus(writer *partitionfile.Writer) byte {
	if asked, mode := writer.SplitIfNeeded(); asked && mode == partitionfile.SplitHard {
		return wire.StatusHardSplit
	}
	return wire.StatusPushDataFailWrite
}

// splitStatus maps an accepted write on a file that has crossed its soft
// split threshold to SOFT_SPLIT: the batch is stored, but the producer
// should request the partition's next epoch before pushing more.
func splitStatus(writer *partitionfile.Writer) byte {
	if asked, mode := writer.SplitIfNeeded(); asked && mode == partitionfile.SplitSoft {
		return wire.StatusSoftSplit
	}
	return wire.StatusSuccess
}

func batchHeaderFor(req wire.PushData) wire.BatchHeader {
	return wire.BatchHeader{MapID: req.MapID, AttemptID: req.AttemptID, BatchID: req.BatchID, PayloadSize: uint32(len(req.Body))}
}

// frameBatch renders req's batch header and payload into the same
// on-disk batch framing partitionfile.Writer accumulates.
func frameBatch(req wire.PushData) ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.WriteBatch(&buf, batchHeaderFor(req), req.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeAndReplicate drives the primary-role path: local write, fork to
// replica, ack gated on both. The connection's final response waits for
// every required acknowledgement, not just the local one.
func (h *Handler) writeAndReplicate(ctx context.Context, loc registry.Location, pair registry.Pair, req wire.PushData) (byte, error) {
	writer, err := h.writerFor(loc)
	if err != nil {
		return wire.StatusPushDataFailWrite, nil
	}

	framed, err := frameBatch(req)
	if err != nil {
		return wire.StatusPushDataFailWrite, nil
	}
	if req.BatchID != wire.MetadataBatchID {
		writer.RecordMapID(req.MapID)
	}

	if err := writer.Write(framed); err != nil {
		return writeFailStatus(writer), nil
	}

	if pair.Replica == nil {
		return splitStatus(writer), nil
	}

	if err := h.forkToReplica(ctx, *pair.Replica, req); err != nil {
		h.logger.Error("replica fork failed after retries", "location", pair.Replica.LocationID, "error", err)
		return wire.StatusPushDataFailReplica, nil
	}

	return splitStatus(writer), nil
}

// forkToReplica forwards req to the replica location's push port,
// retrying up to ReplicaMaxRetries times. The join-point this
// implements is: the primary's FlushTask only needs to have been
// *enqueued* (writer.Write returns once Append succeeds and, if a flush
// was scheduled, once Submit succeeds — not once the bytes are durable)
// before the primary ack can proceed; forkToReplica's own ack from the
// peer is the second half of the join.
func (h *Handler) forkToReplica(ctx context.Context, replica registry.Location, req wire.PushData) error {
	client, err := h.dialReplica(replica.Host, replica.PushPort)
	if err != nil {
		return shuffleerr.Wrap(shuffleerr.KindPushDataConnectionFail, "dialing replica", err)
	}

	var lastErr error
	retries := h.cfg.ReplicaMaxRetries
	if retries <= 0 {
		retries = 1
	}
	for attempt := 0; attempt < retries; attempt++ {
		forkCtx, cancel := context.WithTimeout(ctx, h.cfg.ReplicaForkTimeout)
		ack, err := client.ForwardPush(forkCtx, req)
		cancel()
		if err == nil && ack.Status == wire.StatusSuccess {
			return nil
		}
		if err != nil {
			lastErr = shuffleerr.Wrap(shuffleerr.KindPushDataWriteFailReplica, "replica forward failed", err)
		} else {
			lastErr = shuffleerr.New(shuffleerr.KindPushDataWriteFailReplica, fmt.Sprintf("replica returned status %d", ack.Status))
		}
	}
	return lastErr
}

// HandlePushMergedData applies HandlePushData's decision table to each
// batch in a merged push sharing one endpoint, stopping at the first
// non-success status since every batch in the vector targets the same
// location and epoch.
func (h *Handler) HandlePushMergedData(ctx context.Context, reqs []wire.PushData, forUser user) (byte, error) {
	for _, req := range reqs {
		status, err := h.HandlePushData(ctx, req, forUser)
		if err != nil {
			return status, err
		}
		if status != wire.StatusSuccess {
			return status, nil
		}
	}
	return wire.StatusSuccess, nil
}
