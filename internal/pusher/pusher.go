// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package pusher implements the Data Pusher: the map-task-side client
// that pushes batches to a worker's Push Handler, retrying against a
// fresh location (often the replica) on timeout or failure. A bounded
// pool of reusable task slots is drawn down by producers and returned on
// completion, with per-destination in-flight accounting and a retry path
// driven off the shared failure taxonomy rather than ad hoc error
// strings.
package pusher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shufflerd/shufflerd/internal/registry"
	"github.com/shufflerd/shufflerd/internal/shuffleerr"
	"github.com/shufflerd/shufflerd/internal/wire"
)

// Client is the push-client side of one RPC to a worker's Push Handler.
type Client interface {
	Push(ctx context.Context, req wire.PushData) (wire.PushAck, error)
}

// Dialer resolves a (host, port) pair to a Client. Expected to pool and
// reuse connections; the pusher calls it once per dispatch attempt and
// never closes what it returns.
type Dialer func(host string, port int) (Client, error)

// LocationSource resolves a partition to its current Primary/Replica
// pair — satisfied directly by *registry.Registry on a colocated worker,
// or by an RPC client to the lifecycle manager elsewhere.
type LocationSource interface {
	Resolve(ctx context.Context, key registry.ShuffleKey, partitionID uint32) (registry.Pair, error)
}

// ExclusionSet records a worker endpoint that just failed a push, so the
// fetch path (Input Stream) can prefer its replica too. Optional — a nil
// ExclusionSet simply skips this bookkeeping.
type ExclusionSet interface {
	Exclude(hostAndPort string)
}

// Config bundles the pusher's tunables.
type Config struct {
	// QueueCapacity is push_queue_capacity: the number of reusable Task
	// slots pre-allocated for this map task.
	QueueCapacity int
	// MaxInFlightPerWorker caps concurrent outstanding pushes per
	// destination; AddTask still accepts work past the cap, it just
	// doesn't dispatch until a slot frees up.
	MaxInFlightPerWorker int
	// PushTimeout bounds a single push RPC attempt.
	PushTimeout time.Duration
	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int
	// RetryWait is the sleep between attempts against the same or an
	// alternate destination.
	RetryWait time.Duration
	// Codec stamps every outgoing batch with the compression code its
	// payload was produced with, so a reader configured the same way can
	// expand it.
	Codec wire.CompressionCode
}

// Task is one in-flight batch push. Reused across its lifetime in the
// idle/working queues rather than reallocated per push.
type Task struct {
	key           registry.ShuffleKey
	partitionID   uint32
	mapID         uint32
	attemptID     uint32
	batchID       uint32
	body          []byte
	callback      func(error)
	attempt       int
	preferReplica bool
}

func (t *Task) reset() { *t = Task{} }

type inFlightEntry struct {
	startedAt time.Time
	task      *Task
}

// Pusher is the Data Pusher for one map task: an idle queue of reusable
// Task slots, a working queue of tasks ready to dispatch, and a
// per-destination in-flight tracker gating concurrency.
type Pusher struct {
	cfg        Config
	dial       Dialer
	locations  LocationSource
	exclusions ExclusionSet
	logger     *slog.Logger

	idle    chan *Task
	working chan *Task

	destSems sync.Map // dest (string) -> chan struct{}

	inFlightMu sync.Mutex
	inFlight   map[string]map[uint32]inFlightEntry // dest -> batch_id -> entry

	wg       sync.WaitGroup
	firstErr error
	errMu    sync.Mutex
}

// New creates a Pusher with QueueCapacity pre-allocated Task slots.
func New(cfg Config, dial Dialer, locations LocationSource, exclusions ExclusionSet, logger *slog.Logger) *Pusher {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 32
	}
	if cfg.MaxInFlightPerWorker <= 0 {
		cfg.MaxInFlightPerWorker = 8
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = 10 * time.Second
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = time.Second
	}
	p := &Pusher{
		cfg:        cfg,
		dial:       dial,
		locations:  locations,
		exclusions: exclusions,
		logger:     logger.With("component", "data_pusher"),
		idle:       make(chan *Task, cfg.QueueCapacity),
		working:    make(chan *Task, cfg.QueueCapacity),
		inFlight:   make(map[string]map[uint32]inFlightEntry),
	}
	for i := 0; i < cfg.QueueCapacity; i++ {
		p.idle <- &Task{}
	}
	return p
}

// Start launches the pusher worker goroutines that drain the working
// queue. Call once.
func (p *Pusher) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 4
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx)
	}
}

// Stop waits for every worker goroutine to exit after ctx is cancelled.
func (p *Pusher) Stop() { p.wg.Wait() }

func (p *Pusher) workerLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-p.working:
			p.dispatch(ctx, task)
		}
	}
}

// AddTask blocks waiting for an idle slot, then enqueues the push.
// callback is invoked exactly once with nil on success or a typed
// shuffleerr on terminal failure — never on a transparent retry.
func (p *Pusher) AddTask(ctx context.Context, key registry.ShuffleKey, partitionID, mapID, attemptID, batchID uint32, body []byte, callback func(error)) error {
	var task *Task
	select {
	case task = <-p.idle:
	case <-ctx.Done():
		return ctx.Err()
	}

	task.key = key
	task.partitionID = partitionID
	task.mapID = mapID
	task.attemptID = attemptID
	task.batchID = batchID
	task.body = body
	task.callback = callback

	select {
	case p.working <- task:
		return nil
	case <-ctx.Done():
		task.reset()
		p.idle <- task
		return ctx.Err()
	}
}

// WaitOnTermination drains the working queue, then waits until every
// Task slot has returned to idle, and rethrows the first terminal error
// observed by any task. Polls until drained, bounded by the caller's
// context rather than a fixed internal deadline.
func (p *Pusher) WaitOnTermination(ctx context.Context) error {
	for {
		if len(p.working) == 0 && len(p.idle) == cap(p.idle) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.firstErr
}

func (p *Pusher) destSem(dest string) chan struct{} {
	v, _ := p.destSems.LoadOrStore(dest, make(chan struct{}, p.cfg.MaxInFlightPerWorker))
	return v.(chan struct{})
}

func (p *Pusher) registerInFlight(dest string, task *Task) {
	p.inFlightMu.Lock()
	defer p.inFlightMu.Unlock()
	m, ok := p.inFlight[dest]
	if !ok {
		m = make(map[uint32]inFlightEntry)
		p.inFlight[dest] = m
	}
	m[task.batchID] = inFlightEntry{startedAt: time.Now(), task: task}
}

func (p *Pusher) unregisterInFlight(dest string, task *Task) {
	p.inFlightMu.Lock()
	defer p.inFlightMu.Unlock()
	if m, ok := p.inFlight[dest]; ok {
		delete(m, task.batchID)
		if len(m) == 0 {
			delete(p.inFlight, dest)
		}
	}
}

// InFlightCount returns the number of batches currently outstanding
// against dest, for tests and observability.
func (p *Pusher) InFlightCount(dest string) int {
	p.inFlightMu.Lock()
	defer p.inFlightMu.Unlock()
	return len(p.inFlight[dest])
}

// dispatch resolves task's destination, acquires an in-flight slot for
// it (blocking up to MaxInFlightPerWorker concurrent pushes), and sends
// it in its own goroutine so the worker loop keeps draining the working
// queue for other destinations.
func (p *Pusher) dispatch(ctx context.Context, task *Task) {
	pair, err := p.locations.Resolve(ctx, task.key, task.partitionID)
	if err != nil {
		p.fail(task, shuffleerr.Wrap(shuffleerr.KindStageEnd, "resolving partition location", err))
		return
	}

	loc := pair.Primary
	if task.preferReplica && pair.Replica != nil {
		loc = *pair.Replica
	}
	dest := fmt.Sprintf("%s:%d", loc.Host, loc.PushPort)
	sem := p.destSem(dest)

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		p.fail(task, shuffleerr.Wrap(shuffleerr.KindPushDataTimeout, "waiting for in-flight slot", ctx.Err()))
		return
	}

	p.registerInFlight(dest, task)
	go p.send(ctx, dest, sem, loc, task)
}

func (p *Pusher) send(ctx context.Context, dest string, sem chan struct{}, loc registry.Location, task *Task) {
	// finish frees the in-flight slot. It runs before the outcome is
	// handled: succeed and fail reset the task, clearing the batch id its
	// in-flight entry is keyed by, and the callback may run right away.
	finish := func() {
		<-sem
		p.unregisterInFlight(dest, task)
	}

	client, err := p.dial(loc.Host, loc.PushPort)
	if err != nil {
		finish()
		p.retryOrFail(ctx, task, dest, shuffleerr.Wrap(shuffleerr.KindPushDataConnectionFail, "dialing worker", err))
		return
	}

	pushCtx, cancel := context.WithTimeout(ctx, p.cfg.PushTimeout)
	defer cancel()

	req := wire.PushData{
		ShuffleKey:          task.key.String(),
		PartitionLocationID: loc.LocationID,
		Epoch:               loc.Epoch,
		MapID:               task.mapID,
		AttemptID:           task.attemptID,
		BatchID:             task.batchID,
		Codec:               p.cfg.Codec,
		Body:                task.body,
	}

	ack, err := client.Push(pushCtx, req)
	finish()
	if err != nil {
		kind := shuffleerr.KindPushDataConnectionFail
		if pushCtx.Err() != nil {
			kind = shuffleerr.KindPushDataTimeout
		}
		p.retryOrFail(ctx, task, dest, shuffleerr.Wrap(kind, "push rpc failed", err))
		return
	}
	switch ack.Status {
	case wire.StatusSuccess:
		p.succeed(task)
	case wire.StatusSoftSplit:
		// The batch was stored; the split only affects where the next
		// one should go. The following dispatch re-resolves the
		// partition and naturally picks up the bumped epoch.
		p.logger.Info("partition soft split, next batches target the new epoch", "partition", task.partitionID)
		p.succeed(task)
	default:
		p.retryOrFail(ctx, task, dest, statusError(ack.Status))
	}
}

// statusError maps a non-success ack status to the shuffleerr kind the
// retry policy reasons about.
func statusError(status byte) error {
	switch status {
	case wire.StatusCongestControl:
		return shuffleerr.New(shuffleerr.KindPushDataCongestControl, "worker congested")
	case wire.StatusPausePush:
		return shuffleerr.New(shuffleerr.KindPushDataCongestControl, "worker paused for memory pressure")
	case wire.StatusStageEnd:
		return shuffleerr.New(shuffleerr.KindStageEnd, "shuffle stage already ended")
	case wire.StatusHardSplit:
		return shuffleerr.New(shuffleerr.KindHardSplit, "partition hard split, epoch bumped")
	case wire.StatusEpochStale, wire.StatusPartitionUnknown:
		return shuffleerr.New(shuffleerr.KindSlotsUnavailable, fmt.Sprintf("location no longer valid (status %d)", status))
	case wire.StatusPushDataFailReplica:
		return shuffleerr.New(shuffleerr.KindPushDataWriteFailReplica, "replica write failed")
	default:
		return shuffleerr.New(shuffleerr.KindPushDataWriteFailPrimary, fmt.Sprintf("worker returned status %d", status))
	}
}

// retryOrFail excludes the destination that just failed, switches to the
// replica when the failure kind warrants it, and re-enqueues up to
// MaxRetries times before giving up.
func (p *Pusher) retryOrFail(ctx context.Context, task *Task, dest string, cause error) {
	kind := shuffleerr.KindOf(cause)

	// Only endpoint-level failures taint the destination; a split or
	// congestion ack is the worker doing its job, not a sick worker.
	if p.exclusions != nil && shuffleerr.AlternatesReplica(kind) {
		p.exclusions.Exclude(dest)
	}

	task.attempt++
	if task.attempt > p.cfg.MaxRetries || !shuffleerr.Retryable(kind) {
		p.fail(task, cause)
		return
	}
	if shuffleerr.AlternatesReplica(kind) {
		task.preferReplica = true
	}

	p.logger.Warn("push failed, retrying", "attempt", task.attempt, "kind", kind, "error", cause)

	select {
	case <-time.After(p.cfg.RetryWait):
	case <-ctx.Done():
		p.fail(task, ctx.Err())
		return
	}

	select {
	case p.working <- task:
	case <-ctx.Done():
		p.fail(task, ctx.Err())
	}
}

func (p *Pusher) succeed(task *Task) {
	if task.callback != nil {
		task.callback(nil)
	}
	p.release(task)
}

func (p *Pusher) fail(task *Task, err error) {
	if task.callback != nil {
		task.callback(err)
	}
	p.recordFirstErr(err)
	p.release(task)
}

func (p *Pusher) release(task *Task) {
	task.reset()
	p.idle <- task
}

func (p *Pusher) recordFirstErr(err error) {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	if p.firstErr == nil {
		p.firstErr = err
	}
}
