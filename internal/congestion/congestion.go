// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package congestion implements the per-user and per-worker congestion
// controller: sliding-window rate accounting plus a watermark-driven
// congested/clear state machine, with rate.Limiter token buckets
// enforcing the hard caps and an explicit evaluate loop driving the
// hysteresis.
package congestion

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// UserIdentifier scopes a BufferStatusWindow to one tenant's producer.
type UserIdentifier struct {
	Tenant string
	Name   string
}

// Config holds the controller's tunables, all expressed as defaults the
// worker config layer overrides.
type Config struct {
	WindowSize        time.Duration // BufferStatusWindow span, default 10s
	HighWatermark     int64         // pending_bytes above which the worker enters congested
	LowWatermark      int64         // pending_bytes below which congested clears
	UserInactiveAfter time.Duration // evict a user's window after this much silence
	WorkerRateCap     int64         // hard worker-wide bytes/sec cap, 0 = unbounded
	UserRateCap       int64         // hard per-user bytes/sec cap, 0 = unbounded
	DelayMillis       int64         // delay_ms producers are told to sleep when congested
}

// window is a sliding accumulator of produced-bytes samples. Samples
// older than the window span are trimmed lazily on read.
type window struct {
	mu      sync.Mutex
	span    time.Duration
	samples []sample
	lastAt  time.Time
}

type sample struct {
	at    time.Time
	bytes int64
}

func newWindow(span time.Duration) *window {
	return &window{span: span}
}

func (w *window) add(now time.Time, n int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = append(w.samples, sample{at: now, bytes: n})
	w.lastAt = now
	w.trim(now)
}

// rate returns bytes/sec observed within the trailing window as of now.
func (w *window) rate(now time.Time) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.trim(now)
	var total int64
	for _, s := range w.samples {
		total += s.bytes
	}
	secs := w.span.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(total) / secs
}

func (w *window) idleSince(now time.Time) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastAt.IsZero() {
		return 0
	}
	return now.Sub(w.lastAt)
}

func (w *window) trim(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for ; i < len(w.samples); i++ {
		if w.samples[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		w.samples = append([]sample(nil), w.samples[i:]...)
	}
}

// userState tracks one user's window, hard-cap limiter, and congested
// flag. The rate.Limiter enforces the hard per-user cap independent of
// the watermark-driven soft congestion flag.
type userState struct {
	window    *window
	limiter   *rate.Limiter
	congested atomic32
}

// atomic32 is a tiny bool-ish flag without pulling in sync/atomic.Bool's
// zero-value subtleties across Go versions used elsewhere in the repo;
// kept local since only this package needs it.
type atomic32 struct {
	mu  sync.Mutex
	val bool
}

func (a *atomic32) set(v bool) { a.mu.Lock(); a.val = v; a.mu.Unlock() }
func (a *atomic32) get() bool  { a.mu.Lock(); defer a.mu.Unlock(); return a.val }

// PendingBytesSource reports the tracker's current outstanding bytes —
// satisfied by *memtrack.Tracker via its Total method.
type PendingBytesSource interface {
	Total() int64
}

// Controller is the process-wide Congestion Controller. One instance per
// worker, shared across all its push handlers.
type Controller struct {
	cfg     Config
	pending PendingBytesSource
	logger  *slog.Logger

	mu    sync.Mutex
	users map[UserIdentifier]*userState

	workerWindow  *window
	workerLimiter *rate.Limiter

	congested atomic32
}

// New creates a Controller. pending supplies the worker's current
// outstanding byte count on each evaluation tick (the Memory Tracker's
// Total()).
func New(cfg Config, pending PendingBytesSource, logger *slog.Logger) *Controller {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 10 * time.Second
	}
	var workerLimiter *rate.Limiter
	if cfg.WorkerRateCap > 0 {
		workerLimiter = rate.NewLimiter(rate.Limit(cfg.WorkerRateCap), int(cfg.WorkerRateCap))
	}
	return &Controller{
		cfg:           cfg,
		pending:       pending,
		logger:        logger.With("component", "congestion_controller"),
		users:         make(map[UserIdentifier]*userState),
		workerWindow:  newWindow(cfg.WindowSize),
		workerLimiter: workerLimiter,
	}
}

func (c *Controller) userFor(u UserIdentifier) *userState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.users[u]
	if !ok {
		var limiter *rate.Limiter
		if c.cfg.UserRateCap > 0 {
			limiter = rate.NewLimiter(rate.Limit(c.cfg.UserRateCap), int(c.cfg.UserRateCap))
		}
		st = &userState{window: newWindow(c.cfg.WindowSize), limiter: limiter}
		c.users[u] = st
	}
	return st
}

// Decision is what a push handler does with an arriving batch for user
// u, computed by ProducedBytes.
type Decision struct {
	Congested bool
	// Hard is true when a rate cap was exceeded (reject with
	// CONGEST_CONTROL), false when only the watermark-driven soft flag is
	// set (handler should sleep DelayMs and proceed).
	Hard    bool
	DelayMs int64
}

// ProducedBytes records n produced bytes for user u at time now and
// evaluates whether u should be told to back off. The hard per-user and
// worker-wide caps always apply, regardless of watermark state.
func (c *Controller) ProducedBytes(u UserIdentifier, n int64, now time.Time) Decision {
	st := c.userFor(u)
	st.window.add(now, n)
	c.workerWindow.add(now, n)

	if st.limiter != nil && !st.limiter.AllowN(now, int(n)) {
		return Decision{Congested: true, Hard: true, DelayMs: c.cfg.DelayMillis}
	}
	if c.workerLimiter != nil && !c.workerLimiter.AllowN(now, int(n)) {
		return Decision{Congested: true, Hard: true, DelayMs: c.cfg.DelayMillis}
	}
	if st.congested.get() {
		return Decision{Congested: true, DelayMs: c.cfg.DelayMillis}
	}
	return Decision{}
}

// ConsumedBytes records n bytes flushed or shipped out. Tracked on the
// worker window only, never on a user's window; Evaluate compares user
// windows, so these samples do not change which users are flagged.
func (c *Controller) ConsumedBytes(n int64, now time.Time) {
	c.workerWindow.add(now, -n)
}

// Evaluate runs one congestion-detection tick of the hysteresis state
// machine: explicit states, one watermark comparison per transition, no
// implicit carry-over between ticks beyond the congested flag itself.
func (c *Controller) Evaluate(now time.Time) {
	pendingBytes := c.pending.Total()

	if !c.congested.get() {
		if pendingBytes > c.cfg.HighWatermark {
			c.congested.set(true)
			c.logger.Warn("worker entering congested state", "pending_bytes", pendingBytes, "high_watermark", c.cfg.HighWatermark)
		} else {
			return
		}
	}

	if pendingBytes < c.cfg.LowWatermark {
		c.congested.set(false)
		c.clearAllUsers()
		c.logger.Info("worker congestion cleared", "pending_bytes", pendingBytes, "low_watermark", c.cfg.LowWatermark)
		return
	}

	c.flagAboveAverageUsers(now)
	c.evictInactiveUsers(now)
}

func (c *Controller) flagAboveAverageUsers(now time.Time) {
	c.mu.Lock()
	users := make(map[UserIdentifier]*userState, len(c.users))
	for k, v := range c.users {
		users[k] = v
	}
	c.mu.Unlock()

	if len(users) == 0 {
		return
	}

	var total float64
	rates := make(map[UserIdentifier]float64, len(users))
	for u, st := range users {
		r := st.window.rate(now)
		rates[u] = r
		total += r
	}
	average := total / float64(len(users))

	for u, st := range users {
		if rates[u] > average {
			if !st.congested.get() {
				c.logger.Info("user flagged congested", "user", u, "rate_bps", rates[u], "average_bps", average)
			}
			st.congested.set(true)
		} else {
			st.congested.set(false)
		}
	}
}

func (c *Controller) clearAllUsers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, st := range c.users {
		st.congested.set(false)
	}
}

func (c *Controller) evictInactiveUsers(now time.Time) {
	if c.cfg.UserInactiveAfter <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for u, st := range c.users {
		if st.window.idleSince(now) > c.cfg.UserInactiveAfter {
			delete(c.users, u)
		}
	}
}

// Run periodically calls Evaluate until ctx is cancelled.
func (c *Controller) Run(ctx context.Context, tick time.Duration) {
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.Evaluate(now)
		}
	}
}

// IsCongested reports whether the worker as a whole is currently
// congested (independent of any one user's flag).
func (c *Controller) IsCongested() bool {
	return c.congested.get()
}

// UserCount returns the number of users currently tracked, for tests and
// observability.
func (c *Controller) UserCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.users)
}
