// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package membuf implements the shuffle worker's buffer pool: a bounded
// set of composite byte buffers, each a concatenation of small fixed-size
// slabs so a single write can gather many incoming batches before a flush.
package membuf

import (
	"sync/atomic"
	"time"

	"github.com/shufflerd/shufflerd/internal/shuffleerr"
)

// Tracker is the subset of the memory tracker's API the pool needs to
// credit and debit the netty-direct counter as slabs move in and out of
// circulation. Kept as an interface (rather than importing memtrack
// directly) to avoid a package cycle — memtrack listens to pool-adjacent
// events but the pool does not need memtrack's pause/resume machinery.
type Tracker interface {
	ReserveDirect(n int64)
	ReleaseDirect(n int64)
}

type noopTracker struct{}

func (noopTracker) ReserveDirect(int64) {}
func (noopTracker) ReleaseDirect(int64) {}

// Pool is a bounded pool of fixed-size slabs, handed out in groups to form
// composite Buffers: a channel of slots with select+time.After
// backpressure on acquire, and a drain-free non-blocking return path on
// release.
type Pool struct {
	slabSize int
	free     chan []byte
	tracker  Tracker

	totalAcquired atomic.Int64
	totalReleased atomic.Int64
	exhaustedHits atomic.Int64
}

// NewPool creates a pool of numSlabs buffers of slabSize bytes each. If
// tracker is nil, accounting calls are no-ops (useful in tests).
func NewPool(numSlabs, slabSize int, tracker Tracker) *Pool {
	if tracker == nil {
		tracker = noopTracker{}
	}
	p := &Pool{
		slabSize: slabSize,
		free:     make(chan []byte, numSlabs),
		tracker:  tracker,
	}
	for i := 0; i < numSlabs; i++ {
		p.free <- make([]byte, 0, slabSize)
	}
	return p
}

// SlabSize returns the fixed slab size this pool hands out.
func (p *Pool) SlabSize() int { return p.slabSize }

// Close drains the pool; subsequent Acquire calls fail fast once the
// channel is empty and closed.
func (p *Pool) Close() {
	close(p.free)
}

// acquireSlab blocks up to timeout for one free slab.
func (p *Pool) acquireSlab(timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		select {
		case slab, ok := <-p.free:
			if !ok {
				return nil, shuffleerr.New(shuffleerr.KindBufferExhausted, "pool closed")
			}
			p.totalAcquired.Add(1)
			p.tracker.ReserveDirect(int64(cap(slab)))
			return slab[:0], nil
		default:
			p.exhaustedHits.Add(1)
			return nil, shuffleerr.New(shuffleerr.KindBufferExhausted, "no slabs available")
		}
	}

	select {
	case slab, ok := <-p.free:
		if !ok {
			return nil, shuffleerr.New(shuffleerr.KindBufferExhausted, "pool closed")
		}
		p.totalAcquired.Add(1)
		p.tracker.ReserveDirect(int64(cap(slab)))
		return slab[:0], nil
	case <-time.After(timeout):
		p.exhaustedHits.Add(1)
		return nil, shuffleerr.New(shuffleerr.KindBufferExhausted, "timed out waiting for a slab")
	}
}

func (p *Pool) releaseSlab(slab []byte) {
	p.tracker.ReleaseDirect(int64(cap(slab)))
	p.totalReleased.Add(1)
	// Non-blocking: the channel's capacity equals the total slab count
	// minted at NewPool, so a release can never overflow it unless a
	// caller double-releases — guard with a select rather than panic.
	select {
	case p.free <- slab[:0]:
	default:
	}
}

// Acquire reserves a fresh composite Buffer backed by one slab, blocking
// up to timeout for availability. Additional slabs are pulled in on
// demand as the buffer grows past its current capacity.
func (p *Pool) Acquire(timeout time.Duration) (*Buffer, error) {
	slab, err := p.acquireSlab(timeout)
	if err != nil {
		return nil, err
	}
	return &Buffer{pool: p, slabs: [][]byte{slab}, growTimeout: timeout}, nil
}

// Release returns every slab owned by buf to the pool and credits the
// bytes back to the tracker. The buffer must not be used afterwards.
func (p *Pool) Release(buf *Buffer) {
	if buf == nil {
		return
	}
	for _, s := range buf.slabs {
		p.releaseSlab(s)
	}
	buf.slabs = nil
}

// Stats is a point-in-time snapshot of pool usage.
type Stats struct {
	Free          int
	TotalAcquired int64
	TotalReleased int64
	ExhaustedHits int64
}

// Stats returns a snapshot of the pool's current state.
func (p *Pool) Stats() Stats {
	return Stats{
		Free:          len(p.free),
		TotalAcquired: p.totalAcquired.Load(),
		TotalReleased: p.totalReleased.Load(),
		ExhaustedHits: p.exhaustedHits.Load(),
	}
}

// Buffer is a composite, growable byte buffer made of slabs drawn from a
// Pool. It is single-writer: the File Writer appends to it until it's
// handed to the Flusher.
type Buffer struct {
	pool        *Pool
	slabs       [][]byte
	growTimeout time.Duration
}

// Append writes p into the buffer, pulling additional slabs from the pool
// as needed. Returns shuffleerr BufferExhausted if growth times out.
func (b *Buffer) Append(p []byte) error {
	for len(p) > 0 {
		idx := len(b.slabs) - 1
		last := b.slabs[idx]
		room := cap(last) - len(last)
		if room == 0 {
			slab, err := b.pool.acquireSlab(b.growTimeout)
			if err != nil {
				return err
			}
			b.slabs = append(b.slabs, slab)
			idx = len(b.slabs) - 1
			last = slab
			room = cap(last)
		}
		n := len(p)
		if n > room {
			n = room
		}
		b.slabs[idx] = append(last, p[:n]...)
		p = p[n:]
	}
	return nil
}

// Len returns the total number of bytes currently held across all slabs.
func (b *Buffer) Len() int64 {
	var n int64
	for _, s := range b.slabs {
		n += int64(len(s))
	}
	return n
}

// Components returns the buffer's slabs for a vectored write. Callers
// must not retain the returned slices past Release.
func (b *Buffer) Components() [][]byte {
	return b.slabs
}
