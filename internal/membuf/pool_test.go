// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package membuf

import (
	"testing"
	"time"

	"github.com/shufflerd/shufflerd/internal/shuffleerr"
)

type fakeTracker struct {
	reserved int64
	released int64
}

func (f *fakeTracker) ReserveDirect(n int64) { f.reserved += n }
func (f *fakeTracker) ReleaseDirect(n int64) { f.released += n }

func TestAcquireRelease_CreditsTracker(t *testing.T) {
	tr := &fakeTracker{}
	pool := NewPool(2, 16, tr)

	buf, err := pool.Acquire(time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if tr.reserved != 16 {
		t.Fatalf("expected 16 bytes reserved, got %d", tr.reserved)
	}

	pool.Release(buf)
	if tr.released != 16 {
		t.Fatalf("expected 16 bytes released, got %d", tr.released)
	}
	if pool.Stats().Free != 2 {
		t.Fatalf("expected pool fully free after release, got %+v", pool.Stats())
	}
}

func TestAcquire_ExhaustedReturnsBufferExhausted(t *testing.T) {
	pool := NewPool(1, 16, nil)

	buf1, err := pool.Acquire(0)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	_, err = pool.Acquire(20 * time.Millisecond)
	if shuffleerr.KindOf(err) != shuffleerr.KindBufferExhausted {
		t.Fatalf("expected BufferExhausted, got %v", err)
	}

	pool.Release(buf1)
	buf2, err := pool.Acquire(0)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	pool.Release(buf2)
}

func TestBufferAppend_GrowsAcrossSlabs(t *testing.T) {
	pool := NewPool(3, 4, nil)
	buf, err := pool.Acquire(time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if err := buf.Append([]byte("0123456789")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if buf.Len() != 10 {
		t.Fatalf("expected 10 bytes total, got %d", buf.Len())
	}
	if len(buf.Components()) < 3 {
		t.Fatalf("expected buffer to span at least 3 slabs, got %d", len(buf.Components()))
	}

	pool.Release(buf)
}

func TestBufferAppend_FailsWhenPoolExhaustedDuringGrowth(t *testing.T) {
	pool := NewPool(1, 4, nil)
	buf, err := pool.Acquire(time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	buf.growTimeout = 10 * time.Millisecond

	err = buf.Append([]byte("too many bytes for one slab"))
	if shuffleerr.KindOf(err) != shuffleerr.KindBufferExhausted {
		t.Fatalf("expected BufferExhausted while growing, got %v", err)
	}
	pool.Release(buf)
}
