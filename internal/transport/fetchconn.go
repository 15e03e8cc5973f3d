// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/shufflerd/shufflerd/internal/wire"
)

// FetchConn is a client-side connection to a worker's fetch listener. It
// satisfies inputstream.FetchClient: one OpenStream, then an unbounded
// number of Next/AddCredit calls until the stream drains.
type FetchConn struct {
	conn net.Conn
	r    *bufio.Reader
	mu   sync.Mutex

	streamID string
}

// DialFetch opens a new fetch connection to addr. It does not send
// OpenStream yet — inputstream.Reader calls OpenStream itself once it
// has resolved the request for this location.
func DialFetch(addr string, tlsCfg *tls.Config, timeout time.Duration) (*FetchConn, error) {
	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: timeout}, "tcp", addr, tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing fetch %s: %w", addr, err)
	}
	return NewFetchConn(conn), nil
}

// NewFetchConn wraps an already-open connection.
func NewFetchConn(conn net.Conn) *FetchConn {
	return &FetchConn{conn: conn, r: bufio.NewReader(conn)}
}

func (c *FetchConn) OpenStream(ctx context.Context, req wire.OpenStream) (wire.StreamHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
	}
	if err := wire.WriteOpenStream(c.conn, &req); err != nil {
		return wire.StreamHandle{}, fmt.Errorf("transport: writing open stream: %w", err)
	}
	handle, err := wire.ReadStreamHandle(c.r)
	if err != nil {
		return wire.StreamHandle{}, fmt.Errorf("transport: reading stream handle: %w", err)
	}
	c.streamID = handle.StreamID
	return *handle, nil
}

// Next blocks for the next chunk the server pushes; the server begins
// streaming chunks unprompted as soon as OpenStream's handle is sent, so
// this is a plain framed read, not a request/response round trip.
func (c *FetchConn) Next(ctx context.Context, streamID string) (wire.ChunkData, error) {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(deadline)
	}
	chunk, err := wire.ReadChunkData(c.r)
	if err != nil {
		return wire.ChunkData{}, err
	}
	return *chunk, nil
}

// AddCredit is a one-way replenishment message; no response is read.
func (c *FetchConn) AddCredit(req wire.ReadAddCredit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := wire.WriteReadAddCredit(c.conn, &req); err != nil {
		return fmt.Errorf("transport: writing add credit: %w", err)
	}
	return nil
}

// Close closes the underlying connection. streamID is accepted to match
// inputstream.FetchClient's method set; one connection serves exactly
// one stream so the id itself is not needed to find what to close.
func (c *FetchConn) Close(streamID string) {
	c.conn.Close()
}
