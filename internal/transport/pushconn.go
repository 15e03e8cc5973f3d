// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package transport wires internal/wire's frames onto real TCP+TLS
// connections: dialers satisfying pusher.Client, pushserver.ReplicaClient
// and inputstream.FetchClient, and listeners driving pushserver.Handler
// and fetchserver.Server from accepted connections, dispatching frames
// by their magic bytes over internal/pki's TLS listen/dial helpers.
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

// PushConn is a client-side connection to a worker's push listener. It
// satisfies both pusher.Client (Push) and pushserver.ReplicaClient
// (ForwardPush) since a replica fork is, on the wire, exactly one more
// PushData/PushAck round trip.
type PushConn struct {
	conn net.Conn
	r    *bufio.Reader
	mu   sync.Mutex
}

// DialPush opens a new push connection to addr.
func DialPush(addr string, tlsCfg *tls.Config, timeout time.Duration) (*PushConn, error) {
	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: timeout}, "tcp", addr, tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing push %s: %w", addr, err)
	}
	return NewPushConn(conn), nil
}

// NewPushConn wraps an already-open connection. Exported so tests (and a
// future connection pool) can hand it a net.Pipe or a plain TCP conn.
func NewPushConn(conn net.Conn) *PushConn {
	return &PushConn{conn: conn, r: bufio.NewReader(conn)}
}

// Push sends req and waits for the ack, one outstanding request at a
// time per connection — the protocol is a strict request/response RPC,
// not a pipelined one.
func (c *PushConn) Push(ctx context.Context, req wire.PushData) (wire.PushAck, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
	} else {
		c.conn.SetDeadline(time.Time{})
	}

	if err := wire.WritePushData(c.conn, &req); err != nil {
		return wire.PushAck{}, fmt.Errorf("transport: writing push data: %w", err)
	}
	ack, err := wire.ReadPushAck(c.r)
	if err != nil {
		return wire.PushAck{}, fmt.Errorf("transport: reading push ack: %w", err)
	}
	return *ack, nil
}

// PushMerged sends a merged multi-batch frame and waits for the single
// ack covering every batch in it, under the same one-outstanding-request
// discipline as Push.
func (c *PushConn) PushMerged(ctx context.Context, req wire.PushMergedData) (wire.PushAck, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
	} else {
		c.conn.SetDeadline(time.Time{})
	}

	if err := wire.WritePushMergedData(c.conn, &req); err != nil {
		return wire.PushAck{}, fmt.Errorf("transport: writing push merged data: %w", err)
	}
	ack, err := wire.ReadPushAck(c.r)
	if err != nil {
		return wire.PushAck{}, fmt.Errorf("transport: reading push ack: %w", err)
	}
	return *ack, nil
}

// ForwardPush implements pushserver.ReplicaClient; it is the same
// request/response exchange as Push, used when a primary forks a batch
// to its replica's push listener.
func (c *PushConn) ForwardPush(ctx context.Context, req wire.PushData) (wire.PushAck, error) {
	return c.Push(ctx, req)
}

// Close closes the underlying connection.
func (c *PushConn) Close() error {
	return c.conn.Close()
}
