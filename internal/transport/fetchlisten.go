// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/shufflerd/shufflerd/internal/fetchserver"
	"github.com/shufflerd/shufflerd/internal/wire"
)

// ServeFetch runs the accept loop for a worker's fetch listener. Each
// connection opens exactly one stream: after the OpenStream/StreamHandle
// exchange, a writer loop pushes chunks unprompted while a reader
// goroutine drains ReadAddCredit frames concurrently, matching the
// push-handler listener's accept-loop-with-backoff shape.
func ServeFetch(ctx context.Context, ln net.Listener, server *fetchserver.Server, logger *slog.Logger) error {
	logger = logger.With("component", "fetch_listener")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	consecutiveErrors := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			consecutiveErrors++
			logger.Error("accepting fetch connection", "error", err, "consecutive_errors", consecutiveErrors)
			if consecutiveErrors > 5 {
				delay := time.Duration(consecutiveErrors) * 100 * time.Millisecond
				if delay > 5*time.Second {
					delay = 5 * time.Second
				}
				time.Sleep(delay)
			}
			continue
		}
		consecutiveErrors = 0
		go handleFetchConn(ctx, server, conn, logger)
	}
}

func handleFetchConn(ctx context.Context, server *fetchserver.Server, conn net.Conn, logger *slog.Logger) {
	defer conn.Close()
	logger = logger.With("remote", conn.RemoteAddr().String())
	r := bufio.NewReader(conn)

	req, err := wire.ReadOpenStream(r)
	if err != nil {
		logger.Warn("reading open stream", "error", err)
		return
	}
	handle, err := server.OpenStream(ctx, *req)
	if err != nil {
		logger.Warn("opening stream", "error", err)
		return
	}
	if err := wire.WriteStreamHandle(conn, &handle); err != nil {
		logger.Warn("writing stream handle", "error", err)
		return
	}
	if handle.NumChunks == 0 {
		return
	}

	creditErrCh := make(chan error, 1)
	go func() {
		for {
			creditReq, err := wire.ReadReadAddCredit(r)
			if err != nil {
				creditErrCh <- err
				return
			}
			if err := server.AddCredit(*creditReq); err != nil {
				logger.Debug("add credit failed", "error", err)
			}
		}
	}()

	for {
		chunk, err := server.Next(ctx, handle.StreamID)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("stream ended", "error", err)
				return
			}
			// The stream drained. Keep reading the client's trailing
			// credit frames until it hangs up, so its last AddCredit
			// does not land on a closed connection.
			select {
			case <-creditErrCh:
			case <-ctx.Done():
			}
			return
		}
		if err := wire.WriteChunkData(conn, &chunk); err != nil {
			logger.Warn("writing chunk data", "error", err)
			server.Close(handle.StreamID)
			return
		}
	}
}
