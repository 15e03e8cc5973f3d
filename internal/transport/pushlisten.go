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
	"strings"
	"time"

	"github.com/shufflerd/shufflerd/internal/congestion"
	"github.com/shufflerd/shufflerd/internal/pushserver"
	"github.com/shufflerd/shufflerd/internal/wire"
)

// maxMergedSubBatch caps the declared size of one sub-batch inside a
// merged push, guarding the demux against a corrupt header the same way
// wire.ReadBatch guards a single-batch read.
const maxMergedSubBatch = 64 << 20

// ServePush runs the accept loop for a worker's push listener, dispatching
// every accepted connection's frames to handler: backoff on repeated
// Accept errors, one goroutine per connection.
func ServePush(ctx context.Context, ln net.Listener, handler *pushserver.Handler, logger *slog.Logger) error {
	logger = logger.With("component", "push_listener")

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
			logger.Error("accepting push connection", "error", err, "consecutive_errors", consecutiveErrors)
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
		go handlePushConn(ctx, handler, conn, logger)
	}
}

func handlePushConn(ctx context.Context, handler *pushserver.Handler, conn net.Conn, logger *slog.Logger) {
	defer conn.Close()
	logger = logger.With("remote", conn.RemoteAddr().String())
	r := bufio.NewReader(conn)

	for {
		magic, err := r.Peek(4)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warn("peeking push frame magic", "error", err)
			}
			return
		}

		switch string(magic) {
		case string(wire.MagicPushData[:]):
			req, err := wire.ReadPushData(r)
			if err != nil {
				logger.Warn("reading push data", "error", err)
				return
			}
			status, err := handler.HandlePushData(ctx, *req, userFor(req.ShuffleKey))
			if err != nil {
				logger.Error("handling push data", "error", err)
				return
			}
			if err := wire.WritePushAck(conn, &wire.PushAck{Status: status}); err != nil {
				logger.Warn("writing push ack", "error", err)
				return
			}
		case string(wire.MagicPushMerged[:]):
			merged, err := wire.ReadPushMergedData(r)
			if err != nil {
				logger.Warn("reading push merged data", "error", err)
				return
			}
			reqs, err := wire.DemuxMerged(merged, maxMergedSubBatch)
			if err != nil {
				logger.Warn("demuxing push merged data", "error", err)
				if werr := wire.WritePushAck(conn, &wire.PushAck{Status: wire.StatusPushDataFailWrite, Message: err.Error()}); werr != nil {
					return
				}
				continue
			}
			status, err := handler.HandlePushMergedData(ctx, reqs, userFor(merged.ShuffleKey))
			if err != nil {
				logger.Error("handling push merged data", "error", err)
				return
			}
			if err := wire.WritePushAck(conn, &wire.PushAck{Status: status}); err != nil {
				logger.Warn("writing push ack", "error", err)
				return
			}
		default:
			logger.Warn("unexpected push frame magic", "magic", string(magic))
			return
		}
	}
}

// userFor derives the congestion controller's tenant key from a push
// request's shuffle key ("app_id/shuffle_id"). Per-user authentication
// and tenant tagging belong to the compute-framework integration layer,
// out of scope here; the app id is what the worker has to work with.
func userFor(shuffleKey string) congestion.UserIdentifier {
	appID := shuffleKey
	if i := strings.IndexByte(shuffleKey, '/'); i >= 0 {
		appID = shuffleKey[:i]
	}
	return congestion.UserIdentifier{Tenant: appID}
}
