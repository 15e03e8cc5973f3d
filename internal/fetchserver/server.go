// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package fetchserver implements the Fetch/Chunk Server: credit-gated
// streaming of a finalized (or still-Accepting) partition file's chunks
// to a reader. A per-stream credit counter gates how much can be in
// flight at once, signalled rather than polled, with per-stream
// bookkeeping tracking one reader's progress through a file.
package fetchserver

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shufflerd/shufflerd/internal/partitionfile"
	"github.com/shufflerd/shufflerd/internal/shuffleerr"
	"github.com/shufflerd/shufflerd/internal/wire"
)

// FileProvider is whatever backs one (shuffle_key, file_name) on this
// worker — in practice a *partitionfile.Writer, kept as an interface so
// this package does not need to know how the writer was constructed or
// whether it is still Accepting.
type FileProvider interface {
	Path() string
	ChunkIndexSnapshot() partitionfile.ChunkIndex
	Bitmap() *partitionfile.Bitmap
}

// FileLookup resolves a (shuffle_key, file_name) pair to its FileProvider.
type FileLookup func(shuffleKey, fileName string) (FileProvider, error)

// Config bundles the server's tunables.
type Config struct {
	// StreamIdleTimeout closes a stream that receives neither a
	// ReadAddCredit nor a chunk pull for this long.
	StreamIdleTimeout time.Duration
}

// Server is the Fetch/Chunk Server. One instance is shared by every
// fetch connection on a worker.
type Server struct {
	cfg     Config
	lookup  FileLookup
	logger  *slog.Logger
	streams sync.Map // streamID (string) -> *stream
}

// New creates a Server.
func New(cfg Config, lookup FileLookup, logger *slog.Logger) *Server {
	if cfg.StreamIdleTimeout <= 0 {
		cfg.StreamIdleTimeout = 60 * time.Second
	}
	return &Server{cfg: cfg, lookup: lookup, logger: logger.With("component", "fetch_server")}
}

// stream is one open reader's walk through a file's chunk index.
type stream struct {
	id   string
	file *os.File

	mu           sync.Mutex
	offsets      []int64
	nextChunk    int
	credit       int64
	closed       bool
	lastActivity time.Time

	creditSignal chan struct{}
}

func (s *stream) addCredit(n uint32) {
	s.mu.Lock()
	s.credit += int64(n)
	s.lastActivity = time.Now()
	s.mu.Unlock()
	select {
	case s.creditSignal <- struct{}{}:
	default:
	}
}

func (s *stream) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity)
}

// next blocks until either a chunk can be sent (remaining chunks and
// credit both positive) or ctx is cancelled. Returns io.EOF once every
// chunk has been sent.
func (s *stream) next(ctx context.Context) (wire.ChunkData, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return wire.ChunkData{}, shuffleerr.New(shuffleerr.KindFetchFail, "stream closed")
		}
		if s.nextChunk >= len(s.offsets)-1 {
			s.mu.Unlock()
			return wire.ChunkData{}, io.EOF
		}
		if s.credit <= 0 {
			s.mu.Unlock()
			select {
			case <-s.creditSignal:
				continue
			case <-ctx.Done():
				return wire.ChunkData{}, ctx.Err()
			}
		}

		idx := s.nextChunk
		start := s.offsets[idx]
		end := s.offsets[idx+1]
		s.nextChunk++
		s.credit--
		s.lastActivity = time.Now()
		s.mu.Unlock()

		buf := make([]byte, end-start)
		if _, err := s.file.ReadAt(buf, start); err != nil && err != io.EOF {
			return wire.ChunkData{}, shuffleerr.Wrap(shuffleerr.KindFetchFail, "reading chunk", err)
		}

		backlog := len(s.offsets) - 2 - idx
		if backlog < 0 {
			backlog = 0
		}
		return wire.ChunkData{
			StreamID:   s.id,
			ChunkIndex: uint32(idx),
			Backlog:    uint32(backlog),
			Offset:     uint64(start),
			Payload:    buf,
		}, nil
	}
}

func (s *stream) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.file.Close()
}

// OpenStream implements the fetch protocol's open call. If the file's map
// bitmap has no overlap with [req.StartMap, req.EndMap), it returns a
// zero-chunk handle with no stream registered — there is nothing this
// worker can contribute to the reader's fetch plan for this file.
func (s *Server) OpenStream(ctx context.Context, req wire.OpenStream) (wire.StreamHandle, error) {
	provider, err := s.lookup(req.ShuffleKey, req.FileName)
	if err != nil {
		return wire.StreamHandle{}, shuffleerr.Wrap(shuffleerr.KindFetchFail, "resolving file", err)
	}

	if !provider.Bitmap().Intersects(req.StartMap, req.EndMap) {
		return wire.StreamHandle{NumChunks: 0}, nil
	}

	idx := provider.ChunkIndexSnapshot()
	f, err := os.Open(provider.Path())
	if err != nil {
		return wire.StreamHandle{}, shuffleerr.Wrap(shuffleerr.KindFetchFail, "opening file", err)
	}

	numChunks := 0
	if len(idx.Offsets) > 0 {
		numChunks = len(idx.Offsets) - 1
	}
	if numChunks == 0 {
		// Nothing flushed yet: no stream to register, no fd to hold.
		f.Close()
		return wire.StreamHandle{NumChunks: 0}, nil
	}

	st := &stream{
		id:           uuid.NewString(),
		file:         f,
		offsets:      idx.Offsets,
		credit:       int64(req.InitialCredit),
		lastActivity: time.Now(),
		creditSignal: make(chan struct{}, 1),
	}
	s.streams.Store(st.id, st)
	offsets := make([]uint64, len(idx.Offsets))
	for i, o := range idx.Offsets {
		offsets[i] = uint64(o)
	}

	s.logger.Debug("stream opened", "stream_id", st.id, "file", req.FileName, "num_chunks", numChunks)
	return wire.StreamHandle{StreamID: st.id, NumChunks: uint32(numChunks), ChunkOffsets: offsets}, nil
}

// AddCredit implements ReadAddCredit: a one-way credit replenishment
// that unblocks a pending Next call.
func (s *Server) AddCredit(req wire.ReadAddCredit) error {
	v, ok := s.streams.Load(req.StreamID)
	if !ok {
		return shuffleerr.New(shuffleerr.KindFetchFail, "add credit on unknown stream "+req.StreamID)
	}
	v.(*stream).addCredit(req.Credit)
	return nil
}

// Next returns the stream's next chunk, blocking on available credit.
// Returns io.EOF (and releases the stream) once every chunk has been
// delivered.
func (s *Server) Next(ctx context.Context, streamID string) (wire.ChunkData, error) {
	v, ok := s.streams.Load(streamID)
	if !ok {
		return wire.ChunkData{}, shuffleerr.New(shuffleerr.KindFetchFail, "unknown stream "+streamID)
	}
	st := v.(*stream)
	cd, err := st.next(ctx)
	if err == io.EOF {
		s.Close(streamID)
	}
	return cd, err
}

// Close releases a stream's file descriptor, whether because the reader
// disconnected, the stream drained, or the idle reaper timed it out.
func (s *Server) Close(streamID string) {
	v, ok := s.streams.LoadAndDelete(streamID)
	if !ok {
		return
	}
	v.(*stream).close()
}

// Run periodically closes streams that have seen neither a credit top-up
// nor a chunk pull for longer than StreamIdleTimeout, returning
// abandoned file descriptors without waiting for the reader to hang up
// cleanly.
func (s *Server) Run(ctx context.Context, tick time.Duration) {
	if tick <= 0 {
		tick = 5 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return
		case now := <-ticker.C:
			s.reapIdle(now)
		}
	}
}

func (s *Server) reapIdle(now time.Time) {
	var stale []string
	s.streams.Range(func(key, value any) bool {
		st := value.(*stream)
		if st.idleSince(now) > s.cfg.StreamIdleTimeout {
			stale = append(stale, key.(string))
		}
		return true
	})
	for _, id := range stale {
		s.logger.Info("closing idle fetch stream", "stream_id", id)
		s.Close(id)
	}
}

func (s *Server) closeAll() {
	s.streams.Range(func(key, value any) bool {
		value.(*stream).close()
		s.streams.Delete(key)
		return true
	})
}

// StreamCount returns the number of currently open streams, for tests
// and observability.
func (s *Server) StreamCount() int {
	n := 0
	s.streams.Range(func(_, _ any) bool { n++; return true })
	return n
}

// StaticProvider backs a file that no live Writer owns anymore — one
// restored from cold storage, or re-opened after a worker restart with
// its index rebuilt by partitionfile.Scan.
type StaticProvider struct {
	path   string
	index  partitionfile.ChunkIndex
	bitmap *partitionfile.Bitmap
}

// NewStaticProvider builds a FileProvider over a fixed path, index, and
// bitmap.
func NewStaticProvider(path string, index partitionfile.ChunkIndex, bitmap *partitionfile.Bitmap) *StaticProvider {
	return &StaticProvider{path: path, index: index, bitmap: bitmap}
}

// Path implements FileProvider.
func (p *StaticProvider) Path() string { return p.path }

// ChunkIndexSnapshot implements FileProvider. The index is immutable, so
// the snapshot is the index itself.
func (p *StaticProvider) ChunkIndexSnapshot() partitionfile.ChunkIndex { return p.index }

// Bitmap implements FileProvider.
func (p *StaticProvider) Bitmap() *partitionfile.Bitmap { return p.bitmap }
