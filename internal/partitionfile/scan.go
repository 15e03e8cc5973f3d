// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package partitionfile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/shufflerd/shufflerd/internal/wire"
)

// Scan walks an existing partition file's batch frames and rebuilds the
// chunk-offset index and map-id bitmap a live Writer would have held in
// memory. Used when a file re-enters service without its Writer, such
// as one restored from cold storage after the TTL sweep removed the
// local copy. Chunk boundaries are placed at the first batch boundary at
// or past chunkTarget bytes, so every chunk stays parseable on its own.
func Scan(path string, chunkTarget int64) (ChunkIndex, *Bitmap, error) {
	f, err := os.Open(path)
	if err != nil {
		return ChunkIndex{}, nil, fmt.Errorf("scanning partition file %s: %w", path, err)
	}
	defer f.Close()

	if chunkTarget <= 0 {
		chunkTarget = 8 << 20
	}

	bitmap := newBitmap()
	offsets := []int64{0}
	r := bufio.NewReader(f)

	var pos, chunkStart int64
	for {
		h, err := wire.ReadBatchHeader(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return ChunkIndex{}, nil, fmt.Errorf("scanning partition file %s at offset %d: %w", path, pos, err)
		}
		if _, err := r.Discard(int(h.PayloadSize)); err != nil {
			return ChunkIndex{}, nil, fmt.Errorf("scanning partition file %s: truncated batch at offset %d: %w", path, pos, err)
		}
		pos += int64(wire.BatchHeaderSize) + int64(h.PayloadSize)

		if !h.IsMetadata() {
			bitmap.Add(h.MapID)
		}
		if pos-chunkStart >= chunkTarget {
			offsets = append(offsets, pos)
			chunkStart = pos
		}
	}

	if pos > chunkStart {
		offsets = append(offsets, pos)
	}
	return ChunkIndex{Offsets: offsets}, bitmap, nil
}
