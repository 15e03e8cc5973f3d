// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package inputstream

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/shufflerd/shufflerd/internal/wire"
)

// Decompressor expands a batch payload compressed with codec. Reader
// never special-cases compression itself; it always goes through this
// interface, including for the commit-metadata batch's payload.
type Decompressor interface {
	Decompress(codec wire.CompressionCode, payload []byte) ([]byte, error)
}

// codecDecompressor dispatches to pgzip or zstd depending on the batch's
// codec byte. A single zstd.Decoder is reused across calls; pgzip readers
// are cheap enough to open per batch.
type codecDecompressor struct {
	zstdDecoder *zstd.Decoder
}

// NewDecompressor builds the default Decompressor.
func NewDecompressor() (Decompressor, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("inputstream: building zstd decoder: %w", err)
	}
	return &codecDecompressor{zstdDecoder: dec}, nil
}

func (d *codecDecompressor) Decompress(codec wire.CompressionCode, payload []byte) ([]byte, error) {
	switch codec {
	case wire.CompressionNone:
		return payload, nil
	case wire.CompressionGzip:
		r, err := pgzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("inputstream: opening pgzip reader: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("inputstream: reading pgzip stream: %w", err)
		}
		return out, nil
	case wire.CompressionZstd:
		out, err := d.zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("inputstream: decoding zstd frame: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("inputstream: unknown compression code %d", codec)
	}
}
