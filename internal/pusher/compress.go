// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package pusher

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/shufflerd/shufflerd/internal/wire"
)

// Compressor shrinks a batch payload with the configured codec before it
// is framed and pushed; the Input Stream's Decompressor is its mirror.
type Compressor interface {
	Compress(codec wire.CompressionCode, payload []byte) ([]byte, error)
}

// codecCompressor dispatches to pgzip or zstd depending on the shuffle's
// configured codec byte. The zstd encoder is reused across calls.
type codecCompressor struct {
	zstdEncoder *zstd.Encoder
}

// NewCompressor builds the default Compressor.
func NewCompressor() (Compressor, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("pusher: building zstd encoder: %w", err)
	}
	return &codecCompressor{zstdEncoder: enc}, nil
}

func (c *codecCompressor) Compress(codec wire.CompressionCode, payload []byte) ([]byte, error) {
	switch codec {
	case wire.CompressionNone:
		return payload, nil
	case wire.CompressionGzip:
		var buf bytes.Buffer
		w := pgzip.NewWriter(&buf)
		if _, err := w.Write(payload); err != nil {
			return nil, fmt.Errorf("pusher: writing pgzip stream: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("pusher: closing pgzip stream: %w", err)
		}
		return buf.Bytes(), nil
	case wire.CompressionZstd:
		return c.zstdEncoder.EncodeAll(payload, nil), nil
	default:
		return nil, fmt.Errorf("pusher: unknown compression code %d", codec)
	}
}
