// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// MetadataBatchID is the reserved batch_id carrying a per-map
// CommitMetadata digest instead of user bytes.
const MetadataBatchID uint32 = 0xFFFFFFFE

// BatchHeaderSize is the on-disk/on-wire size of a BatchHeader, little-endian.
const BatchHeaderSize = 16

// BatchHeader is the fixed-size header preceding every batch payload, both
// on disk and on the wire: map_id, attempt_id, batch_id, payload_size.
type BatchHeader struct {
	MapID       uint32
	AttemptID   uint32
	BatchID     uint32
	PayloadSize uint32
}

// IsMetadata reports whether this header introduces a CommitMetadata batch
// rather than user payload.
func (h BatchHeader) IsMetadata() bool { return h.BatchID == MetadataBatchID }

// WriteBatchHeader writes the little-endian batch header.
func WriteBatchHeader(w io.Writer, h BatchHeader) error {
	var buf [BatchHeaderSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], h.MapID)
	binary.LittleEndian.PutUint32(buf[4:8], h.AttemptID)
	binary.LittleEndian.PutUint32(buf[8:12], h.BatchID)
	binary.LittleEndian.PutUint32(buf[12:16], h.PayloadSize)
	_, err := w.Write(buf[:])
	if err != nil {
		return fmt.Errorf("writing batch header: %w", err)
	}
	return nil
}

// ReadBatchHeader reads the little-endian batch header.
func ReadBatchHeader(r io.Reader) (BatchHeader, error) {
	var buf [BatchHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return BatchHeader{}, fmt.Errorf("reading batch header: %w", err)
	}
	return BatchHeader{
		MapID:       binary.LittleEndian.Uint32(buf[0:4]),
		AttemptID:   binary.LittleEndian.Uint32(buf[4:8]),
		BatchID:     binary.LittleEndian.Uint32(buf[8:12]),
		PayloadSize: binary.LittleEndian.Uint32(buf[12:16]),
	}, nil
}

// WriteBatch writes a full framed batch (header + payload).
func WriteBatch(w io.Writer, h BatchHeader, payload []byte) error {
	h.PayloadSize = uint32(len(payload))
	if err := WriteBatchHeader(w, h); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("writing batch payload: %w", err)
	}
	return nil
}

// ReadBatch reads a full framed batch (header + payload) with a cap on the
// payload size to guard against corrupt headers.
func ReadBatch(r io.Reader, maxPayload uint32) (BatchHeader, []byte, error) {
	h, err := ReadBatchHeader(r)
	if err != nil {
		return BatchHeader{}, nil, err
	}
	if h.PayloadSize > maxPayload {
		return BatchHeader{}, nil, fmt.Errorf("%w: batch payload %d exceeds max %d", ErrTruncatedFrame, h.PayloadSize, maxPayload)
	}
	payload := make([]byte, h.PayloadSize)
	if h.PayloadSize > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return BatchHeader{}, nil, fmt.Errorf("reading batch payload: %w", err)
		}
	}
	return h, payload, nil
}

// DemuxMerged splits a PushMergedData frame back into the individual
// PushData requests it carries. Offsets[i] marks where batch i's framing
// begins inside Body; each sub-batch is one standard framed batch whose
// header supplies the map/attempt/batch ids.
func DemuxMerged(m *PushMergedData, maxPayload uint32) ([]PushData, error) {
	if len(m.Offsets) != len(m.Locations) || len(m.Epochs) != len(m.Locations) {
		return nil, fmt.Errorf("%w: merged frame field counts disagree (%d locations, %d epochs, %d offsets)",
			ErrTruncatedFrame, len(m.Locations), len(m.Epochs), len(m.Offsets))
	}

	out := make([]PushData, 0, len(m.Offsets))
	for i, off := range m.Offsets {
		end := uint32(len(m.Body))
		if i+1 < len(m.Offsets) {
			end = m.Offsets[i+1]
		}
		if off > end || end > uint32(len(m.Body)) {
			return nil, fmt.Errorf("%w: merged offset %d out of range", ErrTruncatedFrame, off)
		}

		h, payload, err := ReadBatch(bytes.NewReader(m.Body[off:end]), maxPayload)
		if err != nil {
			return nil, fmt.Errorf("demuxing merged batch %d: %w", i, err)
		}
		out = append(out, PushData{
			ShuffleKey:          m.ShuffleKey,
			PartitionLocationID: m.Locations[i],
			Epoch:               m.Epochs[i],
			Mode:                ModeMerged,
			MapID:               h.MapID,
			AttemptID:           h.AttemptID,
			BatchID:             h.BatchID,
			Codec:               m.Codec,
			Body:                payload,
		})
	}
	return out, nil
}

// MuxMerged builds a PushMergedData frame from individual requests that
// share a shuffle key, codec, and destination endpoint.
func MuxMerged(reqs []PushData) (*PushMergedData, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("wire: empty merged push")
	}
	merged := &PushMergedData{
		ShuffleKey: reqs[0].ShuffleKey,
		Codec:      reqs[0].Codec,
	}
	var body bytes.Buffer
	for _, r := range reqs {
		merged.Locations = append(merged.Locations, r.PartitionLocationID)
		merged.Epochs = append(merged.Epochs, r.Epoch)
		merged.Offsets = append(merged.Offsets, uint32(body.Len()))
		h := BatchHeader{MapID: r.MapID, AttemptID: r.AttemptID, BatchID: r.BatchID}
		if err := WriteBatch(&body, h, r.Body); err != nil {
			return nil, err
		}
	}
	merged.Body = body.Bytes()
	return merged, nil
}
