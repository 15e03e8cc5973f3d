// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// writeString writes a length-prefixed (uint16) UTF-8 string.
func writeString(w io.Writer, s string) error {
	if len(s) > 0xFFFF {
		return fmt.Errorf("wire: string too long (%d bytes)", len(s))
	}
	if err := binary.Write(w, binary.BigEndian, uint16(len(s))); err != nil {
		return fmt.Errorf("writing string length: %w", err)
	}
	if _, err := io.WriteString(w, s); err != nil {
		return fmt.Errorf("writing string body: %w", err)
	}
	return nil
}

// writeBytes writes a length-prefixed (uint32) byte slice.
func writeBytes(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(b))); err != nil {
		return fmt.Errorf("writing bytes length: %w", err)
	}
	if len(b) > 0 {
		if _, err := w.Write(b); err != nil {
			return fmt.Errorf("writing bytes body: %w", err)
		}
	}
	return nil
}

// WritePushData writes a PushData frame.
// Format: Magic[4] Version[1] ShuffleKey PartitionLocationID Epoch[4] Mode[1]
// MapID[4] AttemptID[4] BatchID[4] Codec[1] Body.
func WritePushData(w io.Writer, p *PushData) error {
	if _, err := w.Write(MagicPushData[:]); err != nil {
		return fmt.Errorf("writing push data magic: %w", err)
	}
	if _, err := w.Write([]byte{ProtocolVersion}); err != nil {
		return fmt.Errorf("writing push data version: %w", err)
	}
	if err := writeString(w, p.ShuffleKey); err != nil {
		return err
	}
	if err := writeString(w, p.PartitionLocationID); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, p.Epoch); err != nil {
		return fmt.Errorf("writing push data epoch: %w", err)
	}
	if _, err := w.Write([]byte{byte(p.Mode)}); err != nil {
		return fmt.Errorf("writing push data mode: %w", err)
	}
	for _, v := range []uint32{p.MapID, p.AttemptID, p.BatchID} {
		if err := binary.Write(w, binary.BigEndian, v); err != nil {
			return fmt.Errorf("writing push data id field: %w", err)
		}
	}
	if _, err := w.Write([]byte{byte(p.Codec)}); err != nil {
		return fmt.Errorf("writing push data codec: %w", err)
	}
	return writeBytes(w, p.Body)
}

// WritePushMergedData writes a PushMergedData frame.
func WritePushMergedData(w io.Writer, p *PushMergedData) error {
	if _, err := w.Write(MagicPushMerged[:]); err != nil {
		return fmt.Errorf("writing push merged magic: %w", err)
	}
	if _, err := w.Write([]byte{ProtocolVersion}); err != nil {
		return fmt.Errorf("writing push merged version: %w", err)
	}
	if err := writeString(w, p.ShuffleKey); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint16(len(p.Locations))); err != nil {
		return fmt.Errorf("writing push merged location count: %w", err)
	}
	for i, loc := range p.Locations {
		if err := writeString(w, loc); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, p.Epochs[i]); err != nil {
			return fmt.Errorf("writing push merged epoch: %w", err)
		}
		if err := binary.Write(w, binary.BigEndian, p.Offsets[i]); err != nil {
			return fmt.Errorf("writing push merged offset: %w", err)
		}
	}
	if _, err := w.Write([]byte{byte(p.Codec)}); err != nil {
		return fmt.Errorf("writing push merged codec: %w", err)
	}
	return writeBytes(w, p.Body)
}

// WritePushAck writes the ack response to a PushData / PushMergedData.
func WritePushAck(w io.Writer, a *PushAck) error {
	if _, err := w.Write(MagicPushAck[:]); err != nil {
		return fmt.Errorf("writing push ack magic: %w", err)
	}
	if _, err := w.Write([]byte{a.Status}); err != nil {
		return fmt.Errorf("writing push ack status: %w", err)
	}
	return writeString(w, a.Message)
}

// WriteOpenStream writes an OpenStream request.
func WriteOpenStream(w io.Writer, o *OpenStream) error {
	if _, err := w.Write(MagicOpenStream[:]); err != nil {
		return fmt.Errorf("writing open stream magic: %w", err)
	}
	if err := writeString(w, o.ShuffleKey); err != nil {
		return err
	}
	if err := writeString(w, o.FileName); err != nil {
		return err
	}
	for _, v := range []uint32{o.StartMap, o.EndMap, o.InitialCredit} {
		if err := binary.Write(w, binary.BigEndian, v); err != nil {
			return fmt.Errorf("writing open stream field: %w", err)
		}
	}
	return nil
}

// WriteStreamHandle writes the response to OpenStream.
func WriteStreamHandle(w io.Writer, s *StreamHandle) error {
	if _, err := w.Write(MagicStreamOK[:]); err != nil {
		return fmt.Errorf("writing stream handle magic: %w", err)
	}
	if err := writeString(w, s.StreamID); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, s.NumChunks); err != nil {
		return fmt.Errorf("writing stream handle num chunks: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(s.ChunkOffsets))); err != nil {
		return fmt.Errorf("writing stream handle offset count: %w", err)
	}
	for _, off := range s.ChunkOffsets {
		if err := binary.Write(w, binary.BigEndian, off); err != nil {
			return fmt.Errorf("writing stream handle offset: %w", err)
		}
	}
	return nil
}

// WriteReadAddCredit writes a one-way credit replenishment message.
func WriteReadAddCredit(w io.Writer, c *ReadAddCredit) error {
	if _, err := w.Write(MagicAddCredit[:]); err != nil {
		return fmt.Errorf("writing add credit magic: %w", err)
	}
	if err := writeString(w, c.StreamID); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, c.Credit)
}

// WriteChunkData writes one streamed chunk frame.
func WriteChunkData(w io.Writer, c *ChunkData) error {
	if _, err := w.Write(MagicChunkData[:]); err != nil {
		return fmt.Errorf("writing chunk data magic: %w", err)
	}
	if err := writeString(w, c.StreamID); err != nil {
		return err
	}
	for _, v := range []uint32{c.ChunkIndex, c.Backlog} {
		if err := binary.Write(w, binary.BigEndian, v); err != nil {
			return fmt.Errorf("writing chunk data field: %w", err)
		}
	}
	if err := binary.Write(w, binary.BigEndian, c.Offset); err != nil {
		return fmt.Errorf("writing chunk data offset: %w", err)
	}
	return writeBytes(w, c.Payload)
}

// WriteReplicaForkRequest writes the primary -> replica fork RPC.
func WriteReplicaForkRequest(w io.Writer, r *ReplicaForkRequest) error {
	if _, err := w.Write(MagicReplicaFork[:]); err != nil {
		return fmt.Errorf("writing replica fork magic: %w", err)
	}
	if err := writeString(w, r.ShuffleKey); err != nil {
		return err
	}
	if err := writeString(w, r.PartitionLocationID); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, r.Epoch); err != nil {
		return fmt.Errorf("writing replica fork epoch: %w", err)
	}
	for _, v := range []uint32{r.MapID, r.AttemptID, r.BatchID} {
		if err := binary.Write(w, binary.BigEndian, v); err != nil {
			return fmt.Errorf("writing replica fork id field: %w", err)
		}
	}
	if _, err := w.Write([]byte{byte(r.Codec)}); err != nil {
		return fmt.Errorf("writing replica fork codec: %w", err)
	}
	return writeBytes(w, r.Body)
}

// WriteReplicaForkAck writes the replica -> primary fork response.
func WriteReplicaForkAck(w io.Writer, a *ReplicaForkAck) error {
	if _, err := w.Write([]byte{a.Status}); err != nil {
		return fmt.Errorf("writing replica fork ack: %w", err)
	}
	return nil
}
