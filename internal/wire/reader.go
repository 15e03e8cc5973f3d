// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

const maxFrameString = 0xFFFF
const maxFrameBody = 512 * 1024 * 1024 // guards against a corrupt length field

func readString(r io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", fmt.Errorf("reading string length: %w", err)
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", fmt.Errorf("reading string body: %w", err)
		}
	}
	return string(buf), nil
}

func readBytes(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("reading bytes length: %w", err)
	}
	if n > maxFrameBody {
		return nil, fmt.Errorf("%w: body length %d exceeds max", ErrTruncatedFrame, n)
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("reading bytes body: %w", err)
		}
	}
	return buf, nil
}

func readMagic(r io.Reader, want [4]byte) error {
	var got [4]byte
	if _, err := io.ReadFull(r, got[:]); err != nil {
		return fmt.Errorf("reading magic: %w", err)
	}
	if got != want {
		return ErrInvalidMagic
	}
	return nil
}

// ReadPushData reads a PushData frame (magic already validated by caller's
// dispatch peek, or via this function if called directly).
func ReadPushData(r io.Reader) (*PushData, error) {
	if err := readMagic(r, MagicPushData); err != nil {
		return nil, err
	}
	var version [1]byte
	if _, err := io.ReadFull(r, version[:]); err != nil {
		return nil, fmt.Errorf("reading push data version: %w", err)
	}
	if version[0] != ProtocolVersion {
		return nil, ErrInvalidVersion
	}

	shuffleKey, err := readString(r)
	if err != nil {
		return nil, err
	}
	locID, err := readString(r)
	if err != nil {
		return nil, err
	}

	var epoch uint32
	if err := binary.Read(r, binary.BigEndian, &epoch); err != nil {
		return nil, fmt.Errorf("reading push data epoch: %w", err)
	}
	var mode [1]byte
	if _, err := io.ReadFull(r, mode[:]); err != nil {
		return nil, fmt.Errorf("reading push data mode: %w", err)
	}

	var mapID, attemptID, batchID uint32
	for _, p := range []*uint32{&mapID, &attemptID, &batchID} {
		if err := binary.Read(r, binary.BigEndian, p); err != nil {
			return nil, fmt.Errorf("reading push data id field: %w", err)
		}
	}
	var codec [1]byte
	if _, err := io.ReadFull(r, codec[:]); err != nil {
		return nil, fmt.Errorf("reading push data codec: %w", err)
	}
	body, err := readBytes(r)
	if err != nil {
		return nil, err
	}

	return &PushData{
		ShuffleKey:          shuffleKey,
		PartitionLocationID: locID,
		Epoch:               epoch,
		Mode:                PushMode(mode[0]),
		MapID:               mapID,
		AttemptID:           attemptID,
		BatchID:             batchID,
		Codec:               CompressionCode(codec[0]),
		Body:                body,
	}, nil
}

// ReadPushMergedData reads a PushMergedData frame.
func ReadPushMergedData(r io.Reader) (*PushMergedData, error) {
	if err := readMagic(r, MagicPushMerged); err != nil {
		return nil, err
	}
	var version [1]byte
	if _, err := io.ReadFull(r, version[:]); err != nil {
		return nil, fmt.Errorf("reading push merged version: %w", err)
	}
	if version[0] != ProtocolVersion {
		return nil, ErrInvalidVersion
	}

	shuffleKey, err := readString(r)
	if err != nil {
		return nil, err
	}

	var count uint16
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("reading push merged location count: %w", err)
	}
	locations := make([]string, count)
	epochs := make([]uint32, count)
	offsets := make([]uint32, count)
	for i := 0; i < int(count); i++ {
		loc, err := readString(r)
		if err != nil {
			return nil, err
		}
		locations[i] = loc
		if err := binary.Read(r, binary.BigEndian, &epochs[i]); err != nil {
			return nil, fmt.Errorf("reading push merged epoch: %w", err)
		}
		if err := binary.Read(r, binary.BigEndian, &offsets[i]); err != nil {
			return nil, fmt.Errorf("reading push merged offset: %w", err)
		}
	}

	var codec [1]byte
	if _, err := io.ReadFull(r, codec[:]); err != nil {
		return nil, fmt.Errorf("reading push merged codec: %w", err)
	}
	body, err := readBytes(r)
	if err != nil {
		return nil, err
	}

	return &PushMergedData{
		ShuffleKey: shuffleKey,
		Locations:  locations,
		Epochs:     epochs,
		Offsets:    offsets,
		Codec:      CompressionCode(codec[0]),
		Body:       body,
	}, nil
}

// ReadPushAck reads the ack response to PushData / PushMergedData.
func ReadPushAck(r io.Reader) (*PushAck, error) {
	if err := readMagic(r, MagicPushAck); err != nil {
		return nil, err
	}
	var status [1]byte
	if _, err := io.ReadFull(r, status[:]); err != nil {
		return nil, fmt.Errorf("reading push ack status: %w", err)
	}
	msg, err := readString(r)
	if err != nil {
		return nil, err
	}
	return &PushAck{Status: status[0], Message: msg}, nil
}

// ReadOpenStream reads an OpenStream request.
func ReadOpenStream(r io.Reader) (*OpenStream, error) {
	if err := readMagic(r, MagicOpenStream); err != nil {
		return nil, err
	}
	shuffleKey, err := readString(r)
	if err != nil {
		return nil, err
	}
	fileName, err := readString(r)
	if err != nil {
		return nil, err
	}
	var startMap, endMap, credit uint32
	for _, p := range []*uint32{&startMap, &endMap, &credit} {
		if err := binary.Read(r, binary.BigEndian, p); err != nil {
			return nil, fmt.Errorf("reading open stream field: %w", err)
		}
	}
	return &OpenStream{
		ShuffleKey:    shuffleKey,
		FileName:      fileName,
		StartMap:      startMap,
		EndMap:        endMap,
		InitialCredit: credit,
	}, nil
}

// ReadStreamHandle reads the response to OpenStream.
func ReadStreamHandle(r io.Reader) (*StreamHandle, error) {
	if err := readMagic(r, MagicStreamOK); err != nil {
		return nil, err
	}
	streamID, err := readString(r)
	if err != nil {
		return nil, err
	}
	var numChunks, offsetCount uint32
	if err := binary.Read(r, binary.BigEndian, &numChunks); err != nil {
		return nil, fmt.Errorf("reading stream handle num chunks: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &offsetCount); err != nil {
		return nil, fmt.Errorf("reading stream handle offset count: %w", err)
	}
	offsets := make([]uint64, offsetCount)
	for i := range offsets {
		if err := binary.Read(r, binary.BigEndian, &offsets[i]); err != nil {
			return nil, fmt.Errorf("reading stream handle offset: %w", err)
		}
	}
	return &StreamHandle{StreamID: streamID, NumChunks: numChunks, ChunkOffsets: offsets}, nil
}

// ReadReadAddCredit reads a one-way credit replenishment message.
func ReadReadAddCredit(r io.Reader) (*ReadAddCredit, error) {
	if err := readMagic(r, MagicAddCredit); err != nil {
		return nil, err
	}
	streamID, err := readString(r)
	if err != nil {
		return nil, err
	}
	var credit uint32
	if err := binary.Read(r, binary.BigEndian, &credit); err != nil {
		return nil, fmt.Errorf("reading add credit value: %w", err)
	}
	return &ReadAddCredit{StreamID: streamID, Credit: credit}, nil
}

// ReadChunkData reads one streamed chunk frame.
func ReadChunkData(r io.Reader) (*ChunkData, error) {
	if err := readMagic(r, MagicChunkData); err != nil {
		return nil, err
	}
	streamID, err := readString(r)
	if err != nil {
		return nil, err
	}
	var chunkIndex, backlog uint32
	if err := binary.Read(r, binary.BigEndian, &chunkIndex); err != nil {
		return nil, fmt.Errorf("reading chunk data index: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &backlog); err != nil {
		return nil, fmt.Errorf("reading chunk data backlog: %w", err)
	}
	var offset uint64
	if err := binary.Read(r, binary.BigEndian, &offset); err != nil {
		return nil, fmt.Errorf("reading chunk data offset: %w", err)
	}
	payload, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	return &ChunkData{StreamID: streamID, ChunkIndex: chunkIndex, Backlog: backlog, Offset: offset, Payload: payload}, nil
}

// ReadReplicaForkRequest reads the primary -> replica fork RPC.
func ReadReplicaForkRequest(r io.Reader) (*ReplicaForkRequest, error) {
	if err := readMagic(r, MagicReplicaFork); err != nil {
		return nil, err
	}
	shuffleKey, err := readString(r)
	if err != nil {
		return nil, err
	}
	locID, err := readString(r)
	if err != nil {
		return nil, err
	}
	var epoch uint32
	if err := binary.Read(r, binary.BigEndian, &epoch); err != nil {
		return nil, fmt.Errorf("reading replica fork epoch: %w", err)
	}
	var mapID, attemptID, batchID uint32
	for _, p := range []*uint32{&mapID, &attemptID, &batchID} {
		if err := binary.Read(r, binary.BigEndian, p); err != nil {
			return nil, fmt.Errorf("reading replica fork id field: %w", err)
		}
	}
	var codec [1]byte
	if _, err := io.ReadFull(r, codec[:]); err != nil {
		return nil, fmt.Errorf("reading replica fork codec: %w", err)
	}
	body, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	return &ReplicaForkRequest{
		ShuffleKey:          shuffleKey,
		PartitionLocationID: locID,
		Epoch:               epoch,
		MapID:               mapID,
		AttemptID:           attemptID,
		BatchID:             batchID,
		Codec:               CompressionCode(codec[0]),
		Body:                body,
	}, nil
}

// ReadReplicaForkAck reads the replica -> primary fork response.
func ReadReplicaForkAck(r io.Reader) (*ReplicaForkAck, error) {
	var status [1]byte
	if _, err := io.ReadFull(r, status[:]); err != nil {
		return nil, fmt.Errorf("reading replica fork ack: %w", err)
	}
	return &ReplicaForkAck{Status: status[0]}, nil
}
