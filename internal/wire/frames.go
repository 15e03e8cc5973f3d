// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package wire implements the shuffle data-plane binary protocol: push,
// replication, and credit-based fetch framing over TCP+TLS.
package wire

import "errors"

// Magic bytes identifying each frame type on the wire.
var (
	MagicPushData    = [4]byte{'P', 'S', 'H', 'D'}
	MagicPushMerged  = [4]byte{'P', 'S', 'H', 'M'}
	MagicPushAck     = [4]byte{'P', 'A', 'C', 'K'}
	MagicOpenStream  = [4]byte{'O', 'P', 'S', 'T'}
	MagicStreamOK    = [4]byte{'S', 'T', 'H', 'D'}
	MagicAddCredit   = [4]byte{'A', 'C', 'R', 'D'}
	MagicChunkData   = [4]byte{'C', 'H', 'N', 'K'}
	MagicReplicaFork = [4]byte{'R', 'P', 'F', 'K'}
)

// ProtocolVersion is the current wire version.
const ProtocolVersion byte = 0x01

// Protocol errors.
var (
	ErrInvalidMagic   = errors.New("wire: invalid magic bytes")
	ErrInvalidVersion = errors.New("wire: unsupported protocol version")
	ErrTruncatedFrame = errors.New("wire: truncated frame")
)

// Role identifies a PartitionLocation's role.
type Role byte

const (
	RolePrimary Role = 0x00
	RoleReplica Role = 0x01
)

// StorageHint identifies the backing medium of a PartitionLocation.
type StorageHint byte

const (
	StorageMemory StorageHint = 0x00
	StorageSSD    StorageHint = 0x01
	StorageHDD    StorageHint = 0x02
	StorageHDFS   StorageHint = 0x03
	StorageS3     StorageHint = 0x04
)

// PushMode distinguishes a single-batch push from a merged multi-batch push.
type PushMode byte

const (
	ModeSingle PushMode = 0x00
	ModeMerged PushMode = 0x01
)

// Ack status codes returned for PushData / PushMergedData.
const (
	StatusSuccess               byte = 0x00
	StatusSoftSplit             byte = 0x01
	StatusHardSplit             byte = 0x02
	StatusStageEnd              byte = 0x03
	StatusPushDataFailPrimary   byte = 0x04
	StatusPushDataFailReplica   byte = 0x05
	StatusPushDataFailWrite     byte = 0x06
	StatusCongestControl        byte = 0x07
	StatusPausePush             byte = 0x08
	StatusPartitionUnknown      byte = 0x09
	StatusEpochStale            byte = 0x0A
)

// CompressionCode identifies the batch payload codec.
type CompressionCode byte

const (
	CompressionGzip CompressionCode = 0x00 // parallel gzip (klauspost/pgzip)
	CompressionZstd CompressionCode = 0x01 // zstd (klauspost/compress)
	CompressionNone CompressionCode = 0x02
)

// PushData is the Client -> Worker single-batch push request.
type PushData struct {
	ShuffleKey         string
	PartitionLocationID string
	Epoch              uint32
	Mode               PushMode
	MapID              uint32
	AttemptID          uint32
	BatchID            uint32
	Codec              CompressionCode
	Body               []byte
}

// PushMergedData is the Client -> Worker request carrying several batches
// that share a destination endpoint. Body is the concatenation of the
// individual batches in standard batch framing; Offsets[i] is where batch
// i begins inside Body, and Locations[i]/Epochs[i] name the partition
// location it targets.
type PushMergedData struct {
	ShuffleKey string
	Locations  []string
	Epochs     []uint32
	Offsets    []uint32
	Codec      CompressionCode
	Body       []byte
}

// PushAck is the Worker -> Client response to PushData / PushMergedData.
type PushAck struct {
	Status  byte
	Message string
}

// OpenStream is the Client -> Worker fetch-stream open request.
type OpenStream struct {
	ShuffleKey    string
	FileName      string
	StartMap      uint32
	EndMap        uint32
	InitialCredit uint32
}

// StreamHandle is the Worker -> Client response to OpenStream.
type StreamHandle struct {
	StreamID     string
	NumChunks    uint32
	ChunkOffsets []uint64
}

// ReadAddCredit is a one-way Client -> Worker credit replenishment.
type ReadAddCredit struct {
	StreamID string
	Credit   uint32
}

// ChunkData is a Worker -> Client streamed chunk payload.
type ChunkData struct {
	StreamID   string
	ChunkIndex uint32
	Backlog    uint32
	Offset     uint64
	Payload    []byte
}

// ReplicaForkRequest is the Primary -> Replica push-handler internal RPC
// used to fork a batch write to the replica worker.
type ReplicaForkRequest struct {
	ShuffleKey          string
	PartitionLocationID string
	Epoch               uint32
	MapID               uint32
	AttemptID           uint32
	BatchID             uint32
	Codec               CompressionCode
	Body                []byte
}

// ReplicaForkAck is the Replica -> Primary response to ReplicaForkRequest.
type ReplicaForkAck struct {
	Status byte
}
