// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package commitmeta implements the per-(map, attempt) integrity digest
// used to verify that what a reader receives equals what producers wrote.
package commitmeta

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// castagnoliTable is CRC32C, the checksum the wire commit metadata
// record carries.
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// Metadata is the (bytes, crc32c, record_count) digest for one committed
// map attempt, or the combination of several.
type Metadata struct {
	Bytes       uint64
	CRC32C      uint32
	RecordCount uint64
}

// Combine merges two Metadata values monoidally: byte and record counts
// sum; the CRCs chain using the standard CRC32 combine identity so the
// result is identical to computing the CRC over the concatenation of the
// two original byte streams.
func Combine(a, b Metadata) Metadata {
	return Metadata{
		Bytes:       a.Bytes + b.Bytes,
		CRC32C:      crc32Combine(a.CRC32C, b.CRC32C, int64(b.Bytes)),
		RecordCount: a.RecordCount + b.RecordCount,
	}
}

// CombineAll folds Combine over a slice, starting from the zero value.
func CombineAll(metas []Metadata) Metadata {
	var acc Metadata
	for _, m := range metas {
		acc = Combine(acc, m)
	}
	return acc
}

// Accumulator builds a running Metadata over a stream of record writes.
type Accumulator struct {
	crc   uint32
	bytes uint64
	count uint64
}

// NewAccumulator returns a zeroed accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Write feeds record into the running digest. It treats p as exactly one
// record for RecordCount purposes; callers that decompress a batch into
// several application records should call WriteN instead.
func (a *Accumulator) Write(p []byte) {
	a.crc = crc32.Update(a.crc, castagnoliTable, p)
	a.bytes += uint64(len(p))
	a.count++
}

// WriteN feeds p into the running digest counting it as n records.
func (a *Accumulator) WriteN(p []byte, n uint64) {
	a.crc = crc32.Update(a.crc, castagnoliTable, p)
	a.bytes += uint64(len(p))
	a.count += n
}

// Metadata snapshots the accumulator's current digest.
func (a *Accumulator) Metadata() Metadata {
	return Metadata{Bytes: a.bytes, CRC32C: a.crc, RecordCount: a.count}
}

// Encode serializes Metadata into the little-endian wire record carried by
// the METADATA_BATCH_ID batch: bytes(8) + crc32c(4) + record_count(8).
func Encode(m Metadata) []byte {
	buf := make([]byte, 20)
	binary.LittleEndian.PutUint64(buf[0:8], m.Bytes)
	binary.LittleEndian.PutUint32(buf[8:12], m.CRC32C)
	binary.LittleEndian.PutUint64(buf[12:20], m.RecordCount)
	return buf
}

// Decode parses the wire record produced by Encode.
func Decode(buf []byte) (Metadata, error) {
	if len(buf) < 20 {
		return Metadata{}, fmt.Errorf("commitmeta: record too short (%d bytes)", len(buf))
	}
	return Metadata{
		Bytes:       binary.LittleEndian.Uint64(buf[0:8]),
		CRC32C:      binary.LittleEndian.Uint32(buf[8:12]),
		RecordCount: binary.LittleEndian.Uint64(buf[12:20]),
	}, nil
}

// castagnoliPoly is the reversed CRC32C polynomial, the seed row for the
// GF(2) transition matrix below.
const castagnoliPoly uint32 = 0x82f63b78

// crc32Combine computes the CRC32C of the concatenation of two buffers
// given only their individual CRCs and the length of the second buffer.
// This is zlib's crc32_combine algorithm (GF(2) matrix exponentiation of
// the "append one zero byte" operator), specialized to the Castagnoli
// polynomial so it matches hash/crc32's IEEE-reversed convention.
func crc32Combine(crc1, crc2 uint32, len2 int64) uint32 {
	if len2 <= 0 {
		return crc1
	}

	var odd, even [32]uint32
	odd[0] = castagnoliPoly
	row := uint32(1)
	for n := 1; n < 32; n++ {
		odd[n] = row
		row <<= 1
	}

	even = gf2MatrixSquare(odd) // even = odd^2
	odd = gf2MatrixSquare(even) // odd  = even^2

	n := uint64(len2)
	for {
		even = gf2MatrixSquare(odd)
		if n&1 != 0 {
			crc1 = gf2MatrixTimes(even, crc1)
		}
		n >>= 1
		if n == 0 {
			break
		}

		odd = gf2MatrixSquare(even)
		if n&1 != 0 {
			crc1 = gf2MatrixTimes(odd, crc1)
		}
		n >>= 1
		if n == 0 {
			break
		}
	}

	return crc1 ^ crc2
}

func gf2MatrixTimes(mat [32]uint32, vec uint32) uint32 {
	var sum uint32
	i := 0
	for vec != 0 {
		if vec&1 != 0 {
			sum ^= mat[i]
		}
		vec >>= 1
		i++
	}
	return sum
}

func gf2MatrixSquare(mat [32]uint32) [32]uint32 {
	var out [32]uint32
	for n := range out {
		out[n] = gf2MatrixTimes(mat, mat[n])
	}
	return out
}
