// Package encoding provides the byte-level primitives shared by the WAL,
// manifest, write-batch, and table formats: fixed-width integers,
// varint-encoded integers, length-prefixed slices, and masked CRC32C
// checksums (spec.md §2 "Byte coding", §4.6).
package encoding

import (
	"encoding/binary"
	"hash/crc32"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// NewCRC32C returns the CRC32C (Castagnoli) checksum of data.
func NewCRC32C(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}

// ExtendCRC32C extends a running CRC32C checksum with more data.
func ExtendCRC32C(crc uint32, data []byte) uint32 {
	return crc32.Update(crc, crc32cTable, data)
}

// maskDelta is the constant leveldb-style CRC masking rotates in; it keeps
// a CRC embedded in a record from looking like the record's own length
// field, and vice versa, under casual corruption.
const maskDelta = 0xa282ead8

// Mask rotates and adjusts a CRC32C checksum for storage.
func Mask(crc uint32) uint32 {
	return ((crc >> 15) | (crc << 17)) + maskDelta
}

// Unmask is the inverse of Mask.
func Unmask(maskedCRC uint32) uint32 {
	rot := maskedCRC - maskDelta
	return (rot >> 17) | (rot << 15)
}

// PutFixed32 appends a little-endian uint32.
func PutFixed32(dst []byte, v uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return append(dst, buf[:]...)
}

// PutFixed64 appends a little-endian uint64.
func PutFixed64(dst []byte, v uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return append(dst, buf[:]...)
}

// Fixed32 decodes a little-endian uint32 from the front of b.
func Fixed32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }

// Fixed64 decodes a little-endian uint64 from the front of b.
func Fixed64(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }

// PutVarint32 appends a varint-encoded uint32.
func PutVarint32(dst []byte, v uint32) []byte {
	return PutVarint64(dst, uint64(v))
}

// PutVarint64 appends a varint-encoded uint64.
func PutVarint64(dst []byte, v uint64) []byte {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	return append(dst, buf[:n]...)
}

// GetVarint32 decodes a varint uint32 from the front of b, returning the
// value and the number of bytes consumed (0 on error).
func GetVarint32(b []byte) (uint32, int) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, 0
	}
	return uint32(v), n
}

// GetVarint64 decodes a varint uint64 from the front of b, returning the
// value and the number of bytes consumed (0 on error).
func GetVarint64(b []byte) (uint64, int) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, 0
	}
	return v, n
}

// PutLengthPrefixedSlice appends varint(len(s)) || s.
func PutLengthPrefixedSlice(dst []byte, s []byte) []byte {
	dst = PutVarint64(dst, uint64(len(s)))
	return append(dst, s...)
}

// GetLengthPrefixedSlice decodes a varint(len) || data slice from the
// front of b. It returns the slice (sharing b's backing array), the
// number of bytes consumed, and whether decoding succeeded.
func GetLengthPrefixedSlice(b []byte) (slice []byte, n int, ok bool) {
	l, hn := binary.Uvarint(b)
	if hn <= 0 {
		return nil, 0, false
	}
	end := hn + int(l)
	if end > len(b) || end < hn {
		return nil, 0, false
	}
	return b[hn:end], end, true
}
