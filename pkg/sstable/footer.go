package sstable

import (
	"encoding/binary"

	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/encoding"
)

// Magic is the 64-bit magic number stored at the end of every table's
// footer (spec.md §4.2).
const Magic uint64 = 0xdb4775248b80fb57

// BlockHandleMaxEncodedLength is the max size of a BlockHandle: two
// varint64s, 10 bytes each.
const BlockHandleMaxEncodedLength = 20

// FooterEncodedLength is the fixed on-disk footer size: two padded
// BlockHandles plus the 8-byte magic number.
const FooterEncodedLength = 2*BlockHandleMaxEncodedLength + 8

// BlockHandle locates a block within a table file: its offset and size.
type BlockHandle struct {
	Offset uint64
	Size   uint64
}

// EncodeTo appends the varint-encoded handle to dst.
func (h BlockHandle) EncodeTo(dst []byte) []byte {
	dst = encoding.PutVarint64(dst, h.Offset)
	dst = encoding.PutVarint64(dst, h.Size)
	return dst
}

// DecodeBlockHandle decodes a BlockHandle from the front of b, returning
// the handle and the number of bytes consumed.
func DecodeBlockHandle(b []byte) (BlockHandle, int, error) {
	off, n1 := encoding.GetVarint64(b)
	if n1 == 0 {
		return BlockHandle{}, 0, dberrors.New(dberrors.CodeCorruption, "bad block handle offset")
	}
	sz, n2 := encoding.GetVarint64(b[n1:])
	if n2 == 0 {
		return BlockHandle{}, 0, dberrors.New(dberrors.CodeCorruption, "bad block handle size")
	}
	return BlockHandle{Offset: off, Size: sz}, n1 + n2, nil
}

// Footer is the fixed-size trailer of a table file (spec.md §4.2, §6).
type Footer struct {
	MetaIndexHandle BlockHandle
	IndexHandle     BlockHandle
}

// EncodeTo renders the footer into its fixed FooterEncodedLength bytes,
// padding the two handles out to BlockHandleMaxEncodedLength each.
func (f Footer) EncodeTo() []byte {
	buf := make([]byte, 0, FooterEncodedLength)
	buf = f.MetaIndexHandle.EncodeTo(buf)
	buf = f.IndexHandle.EncodeTo(buf)
	padded := make([]byte, 2*BlockHandleMaxEncodedLength)
	copy(padded, buf)
	var magic [8]byte
	binary.LittleEndian.PutUint64(magic[:], Magic)
	return append(padded, magic[:]...)
}

// DecodeFooter parses a footer from its fixed-size encoding.
func DecodeFooter(b []byte) (Footer, error) {
	if len(b) != FooterEncodedLength {
		return Footer{}, dberrors.New(dberrors.CodeCorruption, "truncated footer")
	}
	magic := binary.LittleEndian.Uint64(b[len(b)-8:])
	if magic != Magic {
		return Footer{}, dberrors.New(dberrors.CodeCorruption, "not a table (bad magic number)")
	}
	meta, n1, err := DecodeBlockHandle(b)
	if err != nil {
		return Footer{}, err
	}
	idx, _, err := DecodeBlockHandle(b[n1:])
	if err != nil {
		return Footer{}, err
	}
	return Footer{MetaIndexHandle: meta, IndexHandle: idx}, nil
}
