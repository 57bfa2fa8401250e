// Package types holds the small value types shared across every lsmkv
// package: byte-slice aliases, sequence numbers, and the internal-key
// encoding that orders entries inside the memtable and on-disk tables.
package types

import (
	"bytes"
	"encoding/binary"
)

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Value is an immutable byte slice type alias used for clarity.
type Value = []byte

// SequenceNumber is a monotonically increasing counter assigned to every
// applied write. It is packed into the high 56 bits of an internal key's
// trailing 8-byte tag.
type SequenceNumber uint64

// MaxSequenceNumber is the largest representable sequence number (56 bits).
const MaxSequenceNumber SequenceNumber = (1 << 56) - 1

// ValueType distinguishes a live value from a tombstone in the trailing
// byte of an internal key's tag.
type ValueType uint8

const (
	// TypeDeletion marks a tombstone: the key was deleted at this sequence.
	TypeDeletion ValueType = 0
	// TypeValue marks a live value.
	TypeValue ValueType = 1
)

// valueTypeForSeek sorts before any real ValueType at the same sequence,
// so a lookup key naturally lands before any real entry sharing its
// (user_key, sequence) pair.
const valueTypeForSeek ValueType = TypeValue

// packSequenceAndType packs a sequence number and a value type into the
// 8-byte trailing tag of an internal key: seq in the high 56 bits, type in
// the low 8 bits, so descending numeric order on the combined 64-bit value
// (the order InternalKeyComparator applies to tags) sorts by descending
// sequence then descending type.
func packSequenceAndType(seq SequenceNumber, t ValueType) uint64 {
	return (uint64(seq) << 8) | uint64(t)
}

// UnpackSequenceAndType is the inverse of packSequenceAndType.
func UnpackSequenceAndType(tag uint64) (SequenceNumber, ValueType) {
	return SequenceNumber(tag >> 8), ValueType(tag & 0xff)
}

// AppendInternalKey appends the internal-key encoding of (userKey, seq, t)
// to dst and returns the extended slice.
func AppendInternalKey(dst []byte, userKey Key, seq SequenceNumber, t ValueType) []byte {
	dst = append(dst, userKey...)
	var tag [8]byte
	binary.LittleEndian.PutUint64(tag[:], packSequenceAndType(seq, t))
	return append(dst, tag[:]...)
}

// MakeInternalKey is a convenience allocator around AppendInternalKey.
func MakeInternalKey(userKey Key, seq SequenceNumber, t ValueType) []byte {
	buf := make([]byte, 0, len(userKey)+8)
	return AppendInternalKey(buf, userKey, seq, t)
}

// LookupKey builds the internal key used to probe a memtable or table for
// a user key at a given snapshot sequence: userKey tagged with seq and a
// value type that sorts ahead of any real entry sharing that pair, so a
// seek for it lands on the first real candidate. Callers compare and seek
// with it directly via the same InternalKeyComparator used to order
// stored keys, so it carries no extra framing of its own.
func LookupKey(userKey Key, seq SequenceNumber) []byte {
	return MakeInternalKey(userKey, seq, valueTypeForSeek)
}

// UserKey strips the trailing 8-byte tag off an internal key.
func UserKey(ikey []byte) Key {
	if len(ikey) < 8 {
		return nil
	}
	return ikey[:len(ikey)-8]
}

// Tag returns the trailing 8-byte tag of an internal key as a uint64.
func Tag(ikey []byte) uint64 {
	if len(ikey) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(ikey[len(ikey)-8:])
}

// SequenceOf returns the sequence number encoded in an internal key.
func SequenceOf(ikey []byte) SequenceNumber {
	seq, _ := UnpackSequenceAndType(Tag(ikey))
	return seq
}

// ValueTypeOf returns the value type encoded in an internal key.
func ValueTypeOf(ikey []byte) ValueType {
	_, t := UnpackSequenceAndType(Tag(ikey))
	return t
}

// Comparator orders user keys. BytewiseComparator is the default total
// order; a narrow, user-suppliable interface per spec.md §1.
type Comparator interface {
	// Compare returns <0, 0, >0 as a < b, a == b, a > b.
	Compare(a, b Key) int
	// Name identifies the comparator so tables built with a different one
	// can be rejected on open.
	Name() string
	// Successor returns a short key >= a usable as an index separator
	// after the last data block.
	Successor(dst, a []byte) []byte
	// Separator returns a short key in [a, b) suitable as an index
	// separator between adjacent data blocks.
	Separator(dst, a, b []byte) []byte
}

type bytewiseComparator struct{}

// BytewiseComparator is the default user-key comparator: plain
// lexicographic byte order.
var BytewiseComparator Comparator = bytewiseComparator{}

func (bytewiseComparator) Compare(a, b Key) int { return bytes.Compare(a, b) }
func (bytewiseComparator) Name() string         { return "leveldb.BytewiseComparator" }

func (bytewiseComparator) Successor(dst, a []byte) []byte {
	for i, b := range a {
		if b != 0xff {
			dst = append(dst, a[:i+1]...)
			dst[len(dst)-1] = b + 1
			return dst
		}
	}
	return append(dst, a...)
}

func (bytewiseComparator) Separator(dst, a, b []byte) []byte {
	minLen := len(a)
	if len(b) < minLen {
		minLen = len(b)
	}
	diffIdx := 0
	for diffIdx < minLen && a[diffIdx] == b[diffIdx] {
		diffIdx++
	}
	if diffIdx >= minLen {
		return append(dst, a...)
	}
	aByte := a[diffIdx]
	if aByte < 0xff && aByte+1 < b[diffIdx] {
		dst = append(dst, a[:diffIdx+1]...)
		dst[len(dst)-1]++
		return dst
	}
	return append(dst, a...)
}

// InternalKeyComparator orders internal keys: ascending user key, then
// descending sequence, then descending type, delegating user-key order to
// an underlying user Comparator.
type InternalKeyComparator struct {
	User Comparator
}

// NewInternalKeyComparator wraps a user comparator as an internal-key one.
func NewInternalKeyComparator(user Comparator) *InternalKeyComparator {
	return &InternalKeyComparator{User: user}
}

func (c *InternalKeyComparator) Name() string { return c.User.Name() }

// Separator returns a short internal key in [a, b) suitable as an index
// separator. It shortens only the user-key portion, via the underlying
// user comparator, then re-tags the result with the maximum sequence
// number and TypeValue so it still sorts ahead of every real entry for
// that user key (mirroring leveldb's InternalKeyComparator behavior).
func (c *InternalKeyComparator) Separator(dst, a, b []byte) []byte {
	ua, ub := UserKey(a), UserKey(b)
	sep := c.User.Separator(nil, ua, ub)
	if len(sep) < len(ua) && c.User.Compare(ua, sep) < 0 {
		return AppendInternalKey(dst, sep, MaxSequenceNumber, valueTypeForSeek)
	}
	return append(dst, a...)
}

// Successor returns a short internal key >= a, shortening only the
// user-key portion via the underlying user comparator.
func (c *InternalKeyComparator) Successor(dst, a []byte) []byte {
	ua := UserKey(a)
	succ := c.User.Successor(nil, ua)
	if len(succ) < len(ua) && c.User.Compare(ua, succ) < 0 {
		return AppendInternalKey(dst, succ, MaxSequenceNumber, valueTypeForSeek)
	}
	return append(dst, a...)
}

// Compare implements the internal-key order described in spec.md §3.
func (c *InternalKeyComparator) Compare(a, b []byte) int {
	ua, ub := UserKey(a), UserKey(b)
	if r := c.User.Compare(ua, ub); r != 0 {
		return r
	}
	ta, tb := Tag(a), Tag(b)
	switch {
	case ta > tb:
		return -1
	case ta < tb:
		return 1
	default:
		return 0
	}
}
