// Package block implements the restart-interval-prefix-compressed sorted
// key/value block format described in spec.md §4.1, and its iterator.
package block

import (
	"encoding/binary"

	"lsmkv/pkg/encoding"
	"lsmkv/pkg/types"
)

// DefaultRestartInterval is the default number of records between restart
// points (spec.md §4.1).
const DefaultRestartInterval = 16

// Builder accumulates sorted key/value records into one block.
type Builder struct {
	restartInterval int
	buf             []byte
	restarts        []uint32
	counter         int
	lastKey         []byte
	finished        bool
}

// NewBuilder returns a Builder using the given restart interval.
func NewBuilder(restartInterval int) *Builder {
	if restartInterval <= 0 {
		restartInterval = DefaultRestartInterval
	}
	return &Builder{
		restartInterval: restartInterval,
		restarts:        []uint32{0},
	}
}

// Reset clears the builder for reuse.
func (b *Builder) Reset() {
	b.buf = b.buf[:0]
	b.restarts = append(b.restarts[:0], 0)
	b.counter = 0
	b.lastKey = b.lastKey[:0]
	b.finished = false
}

// Empty reports whether any record has been added since the last Reset.
func (b *Builder) Empty() bool { return len(b.buf) == 0 }

// EstimatedSize returns the current encoded size, including the restart
// array and count that Finish will append.
func (b *Builder) EstimatedSize() int {
	return len(b.buf) + len(b.restarts)*4 + 4
}

// Add appends one record. Keys must be added in ascending order.
func (b *Builder) Add(key, value []byte) {
	shared := 0
	if b.counter < b.restartInterval {
		minLen := len(b.lastKey)
		if len(key) < minLen {
			minLen = len(key)
		}
		for shared < minLen && b.lastKey[shared] == key[shared] {
			shared++
		}
	} else {
		b.restarts = append(b.restarts, uint32(len(b.buf)))
		b.counter = 0
	}

	nonShared := len(key) - shared
	b.buf = encoding.PutVarint32(b.buf, uint32(shared))
	b.buf = encoding.PutVarint32(b.buf, uint32(nonShared))
	b.buf = encoding.PutVarint32(b.buf, uint32(len(value)))
	b.buf = append(b.buf, key[shared:]...)
	b.buf = append(b.buf, value...)

	b.lastKey = append(b.lastKey[:0], key...)
	b.counter++
}

// Finish appends the restart-point array and count, returning the
// complete block contents. A block with no records gets zero restart
// points, so every position on it is invalid (spec.md §4.1).
func (b *Builder) Finish() []byte {
	restarts := b.restarts
	if len(b.buf) == 0 {
		restarts = nil
	}
	for _, r := range restarts {
		b.buf = encoding.PutFixed32(b.buf, r)
	}
	b.buf = encoding.PutFixed32(b.buf, uint32(len(restarts)))
	b.finished = true
	return b.buf
}

// Reader decodes a finished block and supports random access to its
// restart points.
type Reader struct {
	data         []byte
	restartsOff  uint32
	numRestarts  uint32
	cmp          types.Comparator
}

// NewReader parses a finished block's trailer. The comparator is used to
// order keys during Seek's binary search.
func NewReader(data []byte, cmp types.Comparator) (*Reader, error) {
	if len(data) < 4 {
		return nil, errTruncatedBlock
	}
	numRestarts := binary.LittleEndian.Uint32(data[len(data)-4:])
	maxRestarts := (uint32(len(data)) - 4) / 4
	if numRestarts > maxRestarts {
		return nil, errTruncatedBlock
	}
	restartsOff := uint32(len(data)) - 4 - numRestarts*4
	return &Reader{data: data, restartsOff: restartsOff, numRestarts: numRestarts, cmp: cmp}, nil
}

// NumRestarts returns the number of restart points in the block.
func (r *Reader) NumRestarts() int { return int(r.numRestarts) }

func (r *Reader) restartOffset(i int) uint32 {
	return binary.LittleEndian.Uint32(r.data[r.restartsOff+uint32(i)*4:])
}

type errStr string

func (e errStr) Error() string { return string(e) }

const errTruncatedBlock = errStr("block: truncated block trailer")
const errBadEntry = errStr("block: corrupt entry")

// decodedEntry is the result of parsing one block record.
type decodedEntry struct {
	shared, nonShared uint32
	keyDelta          []byte
	value             []byte
	next              uint32
}

// decodeEntry decodes one record at offset. It returns ok false on
// corruption or truncation.
func decodeEntry(data []byte, offset uint32) (decodedEntry, bool) {
	p := data[offset:]
	s, n1 := encoding.GetVarint32(p)
	if n1 == 0 {
		return decodedEntry{}, false
	}
	p = p[n1:]
	ns, n2 := encoding.GetVarint32(p)
	if n2 == 0 {
		return decodedEntry{}, false
	}
	p = p[n2:]
	vl, n3 := encoding.GetVarint32(p)
	if n3 == 0 {
		return decodedEntry{}, false
	}
	p = p[n3:]
	header := uint32(n1 + n2 + n3)
	if uint32(len(p)) < ns+vl {
		return decodedEntry{}, false
	}
	return decodedEntry{
		shared:    s,
		nonShared: ns,
		keyDelta:  p[:ns],
		value:     p[ns : ns+vl],
		next:      offset + header + ns + vl,
	}, true
}

// Iterator walks the records of one block, supporting both forward and
// backward motion and restart-point-assisted Seek.
type Iterator struct {
	r       *Reader
	offset  uint32
	nextOff uint32
	key     []byte
	value   []byte
	err     error
	valid   bool
}

// NewIterator returns an iterator positioned before the first entry.
func NewIterator(r *Reader) *Iterator {
	return &Iterator{r: r}
}

func (it *Iterator) Valid() bool { return it.valid && it.err == nil }
func (it *Iterator) Key() []byte { return it.key }
func (it *Iterator) Value() []byte { return it.value }
func (it *Iterator) Err() error  { return it.err }

func (it *Iterator) invalidate(err error) {
	it.valid = false
	it.key = nil
	it.value = nil
	it.err = err
}

// First moves to the first record in the block.
func (it *Iterator) First() {
	it.seekToRestartPoint(0)
	it.parseNext()
}

// Last moves to the last record in the block.
func (it *Iterator) Last() {
	if it.r.numRestarts == 0 {
		it.invalidate(nil)
		return
	}
	it.seekToRestartPoint(int(it.r.numRestarts) - 1)
	for it.parseNext() && it.nextOff < it.r.restartsOff {
	}
}

// Next advances to the following record.
func (it *Iterator) Next() {
	if !it.valid {
		return
	}
	it.parseNext()
}

// Prev moves to the record before the current one.
func (it *Iterator) Prev() {
	if !it.valid {
		return
	}
	original := it.offset
	if original <= it.r.restartOffset(0) {
		it.invalidate(nil)
		return
	}
	restart := it.numRestartsBefore(original)
	it.seekToRestartPoint(restart)
	for {
		if !it.parseNext() {
			break
		}
		if it.nextOff >= original {
			break
		}
	}
}

func (it *Iterator) numRestartsBefore(offset uint32) int {
	idx := 0
	for i := 0; i < int(it.r.numRestarts); i++ {
		if it.r.restartOffset(i) < offset {
			idx = i
		} else {
			break
		}
	}
	return idx
}

func (it *Iterator) seekToRestartPoint(idx int) {
	it.key = it.key[:0]
	it.value = nil
	it.err = nil
	if idx < 0 || idx >= int(it.r.numRestarts) {
		it.offset = it.r.restartsOff
		it.nextOff = it.r.restartsOff
		it.valid = false
		return
	}
	it.offset = it.r.restartOffset(idx)
	it.nextOff = it.offset
	it.valid = false
}

// parseNext decodes the record at it.nextOff into the iterator's current
// position. Returns false at end of block or on corruption.
func (it *Iterator) parseNext() bool {
	if it.nextOff >= it.r.restartsOff {
		it.invalidate(nil)
		return false
	}
	it.offset = it.nextOff
	e, ok := decodeEntry(it.r.data, it.offset)
	if !ok {
		it.invalidate(errBadEntry)
		return false
	}
	if int(e.shared) > len(it.key) {
		it.invalidate(errBadEntry)
		return false
	}
	it.key = append(it.key[:e.shared:e.shared], e.keyDelta...)
	it.value = e.value
	it.nextOff = e.next
	it.valid = true
	return true
}

// Seek moves to the first record whose key is >= target, using the
// restart-point array for an initial binary search and then scanning
// linearly within the chosen segment, per spec.md §4.1.
func (it *Iterator) Seek(target []byte) {
	if it.r.numRestarts == 0 {
		it.invalidate(nil)
		return
	}

	lo, hi := 0, int(it.r.numRestarts)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		k, ok := it.restartKey(mid)
		if !ok {
			hi = mid - 1
			continue
		}
		if it.r.cmp.Compare(k, target) <= 0 {
			lo = mid
		} else {
			hi = mid - 1
		}
	}

	it.seekToRestartPoint(lo)
	for it.parseNext() {
		if it.r.cmp.Compare(it.key, target) >= 0 {
			return
		}
	}
}

// restartKey decodes the full key stored at restart point idx (which
// always has shared=0 by construction).
func (it *Iterator) restartKey(idx int) ([]byte, bool) {
	offset := it.r.restartOffset(idx)
	e, ok := decodeEntry(it.r.data, offset)
	if !ok {
		return nil, false
	}
	return e.keyDelta, true
}
