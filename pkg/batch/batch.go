// Package batch implements the atomic multi-mutation WriteBatch and its
// wire format from spec.md §4.6: sequence:fixed64 | count:fixed32 |
// records, where each record is tag:1 | key | [value] (tag distinguishes
// a put from a delete).
package batch

import (
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/encoding"
	"lsmkv/pkg/types"
)

const (
	headerLen = 12 // sequence:fixed64 + count:fixed32

	tagValue    = byte(types.TypeValue)
	tagDeletion = byte(types.TypeDeletion)
)

// Batch groups multiple Put/Delete mutations into one atomically
// applied, durably logged unit.
type Batch struct {
	rep []byte // header || records, growing in place
}

// New returns an empty batch with its header pre-allocated.
func New() *Batch {
	return &Batch{rep: make([]byte, headerLen)}
}

// Put appends a set mutation.
func (b *Batch) Put(key types.Key, value types.Value) {
	b.setCount(b.Count() + 1)
	b.rep = append(b.rep, tagValue)
	b.rep = encoding.PutLengthPrefixedSlice(b.rep, key)
	b.rep = encoding.PutLengthPrefixedSlice(b.rep, value)
}

// Delete appends a tombstone mutation.
func (b *Batch) Delete(key types.Key) {
	b.setCount(b.Count() + 1)
	b.rep = append(b.rep, tagDeletion)
	b.rep = encoding.PutLengthPrefixedSlice(b.rep, key)
}

// Clear empties the batch, keeping its backing storage.
func (b *Batch) Clear() {
	b.rep = b.rep[:headerLen]
	clear(b.rep)
}

// Count returns the number of mutations in the batch.
func (b *Batch) Count() int {
	return int(encoding.Fixed32(b.rep[8:12]))
}

func (b *Batch) setCount(n int) {
	copy(b.rep[8:12], encoding.PutFixed32(nil, uint32(n)))
}

// SetSequence stamps the sequence number assigned to this batch's first
// mutation; later mutations are numbered sequentially from it.
func (b *Batch) SetSequence(seq types.SequenceNumber) {
	copy(b.rep[0:8], encoding.PutFixed64(nil, uint64(seq)))
}

// Sequence returns the batch's base sequence number.
func (b *Batch) Sequence() types.SequenceNumber {
	return types.SequenceNumber(encoding.Fixed64(b.rep[0:8]))
}

// ByteSize returns the encoded size in bytes.
func (b *Batch) ByteSize() int { return len(b.rep) }

// Contents returns the batch's wire encoding, valid until the batch is
// next mutated.
func (b *Batch) Contents() []byte { return b.rep }

// SetContents replaces the batch's contents with a previously encoded
// payload, e.g. one just read back from the write-ahead log.
func SetContents(contents []byte) (*Batch, error) {
	if len(contents) < headerLen {
		return nil, dberrors.New(dberrors.CodeCorruption, "write batch too small for its header")
	}
	return &Batch{rep: append([]byte(nil), contents...)}, nil
}

// Handler receives one decoded mutation at a time from Iterate.
type Handler interface {
	Put(key, value []byte)
	Delete(key []byte)
}

// Iterate decodes the batch's records in order, calling h for each one.
func (b *Batch) Iterate(h Handler) error {
	data := b.rep[headerLen:]
	count := 0
	for len(data) > 0 {
		tag := data[0]
		data = data[1:]
		key, n, ok := encoding.GetLengthPrefixedSlice(data)
		if !ok {
			return dberrors.New(dberrors.CodeCorruption, "truncated write batch record key")
		}
		data = data[n:]

		switch tag {
		case tagValue:
			value, n, ok := encoding.GetLengthPrefixedSlice(data)
			if !ok {
				return dberrors.New(dberrors.CodeCorruption, "truncated write batch record value")
			}
			data = data[n:]
			h.Put(key, value)
		case tagDeletion:
			h.Delete(key)
		default:
			return dberrors.New(dberrors.CodeCorruption, "unknown write batch record tag")
		}
		count++
	}
	if count != b.Count() {
		return dberrors.New(dberrors.CodeCorruption, "write batch record count mismatch")
	}
	return nil
}

// Append merges src's mutations onto the end of b, renumbering none of
// them: b keeps its own sequence/count header, src's records are copied
// verbatim after it. Used to coalesce a batch of waiting writers into
// one physical log record (spec.md §5's write-queue leader coalescing).
func (b *Batch) Append(src *Batch) {
	b.setCount(b.Count() + src.Count())
	b.rep = append(b.rep, src.rep[headerLen:]...)
}

// MemtableWriter is the subset of *memtable.Memtable a batch needs to
// replay its mutations into, kept narrow here to avoid an import cycle.
type MemtableWriter interface {
	Add(seq types.SequenceNumber, t types.ValueType, userKey types.Key, value types.Value)
}

// memtableInserter applies a batch's mutations directly into a memtable,
// numbering each record from the batch's base sequence in order. It
// implements Handler.
type memtableInserter struct {
	mt  MemtableWriter
	seq types.SequenceNumber
}

func (m *memtableInserter) Put(key, value []byte) {
	m.mt.Add(m.seq, types.TypeValue, key, value)
	m.seq++
}

func (m *memtableInserter) Delete(key []byte) {
	m.mt.Add(m.seq, types.TypeDeletion, key, nil)
	m.seq++
}

// InsertInto applies every mutation in b to mt, in order, starting from
// b's base sequence number.
func (b *Batch) InsertInto(mt MemtableWriter) error {
	return b.Iterate(&memtableInserter{mt: mt, seq: b.Sequence()})
}
