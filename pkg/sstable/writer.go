// Package sstable implements the immutable, sorted, on-disk Table format
// described in spec.md §4.2: data blocks, an optional filter block, a
// metaindex block, an index block, and a fixed-size footer.
package sstable

import (
	"io"

	"lsmkv/pkg/block"
	"lsmkv/pkg/bloom"
	"lsmkv/pkg/compress"
	"lsmkv/pkg/encoding"
	"lsmkv/pkg/types"
)

// blockTrailerLen is the 1-byte compression type plus 4-byte masked CRC32C
// following every block on disk.
const blockTrailerLen = 5

// Options configures how a table is built. Comparator orders the
// internal keys (user_key||tag) stored in the table, not bare user keys;
// it is normally an *types.InternalKeyComparator wrapping the user's
// comparator.
type Options struct {
	BlockSize       int
	RestartInterval int
	Compression     compress.Type
	FilterBitsPerKey int
	Comparator      types.Comparator
}

// DefaultOptions mirrors spec.md §6's recognized defaults.
func DefaultOptions() Options {
	return Options{
		BlockSize:        4096,
		RestartInterval:  block.DefaultRestartInterval,
		Compression:      compress.TypeNone,
		FilterBitsPerKey: 10,
		Comparator:       types.NewInternalKeyComparator(types.BytewiseComparator),
	}
}

// Writer builds one table file. Keys must be added in ascending order.
type Writer struct {
	w    io.Writer
	opts Options

	offset      uint64
	dataBlock   *block.Builder
	indexBlock  *block.Builder
	filterKeys  [][]byte
	filterParts [][]byte // one filter per 2^baseLgBytes of data written
	filterPolicy *bloom.Policy

	pendingIndexEntry bool
	pendingHandle      BlockHandle
	lastKey            []byte
	numEntries         int

	closed bool
}

// baseLgBytes is the filter partition granularity from spec.md §4.3.
const baseLgBytes = 11

// NewWriter returns a Writer that appends its table format to w.
func NewWriter(w io.Writer, opts Options) *Writer {
	if opts.Comparator == nil {
		opts.Comparator = types.NewInternalKeyComparator(types.BytewiseComparator)
	}
	tw := &Writer{
		w:            w,
		opts:         opts,
		dataBlock:    block.NewBuilder(opts.RestartInterval),
		indexBlock:   block.NewBuilder(opts.RestartInterval),
		filterPolicy: bloom.NewPolicy(opts.FilterBitsPerKey),
	}
	return tw
}

// Add appends one internal-key/value record. Keys must arrive sorted.
func (w *Writer) Add(key, value []byte) error {
	if w.pendingIndexEntry {
		sep := w.opts.Comparator.Separator(nil, w.lastKey, key)
		entry := w.pendingHandle.EncodeTo(nil)
		w.indexBlock.Add(sep, entry)
		w.pendingIndexEntry = false
	}

	w.filterKeys = append(w.filterKeys, append([]byte(nil), types.UserKey(key)...))

	w.lastKey = append(w.lastKey[:0], key...)
	w.numEntries++
	w.dataBlock.Add(key, value)

	if w.dataBlock.EstimatedSize() >= w.opts.BlockSize {
		return w.flushDataBlock()
	}
	return nil
}

func (w *Writer) flushDataBlock() error {
	if w.dataBlock.Empty() {
		return nil
	}
	handle, err := w.writeBlock(w.dataBlock)
	if err != nil {
		return err
	}
	w.pendingHandle = handle
	w.pendingIndexEntry = true
	w.dataBlock.Reset()

	w.emitFilterForOffset()
	return nil
}

// emitFilterForOffset builds one filter sub-block per baseLgBytes of data
// written so far, covering every key added since the previous boundary.
func (w *Writer) emitFilterForOffset() {
	for w.offset/uint64(1<<baseLgBytes) > uint64(len(w.filterParts)) {
		w.filterParts = append(w.filterParts, w.filterPolicy.CreateFilter(w.filterKeys))
		w.filterKeys = w.filterKeys[:0]
	}
}

// writeBlock compresses, frames, and writes one finished block, returning
// its handle.
func (w *Writer) writeBlock(b *block.Builder) (BlockHandle, error) {
	raw := b.Finish()
	compressed := compress.Encode(w.opts.Compression, raw)

	handle := BlockHandle{Offset: w.offset, Size: uint64(len(compressed))}
	if err := w.writeRawBlock(compressed, w.opts.Compression); err != nil {
		return BlockHandle{}, err
	}
	return handle, nil
}

func (w *Writer) writeRawBlock(data []byte, ctype compress.Type) error {
	if _, err := w.w.Write(data); err != nil {
		return err
	}
	trailer := make([]byte, 0, blockTrailerLen)
	trailer = append(trailer, byte(ctype))
	crc := encoding.NewCRC32C(data)
	crc = encoding.ExtendCRC32C(crc, trailer[:1])
	trailer = encoding.PutFixed32(trailer, encoding.Mask(crc))
	if _, err := w.w.Write(trailer); err != nil {
		return err
	}
	w.offset += uint64(len(data)) + blockTrailerLen
	return nil
}

// Finish flushes the last data block and writes the filter, metaindex,
// index blocks and the footer, in that order.
func (w *Writer) Finish() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.flushDataBlock(); err != nil {
		return err
	}
	// flush any remaining filter keys into one last partition
	if len(w.filterKeys) > 0 {
		w.filterParts = append(w.filterParts, w.filterPolicy.CreateFilter(w.filterKeys))
		w.filterKeys = nil
	}
	if w.pendingIndexEntry {
		sep := w.opts.Comparator.Successor(nil, w.lastKey)
		entry := w.pendingHandle.EncodeTo(nil)
		w.indexBlock.Add(sep, entry)
		w.pendingIndexEntry = false
	}

	filterHandle, err := w.writeFilterBlock()
	if err != nil {
		return err
	}

	metaBuilder := block.NewBuilder(w.opts.RestartInterval)
	if filterHandle != nil {
		metaBuilder.Add([]byte("filter."+w.filterPolicy.Name()), filterHandle.EncodeTo(nil))
	}
	metaHandle, err := w.writeBlock(metaBuilder)
	if err != nil {
		return err
	}

	indexHandle, err := w.writeBlock(w.indexBlock)
	if err != nil {
		return err
	}

	footer := Footer{MetaIndexHandle: metaHandle, IndexHandle: indexHandle}
	_, err = w.w.Write(footer.EncodeTo())
	return err
}

// writeFilterBlock writes the partitioned filter meta-block described in
// spec.md §4.3: filter_0 || … || offset_0 || … || array_start:fixed32 ||
// base_lg:byte. Returns nil if no filter policy/keys were configured.
func (w *Writer) writeFilterBlock() (*BlockHandle, error) {
	if w.opts.FilterBitsPerKey <= 0 {
		return nil, nil
	}

	var buf []byte
	var offsets []uint32
	for _, part := range w.filterParts {
		offsets = append(offsets, uint32(len(buf)))
		buf = append(buf, part...)
	}
	arrayStart := uint32(len(buf))
	for _, off := range offsets {
		buf = encoding.PutFixed32(buf, off)
	}
	buf = encoding.PutFixed32(buf, arrayStart)
	buf = append(buf, byte(baseLgBytes))

	handle := BlockHandle{Offset: w.offset, Size: uint64(len(buf))}
	if err := w.writeRawBlock(buf, compress.TypeNone); err != nil {
		return nil, err
	}
	return &handle, nil
}

// NumEntries returns the number of records added so far.
func (w *Writer) NumEntries() int { return w.numEntries }

// Offset returns the number of bytes written so far (the table's
// approximate size before the footer).
func (w *Writer) Offset() uint64 { return w.offset }
