package sstable

import (
	"io"

	"lsmkv/pkg/block"
	"lsmkv/pkg/bloom"
	"lsmkv/pkg/compress"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/encoding"
	"lsmkv/pkg/types"
)

// Cache caches decoded block bytes by an opaque string key, the same shape
// as the teacher's persistence.BlockCache. pkg/cache's sharded LRU
// satisfies it.
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
}

// Table is a read-only handle onto one on-disk table file.
type Table struct {
	r    io.ReaderAt
	size int64
	opts Options

	footer     Footer
	indexBlock *block.Reader
	filter     []byte // raw partitioned filter meta-block, if present

	cache    Cache
	cacheNS  string // namespaces this table's block cache keys
	filterOK bool
}

// Open parses the footer, index block, metaindex block and filter block
// (if present) of a table file occupying size bytes of r.
func Open(r io.ReaderAt, size int64, opts Options, cache Cache, cacheNS string) (*Table, error) {
	if size < int64(FooterEncodedLength) {
		return nil, dberrors.New(dberrors.CodeCorruption, "table file too small for footer")
	}
	if opts.Comparator == nil {
		opts.Comparator = types.NewInternalKeyComparator(types.BytewiseComparator)
	}

	footerBuf := make([]byte, FooterEncodedLength)
	if _, err := r.ReadAt(footerBuf, size-int64(FooterEncodedLength)); err != nil {
		return nil, dberrors.Wrap(dberrors.CodeIOError, "reading table footer", err)
	}
	footer, err := DecodeFooter(footerBuf)
	if err != nil {
		return nil, err
	}

	t := &Table{r: r, size: size, opts: opts, footer: footer, cache: cache, cacheNS: cacheNS}

	indexRaw, err := t.readBlock(footer.IndexHandle)
	if err != nil {
		return nil, dberrors.Wrap(dberrors.CodeCorruption, "reading index block", err)
	}
	idxReader, err := block.NewReader(indexRaw, opts.Comparator)
	if err != nil {
		return nil, dberrors.Wrap(dberrors.CodeCorruption, "parsing index block", err)
	}
	t.indexBlock = idxReader

	metaRaw, err := t.readBlock(footer.MetaIndexHandle)
	if err != nil {
		return nil, dberrors.Wrap(dberrors.CodeCorruption, "reading metaindex block", err)
	}
	metaReader, err := block.NewReader(metaRaw, opts.Comparator)
	if err != nil {
		return nil, dberrors.Wrap(dberrors.CodeCorruption, "parsing metaindex block", err)
	}
	meta := block.NewIterator(metaReader)
	wantKey := []byte("filter." + bloom.NewPolicy(opts.FilterBitsPerKey).Name())
	for meta.First(); meta.Valid(); meta.Next() {
		if string(meta.Key()) == string(wantKey) {
			handle, _, err := DecodeBlockHandle(meta.Value())
			if err != nil {
				return nil, dberrors.Wrap(dberrors.CodeCorruption, "decoding filter handle", err)
			}
			raw, err := t.readRawBlock(handle)
			if err != nil {
				return nil, dberrors.Wrap(dberrors.CodeCorruption, "reading filter block", err)
			}
			t.filter = raw[:len(raw)-1] // drop the compression-type byte
			t.filterOK = true
			break
		}
	}

	return t, nil
}

// readBlock reads and decompresses the block at handle, without caching.
func (t *Table) readBlock(handle BlockHandle) ([]byte, error) {
	raw, err := t.readRawBlock(handle)
	if err != nil {
		return nil, err
	}
	ctype := compress.Type(raw[len(raw)-1])
	payload := raw[:len(raw)-1]
	return compress.Decode(ctype, payload)
}

// readRawBlock reads handle.Size+blockTrailerLen bytes at handle.Offset and
// verifies the trailer's CRC32C, returning the data plus its 1-byte
// compression-type trailer.
func (t *Table) readRawBlock(handle BlockHandle) ([]byte, error) {
	buf := make([]byte, handle.Size+blockTrailerLen)
	if _, err := t.r.ReadAt(buf, int64(handle.Offset)); err != nil {
		return nil, dberrors.Wrap(dberrors.CodeIOError, "reading block", err)
	}
	data := buf[:handle.Size+1]
	crcBytes := buf[handle.Size+1:]
	want := encoding.Unmask(encoding.Fixed32(crcBytes))
	got := encoding.NewCRC32C(data)
	if got != want {
		return nil, dberrors.New(dberrors.CodeCorruption, "block checksum mismatch")
	}
	return data, nil
}

// readDataBlock reads a data block through the cache, keyed by this
// table's namespace plus the block's file offset (spec.md §4.4).
func (t *Table) readDataBlock(handle BlockHandle) (*block.Reader, error) {
	if t.cache != nil {
		if cached, ok := t.cache.Get(t.cacheKey(handle.Offset)); ok {
			return block.NewReader(cached, t.opts.Comparator)
		}
	}
	data, err := t.readBlock(handle)
	if err != nil {
		return nil, err
	}
	if t.cache != nil {
		t.cache.Set(t.cacheKey(handle.Offset), data)
	}
	return block.NewReader(data, t.opts.Comparator)
}

func (t *Table) cacheKey(offset uint64) string {
	buf := encoding.PutFixed64(make([]byte, 0, 8), offset)
	return t.cacheNS + string(buf)
}

// mayContain consults the partitioned filter block for the 2^11-byte data
// partition covering offset, per spec.md §4.3. A missing filter always
// answers true (conservatively "may match").
func (t *Table) mayContain(offset uint64, key []byte) bool {
	if !t.filterOK || len(t.filter) < 5 {
		return true
	}
	n := len(t.filter)
	baseLg := t.filter[n-1]
	arrayStart := encoding.Fixed32(t.filter[n-5:])
	offsetsArea := t.filter[arrayStart : n-5]

	index := offset >> baseLg
	numOffsets := uint32(len(offsetsArea)) / 4
	if uint32(index) >= numOffsets {
		return true
	}
	start := encoding.Fixed32(offsetsArea[index*4:])
	var limit uint32
	if uint32(index)+1 < numOffsets {
		limit = encoding.Fixed32(offsetsArea[(index+1)*4:])
	} else {
		limit = arrayStart
	}
	if start > limit || limit > arrayStart {
		return true
	}
	return bloom.KeyMayMatch(t.filter[start:limit], key)
}

// Saver receives the value found by Get, mirroring the teacher's
// callback-based lookup to avoid allocating when the caller only needs to
// inspect bytes in place.
type Saver func(key, value []byte)

// Get looks up the first entry in the table whose internal key is >=
// internalKey, invoking save on it only if its user key matches. It
// reports dberrors.ErrNotFound when no entry satisfies either condition.
func (t *Table) Get(internalKey []byte, save Saver) error {
	idx := block.NewIterator(t.indexBlock)
	idx.Seek(internalKey)
	if !idx.Valid() {
		if err := idx.Err(); err != nil {
			return err
		}
		return dberrors.ErrNotFound
	}

	handle, _, err := DecodeBlockHandle(idx.Value())
	if err != nil {
		return dberrors.Wrap(dberrors.CodeCorruption, "decoding index entry", err)
	}

	if !t.mayContain(handle.Offset, types.UserKey(internalKey)) {
		return dberrors.ErrNotFound
	}

	dataReader, err := t.readDataBlock(handle)
	if err != nil {
		return err
	}
	data := block.NewIterator(dataReader)
	data.Seek(internalKey)
	if !data.Valid() {
		if err := data.Err(); err != nil {
			return err
		}
		return dberrors.ErrNotFound
	}
	userCmp := types.BytewiseComparator
	if icmp, ok := t.opts.Comparator.(*types.InternalKeyComparator); ok {
		userCmp = icmp.User
	}
	if userCmp.Compare(types.UserKey(data.Key()), types.UserKey(internalKey)) != 0 {
		return dberrors.ErrNotFound
	}
	save(data.Key(), data.Value())
	return nil
}

// NewIterator returns a two-level iterator over every record in the
// table, in ascending internal-key order.
func (t *Table) NewIterator() *Iterator {
	return &Iterator{table: t, index: block.NewIterator(t.indexBlock)}
}

// ApproximateOffsetOf returns the approximate byte offset within the
// table file of the start of the block containing key, for size
// estimation (spec.md §6, GetApproximateSizes).
func (t *Table) ApproximateOffsetOf(key []byte) uint64 {
	idx := block.NewIterator(t.indexBlock)
	idx.Seek(key)
	if idx.Valid() {
		handle, _, err := DecodeBlockHandle(idx.Value())
		if err == nil {
			return handle.Offset
		}
	}
	return uint64(t.footer.MetaIndexHandle.Offset)
}

// Size returns the total size of the table file in bytes.
func (t *Table) Size() int64 { return t.size }

// Iterator walks every record of a table in ascending internal-key order
// by driving one data-block iterator per index entry (spec.md §4.4's
// two-level iterator).
type Iterator struct {
	table *Table
	index *block.Iterator
	data  *block.Iterator
	err   error
}

func (it *Iterator) initDataBlock() {
	if !it.index.Valid() {
		it.data = nil
		return
	}
	handle, _, err := DecodeBlockHandle(it.index.Value())
	if err != nil {
		it.err = dberrors.Wrap(dberrors.CodeCorruption, "decoding index entry", err)
		it.data = nil
		return
	}
	reader, err := it.table.readDataBlock(handle)
	if err != nil {
		it.err = err
		it.data = nil
		return
	}
	it.data = block.NewIterator(reader)
}

// First moves to the first record in the table.
func (it *Iterator) First() {
	it.index.First()
	it.initDataBlock()
	if it.data != nil {
		it.data.First()
		it.skipForwardPastEmptyBlocks()
	}
}

// Last moves to the last record in the table.
func (it *Iterator) Last() {
	it.index.Last()
	it.initDataBlock()
	if it.data != nil {
		it.data.Last()
		it.skipBackwardPastEmptyBlocks()
	}
}

// Next advances to the following record, crossing block boundaries.
func (it *Iterator) Next() {
	if it.data == nil {
		return
	}
	it.data.Next()
	it.skipForwardPastEmptyBlocks()
}

// Prev moves to the record before the current one, crossing block
// boundaries.
func (it *Iterator) Prev() {
	if it.data == nil {
		return
	}
	it.data.Prev()
	it.skipBackwardPastEmptyBlocks()
}

func (it *Iterator) skipForwardPastEmptyBlocks() {
	for it.data == nil || !it.data.Valid() {
		if it.data != nil {
			if err := it.data.Err(); err != nil {
				it.err = err
				return
			}
		}
		it.index.Next()
		if !it.index.Valid() {
			it.data = nil
			return
		}
		it.initDataBlock()
		if it.data == nil {
			return
		}
		it.data.First()
	}
}

func (it *Iterator) skipBackwardPastEmptyBlocks() {
	for it.data == nil || !it.data.Valid() {
		if it.data != nil {
			if err := it.data.Err(); err != nil {
				it.err = err
				return
			}
		}
		it.index.Prev()
		if !it.index.Valid() {
			it.data = nil
			return
		}
		it.initDataBlock()
		if it.data == nil {
			return
		}
		it.data.Last()
	}
}

// Seek moves to the first record whose key is >= target.
func (it *Iterator) Seek(target []byte) {
	it.index.Seek(target)
	it.initDataBlock()
	if it.data == nil {
		return
	}
	it.data.Seek(target)
	it.skipForwardPastEmptyBlocks()
}

func (it *Iterator) Valid() bool { return it.data != nil && it.data.Valid() && it.err == nil }
func (it *Iterator) Key() []byte { return it.data.Key() }
func (it *Iterator) Value() []byte { return it.data.Value() }

func (it *Iterator) Err() error {
	if it.err != nil {
		return it.err
	}
	if it.index.Err() != nil {
		return it.index.Err()
	}
	if it.data != nil {
		return it.data.Err()
	}
	return nil
}
