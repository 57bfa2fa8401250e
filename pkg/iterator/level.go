package iterator

import (
	"lsmkv/pkg/types"
	"lsmkv/pkg/version"
)

// OpenTableIterator opens an Iterator over one table file's records, the
// narrow callback pkg/db wires to pkg/cache.TableCache so this package
// never imports pkg/sstable or pkg/cache directly (the same cycle-
// avoidance shape as version.Version.Get's find callback).
type OpenTableIterator func(f *version.FileMetaData) (Iterator, error)

// NewLevelIterator returns a two-level iterator over one level's sorted,
// non-overlapping files: an outer cursor over the file list selects
// which file's Iterator is active, opening it lazily through open only
// when a record in that file's range is actually requested. This is the
// generalized form of sstable.Table's own data-block/index-block
// two-level iterator, one level up: files stand in for blocks, and
// smallest/largest internal keys stand in for block separators.
func NewLevelIterator(files []*version.FileMetaData, open OpenTableIterator) Iterator {
	return &levelIterator{files: files, open: open}
}

type levelIterator struct {
	files []*version.FileMetaData
	open  OpenTableIterator

	fileIdx int // -1 once moved before the first file, len(files) once moved past the last
	child   Iterator
	err     error
}

func (it *levelIterator) setChild(idx int) bool {
	if idx < 0 || idx >= len(it.files) {
		it.fileIdx = idx
		it.child = nil
		return false
	}
	child, err := it.open(it.files[idx])
	if err != nil {
		it.err = err
		it.fileIdx = idx
		it.child = nil
		return false
	}
	it.fileIdx = idx
	it.child = child
	return true
}

func (it *levelIterator) First() {
	if !it.setChild(0) {
		return
	}
	it.child.First()
	it.skipForwardPastEmpty()
}

func (it *levelIterator) Last() {
	if !it.setChild(len(it.files) - 1) {
		return
	}
	it.child.Last()
	it.skipBackwardPastEmpty()
}

func (it *levelIterator) Seek(target types.Key) {
	idx := searchFirstFileGE(it.files, target)
	if !it.setChild(idx) {
		return
	}
	it.child.Seek(target)
	it.skipForwardPastEmpty()
}

// searchFirstFileGE returns the index of the first file whose largest
// key is >= target, via binary search over the sorted file list.
func searchFirstFileGE(files []*version.FileMetaData, target []byte) int {
	lo, hi := 0, len(files)
	for lo < hi {
		mid := (lo + hi) / 2
		if compareBytes(files[mid].Largest, target) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func compareBytes(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

func (it *levelIterator) Next() {
	if it.child == nil {
		return
	}
	it.child.Next()
	it.skipForwardPastEmpty()
}

func (it *levelIterator) Prev() {
	if it.child == nil {
		return
	}
	it.child.Prev()
	it.skipBackwardPastEmpty()
}

func (it *levelIterator) skipForwardPastEmpty() {
	for it.child == nil || !it.child.Valid() {
		if it.child != nil && it.child.Err() != nil {
			it.err = it.child.Err()
			return
		}
		if !it.setChild(it.fileIdx + 1) {
			return
		}
		it.child.First()
	}
}

func (it *levelIterator) skipBackwardPastEmpty() {
	for it.child == nil || !it.child.Valid() {
		if it.child != nil && it.child.Err() != nil {
			it.err = it.child.Err()
			return
		}
		if !it.setChild(it.fileIdx - 1) {
			return
		}
		it.child.Last()
	}
}

func (it *levelIterator) Valid() bool { return it.child != nil && it.child.Valid() && it.err == nil }
func (it *levelIterator) Key() types.Key     { return it.child.Key() }
func (it *levelIterator) Value() types.Value { return it.child.Value() }

func (it *levelIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	if it.child != nil {
		return it.child.Err()
	}
	return nil
}
