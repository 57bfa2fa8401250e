// Package iterator implements the ordered iteration machinery of
// spec.md §4.9: a shared Iterator interface, a heap-based k-way merging
// iterator over memtables and table files, a two-level iterator that
// concatenates a level's non-overlapping files, and DBIter, the
// snapshot-aware, user-facing iterator the DB hands back from
// NewIterator.
package iterator

import "lsmkv/pkg/types"

// Iterator walks a sorted sequence of internal-key/value pairs, the
// same shape as block.Iterator and sstable.Iterator so the merging and
// two-level iterators below can wrap either one without an adapter.
type Iterator interface {
	// Seek moves to the first entry whose key is >= target.
	Seek(target types.Key)
	// First moves to the smallest entry.
	First()
	// Last moves to the largest entry.
	Last()
	// Next advances to the following entry.
	Next()
	// Prev moves to the preceding entry.
	Prev()
	// Valid reports whether the iterator currently points at an entry.
	Valid() bool
	// Key returns the current entry's key.
	Key() types.Key
	// Value returns the current entry's value.
	Value() types.Value
	// Err returns the first error encountered, if any.
	Err() error
}
