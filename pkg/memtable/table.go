package memtable

import "lsmkv/pkg/types"

// Table is a read-only handle onto one frozen memtable generation,
// handed to the background worker over Memtable.FlushChan. It plays the
// role of the teacher's SortedSet: a snapshot of one skip list ready to
// be drained in order.
type Table struct {
	table *table
	cmp   types.Comparator
}

// Len returns the number of records in the table.
func (t *Table) Len() int { return t.table.Len() }

// Each calls fn with every (internal key, value) pair in ascending
// internal-key order, stopping early if fn returns false.
func (t *Table) Each(fn func(ikey []byte, value types.Value) bool) {
	t.table.Range(func(ikey []byte, value []byte) bool {
		return fn(ikey, value)
	})
}

// NewIterator returns an iterator over the table's records in ascending
// internal-key order, built by draining Each into a slice: skipmap
// exposes no seek primitive, so random-access positioning is done over a
// materialized copy rather than the live skip list.
func (t *Table) NewIterator() *Iterator {
	entries := make([]entryPair, 0, t.table.Len())
	t.table.Range(func(ikey []byte, value []byte) bool {
		entries = append(entries, entryPair{key: ikey, value: value})
		return true
	})
	return &Iterator{cmp: t.cmp, entries: entries, pos: -1}
}

type entryPair struct {
	key   []byte
	value []byte
}

// Iterator walks a materialized snapshot of one table's entries.
type Iterator struct {
	cmp     types.Comparator
	entries []entryPair
	pos     int
}

func (it *Iterator) Valid() bool { return it.pos >= 0 && it.pos < len(it.entries) }
func (it *Iterator) Key() []byte   { return it.entries[it.pos].key }
func (it *Iterator) Value() []byte { return it.entries[it.pos].value }
func (it *Iterator) Err() error    { return nil }

func (it *Iterator) First() {
	if len(it.entries) == 0 {
		it.pos = -1
		return
	}
	it.pos = 0
}

func (it *Iterator) Last() {
	it.pos = len(it.entries) - 1
}

func (it *Iterator) Next() {
	if it.pos < len(it.entries) {
		it.pos++
	}
}

func (it *Iterator) Prev() {
	if it.pos >= 0 {
		it.pos--
	}
}

// Seek moves to the first entry whose key is >= target.
func (it *Iterator) Seek(target []byte) {
	lo, hi := 0, len(it.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if it.cmp.Compare(it.entries[mid].key, target) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	it.pos = lo
	if it.pos >= len(it.entries) {
		it.pos = len(it.entries)
	}
}
