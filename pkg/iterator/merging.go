package iterator

import (
	"container/heap"

	"lsmkv/pkg/types"
)

// NewMergingIterator returns an Iterator walking the union of children
// in ascending internal-key order, grounded on the heap-based k-way
// merge in grailbio-bigslice's mapio.Merged: forward iteration drives a
// min-heap of children so Next is O(log k) rather than a linear scan
// over every level and memtable generation. Reverse iteration
// (direction switch) falls back to a linear re-sync across children,
// the same trade the teacher's own code makes elsewhere for code that
// rarely runs backward.
func NewMergingIterator(cmp *types.InternalKeyComparator, children []Iterator) Iterator {
	return &mergingIterator{cmp: cmp, children: children}
}

type direction int

const (
	dirForward direction = iota
	dirReverse
)

type mergingIterator struct {
	cmp      *types.InternalKeyComparator
	children []Iterator
	heap     mergeHeap
	dir      direction
	current  Iterator
	err      error
}

func (m *mergingIterator) Valid() bool { return m.current != nil }

func (m *mergingIterator) Key() types.Key { return m.current.Key() }

func (m *mergingIterator) Value() types.Value { return m.current.Value() }

func (m *mergingIterator) Err() error {
	if m.err != nil {
		return m.err
	}
	for _, c := range m.children {
		if err := c.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (m *mergingIterator) First() {
	for _, c := range m.children {
		c.First()
	}
	m.buildForwardHeap()
}

func (m *mergingIterator) Last() {
	for _, c := range m.children {
		c.Last()
	}
	m.dir = dirReverse
	m.findLargest()
}

func (m *mergingIterator) Seek(target types.Key) {
	for _, c := range m.children {
		c.Seek(target)
	}
	m.buildForwardHeap()
}

// buildForwardHeap (re)establishes forward iteration order: every child
// is already positioned, so only the valid ones are pushed onto a fresh
// min-heap keyed by internal key.
func (m *mergingIterator) buildForwardHeap() {
	m.dir = dirForward
	m.heap = m.heap[:0]
	for _, c := range m.children {
		if c.Valid() {
			m.heap = append(m.heap, c)
		}
	}
	heap.Init(&heapSlice{h: &m.heap, cmp: m.cmp})
	m.setCurrentFromHeap()
}

func (m *mergingIterator) setCurrentFromHeap() {
	if len(m.heap) == 0 {
		m.current = nil
		return
	}
	m.current = m.heap[0]
}

func (m *mergingIterator) Next() {
	if m.current == nil {
		return
	}
	if m.dir != dirForward {
		// Switching direction: every other child must be advanced past
		// the current key so forward order resumes correctly.
		key := append([]byte(nil), m.current.Key()...)
		for _, c := range m.children {
			if c == m.current {
				continue
			}
			c.Seek(key)
			if c.Valid() && m.cmp.Compare(c.Key(), key) == 0 {
				c.Next()
			}
		}
		m.current.Next()
		m.buildForwardHeapFrom(key)
		return
	}

	hs := heapSlice{h: &m.heap, cmp: m.cmp}
	m.current.Next()
	if m.current.Valid() {
		heap.Fix(&hs, 0)
	} else {
		heap.Pop(&hs)
	}
	m.setCurrentFromHeap()
}

// buildForwardHeapFrom rebuilds the forward heap after a direction
// switch, assuming every child has already been repositioned at or
// after key.
func (m *mergingIterator) buildForwardHeapFrom(key []byte) {
	m.dir = dirForward
	m.heap = m.heap[:0]
	for _, c := range m.children {
		if c.Valid() {
			m.heap = append(m.heap, c)
		}
	}
	heap.Init(&heapSlice{h: &m.heap, cmp: m.cmp})
	m.setCurrentFromHeap()
}

func (m *mergingIterator) Prev() {
	if m.current == nil {
		return
	}
	if m.dir != dirReverse {
		key := append([]byte(nil), m.current.Key()...)
		for _, c := range m.children {
			if c == m.current {
				continue
			}
			c.Seek(key)
			if c.Valid() {
				c.Prev()
			} else {
				c.Last()
			}
		}
		m.dir = dirReverse
	}
	m.current.Prev()
	m.findLargest()
}

// findLargest scans every child for the largest valid key, the linear
// counterpart to the forward heap used while iterating in reverse.
func (m *mergingIterator) findLargest() {
	var largest Iterator
	for _, c := range m.children {
		if !c.Valid() {
			continue
		}
		if largest == nil || m.cmp.Compare(c.Key(), largest.Key()) > 0 {
			largest = c
		}
	}
	m.current = largest
}

// mergeHeap is the backing slice for heapSlice; kept as a named type so
// mergingIterator can reuse its storage across rebuilds.
type mergeHeap []Iterator

// heapSlice adapts mergeHeap to container/heap.Interface with the
// internal-key comparator supplying Less.
type heapSlice struct {
	h   *mergeHeap
	cmp *types.InternalKeyComparator
}

func (s *heapSlice) Len() int { return len(*s.h) }
func (s *heapSlice) Less(i, j int) bool {
	return s.cmp.Compare((*s.h)[i].Key(), (*s.h)[j].Key()) < 0
}
func (s *heapSlice) Swap(i, j int) { (*s.h)[i], (*s.h)[j] = (*s.h)[j], (*s.h)[i] }
func (s *heapSlice) Push(x any)    { *s.h = append(*s.h, x.(Iterator)) }
func (s *heapSlice) Pop() any {
	old := *s.h
	n := len(old)
	item := old[n-1]
	*s.h = old[:n-1]
	return item
}
