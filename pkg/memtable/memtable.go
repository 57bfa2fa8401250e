// Package memtable implements the in-memory sorted table described in
// spec.md §4.5: a concurrent skip list keyed by internal key, rotated
// into an immutable generation and handed to the flush path once its
// estimated size crosses WriteBufferSize.
package memtable

import (
	"sync"
	"sync/atomic"

	"lsmkv/pkg/types"

	"github.com/zhangyunhao116/skipmap"
)

// perEntryOverhead approximates the bookkeeping bytes skipmap spends per
// node, so EstimatedSize tracks real memory pressure rather than just
// key+value bytes (grounded on the teacher's own seqN+meta fixed-size
// accounting in pkg/memtable/memtable.go's Upsert).
const perEntryOverhead = 16

type table = skipmap.FuncMap[[]byte, []byte]

func newTable(cmp types.Comparator) *table {
	return skipmap.NewFunc[[]byte, []byte](func(a, b []byte) bool {
		return cmp.Compare(a, b) < 0
	})
}

// Memtable holds the active skip list plus any immutable generations
// still waiting to be flushed, rotating atomically under a size budget.
type Memtable struct {
	cmp *types.InternalKeyComparator

	writeBufferSize uint64
	maxImmTables    int

	ver  atomic.Uint64
	size atomic.Uint64

	active atomic.Pointer[table]
	imm    atomic.Pointer[[]*table]

	flushChan chan *Table
	mu        sync.Mutex
	cond      *sync.Cond

	onRotate func(*Table)
}

// SetOnRotate registers fn to run synchronously, under the same lock as
// the rotation itself, each time the active table is frozen and a new
// one takes its place. pkg/db uses this to roll the write-ahead log in
// lockstep with the memtable: there is no other lock shared between the
// writer path and the background flush path that would let it do so
// safely otherwise.
func (mt *Memtable) SetOnRotate(fn func(*Table)) { mt.onRotate = fn }

// New returns an empty Memtable that rotates once its estimated size
// reaches writeBufferSize bytes. cmp orders user keys; an
// *types.InternalKeyComparator is used as is.
func New(cmp types.Comparator, writeBufferSize uint64, maxImmTables, flushChanBuffer int) *Memtable {
	if maxImmTables <= 0 {
		maxImmTables = 4
	}
	icmp, ok := cmp.(*types.InternalKeyComparator)
	if !ok {
		icmp = types.NewInternalKeyComparator(cmp)
	}
	mt := &Memtable{
		cmp:             icmp,
		writeBufferSize: writeBufferSize,
		maxImmTables:    maxImmTables,
		flushChan:       make(chan *Table, flushChanBuffer),
	}
	mt.active.Store(newTable(icmp))
	mt.cond = sync.NewCond(&mt.mu)
	return mt
}

// Add inserts one internal-key record, rotating the active table first
// if the new entry would push it past the write buffer budget.
func (mt *Memtable) Add(seq types.SequenceNumber, t types.ValueType, userKey types.Key, value types.Value) {
	ikey := types.MakeInternalKey(userKey, seq, t)
	entrySize := uint64(len(ikey)) + uint64(len(value)) + perEntryOverhead

	for {
		current := mt.size.Load()
		next := current + entrySize
		if next <= mt.writeBufferSize || current == 0 {
			if mt.size.CompareAndSwap(current, next) {
				break
			}
			continue
		}

		ver := mt.ver.Load()
		mt.mu.Lock()
		if mt.ver.CompareAndSwap(ver, ver+1) {
			mt.rotate(entrySize)
			mt.cond.Broadcast()
			mt.mu.Unlock()
			break
		}
		mt.cond.Wait()
		mt.mu.Unlock()
	}

	active := mt.active.Load()
	active.Store(ikey, value)
}

func (mt *Memtable) rotate(initSize uint64) {
	current := mt.active.Load()
	frozen := &Table{table: current, cmp: mt.cmp}
	if mt.onRotate != nil {
		mt.onRotate(frozen)
	}
	mt.flushChan <- frozen

	oldSlice := mt.imm.Load()
	var newSlice []*table
	if oldSlice != nil {
		newSlice = append([]*table{}, *oldSlice...)
	}
	newSlice = append(newSlice, current)
	if len(newSlice) > mt.maxImmTables {
		newSlice = newSlice[1:]
	}
	mt.imm.Store(&newSlice)

	mt.active.Store(newTable(mt.cmp))
	mt.size.Store(initSize)
}

// Get looks up userKey as of seq across the active table and every
// still-unflushed immutable generation, most recent first. It reports
// whether the user key is present, and if present whether it is a
// tombstone at that sequence.
func (mt *Memtable) Get(userKey types.Key, seq types.SequenceNumber) (value types.Value, deleted bool, found bool) {
	lookup := types.LookupKey(userKey, seq)

	if v, del, ok := lookupIn(mt.active.Load(), mt.cmp, userKey, lookup); ok {
		return v, del, true
	}
	if immSlice := mt.imm.Load(); immSlice != nil {
		for i := len(*immSlice) - 1; i >= 0; i-- {
			if v, del, ok := lookupIn((*immSlice)[i], mt.cmp, userKey, lookup); ok {
				return v, del, true
			}
		}
	}
	return nil, false, false
}

// lookupIn scans t in ascending internal-key order for the first entry
// whose key is >= lookup, returning it only if its user key matches.
// skipmap has no seek primitive, so this walks from the smallest key;
// memtables stay small (bounded by WriteBufferSize) so the scan is cheap
// in practice.
func lookupIn(t *table, cmp *types.InternalKeyComparator, userKey types.Key, lookup []byte) (types.Value, bool, bool) {
	var value types.Value
	var deleted, found bool
	t.Range(func(ikey []byte, v []byte) bool {
		if cmp.Compare(ikey, lookup) < 0 {
			return true
		}
		if cmp.User.Compare(types.UserKey(ikey), userKey) != 0 {
			// Wrong user key at or after the lookup point: no entry for
			// this user key exists at this sequence.
			return false
		}
		found = true
		deleted = types.ValueTypeOf(ikey) == types.TypeDeletion
		value = v
		return false
	})
	return value, deleted, found
}

// Tables returns the active table plus every still-unflushed immutable
// generation, most recent first, the same traversal order Get uses, for
// building a point-in-time read iterator over the whole memtable.
func (mt *Memtable) Tables() []*Table {
	out := []*Table{{table: mt.active.Load(), cmp: mt.cmp}}
	if immSlice := mt.imm.Load(); immSlice != nil {
		for i := len(*immSlice) - 1; i >= 0; i-- {
			out = append(out, &Table{table: (*immSlice)[i], cmp: mt.cmp})
		}
	}
	return out
}

// EstimatedSize returns the active table's tracked byte budget usage.
func (mt *Memtable) EstimatedSize() uint64 { return mt.size.Load() }

// FlushChan returns the channel of immutable tables awaiting flush.
func (mt *Memtable) FlushChan() <-chan *Table { return mt.flushChan }

// Close drains the flush channel's sender side.
func (mt *Memtable) Close() { close(mt.flushChan) }
