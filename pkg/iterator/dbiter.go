package iterator

import (
	"lsmkv/pkg/types"

	"github.com/zhangyunhao116/fastrand"
)

// readBytesPeriod is the mean number of internal-key bytes between
// read-sampling checks that flag a file for seek-triggered compaction,
// mirroring the canonical jleveldb DBIter's kReadBytesPeriod.
const readBytesPeriod = 1 << 20

// RecordReadSample is called by DBIter with the internal key of a
// sampled read. pkg/db wires this to version.Version's seek-accounting
// so range scans contribute to seek-triggered compaction the same way
// point lookups do.
type RecordReadSample func(internalKey []byte)

// DBIter is the user-facing, snapshot-aware iterator spec.md §4.9
// names: it drives an internal merging iterator over internal keys,
// drops entries invisible above its pinned sequence number, collapses
// every user key's internal-key run down to one value, and hides
// tombstones. Constructed by pkg/db.DB.NewIterator.
type DBIter struct {
	cmp      *types.InternalKeyComparator
	internal Iterator
	sequence types.SequenceNumber
	sample   RecordReadSample

	bytesUntilSample int64

	valid bool
	dir   direction
	key   []byte
	value []byte
}

// NewDBIter returns a DBIter reading internal (already positioned at
// its start) at the given snapshot sequence number.
func NewDBIter(cmp *types.InternalKeyComparator, internal Iterator, sequence types.SequenceNumber, sample RecordReadSample) *DBIter {
	it := &DBIter{cmp: cmp, internal: internal, sequence: sequence, sample: sample}
	it.bytesUntilSample = it.randomSamplePeriod()
	return it
}

func (it *DBIter) randomSamplePeriod() int64 {
	return int64(fastrand.Uint32() % (2 * readBytesPeriod))
}

// maybeSample charges n bytes (key+value) against the sampling budget,
// calling sample once per readBytesPeriod bytes traversed on average.
func (it *DBIter) maybeSample(ikey []byte) {
	n := int64(len(ikey) + len(it.internal.Value()))
	for n >= it.bytesUntilSample {
		n -= it.bytesUntilSample
		if it.sample != nil {
			it.sample(ikey)
		}
		it.bytesUntilSample = it.randomSamplePeriod()
	}
	it.bytesUntilSample -= n
}

func (it *DBIter) Valid() bool        { return it.valid }
func (it *DBIter) Key() types.Key     { return it.key }
func (it *DBIter) Value() types.Value { return it.value }
func (it *DBIter) Err() error         { return it.internal.Err() }

func (it *DBIter) First() {
	it.dir = dirForward
	it.internal.First()
	if it.internal.Valid() {
		it.findNextUserEntry(false, nil)
	} else {
		it.valid = false
	}
}

func (it *DBIter) Last() {
	it.dir = dirReverse
	it.internal.Last()
	it.findPrevUserEntry()
}

func (it *DBIter) Seek(target types.Key) {
	it.dir = dirForward
	it.internal.Seek(types.LookupKey(target, it.sequence))
	if it.internal.Valid() {
		it.findNextUserEntry(false, nil)
	} else {
		it.valid = false
	}
}

func (it *DBIter) Next() {
	if !it.valid {
		return
	}
	if it.dir == dirReverse {
		it.dir = dirForward
		if !it.internal.Valid() {
			it.internal.First()
		} else {
			it.internal.Next()
		}
		if !it.internal.Valid() {
			it.valid = false
			return
		}
		skip := append([]byte(nil), it.key...)
		it.findNextUserEntry(true, &skip)
		return
	}

	skip := append([]byte(nil), it.key...)
	it.internal.Next()
	it.findNextUserEntry(true, &skip)
}

// findNextUserEntry scans forward from the internal iterator's current
// position for the next visible, non-tombstone entry. While skipping is
// true, entries whose user key matches *skipKey (the run just consumed)
// are passed over without inspection.
func (it *DBIter) findNextUserEntry(skipping bool, skipKey *[]byte) {
	for it.internal.Valid() {
		ikey := it.internal.Key()
		it.maybeSample(ikey)

		seq := types.SequenceOf(ikey)
		if seq <= it.sequence {
			userKey := types.UserKey(ikey)
			if skipping && it.cmp.User.Compare(userKey, *skipKey) <= 0 {
				it.internal.Next()
				continue
			}
			skipping = false
			if types.ValueTypeOf(ikey) == types.TypeDeletion {
				tomb := append([]byte(nil), userKey...)
				skipKey = &tomb
				skipping = true
			} else {
				it.key = append(it.key[:0], userKey...)
				it.value = append(it.value[:0], it.internal.Value()...)
				it.valid = true
				return
			}
		}
		it.internal.Next()
	}
	it.valid = false
}

func (it *DBIter) Prev() {
	if !it.valid {
		return
	}
	if it.dir == dirForward {
		savedUserKey := append([]byte(nil), it.key...)
		for {
			it.internal.Prev()
			if !it.internal.Valid() {
				it.valid = false
				return
			}
			if it.cmp.User.Compare(types.UserKey(it.internal.Key()), savedUserKey) < 0 {
				break
			}
		}
		it.dir = dirReverse
	}
	it.findPrevUserEntry()
}

// findPrevUserEntry scans backward from the internal iterator's current
// position, tracking the most recent (highest-sequence, <= snapshot)
// entry seen for each user key, and lands on the last such entry before
// the user key changes to something smaller.
func (it *DBIter) findPrevUserEntry() {
	valueType := types.TypeDeletion
	var savedKey, savedValue []byte

	for it.internal.Valid() {
		ikey := it.internal.Key()
		it.maybeSample(ikey)

		if types.SequenceOf(ikey) <= it.sequence {
			userKey := types.UserKey(ikey)
			if valueType != types.TypeDeletion && it.cmp.User.Compare(userKey, savedKey) < 0 {
				break
			}
			valueType = types.ValueTypeOf(ikey)
			savedKey = append(savedKey[:0], userKey...)
			if valueType == types.TypeDeletion {
				savedValue = savedValue[:0]
			} else {
				savedValue = append(savedValue[:0], it.internal.Value()...)
			}
		}
		it.internal.Prev()
	}

	if valueType == types.TypeDeletion {
		it.valid = false
		return
	}
	it.valid = true
	it.key = append(it.key[:0], savedKey...)
	it.value = append(it.value[:0], savedValue...)
}
