// Package version implements the Version/VersionEdit/VersionSet
// machinery from spec.md §4.7: ref-counted per-level file sets, the
// manifest edit log, and the compaction scoring and picker that decide
// what the background worker compacts next.
package version

import (
	"lsmkv/pkg/types"
)

// NumLevels is the number of levels in the tree, L0 through L6.
const NumLevels = 7

// FileMetaData describes one on-disk table file.
type FileMetaData struct {
	Number       uint64
	FileSize     uint64
	Smallest     []byte // smallest internal key in the file
	Largest      []byte // largest internal key in the file
	AllowedSeeks int    // seek budget before a compaction is scheduled
	RefCount     int
}

// Version is one immutable, ref-counted snapshot of the per-level file
// sets, threaded into the VersionSet's circular doubly-linked list.
type Version struct {
	vs *VersionSet

	files [NumLevels][]*FileMetaData

	compactionScore float64
	compactionLevel int
	fileToCompact   *FileMetaData
	fileToCompactLv int

	refs int
	prev *Version
	next *Version
}

func newVersion(vs *VersionSet) *Version {
	v := &Version{vs: vs, compactionLevel: -1}
	v.next = v
	v.prev = v
	return v
}

// Ref increments the version's reference count.
func (v *Version) Ref() { v.refs++ }

// Unref decrements the reference count, unlinking and discarding the
// version once it drops to zero (it must not be the VersionSet's
// current version when that happens).
func (v *Version) Unref() {
	v.refs--
	if v.refs < 0 {
		panic("version: over-released")
	}
	if v.refs == 0 {
		v.prev.next = v.next
		v.next.prev = v.prev
		v.prev, v.next = nil, nil
	}
}

// Files returns the file list for a level; callers must not mutate it.
func (v *Version) Files(level int) []*FileMetaData { return v.files[level] }

// CompactionScore and CompactionLevel report the version's precomputed
// highest level score and its level, which may be below 1.0, or (0, -1)
// when every scored level is empty.
func (v *Version) CompactionScore() float64 { return v.compactionScore }
func (v *Version) CompactionLevel() int     { return v.compactionLevel }

// NeedsCompaction reports whether some level's score is at least 1.0 or
// a file has been flagged by seek statistics.
func (v *Version) NeedsCompaction() bool {
	return v.compactionScore >= 1.0 || v.fileToCompact != nil
}

// overlapsRange returns the files in level that overlap [smallest,
// largest] (internal-key comparator order). For level 0, every file is
// checked since they may mutually overlap; for level >= 1 a binary
// search over the sorted, non-overlapping file list is used.
func (v *Version) overlapsRange(cmp *types.InternalKeyComparator, level int, smallest, largest []byte) []*FileMetaData {
	var out []*FileMetaData
	if level == 0 {
		for _, f := range v.files[0] {
			if fileOverlaps(cmp, f, smallest, largest) {
				out = append(out, f)
			}
		}
		return out
	}

	files := v.files[level]
	lo := searchFirstGE(cmp, files, smallest)
	for i := lo; i < len(files); i++ {
		f := files[i]
		if cmp.Compare(f.Smallest, largest) > 0 {
			break
		}
		out = append(out, f)
	}
	return out
}

func fileOverlaps(cmp *types.InternalKeyComparator, f *FileMetaData, smallest, largest []byte) bool {
	if cmp.Compare(f.Largest, smallest) < 0 {
		return false
	}
	if cmp.Compare(f.Smallest, largest) > 0 {
		return false
	}
	return true
}

// searchFirstGE returns the index of the first file whose largest key
// is >= key, in a sorted, non-overlapping file list.
func searchFirstGE(cmp *types.InternalKeyComparator, files []*FileMetaData, key []byte) int {
	lo, hi := 0, len(files)
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp.Compare(files[mid].Largest, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// RecordReadSample charges one seek against the first file found to
// contain userKey at a level deeper than wherever it was first found,
// the same accounting Get's recordSeek performs internally, so repeated
// reads through an iterator drive seek-triggered compaction exactly
// like repeated Get calls would (spec.md §4.9).
func (v *Version) RecordReadSample(userKey types.Key) {
	var first *FileMetaData
	var firstLevel int

	for level := 0; level < NumLevels; level++ {
		files := v.files[level]
		if len(files) == 0 {
			continue
		}
		if level == 0 {
			for _, f := range files {
				if v.vs.cmp.User.Compare(types.UserKey(f.Smallest), userKey) <= 0 &&
					v.vs.cmp.User.Compare(userKey, types.UserKey(f.Largest)) <= 0 {
					if first == nil {
						first, firstLevel = f, level
					} else {
						v.chargeSeek(first, firstLevel)
						return
					}
				}
			}
			continue
		}
		lookup := types.LookupKey(userKey, types.MaxSequenceNumber)
		idx := searchFirstGE(v.vs.cmp, files, lookup)
		if idx < len(files) && v.vs.cmp.User.Compare(userKey, types.UserKey(files[idx].Smallest)) >= 0 {
			if first == nil {
				first, firstLevel = files[idx], level
			} else {
				v.chargeSeek(first, firstLevel)
				return
			}
		}
	}
}

func (v *Version) chargeSeek(f *FileMetaData, level int) {
	f.AllowedSeeks--
	if f.AllowedSeeks <= 0 && v.fileToCompact == nil {
		v.fileToCompact = f
		v.fileToCompactLv = level
	}
}

// Get probes this version's files, level by level, newest first within
// L0, for the first entry visible at or before lookup's sequence. find
// opens (or reuses, via the table cache) the table for fileNumber and
// performs the actual block-level lookup.
func (v *Version) Get(userKey types.Key, seq types.SequenceNumber, find func(f *FileMetaData, internalKey []byte) (value []byte, deleted bool, ok bool, err error)) (value []byte, deleted, found bool, err error) {
	lookup := types.LookupKey(userKey, seq)

	var lastFileRead *FileMetaData
	var lastFileReadLevel int
	recordSeek := func(f *FileMetaData, level int) {
		if lastFileRead != nil && v.fileToCompact == nil {
			lastFileRead.AllowedSeeks--
			if lastFileRead.AllowedSeeks <= 0 {
				v.fileToCompact = lastFileRead
				v.fileToCompactLv = lastFileReadLevel
			}
		}
		lastFileRead = f
		lastFileReadLevel = level
	}

	for level := 0; level < NumLevels; level++ {
		files := v.files[level]
		if len(files) == 0 {
			continue
		}

		var candidates []*FileMetaData
		if level == 0 {
			for _, f := range files {
				if v.vs.cmp.User.Compare(types.UserKey(f.Smallest), userKey) <= 0 &&
					v.vs.cmp.User.Compare(userKey, types.UserKey(f.Largest)) <= 0 {
					candidates = append(candidates, f)
				}
			}
			// newest (highest file number) first
			for i, j := 0, len(candidates)-1; i < j; i, j = i+1, j-1 {
				candidates[i], candidates[j] = candidates[j], candidates[i]
			}
		} else {
			idx := searchFirstGE(v.vs.cmp, files, lookup)
			if idx < len(files) && v.vs.cmp.User.Compare(userKey, types.UserKey(files[idx].Smallest)) >= 0 {
				candidates = []*FileMetaData{files[idx]}
			}
		}

		for _, f := range candidates {
			recordSeek(f, level)
			val, del, ok, ferr := find(f, lookup)
			if ferr != nil {
				return nil, false, false, ferr
			}
			if ok {
				return val, del, true, nil
			}
		}
	}
	recordSeek(nil, 0)
	return nil, false, false, nil
}
