package version

import "lsmkv/pkg/types"

// Compaction describes one leveled compaction: the input file set at
// level and at level+1, plus enough context (grandparent files, base
// version) for the compaction executor to bound output file sizes and
// decide which entries are safe to drop.
type Compaction struct {
	Level int

	Inputs [2][]*FileMetaData // Inputs[0] is Level, Inputs[1] is Level+1

	Grandparents []*FileMetaData // Level+2 files overlapping the output key range

	inputVersion    *Version
	vs              *VersionSet
	grandparentIdx  int
	seenKey         bool
	overlappedBytes uint64

	newCompactPointer []byte
}

// PickCompaction selects the next compaction to run: a size-triggered
// compaction of the version's highest-scoring level if its score is at
// least 1.0, else a seek-triggered compaction of whichever file has
// exhausted its seek budget, else nil if nothing needs compacting.
func PickCompaction(vs *VersionSet) *Compaction {
	v := vs.Current()
	sizeCompaction := v.compactionScore >= 1.0
	seekCompaction := v.fileToCompact != nil

	var c *Compaction
	switch {
	case sizeCompaction:
		level := v.compactionLevel
		files := v.files[level]
		ptr := vs.compactPointer[level]

		var picked *FileMetaData
		for _, f := range files {
			if ptr == nil || vs.cmp.Compare(f.Largest, ptr) > 0 {
				picked = f
				break
			}
		}
		if picked == nil && len(files) > 0 {
			picked = files[0]
		}
		if picked == nil {
			return nil
		}
		c = newCompaction(vs, v, level)
		c.Inputs[0] = []*FileMetaData{picked}
	case seekCompaction:
		c = newCompaction(vs, v, v.fileToCompactLv)
		c.Inputs[0] = []*FileMetaData{v.fileToCompact}
	default:
		return nil
	}

	if c.Level == 0 {
		smallest, largest := rangeOf(vs.cmp, c.Inputs[0])
		c.Inputs[0] = v.overlapsRange(vs.cmp, 0, smallest, largest)
	}

	c.setupOtherInputs()
	return c
}

func newCompaction(vs *VersionSet, v *Version, level int) *Compaction {
	v.Ref()
	return &Compaction{Level: level, inputVersion: v, vs: vs}
}

// rangeOf returns the smallest and largest internal keys spanned by
// files.
func rangeOf(cmp *types.InternalKeyComparator, files []*FileMetaData) (smallest, largest []byte) {
	for i, f := range files {
		if i == 0 {
			smallest, largest = f.Smallest, f.Largest
			continue
		}
		if cmp.Compare(f.Smallest, smallest) < 0 {
			smallest = f.Smallest
		}
		if cmp.Compare(f.Largest, largest) > 0 {
			largest = f.Largest
		}
	}
	return smallest, largest
}

// setupOtherInputs computes Inputs[1] (the overlapping files at
// Level+1), then greedily grows Inputs[0] to cover any additional
// Level files it can absorb for free (without changing Inputs[1] or
// growing past the grandparent overlap bound), and finally records the
// grandparent (Level+2) files the output range will overlap.
func (c *Compaction) setupOtherInputs() {
	v := c.inputVersion
	cmp := c.vs.cmp
	level := c.Level

	smallest, largest := rangeOf(cmp, c.Inputs[0])
	c.Inputs[1] = v.overlapsRange(cmp, level+1, smallest, largest)

	allSmallest, allLargest := rangeOf(cmp, append(append([]*FileMetaData{}, c.Inputs[0]...), c.Inputs[1]...))

	if len(c.Inputs[1]) > 0 {
		expanded0 := v.overlapsRange(cmp, level, allSmallest, allLargest)
		if len(expanded0) > len(c.Inputs[0]) {
			var expandedBytes uint64
			for _, f := range expanded0 {
				expandedBytes += f.FileSize
			}
			for _, f := range c.Inputs[1] {
				expandedBytes += f.FileSize
			}
			expSmallest, expLargest := rangeOf(cmp, expanded0)
			expanded1 := v.overlapsRange(cmp, level+1, expSmallest, expLargest)
			if len(expanded1) == len(c.Inputs[1]) && expandedBytes < maxGrandparentOverlapBytes {
				c.Inputs[0] = expanded0
				c.Inputs[1] = expanded1
				allSmallest, allLargest = rangeOf(cmp, append(append([]*FileMetaData{}, c.Inputs[0]...), c.Inputs[1]...))
			}
		}
	}

	if level+2 < NumLevels {
		c.Grandparents = v.overlapsRange(cmp, level+2, allSmallest, allLargest)
	}

	c.newCompactPointer = append([]byte(nil), allLargest...)
}

// IsTrivialMove reports whether this compaction can be satisfied by
// simply moving its single input file to Level+1, with no merge pass
// needed: exactly one input file, no overlap at Level+1, and moving it
// wouldn't push the grandparent overlap past the bound.
func (c *Compaction) IsTrivialMove() bool {
	return len(c.Inputs[0]) == 1 && len(c.Inputs[1]) == 0 && c.grandparentOverlapBytes() <= maxGrandparentOverlapBytes
}

func (c *Compaction) grandparentOverlapBytes() uint64 {
	var total uint64
	for _, f := range c.Grandparents {
		total += f.FileSize
	}
	return total
}

// OutputLevel is the level compaction output files belong to.
func (c *Compaction) OutputLevel() int { return c.Level + 1 }

// CompactPointer returns the key that should be recorded as Level's new
// compaction resume point once this compaction's edit is applied.
func (c *Compaction) CompactPointer() []byte { return c.newCompactPointer }

// IsBaseLevelForKey reports whether no file at a level deeper than
// Level+1 can contain userKey, which makes it safe to drop a deletion
// tombstone for that key once no live snapshot can observe it.
func (c *Compaction) IsBaseLevelForKey(userKey types.Key) bool {
	v := c.inputVersion
	user := c.vs.cmp.User
	for level := c.Level + 2; level < NumLevels; level++ {
		for _, f := range v.files[level] {
			if user.Compare(userKey, types.UserKey(f.Smallest)) >= 0 &&
				user.Compare(userKey, types.UserKey(f.Largest)) <= 0 {
				return false
			}
		}
	}
	return true
}

// ShouldStopBefore reports whether the compaction output currently
// being built should be cut into a new file before appending
// internalKey, because continuing would push the grandparent overlap
// for this output file past the bound. It must be called with
// non-decreasing keys across one output file's lifetime.
func (c *Compaction) ShouldStopBefore(internalKey []byte) bool {
	cmp := c.vs.cmp
	advanced := false
	for c.grandparentIdx < len(c.Grandparents) &&
		cmp.Compare(internalKey, c.Grandparents[c.grandparentIdx].Largest) > 0 {
		if c.seenKey {
			c.overlappedBytes += c.Grandparents[c.grandparentIdx].FileSize
		}
		c.grandparentIdx++
		advanced = true
	}
	c.seenKey = true

	if advanced && c.overlappedBytes > maxGrandparentOverlapBytes {
		c.overlappedBytes = 0
		return true
	}
	return false
}

// Release drops this compaction's reference on its input version.
func (c *Compaction) Release() {
	c.vs.mu.Lock()
	c.inputVersion.Unref()
	c.vs.mu.Unlock()
}

// AddDeletionsAndInsertions appends the standard VersionEdit deltas for
// this compaction's inputs (removed) and outputs (added) to edit.
func (c *Compaction) AddDeletionsAndInsertions(edit *Edit, outputs []FileMetaData) {
	for _, f := range c.Inputs[0] {
		edit.DeleteFile(c.Level, f.Number)
	}
	for _, f := range c.Inputs[1] {
		edit.DeleteFile(c.OutputLevel(), f.Number)
	}
	for _, f := range outputs {
		edit.AddFile(c.OutputLevel(), f)
	}
	if c.newCompactPointer != nil {
		edit.SetCompactPointer(c.Level, c.newCompactPointer)
	}
}

// TargetFileSize and MaxGrandparentOverlapBytes expose the package's
// compaction-output sizing constants to the compaction executor.
func TargetFileSize() uint64                  { return targetFileSize }
func MaxGrandparentOverlapBytes() uint64       { return maxGrandparentOverlapBytes }
