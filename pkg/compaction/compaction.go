// Package compaction drives one picked version.Compaction to
// completion: it merges the compaction's input files (and, for L0,
// overlapping input files) in internal-key order, drops entries hidden
// by a newer version or safe-to-collect tombstones, rolls output files
// at the target size or grandparent-overlap bound, and produces the
// version.Edit describing the result (spec.md §4.8/§4.9's background
// compaction loop).
package compaction

import (
	"fmt"

	"lsmkv/pkg/iterator"
	"lsmkv/pkg/sstable"
	"lsmkv/pkg/types"
	"lsmkv/pkg/version"
)

// NewTableFile is called once per output file the compaction produces;
// it returns a writer to the new file's destination (named and tracked
// by the caller, normally pkg/db via pkg/filename), the file number
// assigned to it, and a finish func that closes the file and reports
// its final size.
type NewTableFile func() (w *sstable.Writer, number uint64, finish func() (size int64, err error), err error)

// Run executes c, writing merged output through newFile and returning
// the resulting FileMetaData list (one per output file) plus the
// version.Edit recording the compaction's deletions and insertions.
// oldestLiveSnapshot is the lowest sequence number any open snapshot
// still pins; tombstones at or below it may be dropped once
// c.IsBaseLevelForKey confirms no deeper level can still see the key.
func Run(c *version.Compaction, cmp *types.InternalKeyComparator, merged iterator.Iterator, oldestLiveSnapshot types.SequenceNumber, newFile NewTableFile) ([]version.FileMetaData, *version.Edit, error) {
	var outputs []version.FileMetaData

	var (
		w           *sstable.Writer
		fileNumber  uint64
		finish      func() (int64, error)
		smallest    []byte
		largest     []byte
		hasLastUser bool
		lastUserKey []byte

		// lastSequenceForKey is the sequence number of the entry most
		// recently seen for the current user key (types.MaxSequenceNumber
		// at the first entry of a new user key, so it never itself looks
		// shadowed). An older entry for the same user key is only hidden
		// once the entry shadowing it is <= oldestLiveSnapshot: a live
		// snapshot taken between the two writes must still be able to see
		// the older value (spec.md §5/§8 snapshot isolation).
		lastSequenceForKey = types.MaxSequenceNumber
	)

	closeOutput := func() error {
		if w == nil {
			return nil
		}
		if err := w.Finish(); err != nil {
			return fmt.Errorf("finishing compaction output %d: %w", fileNumber, err)
		}
		size, err := finish()
		if err != nil {
			return fmt.Errorf("closing compaction output %d: %w", fileNumber, err)
		}
		outputs = append(outputs, version.FileMetaData{
			Number:   fileNumber,
			FileSize: uint64(size),
			Smallest: append([]byte(nil), smallest...),
			Largest:  append([]byte(nil), largest...),
		})
		w = nil
		return nil
	}

	openOutput := func() error {
		var err error
		w, fileNumber, finish, err = newFile()
		if err != nil {
			return fmt.Errorf("opening compaction output: %w", err)
		}
		smallest, largest = nil, nil
		return nil
	}

	for merged.First(); merged.Valid(); merged.Next() {
		ikey := append([]byte(nil), merged.Key()...)
		userKey := types.UserKey(ikey)
		seq := types.SequenceOf(ikey)
		vtype := types.ValueTypeOf(ikey)

		if !hasLastUser || cmp.User.Compare(userKey, lastUserKey) != 0 {
			hasLastUser = true
			lastUserKey = append(lastUserKey[:0], userKey...)
			lastSequenceForKey = types.MaxSequenceNumber
		}

		drop := false
		switch {
		case lastSequenceForKey <= oldestLiveSnapshot:
			// The entry that shadows this one is itself invisible to any
			// open snapshot, so nothing can still observe this older value.
			drop = true
		case vtype == types.TypeDeletion && seq <= oldestLiveSnapshot && c.IsBaseLevelForKey(userKey):
			// No snapshot can observe this key below the tombstone and no
			// deeper level holds an older version for it to hide, so the
			// tombstone itself is safe to collect.
			drop = true
		}

		lastSequenceForKey = seq

		if drop {
			continue
		}

		if w != nil && c.ShouldStopBefore(ikey) {
			if err := closeOutput(); err != nil {
				return nil, nil, err
			}
		}
		if w == nil {
			if err := openOutput(); err != nil {
				return nil, nil, err
			}
		}
		if smallest == nil {
			smallest = append([]byte(nil), ikey...)
		}
		largest = append(largest[:0], ikey...)

		if err := w.Add(ikey, merged.Value()); err != nil {
			return nil, nil, fmt.Errorf("writing compaction record: %w", err)
		}
		if w.Offset() >= uint64(version.TargetFileSize()) {
			if err := closeOutput(); err != nil {
				return nil, nil, err
			}
		}
	}
	if err := merged.Err(); err != nil {
		return nil, nil, fmt.Errorf("reading compaction input: %w", err)
	}
	if err := closeOutput(); err != nil {
		return nil, nil, err
	}

	edit := &version.Edit{}
	c.AddDeletionsAndInsertions(edit, outputs)
	return outputs, edit, nil
}
