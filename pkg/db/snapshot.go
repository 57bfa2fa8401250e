package db

import (
	"sync"

	"lsmkv/pkg/config"
	"lsmkv/pkg/types"
)

// snapshot pins a read to the sequence number current at the moment it
// was taken, satisfying config.Snapshot. It is a node of its owning
// snapshotList's sentinel-anchored doubly-linked list.
type snapshot struct {
	seq  types.SequenceNumber
	prev *snapshot
	next *snapshot
}

// SequenceNumber implements config.Snapshot.
func (s *snapshot) SequenceNumber() uint64 { return uint64(s.seq) }

// snapshotList tracks every outstanding snapshot, oldest first, so the
// background compactor knows the lowest sequence number any open
// snapshot still pins (compaction must not drop a tombstone or an older
// value any live snapshot could still observe).
type snapshotList struct {
	mu       sync.Mutex
	sentinel snapshot
}

func newSnapshotList() *snapshotList {
	l := &snapshotList{}
	l.sentinel.prev = &l.sentinel
	l.sentinel.next = &l.sentinel
	return l
}

// new records a fresh snapshot at seq, linked at the tail (newest).
func (l *snapshotList) new(seq types.SequenceNumber) *snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := &snapshot{seq: seq}
	s.prev = l.sentinel.prev
	s.next = &l.sentinel
	l.sentinel.prev.next = s
	l.sentinel.prev = s
	return s
}

// release unlinks s. It is a no-op if s was already released.
func (l *snapshotList) release(s *snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s.prev == nil || s.next == nil {
		return
	}
	s.prev.next = s.next
	s.next.prev = s.prev
	s.prev, s.next = nil, nil
}

// oldest returns the sequence number of the oldest outstanding
// snapshot, or fallback if none are open.
func (l *snapshotList) oldest(fallback types.SequenceNumber) types.SequenceNumber {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sentinel.next == &l.sentinel {
		return fallback
	}
	return l.sentinel.next.seq
}

// GetSnapshot captures the database's current sequence number as a
// read point later Get/NewIterator calls can pin to.
func (d *db) GetSnapshot() config.Snapshot {
	return d.snapshots.new(d.versions.LastSequence())
}

// ReleaseSnapshot discards a snapshot obtained from GetSnapshot. Reads
// already in flight against it are unaffected; it simply allows
// compaction to reclaim entries it alone was pinning.
func (d *db) ReleaseSnapshot(s config.Snapshot) {
	if snap, ok := s.(*snapshot); ok {
		d.snapshots.release(snap)
	}
}
