package version

import "testing"

func TestPickCompaction_NoneNeeded(t *testing.T) {
	vs := newTestVersionSet()
	if c := PickCompaction(vs); c != nil {
		t.Fatalf("expected no compaction, got one for level %d", c.Level)
	}
}

func TestPickCompaction_L0SizeTriggered(t *testing.T) {
	vs := newTestVersionSet()
	v := newVersion(vs)
	for i := 0; i < l0CompactionTrigger; i++ {
		v.files[0] = append(v.files[0], &FileMetaData{
			Number:   uint64(i + 1),
			FileSize: 100,
			Smallest: ik("a", 10),
			Largest:  ik("c", 1),
		})
	}
	computeCompactionScoreAndLevel(v)
	vs.current = v

	c := PickCompaction(vs)
	if c == nil {
		t.Fatal("expected a compaction to be picked")
	}
	if c.Level != 0 {
		t.Fatalf("Level = %d, want 0", c.Level)
	}
	if len(c.Inputs[0]) != l0CompactionTrigger {
		t.Fatalf("expected all %d overlapping L0 files, got %d", l0CompactionTrigger, len(c.Inputs[0]))
	}
}

func TestPickCompaction_SeekTriggered(t *testing.T) {
	vs := newTestVersionSet()
	v := newVersion(vs)
	target := &FileMetaData{Number: 7, FileSize: 100, Smallest: ik("a", 10), Largest: ik("c", 1)}
	v.files[2] = []*FileMetaData{target}
	v.fileToCompact = target
	v.fileToCompactLv = 2
	vs.current = v

	c := PickCompaction(vs)
	if c == nil {
		t.Fatal("expected a compaction to be picked")
	}
	if c.Level != 2 || len(c.Inputs[0]) != 1 || c.Inputs[0][0].Number != 7 {
		t.Fatalf("unexpected compaction: %+v", c)
	}
}

func TestCompaction_IsTrivialMoveWhenNoOverlap(t *testing.T) {
	vs := newTestVersionSet()
	v := newVersion(vs)
	v.files[1] = []*FileMetaData{{Number: 1, FileSize: 100, Smallest: ik("a", 10), Largest: ik("c", 1)}}
	vs.current = v

	c := newCompaction(vs, v, 1)
	c.Inputs[0] = []*FileMetaData{v.files[1][0]}
	c.setupOtherInputs()

	if !c.IsTrivialMove() {
		t.Fatal("expected a trivial move with no level+1 overlap")
	}
}

func TestCompaction_IsBaseLevelForKey(t *testing.T) {
	vs := newTestVersionSet()
	v := newVersion(vs)
	v.files[3] = []*FileMetaData{{Number: 1, Smallest: ik("m", 10), Largest: ik("p", 1)}}
	vs.current = v

	c := newCompaction(vs, v, 0)
	if c.IsBaseLevelForKey([]byte("n")) {
		t.Fatal("expected IsBaseLevelForKey to be false: level 3 holds the key")
	}
	if !c.IsBaseLevelForKey([]byte("z")) {
		t.Fatal("expected IsBaseLevelForKey to be true: no deeper level holds the key")
	}
}

func TestCompaction_ShouldStopBeforeGrandparentBound(t *testing.T) {
	vs := newTestVersionSet()
	v := newVersion(vs)
	vs.current = v

	c := newCompaction(vs, v, 0)
	c.Grandparents = []*FileMetaData{
		{Number: 1, FileSize: maxGrandparentOverlapBytes + 1, Largest: ik("c", 1)},
	}

	if c.ShouldStopBefore(ik("a", 1)) {
		t.Fatal("should not stop before the first grandparent boundary is crossed")
	}
	if !c.ShouldStopBefore(ik("d", 1)) {
		t.Fatal("expected a stop once the grandparent boundary is crossed past the overlap bound")
	}
}
