package version

import (
	"testing"

	"lsmkv/pkg/types"
)

func ik(userKey string, seq types.SequenceNumber) []byte {
	return types.MakeInternalKey([]byte(userKey), seq, types.TypeValue)
}

func newTestVersionSet() *VersionSet {
	cmp := types.NewInternalKeyComparator(types.BytewiseComparator)
	return NewVersionSet("testdb", cmp, nil)
}

func TestVersion_RefCounting(t *testing.T) {
	vs := newTestVersionSet()
	v := vs.Current()
	v.Ref()
	v.Ref()
	v.Unref()
	v.Unref()
	// still referenced once via vs.current itself; no panic expected.
}

func TestVersion_OverlapsRangeLevel0(t *testing.T) {
	vs := newTestVersionSet()
	v := newVersion(vs)
	v.files[0] = []*FileMetaData{
		{Number: 1, Smallest: ik("b", 10), Largest: ik("d", 5)},
		{Number: 2, Smallest: ik("m", 10), Largest: ik("p", 5)},
	}

	got := v.overlapsRange(vs.cmp, 0, ik("c", 100), ik("n", 0))
	if len(got) != 2 {
		t.Fatalf("overlapsRange level 0 = %d files, want 2", len(got))
	}
}

func TestVersion_OverlapsRangeLevel1Sorted(t *testing.T) {
	vs := newTestVersionSet()
	v := newVersion(vs)
	v.files[1] = []*FileMetaData{
		{Number: 1, Smallest: ik("a", 10), Largest: ik("c", 5)},
		{Number: 2, Smallest: ik("d", 10), Largest: ik("f", 5)},
		{Number: 3, Smallest: ik("g", 10), Largest: ik("i", 5)},
	}

	got := v.overlapsRange(vs.cmp, 1, ik("e", 100), ik("h", 0))
	if len(got) != 2 || got[0].Number != 2 || got[1].Number != 3 {
		t.Fatalf("unexpected overlap set: %+v", got)
	}
}

func TestVersion_Get_NewestFileWinsInLevel0(t *testing.T) {
	vs := newTestVersionSet()
	v := newVersion(vs)
	v.files[0] = []*FileMetaData{
		{Number: 1, Smallest: ik("a", 1), Largest: ik("z", 1), AllowedSeeks: 100},
		{Number: 2, Smallest: ik("a", 5), Largest: ik("z", 5), AllowedSeeks: 100},
	}

	var seen []uint64
	_, _, found, err := v.Get([]byte("k"), 10, func(f *FileMetaData, internalKey []byte) ([]byte, bool, bool, error) {
		seen = append(seen, f.Number)
		if f.Number == 2 {
			return []byte("v2"), false, true, nil
		}
		return nil, false, false, nil
	})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found {
		t.Fatal("expected a match")
	}
	if len(seen) != 1 || seen[0] != 2 {
		t.Fatalf("expected file 2 probed first, got %v", seen)
	}
}

func TestVersion_Get_FallsThroughLevels(t *testing.T) {
	vs := newTestVersionSet()
	v := newVersion(vs)
	v.files[1] = []*FileMetaData{
		{Number: 10, Smallest: ik("a", 1), Largest: ik("m", 1), AllowedSeeks: 100},
	}
	v.files[2] = []*FileMetaData{
		{Number: 20, Smallest: ik("n", 1), Largest: ik("z", 1), AllowedSeeks: 100},
	}

	_, _, found, err := v.Get([]byte("p"), 5, func(f *FileMetaData, internalKey []byte) ([]byte, bool, bool, error) {
		if f.Number == 20 {
			return []byte("val"), false, true, nil
		}
		return nil, false, false, nil
	})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found {
		t.Fatal("expected key p to be found at level 2")
	}
}

func TestVersion_SeekCompactionScheduledAfterBudgetExhausted(t *testing.T) {
	vs := newTestVersionSet()
	v := newVersion(vs)
	v.files[1] = []*FileMetaData{
		{Number: 10, Smallest: ik("a", 1), Largest: ik("m", 1), AllowedSeeks: 1},
	}
	v.files[2] = []*FileMetaData{
		{Number: 20, Smallest: ik("a", 1), Largest: ik("m", 1), AllowedSeeks: 100},
	}

	// Both files' ranges hold "a"; both get probed and miss, costing
	// file 10 its only allowed seek.
	_, _, _, err := v.Get([]byte("a"), 5, func(f *FileMetaData, internalKey []byte) ([]byte, bool, bool, error) {
		return nil, false, false, nil
	})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v.fileToCompact == nil {
		t.Fatal("expected a seek-triggered compaction to be scheduled")
	}
}
