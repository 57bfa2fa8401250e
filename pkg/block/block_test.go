package block

import (
	"fmt"
	"testing"

	"lsmkv/pkg/types"
)

func buildBlock(t *testing.T, restartInterval int, n int) ([]byte, [][2]string) {
	t.Helper()
	b := NewBuilder(restartInterval)
	var want [][2]string
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key-%04d", i)
		v := fmt.Sprintf("value-%d", i)
		b.Add([]byte(k), []byte(v))
		want = append(want, [2]string{k, v})
	}
	return b.Finish(), want
}

func TestBlock_RoundTripOrderedSequence(t *testing.T) {
	data, want := buildBlock(t, 4, 50)

	r, err := NewReader(data, types.BytewiseComparator)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	it := NewIterator(r)
	it.First()

	for i, w := range want {
		if !it.Valid() {
			t.Fatalf("iterator exhausted early at record %d", i)
		}
		if string(it.Key()) != w[0] || string(it.Value()) != w[1] {
			t.Fatalf("record %d: got (%s,%s) want (%s,%s)", i, it.Key(), it.Value(), w[0], w[1])
		}
		it.Next()
	}
	if it.Valid() {
		t.Fatal("iterator should be exhausted after last record")
	}
}

func TestBlock_ReverseIteration(t *testing.T) {
	data, want := buildBlock(t, 3, 30)
	r, err := NewReader(data, types.BytewiseComparator)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	it := NewIterator(r)
	it.Last()

	for i := len(want) - 1; i >= 0; i-- {
		if !it.Valid() {
			t.Fatalf("iterator exhausted early at reverse record %d", i)
		}
		if string(it.Key()) != want[i][0] {
			t.Fatalf("reverse record %d: got key %s want %s", i, it.Key(), want[i][0])
		}
		it.Prev()
	}
}

func TestBlock_Seek(t *testing.T) {
	data, want := buildBlock(t, 4, 100)
	r, err := NewReader(data, types.BytewiseComparator)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	it := NewIterator(r)

	it.Seek([]byte(want[40][0]))
	if !it.Valid() || string(it.Key()) != want[40][0] {
		t.Fatalf("seek to exact key failed: got %q", it.Key())
	}

	it.Seek([]byte("key-00405")) // between record 40 and 41
	if !it.Valid() || string(it.Key()) != want[41][0] {
		t.Fatalf("seek to non-existent key failed: got %q want %q", it.Key(), want[41][0])
	}
}

func TestBlock_ZeroRestartsIsInvalid(t *testing.T) {
	b := NewBuilder(16)
	data := b.Finish() // no records added
	r, err := NewReader(data, types.BytewiseComparator)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	it := NewIterator(r)
	it.First()
	if it.Valid() {
		t.Fatal("block with zero restarts must never produce a valid position")
	}
	it.Seek([]byte("anything"))
	if it.Valid() {
		t.Fatal("seek on zero-restart block must be invalid")
	}
}
