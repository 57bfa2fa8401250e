package sstable

import (
	"bytes"
	"fmt"
	"testing"

	"lsmkv/pkg/types"
)

type byteReaderAt []byte

func (b byteReaderAt) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, b[off:])
	if n < len(p) {
		return n, fmt.Errorf("short read")
	}
	return n, nil
}

func buildTable(t *testing.T, n int, opts Options) ([]byte, [][2]string) {
	t.Helper()
	var buf bytes.Buffer
	w := NewWriter(&buf, opts)
	var want [][2]string
	for i := 0; i < n; i++ {
		key := types.MakeInternalKey([]byte(fmt.Sprintf("key-%05d", i)), types.SequenceNumber(i+1), types.TypeValue)
		val := []byte(fmt.Sprintf("value-%d", i))
		if err := w.Add(key, val); err != nil {
			t.Fatalf("Add: %v", err)
		}
		want = append(want, [2]string{string(key), string(val)})
	}
	if err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return buf.Bytes(), want
}

func TestTable_IteratorRoundTrip(t *testing.T) {
	opts := DefaultOptions()
	opts.BlockSize = 200 // force multiple data blocks
	data, want := buildTable(t, 500, opts)

	table, err := Open(byteReaderAt(data), int64(len(data)), opts, nil, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if table.Size() != int64(len(data)) {
		t.Fatalf("Size() = %d, want %d", table.Size(), len(data))
	}

	it := table.NewIterator()
	it.First()
	for i, w := range want {
		if !it.Valid() {
			t.Fatalf("iterator exhausted early at record %d: %v", i, it.Err())
		}
		if string(it.Key()) != w[0] || string(it.Value()) != w[1] {
			t.Fatalf("record %d: got (%q,%q) want (%q,%q)", i, it.Key(), it.Value(), w[0], w[1])
		}
		it.Next()
	}
	if it.Valid() {
		t.Fatal("iterator should be exhausted after the last record")
	}
}

func TestTable_Get(t *testing.T) {
	opts := DefaultOptions()
	opts.BlockSize = 100
	data, want := buildTable(t, 200, opts)

	table, err := Open(byteReaderAt(data), int64(len(data)), opts, nil, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	target := []byte(want[50][0])
	var gotKey, gotValue []byte
	err = table.Get(target, func(key, value []byte) {
		gotKey = append([]byte(nil), key...)
		gotValue = append([]byte(nil), value...)
	})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(gotKey) != want[50][0] || string(gotValue) != want[50][1] {
		t.Fatalf("Get returned (%q,%q), want (%q,%q)", gotKey, gotValue, want[50][0], want[50][1])
	}
}

func TestTable_GetMissingKeyPastEnd(t *testing.T) {
	opts := DefaultOptions()
	data, _ := buildTable(t, 10, opts)

	table, err := Open(byteReaderAt(data), int64(len(data)), opts, nil, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	missing := types.MakeInternalKey([]byte("zzz-not-present"), types.SequenceNumber(1), types.TypeValue)
	err = table.Get(missing, func(key, value []byte) {
		t.Fatalf("unexpected match for missing key: %q", key)
	})
	if err == nil {
		t.Fatal("expected ErrNotFound for a key past the end of the table")
	}
}

func TestTable_ReverseIteration(t *testing.T) {
	opts := DefaultOptions()
	opts.BlockSize = 150
	data, want := buildTable(t, 120, opts)

	table, err := Open(byteReaderAt(data), int64(len(data)), opts, nil, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	it := table.NewIterator()
	it.Last()
	for i := len(want) - 1; i >= 0; i-- {
		if !it.Valid() {
			t.Fatalf("iterator exhausted early at reverse record %d: %v", i, it.Err())
		}
		if string(it.Key()) != want[i][0] {
			t.Fatalf("reverse record %d: got %q want %q", i, it.Key(), want[i][0])
		}
		it.Prev()
	}
}

type recordingCache struct {
	store map[string][]byte
	hits  int
	miss  int
}

func newRecordingCache() *recordingCache { return &recordingCache{store: map[string][]byte{}} }

func (c *recordingCache) Get(key string) ([]byte, bool) {
	v, ok := c.store[key]
	if ok {
		c.hits++
	} else {
		c.miss++
	}
	return v, ok
}

func (c *recordingCache) Set(key string, value []byte) { c.store[key] = value }

func TestTable_BlockCacheIsReused(t *testing.T) {
	opts := DefaultOptions()
	opts.BlockSize = 100
	data, want := buildTable(t, 100, opts)

	cache := newRecordingCache()
	table, err := Open(byteReaderAt(data), int64(len(data)), opts, cache, "test-table/")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	target := []byte(want[10][0])
	for i := 0; i < 3; i++ {
		var got []byte
		err := table.Get(target, func(key, value []byte) { got = append([]byte(nil), value...) })
		if err != nil {
			t.Fatalf("Get iteration %d: %v", i, err)
		}
		if string(got) != want[10][1] {
			t.Fatalf("iteration %d: got %q want %q", i, got, want[10][1])
		}
	}
	if cache.hits == 0 {
		t.Fatal("expected at least one cache hit after repeated lookups of the same block")
	}
}
