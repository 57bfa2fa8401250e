package wal

import (
	"bytes"
	"fmt"
	"io"
	"testing"
)

func TestLog_RoundTripSmallRecords(t *testing.T) {
	var buf bytes.Buffer
	w := NewLogWriter(&buf)

	var want [][]byte
	for i := 0; i < 50; i++ {
		rec := []byte(fmt.Sprintf("record-%03d", i))
		if err := w.AddRecord(rec); err != nil {
			t.Fatalf("AddRecord: %v", err)
		}
		want = append(want, rec)
	}

	r := NewLogReader(&buf, nil)
	for i, w := range want {
		got, err := r.ReadRecord()
		if err != nil {
			t.Fatalf("ReadRecord %d: %v", i, err)
		}
		if !bytes.Equal(got, w) {
			t.Fatalf("record %d: got %q want %q", i, got, w)
		}
	}
	if _, err := r.ReadRecord(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestLog_RecordSpanningMultipleBlocks(t *testing.T) {
	var buf bytes.Buffer
	w := NewLogWriter(&buf)

	big := bytes.Repeat([]byte("x"), BlockSize*3+17)
	if err := w.AddRecord(big); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}
	if err := w.AddRecord([]byte("tail")); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}

	r := NewLogReader(&buf, nil)
	got, err := r.ReadRecord()
	if err != nil {
		t.Fatalf("ReadRecord (big): %v", err)
	}
	if !bytes.Equal(got, big) {
		t.Fatalf("big record mismatch: got %d bytes want %d", len(got), len(big))
	}

	got, err = r.ReadRecord()
	if err != nil {
		t.Fatalf("ReadRecord (tail): %v", err)
	}
	if string(got) != "tail" {
		t.Fatalf("tail record: got %q", got)
	}
}

func TestLog_CorruptedRecordIsReportedAndSkipped(t *testing.T) {
	var buf bytes.Buffer
	w := NewLogWriter(&buf)
	if err := w.AddRecord([]byte("first")); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}
	if err := w.AddRecord([]byte("second")); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}

	data := buf.Bytes()
	// flip a byte inside the first record's payload to corrupt its CRC.
	data[HeaderSize] ^= 0xff

	var reports int
	r := NewLogReader(bytes.NewReader(data), func(n int, err error) { reports++ })

	got, err := r.ReadRecord()
	if err != nil {
		t.Fatalf("ReadRecord (second, after corruption): %v", err)
	}
	if string(got) != "second" {
		t.Fatalf("expected to recover the second record, got %q", got)
	}
	if reports == 0 {
		t.Fatal("expected the corruption reporter to be invoked")
	}
}
