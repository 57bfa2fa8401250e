package wal

import (
	"bytes"
	"context"
	"testing"
	"time"
)

type memSyncer struct {
	bytes.Buffer
	synced int
	closed bool
}

func (m *memSyncer) Sync() error { m.synced++; return nil }
func (m *memSyncer) Close() error { m.closed = true; return nil }

func TestWAL_AppendAcksInOrder(t *testing.T) {
	backing := &memSyncer{}
	w := New(backing)
	w.Start(context.Background())

	w.Append(Write{Sequence: 1, Payload: []byte("batch-1"), Sync: true})
	w.Append(Write{Sequence: 2, Payload: []byte("batch-2"), Sync: true})

	for _, want := range []uint64{1, 2} {
		select {
		case got := <-w.Done():
			if got != want {
				t.Fatalf("got ack %d, want %d", got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for ack %d", want)
		}
	}

	w.Stop()
	if backing.synced < 2 {
		t.Fatalf("expected at least 2 syncs, got %d", backing.synced)
	}
	if !backing.closed {
		// Stop alone doesn't close the file; Close does.
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !backing.closed {
		t.Fatal("expected the backing file to be closed")
	}

	r := NewLogReader(bytes.NewReader(backing.Bytes()), nil)
	first, err := r.ReadRecord()
	if err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	if string(first) != "batch-1" {
		t.Fatalf("got %q, want batch-1", first)
	}
}
