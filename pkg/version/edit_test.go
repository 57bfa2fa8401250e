package version

import (
	"bytes"
	"testing"

	"lsmkv/pkg/types"
)

func TestEdit_EncodeDecodeRoundTrip(t *testing.T) {
	e := &Edit{
		ComparatorName: "leveldb.BytewiseComparator",
		HasComparator:  true,
		LogNumber:      7,
		HasLogNumber:   true,
		PrevLogNumber:  6,
		HasPrevLog:     true,
		NextFileNum:    42,
		HasNextFile:    true,
		LastSequence:   types.SequenceNumber(1000),
		HasLastSeq:     true,
	}
	e.SetCompactPointer(2, ik("m", 3))
	e.DeleteFile(1, 12)
	e.AddFile(2, FileMetaData{Number: 99, FileSize: 4096, Smallest: ik("a", 1), Largest: ik("z", 1)})

	encoded := e.EncodeTo(nil)
	decoded, err := DecodeEdit(encoded)
	if err != nil {
		t.Fatalf("DecodeEdit: %v", err)
	}

	if decoded.ComparatorName != e.ComparatorName {
		t.Errorf("ComparatorName = %q, want %q", decoded.ComparatorName, e.ComparatorName)
	}
	if decoded.LogNumber != 7 || decoded.PrevLogNumber != 6 || decoded.NextFileNum != 42 {
		t.Errorf("unexpected numbers: %+v", decoded)
	}
	if decoded.LastSequence != 1000 {
		t.Errorf("LastSequence = %d, want 1000", decoded.LastSequence)
	}
	if len(decoded.CompactPointers) != 1 || decoded.CompactPointers[0].Level != 2 ||
		!bytes.Equal(decoded.CompactPointers[0].Key, ik("m", 3)) {
		t.Errorf("unexpected compact pointers: %+v", decoded.CompactPointers)
	}
	if len(decoded.DeletedFiles) != 1 || decoded.DeletedFiles[0] != (deletedFileKey{Level: 1, Number: 12}) {
		t.Errorf("unexpected deleted files: %+v", decoded.DeletedFiles)
	}
	if len(decoded.NewFiles) != 1 || decoded.NewFiles[0].Level != 2 || decoded.NewFiles[0].Meta.Number != 99 ||
		decoded.NewFiles[0].Meta.FileSize != 4096 {
		t.Errorf("unexpected new files: %+v", decoded.NewFiles)
	}
}

func TestEdit_DecodeTruncatedTagErrors(t *testing.T) {
	if _, err := DecodeEdit([]byte{0xff, 0xff, 0xff, 0xff, 0xff}); err == nil {
		t.Fatal("expected an error decoding a malformed tag stream")
	}
}

func TestEdit_DecodeUnknownTagErrors(t *testing.T) {
	e := &Edit{}
	encoded := e.EncodeTo(nil)
	encoded = append(encoded, 200) // unknown tag, single-byte varint
	if _, err := DecodeEdit(encoded); err == nil {
		t.Fatal("expected an error decoding an unknown tag")
	}
}
