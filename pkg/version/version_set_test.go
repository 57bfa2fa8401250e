package version

import (
	"bytes"
	"io"
	"sync"
	"testing"

	"lsmkv/pkg/types"
)

// memStorage is an in-memory Storage for exercising VersionSet's manifest
// and CURRENT file handling without touching a real filesystem.
type memStorage struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newMemStorage() *memStorage { return &memStorage{files: make(map[string][]byte)} }

type memWritableFile struct {
	s    *memStorage
	name string
	buf  bytes.Buffer
}

func (f *memWritableFile) Write(p []byte) (int, error) {
	n, err := f.buf.Write(p)
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	f.s.files[f.name] = append([]byte(nil), f.buf.Bytes()...)
	return n, err
}

func (f *memWritableFile) Close() error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	f.s.files[f.name] = append([]byte(nil), f.buf.Bytes()...)
	return nil
}

func (s *memStorage) NewWritableFile(name string) (io.WriteCloser, error) {
	return &memWritableFile{s: s, name: name}, nil
}

func (s *memStorage) NewSequentialFile(name string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[name]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memStorage) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, name)
	return nil
}

func (s *memStorage) Rename(oldname, newname string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[oldname]
	if !ok {
		return io.ErrUnexpectedEOF
	}
	s.files[newname] = data
	delete(s.files, oldname)
	return nil
}

func TestVersionSet_LogAndApplyThenRecover(t *testing.T) {
	cmp := types.NewInternalKeyComparator(types.BytewiseComparator)
	storage := newMemStorage()

	vs := NewVersionSet("db", cmp, storage)
	vs.logNumber = 3

	fileNum := vs.NewFileNumber()
	edit := &Edit{
		LogNumber:    3,
		HasLogNumber: true,
		LastSequence: types.SequenceNumber(100),
		HasLastSeq:   true,
	}
	edit.AddFile(0, FileMetaData{Number: fileNum, FileSize: 1024, Smallest: ik("a", 1), Largest: ik("m", 1)})

	if err := vs.LogAndApply(edit); err != nil {
		t.Fatalf("LogAndApply: %v", err)
	}

	if got := len(vs.Current().Files(0)); got != 1 {
		t.Fatalf("Files(0) = %d, want 1", got)
	}
	if vs.LastSequence() != 100 {
		t.Fatalf("LastSequence() = %d, want 100", vs.LastSequence())
	}

	// Recover into a fresh VersionSet sharing the same storage.
	vs2 := NewVersionSet("db", cmp, storage)
	if err := vs2.Recover(); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if got := len(vs2.Current().Files(0)); got != 1 {
		t.Fatalf("recovered Files(0) = %d, want 1", got)
	}
	if vs2.Current().Files(0)[0].Number != fileNum {
		t.Fatalf("recovered file number = %d, want %d", vs2.Current().Files(0)[0].Number, fileNum)
	}
	if vs2.LastSequence() != 100 {
		t.Fatalf("recovered LastSequence() = %d, want 100", vs2.LastSequence())
	}
}

func TestVersionSet_LogAndApplyThenDeleteFile(t *testing.T) {
	cmp := types.NewInternalKeyComparator(types.BytewiseComparator)
	storage := newMemStorage()
	vs := NewVersionSet("db", cmp, storage)

	fileNum := vs.NewFileNumber()
	add := &Edit{LastSequence: 1, HasLastSeq: true, LogNumber: 1, HasLogNumber: true}
	add.AddFile(0, FileMetaData{Number: fileNum, FileSize: 100, Smallest: ik("a", 1), Largest: ik("b", 1)})
	if err := vs.LogAndApply(add); err != nil {
		t.Fatalf("LogAndApply add: %v", err)
	}

	del := &Edit{LastSequence: 2, HasLastSeq: true, LogNumber: 1, HasLogNumber: true}
	del.DeleteFile(0, fileNum)
	if err := vs.LogAndApply(del); err != nil {
		t.Fatalf("LogAndApply delete: %v", err)
	}

	if got := len(vs.Current().Files(0)); got != 0 {
		t.Fatalf("Files(0) after delete = %d, want 0", got)
	}
}

func TestComputeCompactionScoreAndLevel_L0Trigger(t *testing.T) {
	vs := newTestVersionSet()
	v := newVersion(vs)
	for i := 0; i < l0CompactionTrigger; i++ {
		v.files[0] = append(v.files[0], &FileMetaData{Number: uint64(i), Smallest: ik("a", 1), Largest: ik("b", 1)})
	}
	computeCompactionScoreAndLevel(v)
	if v.compactionLevel != 0 {
		t.Fatalf("compactionLevel = %d, want 0", v.compactionLevel)
	}
	if v.compactionScore < 1.0 {
		t.Fatalf("compactionScore = %f, want >= 1.0", v.compactionScore)
	}
}

func TestComputeCompactionScoreAndLevel_L1ByteTrigger(t *testing.T) {
	vs := newTestVersionSet()
	v := newVersion(vs)
	v.files[1] = []*FileMetaData{{Number: 1, FileSize: uint64(levelMaxBytes(1)) + 1, Smallest: ik("a", 1), Largest: ik("b", 1)}}
	computeCompactionScoreAndLevel(v)
	if v.compactionLevel != 1 {
		t.Fatalf("compactionLevel = %d, want 1", v.compactionLevel)
	}
}
