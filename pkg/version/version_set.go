package version

import (
	"io"
	"path/filepath"
	"sort"
	"sync"

	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/filename"
	"lsmkv/pkg/types"
	"lsmkv/pkg/wal"

	"github.com/zhangyunhao116/skipset"
)

// targetFileSize bounds the size of one compaction output file.
const targetFileSize = 2 * 1024 * 1024

// maxGrandparentOverlapBytes bounds how much of the grandparent level a
// compaction output file is allowed to overlap before it is cut short,
// expressed as a multiple of targetFileSize (spec.md §4.7's 25x rule).
const maxGrandparentOverlapBytes = 25 * targetFileSize

// levelMaxBytes returns the byte-size threshold that triggers compaction
// of level, for level >= 1: 10MB * 10^(level-1).
func levelMaxBytes(level int) float64 {
	bytes := 10.0 * 1024 * 1024
	for i := 1; i < level; i++ {
		bytes *= 10
	}
	return bytes
}

// l0CompactionTrigger is the number of level-0 files that forces a score
// of 1.0 or more.
const l0CompactionTrigger = 4

// Storage is the narrow file-system surface VersionSet needs for the
// manifest and CURRENT file, kept here rather than importing a concrete
// env package to avoid a dependency cycle; pkg/db wires a real
// implementation in.
type Storage interface {
	NewWritableFile(name string) (io.WriteCloser, error)
	NewSequentialFile(name string) (io.ReadCloser, error)
	Remove(name string) error
	Rename(oldname, newname string) error
}

// VersionSet owns the current Version plus the manifest log that
// durably records every edit applied to it, per spec.md §4.7.
type VersionSet struct {
	dbname  string
	cmp     *types.InternalKeyComparator
	storage Storage

	mu sync.Mutex

	current *Version
	dummy   *Version // anchor of the circular version list

	nextFileNumber      uint64
	manifestFileNumber  uint64
	lastSequence        types.SequenceNumber
	logNumber           uint64
	prevLogNumber       uint64
	compactPointer      [NumLevels][]byte

	manifestFile   io.WriteCloser
	manifestWriter *wal.LogWriter
}

// NewVersionSet creates an empty VersionSet rooted at dbname, with one
// empty current Version.
func NewVersionSet(dbname string, cmp *types.InternalKeyComparator, storage Storage) *VersionSet {
	vs := &VersionSet{
		dbname:         dbname,
		cmp:            cmp,
		storage:        storage,
		nextFileNumber: 2,
	}
	vs.dummy = newVersion(vs)
	vs.current = newVersion(vs)
	vs.current.Ref()
	vs.current.prev = vs.dummy
	vs.current.next = vs.dummy
	vs.dummy.prev = vs.current
	vs.dummy.next = vs.current
	computeCompactionScoreAndLevel(vs.current)
	return vs
}

// Current returns the live Version; callers should Ref it before use
// across any I/O and Unref when done.
func (vs *VersionSet) Current() *Version {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.current
}

// RefCurrent returns the live Version with its reference count
// incremented; callers must pass it to UnrefVersion when done reading
// from or opening tables against it, since Unref may unlink (though not
// necessarily free, while the caller still holds this pointer) the
// version from the VersionSet's list once superseded.
func (vs *VersionSet) RefCurrent() *Version {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	vs.current.Ref()
	return vs.current
}

// UnrefVersion releases a reference taken by RefCurrent or obtained
// from a Compaction's input version.
func (vs *VersionSet) UnrefVersion(v *Version) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	v.Unref()
}

// NewFileNumber allocates the next file number.
func (vs *VersionSet) NewFileNumber() uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	n := vs.nextFileNumber
	vs.nextFileNumber++
	return n
}

// ReuseFileNumber gives back a file number that turned out to go unused,
// provided no later number has already been handed out.
func (vs *VersionSet) ReuseFileNumber(number uint64) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.nextFileNumber == number+1 {
		vs.nextFileNumber = number
	}
}

// MarkFileNumberUsed bumps the next-file-number counter past number, for
// file numbers discovered during manifest recovery.
func (vs *VersionSet) MarkFileNumberUsed(number uint64) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.nextFileNumber <= number {
		vs.nextFileNumber = number + 1
	}
}

// Close closes the open manifest file, if any.
func (vs *VersionSet) Close() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.manifestFile != nil {
		return vs.manifestFile.Close()
	}
	return nil
}

func (vs *VersionSet) LastSequence() types.SequenceNumber {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.lastSequence
}

func (vs *VersionSet) SetLastSequence(seq types.SequenceNumber) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if seq > vs.lastSequence {
		vs.lastSequence = seq
	}
}

func (vs *VersionSet) LogNumber() uint64     { return vs.logNumber }
func (vs *VersionSet) PrevLogNumber() uint64 { return vs.prevLogNumber }

// LiveFiles returns the set of file numbers referenced by the current
// version, for cleanup of orphaned table files.
func (vs *VersionSet) LiveFiles() *skipset.Uint64Set {
	out := skipset.NewUint64()
	vs.mu.Lock()
	v := vs.current
	v.Ref()
	vs.mu.Unlock()
	for level := 0; level < NumLevels; level++ {
		for _, f := range v.Files(level) {
			out.Add(f.Number)
		}
	}
	vs.mu.Lock()
	v.Unref()
	vs.mu.Unlock()
	return out
}

// appendVersion installs v as the current version, linking it into the
// circular list and unref'ing the version it replaces.
func (vs *VersionSet) appendVersion(v *Version) {
	v.Ref()
	prevCurrent := vs.current
	v.prev = vs.dummy.prev
	v.next = vs.dummy
	vs.dummy.prev.next = v
	vs.dummy.prev = v
	vs.current = v
	prevCurrent.Unref()
}

// LogAndApply builds a new Version by applying edit to the current one,
// appends edit to the manifest log (rolling to a fresh manifest file if
// none is open yet), and installs the new Version as current.
func (vs *VersionSet) LogAndApply(edit *Edit) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if edit.HasLogNumber {
		vs.logNumber = edit.LogNumber
	}
	if edit.HasPrevLog {
		vs.prevLogNumber = edit.PrevLogNumber
	}
	if edit.HasLastSeq {
		vs.lastSequence = edit.LastSequence
	}
	for _, cp := range edit.CompactPointers {
		vs.compactPointer[cp.Level] = cp.Key
	}

	newV := newVersion(vs)
	builder := newBuilder(vs.current)
	builder.apply(edit)
	builder.saveTo(newV)
	computeCompactionScoreAndLevel(newV)

	if vs.manifestWriter == nil {
		if err := vs.createManifest(); err != nil {
			return err
		}
	}

	// next_file_number always reflects the VersionSet's own counter at
	// the moment of writing, never the caller's value, so recovery can
	// trust it regardless of what the caller happened to set.
	edit.NextFileNum = vs.nextFileNumber
	edit.HasNextFile = true

	encoded := edit.EncodeTo(nil)
	if err := vs.manifestWriter.AddRecord(encoded); err != nil {
		return dberrors.Wrap(dberrors.CodeIOError, "append manifest record", err)
	}

	vs.appendVersion(newV)
	return nil
}

// createManifest opens a fresh manifest file, seeds it with a snapshot
// edit describing the entire current version, and repoints CURRENT at
// it.
func (vs *VersionSet) createManifest() error {
	vs.manifestFileNumber = vs.nextFileNumber
	vs.nextFileNumber++
	name := filename.ManifestFileName(vs.dbname, vs.manifestFileNumber)

	f, err := vs.storage.NewWritableFile(name)
	if err != nil {
		return dberrors.Wrap(dberrors.CodeIOError, "create manifest file", err)
	}

	snapshot := &Edit{
		ComparatorName: vs.cmp.Name(),
		HasComparator:  true,
		LogNumber:      vs.logNumber,
		HasLogNumber:   true,
		PrevLogNumber:  vs.prevLogNumber,
		HasPrevLog:     true,
		NextFileNum:    vs.nextFileNumber,
		HasNextFile:    true,
		LastSequence:   vs.lastSequence,
		HasLastSeq:     true,
	}
	for level := 0; level < NumLevels; level++ {
		for _, fm := range vs.current.Files(level) {
			snapshot.AddFile(level, *fm)
		}
		if cp := vs.compactPointer[level]; cp != nil {
			snapshot.SetCompactPointer(level, cp)
		}
	}

	writer := wal.NewLogWriter(f)
	if err := writer.AddRecord(snapshot.EncodeTo(nil)); err != nil {
		f.Close()
		return dberrors.Wrap(dberrors.CodeIOError, "write manifest snapshot", err)
	}

	if err := vs.setCurrentFile(vs.manifestFileNumber); err != nil {
		f.Close()
		return err
	}

	if vs.manifestFile != nil {
		vs.manifestFile.Close()
	}
	vs.manifestFile = f
	vs.manifestWriter = writer
	return nil
}

// setCurrentFile atomically repoints the CURRENT file at the given
// manifest number by writing a temp file and renaming it over CURRENT.
func (vs *VersionSet) setCurrentFile(manifestNumber uint64) error {
	tmpName := filename.TempFileName(vs.dbname, manifestNumber)
	f, err := vs.storage.NewWritableFile(tmpName)
	if err != nil {
		return dberrors.Wrap(dberrors.CodeIOError, "create CURRENT temp file", err)
	}
	contents := filename.ManifestFileName("", manifestNumber) + "\n"
	if _, err := f.Write([]byte(contents)); err != nil {
		f.Close()
		return dberrors.Wrap(dberrors.CodeIOError, "write CURRENT temp file", err)
	}
	if err := f.Close(); err != nil {
		return dberrors.Wrap(dberrors.CodeIOError, "close CURRENT temp file", err)
	}
	if err := vs.storage.Rename(tmpName, filename.CurrentFileName(vs.dbname)); err != nil {
		vs.storage.Remove(tmpName)
		return dberrors.Wrap(dberrors.CodeIOError, "rename CURRENT temp file", err)
	}
	return nil
}

// Recover replays the manifest named by CURRENT to rebuild the current
// Version and VersionSet bookkeeping. The recovered manifest is not
// reopened for appending: the next LogAndApply writes a fresh one.
func (vs *VersionSet) Recover() error {
	curFile, err := vs.storage.NewSequentialFile(filename.CurrentFileName(vs.dbname))
	if err != nil {
		return dberrors.Wrap(dberrors.CodeIOError, "open CURRENT", err)
	}
	currentContents, err := io.ReadAll(curFile)
	curFile.Close()
	if err != nil {
		return dberrors.Wrap(dberrors.CodeIOError, "read CURRENT", err)
	}
	manifestName := string(currentContents)
	for len(manifestName) > 0 && (manifestName[len(manifestName)-1] == '\n' || manifestName[len(manifestName)-1] == '\r') {
		manifestName = manifestName[:len(manifestName)-1]
	}
	if manifestName == "" {
		return dberrors.New(dberrors.CodeCorruption, "CURRENT file is empty")
	}

	mf, err := vs.storage.NewSequentialFile(filepath.Join(vs.dbname, manifestName))
	if err != nil {
		return dberrors.Wrap(dberrors.CodeIOError, "open manifest file", err)
	}
	defer mf.Close()

	builder := newBuilder(vs.dummy)
	reader := wal.NewLogReader(mf, nil)

	var haveLogNumber, haveNextFile, haveLastSeq bool
	var logNumber, nextFile uint64
	var lastSeq types.SequenceNumber
	var haveComparator bool
	var comparatorName string

	for {
		rec, err := reader.ReadRecord()
		if err == io.EOF {
			break
		}
		if err != nil {
			return dberrors.Wrap(dberrors.CodeCorruption, "read manifest record", err)
		}
		edit, err := DecodeEdit(rec)
		if err != nil {
			return err
		}
		if edit.HasComparator {
			haveComparator = true
			comparatorName = edit.ComparatorName
		}
		if edit.HasLogNumber {
			haveLogNumber = true
			logNumber = edit.LogNumber
		}
		if edit.HasPrevLog {
			vs.prevLogNumber = edit.PrevLogNumber
		}
		if edit.HasNextFile {
			haveNextFile = true
			nextFile = edit.NextFileNum
		}
		if edit.HasLastSeq {
			haveLastSeq = true
			lastSeq = edit.LastSequence
		}
		for _, cp := range edit.CompactPointers {
			vs.compactPointer[cp.Level] = cp.Key
		}
		builder.apply(edit)
	}

	if !haveNextFile {
		return dberrors.New(dberrors.CodeCorruption, "manifest missing next-file-number")
	}
	if !haveLogNumber {
		return dberrors.New(dberrors.CodeCorruption, "manifest missing log-number")
	}
	if !haveLastSeq {
		return dberrors.New(dberrors.CodeCorruption, "manifest missing last-sequence")
	}
	if haveComparator && comparatorName != vs.cmp.Name() {
		return dberrors.New(dberrors.CodeInvalidArgument, "manifest comparator mismatch: "+comparatorName)
	}

	newV := newVersion(vs)
	builder.saveTo(newV)
	computeCompactionScoreAndLevel(newV)

	vs.MarkFileNumberUsed(logNumber)
	vs.MarkFileNumberUsed(nextFile - 1)
	vs.nextFileNumber = nextFile
	vs.manifestFileNumber = nextFile
	vs.logNumber = logNumber
	vs.lastSequence = lastSeq

	vs.appendVersion(newV)
	return nil
}

// builder accumulates a base version's files plus an edit's deltas, then
// produces a new sorted, deduplicated per-level file list.
type builder struct {
	cmp     *types.InternalKeyComparator
	base    *Version
	added   [NumLevels][]*FileMetaData
	deleted [NumLevels]map[uint64]bool
}

func newBuilder(base *Version) *builder {
	b := &builder{cmp: base.vs.cmp, base: base}
	for i := range b.deleted {
		b.deleted[i] = make(map[uint64]bool)
	}
	return b
}

func (b *builder) apply(edit *Edit) {
	for _, df := range edit.DeletedFiles {
		b.deleted[df.Level][df.Number] = true
	}
	for _, nf := range edit.NewFiles {
		meta := nf.Meta
		meta.AllowedSeeks = seeksAllowed(meta.FileSize)
		b.added[nf.Level] = append(b.added[nf.Level], &meta)
	}
}

// seeksAllowed is the initial seek budget for a newly created file: one
// seek per 16KB of file data, minimum 100 (spec.md's seek-compaction
// heuristic).
func seeksAllowed(fileSize uint64) int {
	n := int(fileSize / (16 * 1024))
	if n < 100 {
		n = 100
	}
	return n
}

func (b *builder) saveTo(v *Version) {
	for level := 0; level < NumLevels; level++ {
		var merged []*FileMetaData
		for _, f := range b.base.files[level] {
			if !b.deleted[level][f.Number] {
				merged = append(merged, f)
			}
		}
		for _, f := range b.added[level] {
			if !b.deleted[level][f.Number] {
				merged = append(merged, f)
			}
		}
		if level == 0 {
			sort.Slice(merged, func(i, j int) bool { return merged[i].Number < merged[j].Number })
		} else {
			sort.Slice(merged, func(i, j int) bool {
				return b.cmp.Compare(merged[i].Smallest, merged[j].Smallest) < 0
			})
		}
		v.files[level] = merged
	}
}

// computeCompactionScoreAndLevel sets v's precomputed compaction trigger:
// num_files/4 for L0 (file-count based, since L0 files may overlap and
// grow without bound in byte size alone), bytes/limit(level) for L>=1.
func computeCompactionScoreAndLevel(v *Version) {
	bestLevel := -1
	bestScore := 0.0

	l0Score := float64(len(v.files[0])) / float64(l0CompactionTrigger)
	if l0Score > bestScore {
		bestScore = l0Score
		bestLevel = 0
	}

	for level := 1; level < NumLevels-1; level++ {
		var total uint64
		for _, f := range v.files[level] {
			total += f.FileSize
		}
		score := float64(total) / levelMaxBytes(level)
		if score > bestScore {
			bestScore = score
			bestLevel = level
		}
	}

	v.compactionScore = bestScore
	v.compactionLevel = bestLevel
}
