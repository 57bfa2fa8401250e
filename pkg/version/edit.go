package version

import (
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/encoding"
	"lsmkv/pkg/types"
)

// Edit tag values for the tagged-stream VersionEdit encoding (spec.md §90).
const (
	tagComparator     = 1
	tagLogNumber      = 2
	tagNextFileNumber = 3
	tagLastSequence   = 4
	tagCompactPointer = 5
	tagDeletedFile    = 6
	tagNewFile        = 7
	tagPrevLogNumber  = 9
)

// deletedFileKey identifies one file to drop from a level.
type deletedFileKey struct {
	Level  int
	Number uint64
}

// newFileEntry pairs a file's level with its metadata for the edit log.
type newFileEntry struct {
	Level int
	Meta  FileMetaData
}

// compactPointerEntry records where the next compaction of a level
// should resume.
type compactPointerEntry struct {
	Level int
	Key   []byte
}

// Edit describes one delta to apply to a Version: a set of files
// removed, a set of files added, and optionally updated VersionSet
// bookkeeping fields. Only fields explicitly set are applied.
type Edit struct {
	ComparatorName string
	HasComparator  bool

	LogNumber     uint64
	HasLogNumber  bool
	PrevLogNumber uint64
	HasPrevLog    bool
	NextFileNum   uint64
	HasNextFile   bool
	LastSequence  types.SequenceNumber
	HasLastSeq    bool

	CompactPointers []compactPointerEntry
	DeletedFiles    []deletedFileKey
	NewFiles        []newFileEntry
}

// AddFile records a file added to level as part of this edit.
func (e *Edit) AddFile(level int, meta FileMetaData) {
	e.NewFiles = append(e.NewFiles, newFileEntry{Level: level, Meta: meta})
}

// DeleteFile records a file removed from level as part of this edit.
func (e *Edit) DeleteFile(level int, number uint64) {
	e.DeletedFiles = append(e.DeletedFiles, deletedFileKey{Level: level, Number: number})
}

// SetCompactPointer records where the next compaction of level should
// resume.
func (e *Edit) SetCompactPointer(level int, key []byte) {
	e.CompactPointers = append(e.CompactPointers, compactPointerEntry{Level: level, Key: append([]byte(nil), key...)})
}

// EncodeTo appends this edit's tagged-stream encoding to dst.
func (e *Edit) EncodeTo(dst []byte) []byte {
	if e.HasComparator {
		dst = encoding.PutVarint32(dst, tagComparator)
		dst = encoding.PutLengthPrefixedSlice(dst, []byte(e.ComparatorName))
	}
	if e.HasLogNumber {
		dst = encoding.PutVarint32(dst, tagLogNumber)
		dst = encoding.PutVarint64(dst, e.LogNumber)
	}
	if e.HasPrevLog {
		dst = encoding.PutVarint32(dst, tagPrevLogNumber)
		dst = encoding.PutVarint64(dst, e.PrevLogNumber)
	}
	if e.HasNextFile {
		dst = encoding.PutVarint32(dst, tagNextFileNumber)
		dst = encoding.PutVarint64(dst, e.NextFileNum)
	}
	if e.HasLastSeq {
		dst = encoding.PutVarint32(dst, tagLastSequence)
		dst = encoding.PutVarint64(dst, uint64(e.LastSequence))
	}
	for _, cp := range e.CompactPointers {
		dst = encoding.PutVarint32(dst, tagCompactPointer)
		dst = encoding.PutVarint32(dst, uint32(cp.Level))
		dst = encoding.PutLengthPrefixedSlice(dst, cp.Key)
	}
	for _, df := range e.DeletedFiles {
		dst = encoding.PutVarint32(dst, tagDeletedFile)
		dst = encoding.PutVarint32(dst, uint32(df.Level))
		dst = encoding.PutVarint64(dst, df.Number)
	}
	for _, nf := range e.NewFiles {
		dst = encoding.PutVarint32(dst, tagNewFile)
		dst = encoding.PutVarint32(dst, uint32(nf.Level))
		dst = encoding.PutVarint64(dst, nf.Meta.Number)
		dst = encoding.PutVarint64(dst, nf.Meta.FileSize)
		dst = encoding.PutLengthPrefixedSlice(dst, nf.Meta.Smallest)
		dst = encoding.PutLengthPrefixedSlice(dst, nf.Meta.Largest)
	}
	return dst
}

// DecodeEdit parses an Edit from its tagged-stream encoding.
func DecodeEdit(data []byte) (*Edit, error) {
	e := &Edit{}
	for len(data) > 0 {
		tag, n := encoding.GetVarint32(data)
		if n == 0 {
			return nil, dberrors.New(dberrors.CodeCorruption, "truncated version edit tag")
		}
		data = data[n:]

		switch tag {
		case tagComparator:
			s, n, ok := encoding.GetLengthPrefixedSlice(data)
			if !ok {
				return nil, dberrors.New(dberrors.CodeCorruption, "truncated comparator name")
			}
			e.ComparatorName = string(s)
			e.HasComparator = true
			data = data[n:]
		case tagLogNumber:
			v, n := encoding.GetVarint64(data)
			if n == 0 {
				return nil, dberrors.New(dberrors.CodeCorruption, "truncated log number")
			}
			e.LogNumber = v
			e.HasLogNumber = true
			data = data[n:]
		case tagPrevLogNumber:
			v, n := encoding.GetVarint64(data)
			if n == 0 {
				return nil, dberrors.New(dberrors.CodeCorruption, "truncated prev log number")
			}
			e.PrevLogNumber = v
			e.HasPrevLog = true
			data = data[n:]
		case tagNextFileNumber:
			v, n := encoding.GetVarint64(data)
			if n == 0 {
				return nil, dberrors.New(dberrors.CodeCorruption, "truncated next file number")
			}
			e.NextFileNum = v
			e.HasNextFile = true
			data = data[n:]
		case tagLastSequence:
			v, n := encoding.GetVarint64(data)
			if n == 0 {
				return nil, dberrors.New(dberrors.CodeCorruption, "truncated last sequence")
			}
			e.LastSequence = types.SequenceNumber(v)
			e.HasLastSeq = true
			data = data[n:]
		case tagCompactPointer:
			level, n1 := encoding.GetVarint32(data)
			if n1 == 0 {
				return nil, dberrors.New(dberrors.CodeCorruption, "truncated compact pointer level")
			}
			data = data[n1:]
			key, n2, ok := encoding.GetLengthPrefixedSlice(data)
			if !ok {
				return nil, dberrors.New(dberrors.CodeCorruption, "truncated compact pointer key")
			}
			data = data[n2:]
			e.CompactPointers = append(e.CompactPointers, compactPointerEntry{Level: int(level), Key: append([]byte(nil), key...)})
		case tagDeletedFile:
			level, n1 := encoding.GetVarint32(data)
			if n1 == 0 {
				return nil, dberrors.New(dberrors.CodeCorruption, "truncated deleted file level")
			}
			data = data[n1:]
			number, n2 := encoding.GetVarint64(data)
			if n2 == 0 {
				return nil, dberrors.New(dberrors.CodeCorruption, "truncated deleted file number")
			}
			data = data[n2:]
			e.DeletedFiles = append(e.DeletedFiles, deletedFileKey{Level: int(level), Number: number})
		case tagNewFile:
			level, n1 := encoding.GetVarint32(data)
			if n1 == 0 {
				return nil, dberrors.New(dberrors.CodeCorruption, "truncated new file level")
			}
			data = data[n1:]
			number, n2 := encoding.GetVarint64(data)
			if n2 == 0 {
				return nil, dberrors.New(dberrors.CodeCorruption, "truncated new file number")
			}
			data = data[n2:]
			size, n3 := encoding.GetVarint64(data)
			if n3 == 0 {
				return nil, dberrors.New(dberrors.CodeCorruption, "truncated new file size")
			}
			data = data[n3:]
			smallest, n4, ok := encoding.GetLengthPrefixedSlice(data)
			if !ok {
				return nil, dberrors.New(dberrors.CodeCorruption, "truncated new file smallest key")
			}
			data = data[n4:]
			largest, n5, ok := encoding.GetLengthPrefixedSlice(data)
			if !ok {
				return nil, dberrors.New(dberrors.CodeCorruption, "truncated new file largest key")
			}
			data = data[n5:]
			e.NewFiles = append(e.NewFiles, newFileEntry{
				Level: int(level),
				Meta: FileMetaData{
					Number:   number,
					FileSize: size,
					Smallest: append([]byte(nil), smallest...),
					Largest:  append([]byte(nil), largest...),
				},
			})
		default:
			return nil, dberrors.New(dberrors.CodeCorruption, "unknown version edit tag")
		}
	}
	return e, nil
}
