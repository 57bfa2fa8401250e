// Package wal implements the write-ahead log framing from spec.md §4.6:
// fixed 32 KiB physical blocks holding crc32c/length/type-framed records,
// with Full/First/Middle/Last fragmentation for records that straddle a
// block boundary, and masked CRC32C checksums matching pkg/encoding.
package wal

import (
	"bufio"
	"encoding/binary"
	"io"

	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/encoding"
)

const (
	// BlockSize is the physical block size records are packed into.
	BlockSize = 32 * 1024
	// HeaderSize is the per-record physical header: crc32c(4) + length(2) + type(1).
	HeaderSize = 7
)

type recordType byte

const (
	zeroType   recordType = 0 // pre-allocated trailing space in a block; treated as EOF
	fullType   recordType = 1
	firstType  recordType = 2
	middleType recordType = 3
	lastType   recordType = 4
)

// LogWriter appends logical records to an underlying stream, splitting
// them into physical records that never cross a BlockSize boundary.
type LogWriter struct {
	w           io.Writer
	blockOffset int
}

// NewLogWriter returns a LogWriter appending to w, whose current position
// is assumed to be a multiple of BlockSize (e.g. a freshly created file).
func NewLogWriter(w io.Writer) *LogWriter {
	return &LogWriter{w: w}
}

// AddRecord appends one logical record, splitting it across as many
// physical records as needed.
func (lw *LogWriter) AddRecord(data []byte) error {
	begin := true
	for {
		leftover := BlockSize - lw.blockOffset
		if leftover < HeaderSize {
			if leftover > 0 {
				if _, err := lw.w.Write(make([]byte, leftover)); err != nil {
					return err
				}
			}
			lw.blockOffset = 0
			leftover = BlockSize
		}

		avail := leftover - HeaderSize
		fragLen := len(data)
		end := false
		if fragLen > avail {
			fragLen = avail
		} else {
			end = true
		}

		var rtype recordType
		switch {
		case begin && end:
			rtype = fullType
		case begin:
			rtype = firstType
		case end:
			rtype = lastType
		default:
			rtype = middleType
		}

		if err := lw.emitPhysicalRecord(rtype, data[:fragLen]); err != nil {
			return err
		}
		data = data[fragLen:]
		begin = false
		if len(data) == 0 {
			break
		}
	}
	return nil
}

func (lw *LogWriter) emitPhysicalRecord(t recordType, data []byte) error {
	var header [HeaderSize]byte
	crc := encoding.NewCRC32C(data)
	crc = encoding.ExtendCRC32C(crc, []byte{byte(t)})
	masked := encoding.Mask(crc)

	binary.LittleEndian.PutUint32(header[:4], masked)
	header[4] = byte(len(data))
	header[5] = byte(len(data) >> 8)
	header[6] = byte(t)

	if _, err := lw.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := lw.w.Write(data); err != nil {
		return err
	}
	lw.blockOffset += HeaderSize + len(data)
	return nil
}

// CorruptionReporter is notified of dropped bytes when LogReader skips
// past a bad physical record instead of failing the whole read.
type CorruptionReporter func(bytes int, err error)

// LogReader reconstructs logical records from a stream of physical
// blocks. A physical record that fails its checksum is reported and
// skipped, and reading goes on with the record right after it; the
// reader does not skip the rest of that block.
type LogReader struct {
	r           *bufio.Reader
	report      CorruptionReporter
	blockOffset int // bytes consumed in the current physical block
}

// NewLogReader returns a LogReader over r. report may be nil, in which
// case corrupt records are silently skipped.
func NewLogReader(r io.Reader, report CorruptionReporter) *LogReader {
	if report == nil {
		report = func(int, error) {}
	}
	return &LogReader{r: bufio.NewReaderSize(r, BlockSize), report: report}
}

// ReadRecord returns the next logical record, or io.EOF once the stream
// is exhausted.
func (lr *LogReader) ReadRecord() ([]byte, error) {
	var record []byte
	inFragment := false

	for {
		frag, rtype, err := lr.readPhysicalRecord()
		if err == io.EOF {
			if inFragment {
				lr.report(len(record), dberrors.New(dberrors.CodeCorruption, "truncated record at EOF"))
			}
			return nil, io.EOF
		}
		if err != nil {
			lr.report(len(frag), err)
			inFragment = false
			record = nil
			continue
		}

		switch rtype {
		case fullType:
			if inFragment {
				lr.report(len(record), dberrors.New(dberrors.CodeCorruption, "partial record dropped by a full record"))
			}
			return frag, nil
		case firstType:
			if inFragment {
				lr.report(len(record), dberrors.New(dberrors.CodeCorruption, "partial record dropped by a first record"))
			}
			record = append([]byte(nil), frag...)
			inFragment = true
		case middleType:
			if !inFragment {
				lr.report(len(frag), dberrors.New(dberrors.CodeCorruption, "missing start of fragmented record"))
				continue
			}
			record = append(record, frag...)
		case lastType:
			if !inFragment {
				lr.report(len(frag), dberrors.New(dberrors.CodeCorruption, "missing start of fragmented record"))
				continue
			}
			record = append(record, frag...)
			inFragment = false
			return record, nil
		default:
			lr.report(len(frag), dberrors.New(dberrors.CodeCorruption, "unknown record type"))
			inFragment = false
			record = nil
		}
	}
}

// readPhysicalRecord reads one header+payload physical record, verifying
// its checksum. The zero padding the writer leaves when fewer than
// HeaderSize bytes remain in a block is skipped first, so the next
// header is read from the start of the following block. A zeroType
// header with zero length and a short header both report io.EOF, which
// ReadRecord treats as the end of the log.
func (lr *LogReader) readPhysicalRecord() ([]byte, recordType, error) {
	if leftover := BlockSize - lr.blockOffset; leftover < HeaderSize {
		if _, err := lr.r.Discard(leftover); err != nil {
			return nil, 0, io.EOF
		}
		lr.blockOffset = 0
	}
	var header [HeaderSize]byte
	n, err := io.ReadFull(lr.r, header[:])
	if err == io.EOF {
		return nil, 0, io.EOF
	}
	if err != nil || n < HeaderSize {
		return nil, 0, io.EOF
	}

	length := int(header[4]) | int(header[5])<<8
	rtype := recordType(header[6])
	if rtype == zeroType && length == 0 {
		return nil, 0, io.EOF
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(lr.r, data); err != nil {
		return nil, 0, dberrors.Wrap(dberrors.CodeCorruption, "truncated physical record payload", err)
	}
	lr.blockOffset = (lr.blockOffset + HeaderSize + length) % BlockSize

	wantCRC := encoding.Unmask(encoding.Fixed32(header[:4]))
	gotCRC := encoding.NewCRC32C(data)
	gotCRC = encoding.ExtendCRC32C(gotCRC, header[6:7])
	if gotCRC != wantCRC {
		return data, rtype, dberrors.New(dberrors.CodeCorruption, "record checksum mismatch")
	}
	return data, rtype, nil
}
