// Package compress implements the two block codecs spec.md §1 allows: an
// identity codec and a fast byte-stream (LZ77-family) codec negotiated per
// block. No other compression format is in scope.
package compress

import (
	"bytes"

	"lsmkv/pkg/dberrors"
)

// Type identifies the codec used for one on-disk block (spec.md §4.2,
// stored as the 1-byte block trailer type field).
type Type byte

const (
	TypeNone Type = 0
	TypeFast Type = 1
)

// Encode compresses src with the given codec. TypeNone returns src itself.
func Encode(t Type, src []byte) []byte {
	switch t {
	case TypeFast:
		return lz77Compress(src)
	default:
		return src
	}
}

// Decode decompresses src, which was produced by Encode with the same t.
func Decode(t Type, src []byte) ([]byte, error) {
	switch t {
	case TypeFast:
		return lz77Decompress(src)
	case TypeNone:
		return src, nil
	default:
		return nil, dberrors.New(dberrors.CodeNotSupported, "unknown block compression type")
	}
}

// --- fast byte-stream codec: a small LZ77 variant with a sliding window
// and a literal/match token stream. Grounded on the teacher's
// pkg/compression/lz77.go search-window design.

const (
	windowSize    = 4096
	minMatchLen   = 4
	maxMatchLen   = 255 + minMatchLen
)

// lz77Compress emits a stream of tokens: a literal run
// (0x00, varint-ish length byte, bytes...) or a match (0x01, distance:2LE,
// length byte). This is not a general-purpose format; it exists to give
// the table writer a real, working second codec to negotiate per block.
func lz77Compress(src []byte) []byte {
	var out []byte
	i := 0
	for i < len(src) {
		bestLen, bestDist := 0, 0
		start := i - windowSize
		if start < 0 {
			start = 0
		}
		for j := start; j < i; j++ {
			l := matchLength(src, j, i)
			if l > bestLen {
				bestLen = l
				bestDist = i - j
			}
		}
		if bestLen >= minMatchLen {
			out = append(out, 0x01)
			out = append(out, byte(bestDist), byte(bestDist>>8))
			out = append(out, byte(bestLen-minMatchLen))
			i += bestLen
			continue
		}
		// literal run until the next profitable match or end of input
		litStart := i
		i++
		for i < len(src) {
			l, _ := bestMatchAt(src, i)
			if l >= minMatchLen {
				break
			}
			i++
		}
		lit := src[litStart:i]
		for len(lit) > 0 {
			n := len(lit)
			if n > 255 {
				n = 255
			}
			out = append(out, 0x00, byte(n))
			out = append(out, lit[:n]...)
			lit = lit[n:]
		}
	}
	return out
}

func bestMatchAt(src []byte, i int) (int, int) {
	bestLen, bestDist := 0, 0
	start := i - windowSize
	if start < 0 {
		start = 0
	}
	for j := start; j < i; j++ {
		l := matchLength(src, j, i)
		if l > bestLen {
			bestLen = l
			bestDist = i - j
		}
	}
	return bestLen, bestDist
}

func matchLength(src []byte, a, b int) int {
	max := len(src) - b
	if max > maxMatchLen {
		max = maxMatchLen
	}
	n := 0
	for n < max && src[a+n] == src[b+n] {
		n++
	}
	return n
}

func lz77Decompress(src []byte) ([]byte, error) {
	var out bytes.Buffer
	i := 0
	for i < len(src) {
		tag := src[i]
		i++
		switch tag {
		case 0x00:
			if i >= len(src) {
				return nil, dberrors.New(dberrors.CodeCorruption, "truncated literal run")
			}
			n := int(src[i])
			i++
			if i+n > len(src) {
				return nil, dberrors.New(dberrors.CodeCorruption, "truncated literal bytes")
			}
			out.Write(src[i : i+n])
			i += n
		case 0x01:
			if i+3 > len(src) {
				return nil, dberrors.New(dberrors.CodeCorruption, "truncated match token")
			}
			dist := int(src[i]) | int(src[i+1])<<8
			length := int(src[i+2]) + minMatchLen
			i += 3
			if dist <= 0 || dist > out.Len() {
				return nil, dberrors.New(dberrors.CodeCorruption, "match distance out of range")
			}
			b := out.Bytes()
			start := len(b) - dist
			for k := 0; k < length; k++ {
				out.WriteByte(b[start+k])
				b = out.Bytes()
			}
		default:
			return nil, dberrors.New(dberrors.CodeCorruption, "unknown lz77 token")
		}
	}
	return out.Bytes(), nil
}
