// Package bloom implements the default Bloom filter policy from spec.md
// §4.3: k = round(bits_per_key * ln2) hash probes clamped to [1,30],
// double-hashing via h and h>>17|h<<15, one trailing byte storing k.
package bloom

import "math"

const (
	minProbes = 1
	maxProbes = 30
)

// Policy builds and queries Bloom filters for a fixed bits-per-key budget.
type Policy struct {
	bitsPerKey int
	k          int
}

// NewPolicy returns a Policy targeting bitsPerKey bits of filter per
// inserted key.
func NewPolicy(bitsPerKey int) *Policy {
	if bitsPerKey < 0 {
		bitsPerKey = 0
	}
	k := int(math.Round(float64(bitsPerKey) * math.Ln2))
	if k < minProbes {
		k = minProbes
	}
	if k > maxProbes {
		k = maxProbes
	}
	return &Policy{bitsPerKey: bitsPerKey, k: k}
}

// Name identifies the policy for the metaindex key "filter.<name>".
func (p *Policy) Name() string { return "leveldb.BuiltinBloomFilter2" }

// bloomHash is the 32-bit hash leveldb's bloom filter is built on
// (Austin Appleby's MurmurHash2, seed 0xbc9f1d34).
func bloomHash(key []byte) uint32 {
	const (
		seed = uint32(0xbc9f1d34)
		m    = uint32(0x5bd1e995)
		r    = 24
	)
	h := seed ^ uint32(len(key))*m
	n := len(key)
	for n >= 4 {
		w := uint32(key[0]) | uint32(key[1])<<8 | uint32(key[2])<<16 | uint32(key[3])<<24
		key = key[4:]
		w *= m
		w ^= w >> r
		w *= m
		h *= m
		h ^= w
		n -= 4
	}
	switch n {
	case 3:
		h ^= uint32(key[2]) << 16
		fallthrough
	case 2:
		h ^= uint32(key[1]) << 8
		fallthrough
	case 1:
		h ^= uint32(key[0])
		h *= m
	}
	h ^= h >> 13
	h *= m
	h ^= h >> 15
	return h
}

// CreateFilter builds the filter bytes for a set of keys.
func (p *Policy) CreateFilter(keys [][]byte) []byte {
	bits := len(keys) * p.bitsPerKey
	if bits < 64 {
		bits = 64
	}
	bytesLen := (bits + 7) / 8
	bits = bytesLen * 8

	dst := make([]byte, bytesLen+1)
	dst[bytesLen] = byte(p.k)

	for _, key := range keys {
		h := bloomHash(key)
		delta := (h >> 17) | (h << 15)
		for i := 0; i < p.k; i++ {
			bitpos := h % uint32(bits)
			dst[bitpos/8] |= 1 << (bitpos % 8)
			h += delta
		}
	}
	return dst
}

// KeyMayMatch reports whether key may be a member of the filter built by
// CreateFilter. False negatives never occur; false positives are bounded
// by the configured bits-per-key.
func KeyMayMatch(filter []byte, key []byte) bool {
	if len(filter) < 1 {
		return false
	}
	bytesLen := len(filter) - 1
	bits := bytesLen * 8

	k := int(filter[bytesLen])
	if k > maxProbes {
		// Reserved for future use of a filter encoding we don't
		// understand; conservatively say "may match".
		return true
	}

	h := bloomHash(key)
	delta := (h >> 17) | (h << 15)
	for i := 0; i < k; i++ {
		bitpos := h % uint32(bits)
		if filter[bitpos/8]&(1<<(bitpos%8)) == 0 {
			return false
		}
		h += delta
	}
	return true
}
