// Package cache models the cache side of the memory hierarchy: per-core
// split L1 caches, the shared last-level cache with its MSHR table, the
// inter-cache coherence snoop protocol, and the pluggable replacement
// policies.
package cache

import (
	"encoding/binary"
	"fmt"
)

// MESIState is the coherence state of a cache block.
type MESIState int

// Coherence states. At any cycle there is at most one Exclusive or
// Modified holder of a block address in the whole system.
const (
	Invalid MESIState = iota
	Shared
	Exclusive
	Modified
)

func (s MESIState) String() string {
	switch s {
	case Invalid:
		return "I"
	case Shared:
		return "S"
	case Exclusive:
		return "E"
	case Modified:
		return "M"
	default:
		return fmt.Sprintf("MESIState(%d)", int(s))
	}
}

// InclusionPolicy governs the relation between LLC and L1 contents.
type InclusionPolicy int

const (
	// InclInclusive forces the LLC to hold a superset of all L1 contents.
	// An LLC eviction back-invalidates the line in every L1.
	InclInclusive InclusionPolicy = iota
	// InclExclusive keeps LLC and L1 contents disjoint. An LLC hit moves
	// ownership to the L1; L1 evictions write the line back to the LLC.
	InclExclusive
	// InclNINE is non-inclusive non-exclusive: no back-invalidation and
	// no forced write-up of clean lines.
	InclNINE
)

func (p InclusionPolicy) String() string {
	switch p {
	case InclInclusive:
		return "inclusive"
	case InclExclusive:
		return "exclusive"
	case InclNINE:
		return "nine"
	default:
		return fmt.Sprintf("InclusionPolicy(%d)", int(p))
	}
}

// ParseInclusionPolicy parses the configuration spelling of a policy.
func ParseInclusionPolicy(s string) (InclusionPolicy, error) {
	switch s {
	case "inclusive", "incl":
		return InclInclusive, nil
	case "exclusive", "excl":
		return InclExclusive, nil
	case "nine":
		return InclNINE, nil
	default:
		return 0, fmt.Errorf("unknown inclusion policy %q", s)
	}
}

// Block is one cache line: its tag, coherence state, dirty flag,
// replacement metadata, and data payload.
type Block struct {
	Tag   uint32
	State MESIState
	Dirty bool

	// LRUCount is the age used by LRU-family policies; 0 is MRU.
	LRUCount uint32
	// RRPV is the 2-bit re-reference prediction value used by
	// RRIP-family policies.
	RRPV uint8

	Data []byte
}

// ReadWord reads the little-endian 32-bit word at the given block offset.
func (b *Block) ReadWord(offset uint32) uint32 {
	return binary.LittleEndian.Uint32(b.Data[offset : offset+4])
}

// WriteWord writes the little-endian 32-bit word at the given block offset.
func (b *Block) WriteWord(offset uint32, value uint32) {
	binary.LittleEndian.PutUint32(b.Data[offset:offset+4], value)
}

// Set is a fixed collection of ways. At most one valid way per tag.
type Set struct {
	Blocks []*Block
}

func newSet(ways, blockSize uint32) Set {
	s := Set{Blocks: make([]*Block, ways)}
	for i := range s.Blocks {
		s.Blocks[i] = &Block{Data: make([]byte, blockSize)}
	}
	return s
}
