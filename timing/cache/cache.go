package cache

import (
	"fmt"
	"math/bits"
)

// Statistics holds per-cache performance counters.
type Statistics struct {
	Reads             uint64
	Writes            uint64
	Hits              uint64
	Misses            uint64
	UpgradeMisses     uint64
	Evictions         uint64
	Writebacks        uint64
	SnoopHits         uint64
	BackInvalidations uint64
}

// Eviction describes the victim displaced by an install. WasValid is set
// when a valid block was displaced at all (Addr names it); Writeback is
// set when the victim must be handed upward (dirty, or clean under a
// policy that writes clean lines back), and Data carries its bytes.
type Eviction struct {
	WasValid  bool
	Dirty     bool
	Writeback bool
	Addr      uint32
	Data      []byte
}

// baseCache is the set-associative storage shared by the L1s and the LLC:
// geometry, bit-field decomposition, tag probes, victim selection, and the
// replacement-policy engine.
type baseCache struct {
	numSets   uint32
	ways      uint32
	blockSize uint32

	indexShift uint32
	indexMask  uint32
	tagShift   uint32

	sets []Set
	repl *replacer

	stats Statistics
}

func newBaseCache(numSets, ways, blockSize uint32, policy Policy, seed int64) (*baseCache, error) {
	if numSets == 0 || bits.OnesCount32(numSets) != 1 {
		return nil, fmt.Errorf("number of sets must be a power of two, got %d", numSets)
	}
	if blockSize == 0 || bits.OnesCount32(blockSize) != 1 {
		return nil, fmt.Errorf("block size must be a power of two, got %d", blockSize)
	}
	if ways == 0 {
		return nil, fmt.Errorf("ways must be positive")
	}

	c := &baseCache{
		numSets:    numSets,
		ways:       ways,
		blockSize:  blockSize,
		indexShift: uint32(bits.TrailingZeros32(blockSize)),
		indexMask:  numSets - 1,
	}
	c.tagShift = c.indexShift + uint32(bits.TrailingZeros32(numSets))

	c.sets = make([]Set, numSets)
	for i := range c.sets {
		c.sets[i] = newSet(ways, blockSize)
	}
	c.repl = newReplacer(policy, numSets, ways, seed)

	return c, nil
}

// BlockSize returns the line size in bytes.
func (c *baseCache) BlockSize() uint32 { return c.blockSize }

// NumSets returns the number of sets.
func (c *baseCache) NumSets() uint32 { return c.numSets }

// Ways returns the associativity.
func (c *baseCache) Ways() uint32 { return c.ways }

// Stats returns the counters accumulated so far.
func (c *baseCache) Stats() Statistics { return c.stats }

// ResetStats clears the counters.
func (c *baseCache) ResetStats() { c.stats = Statistics{} }

// BlockAddr aligns addr down to its containing line.
func (c *baseCache) BlockAddr(addr uint32) uint32 {
	return addr &^ (c.blockSize - 1)
}

func (c *baseCache) index(addr uint32) uint32 {
	return (addr >> c.indexShift) & c.indexMask
}

func (c *baseCache) tag(addr uint32) uint32 {
	return addr >> c.tagShift
}

func (c *baseCache) offset(addr uint32) uint32 {
	return addr & (c.blockSize - 1)
}

// blockAddrOf reconstructs the line address of the block in the given way.
func (c *baseCache) blockAddrOf(setIdx uint32, blk *Block) uint32 {
	return (blk.Tag << c.tagShift) | (setIdx << c.indexShift)
}

// findWay returns the way holding tag in the set, or -1.
func (c *baseCache) findWay(setIdx, tag uint32) int {
	set := &c.sets[setIdx]
	for i, blk := range set.Blocks {
		if blk.State != Invalid && blk.Tag == tag {
			return i
		}
	}
	return -1
}

// Lookup returns the valid block holding addr without touching replacement
// metadata, or nil.
func (c *baseCache) Lookup(addr uint32) *Block {
	setIdx := c.index(addr)
	way := c.findWay(setIdx, c.tag(addr))
	if way < 0 {
		return nil
	}
	return c.sets[setIdx].Blocks[way]
}

// probeRead probes for addr and, on a hit, promotes the block per the
// replacement policy.
func (c *baseCache) probeRead(addr uint32) *Block {
	setIdx := c.index(addr)
	way := c.findWay(setIdx, c.tag(addr))
	if way < 0 {
		return nil
	}
	c.repl.hit(&c.sets[setIdx], setIdx, way)
	return c.sets[setIdx].Blocks[way]
}

// probeWrite probes for addr and, on a hit, marks the block dirty, copies
// data into it when provided, and promotes it.
func (c *baseCache) probeWrite(addr uint32, data []byte) bool {
	setIdx := c.index(addr)
	way := c.findWay(setIdx, c.tag(addr))
	if way < 0 {
		return false
	}
	blk := c.sets[setIdx].Blocks[way]
	c.repl.hit(&c.sets[setIdx], setIdx, way)
	blk.Dirty = true
	if data != nil {
		copy(blk.Data, data)
	}
	return true
}

// evictWay removes the block in the given way. A writeback is required
// for dirty victims, and for clean ones when writebackClean is set
// (exclusive-policy L1s hand clean victims back to the LLC).
func (c *baseCache) evictWay(setIdx uint32, way int, writebackClean bool) Eviction {
	blk := c.sets[setIdx].Blocks[way]
	var ev Eviction

	if blk.State != Invalid {
		c.stats.Evictions++
		c.repl.noteEviction(c.blockAddrOf(setIdx, blk))

		ev.WasValid = true
		ev.Dirty = blk.Dirty
		ev.Addr = c.blockAddrOf(setIdx, blk)
		if blk.Dirty || writebackClean {
			ev.Writeback = true
			ev.Data = append([]byte(nil), blk.Data...)
		}
	}

	blk.State = Invalid
	blk.Dirty = false
	return ev
}

// install places addr into the cache, reusing an existing way on an
// upgrade or claiming a victim otherwise. The new block comes out
// Exclusive and clean; callers adjust state afterward. data may be nil
// when only timing is being modeled for this path.
func (c *baseCache) install(addr uint32, data []byte, writebackClean bool) (*Block, Eviction) {
	setIdx := c.index(addr)
	tag := c.tag(addr)

	var ev Eviction
	way := c.findWay(setIdx, tag)
	if way < 0 {
		way = c.repl.victim(&c.sets[setIdx], setIdx)
		ev = c.evictWay(setIdx, way, writebackClean)
	}

	blk := c.sets[setIdx].Blocks[way]
	blk.Tag = tag
	blk.State = Exclusive
	blk.Dirty = false
	if data != nil {
		copy(blk.Data, data)
	}

	c.repl.insert(&c.sets[setIdx], setIdx, way, c.BlockAddr(addr))
	return blk, ev
}

// invalidate forces the block holding addr to Invalid. Reports whether a
// valid block was present.
func (c *baseCache) invalidate(addr uint32) bool {
	blk := c.Lookup(addr)
	if blk == nil {
		return false
	}
	blk.State = Invalid
	blk.Dirty = false
	return true
}

// ForEachValidBlock visits every valid block together with its line
// address. Intended for statistics and invariant checks, not the access
// path.
func (c *baseCache) ForEachValidBlock(fn func(blockAddr uint32, blk *Block)) {
	c.forEachValid(func(_ uint32, blk *Block, blockAddr uint32) {
		fn(blockAddr, blk)
	})
}

// forEachValid visits every valid block together with its line address.
func (c *baseCache) forEachValid(fn func(setIdx uint32, blk *Block, blockAddr uint32)) {
	for setIdx := range c.sets {
		for _, blk := range c.sets[setIdx].Blocks {
			if blk.State != Invalid {
				fn(uint32(setIdx), blk, c.blockAddrOf(uint32(setIdx), blk))
			}
		}
	}
}
