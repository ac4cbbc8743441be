package cache

import (
	"fmt"

	"github.com/sarchlab/mcsim/mem"
)

// AccessStatus is the outcome of an L1 access as seen by the pipeline.
type AccessStatus int

const (
	// Hit means the word is available this cycle.
	Hit AccessStatus = iota
	// MissPending means the miss is being serviced; the pipeline retries
	// every cycle until the fill lands.
	MissPending
	// Stall means the request could not start this cycle (MSHR occupied
	// by another line, peer write exclusion, or LLC resources full).
	Stall
)

func (s AccessStatus) String() string {
	switch s {
	case Hit:
		return "hit"
	case MissPending:
		return "miss-pending"
	case Stall:
		return "stall"
	default:
		return fmt.Sprintf("AccessStatus(%d)", int(s))
	}
}

// l1FillLatency is the hop into an L1: from a snoop supplier, and from
// the LLC once a fill commits there.
const l1FillLatency = 5

// l1MSHR is the single outstanding miss of an L1. ReadyCycle -1 means
// the miss went below the LLC and waits for the asynchronous fill
// notification.
type l1MSHR struct {
	Valid       bool
	Addr        uint32 // line-aligned
	IsWrite     bool
	IsFetch     bool
	TargetState MESIState
	ReadyCycle  int64
}

// L1Cache is one private first-level cache (instruction or data side).
// It is both the pipeline's entry into the hierarchy and the snoop
// target of its peers.
type L1Cache struct {
	baseCache

	coreID int
	llc    *LLC
	memory *mem.Memory

	mshr l1MSHR

	// peers are the L1s of every other core (both I and D sides), the
	// snoop and write-exclusion domain.
	peers []*L1Cache
}

// NewL1Cache creates an L1 and registers it with the LLC.
func NewL1Cache(coreID int, cfg L1Config, llc *LLC, memory *mem.Memory) (*L1Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("l1 config: %w", err)
	}

	base, err := newBaseCache(cfg.Sets, cfg.Ways, cfg.BlockSize, cfg.Replacement, cfg.Seed)
	if err != nil {
		return nil, fmt.Errorf("l1: %w", err)
	}
	if cfg.BlockSize != llc.BlockSize() {
		return nil, fmt.Errorf("l1 block size %d does not match llc block size %d",
			cfg.BlockSize, llc.BlockSize())
	}

	c := &L1Cache{
		baseCache: *base,
		coreID:    coreID,
		llc:       llc,
		memory:    memory,
	}
	llc.attachL1(c)
	return c, nil
}

// CoreID returns the owning core.
func (c *L1Cache) CoreID() int { return c.coreID }

// SetPeers wires the snoop domain: every L1 of every other core.
func (c *L1Cache) SetPeers(peers []*L1Cache) { c.peers = peers }

// MissOutstanding reports whether a miss is in flight.
func (c *L1Cache) MissOutstanding() bool { return c.mshr.Valid }

// Access runs one pipeline-issued reference through the L1. The miss
// path applies, in order: self-fill of a ready miss, peer write
// exclusion, LLC MSHR availability, the coherence snoop of all peers,
// and finally the LLC probe.
func (c *L1Cache) Access(now uint64, addr uint32, isWrite, isFetch bool) AccessStatus {
	lineAddr := c.BlockAddr(addr)

	// A pending miss blocks everything else. A ready one completes its
	// fill and satisfies the access this cycle.
	if c.mshr.Valid {
		if c.mshr.Addr != lineAddr {
			return Stall
		}
		if c.mshr.ReadyCycle >= 0 && now >= uint64(c.mshr.ReadyCycle) {
			// The access was counted when the miss started.
			target := c.mshr.TargetState
			c.mshr = l1MSHR{}
			c.installFill(now, lineAddr, target)
			return Hit
		}
		return MissPending
	}

	// Hit check. A write needs M or E; a Shared copy on a write is an
	// upgrade miss and falls through to the miss path.
	upgrade := false
	setIdx := c.index(lineAddr)
	if way := c.findWay(setIdx, c.tag(lineAddr)); way >= 0 {
		blk := c.sets[setIdx].Blocks[way]
		if !isWrite {
			c.repl.hit(&c.sets[setIdx], setIdx, way)
			c.countAccess(isWrite)
			c.stats.Hits++
			return Hit
		}
		if blk.State == Modified || blk.State == Exclusive {
			c.repl.hit(&c.sets[setIdx], setIdx, way)
			blk.State = Modified
			blk.Dirty = true
			c.countAccess(isWrite)
			c.stats.Hits++
			return Hit
		}
		upgrade = true
	}

	// Write exclusion: a concurrent miss on the same line anywhere else
	// forces a retry when either side writes.
	for _, p := range c.peers {
		if p.mshr.Valid && p.mshr.Addr == lineAddr && (p.mshr.IsWrite || isWrite) {
			return Stall
		}
	}

	// The LLC must be able to take this request before we commit to a
	// miss: not already tracking the line, and with a free MSHR slot.
	if c.llc.MSHRs().FindByAddr(lineAddr) != nil {
		return Stall
	}
	if !c.llc.MSHRs().HasFree() {
		return Stall
	}

	c.countAccess(isWrite)
	c.stats.Misses++
	if upgrade {
		c.stats.UpgradeMisses++
	}

	// Snoop every peer. Readers join as Shared; writers invalidate all
	// copies and install Modified. A Modified supplier's data goes
	// straight to memory, bypassing LLC allocation.
	var found, foundModified bool
	var modData []byte
	for _, p := range c.peers {
		present, wasModified, data := p.ProbeCoherence(lineAddr, isWrite)
		if present {
			found = true
		}
		if wasModified {
			foundModified = true
			modData = data
		}
	}
	if found {
		if foundModified {
			c.llc.WritebackToDRAM(now, lineAddr, modData)
		}
		target := Shared
		if isWrite {
			target = Modified
		}
		c.mshr = l1MSHR{
			Valid: true, Addr: lineAddr, IsWrite: isWrite, IsFetch: isFetch,
			TargetState: target, ReadyCycle: int64(now + l1FillLatency),
		}
		return MissPending
	}

	// No supplier: the LLC decides. A read that reached this point is
	// the only copy in the system, so it installs Exclusive.
	target := Exclusive
	if isWrite {
		target = Modified
	}
	switch c.llc.Access(now, lineAddr, isWrite, c.coreID, isFetch) {
	case LLCHit:
		c.mshr = l1MSHR{
			Valid: true, Addr: lineAddr, IsWrite: isWrite, IsFetch: isFetch,
			TargetState: target,
			ReadyCycle:  int64(now + l1FillLatency + c.llc.HitLatency()),
		}
		return MissPending
	case LLCMiss:
		c.mshr = l1MSHR{
			Valid: true, Addr: lineAddr, IsWrite: isWrite, IsFetch: isFetch,
			TargetState: target, ReadyCycle: -1,
		}
		return MissPending
	default:
		return Stall
	}
}

func (c *L1Cache) countAccess(isWrite bool) {
	if isWrite {
		c.stats.Writes++
	} else {
		c.stats.Reads++
	}
}

// ProbeCoherence services a snoop from a peer (or a back-invalidation
// from the LLC). A writing requester invalidates the local copy; a
// reading one downgrades M and E to Shared. The Modified owner's dirty
// bytes are returned for the caller to write to memory, leaving the
// local copy clean.
func (c *L1Cache) ProbeCoherence(addr uint32, isWriteReq bool) (present, wasModified bool, data []byte) {
	blk := c.Lookup(c.BlockAddr(addr))
	if blk == nil {
		return false, false, nil
	}

	wasModified = blk.State == Modified
	if wasModified {
		data = append([]byte(nil), blk.Data...)
	}

	if isWriteReq {
		blk.State = Invalid
		blk.Dirty = false
	} else if blk.State == Modified || blk.State == Exclusive {
		blk.State = Shared
		blk.Dirty = false
	}

	c.stats.SnoopHits++
	return true, wasModified, data
}

// Fill installs addr in the given state if it matches the outstanding
// miss. This is the synchronous completion entry point; the LLC path
// goes through NotifyFill so the LLC-to-L1 hop is accounted.
func (c *L1Cache) Fill(now uint64, addr uint32, target MESIState) {
	lineAddr := c.BlockAddr(addr)
	if !c.mshr.Valid || c.mshr.Addr != lineAddr {
		return
	}
	c.mshr = l1MSHR{}
	c.installFill(now, lineAddr, target)
}

// NotifyFill schedules the completion of a miss that was serviced below
// the LLC. The pipeline's next access at or after the ready cycle
// performs the actual fill.
func (c *L1Cache) NotifyFill(now uint64, addr uint32) {
	if c.mshr.Valid && c.mshr.Addr == c.BlockAddr(addr) && c.mshr.ReadyCycle < 0 {
		c.mshr.ReadyCycle = int64(now + l1FillLatency)
	}
}

// installFill commits a fill: bytes from backing memory, the recorded
// target state, and the victim handed to the LLC. Under the exclusive
// policy clean victims are written back too, so the line survives in
// the LLC.
func (c *L1Cache) installFill(now uint64, addr uint32, target MESIState) {
	writebackClean := c.llc.Inclusion() == InclExclusive
	data := c.memory.ReadBlock(addr, int(c.blockSize))

	blk, ev := c.install(addr, data, writebackClean)
	blk.State = target
	if target == Modified {
		blk.Dirty = true
	}

	if ev.Writeback {
		c.stats.Writebacks++
		c.llc.HandleL1Writeback(now, ev.Addr, ev.Data, ev.Dirty)
	}
}

// Invalidate forces the line to Invalid. Reports whether it was present.
func (c *L1Cache) Invalidate(addr uint32) bool {
	return c.invalidate(c.BlockAddr(addr))
}

// CancelMiss drops the outstanding miss without filling, as on a branch
// squash. An LLC MSHR already allocated for it runs to completion and
// fills the LLC silently.
func (c *L1Cache) CancelMiss() {
	c.mshr = l1MSHR{}
}

// PeekWord reads the word at addr out of the cached line, if present.
func (c *L1Cache) PeekWord(addr uint32) (uint32, bool) {
	blk := c.Lookup(c.BlockAddr(addr))
	if blk == nil {
		return 0, false
	}
	return blk.ReadWord(c.offset(addr)), true
}

// PokeWord writes the word at addr into the cached line, if present.
func (c *L1Cache) PokeWord(addr uint32, value uint32) bool {
	blk := c.Lookup(c.BlockAddr(addr))
	if blk == nil {
		return false
	}
	blk.WriteWord(c.offset(addr), value)
	return true
}

// Flush hands every dirty line to the LLC and invalidates the array.
func (c *L1Cache) Flush(now uint64) {
	c.forEachValid(func(setIdx uint32, blk *Block, blockAddr uint32) {
		if blk.Dirty {
			c.stats.Writebacks++
			c.llc.HandleL1Writeback(now, blockAddr,
				append([]byte(nil), blk.Data...), true)
		}
		blk.State = Invalid
		blk.Dirty = false
	})
}
