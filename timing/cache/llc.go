package cache

import (
	"fmt"

	"github.com/sarchlab/mcsim/mem"
)

// LLCStatus is the outcome of an LLC access.
type LLCStatus int

const (
	// LLCBusy means the request can neither merge into a pending miss
	// nor allocate a new one; the caller retries next cycle.
	LLCBusy LLCStatus = iota
	// LLCHit means the line is present; the requester fills after the
	// hit latency.
	LLCHit
	// LLCMiss means an MSHR is tracking the line (newly allocated or
	// merged) and the requester will be woken by the fill.
	LLCMiss
)

func (s LLCStatus) String() string {
	switch s {
	case LLCBusy:
		return "busy"
	case LLCHit:
		return "hit"
	case LLCMiss:
		return "miss"
	default:
		return fmt.Sprintf("LLCStatus(%d)", int(s))
	}
}

// LLC is the shared last-level cache. It hosts the MSHR table, fans
// snoop-driven back-invalidations out to the L1s under the inclusive
// policy, and times the two 5-cycle hops between itself and DRAM.
type LLC struct {
	baseCache

	inclusion  InclusionPolicy
	hitLatency uint64
	sendDelay  uint64 // LLC to DRAM hop
	fillDelay  uint64 // DRAM to LLC hop

	mshrs  *MSHRTable
	dram   DRAMPort
	memory *mem.Memory

	l1s []*L1Cache
}

// NewLLC creates the shared cache from the given config.
func NewLLC(cfg LLCConfig, dram DRAMPort, memory *mem.Memory) (*LLC, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("llc config: %w", err)
	}

	base, err := newBaseCache(cfg.Sets, cfg.Ways, cfg.BlockSize, cfg.Replacement, cfg.Seed)
	if err != nil {
		return nil, fmt.Errorf("llc: %w", err)
	}

	return &LLC{
		baseCache:  *base,
		inclusion:  cfg.Inclusion,
		hitLatency: cfg.HitLatency,
		sendDelay:  cfg.SendDelay,
		fillDelay:  cfg.FillDelay,
		mshrs:      NewMSHRTable(cfg.MSHRs, cfg.BlockSize),
		dram:       dram,
		memory:     memory,
	}, nil
}

// attachL1 registers an L1 as a back-invalidation and fill target.
func (l *LLC) attachL1(c *L1Cache) {
	l.l1s = append(l.l1s, c)
}

// MSHRs exposes the miss-status table; the L1 miss path checks it before
// issuing, and tests inspect lifecycle state through it.
func (l *LLC) MSHRs() *MSHRTable { return l.mshrs }

// Inclusion returns the configured inclusion policy.
func (l *LLC) Inclusion() InclusionPolicy { return l.inclusion }

// HitLatency returns the configured hit latency in cycles.
func (l *LLC) HitLatency() uint64 { return l.hitLatency }

// Access probes the LLC on behalf of a core. On a miss the request is
// merged into a pending MSHR or a new MSHR is allocated and the line
// fetch is queued toward DRAM behind the send delay.
func (l *LLC) Access(now uint64, addr uint32, isWrite bool, coreID int, isFetch bool) LLCStatus {
	lineAddr := l.BlockAddr(addr)

	if isWrite {
		l.stats.Writes++
	} else {
		l.stats.Reads++
	}

	if e := l.mshrs.FindByAddr(lineAddr); e != nil {
		e.Merge(coreID)
		l.stats.Misses++
		return LLCMiss
	}
	if !l.mshrs.HasFree() {
		return LLCBusy
	}

	var hit bool
	if isWrite {
		hit = l.probeWrite(lineAddr, nil)
	} else {
		hit = l.probeRead(lineAddr) != nil
	}
	if hit {
		l.stats.Hits++
		// Under the exclusive policy a hit transfers ownership to the
		// requesting L1; the LLC copy is dropped.
		if l.inclusion == InclExclusive {
			l.invalidate(lineAddr)
		}
		return LLCHit
	}

	l.stats.Misses++
	if l.mshrs.Allocate(now, lineAddr, isWrite, isFetch, coreID, l.sendDelay) == nil {
		return LLCBusy
	}
	return LLCMiss
}

// HandleDRAMCompletion starts the DRAM-to-LLC hop for the line. The line
// bytes are captured from backing memory at this transition.
func (l *LLC) HandleDRAMCompletion(now uint64, addr uint32) {
	e := l.mshrs.FindByAddr(addr)
	if e == nil || e.State != MSHRWaitingDRAM {
		return
	}
	e.State = MSHRWaitingFill
	e.ReadyCycle = now + l.fillDelay
	e.Data = l.memory.ReadBlock(e.Addr, int(l.blockSize))
}

// Cycle advances the MSHR send and fill queues. Sends whose delay has
// elapsed are dispatched to DRAM; fills whose delay has elapsed are
// committed into the array and their requesters woken.
func (l *LLC) Cycle(now uint64) {
	l.mshrs.ForEach(func(e *MSHREntry) {
		switch e.State {
		case MSHRWaitingSend:
			if now >= e.ReadyCycle {
				// A line fetch reads DRAM, even when a write miss
				// allocated the entry.
				l.dram.Enqueue(now, DRAMAccess{
					Addr:     e.Addr,
					IsWrite:  false,
					CoreID:   e.Requesters[0],
					IsFetch:  e.IsFetch,
					LineFill: true,
				})
				e.State = MSHRWaitingDRAM
			}
		case MSHRWaitingFill:
			if now >= e.ReadyCycle {
				e.State = MSHRReady
			}
		}
	})

	l.mshrs.ForEach(func(e *MSHREntry) {
		if e.State == MSHRReady {
			l.completeFill(now, e)
		}
	})
}

// completeFill installs the fetched line, handles the displaced victim,
// wakes every merged requester, and frees the entry.
func (l *LLC) completeFill(now uint64, e *MSHREntry) {
	_, ev := l.install(e.Addr, e.Data, false)

	if ev.WasValid && l.inclusion == InclInclusive {
		l.backInvalidate(now, ev.Addr)
	}
	if ev.Writeback && ev.Dirty {
		l.stats.Writebacks++
		l.dram.Enqueue(now, DRAMAccess{
			Addr: ev.Addr, IsWrite: true, CoreID: -1, Data: ev.Data,
		})
	}

	// Under the exclusive policy the fetched line lives only in the
	// requester's L1.
	if l.inclusion == InclExclusive {
		l.invalidate(e.Addr)
	}

	for _, coreID := range e.Requesters {
		for _, c := range l.l1s {
			if c.coreID == coreID {
				c.NotifyFill(now, e.Addr)
			}
		}
	}

	e.Free()
}

// backInvalidate forces the victim line out of every L1. A Modified copy
// surfaced by the probe is written to DRAM to preserve durability.
func (l *LLC) backInvalidate(now uint64, addr uint32) {
	for _, c := range l.l1s {
		present, wasModified, data := c.ProbeCoherence(addr, true)
		if !present {
			continue
		}
		l.stats.BackInvalidations++
		if wasModified {
			l.dram.Enqueue(now, DRAMAccess{
				Addr: addr, IsWrite: true, CoreID: -1, Data: data,
			})
		}
	}
}

// HandleL1Writeback accepts a victim handed down by an L1. A present line
// absorbs the data; an absent one goes straight to DRAM, except under
// the exclusive policy where L1 victims allocate into the LLC.
func (l *LLC) HandleL1Writeback(now uint64, addr uint32, data []byte, dirty bool) {
	if blk := l.Lookup(addr); blk != nil {
		setIdx := l.index(addr)
		l.repl.hit(&l.sets[setIdx], setIdx, l.findWay(setIdx, l.tag(addr)))
		copy(blk.Data, data)
		blk.Dirty = blk.Dirty || dirty
		return
	}

	if l.inclusion == InclExclusive {
		blk, ev := l.install(addr, data, false)
		blk.Dirty = dirty
		if ev.WasValid && ev.Writeback && ev.Dirty {
			l.stats.Writebacks++
			l.dram.Enqueue(now, DRAMAccess{
				Addr: ev.Addr, IsWrite: true, CoreID: -1, Data: ev.Data,
			})
		}
		return
	}

	l.stats.Writebacks++
	l.dram.Enqueue(now, DRAMAccess{
		Addr: addr, IsWrite: true, CoreID: -1, Data: data,
	})
}

// WritebackToDRAM sends a dirty line straight to memory, bypassing LLC
// allocation. Used when a snoop surfaces a Modified peer copy.
func (l *LLC) WritebackToDRAM(now uint64, addr uint32, data []byte) {
	l.stats.Writebacks++
	l.dram.Enqueue(now, DRAMAccess{
		Addr: addr, IsWrite: true, CoreID: -1, Data: data,
	})
}

// Flush writes every dirty line to DRAM and invalidates the array.
func (l *LLC) Flush(now uint64) {
	l.forEachValid(func(setIdx uint32, blk *Block, blockAddr uint32) {
		if blk.Dirty {
			l.stats.Writebacks++
			l.dram.Enqueue(now, DRAMAccess{
				Addr:    blockAddr,
				IsWrite: true,
				CoreID:  -1,
				Data:    append([]byte(nil), blk.Data...),
			})
		}
		blk.State = Invalid
		blk.Dirty = false
	})
}
