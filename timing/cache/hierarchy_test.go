package cache_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/mcsim/mem"
	"github.com/sarchlab/mcsim/timing/cache"
)

// fakeDRAM implements cache.DRAMPort with a fixed service latency, so the
// cache package is exercised without the real controller.
type fakeDRAM struct {
	accesses []cache.DRAMAccess
	queue    []cache.DRAMAccess
}

func (d *fakeDRAM) Enqueue(now uint64, acc cache.DRAMAccess) {
	d.accesses = append(d.accesses, acc)
	d.queue = append(d.queue, acc)
}

func (d *fakeDRAM) drain() []cache.DRAMAccess {
	q := d.queue
	d.queue = nil
	return q
}

func (d *fakeDRAM) writesTo(addr uint32) int {
	n := 0
	for _, acc := range d.accesses {
		if acc.IsWrite && acc.Addr == addr {
			n++
		}
	}
	return n
}

func (d *fakeDRAM) lineFills() int {
	n := 0
	for _, acc := range d.accesses {
		if acc.LineFill {
			n++
		}
	}
	return n
}

const fakeDRAMLatency = 20

// bench drives an L1/LLC stack of one or more cores against the fake DRAM, playing
// the roles of the system clock and the controller.
type bench struct {
	now     uint64
	dram    *fakeDRAM
	memory  *mem.Memory
	llc     *cache.LLC
	icaches []*cache.L1Cache
	dcaches []*cache.L1Cache
	pending map[uint32]uint64
}

func newBench(inclusion cache.InclusionPolicy, numCores int) *bench {
	b := &bench{
		dram:    &fakeDRAM{},
		memory:  mem.NewMemory(),
		pending: map[uint32]uint64{},
	}

	llc, err := cache.NewLLC(cache.LLCConfig{
		Sets: 16, Ways: 4, BlockSize: 32,
		MSHRs: 16, HitLatency: 10, SendDelay: 5, FillDelay: 5,
		Inclusion: inclusion, Replacement: cache.PolicyLRU,
	}, b.dram, b.memory)
	Expect(err).NotTo(HaveOccurred())
	b.llc = llc

	for id := 0; id < numCores; id++ {
		ic, err := cache.NewL1Cache(id, cache.L1Config{
			Sets: 4, Ways: 2, BlockSize: 32, Replacement: cache.PolicyLRU,
		}, llc, b.memory)
		Expect(err).NotTo(HaveOccurred())
		dc, err := cache.NewL1Cache(id, cache.L1Config{
			Sets: 4, Ways: 2, BlockSize: 32, Replacement: cache.PolicyLRU,
		}, llc, b.memory)
		Expect(err).NotTo(HaveOccurred())
		b.icaches = append(b.icaches, ic)
		b.dcaches = append(b.dcaches, dc)
	}
	for id := 0; id < numCores; id++ {
		var peers []*cache.L1Cache
		for other := 0; other < numCores; other++ {
			if other != id {
				peers = append(peers, b.icaches[other], b.dcaches[other])
			}
		}
		b.icaches[id].SetPeers(peers)
		b.dcaches[id].SetPeers(peers)
	}
	return b
}

// tick runs the hierarchy portion of the current cycle, leaf to root.
func (b *bench) tick() {
	for addr, due := range b.pending {
		if b.now >= due {
			b.llc.HandleDRAMCompletion(b.now, addr)
			delete(b.pending, addr)
			break
		}
	}
	b.llc.Cycle(b.now)
	for _, acc := range b.dram.drain() {
		if acc.LineFill {
			b.pending[acc.Addr] = b.now + fakeDRAMLatency
		}
	}
}

// access issues one reference in the current cycle and advances the clock.
func (b *bench) access(c *cache.L1Cache, addr uint32, isWrite bool) cache.AccessStatus {
	b.tick()
	st := c.Access(b.now, addr, isWrite, false)
	b.now++
	return st
}

// mustHit retries the reference every cycle until it hits, returning the
// cycle of the hit.
func (b *bench) mustHit(c *cache.L1Cache, addr uint32, isWrite bool) uint64 {
	for i := 0; i < 2000; i++ {
		b.tick()
		if c.Access(b.now, addr, isWrite, false) == cache.Hit {
			hitCycle := b.now
			b.now++
			return hitCycle
		}
		b.now++
	}
	Fail("access never completed")
	return 0
}

// idle burns cycles with no new requests so in-flight work drains.
func (b *bench) idle(cycles int) {
	for i := 0; i < cycles; i++ {
		b.tick()
		b.now++
	}
}

var _ = Describe("Hierarchy", func() {
	var b *bench

	Describe("single core", func() {
		BeforeEach(func() {
			b = newBench(cache.InclInclusive, 1)
		})

		It("misses cold and hits after the fill", func() {
			b.memory.WriteWord(0x1000, 0xCAFEBABE)

			Expect(b.access(b.dcaches[0], 0x1000, false)).To(Equal(cache.MissPending))
			b.mustHit(b.dcaches[0], 0x1000, false)

			word, ok := b.dcaches[0].PeekWord(0x1000)
			Expect(ok).To(BeTrue())
			Expect(word).To(Equal(uint32(0xCAFEBABE)))

			// Same line, no further traffic.
			Expect(b.access(b.dcaches[0], 0x1004, false)).To(Equal(cache.Hit))
			Expect(b.dram.lineFills()).To(Equal(1))
		})

		It("installs Exclusive on a sole read and Modified on a write", func() {
			b.mustHit(b.dcaches[0], 0x2000, false)
			Expect(b.dcaches[0].Lookup(0x2000).State).To(Equal(cache.Exclusive))

			b.mustHit(b.dcaches[0], 0x3000, true)
			blk := b.dcaches[0].Lookup(0x3000)
			Expect(blk.State).To(Equal(cache.Modified))
			Expect(blk.Dirty).To(BeTrue())
		})

		It("promotes an Exclusive line to Modified on a write hit", func() {
			b.mustHit(b.dcaches[0], 0x2000, false)
			Expect(b.access(b.dcaches[0], 0x2000, true)).To(Equal(cache.Hit))
			Expect(b.dcaches[0].Lookup(0x2000).State).To(Equal(cache.Modified))
		})

		It("stalls a second line while a miss is outstanding", func() {
			Expect(b.access(b.dcaches[0], 0x1000, false)).To(Equal(cache.MissPending))
			Expect(b.access(b.dcaches[0], 0x4000, false)).To(Equal(cache.Stall))
		})

		It("returns the same bytes after invalidate and refill", func() {
			b.memory.WriteWord(0x6000, 0x0BADF00D)

			b.mustHit(b.dcaches[0], 0x6000, false)
			word1, _ := b.dcaches[0].PeekWord(0x6000)

			Expect(b.dcaches[0].Invalidate(0x6000)).To(BeTrue())
			Expect(b.dcaches[0].Lookup(0x6000)).To(BeNil())

			b.mustHit(b.dcaches[0], 0x6000, false)
			word2, _ := b.dcaches[0].PeekWord(0x6000)
			Expect(word2).To(Equal(word1))
			Expect(word2).To(Equal(uint32(0x0BADF00D)))
		})

		It("completes a miss through the synchronous fill entry point", func() {
			Expect(b.access(b.dcaches[0], 0x7000, false)).To(Equal(cache.MissPending))

			b.dcaches[0].Fill(b.now, 0x7000, cache.Exclusive)
			Expect(b.dcaches[0].MissOutstanding()).To(BeFalse())
			Expect(b.dcaches[0].Lookup(0x7000).State).To(Equal(cache.Exclusive))
			Expect(b.access(b.dcaches[0], 0x7000, false)).To(Equal(cache.Hit))
		})

		It("leaves the LLC MSHR running after a cancelled fetch", func() {
			Expect(b.access(b.icaches[0], 0x5000, false)).To(Equal(cache.MissPending))
			Expect(b.llc.MSHRs().FindByAddr(0x5000)).NotTo(BeNil())

			b.icaches[0].CancelMiss()
			Expect(b.icaches[0].MissOutstanding()).To(BeFalse())

			// The miss completes and fills the LLC silently.
			b.idle(100)
			Expect(b.llc.MSHRs().FindByAddr(0x5000)).To(BeNil())
			Expect(b.llc.Lookup(0x5000)).NotTo(BeNil())
			Expect(b.icaches[0].Lookup(0x5000)).To(BeNil())
		})
	})

	Describe("two cores", func() {
		BeforeEach(func() {
			b = newBench(cache.InclInclusive, 2)
		})

		It("downgrades the owner on a read-read share", func() {
			b.mustHit(b.dcaches[0], 0x2000, false)
			Expect(b.dcaches[0].Lookup(0x2000).State).To(Equal(cache.Exclusive))

			b.mustHit(b.dcaches[1], 0x2000, false)
			Expect(b.dcaches[0].Lookup(0x2000).State).To(Equal(cache.Shared))
			Expect(b.dcaches[1].Lookup(0x2000).State).To(Equal(cache.Shared))

			// The second reader was supplied by the snoop: one fill only.
			Expect(b.dram.lineFills()).To(Equal(1))
		})

		It("invalidates sharers on a write upgrade", func() {
			b.mustHit(b.dcaches[0], 0x3000, false)
			b.mustHit(b.dcaches[1], 0x3000, false)
			Expect(b.dcaches[0].Lookup(0x3000).State).To(Equal(cache.Shared))

			b.mustHit(b.dcaches[0], 0x3000, true)
			Expect(b.dcaches[0].Lookup(0x3000).State).To(Equal(cache.Modified))
			Expect(b.dcaches[1].Lookup(0x3000)).To(BeNil())
		})

		It("writes a Modified supplier's data to memory on a read snoop", func() {
			b.mustHit(b.dcaches[0], 0x4000, true)
			b.dcaches[0].PokeWord(0x4000, 0x12345678)
			b.memory.WriteWord(0x4000, 0x12345678) // store write-through

			b.mustHit(b.dcaches[1], 0x4000, false)

			Expect(b.dcaches[0].Lookup(0x4000).State).To(Equal(cache.Shared))
			Expect(b.dcaches[0].Lookup(0x4000).Dirty).To(BeFalse())
			Expect(b.dram.writesTo(0x4000)).To(Equal(1))

			word, ok := b.dcaches[1].PeekWord(0x4000)
			Expect(ok).To(BeTrue())
			Expect(word).To(Equal(uint32(0x12345678)))
		})

		It("stalls a conflicting write while a peer miss is outstanding", func() {
			Expect(b.access(b.dcaches[0], 0x5000, true)).To(Equal(cache.MissPending))
			Expect(b.access(b.dcaches[1], 0x5000, true)).To(Equal(cache.Stall))
			Expect(b.access(b.dcaches[1], 0x5000, false)).To(Equal(cache.Stall))
		})

		It("back-invalidates a dirty L1 line when the LLC evicts it", func() {
			// Core 0 dirties line 0x0000 (LLC set 0).
			b.mustHit(b.dcaches[0], 0x0000, true)
			Expect(b.dcaches[0].Lookup(0x0000).State).To(Equal(cache.Modified))

			// Core 1 streams four more lines into LLC set 0 (stride 512),
			// displacing 0x0000.
			for _, addr := range []uint32{0x200, 0x400, 0x600, 0x800} {
				b.mustHit(b.dcaches[1], addr, false)
			}
			b.idle(100)

			Expect(b.llc.Lookup(0x0000)).To(BeNil())
			Expect(b.dcaches[0].Lookup(0x0000)).To(BeNil())
			Expect(b.dram.writesTo(0x0000)).To(Equal(1))
			Expect(b.llc.Stats().BackInvalidations).To(Equal(uint64(1)))
		})
	})

	Describe("exclusive inclusion", func() {
		BeforeEach(func() {
			b = newBench(cache.InclExclusive, 2)
		})

		It("keeps L1 and LLC contents disjoint", func() {
			b.mustHit(b.dcaches[0], 0x1000, false)
			// The fill lives only in the L1.
			Expect(b.llc.Lookup(0x1000)).To(BeNil())
			Expect(b.dcaches[0].Lookup(0x1000)).NotTo(BeNil())
		})

		It("accepts clean L1 victims and hands lines over on a hit", func() {
			// Fill L1 set 0 (2 ways) and displace 0x1000 with two more
			// lines in the same L1 set (stride 128).
			b.mustHit(b.dcaches[0], 0x1000, false)
			b.mustHit(b.dcaches[0], 0x1080, false)
			b.mustHit(b.dcaches[0], 0x1100, false)

			Expect(b.dcaches[0].Lookup(0x1000)).To(BeNil())
			Expect(b.llc.Lookup(0x1000)).NotTo(BeNil())

			// A peer read now hits the LLC and takes ownership.
			b.mustHit(b.dcaches[1], 0x1000, false)
			Expect(b.llc.Lookup(0x1000)).To(BeNil())
			Expect(b.dcaches[1].Lookup(0x1000).State).To(Equal(cache.Exclusive))
		})
	})

	Describe("LLC request admission", func() {
		BeforeEach(func() {
			b = newBench(cache.InclInclusive, 2)
		})

		It("merges a second requester into a pending MSHR", func() {
			Expect(b.llc.Access(0, 0x7000, false, 0, false)).To(Equal(cache.LLCMiss))
			Expect(b.llc.Access(0, 0x7000, false, 1, false)).To(Equal(cache.LLCMiss))

			e := b.llc.MSHRs().FindByAddr(0x7000)
			Expect(e).NotTo(BeNil())
			Expect(e.Requesters).To(Equal([]int{0, 1}))
			Expect(b.llc.MSHRs().Outstanding()).To(Equal(1))
		})

		It("returns busy when the table is full, and the L1 stalls", func() {
			for i := 0; i < 16; i++ {
				addr := uint32(0x10000 + i*32)
				Expect(b.llc.Access(0, addr, false, 0, false)).To(Equal(cache.LLCMiss))
			}
			Expect(b.llc.Access(0, 0x20000, false, 0, false)).To(Equal(cache.LLCBusy))

			Expect(b.dcaches[0].Access(b.now, 0x20000, false, false)).To(Equal(cache.Stall))
		})
	})
})
