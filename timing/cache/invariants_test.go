package cache_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/mcsim/timing/cache"
)

// checkInvariants asserts the system-wide coherence invariants: state and
// dirty-bit consistency per block, and at most one Modified or Exclusive
// holder per line address across all L1s.
func checkInvariants(b *bench) {
	owners := map[uint32]int{}

	check := func(addr uint32, blk *cache.Block) {
		switch blk.State {
		case cache.Modified:
			Expect(blk.Dirty).To(BeTrue(),
				"modified block 0x%08x must be dirty", addr)
		case cache.Invalid:
			Fail("invalid block visited as valid")
		}
	}

	for i := range b.icaches {
		for _, c := range []*cache.L1Cache{b.icaches[i], b.dcaches[i]} {
			c.ForEachValidBlock(func(addr uint32, blk *cache.Block) {
				check(addr, blk)
				if blk.State == cache.Modified || blk.State == cache.Exclusive {
					owners[addr]++
				}
			})
		}
	}
	b.llc.ForEachValidBlock(func(addr uint32, blk *cache.Block) {
		if blk.State == cache.Invalid {
			Fail("invalid block visited as valid")
		}
	})

	for addr, n := range owners {
		Expect(n).To(Equal(1),
			"line 0x%08x has %d M/E owners", addr, n)
	}
}

var _ = Describe("Coherence invariants", func() {
	It("hold across a mixed two-core workload", func() {
		b := newBench(cache.InclInclusive, 2)

		ops := []struct {
			core    int
			addr    uint32
			isWrite bool
		}{
			{0, 0x1000, false},
			{1, 0x1000, false},
			{0, 0x1000, true},
			{1, 0x2000, true},
			{0, 0x2000, false},
			{1, 0x1000, false},
			{0, 0x0000, true},
			{1, 0x200, false},
			{1, 0x400, false},
			{1, 0x600, false},
			{1, 0x800, false},
		}
		for _, op := range ops {
			b.mustHit(b.dcaches[op.core], op.addr, op.isWrite)
			checkInvariants(b)
		}

		b.idle(200)
		checkInvariants(b)
	})

	It("hold under the exclusive policy", func() {
		b := newBench(cache.InclExclusive, 2)

		for _, addr := range []uint32{0x1000, 0x1080, 0x1100} {
			b.mustHit(b.dcaches[0], addr, true)
			checkInvariants(b)
		}
		b.mustHit(b.dcaches[1], 0x1000, false)
		checkInvariants(b)
	})
})
