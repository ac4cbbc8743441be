package cache

import (
	"fmt"
	"math/rand"
)

// Policy selects the replacement family used by a cache.
type Policy int

const (
	// PolicyLRU is classic least-recently-used.
	PolicyLRU Policy = iota
	// PolicyDIP duels LRU against bimodal insertion (BIP).
	PolicyDIP
	// PolicyDRRIP duels static RRIP against bimodal RRIP.
	PolicyDRRIP
	// PolicyEAF consults an evicted-address filter to choose between MRU
	// and bimodal insertion on top of an LRU-ordered set.
	PolicyEAF
)

func (p Policy) String() string {
	switch p {
	case PolicyLRU:
		return "lru"
	case PolicyDIP:
		return "dip"
	case PolicyDRRIP:
		return "drrip"
	case PolicyEAF:
		return "eaf"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy parses the configuration spelling of a replacement policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "lru":
		return PolicyLRU, nil
	case "dip":
		return PolicyDIP, nil
	case "drrip":
		return PolicyDRRIP, nil
	case "eaf":
		return PolicyEAF, nil
	default:
		return 0, fmt.Errorf("unknown replacement policy %q", s)
	}
}

const (
	rrpvMax     = 3 // 2-bit RRPV; 3 means "evict me"
	rrpvLong    = 2 // SRRIP insertion value
	pselMax     = 1023
	pselInit    = 512
	bimodalOdds = 32 // 1-in-32 chance of the protective insertion

	numLeaderSets = 32
)

type leaderKind int

const (
	followerSet leaderKind = iota
	leaderA                // LRU under DIP, SRRIP under DRRIP
	leaderB                // BIP under DIP, BRRIP under DRRIP
)

// replacer implements victim selection, miss insertion, and hit promotion
// for all policies. Per-block metadata lives in Block (LRUCount, RRPV);
// cache-wide state (PSEL, the evicted-address filter, the PRNG) lives
// here. The PRNG is owned by the cache so runs are reproducible.
type replacer struct {
	policy Policy
	ways   uint32

	// Set dueling: sets where setIdx % leaderStride == 0 lead policy A,
	// == 1 lead policy B, the rest follow the PSEL winner.
	leaderStride uint32
	psel         uint32

	rng *rand.Rand
	eaf *evictedAddrFilter
}

func newReplacer(policy Policy, numSets, ways uint32, seed int64) *replacer {
	stride := numSets / numLeaderSets
	if stride < 2 {
		stride = 2
	}

	r := &replacer{
		policy:       policy,
		ways:         ways,
		leaderStride: stride,
		psel:         pselInit,
		rng:          rand.New(rand.NewSource(seed)),
	}
	if policy == PolicyEAF {
		r.eaf = newEvictedAddrFilter(numSets * ways)
	}
	return r
}

func (r *replacer) leader(setIdx uint32) leaderKind {
	switch setIdx % r.leaderStride {
	case 0:
		return leaderA
	case 1:
		return leaderB
	default:
		return followerSet
	}
}

// useB reports whether the given set inserts with policy B this miss, and
// nudges PSEL when the set is a leader. Misses in an A-leader push PSEL
// toward B and vice versa.
func (r *replacer) useB(setIdx uint32) bool {
	switch r.leader(setIdx) {
	case leaderA:
		if r.psel < pselMax {
			r.psel++
		}
		return false
	case leaderB:
		if r.psel > 0 {
			r.psel--
		}
		return true
	default:
		return r.psel >= pselInit
	}
}

// victim chooses the way to evict. Invalid ways always win.
func (r *replacer) victim(set *Set, setIdx uint32) int {
	for i, blk := range set.Blocks {
		if blk.State == Invalid {
			return i
		}
	}

	if r.policy == PolicyDRRIP {
		return r.rripVictim(set)
	}
	return lruVictim(set)
}

// insert sets the replacement metadata of a freshly installed block.
func (r *replacer) insert(set *Set, setIdx uint32, way int, blockAddr uint32) {
	switch r.policy {
	case PolicyLRU:
		insertMRU(set, way, r.ways)

	case PolicyDIP:
		if r.useB(setIdx) {
			r.insertBIP(set, way)
		} else {
			insertMRU(set, way, r.ways)
		}

	case PolicyDRRIP:
		if r.useB(setIdx) {
			// BRRIP: rarely insert with a long re-reference prediction.
			if r.rng.Intn(bimodalOdds) == 0 {
				set.Blocks[way].RRPV = rrpvLong
			} else {
				set.Blocks[way].RRPV = rrpvMax
			}
		} else {
			set.Blocks[way].RRPV = rrpvLong
		}

	case PolicyEAF:
		if r.eaf.test(blockAddr) {
			// Recently evicted: predicted high reuse.
			insertMRU(set, way, r.ways)
		} else {
			r.insertBIP(set, way)
		}
	}
}

// hit promotes a block on a cache hit.
func (r *replacer) hit(set *Set, setIdx uint32, way int) {
	if r.policy == PolicyDRRIP {
		set.Blocks[way].RRPV = 0
		return
	}
	promoteLRU(set, way)
}

// noteEviction records an evicted line address for reuse prediction.
func (r *replacer) noteEviction(blockAddr uint32) {
	if r.eaf != nil {
		r.eaf.recordEviction(blockAddr)
	}
}

// insertBIP inserts at the LRU position, with a 1-in-32 chance of MRU.
func (r *replacer) insertBIP(set *Set, way int) {
	if r.rng.Intn(bimodalOdds) == 0 {
		insertMRU(set, way, r.ways)
		return
	}
	set.Blocks[way].LRUCount = r.ways - 1
}

func lruVictim(set *Set) int {
	victim := 0
	max := uint32(0)
	for i, blk := range set.Blocks {
		if blk.LRUCount >= max {
			max = blk.LRUCount
			victim = i
		}
	}
	return victim
}

// rripVictim picks any block with RRPV at the maximum, aging the whole
// set until one appears.
func (r *replacer) rripVictim(set *Set) int {
	for {
		for i, blk := range set.Blocks {
			if blk.RRPV >= rrpvMax {
				return i
			}
		}
		for _, blk := range set.Blocks {
			blk.RRPV++
		}
	}
}

// insertMRU makes the block the most recently used and ages every valid
// peer.
func insertMRU(set *Set, way int, ways uint32) {
	for i, blk := range set.Blocks {
		if i != way && blk.State != Invalid && blk.LRUCount < ways-1 {
			blk.LRUCount++
		}
	}
	set.Blocks[way].LRUCount = 0
}

// promoteLRU moves a hit block to MRU, aging only the peers that were
// more recent than it.
func promoteLRU(set *Set, way int) {
	cur := set.Blocks[way].LRUCount
	for i, blk := range set.Blocks {
		if i != way && blk.State != Invalid && blk.LRUCount < cur {
			blk.LRUCount++
		}
	}
	set.Blocks[way].LRUCount = 0
}
