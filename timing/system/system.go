package system

import (
	"fmt"

	"github.com/sarchlab/mcsim/mem"
	"github.com/sarchlab/mcsim/timing/cache"
	"github.com/sarchlab/mcsim/timing/dram"
)

// Core bundles one core's private caches.
type Core struct {
	ID     int
	ICache *cache.L1Cache
	DCache *cache.L1Cache
}

// System owns every component of the hierarchy and the logical clock.
// Components refer to each other through the wiring established here;
// per-cycle advancement runs leaf-to-root so a request posted downward
// is never observed in the cycle that posted it.
type System struct {
	cfg Config
	now uint64

	memory *mem.Memory
	dram   *dram.Controller
	llc    *cache.LLC
	cores  []*Core
}

// dramPort adapts the controller to the cache package's port interface.
type dramPort struct {
	c *dram.Controller
}

func (p dramPort) Enqueue(now uint64, acc cache.DRAMAccess) {
	p.c.Enqueue(now, acc)
}

// New builds a system from the config.
func New(cfg Config) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	replPolicy, _ := cache.ParsePolicy(cfg.ReplacementPolicy)
	inclusion, _ := cache.ParseInclusionPolicy(cfg.InclusionPolicy)
	pagePolicy, _ := dram.ParsePagePolicy(cfg.DRAMPagePolicy)

	memory := mem.NewMemory()

	dramCtrl, err := dram.NewController(dram.Config{
		Banks:         cfg.DRAMBanks,
		CmdBusCycles:  cfg.DRAMCmdBusCycles,
		DataBusCycles: cfg.DRAMDataBusCycles,
		BankBusy:      cfg.DRAMBankBusy,
		PagePolicy:    pagePolicy,
	}, memory)
	if err != nil {
		return nil, err
	}

	llc, err := cache.NewLLC(cache.LLCConfig{
		Sets:        cfg.LLCSets,
		Ways:        cfg.LLCWays,
		BlockSize:   cfg.BlockSize,
		MSHRs:       cfg.LLCMSHRs,
		HitLatency:  cfg.LLCHitLatency,
		SendDelay:   cfg.L2ToDRAMDelay,
		FillDelay:   cfg.DRAMToL2Delay,
		Inclusion:   inclusion,
		Replacement: replPolicy,
		Seed:        cfg.Seed,
	}, dramPort{dramCtrl}, memory)
	if err != nil {
		return nil, err
	}

	s := &System{
		cfg:    cfg,
		memory: memory,
		dram:   dramCtrl,
		llc:    llc,
	}

	for id := 0; id < cfg.NumCores; id++ {
		icache, err := cache.NewL1Cache(id, cache.L1Config{
			Sets: cfg.L1ISets, Ways: cfg.L1IWays, BlockSize: cfg.BlockSize,
			Replacement: replPolicy, Seed: cfg.Seed + int64(2*id),
		}, llc, memory)
		if err != nil {
			return nil, fmt.Errorf("core %d icache: %w", id, err)
		}
		dcache, err := cache.NewL1Cache(id, cache.L1Config{
			Sets: cfg.L1DSets, Ways: cfg.L1DWays, BlockSize: cfg.BlockSize,
			Replacement: replPolicy, Seed: cfg.Seed + int64(2*id) + 1,
		}, llc, memory)
		if err != nil {
			return nil, fmt.Errorf("core %d dcache: %w", id, err)
		}
		s.cores = append(s.cores, &Core{ID: id, ICache: icache, DCache: dcache})
	}

	// Snoop domain: every L1 of every other core.
	for _, core := range s.cores {
		var peers []*cache.L1Cache
		for _, other := range s.cores {
			if other.ID == core.ID {
				continue
			}
			peers = append(peers, other.ICache, other.DCache)
		}
		core.ICache.SetPeers(peers)
		core.DCache.SetPeers(peers)
	}

	return s, nil
}

// Now returns the current cycle.
func (s *System) Now() uint64 { return s.now }

// Memory returns the backing memory (ground truth).
func (s *System) Memory() *mem.Memory { return s.memory }

// LLC returns the shared cache.
func (s *System) LLC() *cache.LLC { return s.llc }

// DRAM returns the memory controller.
func (s *System) DRAM() *dram.Controller { return s.dram }

// Core returns the caches of core id.
func (s *System) Core(id int) *Core { return s.cores[id] }

// NumCores returns the core count.
func (s *System) NumCores() int { return len(s.cores) }

// Tick advances the hierarchy at the current cycle, leaf to root: the
// DRAM controller first (its single completion callback feeds the LLC
// MSHRs), then the LLC send and fill queues. The pipeline issues its
// accesses for the cycle afterward, and Advance moves the clock.
func (s *System) Tick() {
	if comp := s.dram.Tick(s.now); comp != nil && comp.LineFill {
		s.llc.HandleDRAMCompletion(s.now, comp.Addr)
	}
	s.llc.Cycle(s.now)
}

// Advance moves the clock to the next cycle.
func (s *System) Advance() { s.now++ }

// Fetch issues an instruction fetch. ok is false while the access
// stalls; the first true delivers the word.
func (s *System) Fetch(coreID int, addr uint32) (word uint32, ok bool) {
	c := s.cores[coreID].ICache
	if c.Access(s.now, addr, false, true) != cache.Hit {
		return 0, false
	}
	word, present := c.PeekWord(addr &^ 3)
	if !present {
		panic(fmt.Sprintf("icache hit without line present at 0x%08x", addr))
	}
	return word, true
}

// ReadWord issues a data load of the aligned 32-bit word containing addr.
func (s *System) ReadWord(coreID int, addr uint32) (word uint32, ok bool) {
	c := s.cores[coreID].DCache
	if c.Access(s.now, addr, false, false) != cache.Hit {
		return 0, false
	}
	word, present := c.PeekWord(addr &^ 3)
	if !present {
		panic(fmt.Sprintf("dcache hit without line present at 0x%08x", addr))
	}
	return word, true
}

// WriteWord issues a data store of the aligned 32-bit word containing
// addr. The value is written through to backing memory on completion so
// the ground truth tracks program order.
func (s *System) WriteWord(coreID int, addr uint32, value uint32) bool {
	c := s.cores[coreID].DCache
	if c.Access(s.now, addr, true, false) != cache.Hit {
		return false
	}
	wordAddr := addr &^ 3
	c.PokeWord(wordAddr, value)
	s.memory.WriteWord(wordAddr, value)
	return true
}

// ReadByte loads a byte out of the containing word.
func (s *System) ReadByte(coreID int, addr uint32) (uint8, bool) {
	word, ok := s.ReadWord(coreID, addr&^3)
	if !ok {
		return 0, false
	}
	return uint8(word >> ((addr & 3) * 8)), true
}

// WriteByte stores a byte with a read-modify-write on the containing
// word. The store must hit before the merge happens, so the RMW is
// atomic within the cycle.
func (s *System) WriteByte(coreID int, addr uint32, value uint8) bool {
	c := s.cores[coreID].DCache
	if c.Access(s.now, addr, true, false) != cache.Hit {
		return false
	}
	wordAddr := addr &^ 3
	old, _ := c.PeekWord(wordAddr)
	shift := (addr & 3) * 8
	merged := old&^(0xFF<<shift) | uint32(value)<<shift
	c.PokeWord(wordAddr, merged)
	s.memory.WriteWord(wordAddr, merged)
	return true
}

// ReadHalf loads a halfword out of the containing word. addr must be
// halfword-aligned.
func (s *System) ReadHalf(coreID int, addr uint32) (uint16, bool) {
	word, ok := s.ReadWord(coreID, addr&^3)
	if !ok {
		return 0, false
	}
	return uint16(word >> ((addr & 2) * 8)), true
}

// WriteHalf stores a halfword with a read-modify-write on the containing
// word. addr must be halfword-aligned.
func (s *System) WriteHalf(coreID int, addr uint32, value uint16) bool {
	c := s.cores[coreID].DCache
	if c.Access(s.now, addr, true, false) != cache.Hit {
		return false
	}
	wordAddr := addr &^ 3
	old, _ := c.PeekWord(wordAddr)
	shift := (addr & 2) * 8
	merged := old&^(0xFFFF<<shift) | uint32(value)<<shift
	c.PokeWord(wordAddr, merged)
	s.memory.WriteWord(wordAddr, merged)
	return true
}

// CancelFetch drops the core's outstanding instruction-fetch miss, as on
// a branch squash. Any LLC MSHR already working the line runs to
// completion and fills silently.
func (s *System) CancelFetch(coreID int) {
	s.cores[coreID].ICache.CancelMiss()
}

// Summary aggregates the counters of every component.
type Summary struct {
	Cycles uint64
	L1I    cache.Statistics
	L1D    cache.Statistics
	LLC    cache.Statistics
	DRAM   dram.Statistics
}

// Summary returns the aggregate counters at the current cycle.
func (s *System) Summary() Summary {
	sum := Summary{
		Cycles: s.now,
		LLC:    s.llc.Stats(),
		DRAM:   s.dram.Stats(),
	}
	for _, core := range s.cores {
		sum.L1I = addStats(sum.L1I, core.ICache.Stats())
		sum.L1D = addStats(sum.L1D, core.DCache.Stats())
	}
	return sum
}

func addStats(a, b cache.Statistics) cache.Statistics {
	return cache.Statistics{
		Reads:             a.Reads + b.Reads,
		Writes:            a.Writes + b.Writes,
		Hits:              a.Hits + b.Hits,
		Misses:            a.Misses + b.Misses,
		UpgradeMisses:     a.UpgradeMisses + b.UpgradeMisses,
		Evictions:         a.Evictions + b.Evictions,
		Writebacks:        a.Writebacks + b.Writebacks,
		SnoopHits:         a.SnoopHits + b.SnoopHits,
		BackInvalidations: a.BackInvalidations + b.BackInvalidations,
	}
}
