// Package dram models a single-channel, single-rank memory controller:
// eight independent banks behind one command bus and one data bus, with
// row-buffer-aware FR-FCFS scheduling.
package dram

import (
	"fmt"

	"github.com/sarchlab/mcsim/mem"
	"github.com/sarchlab/mcsim/timing/cache"
)

// Statistics holds controller counters.
type Statistics struct {
	Reads        uint64
	Writes       uint64
	RowHits      uint64
	RowClosed    uint64
	RowConflicts uint64
	Completed    uint64
}

// Completion reports the single request dequeued this cycle.
type Completion struct {
	Addr     uint32
	IsWrite  bool
	CoreID   int
	LineFill bool
}

// request is one in-flight access with its decoded bank and row.
type request struct {
	acc          cache.DRAMAccess
	arrivalCycle uint64
	seq          uint64

	bank uint32
	row  uint32

	scheduled       bool
	completionCycle uint64
}

// bank tracks the row buffer and the command-busy window.
type bank struct {
	// activeRow is the open row, or -1 when the bank is precharged.
	activeRow int32
	busyUntil uint64
}

// Controller is the DRAM scheduler. The two bus reservation maps are the
// single source of truth for timing: a request is schedulable only when
// every command-bus and data-bus window it needs is clear.
type Controller struct {
	cfg    Config
	banks  []bank
	queue  []*request
	memory *mem.Memory

	cmdBus  map[uint64]bool
	dataBus map[uint64]bool

	nextSeq uint64
	stats   Statistics
}

// NewController creates a controller over the given backing memory.
func NewController(cfg Config, memory *mem.Memory) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("dram config: %w", err)
	}

	c := &Controller{
		cfg:     cfg,
		banks:   make([]bank, cfg.Banks),
		memory:  memory,
		cmdBus:  make(map[uint64]bool),
		dataBus: make(map[uint64]bool),
	}
	for i := range c.banks {
		c.banks[i].activeRow = -1
	}
	return c, nil
}

// Stats returns the counters accumulated so far.
func (c *Controller) Stats() Statistics { return c.stats }

// Pending counts requests not yet dequeued.
func (c *Controller) Pending() int { return len(c.queue) }

// decode extracts the bank index from bits [7:5] and the row index from
// bits [31:16]. Channel and rank are fixed at zero.
func (c *Controller) decode(addr uint32) (bankIdx, row uint32) {
	return (addr >> 5) & (c.cfg.Banks - 1), (addr >> 16) & 0xFFFF
}

// Enqueue accepts a request from the cache hierarchy. It becomes
// schedulable from the next Tick.
func (c *Controller) Enqueue(now uint64, acc cache.DRAMAccess) {
	r := &request{
		acc:          acc,
		arrivalCycle: now,
		seq:          c.nextSeq,
	}
	c.nextSeq++
	r.bank, r.row = c.decode(acc.Addr)
	c.queue = append(c.queue, r)

	if acc.IsWrite {
		c.stats.Writes++
	} else {
		c.stats.Reads++
	}
}

// Tick advances the controller one cycle: it dequeues at most one
// completed request (committing write data to backing memory), issues at
// most one schedulable request per FR-FCFS, and periodically collects
// stale bus reservations. The returned completion is nil on quiet cycles.
func (c *Controller) Tick(now uint64) *Completion {
	done := c.popCompleted(now)
	c.scheduleBest(now)

	if now%1000 == 0 {
		c.collectReservations(now)
	}
	return done
}

// popCompleted dequeues the completed request with the earliest
// completion cycle, at most one per cycle.
func (c *Controller) popCompleted(now uint64) *Completion {
	best := -1
	for i, r := range c.queue {
		if !r.scheduled || r.completionCycle > now {
			continue
		}
		if best < 0 || r.completionCycle < c.queue[best].completionCycle ||
			(r.completionCycle == c.queue[best].completionCycle &&
				r.arrivalCycle < c.queue[best].arrivalCycle) {
			best = i
		}
	}
	if best < 0 {
		return nil
	}

	r := c.queue[best]
	c.queue = append(c.queue[:best], c.queue[best+1:]...)
	c.stats.Completed++

	if r.acc.IsWrite && r.acc.Data != nil {
		c.memory.WriteBlock(r.acc.Addr, r.acc.Data)
	}
	return &Completion{
		Addr:     r.acc.Addr,
		IsWrite:  r.acc.IsWrite,
		CoreID:   r.acc.CoreID,
		LineFill: r.acc.LineFill,
	}
}

// rowState classifies a request against its bank's row buffer.
type rowState int

const (
	rowHit rowState = iota
	rowClosed
	rowConflict
)

func (c *Controller) rowStateOf(r *request) rowState {
	b := &c.banks[r.bank]
	switch {
	case b.activeRow == int32(r.row):
		return rowHit
	case b.activeRow == -1:
		return rowClosed
	default:
		return rowConflict
	}
}

// commandOffsets returns the relative issue cycle of every command in
// the access's sequence: RD/WR on a row hit, ACT+RD/WR on a closed row,
// PRE+ACT+RD/WR on a conflict. Each command occupies the bank for a full
// bank-busy window before the next may issue.
func (c *Controller) commandOffsets(state rowState) []uint64 {
	switch state {
	case rowHit:
		return []uint64{0}
	case rowClosed:
		return []uint64{0, c.cfg.BankBusy}
	default:
		return []uint64{0, c.cfg.BankBusy, 2 * c.cfg.BankBusy}
	}
}

// dataStart returns the relative cycle the data burst begins: one
// data-delay window after the last command issues.
func (c *Controller) dataStart(state rowState) uint64 {
	offsets := c.commandOffsets(state)
	return offsets[len(offsets)-1] + c.cfg.BankBusy
}

// schedulable reports whether the request can issue at now: bank free,
// and every command-bus and data-bus window clear.
func (c *Controller) schedulable(r *request, now uint64) bool {
	if c.banks[r.bank].busyUntil > now {
		return false
	}

	state := c.rowStateOf(r)
	for _, off := range c.commandOffsets(state) {
		if !busFree(c.cmdBus, now+off, c.cfg.CmdBusCycles) {
			return false
		}
	}
	return busFree(c.dataBus, now+c.dataStart(state), c.cfg.DataBusCycles)
}

// schedule commits the request: reserves its command and data windows,
// opens (or auto-precharges) the row, and sets the completion cycle to
// the cycle right after the data burst's last bus cycle.
func (c *Controller) schedule(r *request, now uint64) {
	b := &c.banks[r.bank]
	if b.busyUntil > now {
		panic(fmt.Sprintf("dram: bank %d scheduled while busy until %d (now %d)",
			r.bank, b.busyUntil, now))
	}

	state := c.rowStateOf(r)
	switch state {
	case rowHit:
		c.stats.RowHits++
	case rowClosed:
		c.stats.RowClosed++
	default:
		c.stats.RowConflicts++
	}

	offsets := c.commandOffsets(state)
	for _, off := range offsets {
		reserveBus(c.cmdBus, now+off, c.cfg.CmdBusCycles)
	}
	b.busyUntil = now + uint64(len(offsets))*c.cfg.BankBusy

	if c.cfg.PagePolicy == PageClosed {
		// Auto-precharge: the row closes as soon as the access drains.
		b.activeRow = -1
	} else {
		b.activeRow = int32(r.row)
	}

	start := now + c.dataStart(state)
	reserveBus(c.dataBus, start, c.cfg.DataBusCycles)

	r.scheduled = true
	r.completionCycle = start + c.cfg.DataBusCycles
}

// scheduleBest issues at most one request per cycle, picking among the
// schedulable candidates by: row-buffer hit first (open policy), then
// earliest arrival, then memory-stage origin over instruction fetch.
func (c *Controller) scheduleBest(now uint64) {
	var best *request
	for _, r := range c.queue {
		if r.scheduled || !c.schedulable(r, now) {
			continue
		}
		if best == nil || c.better(r, best) {
			best = r
		}
	}
	if best != nil {
		c.schedule(best, now)
	}
}

func (c *Controller) better(r, best *request) bool {
	rHit := c.rowStateOf(r) == rowHit
	bestHit := c.rowStateOf(best) == rowHit
	if rHit != bestHit {
		return rHit
	}
	if r.arrivalCycle != best.arrivalCycle {
		return r.arrivalCycle < best.arrivalCycle
	}
	if r.acc.IsFetch != best.acc.IsFetch {
		return !r.acc.IsFetch
	}
	return r.seq < best.seq
}

func busFree(bus map[uint64]bool, start, duration uint64) bool {
	for i := uint64(0); i < duration; i++ {
		if bus[start+i] {
			return false
		}
	}
	return true
}

func reserveBus(bus map[uint64]bool, start, duration uint64) {
	for i := uint64(0); i < duration; i++ {
		if bus[start+i] {
			panic(fmt.Sprintf("dram: overlapping bus reservation at cycle %d", start+i))
		}
		bus[start+i] = true
	}
}

// collectReservations drops reservation keys strictly in the past so the
// maps stay bounded on long runs.
func (c *Controller) collectReservations(now uint64) {
	for cycle := range c.cmdBus {
		if cycle < now {
			delete(c.cmdBus, cycle)
		}
	}
	for cycle := range c.dataBus {
		if cycle < now {
			delete(c.dataBus, cycle)
		}
	}
}
