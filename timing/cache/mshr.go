package cache

import "fmt"

// MSHRState is the lifecycle stage of an outstanding LLC miss.
type MSHRState int

const (
	// MSHRIdle marks a free entry.
	MSHRIdle MSHRState = iota
	// MSHRWaitingSend covers the L2-to-DRAM hop after allocation.
	MSHRWaitingSend
	// MSHRWaitingDRAM waits for the DRAM completion callback.
	MSHRWaitingDRAM
	// MSHRWaitingFill covers the DRAM-to-L2 hop after completion.
	MSHRWaitingFill
	// MSHRReady entries are committed into the LLC and freed in the same
	// LLC cycle that readies them.
	MSHRReady
)

func (s MSHRState) String() string {
	switch s {
	case MSHRIdle:
		return "idle"
	case MSHRWaitingSend:
		return "waiting-send"
	case MSHRWaitingDRAM:
		return "waiting-dram"
	case MSHRWaitingFill:
		return "waiting-fill"
	case MSHRReady:
		return "ready"
	default:
		return fmt.Sprintf("MSHRState(%d)", int(s))
	}
}

// MSHREntry tracks one outstanding miss: the line address, the requesters
// to wake on fill, and the timing of the two 5-cycle hops around DRAM.
type MSHREntry struct {
	Valid   bool
	Addr    uint32 // line-aligned
	State   MSHRState
	IsWrite bool
	IsFetch bool

	AllocCycle uint64
	// ReadyCycle is the cycle of the next timed transition: the DRAM send
	// while WaitingSend, the LLC fill while WaitingFill.
	ReadyCycle uint64

	// Requesters lists the core ids merged into this miss. The first
	// entry is the allocator.
	Requesters []int

	// Data holds the line bytes copied from backing memory when the DRAM
	// completion arrives.
	Data []byte
}

// MSHRTable is the fixed-capacity miss-status table owned by the LLC.
type MSHRTable struct {
	entries   []MSHREntry
	blockSize uint32
}

// NewMSHRTable creates a table with the given number of entries.
func NewMSHRTable(numEntries int, blockSize uint32) *MSHRTable {
	return &MSHRTable{
		entries:   make([]MSHREntry, numEntries),
		blockSize: blockSize,
	}
}

func (t *MSHRTable) align(addr uint32) uint32 {
	return addr &^ (t.blockSize - 1)
}

// FindByAddr returns the valid entry for the line containing addr, or nil.
func (t *MSHRTable) FindByAddr(addr uint32) *MSHREntry {
	lineAddr := t.align(addr)
	for i := range t.entries {
		if t.entries[i].Valid && t.entries[i].Addr == lineAddr {
			return &t.entries[i]
		}
	}
	return nil
}

// HasFree reports whether an entry can be allocated.
func (t *MSHRTable) HasFree() bool {
	for i := range t.entries {
		if !t.entries[i].Valid {
			return true
		}
	}
	return false
}

// Allocate claims a free entry for the line containing addr and starts
// the send hop. Returns nil when the table is full. Allocating a second
// entry for a pending line is a protocol violation.
func (t *MSHRTable) Allocate(
	now uint64,
	addr uint32,
	isWrite, isFetch bool,
	coreID int,
	sendDelay uint64,
) *MSHREntry {
	lineAddr := t.align(addr)
	if t.FindByAddr(lineAddr) != nil {
		panic(fmt.Sprintf("mshr: duplicate allocation for 0x%08x", lineAddr))
	}

	for i := range t.entries {
		if t.entries[i].Valid {
			continue
		}
		e := &t.entries[i]
		*e = MSHREntry{
			Valid:      true,
			Addr:       lineAddr,
			State:      MSHRWaitingSend,
			IsWrite:    isWrite,
			IsFetch:    isFetch,
			AllocCycle: now,
			ReadyCycle: now + sendDelay,
			Requesters: []int{coreID},
		}
		return e
	}
	return nil
}

// Merge adds a requester core to an existing entry without duplicates.
func (e *MSHREntry) Merge(coreID int) {
	for _, id := range e.Requesters {
		if id == coreID {
			return
		}
	}
	e.Requesters = append(e.Requesters, coreID)
}

// Free releases the entry.
func (e *MSHREntry) Free() {
	*e = MSHREntry{}
}

// ForEach visits every valid entry.
func (t *MSHRTable) ForEach(fn func(*MSHREntry)) {
	for i := range t.entries {
		if t.entries[i].Valid {
			fn(&t.entries[i])
		}
	}
}

// Outstanding counts the valid entries.
func (t *MSHRTable) Outstanding() int {
	n := 0
	for i := range t.entries {
		if t.entries[i].Valid {
			n++
		}
	}
	return n
}
