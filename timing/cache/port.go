package cache

// DRAMAccess is one request handed down to the memory controller.
type DRAMAccess struct {
	Addr    uint32
	IsWrite bool
	// CoreID is the requesting core, or -1 for writebacks with no
	// upstream consumer.
	CoreID int
	// IsFetch marks instruction-fetch origin for the scheduler's
	// lowest-priority tie-break.
	IsFetch bool
	// LineFill marks MSHR-driven line fetches. Only their completions
	// are routed back into the LLC MSHR table.
	LineFill bool
	// Data carries the payload of writes; it is committed to backing
	// memory when the transfer completes.
	Data []byte
}

// DRAMPort is the cache side's view of the memory controller. The system
// wires the concrete controller in behind this interface so the cache
// package stays independent of DRAM timing internals.
type DRAMPort interface {
	Enqueue(now uint64, acc DRAMAccess)
}
