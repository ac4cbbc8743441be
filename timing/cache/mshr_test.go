package cache

import "testing"

func TestMSHRAllocateAndFind(t *testing.T) {
	tbl := NewMSHRTable(4, 32)

	e := tbl.Allocate(100, 0x1234, false, false, 0, 5)
	if e == nil {
		t.Fatal("allocation failed on empty table")
	}
	if e.Addr != 0x1220 {
		t.Errorf("entry address = 0x%x, want line-aligned 0x1220", e.Addr)
	}
	if e.State != MSHRWaitingSend {
		t.Errorf("fresh entry state = %v, want waiting-send", e.State)
	}
	if e.ReadyCycle != 105 {
		t.Errorf("send cycle = %d, want alloc+5", e.ReadyCycle)
	}

	// Any address in the same line finds the entry.
	if tbl.FindByAddr(0x123F) != e {
		t.Error("FindByAddr missed the containing line")
	}
	if tbl.FindByAddr(0x1240) != nil {
		t.Error("FindByAddr matched the next line")
	}
}

func TestMSHRMergeDeduplicates(t *testing.T) {
	tbl := NewMSHRTable(4, 32)
	e := tbl.Allocate(0, 0x2000, false, false, 0, 5)

	e.Merge(1)
	e.Merge(1)
	e.Merge(0)
	if len(e.Requesters) != 2 {
		t.Errorf("requesters = %v, want [0 1]", e.Requesters)
	}
}

func TestMSHRTableFull(t *testing.T) {
	tbl := NewMSHRTable(2, 32)

	tbl.Allocate(0, 0x1000, false, false, 0, 5)
	tbl.Allocate(0, 0x2000, false, false, 0, 5)
	if tbl.HasFree() {
		t.Error("table should be full")
	}
	if e := tbl.Allocate(0, 0x3000, false, false, 0, 5); e != nil {
		t.Error("allocation should fail on a full table")
	}

	tbl.FindByAddr(0x1000).Free()
	if !tbl.HasFree() {
		t.Error("free should open a slot")
	}
	if tbl.Outstanding() != 1 {
		t.Errorf("outstanding = %d, want 1", tbl.Outstanding())
	}
}

func TestMSHRDuplicateAllocationPanics(t *testing.T) {
	tbl := NewMSHRTable(4, 32)
	tbl.Allocate(0, 0x5000, false, false, 0, 5)

	defer func() {
		if recover() == nil {
			t.Error("second allocation for a pending line should panic")
		}
	}()
	tbl.Allocate(0, 0x5010, false, false, 1, 5) // same line
}
