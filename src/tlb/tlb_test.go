package tlb

import (
	"testing"

	"defs"
)

func TestLookupMissOnEmptyTLB(t *testing.T) {
	tl := New()
	if _, ok := tl.Lookup(0x1000, defs.Read); ok {
		t.Fatal("expected miss on a freshly constructed TLB")
	}
	if tl.Misses() != 1 {
		t.Fatalf("Misses() = %d, want 1", tl.Misses())
	}
}

func TestRefillThenLookupHits(t *testing.T) {
	tl := New()
	addr := uint32(7 * defs.PageSize)
	hostBase := uintptr(0xdead0000)
	tl.Refill(addr, hostBase, true)

	got, ok := tl.Lookup(addr+4, defs.Read)
	if !ok {
		t.Fatal("expected hit after Refill")
	}
	if want := hostBase + 4; got != want {
		t.Fatalf("Lookup() = %#x, want %#x", got, want)
	}
	if tl.Hits() != 1 {
		t.Fatalf("Hits() = %d, want 1", tl.Hits())
	}
}

func TestRefillReadOnlyMissesOnWrite(t *testing.T) {
	tl := New()
	addr := uint32(2 * defs.PageSize)
	tl.Refill(addr, 0x1000, false)

	if _, ok := tl.Lookup(addr, defs.Read); !ok {
		t.Fatal("expected read hit on a read-only translation")
	}
	if _, ok := tl.Lookup(addr, defs.Write); ok {
		t.Fatal("expected write miss on a read-only translation")
	}
}

func TestWriteHitRecordsLastDirtyPage(t *testing.T) {
	tl := New()
	addr := uint32(5 * defs.PageSize)
	tl.Refill(addr, 0x2000, true)

	if tl.LastDirtyPage() != 0 {
		t.Fatalf("LastDirtyPage() = %#x before any write, want 0", tl.LastDirtyPage())
	}
	if _, ok := tl.Lookup(addr, defs.Write); !ok {
		t.Fatal("expected write hit")
	}
	if want := defs.PageBase(addr); tl.LastDirtyPage() != want {
		t.Fatalf("LastDirtyPage() = %#x, want %#x", tl.LastDirtyPage(), want)
	}
	tl.ClearDirtyPage()
	if tl.LastDirtyPage() != 0 {
		t.Fatal("ClearDirtyPage did not reset the marker")
	}
}

func TestInvalidateClearsOnlyMatchingPage(t *testing.T) {
	tl := New()
	addr := uint32(9 * defs.PageSize)
	tl.Refill(addr, 0x3000, true)

	tl.Invalidate(defs.Page(addr) + Size) // different page, same slot index
	if _, ok := tl.Lookup(addr, defs.Read); !ok {
		t.Fatal("Invalidate cleared a slot for an unrelated page")
	}

	tl.Invalidate(defs.Page(addr))
	if _, ok := tl.Lookup(addr, defs.Read); ok {
		t.Fatal("expected miss after Invalidate")
	}
}

func TestFlushAllEmptiesEverySlot(t *testing.T) {
	tl := New()
	addrs := []uint32{0, uint32(defs.PageSize), uint32(100 * defs.PageSize)}
	for _, a := range addrs {
		tl.Refill(a, uintptr(a)+0x10000, true)
	}
	tl.FlushAll()
	for _, a := range addrs {
		if _, ok := tl.Lookup(a, defs.Read); ok {
			t.Fatalf("Lookup(%#x) hit after FlushAll", a)
		}
	}
}

func TestGlobalCountersAccumulateAcrossInstances(t *testing.T) {
	beforeHits, beforeMisses := GlobalHits(), GlobalMisses()

	a, b := New(), New()
	addr := uint32(3 * defs.PageSize)
	a.Refill(addr, 0x4000, true)
	a.Lookup(addr, defs.Read) // hit on a
	b.Lookup(addr, defs.Read) // miss on b, separate instance

	if GlobalHits() != beforeHits+1 {
		t.Fatalf("GlobalHits() = %d, want %d", GlobalHits(), beforeHits+1)
	}
	if GlobalMisses() != beforeMisses+1 {
		t.Fatalf("GlobalMisses() = %d, want %d", GlobalMisses(), beforeMisses+1)
	}
}
