// Package tlb implements the software translation lookaside buffer: a
// fixed 1024-entry, direct-mapped cache from guest page to resolved host
// pointer. Lookup is the hot path the emulator's CPU hits on every guest
// memory access, so it touches only atomics and never a lock, mirroring
// the teacher kernel's direct-mapped physical page accounting (Dmap) in
// spirit: a flat array indexed by a few low address bits, no tree walk.
package tlb

import (
	"sync/atomic"

	"defs"
	"stats"
)

// Size is the number of direct-mapped TLB entries.
const Size = 1024

// indexMask selects the low 10 bits of the guest page index.
const indexMask = uint32(Size - 1)

// emptyTag is the sentinel meaning "this slot holds no translation". No
// legitimate page base can equal it: page bases are always 4096-aligned
// (low 12 bits zero) and 1 is not.
const emptyTag uint32 = 1

type slot struct {
	tag            atomic.Uint32
	writableTag    atomic.Uint32
	hostMinusGuest atomic.Uintptr
}

// TLB is the software translation cache for one address space.
type TLB struct {
	slots     [Size]slot
	lastDirty atomic.Uint32

	hits   stats.Counter
	misses stats.Counter
}

// Process-wide hit/miss totals across every TLB ever constructed, read by
// the metrics collector (spec §4.8, guestvm_tlb_lookups_total). A released
// address space's TLB stops accumulating but its totals are not
// subtracted back out: these are cumulative counters, matching Prometheus's
// counter semantics (never decrease).
var (
	globalHits   stats.Counter
	globalMisses stats.Counter
)

// GlobalHits returns the number of TLB lookups that hit, summed across
// every address space's TLB for the life of the process.
func GlobalHits() int64 { return globalHits.Load() }

// GlobalMisses returns the number of TLB lookups that missed, summed
// across every address space's TLB for the life of the process.
func GlobalMisses() int64 { return globalMisses.Load() }

// New returns a TLB with every slot empty.
func New() *TLB {
	t := &TLB{}
	t.FlushAll()
	return t
}

// FlushAll empties every slot. Used for bulk mutations (e.g. releasing an
// entire address space) where invalidating slot-by-slot would cost more
// than a single linear pass.
func (t *TLB) FlushAll() {
	for i := range t.slots {
		t.slots[i].tag.Store(emptyTag)
		t.slots[i].writableTag.Store(emptyTag)
	}
}

func index(addr uint32) uint32 {
	return defs.Page(addr) & indexMask
}

// Lookup resolves addr for the given intent using only the cache; it
// never touches the page table. It returns the host pointer and true on
// a hit, or false on a miss. A WRITE hit additionally records addr's
// page as the most recently dirtied page (§3, last_dirty_page).
func (t *TLB) Lookup(addr uint32, intent defs.Intent) (uintptr, bool) {
	s := &t.slots[index(addr)]
	base := defs.PageBase(addr)
	switch intent {
	case defs.Read:
		if s.tag.Load() == base {
			t.hits.Inc()
			globalHits.Inc()
			return s.hostMinusGuest.Load() + uintptr(addr), true
		}
	case defs.Write:
		if s.writableTag.Load() == base {
			t.lastDirty.Store(base)
			t.hits.Inc()
			globalHits.Inc()
			return s.hostMinusGuest.Load() + uintptr(addr), true
		}
	}
	t.misses.Inc()
	globalMisses.Inc()
	return 0, false
}

// Refill installs a translation for the guest page containing addr.
// hostBase is the host address of byte 0 of that guest page; writable
// reports whether the page may be written in place.
func (t *TLB) Refill(addr uint32, hostBase uintptr, writable bool) {
	s := &t.slots[index(addr)]
	base := defs.PageBase(addr)
	s.hostMinusGuest.Store(hostBase - uintptr(base))
	if writable {
		s.writableTag.Store(base)
	} else {
		s.writableTag.Store(base | 1) // distinct from any valid base
	}
	s.tag.Store(base)
}

// Invalidate clears the slot for guest page p if it currently holds a
// translation for p. It is a no-op if the slot holds something else
// (already invalid for p, or never filled).
func (t *TLB) Invalidate(p uint32) {
	s := &t.slots[p&indexMask]
	base := p << defs.PageShift
	if s.tag.Load() == base {
		s.tag.Store(emptyTag)
	}
	if s.writableTag.Load() == base {
		s.writableTag.Store(emptyTag)
	}
}

// LastDirtyPage returns the guest page base most recently targeted by a
// successful write, for the CPU's self-modifying-code detection.
func (t *TLB) LastDirtyPage() uint32 {
	return t.lastDirty.Load()
}

// ClearDirtyPage resets the dirty-page marker. The CPU calls this after
// it has acted on the signal, so a subsequent read reports "no new
// writes since".
func (t *TLB) ClearDirtyPage() {
	t.lastDirty.Store(0)
}

// Hits returns the number of TLB lookups that hit.
func (t *TLB) Hits() int64 { return t.hits.Load() }

// Misses returns the number of TLB lookups that missed.
func (t *TLB) Misses() int64 { return t.misses.Load() }
