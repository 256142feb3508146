// Package vm aggregates a page table and a software TLB into a single
// address space, the unit the emulator's process model actually owns.
// Space mirrors the teacher kernel's Vm_t: one lock guarding both the
// page table and the TLB across any mutation, a refcount for sharing
// between a forking parent and child, and the COW-clone operation that
// realizes fork at this layer.
package vm

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/sirupsen/logrus"

	"access"
	"backing"
	"defs"
	"host"
	"pagetable"
	"stats"
	"tlb"
)

// Package-level access-fault ledger, read by the metrics collector
// (spec §4.8, guestvm_access_faults_total). Kept here rather than on
// the TLB, since the TLB only ever sees hits and misses; a miss becomes
// a fault (and which kind) only once the page table has been consulted.
var (
	faultsUnmapped   stats.Counter
	faultsProtection stats.Counter
)

// FaultsUnmapped returns the number of accesses that faulted because
// the target guest page had no page-table entry.
func FaultsUnmapped() int64 { return faultsUnmapped.Load() }

// FaultsProtection returns the number of accesses that faulted because
// the target page was mapped but did not permit the requested intent.
func FaultsProtection() int64 { return faultsProtection.Load() }

// Space is one guest address space: a page table, a software TLB, and
// the host allocator new backings are carved from.
type Space struct {
	mu    sync.Mutex
	table *pagetable.Table
	tlbuf *tlb.TLB
	alloc host.Allocator
	log   *logrus.Logger

	refcount int32
}

// New creates a fresh, empty address space with refcount 1 (spec §4.7,
// Create).
func New(alloc host.Allocator, log *logrus.Logger) *Space {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Space{
		table:    pagetable.New(),
		tlbuf:    tlb.New(),
		alloc:    alloc,
		log:      log,
		refcount: 1,
	}
}

// Retain increments the space's refcount.
func (s *Space) Retain() {
	atomic.AddInt32(&s.refcount, 1)
}

// Release decrements the space's refcount; when it reaches zero every
// page is unmapped (releasing backings whose refcount drops to zero in
// turn) and the TLB is flushed.
func (s *Space) Release() {
	if atomic.AddInt32(&s.refcount, -1) != 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if low, high, ok := s.table.Watermark(); ok {
		s.table.Unmap(low, high-low+1, defs.ForceUnmap)
	}
	s.tlbuf.FlushAll()
	s.log.Debug("vm: address space released")
}

func (s *Space) invalidateRange(start, count uint32) {
	for p := start; p < start+count; p++ {
		s.tlbuf.Invalidate(p)
	}
}

// MapMemory installs start_page..start_page+count over region (spec
// §4.2, map_memory).
func (s *Space) MapMemory(start, count uint32, region *host.Region, flags defs.Flags) defs.Err {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := s.table.MapMemory(s.alloc, start, count, region, flags)
	if status == defs.OK {
		s.invalidateRange(start, count)
	}
	return status
}

// MapFile installs start_page..start_page+count backed by fd at
// fileOffset (spec §4.2, map_file).
func (s *Space) MapFile(start, count uint32, fd int, fileOffset int64, flags defs.Flags) defs.Err {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := s.table.MapFile(s.alloc, start, count, fd, fileOffset, flags)
	if status == defs.OK {
		s.invalidateRange(start, count)
	}
	return status
}

// MapAnonymous installs start_page..start_page+count backed by fresh
// zero-filled memory (spec §4.2, map_anonymous).
func (s *Space) MapAnonymous(start, count uint32, flags defs.Flags) defs.Err {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := s.table.MapAnonymous(s.alloc, start, count, flags)
	if status == defs.OK {
		s.invalidateRange(start, count)
	}
	return status
}

// Unmap removes start_page..start_page+count (spec §4.2, unmap).
func (s *Space) Unmap(start, count uint32, force defs.Force) defs.Err {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := s.table.Unmap(start, count, force)
	if status == defs.OK {
		s.invalidateRange(start, count)
	}
	return status
}

// SetFlags changes protection over start_page..start_page+count (spec
// §4.2, set_flags).
func (s *Space) SetFlags(start, count uint32, flags defs.Flags) defs.Err {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := s.table.SetFlags(start, count, flags)
	if status == defs.OK {
		s.invalidateRange(start, count)
	}
	return status
}

// FindHole returns the first page index satisfying find_hole(count),
// or BadPage (spec §4.2, find_hole).
func (s *Space) FindHole(count uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.FindHole(count)
}

// lockOrder returns a, b ordered so that locking them in that order
// never deadlocks against a concurrent call with the arguments swapped.
func lockOrder(a, b *Space) (first, second *Space) {
	if uintptr(unsafe.Pointer(a)) <= uintptr(unsafe.Pointer(b)) {
		return a, b
	}
	return b, a
}

// CopyOnWrite clones count pages from src (starting at srcStart) into
// dst (starting at dstStart), per spec §4.2's copy_on_write. src and
// dst may be the same space.
func CopyOnWrite(src, dst *Space, srcStart, dstStart, count uint32) defs.Err {
	if src == dst {
		src.mu.Lock()
		defer src.mu.Unlock()
	} else {
		first, second := lockOrder(src, dst)
		first.mu.Lock()
		defer first.mu.Unlock()
		second.mu.Lock()
		defer second.mu.Unlock()
	}
	status := pagetable.CopyOnWrite(src.table, dst.table, srcStart, dstStart, count)
	if status == defs.OK {
		src.invalidateRange(srcStart, count)
		dst.invalidateRange(dstStart, count)
	}
	return status
}

// CloneCOW creates a fresh space and copy-on-write clones the full
// occupied range of s into it, preserving guest addresses (spec §4.7,
// Clone via COW — the mechanism behind process fork).
func (s *Space) CloneCOW() (*Space, defs.Err) {
	child := New(s.alloc, s.log)
	s.mu.Lock()
	low, high, ok := s.table.Watermark()
	s.mu.Unlock()
	if !ok {
		return child, defs.OK
	}
	count := high - low + 1
	if status := CopyOnWrite(s, child, low, low, count); status != defs.OK {
		child.Release()
		return nil, status
	}
	return child, defs.OK
}

// Resolve implements access.Resolver: it consults the TLB, and on a
// miss walks the page table, enforcing protection and breaking COW as
// needed, then refills the TLB before returning. A write served by the
// miss path retries the refilled TLB so the hit records the page as the
// last dirtied one.
func (s *Space) Resolve(addr uint32, intent defs.Intent) (uintptr, bool) {
	if ptr, ok := s.tlbuf.Lookup(addr, intent); ok {
		return ptr, true
	}
	ptr, ok := s.handleMiss(addr, intent)
	if ok && intent == defs.Write {
		if hit, retried := s.tlbuf.Lookup(addr, intent); retried {
			return hit, true
		}
	}
	return ptr, ok
}

func (s *Space) handleMiss(addr uint32, intent defs.Intent) (uintptr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	page := defs.Page(addr)
	entry, ok := s.table.Lookup(page)
	if !ok {
		faultsUnmapped.Inc()
		return 0, false
	}

	if intent == defs.Write {
		if entry.Flags.Has(defs.COW) {
			fresh, newFlags, status := backing.Break(s.alloc, entry.Backing, entry.Offset, entry.Flags)
			if status != defs.OK {
				s.log.WithField("page", page).WithField("status", status.String()).Warn("vm: cow break failed")
				faultsProtection.Inc()
				return 0, false
			}
			fresh.Refup()
			entry = &pagetable.Entry{Backing: fresh, Offset: 0, Flags: newFlags}
			s.table.ReplaceEntry(page, entry)
			s.tlbuf.Invalidate(page)
		}
		// Re-check writability after a possible COW break: the break only
		// strips COW, it does not grant WRITE. A page mapped COW without
		// WRITE (e.g. cloned from a read-only mapping) still faults here.
		if !entry.Writable() {
			faultsProtection.Inc()
			return 0, false
		}
	}

	hostBase := entry.HostAddr()
	s.tlbuf.Refill(addr, hostBase, entry.Writable())
	return hostBase + uintptr(defs.InPageOffset(addr)), true
}

// Read transfers len(out) bytes from guest address addr into out (spec
// §4.5/§4.6).
func (s *Space) Read(addr uint32, out []byte) bool {
	return access.Read(s, addr, out)
}

// Write transfers len(in) bytes from in to guest address addr (spec
// §4.5/§4.6).
func (s *Space) Write(addr uint32, in []byte) bool {
	return access.Write(s, addr, in)
}

// LastDirtyPage returns the guest page base most recently targeted by
// a successful write, for the CPU's self-modifying-code detection.
func (s *Space) LastDirtyPage() uint32 {
	return s.tlbuf.LastDirtyPage()
}

// ClearDirtyPage resets the dirty-page marker.
func (s *Space) ClearDirtyPage() {
	s.tlbuf.ClearDirtyPage()
}

// TLBHits returns the number of TLB lookups that hit, for metrics.
func (s *Space) TLBHits() int64 { return s.tlbuf.Hits() }

// TLBMisses returns the number of TLB lookups that missed, for metrics.
func (s *Space) TLBMisses() int64 { return s.tlbuf.Misses() }
