// Package pagetable implements the sparse mapping from a 20-bit guest
// page index to its page-table entry, and the mapping operations that
// mutate it: map_memory, map_file, map_anonymous, unmap, set_flags,
// copy_on_write and find_hole. Storage is a generalization of the
// teacher kernel's bucket-chain hashtable, keyed directly by page index
// instead of a boxed interface{}, since a dense 2^20-entry array would
// cost 16 MiB per address space and most of it stays empty.
//
// Table does not lock across multi-page operations itself: the contract
// (mirroring the original design's own note that callers serialize
// mutating operations per address space) is that a caller mutating one
// Table does so under its own external lock. vm.Space provides that
// lock and is the only intended caller in this module.
package pagetable

import (
	"defs"
	"backing"
	"hashtable"
	"host"
	"util"
)

// buckets is the hashtable bucket count. Sized for address spaces with
// a few thousand resident pages without long chains; oversizing costs
// only a slice of pointers, not wasted backing storage.
const buckets = 4096

// Entry is a page-table entry: the record binding one guest page to a
// backing, a byte offset within it, and protection flags.
type Entry struct {
	Backing *backing.Backing
	Offset  uintptr
	Flags   defs.Flags
}

// Writable reports whether the entry's page may be written in place.
func (e *Entry) Writable() bool { return e.Flags.Writable() }

// HostAddr returns the host address of byte 0 of this guest page.
func (e *Entry) HostAddr() uintptr { return e.Backing.HostBase() + e.Offset }

// Table is the sparse page table for one address space.
type Table struct {
	store *hashtable.Table[uint32, *Entry]

	// low/high track the widest guest page range ever populated
	// (monotonic: widened on insert, never narrowed on removal).
	// find_hole uses it to avoid scanning pages that were never
	// touched, since everything past the watermark is known absent.
	low, high uint32
	hasRange  bool
}

// New returns an empty page table.
func New() *Table {
	return &Table{store: hashtable.New[uint32, *Entry](buckets)}
}

func (t *Table) widen(p uint32) {
	if !t.hasRange {
		t.low, t.high = p, p
		t.hasRange = true
		return
	}
	if p < t.low {
		t.low = p
	}
	if p > t.high {
		t.high = p
	}
}

// Watermark returns the widest guest page range ever populated in this
// table. ok is false if the table has never held an entry.
func (t *Table) Watermark() (low, high uint32, ok bool) {
	return t.low, t.high, t.hasRange
}

// Lookup returns the entry for guest page p, if any. Safe to call
// concurrently with any other Table method: it goes through the
// hashtable's lock-free Get path.
func (t *Table) Lookup(p uint32) (*Entry, bool) {
	return t.store.Get(p)
}

// ReplaceEntry directly installs e at page p, decrementing (and
// possibly releasing) whatever backing was previously referenced
// there. It exists for the TLB miss handler to install a freshly
// broken COW page (spec §4.4 step 3); ordinary callers should use
// MapMemory/MapFile/MapAnonymous instead, which also own backing
// creation.
func (t *Table) ReplaceEntry(p uint32, e *Entry) {
	t.removeEntry(p)
	t.store.Set(p, e)
	t.widen(p)
}

func (t *Table) removeEntry(p uint32) {
	if e, ok := t.store.Get(p); ok {
		t.store.Del(p)
		e.Backing.Refdown()
	}
}

func inRange(start, count uint32) bool {
	if count == 0 {
		return false
	}
	return uint64(start)+uint64(count) <= uint64(defs.PageCount)
}

func (t *Table) installRange(start, count uint32, bk *backing.Backing, flags defs.Flags) defs.Err {
	if !inRange(start, count) {
		return defs.EBADARG
	}
	for p := start; p < start+count; p++ {
		t.removeEntry(p)
	}
	bk.RefupN(int32(count))
	for i := uint32(0); i < count; i++ {
		p := start + i
		t.store.Set(p, &Entry{Backing: bk, Offset: uintptr(i) * uintptr(defs.PageSize), Flags: flags})
		t.widen(p)
	}
	return defs.OK
}

// MapMemory installs entries over [start, start+count) backed by
// successive 4096-byte slices of region, which alloc already produced
// (spec §4.2, map_memory). Any previously populated entries in the
// range are unmapped first.
func (t *Table) MapMemory(alloc host.Allocator, start, count uint32, region *host.Region, flags defs.Flags) defs.Err {
	if region.Size() < int(count)*int(defs.PageSize) {
		return defs.EBADARG
	}
	return t.installRange(start, count, backing.FromRegion(alloc, region), flags)
}

// MapFile installs entries over [start, start+count) backed by a fresh
// mapping of fd at fileOffset, which must be page-aligned. A file
// shorter than count pages is zero-filled past EOF by the host
// allocator.
func (t *Table) MapFile(alloc host.Allocator, start, count uint32, fd int, fileOffset int64, flags defs.Flags) defs.Err {
	if util.Rounddown(fileOffset, int64(defs.PageSize)) != fileOffset {
		return defs.EBADARG
	}
	region, err := alloc.AllocFile(fd, fileOffset, int(count), flags)
	if err != nil {
		return host.ToErr(err)
	}
	return t.installRange(start, count, backing.FromRegion(alloc, region), flags)
}

// MapAnonymous installs entries over [start, start+count) backed by
// fresh zero-filled host memory. Unlike map_memory/map_file, each page
// gets its own independent single-page backing rather than one backing
// shared across the whole range: anonymous pages have no host region to
// share, and per-page backings let later COW breaks and unmaps on one
// page leave its neighbors' refcounts untouched (spec §8 S3's refcount
// accounting assumes this granularity).
//
// Regions are allocated up front, before any table mutation, so a
// HOST_EXHAUSTED partway through never leaves a partial mapping (spec
// §7).
func (t *Table) MapAnonymous(alloc host.Allocator, start, count uint32, flags defs.Flags) defs.Err {
	if !inRange(start, count) {
		return defs.EBADARG
	}
	regions := make([]*host.Region, count)
	for i := uint32(0); i < count; i++ {
		region, err := alloc.AllocAnon(1)
		if err != nil {
			for j := uint32(0); j < i; j++ {
				alloc.Release(regions[j])
			}
			return host.ToErr(err)
		}
		regions[i] = region
	}
	for p := start; p < start+count; p++ {
		t.removeEntry(p)
	}
	for i := uint32(0); i < count; i++ {
		bk := backing.FromRegion(alloc, regions[i])
		bk.Refup()
		p := start + i
		t.store.Set(p, &Entry{Backing: bk, Offset: 0, Flags: flags})
		t.widen(p)
	}
	return defs.OK
}

// Unmap removes entries over [start, start+count). If force is Strict
// and any page in the range is absent, it fails with EINVALIDRANGE and
// makes no change; if force is ForceUnmap it removes whatever is
// present and always succeeds.
func (t *Table) Unmap(start, count uint32, force defs.Force) defs.Err {
	if !inRange(start, count) {
		return defs.EBADARG
	}
	if force == defs.Strict {
		for p := start; p < start+count; p++ {
			if _, ok := t.store.Get(p); !ok {
				return defs.EINVALIDRANGE
			}
		}
	}
	for p := start; p < start+count; p++ {
		t.removeEntry(p)
	}
	return defs.OK
}

// SetFlags requires every page in [start, start+count) to be mapped,
// else fails with EINVALIDRANGE and makes no change. Otherwise it
// replaces each entry's flags, leaving backing and offset untouched.
// The caller is responsible for invalidating the affected TLB slots
// (spec §4.2: required when writability changes; invalidating the
// whole range unconditionally is a safe superset of that).
func (t *Table) SetFlags(start, count uint32, flags defs.Flags) defs.Err {
	if !inRange(start, count) {
		return defs.EBADARG
	}
	for p := start; p < start+count; p++ {
		if _, ok := t.store.Get(p); !ok {
			return defs.EINVALIDRANGE
		}
	}
	for p := start; p < start+count; p++ {
		e, _ := t.store.Get(p)
		t.store.Set(p, &Entry{Backing: e.Backing, Offset: e.Offset, Flags: flags})
	}
	return defs.OK
}

// CopyOnWrite implements spec §4.2's copy_on_write across two tables
// (which may be the same table, for a self-clone): for each page i in
// [0, count), if src has an entry at srcStart+i, it installs the same
// backing and byte_offset at dst's dstStart+i, sets COW on both the
// source and destination entries, and increments the backing's
// refcount by one. Pages absent in src are left absent in dst. Any
// pre-existing destination entries are unmapped first.
//
// The caller must invalidate TLB slots for [srcStart, srcStart+count)
// in src's space and [dstStart, dstStart+count) in dst's space after
// this returns, per spec §4.2.
func CopyOnWrite(src, dst *Table, srcStart, dstStart, count uint32) defs.Err {
	if !inRange(srcStart, count) || !inRange(dstStart, count) {
		return defs.EBADARG
	}
	for i := uint32(0); i < count; i++ {
		dst.removeEntry(dstStart + i)
	}
	for i := uint32(0); i < count; i++ {
		sp := srcStart + i
		dp := dstStart + i
		e, ok := src.store.Get(sp)
		if !ok {
			continue
		}
		flags := e.Flags | defs.COW
		src.store.Set(sp, &Entry{Backing: e.Backing, Offset: e.Offset, Flags: flags})
		dst.store.Set(dp, &Entry{Backing: e.Backing, Offset: e.Offset, Flags: flags})
		e.Backing.Refup()
		dst.widen(dp)
	}
	return defs.OK
}

// FindHole returns the lowest start_page such that [start_page,
// start_page+count) are all absent and start_page >= ReservedPages, or
// BadPage if no such run exists. It scans only up to the table's
// occupied-range watermark: pages above the highest page ever mapped
// are known absent without a lookup.
func (t *Table) FindHole(count uint32) uint32 {
	if count == 0 || count > defs.PageCount-defs.ReservedPages {
		return defs.BadPage
	}

	limit := defs.ReservedPages
	if t.hasRange && t.high+1 > limit {
		limit = t.high + 1
	}
	if limit > defs.PageCount {
		limit = defs.PageCount
	}

	run := uint32(0)
	start := defs.ReservedPages
	for p := defs.ReservedPages; p < limit; p++ {
		if _, ok := t.store.Get(p); ok {
			run = 0
			start = p + 1
			continue
		}
		run++
		if run == count {
			return start
		}
	}
	if defs.PageCount-start >= count {
		return start
	}
	return defs.BadPage
}
