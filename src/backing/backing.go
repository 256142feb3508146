// Package backing owns the reference-counted host memory regions that
// back guest pages. A Backing is shared by every page-table entry that
// points at it (directly, or via COW); its host region is released the
// instant the last reference drops, mirroring the teacher kernel's
// Physmem_t.Refup/Refdown discipline around physical pages, generalized
// from a fixed global page array to per-region refcounts since a
// user-mode emulator's regions vary in size and come from mmap, not a
// preallocated physical page pool.
package backing

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"defs"
	"host"
	"stats"
)

// Package-level ledger, read by the metrics collector. These never take
// a lock: Backing.Refup/Refdown only ever touch atomics.
var (
	liveCount int64
	liveBytes int64
)

// LiveCount returns the number of backings currently alive across the
// whole process (all address spaces).
func LiveCount() int64 { return atomic.LoadInt64(&liveCount) }

// LiveBytes returns the total host bytes currently mapped via backings.
func LiveBytes() int64 { return atomic.LoadInt64(&liveBytes) }

// Backing is a reference-counted host memory region. The zero value is
// not usable; construct with FromRegion.
type Backing struct {
	alloc    host.Allocator
	region   *host.Region
	refcount int32
}

// FromRegion takes ownership of region (obtained from alloc) and returns
// a Backing with refcount 0; the caller is expected to Refup it once per
// page-table entry that will reference it, per spec §4.1/§4.2 ("the new
// backing takes refcount = page_count").
func FromRegion(alloc host.Allocator, region *host.Region) *Backing {
	atomic.AddInt64(&liveCount, 1)
	atomic.AddInt64(&liveBytes, int64(region.Size()))
	return &Backing{alloc: alloc, region: region}
}

// HostBase returns the host base address of the backing's region.
func (b *Backing) HostBase() uintptr {
	return b.region.Base()
}

// Size returns the size in bytes of the backing's region.
func (b *Backing) Size() int {
	return b.region.Size()
}

// Bytes returns the backing's region as a byte slice, for COW-break
// copies and for zero-fill verification in tests.
func (b *Backing) Bytes() []byte {
	return b.region.Mem
}

// Refcnt returns the current reference count.
func (b *Backing) Refcnt() int32 {
	return atomic.LoadInt32(&b.refcount)
}

// Refup increments the reference count by one.
func (b *Backing) Refup() {
	if atomic.AddInt32(&b.refcount, 1) <= 0 {
		panic("backing: Refup on a dead backing")
	}
}

// RefupN increments the reference count by n, used when a single
// map_memory/map_anonymous call installs n page-table entries against a
// freshly created backing in one step.
func (b *Backing) RefupN(n int32) {
	if n <= 0 {
		panic("backing: RefupN requires n > 0")
	}
	if atomic.AddInt32(&b.refcount, n) <= 0 {
		panic("backing: RefupN overflowed or started dead")
	}
}

// Refdown decrements the reference count by one, releasing the host
// region and reporting true when it reaches zero. The invariant in
// spec §3.1 ("a backing is destroyed exactly when refcount reaches
// zero") is enforced here: Refdown is the only path that calls Release.
func (b *Backing) Refdown() bool {
	c := atomic.AddInt32(&b.refcount, -1)
	if c < 0 {
		panic("backing: refcount went negative")
	}
	if c != 0 {
		return false
	}
	size := b.region.Size()
	if err := b.alloc.Release(b.region); err != nil {
		logrus.WithError(err).Error("backing: failed to release host region")
	}
	atomic.AddInt64(&liveCount, -1)
	atomic.AddInt64(&liveBytes, -int64(size))
	return true
}

// cowBreaks counts successful copy-on-write page breaks across every
// backing in the process; read by the metrics collector.
var cowBreaks stats.Counter

// COWBreaks returns the number of copy-on-write breaks performed so far.
func COWBreaks() int64 { return cowBreaks.Load() }

// Break performs the copy-on-write break described in spec §4.4 for a
// single page: it allocates a fresh anonymous page, copies byteOffset's
// 4096 bytes from the old backing into it, and returns a new Backing
// with refcount 0 (the caller installs it into the page-table entry and
// Refups it once) along with the new flags (old flags minus COW). The
// old backing is not touched; the caller is responsible for calling
// Refdown on it exactly once, per the entry it is replacing.
func Break(alloc host.Allocator, old *Backing, byteOffset uintptr, oldFlags defs.Flags) (*Backing, defs.Flags, defs.Err) {
	region, err := alloc.AllocAnon(1)
	if err != nil {
		return nil, 0, host.ToErr(err)
	}
	src := old.Bytes()
	if int(byteOffset)+int(defs.PageSize) > len(src) {
		panic("backing: COW break offset out of bounds")
	}
	copy(region.Mem, src[byteOffset:int(byteOffset)+int(defs.PageSize)])
	cowBreaks.Inc()
	return FromRegion(alloc, region), oldFlags &^ defs.COW, defs.OK
}
