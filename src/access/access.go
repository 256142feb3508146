// Package access implements the guest memory read/write primitives:
// single-page transfers through a TLB-backed resolver, and the
// head/tail split for accesses that straddle two guest pages. It knows
// nothing about page tables, TLBs, or COW directly; it is parameterized
// over a Resolver, the same separation the teacher kernel draws between
// its userbuf copy helpers and the pmap/vm_t that actually does the
// translating.
package access

import (
	"encoding/binary"

	"defs"
	"util"
)

// Resolver turns a guest address and access intent into a host pointer,
// consulting a TLB and falling back to a page-table walk (and COW break,
// for writes) on a miss. It returns false on any fault: the page is
// absent, or the intent is not permitted by the page's flags.
type Resolver interface {
	Resolve(addr uint32, intent defs.Intent) (hostPtr uintptr, ok bool)
}

// Read transfers len(out) bytes from guest address addr into out. It
// returns false on any fault; per spec §4.5 there are no partial
// transfers on the single-page path, but a cross-page read that faults
// on its tail half may have already placed the head bytes into out.
func Read(r Resolver, addr uint32, out []byte) bool {
	size := uint32(len(out))
	if size == 0 {
		return true
	}
	if defs.InPageOffset(addr)+size > defs.PageSize {
		head := defs.PageSize - defs.InPageOffset(addr)
		if !Read(r, addr, out[:head]) {
			return false
		}
		return Read(r, addr+head, out[head:])
	}
	ptr, ok := r.Resolve(addr, defs.Read)
	if !ok {
		return false
	}
	copy(out, util.HostBytes(ptr, int(size)))
	return true
}

// Write transfers len(in) bytes from in to guest address addr. It
// returns false on any fault. If the access straddles two pages and the
// head half succeeds but the tail half faults, the head bytes are
// already visible at their guest addresses: this is an intentional,
// documented deviation from atomicity (spec §4.6, §9 "open question"),
// not a bug. Callers must treat a false return as leaving the whole
// access's effect undefined for their own purposes.
func Write(r Resolver, addr uint32, in []byte) bool {
	size := uint32(len(in))
	if size == 0 {
		return true
	}
	if defs.InPageOffset(addr)+size > defs.PageSize {
		head := defs.PageSize - defs.InPageOffset(addr)
		if !Write(r, addr, in[:head]) {
			return false
		}
		return Write(r, addr+head, in[head:])
	}
	ptr, ok := r.Resolve(addr, defs.Write)
	if !ok {
		return false
	}
	copy(util.HostBytes(ptr, int(size)), in)
	return true
}

// ReadUint8 reads a single byte at addr.
func ReadUint8(r Resolver, addr uint32) (uint8, bool) {
	var buf [1]byte
	if !Read(r, addr, buf[:]) {
		return 0, false
	}
	return buf[0], true
}

// ReadUint16 reads a little-endian 16-bit value at addr.
func ReadUint16(r Resolver, addr uint32) (uint16, bool) {
	var buf [2]byte
	if !Read(r, addr, buf[:]) {
		return 0, false
	}
	return binary.LittleEndian.Uint16(buf[:]), true
}

// ReadUint32 reads a little-endian 32-bit value at addr.
func ReadUint32(r Resolver, addr uint32) (uint32, bool) {
	var buf [4]byte
	if !Read(r, addr, buf[:]) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(buf[:]), true
}

// ReadUint64 reads a little-endian 64-bit value at addr.
func ReadUint64(r Resolver, addr uint32) (uint64, bool) {
	var buf [8]byte
	if !Read(r, addr, buf[:]) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(buf[:]), true
}

// WriteUint8 writes a single byte at addr.
func WriteUint8(r Resolver, addr uint32, v uint8) bool {
	return Write(r, addr, []byte{v})
}

// WriteUint16 writes a little-endian 16-bit value at addr.
func WriteUint16(r Resolver, addr uint32, v uint16) bool {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return Write(r, addr, buf[:])
}

// WriteUint32 writes a little-endian 32-bit value at addr.
func WriteUint32(r Resolver, addr uint32, v uint32) bool {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return Write(r, addr, buf[:])
}

// WriteUint64 writes a little-endian 64-bit value at addr.
func WriteUint64(r Resolver, addr uint32, v uint64) bool {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return Write(r, addr, buf[:])
}
