// Package util contains small generic helpers shared by the host, page
// table, and access packages: the page-alignment check every file-backed
// mapping call enforces, and the unsafe host-pointer-to-slice conversion
// the access primitives need to perform a byte copy against resolved
// host memory.
package util

import "unsafe"

// Int is satisfied by all built-in integer types.
type Int interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// Rounddown aligns v down to the nearest multiple of b. host.AllocFile and
// pagetable.MapFile both use it to reject a fileOffset that isn't already
// page-aligned (v == Rounddown(v, b) iff v is already a multiple of b).
func Rounddown[T Int](v, b T) T {
	return v - (v % b)
}

// HostBytes views n bytes of host memory starting at ptr as a Go slice.
// ptr must have come from a live Region (§4.0 of the spec); the caller is
// responsible for the region outliving the slice's use.
func HostBytes(ptr uintptr, n int) []byte {
	if ptr == 0 {
		panic("util: nil host pointer")
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(ptr)), n)
}
