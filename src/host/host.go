// Package host wraps the host operating system's anonymous and file-backed
// mmap/munmap facilities behind a small Allocator interface. It is the only
// place in this module that talks to the real OS; every other package only
// ever sees a *Region (a host-backed []byte) and never calls mmap/munmap
// directly. This mirrors the way the teacher kernel's mem package keeps all
// physical-page bookkeeping behind Physmem_t and never lets callers touch
// the host runtime's mapping primitives directly.
package host

import (
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"defs"
	"util"
)

// Region is a host memory region backing one or more guest pages. Mem's
// first element's address is the region's host base; Mem's length is the
// region's size in bytes, always a multiple of defs.PageSize.
type Region struct {
	Mem []byte
}

// Base returns the host base address of the region.
func (r *Region) Base() uintptr {
	if len(r.Mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&r.Mem[0]))
}

// Size returns the region's length in bytes.
func (r *Region) Size() int {
	return len(r.Mem)
}

// Allocator is the host mapping facility consumed by the page-table layer.
// Implementations must be safe for concurrent use: mapping operations on
// independent address spaces may call into it concurrently.
type Allocator interface {
	// AllocAnon maps pages*defs.PageSize zero-filled bytes.
	AllocAnon(pages int) (*Region, error)
	// AllocFile maps a file region. If the file is shorter than
	// pages*defs.PageSize, the remainder reads as zero.
	AllocFile(fd int, offset int64, pages int, flags defs.Flags) (*Region, error)
	// Release unmaps a region previously returned by this Allocator.
	Release(r *Region) error
}

// unixAllocator implements Allocator on top of golang.org/x/sys/unix's Mmap
// and Munmap, the standard ecosystem binding for the host mmap(2) family.
type unixAllocator struct {
	log *logrus.Logger
}

// NewUnixAllocator returns the production Allocator. It asserts that the
// host's page size divides defs.PageSize (or equals it), per spec §6: a
// host with a larger native page size cannot back 4096-byte guest pages.
func NewUnixAllocator(log *logrus.Logger) (Allocator, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	hostPageSize := unix.Getpagesize()
	if hostPageSize <= 0 || int(defs.PageSize)%hostPageSize != 0 {
		return nil, errors.Errorf("host: page size %d does not divide guest page size %d", hostPageSize, defs.PageSize)
	}
	return &unixAllocator{log: log}, nil
}

func (a *unixAllocator) AllocAnon(pages int) (*Region, error) {
	if pages <= 0 {
		return nil, errors.New("host: AllocAnon requires pages > 0")
	}
	length := pages * int(defs.PageSize)
	mem, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		a.log.WithFields(logrus.Fields{"pages": pages}).WithError(err).Error("host: anonymous mmap failed")
		return nil, errors.Wrap(err, "host: anonymous mmap")
	}
	a.log.WithFields(logrus.Fields{"pages": pages, "bytes": length}).Debug("host: anonymous region mapped")
	return &Region{Mem: mem}, nil
}

func (a *unixAllocator) AllocFile(fd int, offset int64, pages int, flags defs.Flags) (*Region, error) {
	if pages <= 0 {
		return nil, errors.New("host: AllocFile requires pages > 0")
	}
	if util.Rounddown(offset, int64(defs.PageSize)) != offset {
		return nil, errors.Errorf("host: file offset %d is not page-aligned", offset)
	}
	length := pages * int(defs.PageSize)
	prot := unix.PROT_READ
	if flags.Has(defs.WRITE) {
		prot |= unix.PROT_WRITE
	}
	if flags.Has(defs.EXEC) {
		prot |= unix.PROT_EXEC
	}
	// MAP_PRIVATE: the guest's view is copy-on-write with respect to the
	// file, matching the "zero-filled past EOF, private" semantics §4.2
	// of the spec requires for map_file.
	mem, err := unix.Mmap(fd, offset, length, prot, unix.MAP_PRIVATE)
	if err != nil {
		a.log.WithFields(logrus.Fields{"fd": fd, "offset": offset, "pages": pages}).WithError(err).Error("host: file mmap failed")
		return nil, errors.Wrapf(err, "host: file mmap fd=%d offset=%d pages=%d", fd, offset, pages)
	}
	a.log.WithFields(logrus.Fields{"fd": fd, "offset": offset, "pages": pages}).Debug("host: file region mapped")
	return &Region{Mem: mem}, nil
}

func (a *unixAllocator) Release(r *Region) error {
	if r == nil || len(r.Mem) == 0 {
		return nil
	}
	if err := unix.Munmap(r.Mem); err != nil {
		a.log.WithError(err).Error("host: munmap failed")
		return errors.Wrap(err, "host: munmap")
	}
	a.log.WithField("bytes", len(r.Mem)).Debug("host: region released")
	r.Mem = nil
	return nil
}

// ToErr translates a host Allocator error into the stable defs.Err status
// code the page-table API returns. The underlying cause (logged by the
// Allocator above) never crosses this boundary.
func ToErr(err error) defs.Err {
	if err == nil {
		return defs.OK
	}
	return defs.EHOSTEXHAUSTED
}

