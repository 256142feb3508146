package host

import (
	"sync"

	"github.com/pkg/errors"

	"defs"
)

// FakeAllocator is an in-process Allocator backed by plain Go byte slices
// instead of real mmap calls. It exists for tests that need to exercise
// HOST_EXHAUSTED handling (spec §7, scenario S7) or backing-refcount
// bookkeeping (scenario S5) without depending on host OS behavior, the
// same role a "page allocator interface" test double plays throughout
// the teacher kernel's fs and vm packages.
type FakeAllocator struct {
	mu        sync.Mutex
	failAfter int // -1 means never fail
	calls     int
	released  int
}

// NewFakeAllocator returns a FakeAllocator that never fails.
func NewFakeAllocator() *FakeAllocator {
	return &FakeAllocator{failAfter: -1}
}

// FailAfter makes every AllocAnon/AllocFile call after the first n fail
// with a simulated host exhaustion error; n is the number of calls
// allowed to succeed before failures begin (the (n+1)th call fails).
func (f *FakeAllocator) FailAfter(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAfter = n
}

func (f *FakeAllocator) shouldFail() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.failAfter >= 0 && f.calls > f.failAfter
}

func (f *FakeAllocator) AllocAnon(pages int) (*Region, error) {
	if f.shouldFail() {
		return nil, errors.New("fake: host exhausted")
	}
	return &Region{Mem: make([]byte, pages*int(defs.PageSize))}, nil
}

func (f *FakeAllocator) AllocFile(fd int, offset int64, pages int, flags defs.Flags) (*Region, error) {
	if f.shouldFail() {
		return nil, errors.New("fake: host exhausted")
	}
	mem := make([]byte, pages*int(defs.PageSize))
	if rf, ok := fakeFiles[fd]; ok && int(offset) < len(rf) {
		copy(mem, rf[offset:]) // remainder stays zero, matching real mmap past-EOF semantics
	}
	return &Region{Mem: mem}, nil
}

func (f *FakeAllocator) Release(r *Region) error {
	f.mu.Lock()
	f.released++
	f.mu.Unlock()
	return nil
}

// Released reports how many regions have been released so far.
func (f *FakeAllocator) Released() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

// fakeFiles lets tests register in-memory "file" contents for AllocFile
// to serve, keyed by a caller-chosen fake fd.
var fakeFiles = map[int][]byte{}

// RegisterFakeFile associates fd with content for subsequent AllocFile
// calls against any FakeAllocator in the process. Tests should use
// distinct fd values to avoid cross-test interference.
func RegisterFakeFile(fd int, content []byte) {
	fakeFiles[fd] = content
}
