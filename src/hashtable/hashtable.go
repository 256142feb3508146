// Package hashtable provides a bucketed hash table with a lock-free Get()
// path: readers walk bucket chains via atomic pointer loads while writers
// hold only the one bucket's lock. It is the storage strategy the page
// table uses for its sparse 2^20-entry guest-page index (see
// pagetable.Table), generalized here with type parameters instead of
// interface{} so integer page indices never get boxed.
package hashtable

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// Key is satisfied by the integer key types this table is used with.
type Key interface {
	~int | ~int32 | ~uint32 | ~int64 | ~uint64
}

type elem[K Key, V any] struct {
	key     K
	value   V
	keyHash uint32
	next    *elem[K, V]
}

type bucket[K Key, V any] struct {
	sync.RWMutex
	first *elem[K, V]
}

func (b *bucket[K, V]) len() int {
	b.RLock()
	defer b.RUnlock()
	n := 0
	for e := b.first; e != nil; e = e.next {
		n++
	}
	return n
}

// Table is a hash table mapping keys of type K to values of type V.
// The zero value is not usable; construct with New.
type Table[K Key, V any] struct {
	buckets  []*bucket[K, V]
	maxchain int
}

// New allocates a Table with the given number of buckets. size should be
// picked for the expected key distribution; it does not bound the number
// of entries, only the chain length under load.
func New[K Key, V any](size int) *Table[K, V] {
	if size <= 0 {
		panic("hashtable: size must be positive")
	}
	t := &Table[K, V]{
		buckets:  make([]*bucket[K, V], size),
		maxchain: 1,
	}
	for i := range t.buckets {
		t.buckets[i] = &bucket[K, V]{}
	}
	return t
}

func (t *Table[K, V]) hash(k K) uint32 {
	kh := uint32(2654435761) * uint32(k)
	return kh
}

func (t *Table[K, V]) bucketFor(kh uint32) *bucket[K, V] {
	return t.buckets[kh%uint32(len(t.buckets))]
}

// Get looks up key and reports whether it was present. It never blocks on
// a writer: concurrent Set/Del on other keys never delay it, and Set/Del
// on the same key are only ever visible atomically (never a torn entry).
func (t *Table[K, V]) Get(key K) (V, bool) {
	kh := t.hash(key)
	b := t.bucketFor(kh)
	for e := loadNext[K, V](nil, &b.first); e != nil; e = loadNext(e, &e.next) {
		if e.keyHash == kh && e.key == key {
			return e.value, true
		}
	}
	var zero V
	return zero, false
}

// Set inserts or replaces the value for key. It reports whether a prior
// value existed.
func (t *Table[K, V]) Set(key K, value V) bool {
	kh := t.hash(key)
	b := t.bucketFor(kh)
	b.Lock()
	defer b.Unlock()

	// Without an explicit memory model for V, replacing e.value in place
	// while a lock-free Get() may be reading it is hard to prove safe in
	// general. It is fine for the pointer-sized V this table is actually
	// instantiated with (pagetable.Table uses V = *Entry), matching the
	// same x86-only assumption the original bucket-chain design made.
	for e := b.first; e != nil; e = e.next {
		if e.keyHash == kh && e.key == key {
			e.value = value
			return true
		}
	}
	n := &elem[K, V]{key: key, value: value, keyHash: kh, next: b.first}
	storeFirst(&b.first, n)
	return false
}

// Del removes key if present. It is a no-op if key is absent.
func (t *Table[K, V]) Del(key K) {
	kh := t.hash(key)
	b := t.bucketFor(kh)
	b.Lock()
	defer b.Unlock()

	var prev *elem[K, V]
	for e := b.first; e != nil; e = e.next {
		if e.keyHash == kh && e.key == key {
			if prev == nil {
				storeFirst(&b.first, e.next)
			} else {
				storeFirst(&prev.next, e.next)
			}
			return
		}
		prev = e
	}
}

// Len returns the total number of entries across all buckets. It is for
// diagnostics; it is not a consistent snapshot under concurrent writers.
func (t *Table[K, V]) Len() int {
	n := 0
	for _, b := range t.buckets {
		n += b.len()
	}
	return n
}

// Range calls f for every key/value pair, stopping early if f returns
// false. Like Len, it is a diagnostic tool, not a consistent snapshot.
func (t *Table[K, V]) Range(f func(K, V) bool) {
	for _, b := range t.buckets {
		b.RLock()
		for e := b.first; e != nil; e = e.next {
			if !f(e.key, e.value) {
				b.RUnlock()
				return
			}
		}
		b.RUnlock()
	}
}

func (t *Table[K, V]) String() string {
	s := ""
	for i, b := range t.buckets {
		b.RLock()
		if b.first != nil {
			s += fmt.Sprintf("bucket %d:\n", i)
			for e := b.first; e != nil; e = e.next {
				s += fmt.Sprintf("  (%v -> %v)\n", e.key, e.value)
			}
		}
		b.RUnlock()
	}
	return s
}

// loadNext atomically loads the next pointer, used for the lock-free
// Get() traversal. The prev argument is unused but kept to make call
// sites read identically whether starting the chain or continuing it.
func loadNext[K Key, V any](_ *elem[K, V], p **elem[K, V]) *elem[K, V] {
	ptr := (*unsafe.Pointer)(unsafe.Pointer(p))
	v := atomic.LoadPointer(ptr)
	return (*elem[K, V])(v)
}

func storeFirst[K Key, V any](p **elem[K, V], n *elem[K, V]) {
	ptr := (*unsafe.Pointer)(unsafe.Pointer(p))
	atomic.StorePointer(ptr, unsafe.Pointer(n))
}
