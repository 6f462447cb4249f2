// Package cpu emulates the processor-side state that page table code
// interacts with.
package cpu

import (
	"mmutools/kernel/mem"
	"mmutools/kernel/sync"
)

// DefaultTLBEntries is the capacity of a TLB created by NewTLB when a
// non-positive size is requested.
const DefaultTLBEntries = 512

type tlbKey struct {
	root uintptr
	page uintptr
}

// TLBStats reports translation cache counters.
type TLBStats struct {
	Hits, Misses, Flushes uint64
}

// TLB emulates a translation lookaside buffer. It caches the physical page
// backing a virtual page for a particular page table root. Like the real
// thing, it is never updated when page tables change; stale entries survive
// until they are explicitly flushed.
type TLB struct {
	lock     sync.Spinlock
	capacity int
	entries  map[tlbKey]uintptr
	stats    TLBStats
}

// NewTLB returns an empty TLB that can hold up to capacity entries.
func NewTLB(capacity int) *TLB {
	if capacity <= 0 {
		capacity = DefaultTLBEntries
	}

	return &TLB{
		capacity: capacity,
		entries:  make(map[tlbKey]uintptr, capacity),
	}
}

// Lookup returns the physical address of the page that backs virtAddr in
// the address space rooted at root.
func (t *TLB) Lookup(root, virtAddr uintptr) (uintptr, bool) {
	t.lock.Acquire()
	defer t.lock.Release()

	physPage, ok := t.entries[tlbKey{root, pageOf(virtAddr)}]
	if ok {
		t.stats.Hits++
	} else {
		t.stats.Misses++
	}

	return physPage, ok
}

// Insert caches the physical page backing virtAddr. If the TLB is full an
// arbitrary entry is evicted.
func (t *TLB) Insert(root, virtAddr, physPage uintptr) {
	t.lock.Acquire()
	defer t.lock.Release()

	key := tlbKey{root, pageOf(virtAddr)}
	if _, exists := t.entries[key]; !exists && len(t.entries) >= t.capacity {
		for victim := range t.entries {
			delete(t.entries, victim)
			break
		}
	}

	t.entries[key] = pageOf(physPage)
}

// FlushEntry invalidates any cached translation for the page containing
// virtAddr in every address space.
func (t *TLB) FlushEntry(virtAddr uintptr) {
	t.lock.Acquire()
	defer t.lock.Release()

	page := pageOf(virtAddr)
	for key := range t.entries {
		if key.page == page {
			delete(t.entries, key)
		}
	}
	t.stats.Flushes++
}

// FlushAll invalidates every cached translation.
func (t *TLB) FlushAll() {
	t.lock.Acquire()
	defer t.lock.Release()

	for key := range t.entries {
		delete(t.entries, key)
	}
	t.stats.Flushes++
}

// Len returns the number of cached translations.
func (t *TLB) Len() int {
	t.lock.Acquire()
	defer t.lock.Release()

	return len(t.entries)
}

// Stats returns a snapshot of the TLB counters.
func (t *TLB) Stats() TLBStats {
	t.lock.Acquire()
	defer t.lock.Release()

	return t.stats
}

func pageOf(addr uintptr) uintptr {
	return addr &^ uintptr(mem.PageSize-1)
}
