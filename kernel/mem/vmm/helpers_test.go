package vmm

import (
	"testing"

	"mmutools/kernel"
	"mmutools/kernel/mem"
	"mmutools/kernel/mem/phys"
	"mmutools/kernel/mem/pmm"
)

// recordingMemory wraps a phys.Memory and records every word access.
type recordingMemory struct {
	*phys.Memory
	reads  []uintptr
	writes []uintptr
}

func newRecordingMemory(pages int) *recordingMemory {
	return &recordingMemory{Memory: phys.NewMemory(mem.Size(pages) * mem.PageSize)}
}

func (m *recordingMemory) ReadWord(physAddr uintptr) uint64 {
	m.reads = append(m.reads, physAddr)
	return m.Memory.ReadWord(physAddr)
}

func (m *recordingMemory) WriteWord(physAddr uintptr, value uint64) {
	m.writes = append(m.writes, physAddr)
	m.Memory.WriteWord(physAddr, value)
}

func (m *recordingMemory) reset() {
	m.reads = nil
	m.writes = nil
}

// bumpAllocator hands out consecutive frames starting at frame 1 and fails
// once limit frames have been handed out.
type bumpAllocator struct {
	next, limit pmm.Frame
}

var errTestOutOfFrames = &kernel.Error{Module: "test", Message: "out of frames", Kind: kernel.KindResourceExhausted}

func (a *bumpAllocator) alloc() (pmm.Frame, *kernel.Error) {
	if a.next >= a.limit {
		return pmm.InvalidFrame, errTestOutOfFrames
	}
	a.next++
	return a.next, nil
}

// countingFlusher counts TLB invalidation requests.
type countingFlusher struct {
	all     int
	entries []uintptr
}

func (f *countingFlusher) FlushAll()                   { f.all++ }
func (f *countingFlusher) FlushEntry(virtAddr uintptr) { f.entries = append(f.entries, virtAddr) }

// chain describes a hand-built page table hierarchy for a single virtual
// address. Tables live at fixed frames so tests can reason about entry
// addresses.
type chain struct {
	root       TranslationRoot
	entryAddrs [pageLevels]uintptr
	entries    Entries
}

const (
	testL4Table = uintptr(1 << mem.PageShift)
	testL3Table = uintptr(2 << mem.PageShift)
	testL2Table = uintptr(3 << mem.PageShift)
	testL1Table = uintptr(4 << mem.PageShift)
	testPage    = uintptr(5 << mem.PageShift)

	// opaque payload bits carried by the test entries (RW, US, A, D, NX)
	testPayload = uint64(0x8000000000000066)
)

// buildChain writes a full 4Kb mapping for virtAddr into memory and returns
// its description. Entries carry opaque payload bits so tests can verify that
// they are preserved.
func buildChain(t *testing.T, memory phys.Accessor, virtAddr uintptr) chain {
	t.Helper()

	c := chain{root: TranslationRoot(testL4Table)}
	tables := [pageLevels]uintptr{testL4Table, testL3Table, testL2Table, testL1Table}
	targets := [pageLevels]uintptr{testL3Table, testL2Table, testL1Table, testPage}

	for index := 0; index < pageLevels; index++ {
		level := levelAt(index)
		c.entryAddrs[index] = tables[index] | (levelIndex(virtAddr, level) << mem.PointerShift)
		c.entries[index] = PageTableEntry(uint64(targets[index]) | uint64(FlagPresent) | testPayload)
		memory.WriteWord(c.entryAddrs[index], uint64(c.entries[index]))
	}

	return c
}

// set overwrites the entry for level both in memory and in the description.
func (c *chain) set(memory phys.Accessor, level Level, pte PageTableEntry) {
	c.entries[level.index()] = pte
	memory.WriteWord(c.entryAddrs[level.index()], uint64(pte))
}
