package vmm

import (
	"mmutools/kernel"
	"mmutools/kernel/mem"
	"mmutools/kernel/mem/phys"
)

// Entries holds one page table entry per level ordered from level 4 down to
// level 1.
type Entries [pageLevels]PageTableEntry

// NewEntries returns an Entries value from the per-level entries.
func NewEntries(l4, l3, l2, l1 PageTableEntry) Entries {
	return Entries{l4, l3, l2, l1}
}

// Entry returns the entry for the given level.
func (e Entries) Entry(level Level) PageTableEntry {
	if !level.Valid() {
		return 0
	}
	return e[level.index()]
}

// TranslationResult describes the entries encountered while translating a
// virtual address. Entries below the level where the walk stopped are zero.
type TranslationResult struct {
	// VirtAddr is the translated virtual address.
	VirtAddr uintptr

	// Entries holds the raw entry values read at each level.
	Entries Entries

	// EntryAddrs holds the physical address each entry was read from or 0
	// for levels that were not reached.
	EntryAddrs [pageLevels]uintptr

	// Last is the lowest level that was read.
	Last Level

	// Outcome is the classification of the entry at Last. Continue means
	// the walk reached a present level 1 entry.
	Outcome LevelOutcome
}

// EntryAddr returns the physical address where the entry for level was found
// or 0 if the walk did not reach that level.
func (r *TranslationResult) EntryAddr(level Level) uintptr {
	if !level.Valid() {
		return 0
	}
	return r.EntryAddrs[level.index()]
}

// Mapped returns true if the walk ended at a present terminal entry, either a
// 4Kb page or a huge page.
func (r *TranslationResult) Mapped() bool {
	return r.Outcome == Continue || r.Outcome == StopHugePage
}

// PhysAddress returns the physical address that backs the translated virtual
// address. It combines the page offset with the base address of the terminal
// entry; for huge pages the offset covers the low 30 (level 3) or 21 (level 2)
// bits. ErrInvalidMapping is returned if the address is not mapped.
func (r *TranslationResult) PhysAddress() (uintptr, *kernel.Error) {
	if !r.Mapped() {
		return 0, ErrInvalidMapping
	}

	var pageSize mem.Size
	switch r.Last {
	case Level3:
		pageSize = mem.GiantPageSize
	case Level2:
		pageSize = mem.HugePageSize
	default:
		pageSize = mem.PageSize
	}

	offsetMask := uintptr(pageSize - 1)
	return (r.Entries.Entry(r.Last).BaseAddress() &^ offsetMask) | (r.VirtAddr & offsetMask), nil
}

// Walker performs read-only page table walks.
type Walker struct {
	memory phys.Accessor
}

// NewWalker returns a Walker that reads page tables through memory.
func NewWalker(memory phys.Accessor) *Walker {
	return &Walker{memory: memory}
}

// Translate walks the page tables rooted at root for virtAddr and reports
// every entry encountered. The walk stops at the first entry that is not
// present or that maps a huge page; the entries of the remaining levels are
// reported as zero. A missing mapping is not an error and Translate never
// modifies the page tables.
func (w *Walker) Translate(root TranslationRoot, virtAddr uintptr) TranslationResult {
	res := TranslationResult{VirtAddr: virtAddr}

	res.Last, res.Outcome = walk(w.memory, root, virtAddr, func(level Level, entryAddr uintptr, pte *PageTableEntry) bool {
		res.Entries[level.index()] = *pte
		res.EntryAddrs[level.index()] = entryAddr
		return true
	})

	return res
}
