package vmm

import (
	"mmutools/kernel"
	"mmutools/kernel/mem"
	"mmutools/kernel/mem/pmm"
)

// entriesPerTable is the number of entries stored in each page table.
const entriesPerTable = uintptr(mem.PageSize >> mem.PointerShift)

// Map establishes a mapping between a virtual page and a physical memory frame
// in this address space. Missing intermediate page tables are allocated with
// the address space's frame allocator. The leaf entry is always marked present;
// any other bits in flags are stored verbatim.
//
// Map fails if the page is covered by an existing huge page mapping.
func (as *AddressSpace) Map(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	var leaf PageTableEntry
	leaf.SetFrame(frame)
	leaf.SetFlags(FlagPresent | flags)

	return as.mapAt(page.Address(), Level1, leaf)
}

// MapHuge installs a page-size entry at level (Level3 for 1Gb pages, Level2
// for 2Mb pages) that maps the huge page containing virtAddr to physAddr.
// Both addresses must be aligned to the huge page size and the target entry
// must not already reference a lower level table.
func (as *AddressSpace) MapHuge(virtAddr, physAddr uintptr, level Level, flags PageTableEntryFlag) *kernel.Error {
	var pageSize mem.Size
	switch level {
	case Level3:
		pageSize = mem.GiantPageSize
	case Level2:
		pageSize = mem.HugePageSize
	default:
		return errInvalidHugePageLevel
	}

	if alignMask := uintptr(pageSize - 1); virtAddr&alignMask != 0 || physAddr&alignMask != 0 {
		return errMisalignedHugePage
	}

	leaf := PageTableEntry(uint64(physAddr&ptePhysPageMask) | uint64(FlagPresent|FlagHugePage|flags))
	return as.mapAt(virtAddr, level, leaf)
}

// mapAt walks the page tables for virtAddr, allocating any missing table
// above target, and stores leaf into the target level entry.
func (as *AddressSpace) mapAt(virtAddr uintptr, target Level, leaf PageTableEntry) *kernel.Error {
	var err *kernel.Error

	walk(as.memory, as.root, virtAddr, func(level Level, entryAddr uintptr, pte *PageTableEntry) bool {
		// If we reached the target level all we need to do is to store
		// the entry and flush its TLB entry
		if level == target {
			// A huge page cannot replace a lower level table
			if level != Level1 && classifyEntry(level, *pte) == Continue {
				err = errHugePageOverTable
				return false
			}

			*pte = leaf
			as.memory.WriteWord(entryAddr, uint64(leaf))
			as.flushTLBEntry(virtAddr)
			return false
		}

		switch classifyEntry(level, *pte) {
		case StopHugePage:
			err = errNoHugePageSupport
			return false
		case StopAbsent:
			// Next table does not yet exist; we need to allocate a
			// physical frame for it and clear its contents.
			err = as.installTable(entryAddr, pte)
			return err == nil
		}

		return true
	})

	return err
}

// installTable allocates and clears a frame for a new page table and points
// the entry stored at entryAddr to it.
func (as *AddressSpace) installTable(entryAddr uintptr, pte *PageTableEntry) *kernel.Error {
	tableFrame, err := as.allocFn()
	if err != nil {
		return err
	}

	for index := uintptr(0); index < entriesPerTable; index++ {
		as.memory.WriteWord(tableFrame.Address()+(index<<mem.PointerShift), 0)
	}

	*pte = 0
	pte.SetFrame(tableFrame)
	pte.SetFlags(FlagPresent)
	as.memory.WriteWord(entryAddr, uint64(*pte))
	return nil
}

// Unmap removes a mapping previously installed via a call to Map by clearing
// the present flag of its leaf entry.
func (as *AddressSpace) Unmap(page Page) *kernel.Error {
	var err *kernel.Error

	walk(as.memory, as.root, page.Address(), func(level Level, entryAddr uintptr, pte *PageTableEntry) bool {
		// If we reached the last level all we need to do is to set the
		// page as non-present and flush its TLB entry
		if level == Level1 {
			pte.ClearFlags(FlagPresent)
			as.memory.WriteWord(entryAddr, uint64(*pte))
			as.flushTLBEntry(page.Address())
			return true
		}

		switch classifyEntry(level, *pte) {
		case StopAbsent:
			// Next table is not present; this is an invalid mapping
			err = ErrInvalidMapping
			return false
		case StopHugePage:
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	return err
}
