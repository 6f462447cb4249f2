package vmm

import (
	"mmutools/kernel/mem"
	"mmutools/kernel/mem/pmm"
)

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uint64

// PageTableEntry describes a page table entry. Entries encode the physical
// address of the next-level table or mapped page in bits 12-51 together with
// a set of flags. Only FlagPresent and FlagHugePage are interpreted; every
// other bit is carried around untouched.
type PageTableEntry uint64

// HasFlags returns true if this entry has all the input flags set.
func (pte PageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) == uint64(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte PageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *PageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (PageTableEntry)(uint64(*pte) | uint64(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *PageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (PageTableEntry)(uint64(*pte) &^ uint64(flags))
}

// BaseAddress returns the physical address stored in bits 12-51.
func (pte PageTableEntry) BaseAddress() uintptr {
	return uintptr(uint64(pte) & uint64(ptePhysPageMask))
}

// Frame returns the physical page frame that this page table entry points to.
func (pte PageTableEntry) Frame() pmm.Frame {
	return pmm.Frame(pte.BaseAddress() >> mem.PageShift)
}

// SetFrame updates the page table entry to point to the given physical frame.
func (pte *PageTableEntry) SetFrame(frame pmm.Frame) {
	*pte = (PageTableEntry)((uint64(*pte) &^ uint64(ptePhysPageMask)) | uint64(frame.Address()&ptePhysPageMask))
}
