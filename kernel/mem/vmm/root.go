package vmm

import (
	"mmutools/kernel/mem"
	"mmutools/kernel/mem/pmm"
)

// TranslationRoot identifies the level 4 table of an address space. It plays
// the role of the CR3 register: only bits 12-51 are significant.
type TranslationRoot uintptr

// RootFromRegister builds a TranslationRoot from a raw root register value,
// discarding the bits that do not encode the table address.
func RootFromRegister(value uint64) TranslationRoot {
	return TranslationRoot(uintptr(value) & ptePhysPageMask)
}

// RootFromFrame returns the TranslationRoot for a level 4 table stored in
// frame.
func RootFromFrame(frame pmm.Frame) TranslationRoot {
	return RootFromRegister(uint64(frame.Address()))
}

// Address returns the physical address of the level 4 table.
func (r TranslationRoot) Address() uintptr {
	return uintptr(r) & ptePhysPageMask
}

// Frame returns the physical frame holding the level 4 table.
func (r TranslationRoot) Frame() pmm.Frame {
	return pmm.Frame(r.Address() >> mem.PageShift)
}
