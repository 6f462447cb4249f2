package vmm

import "mmutools/kernel/mem"

// Page is the number of a 4Kb virtual page.
type Page uintptr

// Address returns the first virtual address of the page.
func (p Page) Address() uintptr {
	return uintptr(p) << mem.PageShift
}

// PageFromAddress returns the Page that contains virtAddr.
func PageFromAddress(virtAddr uintptr) Page {
	return Page(virtAddr >> mem.PageShift)
}
