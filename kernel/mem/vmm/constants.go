package vmm

const (
	// pageLevels indicates the number of page levels supported by the
	// 4-level, 48-bit translation scheme.
	pageLevels = 4

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. Bits 12-51 contain the
	// physical memory address.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// virtAddrBits is the number of virtual address bits that take part in
	// address translation. Bits above this are not examined.
	virtAddrBits = 48

	// pageOffsetMask extracts the in-page offset from a virtual address.
	pageOffsetMask = uintptr(1<<12) - 1
)

var (
	// pageLevelBits defines the number of virtual address bits that correspond to each
	// page level. Each level uses 9 bits which amounts to 512 entries per table.
	// Index 0 holds the top-most (level 4) table.
	pageLevelBits = [pageLevels]uint8{
		9,
		9,
		9,
		9,
	}

	// pageLevelShifts defines the shift required to access each page table component
	// of a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		39,
		30,
		21,
		12,
	}
)

const (
	// FlagPresent is set when the entry references a valid next-level
	// table or page.
	FlagPresent PageTableEntryFlag = 1 << 0

	// FlagHugePage is set on level 3 and level 2 entries that map a large
	// page (1Gb or 2Mb respectively) directly instead of pointing to a
	// lower level table.
	FlagHugePage PageTableEntryFlag = 1 << 7
)
