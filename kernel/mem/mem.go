package mem

const (
	// PointerShift is equal to log2(size of a page table entry). Page table
	// entries are always 64 bits wide, so an entry index is converted to a
	// byte offset inside its table by shifting it left by PointerShift.
	PointerShift = 3

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes.
	PageSize = Size(1 << PageShift)

	// HugePageSize is the size of a page mapped by a page-size entry at the
	// second paging level.
	HugePageSize = 2 * Mb

	// GiantPageSize is the size of a page mapped by a page-size entry at
	// the third paging level.
	GiantPageSize = 1 * Gb
)

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// Pages returns the number of pages required for storing a block of this
// size. The result is rounded up to the nearest page.
func (s Size) Pages() uint32 {
	return uint32((s + PageSize - 1) >> PageShift)
}

// PageAligned returns true if s is a multiple of PageSize.
func (s Size) PageAligned() bool {
	return s&(PageSize-1) == 0
}
