package vmm

import "mmutools/kernel/mem"

// DecodedAddress holds the components of a virtual address that drive a page
// table walk.
type DecodedAddress struct {
	Level4 uintptr // bits 47:39
	Level3 uintptr // bits 38:30
	Level2 uintptr // bits 29:21
	Level1 uintptr // bits 20:12
	Offset uintptr // bits 11:0
}

// Decode splits virtAddr into its four table indices and in-page offset.
// Bits 63:48 are not examined.
func Decode(virtAddr uintptr) DecodedAddress {
	return DecodedAddress{
		Level4: levelIndex(virtAddr, Level4),
		Level3: levelIndex(virtAddr, Level3),
		Level2: levelIndex(virtAddr, Level2),
		Level1: levelIndex(virtAddr, Level1),
		Offset: PageOffset(virtAddr),
	}
}

// Index returns the table index used at the given level or 0 if level is
// not valid.
func (d DecodedAddress) Index(level Level) uintptr {
	switch level {
	case Level4:
		return d.Level4
	case Level3:
		return d.Level3
	case Level2:
		return d.Level2
	case Level1:
		return d.Level1
	default:
		return 0
	}
}

// Address reassembles the low 48 bits of the virtual address that was
// decoded.
func (d DecodedAddress) Address() uintptr {
	addr := d.Offset
	for level := Level4; level >= Level1; level-- {
		addr |= d.Index(level) << pageLevelShifts[level.index()]
	}

	return addr
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & pageOffsetMask
}

// IsCanonical returns true if bits 63:48 of virtAddr are copies of bit 47.
func IsCanonical(virtAddr uintptr) bool {
	upper := uint64(virtAddr) >> (virtAddrBits - 1)
	return upper == 0 || upper == (1<<(64-virtAddrBits+1))-1
}

// levelIndex extracts the bits from virtAddr that correspond to the index in
// this level's page table.
func levelIndex(virtAddr uintptr, level Level) uintptr {
	i := level.index()
	return (virtAddr >> pageLevelShifts[i]) & ((1 << pageLevelBits[i]) - 1)
}

// entryAddress returns the physical address of the entry selected by virtAddr
// in the table located at tableAddr.
func entryAddress(tableAddr, virtAddr uintptr, level Level) uintptr {
	return (tableAddr & ptePhysPageMask) | (levelIndex(virtAddr, level) << mem.PointerShift)
}
