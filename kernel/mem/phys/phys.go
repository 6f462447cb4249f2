// Package phys provides access to physical memory. Page table code never
// dereferences physical addresses directly; it goes through an Accessor so
// that the host's physical-to-accessible mapping can be swapped out (and
// mocked by tests).
package phys

import (
	"encoding/binary"

	"mmutools/kernel"
	"mmutools/kernel/mem"
)

var (
	// ErrAddressOutOfRange is raised (via panic) when an access falls
	// outside the installed physical memory, like a machine check.
	ErrAddressOutOfRange = &kernel.Error{Module: "phys", Message: "physical address outside installed memory", Kind: kernel.KindInvalidAddress}

	errUnalignedAccess = &kernel.Error{Module: "phys", Message: "unaligned physical word access", Kind: kernel.KindInvalidAddress}
)

// wordSize is the size of a page table entry in bytes.
const wordSize = 1 << mem.PointerShift

// Accessor reads and writes 64-bit words at physical addresses.
type Accessor interface {
	// ReadWord returns the 64-bit word stored at physAddr.
	ReadWord(physAddr uintptr) uint64

	// WriteWord stores value at physAddr.
	WriteWord(physAddr uintptr, value uint64)
}

// Memory emulates a contiguous block of physical RAM starting at physical
// address 0. Words are stored in little-endian byte order like on amd64.
type Memory struct {
	data []byte
}

// NewMemory returns a zero-filled Memory of the requested size rounded up to
// the nearest page boundary.
func NewMemory(size mem.Size) *Memory {
	size = (size + (mem.PageSize - 1)) & ^(mem.PageSize - 1)
	return &Memory{data: make([]byte, size)}
}

// Size returns the amount of installed memory.
func (m *Memory) Size() mem.Size {
	return mem.Size(len(m.data))
}

// Contains returns true if the region [physAddr, physAddr+size) lies entirely
// inside the installed memory.
func (m *Memory) Contains(physAddr uintptr, size mem.Size) bool {
	end := uint64(physAddr) + uint64(size)
	return end >= uint64(physAddr) && end <= uint64(len(m.data))
}

// ReadWord implements Accessor.
func (m *Memory) ReadWord(physAddr uintptr) uint64 {
	return binary.LittleEndian.Uint64(m.slice(physAddr, wordSize, true))
}

// WriteWord implements Accessor.
func (m *Memory) WriteWord(physAddr uintptr, value uint64) {
	binary.LittleEndian.PutUint64(m.slice(physAddr, wordSize, true), value)
}

// Memset sets size bytes starting at physAddr to the supplied value. Instead
// of using a for loop, this function uses log2(size) copy calls which should
// give us a speed boost as page addresses are always aligned.
func (m *Memory) Memset(physAddr uintptr, value byte, size mem.Size) {
	if size == 0 {
		return
	}

	target := m.slice(physAddr, size, false)

	// Set first element and make log2(size) optimized copies
	target[0] = value
	for index := mem.Size(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
}

// Memcopy copies size bytes from src to dst.
func (m *Memory) Memcopy(src, dst uintptr, size mem.Size) {
	if size == 0 {
		return
	}

	copy(m.slice(dst, size, false), m.slice(src, size, false))
}

// slice returns the backing bytes for a physical region or panics if the
// region is not fully backed by installed memory.
func (m *Memory) slice(physAddr uintptr, size mem.Size, aligned bool) []byte {
	if aligned && physAddr&(wordSize-1) != 0 {
		panic(errUnalignedAccess)
	}

	if !m.Contains(physAddr, size) {
		panic(ErrAddressOutOfRange)
	}

	return m.data[physAddr : physAddr+uintptr(size)]
}
