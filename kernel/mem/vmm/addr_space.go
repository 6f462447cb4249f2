package vmm

import (
	"mmutools/kernel"
	"mmutools/kernel/mem"
	"mmutools/kernel/mem/phys"
	"mmutools/kernel/mem/pmm"
)

// TranslationCache caches the results of page table walks.
type TranslationCache interface {
	TLBFlusher

	// Lookup returns the physical page backing virtAddr in the address
	// space identified by root.
	Lookup(root, virtAddr uintptr) (uintptr, bool)

	// Insert caches the physical page backing virtAddr.
	Insert(root, virtAddr, physPage uintptr)
}

// AddressSpace owns a page table hierarchy. It is the object callers hold to
// obtain the TranslationRoot passed to Walker and Mutator, and it offers the
// data access path that user code would take through the MMU.
type AddressSpace struct {
	memory  phys.Accessor
	allocFn pmm.FrameAllocatorFn
	tlb     TranslationCache
	walker  *Walker

	root TranslationRoot
}

// NewAddressSpace allocates an empty level 4 table using allocFn and returns
// the AddressSpace that it roots. allocFn must return zero-filled frames. The
// tlb may be nil in which case every access performs a full walk.
func NewAddressSpace(memory phys.Accessor, allocFn pmm.FrameAllocatorFn, tlb TranslationCache) (*AddressSpace, *kernel.Error) {
	rootFrame, err := allocFn()
	if err != nil {
		return nil, err
	}

	return &AddressSpace{
		memory:  memory,
		allocFn: allocFn,
		tlb:     tlb,
		walker:  NewWalker(memory),
		root:    RootFromFrame(rootFrame),
	}, nil
}

// Root returns the handle of the address space's level 4 table.
func (as *AddressSpace) Root() TranslationRoot {
	return as.root
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (as *AddressSpace) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	res := as.walker.Translate(as.root, virtAddr)
	return res.PhysAddress()
}

// ReadWord loads the 64-bit word stored at virtAddr. Like a memory access
// issued by the CPU, it consults the translation cache first and only walks
// the page tables on a miss. ErrInvalidMapping is returned for unmapped
// addresses.
func (as *AddressSpace) ReadWord(virtAddr uintptr) (uint64, *kernel.Error) {
	physAddr, err := as.Resolve(virtAddr)
	if err != nil {
		return 0, err
	}

	return as.memory.ReadWord(physAddr), nil
}

// WriteWord stores value at virtAddr using the same translation path as
// ReadWord.
func (as *AddressSpace) WriteWord(virtAddr uintptr, value uint64) *kernel.Error {
	physAddr, err := as.Resolve(virtAddr)
	if err != nil {
		return err
	}

	as.memory.WriteWord(physAddr, value)
	return nil
}

// Resolve returns the physical address that a word access to virtAddr would
// reach. The translation cache is consulted before the page tables, so a
// stale cached translation is honored until it is flushed.
func (as *AddressSpace) Resolve(virtAddr uintptr) (uintptr, *kernel.Error) {
	if virtAddr&((1<<mem.PointerShift)-1) != 0 {
		return 0, errUnalignedWordAccess
	}

	if as.tlb != nil {
		if physPage, ok := as.tlb.Lookup(uintptr(as.root), virtAddr); ok {
			return physPage | PageOffset(virtAddr), nil
		}
	}

	physAddr, err := as.Translate(virtAddr)
	if err != nil {
		return 0, err
	}

	if as.tlb != nil {
		as.tlb.Insert(uintptr(as.root), virtAddr, physAddr&^pageOffsetMask)
	}

	return physAddr, nil
}

func (as *AddressSpace) flushTLBEntry(virtAddr uintptr) {
	if as.tlb != nil {
		as.tlb.FlushEntry(virtAddr)
	}
}
