// Package syscall exposes the page and translation operations that a process
// can request. Every operation receives the calling process's address space
// and exchanges values through words in that address space, the way a system
// call copies arguments and results across the user boundary.
package syscall

import (
	"mmutools/kernel"
	"mmutools/kernel/config"
	"mmutools/kernel/kfmt"
	"mmutools/kernel/mem"
	"mmutools/kernel/mem/phys"
	"mmutools/kernel/mem/pmm"
	"mmutools/kernel/mem/vmm"
	"mmutools/kernel/sync"
)

// InvalidPage is returned by AllocatePage when no frame could be allocated.
const InvalidPage = ^uintptr(0)

var (
	// ErrInvalidArgument is returned when a caller-supplied address is
	// unusable. It is reported before any page table is accessed.
	ErrInvalidArgument = &kernel.Error{Module: "syscall", Message: "invalid argument", Kind: kernel.KindArgument}

	// ErrTransferFault is returned when results cannot be copied to the
	// caller's memory.
	ErrTransferFault = &kernel.Error{Module: "syscall", Message: "unable to transfer results to caller memory", Kind: kernel.KindTransferFault}

	// ErrPageTableFault is returned when a page table entry visited by a
	// request references memory outside the installed RAM.
	ErrPageTableFault = &kernel.Error{Module: "syscall", Message: "page table entry references memory outside installed RAM", Kind: kernel.KindInvalidAddress}
)

// FrameAllocator allocates and releases physical frames.
type FrameAllocator interface {
	AllocFrame() (pmm.Frame, *kernel.Error)
	FreeFrame(pmm.Frame) *kernel.Error
}

// Handler serves page and translation requests for the processes running
// on a machine.
type Handler struct {
	cfg     *config.Config
	memory  phys.Accessor
	frames  FrameAllocator
	walker  *vmm.Walker
	mutator *vmm.Mutator

	// rootLocks holds one lock per translation root when the handler
	// serializes requests.
	rootLocksMu sync.Spinlock
	rootLocks   map[vmm.TranslationRoot]*sync.Spinlock
}

// NewHandler returns a Handler that accesses page tables through memory,
// obtains frames from frames and invalidates tlb after each page table write.
func NewHandler(cfg *config.Config, memory phys.Accessor, frames FrameAllocator, tlb vmm.TLBFlusher) (*Handler, *kernel.Error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	scope, _ := cfg.Scope()

	return &Handler{
		cfg:       cfg,
		memory:    memory,
		frames:    frames,
		walker:    vmm.NewWalker(memory),
		mutator:   vmm.NewMutator(memory, tlb, scope),
		rootLocks: make(map[vmm.TranslationRoot]*sync.Spinlock),
	}, nil
}

// AllocatePage reserves a zero-filled frame and returns its physical
// address. On failure it returns InvalidPage together with the allocator
// error.
func (h *Handler) AllocatePage() (uintptr, *kernel.Error) {
	frame, err := h.frames.AllocFrame()
	if err != nil {
		return InvalidPage, err
	}

	return frame.Address(), nil
}

// FreePage releases a frame obtained by AllocatePage. The null address and
// addresses that are not page aligned are rejected with ErrInvalidArgument;
// addresses that do not refer to a currently allocated frame are rejected by
// the allocator.
func (h *Handler) FreePage(physAddr uintptr) *kernel.Error {
	if physAddr == 0 || physAddr&uintptr(mem.PageSize-1) != 0 {
		return ErrInvalidArgument
	}

	return h.frames.FreeFrame(pmm.FrameFromAddress(physAddr))
}

// ReadTranslation looks up the four page table entries that translate
// virtAddr in the caller's address space and stores them at the caller's
// virtual addresses out4, out3, out2 and out1. Entries below the level where
// the walk stopped are stored as zero.
//
// All four output locations are resolved before any of them is written so
// results are either delivered in full or not at all.
func (h *Handler) ReadTranslation(as *vmm.AddressSpace, virtAddr, out4, out3, out2, out1 uintptr) *kernel.Error {
	outputs := [4]uintptr{out4, out3, out2, out1}
	for _, out := range outputs {
		if out == 0 {
			return ErrInvalidArgument
		}
	}

	if err := h.checkAddress(virtAddr); err != nil {
		return err
	}

	physOutputs, err := h.resolveOutputs(as, outputs)
	if err != nil {
		return err
	}

	res, err := h.translate(as.Root(), virtAddr)
	if err != nil {
		return err
	}

	if h.cfg.Trace {
		traceResult(&res)
	}

	for index, physAddr := range physOutputs {
		h.memory.WriteWord(physAddr, uint64(res.Entries[index]))
	}

	return nil
}

// resolveOutputs translates the caller's output locations into the physical
// words that receive the results, using the same lookup path as a data
// access. Every location is checked before any result is stored.
func (h *Handler) resolveOutputs(as *vmm.AddressSpace, outputs [4]uintptr) (physOutputs [4]uintptr, err *kernel.Error) {
	defer recoverFault(&err, ErrTransferFault)

	for index, out := range outputs {
		physAddr, resolveErr := as.Resolve(out)
		if resolveErr != nil {
			return physOutputs, ErrTransferFault
		}

		// faults if the backing frame lies outside installed memory
		h.memory.ReadWord(physAddr)
		physOutputs[index] = physAddr
	}

	return physOutputs, nil
}

func (h *Handler) translate(root vmm.TranslationRoot, virtAddr uintptr) (res vmm.TranslationResult, err *kernel.Error) {
	defer recoverFault(&err, ErrPageTableFault)

	unlock := h.lockRoot(root)
	defer unlock()

	return h.walker.Translate(root, virtAddr), nil
}

// WriteTranslation overwrites the page table entries that translate virtAddr
// in the caller's address space with e4, e3, e2 and e1. Levels below a huge
// page mapping are not written. If a level that must be traversed is not
// present, the error returned by vmm.ErrWriteFailed for that level is
// reported and the levels written so far keep their new values.
//
// If an entry being traversed references memory outside the installed RAM,
// ErrPageTableFault is returned.
func (h *Handler) WriteTranslation(as *vmm.AddressSpace, virtAddr uintptr, e4, e3, e2, e1 uint64) (err *kernel.Error) {
	if err = h.checkAddress(virtAddr); err != nil {
		return err
	}

	entries := vmm.NewEntries(
		vmm.PageTableEntry(e4),
		vmm.PageTableEntry(e3),
		vmm.PageTableEntry(e2),
		vmm.PageTableEntry(e1),
	)

	defer recoverFault(&err, ErrPageTableFault)

	unlock := h.lockRoot(as.Root())
	defer unlock()

	if h.cfg.Trace {
		h.traceRelocations(as.Root(), virtAddr, entries)
	}

	err = h.mutator.Rewrite(as.Root(), virtAddr, entries)
	if err != nil && h.cfg.Trace {
		kfmt.Printf("[syscall] write translation for 0x%x failed: %s\n", virtAddr, err.Message)
	}

	return err
}

// recoverFault stores faultErr in err if the simulated memory faulted on an
// access outside the installed RAM. Any other panic is propagated.
func recoverFault(err **kernel.Error, faultErr *kernel.Error) {
	if r := recover(); r != nil {
		if r != phys.ErrAddressOutOfRange {
			panic(r)
		}
		*err = faultErr
	}
}

func (h *Handler) checkAddress(virtAddr uintptr) *kernel.Error {
	if h.cfg.StrictCanonical && !vmm.IsCanonical(virtAddr) {
		return ErrInvalidArgument
	}

	return nil
}

// lockRoot acquires the lock for root if the handler serializes requests and
// returns the function that releases it.
func (h *Handler) lockRoot(root vmm.TranslationRoot) func() {
	if !h.cfg.SerializeRoots {
		return func() {}
	}

	h.rootLocksMu.Acquire()
	lock, ok := h.rootLocks[root]
	if !ok {
		lock = new(sync.Spinlock)
		h.rootLocks[root] = lock
	}
	h.rootLocksMu.Release()

	lock.Acquire()
	return lock.Release
}

// traceRelocations logs every new entry that points its next level table to
// a different frame. Rewrite keeps locating lower levels through the
// original entries, so the lower values end up in the old tables.
func (h *Handler) traceRelocations(root vmm.TranslationRoot, virtAddr uintptr, entries vmm.Entries) {
	res := h.walker.Translate(root, virtAddr)
	for level := vmm.Level4; level > vmm.Level1 && level >= res.Last; level-- {
		orig, next := res.Entries.Entry(level), entries.Entry(level)
		if !orig.HasFlags(vmm.FlagPresent) || orig.HasFlags(vmm.FlagHugePage) {
			break
		}

		if orig.BaseAddress() != next.BaseAddress() {
			kfmt.Printf("[syscall] %s for 0x%x relocates table 0x%x to 0x%x; lower levels are written to the original table\n",
				level, virtAddr, orig.BaseAddress(), next.BaseAddress())
		}
	}
}

func traceResult(res *vmm.TranslationResult) {
	kfmt.Printf("[syscall] translation for 0x%x (%s at %s)\n", res.VirtAddr, res.Outcome, res.Last)
	for level := vmm.Level4; level >= vmm.Level1; level-- {
		kfmt.Printf("[syscall]   %s @ 0x%x: 0x%016x\n", level, res.EntryAddr(level), uint64(res.Entries.Entry(level)))
	}

	if physAddr, err := res.PhysAddress(); err == nil {
		kfmt.Printf("[syscall]   physical address: 0x%x\n", physAddr)
	}
}
