// Package kmain boots the simulated machine that hosts address spaces and
// serves their page and translation requests.
package kmain

import (
	"mmutools/kernel"
	"mmutools/kernel/config"
	"mmutools/kernel/cpu"
	"mmutools/kernel/kfmt"
	"mmutools/kernel/mem"
	"mmutools/kernel/mem/phys"
	"mmutools/kernel/mem/pmm"
	"mmutools/kernel/mem/pmm/allocator"
	"mmutools/kernel/mem/vmm"
	"mmutools/kernel/syscall"
)

// Machine bundles the simulated hardware with the services built on top of
// it.
type Machine struct {
	Config  *config.Config
	Memory  *phys.Memory
	Frames  *allocator.BitmapAllocator
	TLB     *cpu.TLB
	Syscall *syscall.Handler
}

// Boot brings up a machine described by cfg: it installs the physical
// memory, initializes the frame allocator and the translation cache and
// wires the system call handler to them.
func Boot(cfg *config.Config) (*Machine, *kernel.Error) {
	var err *kernel.Error
	if err = cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Machine{
		Config: cfg,
		Memory: phys.NewMemory(cfg.MemorySize),
		TLB:    cpu.NewTLB(cfg.TLBEntries),
	}

	kfmt.Printf("[kmain] installed memory: %d Kb\n", uint64(m.Memory.Size()/mem.Kb))

	if m.Frames, err = allocator.NewBitmapAllocator(m.Memory, cfg.ReservedSize); err != nil {
		return nil, err
	} else if m.Syscall, err = syscall.NewHandler(cfg, m.Memory, m.Frames, m.TLB); err != nil {
		return nil, err
	}

	kfmt.Printf("[kmain] tlb flush scope: %s, strict canonical: %t, serialize roots: %t\n",
		cfg.FlushScope, cfg.StrictCanonical, cfg.SerializeRoots)

	return m, nil
}

// NewAddressSpace creates an empty address space whose page tables are
// allocated from the machine's frame allocator.
func (m *Machine) NewAddressSpace() (*vmm.AddressSpace, *kernel.Error) {
	as, err := vmm.NewAddressSpace(m.Memory, m.Frames.AllocFrame, m.TLB)
	if err != nil {
		return nil, err
	}

	kfmt.Printf("[kmain] created address space with root 0x%x\n", uintptr(as.Root()))
	return as, nil
}

// MapUserPage backs the page containing virtAddr with a newly allocated
// frame and returns the frame's physical address.
func (m *Machine) MapUserPage(as *vmm.AddressSpace, virtAddr uintptr) (uintptr, *kernel.Error) {
	physAddr, err := m.Syscall.AllocatePage()
	if err != nil {
		return 0, err
	}

	if err = as.Map(vmm.PageFromAddress(virtAddr), pmm.FrameFromAddress(physAddr), 0); err != nil {
		if freeErr := m.Syscall.FreePage(physAddr); freeErr != nil {
			kfmt.Printf("[kmain] unable to release frame 0x%x: %s\n", physAddr, freeErr.Message)
		}
		return 0, err
	}

	return physAddr, nil
}
