package syscall

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"mmutools/kernel"
	"mmutools/kernel/config"
	"mmutools/kernel/cpu"
	"mmutools/kernel/kfmt"
	"mmutools/kernel/mem"
	"mmutools/kernel/mem/phys"
	"mmutools/kernel/mem/pmm"
	"mmutools/kernel/mem/pmm/allocator"
	"mmutools/kernel/mem/vmm"
)

const (
	// outputs is the virtual page where tests receive ReadTranslation
	// results.
	outputs = uintptr(0x10000)

	pageA = uintptr(0x200000)
	pageB = uintptr(0x201000)
)

type machine struct {
	cfg     *config.Config
	memory  *phys.Memory
	frames  *allocator.BitmapAllocator
	tlb     *cpu.TLB
	handler *Handler
	as      *vmm.AddressSpace
}

func newMachine(t *testing.T, mutate func(*config.Config)) *machine {
	t.Helper()

	m := &machine{cfg: config.Default()}
	if mutate != nil {
		mutate(m.cfg)
	}

	var err *kernel.Error
	m.memory = phys.NewMemory(m.cfg.MemorySize)
	if m.frames, err = allocator.NewBitmapAllocator(m.memory, m.cfg.ReservedSize); err != nil {
		t.Fatal(err)
	}

	m.tlb = cpu.NewTLB(m.cfg.TLBEntries)
	if m.handler, err = NewHandler(m.cfg, m.memory, m.frames, m.tlb); err != nil {
		t.Fatal(err)
	}

	if m.as, err = vmm.NewAddressSpace(m.memory, m.frames.AllocFrame, m.tlb); err != nil {
		t.Fatal(err)
	}

	m.mapPage(t, outputs)
	return m
}

// mapPage backs virtAddr with a frame obtained through AllocatePage and
// returns the frame's physical address.
func (m *machine) mapPage(t *testing.T, virtAddr uintptr) uintptr {
	t.Helper()

	physAddr, err := m.handler.AllocatePage()
	if err != nil {
		t.Fatal(err)
	}

	if err = m.as.Map(vmm.PageFromAddress(virtAddr), pmm.FrameFromAddress(physAddr), 0); err != nil {
		t.Fatal(err)
	}

	return physAddr
}

// read calls ReadTranslation and returns the entries delivered to the
// output page.
func (m *machine) read(t *testing.T, virtAddr uintptr) [4]uint64 {
	t.Helper()

	if err := m.handler.ReadTranslation(m.as, virtAddr, outputs, outputs+8, outputs+16, outputs+24); err != nil {
		t.Fatalf("ReadTranslation(0x%x) failed: %v", virtAddr, err)
	}

	return m.delivered(t)
}

func (m *machine) delivered(t *testing.T) [4]uint64 {
	t.Helper()

	var entries [4]uint64
	for index := range entries {
		value, err := m.as.ReadWord(outputs + uintptr(index)<<mem.PointerShift)
		if err != nil {
			t.Fatal(err)
		}
		entries[index] = value
	}

	return entries
}

func (m *machine) write(virtAddr uintptr, entries [4]uint64) *kernel.Error {
	return m.handler.WriteTranslation(m.as, virtAddr, entries[0], entries[1], entries[2], entries[3])
}

func TestNewHandler(t *testing.T) {
	cfg := config.Default()
	cfg.FlushScope = "sometimes"

	if _, err := NewHandler(cfg, phys.NewMemory(mem.Mb), nil, nil); err == nil || err.Kind != kernel.KindArgument {
		t.Fatalf("expected an invalid configuration to be rejected; got %v", err)
	}
}

func TestAllocatePage(t *testing.T) {
	m := newMachine(t, func(cfg *config.Config) { cfg.MemorySize = 16 * mem.PageSize })

	physAddr, err := m.handler.AllocatePage()
	if err != nil {
		t.Fatal(err)
	}

	if physAddr == 0 || physAddr&uintptr(mem.PageSize-1) != 0 {
		t.Fatalf("expected a non-null page aligned address; got 0x%x", physAddr)
	}

	for offset := uintptr(0); offset < uintptr(mem.PageSize); offset += 8 {
		if got := m.memory.ReadWord(physAddr + offset); got != 0 {
			t.Fatalf("expected allocated page to be zeroed; found 0x%x at offset %d", got, offset)
		}
	}

	for {
		if physAddr, err = m.handler.AllocatePage(); err != nil {
			break
		}
	}

	if physAddr != InvalidPage || kernel.KindOf(err) != kernel.KindResourceExhausted {
		t.Fatalf("expected (InvalidPage, resource exhausted); got (0x%x, %v)", physAddr, err)
	}
}

func TestFreePage(t *testing.T) {
	m := newMachine(t, nil)

	specs := []struct {
		physAddr uintptr
		expKind  kernel.ErrorKind
	}{
		{0, kernel.KindArgument},
		{0x1234, kernel.KindArgument},
		{0x1000000000, kernel.KindInvalidAddress},
		// frames that were never allocated
		{uintptr(m.cfg.MemorySize) - uintptr(mem.PageSize), kernel.KindInvalidAddress},
	}

	for specIndex, spec := range specs {
		if err := m.handler.FreePage(spec.physAddr); kernel.KindOf(err) != spec.expKind {
			t.Errorf("[spec %d] expected error kind %q; got %v", specIndex, spec.expKind, err)
		}
	}
}

func TestFreeThenReuse(t *testing.T) {
	m := newMachine(t, nil)

	frame, err := m.handler.AllocatePage()
	if err != nil {
		t.Fatal(err)
	}

	// dirty the frame so reuse can be checked for zeroing
	m.memory.WriteWord(frame, 0xdeadbeef)

	if err = m.handler.FreePage(frame); err != nil {
		t.Fatal(err)
	}

	reused, err := m.handler.AllocatePage()
	if err != nil {
		t.Fatal(err)
	}

	if reused != frame {
		t.Fatalf("expected freed frame 0x%x to be handed out again; got 0x%x", frame, reused)
	}

	if got := m.memory.ReadWord(reused); got != 0 {
		t.Fatalf("expected reused frame to be zeroed; got 0x%x", got)
	}

	if err = m.handler.FreePage(reused); err != nil {
		t.Fatal(err)
	}

	if err = m.handler.FreePage(reused); kernel.KindOf(err) != kernel.KindInvalidAddress {
		t.Fatalf("expected double free to report an invalid address; got %v", err)
	}
}

func TestReadTranslationArguments(t *testing.T) {
	m := newMachine(t, nil)
	m.mapPage(t, pageA)

	specs := []struct {
		outs   [4]uintptr
		expErr *kernel.Error
	}{
		{[4]uintptr{0, outputs + 8, outputs + 16, outputs + 24}, ErrInvalidArgument},
		{[4]uintptr{outputs, 0, outputs + 16, outputs + 24}, ErrInvalidArgument},
		{[4]uintptr{outputs, outputs + 8, 0, outputs + 24}, ErrInvalidArgument},
		{[4]uintptr{outputs, outputs + 8, outputs + 16, 0}, ErrInvalidArgument},
		// unmapped output location
		{[4]uintptr{outputs, outputs + 8, outputs + 16, 0x7000000000}, ErrTransferFault},
		// unaligned output location
		{[4]uintptr{outputs + 1, outputs + 8, outputs + 16, outputs + 24}, ErrTransferFault},
	}

	for specIndex, spec := range specs {
		for index := uintptr(0); index < 4; index++ {
			m.as.WriteWord(outputs+index<<mem.PointerShift, 0xf00)
		}

		err := m.handler.ReadTranslation(m.as, pageA, spec.outs[0], spec.outs[1], spec.outs[2], spec.outs[3])
		if err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
			continue
		}

		// Nothing must be delivered when the call fails
		for index, value := range m.delivered(t) {
			if value != 0xf00 {
				t.Errorf("[spec %d] expected output %d to be left untouched; got 0x%x", specIndex, index, value)
			}
		}
	}
}

func TestEndToEndTranslation(t *testing.T) {
	m := newMachine(t, nil)

	virtAddr := uintptr(0x7fffdead0000)
	frame := m.mapPage(t, virtAddr)

	entries := m.read(t, virtAddr+0x2a8)
	for index, entry := range entries {
		if entry&uint64(vmm.FlagPresent) == 0 {
			t.Fatalf("expected entry %d to be present; got 0x%x", index, entry)
		}
	}

	physAddr := vmm.PageOffset(virtAddr+0x2a8) | vmm.PageTableEntry(entries[3]).BaseAddress()
	if exp := frame + 0x2a8; physAddr != exp {
		t.Fatalf("expected reconstructed physical address 0x%x; got 0x%x", exp, physAddr)
	}

	if backing, err := m.as.Translate(virtAddr + 0x2a8); err != nil || backing != physAddr {
		t.Fatalf("expected address space to resolve to 0x%x; got 0x%x (err: %v)", physAddr, backing, err)
	}
}

func TestReadTranslationAbsentLevels(t *testing.T) {
	m := newMachine(t, nil)

	specs := []struct {
		virtAddr uintptr
		expZero  int
	}{
		// no level 4 entry
		{0x7f0000000000, 3},
		// shares the level 4 entry of the output page
		{0x40000000, 2},
		// shares the level 3 entry of the output page
		{0x400000, 1},
		// shares the level 1 table of the output page
		{outputs + uintptr(mem.PageSize), 0},
	}

	for specIndex, spec := range specs {
		entries := m.read(t, spec.virtAddr)
		absent := 3 - spec.expZero

		if entries[absent]&uint64(vmm.FlagPresent) != 0 {
			t.Errorf("[spec %d] expected entry %d to be absent; got 0x%x", specIndex, absent, entries[absent])
		}

		for index := absent + 1; index < 4; index++ {
			if entries[index] != 0 {
				t.Errorf("[spec %d] expected entry %d to be zero; got 0x%x", specIndex, index, entries[index])
			}
		}
	}
}

func TestTranslationRoundTrip(t *testing.T) {
	m := newMachine(t, nil)
	m.mapPage(t, pageA)

	for _, virtAddr := range []uintptr{pageA, pageA + 0x10, 0x7f0000000000, 0x400000} {
		entries := m.read(t, virtAddr)

		// a rewrite can only succeed if every level above level 1 is present
		err := m.write(virtAddr, entries)
		if mapped := entries[2]&uint64(vmm.FlagPresent) != 0; mapped != (err == nil) {
			t.Errorf("unexpected rewrite result for 0x%x: %v", virtAddr, err)
		}

		if got := m.read(t, virtAddr); got != entries {
			t.Errorf("expected rewriting 0x%x with its own entries to be idempotent; got %x, want %x", virtAddr, got, entries)
		}
	}
}

func TestHugePageShortCircuit(t *testing.T) {
	specs := []struct {
		virtAddr uintptr
		level    vmm.Level
	}{
		{0x40000000, vmm.Level3},
		{0x600000, vmm.Level2},
	}

	for specIndex, spec := range specs {
		m := newMachine(t, nil)
		if err := m.as.MapHuge(spec.virtAddr, 0, spec.level, 0); err != nil {
			t.Fatal(err)
		}

		entries := m.read(t, spec.virtAddr+0x1008)
		last := int(vmm.Level4 - spec.level)
		if entries[last]&uint64(vmm.FlagHugePage) == 0 {
			t.Errorf("[spec %d] expected the %s to map a huge page; got 0x%x", specIndex, spec.level, entries[last])
			continue
		}

		updated := entries
		for index := last + 1; index < 4; index++ {
			if entries[index] != 0 {
				t.Errorf("[spec %d] expected entry %d to be zero; got 0x%x", specIndex, index, entries[index])
			}
			updated[index] = 0xbad0000
		}

		if err := m.write(spec.virtAddr, updated); err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
		}

		if got := m.read(t, spec.virtAddr); got != entries {
			t.Errorf("[spec %d] expected levels below the huge page to stay untouched; got %x", specIndex, got)
		}
	}
}

func TestWriteTranslationWithoutParent(t *testing.T) {
	m := newMachine(t, nil)
	m.mapPage(t, pageA)

	// level 4 slot 0 exists but nothing is mapped in the second Gb
	virtAddr := uintptr(0x40000000)
	entries := m.read(t, virtAddr)

	err := m.write(virtAddr, [4]uint64{entries[0], 0x5003, 0x6003, 0x7003})
	if err != vmm.ErrWriteFailed(vmm.Level3) {
		t.Fatalf("expected level 3 write failure; got %v", err)
	}

	if level, ok := vmm.WriteFailedLevel(err); !ok || level != vmm.Level3 {
		t.Fatalf("expected failing level to be reported as %s; got %s", vmm.Level3, level)
	}

	if got := m.read(t, virtAddr); got != entries {
		t.Fatalf("expected entries to be unchanged; got %x", got)
	}
}

func TestAliasing(t *testing.T) {
	for _, scope := range []string{"all", "page"} {
		m := newMachine(t, func(cfg *config.Config) { cfg.FlushScope = scope })

		frameA := m.mapPage(t, pageA)
		frameB := m.mapPage(t, pageB)
		m.as.WriteWord(pageA, 0xaaaa)
		m.as.WriteWord(pageB, 0xbbbb)

		entriesA := m.read(t, pageA)
		entriesB := m.read(t, pageB)
		if entriesA == entriesB {
			t.Fatal("expected distinct pages to have distinct entries")
		}

		if err := m.write(pageB, entriesA); err != nil {
			t.Fatalf("[scope %s] unexpected error: %v", scope, err)
		}

		if got := m.read(t, pageB); got != entriesA {
			t.Errorf("[scope %s] expected B to report the entries of A; got %x", scope, got)
		}

		if physAddr, _ := m.as.Translate(pageB); physAddr != frameA {
			t.Errorf("[scope %s] expected B to translate to 0x%x; got 0x%x", scope, frameA, physAddr)
		}

		if value, _ := m.as.ReadWord(pageB); value != 0xaaaa {
			t.Errorf("[scope %s] expected data access through B to observe A's frame; got 0x%x", scope, value)
		}

		if err := m.write(pageB, entriesB); err != nil {
			t.Fatalf("[scope %s] unexpected error: %v", scope, err)
		}

		if physAddr, _ := m.as.Translate(pageB); physAddr != frameB {
			t.Errorf("[scope %s] expected B to translate to 0x%x after restoring; got 0x%x", scope, frameB, physAddr)
		}

		if value, _ := m.as.ReadWord(pageB); value != 0xbbbb {
			t.Errorf("[scope %s] expected restored B to observe its own frame; got 0x%x", scope, value)
		}
	}
}

func TestPageScopeSharedTableWrite(t *testing.T) {
	m := newMachine(t, func(cfg *config.Config) { cfg.FlushScope = "page" })
	m.mapPage(t, pageA)
	m.mapPage(t, pageB)

	// cache the translation of B; A and B share their level 1 table
	if _, err := m.as.ReadWord(pageB); err != nil {
		t.Fatal(err)
	}

	entries := m.read(t, pageA)
	entries[2] &^= uint64(vmm.FlagPresent)
	if err := m.write(pageA, entries); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := m.as.ReadWord(pageB); err != vmm.ErrInvalidMapping {
		t.Fatalf("expected B to lose its translation together with the shared table; got %v", err)
	}
}

func TestEntryOutsideInstalledMemory(t *testing.T) {
	m := newMachine(t, nil)
	m.mapPage(t, pageA)

	entries := m.read(t, pageA)
	corrupt := entries
	corrupt[2] = uint64(0x40000000) | entries[2]&uint64(mem.PageSize-1)

	// the rewrite navigates through the entries it replaces so it completes
	if err := m.write(pageA, corrupt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	before := m.delivered(t)
	if err := m.handler.ReadTranslation(m.as, pageA, outputs, outputs+8, outputs+16, outputs+24); err != ErrPageTableFault {
		t.Fatalf("expected ReadTranslation to report ErrPageTableFault; got %v", err)
	}

	if got := m.delivered(t); got != before {
		t.Fatalf("expected failed ReadTranslation to leave outputs untouched; got %x", got)
	}

	if err := m.write(pageA, corrupt); err != ErrPageTableFault {
		t.Fatalf("expected WriteTranslation to report ErrPageTableFault; got %v", err)
	}

	// unrelated translations keep working
	if got := m.read(t, outputs); got[3] == 0 {
		t.Fatal("expected the output page to remain mapped")
	}
}

func TestReadTranslationDeliversThroughCachedTranslation(t *testing.T) {
	m := newMachine(t, nil)
	m.mapPage(t, pageA)

	cachedPhys, err := m.as.Resolve(outputs)
	if err != nil {
		t.Fatal(err)
	}

	outputEntries := m.read(t, outputs)
	newPhys, err := m.handler.AllocatePage()
	if err != nil {
		t.Fatal(err)
	}

	// retarget the output page without invalidating the cached translation
	retarget := outputEntries
	retarget[3] = retarget[3]&^uint64(cachedPhys) | uint64(newPhys)
	silent := vmm.NewMutator(m.memory, nil, vmm.FlushScopeAll)
	if err = silent.Rewrite(m.as.Root(), outputs, vmm.NewEntries(
		vmm.PageTableEntry(retarget[0]), vmm.PageTableEntry(retarget[1]),
		vmm.PageTableEntry(retarget[2]), vmm.PageTableEntry(retarget[3]),
	)); err != nil {
		t.Fatal(err)
	}

	entries := m.read(t, pageA)
	for index, exp := range entries {
		if got := m.memory.ReadWord(cachedPhys + uintptr(index)<<mem.PointerShift); got != exp {
			t.Errorf("expected entry %d to reach the cached frame 0x%x; got 0x%x", index, cachedPhys, got)
		}

		if got := m.memory.ReadWord(newPhys + uintptr(index)<<mem.PointerShift); got != 0 {
			t.Errorf("expected the uncached frame to stay untouched; found 0x%x at entry %d", got, index)
		}
	}
}

func TestStrictCanonical(t *testing.T) {
	const nonCanonical = uintptr(0x0001000000200000)

	specs := []struct {
		strict   bool
		virtAddr uintptr
		expErr   *kernel.Error
	}{
		{false, nonCanonical, nil},
		{true, nonCanonical, ErrInvalidArgument},
		{true, pageA, nil},
		{true, 0xffff800000000000, nil},
	}

	for specIndex, spec := range specs {
		m := newMachine(t, func(cfg *config.Config) { cfg.StrictCanonical = spec.strict })
		m.mapPage(t, pageA)

		if err := m.handler.ReadTranslation(m.as, spec.virtAddr, outputs, outputs+8, outputs+16, outputs+24); err != spec.expErr {
			t.Errorf("[spec %d] ReadTranslation: expected error %v; got %v", specIndex, spec.expErr, err)
		}

		// the upper half is not mapped so only argument errors matter here
		entries := m.read(t, pageA)
		if err := m.write(spec.virtAddr, entries); (err == ErrInvalidArgument) != (spec.expErr == ErrInvalidArgument) {
			t.Errorf("[spec %d] WriteTranslation: expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}

	// Without strict checking the upper bits are ignored
	m := newMachine(t, nil)
	m.mapPage(t, pageA)
	if got, exp := m.read(t, nonCanonical), m.read(t, pageA); got != exp {
		t.Fatalf("expected non-canonical address to translate like its low 48 bits; got %x, want %x", got, exp)
	}
}

func TestTrace(t *testing.T) {
	defer func(orig io.Writer) {
		kfmt.SetOutputSink(orig)
	}(kfmt.GetOutputSink())

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	m := newMachine(t, func(cfg *config.Config) { cfg.Trace = true })
	frame := m.mapPage(t, pageA)

	buf.Reset()
	entries := m.read(t, pageA+0x40)

	for _, exp := range []string{"[syscall] translation for 0x200040", "pml4e @ 0x", "pte @ 0x", "physical address: 0x"} {
		if !strings.Contains(buf.String(), exp) {
			t.Errorf("expected trace output to contain %q; got:\n%s", exp, buf.String())
		}
	}

	if exp := fmt.Sprintf("physical address: 0x%x", frame+0x40); !strings.Contains(buf.String(), exp) {
		t.Errorf("expected trace output to contain %q; got:\n%s", exp, buf.String())
	}

	// point the level 3 entry to a different table
	buf.Reset()
	relocated := entries
	relocated[1] = (relocated[1] &^ 0x000ffffffffff000) | 0x3ff000
	m.write(pageA, relocated)

	if !strings.Contains(buf.String(), "pdpte for 0x200000 relocates table") {
		t.Errorf("expected relocation warning; got:\n%s", buf.String())
	}
}

func TestSerializeRoots(t *testing.T) {
	m := newMachine(t, func(cfg *config.Config) { cfg.SerializeRoots = true })
	m.mapPage(t, pageA)
	m.mapPage(t, pageB)

	entriesA := m.read(t, pageA)
	entriesB := m.read(t, pageB)

	var wg sync.WaitGroup
	errCh := make(chan *kernel.Error, 64)
	for worker := 0; worker < 4; worker++ {
		wg.Add(1)
		go func(entries [4]uint64) {
			defer wg.Done()
			for i := 0; i < 16; i++ {
				if err := m.write(pageB, entries); err != nil {
					errCh <- err
				}
			}
		}([][4]uint64{entriesA, entriesB}[worker%2])
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("unexpected error: %v", err)
	}

	if got := m.read(t, pageB); got != entriesA && got != entriesB {
		t.Fatalf("expected B to hold one of the complete entry sets; got %x", got)
	}
}
