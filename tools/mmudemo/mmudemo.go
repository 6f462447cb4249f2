package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"mmutools/kernel"
	"mmutools/kernel/config"
	"mmutools/kernel/kfmt"
	"mmutools/kernel/kmain"
	"mmutools/kernel/mem"
	"mmutools/kernel/mem/vmm"
)

const (
	// outputPage receives the entries returned by ReadTranslation.
	outputPage = uintptr(0x10000)

	// pageA and pageB share their upper level tables.
	pageA = uintptr(0x7f0000200000)
	pageB = uintptr(0x7f0000201000)
)

var errAliasNotObserved = errors.New("data access through the aliased page did not reach the expected frame")

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[mmudemo] error: %s\n", err.Error())
	os.Exit(1)
}

type demo struct {
	m   *kmain.Machine
	as  *vmm.AddressSpace
	out io.Writer
}

// readTranslation fetches the entries for virtAddr the way a user program
// would: through the system call and its own output page.
func (d *demo) readTranslation(virtAddr uintptr) ([4]uint64, *kernel.Error) {
	var entries [4]uint64

	err := d.m.Syscall.ReadTranslation(d.as, virtAddr, outputPage, outputPage+8, outputPage+16, outputPage+24)
	if err != nil {
		return entries, err
	}

	for index := range entries {
		if entries[index], err = d.as.ReadWord(outputPage + uintptr(index)<<mem.PointerShift); err != nil {
			return entries, err
		}
	}

	return entries, nil
}

func (d *demo) writeTranslation(virtAddr uintptr, entries [4]uint64) *kernel.Error {
	return d.m.Syscall.WriteTranslation(d.as, virtAddr, entries[0], entries[1], entries[2], entries[3])
}

func (d *demo) dump(label string, virtAddr uintptr, entries [4]uint64) {
	kfmt.Fprintf(d.out, "%s 0x%x\n", label, virtAddr)
	for index, entry := range entries {
		kfmt.Fprintf(d.out, "  %-5s 0x%016x\n", vmm.Level(4-index), entry)
	}
}

// endToEnd maps a fresh frame and checks that the physical address rebuilt
// from the level 1 entry matches the frame.
func (d *demo) endToEnd() error {
	frame, err := d.m.MapUserPage(d.as, pageA)
	if err != nil {
		return err
	}

	virtAddr := pageA + 0x123
	entries, err := d.readTranslation(virtAddr)
	if err != nil {
		return err
	}
	d.dump("translation for", virtAddr, entries)

	physAddr := vmm.PageOffset(virtAddr) | vmm.PageTableEntry(entries[3]).BaseAddress()
	kfmt.Fprintf(d.out, "physical address: 0x%x (frame 0x%x)\n", physAddr, frame)
	if physAddr != frame+0x123 {
		return fmt.Errorf("expected physical address 0x%x; got 0x%x", frame+0x123, physAddr)
	}

	return nil
}

// alias points pageB at the frame of pageA, observes the alias through a data
// access and restores the original mapping.
func (d *demo) alias() error {
	if _, err := d.m.MapUserPage(d.as, pageB); err != nil {
		return err
	}

	if err := d.as.WriteWord(pageA, 0xaaaa); err != nil {
		return err
	}
	if err := d.as.WriteWord(pageB, 0xbbbb); err != nil {
		return err
	}

	entriesA, err := d.readTranslation(pageA)
	if err != nil {
		return err
	}
	entriesB, err := d.readTranslation(pageB)
	if err != nil {
		return err
	}

	if err = d.writeTranslation(pageB, entriesA); err != nil {
		return err
	}

	value, err := d.as.ReadWord(pageB)
	if err != nil {
		return err
	}
	kfmt.Fprintf(d.out, "aliased 0x%x -> 0x%x: read 0x%x\n", pageB, pageA, value)
	if value != 0xaaaa {
		return errAliasNotObserved
	}

	if err = d.writeTranslation(pageB, entriesB); err != nil {
		return err
	}

	if value, err = d.as.ReadWord(pageB); err != nil {
		return err
	}
	kfmt.Fprintf(d.out, "restored 0x%x: read 0x%x\n", pageB, value)
	if value != 0xbbbb {
		return errAliasNotObserved
	}

	return nil
}

// reuse frees and reallocates a frame and then frees it twice.
func (d *demo) reuse() error {
	frame, err := d.m.Syscall.AllocatePage()
	if err != nil {
		return err
	}

	if err = d.m.Syscall.FreePage(frame); err != nil {
		return err
	}

	again, err := d.m.Syscall.AllocatePage()
	if err != nil {
		return err
	}
	kfmt.Fprintf(d.out, "allocated 0x%x, freed it and allocated 0x%x\n", frame, again)

	if err = d.m.Syscall.FreePage(again); err != nil {
		return err
	}

	err = d.m.Syscall.FreePage(again)
	kfmt.Fprintf(d.out, "second free of 0x%x: %s\n", again, kernel.KindOf(err))
	if kernel.KindOf(err) != kernel.KindInvalidAddress {
		return fmt.Errorf("expected double free to fail with an invalid address; got %v", err)
	}

	return nil
}

// runDemo boots a machine described by cfg and runs every scenario, writing
// a report to w.
func runDemo(w io.Writer, cfg *config.Config) error {
	m, err := kmain.Boot(cfg)
	if err != nil {
		return err
	}

	as, err := m.NewAddressSpace()
	if err != nil {
		return err
	}

	if _, err = m.MapUserPage(as, outputPage); err != nil {
		return err
	}

	d := &demo{m: m, as: as, out: w}
	scenarios := []struct {
		name string
		fn   func() error
	}{
		{"end-to-end", d.endToEnd},
		{"aliasing", d.alias},
		{"free-reuse", d.reuse},
	}

	for _, scenario := range scenarios {
		kfmt.Fprintf(w, "== %s\n", scenario.name)
		if err := scenario.fn(); err != nil {
			return fmt.Errorf("%s: %w", scenario.name, err)
		}
	}

	return nil
}

func runTool() error {
	configPath := flag.String("config", "", "a JSON file describing the simulated machine")
	trace := flag.Bool("trace", false, "log the entries touched by every translation request")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "mmudemo: boot a simulated machine and exercise its page table system calls\n\n")
		fmt.Fprint(os.Stderr, "Usage: mmudemo [options]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err *kernel.Error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	cfg.Trace = cfg.Trace || *trace

	kfmt.SetOutputSink(os.Stdout)

	// Hardware faults raised by the simulated memory halt the machine
	defer func() {
		if r := recover(); r != nil {
			kernel.Panic(r)
		}
	}()

	return runDemo(kfmt.NewModuleWriter(os.Stdout, "mmudemo"), cfg)
}

func main() {
	if err := runTool(); err != nil {
		exit(err)
	}
}
