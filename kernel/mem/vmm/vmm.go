// Package vmm inspects and rewrites the 4-level page tables that translate
// virtual addresses into physical addresses.
//
// Page tables are accessed through a phys.Accessor so the package never
// dereferences physical addresses itself. Walker and Mutator perform no
// locking: a Translate that runs concurrently with a Rewrite on the same
// translation root may observe a mix of old and new entries, and two
// overlapping Rewrite calls interleave arbitrarily. Callers that need
// consistent snapshots must serialize access per translation root.
package vmm

import "mmutools/kernel"

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page", Kind: kernel.KindInvalidMapping}

	// errWriteFailed holds the errors returned by Rewrite when the entry
	// of a level is not present. Indexed like Entries.
	errWriteFailed = [pageLevels]*kernel.Error{
		{Module: "vmm", Message: "unable to write page table entries: pml4e not present", Kind: kernel.KindWriteFailed},
		{Module: "vmm", Message: "unable to write page table entries: pdpte not present", Kind: kernel.KindWriteFailed},
		{Module: "vmm", Message: "unable to write page table entries: pde not present", Kind: kernel.KindWriteFailed},
		{Module: "vmm", Message: "unable to write page table entries: pte not present", Kind: kernel.KindWriteFailed},
	}

	errNoHugePageSupport    = &kernel.Error{Module: "vmm", Message: "address is covered by a huge page mapping", Kind: kernel.KindArgument}
	errInvalidHugePageLevel = &kernel.Error{Module: "vmm", Message: "huge pages can only be mapped at level 3 or level 2", Kind: kernel.KindArgument}
	errHugePageOverTable    = &kernel.Error{Module: "vmm", Message: "huge page entry would replace a lower level table", Kind: kernel.KindArgument}
	errMisalignedHugePage   = &kernel.Error{Module: "vmm", Message: "huge page addresses must be aligned to the page size", Kind: kernel.KindArgument}
	errUnalignedWordAccess  = &kernel.Error{Module: "vmm", Message: "word access is not 8-byte aligned", Kind: kernel.KindArgument}
)

// ErrWriteFailed returns the error reported by Rewrite when the entry for
// level is not present, or nil if level is not valid.
func ErrWriteFailed(level Level) *kernel.Error {
	if !level.Valid() {
		return nil
	}
	return errWriteFailed[level.index()]
}

// WriteFailedLevel returns the level whose missing entry caused err, if err
// was returned by a failed Rewrite.
func WriteFailedLevel(err error) (Level, bool) {
	for index, failErr := range errWriteFailed {
		if kErr, ok := err.(*kernel.Error); ok && kErr == failErr {
			return levelAt(index), true
		}
	}

	return 0, false
}
