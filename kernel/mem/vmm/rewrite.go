package vmm

import (
	"mmutools/kernel"
	"mmutools/kernel/mem/phys"
)

// TLBFlusher invalidates cached translations.
type TLBFlusher interface {
	// FlushAll invalidates every cached translation.
	FlushAll()

	// FlushEntry invalidates the cached translation for the page that
	// contains virtAddr.
	FlushEntry(virtAddr uintptr)
}

// FlushScope selects how much of the translation cache a Mutator invalidates
// after each entry write.
type FlushScope uint8

const (
	// FlushScopeAll invalidates the entire translation cache.
	FlushScopeAll FlushScope = iota

	// FlushScopePage only invalidates the rewritten virtual page when the
	// written entry is a level 1 entry or keeps its previous value. Any
	// other write changes a table shared with neighbouring pages and
	// invalidates the entire translation cache.
	FlushScopePage
)

// String implements fmt.Stringer for FlushScope.
func (s FlushScope) String() string {
	switch s {
	case FlushScopeAll:
		return "all"
	case FlushScopePage:
		return "page"
	default:
		return "unknown"
	}
}

// Mutator rewrites the page table entries that translate a virtual address.
type Mutator struct {
	memory phys.Accessor
	tlb    TLBFlusher
	scope  FlushScope
}

// NewMutator returns a Mutator that accesses page tables through memory and
// invalidates tlb after every entry it writes.
func NewMutator(memory phys.Accessor, tlb TLBFlusher, scope FlushScope) *Mutator {
	return &Mutator{
		memory: memory,
		tlb:    tlb,
		scope:  scope,
	}
}

// Rewrite replaces the page table entries that translate virtAddr with the
// supplied entries, visiting levels from the top down. Each visited entry must
// already be present; it is overwritten and the translation cache is flushed
// before moving on. The next level is located using the address bits of the
// entry that was just replaced, not the new value. If the replaced level 3 or
// level 2 entry mapped a huge page, the walk ends there successfully and the
// entries supplied for the lower levels are ignored.
//
// If an entry is found not present, Rewrite returns the error reported by
// ErrWriteFailed for that level. Entries written before the failure are not
// restored.
func (m *Mutator) Rewrite(root TranslationRoot, virtAddr uintptr, entries Entries) *kernel.Error {
	var err *kernel.Error

	walk(m.memory, root, virtAddr, func(level Level, entryAddr uintptr, pte *PageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrWriteFailed(level)
			return false
		}

		m.memory.WriteWord(entryAddr, uint64(entries.Entry(level)))
		m.invalidate(virtAddr, level == Level1 || entries.Entry(level) == *pte)
		return true
	})

	return err
}

// invalidate flushes the translation cache after an entry write. pageOnly
// reports whether the write can only affect the translation of virtAddr.
func (m *Mutator) invalidate(virtAddr uintptr, pageOnly bool) {
	if m.tlb == nil {
		return
	}

	switch {
	case m.scope == FlushScopePage && pageOnly:
		m.tlb.FlushEntry(virtAddr)
	default:
		m.tlb.FlushAll()
	}
}
