package vmm

import "mmutools/kernel/mem/phys"

// LevelOutcome describes what a page table walk does after visiting the
// entry of a particular level.
type LevelOutcome uint8

const (
	// Continue indicates that the entry points to a lower level table (or,
	// at level 1, to a present page) and the walk proceeds.
	Continue LevelOutcome = iota

	// StopAbsent indicates that the entry is not present; no lower level
	// exists for this address.
	StopAbsent

	// StopHugePage indicates a present level 3 or level 2 entry with the
	// page-size bit set. The entry is itself the terminal mapping.
	StopHugePage
)

// String implements fmt.Stringer for LevelOutcome.
func (o LevelOutcome) String() string {
	switch o {
	case Continue:
		return "continue"
	case StopAbsent:
		return "not present"
	case StopHugePage:
		return "huge page"
	default:
		return "unknown"
	}
}

// classifyEntry decides how a walk proceeds past pte. The page-size bit is
// only meaningful for level 3 and level 2 entries.
func classifyEntry(level Level, pte PageTableEntry) LevelOutcome {
	switch {
	case !pte.HasFlags(FlagPresent):
		return StopAbsent
	case (level == Level3 || level == Level2) && pte.HasFlags(FlagHugePage):
		return StopHugePage
	default:
		return Continue
	}
}

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level, the physical address of the entry
// and a pointer to a copy of the entry value. If the function returns false,
// then the page walk is aborted.
//
// The walk proceeds using the value pointed to by pte once the function
// returns. A function that rewrites the entry in memory without updating *pte
// keeps the walk going through the table referenced by the original value.
type pageTableWalker func(level Level, entryAddr uintptr, pte *PageTableEntry) bool

// walk performs a page table walk for the given virtual address starting at
// the level 4 table referenced by root. It calls the supplied walkFn with the
// page table entry that corresponds to each page table level and stops after
// the first entry that is absent or maps a huge page.
//
// walk returns the last level it visited together with its outcome. If walkFn
// aborts the walk, the outcome is the classification of the entry value that
// walkFn left behind.
func walk(memory phys.Accessor, root TranslationRoot, virtAddr uintptr, walkFn pageTableWalker) (Level, LevelOutcome) {
	var (
		level     Level
		tableAddr = root.Address()
		outcome   LevelOutcome
	)

	for level = Level4; level >= Level1; level-- {
		entryAddr := entryAddress(tableAddr, virtAddr, level)
		pte := PageTableEntry(memory.ReadWord(entryAddr))

		ok := walkFn(level, entryAddr, &pte)
		if outcome = classifyEntry(level, pte); !ok || outcome != Continue || level == Level1 {
			break
		}

		tableAddr = pte.BaseAddress()
	}

	return level, outcome
}
