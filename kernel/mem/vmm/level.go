package vmm

// Level identifies a page table hierarchy level. Level4 is the top-most table
// referenced by the translation root and Level1 is the table whose entries map
// 4Kb pages.
type Level uint8

// The supported page table levels.
const (
	Level1 Level = iota + 1
	Level2
	Level3
	Level4
)

// index returns the position of the level in arrays that are ordered from
// the top-most level down.
func (l Level) index() int {
	return pageLevels - int(l)
}

// levelAt is the inverse of index.
func levelAt(index int) Level {
	return Level(pageLevels - index)
}

// Valid returns true if l is one of the supported levels.
func (l Level) Valid() bool {
	return l >= Level1 && l <= Level4
}

// String returns the conventional amd64 name for the entries of a level.
func (l Level) String() string {
	switch l {
	case Level4:
		return "pml4e"
	case Level3:
		return "pdpte"
	case Level2:
		return "pde"
	case Level1:
		return "pte"
	default:
		return "invalid"
	}
}
