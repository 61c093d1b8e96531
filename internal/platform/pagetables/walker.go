package pagetables

// Address layout (amd64, 4-level, 9 bits per level, 12-bit page offset).
// Levels follow the teacher's numbering: 0 = PT (leaf), 1 = PD,
// 2 = PDPT, 3 = PML4.
const (
	lvlPT   = 0
	lvlPD   = 1
	lvlPDPT = 2
	lvlPML4 = 3
)

func pdShift(lvl int) uint {
	return 12 + 9*uint(lvl)
}

// pdx extracts the index into the table at the given level for addr.
func pdx(lvl int, addr uintptr) int {
	return int((addr >> pdShift(lvl)) & 0x1ff)
}

func asTable(pool FramePool, f Frame) *table {
	return (*table)(unsafeTablePointer(pool.Bytes(f)))
}

// descend walks from the root down to (and including) the level-0 PT frame
// that would hold vaddr's leaf entry, returning the full chain of frames
// visited; chain[0] is always the root, chain[len-1] the PT.
//
// When create is false a missing intermediate table is reported as
// hverr.ErrNotMapped rather than fabricated.
func (pt *PageTables) descend(vaddr uintptr, create bool) ([]Frame, error) {
	chain := make([]Frame, 1, 4)
	chain[0] = pt.root
	cur := pt.root
	for lvl := lvlPML4; lvl >= lvlPD; lvl-- {
		tbl := asTable(pt.pool, cur)
		idx := pdx(lvl, vaddr)
		e := &tbl[idx]
		if !e.valid() {
			if !create {
				return nil, ErrNotMapped
			}
			child, err := pt.pool.Alloc()
			if err != nil {
				return nil, ErrOutOfMemory
			}
			e.setFrame(child)
			e.setFlags(flagPresent | flagWritable | flagUser | flagAccessed)
		}
		cur = e.frame()
		chain = append(chain, cur)
	}
	return chain, nil
}

// parentIndex returns the index, in chain[i-1]'s table, of the entry that
// points at chain[i]. It inverts the loop in descend.
func parentIndex(i int, vaddr uintptr) int {
	return pdx(lvlPML4-(i-1), vaddr)
}
