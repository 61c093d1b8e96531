// Package pagetables implements the frame pool and hardware page-table
// engine from spec.md §4.1: map/unmap/set-perms of single 4 KiB pages, and
// clone of the whole tree. It is the lowest of the three core layers —
// everything above it (region manager, address space) assumes this layer
// never disagrees with itself about what is mapped.
package pagetables

// PageTables is one guest address space's hardware-format page-table tree.
type PageTables struct {
	pool FramePool
	root Frame

	// leafCount[f] is the number of valid leaf (level-0) entries in the
	// subtree rooted at intermediate table f. An intermediate table is
	// freed the instant this drops to zero, and never freed while it is
	// positive — see spec.md §9 "Pointer-graph ownership in the page
	// table".
	leafCount map[Frame]int
}

// New allocates a fresh, empty page-table tree backed by pool.
func New(pool FramePool) (*PageTables, error) {
	root, err := pool.Alloc()
	if err != nil {
		return nil, ErrOutOfMemory
	}
	return &PageTables{pool: pool, root: root, leafCount: make(map[Frame]int)}, nil
}

// RootFrame exposes the physical root, for handing to a real VM container's
// CR3-equivalent register.
func (pt *PageTables) RootFrame() Frame { return pt.root }

func checkAligned(vaddr uintptr) {
	check(vaddr%PageSize == 0, "vaddr %#x is not page-aligned", vaddr)
}

// MapPage installs a single page mapping. It fails with ErrAlreadyMapped
// unless options.DiscardAlreadyMapped is set, in which case it atomically
// replaces the mapping and, for a non-shared previous frame, returns it to
// the pool.
func (pt *PageTables) MapPage(vaddr uintptr, frame Frame, opts Options) error {
	checkAligned(vaddr)
	chain, err := pt.descend(vaddr, true)
	if err != nil {
		return err
	}
	ptFrame := chain[len(chain)-1]
	tbl := asTable(pt.pool, ptFrame)
	e := &tbl[pdx(lvlPT, vaddr)]

	if e.valid() {
		if !opts.DiscardAlreadyMapped {
			return ErrAlreadyMapped
		}
		old := e.frame()
		if !e.shared() {
			if pt.pool.Unref(old) == 0 {
				pt.pool.Free(old)
			}
		}
	} else {
		for _, f := range chain[1:] {
			pt.leafCount[f]++
		}
	}

	e.setFrame(frame)
	e.setFlags(encode(opts))
	if opts.Shared {
		pt.pool.Ref(frame)
	}
	return nil
}

// UnmapPage removes a single page mapping, returning the frame to the pool
// (after refcounting) and pruning any intermediate table left with no
// remaining leaf entries. Fails with ErrNotMapped when no entry exists.
func (pt *PageTables) UnmapPage(vaddr uintptr) error {
	checkAligned(vaddr)
	chain, err := pt.descend(vaddr, false)
	if err != nil {
		return err
	}
	ptFrame := chain[len(chain)-1]
	tbl := asTable(pt.pool, ptFrame)
	e := &tbl[pdx(lvlPT, vaddr)]
	if !e.valid() {
		return ErrNotMapped
	}

	frame := e.frame()
	e.clear()
	if pt.pool.Unref(frame) == 0 {
		pt.pool.Free(frame)
	}

	for i := len(chain) - 1; i >= 1; i-- {
		pt.leafCount[chain[i]]--
		if pt.leafCount[chain[i]] > 0 {
			break
		}
		delete(pt.leafCount, chain[i])
		parent := asTable(pt.pool, chain[i-1])
		parent[parentIndex(i, vaddr)].clear()
		if pt.pool.Unref(chain[i]) == 0 {
			pt.pool.Free(chain[i])
		}
	}
	return nil
}

// SetPagePerms changes the permission bits of an existing mapping, leaving
// its frame and sharing state untouched. Fails with ErrNotMapped
// identically to UnmapPage.
func (pt *PageTables) SetPagePerms(vaddr uintptr, perms Perms) error {
	checkAligned(vaddr)
	chain, err := pt.descend(vaddr, false)
	if err != nil {
		return err
	}
	tbl := asTable(pt.pool, chain[len(chain)-1])
	e := &tbl[pdx(lvlPT, vaddr)]
	if !e.valid() {
		return ErrNotMapped
	}
	opts := Options{
		Perms:          perms,
		UserAccessible: e.flags()&flagUser != 0,
		Shared:         e.shared(),
	}
	e.setFlags(encode(opts))
	return nil
}

// Lookup reports the frame and permissions mapped at vaddr, if any.
func (pt *PageTables) Lookup(vaddr uintptr) (Frame, Perms, bool) {
	chain, err := pt.descend(vaddr, false)
	if err != nil {
		return 0, Perms{}, false
	}
	tbl := asTable(pt.pool, chain[len(chain)-1])
	e := &tbl[pdx(lvlPT, vaddr)]
	if !e.valid() {
		return 0, Perms{}, false
	}
	return e.frame(), decode(e.flags()), true
}

// Clone produces an independent tree. Entries mapped with Options.Shared
// keep pointing at the same frame with its pool refcount bumped; every
// other entry is eagerly duplicated, matching the "observable semantics of
// eager copy" requirement of spec.md §4.1 regardless of whether a future
// implementation switches to copy-on-write internally.
func (pt *PageTables) Clone() (*PageTables, error) {
	newRoot, err := pt.pool.Alloc()
	if err != nil {
		return nil, ErrOutOfMemory
	}
	np := &PageTables{pool: pt.pool, root: newRoot, leafCount: make(map[Frame]int)}
	if err := pt.cloneLevel(pt.root, newRoot, lvlPML4, np); err != nil {
		return nil, err
	}
	return np, nil
}

func (pt *PageTables) cloneLevel(srcFrame, dstFrame Frame, lvl int, np *PageTables) error {
	src := asTable(pt.pool, srcFrame)
	dst := asTable(pt.pool, dstFrame)
	for i := range src {
		se := &src[i]
		if !se.valid() {
			continue
		}
		de := &dst[i]
		if lvl == lvlPT {
			if se.shared() {
				np.pool.Ref(se.frame())
				de.setFrame(se.frame())
			} else {
				nf, err := np.pool.Alloc()
				if err != nil {
					return ErrOutOfMemory
				}
				copy(np.pool.Bytes(nf), pt.pool.Bytes(se.frame()))
				de.setFrame(nf)
			}
			de.setFlags(se.flags())
			np.leafCount[dstFrame]++
			continue
		}
		childDst, err := np.pool.Alloc()
		if err != nil {
			return ErrOutOfMemory
		}
		de.setFrame(childDst)
		de.setFlags(se.flags())
		if err := pt.cloneLevel(se.frame(), childDst, lvl-1, np); err != nil {
			return err
		}
		np.leafCount[dstFrame] += np.leafCount[childDst]
	}
	return nil
}
