// Package addrspace ties the region manager and the hardware page-table
// engine into the single "guest address space" abstraction of spec.md
// §4.2: every range operation updates both layers together, in the order
// the spec fixes (region manager first, then page table), so a crash
// between the two always leaves the region manager as the more
// conservative of the two views.
//
// Grounded on the teacher's AddressSpace
// (_examples/aghosn-go/src/gosb/vtx/platform/vmas/memview.go), which plays
// the same role gluing MemoryRegion bookkeeping to ring0/pagetables.
// The teacher tracks regions as a typed, owner-tagged MemoryRegion list;
// we replace that with internal/platform/region's interval set, since the
// guest-process model here has no notion of region "type" (immutable /
// mutable / extensible) to preserve.
package addrspace

import (
	"errors"

	"github.com/retr0-13/kvm-fuzz/internal/hverr"
	"github.com/retr0-13/kvm-fuzz/internal/platform/pagetables"
	"github.com/retr0-13/kvm-fuzz/internal/platform/region"
)

var (
	ErrAlreadyMapped = hverr.ErrAlreadyMapped
	ErrNotMapped     = hverr.ErrNotMapped
	ErrNotUserRange  = hverr.ErrNotUserRange
	ErrOutOfMemory   = hverr.ErrOutOfMemory
)

const pageSize = pagetables.PageSize

// AddressSpace is one guest process's view of guest-virtual memory: the
// region manager's bookkeeping of what is in use, and the hardware page
// table that actually backs it.
type AddressSpace struct {
	pool    pagetables.FramePool
	regions *region.Manager
	tables  *pagetables.PageTables

	userStart, userEnd uint64
}

// New creates an empty address space over [userStart, userEnd).
func New(pool pagetables.FramePool, userStart, userEnd uint64) (*AddressSpace, error) {
	tables, err := pagetables.New(pool)
	if err != nil {
		return nil, err
	}
	return &AddressSpace{
		pool:      pool,
		regions:   region.New(userStart, userEnd),
		tables:    tables,
		userStart: userStart,
		userEnd:   userEnd,
	}, nil
}

// RootFrame exposes the underlying page table's physical root.
func (as *AddressSpace) RootFrame() pagetables.Frame { return as.tables.RootFrame() }

func alignedRange(lo, hi uint64) bool {
	return lo%pageSize == 0 && hi%pageSize == 0 && lo < hi
}

// MapFlags carries the caller-supplied half of spec.md §3's "Mapping
// options" tuple {writable, user-accessible, prot-none, shared,
// no-execute, discard-already-mapped} — the rest (writable,
// user-accessible) are derived from Perms and from this package's own
// "every guest mapping is user-accessible" convention, not exposed here.
type MapFlags struct {
	ProtNone             bool
	Shared               bool
	NoExecute            bool
	DiscardAlreadyMapped bool
}

func (f MapFlags) options(perms pagetables.Perms) pagetables.Options {
	return pagetables.Options{
		Perms:                perms,
		UserAccessible:       true,
		ProtNone:             f.ProtNone,
		Shared:               f.Shared,
		NoExecute:            f.NoExecute,
		DiscardAlreadyMapped: f.DiscardAlreadyMapped,
	}
}

// MapRange reserves [lo, hi) in the region manager and backs every page in
// it with a freshly allocated, zero-filled frame. Fails with
// ErrAlreadyMapped if any part of the range is already in use.
//
// Per spec.md §4.2's documented exception to the region-manager/page-table
// ordering invariant: if a per-page AlreadyMapped failure is what aborts
// the loop, the region manager is left reflecting the full [lo, hi) range
// as mapped — matching the Linux mmap contract the guest expects — rather
// than rolled back. Only a non-AlreadyMapped per-page failure (allocator
// exhaustion, an internal page-table error) reverts both layers to their
// entry state.
func (as *AddressSpace) MapRange(lo, hi uint64, perms pagetables.Perms, flags MapFlags) error {
	if !alignedRange(lo, hi) {
		return ErrNotUserRange
	}
	if err := as.regions.SetMapped(lo, hi); err != nil {
		return err
	}
	opts := flags.options(perms)
	for addr := lo; addr < hi; addr += pageSize {
		frame, err := as.pool.Alloc()
		if err != nil {
			as.unmapBestEffort(lo, addr)
			_ = as.regions.SetNotMapped(lo, hi)
			return ErrOutOfMemory
		}
		if err := as.tables.MapPage(uintptr(addr), frame, opts); err != nil {
			if as.pool.Unref(frame) == 0 {
				as.pool.Free(frame)
			}
			if errors.Is(err, pagetables.ErrAlreadyMapped) {
				return err
			}
			as.unmapBestEffort(lo, addr)
			_ = as.regions.SetNotMapped(lo, hi)
			return err
		}
	}
	return nil
}

// MapRangeAnywhere is MapRange with the destination chosen by the region
// manager's first-fit search instead of the caller.
func (as *AddressSpace) MapRangeAnywhere(length uint64, perms pagetables.Perms, flags MapFlags) (uint64, error) {
	if length == 0 || length%pageSize != 0 {
		return 0, ErrNotUserRange
	}
	addr, ok := as.regions.FindNotMapped(length, pageSize)
	if !ok {
		return 0, ErrOutOfMemory
	}
	if err := as.MapRange(addr, addr+length, perms, flags); err != nil {
		return 0, err
	}
	return addr, nil
}

func (as *AddressSpace) unmapBestEffort(lo, hi uint64) {
	for addr := lo; addr < hi; addr += pageSize {
		_ = as.tables.UnmapPage(uintptr(addr))
	}
}

// UnmapRange releases [lo, hi) in the region manager and then tears down
// every page in it. Fails with ErrNotMapped, changing nothing, if any page
// of the range is not currently mapped; a range that partially overlaps a
// mapping is rejected rather than trimmed. A sub-range of a larger mapping
// whose pages are all mapped is accepted.
func (as *AddressSpace) UnmapRange(lo, hi uint64) error {
	if !alignedRange(lo, hi) {
		return ErrNotUserRange
	}
	for addr := lo; addr < hi; addr += pageSize {
		if !as.regions.IsMapped(addr) {
			return ErrNotMapped
		}
	}
	if err := as.regions.SetNotMapped(lo, hi); err != nil {
		return err
	}
	for addr := lo; addr < hi; addr += pageSize {
		if err := as.tables.UnmapPage(uintptr(addr)); err != nil {
			return err
		}
	}
	return nil
}

// SetRangePerms updates the permissions of every page in an existing
// mapping without touching its contents or region-manager membership.
func (as *AddressSpace) SetRangePerms(lo, hi uint64, perms pagetables.Perms) error {
	if !alignedRange(lo, hi) {
		return ErrNotUserRange
	}
	for addr := lo; addr < hi; addr += pageSize {
		if !as.regions.IsMapped(addr) {
			return ErrNotMapped
		}
	}
	for addr := lo; addr < hi; addr += pageSize {
		if err := as.tables.SetPagePerms(uintptr(addr), perms); err != nil {
			return err
		}
	}
	return nil
}

// Lookup reports the frame and permissions backing a single guest page.
func (as *AddressSpace) Lookup(addr uint64) (pagetables.Frame, pagetables.Perms, bool) {
	return as.tables.Lookup(uintptr(addr))
}

// FrameBytes exposes the pool's bytes for a frame Lookup returned,
// satisfying internal/bridge.MemoryView.
func (as *AddressSpace) FrameBytes(f pagetables.Frame) []byte {
	return as.pool.Bytes(f)
}

// IsMapped reports whether addr is covered by a region-manager entry,
// independent of the page table. The bridge's pointer validation does not
// call it; it checks each page through Lookup.
func (as *AddressSpace) IsMapped(addr uint64) bool { return as.regions.IsMapped(addr) }

// Clone produces an independent address space: the region manager's
// interval set is deep-copied and the page table is cloned with the same
// shared/private semantics as pagetables.PageTables.Clone.
func (as *AddressSpace) Clone() (*AddressSpace, error) {
	clonedTables, err := as.tables.Clone()
	if err != nil {
		return nil, err
	}
	return &AddressSpace{
		pool:      as.pool,
		regions:   as.regions.Clone(),
		tables:    clonedTables,
		userStart: as.userStart,
		userEnd:   as.userEnd,
	}, nil
}
