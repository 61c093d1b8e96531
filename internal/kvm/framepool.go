package kvm

import (
	"github.com/retr0-13/kvm-fuzz/internal/hverr"
	"github.com/retr0-13/kvm-fuzz/internal/platform/pagetables"
)

// GuestFramePool implements pagetables.FramePool by carving 4 KiB frames
// out of a single flat guest-physical memory region instead of
// individually mmap'ing each one, so that every Frame value the page
// tables hand to KVM is a valid guest physical address usable directly in
// a KVM_SET_USER_MEMORY_REGION-backed slot. MmapFramePool (used by the
// address-space unit tests) intentionally cannot do this, since it has
// no single contiguous region to carve from.
type GuestFramePool struct {
	mem  []byte
	base uint64

	free []pagetables.Frame
	refs map[pagetables.Frame]int
	next uint64
}

// NewGuestFramePool wraps mem (page-aligned, a multiple of PageSize),
// whose guest-physical base address is base.
func NewGuestFramePool(mem []byte, base uint64) *GuestFramePool {
	return &GuestFramePool{
		mem:  mem,
		base: base,
		refs: make(map[pagetables.Frame]int),
	}
}

func (p *GuestFramePool) Alloc() (pagetables.Frame, error) {
	var f pagetables.Frame
	if n := len(p.free); n > 0 {
		f = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		if p.next+pagetables.PageSize > uint64(len(p.mem)) {
			return 0, hverr.ErrOutOfMemory
		}
		f = pagetables.Frame(p.base + p.next)
		p.next += pagetables.PageSize
	}
	for i := range p.Bytes(f) {
		p.Bytes(f)[i] = 0
	}
	p.refs[f] = 1
	return f, nil
}

func (p *GuestFramePool) Free(f pagetables.Frame) {
	if p.refs[f] != 0 {
		panic("kvm: freeing a frame with a live reference")
	}
	delete(p.refs, f)
	p.free = append(p.free, f)
}

func (p *GuestFramePool) Ref(f pagetables.Frame) { p.refs[f]++ }

func (p *GuestFramePool) Unref(f pagetables.Frame) int {
	p.refs[f]--
	n := p.refs[f]
	if n < 0 {
		panic("kvm: frame refcount went negative")
	}
	return n
}

func (p *GuestFramePool) Bytes(f pagetables.Frame) []byte {
	off := uint64(f) - p.base
	return p.mem[off : off+pagetables.PageSize]
}
