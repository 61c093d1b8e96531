package pagetables

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// PageSize is the fixed guest-frame and page-table-entry granularity.
const PageSize = 0x1000

// Frame is a guest physical frame address. It is always page-aligned.
type Frame uintptr

// FramePool is the abstract frame allocator the page-table engine is built
// on. The real backing store (how guest physical memory is actually
// provided to the hardware virtualization container) is treated as an
// external collaborator — callers may swap in whatever pool fits their
// container; MmapFramePool below is the pool used when none is supplied.
type FramePool interface {
	// Alloc returns a zero-filled frame.
	Alloc() (Frame, error)
	// Free returns a frame to the pool. The caller must have already
	// dropped the refcount to zero.
	Free(Frame)
	// Ref increments the sharing refcount of a frame.
	Ref(Frame)
	// Unref decrements the sharing refcount, returning the value after
	// the decrement. A page is only returned to the pool by the caller
	// once this reaches zero.
	Unref(Frame) int
	// Bytes exposes the raw frame contents for the page-table engine to
	// zero or copy; implementations must keep this pointer valid until
	// Free is called.
	Bytes(Frame) []byte
}

// MmapFramePool allocates guest frames from anonymous, private mmap'd
// memory. It is the concrete pool used standalone and in tests; a real
// vCPU container is expected to supply one backed by its own guest
// physical memory region instead.
type MmapFramePool struct {
	refs map[Frame]int
}

// NewMmapFramePool returns an empty pool.
func NewMmapFramePool() *MmapFramePool {
	return &MmapFramePool{refs: make(map[Frame]int)}
}

func (p *MmapFramePool) Alloc() (Frame, error) {
	b, err := unix.Mmap(-1, 0, PageSize, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return 0, fmt.Errorf("pagetables: allocating frame: %w", err)
	}
	f := Frame(uintptrOf(b))
	p.refs[f] = 1
	return f, nil
}

func (p *MmapFramePool) Free(f Frame) {
	check(p.refs[f] == 0, "freeing frame %x with non-zero refcount", f)
	delete(p.refs, f)
	_ = unix.Munmap(bytesOf(f))
}

func (p *MmapFramePool) Ref(f Frame) {
	p.refs[f]++
}

func (p *MmapFramePool) Unref(f Frame) int {
	p.refs[f]--
	check(p.refs[f] >= 0, "refcount underflow for frame %x", f)
	return p.refs[f]
}

func (p *MmapFramePool) Bytes(f Frame) []byte {
	return bytesOf(f)
}
