// Package bridge implements the hypercall/syscall bridge from spec.md
// §4.4-4.5 and §6: the dispatch table frozen in internal/abi, argument
// marshalling that validates every guest pointer against the process's
// address space before it is dereferenced, and the syscall bridge's
// register-frame parking contract for blocking syscalls.
//
// Grounded on the teacher's kvmSyscallHandler
// (_examples/aghosn-go/src/gosb/vtx/platform/kvm/gosb_handler.go), which
// plays the identical role of reading the faulting vCPU's registers,
// classifying the exit, and returning a result that the run loop turns
// into guest-visible state. We replace its syscall-passthrough body
// (`syscall.RawSyscall6`, directly executing the guest's requested
// syscall on the host) with per-hypercall handlers, since spec.md §4.4
// requires the host to retain authority over the guest's view of the
// world rather than transparently proxy it.
package bridge

import (
	"fmt"

	"github.com/retr0-13/kvm-fuzz/internal/hverr"
	"github.com/retr0-13/kvm-fuzz/internal/platform/pagetables"
)

var ErrBadAddress = hverr.ErrBadAddress
var ErrBadArgument = hverr.ErrBadArgument

// MemoryView is the minimal surface the marshaller needs: validate a
// guest virtual address against the page table, and turn a present frame
// into host bytes. kvm.GuestFramePool's frames and
// pagetables.MmapFramePool's frames both satisfy FrameBytes identically,
// so the same marshaller works against a real KVM-backed process and
// against an in-memory test double. Declared narrowly here (rather than
// importing addrspace/kvm directly) so the dependency arrow points from
// kvm/addrspace toward bridge, not the other way around.
type MemoryView interface {
	Lookup(addr uint64) (pagetables.Frame, pagetables.Perms, bool)
	FrameBytes(f pagetables.Frame) []byte
}

// Marshaller validates guest pointers and strings before the bridge's
// handlers touch them, per spec.md §4.4: "Every guest pointer is
// validated by the host against the process's address space before
// dereference: user-range, readable/writable as appropriate, not
// straddling unmapped pages."
type Marshaller struct {
	mem MemoryView
}

func NewMarshaller(mem MemoryView) *Marshaller {
	return &Marshaller{mem: mem}
}

const pageSize = pagetables.PageSize

// forEachPage walks the pages covering [addr, addr+length), validating
// permissions and invoking fn with the in-page byte window backing each
// one. A violation anywhere in the range aborts before fn is called for
// that page.
func (m *Marshaller) forEachPage(addr, length uint64, write bool, fn func(pageBytes []byte, offInPage int, n int)) error {
	if length == 0 {
		return nil
	}
	remaining := length
	cur := addr
	for remaining > 0 {
		frame, perms, ok := m.mem.Lookup(cur &^ (pageSize - 1))
		if !ok {
			return fmt.Errorf("%w: %#x not mapped", ErrBadAddress, cur)
		}
		if write && !perms.Write {
			return fmt.Errorf("%w: %#x not writable", ErrBadAddress, cur)
		}
		if !write && !perms.Read {
			return fmt.Errorf("%w: %#x not readable", ErrBadAddress, cur)
		}
		offInPage := int(cur & (pageSize - 1))
		n := pageSize - offInPage
		if uint64(n) > remaining {
			n = int(remaining)
		}
		fn(m.mem.FrameBytes(frame), offInPage, n)
		cur += uint64(n)
		remaining -= uint64(n)
	}
	return nil
}

// ReadRange validates and copies out [addr, addr+length) of guest memory.
func (m *Marshaller) ReadRange(addr, length uint64) ([]byte, error) {
	out := make([]byte, length)
	pos := 0
	err := m.forEachPage(addr, length, false, func(pageBytes []byte, off, n int) {
		copy(out[pos:pos+n], pageBytes[off:off+n])
		pos += n
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// WriteRange validates [addr, addr+len(data)) and copies data into it.
func (m *Marshaller) WriteRange(addr uint64, data []byte) error {
	pos := 0
	return m.forEachPage(addr, uint64(len(data)), true, func(pageBytes []byte, off, n int) {
		copy(pageBytes[off:off+n], data[pos:pos+n])
		pos += n
	})
}

// CheckRange validates [addr, addr+length) without transferring any
// bytes, for callers that only need to know a range is safe to touch.
func (m *Marshaller) CheckRange(addr, length uint64, write bool) error {
	return m.forEachPage(addr, length, write, func([]byte, int, int) {})
}

// ReadCString reads a NUL-terminated string starting at addr, capped at
// maxLen bytes (spec.md §4.4: "Strings are length-bounded at a documented
// cap").
func (m *Marshaller) ReadCString(addr uint64, maxLen int) (string, error) {
	buf, err := m.ReadRange(addr, uint64(maxLen))
	if err != nil {
		return "", err
	}
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i]), nil
		}
	}
	return "", fmt.Errorf("%w: unterminated string at %#x (cap %d)", ErrBadArgument, addr, maxLen)
}
