package kvm

// Registers mirrors struct kvm_regs: the general-purpose register file
// KVM_GET_REGS/KVM_SET_REGS exchange with the host. Field layout and
// naming follow userRegs in
// _examples/google-gvisor/pkg/sentry/platform/kvm/kvm_amd64.go.
type Registers struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RSP    uint64
	RBP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFLAGS uint64
}

// HypercallArg returns the guest's SysV argument register for index i
// (0-based), matching the System V AMD64 calling convention the
// hypercall stubs in
// _examples/original_source/kernel/src/hypercalls.cpp rely on: arguments
// already sit in rdi, rsi, rdx, rcx, r8, r9 by the time the stub executes
// its port-out, exactly as they would for an ordinary function call.
func (r *Registers) HypercallArg(i int) uint64 {
	switch i {
	case 0:
		return r.RDI
	case 1:
		return r.RSI
	case 2:
		return r.RDX
	case 3:
		return r.RCX
	case 4:
		return r.R8
	case 5:
		return r.R9
	default:
		panic("hypercall argument index out of range")
	}
}

// SetReturn writes the hypercall's result into the register the guest
// stub reads it from.
func (r *Registers) SetReturn(v uint64) { r.RAX = v }
