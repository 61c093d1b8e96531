// Package guest models the host's bookkeeping of guest processes: the
// state a blocking syscall emulation (wait4) needs to park a caller and
// resume it later, and the cooperative run-queue that picks what runs
// next (spec.md §5, "single-threaded cooperative inside one guest
// vCPU").
//
// Grounded on the wait/child-status bookkeeping of
// _examples/mit-pdos-biscuit/biscuit/src/proc/wait.go's Wait_t/wlist_t,
// adapted from a genuinely multi-threaded kernel (guarded by a mutex and
// a sync.Cond) to the single-threaded, synchronous scheduler spec.md §5
// requires: no locking, no goroutines, an explicit run-queue instead of
// blocking on a condition variable.
package guest

import "github.com/retr0-13/kvm-fuzz/internal/platform/addrspace"

// State is a guest process's scheduling state.
type State int

const (
	// Runnable processes are eligible to be selected by Scheduler.Next.
	Runnable State = iota
	// Waiting processes have parked in a blocking syscall and are not
	// resumable until their wait condition is satisfied.
	Waiting
	// Zombie processes have exited and are waiting to be reaped by
	// their parent's wait4.
	Zombie
)

// WaitAny is the pid argument meaning "any child", matching wait4(-1, ...).
const WaitAny = -1

// RegisterFrame is the parked register state a process carries while
// Waiting, so a syscall handler can write its return value on resume.
// Narrowed to the same shape as bridge.RegisterFrame (and kvm.Registers)
// without importing either, keeping the dependency edge pointing from
// bridge/kvm toward guest, not the reverse.
type RegisterFrame interface {
	HypercallArg(i int) uint64
	SetReturn(v uint64)
}

// Process is the host's record of one guest process.
type Process struct {
	Pid       int
	ParentPid int
	State     State
	AddrSpace *addrspace.AddressSpace
	Regs      RegisterFrame

	// ExitStatus is valid once State == Zombie.
	ExitStatus int

	// waitingFor is the pid argument of the wait4 call that parked this
	// process (WaitAny or a specific child pid). Only meaningful while
	// State == Waiting.
	waitingFor int
}
