package bridge

import (
	"encoding/binary"
	"fmt"

	"github.com/retr0-13/kvm-fuzz/internal/guest"
)

// Linux x86-64 syscall numbers for the small subset of in-guest ABI
// emulation this bridge implements (spec.md §4.4's "parallel dispatcher,
// sharing the same argument-register convention" as the hypercall
// table). These are part of the stable x86-64 Linux syscall ABI rather
// than a convention either this codebase or the teacher invented, so —
// like internal/kvm's ioctl numbers — they are reproduced directly
// rather than grounded on an in-pack file.
const (
	SysExit      = 60
	SysWait4     = 61
	SysExitGroup = 231
)

// SyscallOutcome reports what the run loop should do after Dispatch
// returns.
type SyscallOutcome int

const (
	// SyscallContinue means the caller's result register has been set
	// and it may resume immediately.
	SyscallContinue SyscallOutcome = iota
	// SyscallParked means the caller has been parked by the scheduler
	// (spec.md §4.4: "a handler that parks the caller MUST set a
	// waiting state before yielding to the scheduler") — the run loop
	// must call Scheduler.Reschedule before running anything else.
	SyscallParked
	// SyscallEnded means the caller exited.
	SyscallEnded
)

// SyscallBridge is the "parallel dispatcher" of spec.md §4.4: a small
// set of in-guest Linux syscalls turned into host-handled calls against
// a guest.Scheduler, sharing the hypercall bridge's argument-register
// convention and pointer marshalling.
type SyscallBridge struct {
	sched      *guest.Scheduler
	marshaller *Marshaller
}

func NewSyscallBridge(sched *guest.Scheduler, marshaller *Marshaller) *SyscallBridge {
	return &SyscallBridge{sched: sched, marshaller: marshaller}
}

// Dispatch executes one syscall for caller. Handlers return a signed
// status written into the result register on resume (spec.md §4.4);
// Wait4's SyscallParked return leaves the result register untouched;
// rescheduling does not write it. The result is written by a later
// SysWait4 dispatch for the same caller that finds a child to reap.
func (b *SyscallBridge) Dispatch(nr uint64, caller *guest.Process, regs RegisterFrame) (SyscallOutcome, error) {
	switch nr {
	case SysExit, SysExitGroup:
		status := int(int32(regs.HypercallArg(0)))
		b.sched.Exit(caller, status)
		return SyscallEnded, nil

	case SysWait4:
		return b.wait4(caller, regs)

	default:
		return SyscallContinue, fmt.Errorf("%w: unsupported syscall %d", ErrBadArgument, nr)
	}
}

func (b *SyscallBridge) wait4(caller *guest.Process, regs RegisterFrame) (SyscallOutcome, error) {
	pid := int(int32(regs.HypercallArg(0)))
	wstatusPtr := regs.HypercallArg(1)

	status, reapedPid, parked := b.sched.Wait4(caller, pid)
	if parked {
		return SyscallParked, nil
	}
	if wstatusPtr != 0 {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(int32(status)))
		if err := b.marshaller.WriteRange(wstatusPtr, buf[:]); err != nil {
			return SyscallContinue, err
		}
	}
	regs.SetReturn(uint64(reapedPid))
	return SyscallContinue, nil
}
