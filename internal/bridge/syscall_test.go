package bridge

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/retr0-13/kvm-fuzz/internal/guest"
	"github.com/retr0-13/kvm-fuzz/internal/platform/addrspace"
	"github.com/retr0-13/kvm-fuzz/internal/platform/pagetables"
)

// waitAny holds guest.WaitAny in a variable so uint64(waitAny) performs a
// runtime two's-complement conversion instead of an invalid constant one.
var waitAny = guest.WaitAny

func TestSyscallDispatchExitMarksZombie(t *testing.T) {
	sched := guest.New()
	p := sched.Spawn(0, nil)
	b := NewSyscallBridge(sched, nil)

	regs := &fakeRegs{args: [6]uint64{7}}
	outcome, err := b.Dispatch(SysExit, p, regs)
	require.NoError(t, err)
	require.Equal(t, SyscallEnded, outcome)
	require.Equal(t, guest.Zombie, p.State)
	require.Equal(t, 7, p.ExitStatus)
}

func TestSyscallDispatchWait4ReapsAndWritesStatus(t *testing.T) {
	pool := pagetables.NewMmapFramePool()
	as, err := addrspace.New(pool, 0x1000, 0x10000000)
	require.NoError(t, err)
	const base = 0x400000
	require.NoError(t, as.MapRange(base, base+pagetables.PageSize, pagetables.Perms{Read: true, Write: true}, addrspace.MapFlags{}))
	m := NewMarshaller(as)

	sched := guest.New()
	parent := sched.Spawn(0, nil)
	child := sched.Spawn(parent.Pid, nil)
	sched.Exit(child, 5)

	b := NewSyscallBridge(sched, m)
	regs := &fakeRegs{args: [6]uint64{uint64(waitAny), base}}
	outcome, err := b.Dispatch(SysWait4, parent, regs)
	require.NoError(t, err)
	require.Equal(t, SyscallContinue, outcome)
	require.Equal(t, uint64(child.Pid), regs.ret)

	frame, _, _ := as.Lookup(base)
	require.Equal(t, uint32(5), leU32(as.FrameBytes(frame)[0:4]))
}

func TestSyscallDispatchWait4ParksCallerAndDeadlocks(t *testing.T) {
	sched := guest.New()
	lonely := sched.Spawn(0, nil)
	b := NewSyscallBridge(sched, nil)

	regs := &fakeRegs{args: [6]uint64{uint64(waitAny), 0}}
	outcome, err := b.Dispatch(SysWait4, lonely, regs)
	require.NoError(t, err)
	require.Equal(t, SyscallParked, outcome)

	require.Panics(t, func() {
		sched.Reschedule(lonely)
	})
}

func TestSyscallDispatchUnsupportedSyscallErrors(t *testing.T) {
	sched := guest.New()
	p := sched.Spawn(0, nil)
	b := NewSyscallBridge(sched, nil)

	_, err := b.Dispatch(999, p, &fakeRegs{})
	require.ErrorIs(t, err, ErrBadArgument)
}

func leU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
