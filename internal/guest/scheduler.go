package guest

import "github.com/retr0-13/kvm-fuzz/internal/platform/addrspace"

// Scheduler is the single-threaded, cooperative run-queue of spec.md §5:
// "the host runs one vCPU to completion of the run ... a guest process
// yields only at a syscall." There is exactly one Scheduler per run; it
// is never accessed concurrently, so it carries no locking (spec.md §5,
// "Locking: none required internally given single-vCPU cooperative
// execution").
type Scheduler struct {
	procs   map[int]*Process
	order   []int
	pos     int
	nextPid int
}

// New returns an empty scheduler. Pids are assigned starting at 1.
func New() *Scheduler {
	return &Scheduler{procs: make(map[int]*Process), nextPid: 1}
}

// Spawn creates a new Runnable process and appends it to the scheduling
// order.
func (s *Scheduler) Spawn(parentPid int, as *addrspace.AddressSpace) *Process {
	p := &Process{Pid: s.nextPid, ParentPid: parentPid, State: Runnable, AddrSpace: as}
	s.nextPid++
	s.procs[p.Pid] = p
	s.order = append(s.order, p.Pid)
	return p
}

// Lookup returns the process with the given pid, if it still exists
// (has not been reaped).
func (s *Scheduler) Lookup(pid int) (*Process, bool) {
	p, ok := s.procs[pid]
	return p, ok
}

// Exit marks p Zombie with the given status and, if p's parent is
// parked waiting on p's pid or on WaitAny, wakes it by returning it to
// Runnable. The parent still has to call Wait4 again to actually reap
// the child's status; Exit only clears the parked state.
func (s *Scheduler) Exit(p *Process, status int) {
	p.State = Zombie
	p.ExitStatus = status
	if parent, ok := s.procs[p.ParentPid]; ok && parent.State == Waiting {
		if parent.waitingFor == WaitAny || parent.waitingFor == p.Pid {
			parent.State = Runnable
		}
	}
}

func (s *Scheduler) reap(pid int) {
	delete(s.procs, pid)
	for i, id := range s.order {
		if id == pid {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Wait4 emulates the guest's wait4(pid, ...) syscall (spec.md §4.4): if
// caller already has a Zombie child matching pid (or any child, for
// pid == WaitAny), it is reaped immediately and parked is false.
// Otherwise caller is parked (State set to Waiting) and parked is true;
// per spec.md §4.4 the handler itself must then yield to the scheduler
// via Reschedule.
//
// Wait4 deliberately does not check "does the caller have any children
// at all" before parking — spec.md §9's documented wait4 reap race is
// preserved rather than silently fixed: a caller with zero children
// parks exactly as a caller with an unready child does, and it is
// Reschedule's job to detect that nothing will ever wake it.
func (s *Scheduler) Wait4(caller *Process, pid int) (status int, reapedPid int, parked bool) {
	for _, id := range s.order {
		child, ok := s.procs[id]
		if !ok || child.ParentPid != caller.Pid || child.State != Zombie {
			continue
		}
		if pid != WaitAny && child.Pid != pid {
			continue
		}
		status, reapedPid = child.ExitStatus, child.Pid
		s.reap(child.Pid)
		return status, reapedPid, false
	}
	caller.State = Waiting
	caller.waitingFor = pid
	return 0, 0, true
}

// Next advances the round-robin cursor and returns the next process in
// scheduling order, whatever its State — this scheduler does not filter
// Waiting processes out of the run queue. That is exactly the mechanism
// by which Reschedule can observe a parked caller being handed straight
// back to itself.
func (s *Scheduler) Next() (*Process, bool) {
	if len(s.order) == 0 {
		return nil, false
	}
	s.pos = (s.pos + 1) % len(s.order)
	return s.procs[s.order[s.pos]], true
}

// Reschedule yields to the scheduler after a syscall handler has parked
// its caller. Per spec.md §4.4: "on return, if the scheduler selects
// the same process without the wait condition being satisfied, the
// bridge panics deadlock." This is the documented bug vector of §9's
// wait4 reap race, reachable whenever a caller parks with no other
// runnable process to hand control to.
func (s *Scheduler) Reschedule(parked *Process) *Process {
	next, ok := s.Next()
	if !ok {
		panic("guest: deadlock: no runnable process after park")
	}
	if next.Pid == parked.Pid && next.State == Waiting {
		panic("guest: deadlock: wait4 rescheduled the parked caller")
	}
	return next
}
