package guest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWait4ReapsAlreadyExitedChild(t *testing.T) {
	s := New()
	parent := s.Spawn(0, nil)
	child := s.Spawn(parent.Pid, nil)

	s.Exit(child, 7)

	status, reaped, parked := s.Wait4(parent, WaitAny)
	require.False(t, parked)
	require.Equal(t, child.Pid, reaped)
	require.Equal(t, 7, status)

	_, ok := s.Lookup(child.Pid)
	require.False(t, ok, "reaped child should be removed from the process table")
}

func TestWait4ParksWhenChildStillRunning(t *testing.T) {
	s := New()
	parent := s.Spawn(0, nil)
	s.Spawn(parent.Pid, nil)

	_, _, parked := s.Wait4(parent, WaitAny)
	require.True(t, parked)
	require.Equal(t, Waiting, parent.State)
}

func TestExitWakesWaitingParent(t *testing.T) {
	s := New()
	parent := s.Spawn(0, nil)
	child := s.Spawn(parent.Pid, nil)

	_, _, parked := s.Wait4(parent, WaitAny)
	require.True(t, parked)

	s.Exit(child, 3)
	require.Equal(t, Runnable, parent.State)

	status, reaped, parked := s.Wait4(parent, WaitAny)
	require.False(t, parked)
	require.Equal(t, child.Pid, reaped)
	require.Equal(t, 3, status)
}

func TestWait4SpecificPidIgnoresOtherChildren(t *testing.T) {
	s := New()
	parent := s.Spawn(0, nil)
	a := s.Spawn(parent.Pid, nil)
	b := s.Spawn(parent.Pid, nil)
	s.Exit(a, 1)

	_, _, parked := s.Wait4(parent, b.Pid)
	require.True(t, parked, "a has exited but caller asked specifically for b")
}

// TestWait4DeadlockReproducesDocumentedBug is spec.md §8 scenario 5:
// wait4(-1, ...) with no child process at all parks the caller, the
// scheduler has nothing else runnable, and Reschedule must panic
// "deadlock" rather than silently looping forever.
func TestWait4DeadlockReproducesDocumentedBug(t *testing.T) {
	s := New()
	lonely := s.Spawn(0, nil)

	_, _, parked := s.Wait4(lonely, WaitAny)
	require.True(t, parked)

	require.PanicsWithValue(t, "guest: deadlock: wait4 rescheduled the parked caller", func() {
		s.Reschedule(lonely)
	})
}

func TestRescheduleAdvancesToNextRunnableProcess(t *testing.T) {
	s := New()
	a := s.Spawn(0, nil)
	b := s.Spawn(0, nil)

	_, _, parked := s.Wait4(a, WaitAny)
	require.True(t, parked)

	next := s.Reschedule(a)
	require.Equal(t, b.Pid, next.Pid)
}

func TestNextRoundRobinsOverAllProcesses(t *testing.T) {
	s := New()
	a := s.Spawn(0, nil)
	b := s.Spawn(0, nil)
	c := s.Spawn(0, nil)

	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		p, ok := s.Next()
		require.True(t, ok)
		seen[p.Pid] = true
	}
	require.True(t, seen[a.Pid] && seen[b.Pid] && seen[c.Pid])
}

func TestNextOnEmptySchedulerReportsFalse(t *testing.T) {
	s := New()
	_, ok := s.Next()
	require.False(t, ok)
}
