package pagetables

import "fmt"

// check aborts the hypervisor process on an internal invariant violation.
// These are bugs in the hypervisor itself, never user-facing errors — the
// region manager and the page table must never disagree about a mapping.
func check(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf(format, args...))
	}
}
