// Package hverr holds the domain-level error sentinels shared across the
// hypervisor's core (spec.md §7). These are ordinary Go errors returned to
// callers — never panicked — so that a fuzzing harness driving the
// hypervisor gets deterministic, inspectable failures instead of crashes.
//
// Internal-bug conditions (region-manager/page-table disagreement) are a
// different class and are not represented here: they abort the process via
// panic, because they indicate the hypervisor itself is broken, not that
// the guest did something disallowed.
package hverr

import "errors"

var (
	// ErrAlreadyMapped is returned by page-table and address-space
	// operations that require an unmapped destination.
	ErrAlreadyMapped = errors.New("already mapped")
	// ErrNotMapped is returned when an operation targets a page or
	// range that has no mapping.
	ErrNotMapped = errors.New("not mapped")
	// ErrNotUserRange is returned when an address or range falls
	// outside the configured user window.
	ErrNotUserRange = errors.New("not a user range")
	// ErrOutOfMemory is returned when the frame pool cannot satisfy an
	// allocation.
	ErrOutOfMemory = errors.New("out of memory")
	// ErrBadAddress is a bridge-level marshalling failure: a guest
	// pointer failed the host's validity check.
	ErrBadAddress = errors.New("bad guest address")
	// ErrBadArgument is a bridge-level marshalling failure for a
	// malformed (not necessarily address) argument.
	ErrBadArgument = errors.New("bad argument")
	// ErrElfInvalid names the loader's acceptance-check failure. The
	// loader in internal/elfview reports rejections with its own
	// sentinels (ErrNotELF, ErrMachine, ...), which do not wrap this one.
	ErrElfInvalid = errors.New("invalid elf file")
	// ErrNoChild names the "no child matching the requested pid"
	// condition. The wait4 emulation (guest.Scheduler.Wait4) does not
	// return it: a caller with no matching child is parked instead.
	ErrNoChild = errors.New("no child process")
)
