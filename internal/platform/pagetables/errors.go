package pagetables

import "github.com/retr0-13/kvm-fuzz/internal/hverr"

// Re-exported for callers that only ever touch this package; the
// underlying sentinels live in hverr so every layer of the hypervisor
// compares against the same values.
var (
	ErrAlreadyMapped = hverr.ErrAlreadyMapped
	ErrNotMapped     = hverr.ErrNotMapped
	ErrOutOfMemory   = hverr.ErrOutOfMemory
)
