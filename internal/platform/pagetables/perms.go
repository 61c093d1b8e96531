package pagetables

// Perms is the {read, write, exec} triple from spec.md §3. Hardware has no
// independent readable bit — Present implies Read — so an all-false Perms
// passed directly in Options.Perms still decodes with Read set. Callers
// that need a genuinely inaccessible mapping must ask for it explicitly via
// Options.ProtNone, which decode reports back as Perms{}.
type Perms struct {
	Read, Write, Exec bool
}

// Options carries the mapping flags derived from Perms plus caller intent,
// applied on every page-table write (spec.md §3 "Mapping options").
type Options struct {
	Perms
	UserAccessible       bool
	ProtNone             bool
	Shared               bool
	NoExecute            bool
	DiscardAlreadyMapped bool
}

// hardware entry bits, amd64 page-table format. flagShared and
// flagProtNone occupy two of the three OS-available bits (9-11) ignored
// by the hardware walker; we use flagShared to remember, across a
// Clone, whether a leaf participates in the frame pool's refcount or
// was privately owned, and flagProtNone to mark a present-but-
// inaccessible leaf so decode can tell it apart from an ordinary
// all-false Perms{} entry (both otherwise carry the same Present bit).
const (
	flagPresent  = uintptr(1) << 0
	flagWritable = uintptr(1) << 1
	flagUser     = uintptr(1) << 2
	flagAccessed = uintptr(1) << 5
	flagDirty    = uintptr(1) << 6
	flagShared   = uintptr(1) << 9
	flagProtNone = uintptr(1) << 10
	flagNX       = uintptr(1) << 63
)

// encode converts Options into the hardware bit pattern for a leaf entry.
func encode(o Options) uintptr {
	if o.ProtNone {
		// Present-but-inaccessible: kept Present so the entry is
		// distinguishable from "no entry at all" during a page walk,
		// but with no access bits set beyond the ProtNone marker.
		return flagPresent | flagNX | flagProtNone
	}
	v := flagPresent | flagAccessed
	if o.Write {
		v |= flagWritable | flagDirty
	}
	if o.UserAccessible {
		v |= flagUser
	}
	if !o.Exec || o.NoExecute {
		v |= flagNX
	}
	if o.Shared {
		v |= flagShared
	}
	return v
}

func decode(v uintptr) Perms {
	if v&flagProtNone != 0 {
		return Perms{}
	}
	return Perms{
		Read:  v&flagPresent != 0,
		Write: v&flagWritable != 0,
		Exec:  v&flagNX == 0,
	}
}
