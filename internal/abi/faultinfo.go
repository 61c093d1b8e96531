package abi

import "encoding/binary"

const (
	faultInfoKind    = 0
	faultInfoRip     = 8
	faultInfoAddress = 16
	faultInfoExtra   = 24
	// FaultInfoSize is the fixed wire size of the record, little-endian.
	// Kind is stored as a full uint64 rather than the logical uint32 so
	// every field lands on an 8-byte boundary, matching how the C++
	// kernel's FaultInfo struct would be padded by its compiler.
	FaultInfoSize = 32
)

// FaultInfo is the payload the guest hands back via the Fault hypercall
// (spec.md §6.2) when it cannot continue: what kind of fault, where, and
// at what address.
type FaultInfo struct {
	Kind            FaultKind
	FaultingRip     uint64
	FaultingAddress uint64
	Extra           uint64
}

func (f FaultInfo) Encode(buf []byte) {
	le := binary.LittleEndian
	le.PutUint64(buf[faultInfoKind:], uint64(f.Kind))
	le.PutUint64(buf[faultInfoRip:], f.FaultingRip)
	le.PutUint64(buf[faultInfoAddress:], f.FaultingAddress)
	le.PutUint64(buf[faultInfoExtra:], f.Extra)
}

func DecodeFaultInfo(buf []byte) FaultInfo {
	le := binary.LittleEndian
	return FaultInfo{
		Kind:            FaultKind(le.Uint64(buf[faultInfoKind:])),
		FaultingRip:     le.Uint64(buf[faultInfoRip:]),
		FaultingAddress: le.Uint64(buf[faultInfoAddress:]),
		Extra:           le.Uint64(buf[faultInfoExtra:]),
	}
}
