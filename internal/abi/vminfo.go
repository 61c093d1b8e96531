package abi

import "encoding/binary"

// VmInfo offsets, in the order spec.md §6.2 enumerates the fields. Kept
// as byte offsets into a raw buffer — rather than a plain Go struct
// encoded with encoding/binary reflection — following the header package
// of _examples/google-gvisor/pkg/tcpip/header/udp.go, since the exact
// byte layout is an ABI the guest's own memory-mapped view must agree
// with bit-for-bit and Go struct layout rules give no such guarantee.
const (
	vmInfoMemBase    = 0
	vmInfoMemLength  = 8
	vmInfoInitialBrk = 16
	vmInfoEntry      = 24
	vmInfoPhoff      = 32
	vmInfoPhentsize  = 40
	vmInfoPhnum      = 48
	vmInfoArgc       = 56
	vmInfoArgvOff    = 64
	vmInfoEnvpOff    = 72

	// VmInfoSize is the fixed wire size of the record, little-endian.
	VmInfoSize = 80
)

// VmInfo is the blob the host writes in response to the GetInfo
// hypercall: everything the guest's C runtime needs to bootstrap a
// process without further host round-trips — memory extent, ELF phinfo
// triple, argv/envp layout.
type VmInfo struct {
	MemBase    uint64
	MemLength  uint64
	InitialBrk uint64
	Entry      uint64
	Phoff      uint64
	Phentsize  uint64
	Phnum      uint64
	Argc       uint64
	ArgvOffset uint64
	EnvpOffset uint64
}

// Encode writes the packed little-endian layout into buf, which must be
// at least VmInfoSize bytes.
func (v VmInfo) Encode(buf []byte) {
	le := binary.LittleEndian
	le.PutUint64(buf[vmInfoMemBase:], v.MemBase)
	le.PutUint64(buf[vmInfoMemLength:], v.MemLength)
	le.PutUint64(buf[vmInfoInitialBrk:], v.InitialBrk)
	le.PutUint64(buf[vmInfoEntry:], v.Entry)
	le.PutUint64(buf[vmInfoPhoff:], v.Phoff)
	le.PutUint64(buf[vmInfoPhentsize:], v.Phentsize)
	le.PutUint64(buf[vmInfoPhnum:], v.Phnum)
	le.PutUint64(buf[vmInfoArgc:], v.Argc)
	le.PutUint64(buf[vmInfoArgvOff:], v.ArgvOffset)
	le.PutUint64(buf[vmInfoEnvpOff:], v.EnvpOffset)
}

// DecodeVmInfo is the inverse of Encode, used by tests and by any future
// guest-side Go tooling that wants to read a VmInfo blob back.
func DecodeVmInfo(buf []byte) VmInfo {
	le := binary.LittleEndian
	return VmInfo{
		MemBase:    le.Uint64(buf[vmInfoMemBase:]),
		MemLength:  le.Uint64(buf[vmInfoMemLength:]),
		InitialBrk: le.Uint64(buf[vmInfoInitialBrk:]),
		Entry:      le.Uint64(buf[vmInfoEntry:]),
		Phoff:      le.Uint64(buf[vmInfoPhoff:]),
		Phentsize:  le.Uint64(buf[vmInfoPhentsize:]),
		Phnum:      le.Uint64(buf[vmInfoPhnum:]),
		Argc:       le.Uint64(buf[vmInfoArgc:]),
		ArgvOffset: le.Uint64(buf[vmInfoArgvOff:]),
		EnvpOffset: le.Uint64(buf[vmInfoEnvpOff:]),
	}
}
