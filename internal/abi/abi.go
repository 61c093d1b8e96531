// Package abi defines the frozen wire contract between host and guest
// from spec.md §5-6: the hypercall dispatch numbers, and the packed
// VmInfo/FaultInfo record layouts that must be byte-identical on both
// sides. Nothing here may change shape without breaking every guest
// binary built against it — that is the point of pulling it into its own
// package with no dependency on the rest of the hypervisor.
//
// The dispatch numbers are copied verbatim, in order, from the guest
// kernel's own enum in
// _examples/original_source/kernel/src/hypercalls.cpp; the host and
// guest must agree on these values or every hypercall silently dispatches
// to the wrong handler.
package abi

// Hypercall identifies a bridge operation. Values are load-bearing: they
// are what the guest stub puts in the result register before the
// port-out that triggers the VM-exit.
type Hypercall uint64

const (
	HypercallTest Hypercall = iota
	HypercallPrint
	HypercallGetMemInfo
	HypercallGetKernelBrk
	HypercallGetInfo
	HypercallGetFileLen
	HypercallGetFileName
	HypercallSetFileBuf
	HypercallFault
	HypercallPrintStacktrace
	HypercallEndRun
)

func (h Hypercall) String() string {
	switch h {
	case HypercallTest:
		return "Test"
	case HypercallPrint:
		return "Print"
	case HypercallGetMemInfo:
		return "GetMemInfo"
	case HypercallGetKernelBrk:
		return "GetKernelBrk"
	case HypercallGetInfo:
		return "GetInfo"
	case HypercallGetFileLen:
		return "GetFileLen"
	case HypercallGetFileName:
		return "GetFileName"
	case HypercallSetFileBuf:
		return "SetFileBuf"
	case HypercallFault:
		return "Fault"
	case HypercallPrintStacktrace:
		return "PrintStacktrace"
	case HypercallEndRun:
		return "EndRun"
	default:
		return "Unknown"
	}
}

// HypercallPort is the I/O port number the guest stub writes to trigger a
// VM-exit; the host's vCPU run loop matches VM-exits on this port before
// treating the full rax value as a dispatch number.
const HypercallPort = 16

// PrintLineBufferSize is the guest-side line buffer's capacity, including
// the NUL terminator, per spec.md §5's print-buffering requirement. It is
// part of the observable ABI: it fixes how many Print hypercalls a given
// run of guest output produces.
const PrintLineBufferSize = 1024

// FileNameCap bounds a GetFileName write; the host never writes more than
// this many bytes (including NUL) into the guest buffer.
const FileNameCap = 256

// FaultKind classifies why a guest run ended abnormally.
type FaultKind uint32

const (
	FaultRead FaultKind = iota
	FaultWrite
	FaultExec
	FaultUncategorized
	FaultBadAddress
	FaultBadArgument
	FaultAssertFailed
)

func (k FaultKind) String() string {
	switch k {
	case FaultRead:
		return "Read"
	case FaultWrite:
		return "Write"
	case FaultExec:
		return "Exec"
	case FaultUncategorized:
		return "Uncategorized"
	case FaultBadAddress:
		return "BadAddress"
	case FaultBadArgument:
		return "BadArgument"
	case FaultAssertFailed:
		return "AssertFailed"
	default:
		return "Unknown"
	}
}
