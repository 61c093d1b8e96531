package bridge

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/retr0-13/kvm-fuzz/internal/abi"
)

// RegisterFrame is the subset of a vCPU's register file the bridge needs:
// read the platform SysV argument registers, write the return value.
// kvm.Registers satisfies this; declaring it here (rather than importing
// kvm) keeps the dependency edge pointing from kvm toward bridge, not the
// other way around.
type RegisterFrame interface {
	HypercallArg(i int) uint64
	SetReturn(v uint64)
}

// Outcome reports what the dispatcher's caller (the vCPU run loop) should
// do after a hypercall returns.
type Outcome int

const (
	OutcomeContinue Outcome = iota
	OutcomeEndRun
	OutcomeFault
)

// FileInput is one host-side file-backed input surfaced to the guest via
// GetFileLen/GetFileName/SetFileBuf (spec.md §6).
type FileInput struct {
	Name string
	Data []byte
}

// Dispatcher owns the state the hypercall handlers need beyond the
// current register frame: the address-space-backed marshaller, the
// VmInfo blob to hand back on GetInfo, the file-backed input set, and
// where Print output goes.
type Dispatcher struct {
	marshaller *Marshaller
	info       abi.VmInfo
	files      []FileInput

	Out io.Writer
	Log *logrus.Logger

	LastFault abi.FaultInfo
	outcome   Outcome
}

func NewDispatcher(marshaller *Marshaller, info abi.VmInfo, files []FileInput, out io.Writer, log *logrus.Logger) *Dispatcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dispatcher{marshaller: marshaller, info: info, files: files, Out: out, Log: log}
}

// Outcome reports the terminal state reached by the most recent
// Dispatch call, or OutcomeContinue if the run should keep going.
func (d *Dispatcher) Outcome() Outcome { return d.outcome }

// VmInfo returns the blob GetInfo hands to the guest, for callers that
// need to inspect what was wired in (e.g. tests asserting the loader
// populated it correctly) without going through a hypercall round-trip.
func (d *Dispatcher) VmInfo() abi.VmInfo { return d.info }

// Dispatch executes one hypercall, reading arguments from regs and
// writing any return value back into it, per spec.md §6's frozen
// register convention.
func (d *Dispatcher) Dispatch(hc abi.Hypercall, regs RegisterFrame) error {
	switch hc {
	case abi.HypercallTest:
		return d.hcTest(regs)
	case abi.HypercallPrint:
		return d.hcPrint(regs)
	case abi.HypercallGetMemInfo:
		return d.hcGetMemInfo(regs)
	case abi.HypercallGetKernelBrk:
		return d.hcGetKernelBrk(regs)
	case abi.HypercallGetInfo:
		return d.hcGetInfo(regs)
	case abi.HypercallGetFileLen:
		return d.hcGetFileLen(regs)
	case abi.HypercallGetFileName:
		return d.hcGetFileName(regs)
	case abi.HypercallSetFileBuf:
		return d.hcSetFileBuf(regs)
	case abi.HypercallFault:
		return d.hcFault(regs)
	case abi.HypercallPrintStacktrace:
		return d.hcPrintStacktrace(regs)
	case abi.HypercallEndRun:
		d.outcome = OutcomeEndRun
		return nil
	default:
		return fmt.Errorf("%w: unknown hypercall %d", ErrBadArgument, hc)
	}
}

func (d *Dispatcher) hcTest(regs RegisterFrame) error {
	d.Log.WithField("arg", regs.HypercallArg(0)).Debug("hypercall: test")
	regs.SetReturn(0)
	return nil
}

func (d *Dispatcher) hcPrint(regs RegisterFrame) error {
	s, err := d.marshaller.ReadCString(regs.HypercallArg(0), abi.PrintLineBufferSize)
	if err != nil {
		return d.fault(abi.FaultBadAddress, 0, regs.HypercallArg(0))
	}
	if d.Out != nil {
		io.WriteString(d.Out, s)
	}
	regs.SetReturn(0)
	return nil
}

func (d *Dispatcher) hcGetMemInfo(regs RegisterFrame) error {
	startPtr := regs.HypercallArg(0)
	lengthPtr := regs.HypercallArg(1)
	if err := d.writeU64(startPtr, d.info.MemBase); err != nil {
		return d.fault(abi.FaultBadAddress, 0, startPtr)
	}
	if err := d.writeU64(lengthPtr, d.info.MemLength); err != nil {
		return d.fault(abi.FaultBadAddress, 0, lengthPtr)
	}
	regs.SetReturn(0)
	return nil
}

func (d *Dispatcher) hcGetKernelBrk(regs RegisterFrame) error {
	regs.SetReturn(d.info.InitialBrk)
	return nil
}

func (d *Dispatcher) hcGetInfo(regs RegisterFrame) error {
	ptr := regs.HypercallArg(0)
	buf := make([]byte, abi.VmInfoSize)
	d.info.Encode(buf)
	if err := d.marshaller.WriteRange(ptr, buf); err != nil {
		return d.fault(abi.FaultBadAddress, 0, ptr)
	}
	regs.SetReturn(0)
	return nil
}

func (d *Dispatcher) hcGetFileLen(regs RegisterFrame) error {
	n := regs.HypercallArg(0)
	if n >= uint64(len(d.files)) {
		regs.SetReturn(^uint64(0)) // -1
		return nil
	}
	regs.SetReturn(uint64(len(d.files[n].Data)))
	return nil
}

func (d *Dispatcher) hcGetFileName(regs RegisterFrame) error {
	n := regs.HypercallArg(0)
	ptr := regs.HypercallArg(1)
	if n >= uint64(len(d.files)) {
		regs.SetReturn(^uint64(0))
		return nil
	}
	name := d.files[n].Name
	if len(name) >= abi.FileNameCap {
		name = name[:abi.FileNameCap-1]
	}
	buf := append([]byte(name), 0)
	if err := d.marshaller.WriteRange(ptr, buf); err != nil {
		return d.fault(abi.FaultBadAddress, 0, ptr)
	}
	regs.SetReturn(0)
	return nil
}

func (d *Dispatcher) hcSetFileBuf(regs RegisterFrame) error {
	n := regs.HypercallArg(0)
	ptr := regs.HypercallArg(1)
	if n >= uint64(len(d.files)) {
		return fmt.Errorf("%w: file index %d out of range", ErrBadArgument, n)
	}
	data := d.files[n].Data
	if err := d.marshaller.WriteRange(ptr, data); err != nil {
		return d.fault(abi.FaultBadAddress, 0, ptr)
	}
	regs.SetReturn(0)
	return nil
}

func (d *Dispatcher) hcFault(regs RegisterFrame) error {
	ptr := regs.HypercallArg(0)
	buf, err := d.marshaller.ReadRange(ptr, abi.FaultInfoSize)
	if err != nil {
		return d.fault(abi.FaultBadAddress, 0, ptr)
	}
	d.LastFault = abi.DecodeFaultInfo(buf)
	d.outcome = OutcomeFault
	return nil
}

func (d *Dispatcher) hcPrintStacktrace(regs RegisterFrame) error {
	rsp, rip := regs.HypercallArg(0), regs.HypercallArg(1)
	d.Log.WithFields(logrus.Fields{"rsp": fmt.Sprintf("%#x", rsp), "rip": fmt.Sprintf("%#x", rip)}).
		Info("hypercall: print stacktrace")
	regs.SetReturn(0)
	return nil
}

// fault records a bridge-originated fault (a marshalling failure, not a
// guest-reported one via the Fault hypercall) and turns it into an
// OutcomeFault, matching spec.md §7: "BadAddress ... surfaced to the
// host run as a Fault if the faulting context is kernel."
func (d *Dispatcher) fault(kind abi.FaultKind, rip, addr uint64) error {
	d.LastFault = abi.FaultInfo{Kind: kind, FaultingRip: rip, FaultingAddress: addr}
	d.outcome = OutcomeFault
	return nil
}

func (d *Dispatcher) writeU64(ptr uint64, v uint64) error {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	return d.marshaller.WriteRange(ptr, buf[:])
}
