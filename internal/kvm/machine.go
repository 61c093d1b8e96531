package kvm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ExitReason classifies why KVM_RUN returned control to the host. Only
// the subset relevant to spec.md §5 (a single I/O-port-triggered VM-exit
// path) is enumerated; every other KVM exit reason is surfaced as
// ExitOther so the caller's run loop can stop on it with an error.
type ExitReason uint32

const (
	ExitUnknown ExitReason = iota
	ExitIO
	ExitHLT
	ExitShutdown
	ExitOther
)

// kvmExitIO mirrors the io member of the kvm_run union for KVM_EXIT_IO.
type kvmExitIO struct {
	direction  uint8
	size       uint8
	port       uint16
	count      uint32
	dataOffset uint64
}

const (
	kvmExitReasonIO       = 2
	kvmExitReasonHLT      = 5
	kvmExitReasonShutdown = 8

	// Byte offsets, inside the mmap'd struct kvm_run, of the exit_reason
	// field and of the exit-specific union (where kvmExitIO lives).
	exitReasonOffset = 8
	ioUnionOffset    = 32
)

// Machine owns one VM file descriptor and its single vCPU, per spec.md
// §3's single-vCPU cooperative scheduling model.
type Machine struct {
	kvmFD  int
	vmFD   int
	vcpuFD int

	runData   []byte
	guestMem  []byte
	guestPhys uint64
}

// New opens /dev/kvm, creates a VM and its one vCPU, and registers
// guestMem (host-allocated, page-aligned) as the guest's entire physical
// address space starting at guestPhys.
func New(guestMem []byte, guestPhys uint64) (*Machine, error) {
	kvmFD, err := unix.Open("/dev/kvm", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %w", err)
	}

	vmFDu, err := ioctl(kvmFD, kvmCreateVM, 0)
	if err != nil {
		unix.Close(kvmFD)
		return nil, fmt.Errorf("create vm: %w", err)
	}
	vmFD := int(vmFDu)

	if err := setUserMemoryRegion(vmFD, 0, guestPhys, guestMem); err != nil {
		unix.Close(vmFD)
		unix.Close(kvmFD)
		return nil, err
	}

	vcpuFDu, err := ioctl(vmFD, kvmCreateVCPU, 0)
	if err != nil {
		unix.Close(vmFD)
		unix.Close(kvmFD)
		return nil, fmt.Errorf("create vcpu: %w", err)
	}
	vcpuFD := int(vcpuFDu)

	mmapSize, err := ioctl(kvmFD, kvmGetVCPUMMapSize, 0)
	if err != nil {
		unix.Close(vcpuFD)
		unix.Close(vmFD)
		unix.Close(kvmFD)
		return nil, fmt.Errorf("get vcpu mmap size: %w", err)
	}

	runData, err := unix.Mmap(vcpuFD, 0, int(mmapSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(vcpuFD)
		unix.Close(vmFD)
		unix.Close(kvmFD)
		return nil, fmt.Errorf("mmap vcpu run struct: %w", err)
	}

	return &Machine{
		kvmFD:     kvmFD,
		vmFD:      vmFD,
		vcpuFD:    vcpuFD,
		runData:   runData,
		guestMem:  guestMem,
		guestPhys: guestPhys,
	}, nil
}

// kvmUserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type kvmUserspaceMemoryRegion struct {
	slot          uint32
	flags         uint32
	guestPhysAddr uint64
	memorySize    uint64
	userspaceAddr uint64
}

func setUserMemoryRegion(vmFD int, slot uint32, guestPhys uint64, mem []byte) error {
	region := kvmUserspaceMemoryRegion{
		slot:          slot,
		guestPhysAddr: guestPhys,
		memorySize:    uint64(len(mem)),
		userspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}
	_, err := ioctl(vmFD, kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(&region)))
	if err != nil {
		return fmt.Errorf("set user memory region: %w", err)
	}
	return nil
}

// Close releases every resource associated with the machine.
func (m *Machine) Close() error {
	_ = unix.Munmap(m.runData)
	_ = unix.Close(m.vcpuFD)
	_ = unix.Close(m.vmFD)
	return unix.Close(m.kvmFD)
}

// GetRegs reads the vCPU's current general-purpose register file.
func (m *Machine) GetRegs() (Registers, error) {
	var regs Registers
	_, err := ioctl(m.vcpuFD, kvmGetRegs, uintptr(unsafe.Pointer(&regs)))
	if err != nil {
		return Registers{}, fmt.Errorf("get regs: %w", err)
	}
	return regs, nil
}

// SetRegs writes back a (possibly mutated) register file before resuming
// the vCPU.
func (m *Machine) SetRegs(regs Registers) error {
	_, err := ioctl(m.vcpuFD, kvmSetRegs, uintptr(unsafe.Pointer(&regs)))
	if err != nil {
		return fmt.Errorf("set regs: %w", err)
	}
	return nil
}

// Run executes the vCPU until the next VM-exit and reports why it
// stopped. For ExitIO, Port and IOData identify the I/O-port instruction
// that caused the exit (spec.md §5's single hypercall trigger point).
func (m *Machine) Run() (reason ExitReason, port uint16, ioData []byte, err error) {
	if _, err = ioctl(m.vcpuFD, kvmRun, 0); err != nil {
		return ExitUnknown, 0, nil, fmt.Errorf("kvm run: %w", err)
	}

	rawReason := *(*uint32)(unsafe.Pointer(&m.runData[exitReasonOffset]))
	switch rawReason {
	case kvmExitReasonIO:
		io := (*kvmExitIO)(unsafe.Pointer(&m.runData[ioUnionOffset]))
		size := int(io.size) * int(io.count)
		data := m.runData[io.dataOffset : io.dataOffset+uint64(size)]
		return ExitIO, io.port, data, nil
	case kvmExitReasonHLT:
		return ExitHLT, 0, nil, nil
	case kvmExitReasonShutdown:
		return ExitShutdown, 0, nil, nil
	default:
		return ExitOther, 0, nil, nil
	}
}

// GuestBytes returns a byte slice over guest physical memory starting at
// physAddr, for translating a guest physical address into host-directly
// addressable bytes. The bridge's marshaller does not go through it; it
// reaches frame bytes through the address space's FrameBytes.
func (m *Machine) GuestBytes(physAddr uint64, length uint64) ([]byte, bool) {
	if physAddr < m.guestPhys {
		return nil, false
	}
	off := physAddr - m.guestPhys
	if off+length > uint64(len(m.guestMem)) {
		return nil, false
	}
	return m.guestMem[off : off+length], true
}
