package main

import (
	"context"
	"debug/elf"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/retr0-13/kvm-fuzz/internal/abi"
	"github.com/retr0-13/kvm-fuzz/internal/bridge"
	"github.com/retr0-13/kvm-fuzz/internal/elfview"
	"github.com/retr0-13/kvm-fuzz/internal/guest"
	"github.com/retr0-13/kvm-fuzz/internal/kvm"
	"github.com/retr0-13/kvm-fuzz/internal/platform/addrspace"
	"github.com/retr0-13/kvm-fuzz/internal/platform/pagetables"
)

const (
	userStart = 0x1000
	stackSize = 1 << 20 // 1 MiB, fixed, per spec.md's "stack" being ordinary mapped user memory.
)

// archMachine maps the -arch flag onto debug/elf's machine constant, the
// same role _examples/aibor-virtrun/internal/sys.Arch plays for its own
// -arch flag.
func archMachine(arch string) (elf.Machine, error) {
	switch arch {
	case "amd64":
		return elf.EM_X86_64, nil
	default:
		return 0, fmt.Errorf("unsupported arch %q (only amd64 is implemented)", arch)
	}
}

// Runner owns one guest process's worth of state: its address space, the
// hypercall/syscall bridges sitting on top of it, and (in -kvm mode) the
// real vCPU driving it. One Runner is built per input file, so that
// running against N inputs is N independent VMs rather than N processes
// sharing one (spec.md §5's single-vCPU model has no notion of running
// two guest binaries in the same VM at once).
type Runner struct {
	cfg *config
	log *logrus.Logger

	as         *addrspace.AddressSpace
	view       *elfview.View
	machine    *kvm.Machine
	guestMem   []byte
	marshaller *bridge.Marshaller
	sched      *guest.Scheduler
	proc       *guest.Process
	dispatch   *bridge.Dispatcher
	syscallBr  *bridge.SyscallBridge
}

// NewRunner parses the target ELF, builds its address space, maps every
// loadable segment and a fixed-size stack, and wires the bridge and
// scheduler on top. In -kvm mode the address space's frames are carved
// out of one flat guest-physical region registered with a real vCPU
// (internal/kvm.GuestFramePool); otherwise it is backed by
// internal/platform/pagetables.MmapFramePool, which is sufficient to
// validate that the binary loads and to exercise the bridge but cannot
// actually execute guest code (spec.md §1 treats the raw VM container —
// "create vCPU, set registers, run until VM-exit" — as an external
// collaborator named only by its interface; this harness does not
// reimplement the CPU-mode bootstrap, i.e. long-mode CR0/CR3/GDT setup,
// that a real guest kernel image would additionally require before
// KVM_RUN could execute anything meaningful).
func NewRunner(cfg *config, log *logrus.Logger, input string) (*Runner, error) {
	arch, err := archMachine(cfg.arch)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(cfg.binary)
	if err != nil {
		return nil, fmt.Errorf("read binary: %w", err)
	}
	view, err := elfview.Parse(data, arch)
	if err != nil {
		return nil, fmt.Errorf("parse elf: %w", err)
	}
	if view.Type() == elf.ET_DYN {
		view.SetBase(cfg.loadBase)
	}

	memSize := uint64(cfg.memoryMB) << 20
	userEnd := memSize

	r := &Runner{cfg: cfg, log: log}

	if cfg.useKVM {
		guestMem := make([]byte, memSize)
		machine, err := kvm.New(guestMem, 0)
		if err != nil {
			return nil, fmt.Errorf("create kvm machine: %w", err)
		}
		pool := kvm.NewGuestFramePool(guestMem, 0)
		as, err := addrspace.New(pool, userStart, userEnd)
		if err != nil {
			machine.Close()
			return nil, err
		}
		r.machine = machine
		r.guestMem = guestMem
		r.as = as
	} else {
		pool := pagetables.NewMmapFramePool()
		as, err := addrspace.New(pool, userStart, userEnd)
		if err != nil {
			return nil, err
		}
		r.as = as
	}
	r.view = view
	r.marshaller = bridge.NewMarshaller(r.as)

	if err := r.mapSegments(); err != nil {
		r.Close()
		return nil, err
	}
	stackTop, err := r.mapStack()
	if err != nil {
		r.Close()
		return nil, err
	}

	files, err := loadInputFiles(input)
	if err != nil {
		r.Close()
		return nil, err
	}

	argvOff, envpOff, argc, err := r.buildArgvEnvp()
	if err != nil {
		r.Close()
		return nil, err
	}

	phinfo := view.Phinfo()
	info := abi.VmInfo{
		MemBase:    userStart,
		MemLength:  userEnd - userStart,
		InitialBrk: view.InitialBrk(),
		Entry:      view.Entry(),
		Phoff:      phinfo.Offset,
		Phentsize:  phinfo.Entsize,
		Phnum:      phinfo.Num,
		Argc:       argc,
		ArgvOffset: argvOff,
		EnvpOffset: envpOff,
	}

	r.dispatch = bridge.NewDispatcher(r.marshaller, info, files, os.Stdout, log)
	r.sched = guest.New()
	r.proc = r.sched.Spawn(0, r.as)
	r.syscallBr = bridge.NewSyscallBridge(r.sched, r.marshaller)

	if r.machine != nil {
		regs, err := r.machine.GetRegs()
		if err != nil {
			r.Close()
			return nil, err
		}
		regs.RIP = view.Entry()
		regs.RSP = stackTop
		regs.RFLAGS = 0x2 // reserved bit always set, per the x86 RFLAGS layout.
		if err := r.machine.SetRegs(regs); err != nil {
			r.Close()
			return nil, err
		}
	}

	return r, nil
}

func loadInputFiles(path string) ([]bridge.FileInput, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read input file: %w", err)
	}
	return []bridge.FileInput{{Name: path, Data: data}}, nil
}

// mapSegments maps every PT_LOAD segment of the view into r.as at its
// (already base-relative) vaddr, copying file-backed bytes and
// zero-filling the bss tail (spec.md §4.3's loader-to-address-space
// contract).
func (r *Runner) mapSegments() error {
	for _, seg := range r.view.Segments() {
		if !seg.Loadable() {
			continue
		}
		lo := alignDown(seg.Vaddr)
		hi := alignUp(seg.Vaddr + seg.Memsize)
		perms := pagetables.Perms{
			Read:  seg.Flags&elf.PF_R != 0,
			Write: seg.Flags&elf.PF_W != 0,
			Exec:  seg.Flags&elf.PF_X != 0,
		}
		// Map writable first so the file-backed bytes can be copied in,
		// then drop to the segment's own permissions.
		loadPerms := perms
		loadPerms.Write = true
		if err := r.as.MapRange(lo, hi, loadPerms, addrspace.MapFlags{}); err != nil {
			return fmt.Errorf("map segment at %#x: %w", seg.Vaddr, err)
		}
		if err := r.writeSegmentData(seg); err != nil {
			return err
		}
		if err := r.as.SetRangePerms(lo, hi, perms); err != nil {
			return fmt.Errorf("protect segment at %#x: %w", seg.Vaddr, err)
		}
	}
	return nil
}

func (r *Runner) writeSegmentData(seg elfview.Segment) error {
	if len(seg.Data) == 0 {
		return nil
	}
	if err := r.marshaller.WriteRange(seg.Vaddr, seg.Data); err != nil {
		return fmt.Errorf("write segment data at %#x: %w", seg.Vaddr, err)
	}
	return nil
}

// mapStack reserves and maps a fixed-size RW stack at the top of the
// user window and returns its initial top-of-stack address.
func (r *Runner) mapStack() (uint64, error) {
	hi := alignDown(userEndFor(r.cfg))
	lo := hi - stackSize
	if err := r.as.MapRange(lo, hi, pagetables.Perms{Read: true, Write: true}, addrspace.MapFlags{}); err != nil {
		return 0, fmt.Errorf("map stack: %w", err)
	}
	return hi, nil
}

func userEndFor(cfg *config) uint64 {
	return uint64(cfg.memoryMB) << 20
}

// buildArgvEnvp writes a flat NUL-separated string table into a freshly
// mapped guest page: argv first (here always the single entry
// {binary path}, matching the conventional argv[0]), immediately
// followed by an empty envp table, and reports where each begins along
// with argc — the raw ingredients of the VmInfo record's "argv count,
// argv/envp string table offsets" (spec.md §5's VmInfo layout). The guest
// walks NUL-terminated strings from ArgvOffset for Argc entries, then
// continues from EnvpOffset until an empty string terminates envp.
func (r *Runner) buildArgvEnvp() (argvOff, envpOff, argc uint64, err error) {
	argv := []string{r.cfg.binary}
	var buf []byte
	for _, s := range argv {
		buf = append(buf, s...)
		buf = append(buf, 0)
	}
	envpOffset := uint64(len(buf))
	buf = append(buf, 0) // empty envp table: a single terminating NUL.

	addr, err := r.as.MapRangeAnywhere(pagetables.PageSize, pagetables.Perms{Read: true, Write: true}, addrspace.MapFlags{})
	if err != nil {
		return 0, 0, 0, fmt.Errorf("map argv/envp table: %w", err)
	}
	if err := r.marshaller.WriteRange(addr, buf); err != nil {
		return 0, 0, 0, fmt.Errorf("write argv/envp table: %w", err)
	}
	if err := r.as.SetRangePerms(addr, addr+pagetables.PageSize, pagetables.Perms{Read: true}); err != nil {
		return 0, 0, 0, fmt.Errorf("protect argv/envp table: %w", err)
	}
	return addr, addr + envpOffset, uint64(len(argv)), nil
}

func alignDown(v uint64) uint64 { return v &^ (pagetables.PageSize - 1) }
func alignUp(v uint64) uint64   { return alignDown(v + pagetables.PageSize - 1) }

// Close releases the runner's KVM resources, if any.
func (r *Runner) Close() {
	if r.machine != nil {
		_ = r.machine.Close()
	}
}

// RunResult is what one VM run produced, for the harness to report.
type RunResult struct {
	Outcome bridge.Outcome
	Fault   abi.FaultInfo
}

// Run drives the vCPU to completion, dispatching every hypercall
// VM-exit through the bridge (spec.md §5's "the host runs one vCPU to
// completion of the run"). It is a no-op returning RunResult{} in
// dry-run mode, since there is nothing to execute.
func (r *Runner) Run(ctx context.Context) (RunResult, error) {
	if r.machine == nil {
		return RunResult{}, nil
	}
	for {
		select {
		case <-ctx.Done():
			return RunResult{}, ctx.Err()
		default:
		}

		reason, port, _, err := r.machine.Run()
		if err != nil {
			return RunResult{}, fmt.Errorf("vcpu run: %w", err)
		}

		switch reason {
		case kvm.ExitIO:
			if port != abi.HypercallPort {
				return RunResult{}, fmt.Errorf("unexpected io port %#x", port)
			}
			regs, err := r.machine.GetRegs()
			if err != nil {
				return RunResult{}, err
			}
			hc := abi.Hypercall(regs.RAX)
			if err := r.dispatch.Dispatch(hc, &regs); err != nil {
				return RunResult{}, fmt.Errorf("dispatch %s: %w", hc, err)
			}
			if err := r.machine.SetRegs(regs); err != nil {
				return RunResult{}, err
			}
			switch r.dispatch.Outcome() {
			case bridge.OutcomeEndRun:
				return RunResult{Outcome: bridge.OutcomeEndRun}, nil
			case bridge.OutcomeFault:
				return RunResult{Outcome: bridge.OutcomeFault, Fault: r.dispatch.LastFault}, nil
			}

		case kvm.ExitHLT, kvm.ExitShutdown:
			return RunResult{Outcome: bridge.OutcomeEndRun}, nil

		default:
			return RunResult{}, fmt.Errorf("unhandled vm-exit reason %v", reason)
		}
	}
}

// runAll drives one Runner per input file, fanning out with
// golang.org/x/sync/errgroup when more than one input is given — the
// dependency-injection precedent SPEC_FULL.md's design notes call for,
// shared with _examples/google-gvisor and _examples/aibor-virtrun's own
// use of golang.org/x/sync.
func runAll(ctx context.Context, cfg *config, log *logrus.Logger) ([]RunResult, error) {
	results := make([]RunResult, len(cfg.inputs))
	g, ctx := errgroup.WithContext(ctx)
	for i, input := range cfg.inputs {
		i, input := i, input
		g.Go(func() error {
			runner, err := NewRunner(cfg, log, input)
			if err != nil {
				return fmt.Errorf("input %q: %w", input, err)
			}
			defer runner.Close()

			res, err := runner.Run(ctx)
			if err != nil {
				return fmt.Errorf("input %q: %w", input, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
