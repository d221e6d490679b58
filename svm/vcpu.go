package svm

import (
	"fmt"
	"log"
	"sync/atomic"

	"github.com/nmi/gosvm/hvm"
	"github.com/nmi/gosvm/trace"
	"github.com/nmi/gosvm/vmcb"
	"github.com/nmi/gosvm/x86"
)

// noCore is the last-core marker of a virtual CPU that has never run.
const noCore = -1

// Config wires a virtual CPU to its collaborators. All fields are
// required.
type Config struct {
	Paging     hvm.Paging
	Emulator   hvm.Emulator
	APIC       hvm.InterruptController
	Hypercalls hvm.HypercallHandler
	Tasks      hvm.TaskSwitcher
	Clock      hvm.Clock
	ASID       hvm.ASID
	Sched      hvm.Scheduler
}

// VCPU is one virtual CPU: its control block, the canonical state that
// is projected into it, and the lazy-synchronization flags tracking
// which hardware state currently holds guest values.
type VCPU struct {
	ID int

	hw    Hardware
	block *vmcb.Block
	msrpm *vmcb.Block

	Paging     hvm.Paging
	Emulator   hvm.Emulator
	APIC       hvm.InterruptController
	Hypercalls hvm.HypercallHandler
	Tasks      hvm.TaskSwitcher
	Clock      hvm.Clock
	ASID       hvm.ASID
	Sched      hvm.Scheduler

	Trace *trace.Recorder

	// Regs mirrors the trap frame during dispatch; RIP, RFLAGS, RAX
	// and RSP are synchronized with the control block around every
	// exit.
	Regs x86.Regs

	// GuestCR holds the guest's own view of CR0..CR4; the block
	// carries the projected values.
	GuestCR   [5]uint64
	GuestEFER uint64

	// DebugRegs 0-3 are breakpoints, 6-7 status and control; 4 and
	// 5 are unused aliases.
	DebugRegs [8]uint64

	// DebuggerAttached is the externally owned debugger latch;
	// intercept state follows it edge-triggered at resume.
	DebuggerAttached bool

	// DevicePassthrough marks machines with devices that bypass the
	// cache hierarchy, requiring invalidations to be broadcast.
	DevicePassthrough bool

	// PAEAllowed is a per-machine configuration knob consulted by
	// the identification-query policy.
	PAEAllowed bool

	// Crashed is set when a fatal invariant violation terminates
	// the machine; the dispatch loop is never entered again.
	Crashed bool

	lastCore    int
	inSync      bool
	fpuDirtied  bool
	drDirty     bool
	sawDebugger bool
	tlbGen      uint64
}

// Create allocates and initializes the virtual CPU's control block and
// MSR permission map. A failed allocation aborts creation and leaves
// nothing to clean up.
func Create(id int, hw Hardware, cfg Config) (*VCPU, error) {
	block, err := vmcb.Alloc()
	if err != nil {
		return nil, fmt.Errorf("vcpu %d: control block: %w", id, err)
	}

	msrpm, err := vmcb.Alloc()
	if err != nil {
		_ = block.Free()

		return nil, fmt.Errorf("vcpu %d: msr permission map: %w", id, err)
	}

	v := &VCPU{
		ID:         id,
		hw:         hw,
		block:      block,
		msrpm:      msrpm,
		Paging:     cfg.Paging,
		Emulator:   cfg.Emulator,
		APIC:       cfg.APIC,
		Hypercalls: cfg.Hypercalls,
		Tasks:      cfg.Tasks,
		Clock:      cfg.Clock,
		ASID:       cfg.ASID,
		Sched:      cfg.Sched,
		PAEAllowed: true,
		lastCore:   noCore,

		// Caught up with flushes issued before the CPU existed.
		tlbGen: atomic.LoadUint64(&tlbGeneration),
	}

	v.Trace, _ = trace.New(nil)
	v.initVMCB()

	return v, nil
}

// Destroy releases the virtual CPU's hardware pages. Called exactly
// once, after the CPU can no longer run.
func (v *VCPU) Destroy() error {
	if err := v.block.Free(); err != nil {
		return fmt.Errorf("vcpu %d: %w", v.ID, err)
	}

	if err := v.msrpm.Free(); err != nil {
		return fmt.Errorf("vcpu %d: %w", v.ID, err)
	}

	return nil
}

// initVMCB programs the hardware defaults: which instructions,
// exceptions and register accesses trap, and where the permission maps
// live. The zeroed save area is the architectural reset state.
func (v *VCPU) initVMCB() {
	c := v.block.VMCB()

	c.General1Intercepts = vmcb.InterceptINTR | vmcb.InterceptNMI |
		vmcb.InterceptSMI | vmcb.InterceptINIT |
		vmcb.InterceptCPUID | vmcb.InterceptINVD |
		vmcb.InterceptHLT | vmcb.InterceptINVLPG |
		vmcb.InterceptINVLPGA | vmcb.InterceptIOIO |
		vmcb.InterceptMSR | vmcb.InterceptTaskSwitch |
		vmcb.InterceptShutdown

	c.General2Intercepts = vmcb.InterceptVMRUN | vmcb.InterceptVMMCALL |
		vmcb.InterceptVMLOAD | vmcb.InterceptVMSAVE |
		vmcb.InterceptSTGI | vmcb.InterceptCLGI |
		vmcb.InterceptSKINIT | vmcb.InterceptWBINVD

	// All debug-register accesses trap until the lazy restore path
	// hands the registers to the guest.
	c.DRIntercepts = ^uint32(0)

	c.ExceptionIntercepts = vmcb.ExceptionIntercept(x86.TrapNoDevice) |
		vmcb.ExceptionIntercept(x86.TrapMachineCheck)

	if v.Paging.Nested() {
		c.NPEnable = 1
		c.HCR3 = v.Paging.TableRoot()
	} else {
		// Software-walked tables reflect every guest page fault
		// to the host first, and mov-to-CR0 may change paging
		// invariants.
		c.ExceptionIntercepts |= vmcb.ExceptionIntercept(x86.TrapPageFault)
		c.CRIntercepts = vmcb.CRInterceptRead(3) | vmcb.CRInterceptWrite(3)
	}

	// Every MSR traps until emulation selectively opens pass-through.
	pm := v.msrpm.Bytes()
	for i := range pm {
		pm[i] = 0xff
	}

	// The syscall registers live in the save area and travel with the
	// VMSAVE/VMLOAD pair; trapping them would route writes around the
	// hardware's live copy.
	for _, msr := range []uint32{
		x86.MSRStar, x86.MSRLStar, x86.MSRCStar, x86.MSRSyscallMask,
	} {
		v.disableMSRIntercept(msr)
	}

	c.MSRPMBasePA = v.hw.VirtToPhys(v.msrpm.Addr())
}

// VMCB exposes the control block for the platform layers that read or
// program it directly (restore, debuggers, the scheduler's entry stub).
func (v *VCPU) VMCB() *vmcb.VMCB { return v.block.VMCB() }

func (v *VCPU) blockPA() uint64 { return v.hw.VirtToPhys(v.block.Addr()) }

// isCurrent reports whether this virtual CPU's lazy hardware state owns
// the calling core.
func (v *VCPU) isCurrent() bool {
	cs := cores[v.hw.CoreID()]

	return cs != nil && cs.current == v
}

// syncVMCB forces the hardware to spill the lazily-held hidden segment
// state into the block, so reads observe current values. Only needed
// while this virtual CPU owns the core.
func (v *VCPU) syncVMCB() {
	if !v.isCurrent() || v.inSync {
		return
	}

	v.inSync = true
	v.hw.VMSave(v.blockPA())
}

// flushVMCB pushes block-held lazy state back into the hardware after a
// host-side write, the inverse of syncVMCB.
func (v *VCPU) flushVMCB() {
	if !v.isCurrent() {
		return
	}

	v.hw.VMLoad(v.blockPA())
}

// Crash terminates the machine after a host-invariant violation. The
// raw diagnostic record is emitted before the verdict so the exit that
// killed the machine is always reconstructible.
func (v *VCPU) Crash(format string, args ...interface{}) {
	v.Crashed = true
	log.Printf("vcpu %d: machine crashed: %s", v.ID, fmt.Sprintf(format, args...))
	v.Trace.Event(trace.KindCrash, uint64(v.block.VMCB().ExitCode), 0)
}

// dumpVMCB logs the control-block fields needed to diagnose a fatal
// exit.
func (v *VCPU) dumpVMCB() {
	c := v.block.VMCB()

	log.Printf("vcpu %d: exitcode=%#x (%v) info1=%#x info2=%#x exitintinfo=%#x",
		v.ID, uint64(c.ExitCode), c.ExitCode, c.ExitInfo1, c.ExitInfo2,
		uint64(c.ExitIntInfo))
	log.Printf("vcpu %d: rip=%#x rflags=%#x cr0=%#x cr3=%#x cr4=%#x efer=%#x cpl=%d",
		v.ID, c.RIP, c.RFLAGS, c.CR0, c.CR3, c.CR4, c.EFER, c.CPL)
	log.Printf("vcpu %d: eventinj=%#x intshadow=%#x asid=%d",
		v.ID, uint64(c.EventInj), c.InterruptShadow, c.GuestASID)
}
