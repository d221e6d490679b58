package svm

import (
	"github.com/nmi/gosvm/cpuid"
	"github.com/nmi/gosvm/hvm"
	"github.com/nmi/gosvm/trace"
	"github.com/nmi/gosvm/vmcb"
	"github.com/nmi/gosvm/x86"
)

// verdict is the typed outcome of one dispatched exit.
type verdict int

const (
	// verdictHandled: guest state was updated, resume.
	verdictHandled verdict = iota

	// verdictTrace: nothing to do beyond accounting.
	verdictTrace

	// verdictFatal: no handler claims this exit; the machine dies.
	verdictFatal
)

// Task-switch decode bits of the second exit-info word.
const (
	taskSwitchIRET     = 1 << 36
	taskSwitchJMP      = 1 << 38
	taskSwitchHasError = 1 << 44
)

// HandleExit is the top-level trap handler, entered synchronously on
// the core the guest left. It mirrors the virtual priority register,
// classifies the exit reason, redelivers an event that was cut short by
// the trap, and either resumes the guest or terminates the machine.
func (v *VCPU) HandleExit() {
	c := v.block.VMCB()

	// The interrupt controller must see the guest's priority before
	// any interception logic consults it.
	v.APIC.SetTPR(c.VIntr.TPR() & 0x0f)

	v.Regs.RIP = c.RIP
	v.Regs.RFLAGS = c.RFLAGS
	v.Regs.RAX = c.RAX
	v.Regs.RSP = c.RSP

	code := c.ExitCode
	if code == vmcb.ExitInvalid {
		v.dumpVMCB()
		v.Crash("hardware rejected the control block")

		return
	}

	v.Trace.Event(trace.KindExit, uint64(code), c.ExitInfo1)

	// An exception mid-delivery when the trap hit must not be lost.
	if ev := c.ExitIntInfo; ev.Valid() &&
		x86.EventNeedsReinjection(ev.Type(), ev.Vector()) {
		c.EventInj = ev
	}

	if v.dispatch(code) == verdictFatal {
		v.dumpVMCB()
		v.Crash("%v: %#x info1=%#x info2=%#x",
			ErrUnexpectedExit, uint64(code), c.ExitInfo1, c.ExitInfo2)

		return
	}

	c.RIP = v.Regs.RIP
	c.RFLAGS = v.Regs.RFLAGS
	c.RAX = v.Regs.RAX
	c.RSP = v.Regs.RSP

	// Emulated writes to the priority register during this exit must
	// be visible to the hardware before re-entry.
	c.VIntr.SetTPR(v.APIC.TPR() & 0x0f)
}

func (v *VCPU) dispatch(code vmcb.ExitCode) verdict {
	c := v.block.VMCB()

	if vector, ok := code.IsException(); ok {
		return v.handleException(vector)
	}

	if code.IsDRAccess() {
		// Direct access does not re-fault through the lazy path.
		v.forceRestoreDebugRegs()

		return verdictTrace
	}

	if code.IsCRAccess() {
		return v.delegateEmulation()
	}

	switch code {
	case vmcb.ExitINTR, vmcb.ExitNMI, vmcb.ExitSMI:
		// Fully handled by the interrupt bracketing around the
		// world switch.
		v.Trace.Event(trace.KindAsync, uint64(code), 0)

		return verdictTrace

	case vmcb.ExitVINTR:
		c.VIntr.SetIRQ(false)
		c.General1Intercepts &^= vmcb.InterceptVINTR

		return verdictHandled

	case vmcb.ExitCPUID:
		return v.handleCPUID()

	case vmcb.ExitHLT:
		return v.handleHLT()

	case vmcb.ExitINVD, vmcb.ExitWBINVD:
		return v.handleCacheInvalidate()

	case vmcb.ExitINVLPG, vmcb.ExitIOIO:
		return v.delegateEmulation()

	case vmcb.ExitINVLPGA:
		return v.handleINVLPGA()

	case vmcb.ExitTaskSwitch:
		return v.handleTaskSwitch()

	case vmcb.ExitVMMCALL:
		return v.handleHypercall()

	case vmcb.ExitMSR:
		return v.handleMSR()

	case vmcb.ExitNPF:
		return v.handleNestedFault()

	case vmcb.ExitShutdown:
		v.TripleFault()

		return verdictHandled

	case vmcb.ExitVMRUN, vmcb.ExitVMLOAD, vmcb.ExitVMSAVE,
		vmcb.ExitSTGI, vmcb.ExitCLGI, vmcb.ExitSKINIT:
		// Nested virtualization instructions are always illegal
		// for a guest.
		v.InjectException(x86.TrapInvalidOp, x86.NoErrorCode, 0)

		return verdictHandled

	default:
		return verdictFatal
	}
}

// updateGuestRIP advances past the trapping instruction. A length the
// decoder could not produce, or one beyond the architectural limit, is
// an invariant violation. Advancing retires any interrupt shadow and,
// under the trap flag, surfaces the single-step exception the hardware
// skipped.
func (v *VCPU) updateGuestRIP() bool {
	length := v.Emulator.InstructionLength()
	if length == 0 || length > 15 {
		v.dumpVMCB()
		v.Crash("bad instruction length %d at rip %#x", length, v.Regs.RIP)

		return false
	}

	v.Regs.RIP += length
	v.Regs.RFLAGS &^= x86.FlagsRF
	v.block.VMCB().InterruptShadow = 0

	if v.Regs.RFLAGS&x86.FlagsTF != 0 {
		v.InjectException(x86.TrapDebug, x86.NoErrorCode, 0)
	}

	return true
}

func (v *VCPU) handleException(vector uint8) verdict {
	c := v.block.VMCB()

	switch vector {
	case x86.TrapDebug:
		if !v.DebuggerAttached {
			return verdictFatal
		}

		v.Sched.PauseForDebugger()

		return verdictHandled

	case x86.TrapInt3:
		if !v.DebuggerAttached {
			return verdictFatal
		}

		// The hardware does not advance past the breakpoint
		// instruction for this vector.
		if !v.updateGuestRIP() {
			return verdictHandled
		}

		v.Sched.PauseForDebugger()

		return verdictHandled

	case x86.TrapNoDevice:
		v.fpuEnter()

		return verdictHandled

	case x86.TrapPageFault:
		addr := c.ExitInfo2
		errorCode := uint32(c.ExitInfo1)

		// The canonical record always sees the fault before the
		// fixup decision, even when the host resolves it.
		v.Regs.ErrorCode = uint64(errorCode)
		v.Trace.Event(trace.KindPageFault, addr, uint64(errorCode))

		if v.Paging.HandleFault(addr, errorCode) {
			v.Trace.Event(trace.KindPageFaultFixed, addr, 0)

			return verdictHandled
		}

		v.InjectException(x86.TrapPageFault, int64(errorCode), addr)

		return verdictHandled

	case x86.TrapMachineCheck:
		return verdictTrace

	default:
		return verdictFatal
	}
}

func (v *VCPU) handleCPUID() verdict {
	leaf := uint32(v.Regs.RAX)

	eax, ebx, ecx, edx := v.hw.CPUID(leaf, uint32(v.Regs.RCX))

	eax, ebx, ecx, edx = cpuid.Filter(cpuid.Guest{
		APICEnabled: !v.APIC.HardwareDisabled(),
		PAEAllowed:  v.PAEAllowed,
	}, leaf, eax, ebx, ecx, edx)

	v.Regs.RAX = uint64(eax)
	v.Regs.RBX = uint64(ebx)
	v.Regs.RCX = uint64(ecx)
	v.Regs.RDX = uint64(edx)

	v.updateGuestRIP()

	return verdictHandled
}

func (v *VCPU) handleHLT() verdict {
	// Architectural requirement: the halt instruction must be
	// retired before any idling decision.
	if !v.updateGuestRIP() {
		return verdictHandled
	}

	if v.EventPending() || v.unblockedInterruptPending() {
		return verdictHandled
	}

	v.Trace.Event(trace.KindHalt, 0, 0)
	v.Sched.Halt()

	return verdictHandled
}

// unblockedInterruptPending reports whether an interrupt could be
// delivered right now: something is pending and neither the flags
// register nor an interrupt shadow blocks it. Non-maskable sources
// ignore both.
func (v *VCPU) unblockedInterruptPending() bool {
	pending := v.APIC.Pending()

	switch pending.Source {
	case hvm.IntSourceNone:
		return false
	case hvm.IntSourceNMI:
		return true
	default:
		return v.Regs.RFLAGS&x86.FlagsIF != 0 &&
			v.block.VMCB().InterruptShadow == 0
	}
}

func (v *VCPU) handleCacheInvalidate() verdict {
	if v.DevicePassthrough {
		// Devices that bypass the cache hierarchy make the
		// guest's invalidation globally meaningful.
		v.hw.WBINVDAll()
	}

	v.updateGuestRIP()

	return verdictHandled
}

// delegateEmulation hands the trapping instruction to the external
// emulator; a declined instruction surfaces as a general-protection
// fault.
func (v *VCPU) delegateEmulation() verdict {
	if !v.Emulator.Emulate() {
		v.InjectException(x86.TrapGPFault, 0, 0)
	}

	return verdictHandled
}

func (v *VCPU) handleTaskSwitch() verdict {
	c := v.block.VMCB()

	var reason hvm.TaskSwitchReason

	switch {
	case c.ExitInfo2&taskSwitchIRET != 0:
		reason = hvm.TaskSwitchIRET
	case c.ExitInfo2&taskSwitchJMP != 0:
		reason = hvm.TaskSwitchJMP
	default:
		reason = hvm.TaskSwitchCall
	}

	errorCode := int64(-1)
	if c.ExitInfo2&taskSwitchHasError != 0 {
		errorCode = int64(uint32(c.ExitInfo2))
	}

	if err := v.Tasks.Switch(uint16(c.ExitInfo1), reason, errorCode); err != nil {
		return verdictFatal
	}

	return verdictHandled
}

func (v *VCPU) handleHypercall() verdict {
	// Decode before the call. A calling instruction that cannot be
	// retired must not run.
	if length := v.Emulator.InstructionLength(); length == 0 || length > 15 {
		v.dumpVMCB()
		v.Crash("bad instruction length %d at rip %#x", length, v.Regs.RIP)

		return verdictHandled
	}

	result := v.Hypercalls.Invoke()
	if result.Preempted {
		// The guest re-executes the calling instruction.
		return verdictHandled
	}

	if !v.updateGuestRIP() {
		return verdictHandled
	}

	if result.Invalidate {
		v.Emulator.Invalidate()
	}

	return verdictHandled
}

// handleINVLPGA drops one linear translation. The shadow walker keeps
// the hardware copies coherent; a stale entry there forces a fresh
// address-space tag.
func (v *VCPU) handleINVLPGA() verdict {
	if v.Paging.InvalidatePage(v.Regs.RAX) {
		v.ASID.Invalidate()
	}

	v.updateGuestRIP()

	return verdictHandled
}

// handleNestedFault classifies a second-level translation fault.
// Emulated-I/O regions go to the emulator (declining means the access
// was architecturally illegal); RAM faults under nested paging are
// write tracking for live migration.
func (v *VCPU) handleNestedFault() verdict {
	c := v.block.VMCB()
	gpa := c.ExitInfo2

	kind, pfn := v.Paging.Translate(gpa)

	// The fault qualification doubles as the page-fault error code.
	v.Regs.ErrorCode = c.ExitInfo1

	v.Trace.Event(trace.KindNestedFault, gpa, c.ExitInfo1)

	if kind == hvm.PageMMIO {
		v.Trace.Event(trace.KindMMIO, gpa, 0)

		return v.delegateEmulation()
	}

	v.Paging.MarkDirty(pfn)

	return verdictHandled
}
