package svm_test

import (
	"errors"
	"testing"

	"github.com/nmi/gosvm/hvm"
	"github.com/nmi/gosvm/vmcb"
	"github.com/nmi/gosvm/x86"
)

// run programs one exit into the control block and drives the handler.
func run(e *env, code vmcb.ExitCode, info1, info2 uint64) {
	c := e.v.VMCB()
	c.ExitCode = code
	c.ExitInfo1 = info1
	c.ExitInfo2 = info2

	e.v.HandleExit()
}

func TestHandleExitInvalidState(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	run(e, vmcb.ExitInvalid, 0, 0)

	if !e.v.Crashed {
		t.Fatal("machine survived a rejected control block")
	}
}

func TestHandleExitUnknownCode(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	run(e, vmcb.ExitFERRFreeze, 0, 0)

	if !e.v.Crashed {
		t.Fatal("machine survived an unhandled exit code")
	}
}

func TestHandleExitReinjectsInterruptedEvent(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	c := e.v.VMCB()

	c.ExitIntInfo = vmcb.MakeEvent(x86.EventExtInt, 0x41, false, 0)
	run(e, vmcb.ExitINTR, 0, 0)

	ev := c.EventInj
	if !ev.Valid() || ev.Type() != x86.EventExtInt || ev.Vector() != 0x41 {
		t.Errorf("interrupted interrupt not reinstalled, slot = %#x", uint64(ev))
	}
}

func TestHandleExitDropsCompletedTrap(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	c := e.v.VMCB()

	// A trap-class exception completes before the next entry and
	// must not be delivered twice.
	c.ExitIntInfo = vmcb.MakeEvent(x86.EventHWException, x86.TrapDebug, false, 0)
	run(e, vmcb.ExitINTR, 0, 0)

	if c.EventInj.Valid() {
		t.Errorf("completed trap redelivered, slot = %#x", uint64(c.EventInj))
	}
}

func TestHandleExitVINTR(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	c := e.v.VMCB()

	c.VIntr.SetIRQ(true)
	c.VIntr.SetTPR(0x5)
	c.General1Intercepts |= vmcb.InterceptVINTR
	run(e, vmcb.ExitVINTR, 0, 0)

	if c.VIntr.IRQ() {
		t.Error("virtual interrupt request still raised")
	}
	if c.General1Intercepts&vmcb.InterceptVINTR != 0 {
		t.Error("window intercept still armed")
	}
	if e.apic.tpr != 0x5 {
		t.Errorf("priority not mirrored to the controller: %#x", e.apic.tpr)
	}
}

func TestHandleExitCPUID(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	c := e.v.VMCB()

	c.RAX = 1
	c.RIP = 0x1000
	run(e, vmcb.ExitCPUID, 0, 0)

	if c.RIP != 0x1000+e.em.length {
		t.Errorf("RIP = %#x, want %#x", c.RIP, 0x1000+e.em.length)
	}

	// The hardware reports every feature; the filtered view must not.
	for _, bit := range []uint{9, 19, 20} {
		if e.v.Regs.RCX&(1<<bit) != 0 {
			t.Errorf("masked feature bit %d leaked to the guest", bit)
		}
	}
}

func TestHandleExitHLTIdles(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	c := e.v.VMCB()

	c.RIP = 0x2000
	run(e, vmcb.ExitHLT, 0, 0)

	if c.RIP != 0x2000+e.em.length {
		t.Errorf("halt not retired: RIP = %#x", c.RIP)
	}
	if e.sched.halts != 1 {
		t.Errorf("halts = %d, want 1", e.sched.halts)
	}
}

func TestHandleExitHLTWithPendingEvent(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.v.InjectExtInt(0x20)
	run(e, vmcb.ExitHLT, 0, 0)

	if e.sched.halts != 0 {
		t.Error("idled with an event waiting for delivery")
	}
}

func TestHandleExitHLTInterruptGating(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		source hvm.IntSource
		rflags uint64
		shadow uint64
		halts  int
	}{
		{"maskable deliverable", hvm.IntSourceLAPIC, x86.FlagsIF, 0, 0},
		{"maskable flag blocked", hvm.IntSourceLAPIC, 0, 0, 1},
		{"maskable shadow blocked", hvm.IntSourceLAPIC, x86.FlagsIF, hvm.IntShadowSTI, 1},
		{"non-maskable ignores masking", hvm.IntSourceNMI, 0, hvm.IntShadowSTI, 0},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e := newEnv(t)
			c := e.v.VMCB()

			e.apic.pending = hvm.Intack{Source: tt.source, Vector: 0x30}
			c.RFLAGS = tt.rflags
			c.InterruptShadow = tt.shadow
			run(e, vmcb.ExitHLT, 0, 0)

			if e.sched.halts != tt.halts {
				t.Errorf("halts = %d, want %d", e.sched.halts, tt.halts)
			}
		})
	}
}

func TestHandleExitCacheInvalidate(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	run(e, vmcb.ExitWBINVD, 0, 0)

	if e.hw.wbinvdAll != 0 {
		t.Error("broadcast invalidation without an assigned device")
	}

	e.v.DevicePassthrough = true
	run(e, vmcb.ExitWBINVD, 0, 0)

	if e.hw.wbinvdAll != 1 {
		t.Error("assigned device requires a real invalidation")
	}
}

func TestHandleExitDelegatesToEmulator(t *testing.T) {
	t.Parallel()

	for _, code := range []vmcb.ExitCode{
		vmcb.ExitCR0Read, vmcb.ExitCR0Write + 3, vmcb.ExitIOIO,
		vmcb.ExitINVLPG,
	} {
		code := code
		t.Run(code.String(), func(t *testing.T) {
			t.Parallel()

			e := newEnv(t)
			run(e, code, 0, 0)

			if e.em.emulated != 1 {
				t.Errorf("emulated = %d, want 1", e.em.emulated)
			}
			if e.v.VMCB().EventInj.Valid() {
				t.Error("fault injected though the emulator accepted")
			}
		})
	}
}

func TestHandleExitINVLPGA(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	c := e.v.VMCB()

	c.RIP = 0x2000
	e.v.Regs.RAX = 0x7000

	run(e, vmcb.ExitINVLPGA, 0, 0)

	if e.pg.invalidated != 1 {
		t.Errorf("invalidated pages = %d, want 1", e.pg.invalidated)
	}

	// A dropped shadow entry may still be cached under the current
	// address-space tag.
	if e.asid.invalidated != 1 {
		t.Errorf("tag invalidations = %d, want 1", e.asid.invalidated)
	}
	if c.RIP != 0x2000+e.em.length {
		t.Errorf("RIP = %#x, want %#x", c.RIP, 0x2000+e.em.length)
	}
}

func TestHandleExitEmulatorDeclines(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.em.accepts = false
	run(e, vmcb.ExitIOIO, 0, 0)

	ev := e.v.VMCB().EventInj
	if ev.Vector() != x86.TrapGPFault || !ev.HasErrorCode() || ev.ErrorCode() != 0 {
		t.Errorf("want #GP(0), got slot %#x", uint64(ev))
	}
}

func TestHandleExitDRAccess(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	c := e.v.VMCB()

	e.v.DebugRegs[0] = 0x1234
	run(e, vmcb.ExitDR0Read+7, 0, 0)

	if c.DRIntercepts != 0 {
		t.Error("debug registers still intercepted after direct access")
	}
	if e.hw.drs[0] != 0x1234 {
		t.Error("guest breakpoints not loaded into the hardware")
	}
}

func TestHandleExitTaskSwitch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		info2     uint64
		reason    hvm.TaskSwitchReason
		errorCode int64
	}{
		{"gate", 0, hvm.TaskSwitchCall, -1},
		{"iret", 1 << 36, hvm.TaskSwitchIRET, -1},
		{"jump", 1 << 38, hvm.TaskSwitchJMP, -1},
		{"fault with code", 1<<44 | 0xb, hvm.TaskSwitchCall, 0xb},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e := newEnv(t)
			run(e, vmcb.ExitTaskSwitch, 0x28, tt.info2)

			if e.tasks.calls != 1 {
				t.Fatalf("calls = %d, want 1", e.tasks.calls)
			}
			if e.tasks.selector != 0x28 {
				t.Errorf("selector = %#x, want 0x28", e.tasks.selector)
			}
			if e.tasks.reason != tt.reason {
				t.Errorf("reason = %d, want %d", e.tasks.reason, tt.reason)
			}
			if e.tasks.errorCode != tt.errorCode {
				t.Errorf("error code = %d, want %d", e.tasks.errorCode, tt.errorCode)
			}
		})
	}
}

func TestHandleExitTaskSwitchFailure(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.tasks.err = errors.New("bad tss")
	run(e, vmcb.ExitTaskSwitch, 0x28, 0)

	if !e.v.Crashed {
		t.Fatal("machine survived an impossible task switch")
	}
}

func TestHandleExitHypercall(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	c := e.v.VMCB()

	c.RIP = 0x3000
	run(e, vmcb.ExitVMMCALL, 0, 0)

	if e.hcall.calls != 1 {
		t.Fatalf("calls = %d, want 1", e.hcall.calls)
	}
	if c.RIP != 0x3000+e.em.length {
		t.Errorf("RIP = %#x, want %#x", c.RIP, 0x3000+e.em.length)
	}
}

func TestHandleExitHypercallPreempted(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	c := e.v.VMCB()

	e.hcall.result.Preempted = true
	c.RIP = 0x3000
	run(e, vmcb.ExitVMMCALL, 0, 0)

	// The call re-executes when the guest is scheduled again.
	if c.RIP != 0x3000 {
		t.Errorf("RIP advanced past a preempted call: %#x", c.RIP)
	}
}

func TestHandleExitHypercallInvalidates(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.hcall.result.Invalidate = true
	run(e, vmcb.ExitVMMCALL, 0, 0)

	if e.em.dropped != 1 {
		t.Errorf("cached emulation state not dropped: %d", e.em.dropped)
	}
}

func TestHandleExitHypercallUndecodable(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.em.length = 0

	run(e, vmcb.ExitVMMCALL, 0, 0)

	// A call that cannot be retired must never run.
	if e.hcall.calls != 0 {
		t.Errorf("calls = %d, want 0", e.hcall.calls)
	}
	if !e.v.Crashed {
		t.Error("machine kept running on an undecodable call site")
	}
}

func TestHandleExitVirtInstructionsIllegal(t *testing.T) {
	t.Parallel()

	for _, code := range []vmcb.ExitCode{
		vmcb.ExitVMRUN, vmcb.ExitVMLOAD, vmcb.ExitVMSAVE,
		vmcb.ExitSTGI, vmcb.ExitCLGI, vmcb.ExitSKINIT,
	} {
		code := code
		t.Run(code.String(), func(t *testing.T) {
			t.Parallel()

			e := newEnv(t)
			c := e.v.VMCB()

			c.RIP = 0x4000
			run(e, code, 0, 0)

			ev := c.EventInj
			if ev.Vector() != x86.TrapInvalidOp || ev.HasErrorCode() {
				t.Errorf("want #UD, got slot %#x", uint64(ev))
			}
			if c.RIP != 0x4000 {
				t.Errorf("RIP advanced past a faulting instruction: %#x", c.RIP)
			}
		})
	}
}

func TestHandleExitShutdown(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	run(e, vmcb.ExitShutdown, 0, 0)

	if !e.v.Crashed {
		t.Fatal("shutdown did not terminate the machine")
	}
}

func TestHandleExitNestedFaultMMIO(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.pg.kind = hvm.PageMMIO
	run(e, vmcb.ExitNPF, 0x4, 0xfee00000)

	if e.em.emulated != 1 {
		t.Errorf("emulated = %d, want 1", e.em.emulated)
	}
	if len(e.pg.dirty) != 0 {
		t.Error("device region marked dirty")
	}
	if e.v.Regs.ErrorCode != 0x4 {
		t.Errorf("error code = %#x, want the fault qualification", e.v.Regs.ErrorCode)
	}
}

func TestHandleExitNestedFaultRAM(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.pg.kind = hvm.PageRAM
	e.pg.pfn = 0x42
	run(e, vmcb.ExitNPF, 0x7, 0x42000)

	if len(e.pg.dirty) != 1 || e.pg.dirty[0] != 0x42 {
		t.Errorf("dirty = %v, want [0x42]", e.pg.dirty)
	}
	if e.em.emulated != 0 {
		t.Error("plain memory write sent to the emulator")
	}
	if e.v.Regs.ErrorCode != 0x7 {
		t.Errorf("error code = %#x, want the fault qualification", e.v.Regs.ErrorCode)
	}
}

func TestHandleExitPageFaultFixed(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.pg.fixesFaults = true
	run(e, vmcb.ExitException+x86.TrapPageFault, 0x2, 0xc0de000)

	if e.pg.faults != 1 {
		t.Fatalf("faults = %d, want 1", e.pg.faults)
	}
	if e.v.VMCB().EventInj.Valid() {
		t.Error("host-resolved fault still injected")
	}
	if e.v.Regs.ErrorCode != 0x2 {
		t.Errorf("error code not recorded: %#x", e.v.Regs.ErrorCode)
	}
}

func TestHandleExitPageFaultInjected(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.pg.fixesFaults = false
	run(e, vmcb.ExitException+x86.TrapPageFault, 0x2, 0xc0de000)

	ev := e.v.VMCB().EventInj
	if ev.Vector() != x86.TrapPageFault || ev.ErrorCode() != 0x2 {
		t.Fatalf("want #PF(2), got slot %#x", uint64(ev))
	}
	if e.v.GuestCR[2] != 0xc0de000 {
		t.Errorf("CR2 = %#x, want %#x", e.v.GuestCR[2], 0xc0de000)
	}
}

func TestHandleExitDebugException(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	run(e, vmcb.ExitException+x86.TrapDebug, 0, 0)

	if !e.v.Crashed {
		t.Fatal("stray debug exception did not terminate the machine")
	}

	e = newEnv(t)
	e.v.DebuggerAttached = true
	run(e, vmcb.ExitException+x86.TrapDebug, 0, 0)

	if e.sched.pauses != 1 {
		t.Errorf("pauses = %d, want 1", e.sched.pauses)
	}
}

func TestHandleExitBreakpoint(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.v.DebuggerAttached = true
	c := e.v.VMCB()

	c.RIP = 0x5000
	e.em.length = 1
	run(e, vmcb.ExitException+x86.TrapInt3, 0, 0)

	if c.RIP != 0x5001 {
		t.Errorf("breakpoint not retired: RIP = %#x", c.RIP)
	}
	if e.sched.pauses != 1 {
		t.Errorf("pauses = %d, want 1", e.sched.pauses)
	}
}

func TestHandleExitNoDevice(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	c := e.v.VMCB()

	run(e, vmcb.ExitException+x86.TrapNoDevice, 0, 0)

	if e.hw.fpuLoads != 1 {
		t.Errorf("fpu loads = %d, want 1", e.hw.fpuLoads)
	}
	if c.ExceptionIntercepts&vmcb.ExceptionIntercept(x86.TrapNoDevice) != 0 {
		t.Error("lazy trap still armed after handoff")
	}
}

func TestHandleExitMachineCheck(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	run(e, vmcb.ExitException+x86.TrapMachineCheck, 0, 0)

	if e.v.Crashed {
		t.Error("machine check terminated the machine")
	}
}

func TestUpdateGuestRIPRejectsBadLength(t *testing.T) {
	t.Parallel()

	for _, length := range []uint64{0, 16} {
		e := newEnv(t)
		e.em.length = length
		run(e, vmcb.ExitCPUID, 0, 0)

		if !e.v.Crashed {
			t.Errorf("length %d accepted", length)
		}
	}
}

func TestUpdateGuestRIPSingleStep(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	c := e.v.VMCB()

	c.RFLAGS = x86.FlagsTF
	c.InterruptShadow = hvm.IntShadowSTI
	run(e, vmcb.ExitCPUID, 0, 0)

	if c.InterruptShadow != 0 {
		t.Error("interrupt shadow survived instruction retirement")
	}
	if ev := c.EventInj; ev.Vector() != x86.TrapDebug || ev.Type() != x86.EventHWException {
		t.Errorf("single-step exception not raised, slot = %#x", uint64(ev))
	}
}
