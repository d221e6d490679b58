package svm

import (
	"sync/atomic"

	"github.com/nmi/gosvm/trace"
	"github.com/nmi/gosvm/vmcb"
	"github.com/nmi/gosvm/x86"
)

// fpuEnter hands the floating-point unit to the guest on first use
// after a world switch: load its context, stop trapping the no-device
// exception, and drop the forced task-switched bit if the guest's own
// CR0 does not want it.
func (v *VCPU) fpuEnter() {
	v.hw.LoadFPU()
	v.fpuDirtied = true

	c := v.block.VMCB()
	c.ExceptionIntercepts &^= vmcb.ExceptionIntercept(x86.TrapNoDevice)

	if v.GuestCR[0]&x86.CR0xTS == 0 {
		c.CR0 &^= x86.CR0xTS
	}
}

// fpuLeave commits guest floating-point context back to memory when it
// was used, and re-arms the lazy trap for the next tenant of the unit.
func (v *VCPU) fpuLeave() {
	if !v.fpuDirtied {
		return
	}

	v.hw.SaveFPU()
	v.fpuDirtied = false

	c := v.block.VMCB()
	if c.CR0&x86.CR0xTS == 0 {
		c.ExceptionIntercepts |= vmcb.ExceptionIntercept(x86.TrapNoDevice)
		c.CR0 |= x86.CR0xTS
	}
}

// SwitchFrom leaves guest context on the calling core: lazy state is
// committed, the hidden guest state is spilled into the block, and the
// core's root block plus host interrupt stacks become authoritative
// again. Always paired with SwitchTo by the scheduler.
func (v *VCPU) SwitchFrom() {
	v.fpuLeave()
	v.saveDebugRegs()

	cs := cores[v.hw.CoreID()]

	// An in-sync block already holds everything the hardware would
	// spill.
	if !v.inSync {
		v.inSync = true
		v.hw.VMSave(v.blockPA())
	}

	v.hw.VMLoad(cs.rootPA(v.hw))
	v.hw.SetHostISTs(true)

	cs.current = nil
}

// SwitchTo enters guest context on the calling core.
func (v *VCPU) SwitchTo() {
	// The hardware consistency checks reject stale host selectors,
	// and the interrupt stacks are unusable under the guest's task
	// register.
	v.hw.ClearDataSegments()
	v.hw.SetHostISTs(false)

	v.restoreDebugRegs()

	cs := cores[v.hw.CoreID()]

	v.hw.VMSave(cs.rootPA(v.hw))
	v.hw.VMLoad(v.blockPA())
	v.inSync = false

	cs.current = v
}

// DoResume runs immediately before every guest entry: it tracks the
// debugger latch edge, detects core migration, and mirrors the task
// priority into the hardware-visible field.
func (v *VCPU) DoResume() {
	c := v.block.VMCB()

	if v.DebuggerAttached != v.sawDebugger {
		v.sawDebugger = v.DebuggerAttached

		mask := vmcb.ExceptionIntercept(x86.TrapDebug) |
			vmcb.ExceptionIntercept(x86.TrapInt3)
		if v.DebuggerAttached {
			c.ExceptionIntercepts |= mask
		} else {
			c.ExceptionIntercepts &^= mask
		}
	}

	if core := v.hw.CoreID(); v.lastCore != core {
		v.lastCore = core

		// Cached translations tagged for the old core are stale.
		v.ASID.Invalidate()
		v.Sched.MigrateTimers()
		v.Trace.Event(trace.KindMigration, uint64(core), 0)
	}

	if gen := atomic.LoadUint64(&tlbGeneration); v.tlbGen != gen {
		v.tlbGen = gen
		v.ASID.Invalidate()
	}

	c.VIntr.SetTPR(v.APIC.TPR() & 0x0f)
}
