package svm

import "github.com/nmi/gosvm/x86"

// saveDebugRegs pulls guest breakpoint state off the hardware if it is
// there, re-arming the access intercepts so the next guest touch takes
// the lazy restore path again.
func (v *VCPU) saveDebugRegs() {
	if !v.drDirty {
		return
	}

	v.drDirty = false

	c := v.block.VMCB()

	for i := 0; i < 4; i++ {
		v.DebugRegs[i] = v.hw.ReadDR(i)
	}

	v.DebugRegs[6] = c.DR6
	v.DebugRegs[7] = c.DR7

	c.DRIntercepts = ^uint32(0)
}

// restoreDebugRegs arms the hardware with guest breakpoints, but only
// when the guest actually has any enabled; an idle DR7 keeps the cheap
// intercept-everything state.
func (v *VCPU) restoreDebugRegs() {
	if v.DebugRegs[7]&x86.DR7ActiveMask == 0 {
		return
	}

	v.forceRestoreDebugRegs()
}

// forceRestoreDebugRegs loads guest debug state unconditionally, used
// when the guest accesses a debug register directly or a single-step
// exception must be reflected.
func (v *VCPU) forceRestoreDebugRegs() {
	if v.drDirty {
		return
	}

	v.drDirty = true

	c := v.block.VMCB()
	c.DRIntercepts = 0

	for i := 0; i < 4; i++ {
		v.hw.WriteDR(i, v.DebugRegs[i])
	}

	c.DR6 = v.DebugRegs[6]
	c.DR7 = v.DebugRegs[7]
}
