package svm

import (
	"github.com/nmi/gosvm/hvm"
	"github.com/nmi/gosvm/x86"
)

// UpdateGuestCR projects the canonical value of control register cr
// into the block, applying the enforcement rules that keep the chosen
// paging mode safe.
func (v *VCPU) UpdateGuestCR(cr int) {
	c := v.block.VMCB()

	switch cr {
	case 0:
		value := v.GuestCR[0]

		if value&x86.CR0xTS == 0 {
			if !v.isCurrent() {
				// Lazy FPU: keep the unit trapping until
				// this CPU actually runs here and uses it.
				value |= x86.CR0xTS
			} else if c.CR0&x86.CR0xTS != 0 {
				v.fpuEnter()
			}
		}

		if !v.Paging.Nested() {
			// Software-walked tables require the guest to run
			// with paging on and supervisor writes checked.
			value |= x86.CR0xPG | x86.CR0xWP
		}

		c.CR0 = value

	case 2:
		c.CR2 = v.GuestCR[2]

	case 3:
		if v.Paging.Nested() {
			c.CR3 = v.GuestCR[3]
		} else {
			c.CR3 = v.Paging.TableRoot()
		}

		v.ASID.Invalidate()

	case 4:
		value := uint64(x86.CR4HostMask)
		if v.Paging.Nested() {
			value &^= x86.CR4xPAE
		}

		c.CR4 = value | v.GuestCR[4]
	}
}

// UpdateGuestEFER projects the canonical extended-feature register. The
// virtualization-enable bit is always forced on (the hardware requires
// it for a runnable block) and long-mode enable follows the activity
// bit instead of the guest's raw value.
func (v *VCPU) UpdateGuestEFER() {
	value := (v.GuestEFER | x86.EFERxSVME) &^ x86.EFERxLME
	if v.GuestEFER&x86.EFERxLMA != 0 {
		value |= x86.EFERxLME
	}

	v.block.VMCB().EFER = value
}

// Guest execution modes, by operand width where that is what differs.
const (
	ModeReal = 0
	ModeVM86 = 1
	Mode16   = 2
	Mode32   = 4
	Mode64   = 8
)

// GuestMode derives the current execution mode from projected state.
func (v *VCPU) GuestMode() int {
	c := v.block.VMCB()

	switch {
	case v.GuestCR[0]&x86.CR0xPE == 0:
		return ModeReal
	case c.RFLAGS&x86.FlagsVM != 0:
		return ModeVM86
	case v.GuestEFER&x86.EFERxLMA != 0 && c.CS.LongMode():
		return Mode64
	case c.CS.DefaultBig():
		return Mode32
	default:
		return Mode16
	}
}

// InterruptShadow reports the pending-delivery shadow. The hardware
// keeps one combined flag; the platform view distinguishes STI from
// MOV-SS, so a set flag reports both.
func (v *VCPU) InterruptShadow() uint64 {
	if v.block.VMCB().InterruptShadow != 0 {
		return hvm.IntShadowSTI | hvm.IntShadowMOVSS
	}

	return 0
}

// SetInterruptShadow folds the platform's shadow bits into the single
// hardware flag.
func (v *VCPU) SetInterruptShadow(mask uint64) {
	if mask&(hvm.IntShadowSTI|hvm.IntShadowMOVSS) != 0 {
		v.block.VMCB().InterruptShadow = 1
	} else {
		v.block.VMCB().InterruptShadow = 0
	}
}

// SetTSCOffset programs the guest/host time-stamp delta.
func (v *VCPU) SetTSCOffset(offset uint64) {
	v.block.VMCB().TSCOffset = offset
}
