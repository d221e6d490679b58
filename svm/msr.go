package svm

import (
	"github.com/nmi/gosvm/hvm"
	"github.com/nmi/gosvm/vmcb"
	"github.com/nmi/gosvm/x86"
)

// mcLocked is the value machine-check configuration registers report to
// guests: locked, with nothing else leaked from the host.
const mcLocked = uint64(1) << 61

// eferCaps describes which extended-feature bits this machine's guests
// may set. Nesting the virtualization extension is never offered.
func (v *VCPU) eferCaps() hvm.EFERCaps {
	return hvm.EFERCaps{
		SYSCALL:  true,
		LongMode: true,
		NX:       true,
		FFXSR:    true,
	}
}

// handleMSR distinguishes read from write by bit 0 of the first
// exit-info word. A successful access retires the instruction; a
// rejected one injects a general-protection fault and leaves the
// instruction pointer alone.
func (v *VCPU) handleMSR() verdict {
	index := uint32(v.Regs.RCX)

	if v.block.VMCB().ExitInfo1&1 == 0 {
		value, ok := v.readMSR(index)
		if !ok {
			v.InjectException(x86.TrapGPFault, 0, 0)

			return verdictHandled
		}

		v.Regs.SetMSRValue(value)
	} else {
		if !v.writeMSR(index, v.Regs.MSRValue()) {
			v.InjectException(x86.TrapGPFault, 0, 0)

			return verdictHandled
		}
	}

	v.updateGuestRIP()

	return verdictHandled
}

func (v *VCPU) readMSR(index uint32) (uint64, bool) {
	c := v.block.VMCB()

	switch index {
	case x86.MSRTSC:
		return v.Clock.GuestTSC(), true

	case x86.MSRAPICBase:
		return v.APIC.BaseMSR(), true

	case x86.MSREFER:
		return v.GuestEFER, true

	case x86.MSRMC4Misc, x86.MSRMC4Misc1, x86.MSRMC4Misc2, x86.MSRMC4Misc3:
		// Threshold registers: locked, so the guest does not try
		// to own machine-check reporting.
		return mcLocked, true

	case x86.MSRMCGCap, x86.MSRMCGStatus,
		x86.MSRMC0Status, x86.MSRMC1Status, x86.MSRMC2Status,
		x86.MSRMC3Status, x86.MSRMC4Status, x86.MSRMC5Status:
		return 0, true

	case x86.MSREBCFrequencyID:
		// Reported as zero so guests migrated from other vendors'
		// hosts do not fault probing it.
		return 0, true

	case x86.MSRDebugCtl:
		return c.DbgCtl, true

	case x86.MSRLastBranchFrom:
		return c.LastBranchFromIP, true

	case x86.MSRLastBranchTo:
		return c.LastBranchToIP, true

	case x86.MSRLastIntFrom:
		return c.LastIntFromIP, true

	case x86.MSRLastIntTo:
		return c.LastIntToIP, true

	case x86.MSRStar:
		return c.Star, true

	case x86.MSRLStar:
		return c.LStar, true

	case x86.MSRCStar:
		return c.CStar, true

	case x86.MSRSyscallMask:
		return c.SFMask, true

	case x86.MSRVMHSavePA:
		// The guest must never learn or control the core's own
		// host-save address.
		return 0, false

	default:
		if x86.IsHypervisorMSR(index) {
			return 0, true
		}

		return v.hw.ReadMSR(index)
	}
}

func (v *VCPU) writeMSR(index uint32, value uint64) bool {
	c := v.block.VMCB()

	switch index {
	case x86.MSRTSC:
		v.Clock.SetGuestTSC(value)
		v.Clock.ResetPeriodicTimers()

	case x86.MSRAPICBase:
		if err := v.APIC.SetBaseMSR(value); err != nil {
			return false
		}

	case x86.MSREFER:
		if hvm.ValidateEFER(v.eferCaps(), value) != nil {
			return false
		}

		v.GuestEFER = value
		v.UpdateGuestEFER()

	case x86.MSRMC4Misc, x86.MSRMC4Misc1, x86.MSRMC4Misc2, x86.MSRMC4Misc3,
		x86.MSRMCGCap, x86.MSRMCGStatus,
		x86.MSRMC0Status, x86.MSRMC1Status, x86.MSRMC2Status,
		x86.MSRMC3Status, x86.MSRMC4Status, x86.MSRMC5Status:
		// Machine-check state is host-owned; writes are accepted
		// and dropped.

	case x86.MSRDebugCtl:
		c.DbgCtl = value
		if value != 0 && features.LBRVirt {
			c.LBRControl |= vmcb.LBREnable

			// Branch recording is on: accesses to the record
			// registers can go straight to hardware now.
			for _, lbr := range []uint32{
				x86.MSRDebugCtl,
				x86.MSRLastBranchFrom, x86.MSRLastBranchTo,
				x86.MSRLastIntFrom, x86.MSRLastIntTo,
			} {
				v.disableMSRIntercept(lbr)
			}
		}

	case x86.MSRLastBranchFrom:
		c.LastBranchFromIP = value

	case x86.MSRLastBranchTo:
		c.LastBranchToIP = value

	case x86.MSRLastIntFrom:
		c.LastIntFromIP = value

	case x86.MSRLastIntTo:
		c.LastIntToIP = value

	// The syscall registers are normally pass-through; an emulated
	// write still needs the spill/reload bracket so the hardware's
	// live copy cannot overwrite it at the next world switch.
	case x86.MSRStar:
		v.syncVMCB()
		c.Star = value
		v.flushVMCB()

	case x86.MSRLStar:
		v.syncVMCB()
		c.LStar = value
		v.flushVMCB()

	case x86.MSRCStar:
		v.syncVMCB()
		c.CStar = value
		v.flushVMCB()

	case x86.MSRSyscallMask:
		v.syncVMCB()
		c.SFMask = value
		v.flushVMCB()

	case x86.MSRVMHSavePA:
		return false

	default:
		// Hypervisor-range and unknown registers: accepted and
		// dropped, so probing guests do not fault.
	}

	return true
}

// MSR permission map geometry: two bits per register (read then write),
// in three windows of the page.
func msrpmBit(index uint32) (uint32, bool) {
	var base uint32

	switch {
	case index <= 0x1fff:
		base = 0
	case index >= 0xc0000000 && index <= 0xc0001fff:
		base = 0x800 * 8
		index -= 0xc0000000
	case index >= 0xc0010000 && index <= 0xc0011fff:
		base = 0x1000 * 8
		index -= 0xc0010000
	default:
		return 0, false
	}

	return base + index*2, true
}

// disableMSRIntercept opens pass-through for one register, both
// directions.
func (v *VCPU) disableMSRIntercept(index uint32) {
	bit, ok := msrpmBit(index)
	if !ok {
		return
	}

	pm := v.msrpm.Bytes()
	pm[bit/8] &^= 3 << (bit % 8)
}

// MSRIntercepted reports whether guest access to the register traps.
// Registers outside the mapped ranges always trap.
func (v *VCPU) MSRIntercepted(index uint32) bool {
	bit, ok := msrpmBit(index)
	if !ok {
		return true
	}

	return v.msrpm.Bytes()[bit/8]&(3<<(bit%8)) != 0
}
