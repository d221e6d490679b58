package svm

import "github.com/nmi/gosvm/vmcb"

// SegReg names a segment or descriptor-table register stored in the
// save area.
type SegReg int

const (
	SegES SegReg = iota
	SegCS
	SegSS
	SegDS
	SegFS
	SegGS
	SegGDTR
	SegLDTR
	SegIDTR
	SegTR
)

func (v *VCPU) segField(reg SegReg) *vmcb.Segment {
	c := v.block.VMCB()

	switch reg {
	case SegES:
		return &c.ES
	case SegCS:
		return &c.CS
	case SegSS:
		return &c.SS
	case SegDS:
		return &c.DS
	case SegFS:
		return &c.FS
	case SegGS:
		return &c.GS
	case SegGDTR:
		return &c.GDTR
	case SegLDTR:
		return &c.LDTR
	case SegIDTR:
		return &c.IDTR
	case SegTR:
		return &c.TR
	default:
		return nil
	}
}

// lazySegment reports the registers whose hidden state the hardware
// defers to the VMSAVE/VMLOAD pair; the block copy is stale for them
// while the guest owns the core.
func lazySegment(reg SegReg) bool {
	switch reg {
	case SegFS, SegGS, SegTR, SegLDTR:
		return true
	default:
		return false
	}
}

// Segment reads a segment register from the save area. The stack
// segment's privilege field is overlaid with the block's CPL, which the
// hardware keeps authoritative.
func (v *VCPU) Segment(reg SegReg) vmcb.Segment {
	if lazySegment(reg) {
		v.syncVMCB()
	}

	s := *v.segField(reg)
	if reg == SegSS {
		s.SetDPL(v.block.VMCB().CPL)
	}

	return s
}

// SetSegment writes a segment register into the save area. Writing the
// stack segment recomputes the guest's privilege level from the
// descriptor. A lazy register is bracketed both ways: spilled before
// the store so the block is current, reloaded after it so the hardware
// copy does not overwrite the new value at the next spill.
func (v *VCPU) SetSegment(reg SegReg, s vmcb.Segment) {
	lazy := lazySegment(reg)
	if lazy {
		v.syncVMCB()
	}

	if reg == SegSS {
		v.block.VMCB().CPL = s.DPL()
	}

	*v.segField(reg) = s

	if lazy {
		v.flushVMCB()
	}
}
