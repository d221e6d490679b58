package svm

import (
	"fmt"

	"github.com/nmi/gosvm/state"
	"github.com/nmi/gosvm/x86"
)

// SaveContext captures the per-CPU flat record for save/restore and
// live migration. A pending event that must be redelivered after
// restore is drained into the record; one that completes before the
// next entry is left alone.
func (v *VCPU) SaveContext() state.CPU {
	v.syncVMCB()

	c := v.block.VMCB()

	ctxt := state.CPU{
		CR0: v.GuestCR[0],
		CR2: v.GuestCR[2],
		CR3: v.GuestCR[3],
		CR4: v.GuestCR[4],

		SysenterCS:  c.SysenterCS,
		SysenterESP: c.SysenterESP,
		SysenterEIP: c.SysenterEIP,

		EFER: v.GuestEFER,

		KernGSBase: c.KernGSBase,
		Star:       c.Star,
		LStar:      c.LStar,
		CStar:      c.CStar,
		SFMask:     c.SFMask,

		TSC: v.Clock.GuestTSC(),
	}

	if word, errorCode, ok := v.drainPendingEvent(); ok {
		ctxt.PendingEvent = word
		ctxt.PendingErrorCode = errorCode
	}

	return ctxt
}

// LoadContext restores a flat record. The pending-event word is
// validated before anything is mutated; a rejected record leaves the
// virtual CPU exactly as it was.
func (v *VCPU) LoadContext(ctxt *state.CPU) error {
	if err := ctxt.ValidatePendingEvent(); err != nil {
		return fmt.Errorf("vcpu %d: %w", v.ID, err)
	}

	v.syncVMCB()

	c := v.block.VMCB()

	// ET reads as fixed on every processor with an on-chip FPU; a
	// record written by an older tool may have dropped it.
	v.GuestCR[0] = ctxt.CR0 | x86.CR0xET
	v.GuestCR[2] = ctxt.CR2
	v.GuestCR[4] = ctxt.CR4
	v.UpdateGuestCR(0)
	v.UpdateGuestCR(2)
	v.UpdateGuestCR(4)

	v.GuestEFER = ctxt.EFER
	v.UpdateGuestEFER()

	c.SysenterCS = ctxt.SysenterCS
	c.SysenterESP = ctxt.SysenterESP
	c.SysenterEIP = ctxt.SysenterEIP

	c.KernGSBase = ctxt.KernGSBase
	c.Star = ctxt.Star
	c.LStar = ctxt.LStar
	c.CStar = ctxt.CStar
	c.SFMask = ctxt.SFMask

	// The page-table root needs the translation setup recomputed
	// for the restored mode bits before it is projected.
	v.GuestCR[3] = ctxt.CR3
	v.Paging.UpdateModes()
	v.UpdateGuestCR(3)

	if v.Paging.Nested() {
		c.NPEnable = 1
		c.HCR3 = v.Paging.TableRoot()
	}

	v.Clock.SetGuestTSC(ctxt.TSC)

	v.reinstallPendingEvent(ctxt.PendingEvent, ctxt.PendingErrorCode)
	v.flushVMCB()

	return nil
}
