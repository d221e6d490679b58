package svm

import (
	"github.com/nmi/gosvm/trace"
	"github.com/nmi/gosvm/vmcb"
	"github.com/nmi/gosvm/x86"
)

// InjectException queues a hardware exception for delivery at the next
// entry. errorCode is x86.NoErrorCode for vectors that push none;
// faultAddress is only meaningful for the page-fault vector.
//
// If the slot already holds a pending hardware exception the pair is
// collapsed under the architectural escalation rules; a fault arriving
// during double-fault delivery is a triple fault and terminates the
// machine.
func (v *VCPU) InjectException(vector uint8, errorCode int64, faultAddress uint64) {
	c := v.block.VMCB()

	if prev := c.EventInj; prev.Valid() && prev.Type() == x86.EventHWException {
		combined, ok := x86.CombineExceptions(prev.Vector(), vector)
		if !ok {
			v.TripleFault()

			return
		}

		vector = combined
		if vector == x86.TrapDoubleFault {
			errorCode = x86.NoErrorCode
		}
	}

	c.EventInj = vmcb.MakeEvent(x86.EventHWException, vector,
		errorCode != x86.NoErrorCode, uint32(errorCode))

	if vector == x86.TrapPageFault {
		v.GuestCR[2] = faultAddress
		c.CR2 = faultAddress
	}

	if vector == x86.TrapDebug && c.RFLAGS&x86.FlagsTF != 0 {
		// Single-stepping with inactive debug registers: the
		// hardware would not raise the step status on its own.
		v.forceRestoreDebugRegs()
		c.DR6 |= x86.DR6SingleStep
	}

	v.Trace.Event(trace.KindInject, uint64(vector), uint64(errorCode))
}

// InjectNMI queues a non-maskable interrupt.
func (v *VCPU) InjectNMI() {
	v.block.VMCB().EventInj = vmcb.MakeEvent(x86.EventNMI, x86.TrapNMI, false, 0)
	v.Trace.Event(trace.KindInject, x86.TrapNMI, 0)
}

// InjectExtInt queues an external interrupt vector.
func (v *VCPU) InjectExtInt(vector uint8) {
	v.block.VMCB().EventInj = vmcb.MakeEvent(x86.EventExtInt, vector, false, 0)
	v.Trace.Event(trace.KindInject, uint64(vector), 0)
}

// EventPending reports whether the injection slot is occupied.
func (v *VCPU) EventPending() bool {
	return v.block.VMCB().EventInj.Valid()
}

// drainPendingEvent snapshots the injection slot for persistence.
// Events whose type completes before the next entry are not snapshotted
// and stay in the slot; redeliverable ones are cleared here and
// reinstalled on restore.
func (v *VCPU) drainPendingEvent() (word uint32, errorCode uint32, ok bool) {
	c := v.block.VMCB()

	ev := c.EventInj
	if !ev.Valid() || !x86.EventNeedsReinjection(ev.Type(), ev.Vector()) {
		return 0, 0, false
	}

	c.EventInj = 0

	return ev.LowWord(), ev.ErrorCode(), true
}

// reinstallPendingEvent is the inverse of drainPendingEvent. The word
// must already have passed format validation.
func (v *VCPU) reinstallPendingEvent(word uint32, errorCode uint32) {
	ev := vmcb.EventInj(word)
	if !ev.Valid() || !x86.EventNeedsReinjection(ev.Type(), ev.Vector()) {
		return
	}

	if ev.HasErrorCode() {
		ev.SetErrorCode(errorCode)
	}

	v.block.VMCB().EventInj = ev
}

// TripleFault terminates the machine; the fault pair could not be
// expressed as any deliverable exception.
func (v *VCPU) TripleFault() {
	v.Crash("triple fault")
}
