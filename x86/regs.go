// Package x86 holds the architecture constants and register types shared
// by the rest of gosvm: control-register and EFER bits, exception vectors,
// hardware event types and their combination rules.
package x86

// Regs is the general-purpose register file of a virtual CPU as seen by
// the exit handler. It mirrors the host's trap frame, not the VMCB: RAX,
// RSP and RIP live in the VMCB save area and are copied in and out around
// every world switch.
type Regs struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RSP    uint64
	RBP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFLAGS uint64

	// ErrorCode is the captured exception error code for the current
	// trap, if any. It is only meaningful inside the exit handler.
	ErrorCode uint64
}

// MSRValue assembles the EDX:EAX pair used by RDMSR/WRMSR.
func (r *Regs) MSRValue() uint64 {
	return uint64(uint32(r.RAX)) | uint64(uint32(r.RDX))<<32
}

// SetMSRValue splits v into the EDX:EAX pair used by RDMSR/WRMSR.
func (r *Regs) SetMSRValue(v uint64) {
	r.RAX = v & 0xffffffff
	r.RDX = v >> 32
}
