package svm

import "unsafe"

// Hardware is the privileged-instruction surface the control path
// drives. The production implementation is the thin assembly layer at
// the bottom of the hypervisor binary; tests substitute a deterministic
// fake. Every method executes on the calling core.
type Hardware interface {
	// CoreID identifies the calling physical core.
	CoreID() int

	// CPUID executes the identification instruction.
	CPUID(leaf, sub uint32) (eax, ebx, ecx, edx uint32)

	// ReadEFER and WriteEFER access the core's own extended-feature
	// register, not a guest's.
	ReadEFER() uint64
	WriteEFER(uint64)

	// ReadMSR and WriteMSR access host model-specific registers.
	// The bool is false when the register does not exist, which for
	// a guest-initiated access becomes a general-protection fault.
	ReadMSR(index uint32) (uint64, bool)
	WriteMSR(index uint32, value uint64) bool

	// ReadDR and WriteDR access the hardware debug registers.
	ReadDR(n int) uint64
	WriteDR(n int, value uint64)

	// VMSave and VMLoad run the paired instructions that move the
	// lazily-switched hidden state between the core and the control
	// block at pa.
	VMSave(pa uint64)
	VMLoad(pa uint64)

	// VirtToPhys translates a host virtual address for the fields
	// the hardware is programmed with.
	VirtToPhys(p unsafe.Pointer) uint64

	// ClearDataSegments zeroes DS and ES before entering the guest;
	// the hardware consistency checks require it.
	ClearDataSegments()

	// SetHostISTs installs (true) or removes (false) the
	// interrupt-stack-table assignments for the double-fault,
	// non-maskable-interrupt and machine-check vectors. They are
	// unusable while a guest task register is installed.
	SetHostISTs(on bool)

	// LoadFPU makes the floating-point unit usable with the current
	// guest's context; SaveFPU commits that context back to memory.
	LoadFPU()
	SaveFPU()

	// WBINVD writes back and invalidates the calling core's caches;
	// WBINVDAll broadcasts the same to every core.
	WBINVD()
	WBINVDAll()
}
