// Package cpuid implements the masking policy applied to guest
// identification queries: features the platform cannot or will not
// virtualize are hidden from the guest regardless of what the physical
// processor reports.
package cpuid

// Leaves the filter rewrites; every other leaf passes through.
const (
	LeafFeatures    = 0x00000001
	LeafExtFeatures = 0x80000001
	LeafExtPower    = 0x80000007
	LeafSVM         = 0x8000000a
	LeafExtAddress  = 0x80000008
)

// Guest carries the per-machine knobs the filter consults.
type Guest struct {
	// APICEnabled is false once the guest has hardware-disabled its
	// local APIC, which must hide the APIC feature bit.
	APICEnabled bool

	// PAEAllowed is false for machines configured without physical
	// address extensions.
	PAEAllowed bool
}

// Filter applies the masking policy to one query result. leaf is the
// requested function; eax..edx are the raw values the processor
// returned for it.
func Filter(g Guest, leaf uint32, eax, ebx, ecx, edx uint32) (uint32, uint32, uint32, uint32) {
	switch leaf {
	case LeafFeatures:
		ecx &^= bit1Ecx(SSSE3) | bit1Ecx(SSE41) | bit1Ecx(SSE42)

	case LeafExtFeatures:
		ecx &= bit81Ecx(LAHFLM) | bit81Ecx(ALTMOVCR) | bit81Ecx(ABM) |
			bit81Ecx(SSE4A) | bit81Ecx(MISALIGNSSE) |
			bit81Ecx(PREFETCH3DNOW)

		edx &= extEdxShared | bit81Edx(SYSCALL) | bit81Edx(MP) |
			bit81Edx(NX) | bit81Edx(MMXEXT) | bit81Edx(FFXSR) |
			bit81Edx(LM)

		// Large pages under 36-bit addressing are never offered.
		edx &^= bit81Edx(PSE36)

		if !g.APICEnabled {
			edx &^= bit81Edx(APIC)
		}

		if !g.PAEAllowed {
			edx &^= bit81Edx(PAE)
		}

	case LeafExtPower, LeafSVM:
		// Power management and the virtualization extension itself
		// are host-only.
		eax, ebx, ecx, edx = 0, 0, 0, 0

	case LeafExtAddress:
		// Hide the physical core count.
		ecx &= 0xffffff00
	}

	return eax, ebx, ecx, edx
}
