package cpuid

// Feature bit positions for the leaves the filter rewrites. The offsets
// follow arch/x86/include/asm/cpufeatures.h in Linux.

type (
	// F1Ecx is leaf 1 ECX.
	F1Ecx uint32
	// F81Ecx is leaf 0x80000001 ECX.
	F81Ecx uint32
	// F81Edx is leaf 0x80000001 EDX.
	F81Edx uint32
)

const (
	SSSE3 F1Ecx = 9  /* Supplemental SSE-3 */
	SSE41 F1Ecx = 19 /* SSE-4.1 */
	SSE42 F1Ecx = 20 /* SSE-4.2 */
)

const (
	LAHFLM        F81Ecx = 0 /* LAHF/SAHF in long mode */
	ALTMOVCR      F81Ecx = 4 /* LOCK MOV CR0 means MOV CR8 */
	ABM           F81Ecx = 5 /* Advanced bit manipulation (LZCNT) */
	SSE4A         F81Ecx = 6 /* SSE-4A */
	MISALIGNSSE   F81Ecx = 7 /* Misaligned SSE mode */
	PREFETCH3DNOW F81Ecx = 8 /* 3DNow prefetch instructions */
)

const (
	PAE     F81Edx = 6  /* Physical Address Extensions */
	APIC    F81Edx = 9  /* Onboard APIC */
	SYSCALL F81Edx = 11 /* SYSCALL/SYSRET */
	PSE36   F81Edx = 17 /* 36-bit PSEs */
	MP      F81Edx = 19 /* MP capable */
	NX      F81Edx = 20 /* Execute disable */
	MMXEXT  F81Edx = 22 /* AMD MMX extensions */
	FFXSR   F81Edx = 25 /* FXSAVE/FXRSTOR optimizations */
	LM      F81Edx = 29 /* Long mode */
)

func bit1Ecx(f F1Ecx) uint32 { return 1 << f }

func bit81Ecx(f F81Ecx) uint32 { return 1 << f }

func bit81Edx(f F81Edx) uint32 { return 1 << f }

// extEdxShared covers the extended-leaf EDX features that alias the
// basic leaf 1 EDX on this vendor; the rest of the whitelist is for
// features only the extended leaf reports.
const extEdxShared = 0x0183f3ff
