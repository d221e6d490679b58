package x86

// CR0 bits.
const (
	CR0xPE = 1
	CR0xMP = (1 << 1)
	CR0xEM = (1 << 2)
	CR0xTS = (1 << 3)
	CR0xET = (1 << 4)
	CR0xNE = (1 << 5)
	CR0xWP = (1 << 16)
	CR0xAM = (1 << 18)
	CR0xNW = (1 << 29)
	CR0xCD = (1 << 30)
	CR0xPG = (1 << 31)
)

// CR4 bits.
const (
	CR4xVME        = 1
	CR4xPVI        = (1 << 1)
	CR4xTSD        = (1 << 2)
	CR4xDE         = (1 << 3)
	CR4xPSE        = (1 << 4)
	CR4xPAE        = (1 << 5)
	CR4xMCE        = (1 << 6)
	CR4xPGE        = (1 << 7)
	CR4xPCE        = (1 << 8)
	CR4xOSFXSR     = (1 << 9)
	CR4xOSXMMEXCPT = (1 << 10)
)

// CR4HostMask is the set of CR4 bits the host mandates for any guest: the
// hardware value always starts from this mask before the canonical guest
// bits are merged in.
const CR4HostMask = CR4xPAE

// EFER bits.
const (
	EFERxSCE   = 1
	EFERxLME   = (1 << 8)
	EFERxLMA   = (1 << 10)
	EFERxNXE   = (1 << 11)
	EFERxSVME  = (1 << 12)
	EFERxLMSLE = (1 << 13)
	EFERxFFXSR = (1 << 14)
)

// EFERKnownMask covers every EFER bit a guest may legitimately set; the
// rest are reserved and writing them raises #GP.
const EFERKnownMask = EFERxSCE | EFERxLME | EFERxLMA | EFERxNXE |
	EFERxSVME | EFERxLMSLE | EFERxFFXSR

// RFLAGS bits.
const (
	FlagsTF = (1 << 8)
	FlagsIF = (1 << 9)
	FlagsVM = (1 << 17)
	FlagsRF = (1 << 16)
)

// DR7ActiveMask covers the breakpoint-enable bits of DR7. Debug registers
// 0-3 only need restoring when one of these is set.
const DR7ActiveMask = 0xff

// DR6SingleStep is the BS bit of DR6, set when a debug exception was
// caused by single stepping.
const DR6SingleStep = 0x4000

// Model-specific registers intercepted or emulated by the core.
const (
	MSRTSC            = 0x00000010
	MSRAPICBase       = 0x0000001b
	MSRMCGCap         = 0x00000179
	MSRMCGStatus      = 0x0000017a
	MSRDebugCtl       = 0x000001d9
	MSRLastBranchFrom = 0x000001db
	MSRLastBranchTo   = 0x000001dc
	MSRLastIntFrom    = 0x000001dd
	MSRLastIntTo      = 0x000001de
	MSREBCFrequencyID = 0x0000002c
	MSRMC0Status      = 0x00000401
	MSRMC1Status      = 0x00000405
	MSRMC2Status      = 0x00000409
	MSRMC3Status      = 0x0000040d
	MSRMC4Status      = 0x00000411
	MSRMC5Status      = 0x00000415
	MSRMC4Misc        = 0x00000413
	MSREFER           = 0xc0000080
	MSRStar           = 0xc0000081
	MSRLStar          = 0xc0000082
	MSRCStar          = 0xc0000083
	MSRSyscallMask    = 0xc0000084
	MSRVMCR           = 0xc0010114
	MSRVMHSavePA      = 0xc0010117
	MSRMC4Misc1       = 0xc0000408
	MSRMC4Misc2       = 0xc0000409
	MSRMC4Misc3       = 0xc000040a
)

// VMCRSVMEDisable is the VM_CR bit BIOSes use to lock out the
// virtualization extension.
const VMCRSVMEDisable = (1 << 4)

// Hypervisor-reserved MSR range. Reads in this range are safe and return
// zero; writes are accepted and dropped.
const (
	MSRHypervisorBase = 0x40000000
	MSRHypervisorMask = 0xffffff00
)

// IsHypervisorMSR reports whether idx falls in the hypervisor-reserved
// MSR range.
func IsHypervisorMSR(idx uint32) bool {
	return idx&MSRHypervisorMask == MSRHypervisorBase
}
