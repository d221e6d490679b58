package vmcb

import "fmt"

// ExitCode is the reason the hardware handed control back to the host.
type ExitCode uint64

// Exit codes, as defined by the architecture. Ranged codes (control and
// debug register accesses, exceptions) are expressed as a base plus the
// register or vector number.
const (
	ExitCR0Read   ExitCode = 0x000 // through ExitCR0Read+15
	ExitCR0Write  ExitCode = 0x010 // through ExitCR0Write+15
	ExitDR0Read   ExitCode = 0x020 // through ExitDR0Read+7
	ExitDR0Write  ExitCode = 0x030 // through ExitDR0Write+7
	ExitException ExitCode = 0x040 // through ExitException+31

	ExitINTR        ExitCode = 0x060
	ExitNMI         ExitCode = 0x061
	ExitSMI         ExitCode = 0x062
	ExitINIT        ExitCode = 0x063
	ExitVINTR       ExitCode = 0x064
	ExitCR0SelWrite ExitCode = 0x065
	ExitIDTRRead    ExitCode = 0x066
	ExitGDTRRead    ExitCode = 0x067
	ExitLDTRRead    ExitCode = 0x068
	ExitTRRead      ExitCode = 0x069
	ExitIDTRWrite   ExitCode = 0x06a
	ExitGDTRWrite   ExitCode = 0x06b
	ExitLDTRWrite   ExitCode = 0x06c
	ExitTRWrite     ExitCode = 0x06d
	ExitRDTSC       ExitCode = 0x06e
	ExitRDPMC       ExitCode = 0x06f
	ExitPUSHF       ExitCode = 0x070
	ExitPOPF        ExitCode = 0x071
	ExitCPUID       ExitCode = 0x072
	ExitRSM         ExitCode = 0x073
	ExitIRET        ExitCode = 0x074
	ExitSWInt       ExitCode = 0x075
	ExitINVD        ExitCode = 0x076
	ExitPAUSE       ExitCode = 0x077
	ExitHLT         ExitCode = 0x078
	ExitINVLPG      ExitCode = 0x079
	ExitINVLPGA     ExitCode = 0x07a
	ExitIOIO        ExitCode = 0x07b
	ExitMSR         ExitCode = 0x07c
	ExitTaskSwitch  ExitCode = 0x07d
	ExitFERRFreeze  ExitCode = 0x07e
	ExitShutdown    ExitCode = 0x07f
	ExitVMRUN       ExitCode = 0x080
	ExitVMMCALL     ExitCode = 0x081
	ExitVMLOAD      ExitCode = 0x082
	ExitVMSAVE      ExitCode = 0x083
	ExitSTGI        ExitCode = 0x084
	ExitCLGI        ExitCode = 0x085
	ExitSKINIT      ExitCode = 0x086
	ExitRDTSCP      ExitCode = 0x087
	ExitICEBP       ExitCode = 0x088
	ExitWBINVD      ExitCode = 0x089
	ExitMONITOR     ExitCode = 0x08a
	ExitMWAIT       ExitCode = 0x08b
	ExitMWAITCond   ExitCode = 0x08c
	ExitNPF         ExitCode = 0x400

	// ExitInvalid means the hardware refused to enter the guest at
	// all: the control block failed its consistency checks.
	ExitInvalid ExitCode = ^ExitCode(0)
)

// IsCRAccess reports whether c is a control-register read or write.
func (c ExitCode) IsCRAccess() bool { return c <= ExitCR0Write+15 }

// IsDRAccess reports whether c is a debug-register read or write.
func (c ExitCode) IsDRAccess() bool {
	return c >= ExitDR0Read && c <= ExitDR0Write+7
}

// IsException reports whether c is an intercepted exception, and if so
// which vector.
func (c ExitCode) IsException() (uint8, bool) {
	if c >= ExitException && c < ExitException+32 {
		return uint8(c - ExitException), true
	}

	return 0, false
}

var exitNames = map[ExitCode]string{
	ExitINTR:        "intr",
	ExitNMI:         "nmi",
	ExitSMI:         "smi",
	ExitINIT:        "init",
	ExitVINTR:       "vintr",
	ExitCR0SelWrite: "cr0-sel-write",
	ExitRDTSC:       "rdtsc",
	ExitRDPMC:       "rdpmc",
	ExitCPUID:       "cpuid",
	ExitIRET:        "iret",
	ExitSWInt:       "swint",
	ExitINVD:        "invd",
	ExitPAUSE:       "pause",
	ExitHLT:         "hlt",
	ExitINVLPG:      "invlpg",
	ExitINVLPGA:     "invlpga",
	ExitIOIO:        "ioio",
	ExitMSR:         "msr",
	ExitTaskSwitch:  "task-switch",
	ExitFERRFreeze:  "ferr-freeze",
	ExitShutdown:    "shutdown",
	ExitVMRUN:       "vmrun",
	ExitVMMCALL:     "vmmcall",
	ExitVMLOAD:      "vmload",
	ExitVMSAVE:      "vmsave",
	ExitSTGI:        "stgi",
	ExitCLGI:        "clgi",
	ExitSKINIT:      "skinit",
	ExitRDTSCP:      "rdtscp",
	ExitICEBP:       "icebp",
	ExitWBINVD:      "wbinvd",
	ExitMONITOR:     "monitor",
	ExitMWAIT:       "mwait",
	ExitMWAITCond:   "mwait-cond",
	ExitNPF:         "npf",
	ExitInvalid:     "invalid",
}

func (c ExitCode) String() string {
	if name, ok := exitNames[c]; ok {
		return name
	}

	if c.IsCRAccess() {
		if c < ExitCR0Write {
			return fmt.Sprintf("cr%d-read", c)
		}

		return fmt.Sprintf("cr%d-write", c-ExitCR0Write)
	}

	if c.IsDRAccess() {
		if c < ExitDR0Write {
			return fmt.Sprintf("dr%d-read", c-ExitDR0Read)
		}

		return fmt.Sprintf("dr%d-write", c-ExitDR0Write)
	}

	if vector, ok := c.IsException(); ok {
		return fmt.Sprintf("exception-%d", vector)
	}

	return fmt.Sprintf("exitcode-%#x", uint64(c))
}
