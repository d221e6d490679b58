// Package insn answers instruction-geometry questions about guest code:
// how many bytes the instruction at a given address occupies. The
// hardware does not report a next-instruction pointer for intercepted
// instructions, so the exit handlers need the length to advance past
// them.
package insn

import (
	"golang.org/x/arch/x86/x86asm"
)

// MaxLength is the architectural limit on instruction encoding; any
// computed length above it means the decode went wrong.
const MaxLength = 15

// Length returns the byte length of the first instruction in code,
// decoded for the given mode (16, 32 or 64). It returns 0 when the
// bytes do not form a valid instruction.
func Length(code []byte, mode int) uint64 {
	if n := virtLength(code); n != 0 {
		return n
	}

	inst, err := x86asm.Decode(code, mode)
	if err != nil || inst.Len > MaxLength {
		return 0
	}

	return uint64(inst.Len)
}

// virtLength recognizes the 0F 01 /3 group of virtualization
// instructions, which the general decoder may reject since they are
// only meaningful to a hypervisor.
func virtLength(code []byte) uint64 {
	if len(code) < 3 || code[0] != 0x0f || code[1] != 0x01 {
		return 0
	}

	// VMRUN through INVLPGA occupy modrm D8 through DF.
	if code[2] >= 0xd8 && code[2] <= 0xdf {
		return 3
	}

	return 0
}

// LengthDecoder adapts a code reader into the instruction-geometry half
// of the platform emulator interface. ReadCode fills buf with the bytes
// at the current guest instruction pointer and reports how many were
// fetched; short reads at page boundaries are fine as long as the whole
// instruction was captured.
type LengthDecoder struct {
	Mode     int
	ReadCode func(buf []byte) int
}

// InstructionLength decodes the instruction at the current guest RIP.
func (d *LengthDecoder) InstructionLength() uint64 {
	var buf [MaxLength]byte

	n := d.ReadCode(buf[:])
	if n == 0 {
		return 0
	}

	return Length(buf[:n], d.Mode)
}
