package svm

import "encoding/binary"

// Hypercall page geometry: one stub every 32 bytes, each loading the
// call number and executing the vendor call instruction.
const (
	hypercallStubSize = 32

	// hypercallIRET is the one call a guest must make with a real
	// software interrupt, never through a stub; its slot traps with
	// an invalid opcode instead.
	hypercallIRET = 23
)

// InitHypercallPage writes the guest-visible hypercall trampolines into
// a page the machine maps for its kernel.
func InitHypercallPage(page []byte) {
	for i := 0; i < len(page)/hypercallStubSize; i++ {
		stub := page[i*hypercallStubSize:]

		if i == hypercallIRET {
			// ud2
			stub[0] = 0x0f
			stub[1] = 0x0b

			continue
		}

		// mov $i, %eax
		stub[0] = 0xb8
		binary.LittleEndian.PutUint32(stub[1:5], uint32(i))

		// vmmcall
		stub[5] = 0x0f
		stub[6] = 0x01
		stub[7] = 0xd9

		// ret
		stub[8] = 0xc3
	}
}
