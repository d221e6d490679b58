// Package state defines the flat per-vCPU record persisted for
// save/restore and live migration, together with the validation a
// restore must run before touching any virtual-CPU state.
package state

import (
	"errors"
	"fmt"

	"github.com/nmi/gosvm/vmcb"
)

// ErrInvalidPendingEvent rejects a record whose pending-event word is
// architecturally impossible. A restore failing this check must not
// have mutated anything.
var ErrInvalidPendingEvent = errors.New("invalid pending event in saved state")

// CPU is the architectural state of one virtual CPU that the control
// path owns. General-purpose registers, segment descriptors, and FPU
// state travel separately; this record carries what is projected into
// the control block.
type CPU struct {
	CR0 uint64
	CR2 uint64
	CR3 uint64
	CR4 uint64

	SysenterCS  uint64
	SysenterESP uint64
	SysenterEIP uint64

	// PendingEvent is the low word of the injection descriptor
	// drained at save time; zero when nothing was pending. Its
	// error code travels alongside.
	PendingEvent     uint32
	PendingErrorCode uint32

	EFER uint64

	KernGSBase uint64
	Star       uint64
	LStar      uint64
	CStar      uint64
	SFMask     uint64

	TSC uint64
}

// ValidatePendingEvent checks the saved injection word. Type code 1 is
// reserved by the architecture, codes above 6 do not exist, and the
// reserved bits of the low word must be zero.
func (c *CPU) ValidatePendingEvent() error {
	ev := vmcb.EventInj(c.PendingEvent)
	if !ev.Valid() {
		return nil
	}

	if typ := ev.Type(); typ == 1 || typ > 6 {
		return fmt.Errorf("%w: type %d", ErrInvalidPendingEvent, typ)
	}

	if bits := ev.ReservedBits(); bits != 0 {
		return fmt.Errorf("%w: reserved bits %#x", ErrInvalidPendingEvent, bits)
	}

	return nil
}
