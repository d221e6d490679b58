package vmcb

// EventInj is the packed event descriptor used both for the injection
// slot (EventInj) and for the reflected incoming event (ExitIntInfo):
//
//	bits  0-7   vector
//	bits  8-10  type
//	bit   11    error-code valid
//	bits  12-30 reserved
//	bit   31    valid
//	bits 32-63  error code
type EventInj uint64

const (
	eventVectorMask   = 0xff
	eventTypeShift    = 8
	eventTypeMask     = 0x7
	eventErrValidBit  = 1 << 11
	eventValidBit     = 1 << 31
	eventErrCodeShift = 32
	eventReservedMask = 0x7ffff000
	eventLowWordMask  = 0xffffffff
)

// MakeEvent builds an event descriptor with the valid bit set.
func MakeEvent(typ, vector uint8, hasErrorCode bool, errorCode uint32) EventInj {
	e := EventInj(vector) |
		EventInj(typ&eventTypeMask)<<eventTypeShift |
		eventValidBit
	if hasErrorCode {
		e |= eventErrValidBit | EventInj(errorCode)<<eventErrCodeShift
	}

	return e
}

// Valid reports whether the slot holds an event.
func (e EventInj) Valid() bool { return e&eventValidBit != 0 }

// Vector returns the event's vector number.
func (e EventInj) Vector() uint8 { return uint8(e & eventVectorMask) }

// Type returns the event's hardware type code.
func (e EventInj) Type() uint8 {
	return uint8(e>>eventTypeShift) & eventTypeMask
}

// HasErrorCode reports whether the event carries an error code.
func (e EventInj) HasErrorCode() bool { return e&eventErrValidBit != 0 }

// ErrorCode returns the event's error code.
func (e EventInj) ErrorCode() uint32 { return uint32(e >> eventErrCodeShift) }

// SetErrorCode replaces the error code without touching the rest of the
// descriptor.
func (e *EventInj) SetErrorCode(code uint32) {
	*e = *e&eventLowWordMask | EventInj(code)<<eventErrCodeShift
}

// LowWord returns the 32-bit descriptor half that is persisted across
// save/restore; the error code travels in its own field.
func (e EventInj) LowWord() uint32 { return uint32(e) }

// ReservedBits returns the architecturally-reserved bits of the low
// word. A restored event with any of them set is invalid.
func (e EventInj) ReservedBits() uint32 {
	return uint32(e) & eventReservedMask
}

// VIntr is the virtual-interrupt control field:
//
//	bits  0-7   virtual TPR (only the low 4 bits are architectural)
//	bit   8     virtual IRQ request
//	bits 16-19  priority
//	bit   20    ignore TPR
//	bit   24    virtual interrupt masking
//	bits 32-39  vector
type VIntr uint64

const (
	vintrTPRMask = 0xff
	vintrIRQBit  = 1 << 8
)

// TPR returns the hardware-visible task priority.
func (v VIntr) TPR() uint8 { return uint8(v & vintrTPRMask) }

// SetTPR replaces the hardware-visible task priority.
func (v *VIntr) SetTPR(tpr uint8) {
	*v = *v&^vintrTPRMask | VIntr(tpr)
}

// IRQ reports whether a virtual interrupt is requested.
func (v VIntr) IRQ() bool { return v&vintrIRQBit != 0 }

// SetIRQ sets or clears the virtual interrupt request.
func (v *VIntr) SetIRQ(on bool) {
	if on {
		*v |= vintrIRQBit
	} else {
		*v &^= vintrIRQBit
	}
}
