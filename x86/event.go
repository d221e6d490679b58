package x86

// Exception vectors.
const (
	TrapDivideError  = 0
	TrapDebug        = 1
	TrapNMI          = 2
	TrapInt3         = 3
	TrapOverflow     = 4
	TrapBounds       = 5
	TrapInvalidOp    = 6
	TrapNoDevice     = 7
	TrapDoubleFault  = 8
	TrapCoprocSeg    = 9
	TrapInvalidTSS   = 10
	TrapNoSegment    = 11
	TrapStackError   = 12
	TrapGPFault      = 13
	TrapPageFault    = 14
	TrapSpurious     = 15
	TrapCoprocError  = 16
	TrapAlignment    = 17
	TrapMachineCheck = 18
	TrapSIMDError    = 19
)

// Hardware event types as encoded in the event-injection word. Type 1 is
// reserved by the architecture and never valid.
const (
	EventExtInt      = 0
	EventNMI         = 2
	EventHWException = 3
	EventSWInt       = 4
	EventPriSWExcp   = 5
	EventSWException = 6
)

// NoErrorCode marks an injection that carries no error code.
const NoErrorCode = -1

// seriousTrapMask covers the exceptions whose delivery can escalate:
// #DE and the contributory faults #TS, #NP, #SS, #GP, #PF.
const seriousTrapMask = (1 << TrapDivideError) | (1 << TrapInvalidTSS) |
	(1 << TrapNoSegment) | (1 << TrapStackError) | (1 << TrapGPFault) |
	(1 << TrapPageFault)

// CombineExceptions resolves a hardware exception vec2 raised while vec1
// was still pending delivery. ok is false when the pair cannot be
// expressed as any exception at all, i.e. a fault during double-fault
// delivery, which must shut the virtual machine down.
func CombineExceptions(vec1, vec2 uint8) (vector uint8, ok bool) {
	if vec1 == TrapDoubleFault {
		return TrapDoubleFault, false
	}

	if vec1 == TrapPageFault {
		return TrapDoubleFault, true
	}

	// A benign first exception is simply discarded.
	if (1<<vec1)&seriousTrapMask == 0 {
		return vec2, true
	}

	return TrapDoubleFault, true
}

// EventNeedsReinjection reports whether an event that was pending (or
// mid-delivery) when the guest left the CPU must be installed again
// before the next entry. Interrupts and faults must be redelivered;
// trap-class exceptions (#DB, #BP, #OF) complete before the next entry
// and must not repeat; software events re-execute their instruction.
func EventNeedsReinjection(typ, vector uint8) bool {
	switch typ {
	case EventExtInt, EventNMI:
		return true
	case EventHWException:
		return vector != TrapDebug && vector != TrapInt3 &&
			vector != TrapOverflow
	default:
		return false
	}
}
