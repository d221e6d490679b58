// Package hvm defines the platform layer a hardware virtualization
// backend plugs into: the collaborator interfaces a virtual CPU needs
// (paging, interrupt controller, emulator, scheduler) and the shared
// validation helpers that are not specific to one vendor's extensions.
package hvm

// Intack identifies an interrupt accepted for delivery and where it
// came from. The source decides how the backend must deliver it: local
// APIC and NMI sources go straight into the injection slot, PIC-routed
// vectors go through the virtual interrupt mechanism so the guest can
// mask them with its task priority.
type Intack struct {
	Source IntSource
	Vector uint8
}

type IntSource int

const (
	IntSourceNone IntSource = iota
	IntSourcePIC
	IntSourceLAPIC
	IntSourceNMI
)

// Interrupt-shadow bits as reported to the platform. The hardware folds
// both into a single shadow flag.
const (
	IntShadowSTI   = 1 << 0
	IntShadowMOVSS = 1 << 1
)

// TaskSwitchReason distinguishes how a task switch was initiated; IRET
// and JMP clear the busy flag in the outgoing TSS descriptor.
type TaskSwitchReason int

const (
	TaskSwitchCall TaskSwitchReason = iota
	TaskSwitchIRET
	TaskSwitchJMP
)

// PageKind classifies a guest-physical page for fault handling.
type PageKind int

const (
	PageRAM PageKind = iota
	PageMMIO
	PageAbsent
)

// Paging resolves guest memory accesses. With nested paging enabled the
// hardware walks the guest's own tables and faults are reported against
// guest-physical addresses; without it the host shadows the guest
// tables and every guest page fault is a candidate for fixup.
type Paging interface {
	// Nested reports whether second-level translation is in use.
	Nested() bool

	// TableRoot returns the root of the host-maintained table the
	// hardware should walk (the nested table root, or the shadow
	// root standing in for the guest's CR3).
	TableRoot() uint64

	// Translate classifies a guest-physical address and returns the
	// backing page frame for RAM pages.
	Translate(gpa uint64) (PageKind, uint64)

	// HandleFault attempts to resolve a faulting access. It returns
	// true when the fault was fixed up and the guest can simply
	// retry; false means the fault is the guest's own and must be
	// reflected to it.
	HandleFault(addr uint64, errorCode uint32) bool

	// MarkDirty records a write to pfn for live-migration tracking
	// and restores write access to the page.
	MarkDirty(pfn uint64)

	// InvalidatePage drops any host mapping derived from the guest
	// virtual address. It returns false when the whole translation
	// must be flushed instead.
	InvalidatePage(addr uint64) bool

	// UpdateModes recomputes the translation setup after the guest
	// changed CR0, CR4, or EFER bits that affect paging.
	UpdateModes()
}

// Emulator decodes and performs guest instructions the hardware could
// not complete, and answers instruction-geometry questions for exits
// that do not report a next-instruction pointer.
type Emulator interface {
	// Emulate decodes and completes the instruction at the current
	// guest RIP, including any emulated-device access it performs.
	// It returns false when it declines the instruction.
	Emulate() bool

	// InstructionLength returns the byte length of the instruction
	// at the current guest RIP, or 0 when it cannot be decoded.
	InstructionLength() uint64

	// Invalidate drops any guest state the emulator has cached.
	Invalidate()
}

// InterruptController is the guest-visible local APIC (or its
// replacement). The backend mirrors the task-priority register between
// the controller and the hardware control block around every guest
// entry and exit.
type InterruptController interface {
	// TPR returns the architectural task priority (the CR8 view,
	// four bits).
	TPR() uint8
	SetTPR(uint8)

	// Pending returns the highest-priority deliverable interrupt,
	// or an Intack with Source == IntSourceNone.
	Pending() Intack

	// Ack commits delivery of a previously returned Intack.
	Ack(Intack)

	// BaseMSR reports the controller's base address register.
	BaseMSR() uint64
	SetBaseMSR(uint64) error

	// HardwareDisabled reports whether the controller has been
	// switched off by the guest, which hides its feature bit from
	// identification queries.
	HardwareDisabled() bool
}

// HypercallResult is the outcome of dispatching a guest hypercall.
// A preempted call is retried, so the guest must re-execute the calling
// instruction; Invalidate asks the platform to drop cached emulation
// state before the next entry.
type HypercallResult struct {
	Preempted  bool
	Invalidate bool
}

// HypercallHandler dispatches guest-to-host calls.
type HypercallHandler interface {
	Invoke() HypercallResult
}

// TaskSwitcher performs the architectural task-switch sequence, which
// the hardware intercepts rather than executes. errorCode is -1 when
// the switch was not caused by a faulting event.
type TaskSwitcher interface {
	Switch(selector uint16, reason TaskSwitchReason, errorCode int64) error
}

// Clock owns the guest's notion of time.
type Clock interface {
	// GuestTSC returns the value the guest should read from its
	// time-stamp counter right now.
	GuestTSC() uint64
	SetGuestTSC(uint64)

	// ResetPeriodicTimers realigns periodic-timer emulation after
	// the guest rewrote its time base.
	ResetPeriodicTimers()
}

// ASID hands out the address-space tags that scope the guest's cached
// translations.
type ASID interface {
	// InitCore resets the tag generation for the calling core
	// during bring-up.
	InitCore()

	// Invalidate requests a fresh tag for the owning virtual CPU
	// before its next entry.
	Invalidate()
}

// Scheduler is the host run-loop the virtual CPU hands control to when
// it cannot make progress.
type Scheduler interface {
	// Halt blocks until the virtual CPU has a reason to run again.
	// It returns immediately when an event is already pending.
	Halt()

	// PauseForDebugger parks the virtual CPU for an attached
	// debugger after a breakpoint exit.
	PauseForDebugger()

	// MigrateTimers rebinds the virtual CPU's timers after it moved
	// to a different host core.
	MigrateTimers()
}
