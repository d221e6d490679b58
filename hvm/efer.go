package hvm

import (
	"errors"
	"fmt"

	"github.com/nmi/gosvm/x86"
)

var ErrReservedEFERBits = errors.New("reserved bits set in EFER value")

// EFERCaps lists the extended-feature capabilities the platform lets a
// guest turn on. A bit the guest writes without the matching capability
// is treated as reserved.
type EFERCaps struct {
	SYSCALL  bool
	LongMode bool
	NX       bool
	SVM      bool
	LMSL     bool
	FFXSR    bool
}

// ValidateEFER checks a guest-proposed EFER value against caps. The
// returned error names the offending bit.
func ValidateEFER(caps EFERCaps, value uint64) error {
	if value&^x86.EFERKnownMask != 0 {
		return fmt.Errorf("%w: %#x", ErrReservedEFERBits, value&^x86.EFERKnownMask)
	}

	for _, bit := range []struct {
		mask uint64
		have bool
		name string
	}{
		{x86.EFERxSCE, caps.SYSCALL, "SCE"},
		{x86.EFERxLME, caps.LongMode, "LME"},
		{x86.EFERxLMA, caps.LongMode, "LMA"},
		{x86.EFERxNXE, caps.NX, "NXE"},
		{x86.EFERxSVME, caps.SVM, "SVME"},
		{x86.EFERxLMSLE, caps.LMSL, "LMSLE"},
		{x86.EFERxFFXSR, caps.FFXSR, "FFXSR"},
	} {
		if value&bit.mask != 0 && !bit.have {
			return fmt.Errorf("%w: %s not available", ErrReservedEFERBits, bit.name)
		}
	}

	// LMA follows long-mode activation; a guest cannot assert it
	// with LME clear.
	if value&x86.EFERxLMA != 0 && value&x86.EFERxLME == 0 {
		return fmt.Errorf("%w: LMA without LME", ErrReservedEFERBits)
	}

	return nil
}
