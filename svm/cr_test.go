package svm_test

import (
	"testing"

	"github.com/nmi/gosvm/hvm"
	"github.com/nmi/gosvm/svm"
	"github.com/nmi/gosvm/x86"
)

func TestUpdateGuestCR0ForcesShadowPagingBits(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	c := e.v.VMCB()

	// Shadow paging runs the guest on host-built tables even when it
	// believes paging is off.
	e.v.GuestCR[0] = x86.CR0xPE
	e.v.UpdateGuestCR(0)

	if c.CR0&x86.CR0xPG == 0 || c.CR0&x86.CR0xWP == 0 {
		t.Errorf("CR0 = %#x, want PG and WP forced", c.CR0)
	}
}

func TestUpdateGuestCR0NestedKeepsGuestValue(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.pg.nested = true
	c := e.v.VMCB()

	e.v.GuestCR[0] = x86.CR0xPE | x86.CR0xTS
	e.v.UpdateGuestCR(0)

	if c.CR0&x86.CR0xPG != 0 {
		t.Errorf("CR0 = %#x, paging forced on under nested tables", c.CR0)
	}
}

func TestUpdateGuestCR0LazyTaskSwitched(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	c := e.v.VMCB()

	// The guest clears TS but is not running anywhere; the unit must
	// keep trapping until first use.
	e.v.GuestCR[0] = x86.CR0xPE
	e.v.UpdateGuestCR(0)

	if c.CR0&x86.CR0xTS == 0 {
		t.Errorf("CR0 = %#x, task-switched bit dropped while descheduled", c.CR0)
	}
	if e.hw.fpuLoads != 0 {
		t.Error("floating-point context loaded for an idle guest")
	}
}

func TestUpdateGuestCR3(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	c := e.v.VMCB()

	before := e.asid.invalidated

	e.v.GuestCR[3] = 0x123000
	e.v.UpdateGuestCR(3)

	if c.CR3 != e.pg.root {
		t.Errorf("CR3 = %#x, want host table root %#x", c.CR3, e.pg.root)
	}
	if e.asid.invalidated != before+1 {
		t.Error("address space not invalidated on a table change")
	}

	e.pg.nested = true
	e.v.UpdateGuestCR(3)

	if c.CR3 != 0x123000 {
		t.Errorf("CR3 = %#x, want guest root under nested tables", c.CR3)
	}
}

func TestUpdateGuestCR4HostMask(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	c := e.v.VMCB()

	// Shadowed 32-bit tables are built in the wide format; physical
	// address extension stays on underneath the guest.
	e.v.GuestCR[4] = 0
	e.v.UpdateGuestCR(4)

	if c.CR4&x86.CR4xPAE == 0 {
		t.Errorf("CR4 = %#x, want PAE forced under shadow tables", c.CR4)
	}

	e.pg.nested = true
	e.v.UpdateGuestCR(4)

	if c.CR4 != 0 {
		t.Errorf("CR4 = %#x, want the guest's own value under nested tables", c.CR4)
	}
}

func TestUpdateGuestEFER(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		guest uint64
		want  uint64
	}{
		{"empty", 0, x86.EFERxSVME},
		{"enable without activity", x86.EFERxLME, x86.EFERxSVME},
		{"long mode active", x86.EFERxLME | x86.EFERxLMA,
			x86.EFERxSVME | x86.EFERxLME | x86.EFERxLMA},
		{"other bits pass through", x86.EFERxNXE | x86.EFERxSCE,
			x86.EFERxSVME | x86.EFERxNXE | x86.EFERxSCE},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e := newEnv(t)

			e.v.GuestEFER = tt.guest
			e.v.UpdateGuestEFER()

			if got := e.v.VMCB().EFER; got != tt.want {
				t.Errorf("EFER = %#x, want %#x", got, tt.want)
			}
		})
	}
}

func TestGuestMode(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	c := e.v.VMCB()

	if mode := e.v.GuestMode(); mode != svm.ModeReal {
		t.Errorf("mode = %d, want real", mode)
	}

	e.v.GuestCR[0] = x86.CR0xPE

	c.RFLAGS = x86.FlagsVM
	if mode := e.v.GuestMode(); mode != svm.ModeVM86 {
		t.Errorf("mode = %d, want virtual-8086", mode)
	}

	c.RFLAGS = 0
	if mode := e.v.GuestMode(); mode != svm.Mode16 {
		t.Errorf("mode = %d, want 16-bit", mode)
	}

	c.CS.Attr = 1 << 10
	if mode := e.v.GuestMode(); mode != svm.Mode32 {
		t.Errorf("mode = %d, want 32-bit", mode)
	}

	c.CS.Attr = 1 << 9
	e.v.GuestEFER = x86.EFERxLMA
	if mode := e.v.GuestMode(); mode != svm.Mode64 {
		t.Errorf("mode = %d, want 64-bit", mode)
	}
}

func TestInterruptShadowRoundTrip(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	e.v.SetInterruptShadow(hvm.IntShadowMOVSS)

	// The hardware has a single combined flag; both platform bits
	// come back.
	if got := e.v.InterruptShadow(); got != hvm.IntShadowSTI|hvm.IntShadowMOVSS {
		t.Errorf("shadow = %#x, want both bits", got)
	}

	e.v.SetInterruptShadow(0)

	if got := e.v.InterruptShadow(); got != 0 {
		t.Errorf("shadow = %#x, want clear", got)
	}
}

func TestSetTSCOffset(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.v.SetTSCOffset(0xfffffff000000000)

	if got := e.v.VMCB().TSCOffset; got != 0xfffffff000000000 {
		t.Errorf("offset = %#x", got)
	}
}
