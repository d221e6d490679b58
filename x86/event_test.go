package x86_test

import (
	"testing"

	"github.com/nmi/gosvm/x86"
)

func TestCombineExceptions(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name       string
		vec1, vec2 uint8
		want       uint8
		ok         bool
	}{
		{"benign first keeps second", x86.TrapInvalidOp, x86.TrapGPFault, x86.TrapGPFault, true},
		{"contributory pair escalates", x86.TrapGPFault, x86.TrapNoSegment, x86.TrapDoubleFault, true},
		{"contributory then page fault escalates", x86.TrapGPFault, x86.TrapPageFault, x86.TrapDoubleFault, true},
		{"page fault then page fault escalates", x86.TrapPageFault, x86.TrapPageFault, x86.TrapDoubleFault, true},
		{"page fault then benign escalates", x86.TrapPageFault, x86.TrapInvalidOp, x86.TrapDoubleFault, true},
		{"double fault cannot combine", x86.TrapDoubleFault, x86.TrapGPFault, x86.TrapDoubleFault, false},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, ok := x86.CombineExceptions(tt.vec1, tt.vec2)
			if got != tt.want || ok != tt.ok {
				t.Fatalf("CombineExceptions(%d, %d) = %d, %v; want %d, %v",
					tt.vec1, tt.vec2, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestEventNeedsReinjection(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		typ, vector uint8
		want        bool
	}{
		{x86.EventExtInt, 32, true},
		{x86.EventNMI, x86.TrapNMI, true},
		{x86.EventHWException, x86.TrapPageFault, true},
		{x86.EventHWException, x86.TrapGPFault, true},
		{x86.EventHWException, x86.TrapDebug, false},
		{x86.EventHWException, x86.TrapInt3, false},
		{x86.EventHWException, x86.TrapOverflow, false},
		{x86.EventSWInt, 0x80, false},
		{x86.EventSWException, x86.TrapInt3, false},
	} {
		if got := x86.EventNeedsReinjection(tt.typ, tt.vector); got != tt.want {
			t.Fatalf("EventNeedsReinjection(%d, %d) = %v, want %v",
				tt.typ, tt.vector, got, tt.want)
		}
	}
}

func TestMSRValueRoundTrip(t *testing.T) {
	t.Parallel()

	r := &x86.Regs{}
	r.SetMSRValue(0x1122334455667788)

	if r.RAX != 0x55667788 || r.RDX != 0x11223344 {
		t.Fatalf("SetMSRValue split wrong: rax=%#x rdx=%#x", r.RAX, r.RDX)
	}

	if v := r.MSRValue(); v != 0x1122334455667788 {
		t.Fatalf("MSRValue() = %#x", v)
	}
}
